package compiler

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/LutendoLukhele/cortex/pkg/connector"
	"github.com/LutendoLukhele/cortex/pkg/shaper"
)

// responseSchema is the JSON schema the model must satisfy. Exactly one of
// unit / clarification is present; unknown fields reject everywhere.
const responseSchema = `{
  "type": "object",
  "properties": {
    "unit": {
      "type": "object",
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "trigger": {
          "type": "object",
          "properties": {
            "source": {"type": "string"},
            "type": {"type": "string"}
          },
          "required": ["source", "type"],
          "additionalProperties": false
        },
        "conditions": {
          "type": "array",
          "items": {
            "type": "object",
            "properties": {
              "kind": {"enum": ["rule", "semantic"]},
              "field": {"type": "string"},
              "operator": {"type": "string"},
              "value": {},
              "prompt": {"type": "string"},
              "fields": {"type": "array", "items": {"type": "string"}}
            },
            "required": ["kind"],
            "additionalProperties": false
          }
        },
        "actions": {
          "type": "array",
          "minItems": 1,
          "items": {
            "type": "object",
            "properties": {
              "kind": {"enum": ["tool", "llm", "wait", "check", "notify", "noop"]},
              "tool": {"type": "string"},
              "params": {"type": "object"},
              "continue_on_error": {"type": "boolean"}
            },
            "required": ["kind"],
            "additionalProperties": false
          }
        }
      },
      "required": ["name", "trigger", "actions"],
      "additionalProperties": false
    },
    "clarification": {
      "type": "object",
      "properties": {
        "question": {"type": "string", "minLength": 1},
        "ambiguities": {"type": "array", "items": {"type": "string"}}
      },
      "required": ["question"],
      "additionalProperties": false
    }
  },
  "oneOf": [
    {"required": ["unit"]},
    {"required": ["clarification"]}
  ],
  "additionalProperties": false
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
)

// compileResponseSchema compiles the response schema once. The schema is a
// package constant, so a compile failure is a programming error.
func compileResponseSchema() *jsonschema.Schema {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(responseSchema))
		if err != nil {
			panic(fmt.Sprintf("compiler: invalid response schema: %v", err))
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("unit-response.json", doc); err != nil {
			panic(fmt.Sprintf("compiler: failed to add response schema: %v", err))
		}
		compiledSchema, err = c.Compile("unit-response.json")
		if err != nil {
			panic(fmt.Sprintf("compiler: failed to compile response schema: %v", err))
		}
	})
	return compiledSchema
}

// systemPrompt renders the compiler instructions: the event emission table,
// the tool catalog, the condition grammar, and the output contract.
func systemPrompt(registry *connector.Registry) string {
	var b strings.Builder
	b.WriteString(`You translate a user's automation request into a structured rule.

The rule fires on exactly one trigger event, optionally filtered by conditions, and then runs a chain of actions.

Available trigger events (source / type):
`)
	b.WriteString(shaper.EmissionCatalog())
	b.WriteString(`
Available tool actions (required params are starred):
`)
	b.WriteString(registry.PromptCatalog())
	b.WriteString(`
Condition grammar:
- kind "rule": deterministic comparison over an event payload field. Operators: eq, neq, in, notIn, contains, startsWith, between, gt, gte, lt, lte, isNull, isNotNull. "field" addresses the payload with dotted paths. "value" holds the comparand (an array for in/notIn/between).
- kind "semantic": a yes/no question evaluated by a language model against the payload. Provide "prompt" and the payload "fields" it needs.

Action kinds:
- "tool": call one of the tools above; set "tool" and "params". Param values may reference the event with {{event.payload.<field>}} and earlier steps with {{steps.<index>.output.<field>}}.
- "llm": a language-model step; params.task is one of summarize, generate, classify, extract; params.prompt is the instruction (templates allowed).
- "wait": pause; params.ms is the duration in milliseconds, 900000 (15 minutes) at most.
- "check": re-evaluate a rule condition mid-chain; params carry field/operator/value. If false, remaining steps are skipped.
- "notify": send the user a notification via the notify.send tool; set "tool" to "notify.send".
- "noop": do nothing.

Respond with JSON only. If the request maps cleanly onto the grammar, return {"unit": {...}}. If anything essential is ambiguous or impossible with the available events and tools, return {"clarification": {"question": "...", "ambiguities": [...]}} instead of guessing. Never invent event types or tool names.`)
	return b.String()
}
