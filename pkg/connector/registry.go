// Package connector wraps the external SaaS connector API: a tool registry
// with per-tool input validation and an HTTP facade (proxy/records/action)
// used by the runtime's tool and notify steps.
package connector

import (
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/LutendoLukhele/cortex/pkg/config"
	"github.com/LutendoLukhele/cortex/pkg/models"
)

// Tool is one registered tool action with its compiled input schema.
type Tool struct {
	Name        string
	Provider    string
	Kind        config.ToolKind
	Description string
	Params      map[string]any
	Required    []string

	schema *jsonschema.Schema
}

// Registry holds the resolved tool catalog. Loaded once at startup; unknown
// tool names are rejected at unit compile time, never at run time.
type Registry struct {
	tools map[string]*Tool
}

// NewRegistry compiles the tool catalog into a registry. Each tool's params
// become the properties of an object schema used to validate step inputs.
func NewRegistry(specs map[string]config.ToolSpec) (*Registry, error) {
	tools := make(map[string]*Tool, len(specs))
	for name, spec := range specs {
		schema, err := compileInputSchema(name, spec)
		if err != nil {
			return nil, err
		}
		tools[name] = &Tool{
			Name:        name,
			Provider:    spec.Provider,
			Kind:        spec.Kind,
			Description: spec.Description,
			Params:      spec.Params,
			Required:    spec.Required,
			schema:      schema,
		}
	}
	return &Registry{tools: tools}, nil
}

func compileInputSchema(name string, spec config.ToolSpec) (*jsonschema.Schema, error) {
	doc := map[string]any{
		"type":                 "object",
		"properties":           spec.Params,
		"additionalProperties": false,
	}
	if len(spec.Required) > 0 {
		required := make([]any, len(spec.Required))
		for i, r := range spec.Required {
			required[i] = r
		}
		doc["required"] = required
	}
	c := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("failed to add schema for tool %s: %w", name, err)
	}
	schema, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema for tool %s: %w", name, err)
	}
	return schema, nil
}

// Lookup returns the tool by name.
func (r *Registry) Lookup(name string) (*Tool, error) {
	tool, ok := r.tools[name]
	if !ok {
		return nil, models.Classified(models.ErrKindInternal,
			fmt.Errorf("unknown tool %q", name))
	}
	return tool, nil
}

// Has reports whether name is a registered tool.
func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// List returns all tools sorted by name.
func (r *Registry) List() []*Tool {
	out := make([]*Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidateInput checks input against the tool's schema. Violations are
// permanent errors; they fail the step without retries.
func (r *Registry) ValidateInput(name string, input map[string]any) error {
	tool, err := r.Lookup(name)
	if err != nil {
		return err
	}
	if input == nil {
		input = map[string]any{}
	}
	if err := tool.schema.Validate(normalize(input)); err != nil {
		return models.Classified(models.ErrKindPermanent,
			fmt.Errorf("invalid input for tool %s: %w", name, err))
	}
	return nil
}

// normalize converts nested map/slice values into the generic shapes the
// schema validator expects.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return t
	}
}

// PromptCatalog renders the registry as a compact text block for the
// compiler's system prompt: one line per tool with kind, params, and which
// are required.
func (r *Registry) PromptCatalog() string {
	var b strings.Builder
	for _, tool := range r.List() {
		params := make([]string, 0, len(tool.Params))
		for p := range tool.Params {
			params = append(params, p)
		}
		sort.Strings(params)
		for i, p := range params {
			for _, req := range tool.Required {
				if p == req {
					params[i] = p + "*"
					break
				}
			}
		}
		fmt.Fprintf(&b, "- %s (%s, %s): %s [%s]\n",
			tool.Name, tool.Provider, tool.Kind, tool.Description, strings.Join(params, ", "))
	}
	return b.String()
}
