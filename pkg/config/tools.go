package config

import (
	"fmt"

	"dario.cat/mergo"
)

// ToolKind categorizes a tool as a read (query) or write (mutation) action.
type ToolKind string

const (
	ToolKindRead  ToolKind = "read"
	ToolKindWrite ToolKind = "write"
)

// ToolSpec declares one external tool action: which provider serves it, its
// input parameter schema (JSON Schema properties), and which parameters are
// required. Unknown tools are rejected at unit compile time, never at run
// time.
type ToolSpec struct {
	Provider    string         `yaml:"provider"`
	Kind        ToolKind       `yaml:"kind"`
	Description string         `yaml:"description"`
	Params      map[string]any `yaml:"params"`
	Required    []string       `yaml:"required"`
}

func (t ToolSpec) validate(name string) error {
	if name == "" {
		return NewConfigError("tools", "tool name must not be empty")
	}
	if t.Provider == "" {
		return NewConfigError("tools."+name, "provider is required")
	}
	if t.Kind != ToolKindRead && t.Kind != ToolKindWrite {
		return NewConfigError("tools."+name,
			fmt.Sprintf("kind must be %q or %q", ToolKindRead, ToolKindWrite))
	}
	for _, req := range t.Required {
		if _, ok := t.Params[req]; !ok {
			return NewConfigError("tools."+name,
				fmt.Sprintf("required parameter %q is not declared in params", req))
		}
	}
	return nil
}

// MergeTools merges user-defined tool specs over the builtin catalog.
// User entries override builtin entries with the same name.
func MergeTools(builtin, user map[string]ToolSpec) (map[string]ToolSpec, error) {
	merged := make(map[string]ToolSpec, len(builtin)+len(user))
	for name, spec := range builtin {
		merged[name] = spec
	}
	for name, spec := range user {
		if base, ok := merged[name]; ok {
			if err := mergo.Merge(&spec, base); err != nil {
				return nil, NewConfigError("tools."+name, err.Error())
			}
		}
		merged[name] = spec
	}
	return merged, nil
}

// BuiltinTools returns the built-in tool catalog. User configuration may
// extend or override it via cortex.yaml.
func BuiltinTools() map[string]ToolSpec {
	strParam := func(desc string) map[string]any {
		return map[string]any{"type": "string", "description": desc}
	}
	return map[string]ToolSpec{
		"email.send_message": {
			Provider:    "email",
			Kind:        ToolKindWrite,
			Description: "Send an email message",
			Params: map[string]any{
				"to":      strParam("Recipient address"),
				"subject": strParam("Message subject"),
				"body":    strParam("Plain-text body"),
			},
			Required: []string{"to", "subject", "body"},
		},
		"email.create_draft": {
			Provider:    "email",
			Kind:        ToolKindWrite,
			Description: "Create a draft reply or message",
			Params: map[string]any{
				"to":      strParam("Recipient address"),
				"subject": strParam("Message subject"),
				"body":    strParam("Plain-text body"),
			},
			Required: []string{"to", "body"},
		},
		"email.search_messages": {
			Provider:    "email",
			Kind:        ToolKindRead,
			Description: "Search synced email messages",
			Params: map[string]any{
				"query": strParam("Search query"),
			},
			Required: []string{"query"},
		},
		"calendar.create_event": {
			Provider:    "calendar",
			Kind:        ToolKindWrite,
			Description: "Create a calendar event",
			Params: map[string]any{
				"summary":   strParam("Event title"),
				"start":     strParam("RFC3339 start time"),
				"end":       strParam("RFC3339 end time"),
				"attendees": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
			Required: []string{"summary", "start", "end"},
		},
		"calendar.update_event": {
			Provider:    "calendar",
			Kind:        ToolKindWrite,
			Description: "Update an existing calendar event",
			Params: map[string]any{
				"event_id": strParam("Event identifier"),
				"summary":  strParam("Event title"),
				"start":    strParam("RFC3339 start time"),
				"end":      strParam("RFC3339 end time"),
			},
			Required: []string{"event_id"},
		},
		"crm.update_record": {
			Provider:    "crm",
			Kind:        ToolKindWrite,
			Description: "Update a CRM record's fields",
			Params: map[string]any{
				"record_type": strParam("Record type, e.g. Lead or Opportunity"),
				"record_id":   strParam("Record identifier"),
				"fields":      map[string]any{"type": "object", "description": "Field values to set"},
			},
			Required: []string{"record_type", "record_id", "fields"},
		},
		"crm.create_task": {
			Provider:    "crm",
			Kind:        ToolKindWrite,
			Description: "Create a follow-up task on a CRM record",
			Params: map[string]any{
				"record_id": strParam("Parent record identifier"),
				"subject":   strParam("Task subject"),
				"due_date":  strParam("Due date, RFC3339"),
			},
			Required: []string{"record_id", "subject"},
		},
		"crm.get_record": {
			Provider:    "crm",
			Kind:        ToolKindRead,
			Description: "Fetch a CRM record from the synced cache",
			Params: map[string]any{
				"record_type": strParam("Record type"),
				"record_id":   strParam("Record identifier"),
			},
			Required: []string{"record_type", "record_id"},
		},
		"notify.send": {
			Provider:    "notify",
			Kind:        ToolKindWrite,
			Description: "Send a notification to the user's channel",
			Params: map[string]any{
				"channel": strParam("Notification channel identifier"),
				"message": strParam("Notification text"),
			},
			Required: []string{"message"},
		},
	}
}
