// Package runtime executes a run's action chain: sequential steps with
// per-kind timeouts, templated inputs, jittered retries for transient
// failures, and durable per-step logging.
package runtime

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/LutendoLukhele/cortex/pkg/models"
)

// placeholderPattern matches {{ dotted.path }} substitutions in params.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}\s]+)\s*\}\}`)

// Scope is the accumulated context a step's templates resolve against: the
// triggering event plus the outputs of earlier steps.
type Scope struct {
	Event *models.Event
	// Outputs holds one entry per finished step, indexed by step position.
	Outputs []any
}

// NewScope creates a scope for ev with no step outputs yet.
func NewScope(ev *models.Event) *Scope {
	return &Scope{Event: ev}
}

// AddOutput records the output of the step that just finished.
func (s *Scope) AddOutput(out any) {
	s.Outputs = append(s.Outputs, out)
}

// Lookup resolves a template path. Supported roots are "event" (id, source,
// type, record_id, payload.*) and "steps.N.output.*". The second return is
// false for any undefined path.
func (s *Scope) Lookup(path string) (any, bool) {
	segments := strings.Split(path, ".")
	if len(segments) == 0 {
		return nil, false
	}
	switch segments[0] {
	case "event":
		return s.lookupEvent(segments[1:])
	case "steps":
		return s.lookupStep(segments[1:])
	}
	return nil, false
}

func (s *Scope) lookupEvent(segments []string) (any, bool) {
	if s.Event == nil || len(segments) == 0 {
		return nil, false
	}
	switch segments[0] {
	case "id":
		return s.Event.ID, len(segments) == 1
	case "source":
		return string(s.Event.Source), len(segments) == 1
	case "type":
		return string(s.Event.Type), len(segments) == 1
	case "record_id":
		return s.Event.RecordID, len(segments) == 1
	case "payload":
		if len(segments) == 1 {
			return s.Event.Payload, true
		}
		return walk(s.Event.Payload, segments[1:])
	}
	return nil, false
}

func (s *Scope) lookupStep(segments []string) (any, bool) {
	if len(segments) < 2 || segments[1] != "output" {
		return nil, false
	}
	index, err := strconv.Atoi(segments[0])
	if err != nil || index < 0 || index >= len(s.Outputs) {
		return nil, false
	}
	out := s.Outputs[index]
	if len(segments) == 2 {
		return out, true
	}
	obj, ok := out.(map[string]any)
	if !ok {
		return nil, false
	}
	return walk(obj, segments[2:])
}

func walk(obj map[string]any, segments []string) (any, bool) {
	var current any = obj
	for _, segment := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Render substitutes {{path}} placeholders in tmpl. A string that is exactly
// one placeholder yields the referenced value with its type preserved; mixed
// text stringifies each substitution. Undefined paths are rejected.
func Render(tmpl string, scope *Scope) (any, error) {
	matches := placeholderPattern.FindAllStringSubmatchIndex(tmpl, -1)
	if len(matches) == 0 {
		return tmpl, nil
	}

	// Whole-string placeholder keeps the value's type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(tmpl) {
		path := tmpl[matches[0][2]:matches[0][3]]
		value, ok := scope.Lookup(path)
		if !ok {
			return nil, undefinedPath(path)
		}
		return value, nil
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(tmpl[last:m[0]])
		path := tmpl[m[2]:m[3]]
		value, ok := scope.Lookup(path)
		if !ok {
			return nil, undefinedPath(path)
		}
		b.WriteString(stringify(value))
		last = m[1]
	}
	b.WriteString(tmpl[last:])
	return b.String(), nil
}

// RenderParams templates every string leaf of params, recursing into nested
// maps and slices. Non-string leaves pass through untouched.
func RenderParams(params map[string]any, scope *Scope) (map[string]any, error) {
	if params == nil {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(params))
	for key, value := range params {
		rendered, err := renderValue(value, scope)
		if err != nil {
			return nil, err
		}
		out[key] = rendered
	}
	return out, nil
}

func renderValue(value any, scope *Scope) (any, error) {
	switch v := value.(type) {
	case string:
		return Render(v, scope)
	case map[string]any:
		return RenderParams(v, scope)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			rendered, err := renderValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return value, nil
	}
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func undefinedPath(path string) error {
	return models.Classified(models.ErrKindPermanent,
		fmt.Errorf("template references undefined path %q", path))
}
