package matcher

import (
	"reflect"
	"strings"

	"github.com/LutendoLukhele/cortex/pkg/models"
)

// LookupPath resolves a dotted path against a payload. The second return is
// false when any segment is missing or a non-object is traversed.
func LookupPath(payload map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var current any = payload
	for _, segment := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// EvalRule evaluates a rule condition against the payload. The operator
// table is total: every operator yields a boolean, and an unknown field makes
// the condition false (including isNull, which matches only a present null).
func EvalRule(payload map[string]any, cond models.Condition) bool {
	value, ok := LookupPath(payload, cond.Field)
	if !ok {
		return false
	}

	switch cond.Operator {
	case models.OpEq:
		return looseEqual(value, cond.Value)
	case models.OpNeq:
		return !looseEqual(value, cond.Value)
	case models.OpIn:
		return member(value, cond.Value)
	case models.OpNotIn:
		return !member(value, cond.Value)
	case models.OpContains:
		return contains(value, cond.Value)
	case models.OpStartsWith:
		s, okS := value.(string)
		prefix, okP := cond.Value.(string)
		return okS && okP && strings.HasPrefix(strings.ToLower(s), strings.ToLower(prefix))
	case models.OpBetween:
		bounds, okB := cond.Value.([]any)
		if !okB || len(bounds) != 2 {
			return false
		}
		v, okV := number(value)
		lo, okLo := number(bounds[0])
		hi, okHi := number(bounds[1])
		return okV && okLo && okHi && v >= lo && v <= hi
	case models.OpGt:
		return ordered(value, cond.Value, func(a, b float64) bool { return a > b }, func(a, b string) bool { return a > b })
	case models.OpGte:
		return ordered(value, cond.Value, func(a, b float64) bool { return a >= b }, func(a, b string) bool { return a >= b })
	case models.OpLt:
		return ordered(value, cond.Value, func(a, b float64) bool { return a < b }, func(a, b string) bool { return a < b })
	case models.OpLte:
		return ordered(value, cond.Value, func(a, b float64) bool { return a <= b }, func(a, b string) bool { return a <= b })
	case models.OpIsNull:
		return value == nil
	case models.OpIsNotNull:
		return value != nil
	default:
		return false
	}
}

// looseEqual compares with numeric widening and case-insensitive strings, so
// payload values survive JSON round-trips and prompt-authored casing.
func looseEqual(a, b any) bool {
	if na, ok := number(a); ok {
		if nb, ok := number(b); ok {
			return na == nb
		}
		return false
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return strings.EqualFold(sa, sb)
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func member(value, set any) bool {
	items, ok := set.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if looseEqual(value, item) {
			return true
		}
	}
	return false
}

// contains matches substrings on strings and membership on arrays.
func contains(value, needle any) bool {
	switch v := value.(type) {
	case string:
		n, ok := needle.(string)
		return ok && strings.Contains(strings.ToLower(v), strings.ToLower(n))
	case []any:
		for _, item := range v {
			if looseEqual(item, needle) {
				return true
			}
		}
	}
	return false
}

func ordered(a, b any, numCmp func(a, b float64) bool, strCmp func(a, b string) bool) bool {
	if na, ok := number(a); ok {
		if nb, ok := number(b); ok {
			return numCmp(na, nb)
		}
		return false
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return strCmp(sa, sb)
		}
	}
	return false
}

func number(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}
