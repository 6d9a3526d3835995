package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/LutendoLukhele/cortex/pkg/models"
)

func TestLookupPath(t *testing.T) {
	payload := map[string]any{
		"subject": "urgent: renewal",
		"changes": map[string]any{
			"status": map[string]any{"from": "New", "to": "Qualified"},
		},
		"amount": 50000.0,
	}

	tests := []struct {
		path   string
		want   any
		wantOK bool
	}{
		{"subject", "urgent: renewal", true},
		{"changes.status.to", "Qualified", true},
		{"amount", 50000.0, true},
		{"missing", nil, false},
		{"changes.missing.to", nil, false},
		{"subject.deeper", nil, false},
		{"", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := LookupPath(payload, tt.path)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestEvalRule_OperatorTable(t *testing.T) {
	payload := map[string]any{
		"subject":   "Urgent: contract renewal",
		"from":      "alice@example.com",
		"amount":    50000.0,
		"stage":     "Negotiation",
		"owner_id":  nil,
		"attendees": []any{"bob@example.com", "carol@example.com"},
	}

	cond := func(field string, op models.Operator, value any) models.Condition {
		return models.Condition{Kind: models.ConditionRule, Field: field, Operator: op, Value: value}
	}

	tests := []struct {
		name string
		cond models.Condition
		want bool
	}{
		{"eq string case-insensitive", cond("stage", models.OpEq, "negotiation"), true},
		{"eq number", cond("amount", models.OpEq, 50000.0), true},
		{"eq mismatch", cond("stage", models.OpEq, "Closed"), false},
		{"neq", cond("stage", models.OpNeq, "Closed"), true},
		{"in", cond("stage", models.OpIn, []any{"Negotiation", "Proposal"}), true},
		{"in miss", cond("stage", models.OpIn, []any{"Closed"}), false},
		{"notIn", cond("stage", models.OpNotIn, []any{"Closed"}), true},
		{"contains substring", cond("subject", models.OpContains, "urgent"), true},
		{"contains array member", cond("attendees", models.OpContains, "bob@example.com"), true},
		{"contains miss", cond("subject", models.OpContains, "invoice"), false},
		{"startsWith", cond("subject", models.OpStartsWith, "urgent"), true},
		{"between inside", cond("amount", models.OpBetween, []any{10000.0, 100000.0}), true},
		{"between outside", cond("amount", models.OpBetween, []any{60000.0, 100000.0}), false},
		{"gt", cond("amount", models.OpGt, 40000.0), true},
		{"gte boundary", cond("amount", models.OpGte, 50000.0), true},
		{"lt", cond("amount", models.OpLt, 40000.0), false},
		{"lte boundary", cond("amount", models.OpLte, 50000.0), true},
		{"string ordering", cond("stage", models.OpGt, "Million"), true},
		{"isNull present null", cond("owner_id", models.OpIsNull, nil), true},
		{"isNotNull", cond("stage", models.OpIsNotNull, nil), true},
		{"isNull on value", cond("stage", models.OpIsNull, nil), false},
		// Unknown field is false for every operator, isNull included.
		{"unknown field eq", cond("nonexistent", models.OpEq, "x"), false},
		{"unknown field isNull", cond("nonexistent", models.OpIsNull, nil), false},
		{"type mismatch gt", cond("stage", models.OpGt, 10.0), false},
		{"unknown operator", cond("stage", "like", "Neg"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EvalRule(payload, tt.cond))
		})
	}
}
