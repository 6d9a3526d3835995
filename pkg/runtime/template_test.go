package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LutendoLukhele/cortex/pkg/models"
)

func testScope() *Scope {
	scope := NewScope(&models.Event{
		ID:       "evt-1",
		Source:   models.SourceEmail,
		Type:     models.EventEmailReceived,
		RecordID: "msg-9",
		Payload: map[string]any{
			"subject": "Renewal due",
			"from":    "alice@example.com",
			"amount":  1200.0,
			"meta":    map[string]any{"thread_id": "t-1"},
		},
	})
	scope.AddOutput(map[string]any{"text": "short summary", "score": 0.9})
	return scope
}

func TestScopeLookup(t *testing.T) {
	scope := testScope()

	tests := []struct {
		path   string
		want   any
		wantOK bool
	}{
		{"event.id", "evt-1", true},
		{"event.type", "email_received", true},
		{"event.payload.subject", "Renewal due", true},
		{"event.payload.meta.thread_id", "t-1", true},
		{"steps.0.output.text", "short summary", true},
		{"steps.0.output", map[string]any{"text": "short summary", "score": 0.9}, true},
		{"event.payload.missing", nil, false},
		{"steps.1.output.text", nil, false},
		{"steps.0.result", nil, false},
		{"unit.name", nil, false},
		{"event.id.deeper", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := scope.Lookup(tt.path)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestRender(t *testing.T) {
	scope := testScope()

	t.Run("plain text untouched", func(t *testing.T) {
		got, err := Render("no placeholders here", scope)
		require.NoError(t, err)
		assert.Equal(t, "no placeholders here", got)
	})

	t.Run("whole placeholder keeps type", func(t *testing.T) {
		got, err := Render("{{event.payload.amount}}", scope)
		require.NoError(t, err)
		assert.Equal(t, 1200.0, got)
	})

	t.Run("mixed text stringifies", func(t *testing.T) {
		got, err := Render("Re: {{event.payload.subject}} ({{event.payload.amount}})", scope)
		require.NoError(t, err)
		assert.Equal(t, "Re: Renewal due (1200)", got)
	})

	t.Run("step output reference", func(t *testing.T) {
		got, err := Render("Summary: {{steps.0.output.text}}", scope)
		require.NoError(t, err)
		assert.Equal(t, "Summary: short summary", got)
	})

	t.Run("undefined path rejected", func(t *testing.T) {
		_, err := Render("hello {{event.payload.nope}}", scope)
		require.Error(t, err)
		assert.Equal(t, models.ErrKindPermanent, models.Classify(err))
		assert.Contains(t, err.Error(), "event.payload.nope")
	})
}

func TestRenderParams(t *testing.T) {
	scope := testScope()

	out, err := RenderParams(map[string]any{
		"message": "From {{event.payload.from}}: {{steps.0.output.text}}",
		"amount":  "{{event.payload.amount}}",
		"static":  42.0,
		"nested": map[string]any{
			"subject": "{{event.payload.subject}}",
		},
		"list": []any{"{{event.id}}", "literal"},
	}, scope)
	require.NoError(t, err)

	assert.Equal(t, "From alice@example.com: short summary", out["message"])
	assert.Equal(t, 1200.0, out["amount"])
	assert.Equal(t, 42.0, out["static"])
	assert.Equal(t, map[string]any{"subject": "Renewal due"}, out["nested"])
	assert.Equal(t, []any{"evt-1", "literal"}, out["list"])
}

func TestRenderParams_UndefinedNestedPath(t *testing.T) {
	scope := testScope()
	_, err := RenderParams(map[string]any{
		"nested": map[string]any{"bad": "{{steps.3.output.text}}"},
	}, scope)
	require.Error(t, err)
	assert.Equal(t, models.ErrKindPermanent, models.Classify(err))
}
