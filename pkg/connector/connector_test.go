package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LutendoLukhele/cortex/pkg/config"
	"github.com/LutendoLukhele/cortex/pkg/models"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	registry, err := NewRegistry(config.BuiltinTools())
	require.NoError(t, err)
	return registry
}

func TestRegistry_LookupAndList(t *testing.T) {
	registry := newTestRegistry(t)

	tool, err := registry.Lookup("email.send_message")
	require.NoError(t, err)
	assert.Equal(t, "email", tool.Provider)
	assert.Equal(t, config.ToolKindWrite, tool.Kind)

	_, err = registry.Lookup("email.nonexistent")
	require.Error(t, err)
	assert.Equal(t, models.ErrKindInternal, models.Classify(err))

	list := registry.List()
	require.NotEmpty(t, list)
	for i := 1; i < len(list); i++ {
		assert.Less(t, list[i-1].Name, list[i].Name)
	}
}

func TestRegistry_ValidateInput(t *testing.T) {
	registry := newTestRegistry(t)

	tests := []struct {
		name    string
		tool    string
		input   map[string]any
		wantErr bool
	}{
		{
			name: "valid send",
			tool: "email.send_message",
			input: map[string]any{
				"to": "a@b.com", "subject": "hi", "body": "hello",
			},
		},
		{
			name:    "missing required",
			tool:    "email.send_message",
			input:   map[string]any{"to": "a@b.com"},
			wantErr: true,
		},
		{
			name: "unknown parameter",
			tool: "notify.send",
			input: map[string]any{
				"message": "ping", "bogus": true,
			},
			wantErr: true,
		},
		{
			name:  "optional parameter omitted",
			tool:  "notify.send",
			input: map[string]any{"message": "ping"},
		},
		{
			name:    "wrong type",
			tool:    "notify.send",
			input:   map[string]any{"message": 42.0},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := registry.ValidateInput(tt.tool, tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, models.ErrKindPermanent, models.Classify(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRegistry_PromptCatalog(t *testing.T) {
	registry := newTestRegistry(t)
	catalog := registry.PromptCatalog()
	assert.Contains(t, catalog, "email.send_message")
	assert.Contains(t, catalog, "notify.send")
	// Required params are starred.
	assert.Contains(t, catalog, "message*")
}

func TestClient_Action_Success(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		assert.Equal(t, "/v1/action", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "sent-1", "status": "ok"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "secret-token", 5*time.Second, nil)
	out, err := client.Action(context.Background(), "user-1", "email", "email.send_message",
		map[string]any{"to": "a@b.com", "subject": "hi", "body": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "sent-1", out["id"])
	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Equal(t, "user-1", gotBody["user_id"])
	assert.Equal(t, "email.send_message", gotBody["action"])
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		wantKind   models.ErrorKind
	}{
		{"server error", http.StatusBadGateway, "", models.ErrKindTransient},
		{"rate limited", http.StatusTooManyRequests, "7", models.ErrKindTransient},
		{"bad request", http.StatusBadRequest, "", models.ErrKindPermanent},
		{"auth revoked", http.StatusForbidden, "", models.ErrKindPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error": "nope"}`))
			}))
			defer srv.Close()

			client := NewClient(srv.URL, "secret", 5*time.Second, nil)
			_, err := client.Action(context.Background(), "user-1", "email", "email.send_message", nil)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, models.Classify(err))

			if tt.retryAfter != "" {
				var ce *models.ClassifiedError
				require.ErrorAs(t, err, &ce)
				assert.Equal(t, 7*time.Second, ce.RetryAfter)
			}
		})
	}
}

func TestClient_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // connection refused from here on

	client := NewClient(srv.URL, "secret", time.Second, nil)
	_, err := client.Action(context.Background(), "user-1", "email", "email.send_message", nil)
	require.Error(t, err)
	assert.Equal(t, models.ErrKindTransient, models.Classify(err))
}

func TestExecutor_RoutesReadsAndWrites(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	registry := newTestRegistry(t)
	client := NewClient(srv.URL, "secret", 5*time.Second, nil)
	exec := NewExecutor(registry, client, nil)
	ctx := context.Background()

	_, err := exec.Execute(ctx, "user-1", "email.send_message",
		map[string]any{"to": "a@b.com", "subject": "hi", "body": "hello"})
	require.NoError(t, err)

	_, err = exec.Execute(ctx, "user-1", "crm.get_record",
		map[string]any{"record_type": "Lead", "record_id": "lead-1"})
	require.NoError(t, err)

	require.Equal(t, []string{"/v1/action", "/v1/records"}, paths)
}

func TestExecutor_RejectsInvalidInputBeforeHTTP(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))
	defer srv.Close()

	exec := NewExecutor(newTestRegistry(t), NewClient(srv.URL, "secret", time.Second, nil), nil)
	_, err := exec.Execute(context.Background(), "user-1", "email.send_message", map[string]any{})
	require.Error(t, err)
	assert.Equal(t, models.ErrKindPermanent, models.Classify(err))
	assert.False(t, called)
}

func TestStubExecutor_RecordsCalls(t *testing.T) {
	stub := NewStubExecutor()
	stub.Outputs["notify.send"] = map[string]any{"delivered": true}

	out, err := stub.Execute(context.Background(), "user-1", "notify.send", map[string]any{"message": "hi"})
	require.NoError(t, err)
	assert.Equal(t, true, out["delivered"])
	assert.Equal(t, 1, stub.CallCount("notify.send"))
	assert.Equal(t, 0, stub.CallCount("email.send_message"))
}
