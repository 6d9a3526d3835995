package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookHandler_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "invalid JSON", body: `{not json`},
		{name: "missing type", body: `{"connectionId":"conn-1","providerConfigKey":"gmail"}`},
		{name: "missing connectionId", body: `{"type":"sync","providerConfigKey":"gmail"}`},
		{name: "unknown provider", body: `{"type":"sync","connectionId":"conn-1","providerConfigKey":"fax-machine"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newTestApp(t)
			rec := app.do(http.MethodPost, "/webhooks/sync", tt.body, false)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Error)
			assert.Empty(t, app.enqueuer.tasks, "malformed webhooks must not enqueue")
		})
	}
}

func TestWebhookHandler_IgnoresNonSync(t *testing.T) {
	app := newTestApp(t)
	body := `{"type":"auth","connectionId":"conn-1","providerConfigKey":"gmail"}`

	rec := app.do(http.MethodPost, "/webhooks/sync", body, false)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, app.enqueuer.tasks)
}

func TestWebhookHandler_UnknownConnectionStillAcks(t *testing.T) {
	app := newTestApp(t)
	body := `{"type":"sync","connectionId":"conn-unknown","providerConfigKey":"gmail","model":"Message","responseResults":{"added":[{"id":"m1"}]}}`

	rec := app.do(http.MethodPost, "/webhooks/sync", body, false)

	// Providers retry on 4xx/5xx, so an unattributable webhook is ACKed.
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, app.enqueuer.tasks)
}

func TestWebhookHandler_EnqueuesTask(t *testing.T) {
	app := newTestApp(t)
	body := `{
		"type": "sync",
		"connectionId": "conn-1",
		"providerConfigKey": "gmail",
		"model": "Message",
		"syncName": "messages",
		"responseResults": {
			"added": [{"id": "m1", "from": "manager@acme.com", "subject": "Q3"}],
			"updated": [],
			"deleted": []
		}
	}`

	rec := app.do(http.MethodPost, "/webhooks/sync", body, false)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	var resp WebhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp.Status)

	require.Len(t, app.enqueuer.tasks, 1)
	task := app.enqueuer.tasks[0]
	assert.Equal(t, testUserID, task.UserID)
	assert.Equal(t, "gmail", task.Provider)
	assert.Equal(t, "Message", task.Model)
	require.Len(t, task.Added, 1)
	assert.Equal(t, "m1", task.Added[0]["id"])
}

func TestWebhookHandler_EmptyResultsAck(t *testing.T) {
	app := newTestApp(t)
	body := `{"type":"sync","connectionId":"conn-1","providerConfigKey":"gmail","model":"Message","responseResults":{}}`

	rec := app.do(http.MethodPost, "/webhooks/sync", body, false)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, app.enqueuer.tasks, 1)
	assert.Empty(t, app.enqueuer.tasks[0].Added)
}

func TestWebhookHandler_BackpressureDropStillAcks(t *testing.T) {
	app := newTestApp(t)
	app.enqueuer.full = true
	body := `{"type":"sync","connectionId":"conn-1","providerConfigKey":"gmail","model":"Message","responseResults":{"added":[{"id":"m1"}]}}`

	rec := app.do(http.MethodPost, "/webhooks/sync", body, false)

	assert.Equal(t, http.StatusAccepted, rec.Code, "a full pipeline must never surface as 5xx")
}

func TestWebhookHandler_Signature(t *testing.T) {
	const secret = "hook-secret"
	body := `{"type":"sync","connectionId":"conn-1","providerConfigKey":"gmail","model":"Message","responseResults":{}}`

	sign := func(payload string) string {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(payload))
		return hex.EncodeToString(mac.Sum(nil))
	}

	tests := []struct {
		name      string
		signature string
		want      int
	}{
		{name: "valid signature", signature: sign(body), want: http.StatusAccepted},
		{name: "wrong signature", signature: sign("other payload"), want: http.StatusUnauthorized},
		{name: "missing signature", signature: "", want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newTestApp(t)
			app.server.cfg.WebhookSecret = secret

			req := httptest.NewRequest(http.MethodPost, "/webhooks/sync", strings.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			if tt.signature != "" {
				req.Header.Set("X-Signature", tt.signature)
			}
			rec := httptest.NewRecorder()
			app.server.echo.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
