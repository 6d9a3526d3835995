package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequireAuth(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "no header", header: "", want: http.StatusUnauthorized},
		{name: "not a bearer token", header: "Basic dXNlcjpwdw==", want: http.StatusUnauthorized},
		{name: "unknown token", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "valid token", header: "Bearer " + testToken, want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newTestApp(t)
			req := httptest.NewRequest(http.MethodGet, "/units", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			app.server.echo.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestWebhookIsUnauthenticated(t *testing.T) {
	app := newTestApp(t)

	rec := app.do(http.MethodPost, "/webhooks/sync",
		`{"type":"auth","connectionId":"conn-1","providerConfigKey":"gmail"}`, false)

	assert.Equal(t, http.StatusAccepted, rec.Code)
}
