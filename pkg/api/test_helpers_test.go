package api

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/LutendoLukhele/cortex/pkg/compiler"
	"github.com/LutendoLukhele/cortex/pkg/config"
	"github.com/LutendoLukhele/cortex/pkg/metrics"
	"github.com/LutendoLukhele/cortex/pkg/models"
	"github.com/LutendoLukhele/cortex/pkg/services"
	"github.com/LutendoLukhele/cortex/pkg/shaper"
	"github.com/LutendoLukhele/cortex/pkg/store"
)

const (
	testToken  = "test-token"
	testUserID = "user-1"
)

// stubResolver resolves connection ids from a fixed table.
type stubResolver struct {
	users map[string]string
}

func (r *stubResolver) LookupUserID(_ context.Context, externalConnectionID, _ string) (string, error) {
	if uid, ok := r.users[externalConnectionID]; ok {
		return uid, nil
	}
	return "", store.ErrNotFound
}

// stubEnqueuer records enqueued tasks and runs; full simulates backpressure.
type stubEnqueuer struct {
	tasks []shaper.Task
	runs  []*models.Run
	full  bool
}

func (e *stubEnqueuer) EnqueueSync(task shaper.Task) bool {
	if e.full {
		return false
	}
	e.tasks = append(e.tasks, task)
	return true
}

func (e *stubEnqueuer) EnqueueRun(_ context.Context, run *models.Run) error {
	e.runs = append(e.runs, run)
	return nil
}

// stubCompiler returns a canned compile result.
type stubCompiler struct {
	result *compiler.Result
	err    error
}

func (c *stubCompiler) Compile(_ context.Context, userID, rawPrompt string) (*compiler.Result, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.result != nil {
		return c.result, nil
	}
	return &compiler.Result{Unit: &models.Unit{
		ID:        "unit-compiled",
		UserID:    userID,
		Name:      "compiled unit",
		RawPrompt: rawPrompt,
		Trigger:   models.Trigger{Source: models.SourceEmail, Type: models.EventEmailReceived},
		Actions:   []models.Action{{Kind: models.ActionNoop}},
		Status:    models.UnitStatusActive,
	}}, nil
}

type testApp struct {
	server   *Server
	mem      *store.Memory
	enqueuer *stubEnqueuer
	resolver *stubResolver
	compiler *stubCompiler
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()

	mem := store.NewMemory()
	enq := &stubEnqueuer{}
	res := &stubResolver{users: map[string]string{"conn-1": testUserID}}
	comp := &stubCompiler{}
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))

	cfg := &config.Config{
		AuthTokens: map[string]string{testToken: testUserID},
	}
	srv := NewServer(
		cfg,
		services.NewUnitService(mem, comp, logger),
		services.NewRunService(mem, enq, logger),
		services.NewConnectionService(mem, logger),
		res,
		enq,
		metrics.New(),
		logger,
	)
	return &testApp{server: srv, mem: mem, enqueuer: enq, resolver: res, compiler: comp}
}

// do routes a request through the full echo stack, middleware included.
func (a *testApp) do(method, path, body string, authed bool) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	rec := httptest.NewRecorder()
	a.server.echo.ServeHTTP(rec, req)
	return rec
}

// testWriter adapts t.Log so handler logs land in test output.
type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
