// Package e2e boots the full pipeline — HTTP server, dispatcher pools,
// shaper, matcher, runtime — against the in-memory store and stubbed external
// facades (LLM, SaaS connector), and drives it over real HTTP.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/stretchr/testify/require"

	"github.com/LutendoLukhele/cortex/pkg/api"
	"github.com/LutendoLukhele/cortex/pkg/compiler"
	"github.com/LutendoLukhele/cortex/pkg/config"
	"github.com/LutendoLukhele/cortex/pkg/connector"
	"github.com/LutendoLukhele/cortex/pkg/dispatch"
	"github.com/LutendoLukhele/cortex/pkg/llm"
	"github.com/LutendoLukhele/cortex/pkg/matcher"
	"github.com/LutendoLukhele/cortex/pkg/metrics"
	"github.com/LutendoLukhele/cortex/pkg/models"
	"github.com/LutendoLukhele/cortex/pkg/runtime"
	"github.com/LutendoLukhele/cortex/pkg/services"
	"github.com/LutendoLukhele/cortex/pkg/shaper"
	"github.com/LutendoLukhele/cortex/pkg/store"
)

// Fixed identities shared by all scenarios.
const (
	Token  = "e2e-token"
	UserID = "user-1"
)

// Connection ids seeded per provider.
var Connections = map[string]string{
	"gmail":           "conn-gmail",
	"google-calendar": "conn-calendar",
	"salesforce":      "conn-salesforce",
}

// StubLLM answers semantic-condition prompts. Verdict decides the boolean;
// nil means always true.
type StubLLM struct {
	Verdict func(req llm.Request) bool
}

func (s *StubLLM) Complete(context.Context, llm.Request) (string, error) {
	return "stub completion", nil
}

func (s *StubLLM) CompleteJSON(_ context.Context, req llm.Request, _ *jsonschema.Schema, out any) error {
	matched := true
	if s.Verdict != nil {
		matched = s.Verdict(req)
	}
	raw, _ := json.Marshal(map[string]bool{"matched": matched})
	return json.Unmarshal(raw, out)
}

var _ llm.Client = (*StubLLM)(nil)

// stubCompiler keeps UnitService constructible; e2e scenarios seed units
// directly and exercise the compile path in the compiler package tests.
type stubCompiler struct{}

func (stubCompiler) Compile(context.Context, string, string) (*compiler.Result, error) {
	return &compiler.Result{Clarification: &compiler.Clarification{
		Question: "unit compilation is stubbed in e2e",
	}}, nil
}

// App is one booted Cortex process under test.
type App struct {
	t       *testing.T
	BaseURL string
	Mem     *store.Memory
	Exec    *connector.StubExecutor
	Metrics *metrics.Metrics

	client *http.Client
}

// Start boots the pipeline with small pools and an HTTP server on a random
// port. Everything is torn down via t.Cleanup.
func Start(t *testing.T, llmClient llm.Client) *App {
	t.Helper()
	if llmClient == nil {
		llmClient = &StubLLM{}
	}

	mem := store.NewMemory()
	exec := connector.NewStubExecutor()
	met := metrics.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx := context.Background()
	for provider, connID := range Connections {
		require.NoError(t, mem.SaveConnection(ctx, &models.Connection{
			UserID:               UserID,
			Provider:             provider,
			ExternalConnectionID: connID,
			Enabled:              true,
			CreatedAt:            time.Now().UTC(),
		}))
	}

	pools := config.PoolsConfig{
		ShaperWorkers:  1,
		MatcherWorkers: 2,
		RuntimeWorkers: 4,
		QueueDepth:     32,
		EnqueueBudget:  50 * time.Millisecond,
	}
	timeouts := config.DefaultTimeouts()

	sh := shaper.New(mem, mem, logger)
	sh.SetDedupCounter(met.EventsDeduped)
	m := matcher.New(mem, mem, llmClient, pools.MatcherWorkers, logger)
	r := runtime.New(mem.Stores(), exec, llmClient, timeouts, logger)
	d := dispatch.New(sh, m, r, pools, timeouts.ShapeMatchDeadline, met, logger)
	d.Start()
	t.Cleanup(d.Stop)

	cfg := &config.Config{
		AuthTokens: map[string]string{Token: UserID},
	}
	server := api.NewServer(
		cfg,
		services.NewUnitService(mem, stubCompiler{}, logger),
		services.NewRunService(mem, d, logger),
		services.NewConnectionService(mem, logger),
		mem,
		d,
		met,
		logger,
	)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = server.StartWithListener(ln) }()
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	})

	return &App{
		t:       t,
		BaseURL: fmt.Sprintf("http://%s", ln.Addr().String()),
		Mem:     mem,
		Exec:    exec,
		Metrics: met,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// SeedUnit stores a unit directly, bypassing the compiler.
func (a *App) SeedUnit(unit *models.Unit) {
	a.t.Helper()
	if unit.UserID == "" {
		unit.UserID = UserID
	}
	if unit.Status == "" {
		unit.Status = models.UnitStatusActive
	}
	require.NoError(a.t, a.Mem.SaveUnit(context.Background(), unit))
}

// DeliverWebhook posts one sync notification and asserts the 202 ACK.
func (a *App) DeliverWebhook(provider, model string, added, updated, deleted []map[string]any) {
	a.t.Helper()
	body := map[string]any{
		"type":              "sync",
		"connectionId":      Connections[provider],
		"providerConfigKey": provider,
		"model":             model,
		"syncName":          model,
		"responseResults": map[string]any{
			"added":   added,
			"updated": updated,
			"deleted": deleted,
		},
	}
	raw, err := json.Marshal(body)
	require.NoError(a.t, err)

	resp, err := a.client.Post(a.BaseURL+"/webhooks/sync", "application/json", bytes.NewReader(raw))
	require.NoError(a.t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(a.t, http.StatusAccepted, resp.StatusCode)
}

// get performs an authenticated GET and decodes the JSON body into out.
func (a *App) get(path string, out any) {
	a.t.Helper()
	req, err := http.NewRequest(http.MethodGet, a.BaseURL+path, nil)
	require.NoError(a.t, err)
	req.Header.Set("Authorization", "Bearer "+Token)

	resp, err := a.client.Do(req)
	require.NoError(a.t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(a.t, http.StatusOK, resp.StatusCode)
	require.NoError(a.t, json.NewDecoder(resp.Body).Decode(out))
}

// Post performs an authenticated POST with no body and returns the status.
func (a *App) Post(path string) int {
	a.t.Helper()
	req, err := http.NewRequest(http.MethodPost, a.BaseURL+path, nil)
	require.NoError(a.t, err)
	req.Header.Set("Authorization", "Bearer "+Token)

	resp, err := a.client.Do(req)
	require.NoError(a.t, err)
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode
}

// Runs fetches the user's run history over HTTP.
func (a *App) Runs() []*models.Run {
	a.t.Helper()
	var resp struct {
		Runs []*models.Run `json:"runs"`
	}
	a.get("/runs?limit=50", &resp)
	return resp.Runs
}

// Steps fetches a run's step list over HTTP.
func (a *App) Steps(runID string) []*models.RunStep {
	a.t.Helper()
	var resp struct {
		Steps []*models.RunStep `json:"steps"`
	}
	a.get("/runs/"+runID+"/steps", &resp)
	return resp.Steps
}

// WaitForRuns blocks until exactly n runs exist and all are terminal.
func (a *App) WaitForRuns(n int) []*models.Run {
	a.t.Helper()
	var runs []*models.Run
	require.Eventually(a.t, func() bool {
		runs = a.Runs()
		if len(runs) != n {
			return false
		}
		for _, run := range runs {
			if !run.Status.Terminal() {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond, "expected %d terminal runs", n)
	return runs
}

// Settle waits for in-flight pipeline work to land. Used before asserting
// that something did NOT happen.
func (a *App) Settle() {
	time.Sleep(150 * time.Millisecond)
}
