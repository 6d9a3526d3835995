package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LutendoLukhele/cortex/pkg/config"
	"github.com/LutendoLukhele/cortex/pkg/connector"
	"github.com/LutendoLukhele/cortex/pkg/llm"
	"github.com/LutendoLukhele/cortex/pkg/matcher"
	"github.com/LutendoLukhele/cortex/pkg/metrics"
	"github.com/LutendoLukhele/cortex/pkg/models"
	"github.com/LutendoLukhele/cortex/pkg/runtime"
	"github.com/LutendoLukhele/cortex/pkg/shaper"
	"github.com/LutendoLukhele/cortex/pkg/store"
)

type stubLLM struct{}

func (stubLLM) Complete(context.Context, llm.Request) (string, error) {
	return "stub completion", nil
}

func (stubLLM) CompleteJSON(_ context.Context, _ llm.Request, _ *jsonschema.Schema, out any) error {
	raw, _ := json.Marshal(map[string]bool{"matched": true})
	return json.Unmarshal(raw, out)
}

type fixture struct {
	mem        *store.Memory
	exec       *connector.StubExecutor
	dispatcher *Dispatcher
	metrics    *metrics.Metrics
}

func newFixture(t *testing.T, pools config.PoolsConfig) *fixture {
	t.Helper()
	mem := store.NewMemory()
	exec := connector.NewStubExecutor()
	client := stubLLM{}
	met := metrics.New()

	sh := shaper.New(mem, mem, nil)
	m := matcher.New(mem, mem, client, pools.MatcherWorkers, nil)
	r := runtime.New(mem.Stores(), exec, client, config.DefaultTimeouts(), nil)

	d := New(sh, m, r, pools, time.Minute, met, nil)
	t.Cleanup(d.Stop)
	return &fixture{mem: mem, exec: exec, dispatcher: d, metrics: met}
}

func testPools() config.PoolsConfig {
	return config.PoolsConfig{
		ShaperWorkers:  1,
		MatcherWorkers: 2,
		RuntimeWorkers: 2,
		QueueDepth:     16,
		EnqueueBudget:  50 * time.Millisecond,
	}
}

func (f *fixture) seedNotifyUnit(t *testing.T) {
	t.Helper()
	require.NoError(t, f.mem.SaveUnit(context.Background(), &models.Unit{
		ID:      "unit-1",
		UserID:  "user-1",
		Name:    "notify on email",
		Trigger: models.Trigger{Source: models.SourceEmail, Type: models.EventEmailReceived},
		Actions: []models.Action{
			{Kind: models.ActionNotify, Tool: "notify.send", Params: map[string]any{
				"message": "New email: {{event.payload.subject}}",
			}},
		},
		Status: models.UnitStatusActive,
	}))
}

func emailTask(recordID, subject string) shaper.Task {
	return shaper.Task{
		UserID:   "user-1",
		Provider: "gmail",
		Model:    "email",
		SyncName: "emails",
		Added: []map[string]any{{
			"id":      recordID,
			"from":    "alice@example.com",
			"subject": subject,
		}},
	}
}

func TestDispatcher_EndToEnd(t *testing.T) {
	f := newFixture(t, testPools())
	f.seedNotifyUnit(t)
	f.dispatcher.Start()

	require.True(t, f.dispatcher.EnqueueSync(emailTask("msg-1", "Renewal due")))

	require.Eventually(t, func() bool {
		runs, err := f.mem.ListRuns(context.Background(), "user-1", 10)
		if err != nil || len(runs) != 1 {
			return false
		}
		return runs[0].Status == models.RunStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	require.Len(t, f.exec.Calls, 1)
	assert.Equal(t, "notify.send", f.exec.Calls[0].Tool)
	assert.Equal(t, "New email: Renewal due", f.exec.Calls[0].Input["message"])
}

func TestDispatcher_DuplicateWebhookSingleRun(t *testing.T) {
	f := newFixture(t, testPools())
	f.seedNotifyUnit(t)
	f.dispatcher.Start()

	require.True(t, f.dispatcher.EnqueueSync(emailTask("msg-1", "hello")))
	require.True(t, f.dispatcher.EnqueueSync(emailTask("msg-1", "hello")))

	require.Eventually(t, func() bool {
		runs, err := f.mem.ListRuns(context.Background(), "user-1", 10)
		return err == nil && len(runs) == 1 && runs[0].Status.Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	// A settled pipeline still holds exactly one run.
	time.Sleep(50 * time.Millisecond)
	runs, err := f.mem.ListRuns(context.Background(), "user-1", 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestDispatcher_EnqueueBudgetDrops(t *testing.T) {
	pools := testPools()
	pools.QueueDepth = 1
	pools.EnqueueBudget = 5 * time.Millisecond
	f := newFixture(t, pools)
	// Workers never started: the single queue slot fills and stays full.

	assert.True(t, f.dispatcher.EnqueueSync(emailTask("msg-1", "a")))
	assert.False(t, f.dispatcher.EnqueueSync(emailTask("msg-2", "b")))
}

func TestDispatcher_StopDrainsAcceptedTasks(t *testing.T) {
	f := newFixture(t, testPools())
	f.seedNotifyUnit(t)

	// Enqueue before starting so the task sits in the channel.
	require.True(t, f.dispatcher.EnqueueSync(emailTask("msg-1", "queued early")))

	f.dispatcher.Start()
	f.dispatcher.Stop()

	runs, err := f.mem.ListRuns(context.Background(), "user-1", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusCompleted, runs[0].Status)
}

func TestDispatcher_EnqueueAfterStopDrops(t *testing.T) {
	f := newFixture(t, testPools())
	f.dispatcher.Start()
	f.dispatcher.Stop()

	assert.False(t, f.dispatcher.EnqueueSync(emailTask("msg-1", "late")))
}

func TestDispatcher_EnqueueRun(t *testing.T) {
	f := newFixture(t, testPools())
	f.seedNotifyUnit(t)
	ctx := context.Background()

	ev := &models.Event{
		ID: "evt-1", UserID: "user-1", Source: models.SourceEmail,
		Type: models.EventEmailReceived, RecordID: "msg-1",
		Payload:  map[string]any{"subject": "manual rerun"},
		DedupKey: "dedup-1",
	}
	_, err := f.mem.WriteEvent(ctx, ev)
	require.NoError(t, err)

	run := &models.Run{
		ID: "run-1", UnitID: "unit-1", UserID: "user-1", EventID: ev.ID,
		Status: models.RunStatusPending, CreatedAt: time.Now().UTC(),
	}
	_, err = f.mem.CreateRun(ctx, run)
	require.NoError(t, err)

	f.dispatcher.Start()
	require.NoError(t, f.dispatcher.EnqueueRun(ctx, run))

	require.Eventually(t, func() bool {
		got, err := f.mem.GetRun(ctx, run.ID)
		return err == nil && got.Status == models.RunStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}
