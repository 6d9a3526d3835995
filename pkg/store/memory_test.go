package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LutendoLukhele/cortex/pkg/models"
)

func TestMemory_WriteEvent_Idempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	ev := &models.Event{
		ID:       "evt-1",
		UserID:   "user-1",
		Source:   models.SourceEmail,
		Type:     models.EventEmailReceived,
		RecordID: "msg-1",
		DedupKey: "hash-1",
	}

	outcome, err := m.WriteEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome)

	// Same dedup key for the same user is a duplicate, not an error.
	dup := *ev
	dup.ID = "evt-2"
	outcome, err = m.WriteEvent(ctx, &dup)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	// Same dedup key for a different user is independent.
	other := *ev
	other.ID = "evt-3"
	other.UserID = "user-2"
	outcome, err = m.WriteEvent(ctx, &other)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome)
}

func TestMemory_CreateRun_AtMostOnePerUnitEvent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	run := &models.Run{ID: "run-1", UnitID: "unit-1", UserID: "user-1", EventID: "evt-1", Status: models.RunStatusPending}
	outcome, err := m.CreateRun(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome)

	second := &models.Run{ID: "run-2", UnitID: "unit-1", UserID: "user-1", EventID: "evt-1", Status: models.RunStatusPending}
	outcome, err = m.CreateRun(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	// A different event for the same unit creates a new run.
	third := &models.Run{ID: "run-3", UnitID: "unit-1", UserID: "user-1", EventID: "evt-2", Status: models.RunStatusPending}
	outcome, err = m.CreateRun(ctx, third)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome)
}

func TestMemory_RunLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	run := &models.Run{ID: "run-1", UnitID: "unit-1", UserID: "user-1", EventID: "evt-1", Status: models.RunStatusPending, CreatedAt: time.Now()}
	_, err := m.CreateRun(ctx, run)
	require.NoError(t, err)

	started := time.Now()
	require.NoError(t, m.MarkRunning(ctx, "run-1", started))

	require.NoError(t, m.AppendStep(ctx, &models.RunStep{
		RunID:      "run-1",
		Index:      0,
		ActionKind: models.ActionTool,
		Status:     models.StepStatusRunning,
	}))
	require.NoError(t, m.FinishStep(ctx, "run-1", 0, StepUpdate{
		Status:     models.StepStatusCompleted,
		Output:     map[string]any{"sent": true},
		Attempts:   1,
		DurationMs: 42,
	}))

	require.NoError(t, m.FinishRun(ctx, "run-1", models.RunStatusCompleted, "", time.Now()))

	got, err := m.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)

	steps, err := m.ListSteps(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, models.StepStatusCompleted, steps[0].Status)
	assert.Equal(t, 1, steps[0].Attempts)
	assert.Equal(t, int64(42), steps[0].DurationMs)
}

func TestMemory_ListRunning_OnlyStuckRuns(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	old := &models.Run{ID: "run-old", UnitID: "unit-1", UserID: "user-1", EventID: "evt-1"}
	fresh := &models.Run{ID: "run-fresh", UnitID: "unit-1", UserID: "user-1", EventID: "evt-2"}
	done := &models.Run{ID: "run-done", UnitID: "unit-1", UserID: "user-1", EventID: "evt-3"}
	for _, r := range []*models.Run{old, fresh, done} {
		_, err := m.CreateRun(ctx, r)
		require.NoError(t, err)
	}

	now := time.Now()
	require.NoError(t, m.MarkRunning(ctx, "run-old", now.Add(-time.Hour)))
	require.NoError(t, m.MarkRunning(ctx, "run-fresh", now))
	require.NoError(t, m.MarkRunning(ctx, "run-done", now.Add(-time.Hour)))
	require.NoError(t, m.FinishRun(ctx, "run-done", models.RunStatusCompleted, "", now))

	stuck, err := m.ListRunning(ctx, now.Add(-10*time.Minute))
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "run-old", stuck[0].ID)
}

func TestMemory_ListActiveUnits_FiltersStatusAndTrigger(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	units := []*models.Unit{
		{ID: "u-match", UserID: "user-1", Status: models.UnitStatusActive,
			Trigger: models.Trigger{Source: models.SourceEmail, Type: models.EventEmailReceived}},
		{ID: "u-paused", UserID: "user-1", Status: models.UnitStatusPaused,
			Trigger: models.Trigger{Source: models.SourceEmail, Type: models.EventEmailReceived}},
		{ID: "u-other-type", UserID: "user-1", Status: models.UnitStatusActive,
			Trigger: models.Trigger{Source: models.SourceEmail, Type: models.EventEmailReplyReceived}},
		{ID: "u-other-user", UserID: "user-2", Status: models.UnitStatusActive,
			Trigger: models.Trigger{Source: models.SourceEmail, Type: models.EventEmailReceived}},
	}
	for _, u := range units {
		require.NoError(t, m.SaveUnit(ctx, u))
	}

	active, err := m.ListActiveUnits(ctx, "user-1", models.SourceEmail, models.EventEmailReceived)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "u-match", active[0].ID)
}

func TestMemory_SetUnitStatus(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.SaveUnit(ctx, &models.Unit{ID: "u-1", UserID: "user-1", Status: models.UnitStatusActive}))

	updated, err := m.SetUnitStatus(ctx, "user-1", "u-1", models.UnitStatusPaused)
	require.NoError(t, err)
	assert.Equal(t, models.UnitStatusPaused, updated.Status)

	// Ownership is enforced.
	_, err = m.SetUnitStatus(ctx, "user-2", "u-1", models.UnitStatusActive)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_DeleteUnit_CascadesRuns(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.SaveUnit(ctx, &models.Unit{ID: "u-1", UserID: "user-1", Status: models.UnitStatusActive}))
	_, err := m.CreateRun(ctx, &models.Run{ID: "run-1", UnitID: "u-1", UserID: "user-1", EventID: "evt-1"})
	require.NoError(t, err)

	require.NoError(t, m.DeleteUnit(ctx, "user-1", "u-1"))

	_, err = m.GetRun(ctx, "run-1")
	assert.ErrorIs(t, err, ErrNotFound)
	runs, err := m.ListRuns(ctx, "user-1", 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestMemory_Connections(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	conn := &models.Connection{
		UserID:               "user-1",
		Provider:             "gmail",
		ExternalConnectionID: "conn-ext-1",
		Enabled:              true,
	}
	require.NoError(t, m.SaveConnection(ctx, conn))

	userID, err := m.LookupUserID(ctx, "conn-ext-1", "gmail")
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)

	_, err = m.LookupUserID(ctx, "conn-ext-1", "salesforce")
	assert.ErrorIs(t, err, ErrNotFound)

	// Repeated provider errors disable the connection and lookups stop
	// resolving it.
	for i := 0; i < 3; i++ {
		require.NoError(t, m.RecordError(ctx, "user-1", "gmail", 3))
	}
	_, err = m.LookupUserID(ctx, "conn-ext-1", "gmail")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := m.ListConnections(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.False(t, list[0].Enabled)
	assert.Equal(t, 3, list[0].ErrorCount)
}

func TestMemory_ShaperStateConflict(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	first, err := m.LoadShaperState(ctx, "user-1", models.SourceCRM)
	require.NoError(t, err)
	second, err := m.LoadShaperState(ctx, "user-1", models.SourceCRM)
	require.NoError(t, err)

	require.NoError(t, m.SaveShaperState(ctx, "user-1", models.SourceCRM, first))
	assert.ErrorIs(t, m.SaveShaperState(ctx, "user-1", models.SourceCRM, second), ErrVersionConflict)
}
