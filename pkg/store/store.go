// Package store owns persistence: Postgres repositories for connections,
// units, events, runs, and run steps, plus the Redis key/value tier for
// shaper state and event dedup sets.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/LutendoLukhele/cortex/pkg/models"
)

// Sentinel errors shared by all store implementations.
var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrVersionConflict is returned when an optimistic-concurrency save
	// loses against a concurrent writer.
	ErrVersionConflict = errors.New("version conflict")
)

// Outcome is the result of an idempotent write.
type Outcome int

const (
	// OutcomeCreated means the row was inserted.
	OutcomeCreated Outcome = iota
	// OutcomeDuplicate means a row with the same unique key already
	// existed. Not an error.
	OutcomeDuplicate
)

// ConnectionStore persists provider connections.
type ConnectionStore interface {
	SaveConnection(ctx context.Context, conn *models.Connection) error
	// LookupUserID resolves an external connection id to a user id.
	LookupUserID(ctx context.Context, externalConnectionID, provider string) (string, error)
	ListConnections(ctx context.Context, userID string) ([]*models.Connection, error)
	DeleteConnection(ctx context.Context, userID, provider string) error
	// RecordError increments the connection's error count and disables it
	// once the count reaches disableAfter.
	RecordError(ctx context.Context, userID, provider string, disableAfter int) error
}

// UnitStore persists compiled automation rules.
type UnitStore interface {
	SaveUnit(ctx context.Context, unit *models.Unit) error
	GetUnit(ctx context.Context, userID, id string) (*models.Unit, error)
	ListUnits(ctx context.Context, userID string) ([]*models.Unit, error)
	// ListActiveUnits returns active units whose trigger matches (source, type).
	ListActiveUnits(ctx context.Context, userID string, source models.Source, typ models.EventType) ([]*models.Unit, error)
	SetUnitStatus(ctx context.Context, userID, id string, status models.UnitStatus) (*models.Unit, error)
	DeleteUnit(ctx context.Context, userID, id string) error
}

// EventStore persists shaped events. Events are immutable.
type EventStore interface {
	// WriteEvent inserts the event, reporting OutcomeDuplicate when the
	// (user_id, dedup_key) unique constraint already holds a row.
	WriteEvent(ctx context.Context, ev *models.Event) (Outcome, error)
	GetEvent(ctx context.Context, id string) (*models.Event, error)
}

// StepUpdate carries the terminal state of a run step.
type StepUpdate struct {
	Status     models.StepStatus
	Output     any
	Error      string
	Attempts   int
	DurationMs int64
}

// RunStore persists runs and their steps. The runtime is the sole writer of
// any given run after creation.
type RunStore interface {
	// CreateRun inserts the run, reporting OutcomeDuplicate when a
	// matcher-created run for the same (unit_id, event_id) already exists.
	CreateRun(ctx context.Context, run *models.Run) (Outcome, error)
	// CreateRerun inserts an operator-requested run exempt from the
	// (unit_id, event_id) uniqueness.
	CreateRerun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, id string) (*models.Run, error)
	ListRuns(ctx context.Context, userID string, limit int) ([]*models.Run, error)
	MarkRunning(ctx context.Context, id string, at time.Time) error
	FinishRun(ctx context.Context, id string, status models.RunStatus, errMsg string, at time.Time) error
	AppendStep(ctx context.Context, step *models.RunStep) error
	FinishStep(ctx context.Context, runID string, index int, update StepUpdate) error
	ListSteps(ctx context.Context, runID string) ([]*models.RunStep, error)
	// ListRunning returns runs stuck in running since before cutoff.
	// Crash recovery surfaces these to operators; there is no auto-resume.
	ListRunning(ctx context.Context, cutoff time.Time) ([]*models.Run, error)
}

// KV is the fast key/value tier: shaper state snapshots with optimistic
// concurrency and short-lived dedup sets.
type KV interface {
	// LoadShaperState returns the snapshot for (userID, source), or an
	// empty version-zero state when none exists.
	LoadShaperState(ctx context.Context, userID string, source models.Source) (*models.ShaperState, error)
	// SaveShaperState writes the state if the stored version still equals
	// state.Version, then increments state.Version. Returns
	// ErrVersionConflict when a concurrent writer won.
	SaveShaperState(ctx context.Context, userID string, source models.Source, state *models.ShaperState) error
	// ClaimDedup atomically claims key for ttl. Returns true on first
	// claim, false when the key was already present.
	ClaimDedup(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Stores bundles the repositories handed to services and pipeline stages.
type Stores struct {
	Connections ConnectionStore
	Units       UnitStore
	Events      EventStore
	Runs        RunStore
}
