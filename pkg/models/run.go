package models

import "time"

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusPaused    RunStatus = "paused"
)

// Terminal reports whether the status is a terminal run state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Run is one attempted execution of a unit for a specific event.
// At most one matcher-created run exists per (unit_id, event_id); reruns
// create a new run with a fresh id targeting the same event.
type Run struct {
	ID          string     `json:"id"`
	UnitID      string     `json:"unit_id"`
	UserID      string     `json:"user_id"`
	EventID     string     `json:"event_id"`
	Status      RunStatus  `json:"status"`
	Rerun       bool       `json:"rerun,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// StepStatus is the lifecycle state of a single run step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// RunStep is one executed action within a run. Indices form a contiguous
// prefix 0..k for every terminated run.
type RunStep struct {
	RunID      string         `json:"run_id"`
	Index      int            `json:"index"`
	ActionKind ActionKind     `json:"action_kind"`
	Input      map[string]any `json:"input,omitempty"`
	Output     any            `json:"output,omitempty"`
	Status     StepStatus     `json:"status"`
	Error      string         `json:"error,omitempty"`
	Attempts   int            `json:"attempts"`
	DurationMs int64          `json:"duration_ms"`
}
