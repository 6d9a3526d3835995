package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/LutendoLukhele/cortex/pkg/models"
	"github.com/LutendoLukhele/cortex/pkg/store"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 200
)

// RunEnqueuer hands a pending run to the runtime pool.
type RunEnqueuer interface {
	EnqueueRun(ctx context.Context, run *models.Run) error
}

// RunService exposes run history and the rerun operation.
type RunService struct {
	runs     store.RunStore
	enqueuer RunEnqueuer
	logger   *slog.Logger
	now      func() time.Time
}

// NewRunService creates a new RunService.
func NewRunService(runs store.RunStore, enqueuer RunEnqueuer, logger *slog.Logger) *RunService {
	if runs == nil {
		panic("NewRunService: runs must not be nil")
	}
	if enqueuer == nil {
		panic("NewRunService: enqueuer must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RunService{
		runs:     runs,
		enqueuer: enqueuer,
		logger:   logger.With("component", "run_service"),
		now:      time.Now,
	}
}

// ListRuns returns the user's most recent runs, newest first. limit <= 0
// falls back to the default; oversized limits are clamped.
func (s *RunService) ListRuns(ctx context.Context, userID string, limit int) ([]*models.Run, error) {
	if limit <= 0 {
		limit = defaultRunLimit
	}
	if limit > maxRunLimit {
		limit = maxRunLimit
	}
	return s.runs.ListRuns(ctx, userID, limit)
}

// ListSteps returns the steps of a run the user owns.
func (s *RunService) ListSteps(ctx context.Context, userID, runID string) ([]*models.RunStep, error) {
	if _, err := s.ownedRun(ctx, userID, runID); err != nil {
		return nil, err
	}
	return s.runs.ListSteps(ctx, runID)
}

// Rerun creates a fresh pending run targeting the same event and hands it to
// the runtime pool. The original run is left untouched.
func (s *RunService) Rerun(ctx context.Context, userID, runID string) (*models.Run, error) {
	original, err := s.ownedRun(ctx, userID, runID)
	if err != nil {
		return nil, err
	}

	rerun := &models.Run{
		ID:        uuid.NewString(),
		UnitID:    original.UnitID,
		UserID:    original.UserID,
		EventID:   original.EventID,
		Status:    models.RunStatusPending,
		Rerun:     true,
		CreatedAt: s.now().UTC(),
	}
	if err := s.runs.CreateRerun(ctx, rerun); err != nil {
		return nil, err
	}
	if err := s.enqueuer.EnqueueRun(ctx, rerun); err != nil {
		// The run stays pending and is visible in the history.
		s.logger.Warn("rerun created but not enqueued", "run_id", rerun.ID, "error", err)
		return rerun, nil
	}
	s.logger.Info("rerun enqueued", "run_id", rerun.ID, "original_run_id", runID)
	return rerun, nil
}

func (s *RunService) ownedRun(ctx context.Context, userID, runID string) (*models.Run, error) {
	run, err := s.runs.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if run.UserID != userID {
		return nil, ErrNotFound
	}
	return run, nil
}
