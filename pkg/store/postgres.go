package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/LutendoLukhele/cortex/pkg/models"
)

const pgUniqueViolation = "23505"

// Postgres implements the relational store interfaces over a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool

	// RetainRawPayloads controls whether WriteEvent stores the raw webhook
	// record alongside the shaped payload. Off by default.
	RetainRawPayloads bool
}

var (
	_ ConnectionStore = (*Postgres)(nil)
	_ UnitStore       = (*Postgres)(nil)
	_ EventStore      = (*Postgres)(nil)
	_ RunStore        = (*Postgres)(nil)
)

// NewPostgres creates the Postgres-backed store.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	if pool == nil {
		panic("NewPostgres: pool must not be nil")
	}
	return &Postgres{pool: pool}
}

// Stores returns the repository bundle backed by this Postgres instance.
func (p *Postgres) Stores() Stores {
	return Stores{Connections: p, Units: p, Events: p, Runs: p}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// --- ConnectionStore ---

func (p *Postgres) SaveConnection(ctx context.Context, conn *models.Connection) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO connections (user_id, provider, connection_id, enabled, error_count, last_poll_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (user_id, provider) DO UPDATE SET
			connection_id = EXCLUDED.connection_id,
			enabled = EXCLUDED.enabled,
			error_count = EXCLUDED.error_count`,
		conn.UserID, conn.Provider, conn.ExternalConnectionID, conn.Enabled, conn.ErrorCount, conn.LastPollAt)
	if err != nil {
		return fmt.Errorf("failed to save connection: %w", err)
	}
	return nil
}

func (p *Postgres) LookupUserID(ctx context.Context, externalConnectionID, provider string) (string, error) {
	var userID string
	err := p.pool.QueryRow(ctx, `
		SELECT user_id FROM connections
		WHERE connection_id = $1 AND provider = $2 AND enabled`,
		externalConnectionID, provider).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to lookup connection: %w", err)
	}
	return userID, nil
}

func (p *Postgres) ListConnections(ctx context.Context, userID string) ([]*models.Connection, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT user_id, provider, connection_id, enabled, error_count, last_poll_at, created_at
		FROM connections WHERE user_id = $1 ORDER BY provider`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var out []*models.Connection
	for rows.Next() {
		var c models.Connection
		if err := rows.Scan(&c.UserID, &c.Provider, &c.ExternalConnectionID,
			&c.Enabled, &c.ErrorCount, &c.LastPollAt, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteConnection(ctx context.Context, userID, provider string) error {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM connections WHERE user_id = $1 AND provider = $2`, userID, provider)
	if err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) RecordError(ctx context.Context, userID, provider string, disableAfter int) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE connections
		SET error_count = error_count + 1,
		    enabled = (error_count + 1) < $3
		WHERE user_id = $1 AND provider = $2`,
		userID, provider, disableAfter)
	if err != nil {
		return fmt.Errorf("failed to record connection error: %w", err)
	}
	return nil
}

// --- UnitStore ---

func (p *Postgres) saveUnitRow(ctx context.Context, unit *models.Unit) error {
	conditions, err := json.Marshal(unit.Conditions)
	if err != nil {
		return fmt.Errorf("failed to marshal conditions: %w", err)
	}
	actions, err := json.Marshal(unit.Actions)
	if err != nil {
		return fmt.Errorf("failed to marshal actions: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO units (id, user_id, name, raw_prompt, trigger_source, trigger_type, conditions, actions, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			raw_prompt = EXCLUDED.raw_prompt,
			trigger_source = EXCLUDED.trigger_source,
			trigger_type = EXCLUDED.trigger_type,
			conditions = EXCLUDED.conditions,
			actions = EXCLUDED.actions,
			status = EXCLUDED.status,
			updated_at = NOW()`,
		unit.ID, unit.UserID, unit.Name, unit.RawPrompt,
		unit.Trigger.Source, unit.Trigger.Type, conditions, actions,
		unit.Status, unit.CreatedAt, unit.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save unit: %w", err)
	}
	return nil
}

// SaveUnit persists a unit (insert or recompile update).
func (p *Postgres) SaveUnit(ctx context.Context, unit *models.Unit) error {
	return p.saveUnitRow(ctx, unit)
}

func (p *Postgres) GetUnit(ctx context.Context, userID, id string) (*models.Unit, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, user_id, name, raw_prompt, trigger_source, trigger_type, conditions, actions, status, created_at, updated_at
		FROM units WHERE id = $1 AND user_id = $2`, id, userID)
	return scanUnit(row)
}

func (p *Postgres) ListUnits(ctx context.Context, userID string) ([]*models.Unit, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, user_id, name, raw_prompt, trigger_source, trigger_type, conditions, actions, status, created_at, updated_at
		FROM units WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list units: %w", err)
	}
	defer rows.Close()
	return collectUnits(rows)
}

func (p *Postgres) ListActiveUnits(ctx context.Context, userID string, source models.Source, typ models.EventType) ([]*models.Unit, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, user_id, name, raw_prompt, trigger_source, trigger_type, conditions, actions, status, created_at, updated_at
		FROM units
		WHERE user_id = $1 AND status = 'active' AND trigger_source = $2 AND trigger_type = $3`,
		userID, source, typ)
	if err != nil {
		return nil, fmt.Errorf("failed to list active units: %w", err)
	}
	defer rows.Close()
	return collectUnits(rows)
}

func (p *Postgres) SetUnitStatus(ctx context.Context, userID, id string, status models.UnitStatus) (*models.Unit, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE units SET status = $3, updated_at = NOW()
		WHERE id = $1 AND user_id = $2`, id, userID, status)
	if err != nil {
		return nil, fmt.Errorf("failed to set unit status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	return p.GetUnit(ctx, userID, id)
}

func (p *Postgres) DeleteUnit(ctx context.Context, userID, id string) error {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM units WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete unit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUnit(row rowScanner) (*models.Unit, error) {
	var u models.Unit
	var conditions, actions []byte
	err := row.Scan(&u.ID, &u.UserID, &u.Name, &u.RawPrompt,
		&u.Trigger.Source, &u.Trigger.Type, &conditions, &actions,
		&u.Status, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan unit: %w", err)
	}
	if err := json.Unmarshal(conditions, &u.Conditions); err != nil {
		return nil, fmt.Errorf("failed to decode conditions: %w", err)
	}
	if err := json.Unmarshal(actions, &u.Actions); err != nil {
		return nil, fmt.Errorf("failed to decode actions: %w", err)
	}
	return &u, nil
}

func collectUnits(rows pgx.Rows) ([]*models.Unit, error) {
	var out []*models.Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// --- EventStore ---

func (p *Postgres) WriteEvent(ctx context.Context, ev *models.Event) (Outcome, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	var raw []byte
	if p.RetainRawPayloads {
		raw = payload
	}
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO events (id, user_id, source, type, record_id, payload, raw_payload, dedup_key, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, dedup_key) DO NOTHING`,
		ev.ID, ev.UserID, ev.Source, ev.Type, ev.RecordID, payload, raw, ev.DedupKey, ev.ReceivedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to write event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return OutcomeDuplicate, nil
	}
	return OutcomeCreated, nil
}

func (p *Postgres) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	var ev models.Event
	var payload []byte
	err := p.pool.QueryRow(ctx, `
		SELECT id, user_id, source, type, record_id, payload, dedup_key, received_at
		FROM events WHERE id = $1`, id).
		Scan(&ev.ID, &ev.UserID, &ev.Source, &ev.Type, &ev.RecordID, &payload, &ev.DedupKey, &ev.ReceivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	if err := json.Unmarshal(payload, &ev.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode event payload: %w", err)
	}
	return &ev, nil
}

// --- RunStore ---

func (p *Postgres) CreateRun(ctx context.Context, run *models.Run) (Outcome, error) {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO runs (id, unit_id, user_id, event_id, status, rerun, created_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6)
		ON CONFLICT (unit_id, event_id) WHERE NOT rerun DO NOTHING`,
		run.ID, run.UnitID, run.UserID, run.EventID, run.Status, run.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to create run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return OutcomeDuplicate, nil
	}
	return OutcomeCreated, nil
}

// CreateRerun inserts an operator-requested run that is exempt from the
// per-(unit, event) uniqueness of matcher-created runs.
func (p *Postgres) CreateRerun(ctx context.Context, run *models.Run) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO runs (id, unit_id, user_id, event_id, status, rerun, created_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6)`,
		run.ID, run.UnitID, run.UserID, run.EventID, run.Status, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create rerun: %w", err)
	}
	return nil
}

func (p *Postgres) GetRun(ctx context.Context, id string) (*models.Run, error) {
	var r models.Run
	err := p.pool.QueryRow(ctx, `
		SELECT id, unit_id, user_id, event_id, status, rerun, COALESCE(error, ''), created_at, started_at, completed_at
		FROM runs WHERE id = $1`, id).
		Scan(&r.ID, &r.UnitID, &r.UserID, &r.EventID, &r.Status, &r.Rerun, &r.Error,
			&r.CreatedAt, &r.StartedAt, &r.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return &r, nil
}

func (p *Postgres) ListRuns(ctx context.Context, userID string, limit int) ([]*models.Run, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, unit_id, user_id, event_id, status, rerun, COALESCE(error, ''), created_at, started_at, completed_at
		FROM runs WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []*models.Run
	for rows.Next() {
		var r models.Run
		if err := rows.Scan(&r.ID, &r.UnitID, &r.UserID, &r.EventID, &r.Status, &r.Rerun, &r.Error,
			&r.CreatedAt, &r.StartedAt, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkRunning(ctx context.Context, id string, at time.Time) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE runs SET status = 'running', started_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark run running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) FinishRun(ctx context.Context, id string, status models.RunStatus, errMsg string, at time.Time) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE runs SET status = $2, error = NULLIF($3, ''), completed_at = $4 WHERE id = $1`,
		id, status, errMsg, at)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) AppendStep(ctx context.Context, step *models.RunStep) error {
	input, err := json.Marshal(step.Input)
	if err != nil {
		return fmt.Errorf("failed to marshal step input: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO run_steps (run_id, step_index, action_kind, input, status, attempts, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		step.RunID, step.Index, step.ActionKind, input, step.Status, step.Attempts, step.DurationMs)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("step %d already exists for run %s", step.Index, step.RunID)
		}
		return fmt.Errorf("failed to append step: %w", err)
	}
	return nil
}

func (p *Postgres) FinishStep(ctx context.Context, runID string, index int, update StepUpdate) error {
	output, err := json.Marshal(update.Output)
	if err != nil {
		return fmt.Errorf("failed to marshal step output: %w", err)
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE run_steps
		SET status = $3, output = $4, error = NULLIF($5, ''), attempts = $6, duration_ms = $7
		WHERE run_id = $1 AND step_index = $2`,
		runID, index, update.Status, output, update.Error, update.Attempts, update.DurationMs)
	if err != nil {
		return fmt.Errorf("failed to finish step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListSteps(ctx context.Context, runID string) ([]*models.RunStep, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT run_id, step_index, action_kind, input, output, status, COALESCE(error, ''), attempts, duration_ms
		FROM run_steps WHERE run_id = $1 ORDER BY step_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var out []*models.RunStep
	for rows.Next() {
		var s models.RunStep
		var input, output []byte
		if err := rows.Scan(&s.RunID, &s.Index, &s.ActionKind, &input, &output,
			&s.Status, &s.Error, &s.Attempts, &s.DurationMs); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		if len(input) > 0 {
			if err := json.Unmarshal(input, &s.Input); err != nil {
				return nil, fmt.Errorf("failed to decode step input: %w", err)
			}
		}
		if len(output) > 0 {
			if err := json.Unmarshal(output, &s.Output); err != nil {
				return nil, fmt.Errorf("failed to decode step output: %w", err)
			}
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (p *Postgres) ListRunning(ctx context.Context, cutoff time.Time) ([]*models.Run, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, unit_id, user_id, event_id, status, rerun, COALESCE(error, ''), created_at, started_at, completed_at
		FROM runs WHERE status = 'running' AND started_at < $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list running runs: %w", err)
	}
	defer rows.Close()

	var out []*models.Run
	for rows.Next() {
		var r models.Run
		if err := rows.Scan(&r.ID, &r.UnitID, &r.UserID, &r.EventID, &r.Status, &r.Rerun, &r.Error,
			&r.CreatedAt, &r.StartedAt, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
