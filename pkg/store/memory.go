package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/LutendoLukhele/cortex/pkg/models"
)

// Memory is an in-process implementation of every repository interface plus
// the KV tier. It backs pipeline tests and the dev runtime mode's dry runs;
// production wiring uses Postgres and Redis.
type Memory struct {
	mu sync.Mutex

	connections map[string]*models.Connection // userID|provider
	units       map[string]*models.Unit
	events      map[string]*models.Event
	eventDedup  map[string]string // userID|dedupKey -> event id
	runs        map[string]*models.Run
	runByPair   map[string]string // unitID|eventID -> run id
	steps       map[string][]*models.RunStep

	shaper map[string]*models.ShaperState // source|userID
	claims map[string]time.Time           // dedup key -> expiry
}

var (
	_ ConnectionStore = (*Memory)(nil)
	_ UnitStore       = (*Memory)(nil)
	_ EventStore      = (*Memory)(nil)
	_ RunStore        = (*Memory)(nil)
	_ KV              = (*Memory)(nil)
)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		connections: make(map[string]*models.Connection),
		units:       make(map[string]*models.Unit),
		events:      make(map[string]*models.Event),
		eventDedup:  make(map[string]string),
		runs:        make(map[string]*models.Run),
		runByPair:   make(map[string]string),
		steps:       make(map[string][]*models.RunStep),
		shaper:      make(map[string]*models.ShaperState),
		claims:      make(map[string]time.Time),
	}
}

// Stores returns the repository bundle backed by this instance.
func (m *Memory) Stores() Stores {
	return Stores{Connections: m, Units: m, Events: m, Runs: m}
}

func pairKey(a, b string) string { return a + "|" + b }

// --- ConnectionStore ---

func (m *Memory) SaveConnection(ctx context.Context, conn *models.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *conn
	m.connections[pairKey(conn.UserID, conn.Provider)] = &cp
	return nil
}

func (m *Memory) LookupUserID(ctx context.Context, externalConnectionID, provider string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conn := range m.connections {
		if conn.ExternalConnectionID == externalConnectionID && conn.Provider == provider && conn.Enabled {
			return conn.UserID, nil
		}
	}
	return "", ErrNotFound
}

func (m *Memory) ListConnections(ctx context.Context, userID string) ([]*models.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Connection
	for _, conn := range m.connections {
		if conn.UserID == userID {
			cp := *conn
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

func (m *Memory) DeleteConnection(ctx context.Context, userID, provider string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey(userID, provider)
	if _, ok := m.connections[key]; !ok {
		return ErrNotFound
	}
	delete(m.connections, key)
	return nil
}

func (m *Memory) RecordError(ctx context.Context, userID, provider string, disableAfter int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.connections[pairKey(userID, provider)]
	if !ok {
		return ErrNotFound
	}
	conn.ErrorCount++
	if conn.ErrorCount >= disableAfter {
		conn.Enabled = false
	}
	return nil
}

// --- UnitStore ---

func (m *Memory) SaveUnit(ctx context.Context, unit *models.Unit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *unit
	m.units[unit.ID] = &cp
	return nil
}

func (m *Memory) GetUnit(ctx context.Context, userID, id string) (*models.Unit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	unit, ok := m.units[id]
	if !ok || unit.UserID != userID {
		return nil, ErrNotFound
	}
	cp := *unit
	return &cp, nil
}

func (m *Memory) ListUnits(ctx context.Context, userID string) ([]*models.Unit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Unit
	for _, unit := range m.units {
		if unit.UserID == userID {
			cp := *unit
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListActiveUnits(ctx context.Context, userID string, source models.Source, typ models.EventType) ([]*models.Unit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Unit
	for _, unit := range m.units {
		if unit.UserID == userID && unit.Status == models.UnitStatusActive &&
			unit.Trigger.Source == source && unit.Trigger.Type == typ {
			cp := *unit
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SetUnitStatus(ctx context.Context, userID, id string, status models.UnitStatus) (*models.Unit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	unit, ok := m.units[id]
	if !ok || unit.UserID != userID {
		return nil, ErrNotFound
	}
	unit.Status = status
	unit.UpdatedAt = time.Now()
	cp := *unit
	return &cp, nil
}

func (m *Memory) DeleteUnit(ctx context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	unit, ok := m.units[id]
	if !ok || unit.UserID != userID {
		return ErrNotFound
	}
	delete(m.units, id)
	for runID, run := range m.runs {
		if run.UnitID == id {
			delete(m.runs, runID)
			delete(m.runByPair, pairKey(run.UnitID, run.EventID))
			delete(m.steps, runID)
		}
	}
	return nil
}

// --- EventStore ---

func (m *Memory) WriteEvent(ctx context.Context, ev *models.Event) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dedup := pairKey(ev.UserID, ev.DedupKey)
	if _, ok := m.eventDedup[dedup]; ok {
		return OutcomeDuplicate, nil
	}
	cp := *ev
	m.events[ev.ID] = &cp
	m.eventDedup[dedup] = ev.ID
	return OutcomeCreated, nil
}

func (m *Memory) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ev
	return &cp, nil
}

// --- RunStore ---

func (m *Memory) CreateRun(ctx context.Context, run *models.Run) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pair := pairKey(run.UnitID, run.EventID)
	if _, ok := m.runByPair[pair]; ok {
		return OutcomeDuplicate, nil
	}
	cp := *run
	m.runs[run.ID] = &cp
	m.runByPair[pair] = run.ID
	return OutcomeCreated, nil
}

func (m *Memory) CreateRerun(ctx context.Context, run *models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	cp.Rerun = true
	m.runs[run.ID] = &cp
	return nil
}

func (m *Memory) GetRun(ctx context.Context, id string) (*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (m *Memory) ListRuns(ctx context.Context, userID string, limit int) ([]*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Run
	for _, run := range m.runs {
		if run.UserID == userID {
			cp := *run
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) MarkRunning(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	run.Status = models.RunStatusRunning
	run.StartedAt = &at
	return nil
}

func (m *Memory) FinishRun(ctx context.Context, id string, status models.RunStatus, errMsg string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	run.Status = status
	run.Error = errMsg
	run.CompletedAt = &at
	return nil
}

func (m *Memory) AppendStep(ctx context.Context, step *models.RunStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *step
	m.steps[step.RunID] = append(m.steps[step.RunID], &cp)
	return nil
}

func (m *Memory) FinishStep(ctx context.Context, runID string, index int, update StepUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, step := range m.steps[runID] {
		if step.Index == index {
			step.Status = update.Status
			step.Output = update.Output
			step.Error = update.Error
			step.Attempts = update.Attempts
			step.DurationMs = update.DurationMs
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) ListSteps(ctx context.Context, runID string) ([]*models.RunStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	steps := m.steps[runID]
	out := make([]*models.RunStep, 0, len(steps))
	for _, step := range steps {
		cp := *step
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (m *Memory) ListRunning(ctx context.Context, cutoff time.Time) ([]*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Run
	for _, run := range m.runs {
		if run.Status == models.RunStatusRunning && run.StartedAt != nil && run.StartedAt.Before(cutoff) {
			cp := *run
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- KV ---

func (m *Memory) LoadShaperState(ctx context.Context, userID string, source models.Source) (*models.ShaperState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.shaper[pairKey(string(source), userID)]
	if !ok {
		return models.NewShaperState(), nil
	}
	cp := models.ShaperState{Version: state.Version, Records: make(map[string]models.RecordSnapshot, len(state.Records))}
	for id, rec := range state.Records {
		cp.Records[id] = rec
	}
	return &cp, nil
}

func (m *Memory) SaveShaperState(ctx context.Context, userID string, source models.Source, state *models.ShaperState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey(string(source), userID)
	current, ok := m.shaper[key]
	if ok && current.Version != state.Version {
		return ErrVersionConflict
	}
	if !ok && state.Version != 0 {
		return ErrVersionConflict
	}
	next := models.ShaperState{Version: state.Version + 1, Records: make(map[string]models.RecordSnapshot, len(state.Records))}
	for id, rec := range state.Records {
		next.Records[id] = rec
	}
	m.shaper[key] = &next
	state.Version++
	return nil
}

func (m *Memory) ClaimDedup(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if expiry, ok := m.claims[key]; ok && now.Before(expiry) {
		return false, nil
	}
	m.claims[key] = now.Add(ttl)
	return true, nil
}
