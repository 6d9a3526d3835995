// Package matcher decides which units fire for an incoming event and creates
// their pending runs. Rule conditions are evaluated by a total operator
// table; semantic conditions go through the LLM with a boolean response
// schema and short-lived memoization.
package matcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/LutendoLukhele/cortex/pkg/cache"
	"github.com/LutendoLukhele/cortex/pkg/llm"
	"github.com/LutendoLukhele/cortex/pkg/models"
	"github.com/LutendoLukhele/cortex/pkg/store"
)

const (
	// semanticCacheTTL memoizes semantic verdicts per (unit, condition,
	// event) so provider retries do not re-bill the same question.
	semanticCacheTTL  = 5 * time.Minute
	semanticCacheSize = 512

	defaultWorkers = 4
)

// booleanSchema is the response contract for semantic conditions.
const booleanSchema = `{
  "type": "object",
  "properties": {"matched": {"type": "boolean"}},
  "required": ["matched"],
  "additionalProperties": false
}`

var (
	booleanOnce     sync.Once
	booleanCompiled *jsonschema.Schema
)

func compiledBooleanSchema() *jsonschema.Schema {
	booleanOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(booleanSchema))
		if err != nil {
			panic(fmt.Sprintf("matcher: invalid boolean schema: %v", err))
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("boolean.json", doc); err != nil {
			panic(fmt.Sprintf("matcher: failed to add boolean schema: %v", err))
		}
		booleanCompiled, err = c.Compile("boolean.json")
		if err != nil {
			panic(fmt.Sprintf("matcher: failed to compile boolean schema: %v", err))
		}
	})
	return booleanCompiled
}

// Matcher evaluates events against a user's active units.
type Matcher struct {
	units   store.UnitStore
	runs    store.RunStore
	llm     llm.Client
	cache   *cache.Cache
	logger  *slog.Logger
	workers int
	now     func() time.Time
}

// New creates a Matcher. workers bounds parallel unit evaluation per event.
func New(units store.UnitStore, runs store.RunStore, client llm.Client, workers int, logger *slog.Logger) *Matcher {
	if units == nil {
		panic("matcher.New: units must not be nil")
	}
	if runs == nil {
		panic("matcher.New: runs must not be nil")
	}
	if client == nil {
		panic("matcher.New: llm client must not be nil")
	}
	if workers <= 0 {
		workers = defaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{
		units:   units,
		runs:    runs,
		llm:     client,
		cache:   cache.New(semanticCacheTTL, semanticCacheSize),
		logger:  logger.With("component", "matcher"),
		workers: workers,
		now:     time.Now,
	}
}

// Match evaluates ev against the user's active units with a matching trigger
// and creates a pending run for each that passes. Units evaluate in parallel
// under the worker bound; conditions within a unit evaluate sequentially and
// short-circuit. Duplicate runs collapse silently.
func (m *Matcher) Match(ctx context.Context, ev *models.Event) ([]*models.Run, error) {
	candidates, err := m.units.ListActiveUnits(ctx, ev.UserID, ev.Source, ev.Type)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	var (
		mu      sync.Mutex
		created []*models.Run
		wg      sync.WaitGroup
		sem     = make(chan struct{}, m.workers)
	)
	for _, unit := range candidates {
		wg.Add(1)
		sem <- struct{}{}
		go func(unit *models.Unit) {
			defer wg.Done()
			defer func() { <-sem }()

			if !m.evaluate(ctx, unit, ev) {
				return
			}
			run, err := m.createRun(ctx, unit, ev)
			if err != nil {
				m.logger.Error("failed to create run",
					"unit_id", unit.ID, "event_id", ev.ID, "error", err)
				return
			}
			if run != nil {
				mu.Lock()
				created = append(created, run)
				mu.Unlock()
			}
		}(unit)
	}
	wg.Wait()
	return created, nil
}

// evaluate runs the unit's conditions in order, short-circuiting on the
// first failure.
func (m *Matcher) evaluate(ctx context.Context, unit *models.Unit, ev *models.Event) bool {
	for i, cond := range unit.Conditions {
		switch cond.Kind {
		case models.ConditionRule:
			if !EvalRule(ev.Payload, cond) {
				return false
			}
		case models.ConditionSemantic:
			matched, err := m.evalSemantic(ctx, unit, i, cond, ev)
			if err != nil {
				// A failed semantic check never fires the unit; the event
				// itself is already persisted and visible.
				m.logger.Warn("semantic condition failed, treating as no match",
					"unit_id", unit.ID, "condition", i, "error", err)
				return false
			}
			if !matched {
				return false
			}
		default:
			m.logger.Error("unknown condition kind", "unit_id", unit.ID, "kind", cond.Kind)
			return false
		}
	}
	return true
}

func (m *Matcher) evalSemantic(ctx context.Context, unit *models.Unit, index int, cond models.Condition, ev *models.Event) (bool, error) {
	key := semanticKey(unit.ID, index, ev.DedupKey)
	if cached, ok := m.cache.Get(key); ok {
		return cached.(bool), nil
	}

	subset := map[string]any{}
	for _, field := range cond.Fields {
		if v, ok := LookupPath(ev.Payload, field); ok {
			subset[field] = v
		}
	}
	if len(cond.Fields) == 0 {
		subset = ev.Payload
	}
	encoded, err := json.Marshal(subset)
	if err != nil {
		return false, fmt.Errorf("failed to encode payload subset: %w", err)
	}

	var verdict struct {
		Matched bool `json:"matched"`
	}
	err = m.llm.CompleteJSON(ctx, llm.Request{
		System: "You answer yes/no questions about an event. Respond with JSON: {\"matched\": true|false}. Answer strictly from the given data.",
		User:   fmt.Sprintf("Question: %s\n\nEvent data:\n%s", cond.Prompt, encoded),
	}, compiledBooleanSchema(), &verdict)
	if err != nil {
		return false, err
	}

	m.cache.Set(key, verdict.Matched)
	return verdict.Matched, nil
}

func (m *Matcher) createRun(ctx context.Context, unit *models.Unit, ev *models.Event) (*models.Run, error) {
	run := &models.Run{
		ID:        uuid.NewString(),
		UnitID:    unit.ID,
		UserID:    unit.UserID,
		EventID:   ev.ID,
		Status:    models.RunStatusPending,
		CreatedAt: m.now().UTC(),
	}
	outcome, err := m.runs.CreateRun(ctx, run)
	if err != nil {
		return nil, err
	}
	if outcome == store.OutcomeDuplicate {
		m.logger.Debug("run already exists", "unit_id", unit.ID, "event_id", ev.ID)
		return nil, nil
	}
	m.logger.Info("run created",
		"run_id", run.ID, "unit_id", unit.ID, "event_id", ev.ID, "type", ev.Type)
	return run, nil
}

func semanticKey(unitID string, index int, dedupKey string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s", unitID, index, dedupKey)
	return hex.EncodeToString(h.Sum(nil))
}
