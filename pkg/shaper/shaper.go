// Package shaper turns raw provider record deltas into semantic domain
// events. Diffing is rule-based and field-scoped: only changes to a source's
// salient fields emit events, and every emitted event carries a deterministic
// id and dedup key so provider retries collapse to a single Event row.
package shaper

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/LutendoLukhele/cortex/pkg/models"
	"github.com/LutendoLukhele/cortex/pkg/store"
)

const (
	// maxDiffRetries bounds optimistic-concurrency retries on shaper state.
	maxDiffRetries = 3

	// stateTTL drops records not seen for a week; maxStateRecords caps each
	// (user, source) snapshot by LRU.
	stateTTL        = 7 * 24 * time.Hour
	maxStateRecords = 1000

	// dedupTTL is how long an event's dedup claim suppresses duplicates.
	dedupTTL = 24 * time.Hour
)

// Task is one webhook notification to shape, already attributed to a user.
type Task struct {
	UserID   string
	Provider string
	Model    string
	SyncName string
	Added    []map[string]any
	Updated  []map[string]any
	Deleted  []map[string]any
}

// Shaper computes events from record deltas and persists them.
type Shaper struct {
	kv      store.KV
	events  store.EventStore
	logger  *slog.Logger
	now     func() time.Time
	deduped prometheus.Counter
}

// New creates a Shaper.
func New(kv store.KV, events store.EventStore, logger *slog.Logger) *Shaper {
	if kv == nil {
		panic("shaper.New: kv must not be nil")
	}
	if events == nil {
		panic("shaper.New: events must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Shaper{kv: kv, events: events, logger: logger.With("component", "shaper"), now: time.Now}
}

// SetDedupCounter attaches the counter incremented for each suppressed
// duplicate candidate.
func (s *Shaper) SetDedupCounter(c prometheus.Counter) { s.deduped = c }

// shaped is an event candidate before dedup and persistence.
type shaped struct {
	typ      models.EventType
	recordID string
	delta    map[string]any
	payload  map[string]any
}

// Shape diffs the task against the stored shaper state and persists the
// resulting events. Returned events are the ones actually created; duplicates
// suppressed by the dedup set or the store are dropped silently. Emission
// order is added, then updated, then deleted, each in list order.
func (s *Shaper) Shape(ctx context.Context, task Task) ([]*models.Event, error) {
	source, ok := SourceForProvider(task.Provider)
	if !ok {
		return nil, models.Classified(models.ErrKindValidation,
			fmt.Errorf("unknown provider %q", task.Provider))
	}
	class, ok := classify(source, task.Model)
	if !ok {
		return nil, models.Classified(models.ErrKindValidation,
			fmt.Errorf("unknown model %q for source %s", task.Model, source))
	}

	// Providers ship their native field casing; diffing and payloads use the
	// canonical snake_case form.
	task.Added = normalizeRecords(task.Added)
	task.Updated = normalizeRecords(task.Updated)
	task.Deleted = normalizeRecords(task.Deleted)

	var candidates []shaped
	saved := false
	for attempt := 0; attempt < maxDiffRetries && !saved; attempt++ {
		state, err := s.kv.LoadShaperState(ctx, task.UserID, source)
		if err != nil {
			return nil, err
		}
		candidates = s.diff(task, source, class, state)
		state.Prune(s.now(), stateTTL, maxStateRecords)

		err = s.kv.SaveShaperState(ctx, task.UserID, source, state)
		switch {
		case err == nil:
			saved = true
		case errors.Is(err, store.ErrVersionConflict):
			// Another worker won the write; rediff against the fresh state.
			s.logger.Debug("shaper state conflict, retrying diff",
				"user_id", task.UserID, "source", source, "attempt", attempt+1)
		default:
			return nil, err
		}
	}
	if !saved {
		return nil, models.Classified(models.ErrKindTransient,
			fmt.Errorf("shaper state contention for user %s source %s", task.UserID, source))
	}

	out := make([]*models.Event, 0, len(candidates))
	for _, cand := range candidates {
		ev, err := s.persist(ctx, task.UserID, source, cand)
		if err != nil {
			return out, err
		}
		if ev != nil {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *Shaper) diff(task Task, source models.Source, class recordClass, state *models.ShaperState) []shaped {
	now := s.now()
	var out []shaped

	for _, record := range task.Added {
		if cand, ok := s.shapeAdded(source, class, record, state, now); ok {
			out = append(out, cand)
		}
	}
	for _, record := range task.Updated {
		rid := recordID(record)
		if rid == "" {
			continue
		}
		prior, known := state.Records[rid]
		if !known {
			// First observation of this record: promote to creation.
			if cand, ok := s.shapeAdded(source, class, record, state, now); ok {
				out = append(out, cand)
			}
			continue
		}
		out = append(out, s.shapeUpdated(source, class, record, rid, prior, state, now)...)
	}
	for _, record := range task.Deleted {
		rid := recordID(record)
		if rid == "" {
			continue
		}
		prior, known := state.Records[rid]
		delete(state.Records, rid)
		if class.deletion == "" {
			continue
		}
		payload := map[string]any{"id": rid}
		if known {
			for field, val := range prior.Fields {
				payload[field] = val
			}
		}
		out = append(out, shaped{
			typ:      class.deletion,
			recordID: rid,
			delta:    map[string]any{"deleted": true},
			payload:  payload,
		})
	}
	return out
}

func (s *Shaper) shapeAdded(source models.Source, class recordClass, record map[string]any, state *models.ShaperState, now time.Time) (shaped, bool) {
	rid := recordID(record)
	if rid == "" {
		return shaped{}, false
	}
	snapshot := snapshotFields(record, class.salient)
	state.Records[rid] = models.RecordSnapshot{Fields: snapshot, SeenAt: now}

	if source == models.SourceEmail && isNoise(record) {
		return shaped{}, false
	}

	typ := class.creation
	if source == models.SourceEmail && stringField(record, "in_reply_to") != "" {
		typ = models.EventEmailReplyReceived
	}
	return shaped{
		typ:      typ,
		recordID: rid,
		delta:    snapshot,
		payload:  copyRecord(record),
	}, true
}

func (s *Shaper) shapeUpdated(source models.Source, class recordClass, record map[string]any, rid string, prior models.RecordSnapshot, state *models.ShaperState, now time.Time) []shaped {
	snapshot := snapshotFields(record, class.salient)
	changes := map[string]any{}
	for _, field := range class.salient {
		if !reflect.DeepEqual(prior.Fields[field], snapshot[field]) {
			changes[field] = map[string]any{"from": prior.Fields[field], "to": snapshot[field]}
		}
	}
	state.Records[rid] = models.RecordSnapshot{Fields: snapshot, SeenAt: now}
	if len(changes) == 0 {
		return nil
	}

	payload := copyRecord(record)
	payload["changes"] = changes

	emit := func(typ models.EventType) shaped {
		return shaped{typ: typ, recordID: rid, delta: changes, payload: payload}
	}

	var out []shaped
	switch source {
	case models.SourceEmail:
		// Email updates are silent except a record joining a thread.
		if _, changed := changes["in_reply_to"]; changed && stringField(record, "in_reply_to") != "" {
			out = append(out, emit(models.EventEmailReplyReceived))
		}
	case models.SourceCalendar:
		if _, changed := changes["status"]; changed && strings.EqualFold(stringField(record, "status"), "cancelled") {
			out = append(out, emit(models.EventCalendarCancelled))
		} else {
			out = append(out, emit(models.EventCalendarUpdated))
		}
	case models.SourceCRM:
		out = append(out, s.shapeCRMUpdate(class, record, prior, changes, emit)...)
	}
	return out
}

func (s *Shaper) shapeCRMUpdate(class recordClass, record map[string]any, prior models.RecordSnapshot, changes map[string]any, emit func(models.EventType) shaped) []shaped {
	var out []shaped
	switch class.creation {
	case models.EventLeadCreated:
		if _, changed := changes["status"]; changed {
			out = append(out, emit(models.EventLeadStageChanged))
		}
		if _, changed := changes["is_converted"]; changed && truthy(record["is_converted"]) && !truthy(prior.Fields["is_converted"]) {
			out = append(out, emit(models.EventLeadConverted))
		}
	case models.EventOpportunityCreated:
		if _, changed := changes["stage_name"]; changed {
			out = append(out, emit(models.EventOpportunityStageChanged))
		}
		if _, changed := changes["is_won"]; changed && truthy(record["is_won"]) && !truthy(prior.Fields["is_won"]) {
			out = append(out, emit(models.EventOpportunityClosedWon))
		}
	}
	return out
}

// persist claims the dedup key and writes the event. Returns nil when the
// event is a duplicate.
func (s *Shaper) persist(ctx context.Context, userID string, source models.Source, cand shaped) (*models.Event, error) {
	key := dedupKey(userID, source, cand.typ, cand.recordID, cand.delta)
	claimed, err := s.kv.ClaimDedup(ctx, key, dedupTTL)
	if err != nil {
		return nil, err
	}
	if !claimed {
		s.logger.Debug("dropping duplicate event",
			"user_id", userID, "type", cand.typ, "record_id", cand.recordID)
		if s.deduped != nil {
			s.deduped.Inc()
		}
		return nil, nil
	}

	ev := &models.Event{
		ID:         eventID(key),
		UserID:     userID,
		Source:     source,
		Type:       cand.typ,
		RecordID:   cand.recordID,
		Payload:    cand.payload,
		DedupKey:   key,
		ReceivedAt: s.now().UTC(),
	}
	outcome, err := s.events.WriteEvent(ctx, ev)
	if err != nil {
		return nil, err
	}
	if outcome == store.OutcomeDuplicate {
		if s.deduped != nil {
			s.deduped.Inc()
		}
		return nil, nil
	}
	return ev, nil
}

// dedupKey hashes the event identity plus the salient delta, so the same
// record change always produces the same key while distinct changes never
// collide. Map marshaling is key-sorted, making the hash deterministic.
func dedupKey(userID string, source models.Source, typ models.EventType, recordID string, delta map[string]any) string {
	encoded, _ := json.Marshal(delta)
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s", userID, source, typ, recordID, encoded)
	return hex.EncodeToString(h.Sum(nil))
}

// eventID derives a stable UUID from the dedup key.
func eventID(key string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

func recordID(record map[string]any) string {
	for _, k := range []string{"id", "record_id"} {
		switch v := record[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}

func snapshotFields(record map[string]any, salient []string) map[string]any {
	out := make(map[string]any, len(salient))
	for _, field := range salient {
		if v, ok := record[field]; ok {
			out[field] = v
		}
	}
	return out
}

func stringField(record map[string]any, field string) string {
	v, _ := record[field].(string)
	return v
}

func copyRecord(record map[string]any) map[string]any {
	out := make(map[string]any, len(record))
	for k, v := range record {
		out[k] = v
	}
	return out
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(t, "true")
	}
	return false
}
