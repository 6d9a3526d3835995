package models

import "time"

// RecordSnapshot is the last-seen salient field values for a single record.
type RecordSnapshot struct {
	Fields map[string]any `json:"fields"`
	SeenAt time.Time      `json:"seen_at"`
}

// ShaperState is the per (user, source) snapshot the shaper diffs incoming
// records against. Saved with optimistic concurrency: Version must match the
// stored value on save and increments monotonically.
type ShaperState struct {
	Version int64                     `json:"version"`
	Records map[string]RecordSnapshot `json:"records"`
}

// NewShaperState returns an empty state at version zero.
func NewShaperState() *ShaperState {
	return &ShaperState{Records: make(map[string]RecordSnapshot)}
}

// Prune drops records not seen within ttl and, if the map still exceeds max,
// evicts the least recently seen entries until it fits.
func (s *ShaperState) Prune(now time.Time, ttl time.Duration, max int) {
	for id, rec := range s.Records {
		if now.Sub(rec.SeenAt) > ttl {
			delete(s.Records, id)
		}
	}
	for len(s.Records) > max {
		oldestID := ""
		var oldest time.Time
		for id, rec := range s.Records {
			if oldestID == "" || rec.SeenAt.Before(oldest) {
				oldestID = id
				oldest = rec.SeenAt
			}
		}
		delete(s.Records, oldestID)
	}
}
