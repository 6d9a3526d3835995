// Package models defines the core domain types shared across the pipeline:
// Connections, Units, Events, Runs, and RunSteps.
package models

import "time"

// Source identifies the provider category an event originates from.
type Source string

// Known event sources. The mapping from provider config keys to sources is a
// closed table owned by the shaper.
const (
	SourceEmail    Source = "email"
	SourceCalendar Source = "calendar"
	SourceCRM      Source = "crm"
)

// EventType is the semantic type of a shaped event (e.g. "email_received").
type EventType string

// Event types emitted by the shaper, grouped by source.
const (
	EventEmailReceived      EventType = "email_received"
	EventEmailReplyReceived EventType = "email_reply_received"

	EventCalendarCreated   EventType = "event_created"
	EventCalendarUpdated   EventType = "event_updated"
	EventCalendarCancelled EventType = "event_cancelled"

	EventLeadCreated      EventType = "lead_created"
	EventLeadStageChanged EventType = "lead_stage_changed"
	EventLeadConverted    EventType = "lead_converted"
	EventLeadDeleted      EventType = "lead_deleted"

	EventOpportunityCreated      EventType = "opportunity_created"
	EventOpportunityStageChanged EventType = "opportunity_stage_changed"
	EventOpportunityClosedWon    EventType = "opportunity_closed_won"
	EventOpportunityDeleted      EventType = "opportunity_deleted"
)

// Event is a shaped domain event. Events are immutable once persisted.
type Event struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	Source     Source         `json:"source"`
	Type       EventType      `json:"type"`
	RecordID   string         `json:"record_id"`
	Payload    map[string]any `json:"payload"`
	DedupKey   string         `json:"dedup_key"`
	ReceivedAt time.Time      `json:"received_at"`
}
