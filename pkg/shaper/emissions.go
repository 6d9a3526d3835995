package shaper

import (
	"fmt"
	"strings"

	"github.com/LutendoLukhele/cortex/pkg/models"
)

// Emission describes one event type the shaper can produce.
type Emission struct {
	Source      models.Source
	Type        models.EventType
	Description string
}

// Emissions returns the closed table of events the shaper emits, in source
// order. The compiler's system prompt and trigger validation are generated
// from this table so the two can never drift apart.
func Emissions() []Emission {
	return []Emission{
		{models.SourceEmail, models.EventEmailReceived, "a new email message arrived"},
		{models.SourceEmail, models.EventEmailReplyReceived, "a reply arrived on an existing thread"},
		{models.SourceCalendar, models.EventCalendarCreated, "a calendar event was created"},
		{models.SourceCalendar, models.EventCalendarUpdated, "a calendar event's time, title, or details changed"},
		{models.SourceCalendar, models.EventCalendarCancelled, "a calendar event was cancelled or removed"},
		{models.SourceCRM, models.EventLeadCreated, "a CRM lead was created"},
		{models.SourceCRM, models.EventLeadStageChanged, "a lead's status changed"},
		{models.SourceCRM, models.EventLeadConverted, "a lead was converted"},
		{models.SourceCRM, models.EventLeadDeleted, "a lead was deleted"},
		{models.SourceCRM, models.EventOpportunityCreated, "a CRM opportunity was created"},
		{models.SourceCRM, models.EventOpportunityStageChanged, "an opportunity's stage changed"},
		{models.SourceCRM, models.EventOpportunityClosedWon, "an opportunity was closed won"},
		{models.SourceCRM, models.EventOpportunityDeleted, "an opportunity was deleted"},
	}
}

// ValidTrigger reports whether (source, type) is an emission the shaper can
// actually produce.
func ValidTrigger(source models.Source, typ models.EventType) bool {
	for _, em := range Emissions() {
		if em.Source == source && em.Type == typ {
			return true
		}
	}
	return false
}

// EmissionCatalog renders the emission table as a text block for LLM prompts.
func EmissionCatalog() string {
	var b strings.Builder
	for _, em := range Emissions() {
		fmt.Fprintf(&b, "- %s / %s: %s\n", em.Source, em.Type, em.Description)
	}
	return b.String()
}
