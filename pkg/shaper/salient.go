package shaper

import (
	"strings"
	"unicode"

	"github.com/LutendoLukhele/cortex/pkg/models"
)

// providerSources is the closed mapping from provider config keys to event
// sources. Unknown providers are rejected at the webhook front door.
var providerSources = map[string]models.Source{
	"gmail":            models.SourceEmail,
	"google-mail":      models.SourceEmail,
	"outlook":          models.SourceEmail,
	"google-calendar":  models.SourceCalendar,
	"outlook-calendar": models.SourceCalendar,
	"salesforce":       models.SourceCRM,
	"hubspot":          models.SourceCRM,
}

// SourceForProvider resolves a provider config key to its source.
func SourceForProvider(provider string) (models.Source, bool) {
	source, ok := providerSources[provider]
	return source, ok
}

// KnownProvider reports whether the provider config key is in the closed set.
func KnownProvider(provider string) bool {
	_, ok := providerSources[provider]
	return ok
}

// recordClass describes how one record model is shaped: which fields are
// salient (only changes to these emit events), and which creation/deletion
// events the model defines.
//
// Salient sets are keyed in canonical snake_case. Providers ship their native
// casing (Salesforce "StageName"/"IsWon", Gmail "inReplyTo"); record keys are
// normalized before snapshotting, so both casings land on the same field.
//
// Per-source tables:
//   - email (model Message): salient from, subject, thread_id, in_reply_to,
//     snippet. Creation emits email_received, or email_reply_received when
//     in_reply_to is set. No deletion event.
//   - calendar (model Event): salient summary, start, end, status, location,
//     attendees. Creation emits event_created; updates emit event_updated, or
//     event_cancelled when status transitions to cancelled; deletion emits
//     event_cancelled.
//   - crm Lead: salient status, is_converted, email, company, owner_id.
//     Creation lead_created; status change lead_stage_changed; is_converted
//     false->true lead_converted; deletion lead_deleted.
//   - crm Opportunity: salient stage_name, is_won, is_closed, amount,
//     close_date, owner_id. Creation opportunity_created; stage_name change
//     opportunity_stage_changed; is_won false->true opportunity_closed_won;
//     deletion opportunity_deleted.
type recordClass struct {
	salient  []string
	creation models.EventType
	deletion models.EventType // "" = source defines no deletion event
}

var (
	emailClass = recordClass{
		salient:  []string{"from", "subject", "thread_id", "in_reply_to", "snippet"},
		creation: models.EventEmailReceived,
	}
	calendarClass = recordClass{
		salient:  []string{"summary", "start", "end", "status", "location", "attendees"},
		creation: models.EventCalendarCreated,
		deletion: models.EventCalendarCancelled,
	}
	leadClass = recordClass{
		salient:  []string{"status", "is_converted", "email", "company", "owner_id"},
		creation: models.EventLeadCreated,
		deletion: models.EventLeadDeleted,
	}
	opportunityClass = recordClass{
		salient:  []string{"stage_name", "is_won", "is_closed", "amount", "close_date", "owner_id"},
		creation: models.EventOpportunityCreated,
		deletion: models.EventOpportunityDeleted,
	}
)

// classify resolves the record class for (source, model). CRM distinguishes
// leads from opportunities by the webhook's model field; other sources have a
// single class.
func classify(source models.Source, model string) (recordClass, bool) {
	switch source {
	case models.SourceEmail:
		return emailClass, true
	case models.SourceCalendar:
		return calendarClass, true
	case models.SourceCRM:
		switch strings.ToLower(model) {
		case "lead", "leads":
			return leadClass, true
		case "opportunity", "opportunities":
			return opportunityClass, true
		}
	}
	return recordClass{}, false
}

// normalizeRecords returns copies of records with canonical snake_case keys.
func normalizeRecords(records []map[string]any) []map[string]any {
	if len(records) == 0 {
		return records
	}
	out := make([]map[string]any, len(records))
	for i, record := range records {
		normalized := make(map[string]any, len(record))
		for k, v := range record {
			normalized[normalizeKey(k)] = v
		}
		out[i] = normalized
	}
	return out
}

// normalizeKey converts camelCase and PascalCase field names to snake_case:
// "StageName" -> "stage_name", "inReplyTo" -> "in_reply_to", "ID" -> "id".
// Keys already in snake_case pass through unchanged.
func normalizeKey(key string) string {
	runes := []rune(key)
	var b strings.Builder
	b.Grow(len(key) + 4)
	for i, r := range runes {
		if !unicode.IsUpper(r) {
			b.WriteRune(r)
			continue
		}
		prevLower := i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1]))
		// Acronym boundary: the last upper of a run followed by a lower,
		// as in "HTMLBody" -> "html_body".
		acronymEnd := i > 0 && unicode.IsUpper(runes[i-1]) &&
			i+1 < len(runes) && unicode.IsLower(runes[i+1])
		if prevLower || acronymEnd {
			b.WriteByte('_')
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// noiseSenders marks automated email senders whose messages never become
// creation events.
var noiseSenders = []string{"noreply", "no-reply", "donotreply", "do-not-reply", "mailer-daemon", "notifications@"}

// isNoise reports whether an email record comes from an automated sender.
func isNoise(record map[string]any) bool {
	from, _ := record["from"].(string)
	from = strings.ToLower(from)
	for _, marker := range noiseSenders {
		if strings.Contains(from, marker) {
			return true
		}
	}
	return false
}
