package message

import (
	"time"

	"github.com/vinayprograms/agentbus/schema"
)

// Filter selects messages from a mailbox. Zero values match everything.
type Filter struct {
	Type     schema.Type
	From     string
	Priority Priority

	// Since keeps messages with Timestamp at or after this instant.
	Since time.Time

	// Limit caps the number of results. Zero means no cap.
	Limit int

	// Oldest returns messages oldest-first instead of newest-first.
	Oldest bool

	// MarkRead sets ReadAt on every returned message that has none.
	MarkRead bool

	// Unacknowledged drops messages the recipient already acknowledged.
	Unacknowledged bool
}

// Matches reports whether m passes the predicate parts of the filter.
// Ordering, Limit and MarkRead are applied by the store.
func (f Filter) Matches(m *Message) bool {
	if f.Type != "" && m.Type != f.Type {
		return false
	}
	if f.From != "" && m.From != f.From {
		return false
	}
	if f.Priority != "" && m.Priority != f.Priority {
		return false
	}
	if !f.Since.IsZero() && m.Timestamp.Before(f.Since) {
		return false
	}
	if f.Unacknowledged && m.AcknowledgedAt != nil {
		return false
	}
	return true
}
