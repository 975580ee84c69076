package mailbox

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/vinayprograms/agentbus/message"
)

// Common errors.
var (
	ErrNotFound     = errors.New("message not found")
	ErrClosed       = errors.New("mailbox store closed")
	ErrInvalidAgent = errors.New("invalid agent ID")
	ErrInvalid      = errors.New("invalid message")
)

// DefaultMaxMessagesPerAgent is the cap used when Config leaves it unset.
const DefaultMaxMessagesPerAgent = 100

// Config holds settings shared by every Store implementation.
type Config struct {
	// MaxMessagesPerAgent bounds each mailbox. Default: 100
	MaxMessagesPerAgent int

	// Clock overrides time.Now for expiry checks. Used by tests.
	Clock func() time.Time
}

func (c Config) withDefaults() Config {
	if c.MaxMessagesPerAgent <= 0 {
		c.MaxMessagesPerAgent = DefaultMaxMessagesPerAgent
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// EvictReason says why a message left a mailbox without caller action.
type EvictReason string

const (
	EvictCapacity EvictReason = "capacity"
	EvictExpired  EvictReason = "expired"
)

// Eviction identifies one evicted message.
type Eviction struct {
	AgentID   string
	MessageID string
	Reason    EvictReason
}

// Store is the mailbox storage contract.
type Store interface {
	// Append adds msg to the tail of agentID's mailbox and returns the IDs
	// evicted from the head to keep the mailbox within its cap. Appending an
	// ID that is already stored changes nothing.
	Append(ctx context.Context, agentID string, msg *message.Message) ([]string, error)

	// Drain returns unexpired messages matching the filter, newest-first
	// unless Filter.Oldest is set. Messages stay in the mailbox.
	Drain(ctx context.Context, agentID string, filter message.Filter) ([]*message.Message, error)

	// Get returns one message. Returns ErrNotFound if absent or expired.
	Get(ctx context.Context, agentID, messageID string) (*message.Message, error)

	// MarkAcknowledged sets AcknowledgedAt (and ReadAt if unset).
	// Acknowledging twice keeps the first timestamp.
	MarkAcknowledged(ctx context.Context, agentID, messageID string, at time.Time) (*message.Message, error)

	// IncrementRetry bumps RetryCount and returns the updated message.
	IncrementRetry(ctx context.Context, agentID, messageID string) (*message.Message, error)

	// Remove deletes a message. Removing an unknown ID returns false, nil.
	Remove(ctx context.Context, agentID, messageID string) (bool, error)

	// EvictExpired deletes every message whose ExpiresAt is before now,
	// locking one mailbox at a time.
	EvictExpired(ctx context.Context, now time.Time) ([]Eviction, error)

	// Len returns the number of stored messages for agentID.
	Len(ctx context.Context, agentID string) (int, error)

	// Close releases resources. Further calls return ErrClosed.
	Close() error
}

func validate(agentID string, msg *message.Message) error {
	if agentID == "" {
		return ErrInvalidAgent
	}
	if msg == nil || msg.ID == "" {
		return ErrInvalid
	}
	return nil
}

// selectMessages applies the filter to msgs, which must be in append order.
// The returned slice aliases the input elements.
func selectMessages(msgs []*message.Message, filter message.Filter, now time.Time) []*message.Message {
	var out []*message.Message
	appendIf := func(m *message.Message) bool {
		if m.Expired(now) || !filter.Matches(m) {
			return true
		}
		out = append(out, m)
		return filter.Limit <= 0 || len(out) < filter.Limit
	}

	if filter.Oldest {
		for _, m := range msgs {
			if !appendIf(m) {
				break
			}
		}
	} else {
		for i := len(msgs) - 1; i >= 0; i-- {
			if !appendIf(msgs[i]) {
				break
			}
		}
	}
	return out
}

// sortEvictions orders evictions by agent for stable reporting.
func sortEvictions(ev []Eviction) {
	sort.SliceStable(ev, func(i, j int) bool { return ev[i].AgentID < ev[j].AgentID })
}
