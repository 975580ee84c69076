// Package message defines the envelope exchanged on the agent bus.
//
// A Message is immutable once enqueued except for its delivery bookkeeping:
// ReadAt, AcknowledgedAt and RetryCount. Stores hand out clones so callers
// can never mutate a queued message in place.
package message

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/agentbus/schema"
)

// Priority is informational; it filters but never reorders delivery.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ParsePriority parses a priority name. Empty input yields PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PriorityNormal, nil
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return p, nil
	default:
		return "", fmt.Errorf("unknown priority %q", s)
	}
}

// Message is one addressed unit of communication.
type Message struct {
	ID                   string         `json:"id" cbor:"id"`
	From                 string         `json:"from" cbor:"from"`
	To                   string         `json:"to" cbor:"to"`
	Type                 schema.Type    `json:"type" cbor:"type"`
	Payload              map[string]any `json:"payload" cbor:"payload"`
	Timestamp            time.Time      `json:"timestamp" cbor:"timestamp"`
	Priority             Priority       `json:"priority" cbor:"priority"`
	RequiresConfirmation bool           `json:"requires_confirmation,omitempty" cbor:"requires_confirmation,omitempty"`
	// ConfirmationTimeout overrides the bus default for this message.
	ConfirmationTimeout  time.Duration  `json:"confirmation_timeout,omitempty" cbor:"confirmation_timeout,omitempty"`
	ExpiresAt            time.Time      `json:"expires_at" cbor:"expires_at"`
	RetryCount           int            `json:"retry_count,omitempty" cbor:"retry_count,omitempty"`
	AcknowledgedAt       *time.Time     `json:"acknowledged_at,omitempty" cbor:"acknowledged_at,omitempty"`
	ReadAt               *time.Time     `json:"read_at,omitempty" cbor:"read_at,omitempty"`
}

// New creates a message with a fresh ID, the current UTC timestamp and
// normal priority. ExpiresAt is left for the bus to derive.
func New(from, to string, typ schema.Type, payload map[string]any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Type:      typ,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		Priority:  PriorityNormal,
	}
}

// TaskID returns payload["taskId"] when it is a non-empty string.
func (m *Message) TaskID() string {
	if m == nil || m.Payload == nil {
		return ""
	}
	id, _ := m.Payload["taskId"].(string)
	return id
}

// Expired reports whether the message is past its expiry at now.
// A zero ExpiresAt never expires.
func (m *Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

// Pending reports whether the recipient has not yet acknowledged the message.
func (m *Message) Pending() bool {
	return m.AcknowledgedAt == nil
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Payload = clonePayload(m.Payload)
	if m.AcknowledgedAt != nil {
		t := *m.AcknowledgedAt
		c.AcknowledgedAt = &t
	}
	if m.ReadAt != nil {
		t := *m.ReadAt
		c.ReadAt = &t
	}
	return &c
}

func clonePayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return clonePayload(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// Marshal serializes the message to JSON.
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal deserializes a message from JSON.
func Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
