package bus

import (
	"errors"
	"strings"
	"time"
)

// Common errors.
var (
	ErrClosed         = errors.New("bus closed")
	ErrTimeout        = errors.New("request timeout")
	ErrNoResponders   = errors.New("no responders")
	ErrInvalidSubject = errors.New("invalid subject")
)

// SubjectRoot prefixes every subject the message bus publishes on.
const SubjectRoot = "agentbus"

// Message represents a message received from the bus.
type Message struct {
	// Subject the message was published to.
	Subject string

	// Data is the message payload.
	Data []byte

	// Reply is the reply subject for request/reply pattern.
	// Empty for regular pub/sub messages.
	Reply string
}

// MessageBus provides pub/sub and request/reply messaging.
type MessageBus interface {
	// Publish sends a message to all subscribers of a subject.
	Publish(subject string, data []byte) error

	// Subscribe creates a subscription to a subject.
	// All subscribers receive all messages.
	Subscribe(subject string) (Subscription, error)

	// QueueSubscribe creates a queue subscription.
	// Messages are load-balanced across queue members.
	QueueSubscribe(subject, queue string) (Subscription, error)

	// Request sends a request and waits for a single reply.
	// Returns ErrTimeout if no reply within timeout.
	Request(subject string, data []byte, timeout time.Duration) (*Message, error)

	// Close shuts down the bus connection.
	Close() error
}

// Subscription represents an active subscription.
type Subscription interface {
	// Messages returns the channel for incoming messages.
	// Channel is closed when subscription ends.
	Messages() <-chan *Message

	// Unsubscribe cancels the subscription.
	Unsubscribe() error
}

// Config holds common bus configuration.
type Config struct {
	// BufferSize for subscription channels.
	// Default: 256
	BufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: 256,
	}
}

// ValidateSubject checks a subscription subject. Tokens are separated by
// dots and may not be empty or contain whitespace. "*" matches one token
// and ">" matches the remaining tokens; both must stand alone, and ">" must
// be last.
func ValidateSubject(subject string) error {
	if subject == "" {
		return ErrInvalidSubject
	}
	tokens := strings.Split(subject, ".")
	for i, tok := range tokens {
		if tok == "" || strings.ContainsAny(tok, " \t\r\n") {
			return ErrInvalidSubject
		}
		if strings.ContainsAny(tok, "*>") && tok != "*" && tok != ">" {
			return ErrInvalidSubject
		}
		if tok == ">" && i != len(tokens)-1 {
			return ErrInvalidSubject
		}
	}
	return nil
}

// ValidatePublishSubject checks a subject messages are published to.
// Wildcards are not allowed.
func ValidatePublishSubject(subject string) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if strings.ContainsAny(subject, "*>") {
		return ErrInvalidSubject
	}
	return nil
}

// MatchSubject reports whether subject matches pattern, honoring the "*"
// and ">" wildcards.
func MatchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, tok := range pt {
		if tok == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

// Subject joins tokens under SubjectRoot.
func Subject(tokens ...string) string {
	return SubjectRoot + "." + strings.Join(tokens, ".")
}
