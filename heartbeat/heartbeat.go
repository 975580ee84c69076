package heartbeat

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/vinayprograms/agentbus/bus"
	"github.com/vinayprograms/agentbus/logging"
	"github.com/vinayprograms/agentbus/registry"
)

// Common errors.
var (
	ErrAlreadyStarted  = errors.New("heartbeat already started")
	ErrNotStarted      = errors.New("heartbeat not started")
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrInvalidBeat     = errors.New("invalid heartbeat")
	ErrStale           = errors.New("heartbeat older than the last one seen")
	ErrFutureTimestamp = errors.New("heartbeat timestamp too far in the future")
	ErrUnknownAgent    = errors.New("heartbeat from unregistered agent")
)

// SubjectPrefix is the subject prefix for heartbeat messages.
var SubjectPrefix = bus.Subject("heartbeat") + "."

// Heartbeat is one liveness signal from an agent.
type Heartbeat struct {
	AgentID   string    `json:"agent_id"`
	Timestamp time.Time `json:"timestamp"`

	// Status is the agent's self-reported status. Empty leaves the
	// registered status alone; "unreachable" is not accepted.
	Status registry.Status `json:"status,omitempty"`

	// Load is a normalized load metric (0.0 to 1.0).
	Load float64 `json:"load"`

	// Metadata is merged into the registration when Status changes.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Marshal serializes a heartbeat to JSON.
func (h *Heartbeat) Marshal() ([]byte, error) {
	return json.Marshal(h)
}

// Unmarshal deserializes a heartbeat from JSON.
func Unmarshal(data []byte) (*Heartbeat, error) {
	var h Heartbeat
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Subject returns the subject for this heartbeat.
func (h *Heartbeat) Subject() string {
	return SubjectPrefix + h.AgentID
}

// Validate checks the fields a monitor relies on.
func (h *Heartbeat) Validate() error {
	if h == nil || registry.ValidateID(h.AgentID) != nil || h.Timestamp.IsZero() {
		return ErrInvalidBeat
	}
	switch h.Status {
	case "", registry.StatusActive, registry.StatusIdle:
	default:
		return ErrInvalidBeat
	}
	if h.Load < 0 || h.Load > 1 {
		return ErrInvalidBeat
	}
	return nil
}

// SenderConfig configures a heartbeat sender.
type SenderConfig struct {
	// Bus is the message bus for publishing heartbeats.
	Bus bus.MessageBus

	// AgentID is the registered ID of the sending agent.
	AgentID string

	// Interval between heartbeats.
	// Default: 5 seconds
	Interval time.Duration

	// InitialStatus is the starting status.
	// Default: active
	InitialStatus registry.Status
}

// Validate checks the configuration.
func (c *SenderConfig) Validate() error {
	if c.Bus == nil {
		return ErrInvalidConfig
	}
	if registry.ValidateID(c.AgentID) != nil {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultSenderConfig returns configuration with sensible defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		Interval:      5 * time.Second,
		InitialStatus: registry.StatusActive,
	}
}

// MonitorConfig configures a liveness monitor.
type MonitorConfig struct {
	// Registry receives LastSeen and status updates. Required.
	Registry registry.Registry

	// Bus, when set, is subscribed to heartbeat subjects. Without it
	// heartbeats arrive only through Monitor.Receive.
	Bus bus.MessageBus

	// Queue joins a queue group so that bus instances sharing a registry
	// each process a heartbeat once. Empty means a plain subscription.
	Queue string

	// Timeout after the last interaction before an agent is marked
	// unreachable. Should be 2-3x the heartbeat interval.
	// Default: 15 seconds
	Timeout time.Duration

	// CheckInterval for the staleness check.
	// Default: 1 second
	CheckInterval time.Duration

	// MaxSkew bounds how far in the future a heartbeat timestamp may be.
	// Default: 30 seconds
	MaxSkew time.Duration

	// Logger for monitor events. Default: discard.
	Logger *logging.Logger

	// Clock overrides time.Now. Used by tests.
	Clock func() time.Time
}

// Validate checks the configuration.
func (c *MonitorConfig) Validate() error {
	if c.Registry == nil {
		return ErrInvalidConfig
	}
	if c.Timeout < 0 || c.CheckInterval < 0 || c.MaxSkew < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultMonitorConfig returns configuration with sensible defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Timeout:       15 * time.Second,
		CheckInterval: 1 * time.Second,
		MaxSkew:       30 * time.Second,
	}
}
