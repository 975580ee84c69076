package registry

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common errors.
var (
	ErrNotFound      = errors.New("agent not found")
	ErrClosed        = errors.New("registry closed")
	ErrInvalidID     = errors.New("invalid agent ID")
	ErrInvalidStatus = errors.New("invalid agent status")
)

// Status represents an agent's reachability.
type Status string

const (
	StatusActive      Status = "active"
	StatusIdle        Status = "idle"
	StatusUnreachable Status = "unreachable"
)

// ParseStatus parses a status name.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusActive, StatusIdle, StatusUnreachable:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
}

// Registration is the bus's record of one agent.
type Registration struct {
	// ID uniquely identifies the agent.
	ID string `json:"id"`

	// Endpoint tells the bus how to reach the agent. See ParseEndpoint.
	Endpoint string `json:"endpoint,omitempty"`

	Status Status `json:"status"`

	// Capabilities are labels used for broadcast filtering.
	Capabilities []string `json:"capabilities,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`

	// LastSeen is bumped on every interaction with the agent.
	LastSeen time.Time `json:"last_seen"`

	RegisteredAt time.Time `json:"registered_at"`
}

func (r Registration) clone() Registration {
	c := r
	c.Capabilities = append([]string(nil), r.Capabilities...)
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// Option adjusts a registration during Register.
type Option func(*Registration)

// WithCapabilities replaces the capability labels.
func WithCapabilities(caps ...string) Option {
	return func(r *Registration) {
		r.Capabilities = normalizeCapabilities(caps)
	}
}

// WithMetadata replaces the metadata map.
func WithMetadata(md map[string]string) Option {
	return func(r *Registration) {
		r.Metadata = make(map[string]string, len(md))
		for k, v := range md {
			r.Metadata[k] = v
		}
	}
}

// WithStatus sets the initial status. Default: active.
func WithStatus(s Status) Option {
	return func(r *Registration) {
		r.Status = s
	}
}

// Filter specifies criteria for listing agents.
type Filter struct {
	// Capabilities keeps agents holding at least one of these labels.
	Capabilities []string

	// Status keeps agents in exactly this status. Empty means all.
	Status Status

	// Exclude drops these agent IDs.
	Exclude []string
}

// EventType represents the type of registry event.
type EventType string

const (
	EventAdded   EventType = "added"
	EventUpdated EventType = "updated"
	EventRemoved EventType = "removed"
)

// Event represents a change in the registry.
type Event struct {
	Type EventType

	// Agent is the registration after the change.
	// For removal events, this is the last known state.
	Agent Registration
}

// Registry provides agent registration and resolution.
type Registry interface {
	// Register adds or updates an agent. Re-registering keeps RegisteredAt,
	// replaces the endpoint and resets LastSeen.
	Register(id, endpoint string, opts ...Option) (*Registration, error)

	// Unregister removes an agent. Returns ErrNotFound if it doesn't exist.
	// Messages already queued for the agent are left alone.
	Unregister(id string) error

	// UpdateStatus sets the status, merges metadata and bumps LastSeen.
	UpdateStatus(id string, status Status, metadata map[string]string) (*Registration, error)

	// Touch bumps LastSeen. An unreachable agent becomes active again.
	Touch(id string) error

	// Resolve returns the registration for id, or ErrNotFound.
	Resolve(id string) (*Registration, error)

	// List returns agents matching the optional filter, sorted by ID.
	List(filter *Filter) ([]Registration, error)

	// Watch returns a channel of registry events.
	// The channel is closed when the registry is closed.
	Watch() (<-chan Event, error)

	// Close shuts down the registry.
	Close() error
}

// ValidateID checks that id is usable as a registry key on every backend.
func ValidateID(id string) error {
	if id == "" || len(id) > 256 {
		return ErrInvalidID
	}
	if strings.HasPrefix(id, ".") || strings.HasSuffix(id, ".") {
		return ErrInvalidID
	}
	if strings.ContainsAny(id, " \t\r\n*>") {
		return ErrInvalidID
	}
	return nil
}

func validStatus(s Status) bool {
	return s == StatusActive || s == StatusIdle || s == StatusUnreachable
}

// MatchesFilter checks if a registration matches the filter criteria.
func MatchesFilter(r Registration, filter *Filter) bool {
	if filter == nil {
		return true
	}

	if filter.Status != "" && r.Status != filter.Status {
		return false
	}

	if len(filter.Capabilities) > 0 && !HasAnyCapability(r, filter.Capabilities) {
		return false
	}

	for _, id := range filter.Exclude {
		if id == r.ID {
			return false
		}
	}

	return true
}

// applyRegister builds the registration stored by Register.
func applyRegister(existing *Registration, id, endpoint string, now time.Time, opts []Option) (Registration, error) {
	reg := Registration{ID: id, RegisteredAt: now}
	if existing != nil {
		reg = existing.clone()
	}
	reg.Endpoint = endpoint
	reg.Status = StatusActive
	reg.LastSeen = now

	for _, opt := range opts {
		opt(&reg)
	}
	if !validStatus(reg.Status) {
		return Registration{}, ErrInvalidStatus
	}
	if _, _, err := ParseEndpoint(endpoint); err != nil {
		return Registration{}, err
	}
	return reg, nil
}

func applyStatus(reg *Registration, status Status, metadata map[string]string, now time.Time) {
	reg.Status = status
	if len(metadata) > 0 && reg.Metadata == nil {
		reg.Metadata = make(map[string]string, len(metadata))
	}
	for k, v := range metadata {
		reg.Metadata[k] = v
	}
	reg.LastSeen = now
}

func applyTouch(reg *Registration, now time.Time) {
	if reg.Status == StatusUnreachable {
		reg.Status = StatusActive
	}
	reg.LastSeen = now
}
