package registry

import (
	"sort"
	"sync"
	"time"
)

// MemoryRegistry is an in-memory implementation of Registry.
// Suitable for testing and single-node deployments.
type MemoryRegistry struct {
	mu       sync.RWMutex
	agents   map[string]Registration
	watchers []chan Event
	closed   bool
	now      func() time.Time
}

// MemoryConfig configures the in-memory registry.
type MemoryConfig struct {
	// Clock overrides time.Now. Used by tests.
	Clock func() time.Time
}

// NewMemoryRegistry creates a new in-memory registry.
func NewMemoryRegistry(cfg MemoryConfig) *MemoryRegistry {
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &MemoryRegistry{
		agents: make(map[string]Registration),
		now:    now,
	}
}

// Register adds or updates an agent in the registry.
func (r *MemoryRegistry) Register(id, endpoint string, opts ...Option) (*Registration, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	var existing *Registration
	if prev, ok := r.agents[id]; ok {
		existing = &prev
	}

	reg, err := applyRegister(existing, id, endpoint, r.now(), opts)
	if err != nil {
		return nil, err
	}
	r.agents[id] = reg

	eventType := EventAdded
	if existing != nil {
		eventType = EventUpdated
	}
	r.notifyWatchers(Event{Type: eventType, Agent: reg.clone()})

	out := reg.clone()
	return &out, nil
}

// Unregister removes an agent from the registry.
func (r *MemoryRegistry) Unregister(id string) error {
	if id == "" {
		return ErrInvalidID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	reg, exists := r.agents[id]
	if !exists {
		return ErrNotFound
	}

	delete(r.agents, id)
	r.notifyWatchers(Event{Type: EventRemoved, Agent: reg})

	return nil
}

// UpdateStatus sets an agent's status and merges metadata.
func (r *MemoryRegistry) UpdateStatus(id string, status Status, metadata map[string]string) (*Registration, error) {
	if !validStatus(status) {
		return nil, ErrInvalidStatus
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	reg, exists := r.agents[id]
	if !exists {
		return nil, ErrNotFound
	}

	reg = reg.clone()
	applyStatus(&reg, status, metadata, r.now())
	r.agents[id] = reg
	r.notifyWatchers(Event{Type: EventUpdated, Agent: reg.clone()})

	out := reg.clone()
	return &out, nil
}

// Touch bumps LastSeen.
func (r *MemoryRegistry) Touch(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	reg, exists := r.agents[id]
	if !exists {
		return ErrNotFound
	}

	wasUnreachable := reg.Status == StatusUnreachable
	applyTouch(&reg, r.now())
	r.agents[id] = reg

	// Plain heartbeats are too frequent to be worth an event.
	if wasUnreachable {
		r.notifyWatchers(Event{Type: EventUpdated, Agent: reg.clone()})
	}
	return nil
}

// Resolve retrieves a specific agent by ID.
func (r *MemoryRegistry) Resolve(id string) (*Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrClosed
	}

	reg, exists := r.agents[id]
	if !exists {
		return nil, ErrNotFound
	}

	out := reg.clone()
	return &out, nil
}

// List returns all agents matching the filter.
func (r *MemoryRegistry) List(filter *Filter) ([]Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrClosed
	}

	var result []Registration
	for _, reg := range r.agents {
		if MatchesFilter(reg, filter) {
			result = append(result, reg.clone())
		}
	}

	// Sort by ID for consistent ordering
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})

	return result, nil
}

// Watch returns a channel of registry events.
func (r *MemoryRegistry) Watch() (<-chan Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	ch := make(chan Event, 64)
	r.watchers = append(r.watchers, ch)

	return ch, nil
}

// Close shuts down the registry.
func (r *MemoryRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	r.closed = true

	// Close all watcher channels
	for _, ch := range r.watchers {
		close(ch)
	}
	r.watchers = nil

	return nil
}

// notifyWatchers sends an event to all watchers.
// Must be called with lock held.
func (r *MemoryRegistry) notifyWatchers(event Event) {
	for _, ch := range r.watchers {
		select {
		case ch <- event:
		default:
			// Channel full, skip
		}
	}
}
