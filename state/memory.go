package state

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore implements StateStore using in-memory storage.
// Useful for testing and single-process scenarios.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string]*entry
	revision uint64
	closed   atomic.Bool
}

type entry struct {
	value    []byte
	revision uint64
	created  time.Time
	modified time.Time
}

// NewMemoryStore creates a new in-memory state store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]*entry),
	}
}

func (s *MemoryStore) check(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

// Get retrieves the entry for key.
func (s *MemoryStore) Get(ctx context.Context, key string) (*KeyValue, error) {
	if err := s.check(ctx, key); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}

	// Return a copy to prevent mutation
	val := make([]byte, len(e.value))
	copy(val, e.value)

	return &KeyValue{
		Key:      key,
		Value:    val,
		Revision: e.revision,
		Created:  e.created,
		Modified: e.modified,
	}, nil
}

// Create stores value if key is absent.
func (s *MemoryStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := s.check(ctx, key); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; ok {
		return 0, ErrExists
	}

	now := time.Now()
	s.revision++
	s.data[key] = &entry{
		value:    append([]byte(nil), value...),
		revision: s.revision,
		created:  now,
		modified: now,
	}
	return s.revision, nil
}

// Update replaces value if the stored revision equals rev.
func (s *MemoryStore) Update(ctx context.Context, key string, value []byte, rev uint64) (uint64, error) {
	if err := s.check(ctx, key); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok || e.revision != rev {
		return 0, ErrRevisionMismatch
	}

	s.revision++
	e.value = append([]byte(nil), value...)
	e.revision = s.revision
	e.modified = time.Now()
	return s.revision, nil
}

// Delete removes a key.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := s.check(ctx, key); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

// Keys returns all keys matching a pattern.
func (s *MemoryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for key := range s.data {
		if MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close shuts down the store.
func (s *MemoryStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.mu.Lock()
	s.data = nil
	s.mu.Unlock()
	return nil
}
