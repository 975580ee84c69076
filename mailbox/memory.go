package mailbox

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/agentbus/message"
)

// MemoryStore keeps mailboxes in process memory.
//
// The store-level lock only guards the map of mailboxes; each mailbox has
// its own mutex, so traffic to one agent never blocks another.
type MemoryStore struct {
	cfg    Config
	mu     sync.RWMutex
	boxes  map[string]*box
	closed atomic.Bool
}

type box struct {
	mu   sync.Mutex
	msgs []*message.Message // append order, oldest first
}

func (b *box) index(messageID string) int {
	for i, m := range b.msgs {
		if m.ID == messageID {
			return i
		}
	}
	return -1
}

// NewMemoryStore creates an in-memory mailbox store.
func NewMemoryStore(cfg Config) *MemoryStore {
	return &MemoryStore{
		cfg:   cfg.withDefaults(),
		boxes: make(map[string]*box),
	}
}

func (s *MemoryStore) lookup(agentID string, create bool) *box {
	s.mu.RLock()
	b := s.boxes[agentID]
	s.mu.RUnlock()
	if b != nil || !create {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b = s.boxes[agentID]; b == nil {
		b = &box{}
		s.boxes[agentID] = b
	}
	return b
}

func (s *MemoryStore) check(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

// Append adds msg to agentID's mailbox.
func (s *MemoryStore) Append(ctx context.Context, agentID string, msg *message.Message) ([]string, error) {
	if err := validate(agentID, msg); err != nil {
		return nil, err
	}
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	b := s.lookup(agentID, true)
	b.mu.Lock()
	defer b.mu.Unlock()

	// Re-appending a stored ID is a no-op.
	if b.index(msg.ID) >= 0 {
		return nil, nil
	}
	b.msgs = append(b.msgs, msg.Clone())

	var evicted []string
	if over := len(b.msgs) - s.cfg.MaxMessagesPerAgent; over > 0 {
		for _, m := range b.msgs[:over] {
			evicted = append(evicted, m.ID)
		}
		// Copy so the evicted head can be collected.
		b.msgs = append([]*message.Message(nil), b.msgs[over:]...)
	}
	return evicted, nil
}

// Drain returns messages matching filter.
func (s *MemoryStore) Drain(ctx context.Context, agentID string, filter message.Filter) ([]*message.Message, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	b := s.lookup(agentID, false)
	if b == nil {
		return nil, nil
	}

	now := s.cfg.Clock()
	b.mu.Lock()
	defer b.mu.Unlock()

	selected := selectMessages(b.msgs, filter, now)
	out := make([]*message.Message, len(selected))
	for i, m := range selected {
		if filter.MarkRead && m.ReadAt == nil {
			t := now.UTC()
			m.ReadAt = &t
		}
		out[i] = m.Clone()
	}
	return out, nil
}

// Get returns one message.
func (s *MemoryStore) Get(ctx context.Context, agentID, messageID string) (*message.Message, error) {
	var out *message.Message
	err := s.withMessage(ctx, agentID, messageID, func(m *message.Message) {
		out = m.Clone()
	})
	return out, err
}

// MarkAcknowledged records the acknowledgment time.
func (s *MemoryStore) MarkAcknowledged(ctx context.Context, agentID, messageID string, at time.Time) (*message.Message, error) {
	var out *message.Message
	err := s.withMessage(ctx, agentID, messageID, func(m *message.Message) {
		at = at.UTC()
		if m.AcknowledgedAt == nil {
			m.AcknowledgedAt = &at
		}
		if m.ReadAt == nil {
			m.ReadAt = &at
		}
		out = m.Clone()
	})
	return out, err
}

// IncrementRetry bumps RetryCount.
func (s *MemoryStore) IncrementRetry(ctx context.Context, agentID, messageID string) (*message.Message, error) {
	var out *message.Message
	err := s.withMessage(ctx, agentID, messageID, func(m *message.Message) {
		m.RetryCount++
		out = m.Clone()
	})
	return out, err
}

// withMessage runs fn on the stored message under its mailbox lock.
func (s *MemoryStore) withMessage(ctx context.Context, agentID, messageID string, fn func(*message.Message)) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	b := s.lookup(agentID, false)
	if b == nil {
		return ErrNotFound
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	i := b.index(messageID)
	if i < 0 || b.msgs[i].Expired(s.cfg.Clock()) {
		return ErrNotFound
	}
	fn(b.msgs[i])
	return nil
}

// Remove deletes a message.
func (s *MemoryStore) Remove(ctx context.Context, agentID, messageID string) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}

	b := s.lookup(agentID, false)
	if b == nil {
		return false, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	i := b.index(messageID)
	if i < 0 {
		return false, nil
	}
	b.msgs = append(b.msgs[:i], b.msgs[i+1:]...)
	return true, nil
}

// EvictExpired deletes expired messages, one mailbox at a time.
func (s *MemoryStore) EvictExpired(ctx context.Context, now time.Time) ([]Eviction, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	ids := make([]string, 0, len(s.boxes))
	boxes := make([]*box, 0, len(s.boxes))
	for id, b := range s.boxes {
		ids = append(ids, id)
		boxes = append(boxes, b)
	}
	s.mu.RUnlock()

	var evicted []Eviction
	for i, b := range boxes {
		if err := ctx.Err(); err != nil {
			return evicted, err
		}

		b.mu.Lock()
		kept := b.msgs[:0]
		for _, m := range b.msgs {
			if m.Expired(now) {
				evicted = append(evicted, Eviction{AgentID: ids[i], MessageID: m.ID, Reason: EvictExpired})
				continue
			}
			kept = append(kept, m)
		}
		// Clear the tail so dropped messages can be collected.
		for j := len(kept); j < len(b.msgs); j++ {
			b.msgs[j] = nil
		}
		b.msgs = kept
		b.mu.Unlock()
	}

	sortEvictions(evicted)
	return evicted, nil
}

// Len returns the number of stored messages for agentID.
func (s *MemoryStore) Len(ctx context.Context, agentID string) (int, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}

	b := s.lookup(agentID, false)
	if b == nil {
		return 0, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs), nil
}

// Close marks the store closed and drops all mailboxes.
func (s *MemoryStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.mu.Lock()
	s.boxes = make(map[string]*box)
	s.mu.Unlock()
	return nil
}
