package mailbox

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/agentbus/message"
	"github.com/vinayprograms/agentbus/schema"
)

// storeFactory builds a fresh store for one subtest.
type storeFactory func(t *testing.T, cfg Config) Store

// fakeClock is a settable clock shared by the store and the test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// newMsg builds message n from "A" to "B", n seconds after the clock start.
func newMsg(clock *fakeClock, n int) *message.Message {
	m := message.New("A", "B", schema.Announcement, map[string]any{
		"title":   fmt.Sprintf("m%d", n),
		"message": "hello",
	})
	m.Timestamp = clock.Now().Add(time.Duration(n) * time.Second)
	m.ExpiresAt = m.Timestamp.Add(time.Hour)
	return m
}

func titles(msgs []*message.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i], _ = m.Payload["title"].(string)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func runStoreContract(t *testing.T, factory storeFactory) {
	ctx := context.Background()

	t.Run("AppendDrainNewestFirst", func(t *testing.T) {
		clock := newFakeClock()
		s := factory(t, Config{MaxMessagesPerAgent: 10, Clock: clock.Now})

		for i := 1; i <= 3; i++ {
			if _, err := s.Append(ctx, "B", newMsg(clock, i)); err != nil {
				t.Fatalf("Append: %v", err)
			}
		}

		got, err := s.Drain(ctx, "B", message.Filter{})
		if err != nil {
			t.Fatalf("Drain: %v", err)
		}
		if want := []string{"m3", "m2", "m1"}; !equalStrings(titles(got), want) {
			t.Errorf("Drain = %v, want %v", titles(got), want)
		}

		got, _ = s.Drain(ctx, "B", message.Filter{Oldest: true, Limit: 2})
		if want := []string{"m1", "m2"}; !equalStrings(titles(got), want) {
			t.Errorf("Drain oldest = %v, want %v", titles(got), want)
		}

		// Draining does not consume.
		if n, _ := s.Len(ctx, "B"); n != 3 {
			t.Errorf("Len = %d, want 3", n)
		}
	})

	t.Run("CapacityEvictsOldest", func(t *testing.T) {
		clock := newFakeClock()
		const max = 5
		s := factory(t, Config{MaxMessagesPerAgent: max, Clock: clock.Now})

		var evicted []string
		var ids []string
		for i := 1; i <= max+5; i++ {
			m := newMsg(clock, i)
			ids = append(ids, m.ID)
			ev, err := s.Append(ctx, "B", m)
			if err != nil {
				t.Fatalf("Append: %v", err)
			}
			evicted = append(evicted, ev...)

			if n, _ := s.Len(ctx, "B"); n > max {
				t.Fatalf("Len = %d exceeds cap %d", n, max)
			}
		}

		if !equalStrings(evicted, ids[:5]) {
			t.Errorf("evicted = %v, want the first five", evicted)
		}

		got, _ := s.Drain(ctx, "B", message.Filter{Oldest: true})
		if want := []string{"m6", "m7", "m8", "m9", "m10"}; !equalStrings(titles(got), want) {
			t.Errorf("retained = %v, want %v", titles(got), want)
		}
	})

	t.Run("AppendDuplicateIDIsNoop", func(t *testing.T) {
		clock := newFakeClock()
		s := factory(t, Config{MaxMessagesPerAgent: 10, Clock: clock.Now})

		m := newMsg(clock, 1)
		s.Append(ctx, "B", m)
		if _, err := s.Append(ctx, "B", m); err != nil {
			t.Fatalf("duplicate Append: %v", err)
		}
		if n, _ := s.Len(ctx, "B"); n != 1 {
			t.Errorf("Len = %d, want 1", n)
		}
	})

	t.Run("KeepsConfirmationSettings", func(t *testing.T) {
		clock := newFakeClock()
		s := factory(t, Config{MaxMessagesPerAgent: 10, Clock: clock.Now})

		m := newMsg(clock, 1)
		m.RequiresConfirmation = true
		m.ConfirmationTimeout = 45 * time.Second
		if _, err := s.Append(ctx, "B", m); err != nil {
			t.Fatal(err)
		}
		got, err := s.Get(ctx, "B", m.ID)
		if err != nil {
			t.Fatal(err)
		}
		if !got.RequiresConfirmation || got.ConfirmationTimeout != 45*time.Second {
			t.Errorf("got confirmation %v / %v, want true / 45s", got.RequiresConfirmation, got.ConfirmationTimeout)
		}
	})

	t.Run("MailboxesAreIndependent", func(t *testing.T) {
		clock := newFakeClock()
		s := factory(t, Config{MaxMessagesPerAgent: 2, Clock: clock.Now})

		for i := 1; i <= 3; i++ {
			s.Append(ctx, "B", newMsg(clock, i))
		}
		s.Append(ctx, "C", newMsg(clock, 9))

		if n, _ := s.Len(ctx, "B"); n != 2 {
			t.Errorf("Len(B) = %d, want 2", n)
		}
		if n, _ := s.Len(ctx, "C"); n != 1 {
			t.Errorf("Len(C) = %d, want 1", n)
		}
		if got, _ := s.Drain(ctx, "nobody", message.Filter{}); len(got) != 0 {
			t.Errorf("Drain(nobody) = %d messages", len(got))
		}
	})

	t.Run("DrainFilters", func(t *testing.T) {
		clock := newFakeClock()
		s := factory(t, Config{MaxMessagesPerAgent: 10, Clock: clock.Now})

		m1 := newMsg(clock, 1)
		m2 := newMsg(clock, 2)
		m2.From = "C"
		m2.Priority = message.PriorityUrgent
		m3 := message.New("A", "B", schema.Alert, map[string]any{"alertId": "x", "message": "m", "severity": "high"})
		m3.Timestamp = clock.Now().Add(3 * time.Second)
		for _, m := range []*message.Message{m1, m2, m3} {
			s.Append(ctx, "B", m)
		}

		tests := []struct {
			name   string
			filter message.Filter
			want   []string
		}{
			{"type", message.Filter{Type: schema.Alert}, []string{m3.ID}},
			{"from", message.Filter{From: "C"}, []string{m2.ID}},
			{"priority", message.Filter{Priority: message.PriorityUrgent}, []string{m2.ID}},
			{"since", message.Filter{Since: m2.Timestamp}, []string{m3.ID, m2.ID}},
			{"limit", message.Filter{Limit: 1}, []string{m3.ID}},
		}
		for _, tt := range tests {
			got, err := s.Drain(ctx, "B", tt.filter)
			if err != nil {
				t.Fatalf("%s: Drain: %v", tt.name, err)
			}
			ids := make([]string, len(got))
			for i, m := range got {
				ids[i] = m.ID
			}
			if !equalStrings(ids, tt.want) {
				t.Errorf("%s: Drain = %v, want %v", tt.name, ids, tt.want)
			}
		}
	})

	t.Run("MarkRead", func(t *testing.T) {
		clock := newFakeClock()
		s := factory(t, Config{MaxMessagesPerAgent: 10, Clock: clock.Now})

		m := newMsg(clock, 1)
		s.Append(ctx, "B", m)

		got, _ := s.Drain(ctx, "B", message.Filter{})
		if got[0].ReadAt != nil {
			t.Error("ReadAt set without MarkRead")
		}

		got, _ = s.Drain(ctx, "B", message.Filter{MarkRead: true})
		if got[0].ReadAt == nil {
			t.Fatal("ReadAt not set on returned message")
		}
		first := *got[0].ReadAt

		clock.Advance(time.Minute)
		stored, err := s.Get(ctx, "B", m.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if stored.ReadAt == nil || !stored.ReadAt.Equal(first) {
			t.Errorf("stored ReadAt = %v, want %v", stored.ReadAt, first)
		}
	})

	t.Run("AcknowledgeAndRetry", func(t *testing.T) {
		clock := newFakeClock()
		s := factory(t, Config{MaxMessagesPerAgent: 10, Clock: clock.Now})

		m := newMsg(clock, 1)
		m.RequiresConfirmation = true
		s.Append(ctx, "B", m)

		r, err := s.IncrementRetry(ctx, "B", m.ID)
		if err != nil {
			t.Fatalf("IncrementRetry: %v", err)
		}
		if r.RetryCount != 1 {
			t.Errorf("RetryCount = %d", r.RetryCount)
		}

		at := clock.Now()
		acked, err := s.MarkAcknowledged(ctx, "B", m.ID, at)
		if err != nil {
			t.Fatalf("MarkAcknowledged: %v", err)
		}
		if acked.AcknowledgedAt == nil || !acked.AcknowledgedAt.Equal(at) {
			t.Errorf("AcknowledgedAt = %v", acked.AcknowledgedAt)
		}
		if acked.ReadAt == nil {
			t.Error("acknowledging should also mark read")
		}

		again, _ := s.MarkAcknowledged(ctx, "B", m.ID, at.Add(time.Hour))
		if !again.AcknowledgedAt.Equal(at) {
			t.Error("second acknowledgment overwrote the first")
		}

		pending, _ := s.Drain(ctx, "B", message.Filter{Unacknowledged: true})
		if len(pending) != 0 {
			t.Errorf("Unacknowledged drain = %d messages", len(pending))
		}

		if _, err := s.MarkAcknowledged(ctx, "B", "missing", at); err != ErrNotFound {
			t.Errorf("MarkAcknowledged(missing) = %v", err)
		}
		if _, err := s.IncrementRetry(ctx, "X", m.ID); err != ErrNotFound {
			t.Errorf("IncrementRetry(wrong agent) = %v", err)
		}
	})

	t.Run("RemoveIsIdempotent", func(t *testing.T) {
		clock := newFakeClock()
		s := factory(t, Config{MaxMessagesPerAgent: 10, Clock: clock.Now})

		m := newMsg(clock, 1)
		s.Append(ctx, "B", m)

		removed, err := s.Remove(ctx, "B", m.ID)
		if err != nil || !removed {
			t.Fatalf("Remove = %v, %v", removed, err)
		}
		removed, err = s.Remove(ctx, "B", m.ID)
		if err != nil || removed {
			t.Errorf("second Remove = %v, %v; want false, nil", removed, err)
		}
		removed, err = s.Remove(ctx, "nobody", "nothing")
		if err != nil || removed {
			t.Errorf("Remove(unknown) = %v, %v", removed, err)
		}
		if _, err := s.Get(ctx, "B", m.ID); err != ErrNotFound {
			t.Errorf("Get after Remove = %v", err)
		}
	})

	t.Run("ExpiredMessagesVanish", func(t *testing.T) {
		clock := newFakeClock()
		s := factory(t, Config{MaxMessagesPerAgent: 10, Clock: clock.Now})

		short := newMsg(clock, 1)
		short.ExpiresAt = clock.Now().Add(time.Minute)
		long := newMsg(clock, 2)
		other := newMsg(clock, 3)
		other.ExpiresAt = clock.Now().Add(time.Minute)
		s.Append(ctx, "B", short)
		s.Append(ctx, "B", long)
		s.Append(ctx, "C", other)

		clock.Advance(2 * time.Minute)

		// Hidden from readers before any sweep.
		got, _ := s.Drain(ctx, "B", message.Filter{})
		if want := []string{"m2"}; !equalStrings(titles(got), want) {
			t.Errorf("Drain before sweep = %v, want %v", titles(got), want)
		}
		if _, err := s.Get(ctx, "B", short.ID); err != ErrNotFound {
			t.Errorf("Get(expired) = %v", err)
		}

		evicted, err := s.EvictExpired(ctx, clock.Now())
		if err != nil {
			t.Fatalf("EvictExpired: %v", err)
		}
		if len(evicted) != 2 {
			t.Fatalf("evicted %d messages, want 2: %+v", len(evicted), evicted)
		}
		if evicted[0].AgentID != "B" || evicted[0].MessageID != short.ID || evicted[0].Reason != EvictExpired {
			t.Errorf("evicted[0] = %+v", evicted[0])
		}
		if n, _ := s.Len(ctx, "B"); n != 1 {
			t.Errorf("Len(B) after sweep = %d, want 1", n)
		}
		if n, _ := s.Len(ctx, "C"); n != 0 {
			t.Errorf("Len(C) after sweep = %d, want 0", n)
		}
	})

	t.Run("ConcurrentAppendKeepsCap", func(t *testing.T) {
		clock := newFakeClock()
		const max = 20
		s := factory(t, Config{MaxMessagesPerAgent: max, Clock: clock.Now})

		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 15; i++ {
					agent := fmt.Sprintf("agent-%d", w%2)
					if _, err := s.Append(ctx, agent, newMsg(clock, i)); err != nil {
						t.Error(err)
						return
					}
				}
			}(w)
		}
		wg.Wait()

		for _, agent := range []string{"agent-0", "agent-1"} {
			if n, _ := s.Len(ctx, agent); n != max {
				t.Errorf("Len(%s) = %d, want %d", agent, n, max)
			}
		}
	})

	t.Run("InvalidInput", func(t *testing.T) {
		clock := newFakeClock()
		s := factory(t, Config{Clock: clock.Now})

		if _, err := s.Append(ctx, "", newMsg(clock, 1)); err != ErrInvalidAgent {
			t.Errorf("Append(empty agent) = %v", err)
		}
		if _, err := s.Append(ctx, "B", nil); err != ErrInvalid {
			t.Errorf("Append(nil) = %v", err)
		}
	})

	t.Run("Closed", func(t *testing.T) {
		clock := newFakeClock()
		s := factory(t, Config{Clock: clock.Now})
		s.Close()

		if _, err := s.Append(ctx, "B", newMsg(clock, 1)); err != ErrClosed {
			t.Errorf("Append after Close = %v", err)
		}
		if _, err := s.Drain(ctx, "B", message.Filter{}); err != ErrClosed {
			t.Errorf("Drain after Close = %v", err)
		}
		if err := s.Close(); err != nil {
			t.Errorf("second Close = %v", err)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T, cfg Config) Store {
		s := NewMemoryStore(cfg)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := NewMemoryStore(Config{Clock: clock.Now})
	defer s.Close()

	m := newMsg(clock, 1)
	s.Append(ctx, "B", m)
	m.Payload["title"] = "mutated after append"

	got, _ := s.Drain(ctx, "B", message.Filter{})
	got[0].Payload["title"] = "mutated after drain"

	again, _ := s.Get(ctx, "B", m.ID)
	if again.Payload["title"] != "m1" {
		t.Errorf("stored payload = %v", again.Payload["title"])
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.MaxMessagesPerAgent != DefaultMaxMessagesPerAgent || cfg.Clock == nil {
		t.Errorf("withDefaults = %+v", cfg)
	}
}
