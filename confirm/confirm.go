package confirm

import (
	"sort"
	"sync"
	"time"

	"github.com/vinayprograms/agentbus/logging"
)

// DefaultTimeout is used when Arm receives a non-positive timeout.
const DefaultTimeout = 30 * time.Second

// EventType distinguishes how a record resolved.
type EventType string

const (
	EventConfirmed EventType = "delivery.confirmed"
	EventTimeout   EventType = "delivery.timeout"
)

// Record is one outstanding confirmation.
type Record struct {
	MessageID string    `json:"message_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	CreatedAt time.Time `json:"created_at"`
	Deadline  time.Time `json:"deadline"`
}

// Event reports the resolution of a record.
type Event struct {
	Type   EventType `json:"type"`
	Record Record    `json:"record"`
	At     time.Time `json:"at"`
}

// Handler receives resolution events. It runs on the goroutine that
// resolved the record: the caller of Confirm, or the timer goroutine.
type Handler func(Event)

type entry struct {
	rec   Record
	timer *time.Timer
}

// Tracker holds pending confirmations. Safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]*entry
	closed  bool

	handler Handler
	logger  *logging.Logger
	now     func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithHandler sets the resolution handler.
func WithHandler(h Handler) Option {
	return func(t *Tracker) { t.handler = h }
}

// WithLogger sets the logger. Default: discard.
func WithLogger(l *logging.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithClock overrides time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New creates an empty tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		pending: make(map[string]*entry),
		logger:  logging.Discard(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Arm starts the confirmation timer for messageID. Arming an ID that is
// already pending, or arming after Close, does nothing and returns false.
func (t *Tracker) Arm(messageID, from, to string, timeout time.Duration) bool {
	if messageID == "" {
		return false
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false
	}
	if _, ok := t.pending[messageID]; ok {
		return false
	}

	now := t.now()
	e := &entry{rec: Record{
		MessageID: messageID,
		From:      from,
		To:        to,
		CreatedAt: now,
		Deadline:  now.Add(timeout),
	}}
	e.timer = time.AfterFunc(timeout, func() { t.expire(e) })
	t.pending[messageID] = e
	return true
}

// Confirm resolves messageID as confirmed. Returns false when the ID is not
// pending, including when its timeout already fired.
func (t *Tracker) Confirm(messageID string) bool {
	t.mu.Lock()
	e, ok := t.pending[messageID]
	if ok {
		delete(t.pending, messageID)
		e.timer.Stop()
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	t.emit(Event{Type: EventConfirmed, Record: e.rec, At: t.now()})
	return true
}

func (t *Tracker) expire(e *entry) {
	t.mu.Lock()
	// The ID may have been confirmed and re-armed since this timer started.
	current, ok := t.pending[e.rec.MessageID]
	if !ok || current != e {
		t.mu.Unlock()
		return
	}
	delete(t.pending, e.rec.MessageID)
	t.mu.Unlock()

	t.logger.DeliveryTimedOut(e.rec.MessageID, e.rec.From, e.rec.To)
	t.emit(Event{Type: EventTimeout, Record: e.rec, At: t.now()})
}

func (t *Tracker) emit(ev Event) {
	if t.handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.logger.ObserverPanic(string(ev.Type), r)
		}
	}()
	t.handler(ev)
}

// Pending returns a snapshot of outstanding records ordered by deadline.
func (t *Tracker) Pending() []Record {
	t.mu.Lock()
	out := make([]Record, 0, len(t.pending))
	for _, e := range t.pending {
		out = append(out, e.rec)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Deadline.Equal(out[j].Deadline) {
			return out[i].MessageID < out[j].MessageID
		}
		return out[i].Deadline.Before(out[j].Deadline)
	})
	return out
}

// IsPending reports whether messageID awaits confirmation.
func (t *Tracker) IsPending(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[messageID]
	return ok
}

// Len returns the number of outstanding records.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Close stops every pending timer without emitting events. Later Arm calls
// are no-ops. Close is idempotent and returns the number of records dropped.
func (t *Tracker) Close() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0
	}
	t.closed = true

	n := len(t.pending)
	for id, e := range t.pending {
		e.timer.Stop()
		delete(t.pending, id)
	}
	return n
}
