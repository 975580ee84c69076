package bus

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryBus is a single-process MessageBus. Subject matching, queue groups
// and request/reply follow NATS semantics, so a node without a NATS server
// still runs the heartbeat monitor, bus push endpoints and event forwarding.
//
// Deliveries never block the publisher: a subscriber whose buffer is full
// misses the message and the drop is counted in Stats.
type MemoryBus struct {
	bufferSize int

	mu     sync.RWMutex
	subs   map[string][]*memorySub // pattern -> plain subscribers
	groups map[string]*queueGroup  // pattern + "|" + queue -> members
	closed atomic.Bool

	replyMu  sync.Mutex
	inboxes  map[string]chan *Message
	inboxSeq atomic.Uint64

	published atomic.Uint64
	dropped   atomic.Uint64
}

type memorySub struct {
	pattern string
	group   *queueGroup
	ch      chan *Message
	closed  atomic.Bool
	bus     *MemoryBus
}

// queueGroup hands each message to one member, rotating the starting member
// so load spreads evenly. Members with a full buffer are skipped.
type queueGroup struct {
	pattern string
	queue   string
	members []*memorySub
	next    atomic.Uint32
}

// MemoryStats counts bus traffic since creation.
type MemoryStats struct {
	Subscriptions int
	Published     uint64
	Dropped       uint64
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	return &MemoryBus{
		bufferSize: cfg.BufferSize,
		subs:       make(map[string][]*memorySub),
		groups:     make(map[string]*queueGroup),
		inboxes:    make(map[string]chan *Message),
	}
}

// Publish delivers data to every matching subscriber and to one member of
// each matching queue group.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	if err := ValidatePublishSubject(subject); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}
	b.published.Add(1)
	msg := &Message{Subject: subject, Data: data}
	if b.answer(subject, msg) {
		return nil
	}
	b.dispatch(msg)
	return nil
}

// dispatch fans msg out and reports how many subscribers were offered it.
// The read lock is held for the whole fan-out so Unsubscribe cannot close
// a channel mid-send.
func (b *MemoryBus) dispatch(msg *Message) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	offered := 0
	for pattern, subs := range b.subs {
		if !MatchSubject(pattern, msg.Subject) {
			continue
		}
		for _, sub := range subs {
			if sub.offer(msg) {
				offered++
			}
		}
	}
	for _, g := range b.groups {
		if MatchSubject(g.pattern, msg.Subject) && b.deliverGroup(g, msg) {
			offered++
		}
	}
	return offered
}

// offer attempts a non-blocking send. It returns false only for a closed
// subscription; a full buffer counts as a drop.
func (s *memorySub) offer(msg *Message) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.ch <- msg:
	default:
		s.bus.dropped.Add(1)
	}
	return true
}

func (b *MemoryBus) deliverGroup(g *queueGroup, msg *Message) bool {
	n := len(g.members)
	if n == 0 {
		return false
	}
	start := int(g.next.Add(1)-1) % n
	live := false
	for i := 0; i < n; i++ {
		sub := g.members[(start+i)%n]
		if sub.closed.Load() {
			continue
		}
		live = true
		select {
		case sub.ch <- msg:
			return true
		default:
		}
	}
	if live {
		b.dropped.Add(1)
	}
	return live
}

// answer routes a publish on a request inbox to the waiting requester.
func (b *MemoryBus) answer(subject string, msg *Message) bool {
	b.replyMu.Lock()
	ch, ok := b.inboxes[subject]
	delete(b.inboxes, subject)
	b.replyMu.Unlock()
	if ok {
		ch <- msg
	}
	return ok
}

// Subscribe registers a plain subscription on a subject pattern.
func (b *MemoryBus) Subscribe(subject string) (Subscription, error) {
	sub, err := b.subscribe(subject, "")
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// QueueSubscribe joins the named queue group on a subject pattern.
func (b *MemoryBus) QueueSubscribe(subject, queue string) (Subscription, error) {
	if queue == "" {
		return nil, ErrInvalidSubject
	}
	sub, err := b.subscribe(subject, queue)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (b *MemoryBus) subscribe(pattern, queue string) (*memorySub, error) {
	if err := ValidateSubject(pattern); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySub{pattern: pattern, ch: make(chan *Message, b.bufferSize), bus: b}
	if queue == "" {
		b.subs[pattern] = append(b.subs[pattern], sub)
		return sub, nil
	}
	key := pattern + "|" + queue
	g := b.groups[key]
	if g == nil {
		g = &queueGroup{pattern: pattern, queue: queue}
		b.groups[key] = g
	}
	g.members = append(g.members, sub)
	sub.group = g
	return sub, nil
}

// Request publishes data with a private reply inbox and waits for the first
// reply. It fails fast with ErrNoResponders when nothing is subscribed.
func (b *MemoryBus) Request(subject string, data []byte, timeout time.Duration) (*Message, error) {
	if err := ValidatePublishSubject(subject); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	inbox := b.newInbox()
	replyCh := make(chan *Message, 1)
	b.replyMu.Lock()
	b.inboxes[inbox] = replyCh
	b.replyMu.Unlock()
	forget := func() {
		b.replyMu.Lock()
		delete(b.inboxes, inbox)
		b.replyMu.Unlock()
	}

	b.published.Add(1)
	if b.dispatch(&Message{Subject: subject, Data: data, Reply: inbox}) == 0 {
		forget()
		return nil, ErrNoResponders
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-replyCh:
		return reply, nil
	case <-timer.C:
		forget()
		return nil, ErrTimeout
	}
}

func (b *MemoryBus) newInbox() string {
	return "_INBOX." + strconv.FormatUint(b.inboxSeq.Add(1), 10)
}

// Stats returns traffic counters.
func (b *MemoryBus) Stats() MemoryStats {
	b.mu.RLock()
	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	for _, g := range b.groups {
		n += len(g.members)
	}
	b.mu.RUnlock()
	return MemoryStats{Subscriptions: n, Published: b.published.Load(), Dropped: b.dropped.Load()}
}

// Close ends every subscription. Further calls return ErrClosed.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Swap(true) {
		return nil
	}
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.end()
		}
	}
	for _, g := range b.groups {
		for _, sub := range g.members {
			sub.end()
		}
	}
	b.subs = nil
	b.groups = nil
	return nil
}

func (s *memorySub) end() {
	if !s.closed.Swap(true) {
		close(s.ch)
	}
}

// Messages returns the delivery channel. It is closed by Unsubscribe or
// when the bus closes.
func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe removes the subscription. It is safe to call more than once
// and after the bus has closed.
func (s *memorySub) Unsubscribe() error {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed.Load() {
		return nil
	}

	if s.group == nil {
		b.subs[s.pattern] = without(b.subs[s.pattern], s)
		if len(b.subs[s.pattern]) == 0 {
			delete(b.subs, s.pattern)
		}
	} else {
		g := s.group
		g.members = without(g.members, s)
		if len(g.members) == 0 {
			delete(b.groups, g.pattern+"|"+g.queue)
		}
	}
	s.end()
	return nil
}

func without(subs []*memorySub, target *memorySub) []*memorySub {
	out := subs[:0:0]
	for _, s := range subs {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}
