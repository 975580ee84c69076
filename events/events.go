// Package events dispatches bus events to observers registered on one
// courier instance.
//
// There is no global listener list: every Dispatcher owns its observers.
// Observers run synchronously in registration order on the goroutine that
// emitted the event. A panicking observer is recovered and logged and the
// remaining observers still run.
package events

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/vinayprograms/agentbus/logging"
)

// Type names an event kind.
type Type string

const (
	MessageSent       Type = "message.sent"
	MessageRejected   Type = "message.rejected"
	MessageEvicted    Type = "mailbox.evicted"
	MessageRemoved    Type = "mailbox.removed"
	DeliveryConfirmed Type = "delivery.confirmed"
	DeliveryTimeout   Type = "delivery.timeout"
	MessageResent     Type = "delivery.resent"
	PushDelivered     Type = "push.delivered"
	TransportFailure  Type = "transport.failure"
	AgentRegistered   Type = "agent.registered"
	AgentUpdated      Type = "agent.updated"
	AgentUnregistered Type = "agent.unregistered"
	AgentUnreachable  Type = "agent.unreachable"
	TaskTransitioned  Type = "task.transitioned"
	TaskIgnored       Type = "task.ignored"
)

// Event is a bus notification. Fields that do not apply to a Type are empty.
type Event struct {
	Type      Type              `json:"type"`
	Time      time.Time         `json:"time"`
	MessageID string            `json:"message_id,omitempty"`
	From      string            `json:"from,omitempty"`
	To        string            `json:"to,omitempty"`
	AgentID   string            `json:"agent_id,omitempty"`
	TaskID    string            `json:"task_id,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Attempts  int               `json:"attempts,omitempty"`
	Error     string            `json:"error,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
}

// Marshal serializes the event to JSON.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal deserializes an event from JSON.
func Unmarshal(data []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(data, &e)
	return e, err
}

// Observer receives events.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe calls f(e).
func (f ObserverFunc) Observe(e Event) { f(e) }

type subscription struct {
	id       uint64
	observer Observer
	types    map[Type]bool
}

func (s *subscription) wants(t Type) bool {
	return len(s.types) == 0 || s.types[t]
}

// Dispatcher fans events out to observers. Safe for concurrent use.
type Dispatcher struct {
	mu     sync.RWMutex
	subs   []*subscription
	nextID uint64

	logger *logging.Logger
	now    func() time.Time
}

// NewDispatcher creates a dispatcher. A nil logger discards output.
func NewDispatcher(logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dispatcher{logger: logger, now: time.Now}
}

// Subscribe registers o for the given types, or for every type when none
// are given. The returned function removes the subscription.
func (d *Dispatcher) Subscribe(o Observer, types ...Type) (unsubscribe func()) {
	sub := &subscription{observer: o}
	if len(types) > 0 {
		sub.types = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	d.mu.Lock()
	d.nextID++
	sub.id = d.nextID
	d.subs = append(d.subs, sub)
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.remove(sub.id) })
	}
}

func (d *Dispatcher) remove(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, s := range d.subs {
		if s.id == id {
			// Copy so in-flight Emit snapshots stay valid.
			subs := make([]*subscription, 0, len(d.subs)-1)
			subs = append(subs, d.subs[:i]...)
			d.subs = append(subs, d.subs[i+1:]...)
			return
		}
	}
}

// Len returns the number of subscriptions.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}

// Emit delivers e to every interested observer. Time is set if zero.
func (d *Dispatcher) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = d.now().UTC()
	}

	d.mu.RLock()
	subs := d.subs
	d.mu.RUnlock()

	for _, s := range subs {
		if s.wants(e.Type) {
			d.deliver(s.observer, e)
		}
	}
}

func (d *Dispatcher) deliver(o Observer, e Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.ObserverPanic(string(e.Type), r)
		}
	}()
	o.Observe(e)
}

// Types lists every event type, sorted.
func Types() []Type {
	all := []Type{
		MessageSent, MessageRejected, MessageEvicted, MessageRemoved,
		DeliveryConfirmed, DeliveryTimeout, MessageResent, PushDelivered,
		TransportFailure, AgentRegistered, AgentUpdated, AgentUnregistered,
		AgentUnreachable, TaskTransitioned, TaskIgnored,
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	return all
}
