package events

import (
	"github.com/vinayprograms/agentbus/bus"
	"github.com/vinayprograms/agentbus/logging"
)

// DefaultSubjectPrefix is prepended to the event type to form the subject.
const DefaultSubjectPrefix = "agentbus.events."

// BusForwarder publishes events on a message bus so processes other than
// the courier can observe them.
type BusForwarder struct {
	bus    bus.MessageBus
	prefix string
	logger *logging.Logger
}

// NewBusForwarder creates a forwarder. An empty prefix uses
// DefaultSubjectPrefix.
func NewBusForwarder(b bus.MessageBus, prefix string, logger *logging.Logger) *BusForwarder {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &BusForwarder{bus: b, prefix: prefix, logger: logger}
}

// Subject returns the subject an event type is published on.
func (f *BusForwarder) Subject(t Type) string {
	return f.prefix + string(t)
}

// Observe publishes e. Publish failures are logged, never returned.
func (f *BusForwarder) Observe(e Event) {
	data, err := e.Marshal()
	if err != nil {
		f.logger.Warn("encode event failed", logging.Fields{"type": e.Type, "error": err})
		return
	}
	if err := f.bus.Publish(f.Subject(e.Type), data); err != nil {
		f.logger.Warn("publish event failed", logging.Fields{"type": e.Type, "error": err})
	}
}
