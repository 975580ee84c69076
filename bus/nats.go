package bus

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vinayprograms/agentbus/logging"
)

// NATSBus is a MessageBus backed by a NATS connection. Registry and state
// stores built on JetStream share the same connection through Conn.
type NATSBus struct {
	conn   *nats.Conn
	config NATSConfig
	owned  bool

	mu     sync.Mutex
	subs   map[*natsSubscription]struct{}
	closed atomic.Bool

	dropped atomic.Uint64
}

// NATSConfig configures the connection.
type NATSConfig struct {
	Config

	URL  string
	Name string

	Token    string
	User     string
	Password string

	// MaxReconnects of -1 retries forever.
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectTimeout time.Duration

	// DrainTimeout bounds Close. In-flight callbacks finish and pending
	// publishes are flushed before the connection closes.
	DrainTimeout time.Duration

	// Logger receives connection state changes. Nil discards them.
	Logger *logging.Logger
}

// DefaultNATSConfig returns a config for a local server that reconnects
// indefinitely.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Config:         DefaultConfig(),
		URL:            nats.DefaultURL,
		MaxReconnects:  -1,
		ReconnectWait:  2 * time.Second,
		ConnectTimeout: 5 * time.Second,
		DrainTimeout:   5 * time.Second,
	}
}

// NewNATSBus dials cfg.URL.
func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	cfg = cfg.withDefaults()
	b := &NATSBus{config: cfg, owned: true, subs: make(map[*natsSubscription]struct{})}

	conn, err := nats.Connect(cfg.URL, b.options()...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", cfg.URL, err)
	}
	b.conn = conn
	return b, nil
}

// NewNATSBusFromConn wraps a connection the caller owns. Close releases the
// bus's subscriptions but leaves conn open.
func NewNATSBusFromConn(conn *nats.Conn, cfg NATSConfig) *NATSBus {
	return &NATSBus{
		conn:   conn,
		config: cfg.withDefaults(),
		subs:   make(map[*natsSubscription]struct{}),
	}
}

func (cfg NATSConfig) withDefaults() NATSConfig {
	def := DefaultNATSConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	return cfg
}

func (b *NATSBus) options() []nats.Option {
	cfg := b.config
	log := logging.Discard()
	if cfg.Logger != nil {
		log = cfg.Logger.WithComponent("nats")
	}
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DrainTimeout(cfg.DrainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("disconnected", logging.Fields{"error": err.Error()})
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("reconnected", logging.Fields{"url": c.ConnectedUrl()})
		}),
		nats.ErrorHandler(func(_ *nats.Conn, s *nats.Subscription, err error) {
			f := logging.Fields{"error": err.Error()}
			if s != nil {
				f["subject"] = s.Subject
			}
			log.Warn("async_error", f)
		}),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	switch {
	case cfg.Token != "":
		opts = append(opts, nats.Token(cfg.Token))
	case cfg.User != "":
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	return opts
}

func (b *NATSBus) usable() error {
	if b.closed.Load() || b.conn.IsClosed() {
		return ErrClosed
	}
	return nil
}

// Publish sends data on subject. While reconnecting, NATS buffers the
// publish rather than failing it.
func (b *NATSBus) Publish(subject string, data []byte) error {
	if err := ValidatePublishSubject(subject); err != nil {
		return err
	}
	if err := b.usable(); err != nil {
		return err
	}
	if err := b.conn.Publish(subject, data); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return ErrClosed
		}
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe opens a plain subscription on a subject pattern.
func (b *NATSBus) Subscribe(subject string) (Subscription, error) {
	return b.subscribe(subject, "")
}

// QueueSubscribe joins a queue group on a subject pattern.
func (b *NATSBus) QueueSubscribe(subject, queue string) (Subscription, error) {
	if queue == "" {
		return nil, ErrInvalidSubject
	}
	return b.subscribe(subject, queue)
}

func (b *NATSBus) subscribe(subject, queue string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if err := b.usable(); err != nil {
		return nil, err
	}

	sub := &natsSubscription{bus: b, ch: make(chan *Message, b.config.BufferSize)}
	var (
		ns  *nats.Subscription
		err error
	)
	if queue == "" {
		ns, err = b.conn.Subscribe(subject, sub.deliver)
	} else {
		ns, err = b.conn.QueueSubscribe(subject, queue, sub.deliver)
	}
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	sub.sub = ns

	b.mu.Lock()
	if b.subs == nil {
		b.mu.Unlock()
		sub.end()
		return nil, ErrClosed
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}

// Request sends data and waits for one reply. A missing responder is
// reported as ErrNoResponders without waiting out the timeout.
func (b *NATSBus) Request(subject string, data []byte, timeout time.Duration) (*Message, error) {
	if err := ValidatePublishSubject(subject); err != nil {
		return nil, err
	}
	if err := b.usable(); err != nil {
		return nil, err
	}

	reply, err := b.conn.Request(subject, data, timeout)
	switch {
	case err == nil:
		return &Message{Subject: reply.Subject, Data: reply.Data, Reply: reply.Reply}, nil
	case errors.Is(err, nats.ErrNoResponders):
		return nil, ErrNoResponders
	case errors.Is(err, nats.ErrTimeout):
		return nil, ErrTimeout
	case errors.Is(err, nats.ErrConnectionClosed):
		return nil, ErrClosed
	default:
		return nil, fmt.Errorf("nats request %s: %w", subject, err)
	}
}

// Dropped counts messages discarded because a subscriber's buffer was full.
func (b *NATSBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close ends every subscription and, when the bus dialed the connection
// itself, drains and closes it.
func (b *NATSBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for sub := range subs {
		sub.end()
	}

	if !b.owned {
		return nil
	}
	if err := b.conn.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		b.conn.Close()
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

// Conn exposes the connection for JetStream-backed stores.
func (b *NATSBus) Conn() *nats.Conn {
	return b.conn
}

type natsSubscription struct {
	bus *NATSBus
	sub *nats.Subscription

	// mu serialises deliver against end so a callback never sends on a
	// closed channel.
	mu     sync.Mutex
	closed bool
	ch     chan *Message
}

func (s *natsSubscription) deliver(m *nats.Msg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- &Message{Subject: m.Subject, Data: m.Data, Reply: m.Reply}:
	default:
		s.bus.dropped.Add(1)
	}
}

func (s *natsSubscription) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe is idempotent and safe after the bus has closed.
func (s *natsSubscription) Unsubscribe() error {
	b := s.bus
	b.mu.Lock()
	if b.subs != nil {
		delete(b.subs, s)
	}
	b.mu.Unlock()
	return s.end()
}

func (s *natsSubscription) end() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	if err := s.sub.Unsubscribe(); err != nil &&
		!errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
		return fmt.Errorf("nats unsubscribe: %w", err)
	}
	return nil
}
