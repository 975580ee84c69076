package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/agentbus/bus"
	"github.com/vinayprograms/agentbus/registry"
)

// Sender publishes periodic heartbeats for one agent. Agents that connect
// over the bus run one; gateway clients use the agentbus.heartbeat method
// instead.
type Sender struct {
	bus      bus.MessageBus
	agentID  string
	interval time.Duration

	mu       sync.RWMutex
	status   registry.Status
	load     float64
	metadata map[string]string
	lastErr  error
	failures int

	// nudge asks the loop for an out-of-cycle beat so status changes
	// reach the monitor without waiting a full interval.
	nudge   chan struct{}
	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSender creates a heartbeat sender.
func NewSender(cfg SenderConfig) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	def := DefaultSenderConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.InitialStatus == "" {
		cfg.InitialStatus = def.InitialStatus
	}

	return &Sender{
		bus:      cfg.Bus,
		agentID:  cfg.AgentID,
		interval: cfg.Interval,
		status:   cfg.InitialStatus,
		metadata: make(map[string]string),
		nudge:    make(chan struct{}, 1),
	}, nil
}

// Start begins sending heartbeats, the first one immediately.
func (s *Sender) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run(ctx)
	return nil
}

func (s *Sender) run(ctx context.Context) {
	defer close(s.doneCh)

	s.beat()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.running.Store(false)
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.beat()
		case <-s.nudge:
			s.beat()
			ticker.Reset(s.interval)
		}
	}
}

func (s *Sender) beat() {
	hb := s.Heartbeat()
	data, err := hb.Marshal()
	if err == nil {
		err = s.bus.Publish(hb.Subject(), data)
	}
	s.mu.Lock()
	s.lastErr = err
	if err != nil {
		s.failures++
	} else {
		s.failures = 0
	}
	s.mu.Unlock()
}

// Heartbeat builds a heartbeat from the current state.
func (s *Sender) Heartbeat() *Heartbeat {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hb := &Heartbeat{
		AgentID:   s.agentID,
		Timestamp: time.Now().UTC(),
		Status:    s.status,
		Load:      s.load,
	}
	if len(s.metadata) > 0 {
		hb.Metadata = make(map[string]string, len(s.metadata))
		for k, v := range s.metadata {
			hb.Metadata[k] = v
		}
	}
	return hb
}

// SetStatus updates the reported status (active or idle). A change is
// published straight away when the sender is running.
func (s *Sender) SetStatus(status registry.Status) {
	s.mu.Lock()
	changed := s.status != status
	s.status = status
	s.mu.Unlock()

	if changed && s.running.Load() {
		select {
		case s.nudge <- struct{}{}:
		default:
		}
	}
}

// SetLoad updates the load metric, clamped to [0, 1].
func (s *Sender) SetLoad(load float64) {
	if load < 0 {
		load = 0
	}
	if load > 1 {
		load = 1
	}
	s.mu.Lock()
	s.load = load
	s.mu.Unlock()
}

// SetMetadata updates a metadata field.
func (s *Sender) SetMetadata(key, value string) {
	s.mu.Lock()
	s.metadata[key] = value
	s.mu.Unlock()
}

// LastError returns the error from the most recent publish, if any.
func (s *Sender) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// ConsecutiveFailures counts publishes that have failed since the last
// successful one.
func (s *Sender) ConsecutiveFailures() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failures
}

// Stop stops sending heartbeats.
func (s *Sender) Stop() error {
	if !s.running.Swap(false) {
		return ErrNotStarted
	}
	close(s.stopCh)
	<-s.doneCh
	return nil
}

// AgentID returns the sender's agent ID.
func (s *Sender) AgentID() string {
	return s.agentID
}
