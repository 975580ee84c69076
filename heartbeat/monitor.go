package heartbeat

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/agentbus/bus"
	"github.com/vinayprograms/agentbus/logging"
	"github.com/vinayprograms/agentbus/registry"
)

// Monitor keeps registry liveness current. Heartbeats bump LastSeen and
// carry status changes; agents with no interaction for Timeout are marked
// unreachable. Any interaction counts, so agents that only poll their
// mailbox stay reachable without sending heartbeats.
type Monitor struct {
	registry      registry.Registry
	bus           bus.MessageBus
	queue         string
	timeout       time.Duration
	checkInterval time.Duration
	maxSkew       time.Duration
	logger        *logging.Logger
	now           func() time.Time

	mu      sync.RWMutex
	last    map[string]*Heartbeat
	deadCBs []func(string)

	running atomic.Bool
	sub     bus.Subscription
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewMonitor creates a liveness monitor.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	def := DefaultMonitorConfig()
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.MaxSkew == 0 {
		cfg.MaxSkew = def.MaxSkew
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Monitor{
		registry:      cfg.Registry,
		bus:           cfg.Bus,
		queue:         cfg.Queue,
		timeout:       cfg.Timeout,
		checkInterval: cfg.CheckInterval,
		maxSkew:       cfg.MaxSkew,
		logger:        cfg.Logger,
		now:           cfg.Clock,
		last:          make(map[string]*Heartbeat),
	}, nil
}

// Start subscribes to heartbeats (when a bus is configured) and begins
// the periodic staleness check.
func (m *Monitor) Start() error {
	if m.running.Swap(true) {
		return ErrAlreadyStarted
	}

	if m.bus != nil {
		var (
			sub bus.Subscription
			err error
		)
		if m.queue != "" {
			sub, err = m.bus.QueueSubscribe(SubjectPrefix+"*", m.queue)
		} else {
			sub, err = m.bus.Subscribe(SubjectPrefix + "*")
		}
		if err != nil {
			m.running.Store(false)
			return err
		}
		m.sub = sub
	}

	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.run()
	return nil
}

func (m *Monitor) run() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	var msgs <-chan *bus.Message
	if m.sub != nil {
		msgs = m.sub.Messages()
	}

	for {
		select {
		case <-m.stopCh:
			return
		case msg, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			m.processMessage(msg)
		case <-ticker.C:
			m.CheckOnce()
		}
	}
}

func (m *Monitor) processMessage(msg *bus.Message) {
	hb, err := Unmarshal(msg.Data)
	if err != nil {
		m.logger.Debug("heartbeat_malformed", logging.Fields{"subject": msg.Subject, "error": err})
		return
	}

	// The subject names the agent; a payload naming another one is spoofed.
	subjectID := strings.TrimPrefix(msg.Subject, SubjectPrefix)
	if hb.AgentID == "" {
		hb.AgentID = subjectID
	}
	if hb.AgentID != subjectID {
		m.logger.Warn("heartbeat_spoofed", logging.Fields{"subject": msg.Subject, "agent": hb.AgentID})
		return
	}

	if err := m.Receive(hb); err != nil {
		m.logger.Debug("heartbeat_rejected", logging.Fields{"agent": hb.AgentID, "error": err})
	}
}

// Receive records one heartbeat. Replayed or out-of-order heartbeats
// return ErrStale, timestamps beyond MaxSkew return ErrFutureTimestamp,
// and heartbeats from unregistered agents return ErrUnknownAgent.
func (m *Monitor) Receive(hb *Heartbeat) error {
	if err := hb.Validate(); err != nil {
		return err
	}
	if hb.Timestamp.After(m.now().Add(m.maxSkew)) {
		return ErrFutureTimestamp
	}

	m.mu.Lock()
	if prev, ok := m.last[hb.AgentID]; ok && !hb.Timestamp.After(prev.Timestamp) {
		m.mu.Unlock()
		return ErrStale
	}
	m.last[hb.AgentID] = hb
	m.mu.Unlock()

	reg, err := m.registry.Resolve(hb.AgentID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return ErrUnknownAgent
		}
		return err
	}

	// Status changes go through UpdateStatus; plain beats only Touch so
	// watchers are not notified on every heartbeat.
	if hb.Status != "" && hb.Status != reg.Status {
		_, err = m.registry.UpdateStatus(hb.AgentID, hb.Status, hb.Metadata)
	} else {
		err = m.registry.Touch(hb.AgentID)
	}
	if errors.Is(err, registry.ErrNotFound) {
		return ErrUnknownAgent
	}
	return err
}

// CheckOnce marks agents unreachable whose LastSeen is older than the
// timeout and returns their IDs. OnDead callbacks run for each.
func (m *Monitor) CheckOnce() []string {
	regs, err := m.registry.List(nil)
	if err != nil {
		if !errors.Is(err, registry.ErrClosed) {
			m.logger.Warn("liveness_check_failed", logging.Fields{"error": err})
		}
		return nil
	}

	now := m.now()
	var dead []string
	for _, reg := range regs {
		if reg.Status == registry.StatusUnreachable || now.Sub(reg.LastSeen) <= m.timeout {
			continue
		}
		_, err := m.registry.UpdateStatus(reg.ID, registry.StatusUnreachable, map[string]string{
			"unreachable_reason": "heartbeat timeout",
		})
		if err != nil {
			// Unregistered between List and UpdateStatus.
			continue
		}
		m.logger.Warn("agent_unreachable", logging.Fields{
			"agent":     reg.ID,
			"last_seen": reg.LastSeen.Format(time.RFC3339),
		})
		dead = append(dead, reg.ID)
	}

	if len(dead) == 0 {
		return nil
	}
	m.mu.RLock()
	callbacks := make([]func(string), len(m.deadCBs))
	copy(callbacks, m.deadCBs)
	m.mu.RUnlock()

	for _, id := range dead {
		for _, cb := range callbacks {
			cb(id)
		}
	}
	return dead
}

// IsAlive reports whether the agent is registered, not unreachable, and
// was seen within timeout.
func (m *Monitor) IsAlive(agentID string, timeout time.Duration) bool {
	reg, err := m.registry.Resolve(agentID)
	if err != nil {
		return false
	}
	return reg.Status != registry.StatusUnreachable && m.now().Sub(reg.LastSeen) <= timeout
}

// LastHeartbeat returns the last accepted heartbeat from an agent, if any.
func (m *Monitor) LastHeartbeat(agentID string) *Heartbeat {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last[agentID]
}

// Forget drops the stored heartbeat for an agent, typically after it
// unregisters.
func (m *Monitor) Forget(agentID string) {
	m.mu.Lock()
	delete(m.last, agentID)
	m.mu.Unlock()
}

// OnDead registers a callback for agents the monitor marks unreachable.
func (m *Monitor) OnDead(callback func(agentID string)) {
	m.mu.Lock()
	m.deadCBs = append(m.deadCBs, callback)
	m.mu.Unlock()
}

// Stop stops monitoring.
func (m *Monitor) Stop() error {
	if !m.running.Swap(false) {
		return ErrNotStarted
	}
	if m.sub != nil {
		m.sub.Unsubscribe()
	}
	close(m.stopCh)
	<-m.doneCh
	return nil
}
