package mailbox

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/agentbus/logging"
)

// DefaultSweepInterval is used when NewSweeper receives a non-positive interval.
const DefaultSweepInterval = time.Minute

// Sweeper runs EvictExpired on a fixed interval until stopped.
type Sweeper struct {
	store    Store
	interval time.Duration
	onEvict  func([]Eviction)
	logger   *logging.Logger
	now      func() time.Time

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	stopMu  sync.Mutex
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithEvictionHandler is called after every sweep that evicted messages.
func WithEvictionHandler(fn func([]Eviction)) SweeperOption {
	return func(s *Sweeper) { s.onEvict = fn }
}

// WithSweeperLogger sets the logger. Default: discard.
func WithSweeperLogger(l *logging.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = l }
}

// WithSweeperClock overrides time.Now.
func WithSweeperClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

// NewSweeper creates a sweeper for store. Call Start to begin sweeping.
func NewSweeper(store Store, interval time.Duration, opts ...SweeperOption) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	s := &Sweeper{
		store:    store,
		interval: interval,
		logger:   logging.Discard(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins sweeping in a background goroutine. Calling Start on a
// running sweeper does nothing.
func (s *Sweeper) Start() {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()

	if s.running.Swap(true) {
		return
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run(s.stopCh, s.doneCh)
}

// Stop halts the sweeper and waits for an in-progress sweep to finish.
func (s *Sweeper) Stop() {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()

	if !s.running.Swap(false) {
		return
	}
	close(s.stopCh)
	<-s.doneCh
}

func (s *Sweeper) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			go func() {
				select {
				case <-stopCh:
					cancel()
				case <-ctx.Done():
				}
			}()
			s.SweepOnce(ctx)
			cancel()
		}
	}
}

// SweepOnce runs a single eviction pass and reports evictions.
func (s *Sweeper) SweepOnce(ctx context.Context) ([]Eviction, error) {
	evicted, err := s.store.EvictExpired(ctx, s.now())
	if err != nil && err != ErrClosed {
		s.logger.Warn("eviction pass failed", logging.Fields{"error": err, "evicted": len(evicted)})
	}

	for _, e := range evicted {
		s.logger.MessageEvicted(e.AgentID, e.MessageID, string(e.Reason))
	}
	if len(evicted) > 0 && s.onEvict != nil {
		s.onEvict(evicted)
	}
	return evicted, err
}
