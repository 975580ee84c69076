package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/vinayprograms/agentbus/logging"
)

// Coordinator runs registered handlers phase by phase, exactly once.
type Coordinator struct {
	config Config
	logger *logging.Logger

	mu       sync.Mutex
	handlers []registration
	started  bool
	done     chan struct{}
	result   *ShutdownResult
	signals  chan os.Signal
}

// NewCoordinator creates a shutdown coordinator.
func NewCoordinator(config Config) *Coordinator {
	def := DefaultConfig()
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.DefaultPhase == 0 {
		config.DefaultPhase = def.DefaultPhase
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	return &Coordinator{
		config:  config,
		logger:  logger,
		done:    make(chan struct{}),
		signals: make(chan os.Signal, 1),
	}
}

// Register adds a handler in the default phase.
func (c *Coordinator) Register(name string, handler ShutdownHandler) {
	c.RegisterWithPhase(name, handler, c.config.DefaultPhase)
}

// RegisterWithPhase adds a handler to a phase. Lower phases run first.
// Handlers registered after shutdown started are not called.
func (c *Coordinator) RegisterWithPhase(name string, handler ShutdownHandler, phase int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, registration{name: name, handler: handler, phase: phase})
}

// RegisterFunc registers a function in the default phase.
func (c *Coordinator) RegisterFunc(name string, fn func(ctx context.Context) error) {
	c.Register(name, ShutdownFunc(fn))
}

// RegisterFuncWithPhase registers a function in a phase.
func (c *Coordinator) RegisterFuncWithPhase(name string, fn func(ctx context.Context) error, phase int) {
	c.RegisterWithPhase(name, ShutdownFunc(fn), phase)
}

// Shutdown runs every phase. Later calls wait for the first to finish and
// return its error; a call made while it is still running returns
// ErrAlreadyShutdown.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		select {
		case <-c.done:
			return c.result.Err
		default:
			return ErrAlreadyShutdown
		}
	}
	c.started = true
	handlers := make([]registration, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	result := c.run(ctx, handlers)

	c.mu.Lock()
	c.result = result
	c.mu.Unlock()
	close(c.done)
	return result.Err
}

// ShutdownWithTimeout runs Shutdown bounded by timeout, or by the
// configured Timeout when timeout is zero.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.config.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals starts a shutdown on the first SIGTERM or SIGINT.
func (c *Coordinator) HandleSignals() {
	signal.Notify(c.signals, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		select {
		case sig := <-c.signals:
			c.logger.Info("shutdown_signal", logging.Fields{"signal": sig.String()})
			c.ShutdownWithTimeout(0)
		case <-c.done:
		}
		signal.Stop(c.signals)
	}()
}

// Trigger starts a signal-driven shutdown without a real signal.
func (c *Coordinator) Trigger() {
	select {
	case c.signals <- syscall.SIGTERM:
	default:
	}
}

// Done is closed when shutdown completes.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err returns the shutdown error once Done is closed, nil before.
func (c *Coordinator) Err() error {
	if r := c.Result(); r != nil {
		return r.Err
	}
	return nil
}

// Result returns the detailed result once Done is closed, nil before.
func (c *Coordinator) Result() *ShutdownResult {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.result
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context, handlers []registration) *ShutdownResult {
	start := time.Now()
	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})

	result := &ShutdownResult{Results: make([]HandlerResult, 0, len(handlers))}
	finish := func(err error) *ShutdownResult {
		result.Err = err
		result.TotalDuration = time.Since(start)
		c.logger.Info("shutdown_complete", logging.Fields{
			"duration": result.TotalDuration.String(),
			"failed":   len(result.FailedHandlers()),
		})
		return result
	}

	var failed error
	for _, group := range groupByPhase(handlers) {
		if ctx.Err() != nil {
			return finish(ErrTimeout)
		}

		phaseResults := c.runPhase(ctx, group)
		result.Results = append(result.Results, phaseResults...)
		for _, hr := range phaseResults {
			if hr.Err == nil {
				continue
			}
			failed = ErrHandlerFailed
			if !c.config.ContinueOnError {
				return finish(failed)
			}
		}
	}
	return finish(failed)
}

func (c *Coordinator) runPhase(ctx context.Context, handlers []registration) []HandlerResult {
	results := make([]HandlerResult, len(handlers))
	var wg sync.WaitGroup

	for i, reg := range handlers {
		wg.Add(1)
		go func(i int, reg registration) {
			defer wg.Done()

			start := time.Now()
			err := reg.handler.OnShutdown(ctx)
			hr := HandlerResult{
				Name:     reg.name,
				Phase:    reg.phase,
				Duration: time.Since(start),
				Err:      err,
			}
			results[i] = hr

			fields := logging.Fields{"handler": hr.Name, "phase": hr.Phase, "duration": hr.Duration.String()}
			if err != nil {
				fields["error"] = err
				c.logger.Warn("shutdown_handler_failed", fields)
			} else {
				c.logger.Debug("shutdown_handler_done", fields)
			}
			if c.config.OnProgress != nil {
				c.config.OnProgress(hr)
			}
		}(i, reg)
	}

	wg.Wait()
	return results
}

// groupByPhase splits phase-sorted handlers into runs of equal phase.
func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	for i := 0; i < len(handlers); {
		j := i + 1
		for j < len(handlers) && handlers[j].phase == handlers[i].phase {
			j++
		}
		groups = append(groups, handlers[i:j])
		i = j
	}
	return groups
}
