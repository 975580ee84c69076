package shutdown

import (
	"context"
	"errors"
	"time"

	"github.com/vinayprograms/agentbus/logging"
)

var (
	// ErrAlreadyShutdown is returned by Shutdown while another call is in
	// progress.
	ErrAlreadyShutdown = errors.New("shutdown already initiated")

	// ErrTimeout is returned when the context ends before every phase ran.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed is returned when at least one handler failed.
	ErrHandlerFailed = errors.New("one or more handlers failed")

	ErrInvalidConfig = errors.New("invalid configuration")
)

// Phases of a bus process, in shutdown order. Handlers in the same phase
// run concurrently.
const (
	// PhaseIngress stops the gateway so no new sends arrive.
	PhaseIngress = 10

	// PhaseLiveness stops heartbeat senders and monitors.
	PhaseLiveness = 20

	// PhaseCourier cancels confirmation timers and the sweeper and waits
	// for in-flight pushes.
	PhaseCourier = 30

	// PhaseStorage closes mailbox stores, the registry and bus connections.
	PhaseStorage = 40

	// PhaseTelemetry flushes exported spans.
	PhaseTelemetry = 50
)

// ShutdownHandler is implemented by components that need graceful shutdown.
// The context is cancelled when the shutdown timeout is reached.
type ShutdownHandler interface {
	OnShutdown(ctx context.Context) error
}

// ShutdownFunc adapts a function to ShutdownHandler.
type ShutdownFunc func(ctx context.Context) error

// OnShutdown implements ShutdownHandler.
func (f ShutdownFunc) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// HandlerResult is the outcome of one handler.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// ShutdownResult is the outcome of a complete shutdown.
type ShutdownResult struct {
	TotalDuration time.Duration
	Results       []HandlerResult

	// Err is nil when every handler succeeded.
	Err error
}

// Failed reports whether any handler failed.
func (r *ShutdownResult) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of handlers that failed.
func (r *ShutdownResult) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures the shutdown coordinator.
type Config struct {
	// Timeout bounds shutdowns started by a signal or ShutdownWithTimeout(0).
	// Default: 30 seconds
	Timeout time.Duration

	// DefaultPhase is assigned by Register. Default: PhaseCourier
	DefaultPhase int

	// ContinueOnError runs later phases after a handler fails.
	ContinueOnError bool

	// OnProgress is called as each handler completes.
	OnProgress func(result HandlerResult)

	// Logger records each handler result. Defaults to discarding.
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Timeout < 0 || c.DefaultPhase < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		DefaultPhase:    PhaseCourier,
		ContinueOnError: true,
	}
}

type registration struct {
	name    string
	handler ShutdownHandler
	phase   int
}
