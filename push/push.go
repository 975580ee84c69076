// Package push delivers mailbox messages to agents that registered a push
// endpoint.
//
// Two endpoint kinds are supported: webhooks (an HTTP POST of the message
// JSON) and bus subjects (the CBOR-encoded message published on a
// bus.MessageBus). Each delivery is retried a bounded number of times with
// exponential backoff. Pushing never removes the message from the mailbox;
// the recipient still acknowledges and removes it through the courier.
package push

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/propagation"

	"github.com/vinayprograms/agentbus/auth"
	"github.com/vinayprograms/agentbus/bus"
	buserrors "github.com/vinayprograms/agentbus/errors"
	"github.com/vinayprograms/agentbus/logging"
	"github.com/vinayprograms/agentbus/message"
	"github.com/vinayprograms/agentbus/registry"
	"github.com/vinayprograms/agentbus/telemetry"
)

// Common errors.
var (
	ErrNotPushable = errors.New("agent has no push endpoint")
	ErrNoBus       = errors.New("no message bus configured for bus endpoints")
)

// Headers set on webhook requests.
const (
	HeaderMessageID   = "X-Agentbus-Message-Id"
	HeaderMessageType = "X-Agentbus-Type"
	HeaderAttempt     = "X-Agentbus-Attempt"
)

// Config holds push retry settings.
type Config struct {
	// MaxAttempts bounds delivery attempts per message. Default: 3
	MaxAttempts int

	// InitialBackoff is the wait after the first failure. Default: 200ms
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential backoff. Default: 5s
	MaxBackoff time.Duration

	// Timeout bounds one HTTP attempt. Default: 10s
	Timeout time.Duration
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Timeout:        10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	return c
}

// Backoff returns the wait before attempt n+1 after n failures (n >= 1).
func (c Config) Backoff(n int) time.Duration {
	d := c.InitialBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	return d
}

// Pusher delivers messages to push endpoints. Safe for concurrent use.
type Pusher struct {
	cfg    Config
	client *http.Client
	bus    bus.MessageBus
	signer *auth.Signer
	tracer *telemetry.Tracer
	logger *logging.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// Option configures a Pusher.
type Option func(*Pusher)

// WithHTTPClient sets the client used for webhooks.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Pusher) { p.client = c }
}

// WithBus enables bus: endpoints.
func WithBus(b bus.MessageBus) Option {
	return func(p *Pusher) { p.bus = b }
}

// WithSigner attaches a bearer token to every webhook request.
func WithSigner(s *auth.Signer) Option {
	return func(p *Pusher) { p.signer = s }
}

// WithTracer sets the tracer. Default: global tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(p *Pusher) { p.tracer = t }
}

// WithLogger sets the logger. Default: discard.
func WithLogger(l *logging.Logger) Option {
	return func(p *Pusher) { p.logger = l }
}

// New creates a pusher.
func New(cfg Config, opts ...Option) *Pusher {
	cfg = cfg.withDefaults()
	p := &Pusher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		tracer: telemetry.GetTracer(),
		logger: logging.Discard(),
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// permanentError stops the retry loop.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Deliver pushes msg to the agent's endpoint. It returns the number of
// attempts made. After exhaustion the error is a TRANSPORT_FAILURE.
func (p *Pusher) Deliver(ctx context.Context, agent registry.Registration, msg *message.Message) (int, error) {
	kind, target, err := registry.ParseEndpoint(agent.Endpoint)
	if err != nil {
		return 0, buserrors.TransportFailure(agent.ID, err, buserrors.WithMessageID(msg.ID))
	}
	if kind == registry.EndpointMailbox {
		return 0, ErrNotPushable
	}

	ctx, span := p.tracer.StartPushSpan(ctx, agent.ID, msg.ID)
	attempts, err := p.deliver(ctx, kind, target, agent.ID, msg)
	p.tracer.EndPushSpan(span, telemetry.PushSpanOptions{
		Kind:     string(kind),
		Target:   target,
		Attempts: attempts,
	}, err)

	if err != nil {
		p.logger.PushFailed(agent.ID, msg.ID, attempts, err)
		return attempts, buserrors.TransportFailure(agent.ID, err,
			buserrors.WithMessageID(msg.ID),
			buserrors.WithMetadata("attempts", strconv.Itoa(attempts)),
			buserrors.WithMetadata("endpoint", string(kind)),
		)
	}
	return attempts, nil
}

func (p *Pusher) deliver(ctx context.Context, kind registry.EndpointKind, target, agentID string, msg *message.Message) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		switch kind {
		case registry.EndpointWebhook:
			lastErr = p.postWebhook(ctx, target, agentID, msg, attempt)
		case registry.EndpointBus:
			lastErr = p.publish(target, msg)
		}
		if lastErr == nil {
			return attempt, nil
		}

		var perm permanentError
		if errors.As(lastErr, &perm) {
			return attempt, perm.err
		}

		p.logger.Debug("push attempt failed", logging.Fields{
			"agent_id": agentID, "message_id": msg.ID, "attempt": attempt, "error": lastErr,
		})
		if attempt == p.cfg.MaxAttempts {
			break
		}
		if err := p.sleep(ctx, p.cfg.Backoff(attempt)); err != nil {
			return attempt, err
		}
	}
	return p.cfg.MaxAttempts, lastErr
}

func (p *Pusher) postWebhook(ctx context.Context, url, agentID string, msg *message.Message, attempt int) error {
	body, err := msg.Marshal()
	if err != nil {
		return permanentError{fmt.Errorf("encode message: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return permanentError{err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderMessageID, msg.ID)
	req.Header.Set(HeaderMessageType, string(msg.Type))
	req.Header.Set(HeaderAttempt, strconv.Itoa(attempt))
	if p.signer != nil {
		token, err := p.signer.IssuePush(agentID, msg.ID, p.cfg.Timeout+time.Minute)
		if err != nil {
			return permanentError{err}
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	telemetry.InjectContext(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	default:
		return permanentError{fmt.Errorf("webhook returned %d", resp.StatusCode)}
	}
}

func (p *Pusher) publish(subject string, msg *message.Message) error {
	if p.bus == nil {
		return permanentError{ErrNoBus}
	}
	data, err := msg.EncodeCBOR()
	if err != nil {
		return permanentError{fmt.Errorf("encode message: %w", err)}
	}
	return p.bus.Publish(subject, data)
}
