package courier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/agentbus/confirm"
	buserrors "github.com/vinayprograms/agentbus/errors"
	"github.com/vinayprograms/agentbus/events"
	"github.com/vinayprograms/agentbus/logging"
	"github.com/vinayprograms/agentbus/mailbox"
	"github.com/vinayprograms/agentbus/message"
	"github.com/vinayprograms/agentbus/push"
	"github.com/vinayprograms/agentbus/registry"
	"github.com/vinayprograms/agentbus/schema"
	"github.com/vinayprograms/agentbus/tasks"
	"github.com/vinayprograms/agentbus/telemetry"
)

// SystemAgentID is the sender of messages the bus files on its own behalf.
const SystemAgentID = "agentbus"

// Defaults for Config.
const (
	DefaultMaxMessageAge    = 24 * time.Hour
	DefaultEvictionInterval = mailbox.DefaultSweepInterval
	DefaultPushTimeout      = 2 * time.Minute
)

// Config holds courier settings.
type Config struct {
	// MaxMessageAge sets ExpiresAt relative to the send time. Default: 24h
	MaxMessageAge time.Duration

	// ConfirmationTimeout applies when SendOptions leaves it unset. Default: 30s
	ConfirmationTimeout time.Duration

	// EvictionInterval is the sweeper period. Zero uses the default;
	// negative disables the sweeper.
	EvictionInterval time.Duration

	// PushTimeout bounds one push delivery including its retries. Default: 2m
	PushTimeout time.Duration
}

// DefaultConfig returns the default courier configuration.
func DefaultConfig() Config {
	return Config{
		MaxMessageAge:       DefaultMaxMessageAge,
		ConfirmationTimeout: confirm.DefaultTimeout,
		EvictionInterval:    DefaultEvictionInterval,
		PushTimeout:         DefaultPushTimeout,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxMessageAge <= 0 {
		c.MaxMessageAge = d.MaxMessageAge
	}
	if c.ConfirmationTimeout <= 0 {
		c.ConfirmationTimeout = d.ConfirmationTimeout
	}
	if c.EvictionInterval == 0 {
		c.EvictionInterval = d.EvictionInterval
	}
	if c.PushTimeout <= 0 {
		c.PushTimeout = d.PushTimeout
	}
	return c
}

// SendOptions are per-send settings.
type SendOptions struct {
	Priority             message.Priority `json:"priority,omitempty"`
	RequiresConfirmation bool             `json:"requiresConfirmation,omitempty"`

	// ConfirmationTimeout overrides Config.ConfirmationTimeout.
	ConfirmationTimeout time.Duration `json:"confirmationTimeout,omitempty"`

	// TTL overrides Config.MaxMessageAge.
	TTL time.Duration `json:"ttl,omitempty"`
}

// SendResult reports the outcome of one send.
type SendResult struct {
	Success   bool             `json:"success"`
	MessageID string           `json:"messageId,omitempty"`
	TaskState tasks.State      `json:"taskState,omitempty"`
	Evicted   []string         `json:"evicted,omitempty"`
	Error     *buserrors.Error `json:"error,omitempty"`
}

// Err returns the failure as an error, or nil on success.
func (r SendResult) Err() error {
	if r.Error == nil {
		return nil
	}
	return r.Error
}

// Pusher delivers a message to an agent's push endpoint.
type Pusher interface {
	Deliver(ctx context.Context, agent registry.Registration, msg *message.Message) (int, error)
}

// Courier routes messages between registered agents. Safe for concurrent use.
type Courier struct {
	cfg      Config
	registry registry.Registry
	store    mailbox.Store
	tasks    *tasks.Coordinator
	pusher   Pusher
	events   *events.Dispatcher
	tracker  *confirm.Tracker
	sweeper  *mailbox.Sweeper
	tracer   *telemetry.Tracer
	logger   *logging.Logger
	now      func() time.Time

	// asyncMu orders wg.Add against the Wait in Shutdown.
	asyncMu sync.RWMutex
	wg      sync.WaitGroup

	baseCtx    context.Context
	cancelBase context.CancelFunc

	started atomic.Bool
	closed  atomic.Bool
	stopCh  chan struct{}
}

// Option configures a Courier.
type Option func(*Courier)

// WithConfig sets the courier configuration.
func WithConfig(cfg Config) Option {
	return func(c *Courier) { c.cfg = cfg }
}

// WithTasks enables the task read model for lifecycle messages.
func WithTasks(t *tasks.Coordinator) Option {
	return func(c *Courier) { c.tasks = t }
}

// WithPusher enables push delivery to agents with push endpoints.
func WithPusher(p Pusher) Option {
	return func(c *Courier) { c.pusher = p }
}

// WithDispatcher sets the event dispatcher. Default: a private dispatcher.
func WithDispatcher(d *events.Dispatcher) Option {
	return func(c *Courier) { c.events = d }
}

// WithTracer sets the tracer. Default: the global tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(c *Courier) { c.tracer = t }
}

// WithLogger sets the logger. Default: discard.
func WithLogger(l *logging.Logger) Option {
	return func(c *Courier) { c.logger = l }
}

// WithClock overrides time.Now for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Courier) { c.now = now }
}

// New creates a courier over reg and store. The courier owns store and
// closes it on Shutdown; reg is left open.
func New(reg registry.Registry, store mailbox.Store, opts ...Option) *Courier {
	c := &Courier{
		cfg:      DefaultConfig(),
		registry: reg,
		store:    store,
		logger:   logging.Discard(),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.cfg = c.cfg.withDefaults()
	if c.events == nil {
		c.events = events.NewDispatcher(c.logger)
	}
	if c.tracer == nil {
		c.tracer = telemetry.GetTracer()
	}
	c.baseCtx, c.cancelBase = context.WithCancel(context.Background())

	c.tracker = confirm.New(
		confirm.WithHandler(c.onConfirmation),
		confirm.WithLogger(c.logger),
		confirm.WithClock(c.now),
	)
	if c.cfg.EvictionInterval > 0 {
		c.sweeper = mailbox.NewSweeper(store, c.cfg.EvictionInterval,
			mailbox.WithEvictionHandler(c.onExpired),
			mailbox.WithSweeperLogger(c.logger),
			mailbox.WithSweeperClock(c.now),
		)
	}
	return c
}

// Events returns the dispatcher bus events are emitted on.
func (c *Courier) Events() *events.Dispatcher { return c.events }

// Registry returns the agent registry.
func (c *Courier) Registry() registry.Registry { return c.registry }

// Tasks returns the task coordinator, or nil when task tracking is off.
func (c *Courier) Tasks() *tasks.Coordinator { return c.tasks }

// PendingConfirmations lists outstanding confirmation records.
func (c *Courier) PendingConfirmations() []confirm.Record { return c.tracker.Pending() }

// Start launches the eviction sweeper and forwards registry changes as
// agent events. Calling Start twice is a no-op.
func (c *Courier) Start() error {
	if c.closed.Load() {
		return buserrors.FromCode(buserrors.ErrCodeClosed)
	}
	if c.started.Swap(true) {
		return nil
	}

	ch, err := c.registry.Watch()
	if err != nil {
		return buserrors.Wrap(err, "watch registry")
	}
	if c.sweeper != nil {
		c.sweeper.Start()
	}

	c.goAsync(func() { c.forwardRegistry(ch) })
	c.logger.Info("courier_started", logging.Fields{
		"max_message_age": c.cfg.MaxMessageAge.String(),
		"push":            c.pusher != nil,
		"tasks":           c.tasks != nil,
	})
	return nil
}

func (c *Courier) forwardRegistry(ch <-chan registry.Event) {
	for {
		select {
		case <-c.stopCh:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			out := events.Event{AgentID: ev.Agent.ID, Data: map[string]string{
				"status":   string(ev.Agent.Status),
				"endpoint": ev.Agent.Endpoint,
			}}
			switch ev.Type {
			case registry.EventAdded:
				out.Type = events.AgentRegistered
			case registry.EventRemoved:
				out.Type = events.AgentUnregistered
			default:
				out.Type = events.AgentUpdated
				if ev.Agent.Status == registry.StatusUnreachable {
					out.Type = events.AgentUnreachable
				}
			}
			c.events.Emit(out)
		}
	}
}

// Send validates and enqueues one message from one agent to another.
func (c *Courier) Send(ctx context.Context, from, to string, typ schema.Type, payload map[string]any, opts SendOptions) SendResult {
	ctx, span := c.tracer.StartSendSpan(ctx, from, to, string(typ))
	res := c.send(ctx, from, to, typ, payload, opts)
	c.tracer.EndSendSpan(span, telemetry.SendSpanOptions{
		MessageID:            res.MessageID,
		RequiresConfirmation: opts.RequiresConfirmation,
		Evicted:              len(res.Evicted),
		TaskID:               taskID(payload),
		TaskState:            string(res.TaskState),
		PayloadFields:        payloadFields(payload),
	}, res.Err())
	return res
}

func (c *Courier) send(ctx context.Context, from, to string, typ schema.Type, payload map[string]any, opts SendOptions) SendResult {
	if err := c.checkOpen(); err != nil {
		return c.reject(from, to, typ, "", err)
	}
	if from == "" {
		return c.reject(from, to, typ, "", buserrors.InvalidInput("sender is required"))
	}
	if v := schema.Validate(typ, payload); !v.Valid {
		return c.reject(from, to, typ, "", v.Err())
	}

	reg, err := c.resolve(to)
	if err != nil {
		return c.reject(from, to, typ, "", err)
	}

	msg := c.newMessage(from, to, typ, payload, opts)
	res := c.enqueue(ctx, *reg, msg, opts)
	if !res.Success {
		c.logger.SendRejected(from, to, string(typ), res.Error)
		c.events.Emit(events.Event{
			Type:      events.MessageRejected,
			MessageID: msg.ID,
			From:      from,
			To:        to,
			TaskID:    msg.TaskID(),
			Reason:    string(res.Error.Code()),
			Error:     res.Error.Error(),
		})
	}
	return res
}

func (c *Courier) reject(from, to string, typ schema.Type, msgID string, err error) SendResult {
	busErr := asBusError(err)
	c.logger.SendRejected(from, to, string(typ), busErr)
	c.events.Emit(events.Event{
		Type:      events.MessageRejected,
		MessageID: msgID,
		From:      from,
		To:        to,
		Reason:    string(busErr.Code()),
		Error:     busErr.Error(),
	})
	return SendResult{MessageID: msgID, Error: busErr}
}

func (c *Courier) checkOpen() error {
	if c.closed.Load() {
		return buserrors.New(buserrors.ErrCodeClosed, "courier is shut down")
	}
	return nil
}

// resolve maps registry lookups onto bus error codes.
func (c *Courier) resolve(agentID string) (*registry.Registration, error) {
	if agentID == "" {
		return nil, buserrors.InvalidInput("recipient is required")
	}
	reg, err := c.registry.Resolve(agentID)
	switch {
	case err == nil:
		return reg, nil
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, registry.ErrInvalidID):
		return nil, buserrors.UnknownRecipient(agentID)
	case errors.Is(err, registry.ErrClosed):
		return nil, buserrors.WrapWithCode(err, buserrors.ErrCodeUnavailable, "registry closed")
	default:
		return nil, buserrors.Wrap(err, "resolve recipient", buserrors.WithAgentID(agentID))
	}
}

func (c *Courier) newMessage(from, to string, typ schema.Type, payload map[string]any, opts SendOptions) *message.Message {
	msg := message.New(from, to, typ, payload)
	msg.Timestamp = c.now().UTC()
	if opts.Priority != "" {
		msg.Priority = opts.Priority
	}
	msg.RequiresConfirmation = opts.RequiresConfirmation
	if opts.RequiresConfirmation && opts.ConfirmationTimeout > 0 {
		msg.ConfirmationTimeout = opts.ConfirmationTimeout
	}
	ttl := c.cfg.MaxMessageAge
	if opts.TTL > 0 {
		ttl = opts.TTL
	}
	msg.ExpiresAt = msg.Timestamp.Add(ttl)
	return msg
}

// enqueue appends msg to the recipient's mailbox, applies its task
// transition and starts the asynchronous follow-up work. A message the task
// state machine refuses is never stored, and a stored message whose
// transition fails is taken back out, so the mailbox and the thread agree.
func (c *Courier) enqueue(ctx context.Context, to registry.Registration, msg *message.Message, opts SendOptions) SendResult {
	res := SendResult{MessageID: msg.ID}

	lifecycle := c.tasks != nil && tasks.IsLifecycle(msg.Type) && msg.TaskID() != ""
	if lifecycle {
		if err := c.checkTransition(ctx, msg); err != nil {
			res.Error = taskError(msg, err)
			return res
		}
	}

	evicted, err := c.store.Append(ctx, to.ID, msg)
	if err != nil {
		res.Error = storeError(err, "enqueue message", msg)
		return res
	}

	if lifecycle {
		out, err := c.tasks.Apply(ctx, msg)
		if err != nil {
			if _, rerr := c.store.Remove(ctx, to.ID, msg.ID); rerr != nil {
				c.logger.Error("withdraw message", logging.Fields{
					"agent_id":   to.ID,
					"message_id": msg.ID,
					"error":      rerr.Error(),
				})
			}
			res.Error = taskError(msg, err)
			return res
		}
		if out.Thread != nil {
			res.TaskState = out.Thread.State
		}
		ev := events.Event{
			Type:      events.TaskTransitioned,
			MessageID: msg.ID,
			From:      msg.From,
			To:        msg.To,
			TaskID:    msg.TaskID(),
			Data:      map[string]string{"state": string(res.TaskState), "previous": string(out.Previous)},
		}
		if !out.Applied {
			ev.Type = events.TaskIgnored
			ev.Reason = out.Reason
		}
		c.events.Emit(ev)
	}

	res.Evicted = evicted
	for _, id := range evicted {
		c.logger.MessageEvicted(to.ID, id, string(mailbox.EvictCapacity))
		c.events.Emit(events.Event{
			Type:      events.MessageEvicted,
			MessageID: id,
			AgentID:   to.ID,
			Reason:    string(mailbox.EvictCapacity),
		})
	}

	// Senders outside the registry, like SystemAgentID, are not tracked.
	_ = c.registry.Touch(msg.From)

	c.logger.MessageSent(msg.ID, msg.From, msg.To, string(msg.Type))
	c.events.Emit(events.Event{
		Type:      events.MessageSent,
		MessageID: msg.ID,
		From:      msg.From,
		To:        msg.To,
		TaskID:    msg.TaskID(),
		Data:      map[string]string{"type": string(msg.Type), "priority": string(msg.Priority)},
	})

	if msg.RequiresConfirmation {
		c.armAsync(to.ID, msg, c.confirmationTimeout(msg))
	}
	if c.pusher != nil && to.Pushable() {
		c.pushAsync(to, msg)
	}
	res.Success = true
	return res
}

// checkTransition runs msg through the state machine against the current
// thread without persisting anything.
func (c *Courier) checkTransition(ctx context.Context, msg *message.Message) error {
	th, err := c.tasks.Get(ctx, msg.TaskID())
	if err != nil && !errors.Is(err, tasks.ErrTaskNotFound) {
		return err
	}
	_, err = tasks.Transition(th, msg, c.now().UTC())
	return err
}

// confirmationTimeout is the window chosen at send time, which Resend
// reuses, or the configured default.
func (c *Courier) confirmationTimeout(msg *message.Message) time.Duration {
	if msg.ConfirmationTimeout > 0 {
		return msg.ConfirmationTimeout
	}
	return c.cfg.ConfirmationTimeout
}

// goAsync runs fn on a goroutine that Shutdown waits for. It reports false
// when the courier is already shutting down.
func (c *Courier) goAsync(fn func()) bool {
	c.asyncMu.RLock()
	defer c.asyncMu.RUnlock()
	if c.closed.Load() {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
	return true
}

func (c *Courier) armAsync(agentID string, msg *message.Message, timeout time.Duration) {
	id, from, to := msg.ID, msg.From, msg.To
	c.goAsync(func() {
		if !c.tracker.Arm(id, from, to, timeout) {
			return
		}
		// The recipient may have acknowledged before the timer was armed.
		m, err := c.store.Get(c.baseCtx, agentID, id)
		if err == nil && m.AcknowledgedAt != nil {
			c.tracker.Confirm(id)
		}
	})
}

func (c *Courier) pushAsync(to registry.Registration, msg *message.Message) {
	msg = msg.Clone()
	c.goAsync(func() {
		ctx, cancel := context.WithTimeout(c.baseCtx, c.cfg.PushTimeout)
		defer cancel()

		attempts, err := c.pusher.Deliver(ctx, to, msg)
		switch {
		case err == nil:
			c.events.Emit(events.Event{
				Type:      events.PushDelivered,
				MessageID: msg.ID,
				From:      msg.From,
				To:        msg.To,
				AgentID:   to.ID,
				Attempts:  attempts,
			})
		case errors.Is(err, push.ErrNotPushable):
		case c.closed.Load() && errors.Is(err, context.Canceled):
			// Shutdown aborted the push; the message is still in the mailbox.
		default:
			c.transportFailure(to, msg, attempts, err)
		}
	})
}

// transportFailure records an exhausted push: the event, the recipient's
// unreachable status, and a BLOCKER_REPORT to the original sender.
func (c *Courier) transportFailure(to registry.Registration, msg *message.Message, attempts int, err error) {
	c.events.Emit(events.Event{
		Type:      events.TransportFailure,
		MessageID: msg.ID,
		From:      msg.From,
		To:        msg.To,
		AgentID:   to.ID,
		Attempts:  attempts,
		Error:     err.Error(),
	})

	if _, uerr := c.registry.UpdateStatus(to.ID, registry.StatusUnreachable, map[string]string{
		"last_failure": msg.ID,
	}); uerr != nil && !errors.Is(uerr, registry.ErrNotFound) {
		c.logger.Warn("mark_unreachable_failed", logging.Fields{"agent": to.ID, "error": uerr})
	}

	if msg.From == SystemAgentID {
		return
	}
	sender, rerr := c.registry.Resolve(msg.From)
	if rerr != nil {
		return
	}
	report := c.newMessage(SystemAgentID, sender.ID, schema.BlockerReport, map[string]any{
		"blockerId":   "delivery-" + msg.ID,
		"description": fmt.Sprintf("%s message %s to %s could not be pushed after %d attempts", msg.Type, msg.ID, to.ID, attempts),
		"severity":    "high",
		"impact":      err.Error(),
		"suggestedResolution": "the message remains in the mailbox of " + to.ID +
			"; resend once the agent is reachable",
	}, SendOptions{Priority: message.PriorityHigh})
	if res := c.enqueue(c.baseCtx, *sender, report, SendOptions{}); !res.Success {
		c.logger.Warn("blocker_report_failed", logging.Fields{"agent": sender.ID, "id": msg.ID, "error": res.Error})
	}
}

// Receive returns messages in agentID's mailbox matching filter and records
// the poll as activity.
func (c *Courier) Receive(ctx context.Context, agentID string, filter message.Filter) ([]*message.Message, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if agentID == "" {
		return nil, buserrors.InvalidInput("agent is required")
	}
	_ = c.registry.Touch(agentID)

	msgs, err := c.store.Drain(ctx, agentID, filter)
	if err != nil {
		return nil, storeError(err, "drain mailbox", nil, buserrors.WithAgentID(agentID))
	}
	return msgs, nil
}

// Get returns one message from agentID's mailbox without marking it read.
func (c *Courier) Get(ctx context.Context, agentID, messageID string) (*message.Message, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	m, err := c.store.Get(ctx, agentID, messageID)
	if err != nil {
		return nil, storeError(err, "get message", nil,
			buserrors.WithAgentID(agentID), buserrors.WithMessageID(messageID))
	}
	return m, nil
}

// Acknowledge marks a message acknowledged and resolves its pending
// confirmation.
func (c *Courier) Acknowledge(ctx context.Context, agentID, messageID string) (*message.Message, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	m, err := c.store.MarkAcknowledged(ctx, agentID, messageID, c.now().UTC())
	if err != nil {
		return nil, storeError(err, "acknowledge message", nil,
			buserrors.WithAgentID(agentID), buserrors.WithMessageID(messageID))
	}
	_ = c.registry.Touch(agentID)
	c.tracker.Confirm(messageID)
	return m, nil
}

// Remove deletes a message from agentID's mailbox. Removing an unknown
// message returns false and no error.
func (c *Courier) Remove(ctx context.Context, agentID, messageID string) (bool, error) {
	if err := c.checkOpen(); err != nil {
		return false, err
	}
	removed, err := c.store.Remove(ctx, agentID, messageID)
	if err != nil {
		return false, storeError(err, "remove message", nil,
			buserrors.WithAgentID(agentID), buserrors.WithMessageID(messageID))
	}
	if removed {
		c.events.Emit(events.Event{Type: events.MessageRemoved, MessageID: messageID, AgentID: agentID})
	}
	return removed, nil
}

// Resend redelivers an unacknowledged message: RetryCount is incremented,
// the confirmation timer is re-armed when none is pending, and push
// endpoints receive the message again.
func (c *Courier) Resend(ctx context.Context, agentID, messageID string) SendResult {
	if err := c.checkOpen(); err != nil {
		return SendResult{MessageID: messageID, Error: asBusError(err)}
	}
	m, err := c.store.Get(ctx, agentID, messageID)
	if err != nil {
		return SendResult{MessageID: messageID, Error: storeError(err, "resend message", nil,
			buserrors.WithAgentID(agentID), buserrors.WithMessageID(messageID))}
	}
	if m.AcknowledgedAt != nil {
		return SendResult{MessageID: messageID, Error: buserrors.New(buserrors.ErrCodeConflict,
			"message already acknowledged", buserrors.WithMessageID(messageID))}
	}

	m, err = c.store.IncrementRetry(ctx, agentID, messageID)
	if err != nil {
		return SendResult{MessageID: messageID, Error: storeError(err, "resend message", m)}
	}
	c.events.Emit(events.Event{
		Type:      events.MessageResent,
		MessageID: m.ID,
		From:      m.From,
		To:        m.To,
		AgentID:   agentID,
		Attempts:  m.RetryCount,
	})

	if m.RequiresConfirmation {
		c.armAsync(agentID, m, c.confirmationTimeout(m))
	}
	if c.pusher != nil {
		if reg, rerr := c.registry.Resolve(agentID); rerr == nil && reg.Pushable() {
			c.pushAsync(*reg, m)
		}
	}
	return SendResult{Success: true, MessageID: m.ID}
}

func (c *Courier) onConfirmation(ev confirm.Event) {
	typ := events.DeliveryConfirmed
	if ev.Type == confirm.EventTimeout {
		typ = events.DeliveryTimeout
	}
	c.events.Emit(events.Event{
		Type:      typ,
		MessageID: ev.Record.MessageID,
		From:      ev.Record.From,
		To:        ev.Record.To,
		Data:      map[string]string{"deadline": ev.Record.Deadline.UTC().Format(time.RFC3339Nano)},
	})
}

func (c *Courier) onExpired(ev []mailbox.Eviction) {
	for _, e := range ev {
		c.events.Emit(events.Event{
			Type:      events.MessageEvicted,
			MessageID: e.MessageID,
			AgentID:   e.AgentID,
			Reason:    string(e.Reason),
		})
	}
}

// Shutdown stops the sweeper, cancels pending confirmation timers, waits for
// in-flight confirmation and push work until ctx is done, and closes the
// mailbox store. Calling Shutdown again is a no-op.
func (c *Courier) Shutdown(ctx context.Context) error {
	c.asyncMu.Lock()
	if c.closed.Swap(true) {
		c.asyncMu.Unlock()
		return nil
	}
	c.asyncMu.Unlock()

	close(c.stopCh)
	if c.sweeper != nil {
		c.sweeper.Stop()
	}
	dropped := c.tracker.Close()
	c.cancelBase()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = buserrors.Wrap(ctx.Err(), "wait for in-flight deliveries")
	}

	if cerr := c.store.Close(); cerr != nil && !errors.Is(cerr, mailbox.ErrClosed) && err == nil {
		err = buserrors.Wrap(cerr, "close mailbox store")
	}
	c.logger.Info("courier_stopped", logging.Fields{"dropped_confirmations": dropped})
	return err
}

// OnShutdown implements shutdown.ShutdownHandler.
func (c *Courier) OnShutdown(ctx context.Context) error {
	return c.Shutdown(ctx)
}

func asBusError(err error) *buserrors.Error {
	if e := buserrors.As(err); e != nil {
		return e
	}
	return buserrors.Wrap(err, "send failed")
}

func taskError(msg *message.Message, err error) *buserrors.Error {
	opts := []buserrors.Option{buserrors.WithTaskID(msg.TaskID()), buserrors.WithMessageID(msg.ID)}
	switch {
	case buserrors.As(err) != nil:
		return buserrors.As(err)
	case errors.Is(err, tasks.ErrContention):
		return buserrors.WrapWithCode(err, buserrors.ErrCodeConflict, "task update contention", opts...)
	default:
		return buserrors.Wrap(err, "apply task transition", opts...)
	}
}

func storeError(err error, op string, msg *message.Message, opts ...buserrors.Option) *buserrors.Error {
	if msg != nil {
		opts = append(opts, buserrors.WithMessageID(msg.ID))
	}
	switch {
	case errors.Is(err, mailbox.ErrNotFound):
		return buserrors.NotFound("message not found", opts...)
	case errors.Is(err, mailbox.ErrInvalidAgent), errors.Is(err, mailbox.ErrInvalid):
		return buserrors.WrapWithCode(err, buserrors.ErrCodeInvalidInput, op, opts...)
	case errors.Is(err, mailbox.ErrClosed):
		return buserrors.WrapWithCode(err, buserrors.ErrCodeClosed, op, opts...)
	default:
		return buserrors.Wrap(err, op, opts...)
	}
}

func taskID(payload map[string]any) string {
	if id, ok := payload["taskId"].(string); ok {
		return id
	}
	return ""
}

func payloadFields(payload map[string]any) []string {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
