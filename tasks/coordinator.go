package tasks

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/vinayprograms/agentbus/logging"
	"github.com/vinayprograms/agentbus/message"
	"github.com/vinayprograms/agentbus/state"
)

// threadPrefix namespaces thread keys in the state store. Task IDs are
// base64url-encoded so any string is a valid key token.
const threadPrefix = "tasks.thread."

// DefaultMaxRetries bounds compare-and-swap attempts per Apply.
const DefaultMaxRetries = 16

func threadKey(taskID string) string {
	return threadPrefix + base64.RawURLEncoding.EncodeToString([]byte(taskID))
}

// Coordinator applies lifecycle messages to task threads stored in a
// state.StateStore. Safe for concurrent use, including across processes
// that share a NATS-backed store.
type Coordinator struct {
	store      state.StateStore
	logger     *logging.Logger
	maxRetries int
	now        func() time.Time
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLogger sets the logger. Default: discard.
func WithLogger(l *logging.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// WithMaxRetries sets the compare-and-swap retry budget.
func WithMaxRetries(n int) CoordinatorOption {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a coordinator backed by store.
func NewCoordinator(store state.StateStore, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:      store,
		logger:     logging.Discard(),
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Apply runs m through the state machine and persists the result.
// Ignored messages return an Outcome with Applied false and a nil error.
// Messages without lifecycle meaning return ErrNotTaskMessage.
func (c *Coordinator) Apply(ctx context.Context, m *message.Message) (Outcome, error) {
	taskID := m.TaskID()
	if taskID == "" || !IsLifecycle(m.Type) {
		return Outcome{}, ErrNotTaskMessage
	}
	key := threadKey(taskID)

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		current, err := c.load(ctx, key)
		if err != nil && !errors.Is(err, ErrTaskNotFound) {
			return Outcome{}, err
		}

		out, err := Transition(current, m, c.now().UTC())
		if err != nil {
			return out, err
		}
		if !out.Applied {
			prev := ""
			if current != nil {
				prev = string(current.State)
			}
			c.logger.TransitionIgnored(taskID, prev, string(m.Type), out.Reason)
			return out, nil
		}

		data, err := json.Marshal(out.Thread)
		if err != nil {
			return Outcome{}, fmt.Errorf("encode thread: %w", err)
		}

		var rev uint64
		if current == nil {
			rev, err = c.store.Create(ctx, key, data)
		} else {
			rev, err = c.store.Update(ctx, key, data, current.Revision)
		}
		switch {
		case err == nil:
			out.Thread.Revision = rev
			c.logger.Debug("task transition", logging.Fields{
				"task_id": taskID,
				"from":    out.Previous,
				"to":      out.Thread.State,
				"type":    m.Type,
			})
			return out, nil
		case errors.Is(err, state.ErrExists), errors.Is(err, state.ErrRevisionMismatch):
			// Lost the race; re-read and re-evaluate.
			continue
		default:
			return Outcome{}, fmt.Errorf("store thread %s: %w", taskID, err)
		}
	}
	return Outcome{}, ErrContention
}

func (c *Coordinator) load(ctx context.Context, key string) (*Thread, error) {
	kv, err := c.store.Get(ctx, key)
	if errors.Is(err, state.ErrNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}

	var th Thread
	if err := json.Unmarshal(kv.Value, &th); err != nil {
		return nil, fmt.Errorf("decode thread %s: %w", key, err)
	}
	th.Revision = kv.Revision
	return &th, nil
}

// Get returns the thread for taskID or ErrTaskNotFound.
func (c *Coordinator) Get(ctx context.Context, taskID string) (*Thread, error) {
	if taskID == "" {
		return nil, ErrTaskNotFound
	}
	return c.load(ctx, threadKey(taskID))
}

// List returns threads matching filter, ordered by task ID.
func (c *Coordinator) List(ctx context.Context, filter *Filter) ([]*Thread, error) {
	keys, err := c.store.Keys(ctx, threadPrefix+"*")
	if err != nil {
		return nil, err
	}

	var out []*Thread
	for _, key := range keys {
		th, err := c.load(ctx, key)
		if err != nil {
			// Deleted between Keys and Get.
			continue
		}
		if filter.Matches(th) {
			out = append(out, th)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

// Rebuild replays msgs for taskID and overwrites the stored thread.
// Use it after restoring a mailbox without the matching state store.
func (c *Coordinator) Rebuild(ctx context.Context, taskID string, msgs []*message.Message) (*Thread, error) {
	th, err := Replay(taskID, msgs)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(th)
	if err != nil {
		return nil, fmt.Errorf("encode thread: %w", err)
	}

	key := threadKey(taskID)
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		var rev uint64
		kv, err := c.store.Get(ctx, key)
		switch {
		case errors.Is(err, state.ErrNotFound):
			rev, err = c.store.Create(ctx, key, data)
		case err != nil:
			return nil, err
		default:
			rev, err = c.store.Update(ctx, key, data, kv.Revision)
		}
		if err == nil {
			th.Revision = rev
			return th, nil
		}
		if !errors.Is(err, state.ErrExists) && !errors.Is(err, state.ErrRevisionMismatch) {
			return nil, err
		}
	}
	return nil, ErrContention
}

// Forget deletes the stored thread. Forgetting an unknown task is not an error.
func (c *Coordinator) Forget(ctx context.Context, taskID string) error {
	if strings.TrimSpace(taskID) == "" {
		return nil
	}
	return c.store.Delete(ctx, threadKey(taskID))
}
