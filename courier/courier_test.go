package courier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	buserrors "github.com/vinayprograms/agentbus/errors"
	"github.com/vinayprograms/agentbus/events"
	"github.com/vinayprograms/agentbus/mailbox"
	"github.com/vinayprograms/agentbus/message"
	"github.com/vinayprograms/agentbus/registry"
	"github.com/vinayprograms/agentbus/schema"
	"github.com/vinayprograms/agentbus/state"
	"github.com/vinayprograms/agentbus/tasks"
	"github.com/vinayprograms/agentbus/telemetry"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// recorder collects emitted events.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Observe(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) of(typ events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// waitFor polls until at least n events of typ were recorded.
func (r *recorder) waitFor(t *testing.T, typ events.Type, n int) []events.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := r.of(typ); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %s events, got %d", n, typ, len(r.of(typ)))
	return nil
}

type fakePusher struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakePusher) Deliver(ctx context.Context, agent registry.Registration, msg *message.Message) (int, error) {
	f.mu.Lock()
	f.calls = append(f.calls, agent.ID+"/"+msg.ID)
	f.mu.Unlock()
	if f.err != nil {
		return 3, f.err
	}
	return 1, nil
}

func (f *fakePusher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fixture struct {
	courier  *Courier
	registry *registry.MemoryRegistry
	events   *recorder
}

func newFixture(t *testing.T, maxPerAgent int, opts ...Option) *fixture {
	t.Helper()
	reg := registry.NewMemoryRegistry(registry.MemoryConfig{})
	store := mailbox.NewMemoryStore(mailbox.Config{MaxMessagesPerAgent: maxPerAgent})
	rec := &recorder{}
	d := events.NewDispatcher(nil)
	d.Subscribe(rec)

	base := []Option{
		WithConfig(Config{EvictionInterval: -1}),
		WithTasks(tasks.NewCoordinator(state.NewMemoryStore())),
		WithDispatcher(d),
	}
	c := New(reg, store, append(base, opts...)...)
	t.Cleanup(func() {
		c.Shutdown(context.Background())
		reg.Close()
	})
	return &fixture{courier: c, registry: reg, events: rec}
}

func (f *fixture) register(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if _, err := f.registry.Register(id, ""); err != nil {
			t.Fatalf("Register(%s) error = %v", id, err)
		}
	}
}

func delegation(taskID string) map[string]any {
	return map[string]any{
		"taskId":      taskID,
		"description": "x",
		"priority":    "high",
		"deadline":    time.Now().Add(time.Hour).Format(time.RFC3339),
	}
}

func announcement(n int) map[string]any {
	return map[string]any{"title": fmt.Sprintf("m%d", n), "message": "hello"}
}

func TestSend_Delegation(t *testing.T) {
	f := newFixture(t, 0)
	f.register(t, "A", "B")
	ctx := context.Background()

	res := f.courier.Send(ctx, "A", "B", schema.TaskDelegation, delegation("t1"), SendOptions{})
	if !res.Success {
		t.Fatalf("Send() error = %v", res.Error)
	}
	if res.TaskState != tasks.StateDelegated {
		t.Errorf("TaskState = %s, want %s", res.TaskState, tasks.StateDelegated)
	}

	msgs, err := f.courier.Receive(ctx, "B", message.Filter{})
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].Type != schema.TaskDelegation {
		t.Fatalf("Receive() = %v, want one TASK_DELEGATION", msgs)
	}
	if msgs[0].ID != res.MessageID || msgs[0].From != "A" {
		t.Errorf("message = %+v", msgs[0])
	}
	if got := msgs[0].ExpiresAt.Sub(msgs[0].Timestamp); got != DefaultMaxMessageAge {
		t.Errorf("ExpiresAt - Timestamp = %v, want %v", got, DefaultMaxMessageAge)
	}
	if len(f.events.of(events.MessageSent)) != 1 {
		t.Error("expected one message.sent event")
	}
}

func TestSend_AcceptanceReplaysToAccepted(t *testing.T) {
	f := newFixture(t, 0)
	f.register(t, "A", "B")
	ctx := context.Background()

	f.courier.Send(ctx, "A", "B", schema.TaskDelegation, delegation("t1"), SendOptions{})
	res := f.courier.Send(ctx, "B", "A", schema.TaskAccepted, map[string]any{
		"taskId":              "t1",
		"estimatedCompletion": time.Now().Add(30 * time.Minute).Format(time.RFC3339),
	}, SendOptions{})
	if !res.Success {
		t.Fatalf("Send() error = %v", res.Error)
	}

	var all []*message.Message
	for _, id := range []string{"A", "B"} {
		msgs, err := f.courier.Receive(ctx, id, message.Filter{})
		if err != nil {
			t.Fatal(err)
		}
		all = append(all, msgs...)
	}
	th, err := tasks.Replay("t1", all)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if th.State != tasks.StateAccepted {
		t.Errorf("replayed state = %s, want %s", th.State, tasks.StateAccepted)
	}

	stored, err := f.courier.Tasks().Get(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.State != tasks.StateAccepted {
		t.Errorf("stored state = %s, want %s", stored.State, tasks.StateAccepted)
	}
}

func TestSend_ConflictingOutcomeRejected(t *testing.T) {
	f := newFixture(t, 0)
	f.register(t, "A", "B")
	ctx := context.Background()

	f.courier.Send(ctx, "A", "B", schema.TaskDelegation, delegation("t1"), SendOptions{})
	rejected := f.courier.Send(ctx, "B", "A", schema.TaskRejected, map[string]any{"taskId": "t1", "reason": "busy"}, SendOptions{})
	if !rejected.Success {
		t.Fatalf("reject error = %v", rejected.Error)
	}

	res := f.courier.Send(ctx, "B", "A", schema.TaskAccepted, map[string]any{
		"taskId": "t1", "estimatedCompletion": "soon",
	}, SendOptions{})
	if res.Success {
		t.Fatal("accept after reject succeeded")
	}
	if res.Error.Code() != buserrors.ErrCodeDuplicateTransition {
		t.Errorf("code = %s, want %s", res.Error.Code(), buserrors.ErrCodeDuplicateTransition)
	}

	msgs, _ := f.courier.Receive(ctx, "A", message.Filter{})
	if len(msgs) != 1 || msgs[0].Type != schema.TaskRejected {
		t.Errorf("A's mailbox = %v, want only the rejection", msgs)
	}
	if len(f.events.of(events.MessageRejected)) != 1 {
		t.Error("expected one message.rejected event")
	}
}

func TestSend_UnknownRecipient(t *testing.T) {
	f := newFixture(t, 0)
	f.register(t, "A")

	res := f.courier.Send(context.Background(), "A", "ghost", schema.Announcement, announcement(1), SendOptions{})
	if res.Success {
		t.Fatal("send to unknown agent succeeded")
	}
	if !buserrors.Is(res.Err(), buserrors.ErrCodeUnknownRecipient) {
		t.Errorf("error = %v, want UNKNOWN_RECIPIENT", res.Error)
	}
	if res.Error.AgentID() != "ghost" {
		t.Errorf("AgentID() = %q", res.Error.AgentID())
	}
}

func TestSend_SchemaValidation(t *testing.T) {
	f := newFixture(t, 0)
	f.register(t, "A", "B")
	ctx := context.Background()

	tests := []struct {
		name    string
		typ     schema.Type
		payload map[string]any
	}{
		{"missing field", schema.Announcement, map[string]any{"title": "x"}},
		{"unknown field", schema.Announcement, map[string]any{"title": "x", "message": "y", "extra": 1}},
		{"unknown type", schema.Type("GOSSIP"), map[string]any{}},
		{"nil payload", schema.Alert, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := f.courier.Send(ctx, "A", "B", tt.typ, tt.payload, SendOptions{})
			if res.Success || res.Error.Code() != buserrors.ErrCodeSchemaValidation {
				t.Errorf("Send() = %+v, want SCHEMA_VALIDATION", res)
			}
		})
	}

	if msgs, _ := f.courier.Receive(ctx, "B", message.Filter{}); len(msgs) != 0 {
		t.Errorf("rejected sends enqueued %d messages", len(msgs))
	}
}

func TestSend_MailboxBound(t *testing.T) {
	const max = 10
	f := newFixture(t, max)
	f.register(t, "A", "B")
	ctx := context.Background()

	var evicted []string
	for i := 0; i < max+5; i++ {
		res := f.courier.Send(ctx, "A", "B", schema.Announcement, announcement(i), SendOptions{})
		if !res.Success {
			t.Fatalf("Send(%d) error = %v", i, res.Error)
		}
		evicted = append(evicted, res.Evicted...)
	}

	msgs, err := f.courier.Receive(ctx, "B", message.Filter{Oldest: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != max {
		t.Fatalf("mailbox holds %d messages, want %d", len(msgs), max)
	}
	if first := msgs[0].Payload["title"]; first != "m5" {
		t.Errorf("oldest survivor = %v, want m5", first)
	}
	if len(evicted) != 5 {
		t.Errorf("evicted %d, want 5", len(evicted))
	}
	if got := len(f.events.of(events.MessageEvicted)); got != 5 {
		t.Errorf("mailbox.evicted events = %d, want 5", got)
	}
}

func TestSend_ConfirmationTimeout(t *testing.T) {
	f := newFixture(t, 0)
	f.register(t, "A", "B")

	res := f.courier.Send(context.Background(), "A", "B", schema.Announcement, announcement(1), SendOptions{
		RequiresConfirmation: true,
		ConfirmationTimeout:  30 * time.Millisecond,
	})
	if !res.Success {
		t.Fatal(res.Error)
	}

	got := f.events.waitFor(t, events.DeliveryTimeout, 1)
	time.Sleep(60 * time.Millisecond)
	if n := len(f.events.of(events.DeliveryTimeout)); n != 1 {
		t.Errorf("delivery.timeout fired %d times, want 1", n)
	}
	if got[0].MessageID != res.MessageID {
		t.Errorf("timeout for %s, want %s", got[0].MessageID, res.MessageID)
	}
	if len(f.events.of(events.DeliveryConfirmed)) != 0 {
		t.Error("unexpected delivery.confirmed")
	}
}

func TestSend_ConfirmationAcknowledged(t *testing.T) {
	f := newFixture(t, 0)
	f.register(t, "A", "B")
	ctx := context.Background()

	res := f.courier.Send(ctx, "A", "B", schema.Announcement, announcement(1), SendOptions{
		RequiresConfirmation: true,
		ConfirmationTimeout:  100 * time.Millisecond,
	})
	// Acknowledge immediately, possibly before the timer is armed.
	m, err := f.courier.Acknowledge(ctx, "B", res.MessageID)
	if err != nil {
		t.Fatalf("Acknowledge() error = %v", err)
	}
	if m.AcknowledgedAt == nil {
		t.Error("AcknowledgedAt not set")
	}

	f.events.waitFor(t, events.DeliveryConfirmed, 1)
	time.Sleep(150 * time.Millisecond)
	if n := len(f.events.of(events.DeliveryConfirmed)); n != 1 {
		t.Errorf("delivery.confirmed fired %d times, want 1", n)
	}
	if n := len(f.events.of(events.DeliveryTimeout)); n != 0 {
		t.Errorf("delivery.timeout fired %d times, want 0", n)
	}
}

func TestAcknowledge_UnknownMessage(t *testing.T) {
	f := newFixture(t, 0)
	f.register(t, "B")

	_, err := f.courier.Acknowledge(context.Background(), "B", "nope")
	if !buserrors.Is(err, buserrors.ErrCodeNotFound) {
		t.Errorf("error = %v, want NOT_FOUND", err)
	}
}

func TestRemove_Idempotent(t *testing.T) {
	f := newFixture(t, 0)
	f.register(t, "A", "B")
	ctx := context.Background()

	res := f.courier.Send(ctx, "A", "B", schema.Announcement, announcement(1), SendOptions{})
	for i, want := range []bool{true, false} {
		removed, err := f.courier.Remove(ctx, "B", res.MessageID)
		if err != nil {
			t.Fatalf("Remove #%d error = %v", i, err)
		}
		if removed != want {
			t.Errorf("Remove #%d = %v, want %v", i, removed, want)
		}
	}
	if removed, err := f.courier.Remove(ctx, "B", "never-sent"); removed || err != nil {
		t.Errorf("Remove(unknown) = %v, %v", removed, err)
	}
	if n := len(f.events.of(events.MessageRemoved)); n != 1 {
		t.Errorf("mailbox.removed events = %d, want 1", n)
	}
}

func TestUnregister_KeepsMailbox(t *testing.T) {
	f := newFixture(t, 0)
	f.register(t, "A", "B")
	ctx := context.Background()

	f.courier.Send(ctx, "A", "B", schema.Announcement, announcement(1), SendOptions{})
	if err := f.registry.Unregister("B"); err != nil {
		t.Fatal(err)
	}
	if err := f.registry.Unregister("B"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("second Unregister error = %v, want ErrNotFound", err)
	}

	if res := f.courier.Send(ctx, "A", "B", schema.Announcement, announcement(2), SendOptions{}); res.Success {
		t.Error("send to unregistered agent succeeded")
	}
	msgs, err := f.courier.Receive(ctx, "B", message.Filter{})
	if err != nil || len(msgs) != 1 {
		t.Errorf("Receive() = %d messages, %v; want the one sent before unregistering", len(msgs), err)
	}
}

func TestResend(t *testing.T) {
	p := &fakePusher{}
	f := newFixture(t, 0, WithPusher(p))
	f.register(t, "A")
	if _, err := f.registry.Register("B", "bus:agents.B"); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	res := f.courier.Send(ctx, "A", "B", schema.Announcement, announcement(1), SendOptions{})
	f.events.waitFor(t, events.PushDelivered, 1)

	again := f.courier.Resend(ctx, "B", res.MessageID)
	if !again.Success {
		t.Fatalf("Resend() error = %v", again.Error)
	}
	f.events.waitFor(t, events.PushDelivered, 2)

	resent := f.events.of(events.MessageResent)
	if len(resent) != 1 || resent[0].Attempts != 1 {
		t.Errorf("resent events = %+v", resent)
	}
	msgs, _ := f.courier.Receive(ctx, "B", message.Filter{})
	if len(msgs) != 1 || msgs[0].RetryCount != 1 {
		t.Errorf("mailbox = %+v, want one message with RetryCount 1", msgs)
	}

	f.courier.Acknowledge(ctx, "B", res.MessageID)
	if r := f.courier.Resend(ctx, "B", res.MessageID); r.Success || r.Error.Code() != buserrors.ErrCodeConflict {
		t.Errorf("Resend(acknowledged) = %+v, want CONFLICT", r)
	}
}

func TestPushFailure_FilesBlocker(t *testing.T) {
	p := &fakePusher{err: errors.New("connection refused")}
	f := newFixture(t, 0, WithPusher(p))
	f.register(t, "A")
	if _, err := f.registry.Register("B", "https://b.example/hook"); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	res := f.courier.Send(ctx, "A", "B", schema.Announcement, announcement(1), SendOptions{})
	if !res.Success {
		t.Fatalf("Send() error = %v; a failed push must not fail the send", res.Error)
	}

	failures := f.events.waitFor(t, events.TransportFailure, 1)
	if failures[0].MessageID != res.MessageID || failures[0].Attempts != 3 {
		t.Errorf("transport.failure = %+v", failures[0])
	}

	var reports []*message.Message
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		reports, _ = f.courier.Receive(ctx, "A", message.Filter{Type: schema.BlockerReport})
		if len(reports) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(reports) != 1 {
		t.Fatalf("sender received %d blocker reports, want 1", len(reports))
	}
	if reports[0].From != SystemAgentID {
		t.Errorf("report from %q, want %q", reports[0].From, SystemAgentID)
	}
	if v := schema.Validate(reports[0].Type, reports[0].Payload); !v.Valid {
		t.Errorf("blocker report payload invalid: %s", v.Error)
	}

	b, err := f.registry.Resolve("B")
	if err != nil {
		t.Fatal(err)
	}
	if b.Status != registry.StatusUnreachable {
		t.Errorf("B status = %s, want unreachable", b.Status)
	}
	if msgs, _ := f.courier.Receive(ctx, "B", message.Filter{}); len(msgs) != 1 {
		t.Errorf("B's mailbox has %d messages, want 1", len(msgs))
	}
}

func TestPullOnlyAgentIsNotPushed(t *testing.T) {
	p := &fakePusher{}
	f := newFixture(t, 0, WithPusher(p))
	f.register(t, "A", "B")

	f.courier.Send(context.Background(), "A", "B", schema.Announcement, announcement(1), SendOptions{})
	f.courier.Shutdown(context.Background())
	if p.count() != 0 {
		t.Errorf("pusher called %d times for a pull-only agent", p.count())
	}
}

func TestShutdown(t *testing.T) {
	f := newFixture(t, 0)
	f.register(t, "A", "B")
	ctx := context.Background()

	f.courier.Send(ctx, "A", "B", schema.Announcement, announcement(1), SendOptions{
		RequiresConfirmation: true,
		ConfirmationTimeout:  20 * time.Millisecond,
	})
	if err := f.courier.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := f.courier.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if n := len(f.events.of(events.DeliveryTimeout)); n != 0 {
		t.Errorf("delivery.timeout fired %d times after shutdown", n)
	}

	res := f.courier.Send(ctx, "A", "B", schema.Announcement, announcement(2), SendOptions{})
	if res.Success || res.Error.Code() != buserrors.ErrCodeClosed {
		t.Errorf("Send after Shutdown = %+v, want CLOSED", res)
	}
	if _, err := f.courier.Receive(ctx, "B", message.Filter{}); !buserrors.Is(err, buserrors.ErrCodeClosed) {
		t.Errorf("Receive after Shutdown error = %v", err)
	}
}

func TestStart_ForwardsRegistryEvents(t *testing.T) {
	f := newFixture(t, 0)
	if err := f.courier.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := f.courier.Start(); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}

	f.register(t, "A")
	f.registry.UpdateStatus("A", registry.StatusUnreachable, nil)
	f.registry.Unregister("A")

	f.events.waitFor(t, events.AgentRegistered, 1)
	f.events.waitFor(t, events.AgentUnreachable, 1)
	got := f.events.waitFor(t, events.AgentUnregistered, 1)
	if got[0].AgentID != "A" {
		t.Errorf("AgentID = %q", got[0].AgentID)
	}
}

func TestSweeperEmitsExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	reg := registry.NewMemoryRegistry(registry.MemoryConfig{})
	defer reg.Close()
	store := mailbox.NewMemoryStore(mailbox.Config{Clock: clock})
	rec := &recorder{}
	d := events.NewDispatcher(nil)
	d.Subscribe(rec, events.MessageEvicted)

	c := New(reg, store,
		WithConfig(Config{MaxMessageAge: time.Minute, EvictionInterval: 5 * time.Millisecond}),
		WithDispatcher(d),
		WithClock(clock),
	)
	defer c.Shutdown(context.Background())
	reg.Register("A", "")
	reg.Register("B", "")

	res := c.Send(context.Background(), "A", "B", schema.Announcement, announcement(1), SendOptions{})
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	got := rec.waitFor(t, events.MessageEvicted, 1)
	if got[0].MessageID != res.MessageID || got[0].Reason != string(mailbox.EvictExpired) {
		t.Errorf("eviction = %+v", got[0])
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.MaxMessageAge != DefaultMaxMessageAge {
		t.Errorf("MaxMessageAge = %v", cfg.MaxMessageAge)
	}
	if cfg.ConfirmationTimeout != 30*time.Second {
		t.Errorf("ConfirmationTimeout = %v", cfg.ConfirmationTimeout)
	}
	if cfg.EvictionInterval != DefaultEvictionInterval {
		t.Errorf("EvictionInterval = %v", cfg.EvictionInterval)
	}
	if off := (Config{EvictionInterval: -1}).withDefaults(); off.EvictionInterval != -1 {
		t.Errorf("negative EvictionInterval changed to %v", off.EvictionInterval)
	}
}

// flakyStore fails the next Append once armed.
type flakyStore struct {
	mailbox.Store
	failNext atomic.Bool
}

func (s *flakyStore) Append(ctx context.Context, agentID string, msg *message.Message) ([]string, error) {
	if s.failNext.Swap(false) {
		return nil, errors.New("disk full")
	}
	return s.Store.Append(ctx, agentID, msg)
}

func TestSend_FailedAppendLeavesTaskUnchanged(t *testing.T) {
	reg := registry.NewMemoryRegistry(registry.MemoryConfig{})
	defer reg.Close()
	store := &flakyStore{Store: mailbox.NewMemoryStore(mailbox.Config{})}
	coord := tasks.NewCoordinator(state.NewMemoryStore())
	c := New(reg, store, WithConfig(Config{EvictionInterval: -1}), WithTasks(coord))
	defer c.Shutdown(context.Background())
	ctx := context.Background()

	reg.Register("A", "")
	reg.Register("B", "")
	if res := c.Send(ctx, "A", "B", schema.TaskDelegation, delegation("t1"), SendOptions{}); !res.Success {
		t.Fatal(res.Error)
	}

	store.failNext.Store(true)
	accept := c.Send(ctx, "B", "A", schema.TaskAccepted, map[string]any{"taskId": "t1", "estimatedCompletion": "soon"}, SendOptions{})
	if accept.Success {
		t.Fatal("accept succeeded despite append failure")
	}
	th, err := coord.Get(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if th.State != tasks.StateDelegated {
		t.Errorf("thread state = %s after failed send, want %s", th.State, tasks.StateDelegated)
	}

	// The delegator never saw the acceptance, so a rejection is still valid.
	reject := c.Send(ctx, "B", "A", schema.TaskRejected, map[string]any{"taskId": "t1", "reason": "busy"}, SendOptions{})
	if !reject.Success {
		t.Fatalf("reject after failed accept: %v", reject.Error)
	}
	if reject.TaskState != tasks.StateRejected {
		t.Errorf("TaskState = %s, want %s", reject.TaskState, tasks.StateRejected)
	}
	if n, _ := store.Len(ctx, "A"); n != 1 {
		t.Errorf("A's mailbox holds %d messages, want 1", n)
	}
}

func TestSend_ConflictDoesNotEvict(t *testing.T) {
	f := newFixture(t, 1)
	f.register(t, "A", "B")
	ctx := context.Background()

	f.courier.Send(ctx, "A", "B", schema.TaskDelegation, delegation("t1"), SendOptions{})
	f.courier.Send(ctx, "B", "A", schema.TaskRejected, map[string]any{"taskId": "t1", "reason": "busy"}, SendOptions{})

	res := f.courier.Send(ctx, "B", "A", schema.TaskAccepted, map[string]any{"taskId": "t1", "estimatedCompletion": "soon"}, SendOptions{})
	if res.Success || len(res.Evicted) != 0 {
		t.Fatalf("conflicting accept = %+v, want refused without eviction", res)
	}
	msgs, _ := f.courier.Receive(ctx, "A", message.Filter{})
	if len(msgs) != 1 || msgs[0].Type != schema.TaskRejected {
		t.Errorf("A's mailbox = %v, want the rejection kept", msgs)
	}
}

func TestResend_KeepsConfirmationTimeout(t *testing.T) {
	f := newFixture(t, 0)
	f.register(t, "A", "B")
	ctx := context.Background()

	res := f.courier.Send(ctx, "A", "B", schema.Announcement, announcement(1), SendOptions{
		RequiresConfirmation: true,
		ConfirmationTimeout:  30 * time.Millisecond,
	})
	f.events.waitFor(t, events.DeliveryTimeout, 1)

	if r := f.courier.Resend(ctx, "B", res.MessageID); !r.Success {
		t.Fatalf("Resend() error = %v", r.Error)
	}
	// The configured default is 30s; a second timeout inside waitFor's
	// window means the per-send timeout was reused.
	f.events.waitFor(t, events.DeliveryTimeout, 2)

	m, err := f.courier.Get(ctx, "B", res.MessageID)
	if err != nil {
		t.Fatal(err)
	}
	if m.ConfirmationTimeout != 30*time.Millisecond {
		t.Errorf("ConfirmationTimeout = %v, want 30ms", m.ConfirmationTimeout)
	}
}

func TestBroadcast_AllAgentsExceptSender(t *testing.T) {
	f := newFixture(t, 0)
	f.register(t, "A", "B", "C", "D")
	ctx := context.Background()

	res := f.courier.Broadcast(ctx, BroadcastRequest{From: "A", Type: schema.Announcement, Payload: announcement(1)})
	if res.Error != nil {
		t.Fatal(res.Error)
	}
	if res.Total != 3 || res.Successful != 3 || res.NoTargets {
		t.Errorf("result = %+v, want 3 of 3", res)
	}
	for _, id := range []string{"B", "C", "D"} {
		msgs, _ := f.courier.Receive(ctx, id, message.Filter{})
		if len(msgs) != 1 || msgs[0].From != "A" || msgs[0].To != id {
			t.Errorf("%s mailbox = %v, want one message from A", id, msgs)
		}
	}
	if msgs, _ := f.courier.Receive(ctx, "A", message.Filter{}); len(msgs) != 0 {
		t.Errorf("sender received its own broadcast: %v", msgs)
	}
}

func TestBroadcast_ExplicitTargets(t *testing.T) {
	f := newFixture(t, 0)
	f.register(t, "S", "A", "B", "C")
	ctx := context.Background()

	res := f.courier.Broadcast(ctx, BroadcastRequest{
		From:    "S",
		Type:    schema.Alert,
		Payload: map[string]any{"alertId": "a1", "message": "disk", "severity": "high"},
		Targets: []string{"A", "B", "C"},
		Options: SendOptions{RequiresConfirmation: true, ConfirmationTimeout: time.Hour},
	})
	if res.Successful != 3 {
		t.Fatalf("result = %+v, want 3 successful", res)
	}

	ids := map[string]string{}
	for _, r := range res.Results {
		if _, dup := ids[r.MessageID]; dup {
			t.Errorf("message id %s reused", r.MessageID)
		}
		ids[r.MessageID] = r.Target
	}
	for id, target := range ids {
		msgs, _ := f.courier.Receive(ctx, target, message.Filter{})
		if len(msgs) != 1 || msgs[0].ID != id {
			t.Errorf("%s mailbox = %v, want message %s", target, msgs, id)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(f.courier.PendingConfirmations()) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	pending := f.courier.PendingConfirmations()
	if len(pending) != 3 {
		t.Fatalf("pending confirmations = %d, want 3", len(pending))
	}
	for _, rec := range pending {
		if ids[rec.MessageID] != rec.To {
			t.Errorf("confirmation %s armed for %s", rec.MessageID, rec.To)
		}
	}
}

func TestBroadcast_NoTargetsVersusAllFailed(t *testing.T) {
	f := newFixture(t, 0)
	f.register(t, "A", "B")
	ctx := context.Background()

	none := f.courier.Broadcast(ctx, BroadcastRequest{
		From: "A", Type: schema.Announcement, Payload: announcement(1),
		Filter: &registry.Filter{Capabilities: []string{"gpu"}},
	})
	if !none.NoTargets || none.Total != 0 || none.AllFailed() {
		t.Errorf("filtered broadcast = %+v, want NoTargets", none)
	}

	failed := f.courier.Broadcast(ctx, BroadcastRequest{
		From: "A", Type: schema.Announcement, Payload: announcement(2),
		Targets: []string{"ghost-1", "ghost-2"},
	})
	if failed.NoTargets || failed.Total != 2 || !failed.AllFailed() {
		t.Errorf("unknown targets = %+v, want two failures", failed)
	}
	for _, r := range failed.Results {
		if r.Error == nil || r.Error.Code() != buserrors.ErrCodeUnknownRecipient {
			t.Errorf("target %s error = %v, want UNKNOWN_RECIPIENT", r.Target, r.Error)
		}
	}
}

func TestBroadcast_SchemaErrorFailsWholeCall(t *testing.T) {
	f := newFixture(t, 0)
	f.register(t, "A", "B", "C")

	res := f.courier.Broadcast(context.Background(), BroadcastRequest{
		From: "A", Type: schema.Announcement, Payload: map[string]any{"title": "missing message"},
	})
	if res.Error == nil || res.Error.Code() != buserrors.ErrCodeSchemaValidation {
		t.Fatalf("Error = %v, want SCHEMA_VALIDATION", res.Error)
	}
	if res.Total != 0 {
		t.Errorf("Total = %d, want no fan-out", res.Total)
	}
	for _, id := range []string{"B", "C"} {
		if msgs, _ := f.courier.Receive(context.Background(), id, message.Filter{}); len(msgs) != 0 {
			t.Errorf("%s received %v after schema failure", id, msgs)
		}
	}
}

func TestSend_SpanRecordsPayloadFields(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	f := newFixture(t, 0, WithTracer(telemetry.NewTracerFromProvider(tp, "courier-test", true)))
	f.register(t, "A", "B")

	if res := f.courier.Send(context.Background(), "A", "B", schema.Announcement, announcement(1), SendOptions{}); !res.Success {
		t.Fatal(res.Error)
	}

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	for _, kv := range spans[0].Attributes() {
		if kv.Key == "agentbus.payload_fields" {
			if got := kv.Value.AsStringSlice(); len(got) != 2 || got[0] != "message" || got[1] != "title" {
				t.Errorf("payload fields = %v, want [message title]", got)
			}
			return
		}
	}
	t.Error("send span has no agentbus.payload_fields attribute")
}
