package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	buserrors "github.com/vinayprograms/agentbus/errors"
	"github.com/vinayprograms/agentbus/message"
	"github.com/vinayprograms/agentbus/schema"
	"github.com/vinayprograms/agentbus/state"
)

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

// msgAt builds a message for task t1 at t0+offset.
func msgAt(from, to string, typ schema.Type, offset time.Duration, payload map[string]any) *message.Message {
	if payload == nil {
		payload = map[string]any{}
	}
	if _, ok := payload["taskId"]; !ok {
		payload["taskId"] = "t1"
	}
	m := message.New(from, to, typ, payload)
	m.Timestamp = t0.Add(offset)
	return m
}

func delegation() *message.Message {
	return msgAt("A", "B", schema.TaskDelegation, 0, map[string]any{
		"description": "x", "priority": "high", "deadline": "2026-04-01T10:00:00Z",
	})
}

func accepted() *message.Message {
	return msgAt("B", "A", schema.TaskAccepted, time.Second, map[string]any{"estimatedCompletion": "soon"})
}

func rejected() *message.Message {
	return msgAt("B", "A", schema.TaskRejected, 2*time.Second, map[string]any{"reason": "busy"})
}

func progress(pct int) *message.Message {
	return msgAt("B", "A", schema.ProgressUpdate, 3*time.Second, map[string]any{"progress": pct, "status": "working"})
}

func completed() *message.Message {
	return msgAt("B", "A", schema.TaskCompleted, 4*time.Second, map[string]any{"result": "done", "completedAt": "now"})
}

func newCoordinator(t *testing.T) *Coordinator {
	store := state.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	return NewCoordinator(store, WithClock(func() time.Time { return t0 }))
}

func apply(t *testing.T, c *Coordinator, m *message.Message) Outcome {
	t.Helper()
	out, err := c.Apply(context.Background(), m)
	if err != nil {
		t.Fatalf("Apply(%s): %v", m.Type, err)
	}
	return out
}

func TestCoordinator_HappyPath(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()

	steps := []struct {
		msg  *message.Message
		want State
	}{
		{delegation(), StateDelegated},
		{accepted(), StateAccepted},
		{progress(50), StateInProgress},
		{progress(90), StateInProgress},
		{completed(), StateCompleted},
	}
	for _, s := range steps {
		out := apply(t, c, s.msg)
		if !out.Applied {
			t.Fatalf("%s not applied: %s", s.msg.Type, out.Reason)
		}
		if out.Thread.State != s.want {
			t.Fatalf("after %s: state = %s, want %s", s.msg.Type, out.Thread.State, s.want)
		}
	}

	th, err := c.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if th.Delegator != "A" || th.Assignee != "B" {
		t.Errorf("parties = %s -> %s", th.Delegator, th.Assignee)
	}
	if th.Result != "done" || th.Description != "x" {
		t.Errorf("thread = %+v", th)
	}
	if len(th.History) != 5 {
		t.Errorf("history length = %d", len(th.History))
	}
	if th.Revision == 0 {
		t.Error("revision not set")
	}
}

func TestCoordinator_AcceptThenReject(t *testing.T) {
	c := newCoordinator(t)
	apply(t, c, delegation())
	acc := accepted()
	apply(t, c, acc)

	_, err := c.Apply(context.Background(), rejected())
	if !buserrors.Is(err, buserrors.ErrCodeDuplicateTransition) {
		t.Fatalf("Apply(rejected) err = %v, want DUPLICATE_TERMINAL_TRANSITION", err)
	}
	e := buserrors.As(err)
	if e.TaskID() != "t1" {
		t.Errorf("TaskID = %q", e.TaskID())
	}
	if e.Metadata()["conflicting_message_id"] != acc.ID {
		t.Errorf("conflicting message = %q, want %q", e.Metadata()["conflicting_message_id"], acc.ID)
	}

	th, _ := c.Get(context.Background(), "t1")
	if th.State != StateAccepted {
		t.Errorf("state changed to %s", th.State)
	}
}

func TestCoordinator_RejectThenAccept(t *testing.T) {
	c := newCoordinator(t)
	apply(t, c, delegation())
	rej := rejected()
	apply(t, c, rej)

	_, err := c.Apply(context.Background(), accepted())
	if !buserrors.Is(err, buserrors.ErrCodeDuplicateTransition) {
		t.Fatalf("err = %v", err)
	}
	if got := buserrors.As(err).Metadata()["conflicting_message_id"]; got != rej.ID {
		t.Errorf("conflicting message = %q", got)
	}

	_, err = c.Apply(context.Background(), completed())
	if !buserrors.Is(err, buserrors.ErrCodeDuplicateTransition) {
		t.Errorf("completing a rejected task: err = %v", err)
	}
}

func TestCoordinator_IgnoredMessages(t *testing.T) {
	tests := []struct {
		name  string
		setup []*message.Message
		msg   func([]*message.Message) *message.Message
		state State
	}{
		{
			name:  "progress before delegation",
			setup: nil,
			msg:   func([]*message.Message) *message.Message { return progress(10) },
		},
		{
			name:  "progress before acceptance",
			setup: []*message.Message{delegation()},
			msg:   func([]*message.Message) *message.Message { return progress(10) },
			state: StateDelegated,
		},
		{
			name:  "redelivered message",
			setup: []*message.Message{delegation(), accepted()},
			msg:   func(s []*message.Message) *message.Message { return s[1] },
			state: StateAccepted,
		},
		{
			name:  "second acceptance",
			setup: []*message.Message{delegation(), accepted()},
			msg:   func([]*message.Message) *message.Message { return accepted() },
			state: StateAccepted,
		},
		{
			name:  "delegation resent by delegator",
			setup: []*message.Message{delegation()},
			msg:   func([]*message.Message) *message.Message { return delegation() },
			state: StateDelegated,
		},
		{
			name:  "progress after completion",
			setup: []*message.Message{delegation(), accepted(), completed()},
			msg:   func([]*message.Message) *message.Message { return progress(100) },
			state: StateCompleted,
		},
		{
			name:  "second rejection",
			setup: []*message.Message{delegation(), rejected()},
			msg:   func([]*message.Message) *message.Message { return rejected() },
			state: StateRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCoordinator(t)
			for _, m := range tt.setup {
				apply(t, c, m)
			}

			out := apply(t, c, tt.msg(tt.setup))
			if out.Applied {
				t.Fatal("message should be ignored")
			}
			if out.Reason == "" {
				t.Error("ignored outcome has no reason")
			}

			th, err := c.Get(context.Background(), "t1")
			if tt.state == "" {
				if !errors.Is(err, ErrTaskNotFound) {
					t.Errorf("Get err = %v, want ErrTaskNotFound", err)
				}
				return
			}
			if th.State != tt.state {
				t.Errorf("state = %s, want %s", th.State, tt.state)
			}
			if len(th.History) != len(tt.setup) {
				t.Errorf("history grew to %d", len(th.History))
			}
		})
	}
}

func TestCoordinator_DelegationFromAnotherAgent(t *testing.T) {
	c := newCoordinator(t)
	first := delegation()
	apply(t, c, first)

	other := delegation()
	other.From = "C"
	_, err := c.Apply(context.Background(), other)
	if !buserrors.Is(err, buserrors.ErrCodeDuplicateTransition) {
		t.Fatalf("err = %v", err)
	}
	if got := buserrors.As(err).Metadata()["conflicting_message_id"]; got != first.ID {
		t.Errorf("conflicting message = %q", got)
	}
}

func TestCoordinator_BlockersAnnotate(t *testing.T) {
	c := newCoordinator(t)
	apply(t, c, delegation())
	apply(t, c, accepted())

	out := apply(t, c, msgAt("B", "A", schema.BlockerReport, 5*time.Second, map[string]any{
		"blockerId": "b1", "description": "db down", "severity": "high",
	}))
	if out.Thread.State != StateInProgress {
		t.Errorf("state = %s, want IN_PROGRESS", out.Thread.State)
	}
	if len(out.Thread.Blockers) != 1 || out.Thread.Blockers[0].ReportedBy != "B" {
		t.Fatalf("blockers = %+v", out.Thread.Blockers)
	}

	// Non-fatal errors annotate without ending the thread.
	out = apply(t, c, msgAt("B", "A", schema.ErrorReport, 6*time.Second, map[string]any{
		"errorId": "e1", "message": "flaky", "severity": "low",
	}))
	if out.Thread.State != StateInProgress || len(out.Thread.Errors) != 1 {
		t.Errorf("after error: state = %s errors = %d", out.Thread.State, len(out.Thread.Errors))
	}

	out = apply(t, c, msgAt("A", "B", schema.BlockerResolved, 7*time.Second, map[string]any{
		"blockerId": "b1", "resolution": "restarted",
	}))
	if len(out.Thread.Blockers) != 0 {
		t.Errorf("blocker not cleared: %+v", out.Thread.Blockers)
	}

	out = apply(t, c, msgAt("A", "B", schema.BlockerResolved, 8*time.Second, map[string]any{
		"blockerId": "b1", "resolution": "again",
	}))
	if out.Applied {
		t.Error("resolving an unknown blocker should be ignored")
	}
}

func TestCoordinator_FatalErrorFails(t *testing.T) {
	c := newCoordinator(t)
	apply(t, c, delegation())
	apply(t, c, accepted())

	fatal := msgAt("B", "A", schema.ErrorReport, 5*time.Second, map[string]any{
		"errorId": "e1", "message": "disk gone", "severity": "critical", "fatal": true,
	})
	out := apply(t, c, fatal)
	if out.Thread.State != StateFailed {
		t.Fatalf("state = %s, want FAILED", out.Thread.State)
	}

	_, err := c.Apply(context.Background(), completed())
	if !buserrors.Is(err, buserrors.ErrCodeDuplicateTransition) {
		t.Fatalf("completing a failed task: err = %v", err)
	}
	if got := buserrors.As(err).Metadata()["conflicting_message_id"]; got != fatal.ID {
		t.Errorf("conflicting message = %q", got)
	}
}

func TestCoordinator_NotTaskMessage(t *testing.T) {
	c := newCoordinator(t)

	ann := message.New("A", "B", schema.Announcement, map[string]any{"title": "t", "message": "m"})
	if _, err := c.Apply(context.Background(), ann); !errors.Is(err, ErrNotTaskMessage) {
		t.Errorf("announcement err = %v", err)
	}

	blocker := message.New("A", "B", schema.BlockerReport, map[string]any{
		"blockerId": "b", "description": "d", "severity": "low",
	})
	if _, err := c.Apply(context.Background(), blocker); !errors.Is(err, ErrNotTaskMessage) {
		t.Errorf("blocker without taskId err = %v", err)
	}
}

// Concurrent accept and reject for one task: exactly one wins.
func TestCoordinator_ConcurrentTerminalOutcomes(t *testing.T) {
	for round := 0; round < 20; round++ {
		c := newCoordinator(t)
		apply(t, c, delegation())

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i, m := range []*message.Message{accepted(), rejected()} {
			wg.Add(1)
			go func(i int, m *message.Message) {
				defer wg.Done()
				_, errs[i] = c.Apply(context.Background(), m)
			}(i, m)
		}
		wg.Wait()

		failures := 0
		for _, err := range errs {
			if err != nil {
				if !buserrors.Is(err, buserrors.ErrCodeDuplicateTransition) {
					t.Fatalf("unexpected error: %v", err)
				}
				failures++
			}
		}
		if failures != 1 {
			t.Fatalf("round %d: %d conflicting outcomes rejected, want 1", round, failures)
		}
	}
}

func TestCoordinator_List(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()

	for i, assignee := range []string{"B", "C", "B"} {
		m := message.New("A", assignee, schema.TaskDelegation, map[string]any{
			"taskId": fmt.Sprintf("task/%d", i), "description": "d", "priority": "low", "deadline": "later",
		})
		apply(t, c, m)
	}
	apply(t, c, message.New("B", "A", schema.TaskRejected, map[string]any{"taskId": "task/0", "reason": "no"}))

	all, err := c.List(ctx, nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 || all[0].TaskID != "task/0" {
		t.Fatalf("List = %d threads", len(all))
	}

	forB, _ := c.List(ctx, &Filter{Agent: "B", Active: true})
	if len(forB) != 1 || forB[0].TaskID != "task/2" {
		t.Errorf("active for B = %+v", forB)
	}

	rejectedOnly, _ := c.List(ctx, &Filter{State: StateRejected})
	if len(rejectedOnly) != 1 {
		t.Errorf("rejected = %d", len(rejectedOnly))
	}

	if err := c.Forget(ctx, "task/1"); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if _, err := c.Get(ctx, "task/1"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Get after Forget = %v", err)
	}
}

func TestReplay(t *testing.T) {
	d, a := delegation(), accepted()
	other := message.New("A", "C", schema.TaskDelegation, map[string]any{
		"taskId": "t2", "description": "y", "priority": "low", "deadline": "later",
	})
	late := rejected() // conflicting, skipped

	// Out of order on purpose.
	th, err := Replay("t1", []*message.Message{late, a, other, d})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if th.State != StateAccepted {
		t.Errorf("state = %s, want ACCEPTED", th.State)
	}
	if len(th.History) != 2 {
		t.Errorf("history = %+v", th.History)
	}

	if _, err := Replay("missing", []*message.Message{d}); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Replay(missing) = %v", err)
	}
}

func TestCoordinator_Rebuild(t *testing.T) {
	c := newCoordinator(t)
	ctx := context.Background()
	apply(t, c, delegation())

	msgs := []*message.Message{delegation(), accepted(), progress(30)}
	th, err := c.Rebuild(ctx, "t1", msgs)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if th.State != StateInProgress {
		t.Errorf("state = %s", th.State)
	}

	got, _ := c.Get(ctx, "t1")
	if got.State != StateInProgress || got.Revision != th.Revision {
		t.Errorf("stored = %s rev %d", got.State, got.Revision)
	}
}

func TestStateIsTerminal(t *testing.T) {
	for _, s := range []State{StateCompleted, StateFailed, StateRejected} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []State{StateDelegated, StateAccepted, StateInProgress} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
