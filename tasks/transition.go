package tasks

import (
	"fmt"
	"sort"
	"time"

	buserrors "github.com/vinayprograms/agentbus/errors"
	"github.com/vinayprograms/agentbus/message"
	"github.com/vinayprograms/agentbus/schema"
)

// Transition applies m to th and returns the outcome. th may be nil when no
// thread exists yet; it is never modified. A conflicting terminal outcome
// returns a DUPLICATE_TERMINAL_TRANSITION error. Messages without lifecycle
// meaning return ErrNotTaskMessage.
func Transition(th *Thread, m *message.Message, now time.Time) (Outcome, error) {
	taskID := m.TaskID()
	if taskID == "" || !IsLifecycle(m.Type) {
		return Outcome{Thread: th, Reason: "no task id"}, ErrNotTaskMessage
	}

	if th == nil {
		if m.Type != schema.TaskDelegation {
			return Outcome{Reason: "unknown task"}, nil
		}
		next := &Thread{
			TaskID:      taskID,
			State:       StateDelegated,
			Delegator:   m.From,
			Assignee:    m.To,
			Description: stringField(m.Payload, "description"),
			Priority:    m.Payload["priority"],
			Deadline:    m.Payload["deadline"],
			CreatedAt:   now,
		}
		next.record(m, now)
		return Outcome{Thread: next, Applied: true}, nil
	}

	ignore := func(reason string) (Outcome, error) {
		return Outcome{Thread: th, Previous: th.State, Reason: reason}, nil
	}
	conflict := func(prior State) (Outcome, error) {
		step, _ := th.stepInto(prior)
		err := buserrors.DuplicateTransition(taskID,
			fmt.Sprintf("task %s is already %s; %s conflicts", taskID, prior, m.Type),
			step.MessageID,
			buserrors.WithMessageID(m.ID),
			buserrors.WithMetadata("state", string(th.State)),
		)
		return Outcome{Thread: th, Previous: th.State, Reason: "conflicting outcome"}, err
	}

	if th.Seen(m.ID) {
		return ignore("duplicate message")
	}

	next := th.Clone()
	switch m.Type {
	case schema.TaskDelegation:
		if m.From == th.Delegator {
			return ignore("already delegated")
		}
		return conflict(StateDelegated)

	case schema.TaskAccepted:
		switch {
		case th.State == StateRejected:
			return conflict(StateRejected)
		case th.State != StateDelegated:
			return ignore("already accepted")
		}
		next.State = StateAccepted
		next.EstimatedCompletion = m.Payload["estimatedCompletion"]

	case schema.TaskRejected:
		switch {
		case th.State == StateRejected:
			return ignore("already rejected")
		case th.State != StateDelegated:
			return conflict(StateAccepted)
		}
		next.State = StateRejected
		next.Reason = m.Payload["reason"]

	case schema.ProgressUpdate:
		if !th.State.active() {
			return ignore("task not active")
		}
		next.State = StateInProgress
		next.Progress = m.Payload["progress"]
		next.Status = m.Payload["status"]

	case schema.TaskCompleted:
		switch th.State {
		case StateRejected, StateFailed:
			return conflict(th.State)
		case StateCompleted:
			return ignore("already completed")
		case StateDelegated:
			return ignore("task not accepted")
		}
		next.State = StateCompleted
		next.Result = m.Payload["result"]
		next.CompletedAt = m.Payload["completedAt"]
		next.Deliverables = m.Payload["deliverables"]

	case schema.ErrorReport:
		fatal := boolField(m.Payload, "fatal")
		if !th.State.active() {
			if fatal && (th.State == StateCompleted || th.State == StateRejected) {
				return conflict(th.State)
			}
			return ignore("task not active")
		}
		next.State = StateInProgress
		if fatal {
			next.State = StateFailed
		}
		next.Errors = append(next.Errors, ErrorNote{
			ID:        stringField(m.Payload, "errorId"),
			Message:   stringField(m.Payload, "message"),
			Severity:  stringField(m.Payload, "severity"),
			Fatal:     fatal,
			MessageID: m.ID,
			At:        now,
		})

	case schema.BlockerReport:
		if !th.State.active() {
			return ignore("task not active")
		}
		next.State = StateInProgress
		next.Blockers = append(next.Blockers, Blocker{
			ID:          stringField(m.Payload, "blockerId"),
			Description: stringField(m.Payload, "description"),
			Severity:    stringField(m.Payload, "severity"),
			ReportedBy:  m.From,
			MessageID:   m.ID,
			ReportedAt:  now,
		})

	case schema.BlockerResolved:
		id := stringField(m.Payload, "blockerId")
		kept := next.Blockers[:0]
		for _, b := range next.Blockers {
			if b.ID != id {
				kept = append(kept, b)
			}
		}
		if len(kept) == len(next.Blockers) {
			return ignore("unknown blocker")
		}
		next.Blockers = kept
	}

	next.record(m, now)
	return Outcome{Thread: next, Previous: th.State, Applied: true}, nil
}

func (t *Thread) record(m *message.Message, now time.Time) {
	t.History = append(t.History, Step{
		MessageID: m.ID,
		Type:      m.Type,
		From:      m.From,
		At:        now,
		State:     t.State,
	})
	t.UpdatedAt = now
}

func stringField(p map[string]any, key string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func boolField(p map[string]any, key string) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}

// Replay rebuilds the thread for taskID from msgs, in timestamp order.
// Messages for other tasks are skipped, and so are messages a coordinator
// would have rejected. Returns ErrTaskNotFound if no delegation is found.
func Replay(taskID string, msgs []*message.Message) (*Thread, error) {
	var thread []*message.Message
	for _, m := range msgs {
		if m.TaskID() == taskID && IsLifecycle(m.Type) {
			thread = append(thread, m)
		}
	}
	sort.SliceStable(thread, func(i, j int) bool {
		return thread[i].Timestamp.Before(thread[j].Timestamp)
	})

	var th *Thread
	for _, m := range thread {
		out, err := Transition(th, m, m.Timestamp)
		if err != nil {
			continue
		}
		th = out.Thread
	}
	if th == nil {
		return nil, ErrTaskNotFound
	}
	return th, nil
}
