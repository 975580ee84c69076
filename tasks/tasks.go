package tasks

import (
	"errors"
	"time"

	"github.com/vinayprograms/agentbus/schema"
)

// Common errors.
var (
	// ErrTaskNotFound indicates no thread exists for the task ID.
	ErrTaskNotFound = errors.New("task not found")

	// ErrNotTaskMessage indicates the message carries no lifecycle meaning.
	ErrNotTaskMessage = errors.New("not a task lifecycle message")

	// ErrContention indicates the compare-and-swap retry budget ran out.
	ErrContention = errors.New("task update contention")
)

// State is a task thread state.
type State string

const (
	StateDelegated  State = "DELEGATED"
	StateAccepted   State = "ACCEPTED"
	StateInProgress State = "IN_PROGRESS"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
	StateRejected   State = "REJECTED"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// IsTerminal returns true if no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateRejected
}

// active reports whether work messages (progress, reports, completion)
// apply in this state.
func (s State) active() bool {
	return s == StateAccepted || s == StateInProgress
}

// Step records one applied message.
type Step struct {
	MessageID string      `json:"message_id"`
	Type      schema.Type `json:"type"`
	From      string      `json:"from"`
	At        time.Time   `json:"at"`
	State     State       `json:"state"`
}

// Blocker is an open blocker annotation.
type Blocker struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Severity    string    `json:"severity"`
	ReportedBy  string    `json:"reported_by"`
	MessageID   string    `json:"message_id"`
	ReportedAt  time.Time `json:"reported_at"`
}

// ErrorNote records an ERROR_REPORT against the task.
type ErrorNote struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Severity  string    `json:"severity"`
	Fatal     bool      `json:"fatal,omitempty"`
	MessageID string    `json:"message_id"`
	At        time.Time `json:"at"`
}

// Thread is the materialized state of one task.
type Thread struct {
	TaskID    string `json:"task_id"`
	State     State  `json:"state"`
	Delegator string `json:"delegator"`
	Assignee  string `json:"assignee"`

	Description         string `json:"description,omitempty"`
	Priority            any    `json:"priority,omitempty"`
	Deadline            any    `json:"deadline,omitempty"`
	EstimatedCompletion any    `json:"estimated_completion,omitempty"`
	Progress            any    `json:"progress,omitempty"`
	Status              any    `json:"status,omitempty"`
	Reason              any    `json:"reason,omitempty"`
	Result              any    `json:"result,omitempty"`
	Deliverables        any    `json:"deliverables,omitempty"`
	CompletedAt         any    `json:"completed_at,omitempty"`

	Blockers []Blocker   `json:"blockers,omitempty"`
	Errors   []ErrorNote `json:"errors,omitempty"`
	History  []Step      `json:"history"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Revision is the store revision the thread was read at.
	Revision uint64 `json:"-"`
}

// Clone returns a copy that shares no slices with t. Payload-derived
// values are shared; they are never mutated after decoding.
func (t *Thread) Clone() *Thread {
	c := *t
	c.Blockers = append([]Blocker(nil), t.Blockers...)
	c.Errors = append([]ErrorNote(nil), t.Errors...)
	c.History = append([]Step(nil), t.History...)
	return &c
}

// Seen reports whether a message ID was already applied.
func (t *Thread) Seen(messageID string) bool {
	for _, s := range t.History {
		if s.MessageID == messageID {
			return true
		}
	}
	return false
}

// stepInto returns the first step that moved the thread into st.
func (t *Thread) stepInto(st State) (Step, bool) {
	for _, s := range t.History {
		if s.State == st {
			return s, true
		}
	}
	return Step{}, false
}

// Outcome describes what Apply did with a message.
type Outcome struct {
	// Thread is the thread after the message, nil when none exists.
	Thread *Thread

	// Previous is the state before the message, empty for a new thread.
	Previous State

	// Applied is true when the message changed the thread.
	Applied bool

	// Reason explains why an unapplied message was ignored.
	Reason string
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	State State

	// Agent matches either the delegator or the assignee.
	Agent string

	// Active drops terminal threads.
	Active bool
}

// Matches reports whether t passes the filter.
func (f *Filter) Matches(t *Thread) bool {
	if f == nil {
		return true
	}
	if f.State != "" && t.State != f.State {
		return false
	}
	if f.Agent != "" && t.Delegator != f.Agent && t.Assignee != f.Agent {
		return false
	}
	if f.Active && t.State.IsTerminal() {
		return false
	}
	return true
}

// IsLifecycle reports whether msgType can affect a task thread.
func IsLifecycle(msgType schema.Type) bool {
	switch msgType {
	case schema.TaskDelegation, schema.TaskAccepted, schema.TaskRejected,
		schema.TaskCompleted, schema.ProgressUpdate, schema.ErrorReport,
		schema.BlockerReport, schema.BlockerResolved:
		return true
	}
	return false
}
