package errors

import (
	"encoding/json"
	"fmt"
	"time"
)

// Error is a structured bus error.
type Error struct {
	code      ErrorCode
	category  ErrorCategory
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool // nil means derive from category
	timestamp time.Time
	agentID   string
	taskID    string
	messageID string
}

var (
	_ error            = (*Error)(nil)
	_ json.Marshaler   = (*Error)(nil)
	_ json.Unmarshaler = (*Error)(nil)
)

// Error returns the error message.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode { return e.code }

// Category returns the error category.
func (e *Error) Category() ErrorCategory { return e.category }

// Message returns the message without the cause chain.
func (e *Error) Message() string { return e.message }

// Retryable reports whether the operation may succeed on retry.
func (e *Error) Retryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return e.category.IsRetryable()
}

// Metadata returns a copy of the error metadata.
func (e *Error) Metadata() map[string]string {
	result := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		result[k] = v
	}
	return result
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.cause }

// Timestamp returns when the error occurred.
func (e *Error) Timestamp() time.Time { return e.timestamp }

// AgentID returns the agent the error concerns, if any.
func (e *Error) AgentID() string { return e.agentID }

// TaskID returns the related task, if any.
func (e *Error) TaskID() string { return e.taskID }

// MessageID returns the related message, if any.
func (e *Error) MessageID() string { return e.messageID }

type errorJSON struct {
	Code      ErrorCode         `json:"code"`
	Category  ErrorCategory     `json:"category"`
	Message   string            `json:"message"`
	Cause     string            `json:"cause,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Retryable bool              `json:"retryable"`
	Timestamp string            `json:"timestamp,omitempty"`
	AgentID   string            `json:"agent_id,omitempty"`
	TaskID    string            `json:"task_id,omitempty"`
	MessageID string            `json:"message_id,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	j := errorJSON{
		Code:      e.code,
		Category:  e.category,
		Message:   e.message,
		Metadata:  e.metadata,
		Retryable: e.Retryable(),
		AgentID:   e.agentID,
		TaskID:    e.taskID,
		MessageID: e.messageID,
	}
	if e.cause != nil {
		j.Cause = e.cause.Error()
	}
	if !e.timestamp.IsZero() {
		j.Timestamp = e.timestamp.Format(time.RFC3339Nano)
	}
	return json.Marshal(j)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Error) UnmarshalJSON(data []byte) error {
	var j errorJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	e.code = j.Code
	e.category = j.Category
	e.message = j.Message
	e.metadata = j.Metadata
	e.agentID = j.AgentID
	e.taskID = j.TaskID
	e.messageID = j.MessageID
	r := j.Retryable
	e.retryable = &r
	if j.Cause != "" {
		e.cause = fmt.Errorf("%s", j.Cause)
	}
	if j.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, j.Timestamp); err == nil {
			e.timestamp = t
		}
	}
	return nil
}

// Option configures an Error.
type Option func(*Error)

// WithCategory overrides the default category.
func WithCategory(cat ErrorCategory) Option {
	return func(e *Error) { e.category = cat }
}

// WithRetryable explicitly sets whether the error is retryable.
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.retryable = &retryable }
}

// WithMetadata adds a metadata key-value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithAgentID records the agent the error concerns.
func WithAgentID(id string) Option {
	return func(e *Error) { e.agentID = id }
}

// WithTaskID records the related task.
func WithTaskID(id string) Option {
	return func(e *Error) { e.taskID = id }
}

// WithMessageID records the related message.
func WithMessageID(id string) Option {
	return func(e *Error) { e.messageID = id }
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) { e.cause = cause }
}

// New creates an Error with the given code and message.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:      code,
		category:  code.DefaultCategory(),
		message:   message,
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Newf creates an Error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// FromCode creates an error carrying the default description of the code.
func FromCode(code ErrorCode, opts ...Option) *Error {
	return New(code, code.Description(), opts...)
}

// SchemaValidation creates a SCHEMA_VALIDATION error.
func SchemaValidation(message string, opts ...Option) *Error {
	return New(ErrCodeSchemaValidation, message, opts...)
}

// UnknownRecipient creates an UNKNOWN_RECIPIENT error for agentID.
func UnknownRecipient(agentID string, opts ...Option) *Error {
	opts = append([]Option{WithAgentID(agentID)}, opts...)
	return New(ErrCodeUnknownRecipient, fmt.Sprintf("recipient %q is not registered", agentID), opts...)
}

// DuplicateTransition reports that taskID already holds a conflicting
// outcome recorded by priorMessageID.
func DuplicateTransition(taskID, message, priorMessageID string, opts ...Option) *Error {
	opts = append([]Option{
		WithTaskID(taskID),
		WithMetadata("conflicting_message_id", priorMessageID),
	}, opts...)
	return New(ErrCodeDuplicateTransition, message, opts...)
}

// TransportFailure creates a TRANSPORT_FAILURE error for a push attempt.
func TransportFailure(agentID string, cause error, opts ...Option) *Error {
	opts = append([]Option{WithAgentID(agentID), WithCause(cause)}, opts...)
	return New(ErrCodeTransportFailure, fmt.Sprintf("push to %s failed", agentID), opts...)
}

// NotFound creates a NOT_FOUND error.
func NotFound(message string, opts ...Option) *Error {
	return New(ErrCodeNotFound, message, opts...)
}

// InvalidInput creates an INVALID_INPUT error.
func InvalidInput(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidInput, message, opts...)
}

// Internal creates an INTERNAL error.
func Internal(message string, opts ...Option) *Error {
	return New(ErrCodeInternal, message, opts...)
}
