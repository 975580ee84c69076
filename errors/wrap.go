package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap adds context to err while keeping the chain intact. A wrapped *Error
// keeps its code and identifiers; context errors become TIMEOUT or CANCELED;
// anything else becomes INTERNAL. Wrap(nil, ...) returns nil.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var busErr *Error
	if errors.As(err, &busErr) {
		wrapped := &Error{
			code:      busErr.code,
			category:  busErr.category,
			message:   message,
			cause:     err,
			metadata:  busErr.Metadata(),
			retryable: busErr.retryable,
			timestamp: busErr.timestamp,
			agentID:   busErr.agentID,
			taskID:    busErr.taskID,
			messageID: busErr.messageID,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	case errors.Is(err, context.Canceled):
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}
	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WrapWithCode wraps err under an explicit code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	return New(code, message, append(opts, WithCause(err))...)
}

// As extracts the first *Error in the chain, or nil.
func As(err error) *Error {
	var busErr *Error
	if errors.As(err, &busErr) {
		return busErr
	}
	return nil
}

// Is reports whether the first *Error in the chain has the given code.
func Is(err error, code ErrorCode) bool {
	if busErr := As(err); busErr != nil {
		return busErr.code == code
	}
	return false
}

// IsRetryable reports whether err is a retryable *Error.
// Plain errors are treated as not retryable.
func IsRetryable(err error) bool {
	if busErr := As(err); busErr != nil {
		return busErr.Retryable()
	}
	return false
}

// Code extracts the error code, or "" for plain errors.
func Code(err error) ErrorCode {
	if busErr := As(err); busErr != nil {
		return busErr.code
	}
	return ""
}

// Category extracts the error category, or "" for plain errors.
func Category(err error) ErrorCategory {
	if busErr := As(err); busErr != nil {
		return busErr.category
	}
	return ""
}
