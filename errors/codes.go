package errors

// ErrorCategory classifies errors by their retry semantics.
type ErrorCategory string

const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates resource exhaustion.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates unexpected failures.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies a specific failure.
type ErrorCode string

const (
	// Bus protocol
	ErrCodeSchemaValidation    ErrorCode = "SCHEMA_VALIDATION"
	ErrCodeUnknownRecipient    ErrorCode = "UNKNOWN_RECIPIENT"
	ErrCodeDuplicateTransition ErrorCode = "DUPLICATE_TERMINAL_TRANSITION"
	ErrCodeTransportFailure    ErrorCode = "TRANSPORT_FAILURE"
	ErrCodeDeliveryTimeout     ErrorCode = "DELIVERY_TIMEOUT"

	// Transient
	ErrCodeTimeout     ErrorCode = "TIMEOUT"
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE"
	ErrCodeConflict    ErrorCode = "CONFLICT" // optimistic concurrency lost a race

	// Permanent
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeCanceled     ErrorCode = "CANCELED"
	ErrCodeClosed       ErrorCode = "CLOSED"
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"

	// Resource
	ErrCodeCapacity ErrorCode = "CAPACITY"

	// Internal
	ErrCodeInternal ErrorCode = "INTERNAL"
	ErrCodePanic    ErrorCode = "PANIC"
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeUnavailable, ErrCodeConflict,
		ErrCodeTransportFailure, ErrCodeDeliveryTimeout:
		return CategoryTransient
	case ErrCodeSchemaValidation, ErrCodeUnknownRecipient, ErrCodeDuplicateTransition,
		ErrCodeNotFound, ErrCodeInvalidInput, ErrCodeCanceled, ErrCodeClosed,
		ErrCodeUnauthorized:
		return CategoryPermanent
	case ErrCodeCapacity:
		return CategoryResource
	default:
		return CategoryInternal
	}
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeSchemaValidation:    "payload failed schema validation",
	ErrCodeUnknownRecipient:    "recipient is not registered",
	ErrCodeDuplicateTransition: "task already reached a conflicting outcome",
	ErrCodeTransportFailure:    "push delivery failed",
	ErrCodeDeliveryTimeout:     "delivery was not confirmed in time",
	ErrCodeTimeout:             "operation timed out",
	ErrCodeUnavailable:         "service temporarily unavailable",
	ErrCodeConflict:            "concurrent modification",
	ErrCodeNotFound:            "resource not found",
	ErrCodeInvalidInput:        "invalid input provided",
	ErrCodeCanceled:            "operation canceled",
	ErrCodeClosed:              "component closed",
	ErrCodeUnauthorized:        "caller may not act for this agent",
	ErrCodeCapacity:            "system at capacity",
	ErrCodeInternal:            "internal error",
	ErrCodePanic:               "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
