// Package errors defines the error taxonomy shared by every agentbus
// component.
//
// # Categories
//
// Each error code belongs to a category that decides whether a caller may
// retry:
//
//   - Transient: the operation may succeed later (timeouts, unavailable push endpoints)
//   - Permanent: retrying the same input will fail again (schema violations, unknown recipients)
//   - Resource: capacity or quota pressure
//   - Internal: bugs or corrupted state
//
// # Bus codes
//
//   - SCHEMA_VALIDATION: payload rejected by the schema registry; never retried automatically
//   - UNKNOWN_RECIPIENT: the recipient is not registered; the caller may register it and resend
//   - DUPLICATE_TERMINAL_TRANSITION: a task thread already reached a conflicting outcome
//   - TRANSPORT_FAILURE: push delivery exhausted its attempts
//   - DELIVERY_TIMEOUT: advisory, reported through events rather than returned
//
// # Usage
//
//	err := errors.New(errors.ErrCodeUnknownRecipient, "agent b is not registered",
//	    errors.WithAgentID("b"))
//
//	if errors.Is(err, errors.ErrCodeUnknownRecipient) {
//	    // register and resend
//	}
//
// Errors serialize to JSON so they can travel inside send results and
// ERROR_REPORT payloads.
package errors
