// Package schema is the static catalogue of agentbus message types.
//
// Every type declares its required and optional payload fields. Validate
// rejects unknown types, payloads missing a required field, and payloads
// carrying fields the type does not declare, so protocol drift between
// agents surfaces as an error instead of silently ignored data.
//
// The catalogue is immutable and Validate has no side effects, so it is
// safe to call from any goroutine.
//
//	res := schema.Validate(schema.TaskAccepted, map[string]any{
//	    "taskId":              "t1",
//	    "estimatedCompletion": "2026-01-02T15:00:00Z",
//	})
//	if !res.Valid {
//	    return res.Err()
//	}
package schema
