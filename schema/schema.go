package schema

import (
	"fmt"
	"sort"
	"strings"

	buserrors "github.com/vinayprograms/agentbus/errors"
)

// Type identifies a message type.
type Type string

const (
	TaskDelegation      Type = "TASK_DELEGATION"
	TaskAccepted        Type = "TASK_ACCEPTED"
	TaskRejected        Type = "TASK_REJECTED"
	TaskCompleted       Type = "TASK_COMPLETED"
	ProgressUpdate      Type = "PROGRESS_UPDATE"
	StatusRequest       Type = "STATUS_REQUEST"
	StatusResponse      Type = "STATUS_RESPONSE"
	BlockerReport       Type = "BLOCKER_REPORT"
	BlockerResolved     Type = "BLOCKER_RESOLVED"
	ErrorReport         Type = "ERROR_REPORT"
	RequestForInfo      Type = "REQUEST_FOR_INFO"
	InfoResponse        Type = "INFO_RESPONSE"
	CollaborationInvite Type = "COLLABORATION_INVITE"
	ResourceRequest     Type = "RESOURCE_REQUEST"
	ResourceGranted     Type = "RESOURCE_GRANTED"
	ResourceDenied      Type = "RESOURCE_DENIED"
	Announcement        Type = "ANNOUNCEMENT"
	Alert               Type = "ALERT"
)

// String returns the wire name of the type.
func (t Type) String() string { return string(t) }

// Definition lists the payload fields of a type.
type Definition struct {
	Type     Type     `json:"type"`
	Required []string `json:"required"`
	Optional []string `json:"optional,omitempty"`
}

func (d Definition) allows(field string) bool {
	for _, f := range d.Required {
		if f == field {
			return true
		}
	}
	for _, f := range d.Optional {
		if f == field {
			return true
		}
	}
	return false
}

func (d Definition) clone() Definition {
	return Definition{
		Type:     d.Type,
		Required: append([]string(nil), d.Required...),
		Optional: append([]string(nil), d.Optional...),
	}
}

var catalogue = map[Type]Definition{
	TaskDelegation: {
		Required: []string{"taskId", "description", "priority", "deadline"},
		Optional: []string{"requirements", "context", "dependencies", "deliverables", "estimatedEffort"},
	},
	TaskAccepted: {
		Required: []string{"taskId", "estimatedCompletion"},
		Optional: []string{"notes", "questions"},
	},
	TaskRejected: {
		Required: []string{"taskId", "reason"},
		Optional: []string{"alternatives", "suggestedAgent"},
	},
	TaskCompleted: {
		Required: []string{"taskId", "result", "completedAt"},
		Optional: []string{"deliverables", "notes", "metrics"},
	},
	ProgressUpdate: {
		Required: []string{"taskId", "progress", "status"},
		Optional: []string{"blockers", "details", "nextSteps"},
	},
	StatusRequest: {
		Required: []string{"requestType"},
		Optional: []string{"taskId", "details"},
	},
	StatusResponse: {
		Required: []string{"status", "currentTasks"},
		Optional: []string{"requestId", "details", "load", "capabilities"},
	},
	BlockerReport: {
		Required: []string{"blockerId", "description", "severity"},
		Optional: []string{"taskId", "impact", "suggestedResolution"},
	},
	BlockerResolved: {
		Required: []string{"blockerId", "resolution"},
		Optional: []string{"taskId", "notes"},
	},
	ErrorReport: {
		Required: []string{"errorId", "message", "severity"},
		Optional: []string{"taskId", "context", "stack", "fatal"},
	},
	RequestForInfo: {
		Required: []string{"infoType", "details"},
		Optional: []string{"requestId", "taskId", "urgency"},
	},
	InfoResponse: {
		Required: []string{"requestId", "data"},
		Optional: []string{"taskId", "notes"},
	},
	CollaborationInvite: {
		Required: []string{"taskId", "role", "description"},
		Optional: []string{"deadline", "details"},
	},
	ResourceRequest: {
		Required: []string{"resourceId", "requestType", "duration"},
		Optional: []string{"reason", "priority"},
	},
	ResourceGranted: {
		Required: []string{"resourceId", "grantedUntil"},
		Optional: []string{"conditions", "notes"},
	},
	ResourceDenied: {
		Required: []string{"resourceId", "reason"},
		Optional: []string{"retryAfter", "alternatives"},
	},
	Announcement: {
		Required: []string{"title", "message"},
		Optional: []string{"category", "details"},
	},
	Alert: {
		Required: []string{"alertId", "message", "severity"},
		Optional: []string{"details", "actionRequired"},
	},
}

func init() {
	for t, def := range catalogue {
		def.Type = t
		catalogue[t] = def
	}
}

// Types returns every declared type, sorted by name.
func Types() []Type {
	types := make([]Type, 0, len(catalogue))
	for t := range catalogue {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Lookup returns a copy of the definition for t.
func Lookup(t Type) (Definition, bool) {
	def, ok := catalogue[t]
	if !ok {
		return Definition{}, false
	}
	return def.clone(), true
}

// ParseType parses a wire name, accepting any letter case.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := catalogue[t]; !ok {
		return "", fmt.Errorf("unknown message type %q", s)
	}
	return t, nil
}

// Reason classifies a validation failure.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonUnknownType  Reason = "unknown_type"
	ReasonNilPayload   Reason = "nil_payload"
	ReasonMissingField Reason = "missing_field"
	ReasonUnknownField Reason = "unknown_field"
)

// Result is the outcome of Validate.
type Result struct {
	Valid  bool
	Error  string
	Reason Reason
	Field  string
}

// Err converts a failed result into a SCHEMA_VALIDATION error.
// It returns nil for valid results.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	opts := []buserrors.Option{buserrors.WithMetadata("reason", string(r.Reason))}
	if r.Field != "" {
		opts = append(opts, buserrors.WithMetadata("field", r.Field))
	}
	return buserrors.SchemaValidation(r.Error, opts...)
}

func invalid(reason Reason, field, format string, args ...interface{}) Result {
	return Result{Reason: reason, Field: field, Error: fmt.Sprintf(format, args...)}
}

// Validate checks payload against the definition of t. A field whose value
// is nil counts as missing.
func Validate(t Type, payload map[string]any) Result {
	def, ok := catalogue[t]
	if !ok {
		return invalid(ReasonUnknownType, "", "unknown message type %q", t)
	}
	if payload == nil {
		if len(def.Required) == 0 {
			return Result{Valid: true}
		}
		return invalid(ReasonNilPayload, "", "%s: payload is required", t)
	}

	for _, field := range def.Required {
		if v, ok := payload[field]; !ok || v == nil {
			return invalid(ReasonMissingField, field, "%s: missing required field %q", t, field)
		}
	}

	// Report undeclared fields in a stable order.
	var extra []string
	for field := range payload {
		if !def.allows(field) {
			extra = append(extra, field)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return invalid(ReasonUnknownField, extra[0], "%s: undeclared field %q", t, extra[0])
	}

	return Result{Valid: true}
}
