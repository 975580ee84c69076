// Package logging provides the levelled console logger used by every agentbus
// component. Lines look like
//
//	INFO  2026-01-02T15:04:05.000Z [courier] message_sent from=a id=... to=b type=TASK_DELEGATION
//
// Fields are printed in key order so output is stable for grepping.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel parses a level name case-insensitively.
func ParseLevel(s string) (Level, error) {
	level := Level(strings.ToUpper(strings.TrimSpace(s)))
	if level == "WARNING" {
		level = LevelWarn
	}
	if _, ok := levelPriority[level]; !ok {
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

// Fields are structured key/value pairs attached to a log line.
type Fields map[string]interface{}

// sink is shared by a logger and every logger derived from it.
type sink struct {
	mu       sync.Mutex
	output   io.Writer
	minLevel Level
}

// Logger writes levelled, component-scoped lines.
type Logger struct {
	sink      *sink
	component string
}

// New creates a Logger writing INFO and above to stderr.
func New() *Logger {
	return &Logger{sink: &sink{output: os.Stderr, minLevel: LevelInfo}}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return &Logger{sink: &sink{output: io.Discard, minLevel: LevelError}}
}

// WithComponent returns a logger sharing this logger's output and level,
// tagged with component.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{sink: l.sink, component: component}
}

// SetLevel sets the minimum level for this logger and its derivatives.
func (l *Logger) SetLevel(level Level) {
	l.sink.mu.Lock()
	l.sink.minLevel = level
	l.sink.mu.Unlock()
}

// SetOutput sets the output writer for this logger and its derivatives.
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	l.sink.output = w
	l.sink.mu.Unlock()
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...Fields) { l.log(LevelDebug, msg, fields...) }

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...Fields) { l.log(LevelInfo, msg, fields...) }

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...Fields) { l.log(LevelWarn, msg, fields...) }

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...Fields) { l.log(LevelError, msg, fields...) }

func formatFields(fields Fields) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	return b.String()
}

func (l *Logger) log(level Level, msg string, fields ...Fields) {
	if l == nil {
		return
	}

	merged := Fields{}
	for _, f := range fields {
		for k, v := range f {
			merged[k] = v
		}
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, formatFields(merged))
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, formatFields(merged))
	}

	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	if levelPriority[level] < levelPriority[l.sink.minLevel] {
		return
	}
	_, _ = io.WriteString(l.sink.output, line)
}

// --- Bus event helpers ---

// MessageSent logs an accepted send.
func (l *Logger) MessageSent(id, from, to, msgType string) {
	l.Debug("message_sent", Fields{"id": id, "from": from, "to": to, "type": msgType})
}

// SendRejected logs a send refused before enqueue.
func (l *Logger) SendRejected(from, to, msgType string, err error) {
	l.Warn("send_rejected", Fields{"from": from, "to": to, "type": msgType, "error": err})
}

// MessageEvicted logs a message dropped by the count or age bound.
func (l *Logger) MessageEvicted(agentID, id, reason string) {
	l.Info("message_evicted", Fields{"agent": agentID, "id": id, "reason": reason})
}

// DeliveryTimedOut logs a confirmation that never arrived.
func (l *Logger) DeliveryTimedOut(id, from, to string) {
	l.Warn("delivery_timeout", Fields{"id": id, "from": from, "to": to})
}

// TransitionIgnored logs a duplicate or out-of-order task message.
func (l *Logger) TransitionIgnored(taskID, state, msgType, reason string) {
	l.Info("transition_ignored", Fields{"task": taskID, "state": state, "type": msgType, "reason": reason})
}

// PushFailed logs an exhausted push delivery.
func (l *Logger) PushFailed(agentID, id string, attempts int, err error) {
	l.Error("push_failed", Fields{"agent": agentID, "id": id, "attempts": attempts, "error": err})
}

// ObserverPanic logs a recovered panic from an event observer.
func (l *Logger) ObserverPanic(kind string, recovered interface{}) {
	l.Error("observer_panic", Fields{"event": kind, "panic": recovered})
}
