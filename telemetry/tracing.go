// OpenTelemetry tracing for bus operations.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps OpenTelemetry tracing with bus-specific helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include payload field names in span attributes
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return NoopTracer()
	}
	return globalTracer
}

// NoopTracer returns a tracer that records nothing.
func NoopTracer() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
}

// NewTracer creates a new tracer with the given name from the global provider.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// NewTracerFromProvider creates a tracer from an explicit provider.
func NewTracerFromProvider(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{tracer: tp.Tracer(name), debug: debug}
}

// SetDebug enables or disables debug mode.
func (t *Tracer) SetDebug(debug bool) {
	t.debug = debug
}

// Debug returns whether debug mode is enabled.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

func endSpan(span trace.Span, attrs []attribute.KeyValue, err error) {
	span.SetAttributes(attrs...)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}

// --- Send Spans ---

// SendSpanOptions contains options for message send spans.
type SendSpanOptions struct {
	MessageID            string
	RequiresConfirmation bool
	Evicted              int
	TaskID               string
	TaskState            string
	PayloadFields        []string // Only included if debug=true
}

// StartSendSpan starts a span for a single send.
func (t *Tracer) StartSendSpan(ctx context.Context, from, to, msgType string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "agentbus.send", trace.WithSpanKind(trace.SpanKindProducer))
	span.SetAttributes(
		attribute.String("agentbus.from", from),
		attribute.String("agentbus.to", to),
		attribute.String("agentbus.type", msgType),
	)
	return ctx, span
}

// EndSendSpan ends a send span with attributes.
func (t *Tracer) EndSendSpan(span trace.Span, opts SendSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("agentbus.message_id", opts.MessageID),
		attribute.Bool("agentbus.requires_confirmation", opts.RequiresConfirmation),
	}
	if opts.Evicted > 0 {
		attrs = append(attrs, attribute.Int("agentbus.evicted", opts.Evicted))
	}
	if opts.TaskID != "" {
		attrs = append(attrs, attribute.String("agentbus.task_id", opts.TaskID))
	}
	if opts.TaskState != "" {
		attrs = append(attrs, attribute.String("agentbus.task_state", opts.TaskState))
	}
	if t.debug && len(opts.PayloadFields) > 0 {
		attrs = append(attrs, attribute.StringSlice("agentbus.payload_fields", opts.PayloadFields))
	}

	endSpan(span, attrs, err)
}

// --- Broadcast Spans ---

// BroadcastSpanOptions contains options for broadcast spans.
type BroadcastSpanOptions struct {
	Total      int
	Successful int
	NoTargets  bool
}

// StartBroadcastSpan starts a span for a broadcast fan-out.
func (t *Tracer) StartBroadcastSpan(ctx context.Context, from, msgType string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "agentbus.broadcast", trace.WithSpanKind(trace.SpanKindProducer))
	span.SetAttributes(
		attribute.String("agentbus.from", from),
		attribute.String("agentbus.type", msgType),
	)
	return ctx, span
}

// EndBroadcastSpan ends a broadcast span with attributes.
func (t *Tracer) EndBroadcastSpan(span trace.Span, opts BroadcastSpanOptions, err error) {
	endSpan(span, []attribute.KeyValue{
		attribute.Int("agentbus.targets.total", opts.Total),
		attribute.Int("agentbus.targets.successful", opts.Successful),
		attribute.Bool("agentbus.targets.none", opts.NoTargets),
	}, err)
}

// --- Push Spans ---

// PushSpanOptions contains options for push delivery spans.
type PushSpanOptions struct {
	Kind     string // webhook, bus
	Target   string
	Attempts int
}

// StartPushSpan starts a span for pushing one message to an agent endpoint.
func (t *Tracer) StartPushSpan(ctx context.Context, agentID, messageID string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "agentbus.push", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("agentbus.to", agentID),
		attribute.String("agentbus.message_id", messageID),
	)
	return ctx, span
}

// EndPushSpan ends a push span with attributes.
func (t *Tracer) EndPushSpan(span trace.Span, opts PushSpanOptions, err error) {
	endSpan(span, []attribute.KeyValue{
		attribute.String("agentbus.push.kind", opts.Kind),
		attribute.String("agentbus.push.target", opts.Target),
		attribute.Int("agentbus.push.attempts", opts.Attempts),
	}, err)
}

// --- Context Propagation ---

// InjectContext injects trace context into a carrier for cross-process propagation.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractContext extracts trace context from a carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// MapCarrier is a simple map-based TextMapCarrier for context propagation.
type MapCarrier map[string]string

func (c MapCarrier) Get(key string) string {
	return c[key]
}

func (c MapCarrier) Set(key, value string) {
	c[key] = value
}

func (c MapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
