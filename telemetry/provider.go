// OTLP trace pipeline for a bus process.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// DefaultServiceName names spans when neither ProviderConfig nor
// OTEL_SERVICE_NAME does.
const DefaultServiceName = "agentbus"

var (
	ErrNoEndpoint      = errors.New("telemetry endpoint not configured")
	ErrUnknownProtocol = errors.New("unknown telemetry protocol")
)

// ProviderConfig configures the trace pipeline.
type ProviderConfig struct {
	ServiceName    string
	ServiceVersion string

	// InstanceID distinguishes bus replicas sharing one NATS cluster.
	// Default: hostname
	InstanceID string

	// Endpoint is host:port of the OTLP collector. A scheme prefix is
	// stripped. Falls back to OTEL_EXPORTER_OTLP_ENDPOINT.
	Endpoint string

	// Protocol is "grpc" (default) or "http".
	Protocol string

	Insecure bool
	Headers  map[string]string

	// SampleRatio is the fraction of root spans kept. Zero or anything
	// at or above 1 keeps every span.
	SampleRatio float64

	// Debug records payload field names on send spans.
	Debug bool

	BatchTimeout  time.Duration
	ExportTimeout time.Duration
}

// resolve fills defaults from the environment.
func (c ProviderConfig) resolve() (ProviderConfig, error) {
	if c.Endpoint == "" {
		c.Endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	c.Endpoint = strings.TrimPrefix(strings.TrimPrefix(c.Endpoint, "http://"), "https://")
	if c.Endpoint == "" {
		return c, fmt.Errorf("%w (set endpoint or OTEL_EXPORTER_OTLP_ENDPOINT)", ErrNoEndpoint)
	}
	switch c.Protocol {
	case "":
		c.Protocol = "grpc"
	case "grpc", "http":
	default:
		return c, fmt.Errorf("%w %q (use grpc or http)", ErrUnknownProtocol, c.Protocol)
	}
	if c.ServiceName == "" {
		c.ServiceName = os.Getenv("OTEL_SERVICE_NAME")
	}
	if c.ServiceName == "" {
		c.ServiceName = DefaultServiceName
	}
	if c.InstanceID == "" {
		c.InstanceID, _ = os.Hostname()
	}
	return c, nil
}

// Provider owns the SDK tracer provider for the process.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer *Tracer
}

// InitProvider builds an OTLP exporter from cfg and installs the resulting
// provider as the global tracer provider and bus tracer. The Provider must
// be shut down to flush buffered spans.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	cfg, err := cfg.resolve()
	if err != nil {
		return nil, err
	}
	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating %s exporter: %w", cfg.Protocol, err)
	}
	return NewProvider(cfg, exporter)
}

// NewProvider installs a provider that batches spans to exporter. The
// endpoint and protocol in cfg are ignored.
func NewProvider(cfg ProviderConfig, exporter sdktrace.SpanExporter) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.ServiceInstanceID(cfg.InstanceID),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	var batchOpts []sdktrace.BatchSpanProcessorOption
	if cfg.BatchTimeout > 0 {
		batchOpts = append(batchOpts, sdktrace.WithBatchTimeout(cfg.BatchTimeout))
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, batchOpts...),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracer := NewTracerFromProvider(tp, cfg.ServiceName, cfg.Debug)
	SetGlobalTracer(tracer)
	return &Provider{tp: tp, tracer: tracer}, nil
}

// sampler keeps every span unless a ratio below one is set. Child spans
// follow their parent's decision.
func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

func newExporter(ctx context.Context, cfg ProviderConfig) (sdktrace.SpanExporter, error) {
	if cfg.Protocol == "http" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		if cfg.ExportTimeout > 0 {
			opts = append(opts, otlptracehttp.WithTimeout(cfg.ExportTimeout))
		}
		return otlptracehttp.New(ctx, opts...)
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	if cfg.ExportTimeout > 0 {
		opts = append(opts, otlptracegrpc.WithTimeout(cfg.ExportTimeout))
	}
	return otlptracegrpc.New(ctx, opts...)
}

// Tracer returns the bus tracer backed by this provider.
func (p *Provider) Tracer() *Tracer {
	return p.tracer
}

// Shutdown flushes buffered spans and stops the exporter. It matches
// shutdown.ShutdownFunc.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}

// ForceFlush exports buffered spans without stopping the provider.
func (p *Provider) ForceFlush(ctx context.Context) error {
	return p.tp.ForceFlush(ctx)
}
