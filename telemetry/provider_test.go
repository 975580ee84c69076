package telemetry

import (
	"context"
	"errors"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestProviderConfig_Resolve(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_SERVICE_NAME", "")

	if _, err := (ProviderConfig{}).resolve(); !errors.Is(err, ErrNoEndpoint) {
		t.Errorf("resolve() without endpoint = %v, want ErrNoEndpoint", err)
	}
	if _, err := (ProviderConfig{Endpoint: "collector:4317", Protocol: "udp"}).resolve(); !errors.Is(err, ErrUnknownProtocol) {
		t.Errorf("resolve() with udp = %v, want ErrUnknownProtocol", err)
	}

	cfg, err := ProviderConfig{Endpoint: "https://collector:4318", InstanceID: "bus-1"}.resolve()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Endpoint != "collector:4318" || cfg.Protocol != "grpc" || cfg.ServiceName != DefaultServiceName {
		t.Errorf("resolved = %+v", cfg)
	}

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "env-collector:4317")
	t.Setenv("OTEL_SERVICE_NAME", "bus-east")
	cfg, err = ProviderConfig{Protocol: "http"}.resolve()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Endpoint != "env-collector:4317" || cfg.ServiceName != "bus-east" {
		t.Errorf("resolved from env = %+v", cfg)
	}
}

func TestNewProvider_ExportsSendSpans(t *testing.T) {
	prev := GetTracer()
	t.Cleanup(func() { SetGlobalTracer(prev) })

	exp := tracetest.NewInMemoryExporter()
	p, err := NewProvider(ProviderConfig{ServiceName: "bus-test", InstanceID: "i-1"}, exp)
	if err != nil {
		t.Fatalf("NewProvider error: %v", err)
	}
	if GetTracer() != p.Tracer() {
		t.Error("provider tracer not installed globally")
	}

	_, span := p.Tracer().StartSendSpan(context.Background(), "A", "B", "ALERT")
	p.Tracer().EndSendSpan(span, SendSpanOptions{MessageID: "m1"}, nil)

	// The in-memory exporter forgets its spans on Shutdown, so flush and
	// read them first.
	if err := p.ForceFlush(context.Background()); err != nil {
		t.Fatalf("ForceFlush error: %v", err)
	}
	spans := exp.GetSpans()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}
	if len(spans) != 1 {
		t.Fatalf("exported %d spans, want 1", len(spans))
	}
	attrs := map[string]string{}
	for _, kv := range spans[0].Resource.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["service.name"] != "bus-test" || attrs["service.instance.id"] != "i-1" {
		t.Errorf("resource attributes = %v", attrs)
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{0, sdktrace.AlwaysSample().Description()},
		{1, sdktrace.AlwaysSample().Description()},
		{0.25, sdktrace.ParentBased(sdktrace.TraceIDRatioBased(0.25)).Description()},
	}
	for _, tt := range tests {
		if got := sampler(tt.ratio).Description(); got != tt.want {
			t.Errorf("sampler(%v) = %s, want %s", tt.ratio, got, tt.want)
		}
	}
}
