package telemetry

import (
	"context"
	"errors"
	"testing"
)

func TestTracerDisabled(t *testing.T) {
	tr, err := NewTracer(TracingConfig{Enabled: false}, "logfleet", "test", "test")
	if err != nil {
		t.Fatalf("NewTracer() error = %v", err)
	}

	ctx, span := tr.StartFanoutSpan(context.Background(), "start", 3, 2)
	RecordError(span, errors.New("boom"))
	RecordError(span, nil)
	span.End()

	if TraceID(ctx) != "" {
		t.Error("disabled tracer must not produce valid spans")
	}
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestTracerWithoutExporter(t *testing.T) {
	tr, err := NewTracer(TracingConfig{Enabled: true, Exporter: "none", SamplingRate: 1}, "logfleet", "test", "test")
	if err != nil {
		t.Fatalf("NewTracer() error = %v", err)
	}
	defer tr.Shutdown(context.Background())

	ctx, span := tr.StartSpan(context.Background(), "lifecycle.START")
	defer span.End()
	if TraceID(ctx) == "" {
		t.Error("expected a sampled span with a trace id")
	}
}

func TestTracerUnknownExporter(t *testing.T) {
	if _, err := NewTracer(TracingConfig{Enabled: true, Exporter: "zipkin"}, "logfleet", "test", "test"); err == nil {
		t.Error("expected error for unknown exporter")
	}
}
