package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracing_Disabled(t *testing.T) {
	tp, err := InitTracing(context.Background(), TracingConfig{Enabled: false})
	if err != nil {
		t.Fatalf("InitTracing failed: %v", err)
	}
	defer tp.Shutdown(context.Background())

	if tp.Tracer() == nil {
		t.Error("expected non-nil tracer even when disabled")
	}
}

func TestDefaultTracingConfig(t *testing.T) {
	cfg := DefaultTracingConfig()

	if cfg.Enabled {
		t.Error("expected Enabled to be false by default")
	}
	if cfg.Endpoint != "localhost:4317" {
		t.Errorf("expected endpoint localhost:4317, got %s", cfg.Endpoint)
	}
	if cfg.ServiceName != "genmux" {
		t.Errorf("expected service name genmux, got %s", cfg.ServiceName)
	}
	if cfg.SampleRate != 1.0 {
		t.Errorf("expected sample rate 1.0, got %f", cfg.SampleRate)
	}
}

func TestAttemptSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := provider.Tracer(TracerName)

	ctx, parent := StartGenerateSpan(context.Background(), tracer, "gemini", "gemini-2.0-flash")
	_, span := StartAttemptSpan(ctx, tracer, "gemini", "gemini-2.0-flash", 1)
	RecordUsage(span, 10, 20)
	RecordError(span, errors.New("quota exceeded"))
	span.End()
	parent.End()

	ended := recorder.Ended()
	if len(ended) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(ended))
	}

	attempt := ended[0]
	if attempt.Name() != "genmux.attempt" {
		t.Errorf("first ended span = %s, want genmux.attempt", attempt.Name())
	}
	if attempt.Parent().SpanID() != ended[1].SpanContext().SpanID() {
		t.Error("attempt span should be a child of the generate span")
	}
	if attempt.Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", attempt.Status().Code)
	}

	found := false
	for _, kv := range attempt.Attributes() {
		if kv.Key == attribute.Key("gen_ai.usage.output_tokens") && kv.Value.AsInt64() == 20 {
			found = true
		}
	}
	if !found {
		t.Error("usage attributes not recorded")
	}
}
