package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys from the gen_ai semantic conventions.
// Reference: https://opentelemetry.io/docs/specs/semconv/gen-ai/
const (
	AttrGenAISystem    = "gen_ai.system"
	AttrGenAIModel     = "gen_ai.request.model"
	AttrGenAITokenType = "gen_ai.token.type"
	AttrErrorType      = "error.type"
)

// GenAIMetrics records backend attempts as OTel gen_ai instruments. A nil
// *GenAIMetrics is valid and records nothing.
type GenAIMetrics struct {
	operationDuration metric.Float64Histogram
	tokenUsage        metric.Int64Counter
	requestCount      metric.Int64Counter
	errorCount        metric.Int64Counter
}

// NewGenAIMetrics creates the instruments on meter.
func NewGenAIMetrics(meter metric.Meter) (*GenAIMetrics, error) {
	var (
		m   GenAIMetrics
		err error
	)
	m.operationDuration, err = meter.Float64Histogram(
		"gen_ai.client.operation.duration",
		metric.WithDescription("Duration of generation backend calls"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return nil, err
	}
	m.tokenUsage, err = meter.Int64Counter(
		"gen_ai.client.token.usage",
		metric.WithDescription("Tokens used by generation backend calls"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, err
	}
	m.requestCount, err = meter.Int64Counter(
		"gen_ai.client.request.count",
		metric.WithDescription("Generation backend calls"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}
	m.errorCount, err = meter.Int64Counter(
		"gen_ai.client.error.count",
		metric.WithDescription("Failed generation backend calls"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Attempt describes one finished backend call.
type Attempt struct {
	Backend      string
	Model        string
	Latency      time.Duration
	InputTokens  int
	OutputTokens int
	// ErrorClass is empty for a successful call.
	ErrorClass string
}

// RecordAttempt records one backend call.
func (m *GenAIMetrics) RecordAttempt(ctx context.Context, a Attempt) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String(AttrGenAISystem, a.Backend),
		attribute.String(AttrGenAIModel, a.Model),
	}
	set := metric.WithAttributes(attrs...)

	m.requestCount.Add(ctx, 1, set)
	m.operationDuration.Record(ctx, a.Latency.Seconds(), set)

	if a.ErrorClass != "" {
		m.errorCount.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String(AttrErrorType, a.ErrorClass))...))
		return
	}
	if a.InputTokens > 0 {
		m.tokenUsage.Add(ctx, int64(a.InputTokens),
			metric.WithAttributes(append(attrs, attribute.String(AttrGenAITokenType, "input"))...))
	}
	if a.OutputTokens > 0 {
		m.tokenUsage.Add(ctx, int64(a.OutputTokens),
			metric.WithAttributes(append(attrs, attribute.String(AttrGenAITokenType, "output"))...))
	}
}
