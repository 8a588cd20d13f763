package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	lognoop "go.opentelemetry.io/otel/log/noop"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// ExporterType selects the OTLP transport.
type ExporterType string

// OTLP transports.
const (
	ExporterGRPC ExporterType = "grpc"
	ExporterHTTP ExporterType = "http"
)

// DefaultExportInterval is how often metrics are pushed.
const DefaultExportInterval = 60 * time.Second

// OTLPConfig configures the metrics or logs exporter.
type OTLPConfig struct {
	Enabled     bool
	Endpoint    string
	Protocol    ExporterType
	ServiceName string
	Insecure    bool
	Headers     map[string]string
	// ExportInterval applies to metrics only.
	ExportInterval time.Duration
}

func newResource(serviceName string) (*resource.Resource, error) {
	if serviceName == "" {
		serviceName = TracerName
	}
	// Schemaless so the merge never conflicts with the SDK default schema.
	return resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(serviceName),
			attribute.String("gen_ai.system", "genmux"),
		),
	)
}

// MeterProvider wraps the OpenTelemetry meter provider.
type MeterProvider struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter
}

// InitMetrics starts pushing OTLP metrics. When disabled the returned
// provider hands out the global (no-op by default) meter.
func InitMetrics(ctx context.Context, cfg OTLPConfig) (*MeterProvider, error) {
	if !cfg.Enabled {
		return &MeterProvider{meter: otel.Meter(TracerName)}, nil
	}

	exporter, err := newMetricExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	res, err := newResource(cfg.ServiceName)
	if err != nil {
		return nil, err
	}

	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = DefaultExportInterval
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(provider)

	return &MeterProvider{provider: provider, meter: provider.Meter(TracerName)}, nil
}

// Meter returns the meter instance.
func (mp *MeterProvider) Meter() metric.Meter {
	return mp.meter
}

// Shutdown flushes and stops the meter provider.
func (mp *MeterProvider) Shutdown(ctx context.Context) error {
	if mp == nil || mp.provider == nil {
		return nil
	}
	return mp.provider.Shutdown(ctx)
}

func newMetricExporter(ctx context.Context, cfg OTLPConfig) (sdkmetric.Exporter, error) {
	if cfg.Protocol == ExporterHTTP {
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlpmetrichttp.WithHeaders(cfg.Headers))
		}
		return otlpmetrichttp.New(ctx, opts...)
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlpmetricgrpc.WithHeaders(cfg.Headers))
	}
	return otlpmetricgrpc.New(ctx, opts...)
}

// LogProvider wraps the OpenTelemetry logger provider.
type LogProvider struct {
	provider *sdklog.LoggerProvider
	logger   log.Logger
}

// InitLogs starts exporting log records over OTLP. When disabled Logger
// returns a no-op logger and Enabled reports false.
func InitLogs(ctx context.Context, cfg OTLPConfig) (*LogProvider, error) {
	if !cfg.Enabled {
		return &LogProvider{}, nil
	}

	exporter, err := newLogExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create log exporter: %w", err)
	}
	res, err := newResource(cfg.ServiceName)
	if err != nil {
		return nil, err
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)
	global.SetLoggerProvider(provider)

	return &LogProvider{provider: provider, logger: provider.Logger(TracerName)}, nil
}

// Enabled reports whether records are exported.
func (lp *LogProvider) Enabled() bool {
	return lp != nil && lp.provider != nil
}

// Logger returns the OTel logger records are emitted to.
func (lp *LogProvider) Logger() log.Logger {
	if !lp.Enabled() {
		return lognoop.NewLoggerProvider().Logger(TracerName)
	}
	return lp.logger
}

// Shutdown flushes and stops the logger provider.
func (lp *LogProvider) Shutdown(ctx context.Context) error {
	if !lp.Enabled() {
		return nil
	}
	return lp.provider.Shutdown(ctx)
}

func newLogExporter(ctx context.Context, cfg OTLPConfig) (sdklog.Exporter, error) {
	if cfg.Protocol == ExporterHTTP {
		opts := []otlploghttp.Option{otlploghttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlploghttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlploghttp.WithHeaders(cfg.Headers))
		}
		return otlploghttp.New(ctx, opts...)
	}

	opts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlploggrpc.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlploggrpc.WithHeaders(cfg.Headers))
	}
	return otlploggrpc.New(ctx, opts...)
}
