// Package main is the entry point for the genmux generation server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	otellog "go.opentelemetry.io/otel/log"

	"github.com/blueberrycongee/genmux/internal/config"
	"github.com/blueberrycongee/genmux/internal/observability"
	"github.com/blueberrycongee/genmux/internal/orchestrator"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file (optional)")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before reading the environment")
	flag.Parse()

	if err := run(*configPath, *envFile); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath, envFile string) error {
	// Bootstrap logger until the configured one is available.
	bootstrap := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(bootstrap)

	if err := config.LoadDotEnv(envFile); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}

	cfgManager, err := config.NewManager(configPath, bootstrap)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	defer func() { _ = cfgManager.Close() }()
	cfg := cfgManager.Get()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	lp, err := observability.InitLogs(ctx, otlpConfig(cfg.Logging.OTLP, cfg.Tracing.ServiceName))
	if err != nil {
		return fmt.Errorf("init otlp logs: %w", err)
	}
	var export otellog.Logger
	if lp.Enabled() {
		export = lp.Logger()
	}

	logger, err := newLogger(cfg, export)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	logger.Info("starting genmux", "version", "0.1.0", "config", cfgManager.Status().Path)

	tp, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		Protocol:    observability.ExporterType(strings.ToLower(cfg.Tracing.Protocol)),
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
		Insecure:    cfg.Tracing.Insecure,
		Headers:     cfg.Tracing.Headers,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	mp, err := observability.InitMetrics(ctx, otlpConfig(cfg.Metrics.OTLP, cfg.Tracing.ServiceName))
	if err != nil {
		return fmt.Errorf("init otlp metrics: %w", err)
	}
	var orchOpts []orchestrator.Option
	if cfg.Metrics.OTLP.Enabled {
		genai, err := observability.NewGenAIMetrics(mp.Meter())
		if err != nil {
			return fmt.Errorf("create gen_ai metrics: %w", err)
		}
		orchOpts = append(orchOpts, orchestrator.WithGenAIMetrics(genai))
	}

	a, err := buildApp(ctx, cfg, logger, orchOpts...)
	if err != nil {
		return err
	}
	defer a.Close()

	cfgManager.OnChange(a.applyReload)
	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}

	mux, err := buildMux(cfg, a.handler)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      buildMiddlewareStack(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	a.jobs.Start(ctx)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	a.jobs.Stop()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown error", "error", err)
	}
	if err := mp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("meter shutdown error", "error", err)
	}
	logger.Info("server stopped")
	if err := lp.Shutdown(shutdownCtx); err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Warn("log exporter shutdown error", "error", err)
	}
	return nil
}

// newLogger builds the configured logger. Every configured key is masked in
// log output regardless of its format. A non-nil export also receives every
// record.
func newLogger(cfg *config.Config, export otellog.Logger) (*slog.Logger, error) {
	level, err := observability.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	redactor := observability.NewRedactor()
	redactor.AddSecrets(secrets(cfg)...)

	logger := observability.NewLogger(observability.LoggerConfig{
		Level:      level,
		JSONFormat: !strings.EqualFold(cfg.Logging.Format, "text"),
		Export:     export,
	}, redactor)
	return logger.Slog(), nil
}

func otlpConfig(c config.OTLPConfig, serviceName string) observability.OTLPConfig {
	return observability.OTLPConfig{
		Enabled:        c.Enabled,
		Endpoint:       c.Endpoint,
		Protocol:       observability.ExporterType(strings.ToLower(c.Protocol)),
		ServiceName:    serviceName,
		Insecure:       c.Insecure,
		Headers:        c.Headers,
		ExportInterval: c.ExportInterval,
	}
}
