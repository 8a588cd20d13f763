package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/genmux/internal/api"
	"github.com/blueberrycongee/genmux/internal/cache"
	"github.com/blueberrycongee/genmux/internal/config"
	"github.com/blueberrycongee/genmux/internal/credential"
	"github.com/blueberrycongee/genmux/internal/health"
	"github.com/blueberrycongee/genmux/internal/orchestrator"
	"github.com/blueberrycongee/genmux/internal/provider"
	"github.com/blueberrycongee/genmux/internal/provider/providers"
	"github.com/blueberrycongee/genmux/internal/quota"
	"github.com/blueberrycongee/genmux/internal/scheduler"
)

var errNilConfig = errors.New("config is required")

const redisPingTimeout = 2 * time.Second

// app holds the long-lived components built from configuration.
type app struct {
	orch    *orchestrator.Orchestrator
	jobs    *scheduler.Scheduler
	cache   *cache.ResultCache
	quota   *quota.Tracker
	limiter *api.ClientRateLimiter
	redis   *redis.Client
	handler *api.Handler
	logger  *slog.Logger
}

// buildApp wires credential pools, quota, health, cache, orchestrator and
// scheduler. Backends whose adapter cannot be created are skipped. extra is
// applied after the options derived from cfg.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, extra ...orchestrator.Option) (*app, error) {
	if cfg == nil {
		return nil, errNilConfig
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &app{logger: logger}

	var quotaOpts []quota.Option
	quotaOpts = append(quotaOpts, quota.WithLogger(logger))
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		if err := a.redis.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis unreachable, quota window falls back to local counting",
				"addr", cfg.Redis.Addr, "error", err)
		}
		cancel()
		quotaOpts = append(quotaOpts, quota.WithSharedWindow(quota.NewRedisWindow(a.redis, cfg.Redis.KeyPrefix)))
	}
	a.quota = quota.NewTracker(backendLimits(cfg), quotaOpts...)

	creds := credential.NewRegistry()
	credCfg := credential.DefaultConfig()
	credCfg.Cooldown = cfg.Credentials.Cooldown
	credCfg.HourlyLimit = cfg.Credentials.HourlyLimit

	scorer := health.NewScorer(
		health.WithConfig(health.Config{
			MaxLatencySamples:  cfg.Health.MaxLatencySamples,
			BlacklistThreshold: cfg.Health.BlacklistThreshold,
			BlacklistWindow:    cfg.Health.BlacklistWindow,
		}),
		health.WithLogger(logger),
	)

	registry := providers.NewRegistry()
	backends := make([]orchestrator.Backend, 0, len(cfg.Backends))
	for _, bc := range cfg.Backends {
		adapter, err := registry.Create(provider.Config{
			Name:          bc.Name,
			Type:          bc.Type,
			BaseURL:       bc.BaseURL,
			Models:        bc.Models,
			ModelPrefixes: bc.ModelPrefixes,
			Headers:       bc.Headers,
		})
		if err != nil {
			logger.Error("failed to create backend", "backend", bc.Name, "error", err)
			continue
		}
		creds.Add(credential.NewPool(bc.Name, bc.APIKeys,
			credential.WithConfig(credCfg),
			credential.WithLogger(logger),
		))
		backends = append(backends, orchestrator.Backend{Adapter: adapter, Enabled: !bc.Disabled})
		logger.Info("backend registered",
			"backend", bc.Name,
			"type", bc.Type,
			"keys", len(bc.APIKeys),
			"models", adapter.Models(),
			"enabled", !bc.Disabled,
		)
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithPrimary(cfg.PrimaryBackend),
		orchestrator.WithCaller(provider.NewCaller(&http.Client{Timeout: cfg.Server.BackendTimeout})),
		orchestrator.WithLogger(logger),
	}
	if cfg.Cache.Enabled {
		a.cache = cache.New(cache.Config{
			DefaultTTL:    cfg.Cache.DefaultTTL,
			SweepInterval: cfg.Cache.SweepInterval,
		}, cache.WithLogger(logger))
		orchOpts = append(orchOpts, orchestrator.WithCache(a.cache))
	}
	orchOpts = append(orchOpts, extra...)

	orch, err := orchestrator.New(backends,
		orchestrator.Components{Credentials: creds, Quota: a.quota, Health: scorer},
		orchOpts...,
	)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build orchestrator: %w", err)
	}
	a.orch = orch

	a.jobs = scheduler.New(
		scheduler.WithConfig(scheduler.Config{
			Concurrency: cfg.Scheduler.Concurrency,
			Timeout:     cfg.Scheduler.Timeout,
			MaxRetries:  cfg.Scheduler.MaxRetries,
			RetryDelay:  cfg.Scheduler.RetryDelay,
		}),
		scheduler.WithMaxRetries(cfg.Scheduler.MaxRetries),
		scheduler.WithLogger(logger),
	)
	a.jobs.Register(orchestrator.JobTypeGenerate, orchestrator.GenerateJobHandler(orch))

	handlerOpts := []api.Option{api.WithLogger(logger)}
	if a.cache != nil {
		handlerOpts = append(handlerOpts, api.WithCache(a.cache))
	}
	if cfg.RateLimit.Enabled {
		a.limiter = api.NewClientRateLimiter(api.RateLimiterConfig{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.BurstSize,
			Logger:            logger,
		})
		handlerOpts = append(handlerOpts, api.WithRateLimiter(a.limiter))
		logger.Info("client rate limiting enabled",
			"rpm", cfg.RateLimit.RequestsPerMinute,
			"burst", cfg.RateLimit.BurstSize,
		)
	}
	a.handler = api.NewHandler(orch, a.jobs, handlerOpts...)
	return a, nil
}

// backendLimits maps backend names to their per-minute call limits.
func backendLimits(cfg *config.Config) map[string]int {
	limits := make(map[string]int, len(cfg.Backends))
	for _, b := range cfg.Backends {
		if b.RequestsPerMinute > 0 {
			limits[b.Name] = b.RequestsPerMinute
		}
	}
	return limits
}

// applyReload pushes settings that can change at runtime. Backends and keys
// are fixed for the process lifetime.
func (a *app) applyReload(cfg *config.Config) {
	for _, b := range cfg.Backends {
		a.quota.SetLimit(b.Name, b.RequestsPerMinute)
	}
	a.logger.Info("configuration reloaded; backend and key changes apply after restart")
}

// Close releases the resources held by the app. The scheduler is stopped
// separately because it is started by the caller.
func (a *app) Close() {
	if a.limiter != nil {
		a.limiter.Close()
	}
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", "error", err)
		}
	}
}

// secrets returns every configured API key for log redaction.
func secrets(cfg *config.Config) []string {
	var out []string
	for _, b := range cfg.Backends {
		out = append(out, b.APIKeys...)
	}
	if cfg.Redis.Password != "" {
		out = append(out, cfg.Redis.Password)
	}
	return out
}
