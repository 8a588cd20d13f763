package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"

	"github.com/blueberrycongee/genmux/internal/config"
	"github.com/blueberrycongee/genmux/internal/observability"
	"github.com/blueberrycongee/genmux/internal/orchestrator"
	"github.com/blueberrycongee/genmux/internal/scheduler"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newOpenAIStub(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key-0000001" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"gpt-4o-mini","choices":[{"message":{"role":"assistant","content":"pong"}}]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(baseURL string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.PrimaryBackend = "openai"
	cfg.Backends = []config.BackendConfig{
		{
			Name:              "openai",
			Type:              "openai",
			APIKeys:           []string{"test-key-0000001"},
			BaseURL:           baseURL,
			Models:            []string{"gpt-4o-mini"},
			RequestsPerMinute: 10,
		},
		{Name: "broken", Type: "no-such-type", APIKeys: []string{"x"}},
	}
	return cfg
}

func TestBuildApp_ServesGenerate(t *testing.T) {
	stub := newOpenAIStub(t)
	cfg := testConfig(stub.URL)

	a, err := buildApp(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("buildApp() error = %v", err)
	}
	defer a.Close()

	backends := a.orch.Backends()
	if len(backends) != 1 || backends[0].Name != "openai" {
		t.Fatalf("backends = %+v, want only openai", backends)
	}

	mux, err := buildMux(cfg, a.handler)
	if err != nil {
		t.Fatalf("buildMux() error = %v", err)
	}
	handler := buildMiddlewareStack(mux)

	req := httptest.NewRequest(http.MethodPost, "/v1/generate", strings.NewReader(`{"prompt":"ping"}`))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var res struct {
		Text     string `json:"text"`
		Provider string `json:"provider"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res.Text != "pong" || res.Provider != "openai" {
		t.Fatalf("result = %+v", res)
	}
}

func TestBuildApp_SharedQuotaWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	stub := newOpenAIStub(t)
	cfg := testConfig(stub.URL)
	cfg.Redis.Addr = mr.Addr()

	a, err := buildApp(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("buildApp() error = %v", err)
	}
	defer a.Close()

	if a.redis == nil {
		t.Fatal("expected redis client when redis.addr is set")
	}
	if !a.quota.CanCall(context.Background(), "openai") {
		t.Fatal("fresh backend should be callable")
	}
	a.quota.Record(context.Background(), "openai", 5, true, "")

	keys := mr.Keys()
	if len(keys) == 0 {
		t.Fatal("expected the request to be counted in redis")
	}
	for _, k := range keys {
		if !strings.HasPrefix(k, cfg.Redis.KeyPrefix) {
			t.Fatalf("key %q missing prefix %q", k, cfg.Redis.KeyPrefix)
		}
	}
}

func TestBuildApp_RateLimitAndCacheToggles(t *testing.T) {
	stub := newOpenAIStub(t)
	cfg := testConfig(stub.URL)
	cfg.Cache.Enabled = false
	cfg.RateLimit.Enabled = true

	a, err := buildApp(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("buildApp() error = %v", err)
	}
	defer a.Close()

	if a.cache != nil {
		t.Fatal("cache should be nil when disabled")
	}
	if a.limiter == nil {
		t.Fatal("rate limiter should be set when enabled")
	}
}

func TestBuildApp_NilConfig(t *testing.T) {
	if _, err := buildApp(context.Background(), nil, nil); err != errNilConfig {
		t.Fatalf("buildApp(nil) error = %v, want %v", err, errNilConfig)
	}
}

func TestApplyReload_UpdatesQuotaLimits(t *testing.T) {
	stub := newOpenAIStub(t)
	cfg := testConfig(stub.URL)

	a, err := buildApp(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("buildApp() error = %v", err)
	}
	defer a.Close()

	ctx := context.Background()
	reloaded := testConfig(stub.URL)
	reloaded.Backends[0].RequestsPerMinute = 1
	a.applyReload(reloaded)

	a.quota.Record(ctx, "openai", 1, true, "")
	if a.quota.CanCall(ctx, "openai") {
		t.Fatal("limit of 1 should be reached after one call")
	}
}

func TestSecrets(t *testing.T) {
	cfg := &config.Config{
		Backends: []config.BackendConfig{
			{Name: "a", APIKeys: []string{"k1", "k2"}},
			{Name: "b", APIKeys: []string{"k3"}},
		},
		Redis: config.RedisConfig{Password: "hunter22"},
	}
	got := secrets(cfg)
	want := []string{"k1", "k2", "k3", "hunter22"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("secrets() = %v, want %v", got, want)
	}
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Logging.Level = "verbose"
	if _, err := newLogger(cfg, nil); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestOTLPConfig(t *testing.T) {
	got := otlpConfig(config.OTLPConfig{
		Enabled:  true,
		Endpoint: "collector:4318",
		Protocol: "HTTP",
		Headers:  map[string]string{"x-team": "gen"},
	}, "genmux")

	if got.Protocol != observability.ExporterHTTP {
		t.Fatalf("protocol = %q, want %q", got.Protocol, observability.ExporterHTTP)
	}
	if !got.Enabled || got.Endpoint != "collector:4318" || got.ServiceName != "genmux" || got.Headers["x-team"] != "gen" {
		t.Fatalf("otlpConfig() = %+v", got)
	}
}

func TestBuildApp_ExtraOrchestratorOptions(t *testing.T) {
	stub := newOpenAIStub(t)
	cfg := testConfig(stub.URL)

	mp, err := observability.InitMetrics(context.Background(), observability.OTLPConfig{})
	if err != nil {
		t.Fatalf("InitMetrics() error = %v", err)
	}
	genai, err := observability.NewGenAIMetrics(mp.Meter())
	if err != nil {
		t.Fatalf("NewGenAIMetrics() error = %v", err)
	}

	a, err := buildApp(context.Background(), cfg, discardLogger(), orchestrator.WithGenAIMetrics(genai))
	if err != nil {
		t.Fatalf("buildApp() error = %v", err)
	}
	defer a.Close()

	res, err := a.orch.Generate(context.Background(), orchestrator.Request{Prompt: "ping"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if res.Text != "pong" {
		t.Fatalf("text = %q, want pong", res.Text)
	}
}

func TestBuildApp_ZeroMaxRetriesDisablesRetries(t *testing.T) {
	cfg := testConfig(newOpenAIStub(t).URL)
	cfg.Scheduler.MaxRetries = 0
	cfg.Scheduler.RetryDelay = time.Millisecond

	a, err := buildApp(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("buildApp() error = %v", err)
	}
	defer a.Close()

	calls := 0
	a.jobs.Register("fail", func(context.Context, *scheduler.Job, scheduler.Progress) (any, error) {
		calls++
		return nil, errors.New("boom")
	})
	a.jobs.Start(context.Background())
	defer a.jobs.Stop()

	id := a.jobs.Submit("fail", nil, 0)
	deadline := time.Now().Add(5 * time.Second)
	var v scheduler.StatusView
	for time.Now().Before(deadline) {
		v, _ = a.jobs.Status(id)
		if v.Status.Terminal() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	a.jobs.Stop()
	if v.Status != scheduler.StatusFailed || v.Retries != 0 || calls != 1 {
		t.Fatalf("status = %s retries = %d calls = %d, want failed/0/1", v.Status, v.Retries, calls)
	}
}
