package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

const managerConfig = `
server:
  port: 8080
backends:
  - name: gemini
    api_keys: ["AIzaSy-test-key"]
    requests_per_minute: 600
`

func TestManagerStatus(t *testing.T) {
	clearBackendEnv(t)
	path := writeConfigFile(t, managerConfig)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr, err := NewManager(path, logger)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	status := mgr.Status()
	if status.Path != path {
		t.Fatalf("Status().Path = %q, want %q", status.Path, path)
	}
	if status.Checksum == "" {
		t.Fatal("Status().Checksum is empty")
	}
	if status.LoadedAt.IsZero() {
		t.Fatal("Status().LoadedAt is zero")
	}
	if status.ReloadCount == 0 {
		t.Fatal("Status().ReloadCount should be > 0")
	}
}

func TestManagerReloadUpdatesChecksum(t *testing.T) {
	clearBackendEnv(t)
	path := writeConfigFile(t, managerConfig)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr, err := NewManager(path, logger)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	var notified atomic.Pointer[Config]
	mgr.OnChange(func(c *Config) { notified.Store(c) })

	// An unchanged file is not a reload.
	if err := mgr.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if notified.Load() != nil {
		t.Fatal("unchanged file should not notify")
	}

	before := mgr.Status()

	if err := os.WriteFile(path, []byte(`
server:
  port: 9090
backends:
  - name: gemini
    api_keys: ["AIzaSy-test-key"]
    requests_per_minute: 60
`), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if err := mgr.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	after := mgr.Status()
	if after.Checksum == before.Checksum {
		t.Fatal("expected checksum to change after reload")
	}
	if after.ReloadCount != before.ReloadCount+1 {
		t.Fatalf("expected reload count %d, got %d", before.ReloadCount+1, after.ReloadCount)
	}
	if mgr.Get().Server.Port != 9090 {
		t.Fatalf("expected server port 9090, got %d", mgr.Get().Server.Port)
	}
	if got := notified.Load(); got == nil || got.Backends[0].RequestsPerMinute != 60 {
		t.Fatalf("OnChange not called with the new config: %+v", got)
	}
}

func TestManagerReloadKeepsCurrentOnError(t *testing.T) {
	clearBackendEnv(t)
	path := writeConfigFile(t, managerConfig)
	mgr, err := NewManager(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	if err := os.WriteFile(path, []byte("server:\n  port: 0\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := mgr.Reload(); err == nil {
		t.Fatal("expected validation error")
	}
	if mgr.Get().Server.Port != 8080 {
		t.Fatalf("current config replaced by invalid one")
	}
}

func TestManagerWatch(t *testing.T) {
	clearBackendEnv(t)
	path := writeConfigFile(t, managerConfig)
	mgr, err := NewManager(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	changed := make(chan *Config, 1)
	mgr.OnChange(func(c *Config) {
		select {
		case changed <- c:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mgr.Watch(ctx); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	if err := os.WriteFile(path, []byte(managerConfig+"\nlogging:\n  level: debug\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	select {
	case c := <-changed:
		if c.Logging.Level != "debug" {
			t.Fatalf("logging level = %q, want debug", c.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestManagerWithoutFile(t *testing.T) {
	clearBackendEnv(t)
	t.Setenv("OPENAI_API_KEYS", "sk-one")
	mgr, err := NewManager("", nil)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if _, ok := mgr.Get().Backend("openai"); !ok {
		t.Fatal("openai backend from environment missing")
	}
	if err := mgr.Watch(context.Background()); err != nil {
		t.Fatalf("Watch() without a file should be a no-op, got %v", err)
	}
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
