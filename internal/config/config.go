// Package config provides configuration management with hot-reload support.
// Settings come from an optional YAML file, then from environment variables
// following the <NAME>_API_KEYS convention. fsnotify watches the file and
// atomic pointer swaps publish updates.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration.
type Config struct {
	Server         ServerConfig     `yaml:"server"`
	PrimaryBackend string           `yaml:"primary_backend"`
	Backends       []BackendConfig  `yaml:"backends"`
	Credentials    CredentialConfig `yaml:"credentials"`
	Health         HealthConfig     `yaml:"health"`
	Cache          CacheConfig      `yaml:"cache"`
	Scheduler      SchedulerConfig  `yaml:"scheduler"`
	Redis          RedisConfig      `yaml:"redis"`
	RateLimit      RateLimitConfig  `yaml:"rate_limit"`
	Logging        LoggingConfig    `yaml:"logging"`
	Metrics        MetricsConfig    `yaml:"metrics"`
	Tracing        TracingConfig    `yaml:"tracing"`

	envWarnings []Warning
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// BackendTimeout bounds a single backend HTTP call.
	BackendTimeout time.Duration `yaml:"backend_timeout"`
}

// BackendConfig defines a single generation backend.
type BackendConfig struct {
	Name          string            `yaml:"name"`
	Type          string            `yaml:"type"` // openai, gemini, anthropic
	APIKeys       []string          `yaml:"api_keys"`
	BaseURL       string            `yaml:"base_url"`
	Models        []string          `yaml:"models"`
	ModelPrefixes []string          `yaml:"model_prefixes"`
	Headers       map[string]string `yaml:"headers"`
	// RequestsPerMinute is the local call limit; zero means unlimited.
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Disabled          bool `yaml:"disabled"`
}

// CredentialConfig contains API key rotation settings.
type CredentialConfig struct {
	Cooldown    time.Duration `yaml:"cooldown"`
	HourlyLimit int           `yaml:"hourly_limit"`
}

// HealthConfig contains reliability scoring settings.
type HealthConfig struct {
	MaxLatencySamples  int           `yaml:"max_latency_samples"`
	BlacklistThreshold int           `yaml:"blacklist_threshold"`
	BlacklistWindow    time.Duration `yaml:"blacklist_window"`
}

// CacheConfig contains result cache settings.
type CacheConfig struct {
	Enabled       bool          `yaml:"enabled"`
	DefaultTTL    time.Duration `yaml:"default_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// SchedulerConfig contains job queue settings.
type SchedulerConfig struct {
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

// RedisConfig configures the shared per-minute quota window. An empty Addr
// keeps quota counting in-process.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// RateLimitConfig defines per-client rate limiting of the HTTP API.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string     `yaml:"level"`  // debug, info, warn, error
	Format string     `yaml:"format"` // json, text
	OTLP   OTLPConfig `yaml:"otlp"`   // also export records over OTLP
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool       `yaml:"enabled"`
	Path    string     `yaml:"path"`
	OTLP    OTLPConfig `yaml:"otlp"` // push gen_ai metrics over OTLP
}

// OTLPConfig configures an OTLP exporter for metrics or logs.
type OTLPConfig struct {
	Enabled        bool              `yaml:"enabled"`
	Endpoint       string            `yaml:"endpoint"`
	Protocol       string            `yaml:"protocol"` // grpc, http
	Insecure       bool              `yaml:"insecure"`
	Headers        map[string]string `yaml:"headers"`
	ExportInterval time.Duration     `yaml:"export_interval"` // metrics only
}

// TracingConfig contains OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`     // OTLP endpoint (e.g., "localhost:4317")
	ServiceName string            `yaml:"service_name"` // Service name for traces
	SampleRate  float64           `yaml:"sample_rate"`  // Sampling rate (0.0 to 1.0)
	Insecure    bool              `yaml:"insecure"`     // Use insecure connection (no TLS)
	Protocol    string            `yaml:"protocol"`     // grpc, http
	Headers     map[string]string `yaml:"headers"`
}

// DefaultPrimaryBackend is used when neither the file nor the environment
// names a primary backend.
const DefaultPrimaryBackend = "gemini"

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    6 * time.Minute,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			BackendTimeout:  2 * time.Minute,
		},
		PrimaryBackend: DefaultPrimaryBackend,
		Credentials: CredentialConfig{
			Cooldown:    5 * time.Minute,
			HourlyLimit: 60,
		},
		Health: HealthConfig{
			MaxLatencySamples:  100,
			BlacklistThreshold: 3,
			BlacklistWindow:    5 * time.Minute,
		},
		Cache: CacheConfig{
			Enabled:       true,
			DefaultTTL:    60 * time.Minute,
			SweepInterval: 5 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			Concurrency: 3,
			Timeout:     5 * time.Minute,
			MaxRetries:  3,
			RetryDelay:  time.Second,
		},
		Redis: RedisConfig{
			KeyPrefix: "genmux:quota:",
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerMinute: 60,
			BurstSize:         10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			OTLP: OTLPConfig{
				Endpoint: "localhost:4317",
				Protocol: "grpc",
				Insecure: true,
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			OTLP: OTLPConfig{
				Endpoint:       "localhost:4317",
				Protocol:       "grpc",
				Insecure:       true,
				ExportInterval: 60 * time.Second,
			},
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "genmux",
			SampleRate:  1.0,
			Insecure:    true,
			Protocol:    "grpc",
		},
	}
}

// LoadDotEnv loads KEY=VALUE files into the process environment. Variables
// that are already set win. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load builds the configuration from path, or from defaults when path is
// empty, then applies the environment.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := DefaultConfig()
		return finish(cfg)
	}
	return LoadFromFile(path)
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	cfg.ApplyEnv(os.LookupEnv)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Backend returns the backend named name.
func (c *Config) Backend(name string) (BackendConfig, bool) {
	for _, b := range c.Backends {
		if b.Name == name {
			return b, true
		}
	}
	return BackendConfig{}, false
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.BackendTimeout < 0 {
		return fmt.Errorf("server.backend_timeout cannot be negative")
	}

	seen := make(map[string]bool, len(c.Backends))
	for i, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("backend[%d]: name is required", i)
		}
		if seen[b.Name] {
			return fmt.Errorf("backend[%d]: duplicate name %q", i, b.Name)
		}
		seen[b.Name] = true
		if b.Type == "" {
			return fmt.Errorf("backend[%d] %q: type is required", i, b.Name)
		}
		if b.RequestsPerMinute < 0 {
			return fmt.Errorf("backend[%d] %q: requests_per_minute cannot be negative", i, b.Name)
		}
		if b.BaseURL != "" {
			if err := validateBaseURL(b.BaseURL); err != nil {
				return fmt.Errorf("backend[%d] %q: %w", i, b.Name, err)
			}
		}
	}

	if c.Credentials.Cooldown < 0 {
		return fmt.Errorf("credentials.cooldown cannot be negative")
	}
	if c.Health.BlacklistWindow < 0 {
		return fmt.Errorf("health.blacklist_window cannot be negative")
	}

	if c.Scheduler.Concurrency <= 0 {
		return fmt.Errorf("scheduler.concurrency must be positive")
	}
	if c.Scheduler.Timeout <= 0 {
		return fmt.Errorf("scheduler.timeout must be positive")
	}
	if c.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("scheduler.max_retries cannot be negative")
	}
	if c.Scheduler.RetryDelay < 0 {
		return fmt.Errorf("scheduler.retry_delay cannot be negative")
	}

	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("rate_limit.requests_per_minute must be positive when enabled")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %q", c.Logging.Level)
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}
	if err := validateOTLP("tracing", c.Tracing.Enabled, c.Tracing.Endpoint, c.Tracing.Protocol); err != nil {
		return err
	}
	if err := validateOTLP("metrics.otlp", c.Metrics.OTLP.Enabled, c.Metrics.OTLP.Endpoint, c.Metrics.OTLP.Protocol); err != nil {
		return err
	}
	if c.Metrics.OTLP.ExportInterval < 0 {
		return fmt.Errorf("metrics.otlp.export_interval cannot be negative")
	}
	if err := validateOTLP("logging.otlp", c.Logging.OTLP.Enabled, c.Logging.OTLP.Endpoint, c.Logging.OTLP.Protocol); err != nil {
		return err
	}

	return nil
}

// validateBaseURL rejects endpoints that are not plain http(s) roots. Keys
// are sent in headers, so userinfo in the URL is never needed.
func validateBaseURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid base_url: %w", err)
	}
	switch {
	case u.Scheme != "http" && u.Scheme != "https":
		return fmt.Errorf("invalid base_url scheme %q (must be http or https)", u.Scheme)
	case u.Hostname() == "":
		return fmt.Errorf("invalid base_url host %q", u.Host)
	case u.User != nil:
		return errors.New("base_url must not contain userinfo")
	case u.RawQuery != "":
		return errors.New("base_url must not contain query")
	case u.Fragment != "":
		return errors.New("base_url must not contain fragment")
	}
	return nil
}

func validateOTLP(section string, enabled bool, endpoint, protocol string) error {
	switch strings.ToLower(protocol) {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("%s.protocol must be grpc or http, got %q", section, protocol)
	}
	if enabled && endpoint == "" {
		return fmt.Errorf("%s.endpoint is required when enabled", section)
	}
	return nil
}
