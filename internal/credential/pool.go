// Package credential rotates API keys for a backend and keeps throttled keys
// out of rotation for a cooldown period.
package credential

import (
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"
)

// Config contains pool configuration.
type Config struct {
	// Cooldown is how long a key stays out of rotation after a quota error.
	Cooldown time.Duration
	// HourlyLimit is the advisory per-key request budget used for reporting.
	HourlyLimit int
	// CounterWindow is how long the per-key request counter accumulates
	// before it restarts.
	CounterWindow time.Duration
}

// DefaultConfig returns the standard pool configuration.
func DefaultConfig() Config {
	return Config{
		Cooldown:      5 * time.Minute,
		HourlyLimit:   60,
		CounterWindow: time.Hour,
	}
}

// Credential is one API key of a backend.
type Credential struct {
	key   string
	index int

	cooldownUntil   time.Time
	requests        int64
	requestsResetAt time.Time
	errorCount      int64
	lastError       string
}

// Key returns the secret. Never log it; use Masked instead.
func (c *Credential) Key() string { return c.key }

// Index returns the position of the credential in its pool.
func (c *Credential) Index() int { return c.index }

// Masked returns a log-safe rendering of the key.
func (c *Credential) Masked() string { return Mask(c.key) }

// Mask shows the first and last five characters of a secret, or "***" for
// secrets too short to be partially revealed.
func Mask(secret string) string {
	if len(secret) <= 10 {
		return "***"
	}
	return secret[:5] + "..." + secret[len(secret)-5:]
}

// Option configures a Pool.
type Option func(*Pool)

// WithConfig overrides the default configuration.
func WithConfig(cfg Config) Option {
	return func(p *Pool) {
		if cfg.Cooldown > 0 {
			p.cfg.Cooldown = cfg.Cooldown
		}
		if cfg.HourlyLimit > 0 {
			p.cfg.HourlyLimit = cfg.HourlyLimit
		}
		if cfg.CounterWindow > 0 {
			p.cfg.CounterWindow = cfg.CounterWindow
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Pool hands out the credentials of one backend in round-robin order.
type Pool struct {
	mu      sync.Mutex
	backend string
	creds   []*Credential
	cursor  int

	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// NewPool creates a pool for backend. Blank keys are ignored.
func NewPool(backend string, keys []string, opts ...Option) *Pool {
	p := &Pool{
		backend: backend,
		cfg:     DefaultConfig(),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}

	now := p.now()
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		p.creds = append(p.creds, &Credential{
			key:             k,
			index:           len(p.creds),
			requestsResetAt: now,
		})
	}
	for _, c := range p.creds {
		p.logger.Debug("credential registered",
			"backend", backend,
			"position", c.index+1,
			"total", len(p.creds),
			"key", c.Masked(),
		)
	}
	return p
}

// Backend returns the backend this pool belongs to.
func (p *Pool) Backend() string { return p.backend }

// Len returns the number of credentials.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creds)
}

// Next returns the next usable credential, skipping any that are cooling
// down. The cursor moves past the returned credential so consecutive calls
// rotate through the pool. It returns false when every credential is cooling
// down or the pool is empty.
func (p *Pool) Next() (*Credential, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, idx := p.peekLocked()
	if c == nil {
		p.logger.Warn("all credentials cooling down", "backend", p.backend, "total", len(p.creds))
		return nil, false
	}
	if !c.cooldownUntil.IsZero() {
		p.logger.Info("credential cooldown expired", "backend", p.backend, "key", c.Masked())
		c.cooldownUntil = time.Time{}
	}
	p.cursor = (idx + 1) % len(p.creds)
	return c, true
}

// Available reports whether Next would return a credential, without moving
// the cursor.
func (p *Pool) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, _ := p.peekLocked()
	return c != nil
}

func (p *Pool) peekLocked() (*Credential, int) {
	n := len(p.creds)
	now := p.now()
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		c := p.creds[idx]
		if !c.cooldownUntil.IsZero() && now.Before(c.cooldownUntil) {
			continue
		}
		return c, idx
	}
	return nil, -1
}

// MarkQuotaExceeded takes c out of rotation for the configured cooldown.
func (p *Pool) MarkQuotaExceeded(c *Credential) {
	if c == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	c.cooldownUntil = p.now().Add(p.cfg.Cooldown)
	p.logger.Warn("credential quota exceeded",
		"backend", p.backend,
		"key", c.Masked(),
		"cooldown", p.cfg.Cooldown,
	)
}

// RecordSuccess counts a successful request. The counter restarts once the
// counter window has elapsed since it last restarted.
func (p *Pool) RecordSuccess(c *Credential) {
	if c == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	c.requests++
	if now.Sub(c.requestsResetAt) > p.cfg.CounterWindow {
		c.requests = 1
		c.requestsResetAt = now
	}
}

// RecordError remembers the latest failure of c.
func (p *Pool) RecordError(c *Credential, err error) {
	if c == nil || err == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	c.errorCount++
	c.lastError = err.Error()
}

// Status is a point-in-time view of one credential.
type Status struct {
	MaskedKey                string  `json:"masked_key"`
	RequestsThisHour         int64   `json:"requests_this_hour"`
	HourlyLimit              int     `json:"hourly_limit"`
	PercentageUsed           float64 `json:"percentage_used"`
	CoolingDown              bool    `json:"cooling_down"`
	CooldownMinutesRemaining int     `json:"cooldown_minutes_remaining"`
	ErrorCount               int64   `json:"error_count"`
	LastError                string  `json:"last_error,omitempty"`
}

// PoolStatus is a point-in-time view of a pool.
type PoolStatus struct {
	Backend   string   `json:"backend"`
	TotalKeys int      `json:"total_keys"`
	Cursor    int      `json:"cursor"`
	Keys      []Status `json:"keys"`
}

// Snapshot returns the current state of every credential.
func (p *Pool) Snapshot() PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	out := PoolStatus{
		Backend:   p.backend,
		TotalKeys: len(p.creds),
		Cursor:    p.cursor,
		Keys:      make([]Status, 0, len(p.creds)),
	}
	for _, c := range p.creds {
		st := Status{
			MaskedKey:        c.Masked(),
			RequestsThisHour: c.requests,
			HourlyLimit:      p.cfg.HourlyLimit,
			ErrorCount:       c.errorCount,
			LastError:        c.lastError,
		}
		if p.cfg.HourlyLimit > 0 {
			st.PercentageUsed = math.Round(float64(c.requests)/float64(p.cfg.HourlyLimit)*1000) / 10
		}
		if remaining := c.cooldownUntil.Sub(now); remaining > 0 {
			st.CoolingDown = true
			st.CooldownMinutesRemaining = int(math.Ceil(remaining.Minutes()))
		}
		out.Keys = append(out.Keys, st)
	}
	return out
}
