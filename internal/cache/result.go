// Package cache stores expensive generation results for a bounded time and
// reports how useful the cache has been.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/blueberrycongee/genmux/internal/metrics"
)

// Category TTLs.
const (
	DefaultTTL    = 60 * time.Minute
	GenerationTTL = 120 * time.Minute
	EmbeddingTTL  = 240 * time.Minute
	ResponseTTL   = 30 * time.Minute
)

// Config holds configuration for ResultCache.
type Config struct {
	DefaultTTL    time.Duration // TTL used when Set is called without one (default: 60 minutes)
	SweepInterval time.Duration // Interval of the expired-entry sweep (default: 5 minutes)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:    DefaultTTL,
		SweepInterval: 5 * time.Minute,
	}
}

type entry struct {
	value     []byte
	createdAt time.Time
	expiresAt time.Time
	hits      atomic.Int64
}

// Stats holds cache statistics for monitoring.
type Stats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Evictions   int64   `json:"evictions"`
	HitRate     float64 `json:"hit_rate"`
	Size        int     `json:"size"`
	ApproxBytes int64   `json:"approx_bytes"`
}

// HotKey describes a frequently read entry.
type HotKey struct {
	Key  string        `json:"key"`
	Hits int64         `json:"hits"`
	Age  time.Duration `json:"age"`
}

// ResultCache is a TTL key/value store keyed by category and params.
type ResultCache struct {
	store *gocache.Cache
	group singleflight.Group

	defaultTTL time.Duration
	logger     *slog.Logger
	now        func() time.Time

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	sweepTicker *time.Ticker
	stopSweep   chan struct{}
	closeOnce   sync.Once
}

// Option configures a ResultCache.
type Option func(*ResultCache)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *ResultCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a cache and starts its background sweep. Call Close to stop it.
func New(cfg Config, opts ...Option) *ResultCache {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}

	c := &ResultCache{
		// The sweep below replaces the go-cache janitor so it can be stopped.
		store:      gocache.New(cfg.DefaultTTL, 0),
		defaultTTL: cfg.DefaultTTL,
		logger:     slog.Default(),
		now:        time.Now,
		stopSweep:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.store.OnEvicted(c.onEvicted)

	c.sweepTicker = time.NewTicker(cfg.SweepInterval)
	go c.sweepLoop()
	return c
}

func (c *ResultCache) onEvicted(_ string, v any) {
	e, ok := v.(*entry)
	if ok && !c.now().Before(e.expiresAt) {
		c.evictions.Add(1)
	}
}

func (c *ResultCache) sweepLoop() {
	for {
		select {
		case <-c.sweepTicker.C:
			c.Sweep()
		case <-c.stopSweep:
			return
		}
	}
}

// Sweep removes every expired entry and returns how many were removed.
func (c *ResultCache) Sweep() int {
	before := c.evictions.Load()
	c.store.DeleteExpired()
	removed := int(c.evictions.Load() - before)
	if removed > 0 {
		c.logger.Debug("cache sweep removed expired entries", "count", removed)
	}
	return removed
}

// Close stops the background sweep.
func (c *ResultCache) Close() error {
	c.closeOnce.Do(func() {
		c.sweepTicker.Stop()
		close(c.stopSweep)
	})
	return nil
}

// Get returns the value stored for category and params. Expired entries are
// misses and are evicted on the spot.
func (c *ResultCache) Get(category string, params any) ([]byte, bool) {
	key, err := Key(category, params)
	if err != nil {
		c.misses.Add(1)
		return nil, false
	}
	return c.GetKey(key)
}

// GetKey is Get for a precomputed key.
func (c *ResultCache) GetKey(key string) ([]byte, bool) {
	category, _, _ := strings.Cut(key, ":")
	v, found := c.store.Get(key)
	if !found {
		// Drops an expired entry the sweep has not reached yet.
		c.store.Delete(key)
		c.misses.Add(1)
		metrics.RecordCacheLookup(category, false)
		return nil, false
	}
	e := v.(*entry)
	if !c.now().Before(e.expiresAt) {
		c.store.Delete(key)
		c.misses.Add(1)
		metrics.RecordCacheLookup(category, false)
		return nil, false
	}
	e.hits.Add(1)
	c.hits.Add(1)
	metrics.RecordCacheLookup(category, true)
	return e.value, true
}

// Has reports whether a live entry exists without counting a hit or miss.
func (c *ResultCache) Has(category string, params any) bool {
	key, err := Key(category, params)
	if err != nil {
		return false
	}
	v, found := c.store.Get(key)
	return found && c.now().Before(v.(*entry).expiresAt)
}

// Set stores value under category and params. A zero ttl uses the cache
// default. It returns the key used.
func (c *ResultCache) Set(category string, params any, value []byte, ttl time.Duration) (string, error) {
	key, err := Key(category, params)
	if err != nil {
		return "", fmt.Errorf("cache key for %s: %w", category, err)
	}
	c.SetKey(key, value, ttl)
	return key, nil
}

// SetKey is Set for a precomputed key.
func (c *ResultCache) SetKey(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	now := c.now()
	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)
	c.store.Set(key, &entry{
		value:     valueCopy,
		createdAt: now,
		expiresAt: now.Add(ttl),
	}, ttl)
}

// GetOrCompute returns the cached value or runs compute and stores its
// result. Concurrent callers for the same key share one compute.
func (c *ResultCache) GetOrCompute(ctx context.Context, category string, params any, ttl time.Duration,
	compute func(ctx context.Context) ([]byte, error)) ([]byte, bool, error) {
	key, err := Key(category, params)
	if err != nil {
		return nil, false, fmt.Errorf("cache key for %s: %w", category, err)
	}
	if v, ok := c.GetKey(key); ok {
		return v, true, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		if cached, ok := c.peek(key); ok {
			return cached, nil
		}
		value, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.SetKey(key, value, ttl)
		return value, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.([]byte), false, nil
}

// peek reads a live entry without touching statistics.
func (c *ResultCache) peek(key string) ([]byte, bool) {
	v, found := c.store.Get(key)
	if !found {
		return nil, false
	}
	e := v.(*entry)
	if !c.now().Before(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

// Delete removes the entry for category and params.
func (c *ResultCache) Delete(category string, params any) bool {
	key, err := Key(category, params)
	if err != nil {
		return false
	}
	return c.InvalidateKey(key)
}

// InvalidateKey removes one entry by key.
func (c *ResultCache) InvalidateKey(key string) bool {
	_, found := c.store.Get(key)
	c.store.Delete(key)
	return found
}

// InvalidateCategory removes every entry of category.
func (c *ResultCache) InvalidateCategory(category string) int {
	prefix := category + ":"
	count := 0
	for key := range c.store.Items() {
		if strings.HasPrefix(key, prefix) {
			c.store.Delete(key)
			count++
		}
	}
	c.logger.Info("cache category invalidated", "category", category, "count", count)
	return count
}

// InvalidatePattern removes every entry whose key matches pattern.
func (c *ResultCache) InvalidatePattern(pattern string) (int, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, fmt.Errorf("invalid pattern: %w", err)
	}
	count := 0
	for key := range c.store.Items() {
		if re.MatchString(key) {
			c.store.Delete(key)
			count++
		}
	}
	c.logger.Info("cache pattern invalidated", "pattern", pattern, "count", count)
	return count, nil
}

// Clear removes every entry and returns how many there were.
func (c *ResultCache) Clear() int {
	n := c.store.ItemCount()
	c.store.Flush()
	c.logger.Info("cache cleared", "count", n)
	return n
}

// Stats returns cache statistics. HitRate is a percentage.
func (c *ResultCache) Stats() Stats {
	hits, misses := c.hits.Load(), c.misses.Load()
	items := c.store.Items()

	var bytes int64
	for key, it := range items {
		bytes += int64(len(key))
		if e, ok := it.Object.(*entry); ok {
			bytes += int64(len(e.value))
		}
	}

	st := Stats{
		Hits:        hits,
		Misses:      misses,
		Evictions:   c.evictions.Load(),
		Size:        len(items),
		ApproxBytes: bytes,
	}
	if total := hits + misses; total > 0 {
		st.HitRate = float64(hits) / float64(total) * 100
	}
	return st
}

// HotKeys returns up to n live entries with the most hits. Keys are
// truncated for display.
func (c *ResultCache) HotKeys(n int) []HotKey {
	now := c.now()
	var out []HotKey
	for key, it := range c.store.Items() {
		e, ok := it.Object.(*entry)
		if !ok {
			continue
		}
		display := key
		if len(display) > 16 {
			display = display[:16] + "..."
		}
		out = append(out, HotKey{
			Key:  display,
			Hits: e.hits.Load(),
			Age:  now.Sub(e.createdAt).Truncate(time.Second),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Hits > out[j].Hits })
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
