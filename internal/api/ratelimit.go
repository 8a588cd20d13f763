package api //nolint:revive // package name is intentional

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/blueberrycongee/genmux/internal/metrics"
)

// ClientRateLimiter limits requests per client address.
type ClientRateLimiter struct {
	mu         sync.RWMutex
	limiters   map[string]*rate.Limiter
	lastAccess map[string]time.Time
	rate       rate.Limit
	burst      int
	cleanupTTL time.Duration
	logger     *slog.Logger
	now        func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// RateLimiterConfig contains configuration for the client rate limiter.
type RateLimiterConfig struct {
	RequestsPerMinute int           // Sustained requests per minute per client
	Burst             int           // Burst size
	CleanupTTL        time.Duration // TTL for inactive clients
	Logger            *slog.Logger
}

// NewClientRateLimiter creates a limiter and starts its cleanup loop.
// Call Close to stop it.
func NewClientRateLimiter(cfg RateLimiterConfig) *ClientRateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.CleanupTTL <= 0 {
		cfg.CleanupTTL = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	l := &ClientRateLimiter{
		limiters:   make(map[string]*rate.Limiter),
		lastAccess: make(map[string]time.Time),
		rate:       rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		burst:      cfg.Burst,
		cleanupTTL: cfg.CleanupTTL,
		logger:     cfg.Logger,
		now:        time.Now,
		stop:       make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether client may make a request now.
func (l *ClientRateLimiter) Allow(client string) bool {
	return l.getLimiter(client).AllowN(l.now(), 1)
}

func (l *ClientRateLimiter) getLimiter(client string) *rate.Limiter {
	now := l.now()

	l.mu.RLock()
	limiter, exists := l.limiters[client]
	l.mu.RUnlock()
	if exists {
		l.mu.Lock()
		l.lastAccess[client] = now
		l.mu.Unlock()
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Double-check after acquiring the write lock.
	if limiter, exists = l.limiters[client]; exists {
		l.lastAccess[client] = now
		return limiter
	}
	limiter = rate.NewLimiter(l.rate, l.burst)
	l.limiters[client] = limiter
	l.lastAccess[client] = now
	return limiter
}

// Clients returns the number of tracked clients.
func (l *ClientRateLimiter) Clients() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}

func (l *ClientRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stop:
			return
		}
	}
}

func (l *ClientRateLimiter) cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for client, last := range l.lastAccess {
		if now.Sub(last) > l.cleanupTTL {
			delete(l.limiters, client)
			delete(l.lastAccess, client)
			removed++
		}
	}
	return removed
}

// Close stops the cleanup loop.
func (l *ClientRateLimiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Middleware rejects requests over the client's limit with 429.
func (l *ClientRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := remoteAddrHost(r.RemoteAddr)
		if !l.Allow(client) {
			metrics.RateLimitedRequests.Inc()
			l.logger.Debug("client rate limited", "client", client, "path", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"rate limit exceeded","type":"rate_limit_error"}}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func remoteAddrHost(addr string) string {
	if addr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(addr)
	if err == nil && host != "" {
		return host
	}
	return addr
}
