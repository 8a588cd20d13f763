// Package health keeps running success, failure and latency statistics per
// backend and turns them into a reliability ranking with a short-lived
// blacklist.
package health

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"
)

// Config contains scorer configuration.
type Config struct {
	// MaxLatencySamples bounds the latency history kept per backend.
	MaxLatencySamples int
	// BlacklistThreshold is the failure streak length that must be exceeded
	// before a backend is blacklisted.
	BlacklistThreshold int
	// BlacklistWindow is how long a failure streak can blacklist a backend,
	// measured from its first failure.
	BlacklistWindow time.Duration
}

// DefaultConfig returns the standard scorer configuration.
func DefaultConfig() Config {
	return Config{
		MaxLatencySamples:  100,
		BlacklistThreshold: 3,
		BlacklistWindow:    5 * time.Minute,
	}
}

// record holds the statistics of one backend.
type record struct {
	successes     int64
	failures      int64
	latencies     []float64 // milliseconds, oldest first
	lastError     string
	lastErrorAt   time.Time
	quotaExceeded bool
}

// streak tracks consecutive failures since the last success.
type streak struct {
	count          int
	firstFailureAt time.Time
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithConfig overrides the default configuration.
func WithConfig(cfg Config) Option {
	return func(s *Scorer) {
		if cfg.MaxLatencySamples > 0 {
			s.cfg.MaxLatencySamples = cfg.MaxLatencySamples
		}
		if cfg.BlacklistThreshold > 0 {
			s.cfg.BlacklistThreshold = cfg.BlacklistThreshold
		}
		if cfg.BlacklistWindow > 0 {
			s.cfg.BlacklistWindow = cfg.BlacklistWindow
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scorer) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scorer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Scorer ranks backends by reliability.
type Scorer struct {
	mu      sync.RWMutex
	records map[string]*record
	streaks map[string]*streak

	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// NewScorer creates a scorer with no history.
func NewScorer(opts ...Option) *Scorer {
	s := &Scorer{
		records: make(map[string]*record),
		streaks: make(map[string]*streak),
		cfg:     DefaultConfig(),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// getOrCreateLocked returns the record of backend. Caller must hold mu.
func (s *Scorer) getOrCreateLocked(backend string) *record {
	r, ok := s.records[backend]
	if !ok {
		r = &record{latencies: make([]float64, 0, s.cfg.MaxLatencySamples)}
		s.records[backend] = r
	}
	return r
}

// appendLatency adds a sample to the rolling history.
func appendLatency(history *[]float64, value float64, maxSize int) {
	if len(*history) < maxSize {
		*history = append(*history, value)
		return
	}
	copy((*history)[0:], (*history)[1:])
	(*history)[len(*history)-1] = value
}

// RecordSuccess records a successful call and ends any failure streak.
func (s *Scorer) RecordSuccess(backend string, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.getOrCreateLocked(backend)
	r.successes++
	r.quotaExceeded = false
	appendLatency(&r.latencies, float64(latency.Milliseconds()), s.cfg.MaxLatencySamples)
	delete(s.streaks, backend)

	s.logger.Debug("backend success", "backend", backend, "score", s.scoreLocked(backend))
}

// RecordFailure records a failed call and extends the failure streak. A
// streak whose first failure has aged out of the blacklist window restarts.
func (s *Scorer) RecordFailure(backend string, err error, isQuota bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	r := s.getOrCreateLocked(backend)
	r.failures++
	r.lastErrorAt = now
	if err != nil {
		r.lastError = err.Error()
	}
	if isQuota {
		r.quotaExceeded = true
	}

	st, ok := s.streaks[backend]
	if !ok || now.Sub(st.firstFailureAt) >= s.cfg.BlacklistWindow {
		st = &streak{firstFailureAt: now}
		s.streaks[backend] = st
	}
	st.count++

	if st.count == s.cfg.BlacklistThreshold+1 {
		s.logger.Warn("backend blacklisted",
			"backend", backend,
			"failures", st.count,
			"until", st.firstFailureAt.Add(s.cfg.BlacklistWindow),
		)
	}
}

// successRate returns the success percentage; 100 when no calls.
func (r *record) successRate() float64 {
	total := r.successes + r.failures
	if total == 0 {
		return 100
	}
	return float64(r.successes) / float64(total) * 100
}

// avgLatencyMs returns the rounded mean of the latency history.
func (r *record) avgLatencyMs() float64 {
	if len(r.latencies) == 0 {
		return 0
	}
	var sum float64
	for _, v := range r.latencies {
		sum += v
	}
	return math.Round(sum / float64(len(r.latencies)))
}

// score is 0.5*successRate + 0.5*max(0, 100 - avgLatencyMs/10).
func (r *record) score() float64 {
	timeScore := math.Max(0, 100-r.avgLatencyMs()/10)
	return r.successRate()*0.5 + timeScore*0.5
}

func (s *Scorer) scoreLocked(backend string) float64 {
	r, ok := s.records[backend]
	if !ok {
		return 100
	}
	return r.score()
}

func (s *Scorer) blacklistedLocked(backend string) bool {
	st, ok := s.streaks[backend]
	if !ok || st.count <= s.cfg.BlacklistThreshold {
		return false
	}
	return s.now().Sub(st.firstFailureAt) < s.cfg.BlacklistWindow
}

// Score returns the reliability score of backend. Backends with no history
// score 100.
func (s *Scorer) Score(backend string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scoreLocked(backend)
}

// IsBlacklisted reports whether backend is temporarily excluded.
func (s *Scorer) IsBlacklisted(backend string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blacklistedLocked(backend)
}

// Rank returns candidates without blacklisted backends, ordered by
// descending score. Ties keep their input order.
func (s *Scorer) Rank(candidates []string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		name  string
		score float64
	}
	list := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		if s.blacklistedLocked(c) {
			continue
		}
		list = append(list, scored{name: c, score: s.scoreLocked(c)})
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].score > list[j].score })

	out := make([]string, len(list))
	for i, sc := range list {
		out[i] = sc.name
	}
	return out
}

// Recommend returns the best ranked candidate. When every candidate is
// blacklisted it returns the first candidate anyway, so a total outage still
// produces an attempt rather than an immediate failure.
func (s *Scorer) Recommend(candidates []string) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	ranked := s.Rank(candidates)
	if len(ranked) == 0 {
		s.logger.Warn("all backends blacklisted, using fallback", "backend", candidates[0])
		return candidates[0], true
	}
	return ranked[0], true
}

// Reset forgets all history of backend.
func (s *Scorer) Reset(backend string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, backend)
	delete(s.streaks, backend)
	s.logger.Info("backend metrics reset", "backend", backend)
}

// ResetAll forgets all history.
func (s *Scorer) ResetAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*record)
	s.streaks = make(map[string]*streak)
	s.logger.Info("all backend metrics cleared")
}
