// Package quota tracks per-backend request and token usage and answers
// whether a backend may be called right now.
package quota

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	llmerrors "github.com/blueberrycongee/genmux/pkg/errors"
)

// DefaultWindow is the length of the per-minute request window.
const DefaultWindow = time.Minute

// window holds the counters of one backend.
type window struct {
	requests    int64
	windowStart time.Time
	limit       int64

	monthlyTokens int64
	monthResetAt  time.Time

	exceeded    bool
	lastError   string
	lastErrorAt time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithSharedWindow makes the per-minute request count shared across
// processes. Local counters are still maintained and used whenever the
// shared window is unreachable.
func WithSharedWindow(sw SharedWindow) Option {
	return func(t *Tracker) { t.shared = sw }
}

// Tracker owns one counter window per backend.
type Tracker struct {
	mu      sync.Mutex
	windows map[string]*window

	shared SharedWindow
	now    func() time.Time
	logger *slog.Logger
}

// NewTracker creates a tracker. limits maps backend name to its per-minute
// request limit; zero means unlimited.
func NewTracker(limits map[string]int, opts ...Option) *Tracker {
	t := &Tracker{
		windows: make(map[string]*window),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	for backend, limit := range limits {
		w := t.getOrCreateLocked(backend)
		w.limit = int64(limit)
	}
	return t
}

// getOrCreateLocked returns the window of backend. Caller must hold mu.
func (t *Tracker) getOrCreateLocked(backend string) *window {
	w, ok := t.windows[backend]
	if !ok {
		now := t.now()
		w = &window{
			windowStart:  now,
			monthResetAt: nextMonthStart(now),
		}
		t.windows[backend] = w
	}
	return w
}

// rollLocked resets expired windows. Caller must hold mu.
func (t *Tracker) rollLocked(w *window, now time.Time) {
	if now.Sub(w.windowStart) >= DefaultWindow {
		w.requests = 0
		w.windowStart = now
	}
	if !now.Before(w.monthResetAt) {
		w.monthlyTokens = 0
		w.monthResetAt = nextMonthStart(now)
	}
}

// nextMonthStart returns midnight on the first day of the month after now.
func nextMonthStart(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, now.Location())
}

// SetLimit changes the per-minute request limit of backend.
func (t *Tracker) SetLimit(backend string, perMinute int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.getOrCreateLocked(backend).limit = int64(perMinute)
}

// CanCall reports whether backend is below its per-minute limit. Unlimited
// and unknown backends always return true.
func (t *Tracker) CanCall(ctx context.Context, backend string) bool {
	t.mu.Lock()
	w, ok := t.windows[backend]
	if !ok || w.limit <= 0 {
		t.mu.Unlock()
		return true
	}
	t.rollLocked(w, t.now())
	local, limit := w.requests, w.limit
	t.mu.Unlock()

	used := local
	if t.shared != nil {
		n, err := t.shared.Count(ctx, backend)
		if err != nil {
			t.logger.Warn("shared quota window unavailable, using local count",
				"backend", backend, "error", err)
		} else {
			used = n
		}
	}
	return used < limit
}

// Record accounts for one call attempt. A failed attempt whose error text is
// classified as quota or rate related marks the backend exceeded; any
// success clears the flag. The classification is a substring heuristic.
func (t *Tracker) Record(ctx context.Context, backend string, tokens int, success bool, errText string) {
	t.mu.Lock()
	now := t.now()
	w := t.getOrCreateLocked(backend)
	t.rollLocked(w, now)

	w.requests++
	w.monthlyTokens += int64(tokens)

	switch {
	case success:
		w.exceeded = false
		w.lastError = ""
		w.lastErrorAt = time.Time{}
	case errText != "":
		w.lastError = errText
		w.lastErrorAt = now
		if llmerrors.Classify(errText).QuotaRelated() {
			w.exceeded = true
		}
	}
	limited := w.limit > 0
	t.mu.Unlock()

	if t.shared != nil && limited {
		if _, err := t.shared.Incr(ctx, backend); err != nil {
			t.logger.Warn("shared quota window increment failed",
				"backend", backend, "error", err)
		}
	}
}

// Status is a point-in-time view of one backend's quota window.
type Status struct {
	Backend            string    `json:"backend"`
	RequestsThisMinute int64     `json:"requests_this_minute"`
	Limit              int64     `json:"limit"`
	PercentageUsed     float64   `json:"percentage_used"`
	ResetsInSeconds    int       `json:"resets_in_seconds"`
	MonthlyTokensUsed  int64     `json:"monthly_tokens_used"`
	MonthResetDate     time.Time `json:"month_reset_date"`
	DaysUntilReset     int       `json:"days_until_reset"`
	Exceeded           bool      `json:"exceeded"`
	LastError          string    `json:"last_error,omitempty"`
	LastErrorAt        time.Time `json:"last_error_at,omitempty"`
}

// Snapshot returns the state of every known backend, sorted by name.
func (t *Tracker) Snapshot() []Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	out := make([]Status, 0, len(t.windows))
	for name, w := range t.windows {
		t.rollLocked(w, now)
		st := Status{
			Backend:            name,
			RequestsThisMinute: w.requests,
			Limit:              w.limit,
			ResetsInSeconds:    int((DefaultWindow - now.Sub(w.windowStart)).Seconds()),
			MonthlyTokensUsed:  w.monthlyTokens,
			MonthResetDate:     w.monthResetAt,
			DaysUntilReset:     int(math.Ceil(w.monthResetAt.Sub(now).Hours() / 24)),
			Exceeded:           w.exceeded,
			LastError:          w.lastError,
			LastErrorAt:        w.lastErrorAt,
		}
		if w.limit > 0 {
			st.PercentageUsed = math.Round(float64(w.requests)/float64(w.limit)*1000) / 10
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Backend < out[j].Backend })
	return out
}

// Exceeded reports whether the last recorded attempt against backend was a
// quota failure.
func (t *Tracker) Exceeded(backend string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.windows[backend]
	return ok && w.exceeded
}
