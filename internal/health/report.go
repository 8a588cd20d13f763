package health

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Status is a point-in-time view of one backend.
type Status struct {
	Backend           string    `json:"backend"`
	SuccessRate       float64   `json:"success_rate"`
	SuccessCount      int64     `json:"success_count"`
	FailureCount      int64     `json:"failure_count"`
	AvgResponseTimeMs float64   `json:"avg_response_time_ms"`
	ReliabilityScore  float64   `json:"reliability_score"`
	Blacklisted       bool      `json:"blacklisted"`
	QuotaExceeded     bool      `json:"quota_exceeded"`
	LastError         string    `json:"last_error,omitempty"`
	LastErrorAt       time.Time `json:"last_error_at,omitempty"`
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func (s *Scorer) statusLocked(backend string) Status {
	st := Status{
		Backend:          backend,
		SuccessRate:      100,
		ReliabilityScore: 100,
		Blacklisted:      s.blacklistedLocked(backend),
	}
	r, ok := s.records[backend]
	if !ok {
		return st
	}
	st.SuccessRate = round2(r.successRate())
	st.SuccessCount = r.successes
	st.FailureCount = r.failures
	st.AvgResponseTimeMs = r.avgLatencyMs()
	st.ReliabilityScore = round2(r.score())
	st.QuotaExceeded = r.quotaExceeded
	st.LastError = r.lastError
	st.LastErrorAt = r.lastErrorAt
	return st
}

// Snapshot returns the status of each named backend, including those with no
// history. When backends is empty every backend with history is returned.
func (s *Scorer) Snapshot(backends ...string) []Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(backends) == 0 {
		for name := range s.records {
			backends = append(backends, name)
		}
		sort.Strings(backends)
	}
	out := make([]Status, 0, len(backends))
	for _, b := range backends {
		out = append(out, s.statusLocked(b))
	}
	return out
}

// Summary counts backends by health.
type Summary struct {
	Total     int      `json:"total"`
	Healthy   int      `json:"healthy"`
	Unhealthy int      `json:"unhealthy"`
	Backends  []Status `json:"backends"`
}

// Summary classifies every backend with history: above 90% success is
// healthy, below 50% is unhealthy.
func (s *Scorer) Summary() Summary {
	statuses := s.Snapshot()
	sum := Summary{Total: len(statuses), Backends: statuses}
	for _, st := range statuses {
		switch {
		case st.SuccessRate > 90:
			sum.Healthy++
		case st.SuccessRate < 50:
			sum.Unhealthy++
		}
	}
	return sum
}

// Suggestion is an advisory note about a backend.
type Suggestion struct {
	Backend        string `json:"backend"`
	Issue          string `json:"issue"`
	Recommendation string `json:"recommendation"`
}

// Suggestions returns advisory notes for backends with a low success rate,
// slow responses or an exceeded quota.
func (s *Scorer) Suggestions() []Suggestion {
	var out []Suggestion
	for _, st := range s.Snapshot() {
		if st.SuccessRate < 80 {
			out = append(out, Suggestion{
				Backend:        st.Backend,
				Issue:          fmt.Sprintf("low success rate (%.2f%%)", st.SuccessRate),
				Recommendation: fmt.Sprintf("consider using %s as fallback only", st.Backend),
			})
		}
		if st.AvgResponseTimeMs > 3000 {
			out = append(out, Suggestion{
				Backend:        st.Backend,
				Issue:          fmt.Sprintf("slow response time (%.0fms)", st.AvgResponseTimeMs),
				Recommendation: fmt.Sprintf("%s is slow, use for non-urgent requests", st.Backend),
			})
		}
		if st.QuotaExceeded {
			out = append(out, Suggestion{
				Backend:        st.Backend,
				Issue:          "quota exceeded",
				Recommendation: fmt.Sprintf("rotate keys or wait for quota reset for %s", st.Backend),
			})
		}
	}
	return out
}
