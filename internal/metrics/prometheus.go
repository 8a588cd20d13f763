// Package metrics provides Prometheus metrics for backend attempts, the
// result cache, the job scheduler and the HTTP surface.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "genmux"
)

// LatencyBuckets defines histogram buckets for backend latency (in seconds).
var LatencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 3.0, 5.0,
	7.5, 10.0, 15.0, 20.0, 30.0, 60.0, 120.0,
}

// JobBuckets defines histogram buckets for job execution time (in seconds).
var JobBuckets = []float64{
	0.1, 0.5, 1, 5, 10, 30, 60, 120, 180, 240, 300,
}

// Attempt outcomes.
const (
	OutcomeSuccess        = "success"
	OutcomeFailure        = "failure"
	OutcomeQuota          = "quota"
	OutcomeSkippedQuota   = "skipped_quota"
	OutcomeSkippedNoCreds = "skipped_no_credential"
)

// =============================================================================
// Orchestration Metrics
// =============================================================================

var (
	// BackendAttempts counts backend attempts by outcome.
	BackendAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_attempts_total",
			Help:      "Total number of backend attempts by outcome",
		},
		[]string{"backend", "model", "outcome"},
	)

	// BackendLatency tracks latency of backend calls that reached the backend.
	BackendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_latency_seconds",
			Help:      "Backend call latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"backend", "model"},
	)

	// BackendTokens counts tokens recorded against each backend.
	BackendTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_tokens_total",
			Help:      "Total tokens consumed per backend",
		},
		[]string{"backend"},
	)

	// GenerateTotal counts Generate calls by result
	// (success, cached, exhausted, canceled).
	GenerateTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generate_total",
			Help:      "Total number of generate calls by result",
		},
		[]string{"result"},
	)

	// BackendBlacklisted reports 1 while a backend is blacklisted.
	BackendBlacklisted = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_blacklisted",
			Help:      "Whether a backend is temporarily blacklisted (1) or not (0)",
		},
		[]string{"backend"},
	)
)

// =============================================================================
// Scheduler Metrics
// =============================================================================

var (
	// JobsTotal counts jobs reaching a terminal state.
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Total number of jobs by type and final status",
		},
		[]string{"type", "status"},
	)

	// JobRetries counts job retries.
	JobRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_retries_total",
			Help:      "Total number of job retries",
		},
		[]string{"type"},
	)

	// JobDuration tracks execution time of single job attempts.
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Job attempt duration in seconds",
			Buckets:   JobBuckets,
		},
		[]string{"type"},
	)

	// QueueJobs reports the number of jobs per state.
	QueueJobs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_jobs",
			Help:      "Number of jobs by state",
		},
		[]string{"state"},
	)
)

// =============================================================================
// Cache Metrics
// =============================================================================

var (
	// CacheLookups counts result cache lookups by category and result.
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Total number of result cache lookups",
		},
		[]string{"category", "result"},
	)
)

// RecordAttempt records one backend attempt. latency is observed only for
// attempts that reached the backend.
func RecordAttempt(backend, model, outcome string, latency time.Duration) {
	model = sanitizeModelLabel(model)
	BackendAttempts.WithLabelValues(backend, model, outcome).Inc()
	switch outcome {
	case OutcomeSuccess, OutcomeFailure, OutcomeQuota:
		BackendLatency.WithLabelValues(backend, model).Observe(latency.Seconds())
	}
}

// RecordTokens records token usage of a backend.
func RecordTokens(backend string, tokens int) {
	if tokens > 0 {
		BackendTokens.WithLabelValues(backend).Add(float64(tokens))
	}
}

// RecordGenerate records the result of one Generate call.
func RecordGenerate(result string) {
	GenerateTotal.WithLabelValues(result).Inc()
}

// SetBlacklisted updates the blacklist gauge of backend.
func SetBlacklisted(backend string, blacklisted bool) {
	v := 0.0
	if blacklisted {
		v = 1
	}
	BackendBlacklisted.WithLabelValues(backend).Set(v)
}

// RecordJob records a job reaching its final status.
func RecordJob(jobType, status string) {
	JobsTotal.WithLabelValues(jobType, status).Inc()
}

// RecordJobAttempt records the duration of one job execution.
func RecordJobAttempt(jobType string, d time.Duration) {
	JobDuration.WithLabelValues(jobType).Observe(d.Seconds())
}

// RecordJobRetry records a job retry.
func RecordJobRetry(jobType string) {
	JobRetries.WithLabelValues(jobType).Inc()
}

// SetQueueDepth updates the per-state queue gauges.
func SetQueueDepth(pending, processing, completed, failed int) {
	QueueJobs.WithLabelValues("pending").Set(float64(pending))
	QueueJobs.WithLabelValues("processing").Set(float64(processing))
	QueueJobs.WithLabelValues("completed").Set(float64(completed))
	QueueJobs.WithLabelValues("failed").Set(float64(failed))
}

// RecordCacheLookup records a cache hit or miss.
func RecordCacheLookup(category string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	CacheLookups.WithLabelValues(category, result).Inc()
}
