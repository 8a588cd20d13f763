package scheduler

import (
	"context"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

// Job states. A retried job goes back to pending.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Reason explains why a job execution failed.
type Reason string

// Failure reasons.
const (
	ReasonNone    Reason = ""
	ReasonTimeout Reason = "JobTimeout"
	ReasonFailed  Reason = "JobFailed"
)

// Progress reports advisory completion in percent. Values are clamped to
// 0..100.
type Progress func(percent int)

// Handler executes one job. It must honor ctx: the scheduler stops waiting
// for it once the job timeout elapses.
type Handler func(ctx context.Context, job *Job, progress Progress) (any, error)

// Job is a unit of queued work. Handlers receive a copy; only the exported
// fields are meaningful to them.
type Job struct {
	ID         string
	Type       string
	Payload    any
	Priority   int
	Retries    int
	MaxRetries int
	CreatedAt  time.Time

	status      Status
	progress    int
	result      any
	err         error
	reason      Reason
	startedAt   time.Time
	completedAt time.Time

	// attempt increments on every execution so late progress reports of a
	// timed-out execution can be ignored.
	attempt int
	seq     int64
	index   int
}

func (j *Job) duration() time.Duration {
	end := j.completedAt
	start := j.startedAt
	if start.IsZero() {
		start = j.CreatedAt
	}
	if end.IsZero() || end.Before(start) {
		return 0
	}
	return end.Sub(start)
}

// failure returns why the job failed. It is empty unless the job is in the
// failed state.
func (j *Job) failure() (Reason, error) {
	if j.status != StatusFailed {
		return ReasonNone, nil
	}
	return j.reason, j.err
}

func clampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

// jobQueue orders pending jobs by descending priority, then ascending
// sequence number. Retried jobs get negative sequence numbers so they run
// before anything else of their priority.
type jobQueue []*Job

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].seq < q[j].seq
}

func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *jobQueue) Push(x any) {
	job := x.(*Job)
	job.index = len(*q)
	*q = append(*q, job)
}

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	job.index = -1
	*q = old[:n-1]
	return job
}
