package scheduler

import (
	"math"
	"sort"
	"time"
)

// DefaultRecentLimit is the default number of jobs returned by
// RecentCompleted and RecentFailed.
const DefaultRecentLimit = 10

// StatusView is a point-in-time view of one job.
type StatusView struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Status      Status    `json:"status"`
	Priority    int       `json:"priority"`
	Progress    int       `json:"progress"`
	Retries     int       `json:"retries"`
	Result      any       `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	Reason      Reason    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

func (s *Scheduler) lookupLocked(id string) *Job {
	if job, ok := s.active[id]; ok {
		return job
	}
	if job, ok := s.done[id]; ok {
		return job
	}
	if job, ok := s.failed[id]; ok {
		return job
	}
	return nil
}

// Status returns the state of job id. Error and Reason stay empty until the
// job has failed for good; a job waiting for a retry looks pending.
func (s *Scheduler) Status(id string) (StatusView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job := s.lookupLocked(id)
	if job == nil {
		return StatusView{}, false
	}
	v := StatusView{
		ID:          job.ID,
		Type:        job.Type,
		Status:      job.status,
		Priority:    job.Priority,
		Progress:    job.progress,
		Retries:     job.Retries,
		Result:      job.result,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.startedAt,
		CompletedAt: job.completedAt,
	}
	if reason, err := job.failure(); err != nil {
		v.Reason = reason
		v.Error = err.Error()
	}
	return v, true
}

// Stats summarizes the queue.
type Stats struct {
	TotalJobs         int64   `json:"total_jobs"`
	CompletedJobs     int64   `json:"completed_jobs"`
	FailedJobs        int64   `json:"failed_jobs"`
	RetriedJobs       int64   `json:"retried_jobs"`
	Pending           int     `json:"pending"`
	Processing        int     `json:"processing"`
	Completed         int     `json:"completed"`
	Failed            int     `json:"failed"`
	AverageJobSeconds float64 `json:"average_job_seconds"`
}

// Stats returns lifetime counters and current sizes. Pending includes jobs
// waiting for a retry delay. Completed and Failed count jobs still held
// after the last clear.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		TotalJobs:     s.stats.total,
		CompletedJobs: s.stats.completed,
		FailedJobs:    s.stats.failed,
		RetriedJobs:   s.stats.retried,
		Pending:       s.pendingLocked(),
		Completed:     len(s.done),
		Failed:        len(s.failed),
	}
	for _, job := range s.active {
		if job.status == StatusProcessing {
			st.Processing++
		}
	}
	if len(s.done) > 0 {
		var total time.Duration
		for _, job := range s.done {
			total += job.duration()
		}
		avg := total.Seconds() / float64(len(s.done))
		st.AverageJobSeconds = math.Round(avg*100) / 100
	}
	return st
}

// PendingJob describes a queued job.
type PendingJob struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Priority  int       `json:"priority"`
	Retries   int       `json:"retries"`
	CreatedAt time.Time `json:"created_at"`
}

// PendingJobs returns queued jobs in the order they will run, followed by
// jobs waiting for a retry delay.
func (s *Scheduler) PendingJobs() []PendingJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	queued := make(jobQueue, len(s.queue))
	copy(queued, s.queue)
	sort.Slice(queued, func(i, j int) bool { return queued.Less(i, j) })

	out := make([]PendingJob, 0, len(queued)+len(s.retries))
	for _, job := range queued {
		out = append(out, pendingOf(job))
	}

	waiting := make([]*Job, 0, len(s.retries))
	for _, rt := range s.retries {
		waiting = append(waiting, rt.job)
	}
	sort.Slice(waiting, func(i, j int) bool { return waiting[i].CreatedAt.Before(waiting[j].CreatedAt) })
	for _, job := range waiting {
		out = append(out, pendingOf(job))
	}
	return out
}

func pendingOf(job *Job) PendingJob {
	return PendingJob{
		ID:        job.ID,
		Type:      job.Type,
		Priority:  job.Priority,
		Retries:   job.Retries,
		CreatedAt: job.CreatedAt,
	}
}

// FinishedJob describes a completed or failed job.
type FinishedJob struct {
	ID              string    `json:"id"`
	Type            string    `json:"type"`
	DurationSeconds float64   `json:"duration_seconds"`
	Retries         int       `json:"retries"`
	Error           string    `json:"error,omitempty"`
	Reason          Reason    `json:"reason,omitempty"`
	CompletedAt     time.Time `json:"completed_at"`
}

func recent(jobs map[string]*Job, n int) []FinishedJob {
	if n <= 0 {
		n = DefaultRecentLimit
	}
	list := make([]*Job, 0, len(jobs))
	for _, job := range jobs {
		list = append(list, job)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].completedAt.After(list[j].completedAt) })
	if len(list) > n {
		list = list[:n]
	}

	out := make([]FinishedJob, 0, len(list))
	for _, job := range list {
		fj := FinishedJob{
			ID:              job.ID,
			Type:            job.Type,
			DurationSeconds: math.Round(job.duration().Seconds()*100) / 100,
			Retries:         job.Retries,
			Reason:          job.reason,
			CompletedAt:     job.completedAt,
		}
		if job.err != nil {
			fj.Error = job.err.Error()
		}
		out = append(out, fj)
	}
	return out
}

// RecentCompleted returns the n most recently completed jobs, newest first.
// n <= 0 means DefaultRecentLimit.
func (s *Scheduler) RecentCompleted(n int) []FinishedJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return recent(s.done, n)
}

// RecentFailed returns the n most recently failed jobs, newest first.
// n <= 0 means DefaultRecentLimit.
func (s *Scheduler) RecentFailed(n int) []FinishedJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return recent(s.failed, n)
}

// ClearCompleted forgets completed jobs and returns how many were removed.
func (s *Scheduler) ClearCompleted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.done)
	s.done = make(map[string]*Job)
	s.updateGaugesLocked()
	s.logger.Info("cleared completed jobs", "count", n)
	return n
}

// ClearFailed forgets failed jobs and returns how many were removed.
func (s *Scheduler) ClearFailed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.failed)
	s.failed = make(map[string]*Job)
	s.updateGaugesLocked()
	s.logger.Info("cleared failed jobs", "count", n)
	return n
}
