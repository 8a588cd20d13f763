// Package scheduler runs registered long operations as queued jobs with
// bounded concurrency, a per-execution timeout and delayed retries.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blueberrycongee/genmux/internal/metrics"
	llmerrors "github.com/blueberrycongee/genmux/pkg/errors"
)

// Config contains scheduler configuration.
type Config struct {
	Concurrency int           // Parallel executions (default: 3)
	Timeout     time.Duration // Per-execution time budget (default: 5 minutes)
	MaxRetries  int           // Retries after the first failure (default: 3)
	RetryDelay  time.Duration // Multiplied by the retry count (default: 1 second)
}

// DefaultConfig returns the standard scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency: 3,
		Timeout:     5 * time.Minute,
		MaxRetries:  3,
		RetryDelay:  time.Second,
	}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithConfig overrides the default configuration. Zero fields keep their
// defaults.
func WithConfig(cfg Config) Option {
	return func(s *Scheduler) {
		if cfg.Concurrency > 0 {
			s.cfg.Concurrency = cfg.Concurrency
		}
		if cfg.Timeout > 0 {
			s.cfg.Timeout = cfg.Timeout
		}
		if cfg.MaxRetries > 0 {
			s.cfg.MaxRetries = cfg.MaxRetries
		}
		if cfg.RetryDelay > 0 {
			s.cfg.RetryDelay = cfg.RetryDelay
		}
	}
}

// WithMaxRetries sets the retry budget of new jobs. Unlike WithConfig it
// honors zero, which disables retries.
func WithMaxRetries(n int) Option {
	return func(s *Scheduler) {
		if n >= 0 {
			s.cfg.MaxRetries = n
		}
	}
}

// WithClock replaces time.Now for job timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

type retryTimer struct {
	timer *time.Timer
	job   *Job
}

type counters struct {
	total     int64
	completed int64
	failed    int64
	retried   int64
}

// Scheduler is an in-memory priority job queue. State is lost on restart.
type Scheduler struct {
	mu       sync.Mutex
	handlers map[string]Handler
	queue    jobQueue
	active   map[string]*Job // pending and processing
	done     map[string]*Job // completed
	failed   map[string]*Job
	retries  map[string]retryTimer
	subs     map[string][]*subscription
	stats    counters
	nextSeq  int64
	frontSeq int64
	stopped  bool

	slots *slots
	cfg   Config

	wake      chan struct{}
	stopCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	loopDone  chan struct{}
	workers   sync.WaitGroup

	now    func() time.Time
	logger *slog.Logger
}

// New creates a scheduler. Jobs can be submitted right away; they run once
// Start is called.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		handlers: make(map[string]Handler),
		active:   make(map[string]*Job),
		done:     make(map[string]*Job),
		failed:   make(map[string]*Job),
		retries:  make(map[string]retryTimer),
		subs:     make(map[string][]*subscription),
		cfg:      DefaultConfig(),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		loopDone: make(chan struct{}),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.slots = newSlots(s.cfg.Concurrency)
	return s
}

// Register installs the handler for a job type, replacing any previous one.
func (s *Scheduler) Register(jobType string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[jobType] = h
	s.logger.Info("job handler registered", "type", jobType)
}

// HasHandler reports whether a handler is registered for jobType.
func (s *Scheduler) HasHandler(jobType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handlers[jobType]
	return ok
}

// Submit enqueues a job and returns its id without waiting for it to run.
// Higher priorities run first; equal priorities run in submission order.
func (s *Scheduler) Submit(jobType string, payload any, priority int) string {
	s.mu.Lock()
	job := &Job{
		ID:         uuid.NewString(),
		Type:       jobType,
		Payload:    payload,
		Priority:   priority,
		MaxRetries: s.cfg.MaxRetries,
		CreatedAt:  s.now(),
		status:     StatusPending,
		seq:        s.nextSeq,
	}
	s.nextSeq++
	s.active[job.ID] = job
	heap.Push(&s.queue, job)
	s.stats.total++
	s.publishLocked(job)
	s.updateGaugesLocked()
	s.mu.Unlock()

	s.logger.Info("job added", "job_id", job.ID, "type", jobType, "priority", priority)
	s.signal()
	return job.ID
}

// Start begins dispatching. ctx is the parent of every handler context;
// canceling it interrupts running handlers and leaves their jobs pending.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		go s.loop(ctx)
		s.signal()
	})
}

// Stop stops dispatching, parks jobs waiting for a retry back in the queue
// and waits for running executions to return.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		for id, rt := range s.retries {
			// A timer that already fired finds its entry gone and leaves
			// the job to us.
			rt.timer.Stop()
			s.enqueueFrontLocked(rt.job)
			delete(s.retries, id)
		}
		s.mu.Unlock()

		close(s.stopCh)
		s.startOnce.Do(func() { close(s.loopDone) })
		<-s.loopDone
		s.workers.Wait()
		s.logger.Info("job scheduler stopped")
	})
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.loopDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.wake:
			s.dispatch(ctx)
		}
	}
}

// dispatch starts pending jobs while slots are free.
func (s *Scheduler) dispatch(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for !s.stopped && s.queue.Len() > 0 && s.slots.TryAcquire() {
		job := heap.Pop(&s.queue).(*Job)
		job.status = StatusProcessing
		job.startedAt = s.now()
		job.attempt++
		s.publishLocked(job)

		snapshot := *job
		s.workers.Add(1)
		go s.run(ctx, job, &snapshot, s.handlers[job.Type])
	}
	s.updateGaugesLocked()
}

type outcome struct {
	result any
	err    error
}

func (s *Scheduler) run(parent context.Context, job, snapshot *Job, h Handler) {
	defer s.workers.Done()

	s.logger.Debug("processing job", "job_id", job.ID, "type", job.Type, "attempt", snapshot.attempt)

	ctx, cancel := context.WithTimeout(parent, s.cfg.Timeout)
	defer cancel()

	started := time.Now()
	attempt := snapshot.attempt
	progress := func(p int) { s.reportProgress(job, attempt, p) }

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("job handler panic: %v", r)}
			}
		}()
		if h == nil {
			done <- outcome{err: fmt.Errorf("no handler registered for job type %q", snapshot.Type)}
			return
		}
		res, err := h(ctx, snapshot, progress)
		done <- outcome{result: res, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out.err = ctx.Err()
	}
	timedOut := out.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && parent.Err() == nil
	interrupted := out.err != nil && parent.Err() != nil

	metrics.RecordJobAttempt(job.Type, time.Since(started))
	s.slots.Release()
	s.finish(job, out, timedOut, interrupted)
	s.signal()
}

func (s *Scheduler) reportProgress(job *Job, attempt, p int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.attempt != attempt || job.status != StatusProcessing {
		return
	}
	job.progress = clampProgress(p)
	s.publishLocked(job)
}

func (s *Scheduler) finish(job *Job, out outcome, timedOut, interrupted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.updateGaugesLocked()

	now := s.now()

	switch {
	case out.err == nil:
		job.status = StatusCompleted
		job.completedAt = now
		job.progress = 100
		job.result = out.result
		job.err = nil
		job.reason = ReasonNone
		delete(s.active, job.ID)
		s.done[job.ID] = job
		s.stats.completed++
		metrics.RecordJob(job.Type, string(StatusCompleted))
		s.logger.Info("job completed", "job_id", job.ID, "type", job.Type,
			"duration", job.duration().Round(time.Millisecond))
		s.publishLocked(job)
		s.closeSubscribersLocked(job.ID)
		return

	case interrupted:
		// Shutdown is not the job's fault; it keeps its retry budget.
		job.status = StatusPending
		s.enqueueFrontLocked(job)
		s.logger.Info("job interrupted, left pending", "job_id", job.ID)
		s.publishLocked(job)
		return
	}

	reason := ReasonFailed
	err := fmt.Errorf("%w: %w", llmerrors.ErrJobFailed, out.err)
	if timedOut {
		reason = ReasonTimeout
		err = fmt.Errorf("%w after %s", llmerrors.ErrJobTimeout, s.cfg.Timeout)
	}
	job.err = err
	job.reason = reason

	if job.Retries < job.MaxRetries {
		job.Retries++
		job.status = StatusPending
		s.stats.retried++
		metrics.RecordJobRetry(job.Type)
		delay := s.cfg.RetryDelay * time.Duration(job.Retries)
		s.logger.Warn("retrying job",
			"job_id", job.ID,
			"attempt", job.Retries,
			"max_retries", job.MaxRetries,
			"delay", delay,
			"error", err,
		)
		if s.stopped {
			s.enqueueFrontLocked(job)
		} else {
			s.retries[job.ID] = retryTimer{
				job:   job,
				timer: time.AfterFunc(delay, func() { s.requeue(job) }),
			}
		}
		s.publishLocked(job)
		return
	}

	job.status = StatusFailed
	job.completedAt = now
	delete(s.active, job.ID)
	s.failed[job.ID] = job
	s.stats.failed++
	metrics.RecordJob(job.Type, string(StatusFailed))
	s.logger.Error("job failed", "job_id", job.ID, "type", job.Type, "reason", string(reason), "error", err)
	s.publishLocked(job)
	s.closeSubscribersLocked(job.ID)
}

func (s *Scheduler) requeue(job *Job) {
	s.mu.Lock()
	if _, ok := s.retries[job.ID]; !ok {
		// Stop already parked it.
		s.mu.Unlock()
		return
	}
	delete(s.retries, job.ID)
	s.enqueueFrontLocked(job)
	s.updateGaugesLocked()
	s.mu.Unlock()
	s.signal()
}

// enqueueFrontLocked puts job ahead of every queued job of its priority.
func (s *Scheduler) enqueueFrontLocked(job *Job) {
	s.frontSeq--
	job.seq = s.frontSeq
	heap.Push(&s.queue, job)
}

func (s *Scheduler) updateGaugesLocked() {
	metrics.SetQueueDepth(s.pendingLocked(), s.slots.InUse(), len(s.done), len(s.failed))
}

func (s *Scheduler) pendingLocked() int {
	return s.queue.Len() + len(s.retries)
}
