package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	llmerrors "github.com/blueberrycongee/genmux/pkg/errors"
)

// tickClock advances by one millisecond on every read so timestamps taken
// in sequence are strictly ordered.
type tickClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func newTestScheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	clock := &tickClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := New(WithConfig(cfg), WithClock(clock.Now))
	t.Cleanup(s.Stop)
	return s
}

func waitTerminal(t *testing.T, s *Scheduler, id string) StatusView {
	t.Helper()
	var v StatusView
	require.Eventually(t, func() bool {
		var ok bool
		v, ok = s.Status(id)
		return ok && v.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return v
}

func TestScheduler_ConcurrencyAndFIFO(t *testing.T) {
	s := newTestScheduler(t, Config{Concurrency: 3})

	var running, maxRunning atomic.Int32
	s.Register("work", func(ctx context.Context, job *Job, progress Progress) (any, error) {
		n := running.Add(1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return job.Payload, nil
	})

	ids := make([]string, 10)
	for i := range ids {
		ids[i] = s.Submit("work", i, 0)
	}
	s.Start(context.Background())

	views := make([]StatusView, len(ids))
	for i, id := range ids {
		views[i] = waitTerminal(t, s, id)
		assert.Equal(t, StatusCompleted, views[i].Status)
		assert.Equal(t, i, views[i].Result)
		assert.Equal(t, 100, views[i].Progress)
	}

	assert.LessOrEqual(t, maxRunning.Load(), int32(3))

	started := make([]StatusView, len(views))
	copy(started, views)
	sort.Slice(started, func(i, j int) bool { return started[i].StartedAt.Before(started[j].StartedAt) })
	for i := range started {
		assert.Equal(t, ids[i], started[i].ID, "job %d started out of submission order", i)
	}

	st := s.Stats()
	assert.Equal(t, int64(10), st.TotalJobs)
	assert.Equal(t, int64(10), st.CompletedJobs)
	assert.Equal(t, 10, st.Completed)
	assert.Zero(t, st.Pending)
	assert.Zero(t, st.Processing)
}

func TestScheduler_Priority(t *testing.T) {
	s := newTestScheduler(t, Config{Concurrency: 1})

	var mu sync.Mutex
	var order []string
	s.Register("work", func(ctx context.Context, job *Job, progress Progress) (any, error) {
		mu.Lock()
		order = append(order, job.Payload.(string))
		mu.Unlock()
		return nil, nil
	})

	s.Submit("work", "low-1", 0)
	s.Submit("work", "high", 10)
	s.Submit("work", "low-2", 0)
	last := s.Submit("work", "mid", 5)

	pending := s.PendingJobs()
	require.Len(t, pending, 4)
	assert.Equal(t, 10, pending[0].Priority)
	assert.Equal(t, last, pending[1].ID)

	s.Start(context.Background())
	require.Eventually(t, func() bool { return s.Stats().CompletedJobs == 4 }, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high", "mid", "low-1", "low-2"}, order)
}

func TestScheduler_RetryThenSucceed(t *testing.T) {
	s := newTestScheduler(t, Config{RetryDelay: time.Millisecond})

	var calls atomic.Int32
	s.Register("flaky", func(ctx context.Context, job *Job, progress Progress) (any, error) {
		if calls.Add(1) <= 2 {
			return nil, errors.New("upstream hiccup")
		}
		return "ok", nil
	})
	s.Start(context.Background())

	id := s.Submit("flaky", nil, 3)
	v := waitTerminal(t, s, id)

	assert.Equal(t, StatusCompleted, v.Status)
	assert.Equal(t, 2, v.Retries)
	assert.Equal(t, 3, v.Priority)
	assert.Equal(t, "ok", v.Result)
	assert.Empty(t, v.Error)
	assert.Equal(t, int64(2), s.Stats().RetriedJobs)
	assert.Equal(t, int32(3), calls.Load())
}

func TestScheduler_RetryGoesToFrontOfPriorityClass(t *testing.T) {
	s := newTestScheduler(t, Config{Concurrency: 1, RetryDelay: 50 * time.Millisecond})

	releaseB := make(chan struct{})
	var mu sync.Mutex
	var order []string
	var failedOnce atomic.Bool
	s.Register("work", func(ctx context.Context, job *Job, progress Progress) (any, error) {
		name := job.Payload.(string)
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
		switch name {
		case "A":
			if failedOnce.CompareAndSwap(false, true) {
				return nil, errors.New("first try fails")
			}
		case "B":
			<-releaseB
		}
		return nil, nil
	})

	a := s.Submit("work", "A", 1)
	s.Submit("work", "B", 1)
	c := s.Submit("work", "C", 1)
	s.Start(context.Background())

	// A failed and was requeued while B is still running.
	require.Eventually(t, func() bool {
		p := s.PendingJobs()
		return len(p) == 2 && p[0].ID == a && p[0].Retries == 1 && p[1].ID == c &&
			s.Stats().Processing == 1
	}, 5*time.Second, time.Millisecond)

	close(releaseB)
	require.Eventually(t, func() bool { return s.Stats().CompletedJobs == 3 }, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"A", "B", "A", "C"}, order)
}

func TestScheduler_Timeout(t *testing.T) {
	s := newTestScheduler(t, Config{Timeout: 20 * time.Millisecond, MaxRetries: 1, RetryDelay: time.Millisecond})

	s.Register("slow", func(ctx context.Context, job *Job, progress Progress) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s.Start(context.Background())

	id := s.Submit("slow", nil, 0)
	events, cancel := s.Events(id)
	defer cancel()

	v := waitTerminal(t, s, id)
	assert.Equal(t, StatusFailed, v.Status)
	assert.Equal(t, ReasonTimeout, v.Reason)
	assert.Equal(t, 1, v.Retries)
	assert.Contains(t, v.Error, llmerrors.ErrJobTimeout.Error())

	var last Event
	for ev := range events {
		last = ev
	}
	assert.Equal(t, StatusFailed, last.Status)
	assert.ErrorIs(t, last.Err, llmerrors.ErrJobTimeout)

	failed := s.RecentFailed(0)
	require.Len(t, failed, 1)
	assert.Equal(t, id, failed[0].ID)
	assert.Equal(t, ReasonTimeout, failed[0].Reason)
}

func TestScheduler_HandlerIgnoringContextStillTimesOut(t *testing.T) {
	s := newTestScheduler(t, Config{Timeout: 10 * time.Millisecond, MaxRetries: 1, RetryDelay: time.Millisecond})

	block := make(chan struct{})
	defer close(block)
	s.Register("stuck", func(ctx context.Context, job *Job, progress Progress) (any, error) {
		<-block
		return nil, nil
	})
	s.Start(context.Background())

	v := waitTerminal(t, s, s.Submit("stuck", nil, 0))
	assert.Equal(t, ReasonTimeout, v.Reason)
}

func TestScheduler_FailureReasons(t *testing.T) {
	s := newTestScheduler(t, Config{MaxRetries: 1, RetryDelay: time.Millisecond})

	s.Register("broken", func(ctx context.Context, job *Job, progress Progress) (any, error) {
		return nil, errors.New("bad input")
	})
	s.Register("panics", func(ctx context.Context, job *Job, progress Progress) (any, error) {
		panic("boom")
	})
	s.Start(context.Background())

	tests := []struct {
		jobType string
		wantErr string
	}{
		{"broken", "bad input"},
		{"panics", "panic: boom"},
		{"unregistered", `no handler registered for job type "unregistered"`},
	}
	for _, tt := range tests {
		t.Run(tt.jobType, func(t *testing.T) {
			v := waitTerminal(t, s, s.Submit(tt.jobType, nil, 0))
			assert.Equal(t, StatusFailed, v.Status)
			assert.Equal(t, ReasonFailed, v.Reason)
			assert.Equal(t, 1, v.Retries)
			assert.Contains(t, v.Error, tt.wantErr)
			assert.Contains(t, v.Error, llmerrors.ErrJobFailed.Error())
		})
	}
}

func TestScheduler_ProgressEvents(t *testing.T) {
	s := newTestScheduler(t, Config{})

	proceed := make(chan struct{})
	s.Register("report", func(ctx context.Context, job *Job, progress Progress) (any, error) {
		progress(40)
		progress(250)
		<-proceed
		return nil, nil
	})

	id := s.Submit("report", nil, 0)
	events, cancel := s.Events(id)
	defer cancel()
	s.Start(context.Background())

	require.Eventually(t, func() bool {
		v, _ := s.Status(id)
		return v.Progress == 100 && v.Status == StatusProcessing
	}, 5*time.Second, time.Millisecond)
	close(proceed)

	var got []Event
	for ev := range events {
		got = append(got, ev)
	}
	require.NotEmpty(t, got)
	assert.Equal(t, StatusPending, got[0].Status)
	assert.Equal(t, StatusCompleted, got[len(got)-1].Status)

	var sawForty bool
	for _, ev := range got {
		assert.GreaterOrEqual(t, ev.Progress, 0)
		assert.LessOrEqual(t, ev.Progress, 100)
		if ev.Progress == 40 {
			sawForty = true
		}
	}
	assert.True(t, sawForty)
}

func TestScheduler_EventsEdgeCases(t *testing.T) {
	s := newTestScheduler(t, Config{})
	s.Register("noop", func(ctx context.Context, job *Job, progress Progress) (any, error) { return 1, nil })
	s.Start(context.Background())

	ch, cancel := s.Events("missing")
	cancel()
	_, open := <-ch
	assert.False(t, open, "unknown job stream should be closed")

	id := s.Submit("noop", nil, 0)
	waitTerminal(t, s, id)

	ch, cancel = s.Events(id)
	defer cancel()
	ev, open := <-ch
	require.True(t, open)
	assert.Equal(t, StatusCompleted, ev.Status)
	_, open = <-ch
	assert.False(t, open)
}

func TestScheduler_EventsCancel(t *testing.T) {
	s := newTestScheduler(t, Config{})
	id := s.Submit("never-started", nil, 0)

	ch, cancel := s.Events(id)
	ev := <-ch
	assert.Equal(t, StatusPending, ev.Status)
	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestScheduler_ClearAndRecent(t *testing.T) {
	s := newTestScheduler(t, Config{MaxRetries: 1, RetryDelay: time.Millisecond})
	s.Register("ok", func(ctx context.Context, job *Job, progress Progress) (any, error) { return nil, nil })
	s.Register("fail", func(ctx context.Context, job *Job, progress Progress) (any, error) {
		return nil, errors.New("nope")
	})
	s.Start(context.Background())

	var okIDs []string
	for i := 0; i < 12; i++ {
		okIDs = append(okIDs, s.Submit("ok", i, 0))
	}
	failID := s.Submit("fail", nil, 0)
	for _, id := range okIDs {
		waitTerminal(t, s, id)
	}
	waitTerminal(t, s, failID)

	recent := s.RecentCompleted(0)
	assert.Len(t, recent, DefaultRecentLimit)
	for i := 1; i < len(recent); i++ {
		assert.False(t, recent[i].CompletedAt.After(recent[i-1].CompletedAt), "recent jobs must be newest first")
	}
	assert.Len(t, s.RecentCompleted(3), 3)

	assert.Equal(t, 12, s.ClearCompleted())
	assert.Equal(t, 1, s.ClearFailed())

	_, ok := s.Status(okIDs[0])
	assert.False(t, ok)

	st := s.Stats()
	assert.Zero(t, st.Completed)
	assert.Zero(t, st.Failed)
	assert.Equal(t, int64(12), st.CompletedJobs, "lifetime counters survive clearing")
	assert.Equal(t, int64(1), st.FailedJobs)
	assert.Zero(t, st.AverageJobSeconds)
}

func TestScheduler_StopParksDelayedRetries(t *testing.T) {
	s := New(WithConfig(Config{RetryDelay: time.Hour}))

	s.Register("fail", func(ctx context.Context, job *Job, progress Progress) (any, error) {
		return nil, errors.New("nope")
	})
	s.Start(context.Background())

	id := s.Submit("fail", nil, 0)
	require.Eventually(t, func() bool {
		v, _ := s.Status(id)
		return v.Retries == 1 && v.Status == StatusPending
	}, 5*time.Second, time.Millisecond)

	s.Stop()

	pending := s.PendingJobs()
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)
	assert.Equal(t, 1, s.Stats().Pending)

	v, ok := s.Status(id)
	require.True(t, ok)
	assert.Equal(t, StatusPending, v.Status)
	assert.Empty(t, v.Error)
	assert.Empty(t, v.Reason)
}

func TestScheduler_StopParksFiredRetry(t *testing.T) {
	s := New()

	job := &Job{ID: "j1", Type: "fail", status: StatusPending}
	fired := make(chan struct{})
	release := make(chan struct{})
	requeued := make(chan struct{})

	s.mu.Lock()
	s.active[job.ID] = job
	s.retries[job.ID] = retryTimer{
		job: job,
		timer: time.AfterFunc(0, func() {
			close(fired)
			<-release
			s.requeue(job)
			close(requeued)
		}),
	}
	s.mu.Unlock()

	<-fired
	s.Stop()
	close(release)
	<-requeued

	pending := s.PendingJobs()
	require.Len(t, pending, 1)
	assert.Equal(t, job.ID, pending[0].ID)
	assert.Equal(t, 1, s.Stats().Pending)
}

func TestScheduler_ZeroMaxRetriesFailsAfterOneRun(t *testing.T) {
	s := New(
		WithConfig(Config{RetryDelay: time.Millisecond}),
		WithMaxRetries(0),
	)
	t.Cleanup(s.Stop)

	var calls atomic.Int32
	s.Register("fail", func(ctx context.Context, job *Job, progress Progress) (any, error) {
		calls.Add(1)
		return nil, errors.New("nope")
	})
	s.Start(context.Background())

	id := s.Submit("fail", nil, 0)
	v := waitTerminal(t, s, id)

	assert.Equal(t, StatusFailed, v.Status)
	assert.Equal(t, ReasonFailed, v.Reason)
	assert.Zero(t, v.Retries)
	assert.Equal(t, int32(1), calls.Load())
	assert.Zero(t, s.Stats().RetriedJobs)
}

func TestScheduler_RetryingJobHidesLastFailure(t *testing.T) {
	s := newTestScheduler(t, Config{MaxRetries: 1, RetryDelay: time.Hour})

	s.Register("fail", func(ctx context.Context, job *Job, progress Progress) (any, error) {
		return nil, errors.New("nope")
	})
	s.Start(context.Background())

	id := s.Submit("fail", nil, 0)
	events, cancel := s.Events(id)
	defer cancel()

	require.Eventually(t, func() bool {
		v, _ := s.Status(id)
		return v.Retries == 1 && v.Status == StatusPending
	}, 5*time.Second, time.Millisecond)

	v, _ := s.Status(id)
	assert.Empty(t, v.Error)
	assert.Equal(t, ReasonNone, v.Reason)

	for drained := false; !drained; {
		select {
		case ev := <-events:
			assert.NoError(t, ev.Err)
			assert.Equal(t, ReasonNone, ev.Reason)
		default:
			drained = true
		}
	}
}

func TestScheduler_CanceledParentLeavesJobPending(t *testing.T) {
	s := newTestScheduler(t, Config{})

	started := make(chan struct{})
	s.Register("long", func(ctx context.Context, job *Job, progress Progress) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	id := s.Submit("long", nil, 0)
	<-started
	cancel()

	require.Eventually(t, func() bool {
		v, _ := s.Status(id)
		return v.Status == StatusPending
	}, 5*time.Second, time.Millisecond)

	v, _ := s.Status(id)
	assert.Zero(t, v.Retries)
	assert.Equal(t, int64(0), s.Stats().RetriedJobs)
}

func TestScheduler_HasHandler(t *testing.T) {
	s := newTestScheduler(t, Config{})
	assert.False(t, s.HasHandler("work"))
	s.Register("work", func(context.Context, *Job, Progress) (any, error) { return nil, nil })
	assert.True(t, s.HasHandler("work"))
}
