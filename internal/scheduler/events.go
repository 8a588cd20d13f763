package scheduler

import "sync"

// eventBuffer bounds the events queued per subscriber. When a subscriber
// falls behind, the oldest undelivered event is dropped.
const eventBuffer = 16

// Event is one observed change of a job.
type Event struct {
	JobID    string
	Status   Status
	Progress int
	Retries  int
	Reason   Reason
	Err      error
}

type subscription struct {
	ch     chan Event
	closed bool
}

// Events returns a stream of changes of job id, starting with its current
// state, and a function that cancels the subscription. The stream is closed
// after the job reaches a final state or when cancel is called. For a job
// already in a final state the stream carries that state once; for an
// unknown id it is closed at once.
func (s *Scheduler) Events(id string) (<-chan Event, func()) {
	ch := make(chan Event, eventBuffer)

	s.mu.Lock()
	defer s.mu.Unlock()

	job := s.lookupLocked(id)
	if job == nil {
		close(ch)
		return ch, func() {}
	}
	if job.status.Terminal() {
		ch <- eventOf(job)
		close(ch)
		return ch, func() {}
	}

	ch <- eventOf(job)
	sub := &subscription{ch: ch}
	s.subs[id] = append(s.subs[id], sub)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.removeSubscriberLocked(id, sub)
		})
	}
	return ch, cancel
}

func eventOf(job *Job) Event {
	reason, err := job.failure()
	return Event{
		JobID:    job.ID,
		Status:   job.status,
		Progress: job.progress,
		Retries:  job.Retries,
		Reason:   reason,
		Err:      err,
	}
}

// publishLocked delivers the current state of job to its subscribers
// without blocking.
func (s *Scheduler) publishLocked(job *Job) {
	ev := eventOf(job)
	for _, sub := range s.subs[job.ID] {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Only publishLocked sends, under mu, so after dropping the
			// oldest event there is room.
			select {
			case <-sub.ch:
			default:
			}
			sub.ch <- ev
		}
	}
}

func (s *Scheduler) closeSubscribersLocked(id string) {
	for _, sub := range s.subs[id] {
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
	delete(s.subs, id)
}

func (s *Scheduler) removeSubscriberLocked(id string, target *subscription) {
	subs := s.subs[id]
	for i, sub := range subs {
		if sub == target {
			s.subs[id] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(s.subs[id]) == 0 {
		delete(s.subs, id)
	}
	if !target.closed {
		target.closed = true
		close(target.ch)
	}
}
