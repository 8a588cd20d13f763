package scheduler

import "sync"

// slots is a counting semaphore bounding concurrent job executions. The
// dispatcher only ever takes permits without blocking; finished workers give
// them back and wake the dispatcher.
type slots struct {
	mu       sync.Mutex
	capacity int
	current  int
}

func newSlots(capacity int) *slots {
	if capacity <= 0 {
		capacity = 1
	}
	return &slots{capacity: capacity}
}

// TryAcquire takes a permit if one is free.
func (s *slots) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current < s.capacity {
		s.current++
		return true
	}
	return false
}

// Release returns a permit.
func (s *slots) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current <= 0 {
		return // Nothing to release
	}
	s.current--
}

// InUse returns the number of taken permits.
func (s *slots) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Capacity returns the number of permits.
func (s *slots) Capacity() int {
	return s.capacity
}
