package testutil

import (
	"slices"
	"sync"
	"time"
)

// ManualScheduler runs tasks only when the test pumps it. One instance can
// back every sequence of a session: tasks of all sequences then interleave
// in a single FIFO, which keeps runs reproducible.
//
// Blocking work passed to Go runs as an ordinary task, so fake queriers
// must not block.
type ManualScheduler struct {
	clock *ManualClock

	mu     sync.Mutex
	tasks  []func()
	timers []*manualTimer
	seq    uint64
	closed bool
}

type manualTimer struct {
	at   time.Time
	seq  uint64
	fn   func()
	done bool
}

// NewManualScheduler creates a scheduler on clock (a fresh ManualClock when
// nil).
func NewManualScheduler(clock *ManualClock) *ManualScheduler {
	if clock == nil {
		clock = NewManualClock(time.Time{})
	}
	return &ManualScheduler{clock: clock}
}

// Clock returns the scheduler's clock.
func (s *ManualScheduler) Clock() *ManualClock {
	return s.clock
}

// Post queues fn. Returns false after Close.
func (s *ManualScheduler) Post(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.tasks = append(s.tasks, fn)
	return true
}

// AfterFunc queues fn once the clock reaches now+d.
func (s *ManualScheduler) AfterFunc(d time.Duration, fn func()) func() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &manualTimer{at: s.clock.Now().Add(d), seq: s.seq, fn: fn}
	s.timers = append(s.timers, t)
	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if t.done {
			return false
		}
		t.done = true
		s.timers = slices.DeleteFunc(s.timers, func(o *manualTimer) bool { return o == t })
		return true
	}
}

// Go queues fn as a task.
func (s *ManualScheduler) Go(fn func()) {
	s.Post(fn)
}

// Now returns the clock's time.
func (s *ManualScheduler) Now() time.Time {
	return s.clock.Now()
}

// Close rejects further tasks.
func (s *ManualScheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Pending returns the number of queued tasks.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Timers returns the number of armed timers.
func (s *ManualScheduler) Timers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// NextTimer returns when the earliest armed timer fires.
func (s *ManualScheduler) NextTimer() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.earliestLocked(); t != nil {
		return t.at, true
	}
	return time.Time{}, false
}

// RunUntilIdle runs queued tasks, including tasks they queue, until none
// are left. Timers do not fire. Returns how many tasks ran.
func (s *ManualScheduler) RunUntilIdle() int {
	n := 0
	for {
		s.mu.Lock()
		if len(s.tasks) == 0 {
			s.mu.Unlock()
			return n
		}
		fn := s.tasks[0]
		s.tasks[0] = nil
		s.tasks = s.tasks[1:]
		s.mu.Unlock()

		fn()
		n++
	}
}

// Advance moves the clock forward by d, firing due timers in order and
// running the tasks they produce at each timer's instant.
func (s *ManualScheduler) Advance(d time.Duration) {
	target := s.clock.Now().Add(d)
	s.RunUntilIdle()
	for {
		s.mu.Lock()
		t := s.earliestLocked()
		if t == nil || t.at.After(target) {
			s.mu.Unlock()
			break
		}
		t.done = true
		s.timers = slices.DeleteFunc(s.timers, func(o *manualTimer) bool { return o == t })
		s.mu.Unlock()

		s.clock.Set(t.at)
		t.fn()
		s.RunUntilIdle()
	}
	s.clock.Set(target)
	s.RunUntilIdle()
}

func (s *ManualScheduler) earliestLocked() *manualTimer {
	var best *manualTimer
	for _, t := range s.timers {
		if best == nil || t.at.Before(best.at) || (t.at.Equal(best.at) && t.seq < best.seq) {
			best = t
		}
	}
	return best
}
