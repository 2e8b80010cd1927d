package events

import (
	"sync"
	"time"
)

// scheduler debounces flush requests into a single pending run. While a run
// is armed or in progress further requests are no-ops, except that a forced
// request queues exactly one more run after the current one. Arming never
// pushes back a timer that is already set.
type scheduler struct {
	delay time.Duration
	run   func()

	mu          sync.Mutex
	timer       *time.Timer
	armed       bool
	running     bool
	queued      bool
	queuedDelay time.Duration
	stopped     bool
	idle        *sync.Cond
}

func newScheduler(delay time.Duration, run func()) *scheduler {
	s := &scheduler{delay: delay, run: run}
	s.idle = sync.NewCond(&s.mu)
	return s
}

// Schedule requests a run after the debounce delay.
func (s *scheduler) Schedule(force bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if s.armed || s.running {
		if force {
			s.queue(s.delay)
		}
		return
	}
	s.arm(s.delay)
}

// ScheduleAfter is a forced request whose run waits at least d.
func (s *scheduler) ScheduleAfter(d time.Duration) {
	d = max(d, s.delay)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if s.armed || s.running {
		s.queue(d)
		return
	}
	s.arm(d)
}

func (s *scheduler) queue(d time.Duration) {
	if !s.queued || d > s.queuedDelay {
		s.queuedDelay = d
	}
	s.queued = true
}

func (s *scheduler) arm(d time.Duration) {
	s.armed = true
	s.timer = time.AfterFunc(d, s.fire)
}

func (s *scheduler) fire() {
	s.mu.Lock()
	if s.stopped {
		s.armed = false
		s.mu.Unlock()
		return
	}
	s.armed = false
	s.running = true
	s.mu.Unlock()

	s.run()

	s.mu.Lock()
	s.running = false
	if s.queued && !s.stopped {
		s.queued = false
		s.arm(s.queuedDelay)
	}
	s.idle.Broadcast()
	s.mu.Unlock()
}

// Pending reports whether a run is armed, running or queued.
func (s *scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed || s.running || s.queued
}

// Stop cancels any armed run and waits for a run in progress to return.
func (s *scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	s.queued = false
	if s.timer != nil && s.timer.Stop() {
		s.armed = false
	}
	for s.running {
		s.idle.Wait()
	}
}
