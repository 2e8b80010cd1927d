package events

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerDebouncesRequests(t *testing.T) {
	var runs atomic.Int32
	s := newScheduler(20*time.Millisecond, func() { runs.Add(1) })
	defer s.Stop()

	s.Schedule(false)
	s.Schedule(false)
	s.Schedule(false)

	time.Sleep(80 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}
}

func TestSchedulerDoesNotResetArmedTimer(t *testing.T) {
	var firedAt atomic.Int64
	start := time.Now()
	s := newScheduler(40*time.Millisecond, func() { firedAt.Store(int64(time.Since(start))) })
	defer s.Stop()

	s.Schedule(false)
	time.Sleep(25 * time.Millisecond)
	s.Schedule(false)

	waitUntil(t, func() bool { return firedAt.Load() != 0 })
	if got := time.Duration(firedAt.Load()); got >= 60*time.Millisecond {
		t.Fatalf("fired after %v, want the original deadline to hold", got)
	}
}

func TestSchedulerForcedRequestQueuesOneMoreRun(t *testing.T) {
	var runs atomic.Int32
	s := newScheduler(10*time.Millisecond, func() { runs.Add(1) })
	defer s.Stop()

	s.Schedule(false)
	s.Schedule(true)
	s.Schedule(true)

	waitUntil(t, func() bool { return runs.Load() == 2 })
	time.Sleep(40 * time.Millisecond)
	if got := runs.Load(); got != 2 {
		t.Fatalf("runs = %d, want 2", got)
	}
}

func TestSchedulerForcedDuringRun(t *testing.T) {
	var runs atomic.Int32
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	s := newScheduler(5*time.Millisecond, func() {
		runs.Add(1)
		entered <- struct{}{}
		<-release
	})
	defer s.Stop()

	s.Schedule(false)
	<-entered
	s.Schedule(false)
	s.Schedule(true)
	release <- struct{}{}

	<-entered
	release <- struct{}{}
	waitUntil(t, func() bool { return !s.Pending() })
	if got := runs.Load(); got != 2 {
		t.Fatalf("runs = %d, want 2", got)
	}
}

func TestSchedulerStopCancelsArmedRun(t *testing.T) {
	var runs atomic.Int32
	s := newScheduler(20*time.Millisecond, func() { runs.Add(1) })

	s.Schedule(false)
	s.Stop()
	s.Schedule(true)

	time.Sleep(50 * time.Millisecond)
	if got := runs.Load(); got != 0 {
		t.Fatalf("runs = %d, want 0", got)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSchedulerScheduleAfterUsesLongerDelay(t *testing.T) {
	var firedAt atomic.Int64
	start := time.Now()
	s := newScheduler(5*time.Millisecond, func() { firedAt.Store(int64(time.Since(start))) })
	t.Cleanup(s.Stop)

	s.ScheduleAfter(60 * time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for firedAt.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("run never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := time.Duration(firedAt.Load()); got < 60*time.Millisecond {
		t.Fatalf("run fired after %v, want at least 60ms", got)
	}
}

func TestSchedulerScheduleAfterDuringRunQueuesDelayedRun(t *testing.T) {
	var runs atomic.Int32
	var s *scheduler
	s = newScheduler(time.Millisecond, func() {
		if runs.Add(1) == 1 {
			s.ScheduleAfter(50 * time.Millisecond)
		}
	})
	t.Cleanup(s.Stop)

	start := time.Now()
	s.Schedule(false)

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("queued run never fired")
		}
		time.Sleep(2 * time.Millisecond)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("queued run fired after %v, want at least 50ms", elapsed)
	}
}
