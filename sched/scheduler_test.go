package sched_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/duskrunner/corio/sched"
)

func TestScheduleFuncRuns(t *testing.T) {
	s := sched.New(sched.Config{Name: "t1", Threads: 2})
	s.Start()
	defer s.Stop()

	done := make(chan struct{})
	if err := s.ScheduleFunc(func() { close(done) }, sched.AnyThread); err != nil {
		t.Fatalf("ScheduleFunc: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for scheduled task")
	}
}

func TestScheduleManyTasks(t *testing.T) {
	s := sched.New(sched.Config{Name: "t2", Threads: 4})
	s.Start()
	defer s.Stop()

	const n = 200
	var count atomic.Int32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		if err := s.ScheduleFunc(func() {
			count.Add(1)
			wg.Done()
		}, sched.AnyThread); err != nil {
			t.Fatalf("ScheduleFunc: %v", err)
		}
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out, only %d/%d tasks ran", count.Load(), n)
	}
	if count.Load() != n {
		t.Fatalf("count = %d, want %d", count.Load(), n)
	}
}

func TestThreadPinning(t *testing.T) {
	s := sched.New(sched.Config{Name: "t3", Threads: 3})
	s.Start()
	defer s.Stop()

	var mu sync.Mutex
	slots := map[int]bool{}
	var wg sync.WaitGroup
	for slot := 0; slot < 3; slot++ {
		slot := slot
		wg.Add(1)
		s.ScheduleFunc(func() {
			defer wg.Done()
			mu.Lock()
			slots[slot] = true
			mu.Unlock()
		}, slot)
	}
	wg.Wait()
	if len(slots) != 3 {
		t.Fatalf("got %d distinct pinned tasks run, want 3", len(slots))
	}
}

func TestScheduleAfterStopFails(t *testing.T) {
	s := sched.New(sched.Config{Name: "t4", Threads: 1})
	s.Start()
	s.Stop()

	if err := s.ScheduleFunc(func() {}, sched.AnyThread); err != sched.ErrSchedulerStopped {
		t.Fatalf("ScheduleFunc after Stop: err = %v, want ErrSchedulerStopped", err)
	}
}

func TestUseCallerDonatesSlotZero(t *testing.T) {
	s := sched.New(sched.Config{Name: "t5", Threads: 2, UseCaller: true})
	s.Start()

	done := make(chan struct{})
	if err := s.ScheduleFunc(func() { close(done) }, 0); err != nil {
		t.Fatalf("ScheduleFunc pinned to caller slot: %v", err)
	}

	// Slot 0 is only serviced during Stop in use_caller mode.
	select {
	case <-done:
		t.Fatal("task pinned to the caller slot ran before Stop")
	case <-time.After(100 * time.Millisecond):
	}

	s.Stop()
	select {
	case <-done:
	default:
		t.Fatal("task pinned to the caller slot did not run during Stop")
	}
}
