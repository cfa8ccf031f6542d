package coro_test

import (
	"testing"
	"time"

	"github.com/duskrunner/corio/coro"
)

func TestSpawnResumeYield(t *testing.T) {
	var order []string
	c := coro.Spawn(func() {
		order = append(order, "a")
		coro.Current().Yield()
		order = append(order, "b")
	}, 0, false)

	if c.State() != coro.StateReady {
		t.Fatalf("new coroutine state = %v, want READY", c.State())
	}
	c.Resume()
	if c.State() != coro.StateReady {
		t.Fatalf("after first resume state = %v, want READY (yielded)", c.State())
	}
	c.Resume()
	if c.State() != coro.StateTerm {
		t.Fatalf("after second resume state = %v, want TERM", c.State())
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("unexpected order: %v", order)
	}
	c.Close()
}

func TestResumeNonReadyPanics(t *testing.T) {
	c := coro.Spawn(func() {}, 0, false)
	c.Resume()
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic resuming a TERM coroutine")
		}
		c.Close()
	}()
	c.Resume()
}

func TestReset(t *testing.T) {
	ran := 0
	c := coro.Spawn(func() { ran++ }, 0, false)
	c.Resume()
	if err := c.Reset(func() { ran += 10 }); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	c.Resume()
	if ran != 11 {
		t.Fatalf("ran = %d, want 11", ran)
	}
	c.Close()
}

func TestResetRequiresTerm(t *testing.T) {
	c := coro.Spawn(func() { time.Sleep(time.Millisecond) }, 0, false)
	if err := c.Reset(func() {}); err != coro.ErrNotTerm {
		t.Fatalf("Reset on READY coroutine: err = %v, want ErrNotTerm", err)
	}
	c.Resume()
	c.Close()
}

func TestCurrentIsStableWithinGoroutine(t *testing.T) {
	first := coro.Current()
	second := coro.Current()
	if first != second {
		t.Fatal("Current() returned different coroutines on the same goroutine")
	}
	if first.State() != coro.StateRunning {
		t.Fatalf("main coroutine state = %v, want RUNNING", first.State())
	}
}

func TestMainCoroutineYieldIsNoop(t *testing.T) {
	coro.Current().Yield() // must not block or panic
}

func TestLiveCount(t *testing.T) {
	before := coro.LiveCount()
	c := coro.Spawn(func() {}, 0, false)
	if coro.LiveCount() != before+1 {
		t.Fatalf("LiveCount after spawn = %d, want %d", coro.LiveCount(), before+1)
	}
	c.Resume()
	c.Close()
	// liveCount decrements asynchronously as the backing goroutine exits;
	// give it a moment rather than asserting an exact value immediately.
	deadline := time.Now().Add(time.Second)
	for coro.LiveCount() > before && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if coro.LiveCount() > before {
		t.Fatalf("LiveCount did not settle back to %d, got %d", before, coro.LiveCount())
	}
}
