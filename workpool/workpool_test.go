package workpool_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/duskrunner/corio/workpool"
)

func TestSubmitRunsOnWorker(t *testing.T) {
	p := workpool.New(workpool.Config{Workers: 2})
	defer p.Close()

	done := make(chan struct{})
	if err := p.Submit(func() { close(done) }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for submitted task")
	}
}

func TestSubmitManyAcrossWorkers(t *testing.T) {
	p := workpool.New(workpool.Config{Workers: 4, QueueSize: 16})
	defer p.Close()

	const n = 2000
	var count atomic.Int64
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		if err := p.Submit(func() {
			count.Add(1)
			wg.Done()
		}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("only %d/%d tasks ran", count.Load(), n)
	}
	stats := p.Stats()
	if stats["completed"] != n {
		t.Fatalf("completed = %d, want %d", stats["completed"], n)
	}
}

func TestSubmitAfterCloseFails(t *testing.T) {
	p := workpool.New(workpool.Config{Workers: 1})
	p.Close()
	if err := p.Submit(func() {}); err != workpool.ErrClosed {
		t.Fatalf("Submit after Close: err = %v, want ErrClosed", err)
	}
}

func TestPanicInTaskIsRecovered(t *testing.T) {
	p := workpool.New(workpool.Config{Workers: 1})
	defer p.Close()

	done := make(chan struct{})
	p.Submit(func() { panic("boom") })
	p.Submit(func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool appears to have died after a panicking task")
	}
	if p.Stats()["dropped"] != 1 {
		t.Fatalf("dropped = %d, want 1", p.Stats()["dropped"])
	}
}

func TestPinWorkersLengthMismatchPanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic for mismatched PinWorkers length")
		}
	}()
	workpool.New(workpool.Config{Workers: 2, PinWorkers: []int{0}})
}

func TestClosePreservesAlreadyAcceptedWork(t *testing.T) {
	p := workpool.New(workpool.Config{Workers: 1})
	var ran atomic.Bool
	p.Submit(func() {
		time.Sleep(10 * time.Millisecond)
		ran.Store(true)
	})
	p.Close()
	if !ran.Load() {
		t.Fatal("Close returned before already-submitted work finished draining")
	}
}
