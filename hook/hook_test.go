package hook_test

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/duskrunner/corio/hook"
	"github.com/duskrunner/corio/iomgr"
	"github.com/duskrunner/corio/sched"
)

func TestEnableIsPerGoroutine(t *testing.T) {
	if hook.Enabled() {
		t.Fatal("Enabled() should default to false on a fresh goroutine")
	}
	done := make(chan bool, 1)
	go func() {
		hook.Enable(true)
		done <- hook.Enabled()
	}()
	if !<-done {
		t.Fatal("Enable(true) did not take effect on the goroutine that set it")
	}
	if hook.Enabled() {
		t.Fatal("Enable in another goroutine leaked into this one")
	}
}

func TestErrnoUnwrapsForErrorsIs(t *testing.T) {
	var err error = &hook.Errno{Op: "read", Fd: 3, Err: unix.EAGAIN}
	if !errors.Is(err, unix.EAGAIN) {
		t.Fatal("errors.Is(err, unix.EAGAIN) should see through hook.Errno")
	}
	if err.Error() == "" {
		t.Fatal("Error() should not be empty")
	}
}

func TestReadPassthroughWhenDisabled(t *testing.T) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	if _, err := unix.Write(fds[1], []byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 2)
	n, err := hook.Read(fds[0], buf)
	if err != nil {
		t.Fatalf("hook.Read: %v", err)
	}
	if n != 2 || string(buf) != "hi" {
		t.Fatalf("hook.Read = %d %q, want 2 \"hi\"", n, buf)
	}
}

func TestSocketRegistersAndCloseRemoves(t *testing.T) {
	hook.Enable(true)
	defer hook.Enable(false)

	fd, err := hook.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("hook.Socket: %v", err)
	}
	if hook.Fds.Get(fd, false) == nil {
		t.Fatal("fd should be registered in the fd table when hooks are enabled")
	}
	if err := hook.Close(fd); err != nil {
		t.Fatalf("hook.Close: %v", err)
	}
	if hook.Fds.Get(fd, false) != nil {
		t.Fatal("fd should be removed from the fd table after Close")
	}
}

func TestCooperativeReadWaitsForWriter(t *testing.T) {
	m, err := iomgr.New(iomgr.Config{Name: "hook-test", Threads: 2})
	if err != nil {
		t.Fatalf("iomgr.New: %v", err)
	}
	defer m.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[1])

	type readResult struct {
		n   int
		err error
	}
	results := make(chan readResult, 1)

	if err := m.ScheduleFunc(func() {
		hook.Enable(true)
		hook.Fds.Get(fds[0], true)
		buf := make([]byte, 16)
		n, err := hook.Read(fds[0], buf)
		results <- readResult{n, err}
	}, sched.AnyThread); err != nil {
		t.Fatalf("ScheduleFunc: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if _, err := unix.Write(fds[1], []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case r := <-results:
		if r.err != nil {
			t.Fatalf("hook.Read returned error: %v", r.err)
		}
		if r.n != 5 {
			t.Fatalf("hook.Read = %d bytes, want 5", r.n)
		}
		unix.Close(fds[0])
	case <-time.After(2 * time.Second):
		unix.Close(fds[0])
		t.Fatal("timed out waiting for cooperative read to unblock")
	}
}

func TestSetConnectTimeoutDoesNotPanic(t *testing.T) {
	hook.SetConnectTimeout(1234)
	hook.SetConnectTimeout(-1) // restore "wait forever" default for other tests
}
