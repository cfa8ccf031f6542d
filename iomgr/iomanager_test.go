package iomgr_test

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/duskrunner/corio/coro"
	"github.com/duskrunner/corio/iomgr"
	"github.com/duskrunner/corio/sched"
)

func TestEventFiresOnReadableSocket(t *testing.T) {
	m, err := iomgr.New(iomgr.Config{Name: "test", Threads: 2})
	if err != nil {
		t.Fatalf("iomgr.New: %v", err)
	}
	defer m.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[1])

	fired := make(chan struct{})
	if err := m.ScheduleFunc(func() {
		if err := m.AddEvent(fds[0], iomgr.EventRead, func() { close(fired) }); err != nil {
			t.Errorf("AddEvent: %v", err)
		}
	}, sched.AnyThread); err != nil {
		t.Fatalf("ScheduleFunc: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if _, err := unix.Write(fds[1], []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-fired:
		unix.Close(fds[0])
	case <-time.After(2 * time.Second):
		unix.Close(fds[0])
		t.Fatal("timed out waiting for read event to fire")
	}
}

func TestAddEventDuplicateRejected(t *testing.T) {
	m, err := iomgr.New(iomgr.Config{Name: "test2", Threads: 1})
	if err != nil {
		t.Fatalf("iomgr.New: %v", err)
	}
	defer m.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	done := make(chan error, 1)
	m.ScheduleFunc(func() {
		_ = m.AddEvent(fds[0], iomgr.EventRead, func() {})
		done <- m.AddEvent(fds[0], iomgr.EventRead, func() {})
	}, sched.AnyThread)

	select {
	case err := <-done:
		if err != iomgr.ErrDuplicateEvent {
			t.Fatalf("second AddEvent err = %v, want ErrDuplicateEvent", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestConditionTimerFiresWhenCondTrue(t *testing.T) {
	m, err := iomgr.New(iomgr.Config{Name: "test3", Threads: 1})
	if err != nil {
		t.Fatalf("iomgr.New: %v", err)
	}
	defer m.Close()

	fired := make(chan struct{})
	m.ScheduleFunc(func() {
		fiber := coro.Current()
		alive := true
		m.AddConditionTimer(10, func() {
			close(fired)
			_ = fiber
		}, func() bool { return alive }, false)
	}, sched.AnyThread)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("condition timer never fired")
	}
}

func TestEventString(t *testing.T) {
	cases := []struct {
		ev   iomgr.Event
		want string
	}{
		{iomgr.EventRead, "READ"},
		{iomgr.EventWrite, "WRITE"},
		{iomgr.EventRead | iomgr.EventWrite, "READ|WRITE"},
		{0, "NONE"},
	}
	for _, c := range cases {
		if got := c.ev.String(); got != c.want {
			t.Errorf("Event(%d).String() = %q, want %q", c.ev, got, c.want)
		}
	}
}
