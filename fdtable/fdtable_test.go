package fdtable_test

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/duskrunner/corio/fdtable"
)

func TestSocketDetectionAndNonblock(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	table := fdtable.NewTable()
	ctx := table.Get(fds[0], true)
	if !ctx.IsSocket() {
		t.Fatal("socketpair fd should be detected as a socket")
	}
	if !ctx.SysNonblock() {
		t.Fatal("table should have forced the socket non-blocking")
	}

	flags, err := unix.FcntlInt(uintptr(fds[0]), unix.F_GETFL, 0)
	if err != nil {
		t.Fatalf("fcntl F_GETFL: %v", err)
	}
	if flags&unix.O_NONBLOCK == 0 {
		t.Fatal("fd is not actually non-blocking at the kernel level")
	}
}

func TestNonSocketFd(t *testing.T) {
	r, w, err := newPipe(t)
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(r)
	defer unix.Close(w)

	table := fdtable.NewTable()
	ctx := table.Get(r, true)
	if ctx.IsSocket() {
		t.Fatal("pipe fd should not be detected as a socket")
	}
}

func newPipe(t *testing.T) (int, int, error) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}

func TestUserNonblockAndTimeouts(t *testing.T) {
	table := fdtable.NewTable()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	ctx := table.Get(fds[0], true)
	if ctx.UserNonblock() {
		t.Fatal("UserNonblock should default to false")
	}
	ctx.SetUserNonblock(true)
	if !ctx.UserNonblock() {
		t.Fatal("SetUserNonblock(true) did not stick")
	}

	if got := ctx.Timeout(unix.SO_RCVTIMEO); got != fdtable.NoTimeout {
		t.Fatalf("default recv timeout = %d, want NoTimeout", got)
	}
	ctx.SetTimeout(unix.SO_RCVTIMEO, 500)
	if got := ctx.Timeout(unix.SO_RCVTIMEO); got != 500 {
		t.Fatalf("recv timeout = %d, want 500", got)
	}
	if got := ctx.Timeout(unix.SO_SNDTIMEO); got != fdtable.NoTimeout {
		t.Fatalf("send timeout should be unaffected, got %d", got)
	}
}

func TestDelMarksClosed(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[1])

	table := fdtable.NewTable()
	ctx := table.Get(fds[0], true)
	unix.Close(fds[0])
	table.Del(fds[0])
	if !ctx.IsClosed() {
		t.Fatal("Ctx should be marked closed after Del")
	}
	if table.Get(fds[0], false) != nil {
		t.Fatal("Get after Del should not find the old context")
	}
}
