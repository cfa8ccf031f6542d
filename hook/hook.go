// Package hook provides cooperative, opt-in replacements for the blocking
// syscalls a coroutine-based program needs to not block its backing
// goroutine on: sleeps, socket I/O, and the handful of fcntl/ioctl/sockopt
// calls that toggle non-blocking behavior. Call hook.Read instead of
// syscall.Read (etc.) to get this behavior — see SPEC_FULL.md §3.5 for why
// this package cannot instead transparently intercept syscall.* the way
// the original's dlsym(RTLD_NEXT, ...) interposition does.
package hook

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/duskrunner/corio/coro"
	"github.com/duskrunner/corio/fdtable"
	"github.com/duskrunner/corio/iomgr"
	"github.com/duskrunner/corio/internal/gls"
	"github.com/duskrunner/corio/sched"
)

// Fds is the package-wide fd context table. A single process is expected
// to run one coroutine runtime, so a package-level table (rather than one
// threaded through every call) mirrors the original's process-wide
// FdManager singleton.
var Fds = fdtable.NewTable()

// defaultConnectTimeout is used by Connect when no explicit timeout is
// given; it is live-updatable via SetConnectTimeout, mirroring the
// original's g_tcp_connect_timeout config listener.
var defaultConnectTimeout atomic.Int64 // ms; <0 means NoTimeout

func init() {
	defaultConnectTimeout.Store(fdtable.NoTimeout)
}

// SetConnectTimeout updates the default timeout Connect uses, in
// milliseconds (fdtable.NoTimeout for "wait forever"). Intended to be
// wired to a control.ConfigStore OnReload listener for net.connect_timeout_ms.
func SetConnectTimeout(ms int64) { defaultConnectTimeout.Store(ms) }

type enabledKeyT struct{}

var enabledKey enabledKeyT

// Enable turns cooperative behavior on or off for the calling goroutine.
// sched and iomgr workers do not call it; code that wants cooperative
// behavior calls Enable(true) on its own goroutine. A goroutine that never
// calls it stays at the default false, in which case every hook function
// falls straight through to the raw syscall, matching the original's
// thread_local t_hook_enable gate.
func Enable(v bool) { gls.Set(enabledKey, v) }

// Enabled reports the calling goroutine's hook state.
func Enabled() bool {
	v := gls.Get(enabledKey)
	return v != nil && v.(bool)
}

// Errno wraps a unix.Errno so callers can still errors.Is(err, unix.EAGAIN)
// etc. while getting a descriptive Error() string; hook functions return
// this instead of a bare syscall.Errno to make the originating call clear
// in logs.
type Errno struct {
	Op  string
	Fd  int
	Err unix.Errno
}

func (e *Errno) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *Errno) Unwrap() error { return e.Err }

func errnoOf(op string, fd int, err error) error {
	if err == nil {
		return nil
	}
	if e, ok := err.(unix.Errno); ok {
		return &Errno{Op: op, Fd: fd, Err: e}
	}
	return err
}

// Sleep cooperatively suspends the calling coroutine for the given whole
// seconds, resuming it via a one-shot timer on the current iomgr.Manager
// rather than blocking its backing goroutine.
func Sleep(seconds uint) {
	sleepMs(int64(seconds) * 1000)
}

// Usleep is Sleep taking microseconds, truncated to whole milliseconds.
func Usleep(usec int64) {
	sleepMs(usec / 1000)
}

// NanoSleep is Sleep with a time.Duration, matching nanosleep's req.
func NanoSleep(d time.Duration) {
	sleepMs(d.Milliseconds())
}

func sleepMs(ms int64) {
	if !Enabled() {
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return
	}
	iom := iomgr.Current()
	if iom == nil {
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return
	}
	fiber := coro.Current()
	iom.AddTimer(ms, func() {
		_ = iom.ScheduleFiber(fiber, sched.AnyThread)
	}, false)
	fiber.Yield()
}

// Socket creates a socket exactly like unix.Socket. When hooks are enabled
// for the calling goroutine it also registers the fd (as a socket) in the
// fd table so later hook calls on it behave cooperatively.
func Socket(domain, typ, proto int) (int, error) {
	fd, err := unix.Socket(domain, typ, proto)
	if err != nil {
		return fd, errnoOf("socket", fd, err)
	}
	if Enabled() {
		Fds.Get(fd, true)
	}
	return fd, nil
}

// Connect is ConnectTimeout with the package's default connect timeout.
func Connect(fd int, addr unix.Sockaddr) error {
	return ConnectTimeout(fd, addr, time.Duration(defaultConnectTimeout.Load())*time.Millisecond)
}

// ConnectTimeout attempts a connect, cooperatively waiting up to timeout
// for it to complete if it returns EINPROGRESS. A negative timeout (or
// fdtable.NoTimeout milliseconds) waits indefinitely.
func ConnectTimeout(fd int, addr unix.Sockaddr, timeout time.Duration) error {
	if !Enabled() {
		return errnoOf("connect", fd, unix.Connect(fd, addr))
	}
	ctx := Fds.Get(fd, false)
	if ctx == nil || ctx.IsClosed() {
		return &Errno{Op: "connect", Fd: fd, Err: unix.EBADF}
	}
	if !ctx.IsSocket() || ctx.UserNonblock() {
		return errnoOf("connect", fd, unix.Connect(fd, addr))
	}

	err := unix.Connect(fd, addr)
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS {
		return errnoOf("connect", fd, err)
	}

	iom := iomgr.Current()
	if iom == nil {
		return errnoOf("connect", fd, err)
	}

	cancelled := new(atomic.Int32)
	var timer interface{ Cancel() bool }
	if timeout >= 0 {
		t := iom.AddConditionTimer(timeout.Milliseconds(), func() {
			cancelled.Store(int32(unix.ETIMEDOUT))
			iom.CancelEvent(fd, iomgr.EventWrite)
		}, func() bool { return cancelled.Load() == 0 }, false)
		timer = t
	}

	addErr := iom.AddEvent(fd, iomgr.EventWrite, nil)
	if addErr != nil {
		if timer != nil {
			timer.Cancel()
		}
		return errnoOf("connect", fd, addErr)
	}
	coro.Current().Yield()
	if timer != nil {
		timer.Cancel()
	}
	if c := cancelled.Load(); c != 0 {
		return &Errno{Op: "connect", Fd: fd, Err: unix.Errno(c)}
	}

	soErr, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if gerr != nil {
		return errnoOf("connect", fd, gerr)
	}
	if soErr != 0 {
		return &Errno{Op: "connect", Fd: fd, Err: unix.Errno(soErr)}
	}
	return nil
}

// Accept is a cooperative accept4; on success, when hooks are enabled, the
// new fd is registered in the fd table as a socket.
func Accept(fd int) (int, unix.Sockaddr, error) {
	var nfd int
	var sa unix.Sockaddr
	_, err := doIO(fd, iomgr.EventRead, unix.SO_RCVTIMEO, "accept", func() (int, error) {
		var innerErr error
		nfd, sa, innerErr = unix.Accept4(fd, unix.SOCK_CLOEXEC)
		if innerErr != nil {
			return -1, innerErr
		}
		return nfd, nil
	})
	if err != nil {
		return -1, nil, err
	}
	if Enabled() {
		Fds.Get(nfd, true)
	}
	return nfd, sa, nil
}

// Read is a cooperative read(2).
func Read(fd int, buf []byte) (int, error) {
	return doIO(fd, iomgr.EventRead, unix.SO_RCVTIMEO, "read", func() (int, error) {
		return unix.Read(fd, buf)
	})
}

// Recv is a cooperative recv(2).
func Recv(fd int, buf []byte, flags int) (int, error) {
	return doIO(fd, iomgr.EventRead, unix.SO_RCVTIMEO, "recv", func() (int, error) {
		n, _, innerErr := unix.Recvfrom(fd, buf, flags)
		return n, innerErr
	})
}

// RecvFrom is a cooperative recvfrom(2).
func RecvFrom(fd int, buf []byte, flags int) (int, unix.Sockaddr, error) {
	var from unix.Sockaddr
	n, err := doIO(fd, iomgr.EventRead, unix.SO_RCVTIMEO, "recvfrom", func() (int, error) {
		nn, sa, innerErr := unix.Recvfrom(fd, buf, flags)
		from = sa
		return nn, innerErr
	})
	return n, from, err
}

// Readv is a cooperative readv(2).
func Readv(fd int, iovs [][]byte) (int, error) {
	return doIO(fd, iomgr.EventRead, unix.SO_RCVTIMEO, "readv", func() (int, error) {
		return readv(fd, iovs)
	})
}

// RecvMsg is a cooperative recvmsg(2); p and oob follow unix.Recvmsg's own
// split of payload versus ancillary (control) bytes.
func RecvMsg(fd int, p, oob []byte, flags int) (n, oobn int, err error) {
	_, err = doIO(fd, iomgr.EventRead, unix.SO_RCVTIMEO, "recvmsg", func() (int, error) {
		var recvFlags int
		var innerErr error
		n, oobn, recvFlags, _, innerErr = unix.Recvmsg(fd, p, oob, flags)
		_ = recvFlags
		return n, innerErr
	})
	return n, oobn, err
}

// Write is a cooperative write(2).
func Write(fd int, buf []byte) (int, error) {
	return doIO(fd, iomgr.EventWrite, unix.SO_SNDTIMEO, "write", func() (int, error) {
		return unix.Write(fd, buf)
	})
}

// Writev is a cooperative writev(2).
func Writev(fd int, iovs [][]byte) (int, error) {
	return doIO(fd, iomgr.EventWrite, unix.SO_SNDTIMEO, "writev", func() (int, error) {
		return writev(fd, iovs)
	})
}

// SendMsg is a cooperative sendmsg(2); oob carries ancillary (control)
// bytes as in unix.SendmsgN.
func SendMsg(fd int, p, oob []byte, to unix.Sockaddr, flags int) (int, error) {
	return doIO(fd, iomgr.EventWrite, unix.SO_SNDTIMEO, "sendmsg", func() (int, error) {
		return unix.SendmsgN(fd, p, oob, to, flags)
	})
}

// Send is a cooperative send(2).
func Send(fd int, buf []byte, flags int) (int, error) {
	return doIO(fd, iomgr.EventWrite, unix.SO_SNDTIMEO, "send", func() (int, error) {
		if err := unix.Sendto(fd, buf, flags, nil); err != nil {
			return -1, err
		}
		return len(buf), nil
	})
}

// SendTo is a cooperative sendto(2).
func SendTo(fd int, buf []byte, flags int, to unix.Sockaddr) (int, error) {
	return doIO(fd, iomgr.EventWrite, unix.SO_SNDTIMEO, "sendto", func() (int, error) {
		if err := unix.Sendto(fd, buf, flags, to); err != nil {
			return -1, err
		}
		return len(buf), nil
	})
}

// Close tears down an fd: cancels any pending events registered on the
// current Manager, removes it from the fd table, then closes it, matching
// close()'s ordering in the original.
func Close(fd int) error {
	if Enabled() {
		if iom := iomgr.Current(); iom != nil {
			iom.CancelAll(fd)
		}
		Fds.Del(fd)
	}
	return errnoOf("close", fd, unix.Close(fd))
}

// Fcntl F_SETFL/F_GETFL commands cooperate with the fd table's user/kernel
// non-blocking split; every other command passes straight through.
func FcntlSetFl(fd int, arg int) (int, error) {
	if !Enabled() {
		return unix.FcntlInt(uintptr(fd), unix.F_SETFL, arg)
	}
	ctx := Fds.Get(fd, false)
	if ctx == nil || ctx.IsClosed() || !ctx.IsSocket() {
		r, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, arg)
		return r, errnoOf("fcntl", fd, err)
	}
	ctx.SetUserNonblock(arg&unix.O_NONBLOCK != 0)
	if ctx.SysNonblock() {
		arg |= unix.O_NONBLOCK
	} else {
		arg &^= unix.O_NONBLOCK
	}
	r, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, arg)
	return r, errnoOf("fcntl", fd, err)
}

func FcntlGetFl(fd int) (int, error) {
	arg, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return arg, errnoOf("fcntl", fd, err)
	}
	if !Enabled() {
		return arg, nil
	}
	ctx := Fds.Get(fd, false)
	if ctx == nil || ctx.IsClosed() || !ctx.IsSocket() {
		return arg, nil
	}
	if ctx.UserNonblock() {
		return arg | unix.O_NONBLOCK, nil
	}
	return arg &^ unix.O_NONBLOCK, nil
}

// Fcntl is a pass-through for every command besides F_SETFL/F_GETFL, kept
// for API completeness with the original's exhaustive switch (it has no
// fd-table interaction for any of these).
func Fcntl(fd int, cmd int, arg int) (int, error) {
	r, err := unix.FcntlInt(uintptr(fd), cmd, arg)
	return r, errnoOf("fcntl", fd, err)
}

// fionbio is the Linux ioctl request number for FIONBIO, not exported by
// golang.org/x/sys/unix on this platform.
const fionbio = 0x5421

// IoctlSetFionbio is ioctl(fd, FIONBIO, &nonblock): toggling the
// user-requested non-blocking flag on a socket's fd-table entry.
func IoctlSetFionbio(fd int, nonblock bool) error {
	var arg int32
	if nonblock {
		arg = 1
	}
	err := unix.IoctlSetInt(fd, fionbio, int(arg))
	if err != nil {
		return errnoOf("ioctl", fd, err)
	}
	if Enabled() {
		if ctx := Fds.Get(fd, false); ctx != nil && !ctx.IsClosed() && ctx.IsSocket() {
			ctx.SetUserNonblock(nonblock)
		}
	}
	return nil
}

// GetSockopt is a thin wrapper kept for symmetry with SetSockopt; it has no
// fd-table interaction in the original either.
func GetSockopt(fd, level, opt int) (int, error) {
	n, err := unix.GetsockoptInt(fd, level, opt)
	return n, errnoOf("getsockopt", fd, err)
}

// SetSockopt mirrors SO_RCVTIMEO/SO_SNDTIMEO into the fd table so hook's
// cooperative read/write calls honor them, in addition to making the real
// setsockopt(2) call.
func SetSockopt(fd, level, opt int, tv unix.Timeval) error {
	err := unix.SetsockoptTimeval(fd, level, opt, &tv)
	if err != nil {
		return errnoOf("setsockopt", fd, err)
	}
	if Enabled() && level == unix.SOL_SOCKET && (opt == unix.SO_RCVTIMEO || opt == unix.SO_SNDTIMEO) {
		if ctx := Fds.Get(fd, false); ctx != nil {
			ctx.SetTimeout(opt, tv.Sec*1000+int64(tv.Usec)/1000)
		}
	}
	return nil
}

// doIO is the cooperative-suspend template every blocking I/O hook
// function funnels through: try the raw call, and on EAGAIN, register
// interest in ev with the current Manager and yield until it fires (or a
// timeout set from the fd's configured timeoutWhich direction cancels it).
func doIO(fd int, ev iomgr.Event, timeoutWhich int, op string, raw func() (int, error)) (int, error) {
	if !Enabled() {
		n, err := raw()
		return n, errnoOf(op, fd, err)
	}
	ctx := Fds.Get(fd, false)
	if ctx == nil {
		n, err := raw()
		return n, errnoOf(op, fd, err)
	}
	if ctx.IsClosed() {
		return -1, &Errno{Op: op, Fd: fd, Err: unix.EBADF}
	}
	if !ctx.IsSocket() || ctx.UserNonblock() {
		n, err := raw()
		return n, errnoOf(op, fd, err)
	}

	to := ctx.Timeout(timeoutWhich)

	for {
		n, err := raw()
		for err == unix.EINTR {
			n, err = raw()
		}
		if err != unix.EAGAIN {
			return n, errnoOf(op, fd, err)
		}

		iom := iomgr.Current()
		if iom == nil {
			return n, errnoOf(op, fd, err)
		}

		cancelled := new(atomic.Int32)
		var timer interface{ Cancel() bool }
		if to != fdtable.NoTimeout {
			t := iom.AddConditionTimer(to, func() {
				cancelled.Store(int32(unix.ETIMEDOUT))
				iom.CancelEvent(fd, ev)
			}, func() bool { return cancelled.Load() == 0 }, false)
			timer = t
		}

		if addErr := iom.AddEvent(fd, ev, nil); addErr != nil {
			if timer != nil {
				timer.Cancel()
			}
			return -1, errnoOf(op, fd, addErr)
		}
		coro.Current().Yield()
		if timer != nil {
			timer.Cancel()
		}
		if c := cancelled.Load(); c != 0 {
			return -1, &Errno{Op: op, Fd: fd, Err: unix.Errno(c)}
		}
		// retry the raw call
	}
}

