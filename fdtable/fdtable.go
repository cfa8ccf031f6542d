// Package fdtable tracks per-fd bookkeeping the hook package needs to
// decide whether a given file descriptor should behave cooperatively:
// whether it's a socket at all, its kernel- versus user-requested
// non-blocking flag (kept separate so a caller's own O_NONBLOCK request is
// never silently overridden), per-direction timeouts, and close state.
package fdtable

import (
	"sync"

	"golang.org/x/sys/unix"
)

// NoTimeout is the sentinel meaning "no timeout configured" for a
// direction, mirroring the original's (uint64_t)-1.
const NoTimeout int64 = -1

// Ctx is the per-fd context. All accessors are safe for concurrent use.
type Ctx struct {
	mu sync.Mutex

	fd          int
	isSocket    bool
	sysNonblock bool // the kernel-level O_NONBLOCK flag this table imposed
	userNonblock bool // what the caller last asked for via fcntl/ioctl
	closed      bool

	recvTimeoutMs int64
	sendTimeoutMs int64
}

func newCtx(fd int) *Ctx {
	c := &Ctx{fd: fd, recvTimeoutMs: NoTimeout, sendTimeoutMs: NoTimeout}
	c.init()
	return c
}

// init probes the fd's type and, if it's a socket, forces it non-blocking
// at the kernel level so the hook package's cooperative retry loop never
// blocks the backing goroutine — matching the original's FdCtx::init.
func (c *Ctx) init() {
	var st unix.Stat_t
	if err := unix.Fstat(c.fd, &st); err != nil {
		c.isSocket = false
		return
	}
	c.isSocket = st.Mode&unix.S_IFMT == unix.S_IFSOCK
	if !c.isSocket {
		return
	}
	flags, err := unix.FcntlInt(uintptr(c.fd), unix.F_GETFL, 0)
	if err != nil {
		return
	}
	if flags&unix.O_NONBLOCK == 0 {
		if _, err := unix.FcntlInt(uintptr(c.fd), unix.F_SETFL, flags|unix.O_NONBLOCK); err != nil {
			return
		}
	}
	c.sysNonblock = true
}

// IsSocket reports whether this fd is a socket.
func (c *Ctx) IsSocket() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isSocket
}

// IsClosed reports whether Close has been recorded for this fd.
func (c *Ctx) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Ctx) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// SetUserNonblock records the caller's most recent O_NONBLOCK request
// (via fcntl(F_SETFL) or ioctl(FIONBIO)). When set, hook functions skip
// their cooperative retry and behave like the raw syscall, since the
// caller explicitly asked for non-blocking semantics themselves.
func (c *Ctx) SetUserNonblock(v bool) {
	c.mu.Lock()
	c.userNonblock = v
	c.mu.Unlock()
}

// UserNonblock reports the last value passed to SetUserNonblock.
func (c *Ctx) UserNonblock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userNonblock
}

// SysNonblock reports whether the fd is a socket that this table found or
// made non-blocking at the kernel level, whether or not the caller asked
// for it.
func (c *Ctx) SysNonblock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sysNonblock
}

// SetTimeout records a per-direction timeout in milliseconds, keyed by
// unix.SO_RCVTIMEO or unix.SO_SNDTIMEO, as setsockopt would be asked to do.
func (c *Ctx) SetTimeout(which int, ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch which {
	case unix.SO_RCVTIMEO:
		c.recvTimeoutMs = ms
	case unix.SO_SNDTIMEO:
		c.sendTimeoutMs = ms
	}
}

// Timeout returns the configured timeout for which (unix.SO_RCVTIMEO or
// unix.SO_SNDTIMEO), or NoTimeout.
func (c *Ctx) Timeout(which int) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch which {
	case unix.SO_RCVTIMEO:
		return c.recvTimeoutMs
	case unix.SO_SNDTIMEO:
		return c.sendTimeoutMs
	default:
		return NoTimeout
	}
}

// Table is a registry of per-fd contexts. The original indexes a
// pre-sized vector by raw fd; a map is the more natural Go shape here
// since fds are created and closed in no particular density and we don't
// need O(1) index-by-small-int growth bookkeeping to get O(1) lookup.
type Table struct {
	mu   sync.RWMutex
	ctxs map[int]*Ctx
}

// NewTable constructs an empty fd table.
func NewTable() *Table {
	return &Table{ctxs: make(map[int]*Ctx)}
}

// Get returns the Ctx for fd. If none exists and autoCreate is true, one is
// created (probing the fd's type as a side effect); otherwise nil is
// returned for an fd the table has not seen.
func (t *Table) Get(fd int, autoCreate bool) *Ctx {
	t.mu.RLock()
	c := t.ctxs[fd]
	t.mu.RUnlock()
	if c != nil || !autoCreate {
		return c
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if c := t.ctxs[fd]; c != nil {
		return c
	}
	c = newCtx(fd)
	t.ctxs[fd] = c
	return c
}

// Del marks fd's context closed and removes it from the table.
func (t *Table) Del(fd int) {
	t.mu.Lock()
	c := t.ctxs[fd]
	delete(t.ctxs, fd)
	t.mu.Unlock()
	if c != nil {
		c.markClosed()
	}
}
