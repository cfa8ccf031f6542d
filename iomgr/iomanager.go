// Package iomgr implements the edge-triggered epoll I/O multiplexer: an
// iomgr.Manager embeds a sched.Scheduler and a timerq.Set and replaces the
// scheduler's default idle/tickle behavior with one that blocks in
// epoll_wait, wakes on a self-pipe, and dispatches ready fds and expired
// timers back onto the scheduler.
package iomgr

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/duskrunner/corio/coro"
	"github.com/duskrunner/corio/internal/gls"
	"github.com/duskrunner/corio/sched"
	"github.com/duskrunner/corio/timerq"
)

type managerKeyT struct{}

var managerKey managerKeyT

// Current returns the Manager owning the calling goroutine's worker loop,
// or nil outside of one — the translation of the original's
// IOManager::GetThis() (itself a downcast of Scheduler::GetThis()).
func Current() *Manager {
	if v := gls.Get(managerKey); v != nil {
		return v.(*Manager)
	}
	return nil
}

// Event is a bitmask of I/O readiness conditions a caller can register
// interest in. Every registration is one-shot: once triggered, the event is
// cleared and must be re-armed with AddEvent to be observed again.
type Event uint32

const (
	EventRead Event = 1 << iota
	EventWrite
)

func (e Event) String() string {
	switch e {
	case EventRead:
		return "READ"
	case EventWrite:
		return "WRITE"
	case EventRead | EventWrite:
		return "READ|WRITE"
	default:
		return "NONE"
	}
}

// maxEpollEvents bounds how many ready fds a single epoll_wait call drains;
// leftover readiness is picked up on the next iteration.
const maxEpollEvents = 256

// hardCapTimeout upper-bounds how long idle ever blocks in epoll_wait, even
// if no timer is pending, so a Stop request is noticed promptly.
const hardCapTimeout = 5 * time.Second

var (
	// ErrClosed is returned by AddEvent after Close.
	ErrClosed = errors.New("iomgr: manager is closed")
	// ErrUnknownFd names an fd the manager has no context for. No Manager
	// method returns it: DelEvent, CancelEvent and CancelAll report an
	// unknown fd by returning false.
	ErrUnknownFd = errors.New("iomgr: unknown fd")
	// ErrDuplicateEvent is returned by AddEvent when the fd already has a
	// registration for the requested event.
	ErrDuplicateEvent = errors.New("iomgr: event already registered for fd")
)

type eventContext struct {
	scheduler *sched.Scheduler
	fiber     *coro.Coroutine
	cb        func()
}

func (c *eventContext) empty() bool { return c.scheduler == nil && c.fiber == nil && c.cb == nil }

func (c *eventContext) reset() { *c = eventContext{} }

type fdContext struct {
	mu     sync.Mutex
	fd     int
	events Event
	read   eventContext
	write  eventContext
}

func (c *fdContext) ctx(ev Event) *eventContext {
	switch ev {
	case EventRead:
		return &c.read
	case EventWrite:
		return &c.write
	default:
		panic(fmt.Sprintf("iomgr: invalid event %v", ev))
	}
}

// trigger schedules the registered handler for ev and clears the
// registration — events are one-shot, matching the spec.
func (c *fdContext) trigger(ev Event) {
	if c.events&ev == 0 {
		return
	}
	c.events &^= ev
	ctx := c.ctx(ev)
	sc := ctx.scheduler
	if ctx.cb != nil {
		if err := sc.ScheduleFunc(ctx.cb, sched.AnyThread); err != nil {
			log.Printf("[iomgr] schedule callback for fd %d: %v", c.fd, err)
		}
	} else if ctx.fiber != nil {
		if err := sc.ScheduleFiber(ctx.fiber, sched.AnyThread); err != nil {
			log.Printf("[iomgr] schedule fiber for fd %d: %v", c.fd, err)
		}
	}
	ctx.reset()
}

// Config configures a Manager.
type Config struct {
	Name       string
	Threads    int
	UseCaller  bool
	PinWorkers []int
}

// Manager is the epoll-based I/O multiplexer. It embeds *sched.Scheduler so
// callers can Schedule plain tasks on it in addition to registering I/O
// interest.
type Manager struct {
	*sched.Scheduler
	timers *timerq.Set

	epfd      int
	tickleR   int
	tickleW   int
	idleCount func() int

	mu      sync.RWMutex
	fds     []*fdContext
	pending atomic.Int32
	closed  atomic.Bool

	// OnEvent, if set, is called for lifecycle events this manager
	// produces: "armed" and "disarmed" (AddEvent/DelEvent) and "fired"
	// (epoll readiness). Wired to obsbus.Bus.OnEvent by callers that want
	// observability; nil is a valid, zero-cost default.
	OnEvent func(kind string, fd int)
}

// New constructs and starts a Manager.
func New(cfg Config) (*Manager, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("iomgr: epoll_create1: %w", err)
	}
	var pipeFds [2]int
	if err := unix.Pipe2(pipeFds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("iomgr: pipe2: %w", err)
	}

	m := &Manager{
		epfd:    epfd,
		tickleR: pipeFds[0],
		tickleW: pipeFds[1],
	}
	m.timers = timerq.NewSet()
	m.timers.OnInsertedAtFront = m.tickle

	tickleEvent := &unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(m.tickleR)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, m.tickleR, tickleEvent); err != nil {
		unix.Close(epfd)
		unix.Close(pipeFds[0])
		unix.Close(pipeFds[1])
		return nil, fmt.Errorf("iomgr: epoll_ctl add tickle fd: %w", err)
	}

	m.growLocked(32)

	sc := sched.New(sched.Config{
		Name:       cfg.Name,
		Threads:    cfg.Threads,
		UseCaller:  cfg.UseCaller,
		PinWorkers: cfg.PinWorkers,
	})
	sc.TickleFunc = m.tickle
	sc.IdleFunc = m.idle
	sc.StoppingFunc = m.stopping
	sc.WorkerInit = func(int) { gls.Set(managerKey, m) }
	m.Scheduler = sc
	m.idleCount = sc.IdleCount

	sc.Start()
	return m, nil
}

// Close stops the scheduler and releases the epoll fd and self-pipe. Calls
// after the first do nothing and return nil.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.Scheduler.Stop()
	unix.Close(m.epfd)
	unix.Close(m.tickleR)
	unix.Close(m.tickleW)
	return nil
}

func (m *Manager) emit(kind string, fd int) {
	if m.OnEvent != nil {
		m.OnEvent(kind, fd)
	}
}

// growLocked grows fds to at least n entries, matching the original's
// 1.5x-on-demand contextResize. Caller must hold m.mu for writing.
func (m *Manager) growLocked(n int) {
	if len(m.fds) >= n {
		return
	}
	grown := make([]*fdContext, n)
	copy(grown, m.fds)
	for i := len(m.fds); i < n; i++ {
		grown[i] = &fdContext{fd: i}
	}
	m.fds = grown
}

func (m *Manager) fdContextFor(fd int) *fdContext {
	m.mu.RLock()
	if fd < len(m.fds) {
		c := m.fds[fd]
		m.mu.RUnlock()
		return c
	}
	m.mu.RUnlock()

	m.mu.Lock()
	m.growLocked(int(float64(fd) * 1.5))
	c := m.fds[fd]
	m.mu.Unlock()
	return c
}

// AddEvent registers interest in ev on fd. If cb is nil, the calling
// coroutine (which must be RUNNING) is captured and resumed on trigger;
// otherwise cb runs as a new coroutine. Registering an event already
// pending on the same fd is a programmer error.
func (m *Manager) AddEvent(fd int, ev Event, cb func()) error {
	if m.closed.Load() {
		return ErrClosed
	}
	fctx := m.fdContextFor(fd)

	fctx.mu.Lock()
	defer fctx.mu.Unlock()
	if fctx.events&ev != 0 {
		return ErrDuplicateEvent
	}

	op := int(unix.EPOLL_CTL_ADD)
	if fctx.events != 0 {
		op = unix.EPOLL_CTL_MOD
	}
	epEvent := &unix.EpollEvent{Events: uint32(unix.EPOLLET) | uint32(fctx.events) | uint32(ev)}
	*(*uintptr)(unsafe.Pointer(&epEvent.Pad)) = uintptr(unsafe.Pointer(fctx))
	if err := unix.EpollCtl(m.epfd, op, fd, epEvent); err != nil {
		return fmt.Errorf("iomgr: epoll_ctl add fd %d: %w", fd, err)
	}
	setNonblocking(fd)

	m.pending.Add(1)
	fctx.events |= ev
	ctx := fctx.ctx(ev)
	ctx.scheduler = m.Scheduler
	if cb != nil {
		ctx.cb = cb
	} else {
		cur := coro.Current()
		if cur.State() != coro.StateRunning {
			m.pending.Add(-1)
			fctx.events &^= ev
			ctx.reset()
			return fmt.Errorf("iomgr: AddEvent with nil cb requires a RUNNING calling coroutine")
		}
		ctx.fiber = cur
	}
	m.emit("armed", fd)
	return nil
}

// DelEvent removes interest in ev on fd without triggering its handler.
func (m *Manager) DelEvent(fd int, ev Event) bool {
	fctx, ok := m.existingFdContext(fd)
	if !ok {
		return false
	}
	fctx.mu.Lock()
	defer fctx.mu.Unlock()
	if fctx.events&ev == 0 {
		return false
	}
	newEvents := fctx.events &^ ev
	if err := m.applyEpollState(fd, fctx, newEvents); err != nil {
		log.Printf("[iomgr] DelEvent fd %d: %v", fd, err)
		return false
	}
	m.pending.Add(-1)
	fctx.events = newEvents
	fctx.ctx(ev).reset()
	m.emit("disarmed", fd)
	return true
}

// CancelEvent removes interest in ev on fd and triggers its handler once,
// as if it had fired (with no actual I/O readiness) — used to unblock a
// waiter on teardown.
func (m *Manager) CancelEvent(fd int, ev Event) bool {
	fctx, ok := m.existingFdContext(fd)
	if !ok {
		return false
	}
	fctx.mu.Lock()
	defer fctx.mu.Unlock()
	if fctx.events&ev == 0 {
		return false
	}
	newEvents := fctx.events &^ ev
	if err := m.applyEpollState(fd, fctx, newEvents); err != nil {
		log.Printf("[iomgr] CancelEvent fd %d: %v", fd, err)
		return false
	}
	fctx.trigger(ev)
	m.pending.Add(-1)
	return true
}

// CancelAll removes and triggers every registered event on fd.
func (m *Manager) CancelAll(fd int) bool {
	fctx, ok := m.existingFdContext(fd)
	if !ok {
		return false
	}
	fctx.mu.Lock()
	defer fctx.mu.Unlock()
	if fctx.events == 0 {
		return false
	}
	epEvent := &unix.EpollEvent{}
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fd, epEvent); err != nil {
		log.Printf("[iomgr] CancelAll fd %d: %v", fd, err)
		return false
	}
	if fctx.events&EventRead != 0 {
		fctx.trigger(EventRead)
		m.pending.Add(-1)
	}
	if fctx.events&EventWrite != 0 {
		fctx.trigger(EventWrite)
		m.pending.Add(-1)
	}
	return true
}

func (m *Manager) existingFdContext(fd int) (*fdContext, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if fd < 0 || fd >= len(m.fds) {
		return nil, false
	}
	return m.fds[fd], true
}

func (m *Manager) applyEpollState(fd int, fctx *fdContext, newEvents Event) error {
	op := unix.EPOLL_CTL_DEL
	epEvent := &unix.EpollEvent{}
	if newEvents != 0 {
		op = unix.EPOLL_CTL_MOD
		epEvent.Events = uint32(unix.EPOLLET) | uint32(newEvents)
		*(*uintptr)(unsafe.Pointer(&epEvent.Pad)) = uintptr(unsafe.Pointer(fctx))
	}
	return unix.EpollCtl(m.epfd, op, fd, epEvent)
}

// AddTimer is timerq.Set.AddTimer, exposed here so callers reach the timer
// set through the same Manager handle they use for events.
func (m *Manager) AddTimer(ms int64, cb func(), recurring bool) *timerq.Timer {
	return m.timers.AddTimer(ms, cb, recurring)
}

// AddConditionTimer is timerq.Set.AddConditionTimer.
func (m *Manager) AddConditionTimer(ms int64, cb func(), cond func() bool, recurring bool) *timerq.Timer {
	return m.timers.AddConditionTimer(ms, cb, cond, recurring)
}

func (m *Manager) stopping() bool {
	_, hasTimer := m.timers.GetNextTimer()
	return !hasTimer && m.pending.Load() == 0 && m.Scheduler.BaseStopping()
}

func (m *Manager) tickle() {
	if m.idleCount() == 0 {
		return
	}
	_, err := unix.Write(m.tickleW, []byte{'T'})
	if err != nil && err != unix.EAGAIN {
		log.Printf("[iomgr] tickle write: %v", err)
	}
}

// idle is the scheduler's idle-coroutine body when owned by a Manager: it
// blocks in epoll_wait (bounded by the next timer deadline and
// hardCapTimeout), dispatches expired timers, dispatches ready fds, then
// yields back to the dispatch loop exactly once per wakeup.
func (m *Manager) idle() {
	events := make([]unix.EpollEvent, maxEpollEvents)
	for {
		if m.stopping() {
			return
		}

		timeout := hardCapTimeout
		if d, ok := m.timers.GetNextTimer(); ok && d < timeout {
			timeout = d
		}

		n, err := unix.EpollWait(m.epfd, events, int(timeout/time.Millisecond))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			log.Printf("[iomgr] epoll_wait: %v", err)
			coro.Current().Yield()
			continue
		}

		for _, cb := range m.timers.ListExpiredCb() {
			if err := m.Scheduler.ScheduleFunc(cb, sched.AnyThread); err != nil {
				log.Printf("[iomgr] schedule expired timer: %v", err)
			}
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			if ev.Fd == int32(m.tickleR) {
				m.drainTickle()
				continue
			}
			m.dispatch(ev)
		}

		coro.Current().Yield()
	}
}

func (m *Manager) drainTickle() {
	var buf [256]byte
	for {
		n, err := unix.Read(m.tickleR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (m *Manager) dispatch(ev unix.EpollEvent) {
	fctx := (*fdContext)(unsafe.Pointer(*(*uintptr)(unsafe.Pointer(&ev.Pad))))
	fctx.mu.Lock()
	defer fctx.mu.Unlock()

	raw := ev.Events
	if raw&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		raw |= (unix.EPOLLIN | unix.EPOLLOUT) & uint32(fctx.events)
	}
	var real Event
	if raw&unix.EPOLLIN != 0 {
		real |= EventRead
	}
	if raw&unix.EPOLLOUT != 0 {
		real |= EventWrite
	}
	real &= fctx.events
	if real == 0 {
		return
	}

	left := fctx.events &^ real
	if err := m.applyEpollState(fctx.fd, fctx, left); err != nil {
		log.Printf("[iomgr] dispatch fd %d: %v", fctx.fd, err)
		return
	}
	if real&EventRead != 0 {
		fctx.trigger(EventRead)
		m.pending.Add(-1)
	}
	if real&EventWrite != 0 {
		fctx.trigger(EventWrite)
		m.pending.Add(-1)
	}
	m.emit("fired", fctx.fd)
}

func setNonblocking(fd int) {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return
	}
	unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags|unix.O_NONBLOCK)
}
