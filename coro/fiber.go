// Package coro implements the stackful-coroutine primitive described by the
// runtime specification: a unit of cooperative execution with explicit
// resume/yield transitions and a tri-state lifecycle (READY, RUNNING, TERM).
//
// Go has no user-controllable stack or context-switch primitive, so each
// spawned Coroutine is backed by one dedicated goroutine for its entire
// lifetime, synchronized with whoever resumes it through a pair of
// unbuffered channels. Exactly one side of that pair ever runs at a time,
// which gives the same "at most one coroutine RUNNING per caller" invariant
// the original gets from swapcontext. See SPEC_FULL.md §0 for the full
// rationale.
package coro

import (
	"errors"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/duskrunner/corio/internal/gls"
)

// State is the lifecycle state of a Coroutine.
type State int32

const (
	// StateReady means the coroutine has not started, or has yielded and is
	// waiting to be resumed.
	StateReady State = iota
	// StateRunning means the coroutine is the one currently executing.
	StateRunning
	// StateTerm means the coroutine's function has returned.
	StateTerm
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	case StateTerm:
		return "TERM"
	default:
		return "UNKNOWN"
	}
}

// DefaultStackSize is the nominal stack size assumed when a Coroutine is
// spawned with stackSize == 0. Go does not let a goroutine's stack be
// pre-sized, so this value is bookkeeping only (recorded on each Coroutine
// for API fidelity with the original 128 KiB default).
const DefaultStackSize = 128 * 1024

// ConfiguredStackSize is the value Spawn records when called with
// stackSize == 0; defaults to DefaultStackSize but is overridable at
// runtime (e.g. from a control.ConfigStore's fiber.stack_size_bytes key)
// without touching every Spawn call site.
var ConfiguredStackSize = DefaultStackSize

var (
	nextID    atomic.Uint64
	liveCount atomic.Int64
)

// glsKey namespaces this package's slot in internal/gls from other
// packages (sched) that keep their own per-goroutine state there.
type glsKey struct{}

var currentKey glsKey

// ErrNotTerm is returned by Reset when the coroutine is not in StateTerm.
var ErrNotTerm = errors.New("coro: reset requires a TERM coroutine")

// Coroutine is a stackful, cooperatively-scheduled unit of execution.
type Coroutine struct {
	id         uint64
	stackSize  int
	runsInSked bool

	// state is only ever mutated by the goroutine currently "owning" the
	// transition (the resumer for Resume, the coroutine body for Yield), but
	// is read from State()/introspection from arbitrary goroutines.
	state atomic.Int32

	// isMain is true for a thread/goroutine's own root coroutine: it has no
	// dedicated backing goroutine (it *is* the calling goroutine) and never
	// transitions to TERM.
	isMain bool

	fn       func()
	resumeCh chan struct{}
	yieldCh  chan struct{}
	quitCh   chan struct{}
	started  bool

	// inherited is the resumer's goroutine-local state, captured by Resume
	// and applied on the backing goroutine before each run. This is how a
	// coroutine scheduled via sched.Scheduler sees the resuming worker's
	// "current scheduler"/"current manager" identity (gls-keyed, set by
	// sched.Scheduler.WorkerInit) even though it executes on its own
	// dedicated goroutine rather than the worker's — in the original, the
	// same values are simply already visible via thread_local. Only ever
	// written by Resume and read by this coroutine's own backing goroutine,
	// so the channel handoff between them is what makes the access safe.
	inherited map[any]any
}

// Current returns the Coroutine associated with the calling goroutine,
// creating that goroutine's main coroutine on first call.
func Current() *Coroutine {
	if v := gls.Get(currentKey); v != nil {
		return v.(*Coroutine)
	}
	main := &Coroutine{
		id:     nextID.Add(1) - 1,
		isMain: true,
	}
	main.state.Store(int32(StateRunning))
	gls.Set(currentKey, main)
	liveCount.Add(1)
	return main
}

// GetFiberID returns the id of the calling goroutine's current coroutine, or
// 0 if none has been created yet.
func GetFiberID() uint64 {
	if v := gls.Get(currentKey); v != nil {
		return v.(*Coroutine).id
	}
	return 0
}

// LiveCount reports the number of coroutines created and not yet finalized.
// Exposed for metrics/debug probes.
func LiveCount() int64 { return liveCount.Load() }

// Spawn creates a new coroutine bound to fn. The coroutine starts in
// StateReady; it does not run until Resume is called. If stackSize is 0,
// ConfiguredStackSize is recorded. runsInScheduler marks whether the
// coroutine's resume/yield partner is a scheduler's dispatch loop (see
// sched.Scheduler) versus a plain goroutine's root coroutine; it is pure
// bookkeeping in this translation (see package doc) but preserved for API
// fidelity and introspection.
func Spawn(fn func(), stackSize int, runsInScheduler bool) *Coroutine {
	if stackSize == 0 {
		stackSize = ConfiguredStackSize
	}
	c := &Coroutine{
		id:         nextID.Add(1) - 1,
		stackSize:  stackSize,
		runsInSked: runsInScheduler,
		fn:         fn,
		resumeCh:   make(chan struct{}),
		yieldCh:    make(chan struct{}),
		quitCh:     make(chan struct{}),
	}
	c.state.Store(int32(StateReady))
	liveCount.Add(1)
	c.launch()
	return c
}

// launch starts the backing goroutine. It blocks immediately on resumeCh, so
// the coroutine performs no work until the first Resume.
func (c *Coroutine) launch() {
	c.started = true
	go func() {
		gls.Set(currentKey, c)
		defer gls.Clear(currentKey)
		defer liveCount.Add(-1)
		for {
			select {
			case <-c.resumeCh:
			case <-c.quitCh:
				return
			}
			if c.inherited != nil {
				gls.Apply(c.inherited)
				gls.Set(currentKey, c)
			}
			c.runOnce()
			c.state.Store(int32(StateTerm))
			c.yieldCh <- struct{}{}
			// Parked here until Reset+Resume reuses this goroutine, or
			// Close signals real exit — mirrors the original reusing a
			// TERM coroutine's allocated stack.
		}
	}()
}

// runOnce invokes the bound function, recovering a panic so a misbehaving
// task cannot take down its worker. The original explicitly declines to
// handle coroutine-body exceptions ("should be handled by the developer");
// we still recover to avoid leaking the owning OS thread/worker, but log
// loudly rather than silently swallowing it.
func (c *Coroutine) runOnce() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[coro] coroutine %d panicked: %v", c.id, r)
		}
	}()
	c.fn()
}

// State returns the coroutine's current lifecycle state.
func (c *Coroutine) State() State { return State(c.state.Load()) }

// ID returns the coroutine's process-wide unique id.
func (c *Coroutine) ID() uint64 { return c.id }

// RunsInScheduler reports the runsInScheduler flag passed to Spawn.
func (c *Coroutine) RunsInScheduler() bool { return c.runsInSked }

// Resume transitions the coroutine to RUNNING and blocks the calling
// goroutine until the coroutine yields or terminates. Precondition: the
// coroutine must be in StateReady; resuming a RUNNING or TERM coroutine is a
// programmer error and panics, matching the original's assertion.
func (c *Coroutine) Resume() {
	if c.isMain {
		panic("coro: cannot resume a main coroutine")
	}
	st := c.State()
	if st != StateReady {
		panic(fmt.Sprintf("coro: resume %d: state is %s, want READY", c.id, st))
	}
	c.inherited = gls.Snapshot()
	c.state.Store(int32(StateRunning))
	c.resumeCh <- struct{}{}
	<-c.yieldCh
}

// Yield suspends the calling coroutine, returning control to whichever
// goroutine is blocked in Resume for it. Precondition: state must be RUNNING
// or TERM (TERM is the implicit yield performed by the trampoline after the
// bound function returns); yielding from any other state is a programmer
// error and panics.
func (c *Coroutine) Yield() {
	st := c.State()
	if st != StateRunning && st != StateTerm {
		panic(fmt.Sprintf("coro: yield %d: state is %s, want RUNNING or TERM", c.id, st))
	}
	if c.isMain {
		// A main coroutine yielding has nowhere to swap to in this
		// translation (see package doc): it *is* the calling goroutine, so
		// "yield" is meaningless outside of the synthetic trampoline path,
		// which never runs on a main coroutine. Treat as a no-op rather
		// than panic, since callers may generically call Current().Yield().
		return
	}
	if st == StateRunning {
		c.state.Store(int32(StateReady))
	}
	c.yieldCh <- struct{}{}
	<-c.resumeCh
}

// Reset rebinds a TERM coroutine to a new function and returns it to
// StateReady, reusing its backing goroutine exactly as the original reuses
// a TERM coroutine's allocated stack. Reset on a non-TERM coroutine returns
// ErrNotTerm.
func (c *Coroutine) Reset(fn func()) error {
	if c.isMain {
		return fmt.Errorf("coro: cannot reset a main coroutine")
	}
	if c.State() != StateTerm {
		return ErrNotTerm
	}
	c.fn = fn
	c.state.Store(int32(StateReady))
	return nil
}

// Close permanently terminates the coroutine's backing goroutine. It is
// valid to call on a TERM coroutine (the normal case) or on a non-TERM one;
// in the latter case it logs an error but still proceeds, matching the
// original's "destroying a non-TERM coroutine ... logs an error but
// proceeds".
func (c *Coroutine) Close() {
	if c.isMain || !c.started {
		return
	}
	if c.State() != StateTerm {
		log.Printf("[coro] closing coroutine %d while state=%s, not TERM", c.id, c.State())
	}
	select {
	case <-c.quitCh:
		// already closed
	default:
		close(c.quitCh)
	}
}
