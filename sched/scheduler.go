// Package sched implements the cooperative coroutine scheduler: a fixed
// pool of worker goroutines that pull tasks from a shared FIFO queue and
// resume them as coroutines, with optional per-task thread (worker-slot)
// pinning and an optional "use-caller" donation mode.
//
// No work-stealing, no preemption: a task pinned to a worker slot is only
// ever run by that slot, and a worker with nothing to do resumes an idle
// coroutine rather than looking at another worker's queue.
package sched

import (
	"container/list"
	"errors"
	"log"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/duskrunner/corio/affinity"
	"github.com/duskrunner/corio/coro"
	"github.com/duskrunner/corio/internal/gls"
)

// ErrSchedulerStopped is returned by ScheduleFunc/ScheduleFiber/ScheduleBatch
// once Stop has been called (or is in progress).
var ErrSchedulerStopped = errors.New("sched: scheduler is stopped")

// AnyThread is the sentinel task affinity meaning "no preferred worker
// slot"; any worker may run the task.
const AnyThread = -1

type schedulerKeyT struct{}
type mainFiberKeyT struct{}

var schedulerKey schedulerKeyT
var mainFiberKey mainFiberKeyT

// task is one unit of scheduled work: either a pre-built coroutine or a
// plain function to be wrapped in one, plus the worker slot it's pinned to
// (AnyThread if unpinned).
type task struct {
	fiber  *coro.Coroutine
	cb     func()
	thread int
}

func (t task) empty() bool { return t.fiber == nil && t.cb == nil }

// Config configures a Scheduler.
type Config struct {
	// Name identifies the scheduler in logs.
	Name string
	// Threads is the total desired concurrency. If UseCaller is set, one of
	// these slots is the goroutine that calls New/Stop rather than a
	// dedicated background goroutine, matching the original's use_caller
	// constructor semantics.
	Threads int
	// UseCaller donates the constructing goroutine as worker slot 0. Its
	// scheduling coroutine is only resumed during Stop, to drain any tasks
	// pinned to it before the scheduler fully shuts down.
	UseCaller bool
	// PinWorkers, if non-nil, maps worker slot index to a CPU id workers
	// should call affinity.SetAffinity for. Length must equal Threads, or
	// be nil for no pinning.
	PinWorkers []int
}

// Scheduler is a fixed pool of worker goroutines draining a shared FIFO
// task queue.
type Scheduler struct {
	name       string
	useCaller  bool
	bgWorkers  int // worker goroutines spawned by Start (excludes the caller slot)
	pinWorkers []int

	mu      sync.Mutex
	tasks   *list.List
	stopped bool
	started bool

	activeCount atomic.Int32
	idleCount   atomic.Int32

	wg        sync.WaitGroup
	rootFiber *coro.Coroutine // only set when useCaller

	// TickleFunc, when set, replaces the default no-op notification. iomgr
	// overrides this to write to its self-pipe so epoll_wait wakes early.
	TickleFunc func()

	// IdleFunc, when set, replaces the default idle coroutine body (which
	// simply yields until stopping). iomgr overrides this to block in
	// epoll_wait instead of busy-yielding.
	IdleFunc func()

	// StoppingFunc, when set, replaces the default stopping check. iomgr
	// overrides this to additionally require no pending I/O events and no
	// pending timers, consulting BaseStopping for the scheduler-only part.
	StoppingFunc func() bool

	// WorkerInit, when set, runs once at the top of each worker's dispatch
	// loop (including the UseCaller root fiber's), before it touches the
	// task queue. iomgr uses it to register itself as "the current
	// manager" for that goroutine, the same role t_scheduler_fiber-adjacent
	// thread-locals play in the original for hook.cpp's IOManager::GetThis.
	WorkerInit func(slot int)
}

// New constructs a Scheduler per cfg. If cfg.UseCaller is set, New must be
// called from the goroutine that will later call Stop.
func New(cfg Config) *Scheduler {
	if cfg.Threads <= 0 {
		panic("sched: Threads must be > 0")
	}
	if cfg.PinWorkers != nil && len(cfg.PinWorkers) != cfg.Threads {
		panic("sched: PinWorkers length must equal Threads")
	}
	s := &Scheduler{
		name:       cfg.Name,
		useCaller:  cfg.UseCaller,
		tasks:      list.New(),
		pinWorkers: cfg.PinWorkers,
	}
	if cfg.UseCaller {
		s.bgWorkers = cfg.Threads - 1
		if GetThis() != nil {
			panic("sched: New with UseCaller called on a goroutine that already has a current scheduler")
		}
		s.setThis()
		s.rootFiber = coro.Spawn(func() { s.run(0) }, 0, false)
	} else {
		s.bgWorkers = cfg.Threads
	}
	return s
}

// GetThis returns the Scheduler bound to the calling goroutine, or nil.
func GetThis() *Scheduler {
	if v := gls.Get(schedulerKey); v != nil {
		return v.(*Scheduler)
	}
	return nil
}

// GetMainFiber returns the calling goroutine's scheduling coroutine — the
// coroutine context its dispatch loop (run) executes under. Outside of a
// worker goroutine this returns nil.
func GetMainFiber() *coro.Coroutine {
	if v := gls.Get(mainFiberKey); v != nil {
		return v.(*coro.Coroutine)
	}
	return nil
}

func (s *Scheduler) setThis() { gls.Set(schedulerKey, s) }

// Name returns the scheduler's configured name.
func (s *Scheduler) Name() string { return s.name }

// ActiveCount returns the number of worker slots currently running a task.
func (s *Scheduler) ActiveCount() int { return int(s.activeCount.Load()) }

// IdleCount returns the number of worker slots currently parked in idle.
func (s *Scheduler) IdleCount() int { return int(s.idleCount.Load()) }

// Start launches the background worker goroutines. In UseCaller mode, slot
// 0 is NOT started here — it only runs during Stop, draining tasks pinned
// to the caller.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.stopped {
		log.Printf("[sched] %s: Start called after Stop", s.name)
		s.mu.Unlock()
		return
	}
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	base := 0
	if s.useCaller {
		base = 1
	}
	for i := 0; i < s.bgWorkers; i++ {
		slot := base + i
		s.wg.Add(1)
		go func(slot int) {
			defer s.wg.Done()
			s.pin(slot)
			s.run(slot)
		}(slot)
	}
}

func (s *Scheduler) pin(slot int) {
	if s.pinWorkers == nil {
		return
	}
	cpu := s.pinWorkers[slot]
	runtime.LockOSThread()
	if err := affinity.SetAffinity(cpu); err != nil {
		log.Printf("[sched] %s: pin worker %d to cpu %d: %v", s.name, slot, cpu, err)
	}
}

// BaseStopping reports whether the scheduler itself has been told to stop
// and has fully drained: no queued tasks and no worker currently running
// one. It ignores StoppingFunc, so an override (iomgr) can call it as the
// scheduler-only component of a broader check.
func (s *Scheduler) BaseStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped && s.tasks.Len() == 0 && s.activeCount.Load() == 0
}

// stopping reports whether the scheduler is fully stopped, consulting
// StoppingFunc if set.
func (s *Scheduler) stopping() bool {
	if s.StoppingFunc != nil {
		return s.StoppingFunc()
	}
	return s.BaseStopping()
}

// Tickle notifies workers that new work may be available. The default
// implementation is a no-op (workers re-poll the queue on their own loop
// cadence); iomgr overrides TickleFunc to break a blocked epoll_wait.
func (s *Scheduler) Tickle() {
	if s.TickleFunc != nil {
		s.TickleFunc()
	}
}

// Stop requests shutdown and blocks until every worker has drained. If the
// scheduler was built with UseCaller, Stop must be called from the same
// goroutine that called New (matching the original's assertion that a
// use_caller scheduler's root fiber can only be resumed by its owning
// thread); otherwise it must not be called from one of the scheduler's own
// worker goroutines. Either violation panics.
func (s *Scheduler) Stop() {
	if s.stopping() {
		return
	}
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	if s.useCaller {
		if GetThis() != s {
			panic("sched: Stop on a UseCaller scheduler must run on the goroutine that called New")
		}
	} else if GetThis() == s {
		panic("sched: Stop must not run on one of the scheduler's own worker goroutines")
	}

	for i := 0; i < s.bgWorkers; i++ {
		s.Tickle()
	}
	if s.rootFiber != nil {
		s.Tickle()
		s.rootFiber.Resume()
	}
	s.wg.Wait()
}

// ScheduleFunc enqueues cb to run as a new coroutine, optionally pinned to
// a worker slot (AnyThread for no preference).
func (s *Scheduler) ScheduleFunc(cb func(), thread int) error {
	return s.enqueue(task{cb: cb, thread: thread})
}

// ScheduleFiber enqueues an already-constructed coroutine. f is usually
// READY, but may still be RUNNING at the moment of the call: iomgr and
// hook's sleep timer both capture a waiting fiber via coro.Current() from a
// reactor/timer callback that can race ahead of that fiber's own Yield, so
// the dispatch loop (run) waits for f to reach READY rather than asserting
// it here.
func (s *Scheduler) ScheduleFiber(f *coro.Coroutine, thread int) error {
	return s.enqueue(task{fiber: f, thread: thread})
}

// ScheduleBatch enqueues many callbacks atomically, tickling at most once.
func (s *Scheduler) ScheduleBatch(cbs []func(), thread int) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSchedulerStopped
	}
	needTickle := s.tasks.Len() == 0
	for _, cb := range cbs {
		s.tasks.PushBack(task{cb: cb, thread: thread})
	}
	s.mu.Unlock()
	if needTickle {
		s.Tickle()
	}
	return nil
}

func (s *Scheduler) enqueue(t task) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSchedulerStopped
	}
	needTickle := s.tasks.Len() == 0
	s.tasks.PushBack(t)
	s.mu.Unlock()
	if needTickle {
		s.Tickle()
	}
	return nil
}

// run is the worker dispatch loop for slot. It is called directly on the
// worker's own goroutine — there is no separate "scheduling coroutine"
// goroutine in this translation, since a synchronous call to
// Coroutine.Resume already blocks the caller exactly the way swapcontext
// would (see SPEC_FULL.md §0). GetMainFiber for this goroutine is its own
// root coroutine, lazily created by coro.Current.
func (s *Scheduler) run(slot int) {
	s.setThis()
	gls.Set(mainFiberKey, coro.Current())
	if s.WorkerInit != nil {
		s.WorkerInit(slot)
	}

	idleFiber := coro.Spawn(func() {
		if s.IdleFunc != nil {
			s.IdleFunc()
		} else {
			s.idleBody()
		}
	}, 0, true)
	defer idleFiber.Close()

	var cbFiber *coro.Coroutine
	for {
		var t task
		tickleMe := false

		s.mu.Lock()
		e := s.tasks.Front()
		for e != nil {
			cand := e.Value.(task)
			if cand.thread != AnyThread && cand.thread != slot {
				e = e.Next()
				tickleMe = true
				continue
			}
			t = cand
			next := e.Next()
			s.tasks.Remove(e)
			e = next
			s.activeCount.Add(1)
			break
		}
		tickleMe = tickleMe || e != nil
		s.mu.Unlock()

		if tickleMe {
			s.Tickle()
		}

		switch {
		case t.fiber != nil:
			waitReady(t.fiber)
			t.fiber.Resume()
			s.activeCount.Add(-1)
		case t.cb != nil:
			// Mirrors the original's per-task callback-coroutine cache:
			// upstream always drops its cb_fiber handle after one resume
			// regardless of whether the callback finished, so in practice
			// a fresh coroutine backs every callback task. We keep that
			// shape, but must explicitly Close the discarded one — Go has
			// no destructor to reclaim its parked goroutine for us.
			if cbFiber != nil {
				cbFiber.Close()
			}
			cbFiber = coro.Spawn(t.cb, 0, true)
			cbFiber.Resume()
			s.activeCount.Add(-1)
			cbFiber.Close()
			cbFiber = nil
		default:
			if !t.empty() {
				continue
			}
			if idleFiber.State() == coro.StateTerm {
				return
			}
			s.idleCount.Add(1)
			idleFiber.Resume()
			s.idleCount.Add(-1)
		}
	}
}

// waitReady spins until f reaches StateReady. A fiber enqueued via
// ScheduleFiber while still RUNNING is, at that very moment, executing the
// statement that will yield it on its own backing goroutine, so this never
// spins more than a handful of Gosched rounds in practice.
func waitReady(f *coro.Coroutine) {
	for f.State() != coro.StateReady {
		runtime.Gosched()
	}
}

func (s *Scheduler) idleBody() {
	for !s.stopping() {
		coro.Current().Yield()
	}
}
