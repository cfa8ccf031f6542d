// Package timerq implements the ordered timer set used by the I/O
// multiplexer: a heap of pending timers keyed by absolute deadline, timers
// that can be canceled/refreshed/reset by handle, condition ("weak
// reference gated") timers, and clock-rollback detection.
package timerq

import (
	"container/heap"
	"sync"
	"time"
)

// clockRolloverThreshold mirrors the original's detectClockRollover: if
// observed time falls more than an hour behind the last reading, treat the
// wall clock as having been stepped backward and expire everything pending.
const clockRolloverThreshold = 60 * 60 * 1000 // ms

// Timer is a handle to one scheduled, possibly recurring, callback.
type Timer struct {
	ms        int64
	next      int64
	recurring bool
	cb        func()
	canceled  bool
	index     int // position in the owning Set's heap; -1 when not queued
	seq       uint64
	set       *Set
}

// Cancel removes the timer so it will never fire again. Returns false if
// the timer had already fired (and was non-recurring) or was already
// canceled.
func (t *Timer) Cancel() bool {
	t.set.mu.Lock()
	defer t.set.mu.Unlock()
	if t.canceled || t.index < 0 {
		return false
	}
	heap.Remove(&t.set.h, t.index)
	t.canceled = true
	t.cb = nil
	return true
}

// Refresh reschedules the timer to fire ms (its configured interval) from
// now, but only if that is later than its current deadline: a refresh
// never moves the deadline earlier, even after the clock steps backward.
// Returns false if the timer is no longer pending.
func (t *Timer) Refresh() bool {
	t.set.mu.Lock()
	defer t.set.mu.Unlock()
	if t.canceled || t.index < 0 {
		return false
	}
	next := t.set.now() + t.ms
	if next <= t.next {
		return true
	}
	t.next = next
	heap.Fix(&t.set.h, t.index)
	return true
}

// Reset rebinds the timer's interval to ms. If fromNow is true the new
// deadline is now+ms; otherwise it is the timer's original insertion point
// plus ms, preserving phase across a ms change.
func (t *Timer) Reset(ms int64, fromNow bool) bool {
	t.set.mu.Lock()
	defer t.set.mu.Unlock()
	if t.canceled || t.index < 0 {
		return false
	}
	if ms == t.ms && !fromNow {
		return true
	}
	var start int64
	if fromNow {
		start = t.set.now()
	} else {
		start = t.next - t.ms
	}
	heap.Remove(&t.set.h, t.index)
	t.ms = ms
	t.next = start + ms
	t.set.pushLocked(t)
	return true
}

// Set is an ordered collection of pending timers.
type Set struct {
	mu  sync.Mutex
	h   timerHeap
	seq uint64

	tickled     bool
	previousNow int64

	// NowFunc returns the current time in epoch milliseconds. Defaults to
	// the wall clock; overridable for deterministic tests.
	NowFunc func() int64

	// OnInsertedAtFront is called (outside the lock) when a new timer
	// becomes the earliest pending deadline, so a blocked epoll_wait (or
	// equivalent) can be woken to recompute its timeout. After one call it
	// is not called again until the next ListExpiredCb. Analogous to the
	// original's onTimerInsertedAtFront virtual hook.
	OnInsertedAtFront func()
}

// NewSet constructs an empty timer set.
func NewSet() *Set {
	return &Set{h: timerHeap{}}
}

func (s *Set) now() int64 {
	if s.NowFunc != nil {
		return s.NowFunc()
	}
	return time.Now().UnixMilli()
}

// AddTimer schedules cb to run after ms milliseconds, optionally recurring.
func (s *Set) AddTimer(ms int64, cb func(), recurring bool) *Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &Timer{ms: ms, next: s.now() + ms, recurring: recurring, cb: cb, set: s, index: -1}
	s.pushLocked(t)
	return t
}

// AddConditionTimer is AddTimer, but cb only actually runs if cond returns
// true at fire time. cond is evaluated once, lazily, when the timer expires
// — not on every tick — mirroring the original's weak_ptr-gated callback
// wrapper (Go has no public weak-pointer API in this toolchain; an explicit
// liveness predicate is the direct translation).
func (s *Set) AddConditionTimer(ms int64, cb func(), cond func() bool, recurring bool) *Timer {
	wrapped := func() {
		if cond() {
			cb()
		}
	}
	return s.AddTimer(ms, wrapped, recurring)
}

func (s *Set) pushLocked(t *Timer) {
	s.seq++
	t.seq = s.seq
	heap.Push(&s.h, t)
	atFront := t.index == 0
	if atFront && !s.tickled {
		s.tickled = true
		if hook := s.OnInsertedAtFront; hook != nil {
			s.mu.Unlock()
			hook()
			s.mu.Lock()
		}
	}
}

// GetNextTimer returns the duration until the earliest pending timer. ok is
// false if there are no timers at all (wait indefinitely); the duration is
// zero if a timer is already due.
func (s *Set) GetNextTimer() (d time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h.Len() == 0 {
		return 0, false
	}
	next := s.h[0].next
	now := s.now()
	if next <= now {
		return 0, true
	}
	return time.Duration(next-now) * time.Millisecond, true
}

// HasTimer reports whether any timer is pending.
func (s *Set) HasTimer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h.Len() > 0
}

// ListExpiredCb pops every timer due to fire (re-queuing recurring ones)
// and returns their callbacks in due order. If the wall clock appears to
// have been stepped backward by more than an hour since the last call,
// every pending timer is treated as expired, matching detectClockRollover.
func (s *Set) ListExpiredCb() []func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rollover := s.detectClockRollover(now)

	var cbs []func()
	for s.h.Len() > 0 && (rollover || s.h[0].next <= now) {
		t := heap.Pop(&s.h).(*Timer)
		if t.cb == nil {
			continue
		}
		cbs = append(cbs, t.cb)
		if t.recurring {
			t.next = now + t.ms
			s.pushLocked(t)
		} else {
			t.canceled = true
		}
	}
	s.tickled = false
	return cbs
}

func (s *Set) detectClockRollover(now int64) bool {
	rollover := false
	if s.previousNow != 0 && now < s.previousNow-clockRolloverThreshold {
		rollover = true
	}
	s.previousNow = now
	return rollover
}

// timerHeap implements container/heap.Interface, ordered by (deadline, seq)
// so equal deadlines preserve insertion order.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].next != h[j].next {
		return h[i].next < h[j].next
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
