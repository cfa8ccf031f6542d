// Package gls provides goroutine-local storage for the coroutine runtime.
//
// Every coro.Coroutine (other than a thread's main coroutine) owns exactly
// one dedicated goroutine for its entire lifetime, so "current coroutine",
// "current scheduler" and "current scheduler fiber" are all properties of
// *which goroutine is executing right now*, not values that can be threaded
// through an explicit parameter without breaking the spec's
// current()/GetThis() call shape — the same role sylar fills with
// thread_local pointers. Go exposes no public, stable goroutine identifier,
// so this package derives one by parsing the header line of runtime.Stack's
// output, and keys a small per-goroutine map by caller-supplied keys so
// coro, sched, etc. can each keep their own slot without colliding.
//
// This is slower than the unsafe runtime.getg/go:linkname trick some
// coroutine libraries use, but it needs no assembly and no dependency on
// unexported runtime layout, which is worth the cost at resume/yield
// boundaries (not a per-instruction hot path).
package gls

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

var (
	mu    sync.RWMutex
	state = make(map[uint64]map[any]any)
)

var goroutinePrefix = []byte("goroutine ")

// ID returns a stable identifier for the calling goroutine.
func ID() uint64 {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	buf = buf[:n]
	buf = bytes.TrimPrefix(buf, goroutinePrefix)
	if end := bytes.IndexByte(buf, ' '); end >= 0 {
		buf = buf[:end]
	}
	id, err := strconv.ParseUint(string(buf), 10, 64)
	if err != nil {
		// Should not happen with a well-formed runtime.Stack header; fall
		// back to 0 so callers degrade to "no local state" rather than panic.
		return 0
	}
	return id
}

// Get returns the value stored under key for the calling goroutine, or nil.
func Get(key any) any {
	id := ID()
	mu.RLock()
	v := state[id][key]
	mu.RUnlock()
	return v
}

// Set stores v under key for the calling goroutine.
func Set(key, v any) {
	id := ID()
	mu.Lock()
	m := state[id]
	if m == nil {
		m = make(map[any]any, 2)
		state[id] = m
	}
	m[key] = v
	mu.Unlock()
}

// Clear removes the value stored under key for the calling goroutine. If no
// keyed values remain for this goroutine, its slot is dropped entirely.
func Clear(key any) {
	id := ID()
	mu.Lock()
	if m := state[id]; m != nil {
		delete(m, key)
		if len(m) == 0 {
			delete(state, id)
		}
	}
	mu.Unlock()
}

// Snapshot copies the calling goroutine's entire keyed state, for replay
// onto a different goroutine via Apply. Used at coroutine resume points to
// carry "current scheduler"/"current manager"-style identity from the
// resumer's goroutine onto the coroutine's own dedicated backing goroutine,
// the same way those values would simply already be visible through
// thread_local in the original.
func Snapshot() map[any]any {
	id := ID()
	mu.RLock()
	src := state[id]
	if len(src) == 0 {
		mu.RUnlock()
		return nil
	}
	cp := make(map[any]any, len(src))
	for k, v := range src {
		cp[k] = v
	}
	mu.RUnlock()
	return cp
}

// Apply merges snap into the calling goroutine's keyed state, overwriting
// any key snap also sets but leaving every other key untouched.
func Apply(snap map[any]any) {
	if len(snap) == 0 {
		return
	}
	id := ID()
	mu.Lock()
	m := state[id]
	if m == nil {
		m = make(map[any]any, len(snap))
		state[id] = m
	}
	for k, v := range snap {
		m[k] = v
	}
	mu.Unlock()
}
