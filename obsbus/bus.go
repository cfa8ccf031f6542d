// Package obsbus is a lifecycle event fan-out bus: iomgr (fd armed,
// disarmed, fired) produces events a process wants to observe without
// coupling that package to whatever observes them — a metrics registry, a
// debug probe log, a test assertion. Producers call Publish; Run drains the
// queue in batches and fans each event out to every registered Handler.
package obsbus

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies what happened. Producers are free to use any string;
// the ones iomgr.Manager.OnEvent emits are "armed", "disarmed" and
// "fired".
type Kind string

// Event is one lifecycle occurrence. Fd is -1 when not applicable (e.g. a
// timer event). At is the producer's wall-clock time of the occurrence.
type Event struct {
	Kind Kind
	Fd   int
	At   time.Time
}

// Handler observes published events. HandleEvent must not block — it runs
// on the Bus's own drain goroutine and a slow handler throttles every
// other handler's delivery.
type Handler interface {
	HandleEvent(ev Event)
}

// ringBuffer is a bounded SPSC circular buffer of Event, sized to the next
// power of two.
type ringBuffer struct {
	data []Event
	mask uint64
	head atomic.Uint64
	tail atomic.Uint64
}

func newRingBuffer(size int) *ringBuffer {
	n := 1
	for n < size {
		n <<= 1
	}
	return &ringBuffer{data: make([]Event, n), mask: uint64(n - 1)}
}

func (r *ringBuffer) enqueue(ev Event) bool {
	head := r.head.Load()
	tail := r.tail.Load()
	if tail-head >= uint64(len(r.data)) {
		return false
	}
	r.data[tail&r.mask] = ev
	r.tail.Store(tail + 1)
	return true
}

func (r *ringBuffer) dequeue() (Event, bool) {
	head := r.head.Load()
	tail := r.tail.Load()
	if head >= tail {
		return Event{}, false
	}
	ev := r.data[head&r.mask]
	r.head.Store(head + 1)
	return ev, true
}

func (r *ringBuffer) len() int {
	return int(r.tail.Load() - r.head.Load())
}

// Bus is a single-consumer lifecycle event queue with adaptive backoff
// when idle, matching the teacher's EventLoop shape but specialized to
// typed lifecycle Events instead of interface{} payloads.
type Bus struct {
	queue     *ringBuffer
	handlers  atomic.Value // []Handler
	batchSize int
	stopCh    chan struct{}
	running   atomic.Bool
	stopped   atomic.Bool
	backoffNs atomic.Int64

	dropped atomic.Int64

	// hmu serializes RegisterHandler/UnregisterHandler; readers only Load.
	hmu sync.Mutex
}

// New constructs a Bus. queueSize is rounded up to a power of two;
// batchSize bounds how many events Run drains per iteration before
// re-checking for a stop request.
func New(queueSize, batchSize int) *Bus {
	if batchSize <= 0 {
		batchSize = 16
	}
	b := &Bus{
		queue:     newRingBuffer(queueSize),
		batchSize: batchSize,
		stopCh:    make(chan struct{}),
	}
	b.handlers.Store([]Handler{})
	b.backoffNs.Store(1)
	return b
}

// Pending reports how many events are queued but not yet delivered.
func (b *Bus) Pending() int { return b.queue.len() }

// Dropped reports how many Publish calls failed because the queue was
// full, e.g. no Run goroutine keeping up with producers.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// RegisterHandler adds h to the fan-out set. Safe to call concurrently
// with Publish/Run.
func (b *Bus) RegisterHandler(h Handler) {
	b.hmu.Lock()
	defer b.hmu.Unlock()
	old := b.handlers.Load().([]Handler)
	b.handlers.Store(append(append([]Handler{}, old...), h))
}

// UnregisterHandler removes h, if present.
func (b *Bus) UnregisterHandler(h Handler) {
	b.hmu.Lock()
	defer b.hmu.Unlock()
	var next []Handler
	for _, hh := range b.handlers.Load().([]Handler) {
		if hh != h {
			next = append(next, hh)
		}
	}
	b.handlers.Store(next)
}

// Publish enqueues ev for delivery. Returns false (and counts as dropped)
// if the queue is full — Publish never blocks the producer.
func (b *Bus) Publish(ev Event) bool {
	if b.queue.enqueue(ev) {
		return true
	}
	b.dropped.Add(1)
	return false
}

// OnEvent adapts Publish to the func(kind string, fd int) shape
// iomgr.Manager.OnEvent expects, stamping the current time. Pass
// bus.OnEvent directly as a Manager's OnEvent field.
func (b *Bus) OnEvent(kind string, fd int) {
	b.Publish(Event{Kind: Kind(kind), Fd: fd, At: time.Now()})
}

// Run drains the queue in batches, fanning each event out to every
// registered handler, until Stop is called. Intended to run on its own
// goroutine.
func (b *Bus) Run() {
	if !b.running.CompareAndSwap(false, true) {
		return
	}
	defer func() {
		b.stopped.Store(true)
		b.handlers.Store([]Handler{})
	}()
	batch := make([]Event, b.batchSize)
	for {
		select {
		case <-b.stopCh:
			return
		default:
			n := b.processBatch(batch)
			if n == 0 {
				b.adaptiveBackoff()
			} else {
				b.backoffNs.Store(1)
			}
		}
	}
}

// Stop signals Run to exit and blocks until it has.
func (b *Bus) Stop() {
	if !b.running.Load() {
		return
	}
	close(b.stopCh)
	for !b.stopped.Load() {
		time.Sleep(time.Microsecond)
	}
}

func (b *Bus) processBatch(batch []Event) int {
	count := 0
	handlers := b.handlers.Load().([]Handler)
	for i := 0; i < b.batchSize; i++ {
		ev, ok := b.queue.dequeue()
		if !ok {
			break
		}
		batch[i] = ev
		count++
	}
	for i := 0; i < count; i++ {
		for _, h := range handlers {
			h.HandleEvent(batch[i])
		}
	}
	return count
}

func (b *Bus) adaptiveBackoff() {
	select {
	case <-b.stopCh:
		return
	default:
	}
	backoff := b.backoffNs.Load()
	if backoff < 1000 {
		time.Sleep(time.Microsecond)
	} else {
		runtime.Gosched()
	}
	next := backoff * 2
	if next > 1_000_000 {
		next = 1_000_000
	}
	b.backoffNs.Store(next)
}

