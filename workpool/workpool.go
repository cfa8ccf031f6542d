// Package workpool is a fixed pool of plain goroutines for running handler
// code off the fiber scheduler: HTTP/echo request bodies, blocking
// application logic, anything that should not tie up a sched.Scheduler
// worker slot while it runs. Unlike sched.Scheduler, tasks submitted here
// are ordinary functions, not coroutines — there is no Yield/Resume inside
// a workpool task.
package workpool

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"

	"github.com/duskrunner/corio/affinity"
)

// ErrClosed is returned by Submit once Close has been called.
var ErrClosed = errors.New("workpool: pool is closed")

// Task is a unit of work submitted to a Pool.
type Task func()

// lockFreeQueue is a single-producer/single-consumer ring buffer used as
// each worker's local queue, so a worker dequeuing its own tasks never
// contends with the round-robin submitter filling a different worker's
// queue.
type lockFreeQueue struct {
	mask    uint64
	entries []Task
	head    uint64
	tail    uint64
}

func newLockFreeQueue(capacity int) *lockFreeQueue {
	size := 1
	for size < capacity {
		size <<= 1
	}
	return &lockFreeQueue{mask: uint64(size - 1), entries: make([]Task, size)}
}

func (q *lockFreeQueue) enqueue(t Task) bool {
	tail := atomic.LoadUint64(&q.tail)
	head := atomic.LoadUint64(&q.head)
	if tail-head >= uint64(len(q.entries)) {
		return false
	}
	q.entries[tail&q.mask] = t
	atomic.StoreUint64(&q.tail, tail+1)
	return true
}

func (q *lockFreeQueue) dequeue() (Task, bool) {
	head := atomic.LoadUint64(&q.head)
	tail := atomic.LoadUint64(&q.tail)
	if head >= tail {
		return nil, false
	}
	t := q.entries[head&q.mask]
	q.entries[head&q.mask] = nil
	atomic.StoreUint64(&q.head, head+1)
	return t, true
}

// Config configures a Pool.
type Config struct {
	// Workers is the number of worker goroutines. Defaults to
	// runtime.NumCPU() if <= 0.
	Workers int
	// QueueSize is each worker's local ring buffer capacity, rounded up to
	// a power of two. Defaults to 1024.
	QueueSize int
	// PinWorkers, if non-nil, maps worker index to a CPU id to pin it to
	// via affinity.SetAffinity. Length must equal Workers.
	PinWorkers []int
}

// Pool is a fixed pool of worker goroutines, each with its own lock-free
// local queue, backed by a shared overflow queue for tasks that arrive
// faster than the target worker can drain — e.g. a burst submitted to one
// worker slot while the others sit idle.
type Pool struct {
	workers    []*lockFreeQueue
	notify     []chan struct{}
	overflow   *overflowQueue
	stopCh     chan struct{}
	wg         sync.WaitGroup
	closed     atomic.Bool
	pinWorkers []int

	submitted atomic.Int64
	completed atomic.Int64
	dropped   atomic.Int64
}

// overflowQueue wraps github.com/eapache/queue.Queue with a mutex, since
// it is not itself safe for concurrent use.
type overflowQueue struct {
	mu sync.Mutex
	q  *queue.Queue
}

func newOverflowQueue() *overflowQueue {
	return &overflowQueue{q: queue.New()}
}

func (o *overflowQueue) push(t Task) {
	o.mu.Lock()
	o.q.Add(t)
	o.mu.Unlock()
}

func (o *overflowQueue) pop() (Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.q.Length() == 0 {
		return nil, false
	}
	return o.q.Remove().(Task), true
}

// New constructs and starts a Pool.
func New(cfg Config) *Pool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	if cfg.PinWorkers != nil && len(cfg.PinWorkers) != workers {
		panic("workpool: PinWorkers length must equal Workers")
	}

	p := &Pool{
		workers:    make([]*lockFreeQueue, workers),
		notify:     make([]chan struct{}, workers),
		overflow:   newOverflowQueue(),
		stopCh:     make(chan struct{}),
		pinWorkers: cfg.PinWorkers,
	}
	for i := 0; i < workers; i++ {
		p.workers[i] = newLockFreeQueue(queueSize)
		p.notify[i] = make(chan struct{}, 1)
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.runWorker(i)
	}
	return p
}

// Submit enqueues task on a worker slot chosen round-robin by submission
// count; if that worker's local queue is full, task spills to the shared
// overflow queue, which every idle worker checks when its own queue runs
// dry.
func (p *Pool) Submit(task Task) error {
	if p.closed.Load() {
		return ErrClosed
	}
	idx := int(p.submitted.Add(1)) % len(p.workers)
	if p.workers[idx].enqueue(task) {
		p.wake(idx)
		return nil
	}
	p.overflow.push(task)
	p.wakeAny()
	return nil
}

// NumWorkers returns the configured worker count.
func (p *Pool) NumWorkers() int { return len(p.workers) }

// Stats reports basic pool counters, for wiring into a metrics registry.
func (p *Pool) Stats() map[string]int64 {
	return map[string]int64{
		"submitted": p.submitted.Load(),
		"completed": p.completed.Load(),
		"dropped":   p.dropped.Load(),
	}
}

// Close stops accepting new tasks and waits for every worker to drain its
// queues and exit.
func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Pool) wake(idx int) {
	select {
	case p.notify[idx] <- struct{}{}:
	default:
	}
}

func (p *Pool) wakeAny() {
	for _, ch := range p.notify {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (p *Pool) runWorker(idx int) {
	defer p.wg.Done()
	if p.pinWorkers != nil {
		runtime.LockOSThread()
		_ = affinity.SetAffinity(p.pinWorkers[idx])
	}

	q := p.workers[idx]
	idleSpins := 0
	for {
		if t, ok := q.dequeue(); ok {
			p.execute(t)
			idleSpins = 0
			continue
		}
		if t, ok := p.overflow.pop(); ok {
			p.execute(t)
			idleSpins = 0
			continue
		}

		select {
		case <-p.stopCh:
			p.drain(q)
			return
		case <-p.notify[idx]:
			continue
		default:
		}

		idleSpins++
		if idleSpins < 100 {
			runtime.Gosched()
			continue
		}
		select {
		case <-p.stopCh:
			p.drain(q)
			return
		case <-p.notify[idx]:
		case <-time.After(time.Millisecond):
		}
	}
}

// drain runs whatever is left in q and the overflow queue once a stop is
// observed, so Close never discards already-accepted work.
func (p *Pool) drain(q *lockFreeQueue) {
	for {
		if t, ok := q.dequeue(); ok {
			p.execute(t)
			continue
		}
		if t, ok := p.overflow.pop(); ok {
			p.execute(t)
			continue
		}
		return
	}
}

func (p *Pool) execute(t Task) {
	defer func() {
		if r := recover(); r != nil {
			p.dropped.Add(1)
		}
		p.completed.Add(1)
	}()
	t()
}
