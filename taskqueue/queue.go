// Package taskqueue provides a bounded, priority-ordered task queue served
// by a fixed worker pool. Higher priorities run first; equal priorities run
// in submission order.
package taskqueue

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

var (
	// ErrQueueFull indicates a Submit was rejected because the queue is at
	// capacity under the Reject overflow policy.
	ErrQueueFull = errors.New("taskqueue: queue is full")

	// ErrStopped indicates a Submit after Stop.
	ErrStopped = errors.New("taskqueue: queue is stopped")
)

// Task is a unit of work. The context is cancelled when the queue is
// force-stopped.
type Task func(ctx context.Context)

// OverflowPolicy decides what Submit does when the queue is at capacity.
type OverflowPolicy int

const (
	// Block makes Submit wait for space.
	Block OverflowPolicy = iota
	// Reject makes Submit fail with ErrQueueFull.
	Reject
)

// Option configures a Queue.
type Option func(*Queue)

// WithWorkers sets the worker count. Defaults to 10.
func WithWorkers(n int) Option {
	return func(q *Queue) { q.workers = n }
}

// WithCapacity bounds the number of queued tasks. Defaults to 1000.
func WithCapacity(n int) Option {
	return func(q *Queue) { q.capacity = n }
}

// WithOverflowPolicy sets the behavior at capacity. Defaults to Block.
func WithOverflowPolicy(p OverflowPolicy) Option {
	return func(q *Queue) { q.policy = p }
}

// WithRateLimit throttles task starts across all workers.
func WithRateLimit(limiter *rate.Limiter) Option {
	return func(q *Queue) { q.limiter = limiter }
}

// WithLogger sets the queue logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// Queue is a bounded priority task queue. Create with New, then Start.
type Queue struct {
	workers  int
	capacity int
	policy   OverflowPolicy
	limiter  *rate.Limiter
	logger   *slog.Logger

	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	entries  entryHeap
	seq      uint64
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a queue. Start must be called before submitted tasks run.
func New(opts ...Option) *Queue {
	q := &Queue{
		workers:  10,
		capacity: 1000,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.workers < 1 {
		q.workers = 1
	}
	if q.capacity < 1 {
		q.capacity = 1
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	q.ctx, q.cancel = context.WithCancel(context.Background())
	return q
}

// Start launches the worker pool.
func (q *Queue) Start() {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
}

// Submit enqueues a task at the given priority. Higher priorities are
// served first; ties are served in submission order.
func (q *Queue) Submit(priority int, task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return ErrStopped
	}
	for q.entries.Len() >= q.capacity {
		if q.policy == Reject {
			return ErrQueueFull
		}
		q.notFull.Wait()
		if q.stopped {
			return ErrStopped
		}
	}
	q.seq++
	heap.Push(&q.entries, &entry{priority: priority, seq: q.seq, task: task})
	q.notEmpty.Signal()
	return nil
}

// Len returns the number of queued tasks not yet picked up by a worker.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entries.Len()
}

// Stop refuses further submissions and waits for queued tasks to drain.
// When ctx expires first, running tasks have their context cancelled and
// Stop returns the ctx error without waiting further.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	q.stopped = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		return ctx.Err()
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		task, ok := q.take()
		if !ok {
			return
		}
		if q.limiter != nil {
			if err := q.limiter.Wait(q.ctx); err != nil {
				return
			}
		}
		task(q.ctx)
	}
}

// take blocks until a task is available. After Stop it keeps draining the
// backlog and reports false only once the queue is empty.
func (q *Queue) take() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.entries.Len() == 0 {
		if q.stopped {
			return nil, false
		}
		q.notEmpty.Wait()
	}
	e := heap.Pop(&q.entries).(*entry)
	q.notFull.Signal()
	return e.task, true
}

type entry struct {
	priority int
	seq      uint64
	task     Task
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
