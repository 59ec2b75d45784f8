// Package taskqueue provides a single-consumer FIFO executor for
// cancellable asynchronous tasks. Tasks enqueued on one queue never run
// concurrently with each other; separate queues are independent.
package taskqueue

import (
	"context"
	"sync"
)

// TaskFunc is a deferred unit of work. The context it receives is the
// queue's current cancellation generation and is cancelled by AbortAll.
type TaskFunc func(ctx context.Context) (any, error)

// Result is the settled outcome of a task.
type Result struct {
	Value any
	Err   error
}

// Future is the caller-visible handle for an enqueued task. A future
// settles exactly once, or never if the task was discarded by AbortAll;
// callers that need to observe abandonment should select against their
// own context or the queue's cancellation.
type Future struct {
	ch chan Result
}

func newFuture() *Future {
	return &Future{ch: make(chan Result, 1)}
}

// Done returns a channel that yields the task's result once it settles.
func (f *Future) Done() <-chan Result {
	return f.ch
}

// Wait blocks until the future settles or ctx is cancelled.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case r := <-f.ch:
		return r.Value, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Future) settle(v any, err error) {
	f.ch <- Result{Value: v, Err: err}
}

type item struct {
	fn  TaskFunc
	fut *Future
}

// Queue executes tasks strictly in FIFO order with exactly one consumer
// loop at a time. A failing task does not stop processing.
type Queue struct {
	mu        sync.Mutex
	items     []*item
	draining  bool
	genCtx    context.Context
	genCancel context.CancelFunc

	onSuccess func(any)
	onError   func(error)
	onIdle    func()
}

// New creates an empty queue with a fresh cancellation generation.
func New() *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{genCtx: ctx, genCancel: cancel}
}

// OnSuccess binds the success listener, invoked with a task's value
// after it resolves and before its future settles. Pass nil to unbind.
func (q *Queue) OnSuccess(fn func(any)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onSuccess = fn
}

// OnError binds the error listener. When no listener is bound a failing
// task produces no event; its future still carries the error.
func (q *Queue) OnError(fn func(error)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onError = fn
}

// OnIdle binds the idle listener, invoked each time the queue drains to
// empty. Pass nil to unbind.
func (q *Queue) OnIdle(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onIdle = fn
}

// Enqueue appends a task and starts the consumer loop if one is not
// already draining.
func (q *Queue) Enqueue(fn TaskFunc) *Future {
	fut := newFuture()

	q.mu.Lock()
	q.items = append(q.items, &item{fn: fn, fut: fut})
	start := !q.draining
	if start {
		q.draining = true
	}
	q.mu.Unlock()

	if start {
		go q.drain()
	}
	return fut
}

// AbortAll discards every not-yet-started task (their futures are
// abandoned and never settle), cancels the context seen by the task
// currently executing, and installs a fresh cancellation generation so
// the queue stays usable.
func (q *Queue) AbortAll() {
	q.mu.Lock()
	q.items = nil
	cancel := q.genCancel
	q.genCtx, q.genCancel = context.WithCancel(context.Background())
	q.mu.Unlock()

	cancel()
}

// Len returns the number of tasks waiting to start.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.draining = false
			idle := q.onIdle
			q.mu.Unlock()
			if idle != nil {
				idle()
			}
			return
		}
		it := q.items[0]
		q.items = q.items[1:]
		ctx := q.genCtx
		q.mu.Unlock()

		v, err := it.fn(ctx)

		q.mu.Lock()
		onSuccess := q.onSuccess
		onError := q.onError
		q.mu.Unlock()

		if err != nil {
			if onError != nil {
				onError(err)
			}
			it.fut.settle(nil, err)
			continue
		}
		if onSuccess != nil {
			onSuccess(v)
		}
		it.fut.settle(v, nil)
	}
}
