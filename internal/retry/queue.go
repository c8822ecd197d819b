package retry

import (
	"context"
	"sync"
)

// Task is one outbound call scheduled on the Queue.
type Task func(context.Context) error

// Queue serializes outbound agent calls so that system-initiated and
// scheduled turns never overlap against the shared conversation backend.
// Whether user-initiated turns also pass through here is a caller decision
// (see config.QueueUserTurns).
type Queue struct {
	mu     sync.Mutex
	closed bool
	ch     chan Task
}

// NewQueue returns a queue with the given buffer size (minimum 1).
func NewQueue(size int) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{ch: make(chan Task, size)}
}

// Run consumes tasks one at a time until ctx is canceled or the queue is
// closed. Task errors are the task's own concern; the worker keeps going.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-q.ch:
			if !ok {
				return
			}
			if task != nil {
				_ = task(ctx)
			}
		}
	}
}

// Enqueue schedules a task. It reports false once the queue is closed or
// when the buffer is full. The send never blocks: a blocking send here would
// hold the mutex until a consumer drained the channel, and Close would
// deadlock behind it.
func (q *Queue) Enqueue(task Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- task:
		return true
	default:
		return false
	}
}

// Close stops accepting tasks; Run drains what was already queued.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
