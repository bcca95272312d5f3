package device

import (
	"context"
	"sync"

	"github.com/MatthiasValvekens/bench-orchestrator/apperr"
)

// QueueDepth is the default bound on pending (non-active) operations
// before enqueue starts rejecting with apperr.QueueFullErr.
const QueueDepth = 16

// Queue is a bounded FIFO of operations with at most one active at a
// time, plus bulk cancellation: one running operation, a FIFO-queued
// remainder, and queue-full rejection past depth.
type Queue struct {
	depth int

	mu     sync.Mutex
	active *Operation
	pending []*Operation

	notify chan struct{} // signaled (non-blocking) whenever pending grows
}

// NewQueue constructs a Queue with the given pending-depth bound. depth
// <= 0 uses QueueDepth.
func NewQueue(depth int) *Queue {
	if depth <= 0 {
		depth = QueueDepth
	}
	return &Queue{depth: depth, notify: make(chan struct{}, 1)}
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Enqueue adds op to the queue. If the pending queue is already at
// depth, op is resolved immediately as failed with apperr.QueueFullErr
// and false is returned.
func (q *Queue) Enqueue(op *Operation) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) >= q.depth {
		op.resolve(Result{Status: OpFailed, Err: apperr.QueueFullErr})
		return false
	}
	q.pending = append(q.pending, op)
	q.wake()
	return true
}

// WaitNonEmpty blocks until the pending queue is (probably) non-empty or
// ctx is cancelled. It is a hint only: callers must still handle Next()
// returning nil (e.g. the only pending op was cancelled before being
// popped).
func (q *Queue) WaitNonEmpty(ctx context.Context) {
	q.mu.Lock()
	empty := len(q.pending) == 0
	q.mu.Unlock()
	if !empty {
		return
	}
	select {
	case <-q.notify:
	case <-ctx.Done():
	}
}

// Next pops the next queued operation and marks it active, skipping (and
// resolving as cancelled) any queued operation that was cancelled while
// waiting. Returns nil if the queue is empty.
func (q *Queue) Next() *Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) > 0 {
		op := q.pending[0]
		q.pending = q.pending[1:]
		if cancelled, reason := op.Cancelled(); cancelled {
			op.resolve(Result{Status: OpCancelled, Err: apperr.Cancelledf(reason)})
			continue
		}
		q.active = op
		return op
	}
	q.active = nil
	return nil
}

// Finish resolves the currently active operation and clears it.
func (q *Queue) Finish(r Result) {
	q.mu.Lock()
	op := q.active
	q.active = nil
	q.mu.Unlock()
	if op != nil {
		op.resolve(r)
	}
}

// Active returns the currently running operation, or nil.
func (q *Queue) Active() *Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// Depth reports the number of pending (non-active) operations.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// CancelAll marks every pending and the active operation cancelled and
// drains the pending list, resolving each as cancelled. Used on
// disconnect/stop.
func (q *Queue) CancelAll(reason string) {
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	active := q.active
	q.mu.Unlock()

	for _, op := range pending {
		op.Cancel(reason)
		op.resolve(Result{Status: OpCancelled, Err: apperr.Cancelledf(reason)})
	}
	if active != nil {
		active.Cancel(reason)
		// the active operation's own goroutine is responsible for
		// noticing Cancelled() and resolving itself; we only flag it.
	}
}
