package device

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MatthiasValvekens/bench-orchestrator/apperr"
)

// OperationStatus tracks the operation lifecycle: queued -> started ->
// (completed | failed | cancelled).
type OperationStatus string

const (
	OpQueued    OperationStatus = "queued"
	OpStarted   OperationStatus = "started"
	OpCompleted OperationStatus = "completed"
	OpFailed    OperationStatus = "failed"
	OpCancelled OperationStatus = "cancelled"
)

// Result is what an Operation resolves to.
type Result struct {
	Status OperationStatus
	Err    error
	Value  interface{}
}

// Operation is a discrete, queued, cancellable action on a driver.
type Operation struct {
	ID          string
	Kind        string
	RequestedBy string
	QueuedAt    time.Time
	Payload     interface{}

	mu        sync.Mutex
	cancelled bool
	cancelReason string
	done      chan Result
}

// NewOperation constructs an Operation ready to be enqueued.
func NewOperation(kind, requestedBy string, payload interface{}) *Operation {
	return &Operation{
		ID:          uuid.NewString(),
		Kind:        kind,
		RequestedBy: requestedBy,
		QueuedAt:    time.Now(),
		Payload:     payload,
		done:        make(chan Result, 1),
	}
}

// Cancel requests cancellation of this operation. If it is still queued,
// the queue's pop loop will resolve it as cancelled without running it;
// if it is the active operation, code inside its Run implementation must
// poll Cancelled() at write points / sleep steps.
func (o *Operation) Cancel(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancelled {
		return
	}
	o.cancelled = true
	o.cancelReason = reason
}

// Cancelled reports whether Cancel has been called, and the reason.
func (o *Operation) Cancelled() (bool, string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled, o.cancelReason
}

// ResolveCancelled resolves the operation immediately as cancelled with
// reason, without it ever entering a queue. Drivers use this to reject
// submissions while a cancellation precondition (host power off) holds.
func (o *Operation) ResolveCancelled(reason string) Result {
	o.Cancel(reason)
	r := Result{Status: OpCancelled, Err: apperr.Cancelledf(reason)}
	o.resolve(r)
	return r
}

// resolve delivers a terminal result exactly once.
func (o *Operation) resolve(r Result) {
	select {
	case o.done <- r:
	default:
		// already resolved; never resolve twice.
	}
}

// Wait blocks until the operation resolves and returns its result.
func (o *Operation) Wait() Result {
	return <-o.done
}

// cancelQuantum bounds how long a cancellable sleep may go without
// checking the cancellation flag.
const cancelQuantum = 25 * time.Millisecond

// Sleep blocks for d, waking at least every cancelQuantum to check the
// cancellation flag. Returns a Cancelled error carrying the cancel
// reason if the operation was cancelled mid-sleep, nil otherwise.
func (o *Operation) Sleep(d time.Duration) error {
	deadline := time.Now().Add(d)
	for {
		if cancelled, reason := o.Cancelled(); cancelled {
			return apperr.Cancelledf(reason)
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		if remaining > cancelQuantum {
			remaining = cancelQuantum
		}
		time.Sleep(remaining)
	}
}
