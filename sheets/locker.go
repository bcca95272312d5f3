// Package sheets implements the spreadsheet worker-pool host:
// two worker pools (blocking/background) bounded by a weighted
// semaphore, three interchangeable lock-mode disciplines, and three
// init-time auth warmup strategies.
package sheets

import (
	"context"
	"sync"
)

// LockMode selects how blocking and background tasks interact.
type LockMode string

const (
	LockNone             LockMode = "none"
	LockSerializeAll     LockMode = "serializeAll"
	LockExclusiveBarrier LockMode = "exclusiveBarrier"
)

// Locker is the seam each LockMode implements.
type Locker interface {
	// AcquireBackground blocks until a background task may run, and
	// returns a release func to call when it's done.
	AcquireBackground(ctx context.Context) (release func(), err error)
	// AcquireBlocking blocks until a blocking task may run exclusively
	// (no background task may run concurrently under exclusiveBarrier;
	// under serializeAll, every task — background or blocking — runs
	// through this one path).
	AcquireBlocking(ctx context.Context) (release func(), err error)
}

// noneLocker implements LockMode "none": pools run fully independently.
type noneLocker struct{}

func (noneLocker) AcquireBackground(ctx context.Context) (func(), error) { return func() {}, nil }
func (noneLocker) AcquireBlocking(ctx context.Context) (func(), error)   { return func() {}, nil }

// serializeAllLocker implements LockMode "serializeAll": every request,
// background or blocking, acquires one process-wide mutex.
type serializeAllLocker struct {
	mu sync.Mutex
}

func (l *serializeAllLocker) AcquireBackground(ctx context.Context) (func(), error) {
	return l.acquire()
}

func (l *serializeAllLocker) AcquireBlocking(ctx context.Context) (func(), error) {
	return l.acquire()
}

func (l *serializeAllLocker) acquire() (func(), error) {
	l.mu.Lock()
	return l.mu.Unlock, nil
}

// exclusiveBarrierLocker implements LockMode "exclusiveBarrier": at most
// one blocking task at a time, and no background task overlaps a
// blocking task.
type exclusiveBarrierLocker struct {
	mu        sync.Mutex
	barrier   sync.RWMutex // background holds RLock, blocking holds Lock
}

func (l *exclusiveBarrierLocker) AcquireBackground(ctx context.Context) (func(), error) {
	l.barrier.RLock()
	return l.barrier.RUnlock, nil
}

func (l *exclusiveBarrierLocker) AcquireBlocking(ctx context.Context) (func(), error) {
	// Only one blocking task may hold the barrier's write lock at a
	// time; sync.RWMutex already serializes writers against each other
	// and against readers, which is exactly "drain background, then
	// acquire exclusive ownership".
	l.barrier.Lock()
	return l.barrier.Unlock, nil
}

// NewLocker constructs the Locker for the given mode.
func NewLocker(mode LockMode) Locker {
	switch mode {
	case LockSerializeAll:
		return &serializeAllLocker{}
	case LockExclusiveBarrier:
		return &exclusiveBarrierLocker{}
	default:
		return noneLocker{}
	}
}
