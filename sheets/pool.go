package sheets

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Task is one spreadsheet request: makeRequest performs the actual call
// and returns its result or an error.
type Task func(ctx context.Context) (interface{}, error)

// PoolConfig tunes one of the two pools.
type PoolConfig struct {
	Size       int
	WorkerURL  string
	MaxPending int
	Timeout    time.Duration
}

func (c PoolConfig) size() int64 {
	if c.Size <= 0 {
		return 1
	}
	return int64(c.Size)
}

func (c PoolConfig) maxPending() int64 {
	if c.MaxPending <= 0 {
		return 64
	}
	return int64(c.MaxPending)
}

func (c PoolConfig) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 30 * time.Second
	}
	return c.Timeout
}

// PoolStats is a point-in-time occupancy snapshot.
type PoolStats struct {
	Size     int64
	InFlight int64
	Closed   bool
}

// Pool bounds concurrent task execution with a weighted semaphore sized
// to PoolConfig.Size, and rejects submissions once MaxPending requests
// are already admitted (waiting for a worker slot or running).
type Pool struct {
	cfg     PoolConfig
	workers *semaphore.Weighted
	pending *semaphore.Weighted

	mu       sync.Mutex
	inFlight int64
	closed   bool
}

// NewPool constructs a Pool.
func NewPool(cfg PoolConfig) *Pool {
	return &Pool{
		cfg:     cfg,
		workers: semaphore.NewWeighted(cfg.size()),
		pending: semaphore.NewWeighted(cfg.maxPending()),
	}
}

// Exec runs fn once a worker slot is free, subject to the pool's
// per-task timeout. Returns an error immediately if the pool is closed
// or the pending cap is already saturated.
func (p *Pool) Exec(ctx context.Context, fn Task) (interface{}, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errPoolClosed
	}
	p.mu.Unlock()

	if !p.pending.TryAcquire(1) {
		return nil, errPendingCapExceeded
	}
	defer p.pending.Release(1)

	if err := p.workers.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.workers.Release(1)

	p.mu.Lock()
	p.inFlight++
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.inFlight--
		p.mu.Unlock()
	}()

	taskCtx, cancel := context.WithTimeout(ctx, p.cfg.timeout())
	defer cancel()
	return fn(taskCtx)
}

// Broadcast runs fn once per worker slot, concurrently, and returns the
// first error. Used for the per-worker init message each pool delivers
// on creation.
func (p *Pool) Broadcast(ctx context.Context, fn func(ctx context.Context) error) error {
	n := int(p.cfg.size())
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			if err := p.workers.Acquire(ctx, 1); err != nil {
				errs <- err
				return
			}
			defer p.workers.Release(1)
			errs <- fn(ctx)
		}()
	}
	var first error
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Drain blocks until every in-flight task has finished (all worker
// slots reacquired) or ctx expires.
func (p *Pool) Drain(ctx context.Context) error {
	if err := p.workers.Acquire(ctx, p.cfg.size()); err != nil {
		return err
	}
	p.workers.Release(p.cfg.size())
	return nil
}

// Stats returns the pool's occupancy snapshot.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{Size: p.cfg.size(), InFlight: p.inFlight, Closed: p.closed}
}

// Close rejects all future submissions. In-flight tasks are left to
// finish; pair with Drain to wait for them.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}
