package sheets

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MatthiasValvekens/bench-orchestrator/apperr"
)

func TestPoolBroadcastReachesEveryWorker(t *testing.T) {
	p := NewPool(PoolConfig{Size: 3})
	var calls int32
	if err := p.Broadcast(context.Background(), func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected one init call per worker, got %d", calls)
	}
}

func TestPoolDrainWaitsForInFlight(t *testing.T) {
	p := NewPool(PoolConfig{Size: 2})
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = p.Exec(context.Background(), func(ctx context.Context) (interface{}, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	drained := make(chan struct{})
	go func() {
		_ = p.Drain(context.Background())
		close(drained)
	}()

	select {
	case <-drained:
		t.Fatal("drain returned while a task was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("drain never returned after the task finished")
	}
}

func TestPoolCloseRejectsNewWork(t *testing.T) {
	p := NewPool(PoolConfig{Size: 1})
	p.Close()
	_, err := p.Exec(context.Background(), func(ctx context.Context) (interface{}, error) { return nil, nil })
	if err == nil || apperr.KindOf(err) != apperr.Fatal {
		t.Fatalf("expected closed-pool rejection, got %v", err)
	}
}

func TestPoolPendingCapRejectsImmediately(t *testing.T) {
	p := NewPool(PoolConfig{Size: 1, MaxPending: 1})
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = p.Exec(context.Background(), func(ctx context.Context) (interface{}, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	// The single pending slot is held by the in-flight task; a second
	// submission must bounce without blocking.
	_, err := p.Exec(context.Background(), func(ctx context.Context) (interface{}, error) { return nil, nil })
	if err == nil || apperr.KindOf(err) != apperr.Recoverable {
		t.Fatalf("expected pending-cap rejection, got %v", err)
	}
	close(release)
}
