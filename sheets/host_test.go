package sheets

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestExclusiveBarrierBlocksUntilBackgroundDrains(t *testing.T) {
	h := NewHost(HostConfig{
		Blocking:   PoolConfig{Size: 4},
		Background: PoolConfig{Size: 4},
		LockMode:   LockExclusiveBarrier,
	}, nil, nil, nil)

	var bgRunning int32
	var wg sync.WaitGroup
	release := make(chan struct{})

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.Exec(context.Background(), ModeBackground, func(ctx context.Context) (interface{}, error) {
				atomic.AddInt32(&bgRunning, 1)
				<-release
				atomic.AddInt32(&bgRunning, -1)
				return nil, nil
			})
		}()
	}
	// Wait for all 3 background tasks to actually be running.
	for i := 0; i < 200 && atomic.LoadInt32(&bgRunning) != 3; i++ {
		time.Sleep(5 * time.Millisecond)
	}
	if atomic.LoadInt32(&bgRunning) != 3 {
		t.Fatal("expected 3 background tasks in flight")
	}

	blockingStarted := make(chan struct{})
	go func() {
		_, _ = h.Exec(context.Background(), ModeBlocking, func(ctx context.Context) (interface{}, error) {
			close(blockingStarted)
			return nil, nil
		})
	}()

	select {
	case <-blockingStarted:
		t.Fatal("blocking task started before background tasks drained")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	wg.Wait()

	select {
	case <-blockingStarted:
	case <-time.After(time.Second):
		t.Fatal("blocking task never started after background drained")
	}
}

func TestSerializeAllSerializesEveryTask(t *testing.T) {
	h := NewHost(HostConfig{
		Blocking:   PoolConfig{Size: 4},
		Background: PoolConfig{Size: 4},
		LockMode:   LockSerializeAll,
	}, nil, nil, nil)

	var concurrent int32
	var maxConcurrent int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		mode := ModeBackground
		if i%2 == 0 {
			mode = ModeBlocking
		}
		go func(mode Mode) {
			defer wg.Done()
			_, _ = h.Exec(context.Background(), mode, func(ctx context.Context) (interface{}, error) {
				n := atomic.AddInt32(&concurrent, 1)
				if n > atomic.LoadInt32(&maxConcurrent) {
					atomic.StoreInt32(&maxConcurrent, n)
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&concurrent, -1)
				return nil, nil
			})
		}(mode)
	}
	wg.Wait()
	if maxConcurrent != 1 {
		t.Fatalf("expected serializeAll to allow exactly 1 concurrent task, saw %d", maxConcurrent)
	}
}

func TestStrictAuthFailureAbortsStart(t *testing.T) {
	h := NewHost(HostConfig{Auth: AuthStrict}, func(ctx context.Context) error {
		return errFake
	}, nil, nil)
	if err := h.Start(context.Background()); err == nil {
		t.Fatal("expected strict warmup failure to abort Start")
	}
	if h.HealthySnapshot() {
		t.Fatal("expected unhealthy snapshot after failed strict warmup")
	}
}

func TestWarmupStrategyNeverBlocksStart(t *testing.T) {
	blocked := make(chan struct{})
	h := NewHost(HostConfig{Auth: AuthWarmup}, func(ctx context.Context) error {
		<-blocked
		return nil
	}, nil, nil)
	done := make(chan error, 1)
	go func() { done <- h.Start(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected warmup strategy Start to return nil immediately, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("warmup strategy must not block Start")
	}
	close(blocked)
}

var errFake = &fakeErr{}

type fakeErr struct{}

func (*fakeErr) Error() string { return "fake auth failure" }
