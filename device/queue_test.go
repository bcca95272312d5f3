package device

import (
	"context"
	"testing"
	"time"

	"github.com/MatthiasValvekens/bench-orchestrator/apperr"
)

func TestQueueFullRejectsImmediately(t *testing.T) {
	q := NewQueue(2)
	a := NewOperation("move", "test", nil)
	b := NewOperation("move", "test", nil)
	c := NewOperation("move", "test", nil)

	if !q.Enqueue(a) || !q.Enqueue(b) {
		t.Fatal("expected first two enqueues to succeed")
	}
	if q.Enqueue(c) {
		t.Fatal("expected third enqueue past depth to be rejected")
	}
	r := c.Wait()
	if r.Status != OpFailed || apperr.KindOf(r.Err) != apperr.QueueFull {
		t.Fatalf("expected immediate queue-full failure, got %+v", r)
	}
}

func TestQueueNextSkipsCancelledPending(t *testing.T) {
	q := NewQueue(4)
	a := NewOperation("move", "test", nil)
	b := NewOperation("move", "test", nil)
	q.Enqueue(a)
	q.Enqueue(b)
	a.Cancel("superseded")

	got := q.Next()
	if got != b {
		t.Fatalf("expected cancelled head to be skipped, got %+v", got)
	}
	r := a.Wait()
	if r.Status != OpCancelled {
		t.Fatalf("expected a resolved cancelled, got %+v", r)
	}
}

func TestQueueCancelAllPurgesPendingAndFlagsActive(t *testing.T) {
	q := NewQueue(4)
	active := NewOperation("move", "test", nil)
	q.Enqueue(active)
	q.Next() // becomes active

	pending := NewOperation("move", "test", nil)
	q.Enqueue(pending)

	q.CancelAll("disconnect")

	select {
	case r := <-pending.done:
		if r.Status != OpCancelled {
			t.Fatalf("expected pending cancelled, got %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("pending operation never resolved")
	}

	cancelled, reason := active.Cancelled()
	if !cancelled || reason != "disconnect" {
		t.Fatalf("expected active operation flagged cancelled, got %v %q", cancelled, reason)
	}
}

func TestRunOperationLoopExecutesUntilCancelled(t *testing.T) {
	base := NewBase(Config{Kind: "test"}, nil)
	var executed []string

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunOperationLoop(ctx, base, func(op *Operation) Result {
			executed = append(executed, op.Kind)
			return Result{Status: OpCompleted}
		})
		close(done)
	}()

	a := NewOperation("a", "test", nil)
	base.Enqueue(a)
	if r := a.Wait(); r.Status != OpCompleted {
		t.Fatalf("expected a completed, got %+v", r)
	}

	b := NewOperation("b", "test", nil)
	base.Enqueue(b)
	if r := b.Wait(); r.Status != OpCompleted {
		t.Fatalf("expected b completed, got %+v", r)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunOperationLoop never returned after cancellation")
	}
	if len(executed) != 2 || executed[0] != "a" || executed[1] != "b" {
		t.Fatalf("got %v, want [a b]", executed)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	base := 100 * time.Millisecond
	max := 1 * time.Second
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, 1 * time.Second},
		{6, 1 * time.Second},
	}
	for _, c := range cases {
		if got := Backoff(base, max, c.attempt); got != c.want {
			t.Errorf("Backoff(attempt=%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}
