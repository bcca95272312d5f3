package bus

import (
	"sync"
	"testing"
	"time"
)

func TestMatchTopic(t *testing.T) {
	cases := []struct {
		pattern, topic string
		want           bool
	}{
		{"frontpanel.power.changed", "frontpanel.power.changed", true},
		{"frontpanel.*.changed", "frontpanel.power.changed", true},
		{"frontpanel.*.changed", "frontpanel.power.level.changed", false},
		{"frontpanel.#", "frontpanel.power.changed", true},
		{"frontpanel.#", "frontpanel.power", true},
		{"frontpanel.#", "other.power", false},
		{"*.power.changed", "frontpanel.power.changed", true},
	}
	for _, c := range cases {
		if got := MatchTopic(c.pattern, c.topic); got != c.want {
			t.Errorf("MatchTopic(%q, %q) = %v, want %v", c.pattern, c.topic, got, c.want)
		}
	}
}

func TestSeqMonotonicPerTopic(t *testing.T) {
	b := New(nil, nil)
	var mu sync.Mutex
	var seqs []uint64
	_, err := b.Subscribe(SubscribeOpts{
		Name:     "watcher",
		Filter:   Filter{Pattern: "sample.reading"},
		Capacity: 16,
		Handler: func(e Event) error {
			mu.Lock()
			seqs = append(seqs, e.Seq)
			mu.Unlock()
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		if _, err := b.Publish("sample.reading", "test", nil, i); err != nil {
			t.Fatal(err)
		}
	}
	b.Idle()

	mu.Lock()
	defer mu.Unlock()
	if len(seqs) != 5 {
		t.Fatalf("expected 5 deliveries, got %d", len(seqs))
	}
	for i, s := range seqs {
		if s != uint64(i+1) {
			t.Fatalf("seq[%d] = %d, want %d (monotonic contiguous)", i, s, i+1)
		}
	}
}

func TestBackpressureDisablesSubscriber(t *testing.T) {
	b := New(nil, nil)
	block := make(chan struct{})
	disabledCh := make(chan string, 1)

	_, err := b.Subscribe(SubscribeOpts{
		Name:     "slow",
		Filter:   Filter{Pattern: "work.#"},
		Capacity: 4,
		Handler: func(e Event) error {
			<-block // never returns until test unblocks it
			return nil
		},
		OnDisabled: func(reason string) { disabledCh <- reason },
	})
	if err != nil {
		t.Fatal(err)
	}

	// First publish starts the drain goroutine, which blocks forever on
	// `block` once it has taken an event. If it has not taken the first
	// event yet, the queue (capacity 4) overflows on the 5th publish;
	// if it has, publishes 2-5 fill the queue and the 6th overflows.
	for i := 0; i < 6; i++ {
		if _, err := b.Publish("work.item", "test", nil, i); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case reason := <-disabledCh:
		if reason != "backpressure" {
			t.Fatalf("expected backpressure, got %q", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber was never disabled")
	}
	close(block)
}

func TestSafetyCriticalRejectsWithoutValidator(t *testing.T) {
	b := New(nil, nil)
	b.MarkSafetyCritical("power.cutoff")

	if _, err := b.Publish("power.cutoff", "test", nil, "go"); err == nil {
		t.Fatal("expected publish to a safety-critical topic without a validator to be rejected")
	}
}

func TestSafetyCriticalAllowsRegisteredValidator(t *testing.T) {
	b := New(nil, nil)
	b.MarkSafetyCritical("power.cutoff")
	if err := b.Register("power.cutoff", 1, func(payload interface{}) error { return nil }); err != nil {
		t.Fatal(err)
	}

	if _, err := b.Publish("power.cutoff", "test", nil, "go"); err != nil {
		t.Fatalf("expected publish to succeed with a passing validator: %v", err)
	}
}

func TestNonSafetyValidatorFailureStillDelivers(t *testing.T) {
	b := New(nil, nil)
	if err := b.Register("diag.*", 1, func(payload interface{}) error {
		return errInvalid
	}); err != nil {
		t.Fatal(err)
	}
	delivered := make(chan struct{}, 1)
	_, err := b.Subscribe(SubscribeOpts{
		Name:     "diag",
		Filter:   Filter{Pattern: "diag.*"},
		Capacity: 4,
		Handler:  func(e Event) error { delivered <- struct{}{}; return nil },
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Publish("diag.ping", "test", nil, nil); err != nil {
		t.Fatalf("non-safety topic should deliver despite validator failure: %v", err)
	}
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("event was not delivered")
	}
}

type testErr string

func (e testErr) Error() string { return string(e) }

var errInvalid = testErr("invalid payload")
