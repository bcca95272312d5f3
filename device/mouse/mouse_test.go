package mouse

import (
	"testing"
	"time"

	"github.com/MatthiasValvekens/bench-orchestrator/apperr"
	"github.com/MatthiasValvekens/bench-orchestrator/device"
)

func TestRelativeGainFlushesExactLine(t *testing.T) {
	d := New(Config{TickHz: 60, PerTickMaxDelta: 255, Gain: 10}, nil)
	var written []string
	d.write = func(line string) error {
		written = append(written, line)
		return nil
	}

	d.MoveRelative(3, -2)
	line, err := d.Tick(time.Now())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if line != "MOVE 30,-20" {
		t.Fatalf("got line %q, want %q", line, "MOVE 30,-20")
	}
	if len(written) != 1 {
		t.Fatalf("expected exactly one write, got %d: %v", len(written), written)
	}
}

func TestTickWithNoMotionWritesNothing(t *testing.T) {
	d := New(Config{}, nil)
	calls := 0
	d.write = func(string) error { calls++; return nil }

	line, err := d.Tick(time.Now())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if line != "" || calls != 0 {
		t.Fatalf("expected no write for zero motion, got line=%q calls=%d", line, calls)
	}
}

func TestPerTickMaxDeltaClamps(t *testing.T) {
	d := New(Config{Gain: 100, PerTickMaxDelta: 50}, nil)
	var got string
	d.write = func(line string) error { got = line; return nil }

	d.MoveRelative(10, -10) // *100 = 1000, clamp to +-50
	if _, err := d.Tick(time.Now()); err != nil {
		t.Fatal(err)
	}
	if got != "MOVE 50,-50" {
		t.Fatalf("got %q, want clamped MOVE 50,-50", got)
	}
}

func TestHostPowerOffCancelsQueueAndClearsAccumulator(t *testing.T) {
	d := New(Config{}, nil)
	d.write = func(string) error { return nil }
	d.MoveRelative(5, 5)

	op1 := device.NewOperation("mouse.click", "test", 1)
	op2 := device.NewOperation("mouse.click", "test", 2)
	d.Enqueue(op1)
	d.Enqueue(op2)

	d.HandlePowerOff()

	r1 := op1.Wait()
	if r1.Status != device.OpCancelled {
		t.Fatalf("expected op1 cancelled, got %+v", r1)
	}

	line, err := d.Tick(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if line != "" {
		t.Fatalf("expected accumulator cleared after power-off, got line %q", line)
	}
}

func TestSubmissionsDuringPowerOffResolveCancelled(t *testing.T) {
	d := New(Config{}, nil)
	d.write = func(string) error { return nil }

	d.HandlePowerOff()

	click := d.Click("test", 1)
	r := click.Wait()
	if r.Status != device.OpCancelled || apperr.Reason(r.Err) != "host-power-off" {
		t.Fatalf("expected click submitted during power-off to resolve cancelled(host-power-off), got %+v", r)
	}
	wheel := d.Wheel("test", 2)
	if r := wheel.Wait(); r.Status != device.OpCancelled {
		t.Fatalf("expected wheel submitted during power-off to resolve cancelled, got %+v", r)
	}
	if d.Queue().Depth() != 0 {
		t.Fatalf("gated submissions must never enter the queue, depth=%d", d.Queue().Depth())
	}

	d.HandlePowerOn()
	d.Click("test", 1)
	if d.Queue().Depth() != 1 {
		t.Fatalf("expected submission after power-on to enqueue, depth=%d", d.Queue().Depth())
	}
}

func TestRunWheelWritesExactLine(t *testing.T) {
	d := New(Config{}, nil)
	var got string
	d.write = func(line string) error { got = line; return nil }

	op := device.NewOperation(OpWheel, "test", -3)
	if r := d.RunWheel(op, -3); r.Status != device.OpCompleted {
		t.Fatalf("expected completed, got %+v", r)
	}
	if got != "WHEEL -3" {
		t.Fatalf("got %q, want WHEEL -3", got)
	}
}

func TestRunClickReleasesButtonWhenCancelledMidHold(t *testing.T) {
	d := New(Config{ClickHoldMs: 5000}, nil)
	var written []string
	d.write = func(line string) error { written = append(written, line); return nil }

	op := device.NewOperation(OpClick, "test", 1)
	done := make(chan device.Result, 1)
	go func() { done <- d.RunClick(op, 1) }()

	time.Sleep(30 * time.Millisecond)
	op.Cancel("host-power-off")

	select {
	case r := <-done:
		if r.Status != device.OpCancelled {
			t.Fatalf("expected cancelled result, got %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("click never noticed cancellation during its hold sleep")
	}
	if len(written) != 2 || written[0] != "CLICK 1" || written[1] != "RELEASE 1" {
		t.Fatalf("expected CLICK then RELEASE despite cancel, got %v", written)
	}
}

func TestAbsoluteModeMovesTowardTarget(t *testing.T) {
	d := New(Config{GridX: 1000, GridY: 1000, PerTickMaxDelta: 1000}, nil)
	d.SetMode(ModeAbsolute)
	var got string
	d.write = func(line string) error { got = line; return nil }

	d.MoveAbsolute(1.0, 0.0) // target (1000, 0)
	if _, err := d.Tick(time.Now()); err != nil {
		t.Fatal(err)
	}
	if got != "MOVE 1000,0" {
		t.Fatalf("got %q, want MOVE 1000,0", got)
	}
}
