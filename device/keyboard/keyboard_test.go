package keyboard

import (
	"testing"

	"github.com/MatthiasValvekens/bench-orchestrator/apperr"
)

func TestKeyDownAndKeyUpTrackKeysDown(t *testing.T) {
	d := New(nil)
	var written []string
	d.write = func(line string) error { written = append(written, line); return nil }

	op := d.KeyDown("tester", 65)
	if r := d.RunKeyDown(op, 65); r.Err != nil {
		t.Fatal(r.Err)
	}
	if keys := d.KeysDown(); len(keys) != 1 || keys[0] != 65 {
		t.Fatalf("got %v, want [65]", keys)
	}

	op2 := d.KeyUp("tester", 65)
	if r := d.RunKeyUp(op2, 65); r.Err != nil {
		t.Fatal(r.Err)
	}
	if keys := d.KeysDown(); len(keys) != 0 {
		t.Fatalf("got %v, want none", keys)
	}

	want := []string{"CLICK 65", "RELEASE 65"}
	if len(written) != 2 || written[0] != want[0] || written[1] != want[1] {
		t.Fatalf("got %v, want %v", written, want)
	}
}

func TestRunKeyDownHonorsCancellation(t *testing.T) {
	d := New(nil)
	op := d.KeyDown("tester", 1)
	op.Cancel("host-power-off")
	if r := d.RunKeyDown(op, 1); r.Status != "cancelled" {
		t.Fatalf("got status %v, want cancelled", r.Status)
	}
}

func TestHandlePowerOffClearsKeysAndQueue(t *testing.T) {
	d := New(nil)
	d.write = func(line string) error { return nil }
	op := d.KeyDown("tester", 1)
	d.RunKeyDown(op, 1)

	second := d.KeyDown("tester", 2)
	d.HandlePowerOff()

	if keys := d.KeysDown(); len(keys) != 0 {
		t.Fatalf("expected keysDown cleared, got %v", keys)
	}
	res := second.Wait()
	if res.Status != "cancelled" {
		t.Fatalf("expected queued op cancelled by power-off, got %v", res.Status)
	}
}

func TestSubmissionsDuringPowerOffResolveCancelled(t *testing.T) {
	d := New(nil)
	d.write = func(line string) error { return nil }

	d.HandlePowerOff()

	down := d.KeyDown("tester", 1)
	r := down.Wait()
	if r.Status != "cancelled" || apperr.Reason(r.Err) != "host-power-off" {
		t.Fatalf("expected key-down submitted during power-off to resolve cancelled(host-power-off), got %+v", r)
	}
	up := d.KeyUp("tester", 1)
	if r := up.Wait(); r.Status != "cancelled" {
		t.Fatalf("expected key-up submitted during power-off to resolve cancelled, got %+v", r)
	}
	if d.Queue().Depth() != 0 {
		t.Fatalf("gated submissions must never enter the queue, depth=%d", d.Queue().Depth())
	}

	d.HandlePowerOn()
	d.KeyDown("tester", 1)
	if d.Queue().Depth() != 1 {
		t.Fatalf("expected submission after power-on to enqueue, depth=%d", d.Queue().Depth())
	}
}
