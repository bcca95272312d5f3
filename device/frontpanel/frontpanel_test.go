package frontpanel

import (
	"testing"
	"time"

	"github.com/MatthiasValvekens/bench-orchestrator/bus"
	"github.com/MatthiasValvekens/bench-orchestrator/device"
)

func TestPowerChangePublishesOnEveryTransition(t *testing.T) {
	b := bus.New(nil, nil)
	var got []string
	done := make(chan struct{}, 4)
	_, err := b.Subscribe(bus.SubscribeOpts{
		Name:   "test",
		Filter: bus.Filter{Pattern: TopicPowerChanged},
		Handler: func(ev bus.Event) error {
			payload := ev.Payload.(map[string]interface{})
			got = append(got, payload["state"].(string))
			done <- struct{}{}
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	d := New(b, nil)
	d.HandleLine("POWER_LED_ON")
	d.HandleLine("POWER_LED_ON") // no-op, same state
	d.HandleLine("POWER_LED_OFF")

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for power-change delivery")
		}
	}
	if len(got) != 2 || got[0] != PowerOn || got[1] != PowerOff {
		t.Fatalf("expected exactly [on off], got %v", got)
	}
}

func TestOnDisconnectFailsClosedToUnknown(t *testing.T) {
	b := bus.New(nil, nil)
	done := make(chan string, 1)
	_, err := b.Subscribe(bus.SubscribeOpts{
		Name:   "test",
		Filter: bus.Filter{Pattern: TopicPowerChanged},
		Handler: func(ev bus.Event) error {
			payload := ev.Payload.(map[string]interface{})
			done <- payload["state"].(string)
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	d := New(b, nil)
	d.HandleLine("POWER_LED_ON")
	d.OnDisconnect()

	select {
	case state := <-done:
		if state != PowerOn {
			t.Fatalf("expected first delivery to be 'on', got %q", state)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
	select {
	case state := <-done:
		if state != PowerUnknown {
			t.Fatalf("expected disconnect to fail closed to 'unknown', got %q", state)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for disconnect power-change event")
	}
}

func TestActuatorOperationsWriteFirmwareLines(t *testing.T) {
	d := New(nil, nil)
	var written []string
	d.write = func(line string) error { written = append(written, line); return nil }

	for _, kind := range []string{OpPowerHold, OpPowerRelease, OpResetHold} {
		op := device.NewOperation(kind, "test", nil)
		if r := d.Run(op); r.Status != device.OpCompleted {
			t.Fatalf("%s: expected completed, got %+v", kind, r)
		}
	}
	want := []string{"POWER_HOLD", "POWER_RELEASE", "RESET_HOLD"}
	if len(written) != 3 || written[0] != want[0] || written[1] != want[1] || written[2] != want[2] {
		t.Fatalf("got %v, want %v", written, want)
	}
}

func TestHDDActiveParsing(t *testing.T) {
	d := New(nil, nil)
	if d.HDDActive() {
		t.Fatal("expected initial hdd-active false")
	}
	d.HandleLine("HDD_ACTIVE_ON")
	if !d.HDDActive() {
		t.Fatal("expected hdd-active true after HDD_ACTIVE_ON")
	}
	d.HandleLine("HDD_ACTIVE_OFF")
	if d.HDDActive() {
		t.Fatal("expected hdd-active false after HDD_ACTIVE_OFF")
	}
}
