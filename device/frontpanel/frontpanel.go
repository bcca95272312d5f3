// Package frontpanel implements the front-panel driver: it
// parses POWER_LED_ON/OFF and HDD_ACTIVE_ON/OFF lines from firmware and
// publishes a frontpanel.power.changed bus message on every power-state
// change, including "unknown" on disconnect (fail-closed). The board is
// also an actuator: queued operations drive the host's power and reset
// lines via POWER_HOLD/POWER_RELEASE/RESET_HOLD.
package frontpanel

import (
	"strings"

	"github.com/go-kit/log"

	"github.com/MatthiasValvekens/bench-orchestrator/apperr"
	"github.com/MatthiasValvekens/bench-orchestrator/bus"
	"github.com/MatthiasValvekens/bench-orchestrator/device"
)

const (
	PowerOn      = "on"
	PowerOff     = "off"
	PowerUnknown = "unknown"

	TopicPowerChanged = "frontpanel.power.changed"
)

// Operation kinds accepted by the driver's queue: momentary actuations
// of the bench host's power and reset lines.
const (
	OpPowerHold    = "frontpanel.power.hold"
	OpPowerRelease = "frontpanel.power.release"
	OpResetHold    = "frontpanel.reset.hold"
)

// Driver is the front-panel driver.
type Driver struct {
	*device.Base
	bus   *bus.Bus
	write func(line string) error

	power     string
	hddActive bool
}

// New constructs a Driver. b is the message bus to publish power-state
// changes to; it may be nil in tests that don't care about bus delivery.
func New(b *bus.Bus, logger log.Logger) *Driver {
	d := &Driver{
		Base:  device.NewBase(device.Config{Kind: "front-panel"}, logger),
		bus:   b,
		power: PowerUnknown,
	}
	d.write = d.writeLine
	return d
}

func (d *Driver) writeLine(line string) error {
	chain := d.Chain()
	if chain == nil {
		return nil
	}
	return chain.WriteLine(line, d.EOL())
}

// HandleLine parses one firmware line and updates state, publishing
// frontpanel.power.changed whenever the power state actually changes.
func (d *Driver) HandleLine(line string) {
	d.EmitLine(line)
	line = strings.TrimSpace(line)
	switch line {
	case "POWER_LED_ON":
		d.setPower(PowerOn)
	case "POWER_LED_OFF":
		d.setPower(PowerOff)
	case "HDD_ACTIVE_ON":
		d.hddActive = true
	case "HDD_ACTIVE_OFF":
		d.hddActive = false
	}
}

// HDDActive reports the last-known HDD activity LED state.
func (d *Driver) HDDActive() bool { return d.hddActive }

// Power reports the last-known power state: "on", "off", or "unknown".
func (d *Driver) Power() string { return d.power }

// OnDisconnect fails closed: the power state becomes unknown and a
// change event is published, exactly like any other transition.
func (d *Driver) OnDisconnect() {
	d.setPower(PowerUnknown)
	d.Base.Detach("disconnected")
}

// PowerHold enqueues a momentary press of the host's power button.
func (d *Driver) PowerHold(requestedBy string) *device.Operation {
	op := device.NewOperation(OpPowerHold, requestedBy, nil)
	d.Enqueue(op)
	return op
}

// PowerRelease enqueues the matching release of the power button.
func (d *Driver) PowerRelease(requestedBy string) *device.Operation {
	op := device.NewOperation(OpPowerRelease, requestedBy, nil)
	d.Enqueue(op)
	return op
}

// ResetHold enqueues a press of the host's reset line.
func (d *Driver) ResetHold(requestedBy string) *device.Operation {
	op := device.NewOperation(OpResetHold, requestedBy, nil)
	d.Enqueue(op)
	return op
}

// Run executes the active actuator operation as its firmware line.
func (d *Driver) Run(op *device.Operation) device.Result {
	if cancelled, reason := op.Cancelled(); cancelled {
		return device.Result{Status: device.OpCancelled, Err: apperr.Cancelledf(reason)}
	}
	var line string
	switch op.Kind {
	case OpPowerHold:
		line = "POWER_HOLD"
	case OpPowerRelease:
		line = "POWER_RELEASE"
	case OpResetHold:
		line = "RESET_HOLD"
	default:
		return device.Result{Status: device.OpFailed, Err: apperr.Newf(apperr.Protocol, "unknown front-panel operation %q", op.Kind)}
	}
	if err := d.write(line); err != nil {
		return device.Result{Status: device.OpFailed, Err: err}
	}
	return device.Result{Status: device.OpCompleted}
}

func (d *Driver) setPower(state string) {
	if d.power == state {
		return
	}
	d.power = state
	if d.bus == nil {
		return
	}
	_, _ = d.bus.Publish(TopicPowerChanged, "front-panel", nil, map[string]interface{}{
		"state": state,
	})
}
