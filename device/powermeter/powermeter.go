// Package powermeter implements the power-meter driver: a
// read-only sampling device with no operation queue. Firmware pushes
// watts/volts/amps samples at its own sampleHz, and the driver just
// parses and reports the latest reading.
package powermeter

import (
	"strconv"
	"strings"
	"sync"

	"github.com/go-kit/log"

	"github.com/MatthiasValvekens/bench-orchestrator/apperr"
	"github.com/MatthiasValvekens/bench-orchestrator/device"
)

// Sample is the latest reading reported by firmware.
type Sample struct {
	Watts, Volts, Amps float64
}

// Driver is the power-meter driver.
type Driver struct {
	*device.Base

	mu   sync.Mutex
	last Sample
}

// New constructs a Driver.
func New(logger log.Logger) *Driver {
	return &Driver{Base: device.NewBase(device.Config{Kind: "power-meter"}, logger)}
}

// HandleLine parses one "W,V,A" firmware line into a Sample. Malformed
// lines are reported as protocol events and otherwise ignored; they
// never tear down the read loop.
func (d *Driver) HandleLine(line string) {
	d.EmitLine(line)
	parts := strings.Split(strings.TrimSpace(line), ",")
	if len(parts) != 3 {
		d.emitProtocolError(line)
		return
	}
	w, err1 := strconv.ParseFloat(parts[0], 64)
	v, err2 := strconv.ParseFloat(parts[1], 64)
	a, err3 := strconv.ParseFloat(parts[2], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		d.emitProtocolError(line)
		return
	}
	d.mu.Lock()
	d.last = Sample{Watts: w, Volts: v, Amps: a}
	d.mu.Unlock()
}

func (d *Driver) emitProtocolError(line string) {
	d.EmitError(apperr.Newf(apperr.Protocol, "malformed power-meter line %q", line))
}

// Last returns the most recently parsed sample.
func (d *Driver) Last() Sample {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}
