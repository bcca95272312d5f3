// Package atlona implements the switch-controller driver: hold N /
// release N commands per switch id, translated by the adapter into
// per-switch isHeld flags.
package atlona

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"

	"github.com/MatthiasValvekens/bench-orchestrator/device"
)

// Config tunes the controller's reconnect backoff, surfaced through the
// ATLONA_RECONNECT_* environment variables.
type Config struct {
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Driver is the atlona switch-controller driver.
type Driver struct {
	*device.Base
	write func(line string) error

	mu     sync.Mutex
	isHeld map[int]bool
}

// New constructs a Driver.
func New(cfg Config, logger log.Logger) *Driver {
	d := &Driver{
		Base: device.NewBase(device.Config{
			Kind:        "atlona",
			BackoffBase: cfg.BackoffBase,
			BackoffMax:  cfg.BackoffMax,
		}, logger),
		isHeld: make(map[int]bool),
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

// Hold enqueues a "hold N" operation for the given switch id.
func (d *Driver) Hold(requestedBy string, id int) *device.Operation {
	op := device.NewOperation("atlona.switch.hold", requestedBy, id)
	d.Enqueue(op)
	return op
}

// Release enqueues a "release N" operation for the given switch id.
func (d *Driver) Release(requestedBy string, id int) *device.Operation {
	op := device.NewOperation("atlona.switch.release", requestedBy, id)
	d.Enqueue(op)
	return op
}

// RunHold executes the active hold operation.
func (d *Driver) RunHold(id int) device.Result {
	if err := d.write(fmt.Sprintf("hold %d", id)); err != nil {
		return device.Result{Status: device.OpFailed, Err: err}
	}
	d.mu.Lock()
	d.isHeld[id] = true
	d.mu.Unlock()
	return device.Result{Status: device.OpCompleted}
}

// RunRelease executes the active release operation.
func (d *Driver) RunRelease(id int) device.Result {
	if err := d.write(fmt.Sprintf("release %d", id)); err != nil {
		return device.Result{Status: device.OpFailed, Err: err}
	}
	d.mu.Lock()
	d.isHeld[id] = false
	d.mu.Unlock()
	return device.Result{Status: device.OpCompleted}
}

// IsHeld returns a snapshot of switch id -> held flag.
func (d *Driver) IsHeld() map[int]bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[int]bool, len(d.isHeld))
	for k, v := range d.isHeld {
		out[k] = v
	}
	return out
}
