// Package keyboard implements the ps2-keyboard driver: a thin sibling
// of the mouse driver sharing the same host-power-off cancellation
// contract, but with discrete key-down/key-up commands instead of a
// motion accumulator.
package keyboard

import (
	"fmt"
	"sync"

	"github.com/go-kit/log"

	"github.com/MatthiasValvekens/bench-orchestrator/apperr"
	"github.com/MatthiasValvekens/bench-orchestrator/device"
)

// hostPowerOffReason is the cancellation reason carried by every
// operation rejected or purged because the bench host lost power.
const hostPowerOffReason = "host-power-off"

// Driver is the ps2-keyboard driver.
type Driver struct {
	*device.Base
	write func(line string) error

	mu       sync.Mutex
	keysDown map[int]bool
	powerOff bool
}

// New constructs a Driver.
func New(logger log.Logger) *Driver {
	d := &Driver{
		Base:     device.NewBase(device.Config{Kind: "ps2-keyboard"}, logger),
		keysDown: make(map[int]bool),
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

func (d *Driver) poweredOff() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.powerOff
}

// KeyDown enqueues a key-press operation. While the host is powered off
// the operation resolves immediately as cancelled instead of entering
// the queue.
func (d *Driver) KeyDown(requestedBy string, key int) *device.Operation {
	op := device.NewOperation("keyboard.key.down", requestedBy, key)
	if d.poweredOff() {
		op.ResolveCancelled(hostPowerOffReason)
		return op
	}
	d.Enqueue(op)
	return op
}

// KeyUp enqueues a key-release operation, subject to the same power-off
// gate as KeyDown.
func (d *Driver) KeyUp(requestedBy string, key int) *device.Operation {
	op := device.NewOperation("keyboard.key.up", requestedBy, key)
	if d.poweredOff() {
		op.ResolveCancelled(hostPowerOffReason)
		return op
	}
	d.Enqueue(op)
	return op
}

// RunKeyDown executes the active key-down operation.
func (d *Driver) RunKeyDown(op *device.Operation, key int) device.Result {
	if cancelled, reason := op.Cancelled(); cancelled {
		return device.Result{Status: device.OpCancelled, Err: apperr.Cancelledf(reason)}
	}
	if err := d.write(fmt.Sprintf("CLICK %d", key)); err != nil {
		return device.Result{Status: device.OpFailed, Err: err}
	}
	d.mu.Lock()
	d.keysDown[key] = true
	d.mu.Unlock()
	return device.Result{Status: device.OpCompleted}
}

// RunKeyUp executes the active key-up operation.
func (d *Driver) RunKeyUp(op *device.Operation, key int) device.Result {
	if cancelled, reason := op.Cancelled(); cancelled {
		return device.Result{Status: device.OpCancelled, Err: apperr.Cancelledf(reason)}
	}
	if err := d.write(fmt.Sprintf("RELEASE %d", key)); err != nil {
		return device.Result{Status: device.OpFailed, Err: err}
	}
	d.mu.Lock()
	delete(d.keysDown, key)
	d.mu.Unlock()
	return device.Result{Status: device.OpCompleted}
}

// KeysDown returns the set of currently held key codes.
func (d *Driver) KeysDown() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]int, 0, len(d.keysDown))
	for k := range d.keysDown {
		keys = append(keys, k)
	}
	return keys
}

// HandlePowerOff cancels the operation queue and clears held keys,
// mirroring the mouse driver's host-power-off contract. The power-off
// precondition then holds until HandlePowerOn: every operation submitted
// in between resolves immediately as cancelled.
func (d *Driver) HandlePowerOff() {
	d.mu.Lock()
	d.keysDown = make(map[int]bool)
	d.powerOff = true
	d.mu.Unlock()
	d.Queue().CancelAll(hostPowerOffReason)
}

// HandlePowerOn clears the power-off precondition; submissions are
// accepted again.
func (d *Driver) HandlePowerOn() {
	d.mu.Lock()
	d.powerOff = false
	d.mu.Unlock()
}
