// Package mouse implements the ps2-mouse driver. Movement is not
// queued through the operation queue at all: absolute and relative
// inputs update an accumulator, and a self-scheduling tick loop flushes
// at most perTickMaxDelta units per axis as a single "MOVE dx,dy" line.
// Button clicks and wheel scrolls go through device.Base's operation
// queue like any other device command.
package mouse

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-kit/log"

	"github.com/MatthiasValvekens/bench-orchestrator/apperr"
	"github.com/MatthiasValvekens/bench-orchestrator/device"
)

// Mode selects how relative/absolute inputs are turned into wire
// moves.
type Mode string

const (
	ModeAbsolute      Mode = "absolute"
	ModeRelativeGain   Mode = "relative-gain"
	ModeRelativeAccel Mode = "relative-accel"
)

// Config tunes the tick loop and the two relative modes.
type Config struct {
	TickHz          int // default 60
	PerTickMaxDelta int // default 255

	Gain int // relative-gain: constant multiplier, default 10

	AccelBase float64 // relative-accel: gain floor, default 2
	AccelMax  float64 // relative-accel: gain ceiling, default 20
	VelMax    float64 // relative-accel: velocity (units/sec) at which gain saturates, default 500

	GridX int // absolute: grid width, default 32767
	GridY int // absolute: grid height, default 32767

	ClickHoldMs int // how long a click holds the button before releasing; 0 = immediate
}

func (c Config) tickHz() int {
	if c.TickHz <= 0 {
		return 60
	}
	return c.TickHz
}

func (c Config) perTickMaxDelta() int {
	if c.PerTickMaxDelta <= 0 {
		return 255
	}
	return c.PerTickMaxDelta
}

func (c Config) gain() int {
	if c.Gain <= 0 {
		return 10
	}
	return c.Gain
}

func (c Config) accelBase() float64 {
	if c.AccelBase <= 0 {
		return 2
	}
	return c.AccelBase
}

func (c Config) accelMax() float64 {
	if c.AccelMax <= 0 {
		return 20
	}
	return c.AccelMax
}

func (c Config) velMax() float64 {
	if c.VelMax <= 0 {
		return 500
	}
	return c.VelMax
}

func (c Config) gridX() int {
	if c.GridX <= 0 {
		return 32767
	}
	return c.GridX
}

func (c Config) gridY() int {
	if c.GridY <= 0 {
		return 32767
	}
	return c.GridY
}

// accumulator holds pending, unflushed motion. Only one of the two
// representations is meaningful at a time, selected by mode: relAcc for
// the two relative modes, absTarget for absolute mode.
type accumulator struct {
	relDx, relDy float64
	haveAbs      bool
	absTargetX   float64 // normalized [0,1]
	absTargetY   float64
	curX, curY   int // last flushed absolute position, in grid units
}

// hostPowerOffReason is the cancellation reason carried by every
// operation rejected or purged because the bench host lost power.
const hostPowerOffReason = "host-power-off"

// Driver is the ps2-mouse driver.
type Driver struct {
	*device.Base
	cfg Config

	mu       sync.Mutex
	mode     Mode
	acc      accumulator
	lastTick time.Time
	powerOff bool

	write func(line string) error // overridable for tests
}

// New constructs a Driver in ModeRelativeGain with an empty accumulator.
func New(cfg Config, logger log.Logger) *Driver {
	d := &Driver{
		Base: device.NewBase(device.Config{Kind: "ps2-mouse"}, logger),
		cfg:  cfg,
		mode: ModeRelativeGain,
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

// SetMode switches the input interpretation mode. Switching modes
// implicitly resets the accumulator, since absolute and relative state
// aren't comparable.
func (d *Driver) SetMode(m Mode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mode = m
	d.acc = accumulator{}
}

// Mode returns the current mode.
func (d *Driver) Mode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// MoveRelative accumulates a relative input (device-native units before
// gain is applied). Not queued: coalesces with any pending motion since
// the last tick.
func (d *Driver) MoveRelative(dx, dy float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acc.relDx += dx
	d.acc.relDy += dy
}

// MoveAbsolute sets the normalized [0,1] target position.
func (d *Driver) MoveAbsolute(x, y float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acc.haveAbs = true
	d.acc.absTargetX = clamp01(x)
	d.acc.absTargetY = clamp01(y)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampInt(v, max int) int {
	if v > max {
		return max
	}
	if v < -max {
		return -max
	}
	return v
}

// Tick computes and flushes at most one "MOVE dx,dy" line for whatever
// motion has accumulated since the previous call, clamped to
// perTickMaxDelta per axis. It returns the line written, or "" if there
// was nothing to flush.
func (d *Driver) Tick(now time.Time) (string, error) {
	d.mu.Lock()
	mode := d.mode
	maxDelta := d.cfg.perTickMaxDelta()
	var dx, dy int

	switch mode {
	case ModeAbsolute:
		if d.acc.haveAbs {
			targetX := int(math.Round(d.acc.absTargetX * float64(d.cfg.gridX())))
			targetY := int(math.Round(d.acc.absTargetY * float64(d.cfg.gridY())))
			dx = clampInt(targetX-d.acc.curX, maxDelta)
			dy = clampInt(targetY-d.acc.curY, maxDelta)
			d.acc.curX += dx
			d.acc.curY += dy
		}
	case ModeRelativeAccel:
		elapsed := now.Sub(d.lastTick).Seconds()
		if elapsed <= 0 {
			elapsed = 1.0 / float64(d.cfg.tickHz())
		}
		vel := math.Hypot(d.acc.relDx, d.acc.relDy) / elapsed
		g := math.Round(d.cfg.accelBase() + (d.cfg.accelMax()-d.cfg.accelBase())*clamp01(vel/d.cfg.velMax()))
		dx = clampInt(int(math.Round(d.acc.relDx*g)), maxDelta)
		dy = clampInt(int(math.Round(d.acc.relDy*g)), maxDelta)
		d.acc.relDx, d.acc.relDy = 0, 0
	default: // ModeRelativeGain
		g := float64(d.cfg.gain())
		dx = clampInt(int(math.Round(d.acc.relDx*g)), maxDelta)
		dy = clampInt(int(math.Round(d.acc.relDy*g)), maxDelta)
		d.acc.relDx, d.acc.relDy = 0, 0
	}
	d.lastTick = now
	d.mu.Unlock()

	if dx == 0 && dy == 0 {
		return "", nil
	}
	line := fmt.Sprintf("MOVE %d,%d", dx, dy)
	if err := d.write(line); err != nil {
		return "", err
	}
	return line, nil
}

// RunTickLoop self-schedules Tick at cfg.TickHz until ctx is done. It
// never overlaps: the next sleep is scheduled only after the previous
// Tick call returns.
func (d *Driver) RunTickLoop(ctx context.Context) {
	period := time.Second / time.Duration(d.cfg.tickHz())
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := d.Tick(time.Now()); err != nil {
			d.EmitFatal(err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(period):
		}
	}
}

// HandlePowerOff reacts to the bench host losing power: queued discrete
// ops are cancelled, the active op is flagged for cancellation at its
// next checkpoint, and motion accumulators reset to zero. The power-off
// precondition then holds until HandlePowerOn: every operation submitted
// in between resolves immediately as cancelled.
func (d *Driver) HandlePowerOff() {
	d.mu.Lock()
	d.acc = accumulator{}
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

func (d *Driver) poweredOff() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.powerOff
}

// Operation kinds accepted by the driver's queue.
const (
	OpClick = "mouse.click"
	OpWheel = "mouse.wheel"
)

// Click enqueues a discrete click operation (not part of the motion
// accumulator). While the host is powered off the operation resolves
// immediately as cancelled instead of entering the queue.
func (d *Driver) Click(requestedBy string, button int) *device.Operation {
	op := device.NewOperation(OpClick, requestedBy, button)
	if d.poweredOff() {
		op.ResolveCancelled(hostPowerOffReason)
		return op
	}
	d.Enqueue(op)
	return op
}

// Wheel enqueues a scroll operation of dy detents, subject to the same
// power-off gate as Click.
func (d *Driver) Wheel(requestedBy string, dy int) *device.Operation {
	op := device.NewOperation(OpWheel, requestedBy, dy)
	if d.poweredOff() {
		op.ResolveCancelled(hostPowerOffReason)
		return op
	}
	d.Enqueue(op)
	return op
}

// RunClick executes the active click operation: writes "CLICK N", holds
// for the configured duration, then writes "RELEASE N". Cancellation is
// checked before each write and at every sleep quantum, so a power-off
// checkpoint can still abort mid-click.
func (d *Driver) RunClick(op *device.Operation, button int) device.Result {
	if cancelled, reason := op.Cancelled(); cancelled {
		return device.Result{Status: device.OpCancelled, Err: apperr.Cancelledf(reason)}
	}
	if err := d.write(fmt.Sprintf("CLICK %d", button)); err != nil {
		return device.Result{Status: device.OpFailed, Err: err}
	}
	if d.cfg.ClickHoldMs > 0 {
		if err := op.Sleep(time.Duration(d.cfg.ClickHoldMs) * time.Millisecond); err != nil {
			// Release the button before reporting the cancel; leaving it
			// held on a cancelled click would wedge the target host.
			_ = d.write(fmt.Sprintf("RELEASE %d", button))
			return device.Result{Status: device.OpCancelled, Err: err}
		}
	}
	if cancelled, reason := op.Cancelled(); cancelled {
		_ = d.write(fmt.Sprintf("RELEASE %d", button))
		return device.Result{Status: device.OpCancelled, Err: apperr.Cancelledf(reason)}
	}
	if err := d.write(fmt.Sprintf("RELEASE %d", button)); err != nil {
		return device.Result{Status: device.OpFailed, Err: err}
	}
	return device.Result{Status: device.OpCompleted}
}

// RunWheel executes the active wheel operation as a single "WHEEL dy"
// line.
func (d *Driver) RunWheel(op *device.Operation, dy int) device.Result {
	if cancelled, reason := op.Cancelled(); cancelled {
		return device.Result{Status: device.OpCancelled, Err: apperr.Cancelledf(reason)}
	}
	if err := d.write(fmt.Sprintf("WHEEL %d", dy)); err != nil {
		return device.Result{Status: device.OpFailed, Err: err}
	}
	return device.Result{Status: device.OpCompleted}
}
