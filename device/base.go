package device

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/MatthiasValvekens/bench-orchestrator/apperr"
	"github.com/MatthiasValvekens/bench-orchestrator/state"
)

// Config tunes a Base's reconnect and write behavior. Zero values fall
// back to the documented defaults.
type Config struct {
	Kind        string
	EOL         string // default "\n"
	QueueDepth  int    // default QueueDepth
	BackoffBase time.Duration // default 250ms
	BackoffMax  time.Duration // default 30s

	// MaxAttempts bounds consecutive failed connect attempts before the
	// driver gives up with a fatal-error event; <= 0 retries forever.
	MaxAttempts int
}

func (c Config) eol() string {
	if c.EOL == "" {
		return "\n"
	}
	return c.EOL
}

func (c Config) backoffBase() time.Duration {
	if c.BackoffBase <= 0 {
		return 250 * time.Millisecond
	}
	return c.BackoffBase
}

func (c Config) backoffMax() time.Duration {
	if c.BackoffMax <= 0 {
		return 30 * time.Second
	}
	return c.BackoffMax
}

// Base is the generic per-device driver toolkit: a
// lifecycle phase machine, a bounded operation queue, a serialized write
// chain, and a typed event stream. Concrete drivers (device/mouse,
// device/printer, ...) embed Base and supply the device-specific
// handshake and line protocol on top of it.
type Base struct {
	Kind   string
	Logger log.Logger
	cfg    Config

	queue  *Queue
	events chan Event

	mu         sync.RWMutex
	phase      state.Phase
	identified bool
	path       string
	chain      *WriteChain
	closer     io.Closer
}

// NewBase constructs a Base in PhaseDisconnected.
func NewBase(cfg Config, logger log.Logger) *Base {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Base{
		Kind:   cfg.Kind,
		Logger: logger,
		cfg:    cfg,
		queue:  NewQueue(cfg.QueueDepth),
		events: make(chan Event, 256),
		phase:  state.PhaseDisconnected,
	}
}

// Events returns the channel this driver publishes typed events to. Must
// be drained by the owning adapter.
func (b *Base) Events() <-chan Event { return b.events }

func (b *Base) emit(e Event) {
	e.At = time.Now()
	select {
	case b.events <- e:
	default:
		_ = level.Warn(b.Logger).Log("msg", "device event dropped, channel full", "kind", e.Kind, "device", b.Kind)
	}
}

// Phase returns the current lifecycle phase (disconnected ->
// connecting -> identifying -> ready -> error -> backoff -> connecting).
func (b *Base) Phase() state.Phase {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.phase
}

// SetPhase transitions the phase and emits EventPhaseChanged when it
// actually changes.
func (b *Base) SetPhase(p state.Phase) {
	b.mu.Lock()
	changed := b.phase != p
	b.phase = p
	b.mu.Unlock()
	if changed {
		b.emit(Event{Kind: EventPhaseChanged, Message: string(p)})
	}
}

// Identified reports whether the handshake has completed successfully.
func (b *Base) Identified() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.identified
}

func (b *Base) setIdentified(v bool) {
	b.mu.Lock()
	b.identified = v
	b.mu.Unlock()
}

// Path returns the currently attached serial port path, or "" when
// disconnected.
func (b *Base) Path() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.path
}

// Chain returns the current write chain, or nil when disconnected.
func (b *Base) Chain() *WriteChain {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.chain
}

// EOL returns the configured line terminator.
func (b *Base) EOL() string { return b.cfg.eol() }

// Queue exposes the bounded operation queue.
func (b *Base) Queue() *Queue { return b.queue }

// Attach binds a freshly opened port to this driver: it becomes the
// write-chain target and the phase moves to identifying. Callers
// typically call Attach right after a successful open, then run their
// device-specific handshake, then call Ready.
func (b *Base) Attach(path string, rw io.ReadWriter, closer io.Closer) {
	b.mu.Lock()
	b.path = path
	b.chain = NewWriteChain(rw)
	b.closer = closer
	b.mu.Unlock()
	b.SetPhase(state.PhaseIdentifying)
}

// Ready marks the handshake complete and the driver serving operations.
func (b *Base) Ready() {
	b.setIdentified(true)
	b.SetPhase(state.PhaseReady)
}

// Detach releases the current port and purges the operation queue,
// cancelling the active operation and every pending one. Safe to call
// when already detached.
func (b *Base) Detach(reason string) {
	b.mu.Lock()
	closer := b.closer
	b.closer = nil
	b.chain = nil
	b.path = ""
	b.identified = false
	b.mu.Unlock()

	if closer != nil {
		_ = closer.Close()
	}
	b.queue.CancelAll(reason)
	b.SetPhase(state.PhaseDisconnected)
}

// Fail moves to PhaseError, emits an error event, and returns the delay
// the caller should wait before the next connect attempt.
func (b *Base) Fail(attempt int, err error) time.Duration {
	b.SetPhase(state.PhaseError)
	b.emit(Event{Kind: EventError, Err: err, Message: err.Error()})
	return Backoff(b.cfg.backoffBase(), b.cfg.backoffMax(), attempt)
}

// Connect drives the connecting phase: it calls open repeatedly with
// exponential backoff until it succeeds or ctx is cancelled. It does not
// attach the result — callers should follow a successful Connect with
// Attach once they've wrapped the returned value appropriately.
func (b *Base) Connect(ctx context.Context, open func(ctx context.Context) (io.ReadWriteCloser, error)) (io.ReadWriteCloser, error) {
	attempt := 0
	for {
		attempt++
		b.SetPhase(state.PhaseConnecting)
		rw, err := open(ctx)
		if err == nil {
			return rw, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if b.cfg.MaxAttempts > 0 && attempt >= b.cfg.MaxAttempts {
			b.SetPhase(state.PhaseError)
			b.EmitFatal(err)
			return nil, apperr.Wrap(apperr.Fatal, err, "connect attempts exhausted")
		}
		delay := b.Fail(attempt, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Enqueue submits op for execution, rejecting with apperr.QueueFullErr
// past the configured depth.
func (b *Base) Enqueue(op *Operation) bool {
	ok := b.queue.Enqueue(op)
	if ok {
		b.emit(Event{Kind: EventOperationQueued, Operation: op})
	}
	return ok
}

// StartOperation pops the next queued operation (if any) and emits
// EventOperationStarted.
func (b *Base) StartOperation() *Operation {
	op := b.queue.Next()
	if op != nil {
		b.emit(Event{Kind: EventOperationStarted, Operation: op})
	}
	return op
}

// FinishOperation resolves the active operation and clears it. It emits
// no event; EmitOperationResult reports the terminal event.
func (b *Base) FinishOperation(r Result) {
	b.queue.Finish(r)
}

// EmitOperationResult emits the terminal event matching r.Status for op.
// Call alongside FinishOperation since Finish itself does not know which
// operation it resolved once popped by the caller.
func (b *Base) EmitOperationResult(op *Operation, r Result) {
	var kind EventKind
	switch r.Status {
	case OpCompleted:
		kind = EventOperationCompleted
	case OpFailed:
		kind = EventOperationFailed
	case OpCancelled:
		kind = EventOperationCancelled
	default:
		kind = EventOperationFailed
	}
	b.emit(Event{Kind: kind, Operation: op, Err: r.Err})
}

// EmitLine reports one line read from the device.
func (b *Base) EmitLine(line string) {
	b.emit(Event{Kind: EventLine, Line: line})
}

// EmitFatal reports an unrecoverable error (Fatal kind, no
// further reconnect attempts for this driver instance).
func (b *Base) EmitFatal(err error) {
	b.emit(Event{Kind: EventFatalError, Err: apperr.Wrap(apperr.Fatal, err, "fatal device error")})
}

// EmitError reports a recoverable or protocol-kind error without
// changing phase or tearing down the driver.
func (b *Base) EmitError(err error) {
	b.emit(Event{Kind: EventError, Err: err, Message: err.Error()})
}
