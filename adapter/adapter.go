// Package adapter implements the stateless translators between each
// driver's DeviceEvent stream and the state store. One
// Run goroutine per device drains that driver's device.Event channel
// and folds each event into the matching AppState slice via
// state.Store.Set, using Go generics to share the BaseSlice bookkeeping
// (phase/queueDepth/operationHistory/errorHistory) across all seven
// device kinds instead of duplicating it per package.
package adapter

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/MatthiasValvekens/bench-orchestrator/device"
	"github.com/MatthiasValvekens/bench-orchestrator/state"
)

// Extract locates a device's slice within a freshly cloned AppState, as
// handed to a state.Mutator.
type Extract[T any] func(next *state.AppState) *T

// BaseOf projects a concrete slice down to its embedded BaseSlice.
type BaseOf[T any] func(t *T) *state.BaseSlice

// OnEvent lets a concrete device's adapter apply its own extra fields
// (mouse mode/gain, printer history, power-meter readings...) on top of
// the generic BaseSlice bookkeeping Run already performed.
type OnEvent[T any] func(t *T, ev device.Event)

// Run drains base's event channel until ctx is cancelled or the channel
// closes, applying the generic BaseSlice fields
// plus an optional device-specific onEvent hook to the slice selected
// by get, on every event.
func Run[T any](ctx context.Context, store *state.Store, base *device.Base, logger log.Logger, get Extract[T], baseOf BaseOf[T], onEvent OnEvent[T]) error {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	events := base.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			err := store.Set(ctx, func(next *state.AppState) error {
				t := get(next)
				bs := baseOf(t)
				applyBase(bs, base, ev)
				if onEvent != nil {
					onEvent(t, ev)
				}
				return nil
			})
			if err != nil && ctx.Err() == nil {
				_ = level.Error(logger).Log("msg", "adapter failed to apply device event", "kind", ev.Kind, "device", base.Kind, "err", err)
			}
		}
	}
}

// applyBase updates the fields every device slice shares,
// reading the driver's current lifecycle/queue state
// directly from base rather than threading it through the event, since
// Base is the single source of truth for phase/identified/path/depth.
func applyBase(bs *state.BaseSlice, base *device.Base, ev device.Event) {
	bs.Phase = base.Phase()
	bs.Identified = base.Identified()
	bs.DevicePath = base.Path()
	bs.QueueDepth = base.Queue().Depth()
	bs.Busy = base.Queue().Active() != nil
	bs.UpdatedAt = ev.At

	switch ev.Kind {
	case device.EventOperationStarted:
		if ev.Operation != nil {
			rec := operationRecord(ev.Operation, ev.Kind, ev.At)
			bs.CurrentOp = &rec
		}
	case device.EventOperationCompleted, device.EventOperationFailed, device.EventOperationCancelled:
		if ev.Operation != nil {
			rec := operationRecord(ev.Operation, ev.Kind, ev.At)
			if ev.Err != nil {
				rec.Error = ev.Err.Error()
			}
			if cancelled, reason := ev.Operation.Cancelled(); cancelled {
				rec.CancelledBy = reason
			}
			bs.PushOperation(rec)
			bs.CurrentOp = nil
		}
	case device.EventError, device.EventFatalError:
		if ev.Err != nil {
			bs.PushError(string(ev.Kind), ev.Err.Error(), ev.At)
		}
	}
}

func operationRecord(op *device.Operation, kind device.EventKind, at time.Time) state.OperationRecord {
	rec := state.OperationRecord{
		ID:          op.ID,
		Kind:        op.Kind,
		RequestedBy: op.RequestedBy,
		QueuedAt:    op.QueuedAt,
		Payload:     op.Payload,
		Status:      statusOf(kind),
	}
	switch kind {
	case device.EventOperationStarted:
		rec.StartedAt = &at
	case device.EventOperationCompleted, device.EventOperationFailed, device.EventOperationCancelled:
		rec.FinishedAt = &at
	}
	return rec
}

func statusOf(kind device.EventKind) string {
	switch kind {
	case device.EventOperationQueued:
		return string(device.OpQueued)
	case device.EventOperationStarted:
		return string(device.OpStarted)
	case device.EventOperationCompleted:
		return string(device.OpCompleted)
	case device.EventOperationFailed:
		return string(device.OpFailed)
	case device.EventOperationCancelled:
		return string(device.OpCancelled)
	default:
		return ""
	}
}
