package device

import "context"

// RunOperationLoop pops operations off base's queue one at a time and
// runs execute on each, resolving and emitting the terminal event before
// moving on to the next. It returns once ctx is cancelled.
//
// Mouse/keyboard/atlona/cf-imager all drive their queued commands this
// way; the mouse additionally runs its own motion tick loop alongside
// this (RunTickLoop), since motion isn't queued at all.
func RunOperationLoop(ctx context.Context, base *Base, execute func(op *Operation) Result) {
	for {
		op := base.StartOperation()
		if op == nil {
			base.Queue().WaitNonEmpty(ctx)
			select {
			case <-ctx.Done():
				return
			default:
			}
			continue
		}
		result := execute(op)
		base.FinishOperation(result)
		base.EmitOperationResult(op, result)
	}
}
