package adapter

import (
	"context"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/MatthiasValvekens/bench-orchestrator/device"
	"github.com/MatthiasValvekens/bench-orchestrator/device/atlona"
	"github.com/MatthiasValvekens/bench-orchestrator/device/cfimager"
	"github.com/MatthiasValvekens/bench-orchestrator/device/frontpanel"
	"github.com/MatthiasValvekens/bench-orchestrator/device/keyboard"
	"github.com/MatthiasValvekens/bench-orchestrator/device/mouse"
	"github.com/MatthiasValvekens/bench-orchestrator/device/powermeter"
	"github.com/MatthiasValvekens/bench-orchestrator/device/printer"
	"github.com/MatthiasValvekens/bench-orchestrator/state"
)

// printerHistoryCap bounds the retained finalized-job history mirrored
// into the snapshot, matching printer.Config's own default history cap.
const printerHistoryCap = 50

// RunMouse drains d's event stream into AppState.PS2Mouse for the
// lifetime of ctx.
func RunMouse(ctx context.Context, store *state.Store, d *mouse.Driver, logger log.Logger) error {
	return Run(ctx, store, d.Base, logger,
		func(next *state.AppState) *state.MouseSlice { return &next.PS2Mouse },
		func(s *state.MouseSlice) *state.BaseSlice { return &s.BaseSlice },
		func(s *state.MouseSlice, ev device.Event) {
			s.Mode = string(d.Mode())
		},
	)
}

// RunKeyboard drains d's event stream into AppState.PS2Keyboard.
func RunKeyboard(ctx context.Context, store *state.Store, d *keyboard.Driver, logger log.Logger) error {
	return Run(ctx, store, d.Base, logger,
		func(next *state.AppState) *state.KeyboardSlice { return &next.PS2Keyboard },
		func(s *state.KeyboardSlice) *state.BaseSlice { return &s.BaseSlice },
		func(s *state.KeyboardSlice, ev device.Event) { s.KeysDown = d.KeysDown() },
	)
}

// RunFrontPanel drains d's event stream into AppState.FrontPanel. The
// bus publish for frontpanel.power.changed happens inside the driver
// itself (device/frontpanel/frontpanel.go); this adapter only mirrors the latest
// power/HDD reading into the snapshot so WS clients see it too.
func RunFrontPanel(ctx context.Context, store *state.Store, d *frontpanel.Driver, logger log.Logger) error {
	return Run(ctx, store, d.Base, logger,
		func(next *state.AppState) *state.FrontPanelSlice { return &next.FrontPanel },
		func(s *state.FrontPanelSlice) *state.BaseSlice { return &s.BaseSlice },
		func(s *state.FrontPanelSlice, ev device.Event) {
			s.PowerSense = d.Power()
			s.HDDActive = d.HDDActive()
		},
	)
}

// RunAtlona drains d's event stream into AppState.AtlonaController.
func RunAtlona(ctx context.Context, store *state.Store, d *atlona.Driver, logger log.Logger) error {
	return Run(ctx, store, d.Base, logger,
		func(next *state.AppState) *state.AtlonaSlice { return &next.AtlonaController },
		func(s *state.AtlonaSlice) *state.BaseSlice { return &s.BaseSlice },
		func(s *state.AtlonaSlice, ev device.Event) {
			held := d.IsHeld()
			switches := make(map[string]state.SwitchState, len(held))
			for id, isHeld := range held {
				switches[strconv.Itoa(id)] = state.SwitchState{IsHeld: isHeld}
			}
			s.Switches = switches
		},
	)
}

// RunPowerMeter drains d's event stream into AppState.PowerMeter.
func RunPowerMeter(ctx context.Context, store *state.Store, d *powermeter.Driver, logger log.Logger) error {
	return Run(ctx, store, d.Base, logger,
		func(next *state.AppState) *state.PowerMeterSlice { return &next.PowerMeter },
		func(s *state.PowerMeterSlice) *state.BaseSlice { return &s.BaseSlice },
		func(s *state.PowerMeterSlice, ev device.Event) {
			last := d.Last()
			s.Watts, s.Volts, s.Amps = last.Watts, last.Volts, last.Amps
		},
	)
}

// RunCFImager drains d's event stream into AppState.CFImager.
func RunCFImager(ctx context.Context, store *state.Store, d *cfimager.Driver, logger log.Logger) error {
	return Run(ctx, store, d.Base, logger,
		func(next *state.AppState) *state.CFImagerSlice { return &next.CFImager },
		func(s *state.CFImagerSlice) *state.BaseSlice { return &s.BaseSlice },
		func(s *state.CFImagerSlice, ev device.Event) {
			s.Cwd = d.Cwd()
			s.DiskFreeBytes = d.DiskFreeBytes()
			entries := d.Entries()
			out := make([]state.DirEntry, len(entries))
			for i, e := range entries {
				out[i] = state.DirEntry{Name: e.Name, IsDir: e.IsDir, Size: e.Size}
			}
			s.Entries = out
		},
	)
}

// RunPrinter drains d's event stream into AppState.SerialPrinter for the
// generic (phase/queue/operation) fields and the driver's total job
// count. Finalized jobs reach the slice's history through
// PrinterJobCallback, which is passed to printer.New: job finalization
// happens off the idle timer rather than through device.Base's event
// channel, so it is wired through the store directly instead of an
// OnEvent hook.
func RunPrinter(ctx context.Context, store *state.Store, d *printer.Driver, logger log.Logger) error {
	return Run(ctx, store, d.Base, logger,
		func(next *state.AppState) *state.PrinterSlice { return &next.SerialPrinter },
		func(s *state.PrinterSlice) *state.BaseSlice { return &s.BaseSlice },
		func(s *state.PrinterSlice, ev device.Event) { s.TotalJobs = d.TotalJobs() },
	)
}

// PrinterJobCallback builds the onJobCompleted hook passed to
// printer.New: every finalized job is folded into the printer slice's
// history (capped) and currentJob is cleared.
func PrinterJobCallback(ctx context.Context, store *state.Store, logger log.Logger) func(printer.Job) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return func(job printer.Job) {
		err := store.Set(ctx, func(next *state.AppState) error {
			completed := job.CompletedAt
			pj := state.PrintJob{
				ID:          job.ID,
				CreatedAt:   job.CreatedAt,
				CompletedAt: &completed,
				Raw:         job.Raw,
				Preview:     job.Preview,
			}
			s := &next.SerialPrinter
			s.History = append(s.History, pj)
			if n := len(s.History); n > printerHistoryCap {
				s.History = s.History[n-printerHistoryCap:]
			}
			s.RecentJobs = s.History
			s.CurrentJob = nil
			s.TotalJobs++
			return nil
		})
		if err != nil && ctx.Err() == nil {
			_ = level.Error(logger).Log("msg", "failed to record finalized print job", "jobId", job.ID, "err", err)
		}
	}
}
