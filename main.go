package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/MatthiasValvekens/bench-orchestrator/adapter"
	"github.com/MatthiasValvekens/bench-orchestrator/bus"
	"github.com/MatthiasValvekens/bench-orchestrator/config"
	"github.com/MatthiasValvekens/bench-orchestrator/device"
	"github.com/MatthiasValvekens/bench-orchestrator/device/atlona"
	"github.com/MatthiasValvekens/bench-orchestrator/device/cfimager"
	"github.com/MatthiasValvekens/bench-orchestrator/device/frontpanel"
	"github.com/MatthiasValvekens/bench-orchestrator/device/keyboard"
	"github.com/MatthiasValvekens/bench-orchestrator/device/mouse"
	"github.com/MatthiasValvekens/bench-orchestrator/device/powermeter"
	"github.com/MatthiasValvekens/bench-orchestrator/device/printer"
	"github.com/MatthiasValvekens/bench-orchestrator/discovery"
	"github.com/MatthiasValvekens/bench-orchestrator/sheets"
	"github.com/MatthiasValvekens/bench-orchestrator/state"
	"github.com/MatthiasValvekens/bench-orchestrator/ws"
)

const (
	logLevelDebug = "debug"
	logLevelWarn  = "warn"
	logLevelError = "error"
)

func newLogger(minLevel string) log.Logger {
	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	switch minLevel {
	case logLevelDebug:
		logger = level.NewFilter(logger, level.AllowDebug())
	case logLevelWarn:
		logger = level.NewFilter(logger, level.AllowWarn())
	case logLevelError:
		logger = level.NewFilter(logger, level.AllowError())
	default:
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}

// Main is the principal entry point, wrapped only by main() below.
func Main() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	logger := newLogger(cfg.LogLevelMin)
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	st := state.New(log.With(logger, "component", "state"), reg)
	st.Seed(func(initial *state.AppState) {
		initial.ServerConfig = state.ServerConfig{
			HeartbeatIntervalMs: cfg.WSHeartbeatIntervalMs,
			LogCapacity:         cfg.ClientLogsCapacity,
		}
	})
	b := bus.New(log.With(logger, "component", "bus"), reg)
	discoverySvc := discovery.New(log.With(logger, "component", "discovery"), reg)

	// Startup fan-out: independent one-shot setup steps that must all
	// succeed before any device or HTTP traffic is let in. Unlike the
	// run.Group below (which owns the long-lived process lifecycle),
	// this is a bounded set of steps with a natural fail-fast barrier,
	// so errgroup is the better fit for it.
	var eg errgroup.Group
	eg.Go(func() error { return registerBusSchemas(b) })
	if err := eg.Wait(); err != nil {
		return errors.Wrap(err, "startup wiring failed")
	}

	mouseDrv := mouse.New(mouse.Config{}, log.With(logger, "component", "device", "kind", "ps2-mouse"))
	keyboardDrv := keyboard.New(log.With(logger, "component", "device", "kind", "ps2-keyboard"))
	frontPanelDrv := frontpanel.New(b, log.With(logger, "component", "device", "kind", "front-panel"))
	atlonaDrv := atlona.New(atlona.Config{
		BackoffBase: time.Duration(cfg.AtlonaReconnectBaseMs) * time.Millisecond,
		BackoffMax:  time.Duration(cfg.AtlonaReconnectMaxMs) * time.Millisecond,
	}, log.With(logger, "component", "device", "kind", "atlona"))
	powerMeterDrv := powermeter.New(log.With(logger, "component", "device", "kind", "power-meter"))
	cfImagerDrv := cfimager.New(noopCFExecutor{}, log.With(logger, "component", "device", "kind", "cf-imager"))

	wireHostPowerOff(b, mouseDrv, keyboardDrv, log.With(logger, "component", "bus-subscriber"))

	var g run.Group
	ctx, cancel := context.WithCancel(context.Background())

	printerDrv := printer.New(
		printer.Config{IdleFlushMs: cfg.SerialPrinterIdleFlushMs, HistoryCap: cfg.SerialPrinterHistoryLimit},
		adapter.PrinterJobCallback(ctx, st, log.With(logger, "component", "adapter", "kind", "serial-printer")),
		log.With(logger, "component", "device", "kind", "serial-printer"),
	)

	g.Add(func() error { return st.Run(ctx) }, func(error) { cancel() })

	addBlocking(&g, func(ctx context.Context) error { return adapter.RunMouse(ctx, st, mouseDrv, logger) })
	addBlocking(&g, func(ctx context.Context) error { return adapter.RunKeyboard(ctx, st, keyboardDrv, logger) })
	addBlocking(&g, func(ctx context.Context) error { return adapter.RunFrontPanel(ctx, st, frontPanelDrv, logger) })
	addBlocking(&g, func(ctx context.Context) error { return adapter.RunAtlona(ctx, st, atlonaDrv, logger) })
	addBlocking(&g, func(ctx context.Context) error { return adapter.RunPowerMeter(ctx, st, powerMeterDrv, logger) })
	addBlocking(&g, func(ctx context.Context) error { return adapter.RunCFImager(ctx, st, cfImagerDrv, logger) })
	addBlocking(&g, func(ctx context.Context) error { return adapter.RunPrinter(ctx, st, printerDrv, logger) })

	sessions := buildSessions(mouseDrv, keyboardDrv, frontPanelDrv, atlonaDrv, powerMeterDrv, cfImagerDrv, printerDrv)
	sm := newSessionManager(log.With(logger, "component", "session"), discoverySvc, sessions)

	g.Add(func() error {
		if err := discoverySvc.Start(ctx, toMatcherPtrs(cfg.Matchers), discovery.IdentifyConfig{LineEnding: "\n"}, cfg.RescanInterval()); err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	}, func(error) { discoverySvc.Stop() })

	g.Add(func() error { return sm.Run(ctx) }, func(error) { cancel() })

	sheetsLogger := log.With(logger, "component", "sheets")
	sheetsHost := sheets.NewHost(sheets.HostConfig{
		Blocking:   sheets.PoolConfig{Size: 1, WorkerURL: cfg.SheetsWorkerURL},
		Background: sheets.PoolConfig{Size: 2, WorkerURL: cfg.SheetsWorkerURL, MaxPending: cfg.SheetsMaxPending, Timeout: time.Duration(cfg.SheetsTimeoutMs) * time.Millisecond},
		LockMode:   sheets.LockMode(cfg.SheetsLockMode),
		Auth:       sheets.AuthStrategy(cfg.SheetsAuthStrategy),
		OnWorkerInit: func(ctx context.Context, init sheets.InitConfig) error {
			_ = level.Debug(sheetsLogger).Log("msg", "sheets worker initialized", "dryRun", init.DryRun)
			return nil
		},
	}, nil, sheetsLogger, reg)
	g.Add(func() error {
		if err := sheetsHost.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	}, func(error) { sheetsHost.Shutdown(5 * time.Second) })

	cmdRouter := ws.NewCommandRouter(log.With(logger, "component", "ws-router"))
	registerMouseCommands(cmdRouter, mouseDrv)
	registerKeyboardCommands(cmdRouter, keyboardDrv)
	registerAtlonaCommands(cmdRouter, atlonaDrv)
	registerFrontPanelCommands(cmdRouter, frontPanelDrv)
	registerCFImagerCommands(cmdRouter, cfImagerDrv)

	hub := ws.NewHub(st, cmdRouter,
		ws.NewLogFilter(cfg.LogChannelAllowlist, cfg.LogLevelMin, cfg.LogRedactPattern),
		ws.Config{HeartbeatInterval: cfg.WSHeartbeatInterval(), LogCapacity: cfg.ClientLogsCapacity},
		log.With(logger, "component", "ws-hub"), reg)
	g.Add(func() error { return hub.Run(ctx) }, func(error) { cancel() })

	httpRouter := ws.NewRouter(hub, ws.ServerConfig{
		LogIngestToken: cfg.LogIngestToken,
		SidecarHost:    cfg.SidecarHost,
		SidecarPort:    cfg.SidecarPort,
	}, log.With(logger, "component", "ws-server"), reg)

	l, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", cfg.ListenAddr)
	}
	g.Add(func() error {
		if err := http.Serve(l, httpRouter); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server exited unexpectedly: %v", err)
		}
		return nil
	}, func(error) { _ = l.Close() })

	{
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)
		stop := make(chan struct{})
		g.Add(func() error {
			select {
			case <-term:
				_ = logger.Log("msg", "caught interrupt, shutting down")
			case <-stop:
			}
			return nil
		}, func(error) { close(stop) })
	}

	return g.Run()
}

// addBlocking registers a cancellable run.Group actor for one
// long-lived adapter loop: each actor gets its own derived context so an
// early failure in one doesn't race the others' cleanup.
func addBlocking(g *run.Group, runFn func(ctx context.Context) error) {
	ctx, cancel := context.WithCancel(context.Background())
	g.Add(func() error { return runFn(ctx) }, func(error) { cancel() })
}

func toMatcherPtrs(ms []discovery.Matcher) []*discovery.Matcher {
	out := make([]*discovery.Matcher, len(ms))
	for i := range ms {
		out[i] = &ms[i]
	}
	return out
}

func registerBusSchemas(b *bus.Bus) error {
	b.MarkSafetyCritical(frontpanel.TopicPowerChanged)
	return b.Register(frontpanel.TopicPowerChanged, 1, func(payload interface{}) error {
		m, ok := payload.(map[string]interface{})
		if !ok {
			return errors.Newf("%s payload must be an object", frontpanel.TopicPowerChanged)
		}
		state, ok := m["state"].(string)
		if !ok || (state != frontpanel.PowerOn && state != frontpanel.PowerOff && state != frontpanel.PowerUnknown) {
			return errors.Newf("%s: invalid state %v", frontpanel.TopicPowerChanged, m["state"])
		}
		return nil
	})
}

// wireHostPowerOff subscribes to frontpanel.power.changed and propagates
// power transitions to the mouse and keyboard drivers: power=off cancels
// their queued work, clears motion state, and holds a precondition under
// which new submissions resolve immediately as cancelled; power=on
// clears that precondition.
func wireHostPowerOff(b *bus.Bus, m *mouse.Driver, k *keyboard.Driver, logger log.Logger) {
	_, _ = b.Subscribe(bus.SubscribeOpts{
		Name:     "host-power-off",
		Filter:   bus.Filter{Pattern: frontpanel.TopicPowerChanged},
		Capacity: 8,
		Handler: func(ev bus.Event) error {
			payload, ok := ev.Payload.(map[string]interface{})
			if !ok {
				return nil
			}
			switch payload["state"] {
			case frontpanel.PowerOff:
				m.HandlePowerOff()
				k.HandlePowerOff()
			case frontpanel.PowerOn:
				m.HandlePowerOn()
				k.HandlePowerOn()
			}
			return nil
		},
		OnError: func(ev bus.Event, err error) {
			_ = level.Error(logger).Log("msg", "host-power-off handler failed", "err", err)
		},
	})
}

func buildSessions(
	mouseDrv *mouse.Driver,
	keyboardDrv *keyboard.Driver,
	frontPanelDrv *frontpanel.Driver,
	atlonaDrv *atlona.Driver,
	powerMeterDrv *powermeter.Driver,
	cfImagerDrv *cfimager.Driver,
	printerDrv *printer.Driver,
) []*deviceSession {
	return []*deviceSession{
		{
			kind: "ps2-mouse", base: mouseDrv.Base, baudRate: 9600,
			identifyToken: "MS",
			onLine:        func(string) {},
			runWhileAttached: func(ctx context.Context) {
				go mouseDrv.RunTickLoop(ctx)
				device.RunOperationLoop(ctx, mouseDrv.Base, func(op *device.Operation) device.Result {
					if op.Kind == mouse.OpWheel {
						return mouseDrv.RunWheel(op, op.Payload.(int))
					}
					return mouseDrv.RunClick(op, op.Payload.(int))
				})
			},
		},
		{
			kind: "ps2-keyboard", base: keyboardDrv.Base, baudRate: 9600,
			identifyToken: "KB",
			onLine:        func(string) {},
			runWhileAttached: func(ctx context.Context) {
				device.RunOperationLoop(ctx, keyboardDrv.Base, func(op *device.Operation) device.Result {
					if op.Kind == "keyboard.key.down" {
						return keyboardDrv.RunKeyDown(op, op.Payload.(int))
					}
					return keyboardDrv.RunKeyUp(op, op.Payload.(int))
				})
			},
		},
		{
			kind: "front-panel", base: frontPanelDrv.Base, baudRate: 9600,
			identifyToken: "FP",
			onLine:        frontPanelDrv.HandleLine,
			// Fail the power sense closed to "unknown" on port loss.
			onDetach: frontPanelDrv.OnDisconnect,
			runWhileAttached: func(ctx context.Context) {
				device.RunOperationLoop(ctx, frontPanelDrv.Base, frontPanelDrv.Run)
			},
		},
		{
			kind: "atlona", base: atlonaDrv.Base, baudRate: 9600,
			identifyToken: "AC",
			onLine:        func(string) {},
			runWhileAttached: func(ctx context.Context) {
				device.RunOperationLoop(ctx, atlonaDrv.Base, func(op *device.Operation) device.Result {
					if op.Kind == "atlona.switch.hold" {
						return atlonaDrv.RunHold(op.Payload.(int))
					}
					return atlonaDrv.RunRelease(op.Payload.(int))
				})
			},
		},
		{
			kind: "power-meter", base: powerMeterDrv.Base, baudRate: 9600,
			onLine: powerMeterDrv.HandleLine,
		},
		{
			kind: "cf-imager", base: cfImagerDrv.Base, baudRate: 115200,
			onLine: func(string) {},
			runWhileAttached: func(ctx context.Context) {
				device.RunOperationLoop(ctx, cfImagerDrv.Base, cfImagerDrv.Run)
			},
		},
		{
			kind: "serial-printer", base: printerDrv.Base, baudRate: 9600,
			onBytes: printerDrv.Feed,
			// Finalize whatever is buffered before dropping the port.
			onDetach: func() {
				printerDrv.Close()
				printerDrv.Base.Detach("port closed")
			},
		},
	}
}

// noopCFExecutor is the CF-imager Executor used until a real
// card-access backend is wired in; the imager's low-level filesystem
// protocol depends on the firmware actually deployed on the bench.
type noopCFExecutor struct{}

func (noopCFExecutor) ChangeDir(path string) ([]cfimager.Entry, error) { return nil, nil }
func (noopCFExecutor) CreateFolder(path string) error                  { return nil }
func (noopCFExecutor) Rename(from, to string) error                    { return nil }
func (noopCFExecutor) Move(from, to string) error                      { return nil }
func (noopCFExecutor) Delete(path string) error                        { return nil }
func (noopCFExecutor) ReadImage(path string) ([]byte, error)           { return nil, nil }
func (noopCFExecutor) WriteImage(path string, data []byte) error       { return nil }
func (noopCFExecutor) Search(query string) ([]cfimager.Entry, error)   { return nil, nil }
func (noopCFExecutor) DiskFreeBytes() (int64, error)                   { return 0, nil }

func main() {
	if err := Main(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "execution failed: %v\n", err)
		os.Exit(1)
	}
}
