package sheets

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/MatthiasValvekens/bench-orchestrator/apperr"
)

// AuthStrategy selects how credential warmup happens at startup.
type AuthStrategy string

const (
	AuthNone   AuthStrategy = "none"
	AuthWarmup AuthStrategy = "warmup"
	AuthStrict AuthStrategy = "strict"
)

// Mode selects which pool a task runs on.
type Mode string

const (
	ModeBlocking   Mode = "blocking"
	ModeBackground Mode = "background"
)

// InitConfig is the per-worker init message delivered on creation:
// credentials plus the dry-run flag.
type InitConfig struct {
	Credentials string
	DryRun      bool
}

// HostConfig configures a Host.
type HostConfig struct {
	Blocking   PoolConfig
	Background PoolConfig
	LockMode   LockMode
	Auth       AuthStrategy
	Init       InitConfig

	// OnWorkerInit receives the init broadcast, once per worker per
	// pool. Nil skips the broadcast (tests, dry construction).
	OnWorkerInit func(ctx context.Context, init InitConfig) error
}

// Stats is the snapshot returned by Host.Stats().
type Stats struct {
	Blocking   PoolStats
	Background PoolStats
	WarmupOK   bool
	WarmupErr  string
}

// Host isolates spreadsheet I/O from the main event loop behind two
// worker pools and a configurable lock discipline.
type Host struct {
	logger log.Logger
	cfg    HostConfig
	locker Locker

	blocking   *Pool
	background *Pool

	mu        sync.Mutex
	warmupOK  bool
	warmupErr error

	authFn func(ctx context.Context) error

	execTotal *prometheus.CounterVec
}

// NewHost constructs a Host. authFn performs the credential warmup call;
// it may be nil when cfg.Auth == AuthNone.
func NewHost(cfg HostConfig, authFn func(ctx context.Context) error, logger log.Logger, reg prometheus.Registerer) *Host {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	h := &Host{
		logger:     logger,
		cfg:        cfg,
		locker:     NewLocker(cfg.LockMode),
		blocking:   NewPool(cfg.Blocking),
		background: NewPool(cfg.Background),
		authFn:     authFn,
		execTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sheets_exec_total",
			Help: "The number of sheets tasks executed, by mode.",
		}, []string{"mode"}),
	}
	if reg != nil {
		reg.MustRegister(h.execTotal)
	}
	return h
}

// Start delivers the init broadcast to every worker in both pools, then
// performs the configured auth warmup. For AuthStrict, a warmup failure
// aborts start and is returned; for AuthWarmup, it is fired-and-
// forgotten and only logged; for AuthNone, no warmup happens at all.
func (h *Host) Start(ctx context.Context) error {
	if h.cfg.OnWorkerInit != nil {
		initFn := func(ctx context.Context) error { return h.cfg.OnWorkerInit(ctx, h.cfg.Init) }
		if err := h.blocking.Broadcast(ctx, initFn); err != nil {
			_ = level.Warn(h.logger).Log("msg", "sheets blocking-pool init broadcast failed", "err", err)
		}
		if err := h.background.Broadcast(ctx, initFn); err != nil {
			_ = level.Warn(h.logger).Log("msg", "sheets background-pool init broadcast failed", "err", err)
		}
	}

	switch h.cfg.Auth {
	case AuthStrict:
		if err := h.runWarmup(ctx); err != nil {
			return apperr.Wrap(apperr.Fatal, err, "sheets strict auth warmup failed")
		}
		return nil
	case AuthWarmup:
		go func() {
			if err := h.runWarmup(context.Background()); err != nil {
				_ = level.Warn(h.logger).Log("msg", "sheets auth warmup failed (non-fatal)", "err", err)
			}
		}()
		return nil
	default:
		return nil
	}
}

func (h *Host) runWarmup(ctx context.Context) error {
	var err error
	if h.authFn != nil {
		err = h.authFn(ctx)
	}
	h.mu.Lock()
	h.warmupOK = err == nil
	h.warmupErr = err
	h.mu.Unlock()
	return err
}

// AuthWarmupNow runs the warmup synchronously regardless of strategy,
// for operators who want to retry after a failure.
func (h *Host) AuthWarmupNow(ctx context.Context) error {
	return h.runWarmup(ctx)
}

// Exec runs fn on the pool selected by mode, observing the configured
// lock discipline. Under
// serializeAll every request, background included, runs on the blocking
// pool behind the process-wide mutex.
func (h *Host) Exec(ctx context.Context, mode Mode, fn Task) (interface{}, error) {
	h.execTotal.WithLabelValues(string(mode)).Inc()
	if h.cfg.LockMode == LockSerializeAll {
		release, err := h.locker.AcquireBlocking(ctx)
		if err != nil {
			return nil, err
		}
		defer release()
		return h.blocking.Exec(ctx, fn)
	}

	switch mode {
	case ModeBlocking:
		// Quiesce the background pool before taking exclusive
		// ownership.
		if h.cfg.LockMode == LockExclusiveBarrier {
			if err := h.background.Drain(ctx); err != nil {
				return nil, err
			}
		}
		release, err := h.locker.AcquireBlocking(ctx)
		if err != nil {
			return nil, err
		}
		defer release()
		return h.blocking.Exec(ctx, fn)
	default:
		release, err := h.locker.AcquireBackground(ctx)
		if err != nil {
			return nil, err
		}
		defer release()
		return h.background.Exec(ctx, fn)
	}
}

// HealthySnapshot reports whether the host is currently usable: auth
// strategies other than strict are always considered healthy; strict
// requires a successful warmup.
func (h *Host) HealthySnapshot() bool {
	if h.cfg.Auth != AuthStrict {
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.warmupOK
}

// Stats returns a point-in-time snapshot of pool occupancy and warmup
// state.
func (h *Host) Stats() Stats {
	h.mu.Lock()
	warmupOK, warmupErr := h.warmupOK, h.warmupErr
	h.mu.Unlock()
	s := Stats{Blocking: h.blocking.Stats(), Background: h.background.Stats(), WarmupOK: warmupOK}
	if warmupErr != nil {
		s.WarmupErr = warmupErr.Error()
	}
	return s
}

// Shutdown closes background then blocking, ignoring errors.
// Each pool stops accepting work, then in-flight tasks get up to grace
// to finish.
func (h *Host) Shutdown(grace time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	h.background.Close()
	_ = h.background.Drain(ctx)
	h.blocking.Close()
	_ = h.blocking.Drain(ctx)
}
