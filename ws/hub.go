package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/MatthiasValvekens/bench-orchestrator/state"
)

// Config tunes the hub's heartbeat and log history behavior.
type Config struct {
	HeartbeatInterval time.Duration // default 1s (1 Hz heartbeat)
	LogCapacity       int           // default 500
}

func (c Config) heartbeat() time.Duration {
	if c.HeartbeatInterval <= 0 {
		return time.Second
	}
	return c.HeartbeatInterval
}

func (c Config) logCapacity() int {
	if c.LogCapacity <= 0 {
		return 500
	}
	return c.LogCapacity
}

// Hub fans state-store commits and filtered log entries out to every
// connected browser, and routes inbound device commands.
type Hub struct {
	logger log.Logger
	store  *state.Store
	router *CommandRouter
	filter LogFilter
	cfg    Config
	upgrader websocket.Upgrader

	mu          sync.Mutex
	conns       map[*Conn]struct{}
	logHistory  []LogEntry
	unsubscribe func()

	connectedGauge prometheus.Gauge
}

// NewHub constructs a Hub. router may be shared across hubs in tests;
// in production one Hub per process registers one router with every
// device driver's command handler during startup wiring.
func NewHub(store *state.Store, router *CommandRouter, filter LogFilter, cfg Config, logger log.Logger, reg prometheus.Registerer) *Hub {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	h := &Hub{
		logger: logger,
		store:  store,
		router: router,
		filter: filter,
		cfg:    cfg,
		conns:  make(map[*Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		connectedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ws_connected_clients",
			Help: "The number of currently connected WebSocket clients.",
		}),
	}
	if reg != nil {
		reg.MustRegister(h.connectedGauge)
	}
	return h
}

// Run subscribes to the state store and drives the 1Hz heartbeat
// snapshot timer until ctx is cancelled, at which point every open
// connection is terminated and the store subscription is released.
func (h *Hub) Run(ctx context.Context) error {
	h.mu.Lock()
	h.unsubscribe = h.store.Subscribe(h.onCommit)
	h.mu.Unlock()

	t := time.NewTicker(h.cfg.heartbeat())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil
		case <-t.C:
			h.broadcastSnapshot()
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	if h.unsubscribe != nil {
		h.unsubscribe()
		h.unsubscribe = nil
	}
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (h *Hub) onCommit(c state.Commit) {
	// A patch frame is emitted for any commit with ops. Every commit's
	// patch replaces /version, so each commit sends a patch frame
	// followed by a snapshot frame.
	if len(c.Patch) > 0 {
		h.broadcast(OutFrame{Type: FramePatch, Payload: PatchPayload{FromVersion: c.From, ToVersion: c.To, Patch: c.Patch}})
	}
	h.broadcast(OutFrame{Type: FrameSnapshot, Payload: SnapshotPayload{StateVersion: c.To, Data: c.Snapshot}})
}

func (h *Hub) broadcastSnapshot() {
	snap := h.store.GetSnapshot()
	h.broadcast(OutFrame{Type: FrameSnapshot, Payload: SnapshotPayload{StateVersion: snap.Version, Data: snap}})
}

func (h *Hub) broadcast(f OutFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		c.enqueue(f)
	}
}

// ServeWS upgrades an HTTP request to a WebSocket connection, registers
// it, and sends the initial welcome/logs.history/state.snapshot burst.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = level.Warn(h.logger).Log("msg", "ws upgrade failed", "err", err)
		return
	}

	c := newConn(uuid.NewString(), h, wsConn)
	h.connectedGauge.Inc()
	h.mu.Lock()
	h.conns[c] = struct{}{}
	history := make([]LogEntry, len(h.logHistory))
	copy(history, h.logHistory)
	h.mu.Unlock()

	go c.writeLoop()
	c.enqueue(OutFrame{Type: FrameWelcome, Payload: WelcomePayload{ServerTime: time.Now().UnixMilli()}})
	c.enqueue(OutFrame{Type: FrameLogsHistory, Payload: history})
	snap := h.store.GetSnapshot()
	c.enqueue(OutFrame{Type: FrameSnapshot, Payload: SnapshotPayload{StateVersion: snap.Version, Data: snap}})
	go c.readLoop()
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	_, present := h.conns[c]
	delete(h.conns, c)
	h.mu.Unlock()
	if present {
		h.connectedGauge.Dec()
	}
}

// IngestLog drops entry unless it passes the configured LogFilter;
// otherwise it redacts the message, appends it to the bounded history
// sent to new connections, and broadcasts it live to every connection
// as a logs.append frame.
func (h *Hub) IngestLog(entry LogEntry) {
	if !h.filter.Allows(entry.Channel, entry.Level) {
		return
	}
	entry.Message = h.filter.Redact(entry.Message)

	h.mu.Lock()
	h.logHistory = append(h.logHistory, entry)
	if over := len(h.logHistory) - h.cfg.logCapacity(); over > 0 {
		h.logHistory = h.logHistory[over:]
	}
	h.mu.Unlock()

	h.broadcast(OutFrame{Type: FrameLogsAppend, Payload: entry})
}

func (h *Hub) handleInbound(c *Conn, in InFrame) {
	switch in.Type {
	case FrameHello:
		c.enqueue(OutFrame{Type: FrameAck, Payload: AckPayload{OK: true}})
	case FramePing:
		c.enqueue(OutFrame{Type: FramePong, Payload: PongPayload{Ts: time.Now().UnixMilli()}})
	case FrameSubscribe:
		// Subscriptions are implicit: every connection already receives
		// the full snapshot/patch/log stream.
	default:
		h.router.Dispatch(string(in.Type), in.Payload, c.id)
	}
}
