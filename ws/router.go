package ws

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// CommandHandler executes one inbound "<device>.command" envelope.
type CommandHandler func(payload json.RawMessage, requestedBy string) error

// CommandRouter resolves a "<device>.command" frame type to the handler
// registered for that device. Unknown commands log a warning but never
// close the socket.
type CommandRouter struct {
	logger log.Logger

	mu       sync.RWMutex
	handlers map[string]CommandHandler
}

// NewCommandRouter constructs an empty router.
func NewCommandRouter(logger log.Logger) *CommandRouter {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &CommandRouter{logger: logger, handlers: make(map[string]CommandHandler)}
}

// Register binds a device kind (e.g. "mouse") to its command handler.
func (r *CommandRouter) Register(device string, h CommandHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[device] = h
}

// deviceOf extracts "mouse" from the frame type "mouse.command".
func deviceOf(frameType string) (string, bool) {
	device, cmd, ok := strings.Cut(frameType, ".")
	if !ok || cmd != "command" {
		return "", false
	}
	return device, true
}

// Dispatch routes one inbound frame. It never returns an error to the
// caller that would justify closing the socket; all outcomes are
// logged and swallowed.
func (r *CommandRouter) Dispatch(frameType string, payload json.RawMessage, requestedBy string) {
	device, ok := deviceOf(frameType)
	if !ok {
		_ = level.Warn(r.logger).Log("msg", "unrecognized inbound frame type", "type", frameType)
		return
	}
	r.mu.RLock()
	h, ok := r.handlers[device]
	r.mu.RUnlock()
	if !ok {
		_ = level.Warn(r.logger).Log("msg", "no command handler registered for device", "device", device)
		return
	}
	if err := h(payload, requestedBy); err != nil {
		_ = level.Warn(r.logger).Log("msg", "command handler failed", "device", device, "err", err)
	}
}
