// Package ws implements the WebSocket fan-out and command router: it
// streams state-store snapshot/patch frames and filtered log entries to
// every connected browser, and routes inbound "<device>.command"
// envelopes to device drivers.
package ws

import "encoding/json"

// FrameType tags outbound/inbound WS frames.
type FrameType string

const (
	FrameWelcome     FrameType = "welcome"
	FrameSnapshot    FrameType = "state.snapshot"
	FramePatch       FrameType = "state.patch"
	FrameLogsHistory FrameType = "logs.history"
	FrameLogsAppend  FrameType = "logs.append"
	FramePong        FrameType = "pong"
	FrameAck         FrameType = "ack"

	FrameHello     FrameType = "hello"
	FramePing      FrameType = "ping"
	FrameSubscribe FrameType = "subscribe"
)

// OutFrame is the envelope written to every outbound WS message.
type OutFrame struct {
	Type    FrameType   `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// InFrame is the envelope parsed from every inbound WS message.
// Device-command frames carry Type == "<device>.command"; Type is
// checked against the well-known inbound constants first, and anything
// else is treated as a command envelope addressed to CommandRouter.
type InFrame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WelcomePayload is sent once per connection on accept.
type WelcomePayload struct {
	ServerTime int64 `json:"serverTime"`
}

// SnapshotPayload is sent on connect, on every commit, and on the 1Hz
// heartbeat.
type SnapshotPayload struct {
	StateVersion uint64      `json:"stateVersion"`
	Data         interface{} `json:"data"`
}

// PatchPayload carries one state-store commit's RFC-6902 ops.
type PatchPayload struct {
	FromVersion uint64      `json:"fromVersion"`
	ToVersion   uint64      `json:"toVersion"`
	Patch       interface{} `json:"patch"`
}

// LogEntry is one log-ingest/log-append record, the same shape the
// sidecar posts to /api/logs/ingest.
type LogEntry struct {
	Ts      int64  `json:"ts"`
	Level   string `json:"level"`
	Channel string `json:"channel"`
	Message string `json:"message"`
}

// PongPayload answers a ping.
type PongPayload struct {
	Ts int64 `json:"ts"`
}

// AckPayload answers a hello.
type AckPayload struct {
	OK bool `json:"ok"`
}
