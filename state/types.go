// Package state implements the single authoritative AppState: a
// versioned snapshot mutated only by device adapters, with every commit
// producing an RFC 6902 JSON-Patch delta against the previous version.
package state

import (
	"encoding/json"
	"time"
)

// Phase is the discrete lifecycle enum shared by every device slice.
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseIdentifying  Phase = "identifying"
	PhaseReady        Phase = "ready"
	PhaseError        Phase = "error"
)

// OperationHistoryCap bounds the per-device retained operation history;
// the oldest entries are dropped first.
const OperationHistoryCap = 50

// ErrorHistoryCap bounds the per-device retained error history.
const ErrorHistoryCap = 20

// OperationRecord is a terminal or in-flight snapshot of a queued
// Operation, as surfaced in DeviceSlice.OperationHistory/CurrentOp.
type OperationRecord struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	RequestedBy string          `json:"requestedBy,omitempty"`
	QueuedAt    time.Time       `json:"queuedAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	FinishedAt  *time.Time      `json:"finishedAt,omitempty"`
	Status      string          `json:"status"` // queued|started|completed|failed|cancelled
	Payload     interface{}     `json:"payload,omitempty"`
	Error       string          `json:"error,omitempty"`
	CancelledBy string          `json:"cancelledBy,omitempty"`
	Extra       json.RawMessage `json:"extra,omitempty"`
}

// ErrorRecord is one entry in a device's bounded error history.
type ErrorRecord struct {
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
}

// BaseSlice carries the fields shared by every device slice.
// Concrete device slices embed this and add their own
// fields (mouse mode/gain, front-panel powerSense, printer history...).
type BaseSlice struct {
	Phase            Phase             `json:"phase"`
	Identified       bool              `json:"identified"`
	DeviceID         string            `json:"deviceId,omitempty"`
	DevicePath       string            `json:"devicePath,omitempty"`
	BaudRate         int               `json:"baudRate,omitempty"`
	Busy             bool              `json:"busy"`
	QueueDepth       int               `json:"queueDepth"`
	CurrentOp        *OperationRecord  `json:"currentOp,omitempty"`
	OperationHistory []OperationRecord `json:"operationHistory"`
	LastError        string            `json:"lastError,omitempty"`
	ErrorHistory     []ErrorRecord     `json:"errorHistory"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// PushOperation appends a terminal/updated operation record to history,
// trimming to OperationHistoryCap from the front (oldest dropped first).
func (b *BaseSlice) PushOperation(rec OperationRecord) {
	b.OperationHistory = append(b.OperationHistory, rec)
	if n := len(b.OperationHistory); n > OperationHistoryCap {
		b.OperationHistory = b.OperationHistory[n-OperationHistoryCap:]
	}
}

// PushError records lastError/errorHistory for this slice.
func (b *BaseSlice) PushError(kind, message string, at time.Time) {
	b.LastError = message
	b.ErrorHistory = append(b.ErrorHistory, ErrorRecord{At: at, Kind: kind, Message: message})
	if n := len(b.ErrorHistory); n > ErrorHistoryCap {
		b.ErrorHistory = b.ErrorHistory[n-ErrorHistoryCap:]
	}
}

// MouseSlice extends BaseSlice with the ps2-mouse specific fields.
type MouseSlice struct {
	BaseSlice
	Mode          string  `json:"mode"` // absolute|relative-gain|relative-accel
	Gain          float64 `json:"gain"`
	Accel         float64 `json:"accel,omitempty"`
	AbsoluteGridX int     `json:"absoluteGridX,omitempty"`
	AbsoluteGridY int     `json:"absoluteGridY,omitempty"`
	ButtonsDown   []int   `json:"buttonsDown"`
}

// KeyboardSlice extends BaseSlice with ps2-keyboard state.
type KeyboardSlice struct {
	BaseSlice
	KeysDown []int `json:"keysDown"`
}

// FrontPanelSlice extends BaseSlice with front-panel sensor/actuator state.
type FrontPanelSlice struct {
	BaseSlice
	PowerSense string `json:"powerSense"` // on|off|unknown
	HDDActive  bool   `json:"hddActive"`
}

// PrintJob is one finalized (or in-flight) receipt-printer job.
type PrintJob struct {
	ID          string     `json:"id"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Raw         string     `json:"raw"`
	Preview     string     `json:"preview"`
}

// PrinterSlice extends BaseSlice with serial-printer job history.
type PrinterSlice struct {
	BaseSlice
	History     []PrintJob `json:"history"`
	RecentJobs  []PrintJob `json:"recentJobs"`
	CurrentJob  *PrintJob  `json:"currentJob,omitempty"`
	TotalJobs   int        `json:"totalJobs"`
}

// SwitchState is the per-switch hold/release state for the Atlona
// video-switch controller.
type SwitchState struct {
	IsHeld bool `json:"isHeld"`
}

// AtlonaSlice extends BaseSlice with switch-controller state.
type AtlonaSlice struct {
	BaseSlice
	Switches map[string]SwitchState `json:"switches"`
}

// PowerMeterSlice extends BaseSlice with power-meter readings.
type PowerMeterSlice struct {
	BaseSlice
	Watts     float64 `json:"watts"`
	Volts     float64 `json:"volts"`
	Amps      float64 `json:"amps"`
	SampleHz  float64 `json:"sampleHz"`
}

// DirEntry is one file/folder entry reported by the CF-card imager.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
}

// CFImagerSlice extends BaseSlice with CF-card-imager browsing state.
type CFImagerSlice struct {
	BaseSlice
	Cwd            string     `json:"cwd"`
	Entries        []DirEntry `json:"entries"`
	DiskFreeBytes  int64      `json:"diskFreeBytes"`
}

// SidecarSlice holds the (out-of-scope) FFmpeg capture sidecar's
// status. No driver owns it and nothing in the server writes it:
// /api/logs/ingest feeds only the WS log stream, so the slice keeps its
// zero value.
type SidecarSlice struct {
	Connected bool      `json:"connected"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Meta carries process-wide metadata unrelated to any single device.
type Meta struct {
	StartedAt time.Time `json:"startedAt"`
	Status    string    `json:"status"`
}

// Layout is an opaque passthrough blob for UI layout preferences; the
// server never interprets it (UI prefs are not
// persisted server-side beyond this raw passthrough placeholder).
type Layout struct {
	Raw json.RawMessage `json:"raw,omitempty"`
}

// ServerConfig is the (read-only, as seen by clients) subset of server
// configuration surfaced in the snapshot for dashboard display.
type ServerConfig struct {
	HeartbeatIntervalMs int `json:"heartbeatIntervalMs"`
	LogCapacity         int `json:"logCapacity"`
}

// AppState is the root entity: a single versioned snapshot.
type AppState struct {
	Version      uint64          `json:"version"`
	Meta         Meta            `json:"meta"`
	Layout       Layout          `json:"layout"`
	ServerConfig ServerConfig    `json:"serverConfig"`
	PowerMeter   PowerMeterSlice `json:"powerMeter"`
	SerialPrinter PrinterSlice   `json:"serialPrinter"`
	AtlonaController AtlonaSlice `json:"atlonaController"`
	PS2Keyboard  KeyboardSlice   `json:"ps2Keyboard"`
	PS2Mouse     MouseSlice      `json:"ps2Mouse"`
	FrontPanel   FrontPanelSlice `json:"frontPanel"`
	CFImager     CFImagerSlice   `json:"cfImager"`
	Sidecar      SidecarSlice    `json:"sidecar"`
}

// Clone returns a deep copy of s via a JSON round trip, which keeps
// the copy consistent with the exact wire representation the patch
// engine diffs against.
func (s *AppState) Clone() *AppState {
	b, err := json.Marshal(s)
	if err != nil {
		// AppState is always JSON-marshalable by construction; a failure
		// here means a programming error, not a runtime condition to
		// recover from.
		panic(err)
	}
	var out AppState
	if err := json.Unmarshal(b, &out); err != nil {
		panic(err)
	}
	return &out
}
