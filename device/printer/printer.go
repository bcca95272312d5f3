// Package printer implements the serial-printer driver: a
// byte-oriented stream where idleFlushMs of silence defines a job
// boundary. It is not line-oriented like the other drivers — jobs may
// span partial lines, and an in-flight port close finalizes whatever is
// buffered rather than dropping it.
package printer

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"

	"github.com/MatthiasValvekens/bench-orchestrator/device"
)

// Job is one finalized print job, as mirrored into the printer slice's
// history.
type Job struct {
	ID          string
	CreatedAt   time.Time
	CompletedAt time.Time
	Raw         string
	Preview     string
}

const previewLen = 120

// Config tunes idle-flush timing.
type Config struct {
	IdleFlushMs int // default 500
	LineEnding  string // default "\n"; raw bytes are normalized to this before finalizing
	HistoryCap  int // default 50
}

func (c Config) idleFlush() time.Duration {
	if c.IdleFlushMs <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.IdleFlushMs) * time.Millisecond
}

func (c Config) lineEnding() string {
	if c.LineEnding == "" {
		return "\n"
	}
	return c.LineEnding
}

func (c Config) historyCap() int {
	if c.HistoryCap <= 0 {
		return 50
	}
	return c.HistoryCap
}

// Driver is the serial-printer driver. Job finalization is driven by an
// idle timer that callers reset on every byte received (Feed) and that
// fires Flush after idleFlushMs of silence.
type Driver struct {
	*device.Base
	cfg Config

	mu         sync.Mutex
	buf        strings.Builder
	jobStarted time.Time
	timer      *time.Timer

	onJobCompleted func(Job)
	totalJobs      int
}

// New constructs a Driver. onJobCompleted is invoked whenever a job
// finalizes: from the idle timer (off the Feed goroutine's call stack),
// or from the caller of Close when Close finalizes a buffered job. It is
// typically wired to push a state-store mutation.
func New(cfg Config, onJobCompleted func(Job), logger log.Logger) *Driver {
	return &Driver{
		Base:           device.NewBase(device.Config{Kind: "serial-printer"}, logger),
		cfg:            cfg,
		onJobCompleted: onJobCompleted,
	}
}

// Feed appends received bytes to the current job buffer and (re)arms the
// idle-flush timer. Call this from the driver's read loop for every read.
func (d *Driver) Feed(data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.buf.Len() == 0 {
		d.jobStarted = time.Now()
	}
	d.buf.Write(data)
	d.armTimerLocked()
}

func (d *Driver) armTimerLocked() {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.cfg.idleFlush(), d.flushFromTimer)
}

func (d *Driver) flushFromTimer() {
	d.mu.Lock()
	job, ok := d.finalizeLocked()
	d.mu.Unlock()
	if ok && d.onJobCompleted != nil {
		d.onJobCompleted(job)
	}
}

// finalizeLocked builds a Job from the current buffer and resets it.
// Caller must hold d.mu.
func (d *Driver) finalizeLocked() (Job, bool) {
	if d.buf.Len() == 0 {
		return Job{}, false
	}
	raw := normalize(d.buf.String(), d.cfg.lineEnding())
	d.buf.Reset()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.totalJobs++
	job := Job{
		ID:          randomID(),
		CreatedAt:   d.jobStarted,
		CompletedAt: time.Now(),
		Raw:         raw,
		Preview:     preview(raw),
	}
	return job, true
}

// Close finalizes whatever is currently buffered rather than dropping
// it, covering ports that vanish mid-job.
func (d *Driver) Close() {
	d.mu.Lock()
	job, ok := d.finalizeLocked()
	d.mu.Unlock()
	if ok && d.onJobCompleted != nil {
		d.onJobCompleted(job)
	}
}

// TotalJobs returns the number of jobs finalized so far.
func (d *Driver) TotalJobs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalJobs
}

func normalize(raw, eol string) string {
	if eol == "\n" {
		return strings.ReplaceAll(raw, "\r\n", "\n")
	}
	return strings.ReplaceAll(strings.ReplaceAll(raw, "\r\n", "\n"), "\n", eol)
}

func preview(raw string) string {
	if len(raw) <= previewLen {
		return raw
	}
	return raw[:previewLen]
}

var idCounter struct {
	sync.Mutex
	n uint64
}

// randomID is a monotonic, process-local job id. Jobs don't need
// globally unique ids across restarts (state is process-memory only),
// just uniqueness within the run.
func randomID() string {
	idCounter.Lock()
	idCounter.n++
	n := idCounter.n
	idCounter.Unlock()
	return "job-" + strconv.FormatUint(n, 10)
}
