package main

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.bug.st/serial"

	"github.com/MatthiasValvekens/bench-orchestrator/device"
	"github.com/MatthiasValvekens/bench-orchestrator/discovery"
)

// deviceSession binds one matcher kind to the driver that should own any
// port discovery identifies as that kind: discovery releases its FD and
// the driver re-opens the path exclusively. Exactly one port is attached
// per kind at a time, mirroring the bench having one physical instance
// of each device.
type deviceSession struct {
	kind     string
	base     *device.Base
	baudRate int // fallback when the winning matcher didn't set one

	// identifyToken, when set, makes the session run the driver-side
	// identification handshake (write "identify", expect this token,
	// confirm with "identify_complete") before the driver is marked
	// ready. Empty means the open itself is sufficient (static matches,
	// byte-oriented devices).
	identifyToken   string
	identifyTimeout time.Duration

	// exactly one of onLine/onBytes is set, selecting whether the read
	// loop is newline-delimited or raw-chunked (the printer driver is
	// byte-oriented; every other driver is line-oriented).
	onLine  func(line string)
	onBytes func(data []byte)
	// onDetach, when set, replaces the default base.Detach on port loss
	// (the front panel fails its power sense closed to "unknown"; the
	// printer finalizes the buffered job first).
	onDetach func()
	// runWhileAttached starts any concurrent loop the driver needs for
	// as long as the port stays open (the operation-execution loop for
	// queued drivers, the tick loop for the mouse). Returns when ctx
	// (scoped to the attachment) is cancelled.
	runWhileAttached func(ctx context.Context)
}

func (s *deviceSession) detachDriver(reason string) {
	if s.onDetach != nil {
		s.onDetach()
		return
	}
	s.base.Detach(reason)
}

// sessionManager dispatches discovery events to the matching session and
// enforces the single-attachment-per-kind invariant.
type sessionManager struct {
	logger   log.Logger
	svc      *discovery.Service
	sessions map[string]*deviceSession

	mu      sync.Mutex
	current map[string]func() // kind -> cancel func for its active attachment
}

func newSessionManager(logger log.Logger, svc *discovery.Service, sessions []*deviceSession) *sessionManager {
	byKind := make(map[string]*deviceSession, len(sessions))
	for _, s := range sessions {
		byKind[s.kind] = s
	}
	return &sessionManager{
		logger:   logger,
		svc:      svc,
		sessions: byKind,
		current:  make(map[string]func()),
	}
}

// Run drains discovery events until ctx is cancelled, attaching/detaching
// drivers as ports come and go.
func (m *sessionManager) Run(ctx context.Context) error {
	events := m.svc.Events()
	for {
		select {
		case <-ctx.Done():
			m.detachAll()
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			m.handle(ctx, ev)
		}
	}
}

func (m *sessionManager) handle(ctx context.Context, ev discovery.Event) {
	switch ev.Kind {
	case discovery.EventIdentified:
		s, ok := m.sessions[ev.Kind_]
		if !ok {
			return
		}
		m.mu.Lock()
		if _, attached := m.current[ev.Kind_]; attached {
			m.mu.Unlock()
			return
		}
		attachCtx, cancel := context.WithCancel(ctx)
		m.current[ev.Kind_] = cancel
		m.mu.Unlock()
		go m.attach(attachCtx, s, ev)
	case discovery.EventLost:
		m.detachByPath(ev.Path)
	}
}

func (m *sessionManager) detach(kind string) {
	m.mu.Lock()
	cancel, ok := m.current[kind]
	if ok {
		delete(m.current, kind)
	}
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

func (m *sessionManager) detachByPath(path string) {
	for kind, s := range m.sessions {
		if s.base.Path() == path {
			m.detach(kind)
		}
	}
}

func (m *sessionManager) detachAll() {
	m.mu.Lock()
	cancels := make([]func(), 0, len(m.current))
	for kind, cancel := range m.current {
		cancels = append(cancels, cancel)
		delete(m.current, kind)
	}
	m.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (m *sessionManager) attach(ctx context.Context, s *deviceSession, ev discovery.Event) {
	defer m.detach(s.kind)

	var port io.ReadWriteCloser
	if fd := m.svc.TakeOwnedFD(ev.Path); fd != nil {
		port = fd
	} else {
		baud := ev.BaudRate
		if baud == 0 {
			baud = s.baudRate
		}
		p, err := serial.Open(ev.Path, &serial.Mode{BaudRate: baud})
		if err != nil {
			_ = level.Warn(m.logger).Log("msg", "failed to open identified port", "kind", s.kind, "path", ev.Path, "err", err)
			return
		}
		port = p
	}

	s.base.Attach(ev.Path, port, port)

	if s.onBytes != nil {
		// Byte-oriented devices skip the handshake; the open is the whole
		// identification.
		s.base.Ready()
		m.runAttached(ctx, s, func(done chan<- error) {
			go m.readBytes(s, port, done)
		})
		return
	}

	lines := make(chan string, 64)
	readErr := make(chan error, 1)
	go m.readLines(port, lines, readErr)

	if s.identifyToken != "" {
		if err := device.Identify(lines, s.base.Chain(), s.base.EOL(), s.identifyToken, s.identifyTimeout); err != nil {
			_ = level.Warn(m.logger).Log("msg", "device identification failed", "kind", s.kind, "path", ev.Path, "err", err)
			s.detachDriver("identify failed")
			// Unblock the reader goroutine so it can observe the closed
			// port and exit.
			go func() {
				for range lines {
				}
			}()
			return
		}
	}
	s.base.Ready()

	m.runAttached(ctx, s, func(done chan<- error) {
		go func() {
			for line := range lines {
				s.onLine(line)
			}
			done <- <-readErr
		}()
	})
}

// runAttached starts the session's concurrent loop (if any) and the read
// pump, then blocks until the attachment context is cancelled or the
// read side fails, detaching the driver on the way out.
func (m *sessionManager) runAttached(ctx context.Context, s *deviceSession, startRead func(done chan<- error)) {
	var wg sync.WaitGroup
	if s.runWhileAttached != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runWhileAttached(ctx)
		}()
	}

	done := make(chan error, 1)
	startRead(done)

	select {
	case <-ctx.Done():
	case err := <-done:
		if err != nil && !errors.Is(err, io.EOF) {
			_ = level.Warn(m.logger).Log("msg", "device read loop ended", "kind", s.kind, "path", s.base.Path(), "err", err)
		}
	}
	s.detachDriver("port closed")
	wg.Wait()
}

// readLines pumps newline-delimited input into lines until the port
// closes, then closes lines and reports the scan error.
func (m *sessionManager) readLines(r io.Reader, lines chan<- string, readErr chan<- error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
	readErr <- scanner.Err()
	close(lines)
}

// readBytes pumps raw chunks into the session's onBytes callback until
// the port closes.
func (m *sessionManager) readBytes(s *deviceSession, r io.Reader, done chan<- error) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.onBytes(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			done <- err
			return
		}
	}
}
