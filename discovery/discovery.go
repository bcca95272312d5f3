package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// EventKind tags the events discovery emits.
type EventKind string

const (
	EventIdentifying EventKind = "device:identifying"
	EventIdentified  EventKind = "device:identified"
	EventLost        EventKind = "device:lost"
	EventError       EventKind = "device:error"
	EventLog         EventKind = "log"
)

// Event is one discovery-emitted event.
type Event struct {
	Kind     EventKind
	ID       string
	Path     string
	VID      string
	PID      string
	Kind_    string // device kind (matcher.Kind), named Kind_ to avoid clash with EventKind
	BaudRate int
	Message  string
}

// Service enumerates serial ports on a rescan interval, classifies each
// against a matcher list, and tracks which paths it currently owns.
type Service struct {
	logger log.Logger
	open   portOpener

	mu       sync.Mutex
	matchers []*Matcher
	claimed  map[string]string // path -> matcher kind, currently claimed
	ownedFDs map[string]serial.Port // path -> FD, only for keepOpenOnStatic
	started  bool

	identifyCfg IdentifyConfig
	rescan      time.Duration

	events chan Event
	stopCh chan struct{}
	wg     sync.WaitGroup

	identifiedTotal prometheus.Counter
	lostTotal       prometheus.Counter
}

// New creates a discovery Service.
func New(logger log.Logger, reg prometheus.Registerer) *Service {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Service{
		logger:   logger,
		open:     serial.Open,
		claimed:  make(map[string]string),
		ownedFDs: make(map[string]serial.Port),
		events:   make(chan Event, 256),
		identifiedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "discovery_identified_total",
			Help: "The number of ports claimed by a matcher.",
		}),
		lostTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "discovery_lost_total",
			Help: "The number of claimed ports that disappeared.",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.identifiedTotal, s.lostTotal)
	}
	return s
}

// Events returns the channel discovery publishes events to. Must be
// drained by the caller (typically wired into the bus/adapters).
func (s *Service) Events() <-chan Event { return s.events }

// Start begins rescanning on rescanInterval. Idempotent: calling Start
// twice is a no-op. The initial scan runs asynchronously — Start returns
// immediately.
func (s *Service) Start(ctx context.Context, matchers []*Matcher, identifyCfg IdentifyConfig, rescanInterval time.Duration) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	for _, m := range matchers {
		if err := m.Compile(); err != nil {
			s.mu.Unlock()
			return errors.Wrap(err, "invalid matcher")
		}
	}
	s.matchers = matchers
	s.identifyCfg = identifyCfg
	s.rescan = rescanInterval
	if s.rescan <= 0 {
		s.rescan = 5 * time.Second
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// TakeOwnedFD hands over a kept-open FD (keepOpenOnStatic matches) to
// the caller, removing it from discovery's bookkeeping so Stop won't
// also try to close it. Returns nil if discovery isn't holding one for
// path (the common case: the driver must re-open the path itself).
func (s *Service) TakeOwnedFD(path string) serial.Port {
	s.mu.Lock()
	defer s.mu.Unlock()
	fd, ok := s.ownedFDs[path]
	if !ok {
		return nil
	}
	delete(s.ownedFDs, path)
	return fd
}

// Stop closes every discovery-owned port and cancels the rescan timer.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopCh)
	for path, fd := range s.ownedFDs {
		_ = fd.Close()
		delete(s.ownedFDs, path)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Service) loop(ctx context.Context) {
	defer s.wg.Done()
	s.rescanOnce()
	t := time.NewTicker(s.rescan)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-t.C:
			s.rescanOnce()
		}
	}
}

func (s *Service) emit(e Event) {
	select {
	case s.events <- e:
	default:
		_ = level.Warn(s.logger).Log("msg", "discovery event dropped, channel full", "kind", e.Kind, "path", e.Path)
	}
}

func (s *Service) log(msg string) {
	_ = level.Debug(s.logger).Log("msg", msg)
	s.emit(Event{Kind: EventLog, Message: msg})
}

// rescanOnce computes the present path set, releases claims on vanished
// paths, and probes only unclaimed paths.
func (s *Service) rescanOnce() {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		s.log("enumerate failed: " + err.Error())
		return
	}

	present := make(map[string]PortInfo, len(ports))
	for _, p := range ports {
		present[p.Name] = PortInfo{
			Path:         p.Name,
			VendorID:     p.VID,
			ProductID:    p.PID,
			SerialNumber: p.SerialNumber,
		}
	}

	s.mu.Lock()
	for path := range s.claimed {
		if _, ok := present[path]; !ok {
			delete(s.claimed, path)
			if fd, ok := s.ownedFDs[path]; ok {
				_ = fd.Close()
				delete(s.ownedFDs, path)
			}
			s.mu.Unlock()
			s.lostTotal.Inc()
			s.emit(Event{Kind: EventLost, Path: path})
			s.mu.Lock()
		}
	}
	claimedSnapshot := make(map[string]bool, len(s.claimed))
	for p := range s.claimed {
		claimedSnapshot[p] = true
	}
	matchers := s.matchers
	s.mu.Unlock()

	for path, info := range present {
		if claimedSnapshot[path] {
			continue
		}
		s.probeAndClaim(info, matchers)
	}
}

func (s *Service) probeAndClaim(port PortInfo, matchers []*Matcher) {
	probe := func(m *Matcher) bool {
		s.emit(Event{Kind: EventIdentifying, Path: port.Path, Kind_: m.Kind})
		ok, err := probeOnce(s.open, port, m, s.identifyCfg)
		if err != nil {
			s.log("probe " + port.Path + ": " + err.Error())
			return false
		}
		return ok
	}

	winner := classify(port, matchers, probe)
	if winner == nil {
		return
	}

	s.mu.Lock()
	s.claimed[port.Path] = winner.Kind
	if winner.isExactStatic(port) && winner.KeepOpenOnStatic {
		if p, err := s.open(port.Path, &serial.Mode{BaudRate: winner.BaudRate}); err == nil {
			s.ownedFDs[port.Path] = p
		}
	}
	s.mu.Unlock()

	s.identifiedTotal.Inc()
	s.emit(Event{
		Kind:     EventIdentified,
		ID:       port.Path,
		Path:     port.Path,
		VID:      port.VendorID,
		PID:      port.ProductID,
		Kind_:    winner.Kind,
		BaudRate: winner.BaudRate,
	})
}
