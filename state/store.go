package state

import (
	"context"
	"sync"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

// SliceKey names one of AppState's top-level device slices, used by
// Store.Set / Store.SubscribeSlice.
type SliceKey string

const (
	SlicePowerMeter        SliceKey = "powerMeter"
	SliceSerialPrinter     SliceKey = "serialPrinter"
	SliceAtlonaController  SliceKey = "atlonaController"
	SlicePS2Keyboard       SliceKey = "ps2Keyboard"
	SlicePS2Mouse          SliceKey = "ps2Mouse"
	SliceFrontPanel        SliceKey = "frontPanel"
	SliceCFImager          SliceKey = "cfImager"
	SliceSidecar           SliceKey = "sidecar"
	SliceMeta              SliceKey = "meta"
	SliceLayout            SliceKey = "layout"
	SliceServerConfig      SliceKey = "serverConfig"
)

// Commit is published on every successful mutation: a patch (possibly
// empty) plus the full resulting snapshot, matching the wire contract
// of state.patch/state.snapshot frames.
type Commit struct {
	From    uint64
	To      uint64
	Patch   Patch
	Snapshot *AppState
}

// sliceSub is a subscription filtered to one top-level key.
type sliceSub struct {
	key SliceKey
	cb  func(Commit)
}

// Store is the single authoritative AppState instance. All
// mutation happens on one command-processing goroutine (cmds channel),
// so there is a single writer. Readers call Peek/GetSnapshot, which read
// the current pointer under mu's read lock; commit swaps it under the
// write lock.
type Store struct {
	logger log.Logger

	mu      sync.RWMutex // guards current; subMu guards the subscriber lists
	current *AppState

	subMu     sync.Mutex
	nextSubID int
	subs      map[int]func(Commit)
	sliceSubs map[int]sliceSub

	cmds chan func()
	done chan struct{}

	commitsTotal prometheus.Counter
}

// New creates a Store seeded with an empty AppState at version 0.
func New(logger log.Logger, reg prometheus.Registerer) *Store {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	now := time.Now()
	initial := &AppState{
		Version: 0,
		Meta:    Meta{StartedAt: now, Status: "starting"},
	}
	initial.PS2Mouse.ButtonsDown = []int{}
	initial.PS2Keyboard.KeysDown = []int{}
	initial.AtlonaController.Switches = map[string]SwitchState{}
	initial.FrontPanel.PowerSense = "unknown"
	s := &Store{
		logger:    logger,
		current:   initial,
		subs:      make(map[int]func(Commit)),
		sliceSubs: make(map[int]sliceSub),
		cmds:      make(chan func(), 64),
		done:      make(chan struct{}),
		commitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "state_commits_total",
			Help: "The number of state-store commits.",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.commitsTotal)
	}
	return s
}

// Seed mutates the initial state in place, before Run starts processing
// commands. No version bump, no events: this is for startup wiring that
// wants the very first snapshot clients see to already carry static
// config (serverConfig, meta). Must not be called once Run is live.
func (s *Store) Seed(fn func(initial *AppState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.current)
}

// Run drives the store's single command-processing goroutine until ctx
// is cancelled. Must be added to the process's run.Group.
func (s *Store) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			close(s.done)
			return nil
		case fn := <-s.cmds:
			fn()
		}
	}
}

// Close does nothing and does not stop Set from queueing commands;
// command processing ends when the ctx passed to Run is cancelled.
func (s *Store) Close() {}

// GetSnapshot returns a deep clone of the current state, safe for the
// caller to mutate freely.
func (s *Store) GetSnapshot() *AppState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// Peek returns an immutable reference to the current state. Callers
// must not mutate the returned pointer's fields; Go has no freeze
// primitive, so this is a documented convention, not type-enforced.
func (s *Store) Peek() *AppState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// PeekSlice returns the current value of a named slice without cloning
// the whole AppState. Callers must not mutate the result.
func (s *Store) PeekSlice(key SliceKey) interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sliceOf(s.current, key)
}

func sliceOf(st *AppState, key SliceKey) interface{} {
	switch key {
	case SlicePowerMeter:
		return &st.PowerMeter
	case SliceSerialPrinter:
		return &st.SerialPrinter
	case SliceAtlonaController:
		return &st.AtlonaController
	case SlicePS2Keyboard:
		return &st.PS2Keyboard
	case SlicePS2Mouse:
		return &st.PS2Mouse
	case SliceFrontPanel:
		return &st.FrontPanel
	case SliceCFImager:
		return &st.CFImager
	case SliceSidecar:
		return &st.Sidecar
	case SliceMeta:
		return &st.Meta
	case SliceLayout:
		return &st.Layout
	case SliceServerConfig:
		return &st.ServerConfig
	default:
		return nil
	}
}

// Mutator receives a deep clone of the current state to modify in place;
// its return value becomes the next version if no error is returned.
type Mutator func(next *AppState) error

// Set runs fn against a clone of the current state on the store's single
// writer goroutine, commits the result as version+1, and publishes the
// patch/snapshot to subscribers. Version always bumps, even if fn
// produced a value identical to the previous one. The diff is taken
// after the bump, so every patch, that one included, replaces /version
// and is never empty.
func (s *Store) Set(ctx context.Context, fn Mutator) error {
	errCh := make(chan error, 1)
	cmd := func() {
		s.mu.RLock()
		prev := s.current
		s.mu.RUnlock()

		next := prev.Clone()
		if err := fn(next); err != nil {
			errCh <- err
			return
		}
		errCh <- s.commit(prev, next)
	}
	select {
	case s.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReplaceState installs next wholesale as the new version, same commit
// contract as Set.
func (s *Store) ReplaceState(ctx context.Context, next *AppState) error {
	return s.Set(ctx, func(n *AppState) error {
		version := n.Version
		*n = *next.Clone()
		n.Version = version
		return nil
	})
}

func (s *Store) commit(prev, next *AppState) error {
	next.Version = prev.Version + 1

	p, err := diff(prev, next)
	if err != nil {
		return errors.Wrap(err, "diff state")
	}

	s.mu.Lock()
	s.current = next
	s.mu.Unlock()
	s.commitsTotal.Inc()

	c := Commit{From: prev.Version, To: next.Version, Patch: p, Snapshot: next.Clone()}
	s.publish(c)
	_ = level.Debug(s.logger).Log("msg", "state committed", "from", c.From, "to", c.To, "ops", len(p))
	return nil
}

func (s *Store) publish(c Commit) {
	s.subMu.Lock()
	subs := make([]func(Commit), 0, len(s.subs))
	for _, cb := range s.subs {
		subs = append(subs, cb)
	}
	sliceSubs := make([]sliceSub, 0, len(s.sliceSubs))
	for _, ss := range s.sliceSubs {
		sliceSubs = append(sliceSubs, ss)
	}
	s.subMu.Unlock()

	for _, cb := range subs {
		cb(c)
	}
	for _, ss := range sliceSubs {
		filtered := c.Patch.FilterPrefix(string(ss.key))
		if len(filtered) == 0 {
			continue
		}
		ss.cb(Commit{From: c.From, To: c.To, Patch: filtered, Snapshot: c.Snapshot})
	}
}

// Subscribe registers cb to be invoked (synchronously, on the store's
// writer goroutine) after every commit.
func (s *Store) Subscribe(cb func(Commit)) (unsubscribe func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = cb
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

// SubscribeSliceOpts configures SubscribeSlice.
type SubscribeSliceOpts struct {
	EmitInitial bool
}

// SubscribeSlice is a derived subscription filtered to patches touching
// "/"+key. If opts.EmitInitial is set, cb is invoked once
// immediately with the slice's current value wrapped in a synthetic
// zero-length-patch commit.
func (s *Store) SubscribeSlice(key SliceKey, cb func(Commit), opts SubscribeSliceOpts) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.sliceSubs[id] = sliceSub{key: key, cb: cb}
	s.subMu.Unlock()

	if opts.EmitInitial {
		s.mu.RLock()
		snap := s.current.Clone()
		s.mu.RUnlock()
		cb(Commit{From: snap.Version, To: snap.Version, Patch: nil, Snapshot: snap})
	}

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.sliceSubs, id)
	}
}
