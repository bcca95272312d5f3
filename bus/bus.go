// Package bus implements in-process topic pub/sub: pattern-matched
// subscriptions, bounded per-subscriber queues with backpressure
// eviction, and safety-critical schema enforcement for a configured set
// of topics.
package bus

import (
	"sync"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// AttrValue is a bus attribute value, by convention a string, number
// or boolean. Publish does not check the dynamic type.
type AttrValue = interface{}

// Event is the frozen envelope circulated by the bus.
type Event struct {
	Topic         string
	ID            string
	Seq           uint64
	Ts            time.Time
	Source        string
	SchemaVersion int
	Attributes    map[string]AttrValue
	Payload       interface{}
}

// Validator checks a payload against a registered schema version.
type Validator func(payload interface{}) error

type registration struct {
	pattern string
	version int
	check   Validator
}

// Filter selects which envelopes a Subscriber receives: pattern match
// plus attribute equals/exists constraints.
type Filter struct {
	Pattern string
	Equals  map[string]AttrValue
	Exists  []string
}

func (f Filter) matches(e Event) bool {
	if !MatchTopic(f.Pattern, e.Topic) {
		return false
	}
	for k, v := range f.Equals {
		got, ok := e.Attributes[k]
		if !ok || got != v {
			return false
		}
	}
	for _, k := range f.Exists {
		if _, ok := e.Attributes[k]; !ok {
			return false
		}
	}
	return true
}

// Subscriber is an active bus subscription.
type Subscriber struct {
	ID       string
	Name     string
	Filter   Filter
	Capacity int

	bus      *Bus
	queue    chan Event
	active   bool
	draining bool
	mu       sync.Mutex
	handler  func(Event) error
	onErr    func(Event, error)
	onDisabled func(reason string)
}

// Bus is the process-lifetime in-process message bus singleton.
type Bus struct {
	logger log.Logger

	mu              sync.Mutex
	seqByTopic      map[string]uint64
	subs            map[string]*Subscriber
	registrations   []registration
	safetyPatterns  []string

	inFlight sync.WaitGroup

	publishedTotal   prometheus.Counter
	rejectedTotal    prometheus.Counter
	subscribersGauge prometheus.Gauge
}

// New creates an empty Bus.
func New(logger log.Logger, reg prometheus.Registerer) *Bus {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	b := &Bus{
		logger:     logger,
		seqByTopic: make(map[string]uint64),
		subs:       make(map[string]*Subscriber),
		publishedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bus_published_total",
			Help: "The number of events accepted for delivery.",
		}),
		rejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bus_rejected_total",
			Help: "The number of publishes rejected by safety-critical schema validation.",
		}),
		subscribersGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bus_subscribers",
			Help: "The number of active subscribers.",
		}),
	}
	if reg != nil {
		reg.MustRegister(b.publishedTotal, b.rejectedTotal, b.subscribersGauge)
	}
	return b
}

// Register installs a schema validator for the first pattern that
// matches a published topic (declaration order wins on ties).
func (b *Bus) Register(pattern string, schemaVersion int, check Validator) error {
	if err := ValidPattern(pattern); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registrations = append(b.registrations, registration{pattern: pattern, version: schemaVersion, check: check})
	return nil
}

// MarkSafetyCritical declares that topics matching pattern must pass a
// registered validator or be rejected.
func (b *Bus) MarkSafetyCritical(pattern string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.safetyPatterns = append(b.safetyPatterns, pattern)
}

func (b *Bus) isSafetyCritical(topic string) bool {
	for _, p := range b.safetyPatterns {
		if MatchTopic(p, topic) {
			return true
		}
	}
	return false
}

func (b *Bus) findValidator(topic string) *registration {
	for i := range b.registrations {
		if MatchTopic(b.registrations[i].pattern, topic) {
			return &b.registrations[i]
		}
	}
	return nil
}

// Publish validates, sequences, freezes and delivers an event to every
// matching active subscriber.
func (b *Bus) Publish(topic, source string, attrs map[string]AttrValue, payload interface{}) (Event, error) {
	if IsReserved(topic) && source != "bus" {
		return Event{}, errors.Newf("topic %q is publish-protected", topic)
	}
	if err := ValidTopic(topic); err != nil {
		return Event{}, err
	}

	b.mu.Lock()
	reg := b.findValidator(topic)
	safety := b.isSafetyCritical(topic)
	var validateErr error
	if reg != nil && reg.check != nil {
		validateErr = reg.check(payload)
	} else if safety {
		validateErr = errors.Newf("no registered validator for safety-critical topic %q", topic)
	}

	if safety && validateErr != nil {
		b.mu.Unlock()
		b.rejectedTotal.Inc()
		_ = level.Error(b.logger).Log("msg", "bus publish rejected", "topic", topic, "err", validateErr)
		b.publishMeta("bus.message.rejected", map[string]AttrValue{"topic": topic, "reason": validateErr.Error()}, nil)
		return Event{}, errors.Wrapf(validateErr, "safety-critical publish rejected for %q", topic)
	}
	if validateErr != nil {
		_ = level.Warn(b.logger).Log("msg", "bus schema validation failed (non-safety topic, delivering anyway)", "topic", topic, "err", validateErr)
	}

	b.seqByTopic[topic]++
	seq := b.seqByTopic[topic]
	subs := make([]*Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	var schemaVersion int
	if reg != nil {
		schemaVersion = reg.version
	}
	b.mu.Unlock()

	ev := Event{
		Topic:         topic,
		ID:            uuid.NewString(),
		Seq:           seq,
		Ts:            time.Now(),
		Source:        source,
		SchemaVersion: schemaVersion,
		Attributes:    attrs,
		Payload:       payload,
	}

	b.publishedTotal.Inc()
	for _, s := range subs {
		b.deliver(s, ev)
	}
	return ev, nil
}

func (b *Bus) publishMeta(topic string, attrs map[string]AttrValue, payload interface{}) {
	_, _ = b.Publish(topic, "bus", attrs, payload)
}

func (b *Bus) deliver(s *Subscriber, ev Event) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	if !s.Filter.matches(ev) {
		s.mu.Unlock()
		return
	}
	select {
	case s.queue <- ev:
		s.mu.Unlock()
		b.scheduleDrain(s)
	default:
		s.active = false
		s.mu.Unlock()
		b.disable(s, "backpressure")
	}
}

func (b *Bus) disable(s *Subscriber, reason string) {
	b.mu.Lock()
	delete(b.subs, s.ID)
	b.mu.Unlock()
	b.subscribersGauge.Dec()

	// Drain the queue so nothing in it is ever processed post-disable.
	for drained := false; !drained; {
		select {
		case <-s.queue:
		default:
			drained = true
		}
	}
	_ = level.Warn(b.logger).Log("msg", "subscriber disabled", "subscriber", s.Name, "reason", reason)
	if s.onDisabled != nil {
		s.onDisabled(reason)
	}
	b.publishMeta("bus.subscriber.disabled", map[string]AttrValue{"subscriberId": s.ID, "reason": reason}, nil)
}

// scheduleDrain ensures at most one in-flight delivery per subscriber.
// It is idempotent: it's safe to call any
// number of times, extra calls while a drain goroutine is already
// running are no-ops because the goroutine loops until the queue empties.
func (b *Bus) scheduleDrain(s *Subscriber) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	s.mu.Unlock()

	b.inFlight.Add(1)
	go func() {
		defer b.inFlight.Done()
		for {
			select {
			case ev, ok := <-s.queue:
				if !ok {
					return
				}
				if err := s.handler(ev); err != nil {
					_ = level.Error(b.logger).Log("msg", "bus handler error", "subscriber", s.Name, "topic", ev.Topic, "err", err)
					b.publishMeta("bus.handler.error", map[string]AttrValue{"subscriberId": s.ID, "topic": ev.Topic}, nil)
					if s.onErr != nil {
						s.onErr(ev, err)
					}
				}
			default:
				s.mu.Lock()
				if len(s.queue) == 0 {
					s.draining = false
					s.mu.Unlock()
					return
				}
				s.mu.Unlock()
			}
		}
	}()
}

// Idle resolves once there are no in-flight handlers and every
// subscriber queue is empty.
func (b *Bus) Idle() {
	b.inFlight.Wait()
}

// SubscribeOpts configures Subscribe.
type SubscribeOpts struct {
	Name       string
	Filter     Filter
	Capacity   int
	Handler    func(Event) error
	OnError    func(Event, error)
	OnDisabled func(reason string)
}

// Subscribe registers a new active subscriber.
func (b *Bus) Subscribe(opts SubscribeOpts) (*Subscriber, error) {
	if err := ValidPattern(opts.Filter.Pattern); err != nil {
		return nil, err
	}
	if opts.Capacity <= 0 {
		opts.Capacity = 32
	}
	s := &Subscriber{
		ID:         uuid.NewString(),
		Name:       opts.Name,
		Filter:     opts.Filter,
		Capacity:   opts.Capacity,
		bus:        b,
		queue:      make(chan Event, opts.Capacity),
		active:     true,
		handler:    opts.Handler,
		onErr:      opts.OnError,
		onDisabled: opts.OnDisabled,
	}
	b.mu.Lock()
	b.subs[s.ID] = s
	b.mu.Unlock()
	b.subscribersGauge.Inc()
	return s, nil
}

// Unsubscribe deactivates and removes a subscriber without invoking
// onDisabled (a normal, non-backpressure removal).
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	_, present := b.subs[s.ID]
	delete(b.subs, s.ID)
	b.mu.Unlock()
	if present {
		b.subscribersGauge.Dec()
	}
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}
