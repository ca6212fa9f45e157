package events

import (
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const (
	// DefaultBufferSize is the default number of output events a subscriber
	// may have queued.
	DefaultBufferSize = 100

	// EventTypeSessionStarted is published once a session reaches ready without the capability module.
	EventTypeSessionStarted = "session-started"
	// EventTypeStopped is published after a session stop, successful or not.
	EventTypeStopped = "stopped"
	// EventTypeCapabilityReady is published when the capability handshake succeeds.
	EventTypeCapabilityReady = "capability-ready"
	// EventTypeCapabilityFailed is published when the capability handshake does not confirm the module.
	EventTypeCapabilityFailed = "capability-failed"
	// EventTypeDataOut carries one raw stdout chunk from the interpreter.
	EventTypeDataOut = "data-out"
	// EventTypeDataError carries one stderr line from the interpreter.
	EventTypeDataError = "data-error"
	// EventTypeStateTransition identifies session state transition events.
	EventTypeStateTransition = "state-transition"
	// EventTypeProcessStarted identifies interpreter spawn events.
	EventTypeProcessStarted = "process-started"
)

const (
	// SeverityInfo indicates informational event severity.
	SeverityInfo = "INFO"
	// SeverityWarn indicates warning event severity.
	SeverityWarn = "WARN"
	// SeverityError indicates error event severity.
	SeverityError = "ERROR"
)

const (
	// EntitySession marks events about the logical session.
	EntitySession = "session"
	// EntityProcess marks events about one interpreter process.
	EntityProcess = "process"
)

// Event is the normalized message delivered through the in-process event bus.
type Event struct {
	Type       string
	Timestamp  time.Time
	EntityType string
	EntityID   string
	Payload    any
	Severity   string
}

// Handler consumes a published event.
type Handler func(Event)

// Logger captures warning logs for dropped events.
type Logger interface {
	Printf(format string, args ...any)
}

// Bus defines event subscription and publish behavior.
type Bus interface {
	Subscribe(eventType string, handler Handler)
	SubscribeAll(handler Handler)
	Publish(event Event)
}

// Option customizes bus construction.
type Option func(*InMemoryBus)

// WithBufferSize bounds the output events queued per subscriber.
func WithBufferSize(size int) Option {
	return func(bus *InMemoryBus) {
		if size > 0 {
			bus.bufferSize = size
		}
	}
}

// WithLogger configures log sink used for dropped-event warnings.
func WithLogger(logger Logger) Option {
	return func(bus *InMemoryBus) {
		if logger != nil {
			bus.logger = logger
		}
	}
}

// InMemoryBus is a thread-safe in-process pub/sub bus.
//
// Each subscriber owns one goroutine and sees events in publish order.
// Interpreter output (data-out and data-error) is bounded per subscriber:
// once a subscriber has bufferSize output events queued, further output is
// dropped rather than stalling the publisher. Session status events are
// never dropped.
type InMemoryBus struct {
	mu             sync.RWMutex
	bufferSize     int
	logger         Logger
	typedSubs      map[string][]*subscriber
	wildcardSubs   []*subscriber
	nextSubscriber uint64
	closed         bool
}

type subscriber struct {
	id    uint64
	limit int
	wake  chan struct{}

	mu      sync.Mutex
	queue   []Event
	output  int
	stopped bool
}

// New creates an in-memory event bus with optional configuration.
func New(options ...Option) *InMemoryBus {
	bus := &InMemoryBus{
		bufferSize: DefaultBufferSize,
		logger:     log.Default(),
		typedSubs:  make(map[string][]*subscriber),
	}
	for _, option := range options {
		option(bus)
	}
	return bus
}

// Subscribe registers a handler for a specific event type.
func (b *InMemoryBus) Subscribe(eventType string, handler Handler) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" || handler == nil {
		return
	}
	b.register(handler, func(sub *subscriber) {
		b.typedSubs[eventType] = append(b.typedSubs[eventType], sub)
	})
}

// SubscribeAll registers a handler that receives every published event.
func (b *InMemoryBus) SubscribeAll(handler Handler) {
	if handler == nil {
		return
	}
	b.register(handler, func(sub *subscriber) {
		b.wildcardSubs = append(b.wildcardSubs, sub)
	})
}

func (b *InMemoryBus) register(handler Handler, attach func(*subscriber)) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.nextSubscriber++
	sub := &subscriber{id: b.nextSubscriber, limit: b.bufferSize, wake: make(chan struct{}, 1)}
	attach(sub)
	b.mu.Unlock()

	go sub.run(handler)
}

// Publish delivers an event to typed subscribers and wildcard subscribers.
func (b *InMemoryBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.typedSubs[strings.TrimSpace(event.Type)] {
		b.deliver(sub, event)
	}
	for _, sub := range b.wildcardSubs {
		b.deliver(sub, event)
	}
}

// Close stops every subscriber once it has handled what is already queued.
// Later publishes are ignored.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.typedSubs {
		for _, sub := range subs {
			sub.stop()
		}
	}
	for _, sub := range b.wildcardSubs {
		sub.stop()
	}
}

func (b *InMemoryBus) deliver(sub *subscriber, event Event) {
	if sub.push(event) {
		return
	}
	b.logger.Printf(
		"events: dropping event for subscriber=%d type=%s entity_type=%s entity_id=%s",
		sub.id,
		event.Type,
		event.EntityType,
		event.EntityID,
	)
}

// isOutput reports whether eventType is raw interpreter output.
func isOutput(eventType string) bool {
	return eventType == EventTypeDataOut || eventType == EventTypeDataError
}

// push queues event and reports false when it had to be dropped.
func (s *subscriber) push(event Event) bool {
	output := isOutput(event.Type)
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return true
	}
	if output && s.output >= s.limit {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, event)
	if output {
		s.output++
	}
	s.mu.Unlock()
	s.signal()
	return true
}

func (s *subscriber) stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) run(handler Handler) {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				return
			}
			<-s.wake
			continue
		}
		event := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		if isOutput(event.Type) {
			s.output--
		}
		s.mu.Unlock()
		handler(event)
	}
}

var _ Bus = (*InMemoryBus)(nil)
