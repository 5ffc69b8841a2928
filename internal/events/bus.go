package events

import (
	"context"
	"log/slog"
	"sync"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

const defaultBufferSize = 256

// Handler consumes one event
type Handler func(ctx context.Context, event cloudevents.Event)

// Option configures a Bus
type Option func(*Bus)

// WithLogger sets the bus logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// WithBufferSize sets the per-subscriber queue length
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// Bus fans events out to subscribers
type Bus struct {
	logger     *slog.Logger
	bufferSize int

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
	wg     sync.WaitGroup
}

// Subscription is a registered handler; call Unsubscribe to stop delivery
type Subscription struct {
	id      uint64
	bus     *Bus
	types   map[string]bool
	ch      chan cloudevents.Event
	handler Handler
	once    sync.Once
}

// NewBus creates an event bus
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		logger:     slog.Default(),
		bufferSize: defaultBufferSize,
		subs:       make(map[uint64]*Subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Emit wraps data in a CloudEvent and publishes it
func (b *Bus) Emit(ctx context.Context, eventType string, data any) error {
	b.Publish(New(eventType, data))
	return nil
}

// Publish delivers an event to every matching subscriber without blocking.
// Subscribers whose queue is full miss the event.
func (b *Bus) Publish(event cloudevents.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if len(s.types) > 0 && !s.types[event.Type()] {
			continue
		}
		select {
		case s.ch <- event:
		default:
			b.logger.Warn("dropping event for slow subscriber", "type", event.Type(), "subscriber", s.id)
		}
	}
}

// Subscribe registers handler for the given event types, or all types if none given
func (b *Bus) Subscribe(handler Handler, types ...string) *Subscription {
	s := &Subscription{
		bus:     b,
		ch:      make(chan cloudevents.Event, b.bufferSize),
		handler: handler,
	}
	if len(types) > 0 {
		s.types = make(map[string]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.ch)
		return s
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	b.wg.Add(1)
	b.mu.Unlock()

	go s.run()
	return s
}

// Unsubscribe stops delivery. Events already queued are still handled.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		_, ok := s.bus.subs[s.id]
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		if ok {
			close(s.ch)
		}
	})
}

func (s *Subscription) run() {
	defer s.bus.wg.Done()
	for event := range s.ch {
		s.deliver(event)
	}
}

func (s *Subscription) deliver(event cloudevents.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.bus.logger.Error("event handler panicked", "type", event.Type(), "panic", r)
		}
	}()
	s.handler(context.Background(), event)
}

// Close unsubscribes everyone and waits for queued events to be handled
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.once.Do(func() { close(s.ch) })
	}
	b.wg.Wait()
}
