// Package eventbus delivers controller events to in-process listeners.
//
// Delivery is synchronous and serialized: events are handed to listeners one
// at a time in publish order, including events published from inside a
// listener. Each listener runs under its own recover, so a panicking listener
// is logged and skipped without affecting its siblings or the publisher.
package eventbus

import (
	"sync"
	"sync/atomic"

	"streamperf/internal/core/domain"
	apperrors "streamperf/pkg/errors"

	"go.uber.org/zap"
)

// Handler receives one event
type Handler = func(domain.Event)

type subscription struct {
	id        uint64
	eventType domain.EventType // empty matches every type
	handler   Handler
}

// Stats is a snapshot of bus counters
type Stats struct {
	Published     uint64
	Delivered     uint64
	Failures      uint64
	Subscriptions int
}

type Bus struct {
	mu          sync.Mutex
	subs        []subscription
	nextID      uint64
	queue       []domain.Event
	dispatching bool
	closed      bool

	published atomic.Uint64
	delivered atomic.Uint64
	failures  atomic.Uint64

	logger *zap.SugaredLogger
}

func New(logger *zap.SugaredLogger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe registers handler for eventType and returns its unsubscribe func
func (b *Bus) Subscribe(eventType domain.EventType, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || handler == nil {
		return func() {}
	}

	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, eventType: eventType, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

// SubscribeAll registers handler for every event type
func (b *Bus) SubscribeAll(handler Handler) func() {
	return b.Subscribe("", handler)
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.id == id {
			// copy-on-remove so an in-progress dispatch keeps its snapshot
			next := make([]subscription, 0, len(b.subs)-1)
			next = append(next, b.subs[:i]...)
			b.subs = append(next, b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers event to matching listeners. When another Publish is
// already dispatching, the event is queued and delivered by that call.
func (b *Bus) Publish(event domain.Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.published.Add(1)
	b.queue = append(b.queue, event)
	if b.dispatching {
		b.mu.Unlock()
		return
	}
	b.dispatching = true

	for len(b.queue) > 0 {
		next := b.queue[0]
		b.queue = b.queue[1:]
		subs := b.subs
		b.mu.Unlock()

		for _, s := range subs {
			if s.eventType != "" && s.eventType != next.Type {
				continue
			}
			b.invoke(s, next)
		}

		b.mu.Lock()
	}

	b.dispatching = false
	b.mu.Unlock()
}

func (b *Bus) invoke(s subscription, event domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.failures.Add(1)
			err := apperrors.NewCallbackFailure(string(event.Type), r)
			b.logger.Errorw("event listener failed",
				"event_type", event.Type,
				"event_id", event.ID,
				"subscription", s.id,
				"error", err,
			)
		}
	}()

	s.handler(event)
	b.delivered.Add(1)
}

// Stats returns current bus counters
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	n := len(b.subs)
	b.mu.Unlock()

	return Stats{
		Published:     b.published.Load(),
		Delivered:     b.delivered.Load(),
		Failures:      b.failures.Load(),
		Subscriptions: n,
	}
}

// Close drops every subscription; later publishes are ignored
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = nil
	b.queue = nil
}
