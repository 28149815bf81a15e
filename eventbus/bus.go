// Package eventbus provides a minimal in-process publish/subscribe
// hub. The sync engine and the realtime channel both post to one bus,
// and UI collaborators subscribe to it for reactive refresh.
package eventbus

import (
	"log/slog"
	"sync"

	"github.com/fintrack/syncbox/logging"
)

// Handler processes one published event.
type Handler[T any] func(T)

// Bus is a named-topic publish/subscribe registry parameterized by the
// payload type. Within one topic, subscribers are invoked in
// subscription order; across topics no ordering is guaranteed.
type Bus[T any] struct {
	mu     sync.RWMutex
	subs   map[string][]*Subscription[T]
	logger *logging.Logger
}

// Subscription is a detachable handle returned by Subscribe.
type Subscription[T any] struct {
	bus     *Bus[T]
	topic   string
	handler Handler[T]
}

// New creates an empty bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{
		subs:   make(map[string][]*Subscription[T]),
		logger: logging.WithComponent(logging.Component("eventbus")),
	}
}

// Subscribe attaches handler to topic. Multiple handlers may attach to
// the same topic; each receives every event published to it.
func (b *Bus[T]) Subscribe(topic string, handler Handler[T]) *Subscription[T] {
	sub := &Subscription[T]{bus: b, topic: topic, handler: handler}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	return sub
}

// Cancel detaches the subscription. Safe to call more than once.
func (s *Subscription[T]) Cancel() {
	if s.bus == nil {
		return
	}

	s.bus.mu.Lock()
	list := s.bus.subs[s.topic]
	for i, sub := range list {
		if sub == s {
			s.bus.subs[s.topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
	s.bus.mu.Unlock()

	s.bus = nil
}

// Publish invokes all current subscribers of topic synchronously.
// Handler panics are isolated per subscriber so one faulty handler
// cannot block the others.
func (b *Bus[T]) Publish(topic string, payload T) {
	b.mu.RLock()
	handlers := make([]Handler[T], 0, len(b.subs[topic]))
	for _, sub := range b.subs[topic] {
		handlers = append(handlers, sub.handler)
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.invoke(topic, handler, payload)
	}
}

func (b *Bus[T]) invoke(topic string, handler Handler[T], payload T) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("subscriber panicked",
				slog.String("topic", topic),
				slog.Any("panic", r),
			)
		}
	}()
	handler(payload)
}

// SubscriberCount returns the number of handlers attached to topic.
func (b *Bus[T]) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
