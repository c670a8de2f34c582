// Package eventbus provides the in-process publish/subscribe bus that
// decouples forged modules.
//
// Delivery is synchronous and ordered: Emit invokes listeners one by one in
// subscription order and returns when the last one finished. A listener
// that fails or panics is logged and counted, and the remaining listeners
// still run. Emitters never observe listener failures.
package eventbus

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Event is a named occurrence with an arbitrary payload. Names follow the
// "domain.action" convention, e.g. "contact.created".
type Event struct {
	Name    string
	Payload any
}

// Listener handles an emitted event. A returned error is logged and
// counted; it never reaches the emitter.
type Listener func(ctx context.Context, evt Event) error

// subscription pairs a listener with a stable identity for unsubscribe.
type subscription struct {
	id uint64
	fn Listener
}

// Bus is an in-process event bus. The zero value is not usable; create
// one with New.
type Bus struct {
	log *zap.Logger

	mu        sync.RWMutex
	listeners map[string][]subscription
	nextID    uint64
}

// New creates an event bus.
func New(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		log:       log,
		listeners: make(map[string][]subscription),
	}
}

// Subscribe registers fn for the named event and returns a function that
// removes the registration. Listeners are invoked in subscription order.
// Unsubscribing twice is harmless.
func (b *Bus) Subscribe(event string, fn Listener) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.listeners[event] = append(b.listeners[event], subscription{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.listeners[event]
		for i, s := range subs {
			if s.id == id {
				b.listeners[event] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(b.listeners[event]) == 0 {
			delete(b.listeners, event)
		}
	}
}

// Emit delivers the event to every listener registered for name, in
// subscription order. Listener errors and panics are isolated: they are
// logged with the event name and listener position, recorded in metrics,
// and delivery continues with the next listener.
func (b *Bus) Emit(ctx context.Context, name string, payload any) {
	b.mu.RLock()
	subs := b.listeners[name]
	// Snapshot so listeners may subscribe or unsubscribe during delivery.
	snapshot := make([]subscription, len(subs))
	copy(snapshot, subs)
	b.mu.RUnlock()

	EventsEmitted.WithLabelValues(name).Inc()

	evt := Event{Name: name, Payload: payload}
	for i, sub := range snapshot {
		b.invoke(ctx, evt, i, sub)
	}
}

// invoke runs a single listener with panic isolation.
func (b *Bus) invoke(ctx context.Context, evt Event, index int, sub subscription) {
	defer func() {
		if r := recover(); r != nil {
			ListenerFailures.WithLabelValues(evt.Name, "panic").Inc()
			b.log.Error("event listener panicked",
				zap.String("event", evt.Name),
				zap.Int("listener", index),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()

	if err := sub.fn(ctx, evt); err != nil {
		ListenerFailures.WithLabelValues(evt.Name, "error").Inc()
		b.log.Warn("event listener failed",
			zap.String("event", evt.Name),
			zap.Int("listener", index),
			zap.Error(err),
		)
	}
}

// ListenerCount returns the number of listeners registered for the event.
func (b *Bus) ListenerCount(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[event])
}

// EventNames returns the sorted list of event names with at least one
// listener.
func (b *Bus) EventNames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.listeners))
	for name := range b.listeners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
