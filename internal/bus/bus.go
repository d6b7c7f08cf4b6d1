// Package bus is the in-process publish/subscribe hub that decouples the
// dispatcher and the transport from observers (metrics, archive, notifiers).
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type subscriber struct {
	id      string
	handler EventHandler
}

// Bus delivers events synchronously to subscribers in registration order.
// Safe for concurrent use. One instance is built at process start and
// passed to every component that needs it.
type Bus struct {
	mu        sync.RWMutex
	listeners map[string][]subscriber
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{listeners: make(map[string][]subscriber)}
}

// Subscribe registers handler for the named event under id.
func (b *Bus) Subscribe(name, id string, handler EventHandler) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	b.listeners[name] = append(b.listeners[name], subscriber{id: id, handler: handler})
	b.mu.Unlock()
	slog.Debug("bus.subscribe", "event", name, "subscriber", id)
}

// Unsubscribe removes the first handler registered for name under id.
// Unknown names or ids are ignored.
func (b *Bus) Unsubscribe(name, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.listeners[name]
	for i, s := range subs {
		if s.id != id {
			continue
		}
		next := make([]subscriber, 0, len(subs)-1)
		next = append(next, subs[:i]...)
		next = append(next, subs[i+1:]...)
		if len(next) == 0 {
			delete(b.listeners, name)
		} else {
			b.listeners[name] = next
		}
		slog.Debug("bus.unsubscribe", "event", name, "subscriber", id)
		return
	}
}

// Publish invokes every subscriber of event.Name in order. Handler errors
// and panics are logged; delivery always continues.
func (b *Bus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	subs := b.listeners[event.Name]
	b.mu.RUnlock()

	if len(subs) == 0 {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Source == "" {
		event.Source = SourceSystem
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	slog.Debug("bus.publish", "event", event.Name, "source", event.Source, "subscribers", len(subs))

	// subs is never mutated in place (Unsubscribe copies), so the snapshot
	// stays valid even if a handler unsubscribes itself.
	for _, s := range subs {
		if err := deliver(ctx, s, event); err != nil {
			slog.Warn("bus.handler_failed", "event", event.Name, "subscriber", s.id, "error", err)
		}
	}
}

// Emit builds an Event and publishes it.
func (b *Bus) Emit(ctx context.Context, name string, data map[string]any, source string) {
	b.Publish(ctx, Event{Name: name, Data: data, Source: source})
}

// Clear drops every subscription. Intended for test isolation.
func (b *Bus) Clear() {
	b.mu.Lock()
	b.listeners = make(map[string][]subscriber)
	b.mu.Unlock()
}

// Listeners returns the subscriber ids registered for name, in delivery order.
func (b *Bus) Listeners(name string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, 0, len(b.listeners[name]))
	for _, s := range b.listeners[name] {
		ids = append(ids, s.id)
	}
	return ids
}

func deliver(ctx context.Context, s subscriber, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.handler(ctx, event)
}
