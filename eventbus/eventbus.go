// Package eventbus is a typed, synchronous, in-process publish/subscribe bus.
//
// Handlers run on the emitter's goroutine in subscription order. A handler
// that panics is recovered and logged; the remaining handlers still run and
// Emit returns normally.
//
//	bus := eventbus.New(eventbus.WithLogger(logger))
//	off := eventbus.Subscribe(bus, func(e ReportCreated) { ... })
//	defer off()
//	bus.Emit(ReportCreated{...})
package eventbus

import (
	"log/slog"
	"runtime/debug"
	"sync"
)

// Event is anything with a stable name.
type Event interface {
	EventName() string
}

// Handler receives an emitted event.
type Handler func(Event)

type subscription struct {
	id      uint64
	name    string // "" for wildcard
	handler Handler
}

// Bus dispatches events. The zero value is not usable; call New.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []*subscription
	logger *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used for recovered handler panics.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// New returns an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{logger: slog.Default()}
	for _, o := range opts {
		o(b)
	}
	return b
}

// On subscribes h to events named name. The returned function removes the
// subscription; calling it more than once is harmless.
func (b *Bus) On(name string, h Handler) (unsubscribe func()) {
	return b.add(name, h)
}

// OnAll subscribes h to every event.
func (b *Bus) OnAll(h Handler) (unsubscribe func()) {
	return b.add("", h)
}

func (b *Bus) add(name string, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, &subscription{id: id, name: name, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit delivers e to the matching handlers registered at the time of the
// call. Subscriptions added or removed by a handler take effect on the next
// Emit.
func (b *Bus) Emit(e Event) {
	name := e.EventName()

	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.name == "" || s.name == name {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		b.deliver(s, e)
	}
}

func (b *Bus) deliver(s *subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("eventbus: handler panic recovered",
				"event", e.EventName(), "subscription", s.id,
				"panic", r, "stack", string(debug.Stack()))
		}
	}()
	s.handler(e)
}

// Len returns the number of active subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Subscribe registers a typed handler for events of type E. The event name
// is taken from E's zero value, so EventName must not depend on fields.
func Subscribe[E Event](b *Bus, fn func(E)) (unsubscribe func()) {
	var zero E
	return b.On(zero.EventName(), func(e Event) {
		if typed, ok := e.(E); ok {
			fn(typed)
		}
	})
}
