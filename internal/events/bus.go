package events

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Handler receives one event. A non-nil error is reported on the bus's
// error channel; it never stops delivery to other subscribers.
type Handler func(Event) error

// Filter narrows a subscription. Empty fields match everything, so the
// zero Filter is a wildcard.
type Filter struct {
	EventTypes        []Type
	DirectoryPrefixes []string
}

func (f Filter) matches(ev Event) bool {
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if t == ev.Type {
				found = true
				break
			}
		}

		if !found {
			return false
		}
	}

	if len(f.DirectoryPrefixes) > 0 {
		found := false
		for _, prefix := range f.DirectoryPrefixes {
			if strings.HasPrefix(ev.Change.Path, prefix) {
				found = true
				break
			}
		}

		if !found {
			return false
		}
	}

	return true
}

// Subscription is a handle for canceling a subscription.
type Subscription struct {
	id  int64
	bus *Bus
}

// Cancel removes the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs, s.id)
}

type subscriber struct {
	filter  Filter
	handler Handler
}

// errChanCap bounds the error channel. When no one drains it, further
// handler errors are logged and dropped rather than blocking delivery.
const errChanCap = 64

// Bus fans classified events out to subscribers. Delivery is synchronous
// and isolated: each handler runs under a panic guard, and neither a
// panic nor an error from one handler affects the rest.
type Bus struct {
	logger *slog.Logger

	mu     sync.Mutex
	nextID int64
	subs   map[int64]subscriber
	errs   chan error
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		logger: logger,
		subs:   make(map[int64]subscriber),
		errs:   make(chan error, errChanCap),
	}
}

// Subscribe registers a handler for specific event types.
func (b *Bus) Subscribe(handler Handler, types ...Type) *Subscription {
	return b.SubscribeFilter(Filter{EventTypes: types}, handler)
}

// SubscribeAll registers a wildcard handler receiving every event.
func (b *Bus) SubscribeAll(handler Handler) *Subscription {
	return b.SubscribeFilter(Filter{}, handler)
}

// SubscribeFilter registers a handler behind an arbitrary filter.
func (b *Bus) SubscribeFilter(filter Filter, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.subs[b.nextID] = subscriber{filter: filter, handler: handler}

	return &Subscription{id: b.nextID, bus: b}
}

// Errors exposes handler failures for observability. The channel is
// never closed.
func (b *Bus) Errors() <-chan error {
	return b.errs
}

// Publish delivers an event to every matching subscriber. The subscriber
// list is snapshotted first so handlers may subscribe or cancel without
// deadlocking.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	snapshot := make([]subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.filter.matches(ev) {
			snapshot = append(snapshot, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range snapshot {
		b.deliver(sub, ev)
	}
}

func (b *Bus) deliver(sub subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.reportError(fmt.Errorf("events: handler panic on %s for %s: %v",
				ev.Type, ev.Change.Path, r))
		}
	}()

	if err := sub.handler(ev); err != nil {
		b.reportError(fmt.Errorf("events: handler error on %s for %s: %w",
			ev.Type, ev.Change.Path, err))
	}
}

func (b *Bus) reportError(err error) {
	select {
	case b.errs <- err:
	default:
		b.logger.Warn("event handler error dropped, error channel full",
			slog.String("error", err.Error()))
	}
}
