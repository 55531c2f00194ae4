package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Publisher accepts lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, event Event) error

func (f PublisherFunc) Publish(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Bus delivers each event to every sink in registration order. A failing
// sink does not stop delivery to the others.
type Bus struct {
	sinks []Publisher
}

// NewBus creates a bus with the given sinks.
func NewBus(sinks ...Publisher) *Bus {
	return &Bus{sinks: sinks}
}

// Subscribe adds a sink. Not safe for use concurrently with Publish.
func (b *Bus) Subscribe(sink Publisher) {
	b.sinks = append(b.sinks, sink)
}

func (b *Bus) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, sink := range b.sinks {
		if err := sink.Publish(ctx, event); err != nil {
			slog.Warn("Event sink failed", "kind", event.Kind(), "key", event.Key(), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(context.Context, Event) error { return nil })

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfKind returns the recorded events of one kind.
func (r *Recorder) OfKind(kind Kind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Kind() == kind {
			out = append(out, e)
		}
	}
	return out
}
