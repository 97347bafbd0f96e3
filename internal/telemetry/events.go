package telemetry

import "log/slog"

// Event is a cross-component notification (stream events, breaker
// transitions, regression alerts). Components publish events through an
// EventBus rather than holding back-pointers to their subscribers.
type Event struct {
	Type   string
	Source string
	Data   map[string]any
}

// EventBus is a bounded, drop-oldest-on-overflow fan-out of Events,
// replacing the source's pub-sub emitters (§9 "Event emitters").
type EventBus struct {
	ch chan Event
	lg *slog.Logger
}

// NewEventBus creates a bus with the given buffer size.
func NewEventBus(buffer int, lg *slog.Logger) *EventBus {
	if buffer <= 0 {
		buffer = 64
	}
	if lg == nil {
		lg = slog.Default()
	}
	return &EventBus{ch: make(chan Event, buffer), lg: lg}
}

// Publish enqueues an event. If the buffer is full, the oldest pending
// event is dropped and logged, then ev is enqueued.
func (b *EventBus) Publish(ev Event) {
	select {
	case b.ch <- ev:
		return
	default:
	}
	select {
	case dropped := <-b.ch:
		b.lg.Warn("event bus overflow, dropping oldest event",
			slog.String("dropped_type", dropped.Type),
			slog.String("dropped_source", dropped.Source),
			slog.String("new_type", ev.Type))
	default:
	}
	select {
	case b.ch <- ev:
	default:
		b.lg.Warn("event bus still full after eviction, dropping new event", slog.String("type", ev.Type))
	}
}

// Subscribe returns the receive-only channel of events.
func (b *EventBus) Subscribe() <-chan Event {
	return b.ch
}
