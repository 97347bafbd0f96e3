// Package memory implements an in-process bus.Bus over Go channels, used
// for tests and single-process demos where no Redpanda cluster is available.
package memory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/inference-mesh/control-plane/internal/bus"
)

// subscriber delivers messages to handler one at a time, in publish order,
// via its own goroutine draining ch. A per-subscriber queue (rather than a
// fresh goroutine per message) is what gives ordering guarantees to callers
// that publish several related messages in sequence, e.g. a worker's
// token/chunk replies followed by its done notification (4.I).
type subscriber struct {
	id      int
	handler bus.Handler
	ch      chan bus.Message
	done    chan struct{}
}

// Bus is a channel-backed, in-process implementation of bus.Bus.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string][]*subscriber
	nextID      int
	closed      bool
	lg          *slog.Logger
}

// New constructs an in-process Bus.
func New(lg *slog.Logger) *Bus {
	if lg == nil {
		lg = slog.Default()
	}
	return &Bus{subscribers: make(map[string][]*subscriber), lg: lg}
}

// Publish enqueues msg on every current subscriber of its topic, one
// subscriber after another. Delivery to each subscriber happens on that
// subscriber's own goroutine, in the order messages were published. Each
// subscriber buffers a bounded number of messages; once a subscriber's
// buffer is full, Publish blocks until its handler drains one.
func (b *Bus) Publish(ctx context.Context, msg bus.Message) error {
	b.mu.Lock()
	subs := make([]*subscriber, len(b.subscribers[msg.Topic]))
	copy(subs, b.subscribers[msg.Topic])
	closed := b.closed
	b.mu.Unlock()

	if closed {
		return context.Canceled
	}

	for _, s := range subs {
		select {
		case s.ch <- msg:
		case <-s.done:
		}
	}
	return nil
}

func (b *Bus) runSubscriber(ctx context.Context, s *subscriber, topic string) {
	for {
		select {
		case msg, ok := <-s.ch:
			if !ok {
				return
			}
			if err := s.handler(ctx, msg); err != nil {
				b.lg.Warn("bus handler returned error", slog.String("topic", topic), slog.Any("error", err))
			}
		case <-s.done:
			return
		}
	}
}

// Subscribe registers handler for topic.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler bus.Handler) (func(), error) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	s := &subscriber{id: id, handler: handler, ch: make(chan bus.Message, 256), done: make(chan struct{})}
	b.subscribers[topic] = append(b.subscribers[topic], s)
	b.mu.Unlock()

	go b.runSubscriber(ctx, s, topic)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[topic]
		for i, cur := range subs {
			if cur.id == id {
				close(cur.done)
				b.subscribers[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}, nil
}

// Close marks the bus closed; further Publish calls fail.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, subs := range b.subscribers {
		for _, s := range subs {
			close(s.done)
		}
	}
	b.subscribers = nil
	return nil
}
