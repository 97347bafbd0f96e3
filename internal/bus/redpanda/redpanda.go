// Package redpanda implements bus.Bus over a Redpanda/Kafka cluster via
// franz-go, for multi-process controller/worker deployments.
package redpanda

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/inference-mesh/control-plane/internal/bus"
)

// Bus is a franz-go-backed implementation of bus.Bus. One client handles
// both production and consumption; each Subscribe call starts its own
// polling goroutine scoped to its topic.
type Bus struct {
	client *kgo.Client

	mu     sync.Mutex
	cancel map[string][]context.CancelFunc
	lg     *slog.Logger
}

// New constructs a Bus connected to the given seed brokers.
func New(brokers []string, consumerGroup string, lg *slog.Logger) (*Bus, error) {
	if lg == nil {
		lg = slog.Default()
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("redpanda bus: no seed brokers provided")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
	}
	if consumerGroup != "" {
		opts = append(opts, kgo.ConsumerGroup(consumerGroup))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("redpanda bus: new client: %w", err)
	}
	return &Bus{client: client, cancel: make(map[string][]context.CancelFunc), lg: lg}, nil
}

// Publish produces msg to its topic and waits for the broker's ack.
func (b *Bus) Publish(ctx context.Context, msg bus.Message) error {
	record := &kgo.Record{Topic: msg.Topic, Key: []byte(msg.Key), Value: msg.Value}

	var wg sync.WaitGroup
	var produceErr error
	wg.Add(1)
	b.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		defer wg.Done()
		produceErr = err
	})
	wg.Wait()
	if produceErr != nil {
		return fmt.Errorf("redpanda bus: produce to %s: %w", msg.Topic, produceErr)
	}
	return nil
}

// Subscribe starts a dedicated poll loop for topic, invoking handler for
// every fetched record until the returned unsubscribe func is called.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler bus.Handler) (func(), error) {
	b.client.AddConsumeTopics(topic)
	subCtx, cancel := context.WithCancel(ctx)

	b.mu.Lock()
	b.cancel[topic] = append(b.cancel[topic], cancel)
	b.mu.Unlock()

	go b.pollLoop(subCtx, topic, handler)

	return func() { cancel() }, nil
}

func (b *Bus) pollLoop(ctx context.Context, topic string, handler bus.Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		fetches := b.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return
		}
		fetches.EachError(func(t string, p int32, err error) {
			b.lg.Warn("redpanda fetch error", slog.String("topic", t), slog.Int("partition", int(p)), slog.Any("error", err))
		})
		fetches.EachTopic(func(ft kgo.FetchTopic) {
			if ft.Topic != topic {
				return
			}
			ft.EachRecord(func(rec *kgo.Record) {
				msg := bus.Message{Topic: rec.Topic, Key: string(rec.Key), Value: rec.Value}
				if err := handler(ctx, msg); err != nil {
					b.lg.Warn("bus handler returned error", slog.String("topic", topic), slog.Any("error", err))
				}
			})
		})
	}
}

// Close releases the underlying franz-go client.
func (b *Bus) Close() error {
	b.mu.Lock()
	for _, cancels := range b.cancel {
		for _, c := range cancels {
			c()
		}
	}
	b.mu.Unlock()
	b.client.Close()
	return nil
}
