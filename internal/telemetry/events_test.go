package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventBus_PublishSubscribe(t *testing.T) {
	b := NewEventBus(2, nil)
	b.Publish(Event{Type: "slowConsumer", Source: "s1"})
	ev := <-b.Subscribe()
	assert.Equal(t, "slowConsumer", ev.Type)
}

func TestEventBus_DropsOldestOnOverflow(t *testing.T) {
	b := NewEventBus(1, nil)
	b.Publish(Event{Type: "first"})
	b.Publish(Event{Type: "second"})

	ev := <-b.Subscribe()
	assert.Equal(t, "second", ev.Type, "oldest event should have been evicted")
}
