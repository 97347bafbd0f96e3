package memory

import (
	"context"
	"testing"
	"time"

	"github.com/inference-mesh/control-plane/internal/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe_DeliversToSubscriber(t *testing.T) {
	b := New(nil)
	received := make(chan bus.Message, 1)
	_, err := b.Subscribe(context.Background(), "topic-a", func(ctx context.Context, msg bus.Message) error {
		received <- msg
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), bus.Message{Topic: "topic-a", Value: []byte("hello")}))

	select {
	case msg := <-received:
		assert.Equal(t, "hello", string(msg.Value))
	case <-time.After(time.Second):
		t.Fatal("message was not delivered")
	}
}

func TestPublish_DoesNotDeliverToOtherTopics(t *testing.T) {
	b := New(nil)
	received := make(chan bus.Message, 1)
	_, err := b.Subscribe(context.Background(), "topic-a", func(ctx context.Context, msg bus.Message) error {
		received <- msg
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), bus.Message{Topic: "topic-b", Value: []byte("x")}))

	select {
	case <-received:
		t.Fatal("should not have received a message for an unsubscribed topic")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	b := New(nil)
	received := make(chan bus.Message, 1)
	unsubscribe, err := b.Subscribe(context.Background(), "topic-a", func(ctx context.Context, msg bus.Message) error {
		received <- msg
		return nil
	})
	require.NoError(t, err)
	unsubscribe()

	require.NoError(t, b.Publish(context.Background(), bus.Message{Topic: "topic-a", Value: []byte("x")}))

	select {
	case <-received:
		t.Fatal("should not deliver after unsubscribe")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPublish_PreservesOrderAcrossMultipleMessages(t *testing.T) {
	b := New(nil)
	received := make(chan bus.Message, 10)
	_, err := b.Subscribe(context.Background(), "topic-a", func(ctx context.Context, msg bus.Message) error {
		received <- msg
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(context.Background(), bus.Message{Topic: "topic-a", Value: []byte{byte(i)}}))
	}

	for i := 0; i < 5; i++ {
		select {
		case msg := <-received:
			assert.Equal(t, byte(i), msg.Value[0])
		case <-time.After(time.Second):
			t.Fatal("message was not delivered in order")
		}
	}
}

func TestPublish_FailsAfterClose(t *testing.T) {
	b := New(nil)
	require.NoError(t, b.Close())
	err := b.Publish(context.Background(), bus.Message{Topic: "topic-a"})
	assert.Error(t, err)
}
