package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-mesh/control-plane/internal/bus"
	"github.com/inference-mesh/control-plane/internal/bus/memory"
	"github.com/inference-mesh/control-plane/internal/domain"
	"github.com/inference-mesh/control-plane/internal/streaming"
)

// subscribeReplies registers a reply-topic listener before the triggering
// message is published, returning a channel to drain afterward.
func subscribeReplies(t *testing.T, b bus.Bus, topic string) <-chan reply {
	t.Helper()
	got := make(chan reply, 16)
	_, err := b.Subscribe(context.Background(), topic, func(ctx context.Context, msg bus.Message) error {
		var r reply
		require.NoError(t, json.Unmarshal(msg.Value, &r))
		got <- r
		return nil
	})
	require.NoError(t, err)
	return got
}

func waitReplies(t *testing.T, got <-chan reply, n int, timeout time.Duration) []reply {
	t.Helper()
	var out []reply
	for i := 0; i < n; i++ {
		select {
		case r := <-got:
			out = append(out, r)
		case <-time.After(timeout):
			t.Fatalf("timed out waiting for reply %d/%d", i+1, n)
		}
	}
	return out
}

func TestWorkerHandler_NoStreamingControllerPublishesTokenPerToken(t *testing.T) {
	b := memory.New(nil)
	gen := func(ctx context.Context, req domain.InferenceRequest, emit func(domain.Token)) (int, error) {
		emit(domain.Token{ID: 1, Text: "a"})
		emit(domain.Token{ID: 2, Text: "b", IsFinal: true})
		return 2, nil
	}
	h := NewWorkerHandler(b, gen, nil, nil)
	unsub, err := h.Listen(context.Background(), "w1")
	require.NoError(t, err)
	defer unsub()

	replyTopic := replyTopic("r1")
	got := subscribeReplies(t, b, replyTopic)

	env := envelope{RequestID: "r1", ModelID: "m1", ReplyTopic: replyTopic}
	payload, _ := json.Marshal(env)
	require.NoError(t, b.Publish(context.Background(), bus.Message{Topic: inboxTopic("w1"), Value: payload}))

	replies := waitReplies(t, got, 3, time.Second)
	assert.Equal(t, "token", replies[0].Kind)
	assert.Equal(t, "token", replies[1].Kind)
	assert.Equal(t, "done", replies[2].Kind)
	assert.Equal(t, 2, replies[2].TotalTokens)
}

func TestWorkerHandler_StreamingControllerAggregatesIntoChunk(t *testing.T) {
	b := memory.New(nil)
	streamCtrl := streaming.New(streaming.Params{ChunkSizeBytes: 1_000_000, ChunkTimeout: time.Hour, MaxUnackedChunks: 10}, nil, nil)
	gen := func(ctx context.Context, req domain.InferenceRequest, emit func(domain.Token)) (int, error) {
		emit(domain.Token{ID: 1, Text: "a", SizeBytes: 1})
		emit(domain.Token{ID: 2, Text: "b", IsFinal: true, SizeBytes: 1})
		return 2, nil
	}
	h := NewWorkerHandler(b, gen, streamCtrl, nil)
	unsub, err := h.Listen(context.Background(), "w1")
	require.NoError(t, err)
	defer unsub()

	replyTopic := replyTopic("r2")
	got := subscribeReplies(t, b, replyTopic)

	env := envelope{RequestID: "r2", ModelID: "m1", ReplyTopic: replyTopic}
	payload, _ := json.Marshal(env)
	require.NoError(t, b.Publish(context.Background(), bus.Message{Topic: inboxTopic("w1"), Value: payload}))

	replies := waitReplies(t, got, 2, time.Second)
	require.Equal(t, "chunk", replies[0].Kind)
	require.Len(t, replies[0].Tokens, 2)
	assert.Equal(t, "a", replies[0].Tokens[0].Text)
	assert.Equal(t, "b", replies[0].Tokens[1].Text)
	assert.Equal(t, "done", replies[1].Kind)
}

func TestWorkerHandler_GeneratorErrorPublishesErrorReply(t *testing.T) {
	b := memory.New(nil)
	gen := func(ctx context.Context, req domain.InferenceRequest, emit func(domain.Token)) (int, error) {
		return 0, domain.ErrInternal
	}
	h := NewWorkerHandler(b, gen, nil, nil)
	unsub, err := h.Listen(context.Background(), "w1")
	require.NoError(t, err)
	defer unsub()

	replyTopic := replyTopic("r3")
	got := subscribeReplies(t, b, replyTopic)

	env := envelope{RequestID: "r3", ModelID: "m1", ReplyTopic: replyTopic}
	payload, _ := json.Marshal(env)
	require.NoError(t, b.Publish(context.Background(), bus.Message{Topic: inboxTopic("w1"), Value: payload}))

	replies := waitReplies(t, got, 1, time.Second)
	assert.Equal(t, "error", replies[0].Kind)
}
