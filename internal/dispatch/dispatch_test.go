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
)

func drain(t *testing.T, ch <-chan any, timeout time.Duration) []any {
	t.Helper()
	var out []any
	deadline := time.After(timeout)
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, msg)
		case <-deadline:
			t.Fatal("timed out waiting for dispatch channel")
			return out
		}
	}
}

// respondAsWorker subscribes to workerID's inbox, decodes the envelope, and
// publishes a canned token/done pair back on the reply topic it names.
func respondAsWorker(t *testing.T, b bus.Bus, workerID string) {
	t.Helper()
	_, err := b.Subscribe(context.Background(), inboxTopic(workerID), func(ctx context.Context, msg bus.Message) error {
		var env envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			return err
		}
		tok, _ := json.Marshal(reply{Kind: "token", RequestID: env.RequestID, TokenID: 1, Text: "hi"})
		_ = b.Publish(ctx, bus.Message{Topic: env.ReplyTopic, Value: tok})
		done, _ := json.Marshal(reply{Kind: "done", RequestID: env.RequestID, TotalTokens: 1})
		_ = b.Publish(ctx, bus.Message{Topic: env.ReplyTopic, Value: done})
		return nil
	})
	require.NoError(t, err)
}

func TestDispatch_DeliversTokensThenClosesOnDone(t *testing.T) {
	b := memory.New(nil)
	respondAsWorker(t, b, "w1")

	d := New(b, nil)
	out, err := d.Dispatch(context.Background(), "w1", domain.InferenceRequest{RequestID: "r1", ModelID: "m1"})
	require.NoError(t, err)

	msgs := drain(t, out, time.Second)
	require.Len(t, msgs, 2)
	tok, ok := msgs[0].(domain.Token)
	require.True(t, ok)
	assert.Equal(t, "hi", tok.Text)
	done, ok := msgs[1].(domain.DoneNotification)
	require.True(t, ok)
	assert.Equal(t, 1, done.TotalTokens)
}

func TestDispatch_ChunkReplyExpandsIntoIndividualTokens(t *testing.T) {
	b := memory.New(nil)
	_, err := b.Subscribe(context.Background(), inboxTopic("w1"), func(ctx context.Context, msg bus.Message) error {
		var env envelope
		require.NoError(t, json.Unmarshal(msg.Value, &env))
		chunk, _ := json.Marshal(reply{Kind: "chunk", RequestID: env.RequestID, Tokens: []tokenWire{{ID: 1, Text: "a"}, {ID: 2, Text: "b", IsFinal: true}}, Sequence: 1, IsFinal: true})
		_ = b.Publish(ctx, bus.Message{Topic: env.ReplyTopic, Value: chunk})
		done, _ := json.Marshal(reply{Kind: "done", RequestID: env.RequestID, TotalTokens: 2})
		_ = b.Publish(ctx, bus.Message{Topic: env.ReplyTopic, Value: done})
		return nil
	})
	require.NoError(t, err)

	d := New(b, nil)
	out, err := d.Dispatch(context.Background(), "w1", domain.InferenceRequest{RequestID: "r2", ModelID: "m1"})
	require.NoError(t, err)

	msgs := drain(t, out, time.Second)
	require.Len(t, msgs, 3)
	assert.Equal(t, domain.Token{ID: 1, Text: "a"}, msgs[0])
	assert.Equal(t, domain.Token{ID: 2, Text: "b", IsFinal: true}, msgs[1])
}

func TestDispatch_ErrorReplyClosesChannel(t *testing.T) {
	b := memory.New(nil)
	_, err := b.Subscribe(context.Background(), inboxTopic("w1"), func(ctx context.Context, msg bus.Message) error {
		var env envelope
		require.NoError(t, json.Unmarshal(msg.Value, &env))
		errMsg, _ := json.Marshal(reply{Kind: "error", RequestID: env.RequestID, Error: "boom", Code: "INTERNAL"})
		_ = b.Publish(ctx, bus.Message{Topic: env.ReplyTopic, Value: errMsg})
		return nil
	})
	require.NoError(t, err)

	d := New(b, nil)
	out, err := d.Dispatch(context.Background(), "w1", domain.InferenceRequest{RequestID: "r3", ModelID: "m1"})
	require.NoError(t, err)

	msgs := drain(t, out, time.Second)
	require.Len(t, msgs, 1)
	errNotif, ok := msgs[0].(domain.ErrorNotification)
	require.True(t, ok)
	assert.Equal(t, "boom", errNotif.Error)
}
