package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/inference-mesh/control-plane/internal/bus"
	"github.com/inference-mesh/control-plane/internal/domain"
	"github.com/inference-mesh/control-plane/internal/streaming"
)

// Generator runs one inference request to completion, sending each token to
// emit in order. It returns the total token count for the done notification.
type Generator func(ctx context.Context, req domain.InferenceRequest, emit func(domain.Token)) (totalTokens int, err error)

// WorkerHandler subscribes to a worker's inbox topic, decodes envelopes, and
// republishes chunk/done/error replies on the topic each envelope names.
// Tokens pass through a streaming.Controller so chunk-size/timeout flush
// triggers and ack-based backpressure apply the same way for every request,
// matching the data flow in which the streaming controller sits between the
// worker's token producer and the transport back to the client.
type WorkerHandler struct {
	b          bus.Bus
	gen        Generator
	streamCtrl *streaming.Controller
	lg         *slog.Logger
}

// NewWorkerHandler constructs a WorkerHandler that executes requests via gen
// and aggregates their tokens through streamCtrl before publishing.
func NewWorkerHandler(b bus.Bus, gen Generator, streamCtrl *streaming.Controller, lg *slog.Logger) *WorkerHandler {
	if lg == nil {
		lg = slog.Default()
	}
	return &WorkerHandler{b: b, gen: gen, streamCtrl: streamCtrl, lg: lg}
}

// Listen subscribes to workerID's inbox topic and processes each incoming
// request in its own goroutine, returning an unsubscribe func.
func (h *WorkerHandler) Listen(ctx context.Context, workerID string) (func(), error) {
	return h.b.Subscribe(ctx, inboxTopic(workerID), func(msgCtx context.Context, msg bus.Message) error {
		var env envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			h.lg.Warn("worker handler: malformed envelope", slog.Any("error", err))
			return err
		}
		go h.handle(msgCtx, env)
		return nil
	})
}

// replyConsumer adapts a reply topic to streaming.Consumer by publishing
// each flushed chunk as a "chunk" reply.
type replyConsumer struct {
	h     *WorkerHandler
	ctx   context.Context
	topic string
}

func (c replyConsumer) SendChunk(chunk domain.Chunk) error {
	tokens := make([]tokenWire, 0, len(chunk.Tokens))
	for _, t := range chunk.Tokens {
		tokens = append(tokens, tokenWire{ID: t.ID, Text: t.Text, IsFinal: t.IsFinal})
	}
	c.h.publishReply(c.ctx, c.topic, reply{Kind: "chunk", RequestID: chunk.StreamID, Tokens: tokens, Sequence: chunk.Sequence, IsFinal: chunk.Final})
	return nil
}

func (h *WorkerHandler) handle(ctx context.Context, env envelope) {
	req := domain.InferenceRequest{
		RequestID:   env.RequestID,
		ModelID:     env.ModelID,
		Prompt:      env.Prompt,
		MaxTokens:   env.MaxTokens,
		Temperature: env.Temperature,
		TopP:        env.TopP,
		SessionID:   env.SessionID,
		TenantID:    env.TenantID,
		Stream:      env.Stream,
		Priority:    env.Priority,
	}

	start := time.Now()

	var emit func(domain.Token)
	if h.streamCtrl != nil {
		if err := h.streamCtrl.RegisterStream(req.RequestID, replyConsumer{h: h, ctx: ctx, topic: env.ReplyTopic}); err != nil {
			h.lg.Warn("worker handler: register stream failed", slog.String("request_id", req.RequestID), slog.Any("error", err))
		}
		emit = func(tok domain.Token) {
			if err := h.streamCtrl.EnqueueToken(ctx, req.RequestID, tok); err != nil {
				h.lg.Warn("worker handler: enqueue token failed", slog.String("request_id", req.RequestID), slog.Any("error", err))
			}
		}
	} else {
		emit = func(tok domain.Token) {
			h.publishReply(ctx, env.ReplyTopic, reply{Kind: "token", RequestID: req.RequestID, TokenID: tok.ID, Text: tok.Text, IsFinal: tok.IsFinal})
		}
	}

	total, err := h.gen(ctx, req, emit)

	if h.streamCtrl != nil {
		h.streamCtrl.UnregisterStream(req.RequestID)
	}

	if err != nil {
		h.publishReply(ctx, env.ReplyTopic, reply{Kind: "error", RequestID: req.RequestID, Error: err.Error(), Code: "INTERNAL"})
		return
	}
	h.publishReply(ctx, env.ReplyTopic, reply{Kind: "done", RequestID: req.RequestID, TotalTokens: total, LatencyMs: float64(time.Since(start).Milliseconds())})
}

func (h *WorkerHandler) publishReply(ctx context.Context, topic string, r reply) {
	payload, err := json.Marshal(r)
	if err != nil {
		h.lg.Error("worker handler: marshal reply", slog.Any("error", err))
		return
	}
	if err := h.b.Publish(ctx, bus.Message{Topic: topic, Key: r.RequestID, Value: payload}); err != nil {
		h.lg.Warn("worker handler: publish reply failed", slog.String("topic", topic), slog.Any("error", err))
	}
}
