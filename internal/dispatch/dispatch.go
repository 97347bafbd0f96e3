// Package dispatch implements the orchestrator.Dispatcher port over a
// bus.Bus: it publishes a request to a worker's inbox topic and translates
// the worker's reply-topic messages back into the token/done/error
// notifications HandleInferenceRequest streams to its caller.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/inference-mesh/control-plane/internal/bus"
	"github.com/inference-mesh/control-plane/internal/domain"
)

// envelope is the wire message published to a worker's inbox topic.
type envelope struct {
	RequestID   string                `json:"request_id"`
	ModelID     string                `json:"model_id"`
	Prompt      string                `json:"prompt"`
	MaxTokens   *int                  `json:"max_tokens,omitempty"`
	Temperature *float64              `json:"temperature,omitempty"`
	TopP        *float64              `json:"top_p,omitempty"`
	SessionID   string                `json:"session_id,omitempty"`
	TenantID    string                `json:"tenant_id,omitempty"`
	Stream      bool                  `json:"stream"`
	Priority    domain.Priority       `json:"priority"`
	ReplyTopic  string                `json:"reply_topic"`
}

// tokenWire is one token as carried inside a chunk reply.
type tokenWire struct {
	ID      int    `json:"id"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final,omitempty"`
}

// reply is the wire message a worker publishes back for one request. Kind
// "chunk" carries the tokens aggregated by the streaming controller (4.H);
// "token" is the unaggregated form used when no controller is configured.
type reply struct {
	Kind        string      `json:"kind"` // token, chunk, done, error
	RequestID   string      `json:"request_id"`
	TokenID     int         `json:"token_id,omitempty"`
	Text        string      `json:"text,omitempty"`
	IsFinal     bool        `json:"is_final,omitempty"`
	Tokens      []tokenWire `json:"tokens,omitempty"`
	Sequence    uint64      `json:"sequence,omitempty"`
	TotalTokens int         `json:"total_tokens,omitempty"`
	LatencyMs   float64     `json:"latency_ms,omitempty"`
	Error       string      `json:"error,omitempty"`
	Code        string      `json:"code,omitempty"`
}

// Dispatcher publishes each inference request to the chosen worker's inbox
// topic and reads that request's replies back from its own reply topic.
type Dispatcher struct {
	b  bus.Bus
	lg *slog.Logger
}

// New constructs a Dispatcher backed by b.
func New(b bus.Bus, lg *slog.Logger) *Dispatcher {
	if lg == nil {
		lg = slog.Default()
	}
	return &Dispatcher{b: b, lg: lg}
}

func inboxTopic(workerID string) string { return "worker." + workerID + ".inbox" }
func replyTopic(requestID string) string { return "request." + requestID + ".reply" }

// Dispatch publishes req to workerID's inbox and returns a channel of
// domain.Token / domain.DoneNotification / domain.ErrorNotification values
// demultiplexed from the per-request reply topic. The channel closes once a
// done or error notification has been delivered.
func (d *Dispatcher) Dispatch(ctx context.Context, workerID string, req domain.InferenceRequest) (<-chan any, error) {
	topic := replyTopic(req.RequestID)
	out := make(chan any, 16)

	var unsubscribe func()
	unsubscribe, err := d.b.Subscribe(ctx, topic, func(_ context.Context, msg bus.Message) error {
		var r reply
		if err := json.Unmarshal(msg.Value, &r); err != nil {
			d.lg.Warn("dispatch: malformed reply", slog.String("request_id", req.RequestID), slog.Any("error", err))
			return err
		}
		switch r.Kind {
		case "token":
			out <- domain.Token{ID: r.TokenID, Text: r.Text, IsFinal: r.IsFinal}
		case "chunk":
			for _, tok := range r.Tokens {
				out <- domain.Token{ID: tok.ID, Text: tok.Text, IsFinal: tok.IsFinal}
			}
		case "done":
			out <- domain.DoneNotification{RequestID: r.RequestID, TotalTokens: r.TotalTokens, LatencyMs: r.LatencyMs}
			close(out)
			unsubscribe()
		case "error":
			out <- domain.ErrorNotification{RequestID: r.RequestID, Error: r.Error, Code: r.Code}
			close(out)
			unsubscribe()
		default:
			d.lg.Warn("dispatch: unknown reply kind", slog.String("kind", r.Kind))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch: subscribe to %s: %w", topic, err)
	}

	env := envelope{
		RequestID:   req.RequestID,
		ModelID:     req.ModelID,
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		SessionID:   req.SessionID,
		TenantID:    req.TenantID,
		Stream:      req.Stream,
		Priority:    req.Priority,
		ReplyTopic:  topic,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		unsubscribe()
		return nil, fmt.Errorf("dispatch: marshal envelope: %w", err)
	}

	if err := d.b.Publish(ctx, bus.Message{Topic: inboxTopic(workerID), Key: req.RequestID, Value: payload}); err != nil {
		unsubscribe()
		return nil, fmt.Errorf("dispatch: publish to %s: %w", inboxTopic(workerID), err)
	}

	return out, nil
}
