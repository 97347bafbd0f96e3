// Package streaming implements the streaming controller (4.H): per-stream
// token buffering, chunked flush triggers, ack-based backpressure, and
// slow-consumer detection.
package streaming

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/inference-mesh/control-plane/internal/domain"
	"github.com/inference-mesh/control-plane/internal/telemetry"
)

// Consumer receives flushed chunks for one stream. Implementations typically
// forward the chunk over the transport back to the originating client.
type Consumer interface {
	SendChunk(chunk domain.Chunk) error
}

// Params configures chunking, backpressure, and slow-consumer detection.
type Params struct {
	ChunkSizeBytes        int
	ChunkTimeout          time.Duration
	MaxUnackedChunks      int
	AckTimeout            time.Duration
	SlowConsumerThreshold time.Duration
	MetricsExportInterval time.Duration
}

type pendingChunk struct {
	chunk    domain.Chunk
	sentAt   time.Time
	timer    *time.Timer
}

type streamState struct {
	mu           sync.Mutex
	streamID     string
	consumer     Consumer
	seq          uint64
	buffer       []domain.Token
	bufferBytes  int
	flushTimer   *time.Timer
	pending      map[string]*pendingChunk
	closing      bool
	flushing     bool
	waiters      []chan struct{}

	latencySamples    []time.Duration
	throughputSamples []float64
	chunkSizes        []int
	cancellations     int
}

// Controller manages streaming state for many concurrent streams.
type Controller struct {
	mu      sync.Mutex
	streams map[string]*streamState
	params  Params
	lg      *slog.Logger
	events  *telemetry.EventBus

	chunkSeq uint64
	chunkMu  sync.Mutex
}

// New constructs a Controller.
func New(params Params, lg *slog.Logger, events *telemetry.EventBus) *Controller {
	if lg == nil {
		lg = slog.Default()
	}
	return &Controller{streams: make(map[string]*streamState), params: params, lg: lg, events: events}
}

// RegisterStream creates state for a new stream. Fails if already registered.
func (c *Controller) RegisterStream(streamID string, consumer Consumer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.streams[streamID]; exists {
		return domain.NewCodedError(domain.ErrAlreadyRegistered, "Controller.RegisterStream", streamID, 0, 0)
	}
	c.streams[streamID] = &streamState{streamID: streamID, consumer: consumer, pending: make(map[string]*pendingChunk)}
	return nil
}

func (c *Controller) getStream(streamID string) (*streamState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[streamID]
	return s, ok
}

func (c *Controller) nextChunkID() string {
	c.chunkMu.Lock()
	defer c.chunkMu.Unlock()
	c.chunkSeq++
	return chunkIDFrom(c.chunkSeq)
}

func chunkIDFrom(n uint64) string {
	const digits = "0123456789abcdef"
	if n == 0 {
		return "0"
	}
	buf := make([]byte, 0, 16)
	for n > 0 {
		buf = append([]byte{digits[n%16]}, buf...)
		n /= 16
	}
	return string(buf)
}

// EnqueueToken appends token to streamID's buffer, flushing when the byte
// threshold is crossed or the token is final. It blocks (backpressure) while
// the stream already has MaxUnackedChunks chunks awaiting ack.
func (c *Controller) EnqueueToken(ctx context.Context, streamID string, token domain.Token) error {
	s, ok := c.getStream(streamID)
	if !ok {
		return domain.NewCodedError(domain.ErrNotRunning, "Controller.EnqueueToken", streamID, 0, 0)
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return domain.NewCodedError(domain.ErrCancelled, "Controller.EnqueueToken", streamID, 0, 0)
	}

	if len(s.pending) >= c.params.MaxUnackedChunks {
		wait := make(chan struct{})
		s.waiters = append(s.waiters, wait)
		s.mu.Unlock()

		telemetry.StreamBackpressureTotal.Inc()
		select {
		case <-wait:
		case <-ctx.Done():
			return domain.NewCodedError(domain.ErrCancelled, "Controller.EnqueueToken", streamID, 0, 0)
		}
		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			return domain.NewCodedError(domain.ErrCancelled, "Controller.EnqueueToken", streamID, 0, 0)
		}
	}

	s.buffer = append(s.buffer, token)
	s.bufferBytes += token.SizeBytes
	firstToken := len(s.buffer) == 1

	shouldFlush := s.bufferBytes >= c.params.ChunkSizeBytes || token.IsFinal
	if firstToken && !shouldFlush {
		s.flushTimer = time.AfterFunc(c.params.ChunkTimeout, func() {
			c.flush(streamID, "timeout")
		})
	}
	s.mu.Unlock()

	if shouldFlush {
		reason := "size"
		if token.IsFinal {
			reason = "final"
		}
		c.flush(streamID, reason)
	}
	return nil
}

// flush builds a Chunk from the buffer and hands it to the consumer. Only
// one flush is in flight per stream; concurrent flush requests are no-ops
// since the buffer they would have flushed is already empty.
func (c *Controller) flush(streamID, reason string) {
	s, ok := c.getStream(streamID)
	if !ok {
		return
	}

	s.mu.Lock()
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	if len(s.buffer) == 0 || s.flushing {
		s.mu.Unlock()
		return
	}
	s.flushing = true
	tokens := s.buffer
	s.buffer = nil
	bufBytes := s.bufferBytes
	s.bufferBytes = 0
	s.seq++
	seq := s.seq
	final := reason == "final"
	s.mu.Unlock()

	chunk := domain.Chunk{
		ChunkID:   c.nextChunkID(),
		StreamID:  streamID,
		Sequence:  seq,
		Tokens:    tokens,
		SizeBytes: bufBytes,
		CreatedAt: time.Now(),
		Final:     final,
		Reason:    reason,
	}

	s.mu.Lock()
	s.chunkSizes = append(s.chunkSizes, bufBytes)
	if len(s.chunkSizes) > 256 {
		s.chunkSizes = s.chunkSizes[len(s.chunkSizes)-256:]
	}
	s.flushing = false
	now := time.Now()
	chunk.SentAt = &now
	pc := &pendingChunk{chunk: chunk, sentAt: now}
	pc.timer = time.AfterFunc(c.params.AckTimeout, func() {
		c.onAckTimeout(streamID, chunk.ChunkID)
	})
	s.pending[chunk.ChunkID] = pc
	s.mu.Unlock()

	telemetry.StreamChunksFlushedTotal.WithLabelValues(reason).Inc()
	if err := s.consumer.SendChunk(chunk); err != nil {
		c.lg.Warn("consumer send failed", slog.String("stream_id", streamID), slog.Any("error", err))
	}
}

// AckChunk acknowledges chunkID, recording latency/throughput and releasing
// one blocked producer if backpressure was applied.
func (c *Controller) AckChunk(streamID, chunkID string) {
	s, ok := c.getStream(streamID)
	if !ok {
		return
	}

	s.mu.Lock()
	pc, exists := s.pending[chunkID]
	if !exists {
		s.mu.Unlock()
		return
	}
	delete(s.pending, chunkID)
	pc.timer.Stop()
	latency := time.Since(pc.sentAt)
	s.latencySamples = append(s.latencySamples, latency)
	if len(s.latencySamples) > 256 {
		s.latencySamples = s.latencySamples[len(s.latencySamples)-256:]
	}
	if latency > 0 {
		throughput := float64(pc.chunk.SizeBytes) / latency.Seconds()
		s.throughputSamples = append(s.throughputSamples, throughput)
		if len(s.throughputSamples) > 128 {
			s.throughputSamples = s.throughputSamples[len(s.throughputSamples)-128:]
		}
	}
	var waiter chan struct{}
	if len(s.waiters) > 0 {
		waiter = s.waiters[0]
		s.waiters = s.waiters[1:]
	}
	s.mu.Unlock()

	telemetry.StreamAckLatency.Observe(latency.Seconds())
	if latency >= c.params.SlowConsumerThreshold {
		telemetry.StreamSlowConsumerTotal.Inc()
		if c.events != nil {
			c.events.Publish(telemetry.Event{Type: "slowConsumer", Source: "streaming", Data: map[string]any{"stream_id": streamID, "latency_ms": latency.Milliseconds()}})
		}
	}
	if waiter != nil {
		close(waiter)
	}
}

func (c *Controller) onAckTimeout(streamID, chunkID string) {
	s, ok := c.getStream(streamID)
	if !ok {
		return
	}
	s.mu.Lock()
	_, exists := s.pending[chunkID]
	if !exists {
		s.mu.Unlock()
		return
	}
	delete(s.pending, chunkID)
	s.cancellations++
	var waiter chan struct{}
	if len(s.waiters) > 0 {
		waiter = s.waiters[0]
		s.waiters = s.waiters[1:]
	}
	s.mu.Unlock()

	c.lg.Warn("chunk ack timed out", slog.String("stream_id", streamID), slog.String("chunk_id", chunkID))
	if c.events != nil {
		c.events.Publish(telemetry.Event{Type: "chunkTimeout", Source: "streaming", Data: map[string]any{"stream_id": streamID, "chunk_id": chunkID}})
	}
	if waiter != nil {
		close(waiter)
	}
}

// UnregisterStream flushes any buffered tokens as a final chunk, rejects any
// still-blocked producers, and removes the stream's state.
func (c *Controller) UnregisterStream(streamID string) {
	s, ok := c.getStream(streamID)
	if !ok {
		return
	}

	s.mu.Lock()
	s.closing = true
	hasBuffer := len(s.buffer) > 0
	waiters := s.waiters
	s.waiters = nil
	s.mu.Unlock()

	if hasBuffer {
		c.flush(streamID, "final")
	}
	for _, w := range waiters {
		close(w)
	}

	c.mu.Lock()
	delete(c.streams, streamID)
	c.mu.Unlock()
}

// Stats is a point-in-time snapshot of one stream's rolling statistics.
type Stats struct {
	StreamID      string
	UnackedChunks int
	MeanLatencyMs float64
	P95LatencyMs  float64
	Cancellations int
}

// Stats returns a snapshot of streamID's statistics.
func (c *Controller) Stats(streamID string) (Stats, bool) {
	s, ok := c.getStream(streamID)
	if !ok {
		return Stats{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	mean, p95 := latencyStats(s.latencySamples)
	return Stats{
		StreamID:      streamID,
		UnackedChunks: len(s.pending),
		MeanLatencyMs: mean,
		P95LatencyMs:  p95,
		Cancellations: s.cancellations,
	}, true
}

func latencyStats(samples []time.Duration) (mean, p95 float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	mean = float64(sum.Milliseconds()) / float64(len(sorted))
	idx := (len(sorted) * 95) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	p95 = float64(sorted[idx].Milliseconds())
	return mean, p95
}

// Run periodically exports controller-wide metrics until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	interval := c.params.MetricsExportInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.exportMetrics()
		}
	}
}

func (c *Controller) exportMetrics() {
	c.mu.Lock()
	n := len(c.streams)
	c.mu.Unlock()
	c.lg.Debug("streaming controller metrics tick", slog.Int("active_streams", n))
}
