// Package timeoutx implements the timeout enforcer (4.D): it wraps any
// cancellable asynchronous operation with a deadline and converts expiry
// into a tagged domain.ErrWorkerTimeout.
package timeoutx

import (
	"context"
	"log/slog"
	"time"

	"github.com/inference-mesh/control-plane/internal/domain"
	"github.com/inference-mesh/control-plane/internal/telemetry"
)

// Enforcer wraps operations with the two standard deadlines from 4.D:
// StandardTimeout for non-streaming requests, StreamingTimeout for
// streaming ones (including the first-token wait, per §9's open question).
type Enforcer struct {
	StandardTimeout  time.Duration
	StreamingTimeout time.Duration
	lg               *slog.Logger
}

// New constructs an Enforcer.
func New(standard, streaming time.Duration, lg *slog.Logger) *Enforcer {
	if lg == nil {
		lg = slog.Default()
	}
	return &Enforcer{StandardTimeout: standard, StreamingTimeout: streaming, lg: lg}
}

// DeadlineFor returns the configured deadline for a request, selecting
// StreamingTimeout whenever stream=true (§9 open question, resolved).
func (e *Enforcer) DeadlineFor(stream bool) time.Duration {
	if stream {
		return e.StreamingTimeout
	}
	return e.StandardTimeout
}

// Run executes op with a deadline derived from DeadlineFor. op must be
// cancellable: it receives the derived context and must stop promptly when
// it is done, propagating cancellation transitively to any further
// dispatch it performs (5. Concurrency & Resource Model).
func (e *Enforcer) Run(ctx context.Context, method, requestID string, stream bool, op func(context.Context) error) error {
	deadline := e.DeadlineFor(stream)
	cctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	err := op(cctx)
	duration := time.Since(start)

	if err != nil && cctx.Err() == context.DeadlineExceeded {
		telemetry.TimeoutsTotal.WithLabelValues(method).Inc()
		e.lg.Warn("operation timed out",
			slog.String("method", method),
			slog.String("request_id", requestID),
			slog.Duration("deadline", deadline),
			slog.Duration("duration", duration))
		return domain.NewCodedError(domain.ErrWorkerTimeout, method, requestID, deadline, duration)
	}
	return err
}
