// Package retryexec implements the retry executor (4.C): it re-invokes a
// routing attempt on a different worker, with bounded attempts and
// jittered exponential backoff delegated to cenkalti/backoff.
package retryexec

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/inference-mesh/control-plane/internal/domain"
	"github.com/inference-mesh/control-plane/internal/telemetry"
)

// Params configures the executor's attempt budget and backoff curve.
type Params struct {
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	Jitter            bool
}

// AttemptFunc performs one routing attempt, excluding any worker id already
// in excluded. On success it returns the chosen worker id and a result; on
// failure it returns the worker id it tried (if one was selected before the
// failure) so the executor can add it to the exclusion set.
type AttemptFunc func(ctx context.Context, excluded map[string]struct{}) (workerID string, result any, err error)

// Info records everything the orchestrator needs to populate
// RequestMetadata after a call to Execute.
type Info struct {
	RetryCount     int
	FailedWorkers  []string
	SelectedWorker string
}

// Executor runs an AttemptFunc up to Params.MaxRetries+1 times, excluding
// previously-tried workers and backing off between attempts. Retries always
// change worker: the excluded-workers set only grows (Failure semantics,
// §4 "Retries always change worker").
type Executor struct {
	params Params
	lg     *slog.Logger
}

// New constructs an Executor.
func New(params Params, lg *slog.Logger) *Executor {
	if lg == nil {
		lg = slog.Default()
	}
	return &Executor{params: params, lg: lg}
}

func (e *Executor) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.params.InitialDelay
	b.MaxInterval = e.params.MaxDelay
	b.Multiplier = e.params.BackoffMultiplier
	b.MaxElapsedTime = 0 // the executor owns the attempt budget via MaxRetries, not elapsed time
	if e.params.Jitter {
		b.RandomizationFactor = 0.2
	} else {
		b.RandomizationFactor = 0
	}
	b.Reset()
	return b
}

// Execute runs attempt, retrying on retryable errors against workers not
// yet excluded. It never selects a worker already in excludedWorkers
// (testable property 3).
func (e *Executor) Execute(ctx context.Context, requestID string, attempt AttemptFunc) (any, Info, error) {
	excluded := make(map[string]struct{})
	info := Info{}
	bo := e.newBackoff()

	var lastErr error
	internalFailures := 0
	for i := 0; i <= e.params.MaxRetries; i++ {
		workerID, result, err := attempt(ctx, excluded)
		if err == nil {
			telemetry.RetryAttemptsTotal.WithLabelValues("success").Inc()
			info.SelectedWorker = workerID
			return result, info, nil
		}

		lastErr = err
		if workerID != "" {
			excluded[workerID] = struct{}{}
			info.FailedWorkers = append(info.FailedWorkers, workerID)
		}

		if errors.Is(err, domain.ErrNoWorkersAvailable) || errors.Is(err, domain.ErrNoHealthyWorkers) {
			// Edge case: every healthy worker already excluded — surface immediately,
			// the authoritative branch per §9's open question.
			telemetry.RetryAttemptsTotal.WithLabelValues("non_retryable").Inc()
			return nil, info, err
		}

		if !domain.IsRetryable(err) {
			telemetry.RetryAttemptsTotal.WithLabelValues("non_retryable").Inc()
			return nil, info, err
		}

		if errors.Is(err, domain.ErrInternal) {
			internalFailures++
			if internalFailures > 1 {
				telemetry.RetryAttemptsTotal.WithLabelValues("non_retryable").Inc()
				return nil, info, err
			}
		}

		if i == e.params.MaxRetries {
			telemetry.RetryAttemptsTotal.WithLabelValues("exhausted").Inc()
			break
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		info.RetryCount++
		e.lg.Info("retrying attempt on a different worker",
			slog.String("request_id", requestID),
			slog.Int("attempt", i+1),
			slog.Duration("delay", delay),
			slog.String("failed_worker", workerID))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, info, domain.NewCodedError(domain.ErrCancelled, "RetryExecutor.Execute", requestID, 0, 0)
		case <-timer.C:
		}
	}

	return nil, info, lastErr
}
