// Package batch implements the batch aggregator (4.G): per-RPC-kind queues
// that coalesce small requests into one batched dispatch, with size/time
// flush triggers and adaptive sizing.
package batch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/inference-mesh/control-plane/internal/domain"
	"github.com/inference-mesh/control-plane/internal/telemetry"
)

// Entry is one sub-request waiting to be folded into a batch.
type Entry struct {
	Request  domain.InferenceRequest
	Priority domain.Priority
	Result   chan Result
}

// Result is delivered to an Entry's waiter once its batch completes.
type Result struct {
	Value any
	Err   error
}

// DispatchFunc executes a batched RPC. It returns one result per input
// entry, in the same order, or an error that fails every entry identically
// (a "dispatch error", as opposed to a per-entry failure already folded into
// the per-index result).
type DispatchFunc func(ctx context.Context, kind string, entries []domain.InferenceRequest) ([]Result, error)

// Params configures one kind's queue.
type Params struct {
	MaxBatchSize      int
	MinBatchSize      int
	FlushInterval     time.Duration
	AdaptiveSizing    bool
	TargetBatchTime   time.Duration
	PriorityQueue     bool
}

type kindQueue struct {
	mu      sync.Mutex
	pending []*Entry
	timer   *time.Timer
	params  Params

	recentTimes []time.Duration // rolling window for adaptive sizing
}

// Aggregator coordinates one kindQueue per RPC kind.
type Aggregator struct {
	mu       sync.Mutex
	queues   map[string]*kindQueue
	dispatch DispatchFunc
	lg       *slog.Logger
}

// New constructs an Aggregator. kinds maps RPC kind name to its Params (the
// teacher domain calls for at least "tokenize" and "check_draft").
func New(kinds map[string]Params, dispatch DispatchFunc, lg *slog.Logger) *Aggregator {
	if lg == nil {
		lg = slog.Default()
	}
	a := &Aggregator{queues: make(map[string]*kindQueue), dispatch: dispatch, lg: lg}
	for kind, p := range kinds {
		a.queues[kind] = &kindQueue{params: p}
	}
	return a
}

// Submit enqueues req under kind and blocks until its batch completes or ctx
// is cancelled.
func (a *Aggregator) Submit(ctx context.Context, kind string, req domain.InferenceRequest) (any, error) {
	a.mu.Lock()
	q, ok := a.queues[kind]
	a.mu.Unlock()
	if !ok {
		return nil, domain.NewCodedError(domain.ErrValidation, "Aggregator.Submit", req.RequestID, 0, 0)
	}

	e := &Entry{Request: req, Priority: req.Priority, Result: make(chan Result, 1)}
	a.enqueue(ctx, kind, q, e)

	select {
	case r := <-e.Result:
		return r.Value, r.Err
	case <-ctx.Done():
		return nil, domain.NewCodedError(domain.ErrCancelled, "Aggregator.Submit", req.RequestID, 0, 0)
	}
}

func (a *Aggregator) enqueue(ctx context.Context, kind string, q *kindQueue, e *Entry) {
	q.mu.Lock()
	q.pending = append(q.pending, e)
	size := len(q.pending)
	firstInBatch := size == 1

	if size >= q.effectiveMaxSize() {
		batch := q.pending
		q.pending = nil
		if q.timer != nil {
			q.timer.Stop()
			q.timer = nil
		}
		q.mu.Unlock()
		a.flush(ctx, kind, q, batch)
		return
	}

	if firstInBatch {
		q.timer = time.AfterFunc(q.params.FlushInterval, func() {
			q.mu.Lock()
			batch := q.pending
			q.pending = nil
			q.timer = nil
			q.mu.Unlock()
			if len(batch) > 0 {
				a.flush(context.Background(), kind, q, batch)
			}
		})
	}
	q.mu.Unlock()
}

func (q *kindQueue) effectiveMaxSize() int {
	if q.params.MaxBatchSize < 1 {
		return 1
	}
	return q.params.MaxBatchSize
}

func (a *Aggregator) flush(ctx context.Context, kind string, q *kindQueue, batch []*Entry) {
	if q.params.PriorityQueue {
		sort.SliceStable(batch, func(i, j int) bool { return batch[i].Priority < batch[j].Priority })
	}

	reqs := make([]domain.InferenceRequest, len(batch))
	for i, e := range batch {
		reqs[i] = e.Request
	}

	start := time.Now()
	results, err := a.dispatch(ctx, kind, reqs)
	elapsed := time.Since(start)

	telemetry.BatchSizeHistogram.WithLabelValues(kind).Observe(float64(len(batch)))
	telemetry.BatchTimeSeconds.WithLabelValues(kind).Observe(elapsed.Seconds())

	if err != nil {
		for _, e := range batch {
			e.Result <- Result{Err: err}
		}
	} else {
		for i, e := range batch {
			if i < len(results) {
				e.Result <- results[i]
			} else {
				e.Result <- Result{Err: domain.NewCodedError(domain.ErrInternal, "Aggregator.flush", e.Request.RequestID, 0, elapsed)}
			}
		}
	}

	if q.params.AdaptiveSizing {
		a.adjustSize(q, elapsed)
	}
}

// adjustSize implements the adaptive-sizing rule: shrink by one when the
// rolling average exceeds TargetBatchTime, grow by one when it stays below
// half the target. The window is capped at 20 samples.
func (a *Aggregator) adjustSize(q *kindQueue, elapsed time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.recentTimes = append(q.recentTimes, elapsed)
	if len(q.recentTimes) > 20 {
		q.recentTimes = q.recentTimes[len(q.recentTimes)-20:]
	}
	var sum time.Duration
	for _, d := range q.recentTimes {
		sum += d
	}
	avg := sum / time.Duration(len(q.recentTimes))

	switch {
	case avg > q.params.TargetBatchTime:
		if q.params.MaxBatchSize > q.params.MinBatchSize {
			q.params.MaxBatchSize--
		}
	case avg < q.params.TargetBatchTime/2:
		q.params.MaxBatchSize++
	}
}

// Stats is a point-in-time snapshot of one kind's queue.
type Stats struct {
	Kind         string
	PendingCount int
	MaxBatchSize int
}

// Stats returns a snapshot of every kind's queue.
func (a *Aggregator) Stats() []Stats {
	a.mu.Lock()
	kinds := make([]string, 0, len(a.queues))
	for k := range a.queues {
		kinds = append(kinds, k)
	}
	a.mu.Unlock()

	sort.Strings(kinds)
	out := make([]Stats, 0, len(kinds))
	for _, k := range kinds {
		q := a.queues[k]
		q.mu.Lock()
		out = append(out, Stats{Kind: k, PendingCount: len(q.pending), MaxBatchSize: q.params.MaxBatchSize})
		q.mu.Unlock()
	}
	return out
}
