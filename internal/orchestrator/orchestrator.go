// Package orchestrator implements the controller orchestrator (4.I): the
// lifecycle state machine and the public inference entry point that wires
// the priority scheduler, retry executor, timeout enforcer, load balancer,
// registry, and breaker set into one call path.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/inference-mesh/control-plane/internal/balancer"
	"github.com/inference-mesh/control-plane/internal/breaker"
	"github.com/inference-mesh/control-plane/internal/domain"
	"github.com/inference-mesh/control-plane/internal/metadata"
	"github.com/inference-mesh/control-plane/internal/registry"
	"github.com/inference-mesh/control-plane/internal/retryexec"
	"github.com/inference-mesh/control-plane/internal/scheduler"
	"github.com/inference-mesh/control-plane/internal/timeoutx"
)

// BatchRouter submits a non-generation request to the batch aggregator and
// blocks until its batch completes. Tokenize and draft-check calls take
// this path instead of the scheduler/retry/dispatch pipeline built for
// generation requests.
type BatchRouter interface {
	Submit(ctx context.Context, kind string, req domain.InferenceRequest) (any, error)
}

// State is one stage of the orchestrator's lifecycle.
type State int

// Lifecycle states, per 4.I.
const (
	StateIdle State = iota
	StateConnecting
	StateRegistering
	StateStarting
	StateReady
	StateDraining
	StateStopping
	StateStopped
)

// String renders the lifecycle state for logging.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateRegistering:
		return "REGISTERING"
	case StateStarting:
		return "STARTING"
	case StateReady:
		return "READY"
	case StateDraining:
		return "DRAINING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Dispatcher sends a request to a chosen worker and returns a channel of
// token notifications terminated by exactly one done or error notification.
// Implementations typically publish to the worker's inbox topic on the bus
// and subscribe to its reply topic.
type Dispatcher interface {
	Dispatch(ctx context.Context, workerID string, req domain.InferenceRequest) (<-chan any, error)
}

// Orchestrator wires the scheduler, retry executor, timeout enforcer, load
// balancer, registry, and breaker set into HandleInferenceRequest.
type Orchestrator struct {
	mu    sync.Mutex
	state State

	registry   *registry.Registry
	breakers   *breaker.Set
	lb         *balancer.LoadBalancer
	scheduler  *scheduler.Scheduler
	retry      *retryexec.Executor
	timeouts   *timeoutx.Enforcer
	meta       *metadata.Store
	regression *metadata.RegressionDetector
	dispatcher Dispatcher
	batches    BatchRouter

	drainTimeout time.Duration
	activeWg     sync.WaitGroup
	lg           *slog.Logger
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Registry     *registry.Registry
	Breakers     *breaker.Set
	LoadBalancer *balancer.LoadBalancer
	Scheduler    *scheduler.Scheduler
	Retry        *retryexec.Executor
	Timeouts     *timeoutx.Enforcer
	Metadata     *metadata.Store
	Regression   *metadata.RegressionDetector
	Dispatcher   Dispatcher
	Batches      BatchRouter
	DrainTimeout time.Duration
}

// New constructs an Orchestrator in the IDLE state.
func New(deps Deps, lg *slog.Logger) *Orchestrator {
	if lg == nil {
		lg = slog.Default()
	}
	drain := deps.DrainTimeout
	if drain <= 0 {
		drain = 30 * time.Second
	}
	return &Orchestrator{
		state:        StateIdle,
		registry:     deps.Registry,
		breakers:     deps.Breakers,
		lb:           deps.LoadBalancer,
		scheduler:    deps.Scheduler,
		retry:        deps.Retry,
		timeouts:     deps.Timeouts,
		meta:         deps.Metadata,
		regression:   deps.Regression,
		dispatcher:   deps.Dispatcher,
		batches:      deps.Batches,
		drainTimeout: drain,
		lg:           lg,
	}
}

// State returns the orchestrator's current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	o.lg.Info("orchestrator state transition", slog.String("state", s.String()))
}

// Start transitions IDLE -> CONNECTING -> REGISTERING -> STARTING -> READY.
// It rejects any call made outside IDLE.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return domain.NewCodedError(domain.ErrNotRunning, "Orchestrator.Start", "", 0, 0)
	}
	o.mu.Unlock()

	o.setState(StateConnecting)
	o.setState(StateRegistering)
	o.setState(StateStarting)
	o.setState(StateReady)
	return nil
}

// Stop drains in-flight requests up to drainTimeout, then forces shutdown.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.setState(StateDraining)

	done := make(chan struct{})
	go func() {
		o.activeWg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(o.drainTimeout):
		o.lg.Warn("drain timeout elapsed, forcing shutdown with requests still active")
	case <-ctx.Done():
	}

	o.setState(StateStopping)
	o.setState(StateStopped)
	return nil
}

// HandleBatchableRequest routes a non-generation RPC (tokenize, draft check)
// through the batch aggregator instead of the scheduler/retry/dispatch path,
// per the data flow's batch short-circuit ahead of worker dispatch.
func (o *Orchestrator) HandleBatchableRequest(ctx context.Context, kind string, req domain.InferenceRequest) (any, error) {
	o.mu.Lock()
	ready := o.state == StateReady
	o.mu.Unlock()
	if !ready {
		return nil, domain.NewCodedError(domain.ErrNotRunning, "Orchestrator.HandleBatchableRequest", req.RequestID, 0, 0)
	}
	if o.batches == nil {
		return nil, domain.NewCodedError(domain.ErrValidation, "Orchestrator.HandleBatchableRequest", req.RequestID, 0, 0)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return o.batches.Submit(ctx, kind, req)
}

// HandleInferenceRequest implements the primary entry point (4.I): admit,
// retry-wrap, timeout-wrap, route, dispatch, and stream results back.
func (o *Orchestrator) HandleInferenceRequest(ctx context.Context, req domain.InferenceRequest) (<-chan any, error) {
	o.mu.Lock()
	ready := o.state == StateReady
	o.mu.Unlock()
	if !ready {
		return nil, domain.NewCodedError(domain.ErrNotRunning, "Orchestrator.HandleInferenceRequest", req.RequestID, 0, 0)
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}

	o.meta.Create(req.RequestID)
	o.activeWg.Add(1)

	qreq := domain.QueuedRequest{
		Payload:         req,
		Priority:        req.Priority,
		TenantID:        req.TenantID,
		EstimatedTokens: req.EstimatedTokens,
		Deadline:        req.Deadline,
		EnqueuedAt:      time.Now(),
	}
	if dropped, err := o.scheduler.Admit(qreq); err != nil {
		o.activeWg.Done()
		o.meta.Finalize(req.RequestID, "", err.Error())
		return nil, err
	} else if dropped != "" {
		o.meta.Finalize(dropped, "", domain.ErrCancelled.Error())
	}

	if !o.dequeueSelf(req.RequestID) {
		o.activeWg.Done()
		o.meta.Finalize(req.RequestID, "", domain.ErrQueueFull.Error())
		return nil, domain.ErrQueueFull
	}

	// An execution slot may not be free yet. Put the request back in its
	// priority bucket and wait for one to open rather than discarding it,
	// so concurrency limits don't undo priority ordering (§4.F selection
	// "when an execution slot opens").
	for !o.scheduler.TryAcquireSlot() {
		if dropped, err := o.scheduler.Admit(qreq); err != nil {
			o.activeWg.Done()
			o.meta.Finalize(req.RequestID, "", err.Error())
			return nil, err
		} else if dropped != "" {
			o.meta.Finalize(dropped, "", domain.ErrCancelled.Error())
		}

		select {
		case <-ctx.Done():
			o.activeWg.Done()
			o.meta.Finalize(req.RequestID, "", domain.ErrCancelled.Error())
			return nil, domain.NewCodedError(domain.ErrCancelled, "Orchestrator.HandleInferenceRequest", req.RequestID, 0, 0)
		case <-o.scheduler.SlotFreed():
		}

		if !o.dequeueSelf(req.RequestID) {
			o.activeWg.Done()
			o.meta.Finalize(req.RequestID, "", domain.ErrQueueFull.Error())
			return nil, domain.ErrQueueFull
		}
	}

	out := make(chan any, 16)
	go o.execute(ctx, req, out)
	return out, nil
}

// dequeueSelf pulls requests off the scheduler, re-admitting every one
// that isn't requestID, until it dequeues requestID itself. Returns false
// if the scheduler drained without ever producing it (e.g. it was
// evicted by the drop policy while waiting).
func (o *Orchestrator) dequeueSelf(requestID string) bool {
	for {
		picked, ok := o.scheduler.Select(time.Now())
		if !ok {
			return false
		}
		if picked.Payload.RequestID == requestID {
			return true
		}
		// Another goroutine's Select call raced ahead of this one and is
		// handling a different request; requeue it for its own caller.
		_, _ = o.scheduler.Admit(picked)
	}
}

func (o *Orchestrator) execute(ctx context.Context, req domain.InferenceRequest, out chan<- any) {
	defer close(out)
	defer o.activeWg.Done()
	defer o.scheduler.ReleaseSlot()

	result, info, err := o.retry.Execute(ctx, req.RequestID, func(attemptCtx context.Context, excluded map[string]struct{}) (string, any, error) {
		workers := o.registry.GetOnline()
		worker, selErr := o.lb.Select(attemptCtx, workers, o.breakers, req, excluded)
		if selErr != nil {
			return "", nil, selErr
		}

		var tokenCh <-chan any
		timeoutErr := o.timeouts.Run(attemptCtx, "Orchestrator.Dispatch", req.RequestID, req.Stream, func(runCtx context.Context) error {
			ch, dispatchErr := o.dispatcher.Dispatch(runCtx, worker.WorkerID, req)
			if dispatchErr != nil {
				return dispatchErr
			}
			tokenCh = ch
			return nil
		})
		if timeoutErr != nil {
			o.breakers.GetBreaker(worker.WorkerID).RecordFailure()
			o.meta.RecordTimeout(req.RequestID)
			return worker.WorkerID, nil, timeoutErr
		}

		o.breakers.GetBreaker(worker.WorkerID).RecordSuccess()
		return worker.WorkerID, tokenCh, nil
	})

	for _, failed := range info.FailedWorkers {
		o.meta.RecordRetry(req.RequestID, failed)
	}

	if o.regression != nil {
		if err != nil {
			o.regression.RecordErrorRate(1)
		} else {
			o.regression.RecordErrorRate(0)
		}
	}

	if err != nil {
		o.meta.Finalize(req.RequestID, "", err.Error())
		out <- domain.ErrorNotification{RequestID: req.RequestID, Error: err.Error(), Code: errorCode(err)}
		return
	}

	tokenCh, ok := result.(<-chan any)
	if !ok {
		o.meta.Finalize(req.RequestID, "", "internal: dispatcher returned unexpected type")
		return
	}

	for msg := range tokenCh {
		out <- msg
	}
	o.meta.Finalize(req.RequestID, info.SelectedWorker, "")
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrWorkerTimeout):
		return "WORKER_TIMEOUT"
	case errors.Is(err, domain.ErrNoWorkersAvailable), errors.Is(err, domain.ErrNoHealthyWorkers):
		return "NO_WORKERS_AVAILABLE"
	case errors.Is(err, domain.ErrValidation):
		return "VALIDATION"
	case errors.Is(err, domain.ErrCancelled):
		return "CANCELLED"
	default:
		return "INTERNAL"
	}
}
