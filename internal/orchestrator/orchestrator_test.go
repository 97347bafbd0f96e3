package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-mesh/control-plane/internal/balancer"
	"github.com/inference-mesh/control-plane/internal/breaker"
	"github.com/inference-mesh/control-plane/internal/domain"
	"github.com/inference-mesh/control-plane/internal/metadata"
	"github.com/inference-mesh/control-plane/internal/registry"
	"github.com/inference-mesh/control-plane/internal/retryexec"
	"github.com/inference-mesh/control-plane/internal/scheduler"
	"github.com/inference-mesh/control-plane/internal/timeoutx"
)

type fakeDispatcher struct {
	dispatch func(ctx context.Context, workerID string, req domain.InferenceRequest) (<-chan any, error)
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, workerID string, req domain.InferenceRequest) (<-chan any, error) {
	return f.dispatch(ctx, workerID, req)
}

type fakeBatchRouter struct {
	submit func(ctx context.Context, kind string, req domain.InferenceRequest) (any, error)
}

func (f *fakeBatchRouter) Submit(ctx context.Context, kind string, req domain.InferenceRequest) (any, error) {
	return f.submit(ctx, kind, req)
}

func buildOrchestrator(t *testing.T, dispatch func(ctx context.Context, workerID string, req domain.InferenceRequest) (<-chan any, error)) (*Orchestrator, *registry.Registry) {
	t.Helper()
	reg := registry.New(time.Minute, time.Hour, nil, nil)
	reg.Register(registry.WorkerRegistration{
		WorkerID:     "worker-1",
		Address:      "127.0.0.1",
		Port:         9000,
		Skills:       domain.Skills{AvailableModels: []string{"llama-7b"}},
		Capabilities: domain.Capabilities{SupportedTiers: []domain.ModelTier{domain.Tier3To7B}},
		Status:       domain.WorkerOnline,
		Timestamp:    time.Now(),
	})

	breakers := breaker.NewSet(breaker.Params{FailureThreshold: 5, SuccessThreshold: 2, Timeout: time.Minute}, nil, nil)
	lb := balancer.New(balancer.Params{EligibilityFallbackAllowed: false}, balancer.DefaultWeights, nil, nil)
	sched := scheduler.New(scheduler.Params{MaxQueueSize: 10, MaxConcurrent: 10}, nil, nil)
	retry := retryexec.New(retryexec.Params{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 1}, nil)
	timeouts := timeoutx.New(time.Second, time.Second, nil)
	meta := metadata.NewStore(time.Hour)

	o := New(Deps{
		Registry:     reg,
		Breakers:     breakers,
		LoadBalancer: lb,
		Scheduler:    sched,
		Retry:        retry,
		Timeouts:     timeouts,
		Metadata:     meta,
		Dispatcher:   &fakeDispatcher{dispatch: dispatch},
		DrainTimeout: 50 * time.Millisecond,
	}, nil)
	return o, reg
}

func buildOrchestratorWithConcurrency(t *testing.T, dispatch func(ctx context.Context, workerID string, req domain.InferenceRequest) (<-chan any, error), maxConcurrent int) *Orchestrator {
	t.Helper()
	reg := registry.New(time.Minute, time.Hour, nil, nil)
	reg.Register(registry.WorkerRegistration{
		WorkerID:     "worker-1",
		Address:      "127.0.0.1",
		Port:         9000,
		Skills:       domain.Skills{AvailableModels: []string{"llama-7b"}},
		Capabilities: domain.Capabilities{SupportedTiers: []domain.ModelTier{domain.Tier3To7B}},
		Status:       domain.WorkerOnline,
		Timestamp:    time.Now(),
	})

	breakers := breaker.NewSet(breaker.Params{FailureThreshold: 5, SuccessThreshold: 2, Timeout: time.Minute}, nil, nil)
	lb := balancer.New(balancer.Params{EligibilityFallbackAllowed: false}, balancer.DefaultWeights, nil, nil)
	sched := scheduler.New(scheduler.Params{MaxQueueSize: 10, MaxConcurrent: maxConcurrent}, nil, nil)
	retry := retryexec.New(retryexec.Params{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 1}, nil)
	timeouts := timeoutx.New(time.Second, time.Second, nil)
	meta := metadata.NewStore(time.Hour)

	o := New(Deps{
		Registry:     reg,
		Breakers:     breakers,
		LoadBalancer: lb,
		Scheduler:    sched,
		Retry:        retry,
		Timeouts:     timeouts,
		Metadata:     meta,
		Dispatcher:   &fakeDispatcher{dispatch: dispatch},
		DrainTimeout: 50 * time.Millisecond,
	}, nil)
	return o
}

func buildOrchestratorWithBatches(t *testing.T, batches BatchRouter) *Orchestrator {
	t.Helper()
	o, _ := buildOrchestrator(t, nil)
	o.batches = batches
	return o
}

func TestHandleBatchableRequest_RejectsBeforeStart(t *testing.T) {
	o := buildOrchestratorWithBatches(t, &fakeBatchRouter{})
	_, err := o.HandleBatchableRequest(context.Background(), "tokenize", domain.InferenceRequest{RequestID: "r1", ModelID: "llama-7b"})
	assert.ErrorIs(t, err, domain.ErrNotRunning)
}

func TestHandleBatchableRequest_RejectsWhenNoBatchRouterConfigured(t *testing.T) {
	o, _ := buildOrchestrator(t, nil)
	require.NoError(t, o.Start(context.Background()))
	_, err := o.HandleBatchableRequest(context.Background(), "tokenize", domain.InferenceRequest{RequestID: "r1", ModelID: "llama-7b"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestHandleBatchableRequest_DelegatesToBatchRouter(t *testing.T) {
	var gotKind string
	o := buildOrchestratorWithBatches(t, &fakeBatchRouter{
		submit: func(ctx context.Context, kind string, req domain.InferenceRequest) (any, error) {
			gotKind = kind
			return "tokenized", nil
		},
	})
	require.NoError(t, o.Start(context.Background()))

	out, err := o.HandleBatchableRequest(context.Background(), "tokenize", domain.InferenceRequest{RequestID: "r1", ModelID: "llama-7b"})
	require.NoError(t, err)
	assert.Equal(t, "tokenized", out)
	assert.Equal(t, "tokenize", gotKind)
}

func TestStart_TransitionsToReady(t *testing.T) {
	o, _ := buildOrchestrator(t, nil)
	require.NoError(t, o.Start(context.Background()))
	assert.Equal(t, StateReady, o.State())
}

func TestStart_RejectsFromNonIdleState(t *testing.T) {
	o, _ := buildOrchestrator(t, nil)
	require.NoError(t, o.Start(context.Background()))
	err := o.Start(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotRunning)
}

func TestHandleInferenceRequest_RejectsBeforeStart(t *testing.T) {
	o, _ := buildOrchestrator(t, nil)
	_, err := o.HandleInferenceRequest(context.Background(), domain.InferenceRequest{RequestID: "r1", ModelID: "llama-7b"})
	assert.ErrorIs(t, err, domain.ErrNotRunning)
}

func TestHandleInferenceRequest_RejectsInvalidRequest(t *testing.T) {
	o, _ := buildOrchestrator(t, nil)
	require.NoError(t, o.Start(context.Background()))
	_, err := o.HandleInferenceRequest(context.Background(), domain.InferenceRequest{RequestID: "r1"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestHandleInferenceRequest_HappyPathStreamsTokensThenDone(t *testing.T) {
	dispatch := func(ctx context.Context, workerID string, req domain.InferenceRequest) (<-chan any, error) {
		ch := make(chan any, 4)
		ch <- domain.Token{ID: 1, Text: "hi"}
		ch <- domain.DoneNotification{RequestID: req.RequestID, TotalTokens: 1}
		close(ch)
		return ch, nil
	}
	o, _ := buildOrchestrator(t, dispatch)
	require.NoError(t, o.Start(context.Background()))

	out, err := o.HandleInferenceRequest(context.Background(), domain.InferenceRequest{RequestID: "r1", ModelID: "llama-7b"})
	require.NoError(t, err)

	var got []any
	for msg := range out {
		got = append(got, msg)
	}
	require.Len(t, got, 2)
	_, isDone := got[1].(domain.DoneNotification)
	assert.True(t, isDone)
}

func TestHandleInferenceRequest_MetadataRecordsSucceedingWorkerNotFailedOne(t *testing.T) {
	reg := registry.New(time.Minute, time.Hour, nil, nil)
	for _, id := range []string{"worker-1", "worker-2"} {
		reg.Register(registry.WorkerRegistration{
			WorkerID:     id,
			Address:      "127.0.0.1",
			Port:         9000,
			Skills:       domain.Skills{AvailableModels: []string{"llama-7b"}},
			Capabilities: domain.Capabilities{SupportedTiers: []domain.ModelTier{domain.Tier3To7B}},
			Status:       domain.WorkerOnline,
			Timestamp:    time.Now(),
		})
	}

	breakers := breaker.NewSet(breaker.Params{FailureThreshold: 5, SuccessThreshold: 2, Timeout: time.Minute}, nil, nil)
	lb := balancer.New(balancer.Params{EligibilityFallbackAllowed: false}, balancer.DefaultWeights, nil, nil)
	sched := scheduler.New(scheduler.Params{MaxQueueSize: 10, MaxConcurrent: 10}, nil, nil)
	retry := retryexec.New(retryexec.Params{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 1}, nil)
	timeouts := timeoutx.New(time.Second, time.Second, nil)
	meta := metadata.NewStore(time.Hour)

	dispatch := func(ctx context.Context, workerID string, req domain.InferenceRequest) (<-chan any, error) {
		if workerID == "worker-1" {
			return nil, domain.ErrWorkerUnavailable
		}
		ch := make(chan any, 1)
		ch <- domain.DoneNotification{RequestID: req.RequestID, TotalTokens: 1}
		close(ch)
		return ch, nil
	}

	o := New(Deps{
		Registry:     reg,
		Breakers:     breakers,
		LoadBalancer: lb,
		Scheduler:    sched,
		Retry:        retry,
		Timeouts:     timeouts,
		Metadata:     meta,
		Dispatcher:   &fakeDispatcher{dispatch: dispatch},
		DrainTimeout: 50 * time.Millisecond,
	}, nil)
	require.NoError(t, o.Start(context.Background()))

	out, err := o.HandleInferenceRequest(context.Background(), domain.InferenceRequest{RequestID: "r1", ModelID: "llama-7b"})
	require.NoError(t, err)
	for msg := range out {
		_ = msg
	}

	m, ok := meta.Get("r1")
	require.True(t, ok)
	require.Contains(t, m.FailedWorkers, "worker-1")
	assert.NotEqual(t, "worker-1", m.SelectedWorker, "selected worker must not be backfilled from the failed attempt")
}

func TestHandleInferenceRequest_NoEligibleWorkerSurfacesErrorNotification(t *testing.T) {
	o, _ := buildOrchestrator(t, nil)
	require.NoError(t, o.Start(context.Background()))

	out, err := o.HandleInferenceRequest(context.Background(), domain.InferenceRequest{RequestID: "r1", ModelID: "does-not-exist"})
	require.NoError(t, err)

	var got []any
	for msg := range out {
		got = append(got, msg)
	}
	require.Len(t, got, 1)
	errNotif, ok := got[0].(domain.ErrorNotification)
	require.True(t, ok)
	assert.Equal(t, "NO_WORKERS_AVAILABLE", errNotif.Code)
}

func TestHandleInferenceRequest_WaitsForSlotInsteadOfDiscarding(t *testing.T) {
	var mu sync.Mutex
	var order []string
	blockerStarted := make(chan struct{})
	release := make(chan struct{})

	dispatch := func(ctx context.Context, workerID string, req domain.InferenceRequest) (<-chan any, error) {
		mu.Lock()
		order = append(order, req.RequestID)
		mu.Unlock()

		ch := make(chan any, 1)
		if req.RequestID == "blocker" {
			close(blockerStarted)
			go func() {
				<-release
				ch <- domain.DoneNotification{RequestID: req.RequestID}
				close(ch)
			}()
			return ch, nil
		}
		ch <- domain.DoneNotification{RequestID: req.RequestID}
		close(ch)
		return ch, nil
	}

	o := buildOrchestratorWithConcurrency(t, dispatch, 1)
	require.NoError(t, o.Start(context.Background()))

	blockerOut, err := o.HandleInferenceRequest(context.Background(), domain.InferenceRequest{RequestID: "blocker", ModelID: "llama-7b", Priority: domain.PriorityNormal})
	require.NoError(t, err)
	<-blockerStarted

	// These three arrive while the sole slot is occupied (spec's
	// maxConcurrent=1 scenario, §4.F). They must wait in the scheduler
	// instead of being discarded with ErrQueueFull, and must come out in
	// priority order once the slot frees, regardless of admission order.
	var wg sync.WaitGroup
	outs := make(map[string]<-chan any)
	var outsMu sync.Mutex
	submit := func(id string, priority domain.Priority) {
		defer wg.Done()
		out, err := o.HandleInferenceRequest(context.Background(), domain.InferenceRequest{RequestID: id, ModelID: "llama-7b", Priority: priority})
		require.NoError(t, err)
		outsMu.Lock()
		outs[id] = out
		outsMu.Unlock()
	}
	wg.Add(3)
	go submit("low", domain.PriorityLow)
	go submit("normal", domain.PriorityNormal)
	go submit("critical", domain.PriorityCritical)

	// Give all three a chance to be admitted and start waiting before the
	// blocker releases its slot.
	time.Sleep(50 * time.Millisecond)
	close(release)
	for msg := range blockerOut {
		_ = msg
	}

	wg.Wait()
	for _, id := range []string{"low", "normal", "critical"} {
		for msg := range outs[id] {
			_ = msg
		}
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 4)
	assert.Equal(t, "blocker", order[0])
	assert.Equal(t, []string{"critical", "normal", "low"}, order[1:])
}

func TestStop_WaitsForActiveRequestWithinDrainTimeout(t *testing.T) {
	release := make(chan struct{})
	dispatch := func(ctx context.Context, workerID string, req domain.InferenceRequest) (<-chan any, error) {
		ch := make(chan any, 1)
		go func() {
			<-release
			ch <- domain.DoneNotification{RequestID: req.RequestID}
			close(ch)
		}()
		return ch, nil
	}
	o, _ := buildOrchestrator(t, dispatch)
	require.NoError(t, o.Start(context.Background()))

	out, err := o.HandleInferenceRequest(context.Background(), domain.InferenceRequest{RequestID: "r1", ModelID: "llama-7b"})
	require.NoError(t, err)

	stopDone := make(chan struct{})
	go func() {
		close(release)
		for range out {
		}
	}()
	go func() {
		_ = o.Stop(context.Background())
		close(stopDone)
	}()

	select {
	case <-stopDone:
	case <-time.After(time.Second):
		t.Fatal("stop did not complete")
	}
	assert.Equal(t, StateStopped, o.State())
}

func TestStop_ForcesShutdownAfterDrainTimeoutElapses(t *testing.T) {
	block := make(chan struct{})
	dispatch := func(ctx context.Context, workerID string, req domain.InferenceRequest) (<-chan any, error) {
		<-block
		return nil, domain.ErrCancelled
	}
	o, _ := buildOrchestrator(t, dispatch)
	require.NoError(t, o.Start(context.Background()))

	_, err := o.HandleInferenceRequest(context.Background(), domain.InferenceRequest{RequestID: "r1", ModelID: "llama-7b"})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, o.Stop(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateStopped, o.State())
	close(block)
}
