// Command controller starts the inference control plane's orchestrator
// process: registry, breaker set, load balancer, scheduler, retry and
// timeout layers, streaming controller, and the orchestrator that wires
// them together, fronted by a Prometheus /metrics endpoint.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/inference-mesh/control-plane/internal/balancer"
	"github.com/inference-mesh/control-plane/internal/batch"
	"github.com/inference-mesh/control-plane/internal/breaker"
	"github.com/inference-mesh/control-plane/internal/bus"
	"github.com/inference-mesh/control-plane/internal/bus/memory"
	"github.com/inference-mesh/control-plane/internal/bus/redpanda"
	"github.com/inference-mesh/control-plane/internal/config"
	"github.com/inference-mesh/control-plane/internal/dispatch"
	"github.com/inference-mesh/control-plane/internal/domain"
	"github.com/inference-mesh/control-plane/internal/metadata"
	"github.com/inference-mesh/control-plane/internal/orchestrator"
	"github.com/inference-mesh/control-plane/internal/registry"
	"github.com/inference-mesh/control-plane/internal/retryexec"
	"github.com/inference-mesh/control-plane/internal/scheduler"
	"github.com/inference-mesh/control-plane/internal/streaming"
	"github.com/inference-mesh/control-plane/internal/telemetry"
	"github.com/inference-mesh/control-plane/internal/timeoutx"
)

// dispatchBatchedRPCs builds the DispatchFunc the batch aggregator uses to
// fan a coalesced batch of non-generation requests out to one worker.
// Tokenize and draft-check calls are cheap enough that a single worker can
// absorb a whole batch, so one selection covers the group rather than one
// per entry.
func dispatchBatchedRPCs(reg *registry.Registry, lb *balancer.LoadBalancer, breakers *breaker.Set, disp *dispatch.Dispatcher, lg *slog.Logger) batch.DispatchFunc {
	return func(ctx context.Context, kind string, entries []domain.InferenceRequest) ([]batch.Result, error) {
		if len(entries) == 0 {
			return nil, nil
		}
		worker, err := lb.Select(ctx, reg.GetOnline(), breakers, entries[0], nil)
		if err != nil {
			return nil, err
		}

		results := make([]batch.Result, len(entries))
		for i, req := range entries {
			out, err := disp.Dispatch(ctx, worker.WorkerID, req)
			if err != nil {
				results[i] = batch.Result{Err: err}
				continue
			}
			results[i] = awaitBatchEntry(ctx, out)
		}
		return results, nil
	}
}

func awaitBatchEntry(ctx context.Context, out <-chan any) batch.Result {
	for {
		select {
		case msg, ok := <-out:
			if !ok {
				return batch.Result{}
			}
			switch v := msg.(type) {
			case domain.DoneNotification:
				return batch.Result{Value: v}
			case domain.ErrorNotification:
				return batch.Result{Err: domain.NewCodedError(domain.ErrInternal, "batch.dispatch", "", 0, 0)}
			}
		case <-ctx.Done():
			return batch.Result{Err: ctx.Err()}
		}
	}
}

func buildBus(cfg config.Config, lg *slog.Logger) (bus.Bus, error) {
	switch cfg.Bus {
	case "redpanda":
		return redpanda.New(cfg.KafkaBrokers, "control-plane", lg)
	default:
		return memory.New(lg), nil
	}
}

func buildAffinityStore(cfg config.Config, lg *slog.Logger) balancer.AffinityStore {
	if cfg.AffinityStoreBackend == "redis" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return balancer.NewRedisAffinityStore(client, lg)
	}
	return balancer.NewMemoryAffinityStore(lg)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := telemetry.SetupLogger(cfg)
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	reg := prometheus.NewRegistry()
	telemetry.MustRegisterAll(reg)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		slog.Info("metrics server starting", slog.String("addr", addr))
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("metrics server error", slog.Any("error", err))
		}
	}()

	events := telemetry.NewEventBus(256, logger)

	b, err := buildBus(cfg, logger)
	if err != nil {
		slog.Error("bus connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = b.Close() }()

	workerRegistry := registry.New(cfg.OfflineTimeout, cfg.HeartbeatInterval, events, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go workerRegistry.Run(ctx)

	if _, err := b.Subscribe(ctx, "worker.register", func(_ context.Context, msg bus.Message) error {
		var reg registry.WorkerRegistration
		if err := json.Unmarshal(msg.Value, &reg); err != nil {
			return err
		}
		workerRegistry.Register(reg)
		return nil
	}); err != nil {
		slog.Error("subscribe to worker.register failed", slog.Any("error", err))
		os.Exit(1)
	}
	if _, err := b.Subscribe(ctx, "worker.heartbeat", func(_ context.Context, msg bus.Message) error {
		var hb registry.WorkerHeartbeat
		if err := json.Unmarshal(msg.Value, &hb); err != nil {
			return err
		}
		workerRegistry.Heartbeat(hb)
		return nil
	}); err != nil {
		slog.Error("subscribe to worker.heartbeat failed", slog.Any("error", err))
		os.Exit(1)
	}

	breakers := breaker.NewSet(breaker.Params{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		Timeout:          cfg.BreakerTimeout,
	}, logger, events)

	lb := balancer.New(balancer.Params{
		SessionAffinityEnabled:    cfg.SessionAffinityEnabled,
		SessionAffinityTTL:        cfg.SessionAffinityTTL,
		EligibilityFallbackAllowed: cfg.EligibilityFallbackAllowed,
	}, balancer.DefaultWeights, buildAffinityStore(cfg, logger), logger)

	dropPolicy := scheduler.DropReject
	if cfg.SchedulerDropPolicy == string(scheduler.DropLowPriority) {
		dropPolicy = scheduler.DropLowPriority
	}
	sched := scheduler.New(scheduler.Params{
		MaxQueueSize:     cfg.SchedulerMaxQueueSize,
		MaxConcurrent:    cfg.SchedulerMaxConcurrent,
		ShortestJobFirst: cfg.SchedulerShortestJobFirst,
		AllowPreemption:  cfg.SchedulerAllowPreemption,
		FairnessWeight:   cfg.SchedulerFairnessWeight,
		UrgencyThreshold: cfg.SchedulerUrgencyThreshold,
		AgingEnabled:     cfg.SchedulerAgingEnabled,
		AgingInterval:    cfg.SchedulerAgingInterval,
		DropPolicy:       dropPolicy,
	}, logger, events)
	go sched.Run(ctx)
	defer sched.Stop()

	retry := retryexec.New(retryexec.Params{
		MaxRetries:        cfg.RetryMaxRetries,
		InitialDelay:      cfg.RetryInitialDelay,
		MaxDelay:          cfg.RetryMaxDelay,
		BackoffMultiplier: cfg.RetryBackoffMultiplier,
		Jitter:            cfg.RetryJitter,
	}, logger)

	timeouts := timeoutx.New(cfg.StandardTimeout, cfg.StreamingTimeout, logger)

	meta := metadata.NewStore(cfg.MetadataRetention)

	regression := metadata.NewRegressionDetector(metadata.RegressionParams{
		MinSamplesForEvaluation: cfg.RegressionMinSamples,
		WindowSize:              cfg.RegressionWindowSize,
		ThroughputDropPct:       cfg.RegressionThroughputDropPct,
		TTFTRisePct:             cfg.RegressionTTFTRisePct,
		ErrorRateThreshold:      cfg.RegressionErrorRateThreshold,
	}, events, logger, nil)

	streamCtrl := streaming.New(streaming.Params{
		ChunkSizeBytes:        cfg.ChunkSizeBytes,
		ChunkTimeout:          cfg.ChunkTimeout,
		MaxUnackedChunks:      cfg.MaxUnackedChunks,
		AckTimeout:            cfg.AckTimeout,
		SlowConsumerThreshold: cfg.SlowConsumerThreshold,
		MetricsExportInterval: cfg.MetricsExportInterval,
	}, logger, events)
	go streamCtrl.Run(ctx)

	disp := dispatch.New(b, logger)

	batchParams := batch.Params{
		MaxBatchSize:    cfg.BatchMaxSize,
		MinBatchSize:    cfg.BatchMinSize,
		FlushInterval:   cfg.BatchFlushInterval,
		AdaptiveSizing:  cfg.BatchAdaptiveSizing,
		TargetBatchTime: cfg.BatchTargetTime,
		PriorityQueue:   cfg.BatchPriorityQueue,
	}
	batchAgg := batch.New(map[string]batch.Params{
		"tokenize":    batchParams,
		"check_draft": batchParams,
	}, dispatchBatchedRPCs(workerRegistry, lb, breakers, disp, logger), logger)

	orch := orchestrator.New(orchestrator.Deps{
		Registry:     workerRegistry,
		Breakers:     breakers,
		LoadBalancer: lb,
		Scheduler:    sched,
		Retry:        retry,
		Timeouts:     timeouts,
		Metadata:     meta,
		Regression:   regression,
		Dispatcher:   disp,
		Batches:      batchAgg,
		DrainTimeout: cfg.DrainTimeout,
	}, logger)

	if err := orch.Start(ctx); err != nil {
		slog.Error("orchestrator start failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("controller ready", slog.String("bus", cfg.Bus))

	go func() {
		ticker := time.NewTicker(cfg.MetadataRetention)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				meta.Sweep(now)
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutdown signal received", slog.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.DrainTimeout+5*time.Second)
	defer shutdownCancel()
	_ = orch.Stop(shutdownCtx)
}
