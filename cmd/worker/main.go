// Command worker starts one worker process: it reports hardware
// capabilities and heartbeats to the controller's registry over the bus,
// admits dispatched requests through a bounded local queue, and serves
// inference through the streaming controller.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inference-mesh/control-plane/internal/bus"
	"github.com/inference-mesh/control-plane/internal/bus/memory"
	"github.com/inference-mesh/control-plane/internal/bus/redpanda"
	"github.com/inference-mesh/control-plane/internal/config"
	"github.com/inference-mesh/control-plane/internal/dispatch"
	"github.com/inference-mesh/control-plane/internal/domain"
	"github.com/inference-mesh/control-plane/internal/hardware"
	"github.com/inference-mesh/control-plane/internal/modelcache"
	"github.com/inference-mesh/control-plane/internal/registry"
	"github.com/inference-mesh/control-plane/internal/streaming"
	"github.com/inference-mesh/control-plane/internal/telemetry"
	"github.com/inference-mesh/control-plane/internal/workerqueue"
)

func buildBus(cfg config.Config, lg *slog.Logger) (bus.Bus, error) {
	switch cfg.Bus {
	case "redpanda":
		return redpanda.New(cfg.KafkaBrokers, "worker-pool", lg)
	default:
		return memory.New(lg), nil
	}
}

// sampleHardware stands in for reading /proc or an NVML binding; a real
// deployment supplies its own hardware.ReadFunc.
func sampleHardware() hardware.Snapshot {
	return hardware.Snapshot{GPUCores: 16, MemoryGB: 24, CPUPercent: 20, MemoryUsedGB: 6}
}

// stubLoad stands in for the real model loader; it reports a plausible
// model size so the cache's eviction accounting has something to work with.
func stubLoad(ctx context.Context, modelID string) (int64, error) {
	return 4 << 30, nil
}

func stubUnload(modelID string) {}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := telemetry.SetupLogger(cfg)
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	telemetry.MustRegisterAll(reg)
	metricsPort := cfg.MetricsPort + 1
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
		addr := fmt.Sprintf(":%d", metricsPort)
		slog.Info("worker metrics server starting", slog.String("addr", addr))
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}

	b, err := buildBus(cfg, logger)
	if err != nil {
		slog.Error("bus connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = b.Close() }()

	queue := workerqueue.New(cfg.WorkerQueueMaxDepth, workerqueue.BackpressureStrategy(cfg.WorkerQueueBackpressureStrategy))
	metricsWindow := workerqueue.NewMetricsWindow(cfg.WorkerMetricsWindowSize)

	cache := modelcache.New(8<<30, stubLoad, stubUnload)

	var capState atomic.Pointer[domain.Capabilities]
	initial := hardware.Capabilities(sampleHardware())
	capState.Store(&initial)
	reporter := hardware.New(sampleHardware, func(caps domain.Capabilities, snap hardware.Snapshot) {
		capState.Store(&caps)
		publishHeartbeat(ctx, b, workerID, caps, metricsWindow, logger)
	}, cfg.HeartbeatInterval, logger)
	go reporter.Run(ctx)

	streamCtrl := streaming.New(streaming.Params{
		ChunkSizeBytes:        cfg.ChunkSizeBytes,
		ChunkTimeout:          cfg.ChunkTimeout,
		MaxUnackedChunks:      cfg.MaxUnackedChunks,
		AckTimeout:            cfg.AckTimeout,
		SlowConsumerThreshold: cfg.SlowConsumerThreshold,
		MetricsExportInterval: cfg.MetricsExportInterval,
	}, logger, nil)
	go streamCtrl.Run(ctx)

	gen := generatorFor(queue, cache, metricsWindow, logger)
	handler := dispatch.NewWorkerHandler(b, gen, streamCtrl, logger)
	unlisten, err := handler.Listen(ctx, workerID)
	if err != nil {
		slog.Error("worker listen failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer unlisten()

	publishRegistration(ctx, b, workerID, *capState.Load(), logger)
	publishHeartbeat(ctx, b, workerID, *capState.Load(), metricsWindow, logger)

	slog.Info("worker ready", slog.String("worker_id", workerID), slog.String("bus", cfg.Bus))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutdown signal received", slog.String("signal", sig.String()))
}

// generatorFor wraps the local queue and model cache around a stub token
// producer: admit through the worker-local queue, ensure the model is
// resident via the cache, then emit a short deterministic token stream.
// Replace this with a real inference backend in production.
func generatorFor(queue *workerqueue.Queue, cache *modelcache.Cache, window *workerqueue.MetricsWindow, lg *slog.Logger) dispatch.Generator {
	return func(ctx context.Context, req domain.InferenceRequest, emit func(domain.Token)) (int, error) {
		if err := queue.Enqueue(req); err != nil {
			return 0, err
		}
		defer queue.Dequeue()

		if err := cache.Acquire(ctx, req.ModelID); err != nil {
			return 0, err
		}

		start := time.Now()
		words := []string{"the", "quick", "brown", "fox", "jumps"}
		for i, w := range words {
			select {
			case <-ctx.Done():
				return i, ctx.Err()
			default:
			}
			emit(domain.Token{ID: i, Text: w, SizeBytes: len(w), IsFinal: i == len(words)-1})
			time.Sleep(time.Millisecond * time.Duration(5+rand.Intn(10)))
		}
		window.Record(time.Since(start), len(words), req.ModelID, true)
		return len(words), nil
	}
}

func publishRegistration(ctx context.Context, b bus.Bus, workerID string, caps domain.Capabilities, lg *slog.Logger) {
	reg := registry.WorkerRegistration{
		WorkerID:     workerID,
		Skills:       domain.Skills{AvailableModels: []string{"llama-7b"}},
		Capabilities: caps,
		Status:       domain.WorkerOnline,
		Timestamp:    time.Now(),
	}
	payload, err := json.Marshal(reg)
	if err != nil {
		lg.Error("marshal registration failed", slog.Any("error", err))
		return
	}
	if err := b.Publish(ctx, bus.Message{Topic: "worker.register", Key: workerID, Value: payload}); err != nil {
		lg.Warn("publish registration failed", slog.Any("error", err))
	}
}

func publishHeartbeat(ctx context.Context, b bus.Bus, workerID string, caps domain.Capabilities, window *workerqueue.MetricsWindow, lg *slog.Logger) {
	snap := window.Snapshot()
	hb := registry.WorkerHeartbeat{
		WorkerID: workerID,
		Status:   domain.WorkerOnline,
		Metrics: domain.WorkerMetrics{
			AvgLatencyMs: snap.P50LatencyMs,
		},
		Timestamp: time.Now(),
	}
	payload, err := json.Marshal(hb)
	if err != nil {
		lg.Error("marshal heartbeat failed", slog.Any("error", err))
		return
	}
	if err := b.Publish(ctx, bus.Message{Topic: "worker.heartbeat", Key: workerID, Value: payload}); err != nil {
		lg.Warn("publish heartbeat failed", slog.Any("error", err))
	}
}
