package telemetry

import "github.com/prometheus/client_golang/prometheus"

var (
	// WorkersOnline gauges the number of workers the registry considers online.
	WorkersOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "registry_workers_online",
		Help: "Number of workers currently marked online by the registry.",
	})
	// WorkerOfflineTotal counts transitions into the offline state.
	WorkerOfflineTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "registry_worker_offline_total",
		Help: "Total number of worker heartbeat-timeout transitions to offline.",
	})

	// BreakerStateGauge reports 0=closed,1=open,2=half-open per worker.
	BreakerStateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "breaker_state",
		Help: "Circuit breaker state per worker (0=closed,1=open,2=half-open).",
	}, []string{"worker_id"})
	// BreakerTripsTotal counts closed->open transitions per worker.
	BreakerTripsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "breaker_trips_total",
		Help: "Total number of times a worker's breaker opened.",
	}, []string{"worker_id"})

	// RetryAttemptsTotal counts retry attempts by outcome.
	RetryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "retry_attempts_total",
		Help: "Total retry attempts by terminal outcome (success, exhausted, non_retryable).",
	}, []string{"outcome"})

	// TimeoutsTotal counts enforced deadline expirations by method.
	TimeoutsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "timeouts_total",
		Help: "Total number of deadline expirations enforced by the timeout enforcer.",
	}, []string{"method"})

	// RoutingDecisionsTotal counts load balancer decisions by outcome.
	RoutingDecisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "routing_decisions_total",
		Help: "Total routing decisions by outcome (selected, affinity_hit, no_healthy_workers, no_workers_available).",
	}, []string{"outcome"})

	// SchedulerQueueDepth gauges per-priority-level queue depth.
	SchedulerQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scheduler_queue_depth",
		Help: "Current queue depth per priority level.",
	}, []string{"priority"})
	// SchedulerWaitSeconds records time spent queued before dequeue.
	SchedulerWaitSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scheduler_wait_seconds",
		Help:    "Time spent queued before a request is selected for execution.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	}, []string{"priority"})
	// SchedulerPromotionsTotal counts aging promotions.
	SchedulerPromotionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_promotions_total",
		Help: "Total number of requests promoted by the aging task.",
	})
	// SchedulerSLAViolationsTotal counts requests that missed their deadline.
	SchedulerSLAViolationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_sla_violations_total",
		Help: "Total number of requests whose deadline elapsed before completion.",
	})
	// SchedulerDroppedTotal counts admission-time drops.
	SchedulerDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_dropped_total",
		Help: "Total number of requests dropped by the admission drop policy.",
	})
	// SchedulerFairnessInterventionsTotal counts starvation-prevention picks
	// that served an older request from a lower bucket out of priority order.
	SchedulerFairnessInterventionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_fairness_interventions_total",
		Help: "Total number of fairness interventions that bypassed strict priority order.",
	})

	// BatchSizeHistogram records the number of sub-requests per flushed batch.
	BatchSizeHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "batch_size",
		Help:    "Distribution of batch sizes at flush time.",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
	}, []string{"kind"})
	// BatchTimeSeconds records wall time spent executing a batched RPC.
	BatchTimeSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "batch_time_seconds",
		Help:    "Wall time of a batched RPC dispatch.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"kind"})

	// StreamChunksFlushedTotal counts chunks flushed by reason.
	StreamChunksFlushedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_chunks_flushed_total",
		Help: "Total chunks flushed by reason (size, timeout, final, manual).",
	}, []string{"reason"})
	// StreamAckLatency records chunk ack latency.
	StreamAckLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "stream_ack_latency_seconds",
		Help:    "Latency between chunk flush and ack.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	})
	// StreamSlowConsumerTotal counts slow-consumer events.
	StreamSlowConsumerTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stream_slow_consumer_total",
		Help: "Total number of slow-consumer events emitted.",
	})
	// StreamBackpressureTotal counts producer suspensions.
	StreamBackpressureTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stream_backpressure_applied_total",
		Help: "Total number of times a stream producer was suspended for backpressure.",
	})

	// RegressionAlertsTotal counts emitted regression alerts by metric and severity.
	RegressionAlertsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "regression_alerts_total",
		Help: "Total regression alerts emitted by metric and severity.",
	}, []string{"metric", "severity"})
)

// MustRegisterAll registers every control-plane metric with reg. Call once
// at process startup.
func MustRegisterAll(reg prometheus.Registerer) {
	reg.MustRegister(
		WorkersOnline, WorkerOfflineTotal,
		BreakerStateGauge, BreakerTripsTotal,
		RetryAttemptsTotal, TimeoutsTotal,
		RoutingDecisionsTotal,
		SchedulerQueueDepth, SchedulerWaitSeconds, SchedulerPromotionsTotal, SchedulerSLAViolationsTotal, SchedulerDroppedTotal, SchedulerFairnessInterventionsTotal,
		BatchSizeHistogram, BatchTimeSeconds,
		StreamChunksFlushedTotal, StreamAckLatency, StreamSlowConsumerTotal, StreamBackpressureTotal,
		RegressionAlertsTotal,
	)
}
