// Package config parses process configuration from environment variables
// into a single immutable value, constructed once in main and threaded
// explicitly through constructors (no global config object).
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds every tunable named in the specification's external
// interfaces section, parsed from the environment the way the teacher's
// Config does.
type Config struct {
	AppEnv          string `env:"APP_ENV" envDefault:"dev"`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"inference-control-plane"`
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	LogLevel        string `env:"LOG_LEVEL" envDefault:"info"`
	MetricsPort     int    `env:"METRICS_PORT" envDefault:"9090"`

	// Bus selects the control-plane transport. "memory" runs a single
	// process end to end without an external broker; "redpanda" talks to a
	// real Kafka-compatible cluster.
	Bus          string   `env:"CONTROLLER_BUS" envDefault:"memory"`
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:19092"`

	// Retry executor (4.C)
	RetryMaxRetries        int           `env:"RETRY_MAX_RETRIES" envDefault:"3"`
	RetryInitialDelay      time.Duration `env:"RETRY_INITIAL_DELAY" envDefault:"100ms"`
	RetryMaxDelay          time.Duration `env:"RETRY_MAX_DELAY" envDefault:"5s"`
	RetryBackoffMultiplier float64       `env:"RETRY_BACKOFF_MULTIPLIER" envDefault:"2.0"`
	RetryJitter            bool          `env:"RETRY_JITTER" envDefault:"true"`

	// Circuit breaker (4.B)
	BreakerFailureThreshold int           `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerSuccessThreshold int           `env:"BREAKER_SUCCESS_THRESHOLD" envDefault:"2"`
	BreakerTimeout          time.Duration `env:"BREAKER_TIMEOUT" envDefault:"30s"`

	// Timeout enforcer (4.D)
	StandardTimeout  time.Duration `env:"STANDARD_TIMEOUT" envDefault:"30s"`
	StreamingTimeout time.Duration `env:"STREAMING_TIMEOUT" envDefault:"120s"`

	// Discovery / worker registry (4.A)
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"5s"`
	OfflineTimeout    time.Duration `env:"OFFLINE_TIMEOUT" envDefault:"15s"`

	// Load balancer (4.E)
	SessionAffinityEnabled     bool          `env:"SESSION_AFFINITY_ENABLED" envDefault:"true"`
	SessionAffinityTTL         time.Duration `env:"SESSION_AFFINITY_TTL" envDefault:"10m"`
	SessionAffinityCleanup     time.Duration `env:"SESSION_AFFINITY_CLEANUP_INTERVAL" envDefault:"1m"`
	EligibilityFallbackAllowed bool          `env:"ELIGIBILITY_FALLBACK_ALLOWED" envDefault:"true"`
	AffinityStoreBackend       string        `env:"AFFINITY_STORE_BACKEND" envDefault:"memory"`
	RedisAddr                  string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`

	// Priority scheduler (4.F)
	SchedulerMaxQueueSize     int           `env:"SCHEDULER_MAX_QUEUE_SIZE" envDefault:"10000"`
	SchedulerMaxConcurrent    int           `env:"SCHEDULER_MAX_CONCURRENT" envDefault:"64"`
	SchedulerShortestJobFirst bool          `env:"SCHEDULER_SJF" envDefault:"false"`
	SchedulerAllowPreemption  bool          `env:"SCHEDULER_ALLOW_PREEMPTION" envDefault:"false"`
	SchedulerFairnessWeight   float64       `env:"SCHEDULER_FAIRNESS_WEIGHT" envDefault:"0.2"`
	SchedulerUrgencyThreshold time.Duration `env:"SCHEDULER_URGENCY_THRESHOLD" envDefault:"1s"`
	SchedulerAgingEnabled     bool          `env:"SCHEDULER_AGING_ENABLED" envDefault:"true"`
	SchedulerAgingInterval    time.Duration `env:"SCHEDULER_AGING_INTERVAL" envDefault:"2s"`
	SchedulerDropPolicy       string        `env:"SCHEDULER_DROP_POLICY" envDefault:"drop_low_priority"`

	// Batch queue (4.G)
	BatchMaxSize        int           `env:"BATCH_MAX_SIZE" envDefault:"16"`
	BatchFlushInterval  time.Duration `env:"BATCH_FLUSH_INTERVAL" envDefault:"5ms"`
	BatchAdaptiveSizing bool          `env:"BATCH_ADAPTIVE_SIZING" envDefault:"true"`
	BatchTargetTime     time.Duration `env:"BATCH_TARGET_TIME" envDefault:"10ms"`
	BatchPriorityQueue  bool          `env:"BATCH_PRIORITY_QUEUE" envDefault:"true"`
	BatchMinSize        int           `env:"BATCH_MIN_SIZE" envDefault:"1"`

	// Streaming controller (4.H)
	ChunkSizeBytes        int           `env:"CHUNK_SIZE_BYTES" envDefault:"65536"`
	ChunkTimeout          time.Duration `env:"CHUNK_TIMEOUT" envDefault:"100ms"`
	MaxUnackedChunks      int           `env:"MAX_UNACKED_CHUNKS" envDefault:"100"`
	AckTimeout            time.Duration `env:"ACK_TIMEOUT" envDefault:"5s"`
	SlowConsumerThreshold time.Duration `env:"SLOW_CONSUMER_THRESHOLD" envDefault:"1s"`
	MetricsExportInterval time.Duration `env:"METRICS_EXPORT_INTERVAL" envDefault:"10s"`

	// Worker-side queue (4.J)
	WorkerQueueMaxDepth             int    `env:"WORKER_QUEUE_MAX_DEPTH" envDefault:"256"`
	WorkerQueueBackpressureStrategy string `env:"WORKER_QUEUE_BACKPRESSURE_STRATEGY" envDefault:"reject"`
	WorkerMetricsWindowSize         int    `env:"WORKER_METRICS_WINDOW_SIZE" envDefault:"1000"`

	// Orchestrator (4.I)
	DrainTimeout time.Duration `env:"DRAIN_TIMEOUT" envDefault:"30s"`

	// Regression detector (4.K)
	RegressionMinSamples         int           `env:"REGRESSION_MIN_SAMPLES" envDefault:"50"`
	RegressionThroughputDropPct  float64       `env:"REGRESSION_THROUGHPUT_DROP_PCT" envDefault:"0.05"`
	RegressionTTFTRisePct        float64       `env:"REGRESSION_TTFT_RISE_PCT" envDefault:"0.10"`
	RegressionErrorRateThreshold float64       `env:"REGRESSION_ERROR_RATE_THRESHOLD" envDefault:"0.01"`
	RegressionWindowSize         int           `env:"REGRESSION_WINDOW_SIZE" envDefault:"500"`
	MetadataRetention            time.Duration `env:"METADATA_RETENTION" envDefault:"5m"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return c.AppEnv == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return c.AppEnv == "prod" }
