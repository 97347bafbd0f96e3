package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		for i, c := range kv {
			if c == '=' {
				os.Unsetenv(kv[:i])
				break
			}
		}
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.AppEnv)
	assert.Equal(t, "memory", cfg.Bus)
	assert.Equal(t, []string{"localhost:19092"}, cfg.KafkaBrokers)
	assert.Equal(t, 3, cfg.RetryMaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.RetryInitialDelay)
	assert.Equal(t, 5, cfg.BreakerFailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.StandardTimeout)
	assert.Equal(t, 120*time.Second, cfg.StreamingTimeout)
	assert.True(t, cfg.SessionAffinityEnabled)
	assert.Equal(t, "drop_low_priority", cfg.SchedulerDropPolicy)
	assert.Equal(t, 65536, cfg.ChunkSizeBytes)
	assert.Equal(t, 100, cfg.MaxUnackedChunks)
	assert.Equal(t, 256, cfg.WorkerQueueMaxDepth)
	assert.Equal(t, 50, cfg.RegressionMinSamples)
}

func TestConfig_EnvModeHelpers(t *testing.T) {
	clearEnv(t)
	os.Setenv("APP_ENV", "prod")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProd())
	assert.False(t, cfg.IsDev())
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	os.Setenv("RETRY_MAX_RETRIES", "7")
	os.Setenv("CONTROLLER_BUS", "redpanda")
	os.Setenv("KAFKA_BROKERS", "a:9092,b:9092")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.RetryMaxRetries)
	assert.Equal(t, "redpanda", cfg.Bus)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
}
