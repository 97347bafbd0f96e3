package metadata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreate_InitializesStartTime(t *testing.T) {
	s := NewStore(time.Minute)
	m := s.Create("r1")
	assert.False(t, m.StartTime.IsZero())
}

func TestRecordRetry_AppendsFailedWorkerAndIncrementsCount(t *testing.T) {
	s := NewStore(time.Minute)
	s.Create("r1")
	s.RecordRetry("r1", "w0")
	s.RecordRetry("r1", "w1")

	m, ok := s.Get("r1")
	require.True(t, ok)
	assert.Equal(t, 2, m.RetryCount)
	assert.Equal(t, []string{"w0", "w1"}, m.FailedWorkers)
}

func TestFinalize_FreezesRecordAgainstFurtherMutation(t *testing.T) {
	s := NewStore(time.Minute)
	s.Create("r1")
	s.Finalize("r1", "w2", "")
	s.RecordTimeout("r1") // ignored: the record is already frozen
	m, ok := s.Get("r1")
	require.True(t, ok)
	assert.Equal(t, "w2", m.SelectedWorker)
	assert.False(t, m.EndTime.IsZero())
	assert.Equal(t, 0, m.Timeouts)
}

func TestSweep_EvictsFrozenRecordsPastRetention(t *testing.T) {
	s := NewStore(time.Millisecond)
	s.Create("r1")
	s.Finalize("r1", "w0", "")

	time.Sleep(5 * time.Millisecond)
	s.Sweep(time.Now())

	_, ok := s.Get("r1")
	assert.False(t, ok)
}

func TestSweep_KeepsUnfrozenRecords(t *testing.T) {
	s := NewStore(time.Millisecond)
	s.Create("r1")

	time.Sleep(5 * time.Millisecond)
	s.Sweep(time.Now())

	_, ok := s.Get("r1")
	assert.True(t, ok)
}
