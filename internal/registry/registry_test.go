package registry

import (
	"context"
	"testing"
	"time"

	"github.com/inference-mesh/control-plane/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_UpsertIsIdempotent(t *testing.T) {
	r := New(time.Minute, time.Hour, nil, nil)
	r.Register(WorkerRegistration{WorkerID: "w1", Address: "10.0.0.1", Port: 1})
	r.Register(WorkerRegistration{WorkerID: "w1", Address: "10.0.0.2", Port: 2})

	all := r.GetAll()
	require.Len(t, all, 1)
	assert.Equal(t, "10.0.0.2", all[0].Address)
}

func TestHeartbeat_UnknownWorkerIsNoop(t *testing.T) {
	r := New(time.Minute, time.Hour, nil, nil)
	r.Heartbeat(WorkerHeartbeat{WorkerID: "ghost", Timestamp: time.Now()})
	assert.Empty(t, r.GetAll())
}

func TestHeartbeat_UpdatesMetricsAndLiveness(t *testing.T) {
	r := New(time.Minute, time.Hour, nil, nil)
	r.Register(WorkerRegistration{WorkerID: "w1"})
	r.Heartbeat(WorkerHeartbeat{WorkerID: "w1", Status: domain.WorkerOnline, Metrics: domain.WorkerMetrics{ActiveRequests: 3}, Timestamp: time.Now()})

	w, ok := r.Get("w1")
	require.True(t, ok)
	assert.Equal(t, 3, w.Metrics.ActiveRequests)
}

func TestDeregister_RemovesImmediately(t *testing.T) {
	r := New(time.Minute, time.Hour, nil, nil)
	r.Register(WorkerRegistration{WorkerID: "w1"})
	r.Deregister("w1")
	assert.Empty(t, r.GetAll())
}

func TestGetOnline_FiltersByStatus(t *testing.T) {
	r := New(time.Minute, time.Hour, nil, nil)
	r.Register(WorkerRegistration{WorkerID: "w1", Status: domain.WorkerOnline})
	r.Register(WorkerRegistration{WorkerID: "w2", Status: domain.WorkerOffline})

	online := r.GetOnline()
	require.Len(t, online, 1)
	assert.Equal(t, "w1", online[0].WorkerID)
}

// TestSweep_MarksStaleWorkersOffline asserts invariant 1: for every worker
// w, w.status == offline implies now - w.lastHeartbeat > offlineTimeout.
func TestSweep_MarksStaleWorkersOffline(t *testing.T) {
	r := New(10*time.Millisecond, time.Hour, nil, nil)
	r.Register(WorkerRegistration{WorkerID: "w1", Timestamp: time.Now().Add(-time.Second)})

	r.sweepOffline(time.Now())

	w, ok := r.Get("w1")
	require.True(t, ok)
	assert.Equal(t, domain.WorkerOffline, w.Status)
}

func TestRun_StopsCleanly(t *testing.T) {
	r := New(time.Millisecond, 2*time.Millisecond, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}
}
