// Package registry implements the worker registry and health monitor (4.A):
// it discovers workers, tracks liveness via heartbeats, and filters the
// routing pool down to healthy candidates.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/inference-mesh/control-plane/internal/domain"
	"github.com/inference-mesh/control-plane/internal/telemetry"
)

// WorkerRegistration is the control message carried by worker.register.
type WorkerRegistration struct {
	WorkerID     string
	Hostname     string
	Address      string
	Port         int
	Skills       domain.Skills
	Capabilities domain.Capabilities
	Status       domain.WorkerStatus
	Timestamp    time.Time
}

// WorkerHeartbeat is the control message carried by worker.heartbeat.
type WorkerHeartbeat struct {
	WorkerID  string
	Status    domain.WorkerStatus
	Metrics   domain.WorkerMetrics
	Timestamp time.Time
}

// Registry stores known workers and applies heartbeat timeouts. Concurrent
// heartbeats and reads serialize under a single mutex; Get* calls return a
// stable snapshot, never a live reference (5. Concurrency & Resource Model).
type Registry struct {
	mu      sync.Mutex
	workers map[string]domain.Worker

	offlineTimeout time.Duration
	tickInterval   time.Duration

	events *telemetry.EventBus
	lg     *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Registry. offlineTimeout is the heartbeat staleness
// threshold; tickInterval is how often the background sweep runs (spec
// default 5s).
func New(offlineTimeout, tickInterval time.Duration, events *telemetry.EventBus, lg *slog.Logger) *Registry {
	if lg == nil {
		lg = slog.Default()
	}
	if tickInterval <= 0 {
		tickInterval = 5 * time.Second
	}
	return &Registry{
		workers:        make(map[string]domain.Worker),
		offlineTimeout: offlineTimeout,
		tickInterval:   tickInterval,
		events:         events,
		lg:             lg,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// RegisterStatic seeds the registry with a worker known from static
// configuration, online until a real heartbeat replaces it, per 4.A.
func (r *Registry) RegisterStatic(workerID, address string, port int) {
	r.Register(WorkerRegistration{
		WorkerID:  workerID,
		Address:   address,
		Port:      port,
		Skills:    domain.Skills{},
		Status:    domain.WorkerOnline,
		Timestamp: time.Now(),
	})
}

// Register upserts a worker record, replacing any prior record for the same
// WorkerID (4.A invariant: at most one record per WorkerID).
func (r *Registry) Register(reg WorkerRegistration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := reg.Status
	if status == "" {
		status = domain.WorkerOnline
	}
	w := domain.Worker{
		WorkerID:      reg.WorkerID,
		Hostname:      reg.Hostname,
		Address:       reg.Address,
		Port:          reg.Port,
		Skills:        reg.Skills,
		Capabilities:  reg.Capabilities,
		Status:        status,
		LastHeartbeat: reg.Timestamp,
	}
	if w.LastHeartbeat.IsZero() {
		w.LastHeartbeat = time.Now()
	}
	r.workers[reg.WorkerID] = w
	r.lg.Info("worker registered", slog.String("worker_id", reg.WorkerID), slog.String("status", string(status)))
}

// Heartbeat updates metrics and LastHeartbeat for a known worker. Heartbeats
// for an unknown worker are a logged no-op (4.A contract).
func (r *Registry) Heartbeat(hb WorkerHeartbeat) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[hb.WorkerID]
	if !ok {
		r.lg.Warn("heartbeat from unknown worker", slog.String("worker_id", hb.WorkerID))
		return
	}
	w.Metrics = hb.Metrics
	w.LastHeartbeat = hb.Timestamp
	if w.LastHeartbeat.IsZero() {
		w.LastHeartbeat = time.Now()
	}
	if hb.Status != "" {
		w.Status = hb.Status
	} else if w.Status == domain.WorkerOffline {
		w.Status = domain.WorkerOnline
	}
	r.workers[hb.WorkerID] = w
}

// Deregister removes a worker record immediately.
func (r *Registry) Deregister(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, workerID)
	r.lg.Info("worker deregistered", slog.String("worker_id", workerID))
}

// MarkOffline forces a worker's status to offline, e.g. from an explicit
// failure signal rather than a heartbeat sweep.
func (r *Registry) MarkOffline(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return
	}
	w.Status = domain.WorkerOffline
	r.workers[workerID] = w
}

// GetAll returns a stable snapshot of every known worker.
func (r *Registry) GetAll() []domain.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	return out
}

// GetOnline returns a snapshot of workers whose status is online.
func (r *Registry) GetOnline() []domain.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		if w.Status == domain.WorkerOnline {
			out = append(out, w)
		}
	}
	return out
}

// Get returns a single worker snapshot by id.
func (r *Registry) Get(workerID string) (domain.Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	return w, ok
}

// sweepOffline flips any worker whose heartbeat is stale to offline and
// fires a workerOffline event (4.A: background tick every tickInterval).
func (r *Registry) sweepOffline(now time.Time) {
	r.mu.Lock()
	var justOffline []string
	for id, w := range r.workers {
		if w.Status != domain.WorkerOffline && now.Sub(w.LastHeartbeat) > r.offlineTimeout {
			w.Status = domain.WorkerOffline
			r.workers[id] = w
			justOffline = append(justOffline, id)
		}
	}
	online := 0
	for _, w := range r.workers {
		if w.Status == domain.WorkerOnline {
			online++
		}
	}
	r.mu.Unlock()

	telemetry.WorkersOnline.Set(float64(online))
	for _, id := range justOffline {
		telemetry.WorkerOfflineTotal.Inc()
		r.lg.Warn("worker transitioned to offline", slog.String("worker_id", id))
		if r.events != nil {
			r.events.Publish(telemetry.Event{Type: "workerOffline", Source: "registry", Data: map[string]any{"worker_id": id}})
		}
	}
}

// Run starts the background offline-sweep tick. It blocks until ctx is
// cancelled or Stop is called.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.tickInterval)
	defer ticker.Stop()
	defer close(r.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case now := <-ticker.C:
			r.sweepOffline(now)
		}
	}
}

// Stop terminates the background sweep and waits for it to exit.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}
