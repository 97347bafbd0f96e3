// Package breaker implements the per-worker three-state circuit breaker
// set (4.B): closed/open/half-open, used by the load balancer to narrow the
// eligible worker set.
package breaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/inference-mesh/control-plane/internal/telemetry"
)

// State is one of closed, open, or halfOpen.
type State int

// Breaker states.
const (
	Closed State = iota
	Open
	HalfOpen
)

// String renders the state for logging and metrics.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Params configures a breaker's thresholds.
type Params struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
}

// Breaker is one worker's circuit state. State transitions are the only way
// failureCount/successCount reset (3. Data Model invariants).
type Breaker struct {
	mu     sync.Mutex
	params Params

	state            State
	failureCount     int
	successCount     int
	openedAt         time.Time
	lastFailure      time.Time
	lastSuccess      time.Time
	halfOpenInFlight int

	workerID string
	lg       *slog.Logger
	events   *telemetry.EventBus
}

func newBreaker(workerID string, params Params, lg *slog.Logger, events *telemetry.EventBus) *Breaker {
	return &Breaker{params: params, state: Closed, workerID: workerID, lg: lg, events: events}
}

// CanMakeRequest reports whether a call may proceed against this worker,
// transitioning open->halfOpen when the timeout has elapsed (4.B).
func (b *Breaker) CanMakeRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.openedAt) >= b.params.Timeout {
			b.state = HalfOpen
			b.halfOpenInFlight = 0
			b.successCount = 0
			b.lg.Info("breaker half-open probe", slog.String("worker_id", b.workerID))
			telemetry.BreakerStateGauge.WithLabelValues(b.workerID).Set(float64(HalfOpen))
			return true
		}
		return false
	case HalfOpen:
		return b.halfOpenInFlight < b.params.SuccessThreshold
	default:
		return false
	}
}

// RecordSuccess records a successful call. In halfOpen, enough consecutive
// successes close the breaker and reset both counters.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastSuccess = time.Now()
	switch b.state {
	case Closed:
		b.failureCount = 0
	case HalfOpen:
		b.successCount++
		if b.successCount >= b.params.SuccessThreshold {
			b.state = Closed
			b.failureCount = 0
			b.successCount = 0
			b.lg.Info("breaker closed after recovery", slog.String("worker_id", b.workerID))
			telemetry.BreakerStateGauge.WithLabelValues(b.workerID).Set(float64(Closed))
		}
	case Open:
		// Should not normally happen (CanMakeRequest gated entry); treat as recovery.
		b.state = Closed
		b.failureCount = 0
		b.successCount = 0
	}
}

// RecordFailure records a failed call. Any failure in halfOpen reopens the
// breaker with openedAt reset; enough consecutive failures in closed opens it.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()
	switch b.state {
	case Closed:
		b.failureCount++
		if b.failureCount >= b.params.FailureThreshold {
			b.state = Open
			b.openedAt = time.Now()
			b.lg.Warn("breaker opened", slog.String("worker_id", b.workerID), slog.Int("failure_count", b.failureCount))
			telemetry.BreakerStateGauge.WithLabelValues(b.workerID).Set(float64(Open))
			telemetry.BreakerTripsTotal.WithLabelValues(b.workerID).Inc()
			if b.events != nil {
				b.events.Publish(telemetry.Event{Type: "breakerOpened", Source: "breaker", Data: map[string]any{"worker_id": b.workerID}})
			}
		}
	case HalfOpen:
		b.state = Open
		b.openedAt = time.Now()
		b.successCount = 0
		b.lg.Warn("breaker reopened after half-open failure", slog.String("worker_id", b.workerID))
		telemetry.BreakerStateGauge.WithLabelValues(b.workerID).Set(float64(Open))
		telemetry.BreakerTripsTotal.WithLabelValues(b.workerID).Inc()
	}
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats is a point-in-time snapshot of a breaker's counters.
type Stats struct {
	WorkerID     string
	State        State
	FailureCount int
	SuccessCount int
	OpenedAt     time.Time
	LastFailure  time.Time
	LastSuccess  time.Time
}

// Stats returns a snapshot of this breaker's counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		WorkerID:     b.workerID,
		State:        b.state,
		FailureCount: b.failureCount,
		SuccessCount: b.successCount,
		OpenedAt:     b.openedAt,
		LastFailure:  b.lastFailure,
		LastSuccess:  b.lastSuccess,
	}
}

// Set manages one Breaker per worker, created lazily.
type Set struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	params   Params
	lg       *slog.Logger
	events   *telemetry.EventBus
}

// NewSet constructs a breaker Set with uniform params for every worker.
func NewSet(params Params, lg *slog.Logger, events *telemetry.EventBus) *Set {
	if lg == nil {
		lg = slog.Default()
	}
	return &Set{breakers: make(map[string]*Breaker), params: params, lg: lg, events: events}
}

// GetBreaker returns (lazily creating) the breaker for workerID.
func (s *Set) GetBreaker(workerID string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[workerID]
	if !ok {
		b = newBreaker(workerID, s.params, s.lg, s.events)
		s.breakers[workerID] = b
	}
	return b
}

// GetStats returns a snapshot of every breaker's stats.
func (s *Set) GetStats() []Stats {
	s.mu.Lock()
	ids := make([]*Breaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		ids = append(ids, b)
	}
	s.mu.Unlock()

	out := make([]Stats, 0, len(ids))
	for _, b := range ids {
		out = append(out, b.Stats())
	}
	return out
}

// IsClosedOrHalfOpen reports whether a request may currently be attempted
// against workerID, i.e. its breaker isn't blocking. Lazily creates the
// breaker (an unknown worker starts closed).
func (s *Set) IsClosedOrHalfOpen(workerID string) bool {
	return s.GetBreaker(workerID).CanMakeRequest()
}
