// Package metadata implements the request metadata store (4.K): a
// per-request trace created at admission, mutated while in flight, and
// frozen on terminal state with a retention-bounded lifetime.
package metadata

import (
	"sync"
	"time"

	"github.com/inference-mesh/control-plane/internal/domain"
)

// Store holds RequestMetadata records keyed by request id, evicting frozen
// records after Retention.
type Store struct {
	mu        sync.Mutex
	records   map[string]*domain.RequestMetadata
	frozenAt  map[string]time.Time
	Retention time.Duration
}

// NewStore constructs a Store with the given retention window (spec default
// 5 minutes).
func NewStore(retention time.Duration) *Store {
	return &Store{
		records:   make(map[string]*domain.RequestMetadata),
		frozenAt:  make(map[string]time.Time),
		Retention: retention,
	}
}

// Create admits a new RequestMetadata record at the start of a request.
func (s *Store) Create(requestID string) *domain.RequestMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := &domain.RequestMetadata{RequestID: requestID, StartTime: time.Now()}
	s.records[requestID] = m
	return m
}

// Get returns a copy of the record for requestID, if present.
func (s *Store) Get(requestID string) (domain.RequestMetadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.records[requestID]
	if !ok {
		return domain.RequestMetadata{}, false
	}
	return *m, true
}

// RecordRetry appends a failed worker id and increments the retry count.
func (s *Store) RecordRetry(requestID, failedWorker string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.records[requestID]
	if !ok {
		return
	}
	if _, frozen := s.frozenAt[requestID]; frozen {
		return
	}
	m.RetryCount++
	if failedWorker != "" {
		m.FailedWorkers = append(m.FailedWorkers, failedWorker)
	}
}

// RecordBreakerTrip increments the circuit-breaker-trip counter for requestID.
func (s *Store) RecordBreakerTrip(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, frozen := s.frozenAt[requestID]; frozen {
		return
	}
	if m, ok := s.records[requestID]; ok {
		m.CircuitBreakerTrips++
	}
}

// RecordTimeout increments the timeout counter for requestID.
func (s *Store) RecordTimeout(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, frozen := s.frozenAt[requestID]; frozen {
		return
	}
	if m, ok := s.records[requestID]; ok {
		m.Timeouts++
	}
}

// Finalize freezes requestID's record with its terminal outcome. Further
// mutation calls are no-ops once a record is frozen.
func (s *Store) Finalize(requestID, selectedWorker, finalError string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.records[requestID]
	if !ok {
		return
	}
	if _, frozen := s.frozenAt[requestID]; frozen {
		return
	}
	m.EndTime = time.Now()
	m.DurationMs = float64(m.EndTime.Sub(m.StartTime).Milliseconds())
	m.SelectedWorker = selectedWorker
	m.FinalError = finalError
	s.frozenAt[requestID] = time.Now()
}

// Sweep evicts frozen records older than Retention.
func (s *Store) Sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, at := range s.frozenAt {
		if now.Sub(at) > s.Retention {
			delete(s.records, id)
			delete(s.frozenAt, id)
		}
	}
}
