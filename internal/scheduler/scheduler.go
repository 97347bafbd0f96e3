// Package scheduler implements the priority request queue (4.F): five
// priority buckets, admission with a configurable drop policy, urgency
// promotion, fairness-weighted starvation prevention, SJF ordering, tenant
// round-robin, and periodic aging.
package scheduler

import (
	"container/list"
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/inference-mesh/control-plane/internal/domain"
	"github.com/inference-mesh/control-plane/internal/telemetry"
)

// DropPolicy controls what happens when the queue is full at admission time.
type DropPolicy string

// Drop policy values.
const (
	DropReject          DropPolicy = "reject"
	DropLowPriority     DropPolicy = "drop_low_priority"
)

// Params configures the scheduler's capacity and selection policy.
type Params struct {
	MaxQueueSize       int
	MaxConcurrent      int
	ShortestJobFirst   bool
	AllowPreemption    bool
	FairnessWeight     float64
	UrgencyThreshold   time.Duration
	AgingEnabled       bool
	AgingInterval      time.Duration
	DropPolicy         DropPolicy
	// AgingThresholdFor returns how long a request may wait at level before
	// being promoted one level. Defaults to a flat curve if nil.
	AgingThresholdFor func(level domain.Priority) time.Duration
}

func defaultAgingThreshold(level domain.Priority) time.Duration {
	switch level {
	case domain.PriorityCritical:
		return time.Hour // nothing above CRITICAL to promote to
	default:
		return 5 * time.Second
	}
}

type entry struct {
	req        domain.QueuedRequest
	level      domain.Priority
	el         *list.Element // the entry's node within its bucket list
}

// Scheduler admits and selects QueuedRequests under priority, fairness, and
// concurrency constraints.
type Scheduler struct {
	mu       sync.Mutex
	params   Params
	buckets  [domain.NumPriorityLevels]*list.List
	size     int
	inFlight int

	rng    *rand.Rand
	lg     *slog.Logger
	events *telemetry.EventBus

	// lastServedTenant records, per priority level, the tenant ID last
	// handed a slot by selectWithinBucketLocked so the next call can
	// rotate to the following tenant instead of re-serving the same one.
	lastServedTenant [domain.NumPriorityLevels]string

	// slotFreed is closed and replaced every time ReleaseSlot runs, so
	// callers blocked waiting for a concurrency slot can wake up and
	// retry TryAcquireSlot instead of busy-polling.
	slotFreed chan struct{}

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Scheduler with empty buckets.
func New(params Params, lg *slog.Logger, events *telemetry.EventBus) *Scheduler {
	if lg == nil {
		lg = slog.Default()
	}
	if params.AgingThresholdFor == nil {
		params.AgingThresholdFor = defaultAgingThreshold
	}
	s := &Scheduler{
		params:    params,
		rng:       rand.New(rand.NewSource(1)),
		lg:        lg,
		events:    events,
		slotFreed: make(chan struct{}),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	for i := range s.buckets {
		s.buckets[i] = list.New()
	}
	return s
}

// Admit enqueues req into its priority bucket, applying the drop policy if
// the queue is at capacity. Returns domain.ErrQueueFull if the request was
// rejected outright, or the id of a dropped victim request (possibly empty)
// so the caller can complete it with a cancellation error.
func (s *Scheduler) Admit(req domain.QueuedRequest) (droppedRequestID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.size >= s.params.MaxQueueSize {
		switch s.params.DropPolicy {
		case DropLowPriority:
			victim := s.evictLowestLocked()
			if victim == "" {
				telemetry.SchedulerDroppedTotal.Inc()
				return "", domain.ErrQueueFull
			}
			s.enqueueLocked(req)
			return victim, nil
		default:
			telemetry.SchedulerDroppedTotal.Inc()
			return "", domain.ErrQueueFull
		}
	}

	s.enqueueLocked(req)
	return "", nil
}

func (s *Scheduler) enqueueLocked(req domain.QueuedRequest) {
	level := req.Priority
	e := &entry{req: req, level: level}
	e.el = s.buckets[level].PushBack(e)
	s.size++
	telemetry.SchedulerQueueDepth.WithLabelValues(level.String()).Set(float64(s.buckets[level].Len()))
}

// evictLowestLocked removes and returns the id of the oldest BACKGROUND or
// LOW request, or "" if none exists to drop.
func (s *Scheduler) evictLowestLocked() string {
	for _, level := range []domain.Priority{domain.PriorityBackground, domain.PriorityLow} {
		b := s.buckets[level]
		if b.Len() == 0 {
			continue
		}
		front := b.Front()
		e := front.Value.(*entry)
		b.Remove(front)
		s.size--
		telemetry.SchedulerQueueDepth.WithLabelValues(level.String()).Set(float64(b.Len()))
		return e.req.Payload.RequestID
	}
	return ""
}

// Len returns the total number of queued requests across all buckets.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// TryAcquireSlot reports whether an execution slot is currently available.
func (s *Scheduler) TryAcquireSlot() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight >= s.params.MaxConcurrent {
		return false
	}
	s.inFlight++
	return true
}

// ReleaseSlot frees one execution slot and wakes any callers waiting on
// SlotFreed.
func (s *Scheduler) ReleaseSlot() {
	s.mu.Lock()
	if s.inFlight > 0 {
		s.inFlight--
	}
	freed := s.slotFreed
	s.slotFreed = make(chan struct{})
	s.mu.Unlock()
	close(freed)
}

// SlotFreed returns a channel that closes the next time a slot is
// released. Slots are not reserved for any particular waiter, so callers
// must re-check TryAcquireSlot after it fires.
func (s *Scheduler) SlotFreed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slotFreed
}

// Select implements the four-step selection algorithm and removes the
// chosen request from its bucket, recording its queue wait time.
func (s *Scheduler) Select(now time.Time) (domain.QueuedRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	level, el := s.pickBucketLocked(now)
	if el == nil {
		return domain.QueuedRequest{}, false
	}
	e := el.Value.(*entry)
	s.buckets[level].Remove(el)
	s.size--
	telemetry.SchedulerQueueDepth.WithLabelValues(level.String()).Set(float64(s.buckets[level].Len()))

	wait := now.Sub(e.req.EnqueuedAt)
	telemetry.SchedulerWaitSeconds.WithLabelValues(level.String()).Observe(wait.Seconds())
	if !e.req.Deadline.IsZero() && now.After(e.req.Deadline) {
		telemetry.SchedulerSLAViolationsTotal.Inc()
	}
	return e.req, true
}

// pickBucketLocked implements urgency promotion, fairness, SJF, and tenant
// round-robin. Must be called with s.mu held.
func (s *Scheduler) pickBucketLocked(now time.Time) (domain.Priority, *list.Element) {
	// Step 1: urgency promotion — any request whose deadline is within
	// UrgencyThreshold is treated as if queued in the top bucket.
	if s.params.UrgencyThreshold > 0 {
		for level := domain.PriorityHigh; level <= domain.PriorityBackground; level++ {
			for el := s.buckets[level].Front(); el != nil; el = el.Next() {
				e := el.Value.(*entry)
				if !e.req.Deadline.IsZero() && e.req.Deadline.Sub(now) <= s.params.UrgencyThreshold {
					return level, el
				}
			}
		}
	}

	highest := s.highestNonEmptyLocked()
	if highest < 0 {
		return 0, nil
	}

	// Step 2: fairness — with probability FairnessWeight, serve the oldest
	// request across lower non-empty buckets instead of the highest bucket.
	if s.params.FairnessWeight > 0 && highest < domain.PriorityBackground {
		if s.rng.Float64() < s.params.FairnessWeight {
			if level, el := s.oldestAcrossLocked(highest + 1); el != nil {
				telemetry.SchedulerFairnessInterventionsTotal.Inc()
				return level, el
			}
		}
	}

	return highest, s.selectWithinBucketLocked(highest)
}

func (s *Scheduler) highestNonEmptyLocked() domain.Priority {
	for level := domain.PriorityCritical; level <= domain.PriorityBackground; level++ {
		if s.buckets[level].Len() > 0 {
			return level
		}
	}
	return -1
}

func (s *Scheduler) oldestAcrossLocked(from domain.Priority) (domain.Priority, *list.Element) {
	var bestLevel domain.Priority = -1
	var best *list.Element
	for level := from; level <= domain.PriorityBackground; level++ {
		el := s.buckets[level].Front()
		if el == nil {
			continue
		}
		e := el.Value.(*entry)
		if best == nil || e.req.EnqueuedAt.Before(best.Value.(*entry).req.EnqueuedAt) {
			best = el
			bestLevel = level
		}
	}
	return bestLevel, best
}

// selectWithinBucketLocked applies SJF and tenant fair-queuing within level.
func (s *Scheduler) selectWithinBucketLocked(level domain.Priority) *list.Element {
	b := s.buckets[level]
	if b.Len() == 0 {
		return nil
	}

	candidates := make([]*list.Element, 0, b.Len())
	for el := b.Front(); el != nil; el = el.Next() {
		candidates = append(candidates, el)
	}

	if s.params.ShortestJobFirst {
		best := candidates[0]
		for _, el := range candidates[1:] {
			e, be := el.Value.(*entry), best.Value.(*entry)
			if e.req.EstimatedTokens < be.req.EstimatedTokens ||
				(e.req.EstimatedTokens == be.req.EstimatedTokens && e.req.EnqueuedAt.Before(be.req.EnqueuedAt)) {
				best = el
			}
		}
		return best
	}

	tenantOrder := make([]string, 0, len(candidates))
	seen := make(map[string]bool)
	for _, el := range candidates {
		e := el.Value.(*entry)
		if e.req.TenantID == "" || seen[e.req.TenantID] {
			continue
		}
		seen[e.req.TenantID] = true
		tenantOrder = append(tenantOrder, e.req.TenantID)
	}

	if len(tenantOrder) > 1 {
		// Round-robin across the distinct tenants present in this bucket:
		// serve the oldest entry of whichever tenant follows the one we
		// last served here, wrapping around.
		next := nextTenantLocked(tenantOrder, s.lastServedTenant[level])
		for _, el := range candidates {
			e := el.Value.(*entry)
			if e.req.TenantID == next {
				s.lastServedTenant[level] = next
				return el
			}
		}
	}

	return b.Front()
}

// nextTenantLocked returns the tenant following last in order, wrapping
// around to the front. If last is empty or no longer present, it returns
// the first tenant in order.
func nextTenantLocked(order []string, last string) string {
	if last != "" {
		for i, t := range order {
			if t == last {
				return order[(i+1)%len(order)]
			}
		}
	}
	return order[0]
}

// Run starts the periodic aging task; it returns when ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.doneCh)
	if !s.params.AgingEnabled {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(s.params.AgingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.ageOnce(now)
		}
	}
}

// Stop signals Run to exit without waiting for ctx cancellation.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// ageOnce promotes every request that has waited past its level's aging
// threshold by exactly one priority level, per "effective priority does not
// regress within the same sojourn" (3. Data Model invariant).
func (s *Scheduler) ageOnce(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for level := domain.PriorityHigh; level <= domain.PriorityBackground; level++ {
		threshold := s.params.AgingThresholdFor(level)
		b := s.buckets[level]
		var next *list.Element
		for el := b.Front(); el != nil; el = next {
			next = el.Next()
			e := el.Value.(*entry)
			if now.Sub(e.req.EnqueuedAt) < threshold {
				continue
			}
			b.Remove(el)
			newLevel := level - 1
			e.level = newLevel
			e.req.Priority = newLevel
			e.el = s.buckets[newLevel].PushBack(e)
			telemetry.SchedulerPromotionsTotal.Inc()
			telemetry.SchedulerQueueDepth.WithLabelValues(level.String()).Set(float64(b.Len()))
			telemetry.SchedulerQueueDepth.WithLabelValues(newLevel.String()).Set(float64(s.buckets[newLevel].Len()))
			s.lg.Info("aged request to higher priority",
				slog.String("request_id", e.req.Payload.RequestID),
				slog.String("from", level.String()),
				slog.String("to", newLevel.String()))
			if s.events != nil {
				s.events.Publish(telemetry.Event{Type: "requestAged", Source: "scheduler", Data: map[string]any{
					"request_id": e.req.Payload.RequestID, "from": level.String(), "to": newLevel.String(),
				}})
			}
		}
	}
}
