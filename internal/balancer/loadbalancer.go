// Package balancer implements the smart request router (4.E): session
// affinity, eligibility filtering, circuit-breaker exclusion, and composite
// scoring over the registry's current worker set.
package balancer

import (
	"context"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/inference-mesh/control-plane/internal/breaker"
	"github.com/inference-mesh/control-plane/internal/domain"
	"github.com/inference-mesh/control-plane/internal/telemetry"
)

// Params configures the balancer's affinity and eligibility behavior.
type Params struct {
	SessionAffinityEnabled    bool
	SessionAffinityTTL        time.Duration
	EligibilityFallbackAllowed bool
}

// Weights controls the composite scoring function's term contributions.
type Weights struct {
	ActiveRequests float64
	TierMatch      float64
	AvgLatency     float64
}

// DefaultWeights matches the teacher's flat, easily-tunable scoring style.
var DefaultWeights = Weights{ActiveRequests: 0.5, TierMatch: 0.3, AvgLatency: 0.2}

// LoadBalancer selects a worker for a request, given the registry's current
// worker list and the breaker set narrowing out unhealthy ones.
type LoadBalancer struct {
	params   Params
	weights  Weights
	affinity AffinityStore
	rrCount  uint64
	lg       *slog.Logger
}

// New constructs a LoadBalancer. affinity may be nil to disable session
// stickiness even if Params.SessionAffinityEnabled is set.
func New(params Params, weights Weights, affinity AffinityStore, lg *slog.Logger) *LoadBalancer {
	if lg == nil {
		lg = slog.Default()
	}
	return &LoadBalancer{params: params, weights: weights, affinity: affinity, lg: lg}
}

func modelEligible(w domain.Worker, modelID string) bool {
	for _, m := range w.Skills.AvailableModels {
		if m == modelID {
			return true
		}
	}
	return false
}

func tierIndex(t domain.ModelTier) int {
	for i, v := range domain.TierOrder {
		if v == t {
			return i
		}
	}
	return -1
}

// tierMatchScore rewards workers whose smallest supported tier at or above
// the tier the model's estimated size implies is closest to it. Workers with
// no declared tiers score zero rather than being excluded outright.
func tierMatchScore(w domain.Worker, wantTier domain.ModelTier) float64 {
	if len(w.Capabilities.SupportedTiers) == 0 {
		return 0
	}
	want := tierIndex(wantTier)
	best := -1
	for _, t := range w.Capabilities.SupportedTiers {
		idx := tierIndex(t)
		if idx < 0 {
			continue
		}
		if idx >= want && (best < 0 || idx < best) {
			best = idx
		}
	}
	if best < 0 {
		return 0
	}
	distance := best - want
	return 1.0 / float64(1+distance)
}

func estimatedTierFor(req domain.InferenceRequest) domain.ModelTier {
	// Absent a model registry lookup, assume the smallest tier; the
	// eligibility filter (by AvailableModels) is the real gate, this score
	// only breaks ties among already-eligible workers.
	return domain.TierUnder3B
}

// Select implements the five-step routing algorithm: session affinity,
// eligibility filtering, exclusion/breaker filtering, composite scoring,
// affinity recording.
func (lb *LoadBalancer) Select(ctx context.Context, workers []domain.Worker, breakers *breaker.Set, req domain.InferenceRequest, excluded map[string]struct{}) (domain.Worker, error) {
	if len(workers) == 0 {
		telemetry.RoutingDecisionsTotal.WithLabelValues("no_healthy_workers").Inc()
		return domain.Worker{}, domain.ErrNoHealthyWorkers
	}

	byID := make(map[string]domain.Worker, len(workers))
	for _, w := range workers {
		byID[w.WorkerID] = w
	}

	// Step 1: session affinity. A sticky worker is honored only if it is
	// still present, eligible, not excluded, and its breaker allows traffic.
	if lb.params.SessionAffinityEnabled && lb.affinity != nil && req.SessionID != "" {
		if workerID, ok := lb.affinity.Get(ctx, req.SessionID); ok {
			w, present := byID[workerID]
			_, isExcluded := excluded[workerID]
			if present && !isExcluded && modelEligible(w, req.ModelID) && (breakers == nil || breakers.IsClosedOrHalfOpen(workerID)) {
				lb.affinity.Set(ctx, req.SessionID, workerID, lb.params.SessionAffinityTTL)
				telemetry.RoutingDecisionsTotal.WithLabelValues("affinity_hit").Inc()
				return w, nil
			}
		}
	}

	// Step 2: eligibility filter by declared model support.
	eligible := make([]domain.Worker, 0, len(workers))
	for _, w := range workers {
		if modelEligible(w, req.ModelID) {
			eligible = append(eligible, w)
		}
	}
	if len(eligible) == 0 {
		if !lb.params.EligibilityFallbackAllowed {
			telemetry.RoutingDecisionsTotal.WithLabelValues("no_healthy_workers").Inc()
			return domain.Worker{}, domain.ErrNoHealthyWorkers
		}
		eligible = workers
	}

	// Step 3: remove excluded workers and ones whose breaker currently blocks.
	candidates := make([]domain.Worker, 0, len(eligible))
	for _, w := range eligible {
		if _, isExcluded := excluded[w.WorkerID]; isExcluded {
			continue
		}
		if breakers != nil && !breakers.IsClosedOrHalfOpen(w.WorkerID) {
			continue
		}
		candidates = append(candidates, w)
	}
	if len(candidates) == 0 {
		telemetry.RoutingDecisionsTotal.WithLabelValues("no_workers_available").Inc()
		return domain.Worker{}, domain.ErrNoWorkersAvailable
	}

	// Step 4: composite scoring, highest wins; round-robin counter breaks ties.
	wantTier := estimatedTierFor(req)
	type scored struct {
		w     domain.Worker
		score float64
	}
	ranked := make([]scored, 0, len(candidates))
	for _, w := range candidates {
		active := float64(w.Metrics.ActiveRequests)
		latency := w.Metrics.AvgLatencyMs
		s := lb.weights.ActiveRequests*(1/(1+active)) +
			lb.weights.TierMatch*tierMatchScore(w, wantTier) +
			lb.weights.AvgLatency*(1/(1+latency))
		ranked = append(ranked, scored{w: w, score: s})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	top := ranked[0].score
	const epsilon = 1e-9
	tied := make([]domain.Worker, 0, len(ranked))
	for _, r := range ranked {
		if top-r.score <= epsilon {
			tied = append(tied, r.w)
		} else {
			break
		}
	}
	sort.Slice(tied, func(i, j int) bool { return tied[i].WorkerID < tied[j].WorkerID })
	n := atomic.AddUint64(&lb.rrCount, 1)
	selected := tied[int(n-1)%len(tied)]

	// Step 5: record affinity for future stickiness.
	if lb.params.SessionAffinityEnabled && lb.affinity != nil && req.SessionID != "" {
		lb.affinity.Set(ctx, req.SessionID, selected.WorkerID, lb.params.SessionAffinityTTL)
	}

	telemetry.RoutingDecisionsTotal.WithLabelValues("selected").Inc()
	lb.lg.Debug("selected worker",
		slog.String("request_id", req.RequestID),
		slog.String("worker_id", selected.WorkerID),
		slog.Float64("score", ranked[0].score))

	return selected, nil
}
