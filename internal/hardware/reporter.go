// Package hardware implements the worker-side hardware reporter (4.L): it
// classifies a worker's GPU/memory envelope into supported model tiers and
// periodically reports resource usage deltas.
package hardware

import (
	"context"
	"log/slog"
	"time"

	"github.com/inference-mesh/control-plane/internal/domain"
)

// Snapshot is one point-in-time reading of the worker's hardware.
type Snapshot struct {
	GPUCores    int
	MemoryGB    float64
	CPUPercent  float64
	MemoryUsedGB float64
}

// ClassifyTiers derives the supported model tiers from a hardware snapshot,
// per the thresholds in 4.L. <3B is always supported.
func ClassifyTiers(s Snapshot) []domain.ModelTier {
	tiers := []domain.ModelTier{domain.TierUnder3B}
	if s.GPUCores >= 10 && s.MemoryGB >= 8 {
		tiers = append(tiers, domain.Tier3To7B)
	}
	if s.GPUCores >= 15 && s.MemoryGB >= 16 {
		tiers = append(tiers, domain.Tier7To13B)
	}
	if s.GPUCores >= 20 && s.MemoryGB >= 32 {
		tiers = append(tiers, domain.Tier13To27B)
	}
	if s.GPUCores >= 30 && s.MemoryGB >= 64 {
		tiers = append(tiers, domain.Tier30BPlus)
	}
	return tiers
}

// MaxConcurrentFor derives a conservative concurrency budget from the best
// tier a worker supports; larger tiers imply more memory pressure per
// request, so the budget shrinks for bigger tiers.
func MaxConcurrentFor(tiers []domain.ModelTier) int {
	best := domain.TierUnder3B
	for _, t := range tiers {
		best = t
	}
	switch best {
	case domain.TierUnder3B:
		return 16
	case domain.Tier3To7B:
		return 8
	case domain.Tier7To13B:
		return 4
	case domain.Tier13To27B:
		return 2
	default:
		return 1
	}
}

// Capabilities derives the worker's full Capabilities from one hardware
// snapshot.
func Capabilities(s Snapshot) domain.Capabilities {
	tiers := ClassifyTiers(s)
	return domain.Capabilities{
		MaxConcurrent:     MaxConcurrentFor(tiers),
		SupportedTiers:    tiers,
		AvailableMemoryGB: s.MemoryGB - s.MemoryUsedGB,
	}
}

// ReadFunc samples the current hardware state. Implementations typically
// read /proc or call an NVML-style binding; kept abstract here so tests can
// supply canned readings.
type ReadFunc func() Snapshot

// Reporter periodically samples hardware via Read and invokes Emit with the
// resulting capabilities and the current snapshot. The CPU/memory usage
// change since the prior tick is only logged, not passed to Emit.
type Reporter struct {
	Read     ReadFunc
	Emit     func(domain.Capabilities, Snapshot)
	Interval time.Duration
	lg       *slog.Logger
}

// New constructs a Reporter.
func New(read ReadFunc, emit func(domain.Capabilities, Snapshot), interval time.Duration, lg *slog.Logger) *Reporter {
	if lg == nil {
		lg = slog.Default()
	}
	return &Reporter{Read: read, Emit: emit, Interval: interval, lg: lg}
}

// Run samples and emits on every tick until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	var prev Snapshot
	first := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := r.Read()
			caps := Capabilities(cur)
			if !first {
				r.lg.Debug("hardware delta",
					slog.Float64("cpu_delta", cur.CPUPercent-prev.CPUPercent),
					slog.Float64("mem_delta_gb", cur.MemoryUsedGB-prev.MemoryUsedGB))
			}
			prev = cur
			first = false
			r.Emit(caps, cur)
		}
	}
}
