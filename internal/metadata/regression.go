package metadata

import (
	"log/slog"
	"sync"

	"github.com/inference-mesh/control-plane/internal/telemetry"
)

// Severity classifies a regression alert. Every alert this detector emits is
// currently critical, per 4.K's three named conditions.
type Severity string

// Severity values.
const (
	SeverityCritical Severity = "critical"
)

// RegressionParams configures the detector's thresholds and sample gating.
type RegressionParams struct {
	MinSamplesForEvaluation int
	WindowSize              int
	ThroughputDropPct       float64
	TTFTRisePct             float64
	ErrorRateThreshold      float64
}

// Alert is emitted when a rolling metric crosses its configured threshold
// against baseline.
type Alert struct {
	Metric   string
	Severity Severity
	Current  float64
	Baseline float64
}

// RegressionDetector maintains rolling windows of throughput, TTFT, and
// error-rate samples against a configured baseline, grounded on the
// teacher's baseline/recent-window drift-monitor shape.
type RegressionDetector struct {
	mu       sync.Mutex
	params   RegressionParams
	baseline map[string]float64
	recent   map[string][]float64
	lg       *slog.Logger
	events   *telemetry.EventBus
	onAlert  func(Alert)
}

// NewRegressionDetector constructs a detector. onAlert, if non-nil, is
// invoked synchronously whenever a critical alert fires; a critical alert
// also always fires a "rollback" event on events so any subscriber may
// implement the actual rollback (4.K).
func NewRegressionDetector(params RegressionParams, events *telemetry.EventBus, lg *slog.Logger, onAlert func(Alert)) *RegressionDetector {
	if lg == nil {
		lg = slog.Default()
	}
	return &RegressionDetector{
		params:   params,
		baseline: make(map[string]float64),
		recent:   make(map[string][]float64),
		events:   events,
		lg:       lg,
		onAlert:  onAlert,
	}
}

// SetBaseline records the current acceptable value for metric.
func (d *RegressionDetector) SetBaseline(metric string, value float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.baseline[metric] = value
}

// RecordThroughput feeds one throughput sample (requests/sec) into the
// rolling window and evaluates for regression.
func (d *RegressionDetector) RecordThroughput(value float64) {
	d.record("throughput", value, func(base, avg float64) bool {
		if base <= 0 {
			return false
		}
		return (base-avg)/base >= d.params.ThroughputDropPct
	})
}

// RecordTTFT feeds one time-to-first-token sample (ms) into the rolling
// window and evaluates for regression.
func (d *RegressionDetector) RecordTTFT(value float64) {
	d.record("ttft", value, func(base, avg float64) bool {
		if base <= 0 {
			return false
		}
		return (avg-base)/base >= d.params.TTFTRisePct
	})
}

// RecordErrorRate feeds one error-rate sample (0..1) into the rolling
// window and evaluates against the absolute threshold.
func (d *RegressionDetector) RecordErrorRate(value float64) {
	d.record("error_rate", value, func(_, avg float64) bool {
		return avg > d.params.ErrorRateThreshold
	})
}

func (d *RegressionDetector) record(metric string, value float64, breached func(baseline, avg float64) bool) {
	d.mu.Lock()
	window := append(d.recent[metric], value)
	if len(window) > d.params.WindowSize {
		window = window[len(window)-d.params.WindowSize:]
	}
	d.recent[metric] = window

	if len(window) < d.params.MinSamplesForEvaluation {
		d.mu.Unlock()
		return
	}

	var sum float64
	for _, v := range window {
		sum += v
	}
	avg := sum / float64(len(window))
	baseline := d.baseline[metric]
	fire := breached(baseline, avg)
	d.mu.Unlock()

	if !fire {
		return
	}

	alert := Alert{Metric: metric, Severity: SeverityCritical, Current: avg, Baseline: baseline}
	telemetry.RegressionAlertsTotal.WithLabelValues(metric, string(SeverityCritical)).Inc()
	d.lg.Warn("regression alert",
		slog.String("metric", metric),
		slog.Float64("current", avg),
		slog.Float64("baseline", baseline))

	if d.events != nil {
		d.events.Publish(telemetry.Event{Type: "alert", Source: "regression", Data: map[string]any{"metric": metric, "current": avg, "baseline": baseline}})
		d.events.Publish(telemetry.Event{Type: "rollback", Source: "regression", Data: map[string]any{"metric": metric, "current": avg, "baseline": baseline}})
	}
	if d.onAlert != nil {
		d.onAlert(alert)
	}
}
