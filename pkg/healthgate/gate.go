// Package healthgate evaluates the per-service standard health gates of
// spec §4.7: error rate, p95/p99 latency, CPU/memory saturation, and
// request-rate-drop detection. Error rate and request rate are judged
// relative to the baseline version, latency and saturation against absolute
// limits, with a no-data result always reported as UNKNOWN rather than a pass
// or fail.
package healthgate

import (
	"context"
	"fmt"
	"time"
)

// Status is a single gate's verdict.
type Status string

const (
	StatusPass    Status = "PASS"
	StatusFail    Status = "FAIL"
	StatusUnknown Status = "UNKNOWN"
)

// Verdict is one gate's evaluation result.
type Verdict struct {
	Gate     string
	Status   Status
	Critical bool
	Reason   string
}

// Result aggregates every gate's Verdict into the overall pass/fail
// (spec §4.7 "Overall pass requires zero failed critical gates and zero
// failed non-critical gates").
type Result struct {
	Verdicts []Verdict
	Pass     bool
}

// Source is the subset of pkg/metricsource.QuerySource the health gate
// evaluator needs: a named gate metric for a service, windowed,
// reporting whether any data was found.
type Source interface {
	Sample(ctx context.Context, name, service string, window time.Duration) (value float64, found bool, err error)
}

// Thresholds configures every gate's pass/fail boundary (spec §4.7
// "configurable thresholds"); Default mirrors the spec's literal values.
type Thresholds struct {
	ErrorRateRelativeToBaseline      float64 // e.g. 1.10 = fail above 110% of baseline
	P95LatencyMaxMs                  float64
	P99LatencyMaxMs                  float64
	CPUSaturationMaxPct              float64
	MemorySaturationMaxPct           float64
	RequestRateMinRelativeToBaseline float64 // e.g. 0.50 = fail below 50% of baseline
}

// DefaultThresholds mirrors spec §4.7's "Standard gates" literally.
var DefaultThresholds = Thresholds{
	ErrorRateRelativeToBaseline:      1.10,
	P95LatencyMaxMs:                  500,
	P99LatencyMaxMs:                  1000,
	CPUSaturationMaxPct:              80,
	MemorySaturationMaxPct:           90,
	RequestRateMinRelativeToBaseline: 0.50,
}

// Window is the evaluation window every gate query uses (spec §4.7
// "windowed to 5 minutes ending now").
const Window = 5 * time.Minute

// Evaluator runs the standard health gates for one (service, version) pair
// against its baseline.
type Evaluator struct {
	source     Source
	thresholds Thresholds
}

// New builds an Evaluator.
func New(source Source, thresholds Thresholds) *Evaluator {
	return &Evaluator{source: source, thresholds: thresholds}
}

// gateSpec describes one gate's metric, criticality, and comparison against
// its baseline counterpart.
type gateSpec struct {
	name     string
	critical bool
	// evaluate returns pass, reason given the candidate and baseline values.
	evaluate func(t Thresholds, candidate, baseline float64) (bool, string)
}

var standardGates = []gateSpec{
	{
		name: "error_rate", critical: true,
		evaluate: func(t Thresholds, candidate, baseline float64) (bool, string) {
			limit := baseline * t.ErrorRateRelativeToBaseline
			pass := candidate <= limit
			return pass, fmt.Sprintf("error rate %.2f%% vs baseline-relative limit %.2f%% (baseline %.2f%%)", candidate, limit, baseline)
		},
	},
	{
		name: "p95_latency", critical: true,
		evaluate: func(t Thresholds, candidate, _ float64) (bool, string) {
			pass := candidate < t.P95LatencyMaxMs
			return pass, fmt.Sprintf("p95 latency %.1fms vs max %.1fms", candidate, t.P95LatencyMaxMs)
		},
	},
	{
		name: "p99_latency", critical: true,
		evaluate: func(t Thresholds, candidate, _ float64) (bool, string) {
			pass := candidate < t.P99LatencyMaxMs
			return pass, fmt.Sprintf("p99 latency %.1fms vs max %.1fms", candidate, t.P99LatencyMaxMs)
		},
	},
	{
		name: "cpu_saturation", critical: false,
		evaluate: func(t Thresholds, candidate, _ float64) (bool, string) {
			pass := candidate < t.CPUSaturationMaxPct
			return pass, fmt.Sprintf("CPU saturation %.1f%% vs max %.1f%%", candidate, t.CPUSaturationMaxPct)
		},
	},
	{
		name: "memory_saturation", critical: false,
		evaluate: func(t Thresholds, candidate, _ float64) (bool, string) {
			pass := candidate < t.MemorySaturationMaxPct
			return pass, fmt.Sprintf("memory saturation %.1f%% vs max %.1f%%", candidate, t.MemorySaturationMaxPct)
		},
	},
	{
		name: "request_rate", critical: true,
		evaluate: func(t Thresholds, candidate, baseline float64) (bool, string) {
			limit := baseline * t.RequestRateMinRelativeToBaseline
			pass := candidate > limit
			return pass, fmt.Sprintf("request rate %.2f/s vs baseline-relative floor %.2f/s (baseline %.2f/s)", candidate, limit, baseline)
		},
	},
}

// Evaluate runs every standard gate for service/version against the
// baseline's own current reading of the same metric (spec §4.7). A gate
// whose candidate or baseline query returns no data is reported UNKNOWN, not
// failed.
func (e *Evaluator) Evaluate(ctx context.Context, service, baselineService string) (Result, error) {
	var verdicts []Verdict
	overallPass := true

	for _, g := range standardGates {
		candidate, found, err := e.source.Sample(ctx, g.name, service, Window)
		if err != nil {
			return Result{}, fmt.Errorf("evaluate %s gate: %w", g.name, err)
		}
		if !found {
			verdicts = append(verdicts, Verdict{Gate: g.name, Status: StatusUnknown, Critical: g.critical, Reason: "no data in window"})
			continue
		}

		baseline, baselineFound, err := e.source.Sample(ctx, g.name, baselineService, Window)
		if err != nil {
			return Result{}, fmt.Errorf("evaluate %s gate baseline: %w", g.name, err)
		}
		if !baselineFound {
			verdicts = append(verdicts, Verdict{Gate: g.name, Status: StatusUnknown, Critical: g.critical, Reason: "no baseline data in window"})
			continue
		}

		pass, reason := g.evaluate(e.thresholds, candidate, baseline)
		status := StatusPass
		if !pass {
			status = StatusFail
			overallPass = false
		}
		verdicts = append(verdicts, Verdict{Gate: g.name, Status: status, Critical: g.critical, Reason: reason})
	}

	return Result{Verdicts: verdicts, Pass: overallPass}, nil
}
