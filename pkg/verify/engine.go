// Package verify implements the verification engine of spec §4.8: a
// control-group-vs-treatment-group comparison (never naive before/after,
// which traffic patterns and time-of-day confound), with bootstrap
// confidence intervals, a two-sample t-test, a stability sub-check per
// metric, and a multi-signal vote over the resulting verdicts.
//
// Grounded on original_source/examples/post_deployment_verifier.py (the
// comparison protocol and voting thresholds) and
// metric_stability_analyzer.py (the stability sub-check).
package verify

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"
)

// Decision is the overall verification outcome (spec §4.8.4-5).
type Decision string

const (
	DecisionPassed            Decision = "PASSED"
	DecisionPartiallyResolved Decision = "PARTIALLY_RESOLVED"
	DecisionFailed            Decision = "FAILED"
	DecisionInconclusive      Decision = "INCONCLUSIVE"
	DecisionBudgetExceeded    Decision = "BUDGET_EXCEEDED"
)

// Result is the complete output of a verification run.
type Result struct {
	Decision           Decision
	MetricComparisons  []MetricComparison
	OverallImprovement float64
	Confidence         float64
	Reasons            []string
	BudgetStatus       Budget
	ControlPct         float64
	TreatmentPct       float64
}

// MetricSpec names a verified metric and whether higher values are better.
type MetricSpec struct {
	Name           string
	HigherIsBetter bool
	Weight         float64 // _calculate_overall_improvement's weights
}

var defaultMetrics = []MetricSpec{
	{"error_rate", false, 0.35},
	{"p99_latency", false, 0.25},
	{"p95_latency", false, 0.20},
	{"throughput", true, 0.10},
	{"cpu_usage", false, 0.05},
	{"memory_usage", false, 0.05},
}

// Source fetches raw samples for a service/version/metric over a window,
// e.g. backed by pkg/metricsource.QuerySource.Series against a
// `{service="...",version="..."}`-labeled PromQL expression.
type Source interface {
	Samples(ctx context.Context, service, version, metric string, window time.Duration) ([]float64, error)
}

// Config parameterizes one verification run.
type Config struct {
	Metrics         []MetricSpec // nil uses defaultMetrics
	Thresholds      MetricThresholds
	StabilityConfig StabilityConfig
	Budget          Budget
	SampleWindow    time.Duration
	StabilizeWait   time.Duration
	ControlPct      float64 // traffic still on the previous version
	TreatmentPct    float64
}

// DefaultConfig mirrors PostDeploymentVerifier's constructor defaults.
var DefaultConfig = Config{
	Thresholds:      DefaultMetricThresholds,
	StabilityConfig: DefaultStabilityConfig,
	Budget:          DefaultBudget,
	SampleWindow:    5 * time.Minute,
}

// Engine runs verify(control, treatment) comparisons.
type Engine struct {
	source Source
	rng    *rand.Rand
	clock  func() time.Time
}

// Option configures an Engine at construction.
type Option func(*Engine)

func WithRand(rng *rand.Rand) Option { return func(e *Engine) { e.rng = rng } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.clock = now } }

// New builds an Engine over source.
func New(source Source, opts ...Option) *Engine {
	e := &Engine{
		source: source,
		rng:    rand.New(rand.NewSource(1)),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Verify runs the full protocol for service against its previous-version
// control group (spec §4.8.2-4). Metrics are fetched concurrently via
// errgroup; the budget is checked once, after every metric has been
// compared, and an exceeded budget returns BUDGET_EXCEEDED without a vote.
func (e *Engine) Verify(ctx context.Context, cfg Config, service string) (Result, error) {
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = defaultMetrics
	}
	started := e.clock()

	comparisons := make([]MetricComparison, len(metrics))
	errs := make([]error, len(metrics))

	group, gctx := errgroup.WithContext(ctx)
	for i, m := range metrics {
		i, m := i, m
		group.Go(func() error {
			comparison, err := e.compareOne(gctx, cfg, service, m)
			comparisons[i] = comparison
			errs[i] = err
			return nil // collect per-metric errors without aborting siblings
		})
	}
	if err := group.Wait(); err != nil {
		return Result{}, err
	}
	for i, err := range errs {
		if err != nil {
			return Result{}, fmt.Errorf("compare metric %s: %w", metrics[i].Name, err)
		}
	}

	budget := cfg.Budget
	budget.ElapsedSeconds = e.clock().Sub(started).Seconds()
	if budget.Exceeded() {
		return Result{
			Decision:          DecisionBudgetExceeded,
			MetricComparisons: comparisons,
			BudgetStatus:      budget,
			ControlPct:        cfg.ControlPct,
			TreatmentPct:      cfg.TreatmentPct,
		}, nil
	}

	if len(comparisons) == 0 {
		return Result{Decision: DecisionInconclusive, BudgetStatus: budget}, nil
	}

	decision, reasons, confidence := vote(comparisons)
	overall := overallImprovement(metrics, comparisons)

	return Result{
		Decision:           decision,
		MetricComparisons:  comparisons,
		OverallImprovement: overall,
		Confidence:         confidence,
		Reasons:            reasons,
		BudgetStatus:       budget,
		ControlPct:         cfg.ControlPct,
		TreatmentPct:       cfg.TreatmentPct,
	}, nil
}

func (e *Engine) compareOne(ctx context.Context, cfg Config, service string, m MetricSpec) (MetricComparison, error) {
	control, err := e.source.Samples(ctx, service, "control", m.Name, cfg.SampleWindow)
	if err != nil {
		return MetricComparison{}, fmt.Errorf("fetch control samples: %w", err)
	}
	treatment, err := e.source.Samples(ctx, service, "treatment", m.Name, cfg.SampleWindow)
	if err != nil {
		return MetricComparison{}, fmt.Errorf("fetch treatment samples: %w", err)
	}
	if len(control) == 0 || len(treatment) == 0 {
		return MetricComparison{Metric: m.Name, Verdict: VerdictUnchanged}, nil
	}

	minutes := make([]float64, len(treatment))
	for i := range treatment {
		minutes[i] = float64(i) * cfg.SampleWindow.Minutes() / float64(len(treatment))
	}
	stability := analyzeStability(cfg.StabilityConfig, minutes, treatment, m.HigherIsBetter)

	return compareMetric(m.Name, control, treatment, 0, cfg.Thresholds, &stability, e.rng), nil
}

// vote implements _vote_on_verification's multi-signal decision rule (spec
// §4.8.4). An empty comparisons slice returns INCONCLUSIVE, never PASSED
// (spec §8 "Boundaries"); metrics with zero samples arrive here as
// UNCHANGED verdicts, so they cannot produce PASSED either.
func vote(comparisons []MetricComparison) (Decision, []string, float64) {
	total := len(comparisons)
	if total == 0 {
		return DecisionInconclusive, []string{"no metrics compared"}, 0
	}

	var improved, degraded int
	for _, c := range comparisons {
		switch c.Verdict {
		case VerdictImproved:
			improved++
		case VerdictDegraded:
			degraded++
		}
	}
	improvedRatio := float64(improved) / float64(total)
	degradedRatio := float64(degraded) / float64(total)

	var decision Decision
	var confidence float64
	var reasons []string

	switch {
	case degradedRatio > 0.3:
		decision = DecisionFailed
		confidence = degradedRatio * 100
		reasons = append(reasons, fmt.Sprintf("%.0f%% of metrics degraded", degradedRatio*100))
	case improvedRatio >= 0.7:
		decision = DecisionPassed
		confidence = improvedRatio * 100
		reasons = append(reasons, fmt.Sprintf("%.0f%% of metrics improved significantly", improvedRatio*100))
	case improvedRatio >= 0.5 && degradedRatio < 0.2:
		decision = DecisionPartiallyResolved
		confidence = 60.0
		reasons = append(reasons, fmt.Sprintf("partial improvement: %.0f%% improved, %.0f%% degraded", improvedRatio*100, degradedRatio*100))
	default:
		decision = DecisionInconclusive
		confidence = 40.0
		reasons = append(reasons, "insufficient evidence of improvement")
	}

	return decision, reasons, confidence
}

func overallImprovement(metrics []MetricSpec, comparisons []MetricComparison) float64 {
	weightByName := make(map[string]float64, len(metrics))
	for _, m := range metrics {
		weightByName[m.Name] = m.Weight
	}

	var weightedSum, totalWeight float64
	for _, c := range comparisons {
		weight, ok := weightByName[c.Metric]
		if !ok {
			weight = 0.1
		}
		weightedSum += c.ImprovementPct * weight
		totalWeight += weight
	}
	if totalWeight == 0 {
		return 0
	}
	return weightedSum / totalWeight
}
