package verify

import "math/rand"

// MetricVerdict is a single metric's comparison outcome.
type MetricVerdict string

const (
	VerdictImproved  MetricVerdict = "IMPROVED"
	VerdictDegraded  MetricVerdict = "DEGRADED"
	VerdictUnchanged MetricVerdict = "UNCHANGED"
)

// higherIsBetterMetrics mirrors _build_prometheus_query / _compare_metric's
// metric_name in ['throughput', 'success_rate'] special case.
var higherIsBetterMetrics = map[string]bool{
	"throughput":   true,
	"success_rate": true,
}

// MetricComparison is one metric's control-vs-treatment comparison (spec §3
// "MetricComparison").
type MetricComparison struct {
	Metric         string
	ControlMean    float64
	TreatmentMean  float64
	Baseline       float64
	ImprovementPct float64
	CILow          float64
	CIHigh         float64
	PValue         float64
	Significant    bool
	Verdict        MetricVerdict
	Stability      *StabilityResult // nil if stability analysis wasn't requested
}

// MetricThresholds parameterizes the IMPROVED/DEGRADED/UNCHANGED verdict
// boundary (spec §4.8e).
type MetricThresholds struct {
	ImprovementThresholdPct float64 // default 10
	DegradationThresholdPct float64 // default 5
	SignificanceLevel       float64 // default 0.05
	BootstrapIterations     int     // default 1000
	ConfidenceLevel         float64 // default 0.95
}

// DefaultMetricThresholds mirrors PostDeploymentVerifier's constructor
// defaults.
var DefaultMetricThresholds = MetricThresholds{
	ImprovementThresholdPct: 10,
	DegradationThresholdPct: 5,
	SignificanceLevel:       0.05,
	BootstrapIterations:     1000,
	ConfidenceLevel:         0.95,
}

// compareMetric computes the full MetricComparison for one metric's control
// and treatment samples (spec §4.8.3). A metric that would be IMPROVED but
// fails its stability sub-check (stability != nil && !stability.IsStableEnough)
// contributes UNCHANGED instead (spec §4.8 "Stability sub-check"); a
// DEGRADED verdict is kept regardless of stability.
func compareMetric(name string, control, treatment []float64, baseline float64, thresholds MetricThresholds, stability *StabilityResult, rng *rand.Rand) MetricComparison {
	controlMean := mean(control)
	treatmentMean := mean(treatment)
	higherIsBetter := higherIsBetterMetrics[name]

	improvement := improvementPct(controlMean, treatmentMean, higherIsBetter)
	ciLow, ciHigh := bootstrapImprovementCI(control, treatment, higherIsBetter, thresholds.BootstrapIterations, thresholds.ConfidenceLevel, rng)
	pValue := twoSampleTTestPValue(control, treatment)
	significant := pValue < thresholds.SignificanceLevel

	verdict := VerdictUnchanged
	switch {
	case improvement > thresholds.ImprovementThresholdPct && significant:
		verdict = VerdictImproved
	case improvement < -thresholds.DegradationThresholdPct && significant:
		verdict = VerdictDegraded
	}
	if stability != nil && !stability.IsStableEnough && verdict == VerdictImproved {
		verdict = VerdictUnchanged
	}

	return MetricComparison{
		Metric:         name,
		ControlMean:    controlMean,
		TreatmentMean:  treatmentMean,
		Baseline:       baseline,
		ImprovementPct: improvement,
		CILow:          ciLow,
		CIHigh:         ciHigh,
		PValue:         pValue,
		Significant:    significant,
		Verdict:        verdict,
		Stability:      stability,
	}
}
