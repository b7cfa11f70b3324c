package verify

import (
	"math"
	"math/rand"
	"sort"
)

// bootstrapImprovementCI resamples control and treatment with replacement
// iterations times, recomputes the improvement percentage (see
// improvementPct) for each resample, and returns the [lower, upper] bound of
// the requested confidence interval — exactly
// post_deployment_verifier.py's _bootstrap_confidence_interval.
func bootstrapImprovementCI(control, treatment []float64, higherIsBetter bool, iterations int, confidenceLevel float64, rng *rand.Rand) (float64, float64) {
	controlMean := mean(control)
	if controlMean == 0 || len(control) == 0 || len(treatment) == 0 {
		return 0, 0
	}

	improvements := make([]float64, 0, iterations)
	for i := 0; i < iterations; i++ {
		controlResample := resampleWithReplacement(control, rng)
		treatmentResample := resampleWithReplacement(treatment, rng)

		cMean := mean(controlResample)
		if cMean == 0 {
			continue
		}
		tMean := mean(treatmentResample)
		improvements = append(improvements, improvementPct(cMean, tMean, higherIsBetter))
	}
	if len(improvements) == 0 {
		return 0, 0
	}

	sort.Float64s(improvements)
	alpha := 1 - confidenceLevel
	lower := percentile(improvements, alpha/2*100)
	upper := percentile(improvements, (1-alpha/2)*100)
	return lower, upper
}

func resampleWithReplacement(xs []float64, rng *rand.Rand) []float64 {
	out := make([]float64, len(xs))
	for i := range out {
		out[i] = xs[rng.Intn(len(xs))]
	}
	return out
}

// percentile uses linear interpolation between closest ranks, matching
// numpy.percentile's default behavior.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := (p / 100) * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	frac := rank - float64(lower)
	return sorted[lower] + frac*(sorted[upper]-sorted[lower])
}

// improvementPct is the control-relative improvement percentage: positive
// means treatment is better. For "lower is better" metrics (error rate,
// latency) a decrease from control to treatment is an improvement; for
// "higher is better" metrics (throughput, success rate) the sign flips
// (spec §4.8c).
func improvementPct(controlMean, treatmentMean float64, higherIsBetter bool) float64 {
	if controlMean == 0 {
		return 0
	}
	pct := (controlMean - treatmentMean) / math.Abs(controlMean) * 100
	if higherIsBetter {
		return -pct
	}
	return pct
}
