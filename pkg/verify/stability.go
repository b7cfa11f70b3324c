package verify

import "fmt"

// StabilityStatus mirrors metric_stability_analyzer.py's StabilityStatus.
type StabilityStatus string

const (
	StabilityStable           StabilityStatus = "STABLE"
	StabilityImproving        StabilityStatus = "IMPROVING"
	StabilityDegrading        StabilityStatus = "DEGRADING"
	StabilityOscillating      StabilityStatus = "OSCILLATING"
	StabilityInsufficientData StabilityStatus = "INSUFFICIENT_DATA"
)

// StabilityConfig parameterizes the sub-check (spec §4.8 "Stability
// sub-check").
type StabilityConfig struct {
	MinStableDurationMinutes float64
	MaxCoefficientVariation  float64
	MaxOscillationFrequency  float64 // peaks per minute
	TrendSignificanceLevel   float64
	PeakProminence           float64 // in z-score units, see countPeaks
}

// DefaultStabilityConfig mirrors MetricStabilityAnalyzer's constructor
// defaults.
var DefaultStabilityConfig = StabilityConfig{
	MinStableDurationMinutes: 5,
	MaxCoefficientVariation:  0.15,
	MaxOscillationFrequency:  0.5,
	TrendSignificanceLevel:   0.05,
	PeakProminence:           0.5,
}

// StabilityResult is the outcome of analyzeStability for one time series.
type StabilityResult struct {
	Status                 StabilityStatus
	Trend                  string // STABLE / IMPROVING / DEGRADING / INSUFFICIENT_DATA
	Slope                  float64
	RSquared               float64
	TrendIsSignificant     bool
	OscillationFrequency   float64
	IsOscillating          bool
	CoefficientOfVariation float64
	VarianceAcceptable     bool
	StableDurationMinutes  float64
	RequiredDurationMinutes float64
	IsStableEnough         bool
	ConfidenceScore        float64
	Reasons                []string
}

// analyzeStability runs the trend/oscillation/variance/duration checks of
// spec §4.8 "Stability sub-check" against a time series sampled at
// (minutesFromStart, value) points. higherIsBetter flips trend direction
// interpretation exactly as metric_stability_analyzer.py's `direction` arg.
func analyzeStability(cfg StabilityConfig, minutesFromStart, values []float64, higherIsBetter bool) StabilityResult {
	if len(values) < 10 {
		return StabilityResult{
			Status:                  StabilityInsufficientData,
			Trend:                   "INSUFFICIENT_DATA",
			RequiredDurationMinutes: cfg.MinStableDurationMinutes,
			Reasons:                 []string{"insufficient data for stability analysis"},
		}
	}

	duration := 0.0
	if len(minutesFromStart) > 0 {
		duration = minutesFromStart[len(minutesFromStart)-1]
	}

	reg := linearRegression(minutesFromStart, values, cfg.TrendSignificanceLevel)
	trend := classifyTrend(reg, higherIsBetter)

	normalized := zNormalize(values)
	peaks := countPeaks(normalized, cfg.PeakProminence)
	frequency := 0.0
	if duration > 0 {
		frequency = float64(peaks) / duration
	}
	isOscillating := frequency > cfg.MaxOscillationFrequency

	cv := coefficientOfVariation(values)
	varianceAcceptable := cv <= cfg.MaxCoefficientVariation

	var reasons []string
	confidence := 100.0

	if duration < cfg.MinStableDurationMinutes {
		reasons = append(reasons, fmt.Sprintf("duration too short: %.1f min < %.1f min required", duration, cfg.MinStableDurationMinutes))
		confidence -= 30
	} else {
		reasons = append(reasons, fmt.Sprintf("duration sufficient: %.1f min", duration))
	}

	status := StabilityStable
	switch trend {
	case "DEGRADING":
		status = StabilityDegrading
		reasons = append(reasons, fmt.Sprintf("metric trending worse (slope %+.4f/min)", reg.Slope))
		confidence -= 40
	case "IMPROVING":
		status = StabilityImproving
		reasons = append(reasons, fmt.Sprintf("metric improving (slope %+.4f/min)", reg.Slope))
	default:
		reasons = append(reasons, fmt.Sprintf("metric stable (slope %+.4f/min)", reg.Slope))
	}

	if isOscillating {
		status = StabilityOscillating
		reasons = append(reasons, fmt.Sprintf("metric oscillating: %.2f peaks/min (threshold %.2f)", frequency, cfg.MaxOscillationFrequency))
		confidence -= 25
	} else {
		reasons = append(reasons, fmt.Sprintf("no oscillation detected (%d peaks over %.1f min)", peaks, duration))
	}

	if !varianceAcceptable {
		reasons = append(reasons, fmt.Sprintf("high variance: CV=%.2f%% (threshold %.2f%%)", cv*100, cfg.MaxCoefficientVariation*100))
		confidence -= 15
	} else {
		reasons = append(reasons, fmt.Sprintf("acceptable variance: CV=%.2f%%", cv*100))
	}

	isStableEnough := duration >= cfg.MinStableDurationMinutes &&
		status != StabilityDegrading && status != StabilityOscillating &&
		varianceAcceptable

	if confidence < 0 {
		confidence = 0
	}
	if confidence > 100 {
		confidence = 100
	}

	return StabilityResult{
		Status:                  status,
		Trend:                   trend,
		Slope:                   reg.Slope,
		RSquared:                reg.RSquared,
		TrendIsSignificant:      reg.IsSignificant,
		OscillationFrequency:    frequency,
		IsOscillating:           isOscillating,
		CoefficientOfVariation:  cv,
		VarianceAcceptable:      varianceAcceptable,
		StableDurationMinutes:   duration,
		RequiredDurationMinutes: cfg.MinStableDurationMinutes,
		IsStableEnough:          isStableEnough,
		ConfidenceScore:         confidence,
		Reasons:                 reasons,
	}
}

// classifyTrend mirrors _analyze_trend's direction-aware trend naming: a
// positive slope degrades a "lower is better" metric but improves a
// "higher is better" one, and vice versa; flat slopes are always STABLE
// regardless of significance.
func classifyTrend(reg regressionResult, higherIsBetter bool) string {
	const flatSlope = 0.01
	if reg.Slope > -flatSlope && reg.Slope < flatSlope {
		return "STABLE"
	}
	if !reg.IsSignificant {
		return "STABLE"
	}
	worsening := reg.Slope > 0
	if higherIsBetter {
		worsening = reg.Slope < 0
	}
	if worsening {
		return "DEGRADING"
	}
	return "IMPROVING"
}
