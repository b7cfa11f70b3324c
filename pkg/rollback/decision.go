// Package rollback implements the rollback decision engine and executor of
// spec §4.9: guardrails that force escalation rather than a rollback that
// could make things worse, a severity-scored strategy/urgency selection, and
// four execution strategies (INSTANT/GRADUAL/EMERGENCY/PARTIAL) driven
// through pkg/deploytarget.
//
// Grounded on original_source/examples/rollback_decision_engine.py (the
// guardrail checks, severity scoring, and decision table) and
// rollback_orchestrator.py (the three kubectl-sequenced strategies).
package rollback

import (
	"strings"

	"github.com/selfheal/controlplane/pkg/verify"
)

// Strategy is the chosen rollback approach (spec §4.9a).
type Strategy string

const (
	StrategyInstant Strategy = "INSTANT"
	StrategyGradual Strategy = "GRADUAL"
	StrategyPartial Strategy = "PARTIAL"
	StrategyNone    Strategy = "NONE"

	// StrategyEscalate is a decision-engine outcome only: it means "do not
	// rollback", not an executable strategy.
	StrategyEscalate Strategy = "ESCALATE"

	// StrategyEmergency is execution-only (spec §4.9b); the decision engine
	// never selects it, but an operator or a higher urgency tier can invoke
	// it directly against the executor.
	StrategyEmergency Strategy = "EMERGENCY"
)

// Urgency is how quickly the rollback should be acted on (spec §4.9a).
type Urgency string

const (
	UrgencyImmediate Urgency = "IMMEDIATE"
	UrgencyHigh      Urgency = "HIGH"
	UrgencyMedium    Urgency = "MEDIUM"
	UrgencyLow       Urgency = "LOW"
	UrgencyNone      Urgency = "NONE"
)

// Alert is one active alert considered by the guardrails.
type Alert struct {
	Severity string // "critical" | "warning"
	Type     string // e.g. "infrastructure"
	Message  string
}

// VersionHealth is a previous-version health snapshot (spec §4.9a input).
type VersionHealth struct {
	ErrorRatePct float64
	P99LatencyMs float64
}

// Decision is the rollback decision engine's full output (spec §4.9a).
type Decision struct {
	ShouldRollback bool
	Strategy       Strategy
	Urgency        Urgency
	Confidence     float64

	PrimaryReason string
	AllReasons    []string
	RiskFactors   []string

	GuardrailsTriggered []string
	SafeToRollback      bool

	AlternativeActions []string

	SeverityScore      float64
	BlastRadiusPct     float64
	ServiceCriticality float64
}

// Config parameterizes the decision engine's thresholds (spec §4.9
// severity-score and strategy-selection constants).
type Config struct {
	CriticalErrorRatePct      float64 // default 5.0
	HighErrorRatePct          float64 // default 2.0
	CriticalLatencyMultiplier float64 // default 2.0
	HighLatencyMultiplier     float64 // default 1.5
	CriticalBlastRadiusPct    float64 // default 10.0
	HighBlastRadiusPct        float64 // default 5.0
	ServiceCriticality        map[string]float64
}

// DefaultConfig mirrors RollbackDecisionEngine's constructor defaults.
var DefaultConfig = Config{
	CriticalErrorRatePct:      5.0,
	HighErrorRatePct:          2.0,
	CriticalLatencyMultiplier: 2.0,
	HighLatencyMultiplier:     1.5,
	CriticalBlastRadiusPct:    10.0,
	HighBlastRadiusPct:        5.0,
	ServiceCriticality: map[string]float64{
		"payment":        0.95,
		"auth":           0.95,
		"user":           0.80,
		"order":          0.75,
		"search":         0.60,
		"recommendation": 0.50,
		"analytics":      0.30,
	},
}

// Engine evaluates rollback decisions from verification results.
type Engine struct {
	cfg Config
}

// New builds an Engine with cfg.
func New(cfg Config) *Engine { return &Engine{cfg: cfg} }

// Decide implements make_decision's full guardrail-then-severity logic (spec
// §4.9a). previousHealth and alerts may be nil/empty.
func (e *Engine) Decide(result verify.Result, serviceName string, previousHealth *VersionHealth, alerts []Alert) Decision {
	severity := e.severityScore(result.MetricComparisons, alerts)
	blastRadius := result.TreatmentPct
	if blastRadius == 0 {
		blastRadius = 100.0
	}
	criticality := e.serviceCriticality(serviceName)

	guardrails, safeToRollback := e.checkGuardrails(result, previousHealth, alerts)

	if result.Decision == verify.DecisionPassed {
		confidence := result.Confidence
		if confidence == 0 {
			confidence = 90.0
		}
		return Decision{
			ShouldRollback:      false,
			Strategy:            StrategyNone,
			Urgency:             UrgencyNone,
			Confidence:          confidence,
			PrimaryReason:       "Verification passed - deployment is successful",
			AllReasons:          []string{"Metrics improved significantly", "All health gates passed"},
			GuardrailsTriggered: guardrails,
			SafeToRollback:      safeToRollback,
			AlternativeActions:  []string{"Monitor for next 30 minutes in cooldown"},
			SeverityScore:       severity,
			BlastRadiusPct:      blastRadius,
			ServiceCriticality:  criticality,
		}
	}

	// spec §4.9 "Guardrails that block rollback": any triggered guardrail
	// forces ESCALATE outright (stronger than the original, which only
	// blocked on the first three and merely logged the fourth).
	if len(guardrails) > 0 {
		reasons := append([]string{"Rollback guardrails triggered"}, guardrails...)
		return Decision{
			ShouldRollback:      false,
			Strategy:            StrategyEscalate,
			Urgency:             UrgencyHigh,
			Confidence:          85.0,
			PrimaryReason:       "Cannot rollback safely - guardrail conditions present",
			AllReasons:          reasons,
			RiskFactors:         []string{"Previous version or infrastructure may also be unhealthy"},
			GuardrailsTriggered: guardrails,
			SafeToRollback:      false,
			AlternativeActions: []string{
				"Escalate to on-call engineer",
				"Check infrastructure health",
				"Review external dependencies",
				"Consider emergency hotfix",
			},
			SeverityScore:      severity,
			BlastRadiusPct:     blastRadius,
			ServiceCriticality: criticality,
		}
	}

	if result.Decision == verify.DecisionPartiallyResolved {
		if severity < 30 {
			return Decision{
				ShouldRollback: false,
				Strategy:       StrategyNone,
				Urgency:        UrgencyLow,
				Confidence:     65.0,
				PrimaryReason:  "Partial success - issues are minor",
				AllReasons: []string{
					"Most metrics improved",
					"Some metrics degraded but within acceptable limits",
				},
				RiskFactors:         []string{"Some metrics still degraded"},
				GuardrailsTriggered: guardrails,
				SafeToRollback:      safeToRollback,
				AlternativeActions: []string{
					"Create follow-up incident for tuning",
					"Monitor closely for next hour",
					"Consider gradual rollout to 50% if issues persist",
				},
				SeverityScore:      severity,
				BlastRadiusPct:     blastRadius,
				ServiceCriticality: criticality,
			}
		}
		return e.createRollbackDecision(StrategyPartial, UrgencyMedium,
			"Partial success with significant issues",
			[]string{"Some metrics significantly degraded", "Recommend partial rollback to reduce blast radius"},
			severity, blastRadius, criticality, guardrails, safeToRollback,
			[]string{"Rollback to 50% traffic", "Investigate and hotfix", "Full rollback if issues continue"})
	}

	if result.Decision == verify.DecisionFailed {
		var urgency Urgency
		var strategy Strategy
		var reasons []string
		switch {
		case severity >= 70 || (criticality >= 0.9 && severity >= 50):
			urgency, strategy = UrgencyImmediate, StrategyInstant
			reasons = []string{"Critical severity degradation"}
		case severity >= 50 || blastRadius >= e.cfg.CriticalBlastRadiusPct:
			urgency, strategy = UrgencyHigh, StrategyInstant
			reasons = []string{"High severity or large blast radius"}
		case severity >= 30:
			urgency, strategy = UrgencyMedium, StrategyGradual
			reasons = []string{"Medium severity, gradual rollback recommended"}
		default:
			urgency, strategy = UrgencyLow, StrategyGradual
			reasons = []string{"Low severity, manual review recommended"}
		}
		return e.createRollbackDecision(strategy, urgency, "Verification failed", reasons,
			severity, blastRadius, criticality, guardrails, safeToRollback,
			[]string{"Emergency hotfix if root cause identified", "Scale out if capacity issue"})
	}

	// BUDGET_EXCEEDED or INCONCLUSIVE: roll back as a precaution.
	return e.createRollbackDecision(StrategyGradual, UrgencyMedium,
		"Verification inconclusive - rolling back as precaution",
		[]string{"Cannot confirm deployment success", "Rolling back to be safe"},
		severity, blastRadius, criticality, guardrails, safeToRollback,
		[]string{"Extend verification window", "Manual investigation"})
}

func (e *Engine) createRollbackDecision(strategy Strategy, urgency Urgency, primaryReason string, reasons []string,
	severity, blastRadius, criticality float64, guardrails []string, safeToRollback bool, alternatives []string) Decision {

	confidence := 70.0
	switch {
	case severity > 70:
		confidence += 20
	case severity > 50:
		confidence += 10
	}
	if safeToRollback {
		confidence += 10
	} else {
		confidence -= 20
	}
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 100 {
		confidence = 100
	}

	return Decision{
		ShouldRollback:      true,
		Strategy:            strategy,
		Urgency:             urgency,
		Confidence:          confidence,
		PrimaryReason:       primaryReason,
		AllReasons:          reasons,
		RiskFactors:         []string{"severity and blast radius drove this decision"},
		GuardrailsTriggered: guardrails,
		SafeToRollback:      safeToRollback,
		AlternativeActions:  alternatives,
		SeverityScore:       severity,
		BlastRadiusPct:      blastRadius,
		ServiceCriticality:  criticality,
	}
}

// severityScore implements _calculate_severity (spec §4.9 "Severity score").
func (e *Engine) severityScore(comparisons []verify.MetricComparison, alerts []Alert) float64 {
	var severity float64
	for _, c := range comparisons {
		if c.Verdict != verify.VerdictDegraded {
			continue
		}
		switch {
		case c.Metric == "error_rate":
			switch {
			case c.ImprovementPct < -e.cfg.CriticalErrorRatePct:
				severity += 40
			case c.ImprovementPct < -e.cfg.HighErrorRatePct:
				severity += 25
			default:
				severity += 10
			}
		case strings.Contains(c.Metric, "latency"):
			switch {
			case c.ImprovementPct < -100:
				severity += 30
			case c.ImprovementPct < -50:
				severity += 15
			default:
				severity += 5
			}
		default:
			severity += 5
		}
	}

	var critical, warning int
	for _, a := range alerts {
		switch a.Severity {
		case "critical":
			critical++
		case "warning":
			warning++
		}
	}
	severity += float64(critical)*15 + float64(warning)*5

	if severity > 100 {
		severity = 100
	}
	return severity
}

func (e *Engine) serviceCriticality(serviceName string) float64 {
	base := strings.ToLower(serviceName)
	if idx := strings.Index(base, "-"); idx >= 0 {
		base = base[:idx]
	}
	if v, ok := e.cfg.ServiceCriticality[base]; ok {
		return v
	}
	return 0.50
}

// checkGuardrails implements _check_guardrails (spec §4.9 "Guardrails that
// block rollback"), all four treated as hard blockers per the redesigned
// spec behavior.
func (e *Engine) checkGuardrails(result verify.Result, previousHealth *VersionHealth, alerts []Alert) ([]string, bool) {
	var guardrails []string
	safe := true

	if previousHealth != nil {
		if previousHealth.ErrorRatePct > e.cfg.HighErrorRatePct {
			guardrails = append(guardrails, "previous version also has a high error rate")
			safe = false
		}
	}

	for _, a := range alerts {
		if a.Type == "infrastructure" {
			guardrails = append(guardrails, "infrastructure-wide alerts present")
			safe = false
			break
		}
	}

	// "Baseline" here is the control group's own mean: the same wall-clock
	// reading of the previous version, which is this module's only
	// available stand-in for a pre-deployment historical baseline.
	degraded := 0
	for _, c := range result.MetricComparisons {
		if c.ControlMean <= 0 {
			continue
		}
		degradation := ((c.TreatmentMean - c.ControlMean) / c.ControlMean) * 100
		if degradation > 20 {
			degraded++
		}
	}
	if len(result.MetricComparisons) > 0 && float64(degraded) >= float64(len(result.MetricComparisons))/2 {
		guardrails = append(guardrails, "both versions are worse than baseline, possible infrastructure issue")
		safe = false
	}

	for _, a := range alerts {
		msg := strings.ToLower(a.Message)
		if strings.Contains(msg, "external") || strings.Contains(msg, "downstream") {
			guardrails = append(guardrails, "external dependency issues detected")
			safe = false
			break
		}
	}

	return guardrails, safe
}
