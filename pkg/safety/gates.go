package safety

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	apperrors "github.com/selfheal/controlplane/internal/errors"
	"github.com/selfheal/controlplane/pkg/auditlog"
	"github.com/selfheal/controlplane/pkg/safetyartifact"
)

// GateSeverity ranks how serious a single gate failure is, driving the
// PAUSED_FOR_HUMAN_REVIEW-vs-FAILED outcome rule (spec §4.5 "Outcome").
type GateSeverity string

const (
	GateSeverityLow      GateSeverity = "LOW"
	GateSeverityMedium   GateSeverity = "MEDIUM"
	GateSeverityHigh     GateSeverity = "HIGH"
	GateSeverityCritical GateSeverity = "CRITICAL"
)

var gateSeverityRank = map[GateSeverity]int{
	GateSeverityLow:      0,
	GateSeverityMedium:   1,
	GateSeverityHigh:     2,
	GateSeverityCritical: 3,
}

// GateResult is one gate's verdict.
type GateResult struct {
	Name     string
	Passed   bool
	Reason   string
	Severity GateSeverity
}

// Outcome is the Checker's overall verdict (spec §4.5 "Outcome").
type Outcome string

const (
	OutcomePassed               Outcome = "PASSED"
	OutcomePausedForHumanReview Outcome = "PAUSED_FOR_HUMAN_REVIEW"
	OutcomeFailed               Outcome = "FAILED"
)

// CheckResult aggregates every gate's verdict and the resulting Outcome.
type CheckResult struct {
	Gates       []GateResult
	AllPassed   bool
	Outcome     Outcome
	MaxSeverity GateSeverity
}

// MetricSource is the subset of pkg/metricsource.QuerySource the error-budget
// gate needs: the rolling error rate for a service over window.
type MetricSource interface {
	ErrorRatePct(ctx context.Context, service string, window time.Duration) (float64, error)
}

// DeployHistory reports the last successful deploy time for a service, for
// the cooldown gate.
type DeployHistory interface {
	LastDeployTime(ctx context.Context, service string) (t time.Time, found bool, err error)
}

// GateConfig carries the thresholds and target that parameterize a single
// CheckGates call (spec §6 "Configuration": "metric thresholds... rollback
// thresholds").
type GateConfig struct {
	ServiceName string
	CommitHash  string

	ErrorBudgetWindow        time.Duration
	ErrorBudgetThresholdPct  float64
	BlastRadiusAffected      int
	BlastRadiusTotalServices int
	BlastRadiusMaxPct        float64
	CooldownMinInterval      time.Duration
	RiskScore                float64
	RiskScoreThreshold       float64
}

// Checker runs the five safety gates of spec §4.5.
type Checker struct {
	metrics  MetricSource
	history  DeployHistory
	artifact safetyartifact.Store
	eval     *evaluator
	audit    *auditlog.Log
	logger   logr.Logger
	now      func() time.Time
}

// Option configures a Checker at construction.
type Option func(*Checker)

func WithLogger(logger logr.Logger) Option { return func(c *Checker) { c.logger = logger } }
func WithClock(now func() time.Time) Option { return func(c *Checker) { c.now = now } }

// NewChecker builds a Checker. metrics and history may be nil: with no
// metrics source the error-budget gate sees an error rate of 0, and with no
// history source the cooldown gate is treated as satisfied.
func NewChecker(ctx context.Context, metrics MetricSource, history DeployHistory, artifact safetyartifact.Store, audit *auditlog.Log, opts ...Option) (*Checker, error) {
	eval, err := newEvaluator(ctx)
	if err != nil {
		return nil, fmt.Errorf("build safety policy evaluator: %w", err)
	}
	c := &Checker{
		metrics:  metrics,
		history:  history,
		artifact: artifact,
		eval:     eval,
		audit:    audit,
		logger:   logr.Discard(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CheckGates runs every gate and derives the overall Outcome (spec §4.5).
func (c *Checker) CheckGates(ctx context.Context, cfg GateConfig, correlationID string) (CheckResult, error) {
	var gates []GateResult

	errorRatePct := 0.0
	if c.metrics != nil {
		rate, err := c.metrics.ErrorRatePct(ctx, cfg.ServiceName, cfg.ErrorBudgetWindow)
		if err != nil {
			return CheckResult{}, apperrors.Wrap(err, apperrors.ErrorTypeBackendUnavailable, "fetch error rate for error-budget gate")
		}
		errorRatePct = rate
	}

	secondsSinceLastDeploy := cfg.CooldownMinInterval.Seconds() // assume satisfied if no history source
	if c.history != nil {
		last, found, err := c.history.LastDeployTime(ctx, cfg.ServiceName)
		if err != nil {
			return CheckResult{}, apperrors.Wrap(err, apperrors.ErrorTypeBackendUnavailable, "fetch last deploy time for cooldown gate")
		}
		if found {
			secondsSinceLastDeploy = c.now().Sub(last).Seconds()
		}
	}

	blastRadiusPct := 0.0
	if cfg.BlastRadiusTotalServices > 0 {
		blastRadiusPct = 100 * float64(cfg.BlastRadiusAffected) / float64(cfg.BlastRadiusTotalServices)
	}

	verdicts, err := c.eval.gateVerdicts(ctx, map[string]any{
		"error_rate_pct":                errorRatePct,
		"error_budget_threshold_pct":    cfg.ErrorBudgetThresholdPct,
		"blast_radius_pct":              blastRadiusPct,
		"blast_radius_max_pct":          cfg.BlastRadiusMaxPct,
		"seconds_since_last_deploy":     secondsSinceLastDeploy,
		"cooldown_min_interval_seconds": cfg.CooldownMinInterval.Seconds(),
		"risk_score":                    cfg.RiskScore,
		"risk_score_threshold":          cfg.RiskScoreThreshold,
	})
	if err != nil {
		return CheckResult{}, err
	}

	gates = append(gates, GateResult{
		Name:     "error_budget",
		Passed:   verdicts["error_budget_pass"],
		Reason:   fmt.Sprintf("error rate %.2f%% vs threshold %.2f%%", errorRatePct, cfg.ErrorBudgetThresholdPct),
		Severity: GateSeverityHigh,
	})
	gates = append(gates, GateResult{
		Name:     "blast_radius",
		Passed:   verdicts["blast_radius_pass"],
		Reason:   fmt.Sprintf("blast radius %.1f%% vs max %.1f%%", blastRadiusPct, cfg.BlastRadiusMaxPct),
		Severity: GateSeverityHigh,
	})
	gates = append(gates, GateResult{
		Name:     "cooldown",
		Passed:   verdicts["cooldown_pass"],
		Reason:   fmt.Sprintf("%.0fs since last deploy vs min interval %.0fs", secondsSinceLastDeploy, cfg.CooldownMinInterval.Seconds()),
		Severity: GateSeverityMedium,
	})
	gates = append(gates, GateResult{
		Name:     "risk_score",
		Passed:   verdicts["risk_score_pass"],
		Reason:   fmt.Sprintf("risk score %.1f vs threshold %.1f", cfg.RiskScore, cfg.RiskScoreThreshold),
		Severity: riskGateSeverity(cfg.RiskScore, cfg.RiskScoreThreshold),
	})

	proofGate, err := c.proofOfSafetyGate(ctx, cfg.CommitHash)
	if err != nil {
		return CheckResult{}, err
	}
	gates = append(gates, proofGate)

	return c.finalize(ctx, cfg.ServiceName, gates, correlationID), nil
}

// riskGateSeverity escalates the risk-score gate's own failure severity with
// how far over threshold the score landed, rather than a fixed level.
func riskGateSeverity(score, threshold float64) GateSeverity {
	switch {
	case score >= 75:
		return GateSeverityCritical
	case score >= threshold:
		return GateSeverityHigh
	default:
		return GateSeverityLow
	}
}

// proofOfSafetyGate passes iff an artifact exists for commitHash, its
// integrity hash verifies, and it recorded overall_passed=true (spec §4.5).
// Absence of evidence is treated as the gate's own failure, not an error.
func (c *Checker) proofOfSafetyGate(ctx context.Context, commitHash string) (GateResult, error) {
	if c.artifact == nil {
		return GateResult{Name: "proof_of_safety", Passed: false, Reason: "no safety artifact store configured", Severity: GateSeverityCritical}, nil
	}

	artifact, found, err := c.artifact.FindByCommit(ctx, commitHash)
	if err != nil {
		// An artifact that fails its own integrity check is evidence of
		// tampering, not absence of evidence: both fail the gate, but the
		// distinction belongs in the reason.
		return GateResult{Name: "proof_of_safety", Passed: false, Reason: err.Error(), Severity: GateSeverityCritical}, nil
	}
	if !found {
		return GateResult{Name: "proof_of_safety", Passed: false, Reason: fmt.Sprintf("no safety artifact found for commit %s", commitHash), Severity: GateSeverityCritical}, nil
	}
	if !artifact.OverallPassed {
		return GateResult{Name: "proof_of_safety", Passed: false, Reason: "safety artifact recorded overall_passed=false", Severity: GateSeverityCritical}, nil
	}
	return GateResult{Name: "proof_of_safety", Passed: true, Reason: "safety artifact verified", Severity: GateSeverityLow}, nil
}

func (c *Checker) finalize(ctx context.Context, serviceName string, gates []GateResult, correlationID string) CheckResult {
	allPassed := true
	maxSeverity := GateSeverityLow
	for _, g := range gates {
		if c.audit != nil {
			if _, err := c.audit.LogSafetyGateResult(ctx, serviceName, g.Name, g.Passed, g.Reason, correlationID); err != nil {
				c.logger.Error(err, "failed to log safety gate result", "gate", g.Name)
			}
		}
		if !g.Passed {
			allPassed = false
			if gateSeverityRank[g.Severity] > gateSeverityRank[maxSeverity] {
				maxSeverity = g.Severity
			}
		}
	}

	outcome := OutcomePassed
	if !allPassed {
		if gateSeverityRank[maxSeverity] >= gateSeverityRank[GateSeverityHigh] {
			outcome = OutcomePausedForHumanReview
		} else {
			outcome = OutcomeFailed
		}
	}

	return CheckResult{Gates: gates, AllPassed: allPassed, Outcome: outcome, MaxSeverity: maxSeverity}
}
