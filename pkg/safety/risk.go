package safety

import (
	"context"
	"fmt"
	"strings"
)

// RiskLevel buckets a 0-100 risk_score (spec §4.10).
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Recommendation is the deployment-strategy verdict a RiskAssessment drives.
type Recommendation string

const (
	RecommendDeploy       Recommendation = "DEPLOY"
	RecommendCanary       Recommendation = "CANARY"
	RecommendManualReview Recommendation = "MANUAL_REVIEW"
)

// RiskThresholds are the risk_score cut points separating LOW/MEDIUM/HIGH/
// CRITICAL (spec §4.10 defaults: 20/50/75).
type RiskThresholds struct {
	Low    float64
	Medium float64
	High   float64
}

// DefaultRiskThresholds mirrors risk_scorer.py's constructor defaults.
var DefaultRiskThresholds = RiskThresholds{Low: 20, Medium: 50, High: 75}

func (t RiskThresholds) bucket(score float64) RiskLevel {
	switch {
	case score < t.Low:
		return RiskLow
	case score < t.Medium:
		return RiskMedium
	case score < t.High:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// CriticalityTable maps a service name to a 1-5 criticality score
// (ServiceCriticality enum of risk_scorer.py). A nil/missing table falls
// back entirely to the keyword heuristic.
type CriticalityTable map[string]int

var keywordCriticality = []struct {
	keywords []string
	score    int
}{
	{[]string{"payment", "auth", "security"}, 5},
	{[]string{"api", "gateway", "user"}, 4},
	{[]string{"notification", "email", "worker"}, 3},
	{[]string{"analytics", "logging", "metrics"}, 2},
}

// criticalityName maps the 1-5 score back to the enum name the risk policy
// and audit trail use (ServiceCriticality.name in the original).
func criticalityName(score int) string {
	switch score {
	case 5:
		return "CRITICAL"
	case 4:
		return "HIGH"
	case 3:
		return "MEDIUM"
	case 2:
		return "LOW"
	case 1:
		return "DEV"
	default:
		return "MEDIUM"
	}
}

// ServiceCriticality returns the 1-5 criticality score for service, checking
// the configured table first and falling back to keyword matching, then a
// MEDIUM default — exactly _get_service_criticality's precedence.
func (t CriticalityTable) ServiceCriticality(service string) int {
	if score, ok := t[service]; ok {
		return score
	}
	lower := strings.ToLower(service)
	for _, entry := range keywordCriticality {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.score
			}
		}
	}
	return 3 // MEDIUM
}

// ChangeSize buckets total lines changed into the 1-5 scale of
// risk_scorer.py's ChangeSize enum.
func ChangeSize(linesChanged int) int {
	switch {
	case linesChanged <= 10:
		return 1
	case linesChanged <= 50:
		return 2
	case linesChanged <= 200:
		return 3
	case linesChanged <= 500:
		return 4
	default:
		return 5
	}
}

// CheckOutcome carries the subset of a check result the risk formula reads,
// decoupling RiskScorer from any one test runner's/linter's/analyzer's JSON
// shape (spec §4.10 "from test failure rate ... coverage drop ... security-
// scan failure ... lint errors ... build failure").
type CheckOutcome struct {
	TestsRun           int
	TestsFailed        int
	CoveragePercentage float64
	HasCoverage        bool
	LintErrors         int
	SecurityScanPassed bool
	HasSecurityScan    bool
	CriticalFindings   int
	HighFindings       int
	BuildFailed        bool
	HasBuild           bool
}

// ErrorSeverity computes the 0-10 error_severity factor, exactly
// _calculate_error_severity's weighted, capped formula.
func ErrorSeverity(c CheckOutcome) float64 {
	if c.HasBuild && c.BuildFailed {
		return 10.0
	}

	severity := 0.0

	if c.TestsRun > 0 {
		failureRate := float64(c.TestsFailed) / float64(c.TestsRun)
		severity += failureRate * 4
	}
	if c.HasCoverage && c.CoveragePercentage < 80 {
		severity += (80 - c.CoveragePercentage) / 20
	}

	if c.HasSecurityScan && !c.SecurityScanPassed {
		severity += 5.0
	}
	findingSeverity := float64(c.CriticalFindings)*0.5 + float64(c.HighFindings)*0.25
	if findingSeverity > 3.0 {
		findingSeverity = 3.0
	}
	severity += findingSeverity

	lintSeverity := float64(c.LintErrors) * 0.1
	if lintSeverity > 1.0 {
		lintSeverity = 1.0
	}
	severity += lintSeverity

	if severity > 10.0 {
		severity = 10.0
	}
	return severity
}

// RiskAssessment is the outcome of RiskScorer.Assess.
type RiskAssessment struct {
	ServiceCriticality     int
	ServiceCriticalityName string
	ChangeSize             int
	LinesChanged           int
	ErrorSeverity          float64
	RiskScore              float64
	RiskLevel              RiskLevel
	Recommendation         Recommendation
	Reason                 string
}

// RiskScorer computes RiskAssessment per spec §4.10, using an embedded Rego
// policy (grounded on original_source/examples/risk_scorer.py's
// _get_recommendation) for the final override-aware recommendation.
type RiskScorer struct {
	criticality CriticalityTable
	thresholds  RiskThresholds
	eval        *evaluator
}

// NewRiskScorer builds a RiskScorer. A nil criticality table falls back
// entirely to keyword-based classification.
func NewRiskScorer(ctx context.Context, criticality CriticalityTable, thresholds RiskThresholds) (*RiskScorer, error) {
	eval, err := newEvaluator(ctx)
	if err != nil {
		return nil, fmt.Errorf("build safety policy evaluator: %w", err)
	}
	return &RiskScorer{criticality: criticality, thresholds: thresholds, eval: eval}, nil
}

// Assess computes the composite risk_score = criticality * change_size *
// error_severity / 250 * 100, buckets it, and resolves the deployment
// recommendation (spec §4.10).
func (s *RiskScorer) Assess(ctx context.Context, service string, linesChanged int, checks CheckOutcome) (RiskAssessment, error) {
	criticalityScore := s.criticality.ServiceCriticality(service)
	changeScore := ChangeSize(linesChanged)
	errorSeverity := ErrorSeverity(checks)

	const maxPossible = 5 * 5 * 10
	raw := float64(criticalityScore) * float64(changeScore) * errorSeverity
	riskScore := (raw / maxPossible) * 100

	level := s.thresholds.bucket(riskScore)
	criticalityName := criticalityName(criticalityScore)

	recommendation, reason, err := s.eval.riskRecommendation(ctx, map[string]any{
		"risk_level":           string(level),
		"service_criticality":  criticalityName,
		"security_scan_failed": checks.HasSecurityScan && !checks.SecurityScanPassed,
		"tests_failed":         checks.TestsFailed > 0,
	})
	if err != nil {
		return RiskAssessment{}, err
	}

	return RiskAssessment{
		ServiceCriticality:     criticalityScore,
		ServiceCriticalityName: criticalityName,
		ChangeSize:             changeScore,
		LinesChanged:           linesChanged,
		ErrorSeverity:          errorSeverity,
		RiskScore:              riskScore,
		RiskLevel:              level,
		Recommendation:         Recommendation(recommendation),
		Reason:                 reason,
	}, nil
}
