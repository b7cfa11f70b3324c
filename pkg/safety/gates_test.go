package safety

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/selfheal/controlplane/pkg/auditlog"
	"github.com/selfheal/controlplane/pkg/safetyartifact"
)

type fakeMetricSource struct{ errorRatePct float64 }

func (f fakeMetricSource) ErrorRatePct(ctx context.Context, service string, window time.Duration) (float64, error) {
	return f.errorRatePct, nil
}

type fakeDeployHistory struct {
	lastDeploy time.Time
	found      bool
}

func (f fakeDeployHistory) LastDeployTime(ctx context.Context, service string) (time.Time, bool, error) {
	return f.lastDeploy, f.found, nil
}

var _ = Describe("Checker", func() {
	var (
		ctx      context.Context
		artifact *safetyartifact.MemoryStore
		audit    *auditlog.Log
	)

	BeforeEach(func() {
		ctx = context.Background()
		artifact = safetyartifact.NewMemoryStore()
		audit = auditlog.New(auditlog.NewMemoryStore())
	})

	newPassingArtifact := func(commitHash string) {
		a, err := safetyartifact.Generate(safetyartifact.GenerateParams{
			IncidentID: "INC-1", ServiceName: "payment-service",
			OverallPassed: true, Recommendation: "DEPLOY",
			CommitHash: commitHash, Signer: "safety-gate-system", Environment: "production",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(artifact.Save(ctx, a)).To(Succeed())
	}

	It("passes every gate and returns PASSED when all thresholds are met", func() {
		newPassingArtifact("commit-1")
		checker, err := NewChecker(ctx, fakeMetricSource{errorRatePct: 0.5}, fakeDeployHistory{lastDeploy: time.Now().Add(-time.Hour), found: true}, artifact, audit)
		Expect(err).NotTo(HaveOccurred())

		result, err := checker.CheckGates(ctx, GateConfig{
			ServiceName:              "payment-service",
			CommitHash:                "commit-1",
			ErrorBudgetThresholdPct:   2.0,
			BlastRadiusAffected:       1,
			BlastRadiusTotalServices:  20,
			BlastRadiusMaxPct:         10,
			CooldownMinInterval:       10 * time.Minute,
			RiskScore:                 15,
			RiskScoreThreshold:        50,
		}, "corr-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.AllPassed).To(BeTrue())
		Expect(result.Outcome).To(Equal(OutcomePassed))
	})

	It("returns PAUSED_FOR_HUMAN_REVIEW when a gate of HIGH or CRITICAL severity fails (e.g. no safety artifact)", func() {
		checker, err := NewChecker(ctx, fakeMetricSource{errorRatePct: 0.5}, fakeDeployHistory{lastDeploy: time.Now().Add(-time.Hour), found: true}, artifact, audit)
		Expect(err).NotTo(HaveOccurred())

		result, err := checker.CheckGates(ctx, GateConfig{
			ServiceName:              "payment-service",
			CommitHash:                "missing-commit",
			ErrorBudgetThresholdPct:   2.0,
			BlastRadiusAffected:       1,
			BlastRadiusTotalServices:  20,
			BlastRadiusMaxPct:         10,
			CooldownMinInterval:       10 * time.Minute,
			RiskScore:                 15,
			RiskScoreThreshold:        50,
		}, "corr-2")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.AllPassed).To(BeFalse())
		Expect(result.Outcome).To(Equal(OutcomePausedForHumanReview))
	})

	It("returns FAILED (not paused) when only the cooldown gate (MEDIUM severity) fails", func() {
		newPassingArtifact("commit-2")
		checker, err := NewChecker(ctx, fakeMetricSource{errorRatePct: 0.5}, fakeDeployHistory{lastDeploy: time.Now(), found: true}, artifact, audit)
		Expect(err).NotTo(HaveOccurred())

		result, err := checker.CheckGates(ctx, GateConfig{
			ServiceName:              "payment-service",
			CommitHash:                "commit-2",
			ErrorBudgetThresholdPct:   2.0,
			BlastRadiusAffected:       1,
			BlastRadiusTotalServices:  20,
			BlastRadiusMaxPct:         10,
			CooldownMinInterval:       time.Hour,
			RiskScore:                 15,
			RiskScoreThreshold:        50,
		}, "corr-3")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.AllPassed).To(BeFalse())
		Expect(result.Outcome).To(Equal(OutcomeFailed))

		var cooldown GateResult
		for _, g := range result.Gates {
			if g.Name == "cooldown" {
				cooldown = g
			}
		}
		Expect(cooldown.Passed).To(BeFalse())
	})
})
