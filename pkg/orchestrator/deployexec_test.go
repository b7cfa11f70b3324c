package orchestrator

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/selfheal/controlplane/pkg/auditlog"
	"github.com/selfheal/controlplane/pkg/deployment"
	"github.com/selfheal/controlplane/pkg/deploytarget"
	"github.com/selfheal/controlplane/pkg/healthgate"
	"github.com/selfheal/controlplane/pkg/rollback"
	"github.com/selfheal/controlplane/pkg/verify"
)

// fakeDeployTarget implements the full deploytarget.DeploymentTarget surface
// so it satisfies both the canary controller's narrower Target and
// rollback's Target out of the same fake.
type fakeDeployTarget struct {
	images        []string
	splits        []int
	readyReplicas int32
	totalReplicas int32
}

func (f *fakeDeployTarget) SetImage(ctx context.Context, service, imageTag string) error {
	f.images = append(f.images, imageTag)
	return nil
}
func (f *fakeDeployTarget) SetTrafficSplit(ctx context.Context, service string, canaryPercent int) error {
	f.splits = append(f.splits, canaryPercent)
	return nil
}
func (f *fakeDeployTarget) AwaitRollout(ctx context.Context, service string) error { return nil }
func (f *fakeDeployTarget) ForceEvictAll(ctx context.Context, service string) error { return nil }
func (f *fakeDeployTarget) Scale(ctx context.Context, service string, replicas int32) error { return nil }
func (f *fakeDeployTarget) ReadyState(ctx context.Context, service string) (deploytarget.ReadyState, error) {
	return deploytarget.ReadyState{ReadyReplicas: f.readyReplicas, TotalReplicas: f.totalReplicas}, nil
}

type fakeHealthEvaluator struct{ result healthgate.Result }

func (f *fakeHealthEvaluator) Evaluate(ctx context.Context, service, baselineService string) (healthgate.Result, error) {
	return f.result, nil
}

// fakeVerifySource returns flat series, scaled so a treatment >1.0x control
// always registers as a regression under compareMetric's thresholds.
type fakeVerifySource struct{ errorRateMultiplier float64 }

func (f *fakeVerifySource) Samples(ctx context.Context, service, version, metric string, window time.Duration) ([]float64, error) {
	n := 30
	base := 1.0
	mult := 1.0
	if version == "treatment" {
		mult = f.errorRateMultiplier
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = base * mult
	}
	return out, nil
}

var _ = Describe("DeployExecutor.Execute", func() {
	var (
		target    *fakeDeployTarget
		audit     *auditlog.Log
		evaluator *fakeHealthEvaluator
	)

	BeforeEach(func() {
		target = &fakeDeployTarget{readyReplicas: 4, totalReplicas: 4}
		audit = auditlog.New(auditlog.NewMemoryStore())
		evaluator = &fakeHealthEvaluator{result: healthgate.Result{Pass: true}}
	})

	It("promotes and verifies a deployment with improving metrics, recording it as the new known-good image", func() {
		canary := deployment.NewController(target, evaluator, deployment.WithSleep(func(time.Duration) {}))
		verifier := verify.New(&fakeVerifySource{errorRateMultiplier: 0.5})
		exec := NewDeployExecutor(target, canary, verifier, audit,
			WithStageConfig(deployment.StageConfig{Stages: []int{50, 100}, WaitPerStage: 0, MaxFailures: 1}))

		err := exec.Execute(context.Background(), "order-service", map[string]any{"image_tag": "nginx:1.25"}, "corr-1")
		Expect(err).NotTo(HaveOccurred())

		tag, ok := exec.LastGoodImage("order-service")
		Expect(ok).To(BeTrue())
		Expect(tag).To(Equal("nginx:1.25"))
		Expect(target.images).To(ContainElement("nginx:1.25"))
	})

	It("fails when canary health gates never pass", func() {
		evaluator.result = healthgate.Result{Pass: false}
		canary := deployment.NewController(target, evaluator, deployment.WithSleep(func(time.Duration) {}))
		verifier := verify.New(&fakeVerifySource{errorRateMultiplier: 0.5})
		exec := NewDeployExecutor(target, canary, verifier, audit,
			WithStageConfig(deployment.StageConfig{Stages: []int{50, 100}, WaitPerStage: 0, MaxFailures: 1}))

		err := exec.Execute(context.Background(), "order-service", map[string]any{"image_tag": "nginx:1.25"}, "corr-1")
		Expect(err).To(HaveOccurred())
		_, ok := exec.LastGoodImage("order-service")
		Expect(ok).To(BeFalse())
	})

	It("rejects a malformed image tag before touching the target", func() {
		canary := deployment.NewController(target, evaluator, deployment.WithSleep(func(time.Duration) {}))
		verifier := verify.New(&fakeVerifySource{errorRateMultiplier: 0.5})
		exec := NewDeployExecutor(target, canary, verifier, audit)

		err := exec.Execute(context.Background(), "order-service", map[string]any{"image_tag": "???not an image"}, "corr-1")
		Expect(err).To(HaveOccurred())
		Expect(target.images).To(BeEmpty())
	})
})

var _ = Describe("RollbackAdapter.Rollback", func() {
	It("rolls back to the last known-good image using the decided strategy", func() {
		target := &fakeDeployTarget{readyReplicas: 4, totalReplicas: 4}
		audit := auditlog.New(auditlog.NewMemoryStore())
		evaluator := &fakeHealthEvaluator{result: healthgate.Result{Pass: true}}
		canary := deployment.NewController(target, evaluator, deployment.WithSleep(func(time.Duration) {}))
		verifier := verify.New(&fakeVerifySource{errorRateMultiplier: 0.5})
		deployExec := NewDeployExecutor(target, canary, verifier, audit,
			WithStageConfig(deployment.StageConfig{Stages: []int{100}, WaitPerStage: 0, MaxFailures: 1}))

		Expect(deployExec.Execute(context.Background(), "order-service", map[string]any{"image_tag": "nginx:1.24"}, "corr-1")).To(Succeed())

		decide := rollback.New(rollback.DefaultConfig)
		rbExec := rollback.NewExecutor(rollback.WithAudit(audit), rollback.WithExecSleep(func(time.Duration) {}))
		adapter := NewRollbackAdapter(deployExec, target, decide, rbExec, rollback.DefaultExecConfig)

		strategy, err := adapter.Rollback(context.Background(), "order-service", "corr-2")
		Expect(err).NotTo(HaveOccurred())
		Expect(strategy).NotTo(Equal(rollback.StrategyNone))
		Expect(target.images).To(ContainElement("nginx:1.24"))
	})

	It("refuses to roll back when no known-good image has ever been recorded", func() {
		target := &fakeDeployTarget{}
		audit := auditlog.New(auditlog.NewMemoryStore())
		evaluator := &fakeHealthEvaluator{result: healthgate.Result{Pass: true}}
		canary := deployment.NewController(target, evaluator)
		verifier := verify.New(&fakeVerifySource{errorRateMultiplier: 0.5})
		deployExec := NewDeployExecutor(target, canary, verifier, audit)

		decide := rollback.New(rollback.DefaultConfig)
		rbExec := rollback.NewExecutor(rollback.WithAudit(audit))
		adapter := NewRollbackAdapter(deployExec, target, decide, rbExec, rollback.DefaultExecConfig)

		_, err := adapter.Rollback(context.Background(), "never-deployed-service", "corr-3")
		Expect(err).To(HaveOccurred())
	})
})
