package main

import (
	"context"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/selfheal/controlplane/pkg/auditlog"
	"github.com/selfheal/controlplane/pkg/conflict"
	"github.com/selfheal/controlplane/pkg/depgraph"
	"github.com/selfheal/controlplane/pkg/deployment"
	"github.com/selfheal/controlplane/pkg/healthgate"
	"github.com/selfheal/controlplane/pkg/lockmgr"
	"github.com/selfheal/controlplane/pkg/notify"
	"github.com/selfheal/controlplane/pkg/orchestrator"
	"github.com/selfheal/controlplane/pkg/rollback"
	"github.com/selfheal/controlplane/pkg/safety"
	"github.com/selfheal/controlplane/pkg/safetyartifact"
	"github.com/selfheal/controlplane/pkg/verify"
)

// scenarioVerifySource produces per-metric control/treatment series crafted
// so error_rate, p99_latency and p95_latency clearly improve (treatment at
// half of control) while throughput is held identical across both versions
// (zero-variance, equal means, so its p-value is 1.0 and it verdicts
// UNCHANGED) — the literal 3-improved/1-unchanged mix of the happy-path
// deployment scenario.
type scenarioVerifySource struct{}

func (scenarioVerifySource) Samples(ctx context.Context, service, version, metric string, window time.Duration) ([]float64, error) {
	n := 30
	out := make([]float64, n)
	mult := 1.0
	if metric != "throughput" && version == "treatment" {
		mult = 0.5
	}
	for i := range out {
		out[i] = mult
	}
	return out, nil
}

func happyPathStack(t testing.TB) (*orchestrator.Orchestrator, *memTarget, *auditlog.Log) {
	lockBackend, err := lockmgr.NewFileBackend(t.TempDir())
	Expect(err).NotTo(HaveOccurred())
	audit := auditlog.New(auditlog.NewMemoryStore())
	locks := lockmgr.New(lockBackend, audit)

	target := &memTarget{}
	canary := deployment.NewController(target, passEvaluator{}, deployment.WithSleep(func(time.Duration) {}))

	verifyCfg := verify.DefaultConfig
	// Long enough that 30 evenly-spaced samples clear the stability
	// analyzer's 5-minute minimum duration (29/30 of the window must be
	// >= 5 minutes), so a genuinely improved metric isn't downgraded to
	// UNCHANGED for looking like it wasn't observed for long enough.
	verifyCfg.SampleWindow = 10 * time.Minute
	verifyCfg.Metrics = []verify.MetricSpec{
		{Name: "error_rate", HigherIsBetter: false, Weight: 0.4},
		{Name: "p99_latency", HigherIsBetter: false, Weight: 0.3},
		{Name: "p95_latency", HigherIsBetter: false, Weight: 0.2},
		{Name: "throughput", HigherIsBetter: true, Weight: 0.1},
	}
	verifier := verify.New(scenarioVerifySource{})

	deployExec := orchestrator.NewDeployExecutor(target, canary, verifier, audit,
		orchestrator.WithStageConfig(deployment.StageConfig{Stages: []int{5, 25, 50, 100}, MaxFailures: 1}),
		orchestrator.WithVerifyConfig(verifyCfg),
	)
	rollbackDecider := rollback.New(rollback.DefaultConfig)
	rollbackExec := rollback.NewExecutor(rollback.WithAudit(audit), rollback.WithExecSleep(func(time.Duration) {}))
	rollbackAdapter := orchestrator.NewRollbackAdapter(deployExec, target, rollbackDecider, rollbackExec, rollback.DefaultExecConfig)

	artifacts := safetyartifact.NewMemoryStore()
	Expect(artifacts.Save(context.Background(), &safetyartifact.Artifact{
		IncidentID: "scenario", ServiceName: "payment-service", Timestamp: time.Now(),
		CommitHash: "commit-1", OverallPassed: true,
	})).To(Succeed())
	checker, err := safety.NewChecker(context.Background(), nil, nil, artifacts, audit)
	Expect(err).NotTo(HaveOccurred())

	orch := orchestrator.New(locks, conflict.New(depgraph.New(), nil), checker, notify.New(nil), audit,
		orchestrator.WithExecutor(conflict.OpDeploy, deployExec),
		orchestrator.WithRollbackHook(conflict.OpDeploy, rollbackAdapter),
	)
	return orch, target, audit
}

func passingGates(service, commitHash string) safety.GateConfig {
	return safety.GateConfig{
		ServiceName:              service,
		CommitHash:               commitHash,
		ErrorBudgetThresholdPct:  100,
		BlastRadiusMaxPct:        100,
		BlastRadiusTotalServices: 1,
		RiskScoreThreshold:       100,
	}
}

var _ = Describe("end-to-end scenario: happy deployment", func() {
	It("promotes payment-service through all four canary stages and verifies 3 metrics improved, 1 unchanged", func() {
		orch, target, _ := happyPathStack(GinkgoT())

		result, err := orch.Execute(context.Background(), orchestrator.ExecuteRequest{
			OperationType: conflict.OpDeploy,
			ServiceName:   "payment-service",
			Actor:         "release-bot",
			OperationData: map[string]any{"image_tag": "payment-service:v2"},
			GateConfig:    passingGates("payment-service", "commit-1"),
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(result.Outcome).To(Equal(orchestrator.OutcomeCompleted))
		Expect(result.RollbackApplied).To(Equal(rollback.StrategyNone))
		Expect(target.images).To(ContainElement("payment-service:v2"))
		Expect(target.splits).To(Equal([]int{5, 25, 50, 100}))
	})
})

// blockingExecutor lets a test hold an operation open inside Execute so a
// second, concurrent proposal observes it as still registered — genuine
// concurrency is required to exercise the conflict detector's DIRECT path
// through the orchestrator, since a single synchronous Execute call
// registers and unregisters within the same call.
type blockingExecutor struct {
	entered chan struct{}
	release chan struct{}
}

func newBlockingExecutor() *blockingExecutor {
	return &blockingExecutor{entered: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingExecutor) Execute(ctx context.Context, serviceName string, operationData map[string]any, correlationID string) error {
	close(b.entered)
	<-b.release
	return nil
}

var _ = Describe("end-to-end scenario: direct conflict", func() {
	It("blocks a second concurrent deploy on user-service with conflict_type DIRECT while the first completes normally", func() {
		lockBackend, err := lockmgr.NewFileBackend(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())
		audit := auditlog.New(auditlog.NewMemoryStore())
		locks := lockmgr.New(lockBackend, audit)

		artifacts := safetyartifact.NewMemoryStore()
		Expect(artifacts.Save(context.Background(), &safetyartifact.Artifact{
			IncidentID: "scenario", ServiceName: "user-service", Timestamp: time.Now(),
			CommitHash: "commit-2", OverallPassed: true,
		})).To(Succeed())
		checker, err := safety.NewChecker(context.Background(), nil, nil, artifacts, audit)
		Expect(err).NotTo(HaveOccurred())

		blocker := newBlockingExecutor()
		orch := orchestrator.New(locks, conflict.New(depgraph.New(), nil), checker, notify.New(nil), audit,
			orchestrator.WithExecutor(conflict.OpDeploy, blocker),
		)

		var (
			wg          sync.WaitGroup
			firstResult orchestrator.ExecutionResult
			firstErr    error
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			firstResult, firstErr = orch.Execute(context.Background(), orchestrator.ExecuteRequest{
				OperationType: conflict.OpDeploy,
				ServiceName:   "user-service",
				Actor:         "operator-a",
				OperationData: map[string]any{"image_tag": "user-service:v2"},
				GateConfig:    passingGates("user-service", "commit-2"),
			})
		}()

		<-blocker.entered

		secondResult, err := orch.Execute(context.Background(), orchestrator.ExecuteRequest{
			OperationType: conflict.OpDeploy,
			ServiceName:   "user-service",
			Actor:         "operator-b",
			OperationData: map[string]any{"image_tag": "user-service:v3"},
			GateConfig:    passingGates("user-service", "commit-2"),
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(secondResult.Outcome).To(Equal(orchestrator.OutcomeBlockedByConflict))
		Expect(secondResult.Conflict).NotTo(BeNil())
		Expect(secondResult.Conflict.ConflictType).To(Equal(conflict.TypeDirect))

		close(blocker.release)
		wg.Wait()
		Expect(firstErr).NotTo(HaveOccurred())
		Expect(firstResult.Outcome).To(Equal(orchestrator.OutcomeCompleted))
	})
})

var _ = Describe("end-to-end scenario: degraded canary triggers an automatic rollback", func() {
	It("rolls order-service back once its canary stage starts failing its health gate", func() {
		lockBackend, err := lockmgr.NewFileBackend(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())
		audit := auditlog.New(auditlog.NewMemoryStore())
		locks := lockmgr.New(lockBackend, audit)

		target := &memTarget{}
		// Passes every stage of the first deploy (4 calls), then fails
		// every stage after — standing in for a canary stage degrading
		// only once a newer, bad image is rolled out.
		evaluator := &togglingEvaluator{passForCalls: 4}
		canary := deployment.NewController(target, evaluator, deployment.WithSleep(func(time.Duration) {}))
		verifier := verify.New(scenarioVerifySource{})
		deployExec := orchestrator.NewDeployExecutor(target, canary, verifier, audit,
			orchestrator.WithStageConfig(deployment.StageConfig{Stages: []int{5, 25, 50, 100}, MaxFailures: 1}))

		rollbackDecider := rollback.New(rollback.DefaultConfig)
		rollbackExec := rollback.NewExecutor(rollback.WithAudit(audit), rollback.WithExecSleep(func(time.Duration) {}))
		rollbackAdapter := orchestrator.NewRollbackAdapter(deployExec, target, rollbackDecider, rollbackExec, rollback.DefaultExecConfig)

		artifacts := safetyartifact.NewMemoryStore()
		Expect(artifacts.Save(context.Background(), &safetyartifact.Artifact{
			IncidentID: "scenario", ServiceName: "order-service", Timestamp: time.Now(),
			CommitHash: "commit-1", OverallPassed: true,
		})).To(Succeed())
		checker, err := safety.NewChecker(context.Background(), nil, nil, artifacts, audit)
		Expect(err).NotTo(HaveOccurred())

		orch := orchestrator.New(locks, conflict.New(depgraph.New(), nil), checker, notify.New(nil), audit,
			orchestrator.WithExecutor(conflict.OpDeploy, deployExec),
			orchestrator.WithRollbackHook(conflict.OpDeploy, rollbackAdapter),
		)

		// First deploy passes all four stages, establishing
		// order-service:v1 as the known-good image the rollback below
		// targets.
		firstResult, err := orch.Execute(context.Background(), orchestrator.ExecuteRequest{
			OperationType: conflict.OpDeploy,
			ServiceName:   "order-service",
			Actor:         "release-bot",
			OperationData: map[string]any{"image_tag": "order-service:v1"},
			GateConfig:    passingGates("order-service", "commit-1"),
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(firstResult.Outcome).To(Equal(orchestrator.OutcomeCompleted))

		// Second deploy's first canary stage (5%) now fails the gate; with
		// MaxFailures=1 that trips an immediate rollback to v1.
		result, err := orch.Execute(context.Background(), orchestrator.ExecuteRequest{
			OperationType: conflict.OpDeploy,
			ServiceName:   "order-service",
			Actor:         "release-bot",
			OperationData: map[string]any{"image_tag": "order-service:v2"},
			GateConfig:    passingGates("order-service", "commit-1"),
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(result.Outcome).To(Equal(orchestrator.OutcomeFailed))
		// A canary-triggered rollback carries no treatment-traffic figure
		// from the verification engine, so the decision defaults its blast
		// radius to 100% — which alone clears the instant-rollback
		// threshold and selects INSTANT, matching the degraded-canary
		// scenario's expected behavior.
		Expect(result.RollbackApplied).To(Equal(rollback.StrategyInstant))
		Expect(target.images).To(ContainElement("order-service:v1"))

		ok, _, err := audit.VerifyChain(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
	})
})

// togglingEvaluator passes the first passForCalls canary health gate
// evaluations and fails every one after, modeling a later deploy's stage
// degrading where an earlier deploy's identical stage was healthy.
type togglingEvaluator struct {
	passForCalls int

	mu    sync.Mutex
	calls int
}

func (e *togglingEvaluator) Evaluate(ctx context.Context, service, baselineService string) (healthgate.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	return healthgate.Result{Pass: e.calls <= e.passForCalls}, nil
}
