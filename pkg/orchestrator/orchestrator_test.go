package orchestrator

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/selfheal/controlplane/pkg/auditlog"
	"github.com/selfheal/controlplane/pkg/conflict"
	"github.com/selfheal/controlplane/pkg/depgraph"
	"github.com/selfheal/controlplane/pkg/lockmgr"
	"github.com/selfheal/controlplane/pkg/rollback"
	"github.com/selfheal/controlplane/pkg/safety"
	"github.com/selfheal/controlplane/pkg/safetyartifact"
)

func TestOrchestrator(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Orchestrator Suite")
}

// fakeExecutor is a scriptable Executor: succeeds unless err is set.
type fakeExecutor struct {
	err   error
	calls int
}

func (f *fakeExecutor) Execute(ctx context.Context, serviceName string, operationData map[string]any, correlationID string) error {
	f.calls++
	return f.err
}

// fakeRollbackHook records whether it was invoked.
type fakeRollbackHook struct {
	called      bool
	serviceName string
}

func (f *fakeRollbackHook) Rollback(ctx context.Context, serviceName, correlationID string) (rollback.Strategy, error) {
	f.called = true
	f.serviceName = serviceName
	return rollback.StrategyInstant, nil
}

// passingGateConfig builds a GateConfig that sails through every gate given
// a MemoryStore already seeded with a matching, verified artifact.
func passingGateConfig(serviceName, commitHash string) safety.GateConfig {
	return safety.GateConfig{
		ServiceName:              serviceName,
		CommitHash:               commitHash,
		ErrorBudgetThresholdPct:  5.0,
		BlastRadiusAffected:      1,
		BlastRadiusTotalServices: 10,
		BlastRadiusMaxPct:        50,
		CooldownMinInterval:      time.Minute,
		RiskScore:                10,
		RiskScoreThreshold:       50,
	}
}

func seedArtifact(store *safetyartifact.MemoryStore, commitHash string) {
	artifact, err := safetyartifact.Generate(safetyartifact.GenerateParams{
		IncidentID:     "INC-1",
		ServiceName:    "order-service",
		ChecksRun:      []string{"unit"},
		ChecksPassed:   []string{"unit"},
		OverallPassed:  true,
		Recommendation: "DEPLOY",
		CommitHash:     commitHash,
		Signer:         "ci",
		Environment:    "prod",
		Now:            func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) },
	})
	Expect(err).NotTo(HaveOccurred())
	Expect(store.Save(context.Background(), artifact)).To(Succeed())
}

// harness bundles a freshly-wired Orchestrator with handles to its
// constituent subsystems, so a test can script conflicts/safety failures.
type harness struct {
	orch      *Orchestrator
	conflicts *conflict.Detector
	exec      *fakeExecutor
	audit     *auditlog.Log
}

func newHarness() *harness {
	backend, err := lockmgr.NewFileBackend(GinkgoT().TempDir())
	Expect(err).NotTo(HaveOccurred())

	audit := auditlog.New(auditlog.NewMemoryStore())
	locks := lockmgr.New(backend, audit, lockmgr.WithPollInterval(time.Millisecond))
	detector := conflict.New(depgraph.New(), nil)

	store := safetyartifact.NewMemoryStore()
	checker, err := safety.NewChecker(context.Background(), nil, nil, store, audit)
	Expect(err).NotTo(HaveOccurred())

	exec := &fakeExecutor{}
	orch := New(locks, detector, checker, nil, audit,
		WithExecutor(conflict.OpDeploy, exec),
		WithTotalTimeout(5*time.Second))

	return &harness{orch: orch, conflicts: detector, exec: exec, audit: audit}
}

func deployRequest(service, commit string) ExecuteRequest {
	return ExecuteRequest{
		OperationType: conflict.OpDeploy,
		ServiceName:   service,
		Actor:         "ci-bot",
		OperationData: map[string]any{"image_tag": "v2"},
		GateConfig:    passingGateConfig(service, commit),
		LockWaitTimeout: 2 * time.Second,
	}
}

var _ = Describe("Orchestrator.Execute", func() {
	It("completes a deployment with no conflicts and passing safety gates", func() {
		h := newHarness()
		store := safetyartifact.NewMemoryStore()
		checker, err := safety.NewChecker(context.Background(), nil, nil, store, h.audit)
		Expect(err).NotTo(HaveOccurred())
		h.orch.safety = checker
		seedArtifact(store, "sha1")

		result, err := h.orch.Execute(context.Background(), deployRequest("order-service", "sha1"))
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Outcome).To(Equal(OutcomeCompleted))
		Expect(h.exec.calls).To(Equal(1))
		Expect(h.conflicts.Detect(conflict.OpDeploy, "order-service", "ci-bot").HasConflict).To(BeFalse())
	})

	It("blocks on a critical conflict without acquiring a lock or executing", func() {
		h := newHarness()
		h.conflicts.RegisterOperation(conflict.Operation{
			OperationID:   "op-ongoing",
			OperationType: conflict.OpDeploy,
			ServiceName:   "order-service",
			Actor:         "other-actor",
			StartedAt:     time.Now(),
		})

		result, err := h.orch.Execute(context.Background(), deployRequest("order-service", "sha1"))
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Outcome).To(Equal(OutcomeBlockedByConflict))
		Expect(h.exec.calls).To(Equal(0))
		Expect(result.Conflict).NotTo(BeNil())
		Expect(result.Conflict.Severity).To(Equal(conflict.SeverityCritical))
	})

	It("pauses for human review on a high-severity conflict with a large blast radius, then resumes to completion", func() {
		h := newHarness()
		store := safetyartifact.NewMemoryStore()
		checker, err := safety.NewChecker(context.Background(), nil, nil, store, h.audit)
		Expect(err).NotTo(HaveOccurred())
		h.orch.safety = checker
		seedArtifact(store, "sha1")

		graph := depgraph.New()
		for i := 0; i < 8; i++ {
			graph.AddDependency("order-service", serviceName(i), nil)
		}
		h.orch.conflicts = conflict.New(graph, nil)
		for i := 0; i < 8; i++ {
			h.orch.conflicts.RegisterOperation(conflict.Operation{
				OperationID:   "op-dep-" + serviceName(i),
				OperationType: conflict.OpDeploy,
				ServiceName:   serviceName(i),
				Actor:         "other-actor",
				StartedAt:     time.Now(),
			})
		}

		result, err := h.orch.Execute(context.Background(), deployRequest("order-service", "sha1"))
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Outcome).To(Equal(OutcomePausedForHumanReview))
		Expect(h.exec.calls).To(Equal(0))

		resumed, err := h.orch.Resume(context.Background(), result.OperationID)
		Expect(err).NotTo(HaveOccurred())
		Expect(resumed.Outcome).To(Equal(OutcomeCompleted))
		Expect(h.exec.calls).To(Equal(1))
	})

	It("fails with TIMEOUT when the lock cannot be acquired in time", func() {
		h := newHarness()
		held, err := h.orch.locks.Acquire(context.Background(), lockmgr.ScopeService, "order-service", "holder", time.Minute, time.Second, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(held).NotTo(BeNil())

		req := deployRequest("order-service", "sha1")
		req.LockWaitTimeout = 20 * time.Millisecond

		result, err := h.orch.Execute(context.Background(), req)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Outcome).To(Equal(OutcomeTimeout))
		Expect(h.exec.calls).To(Equal(0))
	})

	It("pauses for human review on a high-severity safety gate failure, then resumes to completion", func() {
		h := newHarness()
		req := deployRequest("order-service", "missing-commit")

		result, err := h.orch.Execute(context.Background(), req)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Outcome).To(Equal(OutcomePausedForHumanReview))
		Expect(result.Safety).NotTo(BeNil())
		Expect(result.Safety.AllPassed).To(BeFalse())
		Expect(h.exec.calls).To(Equal(0))

		resumed, err := h.orch.Resume(context.Background(), result.OperationID)
		Expect(err).NotTo(HaveOccurred())
		Expect(resumed.Outcome).To(Equal(OutcomeCompleted))
		Expect(h.exec.calls).To(Equal(1))
	})

	It("triggers the rollback hook when a DEPLOY execution fails", func() {
		h := newHarness()
		store := safetyartifact.NewMemoryStore()
		checker, err := safety.NewChecker(context.Background(), nil, nil, store, h.audit)
		Expect(err).NotTo(HaveOccurred())
		h.orch.safety = checker
		seedArtifact(store, "sha1")

		h.exec.err = &stubErr{"deploy failed midway"}
		hook := &fakeRollbackHook{}
		h.orch.rollbacks[conflict.OpDeploy] = hook

		result, err := h.orch.Execute(context.Background(), deployRequest("order-service", "sha1"))
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Outcome).To(Equal(OutcomeFailed))
		Expect(hook.called).To(BeTrue())
		Expect(hook.serviceName).To(Equal("order-service"))
		Expect(result.RollbackApplied).To(Equal(rollback.StrategyInstant))
	})

	It("releases the lock and unregisters the operation even when execution fails", func() {
		h := newHarness()
		store := safetyartifact.NewMemoryStore()
		checker, err := safety.NewChecker(context.Background(), nil, nil, store, h.audit)
		Expect(err).NotTo(HaveOccurred())
		h.orch.safety = checker
		seedArtifact(store, "sha1")

		h.exec.err = &stubErr{"boom"}
		result, err := h.orch.Execute(context.Background(), deployRequest("order-service", "sha1"))
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Outcome).To(Equal(OutcomeFailed))

		locked, err := h.orch.locks.IsLocked(context.Background(), lockmgr.ScopeService, "order-service")
		Expect(err).NotTo(HaveOccurred())
		Expect(locked).To(BeFalse())
		Expect(h.conflicts.Detect(conflict.OpDeploy, "order-service", "ci-bot").HasConflict).To(BeFalse())
	})

	It("aborts a paused operation, releasing any lock it had already acquired", func() {
		h := newHarness()
		req := deployRequest("order-service", "missing-commit")

		result, err := h.orch.Execute(context.Background(), req)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Outcome).To(Equal(OutcomePausedForHumanReview))

		aborted, err := h.orch.Abort(context.Background(), result.OperationID, "oncall", "operator judged it unsafe")
		Expect(err).NotTo(HaveOccurred())
		Expect(aborted.Outcome).To(Equal(OutcomeFailed))

		locked, err := h.orch.locks.IsLocked(context.Background(), lockmgr.ScopeService, "order-service")
		Expect(err).NotTo(HaveOccurred())
		Expect(locked).To(BeFalse())
	})
})

type stubErr struct{ msg string }

func (e *stubErr) Error() string { return e.msg }

func serviceName(i int) string {
	names := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	return names[i] + "-service"
}
