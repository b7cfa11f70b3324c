// Package orchestrator implements the concurrency orchestrator of spec
// §4.10: the single entry point that drives one operation through conflict
// detection, lock acquisition, safety gating, and execution, composing every
// other subsystem and audit-logging each branch with correlation_id
// propagated throughout.
//
// Grounded on original_source/examples/concurrency_orchestrator.py's
// execute_operation workflow, generalized from its seven hard-coded steps
// into the same shape over this module's pkg/lockmgr, pkg/conflict,
// pkg/safety, pkg/notify and pkg/auditlog.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/selfheal/controlplane/internal/errors"
	"github.com/selfheal/controlplane/pkg/auditlog"
	"github.com/selfheal/controlplane/pkg/conflict"
	"github.com/selfheal/controlplane/pkg/lockmgr"
	"github.com/selfheal/controlplane/pkg/notify"
	"github.com/selfheal/controlplane/pkg/rollback"
	"github.com/selfheal/controlplane/pkg/safety"
)

var tracer = otel.Tracer("github.com/selfheal/controlplane/pkg/orchestrator")

// Outcome is the terminal result of Execute/Resume (spec §4.10).
type Outcome string

const (
	OutcomeCompleted            Outcome = "COMPLETED"
	OutcomeFailed               Outcome = "FAILED"
	OutcomeBlockedByConflict    Outcome = "BLOCKED_BY_CONFLICT"
	OutcomeBlockedBySafetyGate  Outcome = "BLOCKED_BY_SAFETY_GATE"
	OutcomePausedForHumanReview Outcome = "PAUSED_FOR_HUMAN_REVIEW"
	OutcomeTimeout              Outcome = "TIMEOUT"
)

// defaultTotalTimeout is spec §5's "total operation timeout" default.
const defaultTotalTimeout = 600 * time.Second

// largeBlastRadius is the threshold past which a HIGH-severity conflict
// pauses for human review instead of proceeding (spec §4.10 step 3),
// matching pkg/conflict's own block threshold (conflict.recommend).
const largeBlastRadius = 5

// Executor runs the actual operation once every gate has passed
// (concurrency_orchestrator.py's _execute_actual_operation, delegated to
// whichever concrete subsystem owns req.OperationType: pkg/deployment,
// pkg/verify, pkg/rollback, or a scaling/restart adapter).
type Executor interface {
	Execute(ctx context.Context, serviceName string, operationData map[string]any, correlationID string) error
}

// RollbackHook triggers an automatic rollback after a DEPLOY operation fails
// (spec §4.10 step 6 "failure triggers Rollback Engine for DEPLOYMENT").
// Deciding and executing the rollback itself is pkg/rollback's job; this
// interface only gives the orchestrator a way to invoke it without owning a
// deployment target.
type RollbackHook interface {
	Rollback(ctx context.Context, serviceName, correlationID string) (rollback.Strategy, error)
}

// ExecuteRequest describes one proposed operation.
type ExecuteRequest struct {
	OperationType   conflict.OperationType
	ServiceName     string
	Actor           string
	CorrelationID   string // generated if empty
	OperationData   map[string]any
	GateConfig      safety.GateConfig
	LockTTL         time.Duration
	LockWaitTimeout time.Duration
	ExpectedSeconds int
}

// ExecutionResult is what Execute/Resume/Abort return.
type ExecutionResult struct {
	OperationID     string
	CorrelationID   string
	Outcome         Outcome
	Reason          string
	DurationSeconds float64
	Conflict        *conflict.Result
	Safety          *safety.CheckResult
	RollbackApplied rollback.Strategy
}

// runState is a paused operation awaiting an operator's resume/abort signal.
type runState struct {
	req           ExecuteRequest
	operationID   string
	correlationID string
	startedAt     time.Time
	machine       *concurrencyMachine
	lockScope     lockmgr.Scope
	lockAcquired  bool
	afterSafety   bool // true once safety gates passed and execution is all that remains
}

// Orchestrator composes every spec §4 subsystem behind the single workflow
// of spec §4.10.
type Orchestrator struct {
	locks     *lockmgr.Manager
	conflicts *conflict.Detector
	safety    *safety.Checker
	notifier  *notify.Notifier
	audit     *auditlog.Log
	logger    logr.Logger
	now       func() time.Time

	executors map[conflict.OperationType]Executor
	rollbacks map[conflict.OperationType]RollbackHook

	totalTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*runState
}

// Option configures an Orchestrator at construction.
type Option func(*Orchestrator)

func WithLogger(logger logr.Logger) Option { return func(o *Orchestrator) { o.logger = logger } }
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }
func WithTotalTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.totalTimeout = d }
}

// WithExecutor registers the Executor that runs opType operations.
func WithExecutor(opType conflict.OperationType, exec Executor) Option {
	return func(o *Orchestrator) { o.executors[opType] = exec }
}

// WithRollbackHook registers a RollbackHook invoked when an opType operation
// fails (in practice only conflict.OpDeploy).
func WithRollbackHook(opType conflict.OperationType, hook RollbackHook) Option {
	return func(o *Orchestrator) { o.rollbacks[opType] = hook }
}

// New builds an Orchestrator over its constituent subsystems, all of which
// must already be constructed and wired to the same audit log.
func New(locks *lockmgr.Manager, conflicts *conflict.Detector, checker *safety.Checker, notifier *notify.Notifier, audit *auditlog.Log, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		locks:        locks,
		conflicts:    conflicts,
		safety:       checker,
		notifier:     notifier,
		audit:        audit,
		logger:       logr.Discard(),
		now:          time.Now,
		executors:    map[conflict.OperationType]Executor{},
		rollbacks:    map[conflict.OperationType]RollbackHook{},
		totalTimeout: defaultTotalTimeout,
		pending:      map[string]*runState{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// lockScopeFor maps an operation type to the lock scope it must hold (spec
// §4.10 step 4).
func lockScopeFor(opType conflict.OperationType) lockmgr.Scope {
	switch opType {
	case conflict.OpVerify:
		return lockmgr.ScopeIncident
	default: // deploy, rollback, scale, restart, config, patch
		return lockmgr.ScopeService
	}
}

// Execute runs one operation through the full workflow of spec §4.10,
// returning as soon as it reaches a terminal outcome or pauses for human
// review.
func (o *Orchestrator) Execute(ctx context.Context, req ExecuteRequest) (ExecutionResult, error) {
	operationID := uuid.NewString()
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(ctx, o.totalTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "orchestrator.Execute", trace.WithAttributes(
		attribute.String("operation.id", operationID),
		attribute.String("operation.type", string(req.OperationType)),
		attribute.String("service.name", req.ServiceName),
	))
	defer span.End()

	rs := &runState{
		req:           req,
		operationID:   operationID,
		correlationID: correlationID,
		startedAt:     o.now(),
		machine:       newConcurrencyMachine(operationID, correlationID, o.audit, o.now),
		lockScope:     lockScopeFor(req.OperationType),
	}

	result := o.continueFromConflictCheck(ctx, rs)
	o.recordSpanOutcome(span, result)
	return result, nil
}

func (o *Orchestrator) recordSpanOutcome(span trace.Span, result ExecutionResult) {
	span.SetAttributes(attribute.String("operation.outcome", string(result.Outcome)))
	if result.Outcome == OutcomeFailed || result.Outcome == OutcomeBlockedByConflict || result.Outcome == OutcomeBlockedBySafetyGate || result.Outcome == OutcomeTimeout {
		span.SetStatus(codes.Error, result.Reason)
	} else {
		span.SetStatus(codes.Ok, "")
	}
}

// continueFromConflictCheck is spec §4.10 steps 2-7, starting fresh. The
// conflict check must run before this operation registers itself with the
// detector, or it would always find its own entry and conflict with itself;
// registration happens here, right after Detect, so finish's unconditional
// UnregisterOperation still tears it down however this operation ends up
// resolving (blocked, paused, or proceeding).
func (o *Orchestrator) continueFromConflictCheck(ctx context.Context, rs *runState) ExecutionResult {
	conflictResult := o.conflicts.Detect(rs.req.OperationType, rs.req.ServiceName, rs.req.Actor)

	o.conflicts.RegisterOperation(conflict.Operation{
		OperationID:             rs.operationID,
		OperationType:           rs.req.OperationType,
		ServiceName:             rs.req.ServiceName,
		Actor:                   rs.req.Actor,
		StartedAt:               rs.startedAt,
		ExpectedDurationSeconds: rs.req.ExpectedSeconds,
		Metadata:                rs.req.OperationData,
	})
	_, _ = o.audit.Append(ctx, auditlog.CategorySystem, "operation_registered", auditlog.SeverityInfo,
		rs.req.Actor, rs.req.ServiceName, "registered", map[string]any{"operation_type": string(rs.req.OperationType)},
		rs.correlationID, "")

	if conflictResult.HasConflict {
		_, _ = o.audit.LogConflictDetected(ctx, rs.req.ServiceName, string(conflictResult.ConflictType),
			string(conflictResult.Severity), map[string]any{"explanation": conflictResult.Explanation, "blast_radius": conflictResult.BlastRadius},
			rs.correlationID)
		o.notify(ctx, "conflict detected", conflictResult.Explanation, notify.SeverityWarning, rs.req.ServiceName, rs.correlationID)

		switch {
		case conflictResult.Severity == conflict.SeverityCritical:
			_ = rs.machine.transition(ctx, ConcurrencyFailed, "critical conflict")
			return o.finish(ctx, rs, OutcomeBlockedByConflict, "blocked by a critical conflict with an ongoing operation", &conflictResult, nil, rollback.StrategyNone)

		case conflictResult.Severity == conflict.SeverityHigh && conflictResult.BlastRadius > largeBlastRadius:
			_ = rs.machine.transition(ctx, ConcurrencyPausedForHumanReview, "high-severity conflict with large blast radius")
			_, _ = o.audit.LogManualIntervention(ctx, rs.req.ServiceName, rs.req.Actor,
				"high-severity conflict with large blast radius", "pause_for_review", rs.correlationID)
			o.notify(ctx, "operation paused for human review", conflictResult.Explanation, notify.SeverityWarning, rs.req.ServiceName, rs.correlationID)
			o.stash(rs)
			return ExecutionResult{OperationID: rs.operationID, CorrelationID: rs.correlationID,
				Outcome: OutcomePausedForHumanReview, Reason: "high-severity conflict with large blast radius",
				DurationSeconds: o.now().Sub(rs.startedAt).Seconds(), Conflict: &conflictResult}

		default:
			// WARN/PROCEED recommendations: logged and notified above, but
			// not blocking.
		}
	}

	return o.continueFromLockAcquire(ctx, rs)
}

// continueFromLockAcquire is spec §4.10 step 4 onward: resumed either fresh
// or after a conflict-pause is resumed.
func (o *Orchestrator) continueFromLockAcquire(ctx context.Context, rs *runState) ExecutionResult {
	if err := rs.machine.transition(ctx, ConcurrencyLocked, "acquiring lock"); err != nil {
		return o.finish(ctx, rs, OutcomeFailed, err.Error(), nil, nil, rollback.StrategyNone)
	}

	_, err := o.locks.Acquire(ctx, rs.lockScope, rs.req.ServiceName, rs.req.Actor, rs.req.LockTTL, rs.req.LockWaitTimeout, rs.req.OperationData)
	if err != nil {
		_ = rs.machine.transition(ctx, ConcurrencyFailed, "lock_timeout")
		o.notify(ctx, "lock acquisition failed", err.Error(), notify.SeverityError, rs.req.ServiceName, rs.correlationID)
		outcome := OutcomeFailed
		if apperrors.IsType(err, apperrors.ErrorTypeLockTimeout) {
			outcome = OutcomeTimeout
		}
		return o.finish(ctx, rs, outcome, "lock_timeout: "+err.Error(), nil, nil, rollback.StrategyNone)
	}
	rs.lockAcquired = true

	return o.continueFromSafetyCheck(ctx, rs)
}

// continueFromSafetyCheck is spec §4.10 step 5.
func (o *Orchestrator) continueFromSafetyCheck(ctx context.Context, rs *runState) ExecutionResult {
	if err := rs.machine.transition(ctx, ConcurrencySafetyCheck, "running safety gates"); err != nil {
		return o.finish(ctx, rs, OutcomeFailed, err.Error(), nil, nil, rollback.StrategyNone)
	}

	safetyResult, err := o.safety.CheckGates(ctx, rs.req.GateConfig, rs.correlationID)
	if err != nil {
		_ = rs.machine.transition(ctx, ConcurrencyFailed, "safety gate evaluation error")
		return o.finish(ctx, rs, OutcomeFailed, err.Error(), nil, nil, rollback.StrategyNone)
	}

	if !safetyResult.AllPassed {
		if safetyResult.Outcome == safety.OutcomePausedForHumanReview {
			_ = rs.machine.transition(ctx, ConcurrencyPausedForHumanReview, "safety gate failure, severity >= high")
			_, _ = o.audit.LogManualIntervention(ctx, rs.req.ServiceName, rs.req.Actor,
				"safety gate failure, severity >= high", "pause_for_review", rs.correlationID)
			o.notify(ctx, "operation paused for human review", "one or more safety gates failed with high severity", notify.SeverityWarning, rs.req.ServiceName, rs.correlationID)
			rs.afterSafety = true
			o.stash(rs)
			return ExecutionResult{OperationID: rs.operationID, CorrelationID: rs.correlationID,
				Outcome: OutcomePausedForHumanReview, Reason: "safety gate failure",
				DurationSeconds: o.now().Sub(rs.startedAt).Seconds(), Safety: &safetyResult}
		}

		_ = rs.machine.transition(ctx, ConcurrencyFailed, "safety gate failure")
		o.notify(ctx, "blocked by safety gate", "one or more safety gates failed", notify.SeverityError, rs.req.ServiceName, rs.correlationID)
		return o.finish(ctx, rs, OutcomeBlockedBySafetyGate, "one or more safety gates failed", nil, &safetyResult, rollback.StrategyNone)
	}

	return o.continueFromExecute(ctx, rs, &safetyResult)
}

// continueFromExecute is spec §4.10 step 6: resumed either fresh or after a
// safety-gate pause is resumed, in which case safetyResult is nil.
func (o *Orchestrator) continueFromExecute(ctx context.Context, rs *runState, safetyResult *safety.CheckResult) ExecutionResult {
	if err := rs.machine.transition(ctx, ConcurrencyInProgress, "executing"); err != nil {
		return o.finish(ctx, rs, OutcomeFailed, err.Error(), nil, safetyResult, rollback.StrategyNone)
	}

	exec, ok := o.executors[rs.req.OperationType]
	if !ok {
		_ = rs.machine.transition(ctx, ConcurrencyFailed, "no executor registered")
		return o.finish(ctx, rs, OutcomeFailed, fmt.Sprintf("no executor registered for operation type %q", rs.req.OperationType), nil, safetyResult, rollback.StrategyNone)
	}

	execErr := exec.Execute(ctx, rs.req.ServiceName, rs.req.OperationData, rs.correlationID)
	applied := rollback.StrategyNone
	if execErr != nil {
		_ = rs.machine.transition(ctx, ConcurrencyFailed, execErr.Error())
		o.logOutcome(ctx, rs, "failure", execErr.Error())
		o.notify(ctx, "operation failed", execErr.Error(), notify.SeverityError, rs.req.ServiceName, rs.correlationID)

		if rs.req.OperationType == conflict.OpDeploy {
			if hook, ok := o.rollbacks[conflict.OpDeploy]; ok {
				if strategy, rbErr := hook.Rollback(ctx, rs.req.ServiceName, rs.correlationID); rbErr == nil {
					applied = strategy
				} else {
					o.logger.Error(rbErr, "automatic rollback failed", "service", rs.req.ServiceName)
				}
			}
		}

		return o.finish(ctx, rs, OutcomeFailed, execErr.Error(), nil, safetyResult, applied)
	}

	_ = rs.machine.transition(ctx, ConcurrencyCompleted, "execution succeeded")
	o.logOutcome(ctx, rs, "success", "")
	o.notify(ctx, "operation completed", fmt.Sprintf("%s on %s completed", rs.req.OperationType, rs.req.ServiceName), notify.SeverityInfo, rs.req.ServiceName, rs.correlationID)
	return o.finish(ctx, rs, OutcomeCompleted, "", nil, safetyResult, rollback.StrategyNone)
}

// logOutcome writes the operation-type-specific audit convenience entry for
// a terminal execute step (deployment/verification/rollback all have
// distinct shapes in concurrency_orchestrator.py).
func (o *Orchestrator) logOutcome(ctx context.Context, rs *runState, outcome, detail string) {
	duration := o.now().Sub(rs.startedAt).Seconds()
	switch rs.req.OperationType {
	case conflict.OpDeploy:
		_, _ = o.audit.LogDeployment(ctx, rs.req.ServiceName, rs.operationID, "", fmt.Sprint(rs.req.OperationData["image_tag"]), outcome, duration, rs.correlationID)
	case conflict.OpVerify:
		status := "PASSED"
		if outcome != "success" {
			status = "FAILED"
		}
		_, _ = o.audit.LogVerification(ctx, rs.req.ServiceName, status, map[string]any{"detail": detail}, rs.correlationID)
	case conflict.OpRollback:
		_, _ = o.audit.LogRollback(ctx, rs.req.ServiceName, "", outcome, map[string]any{"detail": detail}, rs.correlationID)
	default:
		_, _ = o.audit.Append(ctx, auditlog.CategorySystem, "operation_executed", auditlog.SeverityInfo,
			rs.req.Actor, rs.req.ServiceName, outcome, map[string]any{"operation_type": string(rs.req.OperationType), "detail": detail},
			rs.correlationID, "")
	}
}

// finish is spec §4.10's `finally`: release the lock if held, unregister the
// operation from the conflict detector, and emit the terminal audit event,
// regardless of which step produced the outcome.
func (o *Orchestrator) finish(ctx context.Context, rs *runState, outcome Outcome, reason string, conflictResult *conflict.Result, safetyResult *safety.CheckResult, applied rollback.Strategy) ExecutionResult {
	if rs.lockAcquired {
		if err := o.locks.Release(ctx, rs.lockScope, rs.req.ServiceName, rs.req.Actor); err != nil {
			o.logger.Error(err, "failed to release lock on operation finish", "operation_id", rs.operationID)
		}
	}
	o.conflicts.UnregisterOperation(rs.operationID)
	o.unstash(rs.operationID)

	duration := o.now().Sub(rs.startedAt).Seconds()
	_, _ = o.audit.Append(ctx, auditlog.CategorySystem, "operation_finished", auditlog.SeverityInfo,
		rs.req.Actor, rs.req.ServiceName, string(outcome), map[string]any{"reason": reason, "duration_seconds": duration},
		rs.correlationID, "")

	return ExecutionResult{
		OperationID:     rs.operationID,
		CorrelationID:   rs.correlationID,
		Outcome:         outcome,
		Reason:          reason,
		DurationSeconds: duration,
		Conflict:        conflictResult,
		Safety:          safetyResult,
		RollbackApplied: applied,
	}
}

func (o *Orchestrator) notify(ctx context.Context, title, message string, severity notify.Severity, serviceName, correlationID string) {
	if o.notifier == nil {
		return
	}
	_, _ = o.notifier.Send(ctx, title, message, severity, nil, map[string]any{
		"service":        serviceName,
		"correlation_id": correlationID,
	})
}

func (o *Orchestrator) stash(rs *runState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending[rs.operationID] = rs
}

func (o *Orchestrator) unstash(operationID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.pending, operationID)
}

// Status reports a paused operation's snapshot for HTTP introspection,
// without mutating it. The second return is false if operationID is not
// currently paused (either unknown, still running, or already terminal).
func (o *Orchestrator) Status(operationID string) (ExecutionResult, bool) {
	o.mu.Lock()
	rs, ok := o.pending[operationID]
	o.mu.Unlock()
	if !ok {
		return ExecutionResult{}, false
	}
	return ExecutionResult{
		OperationID:     rs.operationID,
		CorrelationID:   rs.correlationID,
		Outcome:         OutcomePausedForHumanReview,
		DurationSeconds: o.now().Sub(rs.startedAt).Seconds(),
	}, true
}

// Resume proceeds a PAUSED_FOR_HUMAN_REVIEW operation from the step after
// the one that paused it (spec §5 "resume (proceeds from next step)").
func (o *Orchestrator) Resume(ctx context.Context, operationID string) (ExecutionResult, error) {
	o.mu.Lock()
	rs, ok := o.pending[operationID]
	o.mu.Unlock()
	if !ok {
		return ExecutionResult{}, apperrors.New(apperrors.ErrorTypeNotFound, fmt.Sprintf("no paused operation %q", operationID))
	}

	ctx, cancel := context.WithTimeout(ctx, o.totalTimeout)
	defer cancel()

	if rs.afterSafety {
		// The machine is still sitting in PausedForHumanReview;
		// continueFromExecute does the PausedForHumanReview -> InProgress
		// transition itself.
		return o.executeResumed(ctx, rs), nil
	}

	// Paused after conflict detection: the machine is still in
	// PausedForHumanReview; continueFromLockAcquireResumed's callee chain
	// does the PausedForHumanReview -> Locked transition itself.
	return o.continueFromLockAcquireResumed(ctx, rs), nil
}

// Abort cancels a PAUSED_FOR_HUMAN_REVIEW operation (spec §5 "abort
// (cancel)"), releasing any lock already held and tearing down its
// registration.
func (o *Orchestrator) Abort(ctx context.Context, operationID, operatorID, reason string) (ExecutionResult, error) {
	o.mu.Lock()
	rs, ok := o.pending[operationID]
	o.mu.Unlock()
	if !ok {
		return ExecutionResult{}, apperrors.New(apperrors.ErrorTypeNotFound, fmt.Sprintf("no paused operation %q", operationID))
	}

	_ = rs.machine.transition(ctx, ConcurrencyFailed, "aborted by operator: "+reason)
	_, _ = o.audit.LogManualIntervention(ctx, rs.req.ServiceName, operatorID, reason, "abort", rs.correlationID)
	return o.finish(ctx, rs, OutcomeFailed, "aborted: "+reason, nil, nil, rollback.StrategyNone), nil
}

// executeResumed re-enters execution for an operation resumed past a
// safety-gate pause: the lock is already held, safety gates already ran.
func (o *Orchestrator) executeResumed(ctx context.Context, rs *runState) ExecutionResult {
	return o.continueFromExecute(ctx, rs, nil)
}

// continueFromLockAcquireResumed mirrors continueFromLockAcquire for an
// operation resumed out of PausedForHumanReview (rather than Init).
func (o *Orchestrator) continueFromLockAcquireResumed(ctx context.Context, rs *runState) ExecutionResult {
	if err := rs.machine.transition(ctx, ConcurrencyLocked, "resumed by operator"); err != nil {
		return o.finish(ctx, rs, OutcomeFailed, err.Error(), nil, nil, rollback.StrategyNone)
	}

	_, err := o.locks.Acquire(ctx, rs.lockScope, rs.req.ServiceName, rs.req.Actor, rs.req.LockTTL, rs.req.LockWaitTimeout, rs.req.OperationData)
	if err != nil {
		_ = rs.machine.transition(ctx, ConcurrencyFailed, "lock_timeout")
		o.notify(ctx, "lock acquisition failed", err.Error(), notify.SeverityError, rs.req.ServiceName, rs.correlationID)
		outcome := OutcomeFailed
		if apperrors.IsType(err, apperrors.ErrorTypeLockTimeout) {
			outcome = OutcomeTimeout
		}
		return o.finish(ctx, rs, outcome, "lock_timeout: "+err.Error(), nil, nil, rollback.StrategyNone)
	}
	rs.lockAcquired = true
	return o.continueFromSafetyCheck(ctx, rs)
}
