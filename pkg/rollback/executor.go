package rollback

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/selfheal/controlplane/pkg/auditlog"
	"github.com/selfheal/controlplane/pkg/deploytarget"
)

// ExecStatus is a rollback execution's outcome (spec §4.9b).
type ExecStatus string

const (
	ExecSuccess    ExecStatus = "SUCCESS"
	ExecFailed     ExecStatus = "FAILED"
	ExecPartial    ExecStatus = "PARTIAL"
	ExecInProgress ExecStatus = "IN_PROGRESS"
)

// ExecResult is the outcome of one rollback execution (spec §4.9b).
type ExecResult struct {
	Status         ExecStatus
	StrategyUsed   Strategy
	Duration       time.Duration
	RolledBackFrom string
	RolledBackTo   string
	ServiceName    string
	StepsCompleted []string
	StepsFailed    []string
	HealthPassed   bool
	PodsReady      int32
	PodsTotal      int32
}

// Target is the subset of pkg/deploytarget.DeploymentTarget the executor
// drives, named here so this package doesn't import a concrete runtime.
type Target interface {
	SetImage(ctx context.Context, service, imageTag string) error
	SetTrafficSplit(ctx context.Context, service string, canaryPercent int) error
	AwaitRollout(ctx context.Context, service string) error
	ForceEvictAll(ctx context.Context, service string) error
	Scale(ctx context.Context, service string, replicas int32) error
	ReadyState(ctx context.Context, service string) (deploytarget.ReadyState, error)
}

// ExecConfig parameterizes the executor.
type ExecConfig struct {
	InstantRolloutTimeout time.Duration // default 10s, spec §4.9 "INSTANT < 10s target"
	GradualStagePause     time.Duration // default 30s between gradual stages
	TotalReplicas         int32         // replica count to scale back to/up to
}

// DefaultExecConfig mirrors RollbackOrchestrator's constructor defaults.
var DefaultExecConfig = ExecConfig{
	InstantRolloutTimeout: 10 * time.Second,
	GradualStagePause:     30 * time.Second,
	TotalReplicas:         4,
}

// Executor runs one of the four rollback strategies against a Target,
// audited through pkg/auditlog.
type Executor struct {
	audit  *auditlog.Log
	logger logr.Logger
	sleep  func(time.Duration)
	now    func() time.Time
}

// ExecOption configures an Executor at construction.
type ExecOption func(*Executor)

func WithAudit(audit *auditlog.Log) ExecOption { return func(e *Executor) { e.audit = audit } }
func WithExecLogger(logger logr.Logger) ExecOption { return func(e *Executor) { e.logger = logger } }
func WithExecSleep(fn func(time.Duration)) ExecOption { return func(e *Executor) { e.sleep = fn } }
func WithExecClock(now func() time.Time) ExecOption   { return func(e *Executor) { e.now = now } }

// NewExecutor builds an Executor.
func NewExecutor(opts ...ExecOption) *Executor {
	e := &Executor{
		logger: logr.Discard(),
		sleep:  time.Sleep,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs strategy against target for service, rolling back from
// currentImage to previousImage (spec §4.9b). targetPct is only consulted
// for StrategyPartial (the traffic percentage returned to the previous
// version).
func (e *Executor) Execute(ctx context.Context, target Target, cfg ExecConfig, service, currentImage, previousImage string, strategy Strategy, targetPct int, correlationID string) (ExecResult, error) {
	started := e.now()
	result := ExecResult{
		StrategyUsed:   strategy,
		RolledBackFrom: currentImage,
		RolledBackTo:   previousImage,
		ServiceName:    service,
	}

	var err error
	switch strategy {
	case StrategyInstant:
		err = e.instant(ctx, target, cfg, previousImage, service, &result)
	case StrategyGradual:
		err = e.gradual(ctx, target, cfg, previousImage, service, &result)
	case StrategyEmergency:
		err = e.emergency(ctx, target, cfg, previousImage, service, &result)
	case StrategyPartial:
		err = e.partial(ctx, target, previousImage, service, targetPct, &result)
	default:
		err = fmt.Errorf("rollback: unsupported execution strategy %q", strategy)
	}

	result.Duration = e.now().Sub(started)

	if err != nil {
		result.Status = ExecFailed
		result.StepsFailed = append(result.StepsFailed, err.Error())
		e.logRollback(ctx, service, strategy, "failed", result, correlationID)
		return result, nil
	}

	ready, readyErr := target.ReadyState(ctx, service)
	if readyErr != nil {
		result.Status = ExecFailed
		result.StepsFailed = append(result.StepsFailed, readyErr.Error())
		e.logRollback(ctx, service, strategy, "failed", result, correlationID)
		return result, nil
	}

	result.PodsReady = ready.ReadyReplicas
	result.PodsTotal = ready.TotalReplicas
	result.HealthPassed = ready.Healthy()

	if result.HealthPassed {
		result.Status = ExecSuccess
	} else {
		result.Status = ExecPartial
	}

	e.logRollback(ctx, service, strategy, string(result.Status), result, correlationID)
	return result, nil
}

// instant implements _instant_rollback (spec §4.9b INSTANT): atomic image
// update, then await rollout with a short timeout that does not itself fail
// the rollback (the rollout may still complete after the timeout).
func (e *Executor) instant(ctx context.Context, target Target, cfg ExecConfig, previousImage, service string, result *ExecResult) error {
	if err := target.SetImage(ctx, service, previousImage); err != nil {
		return fmt.Errorf("update image to previous version: %w", err)
	}
	result.StepsCompleted = append(result.StepsCompleted, "update image to previous version")

	timeout := cfg.InstantRolloutTimeout
	if timeout <= 0 {
		timeout = DefaultExecConfig.InstantRolloutTimeout
	}
	awaitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := target.AwaitRollout(awaitCtx, service); err != nil {
		result.StepsCompleted = append(result.StepsCompleted, "rollout initiated (may still be in progress)")
		return nil
	}
	result.StepsCompleted = append(result.StepsCompleted, "rollout completed")
	return nil
}

// gradual implements _gradual_rollback (spec §4.9b GRADUAL): step the new
// version's traffic down through {75, 50, 25, 0}%, then finalize the image
// swap and scale back to full capacity.
func (e *Executor) gradual(ctx context.Context, target Target, cfg ExecConfig, previousImage, service string, result *ExecResult) error {
	for _, stage := range []int{75, 50, 25, 0} {
		if err := target.SetTrafficSplit(ctx, service, stage); err != nil {
			return fmt.Errorf("step traffic to %d%%: %w", stage, err)
		}
		result.StepsCompleted = append(result.StepsCompleted, fmt.Sprintf("stepped new-version traffic to %d%%", stage))
		if stage > 0 {
			e.sleep(cfg.GradualStagePause)
		}
	}

	if err := target.SetImage(ctx, service, previousImage); err != nil {
		return fmt.Errorf("finalize image swap: %w", err)
	}
	result.StepsCompleted = append(result.StepsCompleted, "finalized image swap to previous version")

	total := cfg.TotalReplicas
	if total <= 0 {
		total = DefaultExecConfig.TotalReplicas
	}
	if err := target.Scale(ctx, service, total); err != nil {
		return fmt.Errorf("scale back to full capacity: %w", err)
	}
	result.StepsCompleted = append(result.StepsCompleted, "scaled back to full capacity")
	return nil
}

// emergency implements _emergency_rollback (spec §4.9b EMERGENCY): update
// the image, then force-evict every pod bypassing grace, then scale up.
func (e *Executor) emergency(ctx context.Context, target Target, cfg ExecConfig, previousImage, service string, result *ExecResult) error {
	if err := target.SetImage(ctx, service, previousImage); err != nil {
		return fmt.Errorf("update image: %w", err)
	}
	result.StepsCompleted = append(result.StepsCompleted, "updated image")

	if err := target.ForceEvictAll(ctx, service); err != nil {
		result.StepsCompleted = append(result.StepsCompleted, fmt.Sprintf("pod eviction reported an error (pods may already be gone): %s", err))
	} else {
		result.StepsCompleted = append(result.StepsCompleted, "force-evicted all pods")
	}

	total := cfg.TotalReplicas
	if total <= 0 {
		total = DefaultExecConfig.TotalReplicas
	}
	if err := target.Scale(ctx, service, total); err != nil {
		return fmt.Errorf("scale deployment: %w", err)
	}
	result.StepsCompleted = append(result.StepsCompleted, "scaled deployment")
	return nil
}

// partial implements the PARTIAL strategy (spec §4.9b): traffic-split to the
// previous version at targetPct, keeping both versions running.
// deploytarget.SetTrafficSplit's canaryPercent names the share on the *new*
// version, so returning targetPct of traffic to the previous version means
// the new version keeps (100 - targetPct)%.
func (e *Executor) partial(ctx context.Context, target Target, _ string, service string, targetPct int, result *ExecResult) error {
	newVersionPct := 100 - targetPct
	if err := target.SetTrafficSplit(ctx, service, newVersionPct); err != nil {
		return fmt.Errorf("partial traffic split: %w", err)
	}
	result.StepsCompleted = append(result.StepsCompleted, fmt.Sprintf("returned %d%% traffic to previous version", targetPct))
	return nil
}

func (e *Executor) logRollback(ctx context.Context, service string, strategy Strategy, outcome string, result ExecResult, correlationID string) {
	if e.audit == nil {
		return
	}
	details := map[string]any{
		"rolled_back_from": result.RolledBackFrom,
		"rolled_back_to":   result.RolledBackTo,
		"duration_seconds": result.Duration.Seconds(),
		"steps_completed":  result.StepsCompleted,
		"steps_failed":     result.StepsFailed,
		"pods_ready":       result.PodsReady,
		"pods_total":       result.PodsTotal,
	}
	if _, err := e.audit.LogRollback(ctx, service, string(strategy), outcome, details, correlationID); err != nil {
		e.logger.Error(err, "failed to record rollback audit event", "service", service, "strategy", strategy)
	}
}
