package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/selfheal/controlplane/pkg/auditlog"
	"github.com/selfheal/controlplane/pkg/deployment"
	"github.com/selfheal/controlplane/pkg/deploytarget"
	"github.com/selfheal/controlplane/pkg/rollback"
	"github.com/selfheal/controlplane/pkg/verify"
)

// DeployExecutor adapts the deployment state machine, canary protocol and
// post-deploy verification engine into a conflict.OpDeploy Executor,
// grounded on concurrency_orchestrator.py's _execute_actual_operation
// DEPLOYMENT branch: apply the image, run the canary protocol, verify the
// result, and only then consider the deployment done.
type DeployExecutor struct {
	target   deploytarget.DeploymentTarget
	canary   *deployment.Controller
	verifier *verify.Engine
	stageCfg deployment.StageConfig
	verifyCfg verify.Config
	audit    *auditlog.Log
	logger   logr.Logger
	now      func() time.Time

	mu        sync.Mutex
	lastGood  map[string]string // service -> last verified-good image tag
	inFlight  map[string]string // service -> image tag currently being rolled out
}

// DeployOption configures a DeployExecutor at construction.
type DeployOption func(*DeployExecutor)

func WithDeployLogger(logger logr.Logger) DeployOption {
	return func(d *DeployExecutor) { d.logger = logger }
}
func WithDeployClock(now func() time.Time) DeployOption {
	return func(d *DeployExecutor) { d.now = now }
}
func WithStageConfig(cfg deployment.StageConfig) DeployOption {
	return func(d *DeployExecutor) { d.stageCfg = cfg }
}
func WithVerifyConfig(cfg verify.Config) DeployOption {
	return func(d *DeployExecutor) { d.verifyCfg = cfg }
}

// NewDeployExecutor builds a DeployExecutor driving target through canary
// and verifier for post-deploy verification.
func NewDeployExecutor(target deploytarget.DeploymentTarget, canary *deployment.Controller, verifier *verify.Engine, audit *auditlog.Log, opts ...DeployOption) *DeployExecutor {
	d := &DeployExecutor{
		target:    target,
		canary:    canary,
		verifier:  verifier,
		stageCfg:  deployment.DefaultStageConfig,
		verifyCfg: verify.DefaultConfig,
		audit:     audit,
		logger:    logr.Discard(),
		now:       time.Now,
		lastGood:  map[string]string{},
		inFlight:  map[string]string{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// LastGoodImage reports the most recently verified image tag for service,
// if any (used by RollbackAdapter to learn the rollback target).
func (d *DeployExecutor) LastGoodImage(service string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tag, ok := d.lastGood[service]
	return tag, ok
}

// Execute runs one DEPLOY operation end to end (spec §4.6): validate the
// image reference, drive the canary protocol, then verify the result before
// recording it as the new known-good version.
func (d *DeployExecutor) Execute(ctx context.Context, serviceName string, operationData map[string]any, correlationID string) error {
	imageTag, _ := operationData["image_tag"].(string)
	if imageTag == "" {
		return fmt.Errorf("deploy: operation_data missing image_tag for %s", serviceName)
	}
	if err := deployment.ValidateImageTag(imageTag); err != nil {
		return err
	}

	d.mu.Lock()
	d.inFlight[serviceName] = imageTag
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.inFlight, serviceName)
		d.mu.Unlock()
	}()

	machine := deployment.New(deployment.Context{
		DeploymentID: uuid.NewString(),
		ServiceName:  serviceName,
		ImageTag:     imageTag,
	}, d.audit, deployment.WithCorrelationID(correlationID), deployment.WithLogger(d.logger))

	if err := machine.Transition(ctx, deployment.StateBuilding, "image reference validated", nil); err != nil {
		return err
	}
	if err := machine.Transition(ctx, deployment.StateDeploying, "starting canary rollout", nil); err != nil {
		return err
	}

	cfg := d.stageCfg
	if cfg.EvalService == "" {
		cfg.EvalService = serviceName
	}
	if cfg.BaselineAlias == "" {
		cfg.BaselineAlias = serviceName + "-baseline"
	}

	_, promoted, err := d.canary.Run(ctx, machine, serviceName, imageTag, cfg)
	if err != nil {
		return fmt.Errorf("deploy: canary rollout for %s: %w", serviceName, err)
	}
	if !promoted {
		return fmt.Errorf("deploy: canary rollout for %s did not pass health gates, rolled back", serviceName)
	}

	if err := machine.Transition(ctx, deployment.StateVerifying, "running post-deploy verification", nil); err != nil {
		return err
	}

	result, err := d.verifier.Verify(ctx, d.verifyCfg, serviceName)
	if err != nil {
		return fmt.Errorf("deploy: post-deploy verification for %s: %w", serviceName, err)
	}

	if result.Decision == verify.DecisionFailed || result.Decision == verify.DecisionBudgetExceeded {
		_ = machine.Transition(ctx, deployment.StateRollingBack, "post-deploy verification: "+string(result.Decision), nil)
		return fmt.Errorf("deploy: post-deploy verification failed for %s: %s", serviceName, result.Decision)
	}

	if err := machine.Transition(ctx, deployment.StateVerified, "post-deploy verification: "+string(result.Decision), nil); err != nil {
		return err
	}

	d.mu.Lock()
	d.lastGood[serviceName] = imageTag
	d.mu.Unlock()
	return nil
}

// RollbackAdapter implements RollbackHook by deciding a rollback strategy
// for a failed verification and, unless a guardrail escalates instead,
// executing it against the same deployment target (spec §4.9's decision
// engine feeding directly into its executor). The deployment's actual
// verification result is not passed on: Decide always sees DecisionFailed.
type RollbackAdapter struct {
	deploys *DeployExecutor
	target  rollback.Target
	decide  *rollback.Engine
	exec    *rollback.Executor
	cfg     rollback.ExecConfig
}

// NewRollbackAdapter builds a RollbackAdapter sharing deploys' notion of
// each service's last known-good image.
func NewRollbackAdapter(deploys *DeployExecutor, target rollback.Target, decide *rollback.Engine, exec *rollback.Executor, cfg rollback.ExecConfig) *RollbackAdapter {
	return &RollbackAdapter{deploys: deploys, target: target, decide: decide, exec: exec, cfg: cfg}
}

// Rollback decides and executes a rollback for serviceName's just-failed
// deployment, rolling back to the last image verified good.
func (r *RollbackAdapter) Rollback(ctx context.Context, serviceName, correlationID string) (rollback.Strategy, error) {
	previous, ok := r.deploys.LastGoodImage(serviceName)
	if !ok {
		return rollback.StrategyNone, fmt.Errorf("rollback: no known-good image recorded for %s", serviceName)
	}

	r.deploys.mu.Lock()
	current := r.deploys.inFlight[serviceName]
	r.deploys.mu.Unlock()
	if current == "" {
		current = previous
	}

	decision := r.decide.Decide(verify.Result{Decision: verify.DecisionFailed}, serviceName, nil, nil)
	if !decision.ShouldRollback {
		return rollback.StrategyNone, fmt.Errorf("rollback: guardrails block automatic rollback for %s: %s", serviceName, decision.PrimaryReason)
	}

	result, err := r.exec.Execute(ctx, r.target, r.cfg, serviceName, current, previous, decision.Strategy, 0, correlationID)
	if err != nil {
		return rollback.StrategyNone, err
	}
	if result.Status == rollback.ExecFailed {
		return decision.Strategy, fmt.Errorf("rollback: execution failed for %s: %v", serviceName, result.StepsFailed)
	}
	return decision.Strategy, nil
}
