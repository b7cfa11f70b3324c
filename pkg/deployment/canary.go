package deployment

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-containerregistry/pkg/name"

	"github.com/selfheal/controlplane/pkg/healthgate"
)

// Target is the subset of pkg/deploytarget.DeploymentTarget the canary
// controller drives. Defined here, not imported, so this package never
// depends on a concrete workload runtime (spec §9, replica-count-ratio
// resolution: split and image update are both ordinary DeploymentTarget
// calls).
type Target interface {
	SetImage(ctx context.Context, service, imageTag string) error
	SetTrafficSplit(ctx context.Context, service string, canaryPercent int) error
}

// HealthEvaluator is the subset of pkg/healthgate.Evaluator the controller
// needs: evaluate the candidate version's gates against the baseline's.
type HealthEvaluator interface {
	Evaluate(ctx context.Context, service, baselineService string) (healthgate.Result, error)
}

// StageConfig parameterizes the canary protocol (spec §4.6 "Traffic stages
// are configurable").
type StageConfig struct {
	Stages        []int // percentages, default {5, 25, 50, 100}
	WaitPerStage  time.Duration
	MaxFailures   int
	EvalService   string // the "candidate" target passed to HealthEvaluator
	BaselineAlias string // the "baseline" target passed to HealthEvaluator
}

// DefaultStageConfig mirrors CanaryController's constructor defaults.
var DefaultStageConfig = StageConfig{
	Stages:       []int{5, 25, 50, 100},
	WaitPerStage: 60 * time.Second,
	MaxFailures:  1,
}

// StageResult records one canary stage's outcome.
type StageResult struct {
	Percentage int
	Health     healthgate.Result
	Passed     bool
	Duration   time.Duration
}

// Controller drives the canary protocol of spec §4.6 against a Machine,
// applying traffic splits via Target and evaluating health via
// HealthEvaluator at each stage.
type Controller struct {
	target    Target
	evaluator HealthEvaluator
	logger    logr.Logger
	sleep     func(time.Duration)
	now       func() time.Time
}

// CtrlOption configures a Controller at construction.
type CtrlOption func(*Controller)

func WithCtrlLogger(logger logr.Logger) CtrlOption { return func(c *Controller) { c.logger = logger } }

func WithSleep(fn func(time.Duration)) CtrlOption { return func(c *Controller) { c.sleep = fn } }

func WithCtrlClock(now func() time.Time) CtrlOption { return func(c *Controller) { c.now = now } }

// NewController builds a Controller over target and evaluator.
func NewController(target Target, evaluator HealthEvaluator, opts ...CtrlOption) *Controller {
	c := &Controller{
		target:    target,
		evaluator: evaluator,
		logger:    logr.Discard(),
		sleep:     time.Sleep,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ValidateImageTag parses imageTag with go-containerregistry to reject
// malformed references before any cluster mutation is attempted.
func ValidateImageTag(imageTag string) error {
	_, err := name.ParseReference(imageTag)
	if err != nil {
		return fmt.Errorf("invalid image tag %q: %w", imageTag, err)
	}
	return nil
}

// Run executes the full canary rollout against machine, driving it through
// CANARY/CANARY_WAITING/CANARY_EVALUATING for every configured stage and
// finally PROMOTING/PROMOTED (spec §4.6 canary protocol steps 1-5). An empty
// stage list transitions DEPLOYING straight to PROMOTED (spec §8
// boundary). Returns the per-stage results and whether the rollout
// succeeded (false means machine ended ROLLING_BACK/FAILED).
//
// Every CANARY re-entry in the loop below comes from CANARY_EVALUATING
// (advancing to the next stage or retrying the current one), matching the
// transition graph's CANARY_EVALUATING -> CANARY edge; CANARY is never
// re-entered from itself.
func (c *Controller) Run(ctx context.Context, machine *Machine, service, newImageTag string, cfg StageConfig) ([]StageResult, bool, error) {
	if len(cfg.Stages) == 0 {
		if err := machine.Transition(ctx, StatePromoted, "empty canary stage list, promoting directly", nil); err != nil {
			return nil, false, err
		}
		return nil, true, nil
	}

	var results []StageResult
	failureCount := 0
	stageIdx := 0
	pct := cfg.Stages[0]

	if err := machine.Transition(ctx, StateCanary, fmt.Sprintf("canary stage %d%%", pct), map[string]any{"canary_percentage": pct}); err != nil {
		return nil, false, err
	}

	for {
		if err := c.target.SetImage(ctx, service, newImageTag); err != nil {
			_ = machine.Transition(ctx, StateRollingBack, fmt.Sprintf("failed to apply canary traffic at %d%%: %s", pct, err), nil)
			return results, false, nil
		}
		if err := c.target.SetTrafficSplit(ctx, service, pct); err != nil {
			_ = machine.Transition(ctx, StateRollingBack, fmt.Sprintf("failed to apply canary traffic at %d%%: %s", pct, err), nil)
			return results, false, nil
		}

		if err := machine.Transition(ctx, StateCanaryWaiting, fmt.Sprintf("waiting for metrics at %d%%", pct), nil); err != nil {
			return results, false, err
		}
		c.sleep(cfg.WaitPerStage)

		if err := machine.Transition(ctx, StateCanaryEvaluating, fmt.Sprintf("evaluating health at %d%%", pct), nil); err != nil {
			return results, false, err
		}

		start := c.now()
		health, err := c.evaluator.Evaluate(ctx, cfg.EvalService, cfg.BaselineAlias)
		duration := c.now().Sub(start)
		if err != nil {
			return results, false, err
		}

		result := StageResult{Percentage: pct, Health: health, Passed: health.Pass, Duration: duration}
		results = append(results, result)

		if health.Pass {
			c.logger.Info("canary stage passed", "service", service, "percentage", pct)
			failureCount = 0

			if stageIdx == len(cfg.Stages)-1 {
				if err := machine.Transition(ctx, StatePromoting, "all canary stages passed, promoting to 100%", nil); err != nil {
					return results, false, err
				}
				if err := c.target.SetImage(ctx, service, newImageTag); err != nil {
					_ = machine.Transition(ctx, StateRollingBack, "failed to promote deployment: "+err.Error(), nil)
					return results, false, nil
				}
				if err := machine.Transition(ctx, StatePromoted, "deployment promoted to 100%", nil); err != nil {
					return results, false, err
				}
				return results, true, nil
			}

			stageIdx++
			pct = cfg.Stages[stageIdx]
			if err := machine.Transition(ctx, StateCanary, "proceeding to next stage", map[string]any{"canary_percentage": pct}); err != nil {
				return results, false, err
			}
			continue
		}

		failureCount++
		c.logger.Info("canary stage failed health gates", "service", service, "percentage", pct,
			"failureCount", failureCount, "maxFailures", cfg.MaxFailures)

		if failureCount >= cfg.MaxFailures {
			if err := machine.Transition(ctx, StateRollingBack, fmt.Sprintf("health gates failed at %d%%, max failures reached", pct), nil); err != nil {
				return results, false, err
			}
			return results, false, nil
		}

		if err := machine.Transition(ctx, StateCanary, "retrying stage after health gate failure", map[string]any{"canary_percentage": pct}); err != nil {
			return results, false, err
		}
	}
}
