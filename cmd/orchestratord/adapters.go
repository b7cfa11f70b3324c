package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/selfheal/controlplane/pkg/deploytarget"
	"github.com/selfheal/controlplane/pkg/healthgate"
	"github.com/selfheal/controlplane/pkg/metricsource"
	"github.com/selfheal/controlplane/pkg/verify"
)

// promQuerySource adapts a metricsource.Backend's raw-PromQL surface to the
// narrower, name-based Source interfaces pkg/healthgate and pkg/verify each
// need, so neither package has to know how a metric name becomes a query.
type promQuerySource struct {
	backend metricsource.Backend
}

// Sample implements healthgate.Source: name is one of the standard gate
// metrics (error_rate, p95_latency, ...), averaged over window for
// service's running version.
func (s *promQuerySource) Sample(ctx context.Context, name, service string, window time.Duration) (float64, bool, error) {
	query := fmt.Sprintf("avg_over_time(%s{service=%q}[%s])", name, service, window)
	return s.backend.Instant(ctx, query)
}

// Samples implements verify.Source: metric for service's control or
// treatment version, sampled across window at a resolution fine enough for
// the bootstrap/stability analysis to have something to work with.
func (s *promQuerySource) Samples(ctx context.Context, service, version, metric string, window time.Duration) ([]float64, error) {
	end := time.Now()
	start := end.Add(-window)
	step := window / 30
	if step <= 0 {
		step = time.Second
	}
	query := fmt.Sprintf("%s{service=%q,version=%q}", metric, service, version)
	samples, err := s.backend.RangeQuery(ctx, query, start, end, step)
	if err != nil {
		return nil, err
	}
	values := make([]float64, len(samples))
	for i, sample := range samples {
		values[i] = sample.Value
	}
	return values, nil
}

var (
	_ healthgate.Source = (*promQuerySource)(nil)
	_ verify.Source     = (*promQuerySource)(nil)
)

// dryRunTarget implements deploytarget.DeploymentTarget by logging every
// mutation instead of applying it, used when the process has no reachable
// cluster (no in-cluster config) or config.DryRun is set.
type dryRunTarget struct {
	logger logr.Logger
}

func (t *dryRunTarget) SetImage(ctx context.Context, service, imageTag string) error {
	t.logger.Info("dry-run: would set image", "service", service, "image_tag", imageTag)
	return nil
}

func (t *dryRunTarget) SetTrafficSplit(ctx context.Context, service string, canaryPercent int) error {
	t.logger.Info("dry-run: would set traffic split", "service", service, "canary_percent", canaryPercent)
	return nil
}

func (t *dryRunTarget) AwaitRollout(ctx context.Context, service string) error {
	t.logger.Info("dry-run: would await rollout", "service", service)
	return nil
}

func (t *dryRunTarget) ForceEvictAll(ctx context.Context, service string) error {
	t.logger.Info("dry-run: would force-evict all pods", "service", service)
	return nil
}

func (t *dryRunTarget) Scale(ctx context.Context, service string, replicas int32) error {
	t.logger.Info("dry-run: would scale", "service", service, "replicas", replicas)
	return nil
}

func (t *dryRunTarget) ReadyState(ctx context.Context, service string) (deploytarget.ReadyState, error) {
	return deploytarget.ReadyState{ReadyReplicas: 1, TotalReplicas: 1}, nil
}

var _ deploytarget.DeploymentTarget = (*dryRunTarget)(nil)
