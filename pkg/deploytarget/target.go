// Package deploytarget adapts the deployment and rollback engines to a
// concrete workload runtime. DeploymentTarget expresses image-tag swaps and
// canary traffic splits as image or replica-count operations against
// Kubernetes Deployments (a forced eviction deletes the service's pods), so the
// canary protocol and the rollback engine never need a separate service-mesh
// call to keep traffic share and running image in sync (spec §9 Open
// Question, resolved: replica-count ratio between a stable and canary
// Deployment).
//
// Grounded on the structural shape of the teacher's pkg/k8s client tests
// (a clientset + namespace + logger wrapper), generalized from a
// single-purpose kubernaut client to the narrower DeploymentTarget contract
// this module needs.
package deploytarget

import "context"

// ReadyState reports a Deployment's current replica health.
type ReadyState struct {
	ReadyReplicas int32
	TotalReplicas int32
}

// Healthy reports spec §4.9's post-rollback health check:
// ready_replicas >= 0.75 * total_replicas.
func (r ReadyState) Healthy() bool {
	if r.TotalReplicas == 0 {
		return false
	}
	return float64(r.ReadyReplicas) >= 0.75*float64(r.TotalReplicas)
}

// DeploymentTarget is the narrow surface the deployment state machine,
// canary controller, and rollback engine need against a running workload.
// Traffic splitting is modeled as a replica-count ratio between the stable
// and canary Deployments of the same service, never a separate mesh
// resource, so "apply N% canary traffic" and "update the image" are both
// ordinary scale/set-image calls against the same object kind.
type DeploymentTarget interface {
	// SetImage updates the container image tag of service's stable
	// Deployment. It does not touch a canary Deployment.
	SetImage(ctx context.Context, service, imageTag string) error

	// SetTrafficSplit adjusts replica counts so that canaryPercent of the
	// service's total replicas run the canary Deployment and the rest run
	// the stable one. canaryPercent == 0 scales the canary Deployment to
	// zero (with no canary Deployment, only the stable one is rescaled);
	// canaryPercent == 100 moves every replica to the canary Deployment and
	// scales the stable one to zero. No Deployment is created or deleted.
	SetTrafficSplit(ctx context.Context, service string, canaryPercent int) error

	// AwaitRollout blocks until the service's Deployments report a
	// completed rollout or ctx is done (spec §4.9 "await rollout status
	// with a short timeout").
	AwaitRollout(ctx context.Context, service string) error

	// ForceEvictAll deletes every running pod for service, bypassing the
	// normal termination grace period (spec §4.9 EMERGENCY strategy).
	ForceEvictAll(ctx context.Context, service string) error

	// Scale sets the stable Deployment's replica count directly.
	Scale(ctx context.Context, service string, replicas int32) error

	// ReadyState reports current ready/total replica counts across the
	// service's Deployments (stable + canary, if present).
	ReadyState(ctx context.Context, service string) (ReadyState, error)
}
