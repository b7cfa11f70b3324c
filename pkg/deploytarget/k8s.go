package deploytarget

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	appsv1 "k8s.io/api/apps/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	apperrors "github.com/selfheal/controlplane/internal/errors"
)

const canarySuffix = "-canary"

// K8sTarget implements DeploymentTarget against a real cluster via
// client-go. The "canary Deployment" is the service's ordinary Deployment
// name with a "-canary" suffix, selected by the same pod-template labels
// plus a version-specific one so Services/mesh routing (outside this
// package's scope) can still split on label, not on replica count alone.
type K8sTarget struct {
	clientset kubernetes.Interface
	namespace string
	logger    logr.Logger

	pollInterval time.Duration
}

// Option configures a K8sTarget at construction.
type Option func(*K8sTarget)

func WithLogger(logger logr.Logger) Option { return func(t *K8sTarget) { t.logger = logger } }

func WithPollInterval(d time.Duration) Option {
	return func(t *K8sTarget) { t.pollInterval = d }
}

// New builds a K8sTarget operating against namespace.
func New(clientset kubernetes.Interface, namespace string, opts ...Option) *K8sTarget {
	t := &K8sTarget{
		clientset:    clientset,
		namespace:    namespace,
		logger:       logr.Discard(),
		pollInterval: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *K8sTarget) deployments() appsClient {
	return t.clientset.AppsV1().Deployments(t.namespace)
}

// appsClient narrows the client-go Deployments interface to what this file
// calls, so tests can supply a lighter fake than the full typed client.
type appsClient interface {
	Get(ctx context.Context, name string, opts metav1.GetOptions) (*appsv1.Deployment, error)
	Update(ctx context.Context, deployment *appsv1.Deployment, opts metav1.UpdateOptions) (*appsv1.Deployment, error)
	List(ctx context.Context, opts metav1.ListOptions) (*appsv1.DeploymentList, error)
}

func (t *K8sTarget) SetImage(ctx context.Context, service, imageTag string) error {
	dep, err := t.deployments().Get(ctx, service, metav1.GetOptions{})
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeBackendUnavailable, "get deployment "+service)
	}
	if len(dep.Spec.Template.Spec.Containers) == 0 {
		return apperrors.New(apperrors.ErrorTypeInternal, "deployment "+service+" has no containers")
	}
	dep.Spec.Template.Spec.Containers[0].Image = imageTag
	if _, err := t.deployments().Update(ctx, dep, metav1.UpdateOptions{}); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeBackendUnavailable, "set image for "+service)
	}
	t.logger.Info("image updated", "service", service, "image", imageTag)
	return nil
}

func (t *K8sTarget) SetTrafficSplit(ctx context.Context, service string, canaryPercent int) error {
	canaryName := service + canarySuffix

	stable, err := t.deployments().Get(ctx, service, metav1.GetOptions{})
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeBackendUnavailable, "get deployment "+service)
	}
	total := replicasOf(stable)
	if total == 0 {
		total = 1
	}

	canaryReplicas := int32((float64(total) * float64(canaryPercent)) / 100.0)
	stableReplicas := total - canaryReplicas
	if stableReplicas < 0 {
		stableReplicas = 0
	}

	canary, err := t.deployments().Get(ctx, canaryName, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		if canaryReplicas == 0 {
			return t.Scale(ctx, service, stableReplicas)
		}
		return apperrors.New(apperrors.ErrorTypeInternal,
			fmt.Sprintf("canary deployment %s does not exist; it must be created before a non-zero canary split", canaryName))
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeBackendUnavailable, "get canary deployment "+canaryName)
	}

	setReplicas(stable, stableReplicas)
	setReplicas(canary, canaryReplicas)

	if _, err := t.deployments().Update(ctx, stable, metav1.UpdateOptions{}); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeBackendUnavailable, "scale stable "+service)
	}
	if _, err := t.deployments().Update(ctx, canary, metav1.UpdateOptions{}); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeBackendUnavailable, "scale canary "+canaryName)
	}

	t.logger.Info("traffic split applied", "service", service, "canaryPercent", canaryPercent,
		"stableReplicas", stableReplicas, "canaryReplicas", canaryReplicas)
	return nil
}

func (t *K8sTarget) AwaitRollout(ctx context.Context, service string) error {
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		state, err := t.ReadyState(ctx, service)
		if err == nil && state.TotalReplicas > 0 && state.ReadyReplicas == state.TotalReplicas {
			return nil
		}
		select {
		case <-ctx.Done():
			return apperrors.Wrap(ctx.Err(), apperrors.ErrorTypeTimeout, "rollout did not complete for "+service)
		case <-ticker.C:
		}
	}
}

func (t *K8sTarget) ForceEvictAll(ctx context.Context, service string) error {
	pods := t.clientset.CoreV1().Pods(t.namespace)
	list, err := pods.List(ctx, metav1.ListOptions{LabelSelector: "app=" + service})
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeBackendUnavailable, "list pods for "+service)
	}
	var grace int64 = 0
	for _, pod := range list.Items {
		if err := pods.Delete(ctx, pod.Name, metav1.DeleteOptions{GracePeriodSeconds: &grace}); err != nil && !apierrors.IsNotFound(err) {
			return apperrors.Wrap(err, apperrors.ErrorTypeBackendUnavailable, "force-evict pod "+pod.Name)
		}
	}
	t.logger.Info("force-evicted pods", "service", service, "count", len(list.Items))
	return nil
}

func (t *K8sTarget) Scale(ctx context.Context, service string, replicas int32) error {
	dep, err := t.deployments().Get(ctx, service, metav1.GetOptions{})
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeBackendUnavailable, "get deployment "+service)
	}
	setReplicas(dep, replicas)
	if _, err := t.deployments().Update(ctx, dep, metav1.UpdateOptions{}); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeBackendUnavailable, "scale "+service)
	}
	return nil
}

func (t *K8sTarget) ReadyState(ctx context.Context, service string) (ReadyState, error) {
	var total ReadyState

	stable, err := t.deployments().Get(ctx, service, metav1.GetOptions{})
	if err != nil {
		return ReadyState{}, apperrors.Wrap(err, apperrors.ErrorTypeBackendUnavailable, "get deployment "+service)
	}
	total.ReadyReplicas += stable.Status.ReadyReplicas
	total.TotalReplicas += replicasOf(stable)

	canary, err := t.deployments().Get(ctx, service+canarySuffix, metav1.GetOptions{})
	if err == nil {
		total.ReadyReplicas += canary.Status.ReadyReplicas
		total.TotalReplicas += replicasOf(canary)
	} else if !apierrors.IsNotFound(err) {
		return ReadyState{}, apperrors.Wrap(err, apperrors.ErrorTypeBackendUnavailable, "get canary deployment for "+service)
	}

	return total, nil
}

func replicasOf(dep *appsv1.Deployment) int32 {
	if dep.Spec.Replicas == nil {
		return 1
	}
	return *dep.Spec.Replicas
}

func setReplicas(dep *appsv1.Deployment, n int32) {
	dep.Spec.Replicas = &n
}
