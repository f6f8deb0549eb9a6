// Package kube converges tool deployments, services and autoscalers toward
// declared specs on a Kubernetes control plane.
//
// All cluster access goes through the ControlPlane interface, which has two
// implementations selected at construction: a live clientset-backed one and
// a dry-run store that reports every applied spec as already satisfied. The
// dry-run form lets orchestration logic run without a cluster.
package kube

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	appsv1 "k8s.io/api/apps/v1"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/utils/ptr"

	"github.com/toolmesh/toolmesh/internal/metrics"
)

// ControlPlane is the set of cluster operations the managers need. Apply
// calls are idempotent (create, then patch on conflict); Delete calls treat
// an absent resource as success; Get calls map absence to ErrNotFound.
type ControlPlane interface {
	ApplyDeployment(ctx context.Context, d *appsv1.Deployment) error
	GetDeployment(ctx context.Context, name string) (*appsv1.Deployment, error)
	ScaleDeployment(ctx context.Context, name string, replicas int32) error
	DeleteDeployment(ctx context.Context, name string) error

	ApplyService(ctx context.Context, s *corev1.Service) error
	DeleteService(ctx context.Context, name string) error

	ApplyHPA(ctx context.Context, h *autoscalingv2.HorizontalPodAutoscaler) error
	GetHPA(ctx context.Context, name string) (*autoscalingv2.HorizontalPodAutoscaler, error)
	DeleteHPA(ctx context.Context, name string) error

	Namespace() string
}

// LoadRESTConfig returns the cluster client configuration, preferring
// in-cluster credentials and falling back to the kubeconfig.
func LoadRESTConfig(kubeconfigPath string) (*rest.Config, error) {
	config, err := rest.InClusterConfig()
	if err == nil {
		return config, nil
	}

	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfigPath != "" {
		loadingRules.ExplicitPath = kubeconfigPath
	}
	kubeConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, &clientcmd.ConfigOverrides{})
	return kubeConfig.ClientConfig()
}

// clusterControlPlane talks to a live API server through a typed clientset.
type clusterControlPlane struct {
	client    kubernetes.Interface
	namespace string
}

// NewClusterControlPlane creates a live ControlPlane for the namespace.
func NewClusterControlPlane(client kubernetes.Interface, namespace string) ControlPlane {
	return &clusterControlPlane{client: client, namespace: namespace}
}

func (c *clusterControlPlane) Namespace() string {
	return c.namespace
}

func (c *clusterControlPlane) ApplyDeployment(ctx context.Context, d *appsv1.Deployment) error {
	_, err := c.client.AppsV1().Deployments(c.namespace).Create(ctx, d, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		data, mErr := json.Marshal(d)
		if mErr != nil {
			return mErr
		}
		_, err = c.client.AppsV1().Deployments(c.namespace).Patch(
			ctx, d.Name, types.StrategicMergePatchType, data, metav1.PatchOptions{})
	}
	return recordOp("deployment", "apply", err)
}

func (c *clusterControlPlane) GetDeployment(ctx context.Context, name string) (*appsv1.Deployment, error) {
	d, err := c.client.AppsV1().Deployments(c.namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, fmt.Errorf("%w: deployment %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, recordOp("deployment", "get", err)
	}
	return d, nil
}

func (c *clusterControlPlane) ScaleDeployment(ctx context.Context, name string, replicas int32) error {
	patch := fmt.Sprintf(`{"spec":{"replicas":%d}}`, replicas)
	_, err := c.client.AppsV1().Deployments(c.namespace).Patch(
		ctx, name, types.StrategicMergePatchType, []byte(patch), metav1.PatchOptions{})
	return recordOp("deployment", "scale", err)
}

func (c *clusterControlPlane) DeleteDeployment(ctx context.Context, name string) error {
	err := c.client.AppsV1().Deployments(c.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		err = nil
	}
	return recordOp("deployment", "delete", err)
}

func (c *clusterControlPlane) ApplyService(ctx context.Context, s *corev1.Service) error {
	_, err := c.client.CoreV1().Services(c.namespace).Create(ctx, s, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		// A stable service already fronts the deployment; leave it alone.
		err = nil
	}
	return recordOp("service", "apply", err)
}

func (c *clusterControlPlane) DeleteService(ctx context.Context, name string) error {
	err := c.client.CoreV1().Services(c.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		err = nil
	}
	return recordOp("service", "delete", err)
}

func (c *clusterControlPlane) ApplyHPA(ctx context.Context, h *autoscalingv2.HorizontalPodAutoscaler) error {
	_, err := c.client.AutoscalingV2().HorizontalPodAutoscalers(c.namespace).Create(ctx, h, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		data, mErr := json.Marshal(h)
		if mErr != nil {
			return mErr
		}
		_, err = c.client.AutoscalingV2().HorizontalPodAutoscalers(c.namespace).Patch(
			ctx, h.Name, types.StrategicMergePatchType, data, metav1.PatchOptions{})
	}
	return recordOp("hpa", "apply", err)
}

func (c *clusterControlPlane) GetHPA(ctx context.Context, name string) (*autoscalingv2.HorizontalPodAutoscaler, error) {
	h, err := c.client.AutoscalingV2().HorizontalPodAutoscalers(c.namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, fmt.Errorf("%w: hpa %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, recordOp("hpa", "get", err)
	}
	return h, nil
}

func (c *clusterControlPlane) DeleteHPA(ctx context.Context, name string) error {
	err := c.client.AutoscalingV2().HorizontalPodAutoscalers(c.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		err = nil
	}
	return recordOp("hpa", "delete", err)
}

func recordOp(resource, operation string, err error) error {
	result := "success"
	if err != nil {
		result = "error"
	}
	metrics.RecordControlPlaneOp(resource, operation, result)
	return err
}

// dryRunControlPlane keeps applied specs in memory and reports them as
// satisfied, so orchestration logic can run without a cluster.
type dryRunControlPlane struct {
	namespace string

	mu          sync.RWMutex
	deployments map[string]*appsv1.Deployment
	services    map[string]*corev1.Service
	hpas        map[string]*autoscalingv2.HorizontalPodAutoscaler
}

// NewDryRunControlPlane creates a ControlPlane that never touches a cluster.
func NewDryRunControlPlane(namespace string) ControlPlane {
	return &dryRunControlPlane{
		namespace:   namespace,
		deployments: make(map[string]*appsv1.Deployment),
		services:    make(map[string]*corev1.Service),
		hpas:        make(map[string]*autoscalingv2.HorizontalPodAutoscaler),
	}
}

func (c *dryRunControlPlane) Namespace() string {
	return c.namespace
}

func (c *dryRunControlPlane) ApplyDeployment(_ context.Context, d *appsv1.Deployment) error {
	stored := d.DeepCopy()

	// Desired state is reported as already reached.
	replicas := int32(1)
	if stored.Spec.Replicas != nil {
		replicas = *stored.Spec.Replicas
	}
	stored.Status = appsv1.DeploymentStatus{
		Replicas:          replicas,
		AvailableReplicas: replicas,
		ReadyReplicas:     replicas,
		UpdatedReplicas:   replicas,
	}

	c.mu.Lock()
	c.deployments[stored.Name] = stored
	c.mu.Unlock()
	return nil
}

func (c *dryRunControlPlane) GetDeployment(_ context.Context, name string) (*appsv1.Deployment, error) {
	c.mu.RLock()
	d, ok := c.deployments[name]
	c.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: deployment %s", ErrNotFound, name)
	}
	return d.DeepCopy(), nil
}

func (c *dryRunControlPlane) ScaleDeployment(ctx context.Context, name string, replicas int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.deployments[name]
	if !ok {
		return fmt.Errorf("%w: deployment %s", ErrNotFound, name)
	}
	d.Spec.Replicas = ptr.To(replicas)
	d.Status.Replicas = replicas
	d.Status.AvailableReplicas = replicas
	d.Status.ReadyReplicas = replicas
	d.Status.UpdatedReplicas = replicas
	return nil
}

func (c *dryRunControlPlane) DeleteDeployment(_ context.Context, name string) error {
	c.mu.Lock()
	delete(c.deployments, name)
	c.mu.Unlock()
	return nil
}

func (c *dryRunControlPlane) ApplyService(_ context.Context, s *corev1.Service) error {
	c.mu.Lock()
	if _, exists := c.services[s.Name]; !exists {
		c.services[s.Name] = s.DeepCopy()
	}
	c.mu.Unlock()
	return nil
}

func (c *dryRunControlPlane) DeleteService(_ context.Context, name string) error {
	c.mu.Lock()
	delete(c.services, name)
	c.mu.Unlock()
	return nil
}

func (c *dryRunControlPlane) ApplyHPA(_ context.Context, h *autoscalingv2.HorizontalPodAutoscaler) error {
	stored := h.DeepCopy()

	minReplicas := int32(1)
	if stored.Spec.MinReplicas != nil {
		minReplicas = *stored.Spec.MinReplicas
	}
	stored.Status = autoscalingv2.HorizontalPodAutoscalerStatus{
		CurrentReplicas: minReplicas,
		DesiredReplicas: minReplicas,
		CurrentMetrics:  currentMetricsAtTarget(stored.Spec.Metrics),
	}

	c.mu.Lock()
	c.hpas[stored.Name] = stored
	c.mu.Unlock()
	return nil
}

func (c *dryRunControlPlane) GetHPA(_ context.Context, name string) (*autoscalingv2.HorizontalPodAutoscaler, error) {
	c.mu.RLock()
	h, ok := c.hpas[name]
	c.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: hpa %s", ErrNotFound, name)
	}
	return h.DeepCopy(), nil
}

func (c *dryRunControlPlane) DeleteHPA(_ context.Context, name string) error {
	c.mu.Lock()
	delete(c.hpas, name)
	c.mu.Unlock()
	return nil
}

// currentMetricsAtTarget fabricates a status where each resource metric sits
// exactly at its target utilization.
func currentMetricsAtTarget(specs []autoscalingv2.MetricSpec) []autoscalingv2.MetricStatus {
	statuses := make([]autoscalingv2.MetricStatus, 0, len(specs))
	for _, m := range specs {
		if m.Type != autoscalingv2.ResourceMetricSourceType || m.Resource == nil {
			continue
		}
		statuses = append(statuses, autoscalingv2.MetricStatus{
			Type: autoscalingv2.ResourceMetricSourceType,
			Resource: &autoscalingv2.ResourceMetricStatus{
				Name: m.Resource.Name,
				Current: autoscalingv2.MetricValueStatus{
					AverageUtilization: m.Resource.Target.AverageUtilization,
				},
			},
		})
	}
	return statuses
}
