package kube

import (
	"fmt"
	"sort"

	appsv1 "k8s.io/api/apps/v1"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"
)

const (
	// ManagedByLabel marks resources owned by this engine.
	ManagedByLabel = "toolmesh"

	// ServicePort is the stable port every tool service listens on; it
	// forwards to the container port.
	ServicePort = int32(80)

	defaultImagePullPolicy = corev1.PullIfNotPresent
)

// BuildDeployment renders a Deployment for a tool spec.
func BuildDeployment(namespace string, spec DeploymentSpec) (*appsv1.Deployment, error) {
	resources, err := buildResources(spec)
	if err != nil {
		return nil, err
	}

	labels := buildLabels(spec)
	selector := map[string]string{"app": labels["app"]}

	pullPolicy := defaultImagePullPolicy
	if spec.ImagePullPolicy != "" {
		pullPolicy = corev1.PullPolicy(spec.ImagePullPolicy)
	}

	healthPath := spec.HealthCheckPath
	if healthPath == "" {
		healthPath = "/health"
	}

	container := corev1.Container{
		Name:            spec.Name,
		Image:           spec.Image,
		ImagePullPolicy: pullPolicy,
		Ports: []corev1.ContainerPort{
			{
				Name:          "http",
				ContainerPort: spec.ContainerPort,
				Protocol:      corev1.ProtocolTCP,
			},
		},
		Env:       buildEnv(spec.Env),
		Resources: resources,
		// Independent probe settings so slow-starting tools are not killed
		// before they are ready.
		LivenessProbe: &corev1.Probe{
			ProbeHandler: corev1.ProbeHandler{
				HTTPGet: &corev1.HTTPGetAction{
					Path: healthPath,
					Port: intstr.FromInt32(spec.ContainerPort),
				},
			},
			InitialDelaySeconds: 10,
			PeriodSeconds:       10,
		},
		ReadinessProbe: &corev1.Probe{
			ProbeHandler: corev1.ProbeHandler{
				HTTPGet: &corev1.HTTPGetAction{
					Path: healthPath,
					Port: intstr.FromInt32(spec.ContainerPort),
				},
			},
			InitialDelaySeconds: 5,
			PeriodSeconds:       5,
		},
	}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: namespace,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr.To(spec.Replicas),
			Selector: &metav1.LabelSelector{
				MatchLabels: selector,
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: labels,
				},
				Spec: corev1.PodSpec{
					ServiceAccountName: spec.ServiceAccount,
					Containers:         []corev1.Container{container},
				},
			},
		},
	}, nil
}

// BuildService renders the companion ClusterIP Service that gives a tool
// deployment a stable network name.
func BuildService(namespace string, spec DeploymentSpec) *corev1.Service {
	labels := buildLabels(spec)

	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: namespace,
			Labels:    labels,
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: map[string]string{"app": labels["app"]},
			Ports: []corev1.ServicePort{
				{
					Name:       "http",
					Port:       ServicePort,
					TargetPort: intstr.FromInt32(spec.ContainerPort),
					Protocol:   corev1.ProtocolTCP,
				},
			},
		},
	}
}

// BuildHPA renders a HorizontalPodAutoscaler bound to a tool deployment.
func BuildHPA(namespace string, spec HPASpec) *autoscalingv2.HorizontalPodAutoscaler {
	metricSpecs := []autoscalingv2.MetricSpec{
		resourceMetric(corev1.ResourceCPU, spec.TargetCPUPercent),
	}
	if spec.TargetMemoryPercent != nil {
		metricSpecs = append(metricSpecs, resourceMetric(corev1.ResourceMemory, *spec.TargetMemoryPercent))
	}

	return &autoscalingv2.HorizontalPodAutoscaler{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: namespace,
			Labels: map[string]string{
				"managed-by": ManagedByLabel,
			},
		},
		Spec: autoscalingv2.HorizontalPodAutoscalerSpec{
			ScaleTargetRef: autoscalingv2.CrossVersionObjectReference{
				APIVersion: "apps/v1",
				Kind:       "Deployment",
				Name:       spec.DeploymentName,
			},
			MinReplicas: ptr.To(spec.MinReplicas),
			MaxReplicas: spec.MaxReplicas,
			Metrics:     metricSpecs,
			Behavior: &autoscalingv2.HorizontalPodAutoscalerBehavior{
				ScaleDown: &autoscalingv2.HPAScalingRules{
					StabilizationWindowSeconds: ptr.To(spec.ScaleDownStabilizationSeconds),
				},
				ScaleUp: &autoscalingv2.HPAScalingRules{
					StabilizationWindowSeconds: ptr.To(spec.ScaleUpStabilizationSeconds),
				},
			},
		},
	}
}

func resourceMetric(name corev1.ResourceName, target int32) autoscalingv2.MetricSpec {
	return autoscalingv2.MetricSpec{
		Type: autoscalingv2.ResourceMetricSourceType,
		Resource: &autoscalingv2.ResourceMetricSource{
			Name: name,
			Target: autoscalingv2.MetricTarget{
				Type:               autoscalingv2.UtilizationMetricType,
				AverageUtilization: ptr.To(target),
			},
		},
	}
}

func buildLabels(spec DeploymentSpec) map[string]string {
	labels := map[string]string{
		"app":        spec.Name,
		"managed-by": ManagedByLabel,
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}
	if labels["app"] == "" {
		labels["app"] = spec.Name
	}
	return labels
}

func buildEnv(env map[string]string) []corev1.EnvVar {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	vars := make([]corev1.EnvVar, 0, len(keys))
	for _, k := range keys {
		vars = append(vars, corev1.EnvVar{Name: k, Value: env[k]})
	}
	return vars
}

func buildResources(spec DeploymentSpec) (corev1.ResourceRequirements, error) {
	requests := corev1.ResourceList{}
	limits := corev1.ResourceList{}

	for _, q := range []struct {
		value string
		name  corev1.ResourceName
		list  corev1.ResourceList
	}{
		{spec.CPURequest, corev1.ResourceCPU, requests},
		{spec.MemoryRequest, corev1.ResourceMemory, requests},
		{spec.CPULimit, corev1.ResourceCPU, limits},
		{spec.MemoryLimit, corev1.ResourceMemory, limits},
	} {
		if q.value == "" {
			continue
		}
		parsed, err := resource.ParseQuantity(q.value)
		if err != nil {
			return corev1.ResourceRequirements{}, fmt.Errorf("invalid %s quantity %q: %w", q.name, q.value, err)
		}
		q.list[q.name] = parsed
	}

	return corev1.ResourceRequirements{Requests: requests, Limits: limits}, nil
}
