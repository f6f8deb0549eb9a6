package kube

import "errors"

// ErrNotFound is returned when a deployment or autoscaler does not exist.
var ErrNotFound = errors.New("resource not found")

// DeploymentSpec is the desired state for one tool deployment.
type DeploymentSpec struct {
	Name          string
	Image         string
	Replicas      int32
	ContainerPort int32

	Labels map[string]string
	Env    map[string]string

	CPURequest    string
	CPULimit      string
	MemoryRequest string
	MemoryLimit   string

	ImagePullPolicy string
	HealthCheckPath string
	ServiceAccount  string
}

// Condition mirrors a control-plane condition entry.
type Condition struct {
	Type    string
	Status  string
	Reason  string
	Message string
}

// DeploymentStatus reflects the control plane's observation of a deployment.
// Ready is true only when available replicas cover the declared desired
// count; it is never inferred from a successful apply call.
type DeploymentStatus struct {
	Name      string
	Namespace string

	Ready             bool
	AvailableReplicas int32
	DesiredReplicas   int32
	UpdatedReplicas   int32

	Conditions []Condition
	Error      string
}

// HPASpec is the desired state for one horizontal autoscaler.
type HPASpec struct {
	Name           string
	DeploymentName string

	MinReplicas      int32
	MaxReplicas      int32
	TargetCPUPercent int32
	// TargetMemoryPercent adds a memory utilization target when set.
	TargetMemoryPercent *int32

	// Stabilization windows in seconds; scale-down long, scale-up immediate.
	ScaleDownStabilizationSeconds int32
	ScaleUpStabilizationSeconds   int32
}

// ScalingMetrics is the observed scaling state of an autoscaler.
type ScalingMetrics struct {
	Name string

	CurrentReplicas int32
	DesiredReplicas int32

	CurrentCPUPercent    *int32
	CurrentMemoryPercent *int32

	Conditions []Condition
}
