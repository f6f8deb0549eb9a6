package registry

import "time"

// Defaults applied to descriptors during validation.
const (
	DefaultPort            = int32(8080)
	DefaultHealthCheckPath = "/health"
	DefaultTimeoutSeconds  = 30.0
	DefaultMaxAttempts     = 3

	DefaultScaleDownStabilizationSeconds = int32(300)
	DefaultScaleUpStabilizationSeconds   = int32(0)
)

// ResourceConfig holds container resource requests and limits as Kubernetes
// quantity strings. Empty fields are filled from orchestrator defaults.
type ResourceConfig struct {
	CPURequest    string `json:"cpuRequest,omitempty"`
	CPULimit      string `json:"cpuLimit,omitempty"`
	MemoryRequest string `json:"memoryRequest,omitempty"`
	MemoryLimit   string `json:"memoryLimit,omitempty"`
}

// AutoscalingPolicy is the declarative horizontal scaling rule for a tool.
type AutoscalingPolicy struct {
	Enabled          bool  `json:"enabled"`
	MinReplicas      int32 `json:"minReplicas,omitempty"`
	MaxReplicas      int32 `json:"maxReplicas,omitempty"`
	TargetCPUPercent int32 `json:"targetCpuPercent,omitempty"`

	// TargetMemoryPercent enables an additional memory utilization target
	// when set.
	TargetMemoryPercent *int32 `json:"targetMemoryPercent,omitempty"`

	// Stabilization windows are asymmetric: scale-down defaults long to damp
	// flapping, scale-up defaults to immediate reaction.
	ScaleDownStabilizationSeconds *int32 `json:"scaleDownStabilizationSeconds,omitempty"`
	ScaleUpStabilizationSeconds   *int32 `json:"scaleUpStabilizationSeconds,omitempty"`
}

// ScaleDownStabilization returns the effective scale-down window.
func (p *AutoscalingPolicy) ScaleDownStabilization() int32 {
	if p.ScaleDownStabilizationSeconds != nil {
		return *p.ScaleDownStabilizationSeconds
	}
	return DefaultScaleDownStabilizationSeconds
}

// ScaleUpStabilization returns the effective scale-up window.
func (p *AutoscalingPolicy) ScaleUpStabilization() int32 {
	if p.ScaleUpStabilizationSeconds != nil {
		return *p.ScaleUpStabilizationSeconds
	}
	return DefaultScaleUpStabilizationSeconds
}

// ToolDescriptor is the static metadata for one containerized tool. It is
// immutable once registered; the registry hands out copies.
type ToolDescriptor struct {
	ToolID      string `json:"toolId"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`

	Image string            `json:"image"`
	Port  int32             `json:"port,omitempty"`
	Env   map[string]string `json:"env,omitempty"`

	Resources       ResourceConfig `json:"resources,omitempty"`
	HealthCheckPath string         `json:"healthCheckPath,omitempty"`

	// Per-call routing budget.
	TimeoutSeconds float64 `json:"timeoutSeconds,omitempty"`
	MaxAttempts    int     `json:"maxAttempts,omitempty"`

	Autoscaling *AutoscalingPolicy `json:"autoscaling,omitempty"`
}

// Timeout returns the per-call timeout as a duration.
func (d *ToolDescriptor) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds * float64(time.Second))
}

// Manifest is the on-disk descriptor set.
type Manifest struct {
	Tools []ToolDescriptor `json:"tools"`
}
