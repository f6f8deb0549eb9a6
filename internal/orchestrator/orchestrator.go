// Package orchestrator turns registered tool descriptors into running
// workloads: it synthesizes deployment and autoscaling specs, drives the
// kube managers, and owns the naming scheme that ties a tool id to its
// cluster resources.
package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/toolmesh/toolmesh/internal/discovery"
	"github.com/toolmesh/toolmesh/internal/kube"
	"github.com/toolmesh/toolmesh/internal/registry"
)

// Config carries the fallbacks applied when a descriptor leaves a field
// unset.
type Config struct {
	Namespace string

	DefaultReplicas      int32
	DefaultCPURequest    string
	DefaultCPULimit      string
	DefaultMemoryRequest string
	DefaultMemoryLimit   string

	DefaultImagePullPolicy string

	DefaultMinReplicas      int32
	DefaultMaxReplicas      int32
	DefaultTargetCPUPercent int32

	// CommonLabels are stamped onto every rendered deployment.
	CommonLabels map[string]string
}

// DefaultConfig returns the standard fallbacks for the given namespace.
func DefaultConfig(namespace string) Config {
	return Config{
		Namespace:            namespace,
		DefaultReplicas:      1,
		DefaultCPURequest:    "100m",
		DefaultCPULimit:      "500m",
		DefaultMemoryRequest: "128Mi",
		DefaultMemoryLimit:   "512Mi",

		DefaultImagePullPolicy: "IfNotPresent",

		DefaultMinReplicas:      1,
		DefaultMaxReplicas:      10,
		DefaultTargetCPUPercent: 80,
	}
}

// Orchestrator coordinates deployments and autoscalers for every tool in
// the registry.
type Orchestrator struct {
	cfg         Config
	registry    *registry.Registry
	deployments *kube.DeploymentManager
	autoscalers *kube.AutoscalerManager
	logger      *zap.SugaredLogger
}

// New creates an orchestrator over a registry and a control plane.
func New(cfg Config, reg *registry.Registry, cp kube.ControlPlane, logger *zap.SugaredLogger) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		registry:    reg,
		deployments: kube.NewDeploymentManager(cp, logger),
		autoscalers: kube.NewAutoscalerManager(cp, logger),
		logger:      logger,
	}
}

// DeployResult is the outcome of deploying one tool during a bulk deploy.
type DeployResult struct {
	ToolID string
	Status kube.DeploymentStatus
	Err    error
}

// ResourceName derives the cluster resource name for a tool id. It shares
// the discovery normalization, so "Weather_API" and "weather-api" both map
// to "tool-weather-api" and the router resolves exactly the name deployed
// here.
func ResourceName(toolID string) string {
	return "tool-" + discovery.ServiceNameFor(toolID)
}

// ServiceURL returns the in-cluster URL of a deployed tool's service.
func (o *Orchestrator) ServiceURL(toolID string) string {
	return fmt.Sprintf("http://%s.%s.svc.cluster.local", ResourceName(toolID), o.cfg.Namespace)
}

// DeployTool deploys one registered tool: the container deployment, its
// companion service and, when the descriptor enables it, an autoscaler.
func (o *Orchestrator) DeployTool(ctx context.Context, toolID string) (kube.DeploymentStatus, error) {
	desc, err := o.registry.Get(toolID)
	if err != nil {
		return kube.DeploymentStatus{}, err
	}

	status, err := o.deployments.Deploy(ctx, o.buildDeploymentSpec(desc))
	if err != nil {
		return status, err
	}

	if desc.Autoscaling != nil && desc.Autoscaling.Enabled {
		if err := o.autoscalers.CreateOrUpdate(ctx, o.buildHPASpec(desc)); err != nil {
			return status, err
		}
	}

	o.logger.Infof("Deployed tool %s as %s", toolID, ResourceName(toolID))
	return status, nil
}

// DeployAllTools deploys every registered tool. A failing tool does not stop
// the others; each result carries its own error.
func (o *Orchestrator) DeployAllTools(ctx context.Context) []DeployResult {
	tools := o.registry.List()
	results := make([]DeployResult, 0, len(tools))

	for _, desc := range tools {
		status, err := o.DeployTool(ctx, desc.ToolID)
		if err != nil {
			o.logger.Errorf("Failed to deploy tool %s: %v", desc.ToolID, err)
		}
		results = append(results, DeployResult{ToolID: desc.ToolID, Status: status, Err: err})
	}
	return results
}

// UndeployTool removes a tool's workload. The autoscaler goes first so it
// never acts on a deployment that is being torn down; resources that are
// already gone are ignored.
func (o *Orchestrator) UndeployTool(ctx context.Context, toolID string) error {
	name := ResourceName(toolID)

	if err := o.autoscalers.Delete(ctx, name); err != nil {
		return err
	}
	if err := o.deployments.Delete(ctx, name); err != nil {
		return err
	}

	o.logger.Infof("Undeployed tool %s", toolID)
	return nil
}

// UndeployAllTools removes every registered tool's workload, isolating
// failures per tool.
func (o *Orchestrator) UndeployAllTools(ctx context.Context) []DeployResult {
	tools := o.registry.List()
	results := make([]DeployResult, 0, len(tools))

	for _, desc := range tools {
		err := o.UndeployTool(ctx, desc.ToolID)
		if err != nil {
			o.logger.Errorf("Failed to undeploy tool %s: %v", desc.ToolID, err)
		}
		results = append(results, DeployResult{ToolID: desc.ToolID, Err: err})
	}
	return results
}

// ToolStatus reports the observed deployment state of one tool.
func (o *Orchestrator) ToolStatus(ctx context.Context, toolID string) (kube.DeploymentStatus, error) {
	if _, err := o.registry.Get(toolID); err != nil {
		return kube.DeploymentStatus{}, err
	}
	return o.deployments.GetStatus(ctx, ResourceName(toolID))
}

// AllToolStatuses reports the deployment state of every registered tool,
// keyed by tool id. Tools without a deployment report their error in the
// status rather than aborting the sweep.
func (o *Orchestrator) AllToolStatuses(ctx context.Context) map[string]kube.DeploymentStatus {
	statuses := make(map[string]kube.DeploymentStatus)
	for _, desc := range o.registry.List() {
		status, err := o.deployments.GetStatus(ctx, ResourceName(desc.ToolID))
		if err != nil {
			status = kube.DeploymentStatus{
				Name:      ResourceName(desc.ToolID),
				Namespace: o.cfg.Namespace,
				Error:     err.Error(),
			}
		}
		statuses[desc.ToolID] = status
	}
	return statuses
}

// ScaleTool sets a tool's replica count directly.
func (o *Orchestrator) ScaleTool(ctx context.Context, toolID string, replicas int32) error {
	if _, err := o.registry.Get(toolID); err != nil {
		return err
	}
	return o.deployments.Scale(ctx, ResourceName(toolID), replicas)
}

// ToolMetrics reports the scaling state of a tool's autoscaler.
func (o *Orchestrator) ToolMetrics(ctx context.Context, toolID string) (kube.ScalingMetrics, error) {
	if _, err := o.registry.Get(toolID); err != nil {
		return kube.ScalingMetrics{}, err
	}
	return o.autoscalers.GetMetrics(ctx, ResourceName(toolID))
}

func (o *Orchestrator) buildDeploymentSpec(desc registry.ToolDescriptor) kube.DeploymentSpec {
	res := desc.Resources
	if res.CPURequest == "" {
		res.CPURequest = o.cfg.DefaultCPURequest
	}
	if res.CPULimit == "" {
		res.CPULimit = o.cfg.DefaultCPULimit
	}
	if res.MemoryRequest == "" {
		res.MemoryRequest = o.cfg.DefaultMemoryRequest
	}
	if res.MemoryLimit == "" {
		res.MemoryLimit = o.cfg.DefaultMemoryLimit
	}

	labels := map[string]string{"toolmesh.io/tool-id": desc.ToolID}
	for k, v := range o.cfg.CommonLabels {
		labels[k] = v
	}

	// An autoscaled tool starts at its declared floor so it never runs
	// under-provisioned while the autoscaler catches up.
	replicas := o.cfg.DefaultReplicas
	if desc.Autoscaling != nil && desc.Autoscaling.Enabled && desc.Autoscaling.MinReplicas > 0 {
		replicas = desc.Autoscaling.MinReplicas
	}

	return kube.DeploymentSpec{
		Name:          ResourceName(desc.ToolID),
		Image:         desc.Image,
		Replicas:      replicas,
		ContainerPort: desc.Port,

		Labels: labels,
		Env:    desc.Env,

		CPURequest:    res.CPURequest,
		CPULimit:      res.CPULimit,
		MemoryRequest: res.MemoryRequest,
		MemoryLimit:   res.MemoryLimit,

		ImagePullPolicy: o.cfg.DefaultImagePullPolicy,
		HealthCheckPath: desc.HealthCheckPath,
	}
}

func (o *Orchestrator) buildHPASpec(desc registry.ToolDescriptor) kube.HPASpec {
	policy := desc.Autoscaling
	name := ResourceName(desc.ToolID)

	spec := kube.HPASpec{
		Name:           name,
		DeploymentName: name,

		MinReplicas:      policy.MinReplicas,
		MaxReplicas:      policy.MaxReplicas,
		TargetCPUPercent: policy.TargetCPUPercent,

		TargetMemoryPercent: policy.TargetMemoryPercent,

		ScaleDownStabilizationSeconds: policy.ScaleDownStabilization(),
		ScaleUpStabilizationSeconds:   policy.ScaleUpStabilization(),
	}
	if spec.MinReplicas == 0 {
		spec.MinReplicas = o.cfg.DefaultMinReplicas
	}
	if spec.MaxReplicas == 0 {
		spec.MaxReplicas = o.cfg.DefaultMaxReplicas
	}
	if spec.TargetCPUPercent == 0 {
		spec.TargetCPUPercent = o.cfg.DefaultTargetCPUPercent
	}
	return spec
}
