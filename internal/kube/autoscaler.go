package kube

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	corev1 "k8s.io/api/core/v1"
)

// AutoscalerManager converges a deployment's horizontal autoscaling policy
// toward an HPASpec.
type AutoscalerManager struct {
	cp     ControlPlane
	logger *zap.SugaredLogger
}

// NewAutoscalerManager creates a manager bound to a control plane.
func NewAutoscalerManager(cp ControlPlane, logger *zap.SugaredLogger) *AutoscalerManager {
	return &AutoscalerManager{cp: cp, logger: logger}
}

// CreateOrUpdate applies the autoscaling policy idempotently, with the same
// create-then-patch-on-conflict rule as deployments.
func (m *AutoscalerManager) CreateOrUpdate(ctx context.Context, spec HPASpec) error {
	if err := m.cp.ApplyHPA(ctx, BuildHPA(m.cp.Namespace(), spec)); err != nil {
		m.logger.Errorf("Failed to apply HPA %s: %v", spec.Name, err)
		return fmt.Errorf("failed to apply hpa %s: %w", spec.Name, err)
	}
	m.logger.Infof("Applied HPA %s (min=%d max=%d cpu=%d%%)",
		spec.Name, spec.MinReplicas, spec.MaxReplicas, spec.TargetCPUPercent)
	return nil
}

// GetMetrics surfaces the current scaling state of an autoscaler. An absent
// HPA returns ErrNotFound.
func (m *AutoscalerManager) GetMetrics(ctx context.Context, name string) (ScalingMetrics, error) {
	h, err := m.cp.GetHPA(ctx, name)
	if err != nil {
		return ScalingMetrics{}, err
	}
	return metricsFromHPA(h), nil
}

// Delete removes an autoscaler; an absent HPA is success. Callers must
// delete the HPA before (or together with) its deployment so the autoscaler
// is never left acting on a disappearing target.
func (m *AutoscalerManager) Delete(ctx context.Context, name string) error {
	if err := m.cp.DeleteHPA(ctx, name); err != nil {
		return fmt.Errorf("failed to delete hpa %s: %w", name, err)
	}
	m.logger.Infof("Deleted HPA: %s", name)
	return nil
}

func metricsFromHPA(h *autoscalingv2.HorizontalPodAutoscaler) ScalingMetrics {
	out := ScalingMetrics{
		Name:            h.Name,
		CurrentReplicas: h.Status.CurrentReplicas,
		DesiredReplicas: h.Status.DesiredReplicas,
	}

	for _, m := range h.Status.CurrentMetrics {
		if m.Type != autoscalingv2.ResourceMetricSourceType || m.Resource == nil {
			continue
		}
		switch m.Resource.Name {
		case corev1.ResourceCPU:
			out.CurrentCPUPercent = m.Resource.Current.AverageUtilization
		case corev1.ResourceMemory:
			out.CurrentMemoryPercent = m.Resource.Current.AverageUtilization
		}
	}

	for _, c := range h.Status.Conditions {
		out.Conditions = append(out.Conditions, Condition{
			Type:    string(c.Type),
			Status:  string(c.Status),
			Reason:  c.Reason,
			Message: c.Message,
		})
	}
	return out
}
