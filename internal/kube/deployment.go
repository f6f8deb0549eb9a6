package kube

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	appsv1 "k8s.io/api/apps/v1"
)

// DeploymentManager converges one tool's container deployment and its
// companion service toward a DeploymentSpec.
type DeploymentManager struct {
	cp     ControlPlane
	logger *zap.SugaredLogger
}

// NewDeploymentManager creates a manager bound to a control plane.
func NewDeploymentManager(cp ControlPlane, logger *zap.SugaredLogger) *DeploymentManager {
	return &DeploymentManager{cp: cp, logger: logger}
}

// Deploy applies the spec idempotently: creation on first call, an in-place
// patch when the deployment already exists. The companion service is created
// alongside so other components can reach the tool by a stable name. The
// returned status reflects the control plane's observation after the apply.
func (m *DeploymentManager) Deploy(ctx context.Context, spec DeploymentSpec) (DeploymentStatus, error) {
	deployment, err := BuildDeployment(m.cp.Namespace(), spec)
	if err != nil {
		return m.failedStatus(spec.Name, err), err
	}

	if err := m.cp.ApplyDeployment(ctx, deployment); err != nil {
		m.logger.Errorf("Failed to apply deployment %s: %v", spec.Name, err)
		return m.failedStatus(spec.Name, err), fmt.Errorf("failed to apply deployment %s: %w", spec.Name, err)
	}
	m.logger.Infof("Applied deployment %s (replicas=%d)", spec.Name, spec.Replicas)

	if err := m.cp.ApplyService(ctx, BuildService(m.cp.Namespace(), spec)); err != nil {
		m.logger.Errorf("Failed to apply service %s: %v", spec.Name, err)
		return m.failedStatus(spec.Name, err), fmt.Errorf("failed to apply service %s: %w", spec.Name, err)
	}

	status, err := m.GetStatus(ctx, spec.Name)
	if errors.Is(err, ErrNotFound) {
		// Applied but not observable yet; report what is known.
		return DeploymentStatus{
			Name:            spec.Name,
			Namespace:       m.cp.Namespace(),
			DesiredReplicas: spec.Replicas,
		}, nil
	}
	return status, err
}

// GetStatus reports the observed state of a deployment. Ready means
// available replicas cover the declared desired count. An absent deployment
// returns ErrNotFound rather than a default status.
func (m *DeploymentManager) GetStatus(ctx context.Context, name string) (DeploymentStatus, error) {
	d, err := m.cp.GetDeployment(ctx, name)
	if err != nil {
		return DeploymentStatus{}, err
	}
	return statusFromDeployment(m.cp.Namespace(), d), nil
}

// Scale patches the replica count directly, without reapplying the spec.
func (m *DeploymentManager) Scale(ctx context.Context, name string, replicas int32) error {
	if err := m.cp.ScaleDeployment(ctx, name, replicas); err != nil {
		return fmt.Errorf("failed to scale deployment %s to %d: %w", name, replicas, err)
	}
	m.logger.Infof("Scaled deployment %s to %d replicas", name, replicas)
	return nil
}

// Delete removes the deployment and its companion service as a unit.
// Deleting resources that are already gone is success.
func (m *DeploymentManager) Delete(ctx context.Context, name string) error {
	if err := m.cp.DeleteDeployment(ctx, name); err != nil {
		return fmt.Errorf("failed to delete deployment %s: %w", name, err)
	}
	if err := m.cp.DeleteService(ctx, name); err != nil {
		return fmt.Errorf("failed to delete service %s: %w", name, err)
	}
	m.logger.Infof("Deleted deployment and service: %s", name)
	return nil
}

func (m *DeploymentManager) failedStatus(name string, err error) DeploymentStatus {
	return DeploymentStatus{
		Name:      name,
		Namespace: m.cp.Namespace(),
		Error:     err.Error(),
	}
}

func statusFromDeployment(namespace string, d *appsv1.Deployment) DeploymentStatus {
	desired := int32(0)
	if d.Spec.Replicas != nil {
		desired = *d.Spec.Replicas
	}

	conditions := make([]Condition, 0, len(d.Status.Conditions))
	for _, c := range d.Status.Conditions {
		conditions = append(conditions, Condition{
			Type:    string(c.Type),
			Status:  string(c.Status),
			Reason:  c.Reason,
			Message: c.Message,
		})
	}

	return DeploymentStatus{
		Name:              d.Name,
		Namespace:         namespace,
		Ready:             d.Status.AvailableReplicas >= desired && desired > 0,
		AvailableReplicas: d.Status.AvailableReplicas,
		DesiredReplicas:   desired,
		UpdatedReplicas:   d.Status.UpdatedReplicas,
		Conditions:        conditions,
	}
}
