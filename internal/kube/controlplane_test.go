package kube

import (
	"context"
	"errors"
	"testing"

	"k8s.io/utils/ptr"
)

func TestDryRunDeploymentLifecycle(t *testing.T) {
	cp := NewDryRunControlPlane("tools")
	m := NewDeploymentManager(cp, testLogger())

	spec := calcSpec()
	spec.Replicas = 2

	status, err := m.Deploy(context.Background(), spec)
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	// Dry-run reports desired state as already reached.
	if !status.Ready {
		t.Error("dry-run deployment should report ready")
	}
	if status.AvailableReplicas != 2 || status.DesiredReplicas != 2 {
		t.Errorf("unexpected replica counts %d/%d", status.AvailableReplicas, status.DesiredReplicas)
	}

	if err := m.Scale(context.Background(), "tool-calc", 4); err != nil {
		t.Fatalf("scale failed: %v", err)
	}
	status, err = m.GetStatus(context.Background(), "tool-calc")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.DesiredReplicas != 4 || status.AvailableReplicas != 4 {
		t.Errorf("expected scale to 4 reflected, got %d/%d", status.AvailableReplicas, status.DesiredReplicas)
	}

	if err := m.Delete(context.Background(), "tool-calc"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := m.GetStatus(context.Background(), "tool-calc"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestDryRunScaleMissingDeployment(t *testing.T) {
	cp := NewDryRunControlPlane("tools")
	if err := cp.ScaleDeployment(context.Background(), "tool-ghost", 3); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDryRunHPAReportsTargetMetrics(t *testing.T) {
	cp := NewDryRunControlPlane("tools")
	m := NewAutoscalerManager(cp, testLogger())

	spec := calcHPASpec()
	spec.MinReplicas = 2
	spec.TargetMemoryPercent = ptr.To(int32(60))

	if err := m.CreateOrUpdate(context.Background(), spec); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	metrics, err := m.GetMetrics(context.Background(), "tool-calc")
	if err != nil {
		t.Fatalf("metrics failed: %v", err)
	}
	if metrics.CurrentReplicas != 2 || metrics.DesiredReplicas != 2 {
		t.Errorf("expected min replicas reported, got %d/%d", metrics.CurrentReplicas, metrics.DesiredReplicas)
	}
	if metrics.CurrentCPUPercent == nil || *metrics.CurrentCPUPercent != 80 {
		t.Errorf("expected cpu sitting at target 80, got %v", metrics.CurrentCPUPercent)
	}
	if metrics.CurrentMemoryPercent == nil || *metrics.CurrentMemoryPercent != 60 {
		t.Errorf("expected memory sitting at target 60, got %v", metrics.CurrentMemoryPercent)
	}

	if err := m.Delete(context.Background(), "tool-calc"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := m.GetMetrics(context.Background(), "tool-calc"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}
