package kube

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	clienttesting "k8s.io/client-go/testing"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func calcSpec() DeploymentSpec {
	return DeploymentSpec{
		Name:          "tool-calc",
		Image:         "calc:v1",
		Replicas:      1,
		ContainerPort: 8080,
	}
}

func TestDeployCreatesDeploymentAndService(t *testing.T) {
	client := fake.NewSimpleClientset()
	m := NewDeploymentManager(NewClusterControlPlane(client, "tools"), testLogger())

	status, err := m.Deploy(context.Background(), calcSpec())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Name != "tool-calc" || status.Namespace != "tools" {
		t.Errorf("unexpected status identity %s/%s", status.Namespace, status.Name)
	}
	if status.DesiredReplicas != 1 {
		t.Errorf("expected desired replicas 1, got %d", status.DesiredReplicas)
	}
	// A fresh deployment has no available replicas yet.
	if status.Ready {
		t.Error("fresh deployment must not report ready")
	}

	if _, err := client.AppsV1().Deployments("tools").Get(context.Background(), "tool-calc", metav1.GetOptions{}); err != nil {
		t.Errorf("deployment not created: %v", err)
	}
	if _, err := client.CoreV1().Services("tools").Get(context.Background(), "tool-calc", metav1.GetOptions{}); err != nil {
		t.Errorf("companion service not created: %v", err)
	}
}

func TestDeployIsIdempotent(t *testing.T) {
	client := fake.NewSimpleClientset()
	m := NewDeploymentManager(NewClusterControlPlane(client, "tools"), testLogger())

	if _, err := m.Deploy(context.Background(), calcSpec()); err != nil {
		t.Fatalf("first deploy failed: %v", err)
	}

	updated := calcSpec()
	updated.Image = "calc:v2"
	if _, err := m.Deploy(context.Background(), updated); err != nil {
		t.Fatalf("second deploy failed: %v", err)
	}

	d, err := client.AppsV1().Deployments("tools").Get(context.Background(), "tool-calc", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := d.Spec.Template.Spec.Containers[0].Image; got != "calc:v2" {
		t.Errorf("expected second deploy to patch image, got %s", got)
	}

	// The existing apply path must go through patch, not a second create.
	patched := false
	for _, action := range client.Actions() {
		if action.GetVerb() == "patch" && action.GetResource().Resource == "deployments" {
			patched = true
		}
	}
	if !patched {
		t.Error("expected an existing deployment to be patched")
	}
}

func TestGetStatusReadiness(t *testing.T) {
	tests := []struct {
		name      string
		desired   int32
		available int32
		wantReady bool
	}{
		{"all available", 3, 3, true},
		{"partially available", 3, 1, false},
		{"scaled to zero", 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := fake.NewSimpleClientset(&appsv1.Deployment{
				ObjectMeta: metav1.ObjectMeta{Name: "tool-calc", Namespace: "tools"},
				Spec:       appsv1.DeploymentSpec{Replicas: &tt.desired},
				Status:     appsv1.DeploymentStatus{AvailableReplicas: tt.available},
			})
			m := NewDeploymentManager(NewClusterControlPlane(client, "tools"), testLogger())

			status, err := m.GetStatus(context.Background(), "tool-calc")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if status.Ready != tt.wantReady {
				t.Errorf("ready = %v, want %v (available %d/%d)",
					status.Ready, tt.wantReady, tt.available, tt.desired)
			}
		})
	}
}

func TestGetStatusNotFound(t *testing.T) {
	m := NewDeploymentManager(NewClusterControlPlane(fake.NewSimpleClientset(), "tools"), testLogger())

	_, err := m.GetStatus(context.Background(), "tool-ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestScale(t *testing.T) {
	client := fake.NewSimpleClientset()
	m := NewDeploymentManager(NewClusterControlPlane(client, "tools"), testLogger())

	if _, err := m.Deploy(context.Background(), calcSpec()); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	if err := m.Scale(context.Background(), "tool-calc", 5); err != nil {
		t.Fatalf("scale failed: %v", err)
	}

	d, err := client.AppsV1().Deployments("tools").Get(context.Background(), "tool-calc", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *d.Spec.Replicas != 5 {
		t.Errorf("expected 5 replicas, got %d", *d.Spec.Replicas)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	client := fake.NewSimpleClientset()
	m := NewDeploymentManager(NewClusterControlPlane(client, "tools"), testLogger())

	if _, err := m.Deploy(context.Background(), calcSpec()); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	if err := m.Delete(context.Background(), "tool-calc"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	// Deleting resources that are already gone is success.
	if err := m.Delete(context.Background(), "tool-calc"); err != nil {
		t.Errorf("second delete should succeed, got %v", err)
	}
}

func TestDeployFailureReportsErrorStatus(t *testing.T) {
	client := fake.NewSimpleClientset()
	client.PrependReactor("create", "deployments", func(clienttesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("admission denied")
	})
	m := NewDeploymentManager(NewClusterControlPlane(client, "tools"), testLogger())

	status, err := m.Deploy(context.Background(), calcSpec())
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if status.Error == "" {
		t.Error("expected status to carry the error")
	}
}
