package registry

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRegisterAndGet(t *testing.T) {
	r := New()

	if err := r.Register(ToolDescriptor{ToolID: "calc", Image: "calc:v1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d, err := r.Get("calc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Port != DefaultPort {
		t.Errorf("expected default port %d, got %d", DefaultPort, d.Port)
	}
	if d.Name != "calc" {
		t.Errorf("expected name defaulted to tool id, got %q", d.Name)
	}
	if d.HealthCheckPath != "/health" {
		t.Errorf("expected default health path, got %q", d.HealthCheckPath)
	}
	if d.Timeout() != 30*time.Second {
		t.Errorf("expected default timeout 30s, got %v", d.Timeout())
	}
	if d.MaxAttempts != 3 {
		t.Errorf("expected default max attempts 3, got %d", d.MaxAttempts)
	}

	if _, err := r.Get("missing"); !errors.Is(err, ErrUnknownTool) {
		t.Errorf("expected ErrUnknownTool, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	mem := int32(150)

	tests := []struct {
		name        string
		desc        ToolDescriptor
		errContains string
	}{
		{
			name:        "missing tool id",
			desc:        ToolDescriptor{Image: "img:v1"},
			errContains: "toolId is required",
		},
		{
			name:        "missing image",
			desc:        ToolDescriptor{ToolID: "calc"},
			errContains: "image is required",
		},
		{
			name: "autoscaling min below one",
			desc: ToolDescriptor{
				ToolID: "calc", Image: "img:v1",
				Autoscaling: &AutoscalingPolicy{Enabled: true, MinReplicas: 0, MaxReplicas: 5, TargetCPUPercent: 80},
			},
			errContains: "minReplicas",
		},
		{
			name: "autoscaling max below min",
			desc: ToolDescriptor{
				ToolID: "calc", Image: "img:v1",
				Autoscaling: &AutoscalingPolicy{Enabled: true, MinReplicas: 5, MaxReplicas: 2, TargetCPUPercent: 80},
			},
			errContains: "maxReplicas",
		},
		{
			name: "autoscaling cpu out of range",
			desc: ToolDescriptor{
				ToolID: "calc", Image: "img:v1",
				Autoscaling: &AutoscalingPolicy{Enabled: true, MinReplicas: 1, MaxReplicas: 5, TargetCPUPercent: 120},
			},
			errContains: "targetCpuPercent",
		},
		{
			name: "autoscaling memory out of range",
			desc: ToolDescriptor{
				ToolID: "calc", Image: "img:v1",
				Autoscaling: &AutoscalingPolicy{Enabled: true, MinReplicas: 1, MaxReplicas: 5, TargetCPUPercent: 80, TargetMemoryPercent: &mem},
			},
			errContains: "targetMemoryPercent",
		},
		{
			name: "disabled autoscaling skips bounds",
			desc: ToolDescriptor{
				ToolID: "calc", Image: "img:v1",
				Autoscaling: &AutoscalingPolicy{Enabled: false},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New().Register(tt.desc)
			if tt.errContains == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("expected error containing %q, got %q", tt.errContains, err.Error())
			}
		})
	}
}

func TestLoadFromBytes(t *testing.T) {
	manifest := `
tools:
  - toolId: weather_api
    image: weather:v2
    port: 9000
    timeoutSeconds: 10
    autoscaling:
      enabled: true
      minReplicas: 2
      maxReplicas: 6
      targetCpuPercent: 70
  - toolId: calc
    image: calc:v1
`
	r := New()
	if err := r.LoadFromBytes([]byte(manifest)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Len() != 2 {
		t.Fatalf("expected 2 tools, got %d", r.Len())
	}

	d, err := r.Get("weather_api")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Port != 9000 {
		t.Errorf("expected port 9000, got %d", d.Port)
	}
	if d.Timeout() != 10*time.Second {
		t.Errorf("expected timeout 10s, got %v", d.Timeout())
	}
	if d.Autoscaling == nil || !d.Autoscaling.Enabled {
		t.Fatal("expected autoscaling enabled")
	}
	if d.Autoscaling.ScaleDownStabilization() != DefaultScaleDownStabilizationSeconds {
		t.Errorf("expected default scale-down window, got %d", d.Autoscaling.ScaleDownStabilization())
	}
	if d.Autoscaling.ScaleUpStabilization() != DefaultScaleUpStabilizationSeconds {
		t.Errorf("expected immediate scale-up, got %d", d.Autoscaling.ScaleUpStabilization())
	}

	list := r.List()
	if list[0].ToolID != "calc" || list[1].ToolID != "weather_api" {
		t.Errorf("expected sorted list, got %v, %v", list[0].ToolID, list[1].ToolID)
	}
}

func TestLoadFromBytesRejectsDuplicates(t *testing.T) {
	manifest := `
tools:
  - toolId: calc
    image: calc:v1
  - toolId: calc
    image: calc:v2
`
	r := New()
	if err := r.Register(ToolDescriptor{ToolID: "existing", Image: "img:v1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := r.LoadFromBytes([]byte(manifest))
	if err == nil {
		t.Fatal("expected duplicate error, got nil")
	}

	// A rejected manifest must not disturb the current table.
	if _, err := r.Get("existing"); err != nil {
		t.Errorf("existing entry lost after failed load: %v", err)
	}
	if r.Len() != 1 {
		t.Errorf("expected 1 tool after failed load, got %d", r.Len())
	}
}

func TestLoadFromBytesInvalidEntryLeavesTableUntouched(t *testing.T) {
	r := New()
	if err := r.Register(ToolDescriptor{ToolID: "existing", Image: "img:v1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	manifest := `
tools:
  - toolId: broken
`
	if err := r.LoadFromBytes([]byte(manifest)); err == nil {
		t.Fatal("expected validation error, got nil")
	}
	if r.Len() != 1 {
		t.Errorf("expected table untouched, got %d tools", r.Len())
	}
}
