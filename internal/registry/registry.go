// Package registry holds the descriptor set for containerized tools.
//
// Descriptors are owned by whoever parses the manifest; the engine reads
// them only. The registry validates and defaults entries on the way in and
// swaps the whole table atomically on reload, so concurrent readers never
// observe a partially loaded manifest.
package registry

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"sigs.k8s.io/yaml"
)

// ErrUnknownTool is returned when a tool id is not in the registry.
var ErrUnknownTool = errors.New("unknown tool")

// Registry is a thread-safe table of tool descriptors keyed by tool id.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]ToolDescriptor
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{tools: make(map[string]ToolDescriptor)}
}

// Register validates, defaults and stores a single descriptor, replacing any
// existing entry with the same tool id.
func (r *Registry) Register(d ToolDescriptor) error {
	if err := validate(&d); err != nil {
		return err
	}

	r.mu.Lock()
	r.tools[d.ToolID] = d
	r.mu.Unlock()
	return nil
}

// Get returns a copy of the descriptor for a tool id.
func (r *Registry) Get(toolID string) (ToolDescriptor, error) {
	r.mu.RLock()
	d, ok := r.tools[toolID]
	r.mu.RUnlock()

	if !ok {
		return ToolDescriptor{}, fmt.Errorf("%w: %s", ErrUnknownTool, toolID)
	}
	return d, nil
}

// List returns all descriptors sorted by tool id.
func (r *Registry) List() []ToolDescriptor {
	r.mu.RLock()
	out := make([]ToolDescriptor, 0, len(r.tools))
	for _, d := range r.tools {
		out = append(out, d)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ToolID < out[j].ToolID })
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// LoadFromFile loads a manifest from a YAML or JSON file.
func (r *Registry) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return r.LoadFromBytes(data)
}

// LoadFromBytes parses and validates a manifest and replaces the whole table
// with its contents. A manifest that fails validation leaves the current
// table untouched.
func (r *Registry) LoadFromBytes(data []byte) error {
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("failed to parse tool manifest: %w", err)
	}

	tools := make(map[string]ToolDescriptor, len(manifest.Tools))
	for i := range manifest.Tools {
		d := manifest.Tools[i]
		if err := validate(&d); err != nil {
			return fmt.Errorf("tool %q: %w", d.ToolID, err)
		}
		if _, dup := tools[d.ToolID]; dup {
			return fmt.Errorf("duplicate tool id %q in manifest", d.ToolID)
		}
		tools[d.ToolID] = d
	}

	r.mu.Lock()
	r.tools = tools
	r.mu.Unlock()
	return nil
}

func validate(d *ToolDescriptor) error {
	if d.ToolID == "" {
		return errors.New("toolId is required")
	}
	if d.Image == "" {
		return errors.New("image is required")
	}
	if d.Port == 0 {
		d.Port = DefaultPort
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("port %d out of range", d.Port)
	}
	if d.Name == "" {
		d.Name = d.ToolID
	}
	if d.HealthCheckPath == "" {
		d.HealthCheckPath = DefaultHealthCheckPath
	}
	if d.TimeoutSeconds <= 0 {
		d.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = DefaultMaxAttempts
	}

	if p := d.Autoscaling; p != nil && p.Enabled {
		if p.MinReplicas < 1 {
			return fmt.Errorf("autoscaling minReplicas must be >= 1, got %d", p.MinReplicas)
		}
		if p.MaxReplicas < p.MinReplicas {
			return fmt.Errorf("autoscaling maxReplicas %d below minReplicas %d", p.MaxReplicas, p.MinReplicas)
		}
		if p.TargetCPUPercent < 1 || p.TargetCPUPercent > 100 {
			return fmt.Errorf("autoscaling targetCpuPercent must be 1-100, got %d", p.TargetCPUPercent)
		}
		if p.TargetMemoryPercent != nil && (*p.TargetMemoryPercent < 1 || *p.TargetMemoryPercent > 100) {
			return fmt.Errorf("autoscaling targetMemoryPercent must be 1-100, got %d", *p.TargetMemoryPercent)
		}
	}
	return nil
}
