package main

import (
	"context"
	"flag"
	"os"
	"time"

	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"

	"github.com/toolmesh/toolmesh/internal/kube"
	"github.com/toolmesh/toolmesh/internal/orchestrator"
	"github.com/toolmesh/toolmesh/internal/registry"
	"github.com/toolmesh/toolmesh/pkg/logging"
)

func main() {
	var (
		manifestFile string
		namespace    string
		kubeconfig   string
		dryRun       bool
		action       string
		tool         string
		timeout      time.Duration

		cpuRequest    string
		cpuLimit      string
		memoryRequest string
		memoryLimit   string
	)

	flag.StringVar(&manifestFile, "manifest", "/etc/toolmesh/tools.yaml", "Path to tool manifest file")
	flag.StringVar(&namespace, "namespace", "default", "Namespace for tool workloads")
	flag.StringVar(&kubeconfig, "kubeconfig", "", "Path to kubeconfig (empty = in-cluster or default)")
	flag.BoolVar(&dryRun, "dry-run", false, "Run against an in-memory control plane instead of a cluster")
	flag.StringVar(&action, "action", "deploy", "Action to run (deploy, undeploy, status)")
	flag.StringVar(&tool, "tool", "", "Limit the action to one tool id (empty = all tools)")
	flag.DurationVar(&timeout, "timeout", 5*time.Minute, "Overall action timeout")
	flag.StringVar(&cpuRequest, "cpu-request", "", "Default CPU request for tools without one")
	flag.StringVar(&cpuLimit, "cpu-limit", "", "Default CPU limit for tools without one")
	flag.StringVar(&memoryRequest, "memory-request", "", "Default memory request for tools without one")
	flag.StringVar(&memoryLimit, "memory-limit", "", "Default memory limit for tools without one")
	flag.Parse()

	logger := logging.NewLogger("orchestrator")
	defer func() { _ = logger.Sync() }()

	reg := registry.New()
	if err := reg.LoadFromFile(manifestFile); err != nil {
		logger.Fatalf("Failed to load manifest from %s: %v", manifestFile, err)
	}
	logger.Infof("Loaded %d tools from %s", reg.Len(), manifestFile)

	var cp kube.ControlPlane
	if dryRun {
		logger.Info("Dry-run mode: no cluster will be touched")
		cp = kube.NewDryRunControlPlane(namespace)
	} else {
		restConfig, err := kube.LoadRESTConfig(kubeconfig)
		if err != nil {
			logger.Fatalf("Failed to load cluster configuration: %v", err)
		}
		client, err := kubernetes.NewForConfig(restConfig)
		if err != nil {
			logger.Fatalf("Failed to create cluster client: %v", err)
		}
		cp = kube.NewClusterControlPlane(client, namespace)
	}

	cfg := orchestrator.DefaultConfig(namespace)
	if cpuRequest != "" {
		cfg.DefaultCPURequest = cpuRequest
	}
	if cpuLimit != "" {
		cfg.DefaultCPULimit = cpuLimit
	}
	if memoryRequest != "" {
		cfg.DefaultMemoryRequest = memoryRequest
	}
	if memoryLimit != "" {
		cfg.DefaultMemoryLimit = memoryLimit
	}

	orch := orchestrator.New(cfg, reg, cp, logger)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	failed := 0
	switch action {
	case "deploy":
		failed = runDeploy(ctx, logger, orch, tool)
	case "undeploy":
		failed = runUndeploy(ctx, logger, orch, tool)
	case "status":
		failed = runStatus(ctx, logger, orch, tool)
	default:
		logger.Fatalf("Unknown action %q (want deploy, undeploy or status)", action)
	}

	if failed > 0 {
		logger.Errorf("%d tool(s) failed", failed)
		os.Exit(1)
	}
}

func runDeploy(ctx context.Context, logger *zap.SugaredLogger, orch *orchestrator.Orchestrator, tool string) int {
	if tool != "" {
		status, err := orch.DeployTool(ctx, tool)
		if err != nil {
			return 1
		}
		logger.Infof("Deployed %s: ready=%v available=%d/%d url=%s",
			tool, status.Ready, status.AvailableReplicas, status.DesiredReplicas, orch.ServiceURL(tool))
		return 0
	}

	failed := 0
	for _, res := range orch.DeployAllTools(ctx) {
		if res.Err != nil {
			failed++
			continue
		}
		logger.Infof("Deployed %s: ready=%v available=%d/%d url=%s",
			res.ToolID, res.Status.Ready, res.Status.AvailableReplicas, res.Status.DesiredReplicas,
			orch.ServiceURL(res.ToolID))
	}
	return failed
}

func runUndeploy(ctx context.Context, logger *zap.SugaredLogger, orch *orchestrator.Orchestrator, tool string) int {
	if tool != "" {
		if err := orch.UndeployTool(ctx, tool); err != nil {
			return 1
		}
		return 0
	}

	failed := 0
	for _, res := range orch.UndeployAllTools(ctx) {
		if res.Err != nil {
			failed++
		}
	}
	return failed
}

func runStatus(ctx context.Context, logger *zap.SugaredLogger, orch *orchestrator.Orchestrator, tool string) int {
	if tool != "" {
		status, err := orch.ToolStatus(ctx, tool)
		if err != nil {
			return 1
		}
		logger.Infof("%s: ready=%v available=%d/%d", tool, status.Ready, status.AvailableReplicas, status.DesiredReplicas)
		return 0
	}

	failed := 0
	for toolID, status := range orch.AllToolStatuses(ctx) {
		if status.Error != "" {
			failed++
		}
		logger.Infof("%s: ready=%v available=%d/%d error=%q",
			toolID, status.Ready, status.AvailableReplicas, status.DesiredReplicas, status.Error)
	}
	return failed
}
