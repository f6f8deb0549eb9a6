package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/toolmesh/toolmesh/internal/api"
	"github.com/toolmesh/toolmesh/internal/discovery"
	"github.com/toolmesh/toolmesh/internal/metrics"
	"github.com/toolmesh/toolmesh/internal/registry"
	"github.com/toolmesh/toolmesh/internal/router"
	"github.com/toolmesh/toolmesh/pkg/logging"
)

func main() {
	var (
		addr          string
		metricsAddr   string
		manifestFile  string
		discoveryMode string
		namespace     string
		serviceSuffix string
		servicePort   int
		cacheTTL      time.Duration

		requestTimeout   time.Duration
		connectTimeout   time.Duration
		maxAttempts      int
		retryMinWait     time.Duration
		retryMaxWait     time.Duration
		breakerThreshold int
		breakerWindow    time.Duration
		breakerCooldown  time.Duration
	)

	flag.StringVar(&addr, "addr", ":8080", "HTTP listen address")
	flag.StringVar(&metricsAddr, "metrics-addr", ":9090", "Metrics listen address")
	flag.StringVar(&manifestFile, "manifest", "/etc/toolmesh/tools.yaml", "Path to tool manifest file")
	flag.StringVar(&discoveryMode, "discovery-mode", "kubernetes", "Service discovery mode (static, kubernetes, compose)")
	flag.StringVar(&namespace, "namespace", "default", "Namespace for cluster DNS resolution")
	flag.StringVar(&serviceSuffix, "service-suffix", "", "Suffix appended to resolved service names")
	flag.IntVar(&servicePort, "service-port", 80, "Port assumed for resolved services")
	flag.DurationVar(&cacheTTL, "cache-ttl", 60*time.Second, "Endpoint cache TTL")
	flag.DurationVar(&requestTimeout, "request-timeout", 30*time.Second, "Default request timeout for tool calls")
	flag.DurationVar(&connectTimeout, "connect-timeout", 5*time.Second, "Connection timeout for tool calls")
	flag.IntVar(&maxAttempts, "max-attempts", 3, "Default total attempts per invocation")
	flag.DurationVar(&retryMinWait, "retry-min-wait", 100*time.Millisecond, "Wait before the first retry")
	flag.DurationVar(&retryMaxWait, "retry-max-wait", 10*time.Second, "Upper bound on the retry backoff")
	flag.IntVar(&breakerThreshold, "breaker-threshold", 5, "Consecutive transient failures that open a tool's circuit")
	flag.DurationVar(&breakerWindow, "breaker-window", 60*time.Second, "Rolling window for counting consecutive failures")
	flag.DurationVar(&breakerCooldown, "breaker-cooldown", 30*time.Second, "How long an open circuit rejects calls")
	flag.Parse()

	logger := logging.NewLogger("router")
	defer func() { _ = logger.Sync() }()

	logger.Infof("Starting tool router on %s (discovery=%s, metrics=%s)", addr, discoveryMode, metricsAddr)

	reg := registry.New()
	if err := reg.LoadFromFile(manifestFile); err != nil {
		logger.Warnf("Failed to load manifest from %s: %v", manifestFile, err)
	} else {
		logger.Infof("Loaded %d tools from %s", reg.Len(), manifestFile)
	}

	discoveryCfg := discovery.DefaultConfig(discovery.Mode(discoveryMode))
	discoveryCfg.Namespace = namespace
	discoveryCfg.ServiceSuffix = serviceSuffix
	discoveryCfg.ServicePort = int32(servicePort)
	discoveryCfg.CacheTTL = cacheTTL
	disc := discovery.New(discoveryCfg, logger)

	routerCfg := router.DefaultConfig()
	routerCfg.RequestTimeout = requestTimeout
	routerCfg.ConnectTimeout = connectTimeout
	routerCfg.MaxAttempts = maxAttempts
	routerCfg.RetryMinWait = retryMinWait
	routerCfg.RetryMaxWait = retryMaxWait
	routerCfg.BreakerThreshold = breakerThreshold
	routerCfg.BreakerWindow = breakerWindow
	routerCfg.BreakerCooldown = breakerCooldown
	rt := router.New(routerCfg, logger, router.WithObserver(router.NewLogObserver(logger)))

	registerEndpoints(context.Background(), logger, reg, disc, rt)

	go watchManifest(logger, manifestFile, reg, disc, rt)

	handler := api.NewHandler(reg, rt, logger)

	mux := http.NewServeMux()
	mux.Handle("/v1/", handler)
	mux.Handle("/healthz", handler)

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: requestTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	metricsServer := &http.Server{
		Addr:         metricsAddr,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Server error: %v", err)
		}
	}()

	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("Metrics server error: %v", err)
		}
	}()

	logger.Infof("Tool router listening on %s (metrics on %s)", addr, metricsAddr)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down servers...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("Server shutdown error: %v", err)
	}
	if err := metricsServer.Shutdown(ctx); err != nil {
		logger.Errorf("Metrics server shutdown error: %v", err)
	}

	logger.Info("Servers stopped")
}

// registerEndpoints resolves every registered tool and installs its routing
// endpoint, carrying the descriptor's per-call budget. Tools that do not
// resolve are skipped until the next reload.
func registerEndpoints(ctx context.Context, logger *zap.SugaredLogger, reg *registry.Registry, disc *discovery.Discovery, rt *router.Router) {
	tools := make(map[string]string)
	budgets := make(map[string]registry.ToolDescriptor)
	for _, desc := range reg.List() {
		tools[desc.ToolID] = "tool-" + discovery.ServiceNameFor(desc.ToolID)
		budgets[desc.ToolID] = desc
	}

	resolved := disc.DiscoverAll(ctx, tools)

	registered := 0
	for toolID, ep := range resolved {
		if ep == nil {
			logger.Warnf("No endpoint for tool %s, skipping registration", toolID)
			rt.Deregister(toolID)
			continue
		}
		desc := budgets[toolID]
		rt.RegisterEndpoint(toolID, router.Endpoint{
			BaseURL:     ep.URL(),
			Timeout:     desc.Timeout(),
			MaxAttempts: desc.MaxAttempts,
		})
		registered++
	}
	logger.Infof("Registered %d/%d tool endpoints", registered, len(tools))
}

func watchManifest(logger *zap.SugaredLogger, path string, reg *registry.Registry, disc *discovery.Discovery, rt *router.Router) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Errorf("Failed to create file watcher: %v", err)
		return
	}
	defer func() { _ = watcher.Close() }()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		logger.Errorf("Failed to watch directory %s: %v", dir, err)
		return
	}

	logger.Infof("Watching %s for changes", path)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				logger.Info("Manifest changed, reloading...")

				// Small delay to ensure file is fully written
				time.Sleep(100 * time.Millisecond)

				if err := reg.LoadFromFile(path); err != nil {
					logger.Errorf("Failed to reload manifest: %v", err)
					continue
				}
				disc.ClearCache()
				registerEndpoints(context.Background(), logger, reg, disc, rt)
				logger.Infof("Manifest reloaded, %d tools registered", reg.Len())
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Errorf("File watcher error: %v", err)
		}
	}
}
