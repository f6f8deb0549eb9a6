// Package discovery resolves tool ids to network endpoints.
//
// A Discovery instance operates in exactly one mode, fixed at construction:
// static (explicit registrations), kubernetes (cluster-DNS FQDN resolution)
// or compose (container-network name resolution). Resolved endpoints are
// cached per instance with a TTL; there is no process-wide cache.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/toolmesh/toolmesh/internal/metrics"
)

// Mode selects the resolution strategy.
type Mode string

const (
	// ModeStatic resolves from explicit in-memory registrations.
	ModeStatic Mode = "static"
	// ModeKubernetes resolves <service>.<namespace>.svc.cluster.local.
	ModeKubernetes Mode = "kubernetes"
	// ModeCompose resolves the bare service name on the container network.
	ModeCompose Mode = "compose"
)

// ErrNotFound is returned when a tool has no resolvable endpoint.
var ErrNotFound = errors.New("service endpoint not found")

// Endpoint is a resolved network location for a tool. Endpoints are
// ephemeral: they are recomputed per call or served from the TTL cache,
// never persisted.
type Endpoint struct {
	ToolID   string
	Host     string
	Port     int32
	Healthy  bool
	Source   string
	Metadata map[string]string
}

// URL returns the HTTP base URL for the endpoint.
func (e *Endpoint) URL() string {
	return fmt.Sprintf("http://%s:%d", e.Host, e.Port)
}

// Config holds discovery construction parameters.
type Config struct {
	Mode          Mode
	Namespace     string
	ServiceSuffix string
	// ServicePort is the port assumed for resolved services.
	ServicePort int32
	// CacheTTL bounds how long a resolved endpoint is trusted.
	CacheTTL time.Duration
	// DiscoverAllLimit bounds concurrent resolutions in DiscoverAll.
	DiscoverAllLimit int
}

// DefaultConfig returns discovery defaults for the given mode.
func DefaultConfig(mode Mode) Config {
	return Config{
		Mode:             mode,
		Namespace:        "default",
		ServicePort:      80,
		CacheTTL:         60 * time.Second,
		DiscoverAllLimit: 8,
	}
}

// hostResolver is the name-resolution dependency, injectable for tests.
// *net.Resolver satisfies it.
type hostResolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

type cacheEntry struct {
	endpoint  Endpoint
	refreshed time.Time
}

// Discovery resolves tool service locations under a fixed mode.
type Discovery struct {
	cfg      Config
	logger   *zap.SugaredLogger
	resolver hostResolver
	now      func() time.Time

	mu     sync.RWMutex
	static map[string]Endpoint
	cache  map[string]cacheEntry
}

// New creates a Discovery for the given configuration.
func New(cfg Config, logger *zap.SugaredLogger) *Discovery {
	if cfg.ServicePort <= 0 {
		cfg.ServicePort = 80
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 60 * time.Second
	}
	if cfg.DiscoverAllLimit <= 0 {
		cfg.DiscoverAllLimit = 8
	}

	return &Discovery{
		cfg:      cfg,
		logger:   logger,
		resolver: net.DefaultResolver,
		now:      time.Now,
		static:   make(map[string]Endpoint),
		cache:    make(map[string]cacheEntry),
	}
}

// Mode returns the configured discovery mode.
func (d *Discovery) Mode() Mode {
	return d.cfg.Mode
}

// RegisterStatic adds an explicit endpoint for static mode.
func (d *Discovery) RegisterStatic(toolID, host string, port int32, metadata map[string]string) {
	d.mu.Lock()
	d.static[toolID] = Endpoint{
		ToolID:   toolID,
		Host:     host,
		Port:     port,
		Healthy:  true,
		Source:   string(ModeStatic),
		Metadata: metadata,
	}
	d.mu.Unlock()
}

// Discover resolves the endpoint for a tool. serviceName is the location
// hint (typically the tool's service name); it is ignored in static mode.
func (d *Discovery) Discover(ctx context.Context, toolID, serviceName string) (*Endpoint, error) {
	if ep, ok := d.cached(toolID); ok {
		return ep, nil
	}

	ep, err := d.resolve(ctx, toolID, serviceName)
	if err != nil {
		metrics.RecordDiscoveryLookup(string(d.cfg.Mode), "miss")
		return nil, err
	}
	metrics.RecordDiscoveryLookup(string(d.cfg.Mode), "hit")

	// Only trustworthy resolutions enter the cache; an unresolved compose
	// endpoint should be retried on the next call.
	if ep.Healthy {
		d.mu.Lock()
		d.cache[toolID] = cacheEntry{endpoint: *ep, refreshed: d.now()}
		d.mu.Unlock()
	}
	return ep, nil
}

func (d *Discovery) resolve(ctx context.Context, toolID, serviceName string) (*Endpoint, error) {
	switch d.cfg.Mode {
	case ModeStatic:
		d.mu.RLock()
		ep, ok := d.static[toolID]
		d.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, toolID)
		}
		return &ep, nil

	case ModeKubernetes:
		fqdn := fmt.Sprintf("%s%s.%s.svc.cluster.local", serviceName, d.cfg.ServiceSuffix, d.cfg.Namespace)
		if _, err := d.resolver.LookupHost(ctx, fqdn); err != nil {
			// Resolution failure is expected while a tool is not deployed.
			d.logger.Warnf("DNS resolution failed for %s: %v", fqdn, err)
			return nil, fmt.Errorf("%w: %s", ErrNotFound, toolID)
		}
		return &Endpoint{
			ToolID:   toolID,
			Host:     fqdn,
			Port:     d.cfg.ServicePort,
			Healthy:  true,
			Source:   string(ModeKubernetes),
			Metadata: map[string]string{"discoveredVia": "kubernetes_dns"},
		}, nil

	case ModeCompose:
		host := serviceName + d.cfg.ServiceSuffix
		if _, err := d.resolver.LookupHost(ctx, host); err != nil {
			// Compose services may simply not be up yet; report the
			// endpoint as unhealthy rather than unknown.
			return &Endpoint{
				ToolID:   toolID,
				Host:     host,
				Port:     d.cfg.ServicePort,
				Healthy:  false,
				Source:   string(ModeCompose),
				Metadata: map[string]string{"discoveredVia": "compose_network", "dnsResolved": "false"},
			}, nil
		}
		return &Endpoint{
			ToolID:   toolID,
			Host:     host,
			Port:     d.cfg.ServicePort,
			Healthy:  true,
			Source:   string(ModeCompose),
			Metadata: map[string]string{"discoveredVia": "compose_network"},
		}, nil

	default:
		return nil, fmt.Errorf("%w: unsupported discovery mode %q", ErrNotFound, d.cfg.Mode)
	}
}

// DiscoverAll resolves a batch of tools concurrently. The result preserves
// every input key; tools that failed to resolve map to nil.
func (d *Discovery) DiscoverAll(ctx context.Context, tools map[string]string) map[string]*Endpoint {
	results := make(map[string]*Endpoint, len(tools))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.DiscoverAllLimit)

	for toolID, serviceName := range tools {
		g.Go(func() error {
			ep, err := d.Discover(ctx, toolID, serviceName)
			if err != nil {
				ep = nil
			}
			mu.Lock()
			results[toolID] = ep
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()
	return results
}

// ClearCache drops all cached endpoints.
func (d *Discovery) ClearCache() {
	d.mu.Lock()
	d.cache = make(map[string]cacheEntry)
	d.mu.Unlock()
}

func (d *Discovery) cached(toolID string) (*Endpoint, bool) {
	d.mu.RLock()
	entry, ok := d.cache[toolID]
	d.mu.RUnlock()

	if !ok || d.now().Sub(entry.refreshed) >= d.cfg.CacheTTL {
		return nil, false
	}
	ep := entry.endpoint
	return &ep, true
}

// ServiceNameFor derives a DNS-safe service name from a tool id: lowercased,
// every non-alphanumeric run collapsed to a single dash. Deploy-side resource
// naming builds on the same normalization, so the name resolved here is the
// name that was deployed.
func ServiceNameFor(toolID string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(toolID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if !dash {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}
