// Package router dispatches tool invocations to containerized tool services.
//
// The router holds an explicit tool-id to base-URL table populated by the
// caller (directly or via discovery). Each invocation applies connect and
// request timeouts, retries transient failures with exponential backoff, and
// is guarded by a per-tool circuit breaker. Failures are converted into
// Response values; Invoke never panics and never returns an error.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/toolmesh/toolmesh/internal/metrics"
)

// Config holds per-router-instance dispatch policy.
type Config struct {
	// RequestTimeout bounds each individual attempt.
	RequestTimeout time.Duration
	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration
	// MaxAttempts is the total attempt budget per invocation.
	MaxAttempts int
	// RetryMinWait is the wait before the first retry; each subsequent
	// retry doubles the wait up to RetryMaxWait.
	RetryMinWait time.Duration
	RetryMaxWait time.Duration

	// BreakerThreshold is the number of consecutive transient-outcome
	// invocations within BreakerWindow that opens a tool's circuit.
	BreakerThreshold int
	BreakerWindow    time.Duration
	// BreakerCooldown is how long an open circuit rejects calls before
	// admitting a trial call.
	BreakerCooldown time.Duration
}

// DefaultConfig returns the default dispatch policy.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:   30 * time.Second,
		ConnectTimeout:   5 * time.Second,
		MaxAttempts:      3,
		RetryMinWait:     100 * time.Millisecond,
		RetryMaxWait:     10 * time.Second,
		BreakerThreshold: 5,
		BreakerWindow:    60 * time.Second,
		BreakerCooldown:  30 * time.Second,
	}
}

// Request is one logical tool call.
type Request struct {
	ToolID  string         `json:"toolId"`
	Args    map[string]any `json:"args,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// Response is the outcome of one invocation. OK is false for every failure
// class; Kind says which one.
type Response struct {
	OK       bool          `json:"ok"`
	Result   any           `json:"result,omitempty"`
	Error    string        `json:"error,omitempty"`
	Kind     ErrorKind     `json:"kind,omitempty"`
	Duration time.Duration `json:"-"`
}

// DurationMs returns the invocation duration in milliseconds.
func (r *Response) DurationMs() int64 {
	return r.Duration.Milliseconds()
}

// Endpoint is a registered dispatch target. Timeout and MaxAttempts override
// the router defaults when non-zero, carrying a descriptor's per-call budget.
type Endpoint struct {
	BaseURL     string
	Timeout     time.Duration
	MaxAttempts int
}

// invokePayload is the wire request to <endpoint>/invoke.
type invokePayload struct {
	Args    map[string]any `json:"args"`
	Context map[string]any `json:"context,omitempty"`
}

// invokeResult is the wire response from a tool service.
type invokeResult struct {
	Result any    `json:"result"`
	Error  string `json:"error,omitempty"`
}

// Router routes invocations to registered tool endpoints. One Router is safe
// to share across concurrent callers; it holds no per-invocation state.
type Router struct {
	cfg       Config
	logger    *zap.SugaredLogger
	client    *http.Client
	breakers  *breakerSet
	observers []Observer

	mu        sync.RWMutex
	endpoints map[string]Endpoint
}

// Option configures a Router at construction.
type Option func(*Router)

// WithObserver attaches an invocation observer.
func WithObserver(obs Observer) Option {
	return func(r *Router) {
		r.observers = append(r.observers, obs)
	}
}

// withClock overrides the breaker clock, for tests.
func withClock(now func() time.Time) Option {
	return func(r *Router) {
		r.breakers = newBreakerSet(r.cfg.BreakerThreshold, r.cfg.BreakerWindow, r.cfg.BreakerCooldown, now)
	}
}

// New creates a Router with the given policy.
func New(cfg Config, logger *zap.SugaredLogger, opts ...Option) *Router {
	def := DefaultConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryMinWait <= 0 {
		cfg.RetryMinWait = def.RetryMinWait
	}
	if cfg.RetryMaxWait <= 0 {
		cfg.RetryMaxWait = def.RetryMaxWait
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = def.BreakerThreshold
	}
	if cfg.BreakerWindow <= 0 {
		cfg.BreakerWindow = def.BreakerWindow
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = def.BreakerCooldown
	}

	r := &Router{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: cfg.ConnectTimeout,
				}).DialContext,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		breakers:  newBreakerSet(cfg.BreakerThreshold, cfg.BreakerWindow, cfg.BreakerCooldown, nil),
		endpoints: make(map[string]Endpoint),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register maps a tool id to a base URL using the router's default budget.
func (r *Router) Register(toolID, baseURL string) {
	r.RegisterEndpoint(toolID, Endpoint{BaseURL: baseURL})
}

// RegisterEndpoint maps a tool id to an endpoint with optional per-tool
// budget overrides.
func (r *Router) RegisterEndpoint(toolID string, ep Endpoint) {
	ep.BaseURL = strings.TrimRight(ep.BaseURL, "/")

	r.mu.Lock()
	r.endpoints[toolID] = ep
	r.mu.Unlock()

	r.logger.Infof("Registered endpoint for tool %s: %s", toolID, ep.BaseURL)
}

// RegisterAll maps several tool ids at once.
func (r *Router) RegisterAll(endpoints map[string]string) {
	for toolID, url := range endpoints {
		r.Register(toolID, url)
	}
}

// Deregister removes a tool's endpoint.
func (r *Router) Deregister(toolID string) {
	r.mu.Lock()
	delete(r.endpoints, toolID)
	r.mu.Unlock()
}

// EndpointFor returns the registered endpoint for a tool.
func (r *Router) EndpointFor(toolID string) (Endpoint, error) {
	r.mu.RLock()
	ep, ok := r.endpoints[toolID]
	r.mu.RUnlock()

	if !ok {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrNotRegistered, toolID)
	}
	return ep, nil
}

// Endpoints returns all registered tool ids and base URLs.
func (r *Router) Endpoints() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string, len(r.endpoints))
	for toolID, ep := range r.endpoints {
		out[toolID] = ep.BaseURL
	}
	return out
}

// Invoke dispatches one tool call and converts every failure into a
// Response value.
func (r *Router) Invoke(ctx context.Context, req Request) Response {
	inv := Invocation{
		ID:      uuid.NewString(),
		ToolID:  req.ToolID,
		Args:    req.Args,
		Started: time.Now(),
	}
	for _, obs := range r.observers {
		obs.InvocationStarted(inv)
	}

	resp := r.invoke(ctx, req)
	resp.Duration = time.Since(inv.Started)

	outcome := "ok"
	if !resp.OK {
		outcome = string(resp.Kind)
	}
	metrics.RecordInvocation(req.ToolID, outcome, resp.Duration.Seconds())

	for _, obs := range r.observers {
		obs.InvocationFinished(inv, resp)
	}
	return resp
}

func (r *Router) invoke(ctx context.Context, req Request) Response {
	ep, err := r.EndpointFor(req.ToolID)
	if err != nil {
		return Response{OK: false, Kind: KindNotRegistered, Error: err.Error()}
	}

	br := r.breakers.get(req.ToolID)
	if !br.allow() {
		metrics.RecordBreakerShortCircuit(req.ToolID)
		return Response{
			OK:    false,
			Kind:  KindBreakerOpen,
			Error: fmt.Sprintf("%v: %s", ErrBreakerOpen, req.ToolID),
		}
	}

	timeout := r.cfg.RequestTimeout
	if ep.Timeout > 0 {
		timeout = ep.Timeout
	}
	maxAttempts := r.cfg.MaxAttempts
	if ep.MaxAttempts > 0 {
		maxAttempts = ep.MaxAttempts
	}

	var lastErr string
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			metrics.RecordRetry(req.ToolID)
			if err := r.sleep(ctx, r.backoff(attempt-1)); err != nil {
				lastErr = err.Error()
				break
			}
		}

		res, transient := r.attempt(ctx, ep.BaseURL, timeout, &req)
		if !transient {
			// Delivered: either a success or an application-level failure.
			// Both reset the breaker streak since the tool is reachable.
			br.recordSuccess()
			return res
		}

		lastErr = res.Error
		r.logger.Debugf("Transient failure invoking %s (attempt %d/%d): %s",
			req.ToolID, attempt, maxAttempts, res.Error)
	}

	br.recordFailure()
	return Response{OK: false, Kind: KindTransient, Error: lastErr}
}

// attempt executes one HTTP round trip. transient=true means the failure is
// retryable (connection error, timeout or 5xx).
func (r *Router) attempt(ctx context.Context, baseURL string, timeout time.Duration, req *Request) (Response, bool) {
	body, err := json.Marshal(invokePayload{Args: req.Args, Context: req.Context})
	if err != nil {
		return Response{OK: false, Kind: KindApplication, Error: fmt.Sprintf("failed to encode arguments: %v", err)}, false
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/invoke", bytes.NewReader(body))
	if err != nil {
		return Response{OK: false, Kind: KindApplication, Error: err.Error()}, false
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := r.client.Do(httpReq)
	if err != nil {
		return Response{OK: false, Kind: KindTransient, Error: err.Error()}, true
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return Response{OK: false, Kind: KindTransient, Error: err.Error()}, true
	}

	switch {
	case httpResp.StatusCode >= 500:
		return Response{
			OK:    false,
			Kind:  KindTransient,
			Error: fmt.Sprintf("tool returned %d: %s", httpResp.StatusCode, strings.TrimSpace(string(respBody))),
		}, true

	case httpResp.StatusCode >= 400:
		return Response{
			OK:    false,
			Kind:  KindApplication,
			Error: fmt.Sprintf("tool error: %d - %s", httpResp.StatusCode, strings.TrimSpace(string(respBody))),
		}, false
	}

	var result invokeResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return Response{OK: false, Kind: KindApplication, Error: fmt.Sprintf("invalid tool response: %v", err)}, false
	}
	if result.Error != "" {
		// Structured tool-reported error: passed through verbatim.
		return Response{OK: false, Kind: KindApplication, Error: result.Error}, false
	}
	return Response{OK: true, Result: result.Result}, false
}

// backoff returns the wait before retry number n (1-based), doubling from
// RetryMinWait up to RetryMaxWait.
func (r *Router) backoff(n int) time.Duration {
	wait := r.cfg.RetryMinWait
	for i := 1; i < n; i++ {
		wait *= 2
		if wait >= r.cfg.RetryMaxWait {
			return r.cfg.RetryMaxWait
		}
	}
	if wait > r.cfg.RetryMaxWait {
		wait = r.cfg.RetryMaxWait
	}
	return wait
}

func (r *Router) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// InvokeBatch dispatches all requests concurrently and returns one response
// per request in input order. A failing tool never aborts its siblings.
func (r *Router) InvokeBatch(ctx context.Context, reqs []Request) []Response {
	responses := make([]Response, len(reqs))

	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			responses[i] = r.Invoke(ctx, req)
		}()
	}
	wg.Wait()

	return responses
}

// HealthCheck probes a tool's health endpoint. Probes bypass the retry and
// circuit-breaker machinery entirely.
func (r *Router) HealthCheck(ctx context.Context, toolID string) bool {
	ep, err := r.EndpointFor(toolID)
	if err != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.BaseURL+"/health", nil)
	if err != nil {
		return false
	}

	httpResp, err := r.client.Do(httpReq)
	if err != nil {
		metrics.RecordHealthCheck(toolID, false)
		return false
	}
	defer func() { _ = httpResp.Body.Close() }()
	_, _ = io.Copy(io.Discard, httpResp.Body)

	healthy := httpResp.StatusCode >= 200 && httpResp.StatusCode < 300
	metrics.RecordHealthCheck(toolID, healthy)
	return healthy
}

// HealthCheckAll probes every registered tool concurrently.
func (r *Router) HealthCheckAll(ctx context.Context) map[string]bool {
	r.mu.RLock()
	toolIDs := make([]string, 0, len(r.endpoints))
	for toolID := range r.endpoints {
		toolIDs = append(toolIDs, toolID)
	}
	r.mu.RUnlock()
	sort.Strings(toolIDs)

	results := make(map[string]bool, len(toolIDs))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	for _, toolID := range toolIDs {
		g.Go(func() error {
			healthy := r.HealthCheck(ctx, toolID)
			mu.Lock()
			results[toolID] = healthy
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}
