package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryMinWait = time.Millisecond
	cfg.RetryMaxWait = 5 * time.Millisecond
	return cfg
}

func newTestRouter(t *testing.T, cfg Config, opts ...Option) *Router {
	t.Helper()
	return New(cfg, zap.NewNop().Sugar(), opts...)
}

// toolServer runs a fake tool service whose /invoke handler is supplied per
// test.
func toolServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestInvokeSuccess(t *testing.T) {
	srv := toolServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/invoke" {
			t.Errorf("expected /invoke path, got %s", r.URL.Path)
		}
		var payload struct {
			Args map[string]any `json:"args"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("invalid payload: %v", err)
		}
		if payload.Args["x"] != float64(2) {
			t.Errorf("expected args forwarded, got %v", payload.Args)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"result": 4})
	})

	rt := newTestRouter(t, testConfig())
	rt.Register("calc", srv.URL)

	resp := rt.Invoke(context.Background(), Request{ToolID: "calc", Args: map[string]any{"x": 2}})
	if !resp.OK {
		t.Fatalf("expected success, got %q (%s)", resp.Error, resp.Kind)
	}
	if resp.Result != float64(4) {
		t.Errorf("expected result 4, got %v", resp.Result)
	}
}

func TestInvokeNotRegistered(t *testing.T) {
	rt := newTestRouter(t, testConfig())

	resp := rt.Invoke(context.Background(), Request{ToolID: "ghost"})
	if resp.OK {
		t.Fatal("expected failure for unregistered tool")
	}
	if resp.Kind != KindNotRegistered {
		t.Errorf("expected kind %s, got %s", KindNotRegistered, resp.Kind)
	}
}

func TestInvokeRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := toolServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"result": "ok"})
	})

	rt := newTestRouter(t, testConfig())
	rt.Register("calc", srv.URL)

	resp := rt.Invoke(context.Background(), Request{ToolID: "calc"})
	if !resp.OK {
		t.Fatalf("expected success after retries, got %q", resp.Error)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestInvokeExhaustsAttemptBudget(t *testing.T) {
	var calls atomic.Int32
	srv := toolServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	cfg := testConfig()
	cfg.MaxAttempts = 3
	rt := newTestRouter(t, cfg)
	rt.Register("calc", srv.URL)

	resp := rt.Invoke(context.Background(), Request{ToolID: "calc"})
	if resp.OK {
		t.Fatal("expected failure after exhausting attempts")
	}
	if resp.Kind != KindTransient {
		t.Errorf("expected kind %s, got %s", KindTransient, resp.Kind)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", got)
	}
}

func TestInvokeDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := toolServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad argument", http.StatusBadRequest)
	})

	rt := newTestRouter(t, testConfig())
	rt.Register("calc", srv.URL)

	resp := rt.Invoke(context.Background(), Request{ToolID: "calc"})
	if resp.OK {
		t.Fatal("expected failure")
	}
	if resp.Kind != KindApplication {
		t.Errorf("expected kind %s, got %s", KindApplication, resp.Kind)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("client errors must not be retried, got %d attempts", got)
	}
}

func TestInvokeDoesNotRetryToolReportedErrors(t *testing.T) {
	var calls atomic.Int32
	srv := toolServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "division by zero"})
	})

	rt := newTestRouter(t, testConfig())
	rt.Register("calc", srv.URL)

	resp := rt.Invoke(context.Background(), Request{ToolID: "calc"})
	if resp.OK {
		t.Fatal("expected failure")
	}
	if resp.Kind != KindApplication {
		t.Errorf("expected kind %s, got %s", KindApplication, resp.Kind)
	}
	if resp.Error != "division by zero" {
		t.Errorf("tool error must pass through verbatim, got %q", resp.Error)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("tool-reported errors must not be retried, got %d attempts", got)
	}
}

func TestInvokePerToolBudgetOverride(t *testing.T) {
	var calls atomic.Int32
	srv := toolServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	cfg := testConfig()
	cfg.MaxAttempts = 5
	rt := newTestRouter(t, cfg)
	rt.RegisterEndpoint("calc", Endpoint{BaseURL: srv.URL, MaxAttempts: 2})

	rt.Invoke(context.Background(), Request{ToolID: "calc"})
	if got := calls.Load(); got != 2 {
		t.Errorf("expected endpoint budget of 2 attempts, got %d", got)
	}
}

func TestBreakerOpensAndShortCircuits(t *testing.T) {
	var calls atomic.Int32
	srv := toolServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	cfg := testConfig()
	cfg.MaxAttempts = 1
	cfg.BreakerThreshold = 3
	now := time.Now()
	rt := newTestRouter(t, cfg, withClock(func() time.Time { return now }))
	rt.Register("calc", srv.URL)

	for i := 0; i < 3; i++ {
		resp := rt.Invoke(context.Background(), Request{ToolID: "calc"})
		if resp.Kind != KindTransient {
			t.Fatalf("expected transient failure on call %d, got %s", i, resp.Kind)
		}
	}

	before := calls.Load()
	resp := rt.Invoke(context.Background(), Request{ToolID: "calc"})
	if resp.Kind != KindBreakerOpen {
		t.Fatalf("expected breaker to reject the call, got %s", resp.Kind)
	}
	if calls.Load() != before {
		t.Error("short-circuited call must not reach the tool")
	}
}

func TestBreakerRecoversAfterCooldown(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	srv := toolServer(t, func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"result": "ok"})
	})

	cfg := testConfig()
	cfg.MaxAttempts = 1
	cfg.BreakerThreshold = 2
	cfg.BreakerCooldown = 30 * time.Second
	now := time.Now()
	rt := newTestRouter(t, cfg, withClock(func() time.Time { return now }))
	rt.Register("calc", srv.URL)

	rt.Invoke(context.Background(), Request{ToolID: "calc"})
	rt.Invoke(context.Background(), Request{ToolID: "calc"})
	if resp := rt.Invoke(context.Background(), Request{ToolID: "calc"}); resp.Kind != KindBreakerOpen {
		t.Fatalf("expected open breaker, got %s", resp.Kind)
	}

	failing.Store(false)
	now = now.Add(31 * time.Second)

	resp := rt.Invoke(context.Background(), Request{ToolID: "calc"})
	if !resp.OK {
		t.Fatalf("expected trial call to succeed, got %q (%s)", resp.Error, resp.Kind)
	}
	if resp = rt.Invoke(context.Background(), Request{ToolID: "calc"}); !resp.OK {
		t.Errorf("expected breaker closed after successful trial, got %s", resp.Kind)
	}
}

func TestInvokeBatchPreservesOrder(t *testing.T) {
	okSrv := toolServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"result": "ok"})
	})
	failSrv := toolServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "boom"})
	})

	rt := newTestRouter(t, testConfig())
	rt.Register("good", okSrv.URL)
	rt.Register("bad", failSrv.URL)

	responses := rt.InvokeBatch(context.Background(), []Request{
		{ToolID: "good"},
		{ToolID: "bad"},
		{ToolID: "ghost"},
		{ToolID: "good"},
	})

	if len(responses) != 4 {
		t.Fatalf("expected 4 responses, got %d", len(responses))
	}
	if !responses[0].OK || !responses[3].OK {
		t.Error("expected good invocations to succeed in their original positions")
	}
	if responses[1].Kind != KindApplication || responses[1].Error != "boom" {
		t.Errorf("expected application failure at index 1, got %s %q", responses[1].Kind, responses[1].Error)
	}
	if responses[2].Kind != KindNotRegistered {
		t.Errorf("expected not-registered failure at index 2, got %s", responses[2].Kind)
	}
}

func TestHealthCheckBypassesBreaker(t *testing.T) {
	var invokes, healths atomic.Int32
	srv := toolServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/invoke":
			invokes.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		case "/health":
			healths.Add(1)
			w.WriteHeader(http.StatusOK)
		}
	})

	cfg := testConfig()
	cfg.MaxAttempts = 1
	cfg.BreakerThreshold = 1
	rt := newTestRouter(t, cfg)
	rt.Register("calc", srv.URL)

	// Trip the breaker.
	rt.Invoke(context.Background(), Request{ToolID: "calc"})
	if resp := rt.Invoke(context.Background(), Request{ToolID: "calc"}); resp.Kind != KindBreakerOpen {
		t.Fatalf("expected open breaker, got %s", resp.Kind)
	}

	if !rt.HealthCheck(context.Background(), "calc") {
		t.Error("health probe should succeed while the breaker is open")
	}
	if healths.Load() != 1 {
		t.Errorf("expected 1 health probe, got %d", healths.Load())
	}
}

func TestHealthCheckAll(t *testing.T) {
	up := toolServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	down := toolServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	rt := newTestRouter(t, testConfig())
	rt.RegisterAll(map[string]string{"up": up.URL, "down": down.URL})

	results := rt.HealthCheckAll(context.Background())
	if !results["up"] {
		t.Error("expected up tool to be healthy")
	}
	if results["down"] {
		t.Error("expected down tool to be unhealthy")
	}
}

func TestDeregister(t *testing.T) {
	rt := newTestRouter(t, testConfig())
	rt.Register("calc", "http://calc:8080/")

	ep, err := rt.EndpointFor("calc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ep.BaseURL != "http://calc:8080" {
		t.Errorf("expected trailing slash stripped, got %q", ep.BaseURL)
	}

	rt.Deregister("calc")
	if resp := rt.Invoke(context.Background(), Request{ToolID: "calc"}); resp.Kind != KindNotRegistered {
		t.Errorf("expected not-registered after deregister, got %s", resp.Kind)
	}
}

func TestBackoffDoublesToCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryMinWait = 100 * time.Millisecond
	cfg.RetryMaxWait = 350 * time.Millisecond
	rt := newTestRouter(t, cfg)

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		350 * time.Millisecond,
		350 * time.Millisecond,
	}
	for i, w := range want {
		if got := rt.backoff(i + 1); got != w {
			t.Errorf("backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}
