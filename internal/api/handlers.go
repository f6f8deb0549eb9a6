// Package api exposes the routing engine over HTTP.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/toolmesh/toolmesh/internal/registry"
	"github.com/toolmesh/toolmesh/internal/router"
)

// InvokeRequest is the request body for POST /v1/invoke.
type InvokeRequest struct {
	ToolID  string         `json:"toolId"`
	Args    map[string]any `json:"args,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// InvokeResponse is the response from POST /v1/invoke.
type InvokeResponse struct {
	Success   bool      `json:"success"`
	Result    any       `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	ToolID    string    `json:"toolId,omitempty"`
	LatencyMs int64     `json:"latencyMs,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// BatchRequest is the request body for POST /v1/invoke/batch.
type BatchRequest struct {
	Invocations []InvokeRequest `json:"invocations"`
}

// BatchResponse carries one result per invocation, in request order.
type BatchResponse struct {
	Results []InvokeResponse `json:"results"`
}

// Handler handles HTTP requests for the routing engine.
type Handler struct {
	registry *registry.Registry
	router   *router.Router
	logger   *zap.SugaredLogger
}

// NewHandler creates a new API handler.
func NewHandler(reg *registry.Registry, rt *router.Router, logger *zap.SugaredLogger) *Handler {
	return &Handler{registry: reg, router: rt, logger: logger}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v1/invoke":
		h.handleInvoke(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/v1/invoke/batch":
		h.handleInvokeBatch(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/v1/tools":
		h.handleListTools(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/v1/health":
		h.handleToolHealth(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/healthz":
		h.handleHealthz(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req InvokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ToolID == "" {
		h.writeError(w, http.StatusBadRequest, "toolId is required")
		return
	}

	resp := h.router.Invoke(r.Context(), router.Request{
		ToolID:  req.ToolID,
		Args:    req.Args,
		Context: req.Context,
	})
	h.writeJSON(w, statusFor(resp), toInvokeResponse(req.ToolID, resp))
}

func (h *Handler) handleInvokeBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Invocations) == 0 {
		h.writeJSON(w, http.StatusOK, BatchResponse{Results: []InvokeResponse{}})
		return
	}

	reqs := make([]router.Request, len(req.Invocations))
	for i, inv := range req.Invocations {
		reqs[i] = router.Request{ToolID: inv.ToolID, Args: inv.Args, Context: inv.Context}
	}

	responses := h.router.InvokeBatch(r.Context(), reqs)

	out := BatchResponse{Results: make([]InvokeResponse, len(responses))}
	for i, resp := range responses {
		out.Results[i] = toInvokeResponse(req.Invocations[i].ToolID, resp)
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleListTools(w http.ResponseWriter, r *http.Request) {
	endpoints := h.router.Endpoints()

	type toolEntry struct {
		ToolID      string `json:"toolId"`
		Name        string `json:"name,omitempty"`
		Description string `json:"description,omitempty"`
		Endpoint    string `json:"endpoint,omitempty"`
	}

	tools := make([]toolEntry, 0, h.registry.Len())
	for _, desc := range h.registry.List() {
		tools = append(tools, toolEntry{
			ToolID:      desc.ToolID,
			Name:        desc.Name,
			Description: desc.Description,
			Endpoint:    endpoints[desc.ToolID],
		})
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"tools": tools, "count": len(tools)})
}

func (h *Handler) handleToolHealth(w http.ResponseWriter, r *http.Request) {
	health := h.router.HealthCheckAll(r.Context())

	healthy := 0
	for _, ok := range health {
		if ok {
			healthy++
		}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"tools":   health,
		"healthy": healthy,
		"total":   len(health),
	})
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusFor maps an invocation outcome to an HTTP status. Application errors
// come from the tool itself, so the transport-level exchange is still a 200.
func statusFor(resp router.Response) int {
	switch resp.Kind {
	case router.KindNotRegistered:
		return http.StatusNotFound
	case router.KindBreakerOpen:
		return http.StatusServiceUnavailable
	case router.KindTransient:
		return http.StatusBadGateway
	default:
		return http.StatusOK
	}
}

func toInvokeResponse(toolID string, resp router.Response) InvokeResponse {
	return InvokeResponse{
		Success:   resp.OK,
		Result:    resp.Result,
		Error:     resp.Error,
		Kind:      string(resp.Kind),
		ToolID:    toolID,
		LatencyMs: resp.DurationMs(),
		Timestamp: time.Now().UTC(),
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, InvokeResponse{Success: false, Error: message})
}
