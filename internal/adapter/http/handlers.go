package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Strob0t/TeamForge/internal/domain/agent"
	"github.com/Strob0t/TeamForge/internal/domain/run"
	"github.com/Strob0t/TeamForge/internal/middleware"
	"github.com/Strob0t/TeamForge/internal/service"
)

// Executions is the run lifecycle the API exposes.
type Executions interface {
	Submit(ctx context.Context, req *run.SubmitRequest) (*run.Run, error)
	Get(ctx context.Context, tenantID, runID string) (*run.Run, error)
	List(ctx context.Context, f run.ListFilter) ([]run.Run, int, error)
	Cancel(ctx context.Context, tenantID, runID string) (*run.Run, error)
	ActiveRuns() int
}

// Registry is the agent catalogue the API exposes.
type Registry interface {
	Register(ctx context.Context, m *agent.Manifest) (*agent.Agent, error)
	Resolve(ctx context.Context, key agent.Key) (*agent.Agent, error)
	SetStatus(ctx context.Context, key agent.Key, status agent.Status) error
	Deregister(ctx context.Context, key agent.Key) error
	List(ctx context.Context) ([]agent.Agent, error)
}

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Executions  Executions
	Registry    Registry
	Checks      map[string]HealthCheck
	Connections func() int // open observer connections

	// RequestTimeout bounds REST calls; WebSocket streams are exempt.
	RequestTimeout time.Duration
}

// ---------------------------------------------------------------------------
// Executions
// ---------------------------------------------------------------------------

type submitResponse struct {
	RunID  string     `json:"run_id"`
	Status run.Status `json:"status"`
}

// SubmitExecution handles POST /api/v1/workflows/{id}/executions.
func (h *Handlers) SubmitExecution(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[run.SubmitRequest](w, r)
	if !ok {
		return
	}
	req.WorkflowID = urlParam(r, "id")
	req.TenantID = middleware.TenantIDFromContext(r.Context())
	if p := middleware.PrincipalFromContext(r.Context()); p != nil {
		req.OwnerID = p.Subject
	}

	created, err := h.Executions.Submit(r.Context(), &req)
	if err != nil {
		if errors.Is(err, service.ErrShuttingDown) {
			writeError(w, http.StatusServiceUnavailable, "server is shutting down")
			return
		}
		writeDomainError(w, err, "workflow not found")
		return
	}
	writeJSON(w, http.StatusCreated, submitResponse{RunID: created.ID, Status: created.Status})
}

// GetExecution handles GET /api/v1/executions/{run_id}.
func (h *Handlers) GetExecution(w http.ResponseWriter, r *http.Request) {
	got, err := h.Executions.Get(r.Context(), middleware.TenantIDFromContext(r.Context()), urlParam(r, "run_id"))
	if err != nil {
		writeDomainError(w, err, "execution not found")
		return
	}
	writeJSON(w, http.StatusOK, got)
}

type listResponse struct {
	Items  []run.Run `json:"items"`
	Total  int       `json:"total"`
	Limit  int       `json:"limit"`
	Offset int       `json:"offset"`
}

// ListExecutions handles GET /api/v1/executions.
func (h *Handlers) ListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := run.Status(q.Get("status"))
	switch status {
	case "", run.StatusPending, run.StatusRunning, run.StatusCompleted, run.StatusFailed, run.StatusCancelled:
	default:
		writeError(w, http.StatusBadRequest, "unknown status "+string(status))
		return
	}

	f := run.ListFilter{
		TenantID:   middleware.TenantIDFromContext(r.Context()),
		Status:     status,
		TeamID:     q.Get("team_id"),
		WorkflowID: q.Get("workflow_id"),
		Limit:      limit,
		Offset:     offset,
	}
	items, total, err := h.Executions.List(r.Context(), f)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if items == nil {
		items = []run.Run{}
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items, Total: total, Limit: pageLimit(limit), Offset: offset})
}

// pageLimit mirrors the clamping applied by the run listing.
func pageLimit(n int) int {
	if n <= 0 {
		return 50
	}
	return min(n, 200)
}

// CancelExecution handles POST /api/v1/executions/{run_id}/cancel.
func (h *Handlers) CancelExecution(w http.ResponseWriter, r *http.Request) {
	got, err := h.Executions.Cancel(r.Context(), middleware.TenantIDFromContext(r.Context()), urlParam(r, "run_id"))
	if err != nil {
		writeDomainError(w, err, "execution not found")
		return
	}
	writeJSON(w, http.StatusOK, got)
}

// ---------------------------------------------------------------------------
// Agents
// ---------------------------------------------------------------------------

type registerResponse struct {
	AgentID  string       `json:"agent_id"`
	Version  string       `json:"version"`
	Checksum string       `json:"checksum"`
	Status   agent.Status `json:"status"`
}

// RegisterAgent handles POST /api/v1/agents.
func (h *Handlers) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	createHandler("agent not found", func(ctx context.Context, m *agent.Manifest) (*registerResponse, error) {
		a, err := h.Registry.Register(ctx, m)
		if err != nil {
			return nil, err
		}
		return &registerResponse{AgentID: a.AgentID, Version: a.Version, Checksum: a.Checksum, Status: a.Status}, nil
	})(w, r)
}

// ListAgents handles GET /api/v1/agents.
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	listHandler(h.Registry.List)(w, r)
}

func agentKey(r *http.Request) agent.Key {
	return agent.Key{ID: urlParam(r, "id"), Version: urlParam(r, "version")}
}

// GetAgent handles GET /api/v1/agents/{id}/versions/{version}.
func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := h.Registry.Resolve(r.Context(), agentKey(r))
	if err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type statusRequest struct {
	Status agent.Status `json:"status"`
}

// SetAgentStatus handles PUT /api/v1/agents/{id}/versions/{version}/status.
func (h *Handlers) SetAgentStatus(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[statusRequest](w, r)
	if !ok {
		return
	}
	key := agentKey(r)
	if err := h.Registry.SetStatus(r.Context(), key, req.Status); err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"agent_id": key.ID, "version": key.Version, "status": string(req.Status)})
}

// DeregisterAgent handles DELETE /api/v1/agents/{id}/versions/{version}.
func (h *Handlers) DeregisterAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.Registry.Deregister(r.Context(), agentKey(r)); err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

type healthResponse struct {
	Status      string            `json:"status"`
	Checks      map[string]string `json:"checks"`
	ActiveRuns  int               `json:"active_runs"`
	Connections int               `json:"connections"`
}

// Health handles GET /health. Any failing check turns the answer into a 503.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(h.Checks))}
	for name, check := range h.Checks {
		if err := check(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			continue
		}
		resp.Checks[name] = "ok"
	}
	if h.Executions != nil {
		resp.ActiveRuns = h.Executions.ActiveRuns()
	}
	if h.Connections != nil {
		resp.Connections = h.Connections()
	}

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// version is reported by GET /api/v1/.
var version = json.RawMessage(`{"version":"0.1.0"}`)
