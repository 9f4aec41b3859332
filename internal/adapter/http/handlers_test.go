package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	tfhttp "github.com/Strob0t/TeamForge/internal/adapter/http"
	"github.com/Strob0t/TeamForge/internal/domain"
	"github.com/Strob0t/TeamForge/internal/domain/agent"
	"github.com/Strob0t/TeamForge/internal/domain/run"
	"github.com/Strob0t/TeamForge/internal/middleware"
	"github.com/Strob0t/TeamForge/internal/service"
)

// mockExecutions implements tfhttp.Executions.
type mockExecutions struct {
	runs      map[string]*run.Run
	submitted *run.SubmitRequest
	submitErr error
	filter    run.ListFilter
}

func newMockExecutions() *mockExecutions {
	return &mockExecutions{runs: make(map[string]*run.Run)}
}

func (m *mockExecutions) Submit(_ context.Context, req *run.SubmitRequest) (*run.Run, error) {
	m.submitted = req
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	r := &run.Run{ID: "run-1", WorkflowID: req.WorkflowID, TenantID: req.TenantID, Status: run.StatusPending}
	m.runs[r.ID] = r
	return r, nil
}

func (m *mockExecutions) Get(_ context.Context, tenantID, runID string) (*run.Run, error) {
	r, ok := m.runs[runID]
	if !ok || r.TenantID != tenantID {
		return nil, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	return r, nil
}

func (m *mockExecutions) List(_ context.Context, f run.ListFilter) ([]run.Run, int, error) {
	m.filter = f
	var out []run.Run
	for _, r := range m.runs {
		if r.TenantID == f.TenantID {
			out = append(out, *r)
		}
	}
	return out, len(out), nil
}

func (m *mockExecutions) Cancel(ctx context.Context, tenantID, runID string) (*run.Run, error) {
	r, err := m.Get(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if r.Status.IsTerminal() {
		return nil, fmt.Errorf("run %s is %s: %w", runID, r.Status, domain.ErrConflict)
	}
	r.Status = run.StatusCancelled
	return r, nil
}

func (m *mockExecutions) ActiveRuns() int { return len(m.runs) }

// mockRegistry implements tfhttp.Registry.
type mockRegistry struct {
	agents map[agent.Key]*agent.Agent
	inUse  map[agent.Key]bool
}

func newMockRegistry() *mockRegistry {
	return &mockRegistry{agents: make(map[agent.Key]*agent.Agent), inUse: make(map[agent.Key]bool)}
}

func (m *mockRegistry) Register(_ context.Context, mf *agent.Manifest) (*agent.Agent, error) {
	if err := mf.Validate(); err != nil {
		return nil, err
	}
	a := &agent.Agent{Manifest: *mf, Status: agent.StatusActive, Checksum: agent.Checksum(mf)}
	m.agents[mf.Key()] = a
	return a, nil
}

func (m *mockRegistry) Resolve(_ context.Context, key agent.Key) (*agent.Agent, error) {
	a, ok := m.agents[key]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", key, domain.ErrNotFound)
	}
	if a.Checksum == "corrupt" {
		return nil, fmt.Errorf("agent %s: %w", key, domain.ErrChecksumMismatch)
	}
	return a, nil
}

func (m *mockRegistry) SetStatus(ctx context.Context, key agent.Key, status agent.Status) error {
	if !status.Valid() {
		return fmt.Errorf("status %q: %w", status, domain.ErrValidation)
	}
	a, err := m.Resolve(ctx, key)
	if err != nil {
		return err
	}
	a.Status = status
	return nil
}

func (m *mockRegistry) Deregister(_ context.Context, key agent.Key) error {
	if m.inUse[key] {
		return fmt.Errorf("agent %s is referenced by a workflow: %w", key, domain.ErrConflict)
	}
	if _, ok := m.agents[key]; !ok {
		return fmt.Errorf("agent %s: %w", key, domain.ErrNotFound)
	}
	delete(m.agents, key)
	return nil
}

func (m *mockRegistry) List(context.Context) ([]agent.Agent, error) {
	out := make([]agent.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, *a)
	}
	return out, nil
}

func newTestRouter(exec *mockExecutions, reg *mockRegistry) chi.Router {
	h := &tfhttp.Handlers{
		Executions:  exec,
		Registry:    reg,
		Checks:      map[string]tfhttp.HealthCheck{"postgres": func(context.Context) error { return nil }},
		Connections: func() int { return 2 },
	}
	r := chi.NewRouter()
	r.Use(middleware.TenantID)
	tfhttp.MountRoutes(r, h, nil, nil)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", "tenant-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

const manifestJSON = `{
	"agent_id": "summarizer",
	"name": "Summarizer",
	"version": "1.0.0",
	"endpoint": "http://agents.local/summarize",
	"capabilities": [{"name": "summarize", "input_schema": {"type": "object"}}]
}`

func TestSubmitExecution(t *testing.T) {
	exec := newMockExecutions()
	r := newTestRouter(exec, newMockRegistry())

	rec := do(t, r, http.MethodPost, "/api/v1/workflows/digest/executions", `{"input_data":{"text":"hi"},"step_inputs":{"2":{"x":1}}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[map[string]string](t, rec)
	if resp["run_id"] != "run-1" || resp["status"] != "pending" {
		t.Fatalf("unexpected response %v", resp)
	}
	if exec.submitted.WorkflowID != "digest" || exec.submitted.TenantID != "tenant-1" {
		t.Fatalf("request not scoped: %+v", exec.submitted)
	}
	if string(exec.submitted.StepInputs[2]) != `{"x":1}` {
		t.Fatalf("step inputs not decoded: %v", exec.submitted.StepInputs)
	}
}

func TestSubmitExecutionErrors(t *testing.T) {
	fields := domain.ValidationErrors{{Field: "confirmed", Message: "agents a@1.0.0 require confirmation"}}
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"malformed body", `{`, nil, http.StatusBadRequest},
		{"validation", `{}`, fields, http.StatusBadRequest},
		{"unknown workflow", `{}`, fmt.Errorf("get workflow w: %w", domain.ErrNotFound), http.StatusNotFound},
		{"checksum mismatch", `{}`, fmt.Errorf("agent a@1.0.0: %w", domain.ErrChecksumMismatch), http.StatusUnprocessableEntity},
		{"shutting down", `{}`, service.ErrShuttingDown, http.StatusServiceUnavailable},
		{"store failure", `{}`, errors.New("connection refused"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := newMockExecutions()
			exec.submitErr = tt.err
			rec := do(t, newTestRouter(exec, newMockRegistry()), http.MethodPost, "/api/v1/workflows/w/executions", tt.body)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			if tt.want == http.StatusInternalServerError && strings.Contains(rec.Body.String(), "connection refused") {
				t.Fatal("internal error details leaked to the client")
			}
		})
	}
}

func TestValidationDetails(t *testing.T) {
	exec := newMockExecutions()
	exec.submitErr = domain.ValidationErrors{{Field: "bindings[0].position", Message: "must be positive"}}
	rec := do(t, newTestRouter(exec, newMockRegistry()), http.MethodPost, "/api/v1/workflows/w/executions", `{}`)

	var body struct {
		Error   string              `json:"error"`
		Details []domain.FieldError `json:"details"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Details) != 1 || body.Details[0].Field != "bindings[0].position" {
		t.Fatalf("expected field details, got %+v", body)
	}
}

func TestGetAndCancelExecution(t *testing.T) {
	exec := newMockExecutions()
	exec.runs["r1"] = &run.Run{ID: "r1", TenantID: "tenant-1", Status: run.StatusRunning}
	exec.runs["r2"] = &run.Run{ID: "r2", TenantID: "tenant-2", Status: run.StatusRunning}
	r := newTestRouter(exec, newMockRegistry())

	if rec := do(t, r, http.MethodGet, "/api/v1/executions/r1", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := do(t, r, http.MethodGet, "/api/v1/executions/r2", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("other tenant's run must be hidden, got %d", rec.Code)
	}

	rec := do(t, r, http.MethodPost, "/api/v1/executions/r1/cancel", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := decode[run.Run](t, rec); got.Status != run.StatusCancelled {
		t.Fatalf("expected cancelled run, got %s", got.Status)
	}

	rec = do(t, r, http.MethodPost, "/api/v1/executions/r1/cancel", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("cancelling a finished run should conflict, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "is cancelled") {
		t.Fatalf("expected conflict reason, got %s", rec.Body.String())
	}
}

func TestListExecutions(t *testing.T) {
	exec := newMockExecutions()
	exec.runs["r1"] = &run.Run{ID: "r1", TenantID: "tenant-1", Status: run.StatusCompleted, CreatedAt: time.Now()}
	r := newTestRouter(exec, newMockRegistry())

	rec := do(t, r, http.MethodGet, "/api/v1/executions?status=completed&team_id=blue&workflow_id=w&limit=10&offset=5", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	want := run.ListFilter{TenantID: "tenant-1", Status: run.StatusCompleted, TeamID: "blue", WorkflowID: "w", Limit: 10, Offset: 5}
	if exec.filter != want {
		t.Fatalf("filter = %+v, want %+v", exec.filter, want)
	}
	page := decode[struct {
		Items []run.Run `json:"items"`
		Total int       `json:"total"`
		Limit int       `json:"limit"`
	}](t, rec)
	if page.Total != 1 || len(page.Items) != 1 || page.Limit != 10 {
		t.Fatalf("unexpected page %+v", page)
	}

	for _, q := range []string{"limit=-1", "offset=abc", "status=paused"} {
		if rec := do(t, r, http.MethodGet, "/api/v1/executions?"+q, ""); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", q, rec.Code)
		}
	}
}

func TestAgentLifecycle(t *testing.T) {
	reg := newMockRegistry()
	r := newTestRouter(newMockExecutions(), reg)

	rec := do(t, r, http.MethodPost, "/api/v1/agents", manifestJSON)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decode[map[string]string](t, rec)
	if created["agent_id"] != "summarizer" || created["checksum"] == "" || created["status"] != "active" {
		t.Fatalf("unexpected registration %v", created)
	}

	if rec := do(t, r, http.MethodGet, "/api/v1/agents", ""); rec.Code != http.StatusOK || len(decode[[]agent.Agent](t, rec)) != 1 {
		t.Fatal("expected one listed agent")
	}
	if rec := do(t, r, http.MethodGet, "/api/v1/agents/summarizer/versions/1.0.0", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := do(t, r, http.MethodPut, "/api/v1/agents/summarizer/versions/1.0.0/status", `{"status":"deprecated"}`); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := do(t, r, http.MethodPut, "/api/v1/agents/summarizer/versions/1.0.0/status", `{"status":"paused"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unknown status, got %d", rec.Code)
	}

	reg.inUse[agent.Key{ID: "summarizer", Version: "1.0.0"}] = true
	if rec := do(t, r, http.MethodDelete, "/api/v1/agents/summarizer/versions/1.0.0", ""); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while referenced, got %d", rec.Code)
	}
	reg.inUse = map[agent.Key]bool{}
	if rec := do(t, r, http.MethodDelete, "/api/v1/agents/summarizer/versions/1.0.0", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec := do(t, r, http.MethodGet, "/api/v1/agents/summarizer/versions/1.0.0", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after deregister, got %d", rec.Code)
	}
}

func TestRegisterAgentInvalid(t *testing.T) {
	r := newTestRouter(newMockExecutions(), newMockRegistry())
	rec := do(t, r, http.MethodPost, "/api/v1/agents", `{"agent_id":"Bad ID","version":"x"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetCorruptAgent(t *testing.T) {
	reg := newMockRegistry()
	key := agent.Key{ID: "a", Version: "1.0.0"}
	reg.agents[key] = &agent.Agent{Manifest: agent.Manifest{AgentID: "a", Version: "1.0.0"}, Checksum: "corrupt"}
	rec := do(t, newTestRouter(newMockExecutions(), reg), http.MethodGet, "/api/v1/agents/a/versions/1.0.0", "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	exec := newMockExecutions()
	h := &tfhttp.Handlers{
		Executions: exec,
		Checks: map[string]tfhttp.HealthCheck{
			"postgres": func(context.Context) error { return nil },
			"nats":     func(context.Context) error { return errors.New("disconnected") },
		},
	}
	r := chi.NewRouter()
	tfhttp.MountRoutes(r, h, nil, nil)

	rec := do(t, r, http.MethodGet, "/health", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with a failing check, got %d", rec.Code)
	}
	body := decode[struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}](t, rec)
	if body.Status != "degraded" || body.Checks["postgres"] != "ok" || body.Checks["nats"] != "disconnected" {
		t.Fatalf("unexpected health %+v", body)
	}

	rec = do(t, newTestRouter(exec, newMockRegistry()), http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestIdempotentSubmit(t *testing.T) {
	exec := newMockExecutions()
	calls := 0
	counting := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			next.ServeHTTP(w, r)
		})
	}
	r := chi.NewRouter()
	tfhttp.MountRoutes(r, &tfhttp.Handlers{Executions: exec, Registry: newMockRegistry()}, nil, counting)

	do(t, r, http.MethodPost, "/api/v1/workflows/w/executions", `{}`)
	do(t, r, http.MethodPost, "/api/v1/agents", manifestJSON)
	if calls != 1 {
		t.Fatalf("idempotency should wrap only run submission, wrapped %d", calls)
	}
}
