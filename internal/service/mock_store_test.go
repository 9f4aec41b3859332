package service

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Strob0t/TeamForge/internal/domain"
	"github.com/Strob0t/TeamForge/internal/domain/agent"
	"github.com/Strob0t/TeamForge/internal/domain/credential"
	"github.com/Strob0t/TeamForge/internal/domain/event"
	"github.com/Strob0t/TeamForge/internal/domain/run"
	"github.com/Strob0t/TeamForge/internal/domain/workflow"
	"github.com/Strob0t/TeamForge/internal/port/database"
	"github.com/Strob0t/TeamForge/internal/port/invoker"
)

var _ database.Store = (*mockStore)(nil)

// mockStore is an in-memory database.Store.
type mockStore struct {
	mu         sync.Mutex
	agents     map[agent.Key]agent.Agent
	workflows  map[string][]workflow.Definition
	runs       map[string]*run.Run
	creds      map[string]credential.Record
	credReads  int
	runUpdates int
	updateErr  error
}

func newMockStore() *mockStore {
	return &mockStore{
		agents:    make(map[agent.Key]agent.Agent),
		workflows: make(map[string][]workflow.Definition),
		runs:      make(map[string]*run.Run),
		creds:     make(map[string]credential.Record),
	}
}

func (m *mockStore) Ping(context.Context) error { return nil }

func (m *mockStore) GetAgent(_ context.Context, key agent.Key) (*agent.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[key]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", key, domain.ErrNotFound)
	}
	return &a, nil
}

func (m *mockStore) ListAgents(context.Context) ([]agent.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]agent.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a)
	}
	return out, nil
}

func (m *mockStore) CreateAgent(_ context.Context, a *agent.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[a.Key()]; ok {
		return domain.ErrConflict
	}
	m.agents[a.Key()] = *a
	return nil
}

func (m *mockStore) UpdateAgentStatus(_ context.Context, key agent.Key, status agent.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[key]
	if !ok {
		return domain.ErrNotFound
	}
	a.Status = status
	m.agents[key] = a
	return nil
}

func (m *mockStore) DeleteAgent(_ context.Context, key agent.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[key]; !ok {
		return domain.ErrNotFound
	}
	delete(m.agents, key)
	return nil
}

// tamper changes a stored manifest without updating its checksum.
func (m *mockStore) tamper(key agent.Key, fn func(*agent.Agent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.agents[key]
	fn(&a)
	m.agents[key] = a
}

func (m *mockStore) GetWorkflow(_ context.Context, tenantID, id string) (*workflow.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.workflows[id]
	if len(versions) == 0 || versions[len(versions)-1].TenantID != tenantID {
		return nil, fmt.Errorf("workflow %s: %w", id, domain.ErrNotFound)
	}
	return versions[len(versions)-1].Clone(), nil
}

func (m *mockStore) SaveWorkflow(_ context.Context, d *workflow.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.workflows[d.ID] {
		if v.Version == d.Version {
			return nil
		}
	}
	m.workflows[d.ID] = append(m.workflows[d.ID], *d.Clone())
	return nil
}

func (m *mockStore) WorkflowsReferencing(_ context.Context, key agent.Key) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, versions := range m.workflows {
		for _, v := range versions {
			if slices.Contains(v.AgentKeys(), key) && !slices.Contains(ids, id) {
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

func (m *mockStore) CreateRun(_ context.Context, r *run.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[r.ID] = r.Clone()
	return nil
}

func (m *mockStore) UpdateRun(_ context.Context, r *run.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	m.runUpdates++
	m.runs[r.ID] = r.Clone()
	return nil
}

func (m *mockStore) GetRun(_ context.Context, id string) (*run.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	return r.Clone(), nil
}

func (m *mockStore) ListRuns(_ context.Context, f run.ListFilter) ([]run.Run, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []run.Run
	for _, r := range m.runs {
		if f.TenantID != "" && r.TenantID != f.TenantID ||
			f.Status != "" && r.Status != f.Status ||
			f.WorkflowID != "" && r.WorkflowID != f.WorkflowID ||
			f.TeamID != "" && r.TeamID != f.TeamID {
			continue
		}
		all = append(all, *r.Clone())
	}
	slices.SortFunc(all, func(a, b run.Run) int { return a.CreatedAt.Compare(b.CreatedAt) })
	total := len(all)
	start := min(f.Offset, total)
	end := min(start+f.Limit, total)
	return all[start:end], total, nil
}

func (m *mockStore) ListUnfinishedRuns(context.Context) ([]run.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []run.Run
	for _, r := range m.runs {
		if !r.Status.IsTerminal() {
			out = append(out, *r.Clone())
		}
	}
	return out, nil
}

func (m *mockStore) GetCredential(_ context.Context, tenantID, service string) (*credential.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credReads++
	rec, ok := m.creds[tenantID+"/"+service]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *mockStore) SaveCredential(_ context.Context, rec *credential.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[rec.TenantID+"/"+rec.Service] = *rec.Clone()
	return nil
}

func (m *mockStore) storedRun(id string) *run.Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[id]; ok {
		return r.Clone()
	}
	return nil
}

// mockSecrets is an in-memory SecretStore.
type mockSecrets struct {
	mu     sync.Mutex
	values map[string]credential.Secret
}

func (m *mockSecrets) Secret(ref string) (credential.Secret, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.values[ref]
	return s, ok && s != ""
}

func (m *mockSecrets) Put(ref string, s credential.Secret) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values == nil {
		m.values = make(map[string]credential.Secret)
	}
	m.values[ref] = s
}

// mockHub records published events per run.
type mockHub struct {
	mu     sync.Mutex
	events map[string][]event.Event
}

func (h *mockHub) Publish(_ context.Context, runID string, ev event.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.events == nil {
		h.events = make(map[string][]event.Event)
	}
	h.events[runID] = append(h.events[runID], ev)
}

func (h *mockHub) eventsFor(runID string) []event.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.events[runID])
}

// mockAudit records audit entries.
type mockAudit struct {
	mu      sync.Mutex
	entries []event.AuditEntry
}

func (a *mockAudit) Append(_ context.Context, e *event.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, *e)
	return nil
}

func (a *mockAudit) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// mockInvoker dispatches invocations to a per-agent handler.
type mockInvoker struct {
	mu       sync.Mutex
	handlers map[string]func(ctx context.Context, req *invoker.Request) (*invoker.Response, error)
	calls    map[string]int
	order    []string
}

func newMockInvoker() *mockInvoker {
	return &mockInvoker{
		handlers: make(map[string]func(ctx context.Context, req *invoker.Request) (*invoker.Response, error)),
		calls:    make(map[string]int),
	}
}

func (m *mockInvoker) handle(agentKey string, fn func(ctx context.Context, req *invoker.Request) (*invoker.Response, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[agentKey] = fn
}

func (m *mockInvoker) Invoke(ctx context.Context, _, _ string, req *invoker.Request) (*invoker.Response, error) {
	m.mu.Lock()
	m.calls[req.Agent]++
	m.order = append(m.order, req.Agent)
	fn := m.handlers[req.Agent]
	m.mu.Unlock()

	if fn == nil {
		return echo(ctx, req)
	}
	return fn(ctx, req)
}

func (m *mockInvoker) callCount(agentKey string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[agentKey]
}

func (m *mockInvoker) callOrder() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.order)
}

// echo answers with {"agent": <key>, "input": <input>}.
func echo(_ context.Context, req *invoker.Request) (*invoker.Response, error) {
	out, err := json.Marshal(map[string]any{"agent": req.Agent, "input": req.Input})
	if err != nil {
		return nil, err
	}
	return &invoker.Response{Output: out}, nil
}

// blockUntilDone never answers before ctx ends.
func blockUntilDone(ctx context.Context, _ *invoker.Request) (*invoker.Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// mockFeeds serves external feed payloads.
type mockFeeds map[string]json.RawMessage

func (f mockFeeds) Fetch(_ context.Context, workflowID string, position int) (json.RawMessage, error) {
	p, ok := f[fmt.Sprintf("%s.%d", workflowID, position)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return p, nil
}

// mockCache is a map-backed cache.Cache.
type mockCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (c *mockCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *mockCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = make(map[string][]byte)
	}
	c.data[key] = value
	return nil
}

func (c *mockCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}
