package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	tfotel "github.com/Strob0t/TeamForge/internal/adapter/otel"
	"github.com/Strob0t/TeamForge/internal/config"
	"github.com/Strob0t/TeamForge/internal/domain"
	"github.com/Strob0t/TeamForge/internal/domain/agent"
	"github.com/Strob0t/TeamForge/internal/domain/event"
	"github.com/Strob0t/TeamForge/internal/domain/run"
	"github.com/Strob0t/TeamForge/internal/domain/workflow"
	"github.com/Strob0t/TeamForge/internal/port/auditlog"
	"github.com/Strob0t/TeamForge/internal/port/broadcast"
	"github.com/Strob0t/TeamForge/internal/port/database"
	"github.com/Strob0t/TeamForge/internal/port/feed"
	"github.com/Strob0t/TeamForge/internal/port/invoker"
	"github.com/Strob0t/TeamForge/internal/resilience"
)

// ErrShuttingDown is returned by Submit once Shutdown has begun.
var ErrShuttingDown = errors.New("orchestrator is shutting down")

// restartMessage is the error message of runs interrupted by a process restart.
const restartMessage = "orchestrator restarted"

// Invoker calls an agent endpoint over the named transport.
type Invoker interface {
	Invoke(ctx context.Context, transport, endpoint string, req *invoker.Request) (*invoker.Response, error)
}

// Redactor masks secret values in free text.
type Redactor interface {
	RedactString(s string) string
}

// OrchestratorService accepts runs and drives each one on its own scheduler
// goroutine. At most MaxConcurrentRuns schedulers execute at once; the rest
// wait in pending.
type OrchestratorService struct {
	workflows database.WorkflowStore
	runs      database.RunStore
	registry  *RegistryService
	creds     *CredentialService
	invoker   Invoker
	hub       broadcast.Broadcaster
	feeds     feed.Source
	audit     auditlog.Sink
	alerts    Alerter
	redactor  Redactor
	metrics   *tfotel.Metrics
	cfg       config.Orchestrator
	admission *admission
	backoff   resilience.Backoff
	now       func() time.Time
	newID     func() string

	slots   chan struct{}
	baseCtx context.Context
	stopAll context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	active map[string]*scheduler
	closed bool
}

// NewOrchestratorService creates an OrchestratorService with all required dependencies.
func NewOrchestratorService(
	workflows database.WorkflowStore,
	runs database.RunStore,
	registry *RegistryService,
	creds *CredentialService,
	inv Invoker,
	hub broadcast.Broadcaster,
	cfg config.Orchestrator,
	breaker config.Breaker,
) *OrchestratorService {
	if hub == nil {
		hub = broadcast.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &OrchestratorService{
		workflows: workflows,
		runs:      runs,
		registry:  registry,
		creds:     creds,
		invoker:   inv,
		hub:       hub,
		cfg:       cfg,
		admission: newAdmission(cfg.DefaultConcurrency, breaker.MaxFailures, breaker.Timeout),
		backoff: resilience.Backoff{
			Base:       cfg.RetryBaseDelay,
			Multiplier: cfg.RetryMultiplier,
			Max:        cfg.RetryMaxDelay,
		},
		now:     time.Now,
		newID:   uuid.NewString,
		slots:   make(chan struct{}, max(cfg.MaxConcurrentRuns, 1)),
		baseCtx: ctx,
		stopAll: cancel,
		active:  make(map[string]*scheduler),
	}
}

// SetFeedSource sets where external_feed inputs are read from.
func (o *OrchestratorService) SetFeedSource(f feed.Source) { o.feeds = f }

// SetAuditSink sets the append-only sink every run event is written to.
func (o *OrchestratorService) SetAuditSink(a auditlog.Sink) { o.audit = a }

// SetAlerter sets where failed runs are reported.
func (o *OrchestratorService) SetAlerter(a Alerter) { o.alerts = a }

// SetRedactor sets the masker applied to agent error messages before they are stored.
func (o *OrchestratorService) SetRedactor(r Redactor) { o.redactor = r }

// SetMetrics sets the metric instruments.
func (o *OrchestratorService) SetMetrics(m *tfotel.Metrics) { o.metrics = m }

// Submit validates the request against the latest workflow definition,
// resolves every binding, persists a pending run and hands it to a scheduler.
// It returns without waiting for execution.
func (o *OrchestratorService) Submit(ctx context.Context, req *run.SubmitRequest) (*run.Run, error) {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return nil, ErrShuttingDown
	}
	if req.WorkflowID == "" {
		return nil, fmt.Errorf("workflow id is required: %w", domain.ErrValidation)
	}
	if len(req.InputData) > 0 && !json.Valid(req.InputData) {
		return nil, fmt.Errorf("input_data is not valid JSON: %w", domain.ErrValidation)
	}

	def, err := o.workflows.GetWorkflow(ctx, req.TenantID, req.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("get workflow %s: %w", req.WorkflowID, err)
	}
	if err := workflow.Validate(def); err != nil {
		return nil, fmt.Errorf("workflow %s: %w", def.ID, err)
	}

	agents, err := o.resolveBindings(ctx, def, req)
	if err != nil {
		return nil, err
	}

	r := run.New(o.newID(), def, req, o.now().UTC())
	if err := o.runs.CreateRun(ctx, r); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	out := r.Clone()
	if err := o.start(r, agents); err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "run submitted", "run_id", r.ID, "workflow_id", def.ID, "version", def.Version, "steps", len(r.Steps))
	return out, nil
}

// Get returns a snapshot of the run. Runs of other tenants are not found.
func (o *OrchestratorService) Get(ctx context.Context, tenantID, runID string) (*run.Run, error) {
	if s := o.lookup(runID); s != nil {
		snap := s.snapshot()
		if snap.run.TenantID != tenantID {
			return nil, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
		}
		return snap.run.Clone(), nil
	}

	r, err := o.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	if r.TenantID != tenantID {
		return nil, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	return r, nil
}

// StatusEvent returns the current run status as a run.status event, for
// observers that subscribe after the run started.
func (o *OrchestratorService) StatusEvent(ctx context.Context, tenantID, runID string) (event.Event, error) {
	if s := o.lookup(runID); s != nil {
		snap := s.snapshot()
		if snap.run.TenantID != tenantID {
			return event.Event{}, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
		}
		return event.New(event.KindRunStatus, runID, snap.seq, o.now().UTC(), event.RunStatusOf(snap.run)), nil
	}

	r, err := o.Get(ctx, tenantID, runID)
	if err != nil {
		return event.Event{}, err
	}
	return event.New(event.KindRunStatus, runID, 0, o.now().UTC(), event.RunStatusOf(r)), nil
}

// List returns one page of runs matching f and the total match count.
func (o *OrchestratorService) List(ctx context.Context, f run.ListFilter) ([]run.Run, int, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	f.Limit = min(f.Limit, 200)
	f.Offset = max(f.Offset, 0)

	runs, total, err := o.runs.ListRuns(ctx, f)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	return runs, total, nil
}

// Cancel stops a pending or running run. Non-terminal steps become skipped and
// in-flight invocations are abandoned. A terminal run is a conflict.
func (o *OrchestratorService) Cancel(ctx context.Context, tenantID, runID string) (*run.Run, error) {
	s := o.lookup(runID)
	if s == nil || s.snapshot().run.TenantID != tenantID {
		r, err := o.Get(ctx, tenantID, runID)
		if err != nil {
			return nil, err
		}
		if r.Status.IsTerminal() {
			return nil, fmt.Errorf("run %s is already %s: %w", runID, r.Status, domain.ErrConflict)
		}
		return nil, fmt.Errorf("run %s is not scheduled by this process: %w", runID, domain.ErrConflict)
	}

	reply := make(chan error, 1)
	select {
	case s.cancelCh <- reply:
	case <-s.done:
		st := s.snapshot().run.Status
		return nil, fmt.Errorf("run %s is already %s: %w", runID, st, domain.ErrConflict)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case err := <-reply:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	slog.InfoContext(ctx, "run cancelled", "run_id", runID)
	return s.snapshot().run.Clone(), nil
}

// Recover handles runs left unfinished by a previous process. Running runs
// are failed; pending runs are scheduled again, or cancelled when their
// bindings no longer resolve.
func (o *OrchestratorService) Recover(ctx context.Context) error {
	runs, err := o.runs.ListUnfinishedRuns(ctx)
	if err != nil {
		return fmt.Errorf("list unfinished runs: %w", err)
	}

	for i := range runs {
		r := &runs[i]
		if o.lookup(r.ID) != nil {
			continue
		}
		now := o.now().UTC()

		if r.Status == run.StatusPending {
			agents, err := o.resolveBindings(ctx, r.Definition, &run.SubmitRequest{
				InputData:  r.InputData,
				StepInputs: r.StepInputs,
				Confirmed:  true,
			})
			if err == nil {
				if err := o.start(r, agents); err != nil {
					return err
				}
				slog.Info("pending run rescheduled", "run_id", r.ID)
				continue
			}
			r.SkipRemaining(now)
			_ = r.Finish(run.StatusCancelled, restartMessage+": "+err.Error(), now)
		} else {
			r.SkipRemaining(now)
			_ = r.Finish(run.StatusFailed, restartMessage, now)
		}

		if err := o.runs.UpdateRun(ctx, r); err != nil {
			return fmt.Errorf("recover run %s: %w", r.ID, err)
		}
		o.appendAudit(ctx, r.TenantID, event.New(event.KindRunStatus, r.ID, 0, now, event.RunStatusOf(r)))
		slog.Warn("unfinished run closed after restart", "run_id", r.ID, "status", r.Status)
	}
	return nil
}

// ActiveRuns returns the number of runs owned by a scheduler of this process.
func (o *OrchestratorService) ActiveRuns() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// Shutdown stops accepting runs, fails the ones still executing and waits
// for every scheduler and step goroutine to exit, or for ctx.
func (o *OrchestratorService) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.stopAll()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator shutdown: %w", ctx.Err())
	}
}

func (o *OrchestratorService) start(r *run.Run, agents map[int]*agent.Agent) error {
	s := newScheduler(o, r, agents)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrShuttingDown
	}
	o.active[r.ID] = s
	o.wg.Add(1)
	o.mu.Unlock()

	go s.loop()
	return nil
}

func (o *OrchestratorService) lookup(runID string) *scheduler {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active[runID]
}

func (o *OrchestratorService) forget(runID string) {
	o.mu.Lock()
	delete(o.active, runID)
	o.mu.Unlock()
}

// resolveBindings resolves and admits every bound agent and checks the inputs
// that are known at submission. Unknown and corrupt agents are returned as
// their own error kinds; everything else is collected into one validation error.
func (o *OrchestratorService) resolveBindings(ctx context.Context, def *workflow.Definition, req *run.SubmitRequest) (map[int]*agent.Agent, error) {
	var errs domain.ValidationErrors
	var needConfirm []string
	agents := make(map[int]*agent.Agent, len(def.Bindings))

	for _, b := range def.Clone().Bindings {
		field := fmt.Sprintf("bindings[%d]", b.Position)
		a, err := o.registry.Resolve(ctx, b.AgentKey())
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", b.Position, err)
		}
		if err := o.registry.CheckInvocable(a); err != nil {
			errs.Add(field, "%v", err)
			continue
		}
		capability, ok := a.Capability(b.Capability)
		if !ok {
			errs.Add(field+".capability", "agent %s has no capability %q", a.Key(), b.Capability)
			continue
		}
		if a.Policy.RequiresConfirmation && !req.Confirmed {
			needConfirm = append(needConfirm, a.Key().String())
		}

		switch b.InputSource {
		case workflow.SourceInitialInput:
			if !capability.InputSchema.IsZero() {
				if err := capability.InputSchema.Check(req.InputData); err != nil {
					errs.Add("input_data", "step %d (%s): %v", b.Position, a.Key(), err)
				}
			}
		case workflow.SourceUserSupplied:
			in, ok := req.StepInputs[b.Position]
			switch {
			case !ok:
				errs.Add(fmt.Sprintf("step_inputs.%d", b.Position), "is required by step %d (%s)", b.Position, a.Key())
			case !capability.InputSchema.IsZero():
				if err := capability.InputSchema.Check(in); err != nil {
					errs.Add(fmt.Sprintf("step_inputs.%d", b.Position), "%v", err)
				}
			}
		case workflow.SourceExternalFeed:
			if o.feeds == nil {
				errs.Add(field+".input_source", "no external feed source is configured")
			}
		}
		agents[b.Position] = a
	}

	if len(needConfirm) > 0 {
		errs.Add("confirmed", "agents %s require confirmation", strings.Join(needConfirm, ", "))
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}
	return agents, nil
}

func (o *OrchestratorService) appendAudit(ctx context.Context, tenantID string, ev event.Event) {
	if o.audit == nil {
		return
	}
	entry := &event.AuditEntry{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		RunID:     ev.RunID,
		Seq:       ev.Seq,
		Kind:      ev.Type,
		Data:      ev.Data,
		CreatedAt: ev.At,
	}
	if err := o.audit.Append(ctx, entry); err != nil {
		slog.WarnContext(ctx, "audit append failed", "run_id", ev.RunID, "kind", ev.Type, "error", err)
	}
}

func (o *OrchestratorService) redact(s string) string {
	if o.redactor == nil {
		return s
	}
	return o.redactor.RedactString(s)
}
