package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	tfotel "github.com/Strob0t/TeamForge/internal/adapter/otel"
	"github.com/Strob0t/TeamForge/internal/domain/agent"
	"github.com/Strob0t/TeamForge/internal/domain/event"
	"github.com/Strob0t/TeamForge/internal/domain/run"
	"github.com/Strob0t/TeamForge/internal/domain/workflow"
	"github.com/Strob0t/TeamForge/internal/logger"
	"github.com/Strob0t/TeamForge/internal/port/notifier"
)

const persistTimeout = 5 * time.Second

// snapshot is the published, read-only view of a run and the seq of the
// last event emitted for it.
type snapshot struct {
	run *run.Run
	seq uint64
}

// stepUpdate is sent by a step worker to its scheduler. A non-nil log is an
// intermediate note; otherwise the update carries the step result.
type stepUpdate struct {
	position int
	log      *event.Log
	input    json.RawMessage
	output   json.RawMessage
	kind     run.ErrorKind
	err      error
	retries  int
	uses     []run.CredentialUse
}

// scheduler owns one run. Only its loop goroutine mutates the run; readers
// get clones through snap.
type scheduler struct {
	o      *OrchestratorService
	run    *run.Run
	agents map[int]*agent.Agent
	deps   map[int][]int

	ctx    context.Context // cancelled when the run reaches a terminal status
	stop   context.CancelFunc
	ioCtx  context.Context // survives cancellation, for persistence and audit
	span   trace.Span
	seq    uint64
	active int

	snap     atomic.Pointer[snapshot]
	cancelCh chan chan error
	updates  chan stepUpdate
	done     chan struct{}
}

func newScheduler(o *OrchestratorService, r *run.Run, agents map[int]*agent.Agent) *scheduler {
	ctx, stop := context.WithCancel(logger.WithRunID(o.baseCtx, r.ID))
	s := &scheduler{
		o:        o,
		run:      r,
		agents:   agents,
		deps:     workflow.Dependencies(r.Definition),
		ctx:      ctx,
		stop:     stop,
		ioCtx:    context.WithoutCancel(ctx),
		cancelCh: make(chan chan error),
		updates:  make(chan stepUpdate, len(r.Steps)),
		done:     make(chan struct{}),
	}
	s.publish()
	return s
}

func (s *scheduler) snapshot() *snapshot { return s.snap.Load() }

func (s *scheduler) loop() {
	defer s.o.wg.Done()
	defer s.o.forget(s.run.ID)
	defer close(s.done)
	defer s.stop()

	s.emit(event.KindRunStatus, event.RunStatusOf(s.run))

	select {
	case s.o.slots <- struct{}{}:
		defer func() { <-s.o.slots }()
	case reply := <-s.cancelCh:
		s.finish(run.StatusCancelled, "")
		reply <- nil
		return
	case <-s.o.baseCtx.Done():
		s.finish(run.StatusCancelled, "orchestrator shutting down")
		return
	}

	s.begin()
	s.advance()

	for !s.run.Status.IsTerminal() {
		select {
		case u := <-s.updates:
			s.apply(u)
		case reply := <-s.cancelCh:
			s.finish(run.StatusCancelled, "")
			reply <- nil
		case <-s.o.baseCtx.Done():
			s.finish(run.StatusFailed, "orchestrator shutting down")
		}
	}
}

func (s *scheduler) begin() {
	now := s.o.now().UTC()
	if err := s.run.Start(now); err != nil {
		slog.ErrorContext(s.ctx, "start run", "error", err)
		return
	}
	s.ctx, s.span = tfotel.StartRunSpan(s.ctx, s.run.ID, s.run.WorkflowID, string(s.run.Definition.Topology))
	if m := s.o.metrics; m != nil {
		m.RunsStarted.Add(s.ioCtx, 1, metric.WithAttributes(attribute.String("topology", string(s.run.Definition.Topology))))
	}
	s.changed()
	s.emit(event.KindRunStatus, event.RunStatusOf(s.run))
	slog.InfoContext(s.ctx, "run started", "workflow_id", s.run.WorkflowID, "topology", s.run.Definition.Topology)
}

// advance starts every pending step whose dependencies are terminal, skips
// conditional steps whose conditions do not hold, and completes the run once
// nothing is left to do.
func (s *scheduler) advance() {
	if s.run.Status != run.StatusRunning {
		return
	}
	for {
		progressed := false
		for i := range s.run.Steps {
			st := &s.run.Steps[i]
			if st.Status != run.StepPending || !s.ready(st.Position) {
				continue
			}
			b, _ := s.run.Definition.Binding(st.Position)
			if s.run.Definition.Topology == workflow.TopologyConditional &&
				!workflow.Eligible(b.Conditions, s.run.Outcomes()) {
				_ = st.Skip(s.o.now().UTC())
				s.stepChanged(st)
				progressed = true
				continue
			}
			s.launch(st, b)
			progressed = true
		}
		if !progressed {
			break
		}
	}

	if s.active == 0 && s.allTerminal() {
		s.complete()
	}
}

func (s *scheduler) ready(position int) bool {
	for _, dep := range s.deps[position] {
		if st := s.run.Step(dep); st != nil && !st.Status.IsTerminal() {
			return false
		}
	}
	return true
}

func (s *scheduler) allTerminal() bool {
	for i := range s.run.Steps {
		if !s.run.Steps[i].Status.IsTerminal() {
			return false
		}
	}
	return true
}

func (s *scheduler) launch(st *run.Step, b *workflow.Binding) {
	input := s.inputFor(b)
	_ = st.Start(input, s.o.now().UTC())
	s.active++
	s.stepChanged(st)

	a := s.agents[st.Position]
	job := stepJob{
		runID:      s.run.ID,
		tenantID:   s.run.TenantID,
		workflowID: s.run.WorkflowID,
		binding:    *b,
		agent:      a,
		input:      input,
	}
	s.o.wg.Add(1)
	go s.o.execute(s.ctx, job, s.send)
}

// inputFor returns the payload known at launch. External feeds are read by
// the worker.
func (s *scheduler) inputFor(b *workflow.Binding) json.RawMessage {
	switch b.InputSource {
	case workflow.SourcePreviousStepOutput:
		for i := len(s.run.Steps) - 1; i >= 0; i-- {
			prev := &s.run.Steps[i]
			if prev.Position < b.Position && prev.Status == run.StepCompleted {
				return prev.Output
			}
		}
		return s.run.InputData
	case workflow.SourceUserSupplied:
		return s.run.StepInputs[b.Position]
	case workflow.SourceExternalFeed:
		return nil
	default:
		return s.run.InputData
	}
}

// send delivers u unless the run already ended.
func (s *scheduler) send(u stepUpdate) bool {
	select {
	case s.updates <- u:
		return true
	case <-s.done:
		return false
	}
}

func (s *scheduler) apply(u stepUpdate) {
	st := s.run.Step(u.position)
	if st == nil || st.Status != run.StepRunning {
		return
	}
	if u.log != nil {
		s.emit(event.KindLog, u.log)
		return
	}
	if errors.Is(u.err, context.Canceled) && s.ctx.Err() != nil {
		return
	}

	now := s.o.now().UTC()
	if u.input != nil {
		st.Input = u.input
	}
	st.CredentialUses = u.uses
	if u.err == nil {
		_ = st.Complete(u.output, u.retries, now)
	} else {
		_ = st.Fail(u.kind, s.o.redact(u.err.Error()), u.retries, now)
	}
	s.active--
	s.stepChanged(st)

	// A quarantined agent halts the run in every topology.
	if st.Status == run.StepFailed && (s.run.Definition.Topology != workflow.TopologyParallel || st.ErrorKind == run.ErrorChecksum) {
		s.finish(run.StatusFailed, failureMessage(st))
		return
	}
	s.advance()
}

// complete decides the final status once every step is terminal.
func (s *scheduler) complete() {
	var completed int
	var firstFailed *run.Step
	for i := range s.run.Steps {
		st := &s.run.Steps[i]
		switch st.Status {
		case run.StepCompleted:
			completed++
		case run.StepFailed:
			if firstFailed == nil {
				firstFailed = st
			}
		}
	}

	s.run.Output = s.output()
	if firstFailed == nil {
		s.finish(run.StatusCompleted, "")
		return
	}

	switch {
	case s.run.Definition.FailurePolicy() == workflow.FailureStrict:
		s.finish(run.StatusFailed, failureMessage(firstFailed))
	case completed == 0:
		s.finish(run.StatusFailed, "no step completed; "+failureMessage(firstFailed))
	default:
		s.finish(run.StatusCompleted, "")
	}
}

// output is the last completed output for ordered topologies, and an object
// keyed by position for parallel ones.
func (s *scheduler) output() json.RawMessage {
	if s.run.Definition.Topology != workflow.TopologyParallel {
		for i := len(s.run.Steps) - 1; i >= 0; i-- {
			if st := &s.run.Steps[i]; st.Status == run.StepCompleted {
				return st.Output
			}
		}
		return nil
	}

	outputs := make(map[string]json.RawMessage)
	for _, st := range s.run.Steps {
		if st.Status == run.StepCompleted {
			out := st.Output
			if len(out) == 0 {
				out = json.RawMessage("null")
			}
			outputs[strconv.Itoa(st.Position)] = out
		}
	}
	b, err := json.Marshal(outputs)
	if err != nil {
		return nil
	}
	return b
}

// finish abandons in-flight work, skips what is left and moves the run to a
// terminal status.
func (s *scheduler) finish(to run.Status, msg string) {
	s.stop()
	now := s.o.now().UTC()
	for _, pos := range s.run.SkipRemaining(now) {
		s.stepChanged(s.run.Step(pos))
	}
	s.active = 0

	if err := s.run.Finish(to, msg, now); err != nil {
		slog.ErrorContext(s.ioCtx, "finish run", "status", to, "error", err)
		return
	}
	s.changed()
	s.emit(event.KindRunStatus, event.RunStatusOf(s.run))

	attrs := metric.WithAttributes(attribute.String("status", string(to)))
	if m := s.o.metrics; m != nil {
		m.RunsFinished.Add(s.ioCtx, 1, attrs)
		if s.run.StartedAt != nil {
			m.RunDuration.Record(s.ioCtx, now.Sub(*s.run.StartedAt).Seconds(), attrs)
		}
	}
	if s.span != nil {
		var err error
		if to == run.StatusFailed {
			err = errors.New(msg)
		}
		tfotel.EndSpan(s.span, err)
	}

	switch to {
	case run.StatusFailed:
		slog.WarnContext(s.ioCtx, "run failed", "error", msg)
		if s.o.alerts != nil {
			s.o.alerts.Notify(s.ioCtx, notifier.Notification{
				Title:   "Run failed: " + s.run.WorkflowID,
				Message: fmt.Sprintf("Run %s of workflow %s v%d failed: %s", s.run.ID, s.run.WorkflowID, s.run.WorkflowVersion, msg),
				Level:   notifier.LevelWarning,
				Source:  AlertRunFailed,
			})
		}
	default:
		slog.InfoContext(s.ioCtx, "run finished", "status", to)
	}
}

// stepChanged records a step transition: progress, persistence and events.
func (s *scheduler) stepChanged(st *run.Step) {
	s.changed()
	s.emit(event.KindStepStatus, event.StepStatusOf(st))
	s.emit(event.KindProgress, s.run.Progress)

	if !st.Status.IsTerminal() || s.o.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("status", string(st.Status)),
		attribute.String("error_kind", string(st.ErrorKind)),
	)
	s.o.metrics.StepsFinished.Add(s.ioCtx, 1, attrs)
	if st.StartedAt != nil && st.CompletedAt != nil {
		s.o.metrics.StepDuration.Record(s.ioCtx, st.CompletedAt.Sub(*st.StartedAt).Seconds(), attrs)
	}
}

// changed refreshes progress, persists the run and publishes a new snapshot.
func (s *scheduler) changed() {
	s.run.UpdateProgress(s.o.now().UTC())

	ctx, cancel := context.WithTimeout(s.ioCtx, persistTimeout)
	defer cancel()
	if err := s.o.runs.UpdateRun(ctx, s.run); err != nil {
		slog.ErrorContext(ctx, "persist run", "status", s.run.Status, "error", err)
	}
	s.publish()
}

func (s *scheduler) publish() {
	s.snap.Store(&snapshot{run: s.run.Clone(), seq: s.seq})
}

// emit assigns the next seq, fans the event out and appends it to the audit log.
func (s *scheduler) emit(kind event.Kind, data any) {
	s.seq++
	ev := event.New(kind, s.run.ID, s.seq, s.o.now().UTC(), data)
	s.snap.Store(&snapshot{run: s.snapshot().run, seq: s.seq})
	s.o.hub.Publish(s.ioCtx, s.run.ID, ev)
	s.o.appendAudit(s.ioCtx, s.run.TenantID, ev)
}

func failureMessage(st *run.Step) string {
	return fmt.Sprintf("step %d (%s) failed: %s", st.Position, st.AgentKey(), st.Error)
}
