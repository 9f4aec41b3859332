package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	tfotel "github.com/Strob0t/TeamForge/internal/adapter/otel"
	"github.com/Strob0t/TeamForge/internal/domain"
	"github.com/Strob0t/TeamForge/internal/domain/agent"
	"github.com/Strob0t/TeamForge/internal/domain/credential"
	"github.com/Strob0t/TeamForge/internal/domain/event"
	"github.com/Strob0t/TeamForge/internal/domain/run"
	"github.com/Strob0t/TeamForge/internal/domain/workflow"
	"github.com/Strob0t/TeamForge/internal/port/invoker"
)

// stepJob is everything a worker needs to run one step without touching the run.
type stepJob struct {
	runID      string
	tenantID   string
	workflowID string
	binding    workflow.Binding
	agent      *agent.Agent
	input      json.RawMessage
}

// execute runs one step to completion and reports the result through send.
func (o *OrchestratorService) execute(ctx context.Context, job stepJob, send func(stepUpdate) bool) {
	defer o.wg.Done()

	pos := job.binding.Position
	key := job.agent.Key().String()
	ctx, span := tfotel.StartStepSpan(ctx, job.runID, pos, key)

	u := stepUpdate{position: pos}
	defer func() {
		tfotel.EndSpan(span, u.err)
		send(u)
	}()

	// The agent may have been quarantined since the run was admitted.
	a, err := o.registry.Resolve(ctx, job.agent.Key())
	if err != nil {
		u.kind, u.err = errorKind(err), err
		return
	}
	job.agent = a

	capability, _ := job.agent.Capability(job.binding.Capability)

	input := job.input
	if job.binding.InputSource == workflow.SourceExternalFeed {
		in, err := o.feeds.Fetch(ctx, job.workflowID, pos)
		if err != nil {
			u.kind, u.err = run.ErrorInput, fmt.Errorf("read external feed: %w", err)
			return
		}
		input, u.input = in, in
	}
	if !capability.InputSchema.IsZero() {
		if err := capability.InputSchema.Check(input); err != nil {
			u.kind, u.err = run.ErrorValidation, fmt.Errorf("input for capability %s: %w", capability.Name, err)
			return
		}
	}

	grants, err := o.grants(ctx, job.tenantID, job.agent.CredentialServices)
	if err != nil {
		u.kind, u.err = run.ErrorCredential, err
		return
	}
	creds := make([]invoker.Credential, len(grants))
	for i, g := range grants {
		now := o.now().UTC()
		u.uses = append(u.uses, run.CredentialUse{Service: g.Service, GrantID: g.ID, UsedAt: now})
		creds[i] = invoker.Credential{
			Service:   g.Service,
			GrantID:   g.ID,
			Scopes:    g.Scopes,
			Token:     g.Secret.Reveal(),
			ExpiresAt: g.ExpiresAt,
		}
		send(stepUpdate{position: pos, log: &event.Log{
			Level:    "info",
			Message:  fmt.Sprintf("credential %s granted as %s", g.Service, g.ID),
			Position: pos,
		}})
	}

	req := &invoker.Request{
		RunID:          job.runID,
		Position:       pos,
		Agent:          key,
		Capability:     capability.Name,
		Input:          input,
		Credentials:    creds,
		AllowedDomains: job.agent.Policy.AllowedDomains,
	}
	out, attempts, err := o.invokeWithRetry(ctx, job, req, send)
	u.retries = max(attempts-1, 0)
	if err != nil {
		u.kind, u.err = errorKind(err), err
		return
	}
	u.output = out
}

func (o *OrchestratorService) grants(ctx context.Context, tenantID string, services []string) ([]*credential.Grant, error) {
	if len(services) == 0 {
		return nil, nil
	}
	if o.creds == nil {
		return nil, fmt.Errorf("no credential broker for %v: %w", services, domain.ErrCredentialNotConfigured)
	}
	return o.creds.ResolveAll(ctx, tenantID, services)
}

// invokeWithRetry spends the retry budget on one step. It returns the number
// of attempts made.
func (o *OrchestratorService) invokeWithRetry(ctx context.Context, job stepJob, req *invoker.Request, send func(stepUpdate) bool) (json.RawMessage, int, error) {
	budget := job.agent.Policy.RetryBudget
	if budget <= 0 {
		budget = o.cfg.DefaultRetryBudget
	}
	budget = max(budget, 1)
	timeout := o.stepTimeout(job)

	var lastErr error
	timedOut := false
	for attempt := 1; attempt <= budget; attempt++ {
		if attempt > 1 {
			send(stepUpdate{position: job.binding.Position, log: &event.Log{
				Level:    "warn",
				Message:  fmt.Sprintf("attempt %d/%d of %s failed, retrying: %s", attempt-1, budget, req.Agent, o.redact(lastErr.Error())),
				Position: job.binding.Position,
			}})
			if err := o.backoff.Wait(ctx, attempt-1); err != nil {
				return nil, attempt - 1, err
			}
			a, err := o.registry.Resolve(ctx, job.agent.Key())
			if err != nil {
				return nil, attempt - 1, err
			}
			job.agent = a
		}

		out, err := o.attempt(ctx, job.agent, req, timeout, attempt)
		if err == nil {
			return out, attempt, nil
		}
		if ctx.Err() != nil {
			return nil, attempt, ctx.Err()
		}
		lastErr = err
		timedOut = errors.Is(err, context.DeadlineExceeded)
	}
	return nil, budget, &domain.InvocationError{Agent: req.Agent, Attempts: budget, Timeout: timedOut, Err: lastErr}
}

// attempt makes a single invocation under the agent's admission limits, its
// circuit breaker and the effective timeout.
func (o *OrchestratorService) attempt(ctx context.Context, a *agent.Agent, req *invoker.Request, timeout time.Duration, n int) (json.RawMessage, error) {
	key := a.Key().String()
	release, err := o.admission.acquire(ctx, a)
	if err != nil {
		return nil, err
	}
	defer release()

	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ictx, span := tfotel.StartInvokeSpan(ictx, key, a.TransportOrDefault(), n)

	var resp *invoker.Response
	err = o.admission.breaker(key).Execute(func() error {
		r, err := o.invoker.Invoke(ictx, a.TransportOrDefault(), a.Endpoint, req)
		if err != nil {
			return err
		}
		if r.Error != "" {
			return fmt.Errorf("%w: %s", invoker.ErrAgentFault, r.Error)
		}
		resp = r
		return nil
	})
	if err != nil && errors.Is(ictx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("no response within %s: %w", timeout, context.DeadlineExceeded)
	}
	tfotel.EndSpan(span, err)

	if o.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		o.metrics.StepAttempts.Add(ctx, 1, metric.WithAttributes(
			attribute.String("agent", key),
			attribute.String("outcome", outcome),
		))
	}
	if err != nil {
		slog.DebugContext(ctx, "invocation attempt failed", "agent", key, "attempt", n, "error", o.redact(err.Error()))
		return nil, err
	}
	return resp.Output, nil
}

// stepTimeout picks the binding override, then the agent policy, then the default.
func (o *OrchestratorService) stepTimeout(job stepJob) time.Duration {
	if t := job.binding.Timeout(); t > 0 {
		return t
	}
	if t := job.agent.Policy.Timeout(); t > 0 {
		return t
	}
	if o.cfg.DefaultStepTimeout > 0 {
		return o.cfg.DefaultStepTimeout
	}
	return 30 * time.Second
}

func errorKind(err error) run.ErrorKind {
	var ie *domain.InvocationError
	switch {
	case errors.Is(err, domain.ErrCredential):
		return run.ErrorCredential
	case errors.As(err, &ie) && ie.Timeout:
		return run.ErrorTimeout
	case errors.Is(err, domain.ErrChecksumMismatch):
		return run.ErrorChecksum
	case errors.Is(err, domain.ErrValidation):
		return run.ErrorValidation
	default:
		return run.ErrorInvocation
	}
}
