// Package run defines workflow executions (runs) and their steps.
package run

import (
	"encoding/json"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/Strob0t/TeamForge/internal/domain/workflow"
)

// Status represents the current state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the run can no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StepStatus represents the current state of a step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// IsTerminal reports whether the step reached a final state.
func (s StepStatus) IsTerminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// ErrorKind classifies a failed step so operators can tell agent faults
// from credential or registry problems.
type ErrorKind string

const (
	ErrorInvocation ErrorKind = "invocation"
	ErrorTimeout    ErrorKind = "timeout"
	ErrorCredential ErrorKind = "credential"
	ErrorValidation ErrorKind = "validation"
	ErrorChecksum   ErrorKind = "checksum"
	ErrorInput      ErrorKind = "input"
)

// CredentialUse is the audit marker left on a step when a grant was handed to it.
// It never carries secret material.
type CredentialUse struct {
	Service string    `json:"service"`
	GrantID string    `json:"grant_id"`
	UsedAt  time.Time `json:"used_at"`
}

// Step is one agent invocation within a run.
type Step struct {
	Position       int             `json:"position"`
	AgentID        string          `json:"agent_id"`
	AgentVersion   string          `json:"agent_version"`
	Role           workflow.Role   `json:"role"`
	Capability     string          `json:"capability,omitempty"`
	Status         StepStatus      `json:"status"`
	Input          json.RawMessage `json:"input,omitempty"`
	Output         json.RawMessage `json:"output,omitempty"`
	Error          string          `json:"error,omitempty"`
	ErrorKind      ErrorKind       `json:"error_kind,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	RetryCount     int             `json:"retry_count"`
	CredentialUses []CredentialUse `json:"credential_uses,omitempty"`
}

// AgentKey returns "id@version" of the bound agent.
func (s *Step) AgentKey() string { return s.AgentID + "@" + s.AgentVersion }

// Progress summarizes how far a run has come.
type Progress struct {
	CompletedAgents int     `json:"completed_agents"`
	TotalAgents     int     `json:"total_agents"`
	CurrentAgent    string  `json:"current_agent,omitempty"`
	Percentage      float64 `json:"percentage"`
}

// Run is one execution of a frozen workflow definition against one input.
type Run struct {
	ID                  string                  `json:"id"`
	WorkflowID          string                  `json:"workflow_id"`
	WorkflowVersion     int                     `json:"workflow_version"`
	Definition          *workflow.Definition    `json:"definition"`
	TenantID            string                  `json:"tenant_id"`
	TeamID              string                  `json:"team_id,omitempty"`
	OwnerID             string                  `json:"owner_id,omitempty"`
	InputData           json.RawMessage         `json:"input_data,omitempty"`
	StepInputs          map[int]json.RawMessage `json:"step_inputs,omitempty"`
	Status              Status                  `json:"status"`
	Steps               []Step                  `json:"steps"`
	Progress            Progress                `json:"progress"`
	Output              json.RawMessage         `json:"output,omitempty"`
	ErrorMessage        string                  `json:"error_message,omitempty"`
	CreatedAt           time.Time               `json:"created_at"`
	StartedAt           *time.Time              `json:"started_at,omitempty"`
	CompletedAt         *time.Time              `json:"completed_at,omitempty"`
	EstimatedCompletion *time.Time              `json:"estimated_completion,omitempty"`
}

// SubmitRequest holds what a caller supplies to start a run.
type SubmitRequest struct {
	WorkflowID string                  `json:"-"`
	TenantID   string                  `json:"-"`
	OwnerID    string                  `json:"-"`
	InputData  json.RawMessage         `json:"input_data"`
	StepInputs map[int]json.RawMessage `json:"step_inputs,omitempty"`
	Confirmed  bool                    `json:"confirmed,omitempty"` // acknowledges agents that require confirmation
}

// ListFilter narrows run listings. Zero values match everything.
type ListFilter struct {
	TenantID   string
	Status     Status
	TeamID     string
	WorkflowID string
	Limit      int
	Offset     int
}

// New creates a pending run over a private copy of def with one pending step per binding.
func New(id string, def *workflow.Definition, req *SubmitRequest, now time.Time) *Run {
	snap := def.Clone()
	r := &Run{
		ID:              id,
		WorkflowID:      snap.ID,
		WorkflowVersion: snap.Version,
		Definition:      snap,
		TenantID:        req.TenantID,
		TeamID:          snap.TeamID,
		OwnerID:         req.OwnerID,
		InputData:       slices.Clone(req.InputData),
		StepInputs:      cloneInputs(req.StepInputs),
		Status:          StatusPending,
		Steps:           make([]Step, len(snap.Bindings)),
		CreatedAt:       now,
	}
	for i, b := range snap.Bindings {
		r.Steps[i] = Step{
			Position:     b.Position,
			AgentID:      b.AgentID,
			AgentVersion: b.AgentVersion,
			Role:         b.Role,
			Capability:   b.Capability,
			Status:       StepPending,
		}
	}
	r.Progress.TotalAgents = len(r.Steps)
	return r
}

// Step returns the step at position.
func (r *Run) Step(position int) *Step {
	for i := range r.Steps {
		if r.Steps[i].Position == position {
			return &r.Steps[i]
		}
	}
	return nil
}

// Clone returns a deep copy suitable for handing to readers.
func (r *Run) Clone() *Run {
	c := *r
	c.InputData = slices.Clone(r.InputData)
	c.StepInputs = cloneInputs(r.StepInputs)
	c.Output = slices.Clone(r.Output)
	c.StartedAt = cloneTime(r.StartedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.EstimatedCompletion = cloneTime(r.EstimatedCompletion)
	if r.Definition != nil {
		c.Definition = r.Definition.Clone()
	}
	c.Steps = make([]Step, len(r.Steps))
	for i, s := range r.Steps {
		s.Input = slices.Clone(s.Input)
		s.Output = slices.Clone(s.Output)
		s.StartedAt = cloneTime(s.StartedAt)
		s.CompletedAt = cloneTime(s.CompletedAt)
		s.CredentialUses = slices.Clone(s.CredentialUses)
		c.Steps[i] = s
	}
	return &c
}

// UpdateProgress recomputes the progress summary and the completion estimate.
// The estimate projects the mean duration of finished steps over the remaining ones.
func (r *Run) UpdateProgress(now time.Time) {
	var done, terminal int
	var spent time.Duration
	var running []string
	for i := range r.Steps {
		s := &r.Steps[i]
		switch s.Status {
		case StepCompleted:
			done++
		case StepRunning:
			running = append(running, s.AgentKey())
		}
		if s.Status.IsTerminal() {
			terminal++
			if s.StartedAt != nil && s.CompletedAt != nil {
				spent += s.CompletedAt.Sub(*s.StartedAt)
			}
		}
	}

	r.Progress.CompletedAgents = done
	r.Progress.TotalAgents = len(r.Steps)
	r.Progress.CurrentAgent = strings.Join(running, ",")
	if len(r.Steps) > 0 {
		r.Progress.Percentage = float64(terminal) * 100 / float64(len(r.Steps))
	}

	switch {
	case r.Status.IsTerminal():
		r.EstimatedCompletion = nil
	case terminal > 0:
		mean := spent / time.Duration(terminal)
		eta := now.Add(mean * time.Duration(len(r.Steps)-terminal))
		r.EstimatedCompletion = &eta
	}
}

// Outcomes returns what conditions can observe: position 0 is the initial input.
func (r *Run) Outcomes() map[int]workflow.Outcome {
	out := make(map[int]workflow.Outcome, len(r.Steps)+1)
	out[0] = workflow.Outcome{Status: string(StepCompleted), Output: r.InputData}
	for _, s := range r.Steps {
		out[s.Position] = workflow.Outcome{Status: string(s.Status), Output: s.Output}
	}
	return out
}

func cloneInputs(in map[int]json.RawMessage) map[int]json.RawMessage {
	if in == nil {
		return nil
	}
	out := maps.Clone(in)
	for k, v := range out {
		out[k] = slices.Clone(v)
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
