// Package event defines run-scoped events fanned out to observers and the audit sink.
package event

import (
	"encoding/json"
	"time"

	"github.com/Strob0t/TeamForge/internal/domain/run"
)

// Kind identifies an event. Server-to-client messages use these as "type".
type Kind string

const (
	KindRunStatus    Kind = "run.status"
	KindStepStatus   Kind = "step.status"
	KindProgress     Kind = "progress"
	KindLog          Kind = "log"
	KindHeartbeatAck Kind = "heartbeat_ack"
	KindError        Kind = "error"
)

// Event is one ordered notification about a run. Seq increases by one per
// event within a run and is assigned by the run's scheduler.
type Event struct {
	Type  Kind            `json:"type"`
	RunID string          `json:"run_id,omitempty"`
	Seq   uint64          `json:"seq,omitempty"`
	At    time.Time       `json:"at"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// New builds an event, encoding data as its payload.
func New(kind Kind, runID string, seq uint64, at time.Time, data any) Event {
	ev := Event{Type: kind, RunID: runID, Seq: seq, At: at}
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			ev.Data = b
		}
	}
	return ev
}

// RunStatus is the payload of KindRunStatus.
type RunStatus struct {
	Status       run.Status   `json:"status"`
	ErrorMessage string       `json:"error_message,omitempty"`
	Progress     run.Progress `json:"progress"`
}

// StepStatus is the payload of KindStepStatus.
type StepStatus struct {
	Position   int            `json:"position"`
	Agent      string         `json:"agent"`
	Status     run.StepStatus `json:"status"`
	Error      string         `json:"error,omitempty"`
	ErrorKind  run.ErrorKind  `json:"error_kind,omitempty"`
	RetryCount int            `json:"retry_count"`
}

// Log is the payload of KindLog.
type Log struct {
	Level    string `json:"level"`
	Message  string `json:"message"`
	Position int    `json:"position,omitempty"`
}

// Error is the payload of KindError sent for malformed client messages.
type Error struct {
	Message string `json:"message"`
}

// RunStatusOf snapshots the status payload of r.
func RunStatusOf(r *run.Run) RunStatus {
	return RunStatus{Status: r.Status, ErrorMessage: r.ErrorMessage, Progress: r.Progress}
}

// StepStatusOf snapshots the status payload of s.
func StepStatusOf(s *run.Step) StepStatus {
	return StepStatus{
		Position:   s.Position,
		Agent:      s.AgentKey(),
		Status:     s.Status,
		Error:      s.Error,
		ErrorKind:  s.ErrorKind,
		RetryCount: s.RetryCount,
	}
}

// AuditEntry is an append-only record of a run event.
type AuditEntry struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id,omitempty"`
	RunID     string          `json:"run_id"`
	Seq       uint64          `json:"seq"`
	Kind      Kind            `json:"kind"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
