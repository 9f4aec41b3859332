package messagequeue

import (
	"encoding/json"
	"time"
)

// InvokeRequestPayload is the schema for agents.invoke.{agent_id} requests.
type InvokeRequestPayload struct {
	RunID      string          `json:"run_id"`
	Position   int             `json:"position"`
	Agent      string          `json:"agent"`
	Capability string          `json:"capability"`
	Input      json.RawMessage `json:"input"`
}

// InvokeReplyPayload is the schema for replies to agents.invoke requests.
type InvokeReplyPayload struct {
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error"`
}

// AuditPayload is the schema for audit.events.{run_id} messages.
type AuditPayload struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	RunID     string          `json:"run_id"`
	Seq       uint64          `json:"seq"`
	Kind      string          `json:"kind"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

// RunEventPayload is the schema for runs.events.{run_id} messages.
type RunEventPayload struct {
	Type  string          `json:"type"`
	RunID string          `json:"run_id"`
	Seq   uint64          `json:"seq"`
	At    time.Time       `json:"at"`
	Data  json.RawMessage `json:"data"`
}

// AlertPayload is the schema for ops.alerts messages.
type AlertPayload struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Level   string `json:"level"`
	Source  string `json:"source"`
}
