// Package invoker defines the uniform agent invocation contract and its
// transport registry.
package invoker

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrAgentFault is returned when the agent answered but reported an error.
var ErrAgentFault = errors.New("agent reported an error")

// Credential is a grant as it crosses the transport boundary.
type Credential struct {
	Service   string    `json:"service"`
	GrantID   string    `json:"grant_id"`
	Scopes    []string  `json:"scopes,omitempty"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// Request is the payload every agent receives.
type Request struct {
	RunID          string          `json:"run_id"`
	Position       int             `json:"position"`
	Agent          string          `json:"agent"` // id@version
	Capability     string          `json:"capability"`
	Input          json.RawMessage `json:"input"`
	Credentials    []Credential    `json:"credentials,omitempty"`
	AllowedDomains []string        `json:"allowed_domains,omitempty"`
}

// Response is what an agent returns. A non-empty Error marks a failed call.
type Response struct {
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Invoker calls one agent endpoint. Implementations honour ctx deadlines.
type Invoker interface {
	Invoke(ctx context.Context, endpoint string, req *Request) (*Response, error)
}

// Func adapts a function to Invoker.
type Func func(ctx context.Context, endpoint string, req *Request) (*Response, error)

// Invoke implements Invoker.
func (f Func) Invoke(ctx context.Context, endpoint string, req *Request) (*Response, error) {
	return f(ctx, endpoint, req)
}
