// Package agent defines versioned agent manifests held by the registry.
package agent

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a registered agent version.
type Status string

const (
	StatusActive     Status = "active"
	StatusInactive   Status = "inactive"
	StatusDeprecated Status = "deprecated"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusDeprecated:
		return true
	}
	return false
}

// Invocable reports whether bindings to an agent in this status may run.
// Deprecated agents still run; callers should warn.
func (s Status) Invocable() bool {
	return s == StatusActive || s == StatusDeprecated
}

// Transport names how the uniform invocation contract reaches an agent.
const (
	TransportHTTP = "http"
	TransportNATS = "nats"
)

// Key identifies one agent version. Its string form is "id@version".
type Key struct {
	ID      string
	Version string
}

func (k Key) String() string { return k.ID + "@" + k.Version }

// ParseKey splits "id@version".
func ParseKey(s string) (Key, error) {
	id, version, ok := strings.Cut(s, "@")
	if !ok || id == "" || version == "" {
		return Key{}, fmt.Errorf("invalid agent key %q", s)
	}
	return Key{ID: id, Version: version}, nil
}

// Capability is one named operation an agent exposes.
type Capability struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	InputSchema Schema `json:"input_schema" yaml:"input_schema"`
}

// Policy bounds how the engine may invoke an agent.
type Policy struct {
	RateLimitPerMinute      int      `json:"rate_limit_per_minute,omitempty" yaml:"rate_limit_per_minute,omitempty"`     // 0 = unlimited
	MaxConcurrentExecutions int      `json:"max_concurrent_executions,omitempty" yaml:"max_concurrent_executions,omitempty"` // 0 = engine default
	TimeoutSeconds          int      `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`           // 0 = engine default
	CostPerCall             float64  `json:"cost_per_call,omitempty" yaml:"cost_per_call,omitempty"`
	RequiresConfirmation    bool     `json:"requires_confirmation,omitempty" yaml:"requires_confirmation,omitempty"`
	AllowedDomains          []string `json:"allowed_domains,omitempty" yaml:"allowed_domains,omitempty"`
	RetryBudget             int      `json:"retry_budget,omitempty" yaml:"retry_budget,omitempty"` // total attempts, 0 = engine default
}

// Timeout returns the policy timeout, or zero when unset.
func (p Policy) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// Manifest is the declarative, checksummed description of an agent version.
type Manifest struct {
	AgentID            string       `json:"agent_id" yaml:"agent_id"`
	Name               string       `json:"name" yaml:"name"`
	Version            string       `json:"version" yaml:"version"`
	Capabilities       []Capability `json:"capabilities" yaml:"capabilities"`
	Policy             Policy       `json:"policy" yaml:"policy"`
	Dependencies       []string     `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	CredentialServices []string     `json:"credential_services,omitempty" yaml:"credential_services,omitempty"`
	Transport          string       `json:"transport,omitempty" yaml:"transport,omitempty"` // default http
	Endpoint           string       `json:"endpoint" yaml:"endpoint"`
}

// Key returns the binding key of the manifest.
func (m *Manifest) Key() Key { return Key{ID: m.AgentID, Version: m.Version} }

// Capability returns the named capability. An empty name selects the first one.
func (m *Manifest) Capability(name string) (Capability, bool) {
	if len(m.Capabilities) == 0 {
		return Capability{}, false
	}
	if name == "" {
		return m.Capabilities[0], true
	}
	for _, c := range m.Capabilities {
		if c.Name == name {
			return c, true
		}
	}
	return Capability{}, false
}

// TransportOrDefault returns the configured transport, defaulting to http.
func (m *Manifest) TransportOrDefault() string {
	if m.Transport == "" {
		return TransportHTTP
	}
	return m.Transport
}

// Agent is a registered manifest with its stored checksum and lifecycle status.
type Agent struct {
	Manifest
	Status    Status    `json:"status"`
	Checksum  string    `json:"checksum"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
