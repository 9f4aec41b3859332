// Package workflow defines team workflow definitions: ordered agent bindings
// scheduled according to a topology.
package workflow

import (
	"slices"
	"time"

	"github.com/Strob0t/TeamForge/internal/domain/agent"
)

// Topology is the scheduling discipline for a workflow's steps.
type Topology string

const (
	TopologySequential  Topology = "sequential"
	TopologyParallel    Topology = "parallel"
	TopologyConditional Topology = "conditional"
	TopologyPipeline    Topology = "pipeline"
)

// Role is the part a binding plays within the team.
type Role string

const (
	RoleLeader      Role = "leader"
	RoleMember      Role = "member"
	RoleCoordinator Role = "coordinator"
)

// InputSource selects where a step's input payload comes from.
type InputSource string

const (
	SourceInitialInput       InputSource = "initial_input"
	SourcePreviousStepOutput InputSource = "previous_step_output"
	SourceExternalFeed       InputSource = "external_feed"
	SourceUserSupplied       InputSource = "user_supplied"
)

// FailurePolicy decides the run outcome of a parallel workflow with failed steps.
type FailurePolicy string

const (
	// FailureTolerant fails the run only when no step completed.
	FailureTolerant FailurePolicy = "tolerant"
	// FailureStrict fails the run unless every step completed.
	FailureStrict FailurePolicy = "strict"
)

// Options holds topology-level switches.
type Options struct {
	FailurePolicy FailurePolicy `json:"failure_policy,omitempty" yaml:"failure_policy,omitempty"`
}

// Binding places one agent version at a position in the workflow.
type Binding struct {
	AgentID        string      `json:"agent_id" yaml:"agent_id"`
	AgentVersion   string      `json:"agent_version" yaml:"agent_version"`
	Role           Role        `json:"role" yaml:"role"`
	Position       int         `json:"position" yaml:"position"`
	InputSource    InputSource `json:"input_source" yaml:"input_source"`
	Conditions     []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	TimeoutSeconds int         `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	Capability     string      `json:"capability,omitempty" yaml:"capability,omitempty"` // empty = agent's first capability
}

// AgentKey returns the registry key of the bound agent.
func (b *Binding) AgentKey() agent.Key {
	return agent.Key{ID: b.AgentID, Version: b.AgentVersion}
}

// Timeout returns the binding override, or zero when unset.
func (b *Binding) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// Definition is one immutable version of a team workflow.
type Definition struct {
	ID        string    `json:"id" yaml:"id"`
	Version   int       `json:"version" yaml:"version"`
	TenantID  string    `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	TeamID    string    `json:"team_id,omitempty" yaml:"team_id,omitempty"`
	Name      string    `json:"name" yaml:"name"`
	Topology  Topology  `json:"topology" yaml:"topology"`
	Bindings  []Binding `json:"bindings" yaml:"bindings"`
	Options   Options   `json:"options" yaml:"options"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
}

// FailurePolicy returns the effective parallel failure policy.
func (d *Definition) FailurePolicy() FailurePolicy {
	if d.Options.FailurePolicy == "" {
		return FailureTolerant
	}
	return d.Options.FailurePolicy
}

// Binding returns the binding at position.
func (d *Definition) Binding(position int) (*Binding, bool) {
	for i := range d.Bindings {
		if d.Bindings[i].Position == position {
			return &d.Bindings[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy. Runs hold a clone so later edits never reach them.
// Bindings in the copy are ordered by position.
func (d *Definition) Clone() *Definition {
	c := *d
	c.Bindings = make([]Binding, len(d.Bindings))
	for i, b := range d.Bindings {
		b.Conditions = slices.Clone(b.Conditions)
		for j := range b.Conditions {
			b.Conditions[j].Value = slices.Clone(b.Conditions[j].Value)
		}
		c.Bindings[i] = b
	}
	slices.SortFunc(c.Bindings, func(a, b Binding) int { return a.Position - b.Position })
	return &c
}

// AgentKeys returns the distinct agent keys referenced by the definition, in position order.
func (d *Definition) AgentKeys() []agent.Key {
	seen := make(map[agent.Key]bool, len(d.Bindings))
	var keys []agent.Key
	for _, b := range d.Clone().Bindings {
		k := b.AgentKey()
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	return keys
}
