package workflow

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/Strob0t/TeamForge/internal/domain"
	"github.com/Strob0t/TeamForge/internal/domain/agent"
)

// Validate checks the definition's structure and topology rules.
// It returns domain.ValidationErrors listing every violation, or nil.
func Validate(d *Definition) error {
	var errs domain.ValidationErrors

	if d.ID == "" {
		errs.Add("id", "is required")
	}
	if d.Name == "" {
		errs.Add("name", "is required")
	}
	switch d.Topology {
	case TopologySequential, TopologyParallel, TopologyConditional, TopologyPipeline:
	default:
		errs.Add("topology", "unknown topology %q", d.Topology)
	}
	switch d.Options.FailurePolicy {
	case "", FailureTolerant, FailureStrict:
	default:
		errs.Add("options.failure_policy", "must be %q or %q", FailureTolerant, FailureStrict)
	}

	if len(d.Bindings) == 0 {
		errs.Add("bindings", "must not be empty")
		return errs.Err()
	}

	positions := make(map[int]int, len(d.Bindings))
	leaders := 0
	for i := range d.Bindings {
		b := &d.Bindings[i]
		f := fmt.Sprintf("bindings[%d]", i)

		if prev, dup := positions[b.Position]; dup {
			errs.Add(f+".position", "duplicate position %d (also bindings[%d])", b.Position, prev)
		}
		positions[b.Position] = i

		if !agent.ValidSlug(b.AgentID) {
			errs.Add(f+".agent_id", "must match ^[a-z0-9-]+$, got %q", b.AgentID)
		}
		if !agent.ValidVersion(b.AgentVersion) {
			errs.Add(f+".agent_version", "must be a semantic version, got %q", b.AgentVersion)
		}
		switch b.Role {
		case RoleLeader:
			leaders++
		case RoleMember, RoleCoordinator:
		default:
			errs.Add(f+".role", "unknown role %q", b.Role)
		}
		switch b.InputSource {
		case SourceInitialInput, SourcePreviousStepOutput, SourceExternalFeed, SourceUserSupplied:
		default:
			errs.Add(f+".input_source", "unknown input source %q", b.InputSource)
		}
		if b.TimeoutSeconds < 0 {
			errs.Add(f+".timeout_seconds", "must be non-negative")
		}
		if b.Position == 1 && b.InputSource == SourcePreviousStepOutput {
			errs.Add(f+".input_source", "first step has no previous output")
		}

		validateTopologyRules(d.Topology, b, f, &errs)
	}

	for p := 1; p <= len(d.Bindings); p++ {
		if _, ok := positions[p]; !ok {
			errs.Add("bindings", "positions must be contiguous from 1, missing %d", p)
			break
		}
	}
	if leaders > 1 {
		errs.Add("bindings", "at most one leader allowed, found %d", leaders)
	}

	return errs.Err()
}

func validateTopologyRules(t Topology, b *Binding, f string, errs *domain.ValidationErrors) {
	switch t {
	case TopologyPipeline:
		if b.Position > 1 && b.InputSource != SourcePreviousStepOutput {
			errs.Add(f+".input_source", "pipeline steps after the first must use %q", SourcePreviousStepOutput)
		}
	case TopologyParallel:
		if b.InputSource == SourcePreviousStepOutput {
			errs.Add(f+".input_source", "parallel steps cannot use %q", SourcePreviousStepOutput)
		}
	case TopologyConditional:
		if b.Role != RoleLeader && len(b.Conditions) == 0 {
			errs.Add(f+".conditions", "non-leader steps in a conditional workflow need at least one condition")
		}
	}

	if t != TopologyConditional && len(b.Conditions) > 0 {
		errs.Add(f+".conditions", "conditions are only allowed in conditional workflows")
		return
	}
	for j, c := range b.Conditions {
		cf := fmt.Sprintf("%s.conditions[%d]", f, j)
		if c.Step < 0 || c.Step >= b.Position {
			errs.Add(cf+".step", "must reference an earlier position (0..%d), got %d", b.Position-1, c.Step)
		}
		if !c.Operator.valid() {
			errs.Add(cf+".operator", "unknown operator %q", c.Operator)
			continue
		}
		if c.Operator == OpFailed {
			errs.Add(cf+".operator", "a failed step ends a conditional run, so %q can never hold", c.Operator)
			continue
		}
		if !c.Operator.needsValue() {
			continue
		}
		var v any
		if len(c.Value) == 0 || json.Unmarshal(c.Value, &v) != nil {
			errs.Add(cf+".value", "operator %q needs a JSON value", c.Operator)
			continue
		}
		if c.Operator == OpGreater || c.Operator == OpLess {
			if _, ok := v.(float64); !ok {
				errs.Add(cf+".value", "operator %q needs a number", c.Operator)
			}
		}
	}
}

// Dependencies returns, for every position, the positions that must be terminal
// before it may start. Position 0 (initial input) is never listed.
func Dependencies(d *Definition) map[int][]int {
	deps := make(map[int][]int, len(d.Bindings))
	for _, b := range d.Bindings {
		var ds []int
		switch d.Topology {
		case TopologySequential, TopologyPipeline:
			if b.Position > 1 {
				ds = append(ds, b.Position-1)
			}
		case TopologyConditional:
			for _, c := range b.Conditions {
				if c.Step > 0 {
					ds = append(ds, c.Step)
				}
			}
			if b.InputSource == SourcePreviousStepOutput && b.Position > 1 {
				ds = append(ds, b.Position-1)
			}
		}
		slices.Sort(ds)
		deps[b.Position] = slices.Compact(ds)
	}
	return deps
}

// ValidationErrors lists every definition violation found in one pass.
type ValidationErrors = domain.ValidationErrors
