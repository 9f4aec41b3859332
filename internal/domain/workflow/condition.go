package workflow

import (
	"encoding/json"
	"reflect"
	"strconv"
	"strings"
)

// Operator is a condition comparison.
type Operator string

const (
	OpCompleted Operator = "completed"
	OpFailed    Operator = "failed" // rejected in definitions: conditional runs are fail-fast
	OpSkipped   Operator = "skipped"
	OpExists    Operator = "exists"
	OpNotExists Operator = "not_exists"
	OpEquals    Operator = "equals"
	OpNotEquals Operator = "not_equals"
	OpContains  Operator = "contains"
	OpGreater   Operator = "gt"
	OpLess      Operator = "lt"
)

func (o Operator) valid() bool {
	switch o {
	case OpCompleted, OpFailed, OpSkipped, OpExists, OpNotExists,
		OpEquals, OpNotEquals, OpContains, OpGreater, OpLess:
		return true
	}
	return false
}

// needsValue reports whether the operator compares against Condition.Value.
func (o Operator) needsValue() bool {
	switch o {
	case OpEquals, OpNotEquals, OpContains, OpGreater, OpLess:
		return true
	}
	return false
}

// Condition gates a conditional step on the outcome of an earlier one.
// Step 0 refers to the run's initial input.
type Condition struct {
	Step     int             `json:"step" yaml:"step"`
	Field    string          `json:"field,omitempty" yaml:"field,omitempty"` // dot path into the output; empty = whole output
	Operator Operator        `json:"operator" yaml:"operator"`
	Value    json.RawMessage `json:"value,omitempty" yaml:"value,omitempty"`
}

// Outcome is what a condition can observe about an earlier step.
type Outcome struct {
	Status string // pending, running, completed, failed, skipped
	Output json.RawMessage
}

// Eligible reports whether all conditions hold against outcomes, keyed by position.
func Eligible(conds []Condition, outcomes map[int]Outcome) bool {
	for _, c := range conds {
		if !c.Eval(outcomes) {
			return false
		}
	}
	return true
}

// Eval evaluates one condition. Missing steps or fields never satisfy a comparison.
func (c Condition) Eval(outcomes map[int]Outcome) bool {
	o, ok := outcomes[c.Step]
	switch c.Operator {
	case OpCompleted, OpFailed, OpSkipped:
		return ok && o.Status == string(c.Operator)
	}

	var v any
	found := false
	if ok && o.Status == "completed" {
		v, found = lookup(o.Output, c.Field)
	}

	switch c.Operator {
	case OpExists:
		return found
	case OpNotExists:
		return !found
	}
	if !found {
		return false
	}

	var want any
	if err := json.Unmarshal(c.Value, &want); err != nil {
		return false
	}

	switch c.Operator {
	case OpEquals:
		return reflect.DeepEqual(v, want)
	case OpNotEquals:
		return !reflect.DeepEqual(v, want)
	case OpContains:
		return contains(v, want)
	case OpGreater, OpLess:
		a, aok := v.(float64)
		b, bok := want.(float64)
		if !aok || !bok {
			return false
		}
		if c.Operator == OpGreater {
			return a > b
		}
		return a < b
	}
	return false
}

// lookup resolves a dot path ("result.items.0.id") in a JSON document.
// A null value counts as absent.
func lookup(doc json.RawMessage, path string) (any, bool) {
	if len(doc) == 0 {
		return nil, false
	}
	var cur any
	if err := json.Unmarshal(doc, &cur); err != nil {
		return nil, false
	}
	if path != "" {
		for _, part := range strings.Split(path, ".") {
			switch node := cur.(type) {
			case map[string]any:
				next, ok := node[part]
				if !ok {
					return nil, false
				}
				cur = next
			case []any:
				i, err := strconv.Atoi(part)
				if err != nil || i < 0 || i >= len(node) {
					return nil, false
				}
				cur = node[i]
			default:
				return nil, false
			}
		}
	}
	return cur, cur != nil
}

func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(h, s)
	case []any:
		for _, e := range h {
			if reflect.DeepEqual(e, needle) {
				return true
			}
		}
	case map[string]any:
		s, ok := needle.(string)
		if !ok {
			return false
		}
		_, has := h[s]
		return has
	}
	return false
}
