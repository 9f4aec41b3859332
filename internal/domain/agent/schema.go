package agent

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"

	"github.com/Strob0t/TeamForge/internal/domain"
)

// Property types understood by the schema view.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeObject  = "object"
	TypeArray   = "array"
)

var propertyTypes = []string{TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeObject, TypeArray}

// Schema is a narrow typed view over a capability's JSON input schema.
// Only the top-level object shape is checked; nested values are type-checked
// by their declared property type.
type Schema struct {
	Type                 string              `json:"type" yaml:"type"`
	Properties           map[string]Property `json:"properties,omitempty" yaml:"properties,omitempty"`
	Required             []string            `json:"required,omitempty" yaml:"required,omitempty"`
	AdditionalProperties *bool               `json:"additionalProperties,omitempty" yaml:"additionalProperties,omitempty"`
}

// Property describes one top-level field.
type Property struct {
	Type        string   `json:"type" yaml:"type"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Enum        []string `json:"enum,omitempty" yaml:"enum,omitempty"`
}

// IsZero reports whether the schema was omitted.
func (s Schema) IsZero() bool {
	return s.Type == "" && len(s.Properties) == 0 && len(s.Required) == 0
}

// validate appends structural violations of the schema itself.
func (s Schema) validate(field string, errs *domain.ValidationErrors) {
	if s.IsZero() {
		errs.Add(field, "schema is required")
		return
	}
	if s.Type != TypeObject {
		errs.Add(field+".type", "must be %q, got %q", TypeObject, s.Type)
	}
	for name, p := range s.Properties {
		pf := field + ".properties." + name
		if !slices.Contains(propertyTypes, p.Type) {
			errs.Add(pf+".type", "unknown type %q", p.Type)
		}
		if len(p.Enum) > 0 && p.Type != TypeString {
			errs.Add(pf+".enum", "enum is only supported for string properties")
		}
	}
	for _, r := range s.Required {
		if _, ok := s.Properties[r]; !ok {
			errs.Add(field+".required", "%q is not a declared property", r)
		}
	}
}

// Check validates a JSON document against the schema.
// An empty document is treated as an empty object.
func (s Schema) Check(doc json.RawMessage) error {
	var errs domain.ValidationErrors
	fields := map[string]any{}
	if len(doc) > 0 && string(doc) != "null" {
		if err := json.Unmarshal(doc, &fields); err != nil {
			errs.Add("", "input must be a JSON object: %v", err)
			return errs.Err()
		}
	}

	for _, r := range s.Required {
		if _, ok := fields[r]; !ok {
			errs.Add(r, "is required")
		}
	}
	for name, v := range fields {
		p, declared := s.Properties[name]
		if !declared {
			if s.AdditionalProperties != nil && !*s.AdditionalProperties {
				errs.Add(name, "is not allowed")
			}
			continue
		}
		if msg := checkValue(p, v); msg != "" {
			errs.Add(name, "%s", msg)
		}
	}
	return errs.Err()
}

func checkValue(p Property, v any) string {
	if v == nil {
		return ""
	}
	switch p.Type {
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return fmt.Sprintf("must be a string, got %T", v)
		}
		if len(p.Enum) > 0 && !slices.Contains(p.Enum, s) {
			return fmt.Sprintf("must be one of %v", p.Enum)
		}
	case TypeNumber:
		if _, ok := v.(float64); !ok {
			return fmt.Sprintf("must be a number, got %T", v)
		}
	case TypeInteger:
		f, ok := v.(float64)
		if !ok || f != math.Trunc(f) {
			return "must be an integer"
		}
	case TypeBoolean:
		if _, ok := v.(bool); !ok {
			return fmt.Sprintf("must be a boolean, got %T", v)
		}
	case TypeObject:
		if _, ok := v.(map[string]any); !ok {
			return "must be an object"
		}
	case TypeArray:
		if _, ok := v.([]any); !ok {
			return "must be an array"
		}
	}
	return ""
}
