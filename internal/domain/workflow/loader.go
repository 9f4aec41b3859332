package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFromFile reads and validates a single Definition from a YAML file.
func LoadFromFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		return nil, fmt.Errorf("read workflow file %s: %w", path, err)
	}

	var d Definition
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse workflow file %s: %w", path, err)
	}
	if d.Version == 0 {
		d.Version = 1
	}

	if err := Validate(&d); err != nil {
		return nil, fmt.Errorf("validate workflow file %s: %w", path, err)
	}

	return &d, nil
}

// LoadFromDirectory reads all .yaml/.yml files from a directory.
// A missing directory returns an empty slice, not an error.
func LoadFromDirectory(dir string) ([]Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read workflow directory %s: %w", dir, err)
	}

	var defs []Definition
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		d, err := LoadFromFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		defs = append(defs, *d)
	}

	return defs, nil
}

// UnmarshalYAML decodes a condition, converting its value to JSON.
func (c *Condition) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Step     int       `yaml:"step"`
		Field    string    `yaml:"field"`
		Operator Operator  `yaml:"operator"`
		Value    yaml.Node `yaml:"value"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	c.Step, c.Field, c.Operator, c.Value = raw.Step, raw.Field, raw.Operator, nil

	if raw.Value.Kind == 0 {
		return nil
	}
	var v any
	if err := raw.Value.Decode(&v); err != nil {
		return fmt.Errorf("condition value: %w", err)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("condition value: %w", err)
	}
	c.Value = b
	return nil
}
