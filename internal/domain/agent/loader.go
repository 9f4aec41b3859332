package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadManifestFile reads one manifest from a YAML file. Validation is left
// to the registry so that every registration path checks the same way.
func LoadManifestFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		return nil, fmt.Errorf("read manifest file %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest file %s: %w", path, err)
	}
	return &m, nil
}

// LoadManifestDirectory reads all .yaml/.yml manifests in dir.
// A missing directory yields no manifests and no error.
func LoadManifestDirectory(dir string) ([]Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read manifest directory %s: %w", dir, err)
	}

	var out []Manifest
	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		m, err := LoadManifestFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, nil
}
