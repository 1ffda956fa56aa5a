package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadDir reads all .yaml/.yml pipeline specs from dir, keyed by spec name.
// A missing directory is not an error; it simply yields no custom pipelines.
func LoadDir(dir string) (map[string]Spec, error) {
	specs := make(map[string]Spec)
	if dir == "" {
		return specs, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return specs, nil
		}
		return nil, fmt.Errorf("read pipeline dir %s: %w", dir, err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		spec, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if _, dup := specs[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate pipeline name %q in %s", spec.Name, e.Name())
		}
		specs[spec.Name] = *spec
	}
	return specs, nil
}

// LoadFile parses and validates a single YAML pipeline spec.
func LoadFile(path string) (*Spec, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from configured pipeline dir
	if err != nil {
		return nil, fmt.Errorf("read pipeline %s: %w", path, err)
	}

	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse pipeline %s: %w", path, err)
	}
	if spec.Name == "" {
		spec.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", path, err)
	}
	return &spec, nil
}
