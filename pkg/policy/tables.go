package policy

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LoadTables reads policy lists from a YAML or JSON file.
func LoadTables(path string) (Tables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Tables{}, fmt.Errorf("failed to read policy file: %w", err)
	}

	// JSON documents are valid YAML, so one decoder serves both formats.
	var tables Tables
	if err := yaml.Unmarshal(data, &tables); err != nil {
		return Tables{}, fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}
	if err := tables.Validate(); err != nil {
		return Tables{}, fmt.Errorf("policy file %s: %w", path, err)
	}

	return tables, nil
}

// SaveTables writes policy lists to path as YAML.
func SaveTables(path string, tables Tables) error {
	data, err := yaml.Marshal(tables)
	if err != nil {
		return fmt.Errorf("failed to marshal policy tables: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create policy directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write policy file: %w", err)
	}
	return nil
}
