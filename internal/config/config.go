// Package config loads and validates the warden.json configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/iambrandonn/warden/internal/fsutil"
)

// DefaultFileName is the config filename searched for by Find
const DefaultFileName = "warden.json"

// Config represents the warden.json configuration file
type Config struct {
	Version     string `json:"version"`
	Worker      Worker `json:"worker"`
	Policy      Policy `json:"policy"`
	EventLog    string `json:"event_log,omitempty"`
	MetricsAddr string `json:"metrics_addr,omitempty"`
	Trace       bool   `json:"trace,omitempty"`
}

// Worker configures the command launched for each operation
type Worker struct {
	Cmd []string          `json:"cmd"`
	Env map[string]string `json:"env,omitempty"`
}

// Policy contains supervision policy settings
type Policy struct {
	GraceMs          int `json:"grace_ms"`
	DefaultTimeoutMs int `json:"default_timeout_ms"`
	MessageMaxBytes  int `json:"message_max_bytes"`
	DrainMs          int `json:"drain_ms"`
}

// GenerateDefault creates a new Config with default values
func GenerateDefault() *Config {
	return &Config{
		Version: "1.0",
		Worker: Worker{
			Cmd: []string{"warden-worker"},
		},
		Policy: Policy{
			GraceMs:          5000,
			DefaultTimeoutMs: 600000,
			MessageMaxBytes:  262144,
			DrainMs:          30000,
		},
	}
}

// Validate checks the configuration for errors and returns user-friendly error messages
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("configuration error: missing required field 'version'\n\nHint: Add a version field like:\n  \"version\": \"1.0\"")
	}

	if len(c.Worker.Cmd) == 0 {
		return fmt.Errorf("configuration error: 'worker.cmd' is empty\n\nHint: Specify the command launched for each operation:\n  \"worker\": {\n    \"cmd\": [\"warden-worker\"]\n  }")
	}

	if c.Policy.GraceMs < 0 {
		return fmt.Errorf("configuration error: 'policy.grace_ms' must not be negative, got %d", c.Policy.GraceMs)
	}

	if c.Policy.DefaultTimeoutMs < 0 {
		return fmt.Errorf("configuration error: 'policy.default_timeout_ms' must not be negative, got %d", c.Policy.DefaultTimeoutMs)
	}

	if c.Policy.DrainMs < 0 {
		return fmt.Errorf("configuration error: 'policy.drain_ms' must not be negative, got %d", c.Policy.DrainMs)
	}

	return nil
}

// LoadFromFile loads a configuration from a JSON file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return &cfg, nil
}

// SaveToFile writes the configuration atomically with 0600 permissions
func (c *Config) SaveToFile(path string) error {
	if err := fsutil.AtomicWriteJSON(path, c); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}

// Find locates warden.json by walking up from startDir toward the filesystem
// root. Returns the path of the nearest config file, or an error when no
// ancestor directory contains one.
func Find(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve start directory: %w", err)
	}

	for {
		candidate := filepath.Join(dir, DefaultFileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%s not found (starting from %s)", DefaultFileName, startDir)
		}
		dir = parent
	}
}
