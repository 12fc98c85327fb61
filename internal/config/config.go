package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models planline.yml.
type Config struct {
	Project struct {
		ID       string `yaml:"id"`
		BasePath string `yaml:"base_path"`
	} `yaml:"project"`
	Providers map[string]ProviderProfile `yaml:"providers"`
	Retry     RetryConfig                `yaml:"retry"`
	Defaults  struct {
		Provider       string `yaml:"provider"`
		MaxParallelism int    `yaml:"max_parallelism"`
		TaskTimeoutSec int64  `yaml:"task_timeout_seconds"`
	} `yaml:"defaults"`
}

// ProviderProfile is the capacity ceiling for one execution provider.
type ProviderProfile struct {
	MaxConcurrent     int    `yaml:"max_concurrent"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	Model             string `yaml:"model,omitempty"`
}

type RetryConfig struct {
	MaxAttempts     int     `yaml:"max_attempts"`
	InitialDelayMS  int64   `yaml:"initial_delay_ms"`
	Multiplier      float64 `yaml:"multiplier"`
	MaxDelayMS      int64   `yaml:"max_delay_ms"`
}

// DefaultProfile is the conservative profile applied to providers missing
// from the catalog.
var DefaultProfile = ProviderProfile{MaxConcurrent: 1, RequestsPerMinute: 30}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with pl project config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	for name, p := range c.Providers {
		if name == "" {
			return fmt.Errorf("config.providers contains empty provider name")
		}
		if p.MaxConcurrent < 1 {
			return fmt.Errorf("provider %s: max_concurrent must be >= 1", name)
		}
		if p.RequestsPerMinute < 1 {
			return fmt.Errorf("provider %s: requests_per_minute must be >= 1", name)
		}
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("config.retry.max_attempts must be >= 0")
	}
	if c.Retry.Multiplier != 0 && c.Retry.Multiplier < 1 {
		return fmt.Errorf("config.retry.multiplier must be >= 1")
	}
	if c.Defaults.MaxParallelism < 0 {
		return fmt.Errorf("config.defaults.max_parallelism must be >= 0")
	}
	return nil
}

// Profile returns the capacity profile for a provider, falling back to the
// conservative default for unknown providers.
func (c *Config) Profile(provider string) ProviderProfile {
	if c != nil {
		if p, ok := c.Providers[provider]; ok {
			return p
		}
	}
	return DefaultProfile
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "planline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  base_path: .

providers:
  openai:
    max_concurrent: 4
    requests_per_minute: 60
    model: gpt-4o-mini
  local:
    max_concurrent: 8
    requests_per_minute: 600

retry:
  max_attempts: 3
  initial_delay_ms: 500
  multiplier: 2
  max_delay_ms: 30000

defaults:
  provider: local
  max_parallelism: 0
  task_timeout_seconds: 600
`
