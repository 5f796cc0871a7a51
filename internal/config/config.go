package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models pawline.yml.
type Config struct {
	Limits struct {
		MaxMessageLength int `yaml:"max_message_length"`
		DefaultPageSize  int `yaml:"default_page_size"`
		MaxPageSize      int `yaml:"max_page_size"`
	} `yaml:"limits"`
	Retry struct {
		Attempts int `yaml:"attempts"`
	} `yaml:"retry"`
	Documents struct {
		Dir string `yaml:"dir"`
	} `yaml:"documents"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig describes one fan-out subscriber.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Limits.MaxMessageLength <= 0 {
		return fmt.Errorf("config.limits.max_message_length must be positive")
	}
	if c.Limits.DefaultPageSize <= 0 {
		return fmt.Errorf("config.limits.default_page_size must be positive")
	}
	if c.Limits.MaxPageSize < c.Limits.DefaultPageSize {
		return fmt.Errorf("config.limits.max_page_size must be >= default_page_size")
	}
	if c.Retry.Attempts <= 0 {
		return fmt.Errorf("config.retry.attempts must be positive")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "pawline.yml")
}

// Load reads and validates config from a workspace, falling back to defaults
// when no file exists.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Omitted sections
// keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `limits:
  max_message_length: 4000
  default_page_size: 50
  max_page_size: 200

retry:
  attempts: 3

documents:
  dir: ""

webhooks: []
`
