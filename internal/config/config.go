package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models milo.yml.
type Config struct {
	Orchestrator struct {
		MaxRunning int `yaml:"max_running"`
	} `yaml:"orchestrator"`
	Dispatch struct {
		Endpoint       string `yaml:"endpoint"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"dispatch"`
	Bus struct {
		History          int `yaml:"history"`
		KeepaliveSeconds int `yaml:"keepalive_seconds"`
	} `yaml:"bus"`
	Client struct {
		PollIntervalSeconds  int `yaml:"poll_interval_seconds"`
		BackoffBaseMillis    int `yaml:"backoff_base_ms"`
		BackoffCapMillis     int `yaml:"backoff_cap_ms"`
		MaxReconnects        int `yaml:"max_reconnects"`
		ConnectTimeoutSecond int `yaml:"connect_timeout_seconds"`
	} `yaml:"client"`
	Auth struct {
		Secret  string   `yaml:"secret"`
		APIKeys []string `yaml:"api_keys"`
	} `yaml:"auth"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Orchestrator.MaxRunning < 1 {
		return fmt.Errorf("config.orchestrator.max_running must be >= 1")
	}
	if c.Bus.History < 1 {
		return fmt.Errorf("config.bus.history must be >= 1")
	}
	if c.Bus.KeepaliveSeconds < 1 {
		return fmt.Errorf("config.bus.keepalive_seconds must be >= 1")
	}
	if c.Client.PollIntervalSeconds < 1 {
		return fmt.Errorf("config.client.poll_interval_seconds must be >= 1")
	}
	if c.Client.BackoffBaseMillis < 1 || c.Client.BackoffCapMillis < c.Client.BackoffBaseMillis {
		return fmt.Errorf("config.client backoff window is invalid")
	}
	if c.Client.MaxReconnects < 0 {
		return fmt.Errorf("config.client.max_reconnects must be >= 0")
	}
	for _, k := range c.Auth.APIKeys {
		if k == "" {
			return fmt.Errorf("config.auth.api_keys contains empty key")
		}
	}
	return nil
}

// KeepaliveInterval returns the SSE keepalive interval.
func (c *Config) KeepaliveInterval() time.Duration {
	return time.Duration(c.Bus.KeepaliveSeconds) * time.Second
}

// DispatchTimeout returns the spawner request timeout.
func (c *Config) DispatchTimeout() time.Duration {
	if c.Dispatch.TimeoutSeconds < 1 {
		return 30 * time.Second
	}
	return time.Duration(c.Dispatch.TimeoutSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "milo.yml")
}

// Load reads and validates config from the workspace, falling back to defaults when
// the file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Missing sections keep
// their defaults.
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

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML for milo init.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `orchestrator:
  # Global ceiling on concurrently running tasks across all projects.
  max_running: 3

dispatch:
  # HTTP worker spawner endpoint. Empty means the local stub spawner.
  endpoint: ""
  timeout_seconds: 30

bus:
  # Ring buffer capacity for event history.
  history: 100
  keepalive_seconds: 30

client:
  poll_interval_seconds: 5
  backoff_base_ms: 1000
  backoff_cap_ms: 16000
  max_reconnects: 5
  connect_timeout_seconds: 10

auth:
  # HS256 secret for bearer tokens. Empty disables auth entirely.
  secret: ""
  api_keys: []
`
