package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models prepline.yml for one weighing station.
type Config struct {
	Station struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"station"`
	Scale struct {
		Addr             string `yaml:"addr"`
		BackoffMs        []int  `yaml:"backoff_ms"`
		KeepAliveSeconds int    `yaml:"keep_alive_seconds"`
	} `yaml:"scale"`
	Stability struct {
		WindowMs   int     `yaml:"window_ms"`
		MinCount   int     `yaml:"min_count"`
		EpsilonG   float64 `yaml:"epsilon_g"`
		CooldownMs int     `yaml:"cooldown_ms"`
	} `yaml:"stability"`
	Weighing struct {
		TolerancePct     float64 `yaml:"tolerance_pct"`
		ToleranceMinAbsG float64 `yaml:"tolerance_min_abs_g"`
		ZeroEpsilonG     float64 `yaml:"zero_epsilon_g"`
	} `yaml:"weighing"`
	Inventory struct {
		Webhooks []WebhookConfig `yaml:"webhooks"`
	} `yaml:"inventory"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; seed with pl station init", path)
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
	if c.Station.ID == "" {
		return fmt.Errorf("config.station.id is required")
	}
	if c.Station.Kind != "weighing-station" {
		return fmt.Errorf("config.station.kind must be 'weighing-station'")
	}
	if c.Stability.WindowMs <= 0 {
		return fmt.Errorf("config.stability.window_ms must be > 0")
	}
	if c.Stability.MinCount <= 0 {
		return fmt.Errorf("config.stability.min_count must be > 0")
	}
	if c.Stability.EpsilonG < 0 {
		return fmt.Errorf("config.stability.epsilon_g must be >= 0")
	}
	if c.Stability.CooldownMs < 0 {
		return fmt.Errorf("config.stability.cooldown_ms must be >= 0")
	}
	if c.Weighing.TolerancePct < 0 {
		return fmt.Errorf("config.weighing.tolerance_pct must be >= 0")
	}
	if c.Weighing.ToleranceMinAbsG < 0 {
		return fmt.Errorf("config.weighing.tolerance_min_abs_g must be >= 0")
	}
	if c.Weighing.ZeroEpsilonG <= 0 {
		return fmt.Errorf("config.weighing.zero_epsilon_g must be > 0")
	}
	for i, step := range c.Scale.BackoffMs {
		if step <= 0 {
			return fmt.Errorf("config.scale.backoff_ms[%d] must be > 0", i)
		}
	}
	for i, hook := range c.Inventory.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.inventory.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Backoff returns the reconnect step sequence as durations.
func (c *Config) Backoff() []time.Duration {
	if len(c.Scale.BackoffMs) == 0 {
		return nil
	}
	steps := make([]time.Duration, len(c.Scale.BackoffMs))
	for i, ms := range c.Scale.BackoffMs {
		steps[i] = time.Duration(ms) * time.Millisecond
	}
	return steps
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "prepline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(stationID string) string {
	return fmt.Sprintf(defaultTemplate, stationID)
}

// Default returns the default Config struct for a station.
func Default(stationID string) *Config {
	var cfg Config
	cfg.Station.ID = stationID
	cfg.Station.Kind = "weighing-station"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, stationID))).Decode(&cfg)
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

const defaultTemplate = `station:
  id: %s
  kind: weighing-station

scale:
  addr: 127.0.0.1:4305
  # UI-facing client doubles from the first step and caps at the last.
  backoff_ms: [1000, 2000, 4000, 8000]
  keep_alive_seconds: 10

stability:
  window_ms: 1000
  min_count: 5
  epsilon_g: 0.002
  cooldown_ms: 500

weighing:
  tolerance_pct: 0.5
  tolerance_min_abs_g: 0.010
  zero_epsilon_g: 0.002

inventory:
  webhooks: []
`
