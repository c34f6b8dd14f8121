package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"pactline/internal/domain"
)

// Config models pactline.yml.
type Config struct {
	Scoring struct {
		// GraceHours is the window after a task's due instant during which
		// completion operations are still accepted.
		GraceHours int `yaml:"grace_hours"`
	} `yaml:"scoring"`
	Partners struct {
		// DefaultWindow is used when a task carries an unknown or empty
		// partner-up deadline.
		DefaultWindow string `yaml:"default_window"`
	} `yaml:"partners"`
	Admin struct {
		// Email of the bootstrap administrator; created on first run.
		Email string `yaml:"email"`
		Name  string `yaml:"name"`
	} `yaml:"admin"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

var knownWindows = map[string]bool{
	domain.DeadlineOneHour:     true,
	domain.DeadlineTwoHours:    true,
	domain.DeadlineSixHours:    true,
	domain.DeadlineTwelveHours: true,
	domain.DeadlineOneDay:      true,
	domain.DeadlineOneWeek:     true,
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Scoring.GraceHours < 0 {
		return fmt.Errorf("config.scoring.grace_hours must not be negative")
	}
	if c.Partners.DefaultWindow != "" && !knownWindows[c.Partners.DefaultWindow] {
		return fmt.Errorf("config.partners.default_window %s unknown", c.Partners.DefaultWindow)
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// GraceHours returns the configured completion grace window, defaulting to 48.
func (c *Config) GraceHours() int {
	if c == nil || c.Scoring.GraceHours == 0 {
		return 48
	}
	return c.Scoring.GraceHours
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "pactline.yml")
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with pact config init", path)
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

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
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

const defaultTemplate = `scoring:
  grace_hours: 48

partners:
  default_window: ONE_HOUR

admin:
  email: admin@pactline.local
  name: Administrator
`
