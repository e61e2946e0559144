package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// Servers refuse rulebase pages larger than this; the default stays well
	// below it to keep per-request load reasonable.
	MaxPageSize     = 500
	DefaultPageSize = 200

	DefaultAuditField = "field-1"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config models rulejanitor.yml. Credentials never live here; they come from
// flags or the environment.
type Config struct {
	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
		// Insecure accepts self-signed management certificates. Operator
		// trust decision, on by default because that is what management
		// servers ship with.
		Insecure       bool     `yaml:"insecure"`
		RequestTimeout Duration `yaml:"request_timeout"`
	} `yaml:"server"`
	Policy struct {
		Layer string `yaml:"layer"`
		// AuditField is the custom rule field that records the disable date.
		AuditField string `yaml:"audit_field"`
	} `yaml:"policy"`
	Windows struct {
		// DisableAfterMonths is the hit-count lookback: enabled rules with
		// zero hits over this window become disable candidates.
		DisableAfterMonths int `yaml:"disable_after_months"`
		// DeleteAfterMonths is the retention for disabled rules; 0 turns the
		// delete phase off entirely.
		DeleteAfterMonths int `yaml:"delete_after_months"`
	} `yaml:"windows"`
	Fetch struct {
		PageSize int `yaml:"page_size"`
	} `yaml:"fetch"`
	Publish struct {
		WaitTimeout  Duration `yaml:"wait_timeout"`
		PollInterval Duration `yaml:"poll_interval"`
	} `yaml:"publish"`
	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`
}

// Default returns a config with every tunable at its shipped value. Host and
// layer are left empty and must come from the file or flags.
func Default() *Config {
	var cfg Config
	cfg.Server.Port = 443
	cfg.Server.Insecure = true
	cfg.Server.RequestTimeout = Duration(30 * time.Second)
	cfg.Policy.AuditField = DefaultAuditField
	cfg.Windows.DisableAfterMonths = 6
	cfg.Windows.DeleteAfterMonths = 12
	cfg.Fetch.PageSize = DefaultPageSize
	cfg.Publish.WaitTimeout = Duration(5 * time.Minute)
	cfg.Publish.PollInterval = Duration(2 * time.Second)
	cfg.Log.Level = "info"
	return &cfg
}

// Load reads the config file at path, layered over defaults. A missing file
// is not an error: flags alone can fully describe a run.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses config over defaults. Validation is deferred to Validate
// so flag overrides can be applied first.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	return cfg, nil
}

// Validate checks the merged configuration right before a run.
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("server.request_timeout must be positive")
	}
	if c.Policy.Layer == "" {
		return fmt.Errorf("policy.layer is required")
	}
	if c.Policy.AuditField == "" {
		return fmt.Errorf("policy.audit_field is required")
	}
	if c.Windows.DisableAfterMonths < 1 {
		return fmt.Errorf("windows.disable_after_months must be at least 1")
	}
	if c.Windows.DeleteAfterMonths != 0 && c.Windows.DeleteAfterMonths <= c.Windows.DisableAfterMonths {
		return fmt.Errorf("windows.delete_after_months (%d) must exceed disable_after_months (%d)",
			c.Windows.DeleteAfterMonths, c.Windows.DisableAfterMonths)
	}
	if c.Fetch.PageSize < 1 || c.Fetch.PageSize > MaxPageSize {
		return fmt.Errorf("fetch.page_size must be between 1 and %d", MaxPageSize)
	}
	if c.Publish.WaitTimeout <= 0 {
		return fmt.Errorf("publish.wait_timeout must be positive")
	}
	if c.Publish.PollInterval <= 0 {
		return fmt.Errorf("publish.poll_interval must be positive")
	}
	return nil
}
