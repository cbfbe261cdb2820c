package config

import (
	"fmt"
	"time"

	"diffusiond/internal/common/fsutil"
	"diffusiond/internal/manager"
	"diffusiond/internal/registry"
)

// CORSConfig controls cross-origin access to the HTTP API.
type CORSConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Origins []string `json:"origins" yaml:"origins" toml:"origins"`
	Methods []string `json:"methods" yaml:"methods" toml:"methods"`
	Headers []string `json:"headers" yaml:"headers" toml:"headers"`
}

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are replaced by ApplyDefaults.
type Config struct {
	Addr         string `json:"addr" yaml:"addr" toml:"addr"`
	WeightsDir   string `json:"weights_dir" yaml:"weights_dir" toml:"weights_dir"`
	ModelsDir    string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	DefaultModel string `json:"default_model" yaml:"default_model" toml:"default_model"`
	// DefaultProfile names the profile active at startup.
	DefaultProfile string            `json:"default_profile" yaml:"default_profile" toml:"default_profile"`
	Profiles       []manager.Profile `json:"profiles" yaml:"profiles" toml:"profiles"`
	// Models are inline descriptors registered before ModelsDir is scanned.
	Models []registry.Descriptor `json:"models" yaml:"models" toml:"models"`
	// SyntheticWeights serves deterministic in-memory weights for latentmix
	// models instead of reading WeightsDir.
	SyntheticWeights bool       `json:"synthetic_weights" yaml:"synthetic_weights" toml:"synthetic_weights"`
	LogLevel         string     `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat        string     `json:"log_format" yaml:"log_format" toml:"log_format"`
	MaxBodyBytes     int64      `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	MaxActive        int        `json:"max_active" yaml:"max_active" toml:"max_active"`
	CORS             CORSConfig `json:"cors" yaml:"cors" toml:"cors"`
	// DrainTimeout is a Go duration string, e.g. "5s".
	DrainTimeout string `json:"drain_timeout" yaml:"drain_timeout" toml:"drain_timeout"`
}

// Defaults used by ApplyDefaults.
const (
	DefaultAddr         = ":8080"
	DefaultWeightsDir   = "~/.cache/diffusiond/weights"
	DefaultMaxBodyBytes = 8 << 20
	DefaultDrainTimeout = "5s"
)

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	if err := fsutil.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyDefaults fills unspecified fields.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.WeightsDir == "" {
		c.WeightsDir = DefaultWeightsDir
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "console"
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.DrainTimeout == "" {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if len(c.Profiles) == 0 {
		c.Profiles = manager.DefaultProfiles()
	}
	if c.DefaultProfile == "" {
		c.DefaultProfile = c.Profiles[0].Name
	}
	if c.CORS.Enabled {
		if len(c.CORS.Origins) == 0 {
			c.CORS.Origins = []string{"*"}
		}
		if len(c.CORS.Methods) == 0 {
			c.CORS.Methods = []string{"GET", "POST", "DELETE", "OPTIONS"}
		}
		if len(c.CORS.Headers) == 0 {
			c.CORS.Headers = []string{"Content-Type", "Authorization", "X-Log-Level"}
		}
	}
}

// Validate checks cross-field consistency. Call after ApplyDefaults.
func (c Config) Validate() error {
	seen := make(map[string]bool, len(c.Profiles))
	for _, p := range c.Profiles {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("profile %q: %w", p.Name, err)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate profile %q", p.Name)
		}
		seen[p.Name] = true
	}
	if !seen[c.DefaultProfile] {
		return fmt.Errorf("default profile %q is not defined", c.DefaultProfile)
	}
	if _, err := c.DrainTimeoutDuration(); err != nil {
		return err
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("log format must be console or json, got %q", c.LogFormat)
	}
	return nil
}

// Profile returns the named profile.
func (c Config) Profile(name string) (manager.Profile, bool) {
	for _, p := range c.Profiles {
		if p.Name == name {
			return p, true
		}
	}
	return manager.Profile{}, false
}

// DrainTimeoutDuration parses DrainTimeout.
func (c Config) DrainTimeoutDuration() (time.Duration, error) {
	if c.DrainTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.DrainTimeout)
	if err != nil {
		return 0, fmt.Errorf("drain_timeout: %w", err)
	}
	return d, nil
}
