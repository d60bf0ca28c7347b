// Package config loads the daemon configuration from file and environment.
// Precedence, lowest to highest: built-in defaults, the YAML config file,
// WARDEN_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full daemon configuration.
type Config struct {
	Listen   string `mapstructure:"listen"`
	APIToken string `mapstructure:"api_token"`
	DataDir  string `mapstructure:"data_dir"`

	StateFile string `mapstructure:"state_file"`
	AuditDB   string `mapstructure:"audit_db"`

	Engine    EngineConfig    `mapstructure:"engine"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Log       LogConfig       `mapstructure:"log"`
}

// EngineConfig locates the container engine.
type EngineConfig struct {
	Endpoint    string        `mapstructure:"endpoint"`
	APIVersion  string        `mapstructure:"api_version"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

// LifecycleConfig bounds lifecycle operations.
type LifecycleConfig struct {
	StopGracePeriod  time.Duration `mapstructure:"stop_grace_period"`
	StopPollInterval time.Duration `mapstructure:"stop_poll_interval"`
	LockTimeout      time.Duration `mapstructure:"lock_timeout"`
	RetryMaxTries    uint          `mapstructure:"retry_max_tries"`
	RetryInitial     time.Duration `mapstructure:"retry_initial"`
	RetryMaxInterval time.Duration `mapstructure:"retry_max_interval"`
}

// RateLimitConfig bounds per-client API request rates.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// LogConfig selects log level and format.
type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", "127.0.0.1:8090")
	v.SetDefault("data_dir", "/var/lib/warden")
	v.SetDefault("state_file", "")
	v.SetDefault("audit_db", "")

	v.SetDefault("engine.endpoint", "unix:///var/run/docker.sock")
	v.SetDefault("engine.api_version", "v1.41")
	v.SetDefault("engine.call_timeout", 30*time.Second)

	v.SetDefault("lifecycle.stop_grace_period", 30*time.Second)
	v.SetDefault("lifecycle.stop_poll_interval", time.Second)
	v.SetDefault("lifecycle.lock_timeout", 2*time.Minute)
	v.SetDefault("lifecycle.retry_max_tries", 3)
	v.SetDefault("lifecycle.retry_initial", time.Second)
	v.SetDefault("lifecycle.retry_max_interval", 30*time.Second)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.rps", 20.0)
	v.SetDefault("rate_limit.burst", 40)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
}

// Load reads the configuration. path may be empty, in which case the default
// search locations are tried and a missing file falls back to defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("warden")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/warden")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("WARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing file in the default search path just means defaults; an
		// explicit --config that cannot be read is fatal.
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if path != "" || !notFound {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Derived paths default under the data dir.
	if cfg.StateFile == "" {
		cfg.StateFile = cfg.DataDir + "/state.json"
	}
	if cfg.AuditDB == "" {
		cfg.AuditDB = cfg.DataDir + "/audit.db"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.Engine.Endpoint == "" {
		return fmt.Errorf("engine.endpoint must not be empty")
	}
	if c.Lifecycle.StopGracePeriod <= 0 {
		return fmt.Errorf("lifecycle.stop_grace_period must be positive")
	}
	if c.Lifecycle.LockTimeout <= 0 {
		return fmt.Errorf("lifecycle.lock_timeout must be positive")
	}
	if c.RateLimit.Enabled && (c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate_limit.rps and rate_limit.burst must be positive when enabled")
	}
	return nil
}
