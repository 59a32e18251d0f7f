package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the host configuration, loaded from a YAML file with
// OPSDECK_* environment overrides applied on top.
type Config struct {
	Listen    string `yaml:"listen"`
	DataDir   string `yaml:"data_dir"`
	PluginDir string `yaml:"plugin_dir"`
	Database  string `yaml:"database"`
	MarketURL string `yaml:"market_url"`
	LogLevel  string `yaml:"log_level"`
	DevMode   bool   `yaml:"dev_mode"`

	Plugins PluginConfig `yaml:"plugins"`
}

// PluginConfig tunes the plugin runtime.
type PluginConfig struct {
	LifecycleTimeout time.Duration `yaml:"lifecycle_timeout"`
	WatchBundles     bool          `yaml:"watch_bundles"`
	HTTPRate         float64       `yaml:"http_rate"`
	HTTPBurst        int           `yaml:"http_burst"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Listen:    ":8420",
		DataDir:   "data",
		PluginDir: "data/plugins",
		Database:  "data/opsdeck.db",
		LogLevel:  "info",
		Plugins: PluginConfig{
			LifecycleTimeout: 30 * time.Second,
			WatchBundles:     true,
			HTTPRate:         5,
			HTTPBurst:        10,
		},
	}
}

// Load reads path (when non-empty), layers it over the defaults, and applies
// environment overrides. A missing file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// fall through to defaults
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setString("OPSDECK_LISTEN", &c.Listen)
	setString("OPSDECK_DATA_DIR", &c.DataDir)
	setString("OPSDECK_PLUGIN_DIR", &c.PluginDir)
	setString("OPSDECK_DATABASE", &c.Database)
	setString("OPSDECK_MARKET_URL", &c.MarketURL)
	setString("OPSDECK_LOG_LEVEL", &c.LogLevel)

	if v, ok := os.LookupEnv("OPSDECK_DEV_MODE"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.DevMode = b
		}
	}
	if v, ok := os.LookupEnv("OPSDECK_PLUGIN_TIMEOUT"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			c.Plugins.LifecycleTimeout = d
		}
	}
}

func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("config: listen address is required")
	}
	if c.Plugins.LifecycleTimeout <= 0 {
		return fmt.Errorf("config: plugin lifecycle timeout must be positive, got %s", c.Plugins.LifecycleTimeout)
	}
	if c.Plugins.HTTPRate < 0 || c.Plugins.HTTPBurst < 0 {
		return fmt.Errorf("config: plugin http budget must not be negative")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	return nil
}
