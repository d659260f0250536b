package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. LANERUNNER_POOL_WORKERS.
const EnvPrefix = "LANERUNNER"

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader. An empty path loads defaults and
// environment overrides only.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads the config file (yaml, json or toml, by extension), applies
// environment overrides and validates the result.
func (l *Loader) Load() (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if l.configPath != "" {
		if _, err := os.Stat(l.configPath); err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		v.SetConfigFile(l.configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if raw := v.Get("jobs"); raw != nil {
			if err := validateJobsDocument(raw); err != nil {
				return nil, fmt.Errorf("invalid config: %w", err)
			}
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	for i := range cfg.Jobs {
		if cfg.Jobs[i].ID == "" {
			cfg.Jobs[i].ID = cfg.Jobs[i].Name
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	return l.configPath
}

// setDefaults registers every scalar key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("pool.name", cfg.Pool.Name)
	v.SetDefault("pool.workers", cfg.Pool.Workers)
	v.SetDefault("pool.stop_timeout", cfg.Pool.StopTimeout)
	v.SetDefault("scheduler.name", cfg.Scheduler.Name)
	v.SetDefault("scheduler.history_capacity", cfg.Scheduler.HistoryCapacity)
	v.SetDefault("dispatcher.name", cfg.Dispatcher.Name)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.console", cfg.Logging.Console)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.address", cfg.Metrics.Address)
	v.SetDefault("metrics.namespace", cfg.Metrics.Namespace)
	v.SetDefault("metrics.poll_interval", cfg.Metrics.PollInterval)
	v.SetDefault("history.path", cfg.History.Path)
	v.SetDefault("history.retain", cfg.History.Retain)
	v.SetDefault("stream.enabled", cfg.Stream.Enabled)
	v.SetDefault("stream.path", cfg.Stream.Path)
	v.SetDefault("stream.buffer", cfg.Stream.Buffer)
	v.SetDefault("watch", cfg.Watch)
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
