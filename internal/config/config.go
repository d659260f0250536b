package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Config represents the laned configuration
type Config struct {
	// Pool
	Pool PoolConfig `json:"pool" mapstructure:"pool"`

	// Lane scheduler
	Scheduler SchedulerConfig `json:"scheduler" mapstructure:"scheduler"`

	// Affinity dispatcher
	Dispatcher DispatcherConfig `json:"dispatcher" mapstructure:"dispatcher"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Metrics
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`

	// Execution history persistence
	History HistoryConfig `json:"history" mapstructure:"history"`

	// WebSocket execution stream, served on the metrics listener
	Stream StreamConfig `json:"stream" mapstructure:"stream"`

	// Reload jobs when the config file changes
	Watch bool `json:"watch" mapstructure:"watch"`

	// Recurring jobs fed into the scheduler
	Jobs []JobConfig `json:"jobs" mapstructure:"jobs"`
}

// PoolConfig sizes the worker pool
type PoolConfig struct {
	Name        string        `json:"name" mapstructure:"name"`
	Workers     int           `json:"workers" mapstructure:"workers"` // 0 means 2 x NumCPU
	StopTimeout time.Duration `json:"stop_timeout" mapstructure:"stop_timeout"`
}

// SchedulerConfig configures the lane scheduler
type SchedulerConfig struct {
	Name            string `json:"name" mapstructure:"name"`
	HistoryCapacity int    `json:"history_capacity" mapstructure:"history_capacity"`
}

// DispatcherConfig configures the affinity dispatcher
type DispatcherConfig struct {
	Name string `json:"name" mapstructure:"name"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// MetricsConfig holds Prometheus exposition settings
type MetricsConfig struct {
	Enabled      bool          `json:"enabled" mapstructure:"enabled"`
	Address      string        `json:"address" mapstructure:"address"`
	Namespace    string        `json:"namespace" mapstructure:"namespace"`
	PollInterval time.Duration `json:"poll_interval" mapstructure:"poll_interval"`
}

// HistoryConfig enables the SQLite execution history
type HistoryConfig struct {
	Path   string `json:"path" mapstructure:"path"` // empty disables persistence
	Retain int    `json:"retain" mapstructure:"retain"`
}

// StreamConfig exposes terminal task records over WebSocket
type StreamConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Path    string `json:"path" mapstructure:"path"`
	Buffer  int    `json:"buffer" mapstructure:"buffer"`
}

// JobConfig describes one recurring submission
type JobConfig struct {
	Name     string        `json:"name" mapstructure:"name"`
	Schedule string        `json:"schedule" mapstructure:"schedule"` // cron spec or descriptor (@every 5s)
	ID       string        `json:"id" mapstructure:"id"`             // cancellation group, defaults to Name
	Lane     string        `json:"lane" mapstructure:"lane"`
	Delay    time.Duration `json:"delay" mapstructure:"delay"`
	Command  []string      `json:"command" mapstructure:"command"` // empty means log-only heartbeat
	Timeout  time.Duration `json:"timeout" mapstructure:"timeout"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Pool: PoolConfig{
			Name:        "workers",
			StopTimeout: 10 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Name:            "lanes",
			HistoryCapacity: 100,
		},
		Dispatcher: DispatcherConfig{
			Name: "affinity",
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Pretty:  true,
		},
		Metrics: MetricsConfig{
			Enabled:      true,
			Address:      ":9090",
			Namespace:    "lanerunner",
			PollInterval: 5 * time.Second,
		},
		History: HistoryConfig{
			Retain: 10000,
		},
		Stream: StreamConfig{
			Enabled: true,
			Path:    "/ws/executions",
			Buffer:  64,
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Pool.Workers < 0 {
		return fmt.Errorf("pool.workers must be >= 0, got %d", c.Pool.Workers)
	}
	if c.Pool.StopTimeout < 0 {
		return fmt.Errorf("pool.stop_timeout must be >= 0")
	}

	if c.Logging.Level != "" {
		if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
			return fmt.Errorf("logging.level: %w", err)
		}
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("metrics.address is required when metrics are enabled")
	}

	if c.History.Retain < 0 {
		return fmt.Errorf("history.retain must be >= 0")
	}
	if c.Stream.Enabled {
		if !strings.HasPrefix(c.Stream.Path, "/") || c.Stream.Path == "/metrics" {
			return fmt.Errorf("stream.path must start with / and differ from /metrics, got %q", c.Stream.Path)
		}
	}

	seen := make(map[string]bool, len(c.Jobs))
	for i, job := range c.Jobs {
		if job.Name == "" {
			return fmt.Errorf("job %d: name is required", i)
		}
		if seen[job.Name] {
			return fmt.Errorf("job %s: duplicate name", job.Name)
		}
		seen[job.Name] = true

		if job.Schedule == "" {
			return fmt.Errorf("job %s: schedule is required", job.Name)
		}
		if _, err := ParseSchedule(job.Schedule); err != nil {
			return fmt.Errorf("job %s: invalid schedule %q: %w", job.Name, job.Schedule, err)
		}
		if job.Delay < 0 {
			return fmt.Errorf("job %s: delay must be >= 0", job.Name)
		}
	}

	return nil
}

// ParseSchedule parses a standard 5-field cron spec or a descriptor.
func ParseSchedule(spec string) (cron.Schedule, error) {
	return cron.ParseStandard(spec)
}
