// Package config loads and validates the orchestrator configuration file.
//
// A single top-level YAML file declares the projects to manage plus
// optional scheduler and watcher tuning. The loaded Config is threaded
// through constructors explicitly; there is no global instance, and
// tests build Config values directly.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Orchestration policies.
const (
	PolicyBlocking   = "blocking"
	PolicyPartial    = "partial"
	PolicyAutonomous = "autonomous"
)

// Scheduler defaults.
const (
	DefaultMaxWorkers  = 4
	DefaultQueueSize   = 100
	DefaultHistorySize = 100
)

// Watcher defaults.
const (
	DefaultDebounceSeconds = 2.0
	DefaultMaxConcurrent   = 3
)

// ProjectConfig declares one managed project.
type ProjectConfig struct {
	Name          string `yaml:"name"`
	Path          string `yaml:"path"`
	Orchestration string `yaml:"orchestration"`
}

// SchedulerConfig tunes the background scheduler.
type SchedulerConfig struct {
	MaxWorkers  int `yaml:"max_workers"`
	QueueSize   int `yaml:"queue_size"`
	HistorySize int `yaml:"history_size"`
}

// WatcherConfig tunes the dependency watcher.
type WatcherConfig struct {
	DebounceSeconds float64 `yaml:"debounce_seconds"`
	MaxConcurrent   int     `yaml:"max_concurrent"`
}

// Config is the top-level orchestrator configuration.
type Config struct {
	Projects  []ProjectConfig `yaml:"projects"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Watcher   WatcherConfig   `yaml:"watcher"`
	// AnthropicAPIKey enables the Claude-backed agent client when set.
	// Resolved from ANTHROPIC_API_KEY when absent from the file.
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
}

// Default returns the fallback configuration used when no config file
// exists: a single "default" project rooted at the current directory.
func Default() *Config {
	cfg := &Config{
		Projects: []ProjectConfig{
			{Name: "default", Path: ".", Orchestration: PolicyBlocking},
		},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads the configuration from path. A missing file falls back to
// Default(); a malformed file is an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if len(cfg.Projects) == 0 {
		cfg.Projects = Default().Projects
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Scheduler.MaxWorkers <= 0 {
		c.Scheduler.MaxWorkers = DefaultMaxWorkers
	}
	if c.Scheduler.QueueSize <= 0 {
		c.Scheduler.QueueSize = DefaultQueueSize
	}
	if c.Scheduler.HistorySize <= 0 {
		c.Scheduler.HistorySize = DefaultHistorySize
	}
	if c.Watcher.DebounceSeconds <= 0 {
		c.Watcher.DebounceSeconds = DefaultDebounceSeconds
	}
	if c.Watcher.MaxConcurrent <= 0 {
		c.Watcher.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.AnthropicAPIKey == "" {
		c.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	for i := range c.Projects {
		if c.Projects[i].Orchestration == "" {
			c.Projects[i].Orchestration = PolicyBlocking
		}
	}
}

// Validate checks project declarations for duplicates and bad policies.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Projects))
	for i := range c.Projects {
		p := &c.Projects[i]
		if p.Name == "" {
			return fmt.Errorf("project %d: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate project name: %s", p.Name)
		}
		seen[p.Name] = true
		if p.Path == "" {
			return fmt.Errorf("project %s: path is required", p.Name)
		}
		switch p.Orchestration {
		case PolicyBlocking, PolicyPartial, PolicyAutonomous:
		default:
			return fmt.Errorf("project %s: unknown orchestration policy %q", p.Name, p.Orchestration)
		}
	}
	return nil
}
