package agent

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/callscope/callscope/internal/export"
	"github.com/callscope/callscope/internal/sink"
)

// Config is the top-level configuration for the callscope agent.
type Config struct {
	// LogLevel sets the logging verbosity (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// Input configures the session file to parse.
	Input InputConfig `yaml:"input"`

	// Engine configures the dispatch engine.
	Engine EngineConfig `yaml:"engine"`

	// Sinks configures event consumers.
	Sinks sink.Config `yaml:"sinks"`

	// Health configures the Prometheus health metrics server.
	Health export.HealthConfig `yaml:"health"`

	// MigrateOnStart applies pending ClickHouse schema migrations
	// before the session is parsed.
	MigrateOnStart bool `yaml:"migrate_on_start"`
}

// InputConfig configures the session file input.
type InputConfig struct {
	// Path is the session file to parse.
	Path string `yaml:"path"`
}

// EngineConfig configures the dispatch engine.
type EngineConfig struct {
	// Name is the engine name used in logs and diagnostics.
	// Defaults to "callscope".
	Name string `yaml:"name"`

	// FailOnModuleConflict makes unreconciled module conflicts
	// fatal. Off by default for robustness to noisy traces.
	FailOnModuleConflict bool `yaml:"fail_on_module_conflict"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Engine: EngineConfig{
			Name: "callscope",
		},
		Sinks: sink.Config{
			Stats: sink.StatsConfig{
				Enabled: true,
			},
		},
		Health: export.HealthConfig{
			Addr: ":9090",
		},
	}
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for required fields and consistency.
func (c *Config) Validate() error {
	if c.Input.Path == "" {
		return fmt.Errorf("input.path is required")
	}

	if c.Engine.Name == "" {
		return fmt.Errorf("engine.name must not be empty")
	}

	if !c.Sinks.Stats.Enabled && !c.Sinks.ClickHouse.Enabled {
		return fmt.Errorf("at least one sink must be enabled")
	}

	if c.Sinks.ClickHouse.Enabled && c.Sinks.ClickHouse.Endpoint == "" {
		return fmt.Errorf("sinks.clickhouse.endpoint is required when enabled")
	}

	return nil
}
