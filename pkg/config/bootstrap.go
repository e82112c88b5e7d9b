package config

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// BootstrapFile is the YAML file Initialize looks for under configDir.
const BootstrapFile = "agentco.yaml"

// Config is the complete agentco.yaml structure and, once Initialize
// has merged defaults over it, the resolved runtime configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Queue     QueueConfig     `yaml:"queue"`
	Quality   QualityConfig   `yaml:"quality"`
	Agents    AgentsConfig    `yaml:"agents"`
	Retention RetentionConfig `yaml:"retention"`

	// Settings holds the initial values for the runtime-mutable
	// settings. Once state/config.json exists it wins over these.
	Settings Settings `yaml:"settings"`

	configDir string
}

// ConfigDir returns the directory the configuration was loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// ServerConfig contains the HTTP listener settings.
type ServerConfig struct {
	// Port the orchestrator API listens on.
	Port int `yaml:"port"`

	// BodyLimit is the maximum accepted request body in bytes.
	// Requests above it are rejected with BODY_TOO_LARGE.
	BodyLimit int64 `yaml:"bodyLimit"`
}

// RuntimeConfig contains filesystem layout settings.
type RuntimeConfig struct {
	// BaseDir is the root of the durable state tree (runs/, tickets/,
	// state/).
	BaseDir string `yaml:"baseDir"`
}

// QueueConfig contains scheduler and worker pool configuration.
// These values control how workflows are polled, claimed, and
// processed.
type QueueConfig struct {
	// WorkerCount is the number of scheduler worker goroutines.
	// The runtime setting maxConcurrentWorkers can lower the number
	// of workflows admitted concurrently without restarting.
	WorkerCount int `yaml:"workerCount"`

	// PollInterval is the base interval for checking pending workflows.
	PollInterval time.Duration `yaml:"pollInterval"`

	// PollIntervalJitter is the random jitter added to PollInterval.
	// Actual interval: PollInterval ± PollIntervalJitter.
	PollIntervalJitter time.Duration `yaml:"pollIntervalJitter"`

	// HeartbeatInterval is how often a worker refreshes its claim file
	// while executing a workflow.
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`

	// ClaimTTL is how long a claim can go without a heartbeat before
	// startup recovery treats it as stale.
	ClaimTTL time.Duration `yaml:"claimTtl"`

	// GracefulShutdownTimeout is the max time to wait for active
	// workflows to finish during shutdown.
	GracefulShutdownTimeout time.Duration `yaml:"gracefulShutdownTimeout"`
}

// QualityConfig contains quality gate command settings.
type QualityConfig struct {
	// LintCommand runs in the workspace during the lint stage.
	// Empty means the stage is skipped as passed.
	LintCommand string `yaml:"lintCommand"`

	// TestCommand runs in the workspace during the test stage.
	TestCommand string `yaml:"testCommand"`

	// CommandTimeout bounds each gate command.
	CommandTimeout time.Duration `yaml:"commandTimeout"`

	// DisableTests skips the test stage entirely.
	DisableTests bool `yaml:"disableTests"`
}

// AgentsConfig contains AI capability settings.
type AgentsConfig struct {
	// LocalLlmEndpoint is the health URL probed for local-LLM
	// availability. Empty falls back to the default driver's check.
	LocalLlmEndpoint string `yaml:"localLlmEndpoint"`

	// CodingAgents lists the coding-agent plugin names to register.
	CodingAgents []string `yaml:"codingAgents"`
}

// RetentionConfig contains state retention settings. The retention
// window itself (stateRetentionDays) is a runtime setting.
type RetentionConfig struct {
	// CleanupInterval is how often the retention sweep runs.
	CleanupInterval time.Duration `yaml:"cleanupInterval"`
}

// Default returns the built-in configuration. User YAML values merge
// over it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:      8080,
			BodyLimit: 1 * 1024 * 1024,
		},
		Runtime: RuntimeConfig{
			BaseDir: "data",
		},
		Queue: QueueConfig{
			WorkerCount:             3,
			PollInterval:            1 * time.Second,
			PollIntervalJitter:      500 * time.Millisecond,
			HeartbeatInterval:       15 * time.Second,
			ClaimTTL:                60 * time.Second,
			GracefulShutdownTimeout: 30 * time.Second,
		},
		Quality: QualityConfig{
			CommandTimeout: 5 * time.Minute,
		},
		Retention: RetentionConfig{
			CleanupInterval: 1 * time.Hour,
		},
		Settings: DefaultSettings(),
	}
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load agentco.yaml from configDir
//  2. Expand environment variables
//  3. Parse YAML into structs (unknown fields rejected)
//  4. Merge user values over built-in defaults
//  5. Validate all configuration
//  6. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"port", cfg.Server.Port,
		"base_dir", cfg.Runtime.BaseDir,
		"workers", cfg.Queue.WorkerCount,
		"coding_agents", len(cfg.Agents.CodingAgents))

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	user, err := loadBootstrapYAML(configDir)
	if err != nil {
		return nil, NewLoadError(BootstrapFile, err)
	}

	// Merge user-provided values into defaults (non-zero values
	// override).
	cfg := Default()
	if err := mergo.Merge(cfg, user, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge configuration: %w", err)
	}

	cfg.configDir = configDir
	return cfg, nil
}

func loadBootstrapYAML(configDir string) (*Config, error) {
	path := filepath.Join(configDir, BootstrapFile)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, err
	}

	// Expand environment variables using {{.VAR}} template syntax.
	// Note: ExpandEnv passes through original data on parse/execution
	// errors, allowing the YAML parser to handle the content (or fail
	// with a clearer error message).
	data = ExpandEnv(data)

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return &cfg, nil
}

// validate performs fail-fast validation on the merged configuration.
// Settings warnings are logged, not fatal.
func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return NewValidationError("server", "", "port",
			fmt.Errorf("must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.BodyLimit <= 0 {
		return NewValidationError("server", "", "bodyLimit",
			fmt.Errorf("must be positive, got %d", c.Server.BodyLimit))
	}
	if c.Runtime.BaseDir == "" {
		return NewValidationError("runtime", "", "baseDir",
			fmt.Errorf("must not be empty"))
	}
	if c.Queue.WorkerCount < 1 {
		return NewValidationError("queue", "", "workerCount",
			fmt.Errorf("must be at least 1, got %d", c.Queue.WorkerCount))
	}
	if c.Queue.PollInterval <= 0 {
		return NewValidationError("queue", "", "pollInterval",
			fmt.Errorf("must be positive, got %s", c.Queue.PollInterval))
	}
	if c.Queue.HeartbeatInterval <= 0 {
		return NewValidationError("queue", "", "heartbeatInterval",
			fmt.Errorf("must be positive, got %s", c.Queue.HeartbeatInterval))
	}
	if c.Queue.ClaimTTL <= c.Queue.HeartbeatInterval {
		return NewValidationError("queue", "", "claimTtl",
			fmt.Errorf("must exceed heartbeatInterval (%s), got %s",
				c.Queue.HeartbeatInterval, c.Queue.ClaimTTL))
	}
	if c.Quality.CommandTimeout <= 0 {
		return NewValidationError("quality", "", "commandTimeout",
			fmt.Errorf("must be positive, got %s", c.Quality.CommandTimeout))
	}
	if c.Retention.CleanupInterval <= 0 {
		return NewValidationError("retention", "", "cleanupInterval",
			fmt.Errorf("must be positive, got %s", c.Retention.CleanupInterval))
	}

	result := c.Settings.Validate()
	if !result.Valid {
		return NewValidationError("settings", "", "",
			fmt.Errorf("%w: %v", ErrSettingsInvalid, result.Errors))
	}
	for _, warning := range result.Warnings {
		slog.Warn("Settings warning", "warning", warning)
	}

	return nil
}
