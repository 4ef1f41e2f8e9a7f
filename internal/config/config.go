// Package config handles configuration loading and management for stagehand.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/stagehand/internal/handoff"
	"github.com/ShayCichocki/stagehand/internal/retry"
)

// Cancellation modes.
const (
	CancelGraceful = "graceful"
	CancelForced   = "forced"
)

// Config holds all configuration for stagehand.
type Config struct {
	Engine    EngineConfig    `mapstructure:"engine"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Handoff   HandoffConfig   `mapstructure:"handoff"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Server    ServerConfig    `mapstructure:"server"`
	Workflows WorkflowsConfig `mapstructure:"workflows"`
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	TUI       TUIConfig       `mapstructure:"tui"`
}

// EngineConfig holds run coordinator settings.
type EngineConfig struct {
	// MaxConcurrent bounds running tasks when a workflow does not set its own.
	MaxConcurrent int `mapstructure:"max_concurrent"`
	// QueueCapacity bounds pending tasks. Zero means unbounded.
	QueueCapacity int `mapstructure:"queue_capacity"`
	// TaskTimeout is the per-attempt timeout when neither task nor workflow sets one.
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
	// MaxRuns bounds concurrently running workflow executions in the pool.
	MaxRuns      int                `mapstructure:"max_runs"`
	Cancellation CancellationConfig `mapstructure:"cancellation"`
}

// CancellationConfig decides how in-flight tasks are treated on cancel.
type CancellationConfig struct {
	Mode        string        `mapstructure:"mode"`
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

// RetryConfig holds the system-wide retry defaults.
type RetryConfig struct {
	MaxRetries        int           `mapstructure:"max_retries"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
}

// HandoffConfig holds handoff channel settings.
type HandoffConfig struct {
	Dir          string                    `mapstructure:"dir"`
	Retention    int                       `mapstructure:"retention"`
	PollInterval time.Duration             `mapstructure:"poll_interval"`
	Schemas      map[string]SchemaConfig `mapstructure:"schemas"`
}

// SchemaConfig declares the payload a consumer stage requires. viper splits
// dotted keys into nested maps, so "outputs.scan.findings: array" and the
// equivalent nested form both arrive here as nested maps.
type SchemaConfig struct {
	Required map[string]any `mapstructure:"required"`
}

// StorageConfig selects the execution store backend.
type StorageConfig struct {
	// Driver is sqlite, sqlite3 or postgres.
	Driver string `mapstructure:"driver"`
	// Path is the database file for the SQLite drivers. Empty uses the project database.
	Path        string `mapstructure:"path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	// RetentionDays purges terminal executions older than this at startup. Zero keeps everything.
	RetentionDays int `mapstructure:"retention_days"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// File additionally writes logs to this path when set.
	File string `mapstructure:"file"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// WorkflowsConfig locates workflow definition files.
type WorkflowsConfig struct {
	Dir string `mapstructure:"dir"`
}

// AnthropicConfig holds settings for the llm.complete capability.
type AnthropicConfig struct {
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	MaxTokens  int64  `mapstructure:"max_tokens"`
	UseBedrock bool   `mapstructure:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile"`
}

// TUIConfig holds TUI display settings.
type TUIConfig struct {
	RefreshRate time.Duration `mapstructure:"refresh_rate"`
}

// RetryPolicy converts the retry settings into a retry.Policy.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries:        c.Retry.MaxRetries,
		BaseDelay:         c.Retry.BaseDelay,
		MaxDelay:          c.Retry.MaxDelay,
		BackoffMultiplier: c.Retry.BackoffMultiplier,
	}
}

// HandoffSchemas builds a schema registry from the configured schemas.
func (c *Config) HandoffSchemas() (*handoff.SchemaRegistry, error) {
	reg := handoff.NewSchemaRegistry()
	for stage, sc := range c.Handoff.Schemas {
		required := make(map[string]handoff.Kind)
		if err := flattenRequired("", sc.Required, required); err != nil {
			return nil, fmt.Errorf("handoff schema for %s: %w", stage, err)
		}
		if err := reg.Register(stage, handoff.Schema{Required: required}); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// flattenRequired turns nested maps into dotted payload paths.
func flattenRequired(prefix string, m map[string]any, out map[string]handoff.Kind) error {
	for key, v := range m {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		switch val := v.(type) {
		case string:
			out[path] = handoff.Kind(val)
		case map[string]any:
			if err := flattenRequired(path, val, out); err != nil {
				return err
			}
		default:
			return fmt.Errorf("field %s: expected a kind name, got %T", path, v)
		}
	}
	return nil
}

// Validate checks settings that would otherwise fail late.
func (c *Config) Validate() error {
	if c.Engine.MaxConcurrent < 1 {
		return fmt.Errorf("engine.max_concurrent must be at least 1, got %d", c.Engine.MaxConcurrent)
	}
	if c.Engine.QueueCapacity < 0 {
		return fmt.Errorf("engine.queue_capacity must not be negative")
	}
	switch c.Engine.Cancellation.Mode {
	case CancelGraceful, CancelForced:
	default:
		return fmt.Errorf("engine.cancellation.mode must be %q or %q, got %q", CancelGraceful, CancelForced, c.Engine.Cancellation.Mode)
	}
	if c.Retry.MaxRetries < 1 {
		return fmt.Errorf("retry.max_retries must be at least 1, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("retry.backoff_multiplier must be at least 1, got %g", c.Retry.BackoffMultiplier)
	}
	if c.Handoff.Retention < 1 {
		return fmt.Errorf("handoff.retention must be at least 1, got %d", c.Handoff.Retention)
	}
	switch c.Storage.Driver {
	case "sqlite", "sqlite3":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (STAGEHAND_*, ANTHROPIC_API_KEY)
// 2. Project config (.stagehand.yaml in current directory or parent)
// 3. User config (~/.config/stagehand/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	// Load user config from XDG path
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	// Project config takes precedence over the user config
	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific path.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("STAGEHAND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "STAGEHAND_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR} references
	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	cfg.Storage.PostgresDSN = expandEnv(cfg.Storage.PostgresDSN)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path as YAML, creating parent directories.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("engine.max_concurrent", cfg.Engine.MaxConcurrent)
	v.Set("engine.queue_capacity", cfg.Engine.QueueCapacity)
	v.Set("engine.task_timeout", cfg.Engine.TaskTimeout.String())
	v.Set("engine.max_runs", cfg.Engine.MaxRuns)
	v.Set("engine.cancellation.mode", cfg.Engine.Cancellation.Mode)
	v.Set("engine.cancellation.grace_period", cfg.Engine.Cancellation.GracePeriod.String())
	v.Set("retry.max_retries", cfg.Retry.MaxRetries)
	v.Set("retry.base_delay", cfg.Retry.BaseDelay.String())
	v.Set("retry.max_delay", cfg.Retry.MaxDelay.String())
	v.Set("retry.backoff_multiplier", cfg.Retry.BackoffMultiplier)
	v.Set("handoff.dir", cfg.Handoff.Dir)
	v.Set("handoff.retention", cfg.Handoff.Retention)
	v.Set("handoff.poll_interval", cfg.Handoff.PollInterval.String())
	v.Set("storage.driver", cfg.Storage.Driver)
	v.Set("storage.path", cfg.Storage.Path)
	v.Set("storage.retention_days", cfg.Storage.RetentionDays)
	v.Set("logging.level", cfg.Logging.Level)
	v.Set("logging.format", cfg.Logging.Format)
	v.Set("logging.file", cfg.Logging.File)
	v.Set("server.addr", cfg.Server.Addr)
	v.Set("server.shutdown_timeout", cfg.Server.ShutdownTimeout.String())
	v.Set("workflows.dir", cfg.Workflows.Dir)
	v.Set("anthropic.model", cfg.Anthropic.Model)
	v.Set("anthropic.max_tokens", cfg.Anthropic.MaxTokens)
	v.Set("anthropic.use_bedrock", cfg.Anthropic.UseBedrock)
	v.Set("tui.refresh_rate", cfg.TUI.RefreshRate.String())

	// Secrets and optional endpoints are written only when set
	if cfg.Anthropic.APIKey != "" {
		v.Set("anthropic.api_key", cfg.Anthropic.APIKey)
	}
	if cfg.Anthropic.AWSRegion != "" {
		v.Set("anthropic.aws_region", cfg.Anthropic.AWSRegion)
	}
	if cfg.Anthropic.AWSProfile != "" {
		v.Set("anthropic.aws_profile", cfg.Anthropic.AWSProfile)
	}
	if cfg.Storage.PostgresDSN != "" {
		v.Set("storage.postgres_dsn", cfg.Storage.PostgresDSN)
	}

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("engine.max_concurrent", d.Engine.MaxConcurrent)
	v.SetDefault("engine.queue_capacity", d.Engine.QueueCapacity)
	v.SetDefault("engine.task_timeout", d.Engine.TaskTimeout.String())
	v.SetDefault("engine.max_runs", d.Engine.MaxRuns)
	v.SetDefault("engine.cancellation.mode", d.Engine.Cancellation.Mode)
	v.SetDefault("engine.cancellation.grace_period", d.Engine.Cancellation.GracePeriod.String())

	v.SetDefault("retry.max_retries", d.Retry.MaxRetries)
	v.SetDefault("retry.base_delay", d.Retry.BaseDelay.String())
	v.SetDefault("retry.max_delay", d.Retry.MaxDelay.String())
	v.SetDefault("retry.backoff_multiplier", d.Retry.BackoffMultiplier)

	v.SetDefault("handoff.dir", d.Handoff.Dir)
	v.SetDefault("handoff.retention", d.Handoff.Retention)
	v.SetDefault("handoff.poll_interval", d.Handoff.PollInterval.String())

	v.SetDefault("storage.driver", d.Storage.Driver)
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("storage.retention_days", d.Storage.RetentionDays)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", d.Logging.File)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout.String())

	v.SetDefault("workflows.dir", d.Workflows.Dir)

	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", d.Anthropic.Model)
	v.SetDefault("anthropic.max_tokens", d.Anthropic.MaxTokens)
	v.SetDefault("anthropic.use_bedrock", false)
	v.SetDefault("anthropic.aws_region", "")
	v.SetDefault("anthropic.aws_profile", "")

	v.SetDefault("tui.refresh_rate", d.TUI.RefreshRate.String())
}

// getUserConfigDir returns the XDG config directory for stagehand.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "stagehand")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "stagehand")
	}
	return filepath.Join(home, ".config", "stagehand")
}

// findProjectConfig searches for .stagehand.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".stagehand.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxConcurrent: 20,
			TaskTimeout:   300 * time.Second,
			MaxRuns:       4,
			Cancellation: CancellationConfig{
				Mode:        CancelGraceful,
				GracePeriod: 30 * time.Second,
			},
		},
		Retry: RetryConfig{
			MaxRetries:        retry.DefaultMaxRetries,
			BaseDelay:         retry.DefaultBaseDelay,
			MaxDelay:          retry.DefaultMaxDelay,
			BackoffMultiplier: retry.DefaultBackoffMultiplier,
		},
		Handoff: HandoffConfig{
			Dir:          filepath.Join(".stagehand", "handoffs"),
			Retention:    handoff.DefaultRetention,
			PollInterval: 500 * time.Millisecond,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Workflows: WorkflowsConfig{
			Dir: "workflows",
		},
		Anthropic: AnthropicConfig{
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 1024,
		},
		TUI: TUIConfig{
			RefreshRate: 100 * time.Millisecond,
		},
	}
}
