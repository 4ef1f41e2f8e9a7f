package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ShayCichocki/stagehand/internal/config"
	"github.com/spf13/cobra"
)

var configShowPaths bool

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify stagehand configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/stagehand/config.yaml
Project-specific overrides can be placed in .stagehand.yaml
Environment variables override both, e.g. STAGEHAND_ENGINE_MAX_CONCURRENT.`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		w := cmd.OutOrStdout()
		if configShowPaths {
			fmt.Fprintf(w, "user:    %s\n", config.GetUserConfigPath())
			project := config.GetProjectConfigPath()
			if project == "" {
				project = "(none)"
			}
			fmt.Fprintf(w, "project: %s\n", project)
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		switch len(args) {
		case 0:
			for _, key := range configKeyNames() {
				fmt.Fprintf(w, "%s: %s\n", key, configKeys[key].get(cfg))
			}
		case 1:
			value, err := getConfigValue(cfg, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(w, value)
		default:
			if err := setConfigValue(cfg, args[0], args[1]); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			path := configPath
			if path == "" {
				path = config.GetUserConfigPath()
			}
			if err := config.Save(cfg, path); err != nil {
				return fmt.Errorf("saving config: %w", err)
			}
			fmt.Fprintf(w, "Set %s = %s\n", args[0], args[1])
		}
		return nil
	},
}

func init() {
	configCmd.Flags().BoolVar(&configShowPaths, "path", false, "Show the config file locations")
}

// configKey reads and writes one dot-notation setting.
type configKey struct {
	get func(*config.Config) string
	set func(*config.Config, string) error
}

var configKeys = map[string]configKey{
	"engine.max_concurrent": intKey(func(c *config.Config) *int { return &c.Engine.MaxConcurrent }),
	"engine.queue_capacity": intKey(func(c *config.Config) *int { return &c.Engine.QueueCapacity }),
	"engine.task_timeout":   durationKey(func(c *config.Config) *time.Duration { return &c.Engine.TaskTimeout }),
	"engine.max_runs":       intKey(func(c *config.Config) *int { return &c.Engine.MaxRuns }),
	"engine.cancellation.mode": {
		get: func(c *config.Config) string { return c.Engine.Cancellation.Mode },
		set: func(c *config.Config, v string) error {
			if v != config.CancelGraceful && v != config.CancelForced {
				return fmt.Errorf("invalid cancellation mode %q: expected graceful or forced", v)
			}
			c.Engine.Cancellation.Mode = v
			return nil
		},
	},
	"engine.cancellation.grace_period": durationKey(func(c *config.Config) *time.Duration { return &c.Engine.Cancellation.GracePeriod }),
	"retry.max_retries":                intKey(func(c *config.Config) *int { return &c.Retry.MaxRetries }),
	"retry.base_delay":                 durationKey(func(c *config.Config) *time.Duration { return &c.Retry.BaseDelay }),
	"retry.max_delay":                  durationKey(func(c *config.Config) *time.Duration { return &c.Retry.MaxDelay }),
	"retry.backoff_multiplier": {
		get: func(c *config.Config) string { return strconv.FormatFloat(c.Retry.BackoffMultiplier, 'g', -1, 64) },
		set: func(c *config.Config, v string) error {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("invalid number for retry.backoff_multiplier: %w", err)
			}
			c.Retry.BackoffMultiplier = f
			return nil
		},
	},
	"handoff.dir":             stringKey(func(c *config.Config) *string { return &c.Handoff.Dir }),
	"handoff.retention":       intKey(func(c *config.Config) *int { return &c.Handoff.Retention }),
	"handoff.poll_interval":   durationKey(func(c *config.Config) *time.Duration { return &c.Handoff.PollInterval }),
	"storage.driver":          stringKey(func(c *config.Config) *string { return &c.Storage.Driver }),
	"storage.path":            stringKey(func(c *config.Config) *string { return &c.Storage.Path }),
	"storage.retention_days":  intKey(func(c *config.Config) *int { return &c.Storage.RetentionDays }),
	"logging.level":           stringKey(func(c *config.Config) *string { return &c.Logging.Level }),
	"logging.format":          stringKey(func(c *config.Config) *string { return &c.Logging.Format }),
	"logging.file":            stringKey(func(c *config.Config) *string { return &c.Logging.File }),
	"server.addr":             stringKey(func(c *config.Config) *string { return &c.Server.Addr }),
	"server.shutdown_timeout": durationKey(func(c *config.Config) *time.Duration { return &c.Server.ShutdownTimeout }),
	"workflows.dir":           stringKey(func(c *config.Config) *string { return &c.Workflows.Dir }),
	"anthropic.model":         stringKey(func(c *config.Config) *string { return &c.Anthropic.Model }),
	"anthropic.api_key": {
		get: func(c *config.Config) string {
			key, err := config.GetAPIKey(c)
			if err != nil {
				return "(not set)"
			}
			return fmt.Sprintf("%s (%s)", config.MaskAPIKey(key), config.GetAPIKeySource(c))
		},
		set: func(c *config.Config, v string) error {
			if err := config.ValidateAPIKey(v); err != nil {
				return err
			}
			c.Anthropic.APIKey = v
			return nil
		},
	},
	"tui.refresh_rate": durationKey(func(c *config.Config) *time.Duration { return &c.TUI.RefreshRate }),
}

func configKeyNames() []string {
	names := make([]string, 0, len(configKeys))
	for name := range configKeys {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	k, ok := configKeys[strings.ToLower(key)]
	if !ok {
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
	return k.get(cfg), nil
}

// setConfigValue sets a configuration value by dot-notation key.
func setConfigValue(cfg *config.Config, key, value string) error {
	k, ok := configKeys[strings.ToLower(key)]
	if !ok {
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	if err := k.set(cfg, value); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

func stringKey(field func(*config.Config) *string) configKey {
	return configKey{
		get: func(c *config.Config) string { return *field(c) },
		set: func(c *config.Config, v string) error {
			*field(c) = v
			return nil
		},
	}
}

func intKey(field func(*config.Config) *int) configKey {
	return configKey{
		get: func(c *config.Config) string { return strconv.Itoa(*field(c)) },
		set: func(c *config.Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid integer: %w", err)
			}
			*field(c) = n
			return nil
		},
	}
}

func durationKey(field func(*config.Config) *time.Duration) configKey {
	return configKey{
		get: func(c *config.Config) string { return field(c).String() },
		set: func(c *config.Config, v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			*field(c) = d
			return nil
		},
	}
}
