package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ShayCichocki/stagehand/internal/capabilities"
	"github.com/ShayCichocki/stagehand/internal/config"
	"github.com/ShayCichocki/stagehand/internal/definition"
	"github.com/ShayCichocki/stagehand/internal/executor"
	"github.com/ShayCichocki/stagehand/internal/handoff"
	"github.com/ShayCichocki/stagehand/internal/logging"
	"github.com/ShayCichocki/stagehand/internal/observability"
	"github.com/ShayCichocki/stagehand/internal/orchestrator"
	"github.com/ShayCichocki/stagehand/internal/state"
	"github.com/ShayCichocki/stagehand/pkg/models"
	"github.com/anthropics/anthropic-sdk-go"
	"go.opentelemetry.io/otel"
)

// app holds the collaborators shared by the subcommands.
type app struct {
	cfg      *config.Config
	log      *logging.Logger
	store    state.Store
	channel  *handoff.Channel
	registry *executor.Registry
	catalog  *definition.Catalog
	metrics  *observability.Provider
}

// loadConfig reads --config when given, otherwise the user and project config.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// newApp wires the configured stack. The store is opened only when needStore
// is set; opening it also recovers executions left running by a crash.
func newApp(ctx context.Context, needStore bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	a := &app{cfg: cfg, log: logger, metrics: observability.NewProvider()}
	otel.SetMeterProvider(a.metrics.MeterProvider())

	if needStore {
		if err := a.openStore(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}

	schemas, err := cfg.HandoffSchemas()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.channel, err = handoff.NewChannel(cfg.Handoff.Dir,
		handoff.WithRetention(cfg.Handoff.Retention),
		handoff.WithSchemas(schemas),
		handoff.WithPollInterval(cfg.Handoff.PollInterval),
		handoff.WithLogger(logger.Logger),
	)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("opening handoff channel: %w", err)
	}

	a.registry = executor.NewRegistry()
	deps := capabilities.Deps{Logger: logger.Logger}
	if client := a.llmClient(); client != nil {
		deps.LLM = client
	}
	if err := capabilities.Register(a.registry, deps); err != nil {
		a.Close()
		return nil, fmt.Errorf("registering capabilities: %w", err)
	}
	a.registry.Freeze()

	a.catalog, err = definition.NewCatalog(cfg.Workflows.Dir, logger.Logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("loading workflow catalog: %w", err)
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	path := a.cfg.Storage.Path
	if path == "" && a.cfg.Storage.Driver != "postgres" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getting working directory: %w", err)
		}
		path = state.ProjectDBPath(cwd)
	}

	store, err := state.OpenStore(ctx, state.Options{
		Driver:      a.cfg.Storage.Driver,
		Path:        path,
		PostgresDSN: a.cfg.Storage.PostgresDSN,
	})
	if err != nil {
		return fmt.Errorf("opening execution store: %w", err)
	}
	a.store = store

	interrupted, err := store.MarkInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("recovering interrupted executions: %w", err)
	}
	for _, id := range interrupted {
		a.log.Warn("execution was interrupted", "execution_id", id)
	}

	if days := a.cfg.Storage.RetentionDays; days > 0 {
		cutoff := time.Now().AddDate(0, 0, -days)
		n, err := store.Purge(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("purging old executions: %w", err)
		}
		if n > 0 {
			a.log.Info("purged old executions", "count", n, "older_than_days", days)
		}
	}
	return nil
}

// llmClient builds the llm.complete client. Without credentials it returns
// nil and the capability reports itself unavailable when used.
func (a *app) llmClient() *capabilities.LLMClient {
	ac := a.cfg.Anthropic
	llmCfg := capabilities.LLMConfig{
		Model:      anthropic.Model(ac.Model),
		MaxTokens:  ac.MaxTokens,
		UseBedrock: ac.UseBedrock,
		AWSRegion:  ac.AWSRegion,
		AWSProfile: ac.AWSProfile,
	}
	if !ac.UseBedrock {
		key, err := config.GetAPIKey(a.cfg)
		if err != nil {
			a.log.Debug("llm.complete disabled", "reason", err)
			return nil
		}
		llmCfg.APIKey = key
	}
	client, err := capabilities.NewLLMClient(llmCfg)
	if err != nil {
		a.log.Warn("llm.complete disabled", "error", err)
		return nil
	}
	return client
}

// registerBuiltins registers the built-in capabilities without an LLM client.
// It serves commands that only inspect definitions.
func registerBuiltins(reg *executor.Registry) error {
	if err := capabilities.Register(reg, capabilities.Deps{}); err != nil {
		return fmt.Errorf("registering capabilities: %w", err)
	}
	reg.Freeze()
	return nil
}

// coordinator builds a run coordinator from the engine settings.
func (a *app) coordinator(extra ...orchestrator.Option) *orchestrator.Coordinator {
	exec := executor.New(a.registry,
		executor.WithDefaultTimeout(a.cfg.Engine.TaskTimeout),
		executor.WithLogger(a.log.Logger),
	)
	opts := []orchestrator.Option{
		orchestrator.WithLogger(a.log.Logger),
		orchestrator.WithHandoff(a.channel),
		orchestrator.WithMetrics(a.metrics.Metrics()),
		orchestrator.WithRetryPolicy(a.cfg.RetryPolicy()),
		orchestrator.WithMaxConcurrent(a.cfg.Engine.MaxConcurrent),
		orchestrator.WithQueueCapacity(a.cfg.Engine.QueueCapacity),
		orchestrator.WithCancellation(cancelMode(a.cfg.Engine.Cancellation.Mode), a.cfg.Engine.Cancellation.GracePeriod),
	}
	if a.store != nil {
		opts = append(opts, orchestrator.WithStore(a.store))
	}
	return orchestrator.New(exec, append(opts, extra...)...)
}

// resolveDefinition loads ref as a file, a catalog id or a built-in template,
// in that order, and checks every action is registered.
func (a *app) resolveDefinition(ref string) (*models.WorkflowDefinition, error) {
	def, err := a.catalog.Resolve(ref)
	if errors.Is(err, definition.ErrNotFound) {
		def, err = definition.Template(ref)
	}
	if err != nil {
		return nil, err
	}
	if err := definition.CheckCapabilities(def, a.registry); err != nil {
		return nil, err
	}
	return def, nil
}

// Close releases the store, the meter provider and the log file.
func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("closing store", "error", err)
		}
	}
	if err := a.metrics.Shutdown(context.Background()); err != nil {
		a.log.Warn("shutting down metrics", "error", err)
	}
	a.log.Close()
}

func cancelMode(mode string) orchestrator.CancelMode {
	if mode == config.CancelForced {
		return orchestrator.CancelForced
	}
	return orchestrator.CancelGraceful
}
