//go:build integration

package integration

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/ShayCichocki/stagehand/internal/capabilities"
	"github.com/ShayCichocki/stagehand/internal/executor"
	"github.com/ShayCichocki/stagehand/internal/handoff"
	"github.com/ShayCichocki/stagehand/internal/orchestrator"
	"github.com/ShayCichocki/stagehand/internal/retry"
	"github.com/ShayCichocki/stagehand/internal/state"
)

// engine is the wired stack a CLI invocation builds, rooted in a temp dir.
type engine struct {
	dir     string
	store   state.Store
	channel *handoff.Channel
	reg     *executor.Registry
	coord   *orchestrator.Coordinator
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	store, err := state.OpenStore(ctx, state.Options{Driver: "sqlite", Path: filepath.Join(dir, "stagehand.db")})
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	channel, err := handoff.NewChannel(filepath.Join(dir, "handoffs"),
		handoff.WithLogger(logger),
		handoff.WithPollInterval(20*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("NewChannel() error = %v", err)
	}

	reg := executor.NewRegistry()
	if err := capabilities.Register(reg, capabilities.Deps{Logger: logger}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	reg.Freeze()

	coord := orchestrator.New(
		executor.New(reg, executor.WithDefaultTimeout(30*time.Second), executor.WithLogger(logger)),
		orchestrator.WithLogger(logger),
		orchestrator.WithStore(store),
		orchestrator.WithHandoff(channel),
		orchestrator.WithRetryPolicy(retry.Policy{
			MaxRetries:        2,
			BaseDelay:         10 * time.Millisecond,
			MaxDelay:          50 * time.Millisecond,
			BackoffMultiplier: 2,
		}),
	)
	return &engine{dir: dir, store: store, channel: channel, reg: reg, coord: coord}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}
