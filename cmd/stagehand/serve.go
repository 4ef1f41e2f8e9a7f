package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ShayCichocki/stagehand/internal/api"
	"github.com/ShayCichocki/stagehand/internal/orchestrator"
	"github.com/spf13/cobra"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the execution API",
	Long: `Start the HTTP API for triggering and inspecting workflow runs.

Workflows are read from workflows.dir. Runs execute in the background,
at most engine.max_runs at a time. On SIGINT or SIGTERM the server stops
accepting requests, cancels active runs and waits up to
server.shutdown_timeout for them to record their final state.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default: server.addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	emitter := orchestrator.NewEventEmitter(1024, a.log.Logger)
	defer emitter.Close()
	go logEvents(a, emitter.Events())

	pool := orchestrator.NewPool(a.coordinator(orchestrator.WithEmitter(emitter)), a.log.Logger)
	pool.SetMaxRuns(a.cfg.Engine.MaxRuns)

	srv := api.NewServer(api.Deps{
		Catalog:      a.catalog,
		Runs:         pool,
		Executions:   a.store,
		Handoffs:     a.channel,
		Capabilities: a.registry,
		Metrics:      a.metrics,
		Logger:       a.log.Logger,
	})

	addr := serveAddr
	if addr == "" {
		addr = a.cfg.Server.Addr
	}

	a.log.Info("workflow catalog loaded", "dir", a.cfg.Workflows.Dir, "workflows", len(a.catalog.List()))
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(addr)
	}()

	select {
	case err := <-errCh:
		pool.Stop()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.log.Info("shutting down", "active_runs", pool.Count())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("api shutdown", "error", err)
	}

	done := make(chan error, 1)
	go func() { done <- pool.Stop() }()
	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-shutdownCtx.Done():
		a.log.Warn("runs still active at shutdown deadline", "active_runs", pool.Count())
	}
	if n := pool.DroppedEventCount(); n > 0 {
		a.log.Warn("progress events dropped", "count", n)
	}
	return nil
}

// logEvents records run and task transitions in the server log.
func logEvents(a *app, events <-chan orchestrator.Event) {
	for ev := range events {
		switch ev.Type {
		case orchestrator.EventTaskQueued, orchestrator.EventTaskStarted:
			a.log.Debug(formatEvent(ev), "execution_id", ev.ExecutionID, "event", ev.Type)
		default:
			if line := formatEvent(ev); line != "" {
				a.log.Info(line, "execution_id", ev.ExecutionID, "event", ev.Type)
			}
		}
	}
}
