package handoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ShayCichocki/stagehand/pkg/models"
)

// Wait blocks until an unread artifact exists for toStage, then consumes
// and returns it. It watches the stage directory for file events and falls
// back to polling when a watcher cannot be created.
func (c *Channel) Wait(ctx context.Context, toStage string) (*models.HandoffArtifact, error) {
	if !validStageName(toStage) {
		return nil, &ValidationError{Stage: toStage, Problems: []string{"invalid stage name"}}
	}
	dir := c.stageDir(toStage)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create stage directory: %w", err)
	}

	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if addErr := watcher.Add(dir); addErr == nil {
			events = watcher.Events
			watchErrs = watcher.Errors
		} else {
			c.logger.Debug("handoff watch unavailable, polling",
				slog.String("stage", toStage),
				slog.String("error", addErr.Error()),
			)
		}
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		art, err := c.Consume(ctx, toStage)
		if err == nil {
			return art, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Base(ev.Name) != historyFile {
				continue
			}
		case _, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
			}
		case <-ticker.C:
		}
	}
}
