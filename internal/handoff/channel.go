// Package handoff passes JSON artifacts from one pipeline stage to the next.
//
// Each consumer stage has a directory holding latest.json, an append-only
// history.jsonl bounded by a retention count, and a cursor recording the
// last consumed sequence. Every file is replaced with temp-then-rename, so
// readers only ever see complete artifacts.
package handoff

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/stagehand/pkg/models"
)

// DefaultRetention is the number of history entries kept per stage.
const DefaultRetention = 52

const (
	latestFile  = "latest.json"
	historyFile = "history.jsonl"
	cursorFile  = "cursor"
)

// ErrNotFound is returned when no artifact is available for a stage.
var ErrNotFound = errors.New("handoff artifact not found")

// PublishRequest describes an artifact to publish.
type PublishRequest struct {
	FromStage   string
	ToStage     string
	ExecutionID string
	WorkflowID  string
	Status      models.HandoffStatus
	Summary     map[string]any
	Payload     map[string]any
	NextAction  string
}

// Ref identifies a published artifact.
type Ref struct {
	ID        string    `json:"id"`
	FromStage string    `json:"from_stage"`
	ToStage   string    `json:"to_stage"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

// Option configures a Channel.
type Option func(*Channel)

// WithRetention sets the number of history entries kept per stage.
func WithRetention(n int) Option {
	return func(c *Channel) {
		if n > 0 {
			c.retention = n
		}
	}
}

// WithSchemas sets the consumer schema registry.
func WithSchemas(r *SchemaRegistry) Option {
	return func(c *Channel) {
		if r != nil {
			c.schemas = r
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithPollInterval sets how often Wait re-checks when file events are unavailable.
func WithPollInterval(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Channel) {
		if now != nil {
			c.now = now
		}
	}
}

// Channel is a file-backed handoff channel rooted at a directory.
// Writes to the same consumer stage are serialized.
type Channel struct {
	dir          string
	retention    int
	schemas      *SchemaRegistry
	logger       *slog.Logger
	pollInterval time.Duration
	now          func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewChannel creates a channel rooted at dir, creating it if needed.
func NewChannel(dir string, opts ...Option) (*Channel, error) {
	if dir == "" {
		return nil, fmt.Errorf("handoff directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create handoff directory: %w", err)
	}
	c := &Channel{
		dir:          dir,
		retention:    DefaultRetention,
		schemas:      NewSchemaRegistry(),
		logger:       slog.Default(),
		pollInterval: time.Second,
		now:          time.Now,
		locks:        make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Dir returns the channel root directory.
func (c *Channel) Dir() string { return c.dir }

// Schemas returns the consumer schema registry.
func (c *Channel) Schemas() *SchemaRegistry { return c.schemas }

func (c *Channel) stageLock(stage string) *sync.Mutex {
	stage = stageKey(stage)
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	l, ok := c.locks[stage]
	if !ok {
		l = &sync.Mutex{}
		c.locks[stage] = l
	}
	return l
}

func (c *Channel) stageDir(stage string) string {
	return filepath.Join(c.dir, stageKey(stage))
}

// Publish validates and stores an artifact for req.ToStage. It replaces the
// stage's latest.json and appends to its history, pruning the oldest entries
// beyond the retention count. A rejected artifact leaves no trace.
func (c *Channel) Publish(ctx context.Context, req PublishRequest) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}

	art := &models.HandoffArtifact{
		ID:          uuid.New().String(),
		ExecutionID: req.ExecutionID,
		WorkflowID:  req.WorkflowID,
		FromStage:   req.FromStage,
		ToStage:     req.ToStage,
		Timestamp:   c.now().UTC(),
		Status:      req.Status,
		NextAction:  req.NextAction,
	}
	var err error
	if art.Summary, err = normalize(req.Summary); err != nil {
		return Ref{}, &ValidationError{Stage: req.ToStage, Problems: []string{"summary: " + err.Error()}}
	}
	if art.Payload, err = normalize(req.Payload); err != nil {
		return Ref{}, &ValidationError{Stage: req.ToStage, Problems: []string{"payload: " + err.Error()}}
	}
	if err := c.schemas.Validate(art); err != nil {
		c.logger.Warn("handoff artifact rejected",
			slog.String("from_stage", req.FromStage),
			slog.String("to_stage", req.ToStage),
			slog.String("error", err.Error()),
		)
		return Ref{}, err
	}

	lock := c.stageLock(art.ToStage)
	lock.Lock()
	defer lock.Unlock()

	dir := c.stageDir(art.ToStage)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Ref{}, fmt.Errorf("create stage directory: %w", err)
	}

	history, err := c.readHistory(art.ToStage)
	if err != nil {
		return Ref{}, err
	}
	art.Sequence = 1
	if n := len(history); n > 0 {
		art.Sequence = history[n-1].Sequence + 1
	}

	line, err := json.Marshal(art)
	if err != nil {
		return Ref{}, fmt.Errorf("encode artifact: %w", err)
	}
	pretty, err := json.MarshalIndent(art, "", "  ")
	if err != nil {
		return Ref{}, fmt.Errorf("encode artifact: %w", err)
	}

	history = append(history, *art)
	pruned := 0
	if len(history) > c.retention {
		pruned = len(history) - c.retention
		history = history[pruned:]
	}

	var buf bytes.Buffer
	for i := range history[:len(history)-1] {
		entry, err := json.Marshal(&history[i])
		if err != nil {
			return Ref{}, fmt.Errorf("encode history: %w", err)
		}
		buf.Write(entry)
		buf.WriteByte('\n')
	}
	buf.Write(line)
	buf.WriteByte('\n')

	if err := writeFileAtomic(filepath.Join(dir, historyFile), buf.Bytes()); err != nil {
		return Ref{}, fmt.Errorf("write history: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, latestFile), pretty); err != nil {
		return Ref{}, fmt.Errorf("write latest: %w", err)
	}

	c.logger.Info("handoff artifact published",
		slog.String("id", art.ID),
		slog.String("from_stage", art.FromStage),
		slog.String("to_stage", art.ToStage),
		slog.Int64("sequence", art.Sequence),
		slog.String("status", string(art.Status)),
		slog.Int("pruned", pruned),
	)

	return Ref{
		ID:        art.ID,
		FromStage: art.FromStage,
		ToStage:   art.ToStage,
		Sequence:  art.Sequence,
		Timestamp: art.Timestamp,
	}, nil
}

// Consume returns the oldest unread artifact for toStage and advances the
// stage cursor past it. It returns ErrNotFound when nothing is unread.
func (c *Channel) Consume(ctx context.Context, toStage string) (*models.HandoffArtifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !validStageName(toStage) {
		return nil, &ValidationError{Stage: toStage, Problems: []string{"invalid stage name"}}
	}

	lock := c.stageLock(toStage)
	lock.Lock()
	defer lock.Unlock()

	history, err := c.readHistory(toStage)
	if err != nil {
		return nil, err
	}
	cursor, err := c.readCursor(toStage)
	if err != nil {
		return nil, err
	}
	for i := range history {
		if history[i].Sequence <= cursor {
			continue
		}
		art := history[i]
		seq := strconv.FormatInt(art.Sequence, 10)
		if err := writeFileAtomic(filepath.Join(c.stageDir(toStage), cursorFile), []byte(seq+"\n")); err != nil {
			return nil, fmt.Errorf("advance cursor: %w", err)
		}
		c.logger.Info("handoff artifact consumed",
			slog.String("id", art.ID),
			slog.String("to_stage", toStage),
			slog.Int64("sequence", art.Sequence),
		)
		return &art, nil
	}
	return nil, ErrNotFound
}

// Pending returns the number of unread artifacts for toStage.
func (c *Channel) Pending(ctx context.Context, toStage string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !validStageName(toStage) {
		return 0, &ValidationError{Stage: toStage, Problems: []string{"invalid stage name"}}
	}
	history, err := c.readHistory(toStage)
	if err != nil {
		return 0, err
	}
	cursor, err := c.readCursor(toStage)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range history {
		if a.Sequence > cursor {
			n++
		}
	}
	return n, nil
}

// Latest returns the most recently published artifact for toStage without
// moving the cursor.
func (c *Channel) Latest(ctx context.Context, toStage string) (*models.HandoffArtifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !validStageName(toStage) {
		return nil, &ValidationError{Stage: toStage, Problems: []string{"invalid stage name"}}
	}
	raw, err := os.ReadFile(filepath.Join(c.stageDir(toStage), latestFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read latest: %w", err)
	}
	if err := ValidateJSON(raw); err != nil {
		return nil, err
	}
	var art models.HandoffArtifact
	if err := json.Unmarshal(raw, &art); err != nil {
		return nil, fmt.Errorf("decode latest: %w", err)
	}
	return &art, nil
}

// History returns up to limit artifacts for toStage, newest first.
// limit <= 0 returns the whole retained history.
func (c *Channel) History(ctx context.Context, toStage string, limit int) ([]models.HandoffArtifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !validStageName(toStage) {
		return nil, &ValidationError{Stage: toStage, Problems: []string{"invalid stage name"}}
	}
	history, err := c.readHistory(toStage)
	if err != nil {
		return nil, err
	}
	out := make([]models.HandoffArtifact, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		out = append(out, history[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Stages lists the stages that have received at least one artifact.
func (c *Channel) Stages() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("read handoff directory: %w", err)
	}
	var stages []string
	for _, e := range entries {
		if !e.IsDir() || !validStageName(e.Name()) {
			continue
		}
		if _, err := os.Stat(filepath.Join(c.dir, e.Name(), historyFile)); err == nil {
			stages = append(stages, e.Name())
		}
	}
	return stages, nil
}

func (c *Channel) readHistory(stage string) ([]models.HandoffArtifact, error) {
	f, err := os.Open(filepath.Join(c.stageDir(stage), historyFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	defer f.Close()

	var out []models.HandoffArtifact
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var art models.HandoffArtifact
		if err := json.Unmarshal(line, &art); err != nil {
			return nil, fmt.Errorf("decode history entry: %w", err)
		}
		out = append(out, art)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	return out, nil
}

func (c *Channel) readCursor(stage string) (int64, error) {
	raw, err := os.ReadFile(filepath.Join(c.stageDir(stage), cursorFile))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cursor: %w", err)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse cursor: %w", err)
	}
	return n, nil
}

// normalize round-trips m through JSON so that stored and validated values
// have the decoded JSON types.
func normalize(m map[string]any) (map[string]any, error) {
	if m == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
