package definition

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/ShayCichocki/stagehand/pkg/models"
)

var (
	// ErrNotFound is returned when no definition has the requested id.
	ErrNotFound = errors.New("workflow not found")
	// ErrExists is returned when creating an id that a file already defines.
	ErrExists = errors.New("workflow already exists")
	// ErrBuiltin is returned when creating or deleting a built-in template id.
	ErrBuiltin = errors.New("workflow is a built-in template")
	// ErrNoDirectory is returned by writes when the catalog has no directory.
	ErrNoDirectory = errors.New("no workflows directory configured")
)

const templateSource = "template"

// Catalog indexes the built-in templates plus every definition file in a
// directory. Files override templates that share their id.
type Catalog struct {
	mu     sync.RWMutex
	dir    string
	defs   map[string]*models.WorkflowDefinition
	source map[string]string
	logger *slog.Logger
}

// Entry is the listing view of a catalog definition.
type Entry struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Tasks       int    `json:"tasks"`
	// Source is the file path, or "template".
	Source string `json:"source"`
}

// NewCatalog loads templates and the definitions under dir. A missing dir is
// not an error. Invalid files are logged and skipped.
func NewCatalog(dir string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{dir: dir, logger: logger}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload rereads the directory.
func (c *Catalog) Reload() error {
	defs := make(map[string]*models.WorkflowDefinition)
	source := make(map[string]string)

	templates, err := loadTemplates()
	if err != nil {
		return err
	}
	for _, def := range templates {
		defs[def.ID] = def
		source[def.ID] = templateSource
	}

	if c.dir != "" {
		entries, err := os.ReadDir(c.dir)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("read workflows dir: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() || !isDefinitionFile(e.Name()) {
				continue
			}
			p := filepath.Join(c.dir, e.Name())
			def, err := LoadFile(p)
			if err != nil {
				c.logger.Warn("skipping invalid workflow file",
					slog.String("path", p),
					slog.String("error", err.Error()),
				)
				continue
			}
			defs[def.ID] = def
			source[def.ID] = p
		}
	}

	c.mu.Lock()
	c.defs = defs
	c.source = source
	c.mu.Unlock()
	return nil
}

// Get returns the definition with the given id.
func (c *Catalog) Get(id string) (*models.WorkflowDefinition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.defs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return def, nil
}

// List returns every definition sorted by id.
func (c *Catalog) List() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.defs))
	for id, def := range c.defs {
		out = append(out, Entry{
			ID:          id,
			Name:        def.Name,
			Description: def.Description,
			Tasks:       len(def.Tasks),
			Source:      c.source[id],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Resolve loads ref as a file path when it names an existing file, otherwise
// looks it up as a catalog id.
func (c *Catalog) Resolve(ref string) (*models.WorkflowDefinition, error) {
	if info, err := os.Stat(ref); err == nil && !info.IsDir() {
		return LoadFile(ref)
	}
	return c.Get(ref)
}

var fileIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Create stores raw as <id>.yaml (or .json for JSON input) in the catalog
// directory and reloads. raw must parse as a definition whose id is id.
// Template ids and ids already backed by a file are refused.
func (c *Catalog) Create(id string, raw []byte) (Entry, error) {
	if c.dir == "" {
		return Entry{}, ErrNoDirectory
	}
	if !fileIDPattern.MatchString(id) || strings.Contains(id, "..") {
		return Entry{}, &ValidationError{Workflow: id, Problems: []string{"id must be letters, digits, '.', '_' or '-'"}}
	}

	parsed, err := Parse(raw)
	if err != nil {
		return Entry{}, err
	}
	if parsed.ID != id {
		return Entry{}, &ValidationError{Workflow: id, Problems: []string{fmt.Sprintf("body id %q does not match %q", parsed.ID, id)}}
	}

	c.mu.RLock()
	src, exists := c.source[id]
	c.mu.RUnlock()
	switch {
	case exists && src == templateSource:
		return Entry{}, fmt.Errorf("%w: %s", ErrBuiltin, id)
	case exists:
		return Entry{}, fmt.Errorf("%w: %s", ErrExists, id)
	}

	ext := ".yaml"
	if bytes.HasPrefix(bytes.TrimSpace(raw), []byte("{")) {
		ext = ".json"
	}
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return Entry{}, fmt.Errorf("create workflows dir: %w", err)
	}
	path := filepath.Join(c.dir, id+ext)
	if err := writeFileAtomic(path, raw); err != nil {
		return Entry{}, fmt.Errorf("write workflow %s: %w", id, err)
	}
	if err := c.Reload(); err != nil {
		return Entry{}, err
	}

	def, err := c.Get(id)
	if err != nil {
		return Entry{}, err
	}
	c.logger.Info("workflow created", slog.String("id", id), slog.String("path", path))
	return Entry{ID: id, Name: def.Name, Description: def.Description, Tasks: len(def.Tasks), Source: path}, nil
}

// Delete removes the file backing id and reloads. Templates cannot be
// deleted.
func (c *Catalog) Delete(id string) error {
	c.mu.RLock()
	src, exists := c.source[id]
	c.mu.RUnlock()
	switch {
	case !exists:
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	case src == templateSource:
		return fmt.Errorf("%w: %s", ErrBuiltin, id)
	}
	if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove workflow %s: %w", id, err)
	}
	c.logger.Info("workflow deleted", slog.String("id", id), slog.String("path", src))
	return c.Reload()
}

// writeFileAtomic writes data to a temp file beside path and renames it.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Chmod(name, 0644); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}

func isDefinitionFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	default:
		return false
	}
}
