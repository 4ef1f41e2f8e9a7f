package definition

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/ShayCichocki/stagehand/pkg/models"
)

//go:embed templates/*.yaml
var templateFS embed.FS

// TemplateInfo describes a built-in template.
type TemplateInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Tasks       int    `json:"tasks"`
}

// Templates lists the built-in templates sorted by id.
func Templates() ([]TemplateInfo, error) {
	defs, err := loadTemplates()
	if err != nil {
		return nil, err
	}
	out := make([]TemplateInfo, 0, len(defs))
	for _, def := range defs {
		out = append(out, TemplateInfo{
			ID:          def.ID,
			Name:        def.Name,
			Description: def.Description,
			Tasks:       len(def.Tasks),
		})
	}
	return out, nil
}

// TemplateSource returns the YAML text of the built-in template with the given id.
func TemplateSource(id string) ([]byte, error) {
	data, err := templateFS.ReadFile(path.Join("templates", id+".yaml"))
	if err != nil {
		return nil, fmt.Errorf("%w: template %q", ErrNotFound, id)
	}
	return data, nil
}

// Template returns a fresh copy of the built-in template with the given id.
func Template(id string) (*models.WorkflowDefinition, error) {
	data, err := TemplateSource(id)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func loadTemplates() ([]*models.WorkflowDefinition, error) {
	entries, err := fs.ReadDir(templateFS, "templates")
	if err != nil {
		return nil, err
	}
	var defs []*models.WorkflowDefinition
	for _, e := range entries {
		id := strings.TrimSuffix(e.Name(), ".yaml")
		def, err := Template(id)
		if err != nil {
			return nil, fmt.Errorf("template %s: %w", id, err)
		}
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs, nil
}
