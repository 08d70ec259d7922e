// Package catalog loads the declarative job definitions and processing
// templates from YAML and resolves template references.
package catalog

import (
	"fmt"
	"os"
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/contextflow/internal/domain"
	"gopkg.in/yaml.v3"
)

// File is the on-disk layout of a catalog.
type File struct {
	Templates []domain.Template      `yaml:"templates"`
	Jobs      []domain.JobDefinition `yaml:"jobs"`
}

// Catalog is an immutable, validated set of templates and jobs.
type Catalog struct {
	byPurpose map[string]domain.Template
	byName    map[string]domain.Template
	jobs      map[string]domain.JobDefinition
}

// Load reads and validates a catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes and validates catalog YAML.
func Parse(data []byte) (*Catalog, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return New(f.Templates, f.Jobs)
}

// New builds a catalog from already decoded templates and jobs.
func New(templates []domain.Template, jobs []domain.JobDefinition) (*Catalog, error) {
	validate := validator.New()
	c := &Catalog{
		byPurpose: make(map[string]domain.Template, len(templates)),
		byName:    make(map[string]domain.Template, len(templates)),
		jobs:      make(map[string]domain.JobDefinition, len(jobs)),
	}

	for _, t := range templates {
		if err := validate.Struct(t); err != nil {
			return nil, domain.Validationf("template %q: %v", t.Name, err)
		}
		switch t.Capability {
		case domain.CapabilityBatch, domain.CapabilityReference:
			return nil, domain.Validationf("template %q: capability %s is not executable", t.Name, t.Capability)
		}
		if _, dup := c.byName[t.Name]; dup {
			return nil, domain.Validationf("duplicate template name %q", t.Name)
		}
		if _, dup := c.byPurpose[t.Purpose]; dup {
			return nil, domain.Validationf("duplicate template purpose %q", t.Purpose)
		}
		c.byName[t.Name] = t
		c.byPurpose[t.Purpose] = t
	}

	for _, j := range jobs {
		if err := j.Validate(); err != nil {
			return nil, err
		}
		if err := validate.Struct(j); err != nil {
			return nil, domain.Validationf("job %q: %v", j.ID, err)
		}
		if _, dup := c.jobs[j.ID]; dup {
			return nil, domain.Validationf("duplicate job id %q", j.ID)
		}
		if _, err := c.Resolve(j.Template); err != nil {
			return nil, fmt.Errorf("%w: job %s: %w", domain.ErrValidation, j.ID, err)
		}
		c.jobs[j.ID] = j
	}
	return c, nil
}

// Resolve maps a purpose to its template, falling back to a lookup by name.
func (c *Catalog) Resolve(purpose string) (domain.Template, error) {
	if t, ok := c.byPurpose[purpose]; ok {
		return t, nil
	}
	if t, ok := c.byName[purpose]; ok {
		return t, nil
	}
	return domain.Template{}, fmt.Errorf("%w: %q", domain.ErrTemplateNotFound, purpose)
}

// Job returns the definition with the given id.
func (c *Catalog) Job(id string) (domain.JobDefinition, error) {
	j, ok := c.jobs[id]
	if !ok {
		return domain.JobDefinition{}, fmt.Errorf("%w: %q", domain.ErrJobNotFound, id)
	}
	return j, nil
}

// Jobs returns every job definition ordered by id.
func (c *Catalog) Jobs() []domain.JobDefinition {
	out := make([]domain.JobDefinition, 0, len(c.jobs))
	for _, j := range c.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// Templates returns every template ordered by name.
func (c *Catalog) Templates() []domain.Template {
	out := make([]domain.Template, 0, len(c.byName))
	for _, t := range c.byName {
		out = append(out, t)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}
