package catalog

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/shaiso/Promptflow/internal/domain"
	"github.com/shaiso/Promptflow/internal/engine"
	"github.com/shaiso/Promptflow/internal/pipeline"
	"github.com/shaiso/Promptflow/internal/steps"
)

//go:embed pipelines/*.yaml
var builtin embed.FS

// ErrPipelineNotFound — pipeline с таким именем нет в каталоге.
var ErrPipelineNotFound = errors.New("pipeline not found")

// Catalog — именованные спецификации pipeline.
//
// Встроенные pipeline загружаются при создании; LoadDir добавляет
// спецификации из каталога на диске и заменяет встроенные с тем же именем.
// Pipeline собирается из спецификации при каждом запросе: capability
// берутся из реестра, переданного в New.
type Catalog struct {
	reg  *steps.Registry
	opts pipeline.LoadOptions

	mu    sync.RWMutex
	specs map[string]*domain.PipelineSpec
}

// New создаёт каталог со встроенными pipeline.
func New(reg *steps.Registry, opts pipeline.LoadOptions) (*Catalog, error) {
	c := &Catalog{
		reg:   reg,
		opts:  opts,
		specs: make(map[string]*domain.PipelineSpec),
	}
	if err := c.load(builtin, "pipelines"); err != nil {
		return nil, fmt.Errorf("builtin catalog: %w", err)
	}
	return c, nil
}

// LoadDir добавляет спецификации *.yaml, *.yml и *.json из dir.
func (c *Catalog) LoadDir(dir string) error {
	return c.load(os.DirFS(dir), ".")
}

func (c *Catalog) load(fsys fs.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return err
	}

	loaded := make(map[string]*domain.PipelineSpec)
	for _, e := range entries {
		if e.IsDir() || !isSpecFile(e.Name()) {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return err
		}
		spec, err := engine.ParseSpec(data)
		if err != nil {
			return fmt.Errorf("%s: %w", e.Name(), err)
		}
		if spec.Name == "" {
			spec.Name = strings.TrimSuffix(e.Name(), path.Ext(e.Name()))
		}
		if _, err := engine.Validate(spec); err != nil {
			return fmt.Errorf("%s: %w", e.Name(), err)
		}
		if _, dup := loaded[spec.Name]; dup {
			return fmt.Errorf("%s: duplicate pipeline name %q", e.Name(), spec.Name)
		}
		loaded[spec.Name] = spec
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for name, spec := range loaded {
		c.specs[name] = spec
	}
	return nil
}

func isSpecFile(name string) bool {
	switch path.Ext(name) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// Names возвращает имена pipeline в алфавитном порядке.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.specs))
	for name := range c.specs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Has сообщает, есть ли pipeline в каталоге.
func (c *Catalog) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.specs[name]
	return ok
}

// Spec возвращает спецификацию pipeline.
func (c *Catalog) Spec(name string) (*domain.PipelineSpec, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	spec, ok := c.specs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPipelineNotFound, name)
	}
	return spec, nil
}

// Pipeline собирает pipeline по имени.
func (c *Catalog) Pipeline(name string) (*pipeline.Pipeline, error) {
	spec, err := c.Spec(name)
	if err != nil {
		return nil, err
	}
	return pipeline.Load(spec, c.reg, c.opts)
}

// WithRegistry возвращает каталог с теми же спецификациями и другим реестром
// (например, echo для --dry-run).
func (c *Catalog) WithRegistry(reg *steps.Registry) *Catalog {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &Catalog{reg: reg, opts: c.opts, specs: c.specs}
}
