package workflowdef

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"go.uber.org/zap"
)

//go:embed templates/*.yaml
var builtin embed.FS

// ErrTemplateNotFound is returned by Catalog.Get for unknown names.
var ErrTemplateNotFound = errors.New("workflow template not found")

// Catalog holds named workflow templates: the built-in ones plus any loaded
// from a directory. A loaded template replaces a built-in of the same name.
type Catalog struct {
	mu        sync.RWMutex
	templates map[string]*Definition
	logger    *zap.Logger
}

// NewCatalog returns a catalog seeded with the built-in templates.
func NewCatalog(logger *zap.Logger) (*Catalog, error) {
	c := &Catalog{templates: make(map[string]*Definition), logger: logger}
	entries, err := fs.ReadDir(builtin, "templates")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		data, err := builtin.ReadFile("templates/" + e.Name())
		if err != nil {
			return nil, err
		}
		d, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("built-in template %s: %w", e.Name(), err)
		}
		c.templates[d.Name] = d
	}
	return c, nil
}

// LoadDir adds every *.yaml, *.yml and *.json definition in dir. A missing
// directory is not an error.
func (c *Catalog) LoadDir(dir string) error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn("templates directory not found", zap.String("dir", dir))
			return nil
		}
		return fmt.Errorf("read templates dir: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		d, err := Load(filepath.Join(dir, e.Name()))
		if err != nil {
			return err
		}
		if _, ok := c.templates[d.Name]; ok {
			c.logger.Info("overriding workflow template", zap.String("name", d.Name))
		}
		c.templates[d.Name] = d
	}
	c.logger.Info("loaded workflow templates", zap.String("dir", dir), zap.Int("total", len(c.templates)))
	return nil
}

// Add registers a definition under its name.
func (c *Catalog) Add(d *Definition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.templates[d.Name] = d
	return nil
}

// Get returns the template with the given name.
func (c *Catalog) Get(name string) (*Definition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.templates[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}
	return d, nil
}

// Names lists the template names in sorted order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.templates))
	for n := range c.templates {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
