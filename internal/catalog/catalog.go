// Package catalog maps logical endpoint names to API paths and staging
// directories.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"amt/internal/domain"
)

//go:embed endpoints.yaml
var defaultCatalog []byte

// Catalog is an ordered, immutable set of endpoints.
type Catalog struct {
	endpoints []domain.Endpoint
	byName    map[string]domain.Endpoint
}

type catalogFile struct {
	Endpoints []domain.Endpoint `yaml:"endpoints"`
}

// Parse decodes a YAML catalog. Names and staging directories must be unique.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return New(f.Endpoints...)
}

// New builds a catalog from endpoints, defaulting StagingDir to the logical name.
func New(endpoints ...domain.Endpoint) (*Catalog, error) {
	c := &Catalog{byName: make(map[string]domain.Endpoint, len(endpoints))}
	dirs := make(map[string]string, len(endpoints))
	for _, e := range endpoints {
		if e.LogicalName == "" || e.PathSegment == "" {
			return nil, fmt.Errorf("catalog entry needs name and path: %+v", e)
		}
		if e.StagingDir == "" {
			e.StagingDir = e.LogicalName
		}
		if _, dup := c.byName[e.LogicalName]; dup {
			return nil, fmt.Errorf("duplicate endpoint %q", e.LogicalName)
		}
		if other, dup := dirs[e.StagingDir]; dup {
			return nil, fmt.Errorf("endpoints %q and %q share staging directory %q", other, e.LogicalName, e.StagingDir)
		}
		dirs[e.StagingDir] = e.LogicalName
		c.byName[e.LogicalName] = e
		c.endpoints = append(c.endpoints, e)
	}
	return c, nil
}

// Load reads a catalog file from disk.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

var (
	defaultOnce sync.Once
	defaultCat  *Catalog
)

// Default returns the embedded catalog.
func Default() *Catalog {
	defaultOnce.Do(func() {
		c, err := Parse(defaultCatalog)
		if err != nil {
			panic(err)
		}
		defaultCat = c
	})
	return defaultCat
}

// Lookup finds an endpoint by logical name.
func (c *Catalog) Lookup(name string) (domain.Endpoint, bool) {
	e, ok := c.byName[name]
	return e, ok
}

// Endpoints returns the endpoints in catalog order.
func (c *Catalog) Endpoints() []domain.Endpoint {
	out := make([]domain.Endpoint, len(c.endpoints))
	copy(out, c.endpoints)
	return out
}

// Len returns the number of endpoints.
func (c *Catalog) Len() int { return len(c.endpoints) }
