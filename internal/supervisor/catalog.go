package supervisor

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/JakeFAU/spiderhost/internal/spider"
)

// ErrUnknownSpider is returned by Catalog.Factory for unregistered names.
var ErrUnknownSpider = errors.New("unknown spider")

// Builder turns per-spider configuration params into a factory.
type Builder func(params map[string]any) (spider.Factory, error)

// Catalog maps spider kind names to builders so configuration can pick
// spiders by name.
type Catalog struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{builders: make(map[string]Builder)}
}

// Register adds a builder. Names must be unique.
func (c *Catalog) Register(name string, b Builder) error {
	if name == "" || b == nil {
		return errors.New("catalog entries need a name and a builder")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.builders[name]; ok {
		return fmt.Errorf("spider %q already registered", name)
	}
	c.builders[name] = b
	return nil
}

// MustRegister is Register for init-time wiring.
func (c *Catalog) MustRegister(name string, b Builder) {
	if err := c.Register(name, b); err != nil {
		panic(err)
	}
}

// Lookup returns the builder registered under name.
func (c *Catalog) Lookup(name string) (Builder, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.builders[name]
	return b, ok
}

// Names lists registered names in lexical order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	names := make([]string, 0, len(c.builders))
	for name := range c.builders {
		names = append(names, name)
	}
	c.mu.RUnlock()
	slices.Sort(names)
	return names
}

// Factory resolves name and builds a factory from params.
func (c *Catalog) Factory(name string, params map[string]any) (spider.Factory, error) {
	b, ok := c.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSpider, name)
	}
	f, err := b(params)
	if err != nil {
		return nil, fmt.Errorf("configure spider %q: %w", name, err)
	}
	return f, nil
}
