package taskgraph

import (
	"fmt"
	"strings"
	"sync"
)

// Definition declares a task kind. Definitions are registered once and are
// immutable afterwards; plugin kinds go through the same Register call as the
// built-in catalog.
type Definition struct {
	Kind        string
	Description string

	// DependsOn lists prerequisite kind tags. Tags that resolve to no task at
	// planning time are dropped (optional plugin prerequisites are expected).
	DependsOn []string

	// Foundation kinds are prerequisites of every unit task.
	Foundation bool
	// PerUnit kinds expand into one chained task per unit at planning time.
	PerUnit bool
	// Parallel tasks may be picked when no sequential task is ready.
	Parallel bool
	Optional bool

	Metadata map[string]string
}

func (d Definition) Validate() error {
	kind := strings.TrimSpace(d.Kind)
	if kind == "" {
		return fmt.Errorf("definition: kind is required")
	}
	for _, dep := range d.DependsOn {
		if dep == d.Kind {
			return fmt.Errorf("definition %s: depends on itself", d.Kind)
		}
	}
	if d.PerUnit && d.Foundation {
		return fmt.Errorf("definition %s: a per-unit kind cannot be a foundation kind", d.Kind)
	}
	return nil
}

// Catalog is the open registry of task kinds.
type Catalog struct {
	mu    sync.RWMutex
	defs  map[string]Definition
	order []string
}

func NewCatalog() *Catalog {
	return &Catalog{defs: make(map[string]Definition)}
}

func (c *Catalog) Register(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.defs[def.Kind]; exists {
		return fmt.Errorf("catalog: duplicate kind %q", def.Kind)
	}
	c.defs[def.Kind] = def
	c.order = append(c.order, def.Kind)
	return nil
}

func (c *Catalog) Get(kind string) (Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.defs[kind]
	return def, ok
}

// All returns definitions in registration order.
func (c *Catalog) All() []Definition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	all := make([]Definition, 0, len(c.order))
	for _, kind := range c.order {
		all = append(all, c.defs[kind])
	}
	return all
}

func (c *Catalog) FoundationKinds() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	kinds := make([]string, 0, len(c.order))
	for _, kind := range c.order {
		if c.defs[kind].Foundation {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

// Default is the built-in book-production catalog the daemon registers.
func Default() *Catalog {
	c := NewCatalog()
	defs := []Definition{
		{Kind: "premise", Description: "Establish the premise and narrative voice", Foundation: true},
		{Kind: "world_bible", Description: "Describe the setting, characters and continuity rules", DependsOn: []string{"premise"}, Foundation: true},
		{Kind: "outline", Description: "Produce the full structural outline", DependsOn: []string{"premise", "world_bible"}, Foundation: true},
		{Kind: "chapter", Description: "Write one chapter", PerUnit: true},
		{Kind: "synopsis", Description: "Summarize the finished draft for marketing copy", DependsOn: []string{"outline"}, Parallel: true, Optional: true},
	}
	for _, def := range defs {
		if err := c.Register(def); err != nil {
			panic(err)
		}
	}
	return c
}
