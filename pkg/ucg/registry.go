package ucg

import (
	"fmt"
	"sort"
	"sync"
)

// Built-in entity types. The set is open: callers register additional
// named types through the registry rather than the code hard-coding an
// unbounded type switch.
const (
	TypePage     = "page"
	TypeSection  = "section"
	TypeBlock    = "block"
	TypeAsset    = "asset"
	TypeTemplate = "template"
)

// TypeRegistry validates entity types and tracks which types may appear
// at the root of the content tree. Safe for concurrent use.
type TypeRegistry struct {
	mu    sync.RWMutex
	types map[string]bool // type name -> root-eligible
}

// NewTypeRegistry creates a registry preloaded with the built-in types.
// Pages and sections are root-eligible; blocks, assets and templates
// always live under a parent.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		types: map[string]bool{
			TypePage:     true,
			TypeSection:  true,
			TypeBlock:    false,
			TypeAsset:    false,
			TypeTemplate: false,
		},
	}
}

// Register adds an open entity type. Registering an existing type updates
// its root eligibility. An empty name is rejected.
func (r *TypeRegistry) Register(name string, rootEligible bool) error {
	if name == "" {
		return fmt.Errorf("entity type cannot be empty: %w", ErrIntegrityViolation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[name] = rootEligible
	return nil
}

// Known reports whether the type has been registered.
func (r *TypeRegistry) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hasLocked(name)
}

func (r *TypeRegistry) hasLocked(name string) bool {
	_, ok := r.types[name]
	return ok
}

// RootEligible reports whether entities of the type may be roots.
func (r *TypeRegistry) RootEligible(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.types[name]
}

// Types returns all registered type names, sorted for deterministic
// iteration order.
func (r *TypeRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RootTypes returns the root-eligible type names, sorted.
func (r *TypeRegistry) RootTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name, root := range r.types {
		if root {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
