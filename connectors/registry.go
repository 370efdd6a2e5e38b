package connectors

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the configured connector types, keyed by type name. It is
// built at startup, frozen before the orchestrator starts, and immutable
// afterwards. There is no process-wide registry; the orchestrator receives
// one at construction.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Connector
	frozen bool
}

// NewRegistry creates an empty connector registry
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Connector)}
}

// Register adds a connector under its type name. Registering after Freeze or
// registering a duplicate name is an error.
func (r *Registry) Register(c Connector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("connector registry is frozen, cannot register %q", c.Name())
	}
	if _, exists := r.byName[c.Name()]; exists {
		return fmt.Errorf("connector %q is already registered", c.Name())
	}
	r.byName[c.Name()] = c
	return nil
}

// Freeze marks the registry immutable. Called once startup wiring is done.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Get returns the connector registered under the given type name
func (r *Registry) Get(name string) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("no connector registered for type %q", name)
	}
	return c, nil
}

// Importer returns the named connector if it is import-capable
func (r *Registry) Importer(name string) (Importer, error) {
	c, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	imp, ok := c.(Importer)
	if !ok {
		return nil, fmt.Errorf("connector %q does not support profile import", name)
	}
	return imp, nil
}

// PropertyFetcher returns the named connector if it can compute properties
func (r *Registry) PropertyFetcher(name string) (PropertyFetcher, error) {
	c, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	pf, ok := c.(PropertyFetcher)
	if !ok {
		return nil, fmt.Errorf("connector %q does not support property fetch", name)
	}
	return pf, nil
}

// Exporter returns the named connector if it is export-capable
func (r *Registry) Exporter(name string) (Exporter, error) {
	c, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	exp, ok := c.(Exporter)
	if !ok {
		return nil, fmt.Errorf("connector %q does not support profile export", name)
	}
	return exp, nil
}

// Names lists the registered connector type names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
