package vim

import (
	"fmt"
	"sort"
	"sync"
)

// Settings is what a factory receives to build a connector for one datacenter
// and tenant.
type Settings struct {
	Datacenter string
	Tenant     string
	Options    map[string]string
}

// Factory constructs a connector.
type Factory func(settings Settings) (Connector, error)

// Registry maps connector types (e.g. "memory", "openstack") to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty connector registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// NewDefaultRegistry returns a registry with the built-in connector types.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register(MemoryType, NewMemoryFromSettings)
	return r
}

// Register stores a factory keyed by connector type.
func (r *Registry) Register(connectorType string, factory Factory) error {
	if connectorType == "" {
		return fmt.Errorf("connector type is required")
	}
	if factory == nil {
		return fmt.Errorf("connector factory is nil for type %q", connectorType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[connectorType]; exists {
		return fmt.Errorf("connector type %q already registered", connectorType)
	}
	r.factories[connectorType] = factory
	return nil
}

// Has reports whether a connector type is registered.
func (r *Registry) Has(connectorType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[connectorType]
	return ok
}

// New constructs a connector of the given type.
func (r *Registry) New(connectorType string, settings Settings) (Connector, error) {
	r.mu.RLock()
	factory, ok := r.factories[connectorType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown connector type %q", connectorType)
	}

	conn, err := factory(settings)
	if err != nil {
		return nil, fmt.Errorf("construct %s connector for %s: %w", connectorType, settings.Datacenter, err)
	}
	if conn == nil {
		return nil, fmt.Errorf("connector factory returned nil for type %q", connectorType)
	}
	return conn, nil
}

// Types lists registered connector types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
