// Package protocol provides the business protocols served by abnet
package protocol

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/najoast/abnet/network"
)

var (
	// ErrUnknownService is returned when a configured service has no factory
	ErrUnknownService = errors.New("unknown service")

	// ErrDuplicateService is returned when a name is registered twice
	ErrDuplicateService = errors.New("service already registered")
)

// Factory builds the descriptor of a service
type Factory func() *network.Service

// Registry maps configured service names to service factories
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" || factory == nil {
		return fmt.Errorf("register %q: factory and name are required", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateService, name)
	}
	r.factories[name] = factory
	return nil
}

// Lookup builds the service registered under name. The service is named
// after its registration, not after whatever the factory set.
func (r *Registry) Lookup(name string) (*network.Service, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	svc := factory()
	if svc == nil {
		return nil, fmt.Errorf("%w: %s has no service", ErrUnknownService, name)
	}
	svc.Name = name
	return svc, nil
}

// Names returns the registered names in order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
