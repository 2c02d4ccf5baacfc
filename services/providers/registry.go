package providers

import (
	"errors"
	"sync"
)

var (
	// ErrProviderNotFound is returned when a backend is not registered
	ErrProviderNotFound = errors.New("provider not found")

	// ErrProviderAlreadyRegistered is returned when trying to register a duplicate backend
	ErrProviderAlreadyRegistered = errors.New("provider already registered")
)

// Registry holds adapters by name and remembers registration order,
// which strategies use to break ties deterministically.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	order    []string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
	}
}

// Register adds an adapter under name
func (r *Registry) Register(name string, adapter Adapter) error {
	if adapter == nil {
		return errors.New("provider cannot be nil")
	}
	if name == "" {
		return errors.New("provider name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[name]; exists {
		return ErrProviderAlreadyRegistered
	}

	r.adapters[name] = adapter
	r.order = append(r.order, name)
	return nil
}

// Unregister removes an adapter
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[name]; !exists {
		return ErrProviderNotFound
	}

	delete(r.adapters, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Get retrieves an adapter by name
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, exists := r.adapters[name]
	if !exists {
		return nil, ErrProviderNotFound
	}
	return adapter, nil
}

// Names returns registered names in registration order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]string(nil), r.order...)
}

// Index returns the registration position of name, or -1
func (r *Registry) Index(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i, n := range r.order {
		if n == name {
			return i
		}
	}
	return -1
}

// Count returns the number of registered adapters
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.order)
}

// FindForModel returns the first backend, in registration order, whose
// metadata explicitly lists the model
func (r *Registry) FindForModel(model string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range r.order {
		if r.adapters[name].Metadata().ListsModel(model) {
			return name, true
		}
	}
	return "", false
}
