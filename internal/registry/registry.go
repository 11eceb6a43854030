// Package registry provides named registration of hosted tables and views.
package registry

import (
	"sort"
	"sync"

	"github.com/streamview/streamview/internal/errors"
)

// Registry maps unique names to values. It is safe for concurrent use.
type Registry[T any] struct {
	kind  string
	mu    sync.RWMutex
	items map[string]T
}

// New creates an empty registry. kind names the values in errors, e.g.
// "table".
func New[T any](kind string) *Registry[T] {
	return &Registry[T]{kind: kind, items: make(map[string]T)}
}

// Register adds v under name. Names must be non-empty and unique.
func (r *Registry[T]) Register(name string, v T) error {
	if name == "" {
		return errors.NewConfigError(errors.CodeInvalidConfig, r.kind+" name must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[name]; ok {
		return errors.Newf(errors.ErrCategoryConfig, errors.CodeAlreadyExists, "%s %q already exists", r.kind, name).
			WithDetails(map[string]interface{}{"name": name})
	}
	r.items[name] = v
	return nil
}

// Lookup returns the value registered under name or a NOT_FOUND error.
func (r *Registry[T]) Lookup(name string) (T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.items[name]
	if !ok {
		var zero T
		return zero, errors.NewNotFound(r.kind, name)
	}
	return v, nil
}

// Unregister removes name and returns its value.
func (r *Registry[T]) Unregister(name string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.items[name]
	delete(r.items, name)
	return v, ok
}

// Names returns the registered names in sorted order.
func (r *Registry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.items))
	for name := range r.items {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered values.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Each calls fn for every value in name order.
func (r *Registry[T]) Each(fn func(name string, v T)) {
	for _, name := range r.Names() {
		if v, err := r.Lookup(name); err == nil {
			fn(name, v)
		}
	}
}
