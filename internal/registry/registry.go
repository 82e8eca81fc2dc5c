// internal/registry/registry.go
package registry

import (
	"errors"
	"fmt"
	"sync"
)

// ID is the engine-issued browser identifier. Zero is never a live browser.
type ID int

var (
	// ErrNotFound is returned when no owner is registered for an id.
	ErrNotFound = errors.New("browser id not registered")
	// ErrAlreadyRegistered is returned when an id is registered twice.
	ErrAlreadyRegistered = errors.New("browser id already registered")
)

// Registry maps native browser ids to their host-side owners. Native
// callbacks only carry the id, so every callback goes through a lookup here.
type Registry[T any] struct {
	mu      sync.RWMutex
	entries map[ID]T
}

// New creates an empty registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{entries: make(map[ID]T)}
}

// Register associates id with owner.
func (r *Registry[T]) Register(id ID, owner T) error {
	if id == 0 {
		return fmt.Errorf("cannot register the null browser id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[id]; exists {
		return fmt.Errorf("%w: %d", ErrAlreadyRegistered, id)
	}
	r.entries[id] = owner
	return nil
}

// Unregister removes and returns the owner of id.
func (r *Registry[T]) Unregister(id ID) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.entries[id]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	delete(r.entries, id)
	return owner, nil
}

// MustUnregister is Unregister for callers that treat a missing id as a
// broken invariant: the engine never tears down a browser it did not create.
func (r *Registry[T]) MustUnregister(id ID) T {
	owner, err := r.Unregister(id)
	if err != nil {
		panic(fmt.Sprintf("registry invariant violated: %v", err))
	}
	return owner
}

// Lookup returns the owner of id. A miss is expected for callbacks that
// arrive after teardown and must be tolerated by the caller.
func (r *Registry[T]) Lookup(id ID) (T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owner, ok := r.entries[id]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return owner, nil
}

// Len reports the number of registered owners.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Range calls fn for a snapshot of the current entries.
func (r *Registry[T]) Range(fn func(ID, T)) {
	r.mu.RLock()
	snapshot := make(map[ID]T, len(r.entries))
	for id, owner := range r.entries {
		snapshot[id] = owner
	}
	r.mu.RUnlock()

	for id, owner := range snapshot {
		fn(id, owner)
	}
}
