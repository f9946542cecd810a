// Package registry tracks which canonical file paths are already being tailed.
package registry

import (
	"slices"
	"sync"
)

// Registry is a concurrent set of canonical paths. Paths are never removed, so
// a path is handed out at most once for the lifetime of the Registry.
type Registry struct {
	mu    sync.Mutex
	paths map[string]struct{}
}

func New() *Registry {
	return &Registry{paths: make(map[string]struct{})}
}

// TryRegister inserts path and reports whether it was absent before the call.
func (r *Registry) TryRegister(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.paths[path]; exists {
		return false
	}
	r.paths[path] = struct{}{}
	return true
}

func (r *Registry) Contains(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.paths[path]
	return exists
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.paths)
}

// Paths returns a sorted snapshot of the registered paths.
func (r *Registry) Paths() []string {
	r.mu.Lock()
	paths := make([]string, 0, len(r.paths))
	for path := range r.paths {
		paths = append(paths, path)
	}
	r.mu.Unlock()

	slices.Sort(paths)
	return paths
}
