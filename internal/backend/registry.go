package backend

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// ErrUnknownBackend is returned when no backend is registered under a name.
var ErrUnknownBackend = errors.New("unknown backend")

// BackendInfo pairs a backend name with its capabilities.
type BackendInfo struct {
	Name         string       `json:"name"`
	Capabilities Capabilities `json:"capabilities"`
}

// Registry maps the names accepted by HOGWILD_BACKEND to backends.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds b under name, replacing any backend already registered there.
func (r *Registry) Register(name string, b Backend) {
	r.mu.Lock()
	r.backends[name] = b
	r.mu.Unlock()
}

// Resolve returns the backend registered under name. The error lists the
// names that are registered.
func (r *Registry) Resolve(name string) (Backend, error) {
	r.mu.RLock()
	b, ok := r.backends[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (have %s)", ErrUnknownBackend, name, strings.Join(r.Names(), ", "))
	}
	return b, nil
}

// ResolveFor returns the backend registered under name after checking that
// it can run every role in roles.
func (r *Registry) ResolveFor(name string, roles ...string) (Backend, error) {
	b, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	caps := b.Capabilities()
	for _, role := range roles {
		if !slices.Contains(caps.SupportedRoles, role) {
			return nil, fmt.Errorf("backend %q does not run %s workers", name, role)
		}
	}
	return b, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// List describes every registered backend, sorted by name.
func (r *Registry) List() []BackendInfo {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]BackendInfo, 0, len(names))
	for _, name := range names {
		if b, ok := r.backends[name]; ok {
			infos = append(infos, BackendInfo{Name: name, Capabilities: b.Capabilities()})
		}
	}
	return infos
}
