// Package registry holds the Name->Config and Name->Service maps (C5): pure
// thread-safe storage plus a handful of derived query helpers. It carries no
// policy of its own — connection decisions belong to the caller (the
// bootstrap sequence and the Retry Supervisor).
package registry

import (
	"sort"
	"sync"

	"github.com/xzmcp/gateway/internal/backend"
	"github.com/xzmcp/gateway/internal/config"
	"github.com/xzmcp/gateway/pkg/xiaozhi"
)

// Registry is the single source of truth for which backends are configured
// and which have a live Service instance. The two maps are independent: a
// backend can be configured without yet being started, and AddService does
// not require a matching config.
type Registry struct {
	mu       sync.RWMutex
	configs  map[string]*config.BackendConfig
	services map[string]*backend.Service
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		configs:  make(map[string]*config.BackendConfig),
		services: make(map[string]*backend.Service),
	}
}

// AddConfig registers or replaces cfg under its own name.
func (r *Registry) AddConfig(cfg *config.BackendConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[cfg.Name] = cfg
}

// RemoveConfig removes a config entry. It does not touch any associated
// Service; callers should RemoveService first if one is running.
func (r *Registry) RemoveConfig(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.configs, name)
}

// Config returns the named backend's config and whether it exists.
func (r *Registry) Config(name string) (*config.BackendConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[name]
	return cfg, ok
}

// Configs returns a snapshot of every registered config, keyed by name.
func (r *Registry) Configs() map[string]*config.BackendConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*config.BackendConfig, len(r.configs))
	for k, v := range r.configs {
		out[k] = v
	}
	return out
}

// AddService registers svc under its own name, overwriting any previous
// Service for that name.
func (r *Registry) AddService(svc *backend.Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[svc.Name()] = svc
}

// RemoveService drops the named Service from the registry. It does not
// disconnect it; callers should do that first.
func (r *Registry) RemoveService(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services, name)
}

// Service returns the named Service and whether it exists.
func (r *Registry) Service(name string) (*backend.Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[name]
	return svc, ok
}

// Services returns a snapshot of every registered Service, keyed by name.
func (r *Registry) Services() map[string]*backend.Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*backend.Service, len(r.services))
	for k, v := range r.services {
		out[k] = v
	}
	return out
}

// ConnectedServices returns the names of every Service currently in the
// Connected state, sorted for deterministic iteration by callers.
func (r *Registry) ConnectedServices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name, svc := range r.services {
		if svc.State() == backend.Connected {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ToolsOfService returns the cached tool list for a named service, or nil
// if the service doesn't exist or isn't Connected (the Service entity
// invariant guarantees Tools() is empty outside Connected).
func (r *Registry) ToolsOfService(name string) []xiaozhi.Tool {
	r.mu.RLock()
	svc, ok := r.services[name]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return svc.Tools()
}

// FailedServices returns the names of every Service currently in the Failed
// state, sorted for deterministic iteration.
func (r *Registry) FailedServices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name, svc := range r.services {
		if svc.State() == backend.Failed {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
