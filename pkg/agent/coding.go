package agent

import (
	"context"
	"sync"
)

// CodingAgentRegistry tracks named coding-agent plugins. Any available
// plugin can substitute for the local LLM when admitting tasks.
type CodingAgentRegistry struct {
	mu     sync.RWMutex
	agents map[string]Driver
	order  []string
}

// NewCodingAgentRegistry creates an empty plugin registry.
func NewCodingAgentRegistry() *CodingAgentRegistry {
	return &CodingAgentRegistry{agents: make(map[string]Driver)}
}

// Register adds or replaces a plugin under the given name.
func (r *CodingAgentRegistry) Register(name string, d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[name]; !exists {
		r.order = append(r.order, name)
	}
	r.agents[name] = d
}

// Get returns the plugin by name.
func (r *CodingAgentRegistry) Get(name string) (Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.agents[name]
	return d, ok
}

// Names returns the registered plugin names in registration order.
func (r *CodingAgentRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Availability probes every plugin and returns name → probe error
// (nil means available).
func (r *CodingAgentRegistry) Availability(ctx context.Context) map[string]error {
	out := make(map[string]error)
	for _, name := range r.Names() {
		d, _ := r.Get(name)
		out[name] = d.Available(ctx)
	}
	return out
}

// AnyAvailable returns the first available plugin name.
func (r *CodingAgentRegistry) AnyAvailable(ctx context.Context) (string, bool) {
	for _, name := range r.Names() {
		d, _ := r.Get(name)
		if d.Available(ctx) == nil {
			return name, true
		}
	}
	return "", false
}
