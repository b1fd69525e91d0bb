package breaker

import (
	"sort"
	"sync"
)

// Registry owns one Breaker per service id. Breakers are created lazily on
// first use and live for the lifetime of the registry.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	configs  map[string]Config
	defaults Config
	opts     []Option
}

// NewRegistry creates a registry whose breakers use defaults unless a
// per-service config was supplied with Configure. opts are applied to every
// breaker it creates.
func NewRegistry(defaults Config, opts ...Option) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		configs:  make(map[string]Config),
		defaults: defaults.withDefaults(),
		opts:     opts,
	}
}

// Get returns the breaker for serviceID, creating it if needed
func (r *Registry) Get(serviceID string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[serviceID]; ok {
		return b
	}
	cfg, ok := r.configs[serviceID]
	if !ok {
		cfg = r.defaults
	}
	b := New(serviceID, cfg, r.opts...)
	r.breakers[serviceID] = b
	return b
}

// Lookup returns the breaker for serviceID without creating one
func (r *Registry) Lookup(serviceID string) (*Breaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[serviceID]
	return b, ok
}

// Configure sets the thresholds for serviceID. An existing breaker is
// replaced by a fresh CLOSED one using the new thresholds.
func (r *Registry) Configure(serviceID string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg = cfg.withDefaults()
	r.configs[serviceID] = cfg
	if _, ok := r.breakers[serviceID]; ok {
		r.breakers[serviceID] = New(serviceID, cfg, r.opts...)
	}
}

// Reset forces the breaker for serviceID CLOSED. It reports false if the
// service has no breaker yet.
func (r *Registry) Reset(serviceID string) bool {
	b, ok := r.Lookup(serviceID)
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// ResetAll resets every breaker and returns how many were reset
func (r *Registry) ResetAll() int {
	all := r.snapshot()
	for _, b := range all {
		b.Reset()
	}
	return len(all)
}

// Statuses returns the status of every breaker keyed by service id
func (r *Registry) Statuses() map[string]Status {
	all := r.snapshot()
	out := make(map[string]Status, len(all))
	for id, b := range all {
		out[id] = b.Status()
	}
	return out
}

// OpenCircuits returns the sorted ids of services whose circuit is OPEN
func (r *Registry) OpenCircuits() []string {
	var open []string
	for id, b := range r.snapshot() {
		if b.State() == StateOpen {
			open = append(open, id)
		}
	}
	sort.Strings(open)
	return open
}

// snapshot copies the breaker map so per-breaker locks are never taken
// while holding the registry lock.
func (r *Registry) snapshot() map[string]*Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]*Breaker, len(r.breakers))
	for id, b := range r.breakers {
		out[id] = b
	}
	return out
}
