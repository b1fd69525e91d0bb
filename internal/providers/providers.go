// Package providers contains the market data sources that feed digests
package providers

import (
	"context"
	"sort"
	"sync"

	"github.com/briangreenhill/intelbot/internal/services"
)

// Provider defines the interface that all data sources must implement
type Provider interface {
	// Name returns the name of the provider (e.g., "coingecko", "fred")
	Name() string

	// Fetch retrieves the latest data and renders it as a plain-text digest
	Fetch(ctx context.Context) (string, error)
}

// Requester is the part of services.Client the providers depend on
type Requester interface {
	Request(ctx context.Context, serviceID, url string, opts ...services.RequestOption) (*services.Result, error)
}

// Registry manages available providers
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates a new provider registry
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Register adds a provider to the registry
func (r *Registry) Register(provider Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[provider.Name()] = provider
}

// Get retrieves a provider by name
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	provider, exists := r.providers[name]
	return provider, exists
}

// List returns all registered provider names in sorted order
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
