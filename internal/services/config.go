package services

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/briangreenhill/intelbot/cache"
	"github.com/briangreenhill/intelbot/internal/breaker"
)

const (
	DefaultTimeout  = 30 * time.Second
	DefaultCacheTTL = 5 * time.Minute
)

// ClientConfig holds the client-wide defaults used for services that were
// never registered.
type ClientConfig struct {
	DefaultTimeout  time.Duration
	DefaultCacheTTL time.Duration
	CacheMaxSize    int
	CachePrefix     string
	Breaker         breaker.Config
}

// DefaultClientConfig returns the stock client settings
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		DefaultTimeout:  DefaultTimeout,
		DefaultCacheTTL: DefaultCacheTTL,
		CacheMaxSize:    cache.DefaultMaxSize,
		CachePrefix:     cache.DefaultPrefix,
		Breaker:         breaker.DefaultConfig(),
	}
}

// Validate checks the config, filling nothing in
func (c ClientConfig) Validate() error {
	if c.DefaultTimeout <= 0 {
		return errors.New("default timeout must be positive")
	}
	if c.DefaultCacheTTL <= 0 {
		return errors.New("default cache ttl must be positive")
	}
	if c.CacheMaxSize <= 0 {
		return fmt.Errorf("cache max size must be positive, got %d", c.CacheMaxSize)
	}
	return c.Breaker.Validate()
}

// ServiceConfig is the optional per-service registration. Nil toggles mean
// enabled; zero durations fall back to the client defaults.
type ServiceConfig struct {
	ServiceID         string
	BaseURL           string
	Timeout           time.Duration
	CacheTTL          time.Duration
	UseCache          *bool
	UseCircuitBreaker *bool
	UseDedup          *bool
	Headers           map[string]string
	Breaker           *breaker.Config
}

// Validate checks the registration
func (s ServiceConfig) Validate() error {
	if strings.TrimSpace(s.ServiceID) == "" {
		return errors.New("service id is required")
	}
	if s.Timeout < 0 || s.CacheTTL < 0 {
		return fmt.Errorf("service %s: durations must not be negative", s.ServiceID)
	}
	if s.Breaker != nil {
		if err := s.Breaker.Validate(); err != nil {
			return fmt.Errorf("service %s: %w", s.ServiceID, err)
		}
	}
	return nil
}

// Bool returns a pointer to v for the ServiceConfig toggles
func Bool(v bool) *bool { return &v }

func enabled(b *bool) bool { return b == nil || *b }

// resolveURL joins a relative request path onto the registered base URL
func (s ServiceConfig) resolveURL(u string) string {
	if s.BaseURL == "" || strings.Contains(u, "://") {
		return u
	}
	return strings.TrimRight(s.BaseURL, "/") + "/" + strings.TrimLeft(u, "/")
}
