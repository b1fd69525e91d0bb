// Package cache provides the in-memory response cache used by the service
// layer, with TTL expiry and a stale-while-revalidate survival window.
package cache

import (
	"encoding/json"
	"time"
)

// Entry represents a cached value with its lifetime metadata
type Entry struct {
	Value      json.RawMessage `json:"value"`
	CreatedAt  time.Time       `json:"created_at"`
	TTL        time.Duration   `json:"ttl"`
	StaleUntil time.Time       `json:"stale_until"`
}

// ExpiresAt is the end of the fresh period
func (e *Entry) ExpiresAt() time.Time {
	return e.CreatedAt.Add(e.TTL)
}

// Fresh reports whether now is within the entry's TTL
func (e *Entry) Fresh(now time.Time) bool {
	return !now.After(e.ExpiresAt())
}

// Stale reports whether the entry is past its TTL but still servable
func (e *Entry) Stale(now time.Time) bool {
	return now.After(e.ExpiresAt()) && !now.After(e.StaleUntil)
}

// Dead reports whether the entry is past its stale window and logically absent
func (e *Entry) Dead(now time.Time) bool {
	return now.After(e.StaleUntil)
}

// Result is returned by a successful lookup
type Result struct {
	Value json.RawMessage
	Stale bool
}

// Reader defines the interface for reading cache entries
type Reader interface {
	// Get returns the value for key and false when it is absent or dead
	Get(key string) (*Result, bool)
}

// Writer defines the interface for writing cache entries
type Writer interface {
	// Set stores value under key for ttl, using the store default when ttl <= 0
	Set(key string, value json.RawMessage, ttl time.Duration, opts ...SetOption)
	// Delete removes key, reporting whether it was present
	Delete(key string) bool
}

// ReadWriter combines both cache operations
type ReadWriter interface {
	Reader
	Writer
}

// KeyGenerator generates cache keys from request parameters
type KeyGenerator interface {
	// KeyFor generates a stable cache key from a URL and its query parameters
	KeyFor(url string, params map[string]string) string
}

// Cache is the main interface that combines all cache operations
type Cache interface {
	ReadWriter
	KeyGenerator

	Invalidate(pattern string) int
	Clear() int
	CleanupExpired() int
	Stats() Stats
}
