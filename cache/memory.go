package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	DefaultPrefix  = "svc_"
	DefaultMaxSize = 100
	DefaultTTL     = 5 * time.Minute
)

// Config controls a Memory cache
type Config struct {
	Prefix               string
	MaxSize              int
	DefaultTTL           time.Duration
	StaleWhileRevalidate bool
}

// DefaultConfig returns the settings used when nothing is overridden
func DefaultConfig() Config {
	return Config{
		Prefix:               DefaultPrefix,
		MaxSize:              DefaultMaxSize,
		DefaultTTL:           DefaultTTL,
		StaleWhileRevalidate: true,
	}
}

// Validate checks the config for values NewMemory cannot work with
func (c Config) Validate() error {
	if c.MaxSize <= 0 {
		return fmt.Errorf("cache max size must be positive, got %d", c.MaxSize)
	}
	if c.DefaultTTL <= 0 {
		return errors.New("cache default ttl must be positive")
	}
	return nil
}

// Memory is an in-process cache keyed by request fingerprint.
//
// Entries are kept in write order: Get uses Peek so reads never refresh an
// entry's position, and the entry evicted on overflow is always the one
// with the oldest CreatedAt.
type Memory struct {
	mu    sync.Mutex
	lru   *simplelru.LRU[string, *Entry]
	cfg   Config
	stats Stats
	clock clockwork.Clock
	log   zerolog.Logger
}

// Option configures a Memory cache
type Option func(*Memory)

// WithClock replaces the wall clock, mainly for tests
func WithClock(clock clockwork.Clock) Option {
	return func(m *Memory) { m.clock = clock }
}

// WithLogger enables debug logging of cache operations
func WithLogger(log zerolog.Logger) Option {
	return func(m *Memory) { m.log = log.With().Str("component", "cache").Logger() }
}

// NewMemory creates an empty cache
func NewMemory(cfg Config, opts ...Option) (*Memory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	lru, err := simplelru.NewLRU[string, *Entry](cfg.MaxSize, nil)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	m := &Memory{
		lru:   lru,
		cfg:   cfg,
		clock: clockwork.NewRealClock(),
		log:   zerolog.Nop(),
	}
	m.stats.MaxSize = cfg.MaxSize
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// KeyFor implements KeyGenerator using the configured prefix
func (m *Memory) KeyFor(url string, params map[string]string) string {
	return KeyFor(m.cfg.Prefix, url, params)
}

// Get implements Reader. Dead entries are removed and reported absent; stale
// entries are returned with Stale set and left in place.
func (m *Memory) Get(key string) (*Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.lru.Peek(key)
	if !ok {
		m.stats.Misses++
		m.log.Debug().Str("key", shortKey(key)).Msg("MISS")
		return nil, false
	}

	now := m.clock.Now()
	if entry.Dead(now) {
		m.lru.Remove(key)
		m.stats.Misses++
		m.log.Debug().Str("key", shortKey(key)).Msg("EXPIRED")
		return nil, false
	}

	stale := entry.Stale(now)
	if stale {
		m.stats.StaleHits++
		m.log.Debug().Str("key", shortKey(key)).Msg("STALE HIT")
	} else {
		m.stats.Hits++
		m.log.Debug().Str("key", shortKey(key)).Msg("HIT")
	}

	return &Result{Value: entry.Value, Stale: stale}, true
}

type setOptions struct {
	stale *bool
}

// SetOption adjusts a single Set call
type SetOption func(*setOptions)

// WithStale overrides the store-wide stale-while-revalidate setting
func WithStale(allow bool) SetOption {
	return func(o *setOptions) { o.stale = &allow }
}

// Set implements Writer
func (m *Memory) Set(key string, value json.RawMessage, ttl time.Duration, opts ...SetOption) {
	so := setOptions{}
	for _, o := range opts {
		o(&so)
	}
	if ttl <= 0 {
		ttl = m.cfg.DefaultTTL
	}
	useStale := m.cfg.StaleWhileRevalidate
	if so.stale != nil {
		useStale = *so.stale
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	staleUntil := now.Add(ttl)
	if useStale {
		staleUntil = now.Add(2 * ttl)
	}
	entry := &Entry{
		Value:      value,
		CreatedAt:  now,
		TTL:        ttl,
		StaleUntil: staleUntil,
	}

	// Add moves an existing key to the newest position, so overwrites
	// refresh CreatedAt and eviction order together.
	if evicted := m.lru.Add(key, entry); evicted {
		m.stats.Evictions++
		m.log.Debug().Msg("EVICT oldest entry")
	}
	m.log.Debug().Str("key", shortKey(key)).Dur("ttl", ttl).Msg("SET")
}

// Delete implements Writer
func (m *Memory) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lru.Remove(key) {
		m.log.Debug().Str("key", shortKey(key)).Msg("DELETE")
		return true
	}
	return false
}

// Invalidate removes every key containing pattern and returns the count
func (m *Memory) Invalidate(pattern string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, k := range m.lru.Keys() {
		if strings.Contains(k, pattern) {
			m.lru.Remove(k)
			n++
		}
	}
	if n > 0 {
		m.log.Debug().Int("count", n).Str("pattern", pattern).Msg("INVALIDATE")
	}
	return n
}

// Clear removes every entry and returns how many there were
func (m *Memory) Clear() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.lru.Len()
	m.lru.Purge()
	m.log.Debug().Int("count", n).Msg("CLEAR")
	return n
}

// CleanupExpired removes dead entries. Stale entries survive.
func (m *Memory) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	n := 0
	for _, k := range m.lru.Keys() {
		if e, ok := m.lru.Peek(k); ok && e.Dead(now) {
			m.lru.Remove(k)
			n++
		}
	}
	if n > 0 {
		m.log.Debug().Int("count", n).Msg("CLEANUP")
	}
	return n
}

// Len returns the number of stored entries, including stale and dead ones
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Len()
}

// Stats returns a snapshot of the counters
func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stats
	s.Size = m.lru.Len()
	return s
}

var _ Cache = (*Memory)(nil)
