// Package services is the resilient access layer every outbound API call
// goes through. A Client combines a response cache, a circuit breaker per
// service and in-flight request deduplication, and falls back to stale
// cached data whenever the live path is unavailable.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/intelbot/cache"
	"github.com/briangreenhill/intelbot/internal/breaker"
	"github.com/briangreenhill/intelbot/internal/dedup"
)

// Source tells where a Result's data came from
type Source string

const (
	SourceLive   Source = ""
	SourceMemory Source = "memory"
	SourceStale  Source = "stale"
)

// Result of a Request
type Result struct {
	Data      json.RawMessage `json:"data"`
	FromCache Source          `json:"from_cache,omitempty"`
	IsStale   bool            `json:"is_stale"`
	ServiceID string          `json:"service_id"`
}

// Decode unmarshals the payload into v
func (r *Result) Decode(v any) error {
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("decode %s response: %w", r.ServiceID, err)
	}
	return nil
}

// Health aggregates the state of every component for status reporting
type Health struct {
	Cache        cache.Stats               `json:"cache"`
	Breakers     map[string]breaker.Status `json:"circuit_breakers"`
	Deduplicator dedup.Stats               `json:"deduplicator"`
	OpenCircuits []string                  `json:"open_circuits"`
}

// Client is the façade collaborators use for every external call. It is
// safe for concurrent use; construct one per process and pass it around.
type Client struct {
	cfg       ClientConfig
	transport Transport
	cache     *cache.Memory
	breakers  *breaker.Registry
	dedup     *dedup.Group[json.RawMessage]
	clock     clockwork.Clock
	log       zerolog.Logger

	mu       sync.RWMutex
	services map[string]ServiceConfig

	closed atomic.Bool
}

// Option configures a Client
type Option func(*Client)

// WithTransport replaces the HTTP transport
func WithTransport(t Transport) Option {
	return func(c *Client) { c.transport = t }
}

// WithLogger sets the logger shared by the client and its components
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithClock replaces the wall clock used by the cache and breakers
func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// New builds a Client with its own cache, breaker registry and deduplicator
func New(cfg ClientConfig, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}

	c := &Client{
		cfg:      cfg,
		clock:    clockwork.NewRealClock(),
		log:      zerolog.Nop(),
		services: make(map[string]ServiceConfig),
	}
	for _, o := range opts {
		o(c)
	}
	if c.transport == nil {
		c.transport = NewHTTPTransport()
	}

	cacheCfg := cache.DefaultConfig()
	cacheCfg.MaxSize = cfg.CacheMaxSize
	cacheCfg.DefaultTTL = cfg.DefaultCacheTTL
	if cfg.CachePrefix != "" {
		cacheCfg.Prefix = cfg.CachePrefix
	}
	mem, err := cache.NewMemory(cacheCfg, cache.WithClock(c.clock), cache.WithLogger(c.log))
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	c.cache = mem
	c.breakers = breaker.NewRegistry(cfg.Breaker, breaker.WithClock(c.clock), breaker.WithLogger(c.log))
	c.dedup = dedup.New[json.RawMessage](dedup.WithLogger(c.log))

	return c, nil
}

// RegisterService adds or replaces the configuration for a service
func (c *Client) RegisterService(sc ServiceConfig) error {
	if err := sc.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	c.services[sc.ServiceID] = sc
	c.mu.Unlock()

	if sc.Breaker != nil {
		c.breakers.Configure(sc.ServiceID, *sc.Breaker)
	}
	c.log.Debug().Str("service", sc.ServiceID).Msg("registered service")
	return nil
}

// ServiceConfig returns the registration for serviceID
func (c *Client) ServiceConfig(serviceID string) (ServiceConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sc, ok := c.services[serviceID]
	return sc, ok
}

type requestOptions struct {
	params   map[string]string
	headers  map[string]string
	method   string
	body     any
	useCache *bool
	cacheTTL time.Duration
	timeout  time.Duration
}

// RequestOption adjusts a single Request
type RequestOption func(*requestOptions)

// WithParams sets the query parameters
func WithParams(p map[string]string) RequestOption {
	return func(o *requestOptions) { o.params = p }
}

// WithHeaders adds headers on top of the registered ones
func WithHeaders(h map[string]string) RequestOption {
	return func(o *requestOptions) { o.headers = h }
}

// WithMethod sets the HTTP method. Only GET is cached and deduplicated.
func WithMethod(m string) RequestOption {
	return func(o *requestOptions) { o.method = m }
}

// WithBody sets a value to be sent as the JSON request body
func WithBody(v any) RequestOption {
	return func(o *requestOptions) { o.body = v }
}

// WithCache overrides whether the response is cached
func WithCache(use bool) RequestOption {
	return func(o *requestOptions) { o.useCache = &use }
}

// WithCacheTTL overrides the cache TTL
func WithCacheTTL(ttl time.Duration) RequestOption {
	return func(o *requestOptions) { o.cacheTTL = ttl }
}

// WithTimeout overrides the transport timeout
func WithTimeout(d time.Duration) RequestOption {
	return func(o *requestOptions) { o.timeout = d }
}

// settings are the effective knobs for one request
type settings struct {
	url      string
	method   string
	cache    bool
	ttl      time.Duration
	timeout  time.Duration
	breaker  bool
	dedup    bool
	headers  map[string]string
	cacheKey string
}

// resolve applies explicit override → registered config → client default
func (c *Client) resolve(serviceID, url string, o *requestOptions) settings {
	sc, registered := c.ServiceConfig(serviceID)

	s := settings{
		url:     url,
		method:  o.method,
		ttl:     c.cfg.DefaultCacheTTL,
		timeout: c.cfg.DefaultTimeout,
		breaker: true,
		dedup:   true,
		headers: make(map[string]string),
	}
	if s.method == "" {
		s.method = http.MethodGet
	}

	switch {
	case o.useCache != nil:
		s.cache = *o.useCache
	case registered:
		s.cache = enabled(sc.UseCache)
	default:
		s.cache = s.method == http.MethodGet
	}

	if registered {
		s.url = sc.resolveURL(url)
		if sc.CacheTTL > 0 {
			s.ttl = sc.CacheTTL
		}
		if sc.Timeout > 0 {
			s.timeout = sc.Timeout
		}
		s.breaker = enabled(sc.UseCircuitBreaker)
		s.dedup = enabled(sc.UseDedup)
		for k, v := range sc.Headers {
			s.headers[k] = v
		}
	}
	if o.cacheTTL > 0 {
		s.ttl = o.cacheTTL
	}
	if o.timeout > 0 {
		s.timeout = o.timeout
	}
	for k, v := range o.headers {
		s.headers[k] = v
	}

	s.cacheKey = c.cache.KeyFor(s.url, o.params)
	return s
}

// Request performs a call to serviceID. GET responses are served from the
// cache while fresh; otherwise the live call is made through the service's
// circuit breaker, and any failure falls back to stale cached data when it
// exists. Without stale data the original error is returned.
func (c *Client) Request(ctx context.Context, serviceID, url string, opts ...RequestOption) (*Result, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}

	o := &requestOptions{}
	for _, opt := range opts {
		opt(o)
	}
	s := c.resolve(serviceID, url, o)
	cacheable := s.cache && s.method == http.MethodGet
	log := c.log.With().Str("service", serviceID).Logger()

	var stale *cache.Result
	if cacheable {
		if hit, ok := c.cache.Get(s.cacheKey); ok {
			if !hit.Stale {
				return &Result{Data: hit.Value, FromCache: SourceMemory, ServiceID: serviceID}, nil
			}
			stale = hit
		}
	}

	var cb *breaker.Breaker
	if s.breaker {
		cb = c.breakers.Get(serviceID)
		if !cb.CanRequest() {
			if stale != nil {
				log.Warn().Msg("circuit open, returning stale data")
				return staleResult(serviceID, stale), nil
			}
			retry, _ := cb.TimeUntilReset()
			return nil, &CircuitOpenError{ServiceID: serviceID, RetryAfter: retry}
		}
	}

	call := &Call{
		ServiceID: serviceID,
		Method:    s.method,
		URL:       s.url,
		Params:    o.params,
		Headers:   s.headers,
		Body:      o.body,
		Timeout:   s.timeout,
	}

	// Close may have run since the first check; don't start new work.
	if c.closed.Load() {
		if cb != nil {
			cb.Release()
		}
		return nil, ErrClientClosed
	}

	var (
		data json.RawMessage
		err  error
	)
	if s.dedup && s.method == http.MethodGet {
		data, err = c.dedup.Do(ctx, s.cacheKey, func(fctx context.Context) (json.RawMessage, error) {
			return c.execute(fctx, call)
		})
	} else {
		data, err = c.execute(ctx, call)
	}

	if err != nil {
		// The caller gave up or the client is shutting down; neither says
		// anything about the service's health.
		if ctx.Err() != nil || errors.Is(err, dedup.ErrCanceled) {
			if cb != nil {
				cb.Release()
			}
			return nil, err
		}
		if cb != nil {
			cb.RecordFailure()
		}
		if stale != nil {
			log.Warn().Err(err).Msg("request failed, returning stale data")
			return staleResult(serviceID, stale), nil
		}
		return nil, attachService(serviceID, err)
	}

	if cb != nil {
		cb.RecordSuccess()
	}
	if cacheable {
		c.cache.Set(s.cacheKey, data, s.ttl)
	}
	return &Result{Data: data, FromCache: SourceLive, ServiceID: serviceID}, nil
}

// execute runs the transport call under the request timeout
func (c *Client) execute(ctx context.Context, call *Call) (json.RawMessage, error) {
	tctx, cancel := context.WithTimeout(ctx, call.Timeout)
	defer cancel()

	data, err := c.transport.Execute(tctx, call)
	if err != nil && ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
		var te *RequestTimeoutError
		if !errors.As(err, &te) {
			return nil, &RequestTimeoutError{ServiceID: call.ServiceID, Timeout: call.Timeout}
		}
	}
	return data, err
}

func staleResult(serviceID string, hit *cache.Result) *Result {
	return &Result{Data: hit.Value, FromCache: SourceStale, IsStale: true, ServiceID: serviceID}
}

// attachService wraps errors that do not already identify their service
func attachService(serviceID string, err error) error {
	if _, ok := ServiceOf(err); ok {
		return err
	}
	return &ServiceError{ServiceID: serviceID, Message: err.Error(), Err: err}
}

// HealthStatus reports cache, breaker and deduplicator statistics
func (c *Client) HealthStatus() Health {
	open := c.breakers.OpenCircuits()
	if open == nil {
		open = []string{}
	}
	return Health{
		Cache:        c.cache.Stats(),
		Breakers:     c.breakers.Statuses(),
		Deduplicator: c.dedup.Stats(),
		OpenCircuits: open,
	}
}

// CircuitStatus returns the breaker status for serviceID, if it has one
func (c *Client) CircuitStatus(serviceID string) (breaker.Status, bool) {
	b, ok := c.breakers.Lookup(serviceID)
	if !ok {
		return breaker.Status{}, false
	}
	return b.Status(), true
}

// ResetCircuit forces the breaker for serviceID CLOSED
func (c *Client) ResetCircuit(serviceID string) bool {
	return c.breakers.Reset(serviceID)
}

// ClearCache removes entries whose key contains pattern, or every entry
// when pattern is empty, and returns how many were removed.
func (c *Client) ClearCache(pattern string) int {
	if pattern == "" {
		return c.cache.Clear()
	}
	return c.cache.Invalidate(pattern)
}

// CleanupCache drops entries past their stale window
func (c *Client) CleanupCache() int {
	return c.cache.CleanupExpired()
}

// Close cancels in-flight requests and releases the transport's connection
// pool. It is safe to call more than once.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	n := c.dedup.Close()
	c.log.Debug().Int("cancelled", n).Msg("service client closed")
	if closer, ok := c.transport.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
