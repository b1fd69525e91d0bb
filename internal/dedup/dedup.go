// Package dedup coalesces concurrent identical requests so that only one
// execution per key is in flight and every caller observes its outcome.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrCanceled is returned to every waiter of a flight torn down by Cancel,
// CancelAll or Close, and to every Do after Close
var ErrCanceled = errors.New("in-flight request canceled")

// Stats counts unique executions and joined callers
type Stats struct {
	Total        uint64 `json:"total_requests"`
	Deduplicated uint64 `json:"deduplicated"`
	InFlight     int    `json:"in_flight"`
}

// DedupRate is the share of callers that joined an existing flight
func (s Stats) DedupRate() float64 {
	total := s.Total + s.Deduplicated
	if total == 0 {
		return 0
	}
	return float64(s.Deduplicated) / float64(total)
}

// call is one in-flight execution. val and err are written once, under the
// Group lock, before done is closed.
type call[T any] struct {
	id       string
	done     chan struct{}
	cancel   context.CancelFunc
	resolved bool
	val      T
	err      error
}

// Group deduplicates work by key. The zero value is not usable; use New.
type Group[T any] struct {
	mu           sync.Mutex
	calls        map[string]*call[T]
	total        uint64
	deduplicated uint64
	closed       bool
	log          zerolog.Logger
}

// Option configures a Group
type Option func(*options)

type options struct {
	log zerolog.Logger
}

// WithLogger enables debug logging of flights
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = log }
}

// New creates an empty Group
func New[T any](opts ...Option) *Group[T] {
	o := options{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Group[T]{
		calls: make(map[string]*call[T]),
		log:   o.log.With().Str("component", "dedup").Logger(),
	}
}

// Do runs work for key unless a run for key is already in flight, in which
// case it waits for that run and returns the same value and error.
//
// work receives a context owned by the flight rather than by any single
// caller: a caller whose ctx ends stops waiting without affecting the others.
// The flight is only cancelled through Cancel, CancelAll or Close. After
// Close, Do returns ErrCanceled without running work.
func (g *Group[T]) Do(ctx context.Context, key string, work func(context.Context) (T, error)) (T, error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		var zero T
		return zero, fmt.Errorf("%w: group closed", ErrCanceled)
	}
	if c, ok := g.calls[key]; ok {
		g.deduplicated++
		g.mu.Unlock()
		g.log.Debug().Str("key", key).Str("flight", c.id).Msg("joining in-flight request")
		return wait(ctx, c)
	}

	fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &call[T]{
		id:     uuid.NewString(),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	g.calls[key] = c
	g.total++
	g.mu.Unlock()

	g.log.Debug().Str("key", key).Str("flight", c.id).Msg("starting request")
	go g.run(fctx, key, c, work)

	return wait(ctx, c)
}

func (g *Group[T]) run(ctx context.Context, key string, c *call[T], work func(context.Context) (T, error)) {
	var (
		val T
		err error
	)
	defer c.cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dedup: request panicked: %v", r)
		}
		g.resolve(key, c, val, err)
	}()

	val, err = work(ctx)
}

// resolve publishes the outcome and drops the key in one critical section,
// so no caller can join a flight that has already finished.
func (g *Group[T]) resolve(key string, c *call[T], val T, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.calls[key] == c {
		delete(g.calls, key)
	}
	if c.resolved {
		return
	}
	c.val, c.err = val, err
	c.resolved = true
	close(c.done)
	g.log.Debug().Str("key", key).Str("flight", c.id).Msg("request completed")
}

func wait[T any](ctx context.Context, c *call[T]) (T, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Cancel tears down the flight for key. Every waiter receives ErrCanceled.
func (g *Group[T]) Cancel(key string) bool {
	g.mu.Lock()
	c, ok := g.calls[key]
	if ok {
		delete(g.calls, key)
		g.cancelLocked(c)
	}
	g.mu.Unlock()

	if ok {
		c.cancel()
		g.log.Debug().Str("key", key).Str("flight", c.id).Msg("request cancelled")
	}
	return ok
}

// CancelAll tears down every flight and returns how many there were
func (g *Group[T]) CancelAll() int {
	return g.cancelAll(false)
}

// Close cancels every flight like CancelAll and refuses new ones from then on
func (g *Group[T]) Close() int {
	return g.cancelAll(true)
}

func (g *Group[T]) cancelAll(closing bool) int {
	g.mu.Lock()
	if closing {
		g.closed = true
	}
	calls := g.calls
	g.calls = make(map[string]*call[T])
	for _, c := range calls {
		g.cancelLocked(c)
	}
	g.mu.Unlock()

	for _, c := range calls {
		c.cancel()
	}
	if len(calls) > 0 {
		g.log.Debug().Int("count", len(calls)).Msg("cancelled all in-flight requests")
	}
	return len(calls)
}

func (g *Group[T]) cancelLocked(c *call[T]) {
	if c.resolved {
		return
	}
	c.err = fmt.Errorf("%w: %w", ErrCanceled, context.Canceled)
	c.resolved = true
	close(c.done)
}

// InFlight returns the number of running flights
func (g *Group[T]) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

// InFlightKeys returns the sorted keys of running flights
func (g *Group[T]) InFlightKeys() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	keys := make([]string, 0, len(g.calls))
	for k := range g.calls {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Stats returns a snapshot of the counters
func (g *Group[T]) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{
		Total:        g.total,
		Deduplicated: g.deduplicated,
		InFlight:     len(g.calls),
	}
}
