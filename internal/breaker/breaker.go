// Package breaker implements a per-service circuit breaker.
//
// A breaker starts CLOSED. Consecutive failures open it; once the reset
// timeout has passed it moves to HALF_OPEN on the next read and admits a
// limited number of trial requests. Trial successes close it again, a trial
// failure reopens it with a fresh timer. Breakers never return errors:
// callers decide what a refused request means for them.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// State of a circuit
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON status output
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config holds breaker thresholds. Zero fields take the defaults.
type Config struct {
	FailureThreshold    int           `json:"failure_threshold"`
	ResetTimeout        time.Duration `json:"reset_timeout"`
	HalfOpenMaxRequests int           `json:"half_open_max_requests"`
	SuccessThreshold    int           `json:"success_threshold"`
}

// DefaultConfig returns the stock thresholds
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    3,
		ResetTimeout:        30 * time.Second,
		HalfOpenMaxRequests: 1,
		SuccessThreshold:    1,
	}
}

// withDefaults fills zero fields from DefaultConfig
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold == 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.ResetTimeout == 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.HalfOpenMaxRequests == 0 {
		c.HalfOpenMaxRequests = d.HalfOpenMaxRequests
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	return c
}

// Validate rejects negative thresholds
func (c Config) Validate() error {
	if c.FailureThreshold < 0 || c.HalfOpenMaxRequests < 0 || c.SuccessThreshold < 0 {
		return errors.New("breaker thresholds must not be negative")
	}
	if c.ResetTimeout < 0 {
		return errors.New("breaker reset timeout must not be negative")
	}
	return nil
}

// Status is a snapshot of a breaker for health reporting
type Status struct {
	ServiceID      string         `json:"service_id"`
	State          State          `json:"state"`
	FailureCount   int            `json:"failure_count"`
	SuccessCount   int            `json:"success_count"`
	LastFailure    *time.Time     `json:"last_failure,omitempty"`
	OpenedAt       *time.Time     `json:"opened_at,omitempty"`
	TimeUntilReset *time.Duration `json:"time_until_reset,omitempty"`
}

// Breaker guards a single service
type Breaker struct {
	serviceID string
	cfg       Config
	clock     clockwork.Clock
	log       zerolog.Logger

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	halfOpenTrial int
	lastFailure   time.Time
	openedAt      time.Time
}

// Option configures a Breaker
type Option func(*Breaker)

// WithClock replaces the wall clock, mainly for tests
func WithClock(clock clockwork.Clock) Option {
	return func(b *Breaker) { b.clock = clock }
}

// WithLogger sets the logger used for state transitions
func WithLogger(log zerolog.Logger) Option {
	return func(b *Breaker) { b.log = log }
}

// New creates a CLOSED breaker for serviceID
func New(serviceID string, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		serviceID: serviceID,
		cfg:       cfg.withDefaults(),
		clock:     clockwork.NewRealClock(),
		log:       zerolog.Nop(),
	}
	for _, o := range opts {
		o(b)
	}
	b.log = b.log.With().Str("service", serviceID).Logger()
	return b
}

// ServiceID returns the service this breaker guards
func (b *Breaker) ServiceID() string { return b.serviceID }

// Config returns the effective thresholds
func (b *Breaker) Config() Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

// State returns the current state, moving OPEN to HALF_OPEN when the reset
// timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentLocked()
}

func (b *Breaker) currentLocked() State {
	if b.state == StateOpen && !b.clock.Now().Before(b.openedAt.Add(b.cfg.ResetTimeout)) {
		b.state = StateHalfOpen
		b.halfOpenTrial = 0
		b.successes = 0
		b.log.Info().Msg("circuit breaker transitioned to HALF_OPEN")
	}
	return b.state
}

// CanRequest reports whether a request may go through. In HALF_OPEN each
// true result occupies one of the HalfOpenMaxRequests trial slots until the
// caller reports back through RecordSuccess, RecordFailure or Release.
func (b *Breaker) CanRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentLocked() {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.halfOpenTrial < b.cfg.HalfOpenMaxRequests {
			b.halfOpenTrial++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful request
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentLocked() {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.closeLocked()
			b.log.Info().Msg("circuit breaker CLOSED (recovered)")
			return
		}
		b.releaseLocked()
	case StateClosed:
		b.failures = 0
	}
}

// RecordFailure records a failed request
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.clock.Now()

	switch b.currentLocked() {
	case StateHalfOpen:
		b.openLocked()
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.openLocked()
		}
	}
}

// Release frees a trial slot taken by CanRequest without recording an
// outcome, for requests abandoned before the service answered. It is a
// no-op outside HALF_OPEN.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.currentLocked() == StateHalfOpen {
		b.releaseLocked()
	}
}

func (b *Breaker) releaseLocked() {
	if b.halfOpenTrial > 0 {
		b.halfOpenTrial--
	}
}

func (b *Breaker) openLocked() {
	b.state = StateOpen
	b.openedAt = b.clock.Now()
	b.halfOpenTrial = 0
	b.successes = 0
	b.log.Warn().Int("failures", b.failures).Msg("circuit breaker OPENED")
}

func (b *Breaker) closeLocked() {
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.halfOpenTrial = 0
	b.openedAt = time.Time{}
}

// Reset forces the breaker CLOSED and zeroes every counter
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closeLocked()
	b.lastFailure = time.Time{}
	b.log.Info().Msg("circuit breaker manually reset")
}

// TimeUntilReset returns how long until an OPEN breaker admits a trial request.
// ok is false unless the breaker is OPEN.
func (b *Breaker) TimeUntilReset() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.untilResetLocked()
}

func (b *Breaker) untilResetLocked() (time.Duration, bool) {
	if b.state != StateOpen {
		return 0, false
	}
	remaining := b.openedAt.Add(b.cfg.ResetTimeout).Sub(b.clock.Now())
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// Status returns a snapshot for health reporting
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Status{
		ServiceID:    b.serviceID,
		State:        b.currentLocked(),
		FailureCount: b.failures,
		SuccessCount: b.successes,
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		s.LastFailure = &t
	}
	if !b.openedAt.IsZero() {
		t := b.openedAt
		s.OpenedAt = &t
	}
	if d, ok := b.untilResetLocked(); ok {
		s.TimeUntilReset = &d
	}
	return s
}
