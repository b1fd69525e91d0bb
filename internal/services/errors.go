package services

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCircuitOpen matches any *CircuitOpenError
	ErrCircuitOpen = errors.New("circuit breaker open")
	// ErrRequestTimeout matches any *RequestTimeoutError
	ErrRequestTimeout = errors.New("request timed out")
	// ErrRateLimited matches any *RateLimitError
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrClientClosed is returned by Request after Close
	ErrClientClosed = errors.New("service client closed")
)

// ServiceError is a failed call to an external service
type ServiceError struct {
	ServiceID  string
	StatusCode int // 0 when the request never got a response
	Message    string
	Err        error
}

func (e *ServiceError) Error() string {
	if e.ServiceID == "" {
		return e.Message
	}
	return fmt.Sprintf("service '%s': %s", e.ServiceID, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Service returns the id of the service that failed
func (e *ServiceError) Service() string { return e.ServiceID }

// CircuitOpenError is returned when a service's breaker refuses the request
// and no stale data is available.
type CircuitOpenError struct {
	ServiceID  string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for service '%s', retry after %.1fs",
		e.ServiceID, e.RetryAfter.Seconds())
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// Service returns the id of the blocked service
func (e *CircuitOpenError) Service() string { return e.ServiceID }

// RequestTimeoutError is returned when the transport call exceeded its timeout
type RequestTimeoutError struct {
	ServiceID string
	Timeout   time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("request to service '%s' timed out after %s", e.ServiceID, e.Timeout)
}

func (e *RequestTimeoutError) Is(target error) bool {
	return target == ErrRequestTimeout || target == context.DeadlineExceeded
}

// Service returns the id of the service that timed out
func (e *RequestTimeoutError) Service() string { return e.ServiceID }

// RateLimitError is an HTTP 429 answer. RetryAfter is zero when the service
// did not say.
type RateLimitError struct {
	ServiceID  string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	msg := fmt.Sprintf("rate limit exceeded for service '%s'", e.ServiceID)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(", retry after %s", e.RetryAfter)
	}
	return msg
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// Service returns the id of the rate limited service
func (e *RateLimitError) Service() string { return e.ServiceID }

// ServiceOf returns the service id attached to err, if any
func ServiceOf(err error) (string, bool) {
	var s interface{ Service() string }
	if errors.As(err, &s) {
		return s.Service(), true
	}
	return "", false
}
