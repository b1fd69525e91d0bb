package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

// maxErrorBody is how much of a failed response body ends up in the error
const maxErrorBody = 200

// Call describes one round trip to a JSON endpoint
type Call struct {
	ServiceID string
	Method    string
	URL       string
	Params    map[string]string
	Headers   map[string]string
	Body      any
	Timeout   time.Duration
}

// Transport performs a single HTTP round trip and returns the decoded JSON
// payload. It is the only seam between the service layer and the network.
type Transport interface {
	Execute(ctx context.Context, call *Call) (json.RawMessage, error)
}

// HTTPTransport is the production Transport. It owns one pooled connection
// set for its lifetime.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport creates a transport backed by a pooled http.Client
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{client: cleanhttp.DefaultPooledClient()}
}

// NewHTTPTransportWithClient wraps an existing client, e.g. in tests
func NewHTTPTransportWithClient(c *http.Client) *HTTPTransport {
	return &HTTPTransport{client: c}
}

// Execute implements Transport
func (t *HTTPTransport) Execute(ctx context.Context, call *Call) (json.RawMessage, error) {
	if call.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, call.Timeout)
		defer cancel()
	}

	req, err := newRequest(ctx, call)
	if err != nil {
		return nil, &ServiceError{ServiceID: call.ServiceID, Message: err.Error(), Err: err}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &RequestTimeoutError{ServiceID: call.ServiceID, Timeout: call.Timeout}
		}
		return nil, &ServiceError{ServiceID: call.ServiceID, Message: err.Error(), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &RequestTimeoutError{ServiceID: call.ServiceID, Timeout: call.Timeout}
		}
		return nil, &ServiceError{ServiceID: call.ServiceID, StatusCode: resp.StatusCode, Message: "read body: " + err.Error(), Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitError{ServiceID: call.ServiceID, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &ServiceError{
			ServiceID:  call.ServiceID,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(body, maxErrorBody)),
		}
	}

	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(body) {
		return nil, &ServiceError{ServiceID: call.ServiceID, StatusCode: resp.StatusCode, Message: "invalid JSON response: " + truncate(body, maxErrorBody)}
	}
	return json.RawMessage(body), nil
}

// Close releases idle pooled connections
func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

func newRequest(ctx context.Context, call *Call) (*http.Request, error) {
	u, err := url.Parse(call.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if len(call.Params) > 0 {
		q := u.Query()
		for k, v := range call.Params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	if call.Body != nil {
		b, err := json.Marshal(call.Body)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	method := call.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range call.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}
