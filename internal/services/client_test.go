package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/briangreenhill/intelbot/internal/breaker"
	"github.com/briangreenhill/intelbot/internal/dedup"
)

// fakeTransport records calls and answers with respond
type fakeTransport struct {
	mu      sync.Mutex
	calls   []*Call
	respond func(ctx context.Context, call *Call) (json.RawMessage, error)
	closed  bool
}

func (f *fakeTransport) Execute(ctx context.Context, call *Call) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	respond := f.respond
	f.mu.Unlock()
	return respond(ctx, call)
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) setRespond(fn func(ctx context.Context, call *Call) (json.RawMessage, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respond = fn
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTransport) last() *Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func respondJSON(body string) func(context.Context, *Call) (json.RawMessage, error) {
	return func(context.Context, *Call) (json.RawMessage, error) {
		return json.RawMessage(body), nil
	}
}

func respondErr(err error) func(context.Context, *Call) (json.RawMessage, error) {
	return func(context.Context, *Call) (json.RawMessage, error) {
		return nil, err
	}
}

func newTestClient(t *testing.T, respond func(context.Context, *Call) (json.RawMessage, error)) (*Client, *fakeTransport, clockwork.FakeClock) {
	t.Helper()
	ft := &fakeTransport{respond: respond}
	clock := clockwork.NewFakeClock()
	c, err := New(DefaultClientConfig(), WithTransport(ft), WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, ft, clock
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := DefaultClientConfig()
	cfg.CacheMaxSize = 0
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestRegisterService_Validates(t *testing.T) {
	c, _, _ := newTestClient(t, respondJSON(`{}`))
	assert.Error(t, c.RegisterService(ServiceConfig{}))
	assert.Error(t, c.RegisterService(ServiceConfig{ServiceID: "x", Timeout: -time.Second}))

	require.NoError(t, c.RegisterService(ServiceConfig{ServiceID: "x", BaseURL: "https://x.test"}))
	sc, ok := c.ServiceConfig("x")
	require.True(t, ok)
	assert.Equal(t, "https://x.test", sc.BaseURL)
}

// Mirrors the documented outage walk-through: fresh hit, stale fallback while
// failures accumulate, then a hard circuit-open error once the stale window
// has passed.
func TestRequest_EndToEndScenario(t *testing.T) {
	c, ft, clock := newTestClient(t, respondJSON(`{"v":1}`))
	require.NoError(t, c.RegisterService(ServiceConfig{
		ServiceID: "x",
		CacheTTL:  5 * time.Second,
		Breaker:   &breaker.Config{FailureThreshold: 2},
	}))
	ctx := context.Background()

	res, err := c.Request(ctx, "x", "https://x.test/data")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(res.Data))
	assert.Equal(t, SourceLive, res.FromCache)

	clock.Advance(2 * time.Second)
	res, err = c.Request(ctx, "x", "https://x.test/data")
	require.NoError(t, err)
	assert.Equal(t, SourceMemory, res.FromCache)
	assert.False(t, res.IsStale)
	assert.Equal(t, 1, ft.count())

	clock.Advance(4 * time.Second) // 6s
	ft.setRespond(respondErr(errors.New("connection refused")))

	res, err = c.Request(ctx, "x", "https://x.test/data")
	require.NoError(t, err)
	assert.Equal(t, SourceStale, res.FromCache)
	assert.True(t, res.IsStale)
	assert.JSONEq(t, `{"v":1}`, string(res.Data))
	assert.Equal(t, 2, ft.count())
	st, ok := c.CircuitStatus("x")
	require.True(t, ok)
	assert.Equal(t, 1, st.FailureCount)
	assert.Equal(t, breaker.StateClosed, st.State)

	res, err = c.Request(ctx, "x", "https://x.test/data")
	require.NoError(t, err)
	assert.True(t, res.IsStale)
	assert.Equal(t, 3, ft.count())
	st, _ = c.CircuitStatus("x")
	assert.Equal(t, breaker.StateOpen, st.State)

	clock.Advance(5 * time.Second) // 11s, past the 10s stale window
	_, err = c.Request(ctx, "x", "https://x.test/data")
	var coe *CircuitOpenError
	require.ErrorAs(t, err, &coe)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, "x", coe.ServiceID)
	assert.Equal(t, 25*time.Second, coe.RetryAfter)
	assert.Equal(t, 3, ft.count(), "transport must not be invoked while the circuit is open")
}

func TestRequest_StaleServedWhenCircuitOpen(t *testing.T) {
	c, ft, clock := newTestClient(t, respondJSON(`[1,2,3]`))
	ctx := context.Background()

	_, err := c.Request(ctx, "svc", "https://svc.test/list", WithCacheTTL(time.Minute))
	require.NoError(t, err)

	clock.Advance(90 * time.Second)
	b := c.breakers.Get("svc")
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	require.Equal(t, breaker.StateOpen, b.State())

	res, err := c.Request(ctx, "svc", "https://svc.test/list")
	require.NoError(t, err)
	assert.Equal(t, SourceStale, res.FromCache)
	assert.True(t, res.IsStale)
	assert.Equal(t, 1, ft.count())
}

func TestRequest_StaleRefreshedOnSuccess(t *testing.T) {
	c, ft, clock := newTestClient(t, respondJSON(`{"v":1}`))
	ctx := context.Background()

	_, err := c.Request(ctx, "svc", "https://svc.test", WithCacheTTL(time.Second))
	require.NoError(t, err)

	clock.Advance(1500 * time.Millisecond)
	ft.setRespond(respondJSON(`{"v":2}`))

	res, err := c.Request(ctx, "svc", "https://svc.test", WithCacheTTL(time.Second))
	require.NoError(t, err)
	assert.Equal(t, SourceLive, res.FromCache)
	assert.JSONEq(t, `{"v":2}`, string(res.Data))

	res, err = c.Request(ctx, "svc", "https://svc.test")
	require.NoError(t, err)
	assert.Equal(t, SourceMemory, res.FromCache)
	assert.JSONEq(t, `{"v":2}`, string(res.Data))
}

func TestRequest_ColdFailurePropagates(t *testing.T) {
	boom := &ServiceError{ServiceID: "svc", StatusCode: 502, Message: "HTTP 502: bad gateway"}
	c, _, _ := newTestClient(t, respondErr(boom))

	_, err := c.Request(context.Background(), "svc", "https://svc.test")
	var se *ServiceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 502, se.StatusCode)
}

func TestRequest_PlainErrorsGetServiceAttached(t *testing.T) {
	c, _, _ := newTestClient(t, respondErr(errors.New("dial tcp: refused")))

	_, err := c.Request(context.Background(), "finnhub", "https://svc.test")
	require.Error(t, err)
	id, ok := ServiceOf(err)
	require.True(t, ok)
	assert.Equal(t, "finnhub", id)
}

func TestRequest_CircuitOpenWithoutStale(t *testing.T) {
	c, ft, _ := newTestClient(t, respondErr(errors.New("down")))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.Request(ctx, "svc", "https://svc.test")
		require.Error(t, err)
	}
	_, err := c.Request(ctx, "svc", "https://svc.test")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 3, ft.count())
	assert.Equal(t, []string{"svc"}, c.HealthStatus().OpenCircuits)
}

func TestRequest_HalfOpenTrialRecovers(t *testing.T) {
	c, ft, clock := newTestClient(t, respondErr(errors.New("down")))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = c.Request(ctx, "svc", "https://svc.test")
	}

	clock.Advance(30 * time.Second)
	ft.setRespond(respondJSON(`"ok"`))

	res, err := c.Request(ctx, "svc", "https://svc.test")
	require.NoError(t, err)
	assert.Equal(t, `"ok"`, string(res.Data))
	st, _ := c.CircuitStatus("svc")
	assert.Equal(t, breaker.StateClosed, st.State)
}

func TestRequest_RecoveryNeedsEverySuccess(t *testing.T) {
	ft := &fakeTransport{respond: respondErr(errors.New("down"))}
	clock := clockwork.NewFakeClock()
	cfg := DefaultClientConfig()
	cfg.Breaker.SuccessThreshold = 2
	c, err := New(cfg, WithTransport(ft), WithClock(clock))
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = c.Request(ctx, "svc", "https://svc.test")
	}
	clock.Advance(30 * time.Second)
	ft.setRespond(respondJSON(`"ok"`))

	_, err = c.Request(ctx, "svc", "https://svc.test", WithCache(false))
	require.NoError(t, err)
	st, _ := c.CircuitStatus("svc")
	assert.Equal(t, breaker.StateHalfOpen, st.State)

	_, err = c.Request(ctx, "svc", "https://svc.test", WithCache(false))
	require.NoError(t, err)
	st, _ = c.CircuitStatus("svc")
	assert.Equal(t, breaker.StateClosed, st.State)
}

func TestRequest_CancelledHalfOpenRequestFreesSlot(t *testing.T) {
	c, ft, clock := newTestClient(t, respondErr(errors.New("down")))
	for i := 0; i < 3; i++ {
		_, _ = c.Request(context.Background(), "svc", "https://svc.test")
	}
	clock.Advance(30 * time.Second)

	started := make(chan struct{})
	gate := make(chan struct{})
	ft.setRespond(func(context.Context, *Call) (json.RawMessage, error) {
		close(started)
		<-gate
		return json.RawMessage(`"late"`), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Request(ctx, "svc", "https://svc.test")
		errCh <- err
	}()
	<-started
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(gate)
	require.Eventually(t, func() bool {
		return c.HealthStatus().Deduplicator.InFlight == 0
	}, time.Second, time.Millisecond)

	st, _ := c.CircuitStatus("svc")
	assert.Equal(t, breaker.StateHalfOpen, st.State)
	assert.Equal(t, 3, st.FailureCount)

	ft.setRespond(respondJSON(`"ok"`))
	res, err := c.Request(context.Background(), "svc", "https://svc.test")
	require.NoError(t, err)
	assert.Equal(t, `"ok"`, string(res.Data))
	st, _ = c.CircuitStatus("svc")
	assert.Equal(t, breaker.StateClosed, st.State)
}

func TestRequest_CancelledHalfOpenPostFreesSlot(t *testing.T) {
	c, ft, clock := newTestClient(t, respondErr(errors.New("down")))
	post := WithMethod(http.MethodPost)
	for i := 0; i < 3; i++ {
		_, _ = c.Request(context.Background(), "svc", "https://svc.test", post)
	}
	clock.Advance(30 * time.Second)

	ft.setRespond(func(ctx context.Context, _ *Call) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Request(ctx, "svc", "https://svc.test", post)
	assert.ErrorIs(t, err, context.Canceled)

	ft.setRespond(respondJSON(`"ok"`))
	_, err = c.Request(context.Background(), "svc", "https://svc.test", post)
	require.NoError(t, err)
	st, _ := c.CircuitStatus("svc")
	assert.Equal(t, breaker.StateClosed, st.State)
}

func TestRequest_BreakerDisabled(t *testing.T) {
	c, ft, _ := newTestClient(t, respondErr(errors.New("down")))
	require.NoError(t, c.RegisterService(ServiceConfig{ServiceID: "svc", UseCircuitBreaker: Bool(false)}))

	for i := 0; i < 5; i++ {
		_, err := c.Request(context.Background(), "svc", "https://svc.test")
		assert.NotErrorIs(t, err, ErrCircuitOpen)
	}
	assert.Equal(t, 5, ft.count())
	_, ok := c.CircuitStatus("svc")
	assert.False(t, ok)
}

func TestRequest_CacheDisabled(t *testing.T) {
	c, ft, _ := newTestClient(t, respondJSON(`1`))
	ctx := context.Background()

	_, err := c.Request(ctx, "svc", "https://svc.test", WithCache(false))
	require.NoError(t, err)
	res, err := c.Request(ctx, "svc", "https://svc.test", WithCache(false))
	require.NoError(t, err)
	assert.Equal(t, SourceLive, res.FromCache)
	assert.Equal(t, 2, ft.count())

	require.NoError(t, c.RegisterService(ServiceConfig{ServiceID: "nocache", UseCache: Bool(false)}))
	_, _ = c.Request(ctx, "nocache", "https://nocache.test")
	_, _ = c.Request(ctx, "nocache", "https://nocache.test")
	assert.Equal(t, 4, ft.count())
}

func TestRequest_ParamOrderSharesCacheEntry(t *testing.T) {
	c, ft, _ := newTestClient(t, respondJSON(`1`))
	ctx := context.Background()

	_, err := c.Request(ctx, "svc", "https://svc.test", WithParams(map[string]string{"a": "1", "b": "2"}))
	require.NoError(t, err)
	res, err := c.Request(ctx, "svc", "https://svc.test", WithParams(map[string]string{"b": "2", "a": "1"}))
	require.NoError(t, err)
	assert.Equal(t, SourceMemory, res.FromCache)
	assert.Equal(t, 1, ft.count())
}

func TestRequest_PostIsNeverCachedOrDeduplicated(t *testing.T) {
	c, ft, _ := newTestClient(t, respondJSON(`{"ok":true}`))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := c.Request(ctx, "hook", "https://hook.test", WithMethod(http.MethodPost), WithBody(map[string]string{"text": "hi"}))
		require.NoError(t, err)
		assert.Equal(t, SourceLive, res.FromCache)
	}
	assert.Equal(t, 2, ft.count())
	assert.Equal(t, http.MethodPost, ft.last().Method)
	assert.Equal(t, map[string]string{"text": "hi"}, ft.last().Body)
	assert.Zero(t, c.HealthStatus().Deduplicator.Total)
	assert.Zero(t, c.HealthStatus().Cache.Size)
}

func TestRequest_ConcurrentGetsAreDeduplicated(t *testing.T) {
	release := make(chan struct{})
	c, ft, _ := newTestClient(t, func(ctx context.Context, _ *Call) (json.RawMessage, error) {
		select {
		case <-release:
			return json.RawMessage(`{"price":1}`), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	const k = 8
	var eg errgroup.Group
	results := make([]*Result, k)
	for i := 0; i < k; i++ {
		i := i
		eg.Go(func() error {
			res, err := c.Request(context.Background(), "coingecko", "https://cg.test/price")
			results[i] = res
			return err
		})
	}
	require.Eventually(t, func() bool {
		return c.HealthStatus().Deduplicator.Deduplicated == k-1
	}, time.Second, time.Millisecond)

	close(release)
	require.NoError(t, eg.Wait())
	assert.Equal(t, 1, ft.count())
	for _, r := range results {
		assert.JSONEq(t, `{"price":1}`, string(r.Data))
	}
}

func TestRequest_TimeoutCountsAsFailure(t *testing.T) {
	ft := &fakeTransport{respond: func(ctx context.Context, _ *Call) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	cfg := DefaultClientConfig()
	cfg.Breaker.FailureThreshold = 1
	c, err := New(cfg, WithTransport(ft))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Request(context.Background(), "slow", "https://slow.test", WithTimeout(10*time.Millisecond))
	var te *RequestTimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 10*time.Millisecond, te.Timeout)
	assert.ErrorIs(t, err, ErrRequestTimeout)

	st, ok := c.CircuitStatus("slow")
	require.True(t, ok)
	assert.Equal(t, breaker.StateOpen, st.State)
}

func TestRequest_CallerCancellationIsNotAFailure(t *testing.T) {
	c, _, _ := newTestClient(t, func(ctx context.Context, _ *Call) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Request(ctx, "svc", "https://svc.test", WithMethod(http.MethodPost))
	assert.ErrorIs(t, err, context.Canceled)

	st, ok := c.CircuitStatus("svc")
	require.True(t, ok)
	assert.Zero(t, st.FailureCount)
}

func TestRequest_HeadersAndBaseURL(t *testing.T) {
	c, ft, _ := newTestClient(t, respondJSON(`{}`))
	require.NoError(t, c.RegisterService(ServiceConfig{
		ServiceID: "finnhub",
		BaseURL:   "https://finnhub.test/api/v1/",
		Timeout:   15 * time.Second,
		Headers:   map[string]string{"X-Finnhub-Token": "reg", "Accept-Language": "en"},
	}))

	_, err := c.Request(context.Background(), "finnhub", "/quote",
		WithParams(map[string]string{"symbol": "AAPL"}),
		WithHeaders(map[string]string{"X-Finnhub-Token": "call"}))
	require.NoError(t, err)

	call := ft.last()
	assert.Equal(t, "https://finnhub.test/api/v1/quote", call.URL)
	assert.Equal(t, "call", call.Headers["X-Finnhub-Token"])
	assert.Equal(t, "en", call.Headers["Accept-Language"])
	assert.Equal(t, 15*time.Second, call.Timeout)
	assert.Equal(t, http.MethodGet, call.Method)
}

func TestClient_AdminOperations(t *testing.T) {
	c, _, _ := newTestClient(t, respondJSON(`1`))
	ctx := context.Background()

	_, _ = c.Request(ctx, "coingecko", "https://cg.test/a")
	_, _ = c.Request(ctx, "coingecko", "https://cg.test/b")
	_, _ = c.Request(ctx, "fred", "https://fred.test/a")

	h := c.HealthStatus()
	assert.Equal(t, 3, h.Cache.Size)
	assert.Len(t, h.Breakers, 2)
	assert.Equal(t, uint64(3), h.Deduplicator.Total)
	assert.Empty(t, h.OpenCircuits)

	assert.Equal(t, 2, c.ClearCache("cg.test"))
	assert.Equal(t, 1, c.ClearCache(""))
	assert.Zero(t, c.CleanupCache())

	assert.True(t, c.ResetCircuit("fred"))
	assert.False(t, c.ResetCircuit("unknown"))
}

func TestClient_Close(t *testing.T) {
	started := make(chan struct{})
	c, ft, _ := newTestClient(t, func(ctx context.Context, _ *Call) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "svc", "https://svc.test")
		errCh <- err
	}()
	<-started

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.ErrorIs(t, <-errCh, dedup.ErrCanceled)
	assert.True(t, ft.closed)

	_, err := c.Request(context.Background(), "svc", "https://svc.test")
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestResult_Decode(t *testing.T) {
	r := &Result{Data: json.RawMessage(`{"bitcoin":{"usd":50000}}`), ServiceID: "coingecko"}
	var out map[string]map[string]float64
	require.NoError(t, r.Decode(&out))
	assert.Equal(t, 50000.0, out["bitcoin"]["usd"])

	bad := &Result{Data: json.RawMessage(`nope`), ServiceID: "coingecko"}
	assert.Error(t, bad.Decode(&out))
}
