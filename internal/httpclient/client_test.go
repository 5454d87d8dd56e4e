package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(cfg Config) (*Client, *[]time.Duration) {
	c := New(cfg)
	var mu sync.Mutex
	slept := []time.Duration{}
	c.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		slept = append(slept, d)
		mu.Unlock()
		return ctx.Err()
	}
	return c, &slept
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.StartDelay = 0
	return cfg
}

// -----------------------------------------------------------------------
// Retries
// -----------------------------------------------------------------------

func TestDo_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c, slept := testClient(fastConfig())
	resp, err := c.Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
	assert.Equal(t, int32(3), calls.Load())
	// factor 0.5: 0.5s then 1s
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, *slept)
	assert.Equal(t, int64(2), c.Stats().Retries)
}

func TestDo_HonoursRetryAfter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "4")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, slept := testClient(fastConfig())
	_, err := c.Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{4 * time.Second}, *slept)
}

func TestDo_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c, _ := testClient(fastConfig())
	resp, err := c.Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDo_RetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.MaxRetries = 2
	c, _ := testClient(cfg)
	_, err := c.Get(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int64(1), c.Stats().Failures)
}

func TestDo_HostHeadersAndOverrides(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.HostHeaders = map[string]map[string]string{"127.0.0.1": {"X-API-KEY": "host-key", "X-Chain": "solana"}}
	c, _ := testClient(cfg)
	_, err := c.Get(context.Background(), srv.URL, http.Header{"X-Api-Key": {"call-key"}})
	require.NoError(t, err)

	assert.Equal(t, "call-key", got.Get("X-API-KEY"))
	assert.Equal(t, "solana", got.Get("X-Chain"))
	assert.Contains(t, got.Get("User-Agent"), "callsbot")
}

// -----------------------------------------------------------------------
// Breaker
// -----------------------------------------------------------------------

func TestDo_BreakerOpensAndShortCircuits(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.MaxRetries = 0
	cfg.BreakerFailures = 2
	c, _ := testClient(cfg)

	for i := 0; i < 2; i++ {
		_, err := c.Get(context.Background(), srv.URL, nil)
		assert.ErrorIs(t, err, ErrRetriesExhausted)
	}
	_, err := c.Get(context.Background(), srv.URL, nil)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, StateOpen, c.Stats().Breakers["127.0.0.1"])
	assert.Equal(t, int64(1), c.Stats().Rejected)
}

func TestBreaker_HalfOpenSingleTrial(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := NewBreaker(3, time.Minute, 30*time.Second)
	b.now = func() time.Time { return now }

	b.Failure()
	b.Failure()
	assert.Equal(t, StateClosed, b.State())
	b.Failure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())

	now = now.Add(31 * time.Second)
	assert.True(t, b.Allow(), "first call after cooldown is the trial")
	assert.False(t, b.Allow(), "second concurrent call is refused")
	assert.Equal(t, StateHalfOpen, b.State())

	b.Failure()
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, int64(2), b.Trips())

	now = now.Add(31 * time.Second)
	require.True(t, b.Allow())
	b.Success()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreaker_AbortReopensWithFreshCooldown(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := NewBreaker(1, time.Minute, 30*time.Second)
	b.now = func() time.Time { return now }

	b.Failure()
	now = now.Add(31 * time.Second)
	require.True(t, b.Allow())
	b.Abort()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow(), "cooldown restarts at abort")

	now = now.Add(31 * time.Second)
	assert.True(t, b.Allow())
	b.Success()
	b.Abort()
	assert.Equal(t, StateClosed, b.State(), "abort after an outcome is a no-op")
	assert.Equal(t, int64(1), b.Trips())
}

func TestDo_CancelledTrialReleasesHost(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.MaxRetries = 0
	cfg.BreakerFailures = 1
	cfg.BreakerCooldown = 30 * time.Second
	c, _ := testClient(cfg)

	now := time.Unix(1_700_000_000, 0)
	b := c.Breaker("127.0.0.1")
	b.now = func() time.Time { return now }
	b.Failure()
	now = now.Add(31 * time.Second)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Get(cancelled, srv.URL, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateOpen, b.State())

	now = now.Add(31 * time.Second)
	resp, err := c.Get(context.Background(), srv.URL, nil)
	require.NoError(t, err, "host must recover after the next cooldown")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_WindowForgetsOldFailures(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := NewBreaker(2, 10*time.Second, time.Second)
	b.now = func() time.Time { return now }

	b.Failure()
	now = now.Add(11 * time.Second)
	b.Failure()
	assert.Equal(t, StateClosed, b.State())
	b.Failure()
	assert.Equal(t, StateOpen, b.State())
}

// -----------------------------------------------------------------------
// Limits
// -----------------------------------------------------------------------

func TestDo_PerHostConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.MaxConcurrency = 2
	c, _ := testClient(cfg)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Get(context.Background(), srv.URL, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestWaitStart_SpacesRequests(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StartDelay = time.Second
	c, slept := testClient(cfg)
	h := c.host("api.example.com")

	require.NoError(t, c.waitStart(context.Background(), h))
	require.NoError(t, c.waitStart(context.Background(), h))
	require.Len(t, *slept, 1)
	assert.InDelta(t, float64(time.Second), float64((*slept)[0]), float64(50*time.Millisecond))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d, ok := parseRetryAfter("2", now)
	assert.True(t, ok)
	assert.Equal(t, 2*time.Second, d)

	d, ok = parseRetryAfter(now.Add(5*time.Second).Format(http.TimeFormat), now)
	assert.True(t, ok)
	assert.Equal(t, 5*time.Second, d)

	_, ok = parseRetryAfter("soon", now)
	assert.False(t, ok)
}
