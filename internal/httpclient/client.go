// Package httpclient is the outbound HTTP layer shared by every external
// data provider: bounded retries, per-host circuit breakers, per-host
// concurrency limits and host-specific headers.
package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrCircuitOpen is returned without a network call while a host's breaker is open.
	ErrCircuitOpen = errors.New("httpclient: circuit open")
	// ErrRetriesExhausted is returned after every attempt hit a retryable failure.
	ErrRetriesExhausted = errors.New("httpclient: retries exhausted")
)

// Config configures a Client.
type Config struct {
	MaxRetries      int           `yaml:"max_retries"`
	BackoffFactor   float64       `yaml:"backoff_factor"` // seconds; delay = factor * 2^(attempt-1)
	Timeout         time.Duration `yaml:"timeout"`
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerWindow   time.Duration `yaml:"breaker_window"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
	MaxConcurrency  int           `yaml:"max_concurrency"` // per host
	StartDelay      time.Duration `yaml:"start_delay"`     // min gap between request starts per host
	MaxRetryAfter   time.Duration `yaml:"max_retry_after"`
	UserAgent       string        `yaml:"user_agent"`

	// HostHeaders are merged into every request to the matching hostname.
	HostHeaders map[string]map[string]string `yaml:"host_headers"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		BackoffFactor:   0.5,
		Timeout:         8 * time.Second,
		BreakerFailures: 5,
		BreakerWindow:   60 * time.Second,
		BreakerCooldown: 30 * time.Second,
		MaxConcurrency:  2,
		StartDelay:      200 * time.Millisecond,
		MaxRetryAfter:   30 * time.Second,
		UserAgent:       "Mozilla/5.0 (X11; Linux x86_64) callsbot/1.0",
	}
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// hostState holds per-hostname limits.
type hostState struct {
	breaker *Breaker
	sem     chan struct{}

	mu        sync.Mutex
	nextStart time.Time
}

// Client performs GET/POST calls with the retry and breaker contract.
type Client struct {
	config Config
	http   *http.Client
	sleep  func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	hosts map[string]*hostState

	requests  atomic.Int64
	retries   atomic.Int64
	failures  atomic.Int64
	rejected  atomic.Int64
	latencyUs atomic.Int64
}

// New creates a Client.
func New(config Config) *Client {
	def := DefaultConfig()
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.BackoffFactor < 0 {
		config.BackoffFactor = 0
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = def.MaxConcurrency
	}
	if config.MaxRetryAfter <= 0 {
		config.MaxRetryAfter = def.MaxRetryAfter
	}
	if config.UserAgent == "" {
		config.UserAgent = def.UserAgent
	}
	return &Client{
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
		sleep:  sleepCtx,
		hosts:  make(map[string]*hostState),
	}
}

func (c *Client) host(name string) *hostState {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.hosts[name]
	if !ok {
		h = &hostState{
			breaker: NewBreaker(c.config.BreakerFailures, c.config.BreakerWindow, c.config.BreakerCooldown),
			sem:     make(chan struct{}, c.config.MaxConcurrency),
		}
		c.hosts[name] = h
	}
	return h
}

// Breaker exposes the breaker for a hostname.
func (c *Client) Breaker(hostname string) *Breaker {
	return c.host(hostname).breaker
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, rawURL string, header http.Header) (*Response, error) {
	return c.Do(ctx, http.MethodGet, rawURL, header, nil)
}

// Do issues a request with retries. Non-retryable statuses (including 4xx
// other than 429) are returned as a Response with a nil error.
func (c *Client) Do(ctx context.Context, method, rawURL string, header http.Header, body []byte) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("httpclient: parse url: %w", err)
	}
	hostname := u.Hostname()
	h := c.host(hostname)

	ok, trial := h.breaker.admit()
	if !ok {
		c.rejected.Add(1)
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, hostname)
	}
	if trial {
		defer h.breaker.Abort()
	}

	select {
	case h.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-h.sem }()

	var lastErr error
	attempts := c.config.MaxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := c.waitStart(ctx, h); err != nil {
			return nil, err
		}

		resp, err := c.once(ctx, method, rawURL, hostname, header, body)
		c.requests.Add(1)
		if err == nil && !retryableStatus(resp.StatusCode) {
			h.breaker.Success()
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		delay := c.backoff(attempt)
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			if ra, ok := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
				delay = time.Duration(math.Min(float64(ra), float64(c.config.MaxRetryAfter)))
			}
		}

		if attempt == attempts {
			break
		}
		c.retries.Add(1)
		log.Debug().
			Str("host", hostname).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			AnErr("cause", lastErr).
			Msg("httpclient: retrying")
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	c.failures.Add(1)
	h.breaker.Failure()
	log.Warn().Str("host", hostname).Err(lastErr).Msg("httpclient: retries exhausted")
	return nil, fmt.Errorf("%w: %s: %v", ErrRetriesExhausted, hostname, lastErr)
}

func (c *Client) once(ctx context.Context, method, rawURL, hostname string, header http.Header, body []byte) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("httpclient: build request: %w", err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.config.HostHeaders[hostname] {
		req.Header.Set(k, v)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("httpclient: read body: %w", err)
	}
	c.latencyUs.Add(time.Since(start).Microseconds())
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// waitStart spaces request starts to the same host by at least StartDelay.
func (c *Client) waitStart(ctx context.Context, h *hostState) error {
	if c.config.StartDelay <= 0 {
		return nil
	}
	h.mu.Lock()
	now := time.Now()
	start := h.nextStart
	if start.Before(now) {
		start = now
	}
	h.nextStart = start.Add(c.config.StartDelay)
	h.mu.Unlock()

	if wait := time.Until(start); wait > 0 {
		return c.sleep(ctx, wait)
	}
	return nil
}

func (c *Client) backoff(attempt int) time.Duration {
	secs := c.config.BackoffFactor * math.Pow(2, float64(attempt-1))
	return time.Duration(secs * float64(time.Second))
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
		return time.Duration(secs * float64(time.Second)), true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats holds client counters.
type Stats struct {
	Requests     int64                   `json:"requests"`
	Retries      int64                   `json:"retries"`
	Failures     int64                   `json:"failures"`
	Rejected     int64                   `json:"rejected_open_circuit"`
	AvgLatencyMs float64                 `json:"avg_latency_ms"`
	Breakers     map[string]BreakerState `json:"breakers"`
}

func (c *Client) Stats() Stats {
	reqs := c.requests.Load()
	avg := 0.0
	if reqs > 0 {
		avg = float64(c.latencyUs.Load()) / float64(reqs) / 1000.0
	}
	c.mu.Lock()
	breakers := make(map[string]BreakerState, len(c.hosts))
	for name, h := range c.hosts {
		breakers[name] = h.breaker.State()
	}
	c.mu.Unlock()
	return Stats{
		Requests:     reqs,
		Retries:      c.retries.Load(),
		Failures:     c.failures.Load(),
		Rejected:     c.rejected.Load(),
		AvgLatencyMs: avg,
		Breakers:     breakers,
	}
}
