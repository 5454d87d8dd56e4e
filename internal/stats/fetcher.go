package stats

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spbarathg/callsbotonchain-sub001/internal/httpclient"
)

// Provider answers detail-stats lookups for one upstream.
type Provider interface {
	Name() string
	FetchStats(ctx context.Context, token string) (*TokenStats, error)
}

// HTTPProvider calls GET {base}/token/{address} through the shared client.
type HTTPProvider struct {
	name    string
	baseURL string
	header  http.Header
	client  *httpclient.Client
}

// NewHTTPProvider creates a provider. Origin, referer and accept-language are
// derived from the base URL so the provider sees browser-like requests.
func NewHTTPProvider(name, baseURL, apiKey string, client *httpclient.Client) *HTTPProvider {
	baseURL = strings.TrimRight(baseURL, "/")
	h := http.Header{}
	if u, err := url.Parse(baseURL); err == nil && u.Host != "" {
		origin := u.Scheme + "://" + u.Host
		h.Set("Origin", origin)
		h.Set("Referer", origin+"/")
	}
	h.Set("Accept-Language", "en-US,en;q=0.9")
	if apiKey != "" {
		h.Set("X-API-KEY", apiKey)
	}
	return &HTTPProvider{name: name, baseURL: baseURL, header: h, client: client}
}

func (p *HTTPProvider) Name() string { return p.name }

func (p *HTTPProvider) FetchStats(ctx context.Context, token string) (*TokenStats, error) {
	resp, err := p.client.Get(ctx, p.baseURL+"/token/"+url.PathEscape(token), p.header)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: %s status %d", ErrRejected, p.name, resp.StatusCode)
	}
	return Validate(resp.Body, p.name)
}

// ---------------------------------------------------------------------------
// Fetcher: primary then secondary, with a short-lived stats cache and budget
// ---------------------------------------------------------------------------

// FetchOptions tunes one lookup.
type FetchOptions struct {
	// BypassCache skips the stats cache (the tracker needs live prices).
	BypassCache bool
	// Essential calls proceed even when the daily budget is spent.
	Essential bool
}

type cachedStats struct {
	stats   *TokenStats
	expires time.Time
}

// Fetcher resolves TokenStats for a token.
type Fetcher struct {
	providers []Provider
	budget    Budget
	cacheTTL  time.Duration
	now       func() time.Time

	mu    sync.Mutex
	cache map[string]cachedStats

	lookups     atomic.Int64
	cacheHits   atomic.Int64
	notFound    atomic.Int64
	budgetDeny  atomic.Int64
	failures    atomic.Int64
	secondaryOK atomic.Int64
}

// NewFetcher creates a Fetcher. secondary may be nil; budget may be nil for
// an unlimited budget.
func NewFetcher(primary, secondary Provider, budget Budget, cacheTTL time.Duration) *Fetcher {
	providers := []Provider{primary}
	if secondary != nil {
		providers = append(providers, secondary)
	}
	return &Fetcher{
		providers: providers,
		budget:    budget,
		cacheTTL:  cacheTTL,
		now:       time.Now,
		cache:     make(map[string]cachedStats),
	}
}

// Fetch returns stats for token. The returned error wraps one of
// ErrNotFound, ErrBudgetExhausted, ErrSchemaInvalid, ErrProviderExhausted
// (plus the underlying provider errors).
func (f *Fetcher) Fetch(ctx context.Context, token string, opts FetchOptions) (*TokenStats, error) {
	f.lookups.Add(1)

	if !opts.BypassCache && f.cacheTTL > 0 {
		if s, ok := f.cached(token); ok {
			f.cacheHits.Add(1)
			return s, nil
		}
	}

	if f.budget != nil && !f.budget.Allow(ctx, opts.Essential) {
		f.budgetDeny.Add(1)
		log.Warn().Str("token", token).Msg("stats: budget exhausted")
		return nil, ErrBudgetExhausted
	}

	var errs []error
	allNotFound := true
	for i, p := range f.providers {
		s, err := p.FetchStats(ctx, token)
		if err == nil {
			if i > 0 {
				f.secondaryOK.Add(1)
			}
			f.store(token, s)
			return s.Clone(), nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(err, ErrNotFound) {
			allNotFound = false
		}
		log.Debug().Str("token", token).Str("provider", p.Name()).Err(err).Msg("stats: provider failed")
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}

	if allNotFound {
		f.notFound.Add(1)
		return nil, ErrNotFound
	}
	f.failures.Add(1)
	return nil, fmt.Errorf("%w: %w", ErrProviderExhausted, errors.Join(errs...))
}

func (f *Fetcher) cached(token string) (*TokenStats, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cache[token]
	if !ok {
		return nil, false
	}
	if !f.now().Before(c.expires) {
		delete(f.cache, token)
		return nil, false
	}
	return c.stats.Clone(), true
}

func (f *Fetcher) store(token string, s *TokenStats) {
	if f.cacheTTL <= 0 {
		return
	}
	f.mu.Lock()
	f.cache[token] = cachedStats{stats: s.Clone(), expires: f.now().Add(f.cacheTTL)}
	f.mu.Unlock()
}

// CleanupCache drops expired cache entries and returns how many were removed.
func (f *Fetcher) CleanupCache() int {
	now := f.now()
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for k, c := range f.cache {
		if !now.Before(c.expires) {
			delete(f.cache, k)
			n++
		}
	}
	return n
}

// FetcherStats holds fetcher counters.
type FetcherStats struct {
	Lookups      int64 `json:"lookups"`
	CacheHits    int64 `json:"cache_hits"`
	CacheSize    int   `json:"cache_size"`
	NotFound     int64 `json:"not_found"`
	BudgetDenied int64 `json:"budget_denied"`
	Failures     int64 `json:"failures"`
	SecondaryOK  int64 `json:"secondary_ok"`
	BudgetUsed   int64 `json:"budget_used"`
}

func (f *Fetcher) Stats(ctx context.Context) FetcherStats {
	f.mu.Lock()
	size := len(f.cache)
	f.mu.Unlock()
	var used int64
	if f.budget != nil {
		used = f.budget.Used(ctx)
	}
	return FetcherStats{
		Lookups:      f.lookups.Load(),
		CacheHits:    f.cacheHits.Load(),
		CacheSize:    size,
		NotFound:     f.notFound.Load(),
		BudgetDenied: f.budgetDeny.Load(),
		Failures:     f.failures.Load(),
		SecondaryOK:  f.secondaryOK.Load(),
		BudgetUsed:   used,
	}
}
