// Package price looks up a token's current price and liquidity from the
// DexScreener pairs endpoint, with a short per-address cache.
package price

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spbarathg/callsbotonchain-sub001/internal/httpclient"
)

var (
	// ErrNoPairs means the provider returned no pairs for the token.
	ErrNoPairs = errors.New("price: no pairs")
	// ErrInvalidPrice means the first pair had no usable price.
	ErrInvalidPrice = errors.New("price: invalid price")
)

// Quote is the current observable state of one token.
type Quote struct {
	Token        string
	PriceUSD     float64
	LiquidityUSD *float64
	Volume24hUSD *float64
	MarketCapUSD *float64
	Change5m     *float64
	Change1h     *float64
	Change24h    *float64
	DEX          string
	PairAddress  string
	At           time.Time
}

// Source returns a current quote for a token.
type Source interface {
	Quote(ctx context.Context, token string) (*Quote, error)
}

// Config configures the DexScreener client.
type Config struct {
	BaseURL  string
	CacheTTL time.Duration
}

func DefaultConfig() Config {
	return Config{BaseURL: "https://api.dexscreener.com", CacheTTL: 3 * time.Second}
}

type cached struct {
	quote *Quote
	at    time.Time
}

// Client queries GET {base}/latest/dex/tokens/{address} and uses the first
// pair, which the provider orders by liquidity.
type Client struct {
	config Config
	http   *httpclient.Client
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cached

	calls  atomic.Int64
	hits   atomic.Int64
	errors atomic.Int64
}

func NewClient(config Config, client *httpclient.Client) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &Client{config: config, http: client, now: time.Now, cache: make(map[string]cached)}
}

type pairsResponse struct {
	Pairs []pair `json:"pairs"`
}

type pair struct {
	DexID       string `json:"dexId"`
	PairAddress string `json:"pairAddress"`
	PriceUSD    string `json:"priceUsd"`
	Liquidity   *struct {
		USD *float64 `json:"usd"`
	} `json:"liquidity"`
	Volume *struct {
		H24 *float64 `json:"h24"`
	} `json:"volume"`
	PriceChange *struct {
		M5  *float64 `json:"m5"`
		H1  *float64 `json:"h1"`
		H24 *float64 `json:"h24"`
	} `json:"priceChange"`
	MarketCap *float64 `json:"marketCap"`
	FDV       *float64 `json:"fdv"`
}

// Quote returns the cached quote if it is fresher than CacheTTL, otherwise
// asks the provider.
func (c *Client) Quote(ctx context.Context, token string) (*Quote, error) {
	now := c.now()
	c.mu.Lock()
	if e, ok := c.cache[token]; ok && now.Sub(e.at) < c.config.CacheTTL {
		c.mu.Unlock()
		c.hits.Add(1)
		q := *e.quote
		return &q, nil
	}
	c.mu.Unlock()

	c.calls.Add(1)
	q, err := c.fetch(ctx, token)
	if err != nil {
		c.errors.Add(1)
		return nil, err
	}
	q.At = now

	c.mu.Lock()
	c.cache[token] = cached{quote: q, at: now}
	c.mu.Unlock()
	out := *q
	return &out, nil
}

func (c *Client) fetch(ctx context.Context, token string) (*Quote, error) {
	resp, err := c.http.Get(ctx, c.config.BaseURL+"/latest/dex/tokens/"+url.PathEscape(token), nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("price: %s: status %d", token, resp.StatusCode)
	}
	var body pairsResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, fmt.Errorf("price: decode: %w", err)
	}
	if len(body.Pairs) == 0 {
		return nil, ErrNoPairs
	}
	p := body.Pairs[0]
	v, err := strconv.ParseFloat(p.PriceUSD, 64)
	if err != nil || !finite(v) || v <= 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPrice, p.PriceUSD)
	}

	q := &Quote{Token: token, PriceUSD: v, DEX: p.DexID, PairAddress: p.PairAddress}
	if p.Liquidity != nil {
		q.LiquidityUSD = finitePtr(p.Liquidity.USD)
	}
	if p.Volume != nil {
		q.Volume24hUSD = finitePtr(p.Volume.H24)
	}
	if p.PriceChange != nil {
		q.Change5m = finitePtr(p.PriceChange.M5)
		q.Change1h = finitePtr(p.PriceChange.H1)
		q.Change24h = finitePtr(p.PriceChange.H24)
	}
	q.MarketCapUSD = finitePtr(p.MarketCap)
	if q.MarketCapUSD == nil {
		q.MarketCapUSD = finitePtr(p.FDV)
	}
	return q, nil
}

// Purge drops cache entries older than the TTL.
func (c *Client) Purge() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.cache {
		if now.Sub(e.at) >= c.config.CacheTTL {
			delete(c.cache, k)
			n++
		}
	}
	return n
}

// Stats holds client counters.
type Stats struct {
	Calls     int64 `json:"calls"`
	CacheHits int64 `json:"cache_hits"`
	Errors    int64 `json:"errors"`
}

func (c *Client) Stats() Stats {
	return Stats{Calls: c.calls.Load(), CacheHits: c.hits.Load(), Errors: c.errors.Load()}
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func finitePtr(p *float64) *float64 {
	if p == nil || !finite(*p) {
		return nil
	}
	v := *p
	return &v
}
