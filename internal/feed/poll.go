package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Batcher fetches one batch of feed items for a cycle.
type Batcher interface {
	FetchBatch(ctx context.Context, cycle Cycle) ([]Transaction, error)
}

// PollConfig configures the HTTP batch reader.
type PollConfig struct {
	URL         string        `yaml:"url"`
	APIKey      string        `yaml:"api_key"`
	Chain       string        `yaml:"chain"`
	Limit       int           `yaml:"limit"`
	MinUSDValue float64       `yaml:"min_usd_value"`
	Timeout     time.Duration `yaml:"timeout"`
}

// HTTPBatcher pulls batches from a polling endpoint:
// GET {url}?chain=..&cycle=smart|general&limit=..&min_usd_value=..
type HTTPBatcher struct {
	config PollConfig
	client *http.Client

	requests  atomic.Int64
	failures  atomic.Int64
	malformed atomic.Int64
}

// NewHTTPBatcher creates an HTTPBatcher.
func NewHTTPBatcher(config PollConfig) *HTTPBatcher {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Limit <= 0 {
		config.Limit = 50
	}
	if config.Chain == "" {
		config.Chain = "solana"
	}
	return &HTTPBatcher{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

// FetchBatch implements Batcher.
func (b *HTTPBatcher) FetchBatch(ctx context.Context, cycle Cycle) ([]Transaction, error) {
	b.requests.Add(1)

	q := url.Values{}
	q.Set("chain", b.config.Chain)
	q.Set("cycle", string(cycle))
	q.Set("limit", strconv.Itoa(b.config.Limit))
	if b.config.MinUSDValue > 0 {
		q.Set("min_usd_value", strconv.FormatFloat(b.config.MinUSDValue, 'f', -1, 64))
	}
	sep := "?"
	if strings.Contains(b.config.URL, "?") {
		sep = "&"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.config.URL+sep+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("feed: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if b.config.APIKey != "" {
		req.Header.Set("X-API-KEY", b.config.APIKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		b.failures.Add(1)
		return nil, fmt.Errorf("feed: poll: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		b.failures.Add(1)
		return nil, fmt.Errorf("feed: read poll body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		b.failures.Add(1)
		return nil, fmt.Errorf("feed: poll status %d", resp.StatusCode)
	}

	txs, err := ParseFrame(body)
	if err != nil {
		b.malformed.Add(1)
		return nil, err
	}
	return txs, nil
}

// ---------------------------------------------------------------------------
// Cycle Reader: alternates smart-money and general batches round-robin
// ---------------------------------------------------------------------------

// CycleReader polls a Batcher, alternating between the smart and general
// cycles. Every item read in the smart cycle is flagged as smart money.
type CycleReader struct {
	batcher  Batcher
	interval time.Duration
	maxDelay time.Duration

	cycles     atomic.Int64
	items      atomic.Int64
	smartItems atomic.Int64
	fetchErrs  atomic.Int64
	malformed  atomic.Int64
}

// NewCycleReader creates a CycleReader polling every interval.
func NewCycleReader(batcher Batcher, interval time.Duration) *CycleReader {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &CycleReader{batcher: batcher, interval: interval, maxDelay: 30 * time.Second}
}

// Start runs the polling loop. The channel closes when ctx is cancelled.
func (r *CycleReader) Start(ctx context.Context) <-chan Transaction {
	out := make(chan Transaction, 256)
	go r.run(ctx, out)
	return out
}

func (r *CycleReader) run(ctx context.Context, out chan<- Transaction) {
	defer close(out)

	order := []Cycle{CycleSmart, CycleGeneral}
	failures := 0
	for i := 0; ; i++ {
		if ctx.Err() != nil {
			return
		}
		cycle := order[i%len(order)]
		r.cycles.Add(1)

		wait := r.interval
		txs, err := r.batcher.FetchBatch(ctx, cycle)
		if err != nil {
			failures++
			if errors.Is(err, ErrMalformed) {
				r.malformed.Add(1)
			} else {
				r.fetchErrs.Add(1)
			}
			wait = Backoff(r.interval, r.maxDelay, failures)
			log.Warn().Err(err).Str("cycle", string(cycle)).Dur("retry_in", wait).Msg("feed: batch failed")
		} else {
			failures = 0
		}

		for _, tx := range txs {
			tx.Cycle = cycle
			if tx.Source == "" {
				tx.Source = "poll"
			}
			if cycle == CycleSmart {
				tx.SmartMoney = true
				if tx.SmartWallet == "" {
					tx.SmartWallet = tx.Trader
				}
				r.smartItems.Add(1)
			}
			select {
			case out <- tx:
				r.items.Add(1)
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

// CycleStats returns reader statistics.
type CycleStats struct {
	Cycles     int64 `json:"cycles"`
	Items      int64 `json:"items"`
	SmartItems int64 `json:"smart_items"`
	Errors     int64 `json:"errors"`
	Malformed  int64 `json:"malformed"`
}

func (r *CycleReader) Stats() CycleStats {
	return CycleStats{
		Cycles:     r.cycles.Load(),
		Items:      r.items.Load(),
		SmartItems: r.smartItems.Load(),
		Errors:     r.fetchErrs.Load(),
		Malformed:  r.malformed.Load(),
	}
}
