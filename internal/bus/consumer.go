package bus

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/spbarathg/callsbotonchain-sub001/internal/cache"
)

// Handler processes one event. Errors are logged; the event is still
// marked seen.
type Handler func(ctx context.Context, e AlertEvent) error

// ConsumerConfig configures a ListConsumer.
type ConsumerConfig struct {
	Key          string
	Window       int64         // newest entries read per poll
	PollInterval time.Duration // default 2s
	SeenTTL      time.Duration // how long a CA stays deduplicated
	SkipBacklog  bool          // mark entries present at start as seen
}

// ConsumerStats holds consumer counters.
type ConsumerStats struct {
	Polls     int64 `json:"polls"`
	Delivered int64 `json:"delivered"`
	Dupes     int64 `json:"dupes"`
	Malformed int64 `json:"malformed"`
	Failed    int64 `json:"failed"`
}

// ListConsumer tails the capped alert list. The list is newest-first, so
// each poll reads the newest Window entries and delivers the unseen ones
// oldest-first.
type ListConsumer struct {
	client redis.UniversalClient
	config ConsumerConfig
	seen   *cache.TTLCache

	polls     atomic.Int64
	delivered atomic.Int64
	dupes     atomic.Int64
	malformed atomic.Int64
	failed    atomic.Int64
}

func NewListConsumer(client redis.UniversalClient, config ConsumerConfig) *ListConsumer {
	if config.Key == "" {
		config.Key = DefaultKey
	}
	if config.Window <= 0 {
		config.Window = DefaultCap
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 2 * time.Second
	}
	if config.SeenTTL <= 0 {
		config.SeenTTL = 24 * time.Hour
	}
	return &ListConsumer{
		client: client,
		config: config,
		seen:   cache.New(cache.Config{TTL: config.SeenTTL, MaxSize: int(config.Window) * 4}),
	}
}

// Consume polls until ctx is cancelled.
func (c *ListConsumer) Consume(ctx context.Context, handler Handler) error {
	log.Info().Str("key", c.config.Key).Dur("interval", c.config.PollInterval).Msg("bus: consumer started")

	if c.config.SkipBacklog {
		n, err := c.SkipBacklog(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("bus: skip backlog failed")
		} else {
			log.Info().Int("skipped", n).Msg("bus: backlog skipped")
		}
	}

	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := c.Poll(ctx, handler); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Msg("bus: poll failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll reads the list once and returns the number of delivered events.
func (c *ListConsumer) Poll(ctx context.Context, handler Handler) (int, error) {
	c.polls.Add(1)
	entries, err := c.client.LRange(ctx, c.config.Key, 0, c.config.Window-1).Result()
	if err != nil {
		return 0, fmt.Errorf("bus: lrange %s: %w", c.config.Key, err)
	}

	delivered := 0
	for i := len(entries) - 1; i >= 0; i-- {
		e, err := DecodeEvent([]byte(entries[i]))
		if err != nil {
			c.malformed.Add(1)
			continue
		}
		if c.seen.Contains(e.CA) {
			c.dupes.Add(1)
			continue
		}
		c.seen.Add(e.CA)
		if err := handler(ctx, e); err != nil {
			c.failed.Add(1)
			log.Warn().Err(err).Str("token", e.CA).Msg("bus: handler failed")
			continue
		}
		c.delivered.Add(1)
		delivered++
	}
	return delivered, nil
}

// SkipBacklog marks every entry currently in the list as seen.
func (c *ListConsumer) SkipBacklog(ctx context.Context) (int, error) {
	entries, err := c.client.LRange(ctx, c.config.Key, 0, c.config.Window-1).Result()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, raw := range entries {
		if e, err := DecodeEvent([]byte(raw)); err == nil && !c.seen.Contains(e.CA) {
			c.seen.Add(e.CA)
			n++
		}
	}
	return n, nil
}

func (c *ListConsumer) Stats() ConsumerStats {
	return ConsumerStats{
		Polls:     c.polls.Load(),
		Delivered: c.delivered.Load(),
		Dupes:     c.dupes.Load(),
		Malformed: c.malformed.Load(),
		Failed:    c.failed.Load(),
	}
}
