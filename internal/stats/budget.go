package stats

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Budget is a daily call counter shared across processes.
type Budget interface {
	// Allow consumes one call. Essential calls are always allowed but still
	// counted. It reports false once the day's limit is spent.
	Allow(ctx context.Context, essential bool) bool
	// Used returns calls consumed today.
	Used(ctx context.Context) int64
}

// dayKey is the UTC calendar day used to bucket the counter.
func dayKey(now time.Time) string {
	return now.UTC().Format("20060102")
}

// MemoryBudget is a process-local Budget, used when Redis is unavailable.
type MemoryBudget struct {
	limit int64
	now   func() time.Time

	mu   sync.Mutex
	day  string
	used int64
}

func NewMemoryBudget(limit int64) *MemoryBudget {
	return &MemoryBudget{limit: limit, now: time.Now}
}

func (b *MemoryBudget) Allow(_ context.Context, essential bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d := dayKey(b.now()); d != b.day {
		b.day, b.used = d, 0
	}
	b.used++
	if b.limit <= 0 || essential {
		return true
	}
	return b.used <= b.limit
}

func (b *MemoryBudget) Used(_ context.Context) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if dayKey(b.now()) != b.day {
		return 0
	}
	return b.used
}

// RedisBudget counts calls with INCR on a per-day key so every process
// sharing the Redis instance draws from one budget. Redis errors fall back
// to a local counter so a Redis outage never blocks the pipeline.
type RedisBudget struct {
	client   redis.UniversalClient
	prefix   string
	limit    int64
	now      func() time.Time
	fallback *MemoryBudget
}

// NewRedisBudget creates a RedisBudget with keys "{prefix}:{yyyymmdd}".
func NewRedisBudget(client redis.UniversalClient, prefix string, limit int64) *RedisBudget {
	if prefix == "" {
		prefix = "budget:calls"
	}
	return &RedisBudget{
		client:   client,
		prefix:   prefix,
		limit:    limit,
		now:      time.Now,
		fallback: NewMemoryBudget(limit),
	}
}

func (b *RedisBudget) key() string { return b.prefix + ":" + dayKey(b.now()) }

func (b *RedisBudget) Allow(ctx context.Context, essential bool) bool {
	key := b.key()
	pipe := b.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 48*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Msg("stats: budget counter unavailable, using local fallback")
		return b.fallback.Allow(ctx, essential)
	}
	if b.limit <= 0 || essential {
		return true
	}
	return incr.Val() <= b.limit
}

func (b *RedisBudget) Used(ctx context.Context) int64 {
	n, err := b.client.Get(ctx, b.key()).Int64()
	if err != nil {
		return b.fallback.Used(ctx)
	}
	return n
}
