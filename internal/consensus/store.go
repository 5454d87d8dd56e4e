package consensus

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix prefixes the per-token hash keys.
const DefaultKeyPrefix = "consensus:"

// RedisStore keeps one hash per token mapping group name to the unix time it
// was last observed. The whole key expires Window after the latest write.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	window time.Duration
	now    func() time.Time
}

// NewRedisStore creates a store. window defaults to one hour.
func NewRedisStore(client redis.UniversalClient, prefix string, window time.Duration) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if window <= 0 {
		window = time.Hour
	}
	return &RedisStore{client: client, prefix: prefix, window: window, now: time.Now}
}

func (s *RedisStore) key(token string) string { return s.prefix + token }

// Record notes that group called token at observedAt.
func (s *RedisStore) Record(ctx context.Context, token, group string, observedAt time.Time) error {
	key := s.key(token)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, group, observedAt.Unix())
	pipe.Expire(ctx, key, s.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("consensus: record %s: %w", token, err)
	}
	return nil
}

// SignalCount returns the number of distinct groups that called token within
// the window. Members older than the window are ignored even while the key
// is kept alive by newer writes.
func (s *RedisStore) SignalCount(ctx context.Context, token string) (int, error) {
	members, err := s.client.HGetAll(ctx, s.key(token)).Result()
	if err != nil {
		return 0, fmt.Errorf("consensus: count %s: %w", token, err)
	}
	cutoff := s.now().Add(-s.window).Unix()
	n := 0
	for _, v := range members {
		at, err := strconv.ParseInt(v, 10, 64)
		if err != nil || at < cutoff {
			continue
		}
		n++
	}
	return n, nil
}

// Groups returns the groups that called token within the window.
func (s *RedisStore) Groups(ctx context.Context, token string) ([]string, error) {
	members, err := s.client.HGetAll(ctx, s.key(token)).Result()
	if err != nil {
		return nil, fmt.Errorf("consensus: groups %s: %w", token, err)
	}
	cutoff := s.now().Add(-s.window).Unix()
	var out []string
	for g, v := range members {
		if at, err := strconv.ParseInt(v, 10, 64); err == nil && at >= cutoff {
			out = append(out, g)
		}
	}
	return out, nil
}
