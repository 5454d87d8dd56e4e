package maintenance

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spbarathg/callsbotonchain-sub001/internal/store"
)

// Job names.
const (
	JobRetention     = "retention"
	JobAlertCache    = "alert_cache"
	JobPriceCache    = "price_cache"
	JobTreasuryFlush = "treasury_flush"
)

// Cleaner deletes rows past their retention windows. *store.Store satisfies it.
type Cleaner interface {
	Cleanup(ctx context.Context, r store.Retention) (store.RetentionResult, error)
}

// Expirer drops expired entries. *cache.TTLCache satisfies it.
type Expirer interface {
	CleanupExpired() int
}

// Purger drops stale cached quotes. *price.Client satisfies it.
type Purger interface {
	Purge() int
}

// Flusher writes the treasury file. *trading.Engine satisfies it.
type Flusher interface {
	FlushTreasury(ctx context.Context) error
}

// RetentionJob trims activity and snapshot rows.
func RetentionJob(c Cleaner, r store.Retention) JobFunc {
	return func(ctx context.Context) error {
		res, err := c.Cleanup(ctx, r)
		if err != nil {
			return err
		}
		if res.Activity > 0 || res.Snapshots > 0 {
			log.Info().
				Int64("activity", res.Activity).
				Int64("snapshots", res.Snapshots).
				Msg("maintenance: retention cleanup")
		}
		return nil
	}
}

// ExpireJob evicts expired cache entries.
func ExpireJob(name string, e Expirer) JobFunc {
	return func(context.Context) error {
		if n := e.CleanupExpired(); n > 0 {
			log.Debug().Str("cache", name).Int("evicted", n).Msg("maintenance: cache cleanup")
		}
		return nil
	}
}

// PurgeJob drops stale price quotes.
func PurgeJob(p Purger) JobFunc {
	return func(context.Context) error {
		if n := p.Purge(); n > 0 {
			log.Debug().Int("purged", n).Msg("maintenance: price cache purge")
		}
		return nil
	}
}

// FlushJob writes the treasury file.
func FlushJob(f Flusher) JobFunc {
	return func(ctx context.Context) error { return f.FlushTreasury(ctx) }
}

// Plan lists the optional collaborators of the standard job set; nil ones
// are not scheduled.
type Plan struct {
	Signals    Cleaner
	Retention  store.Retention
	AlertCache Expirer
	Prices     Purger
	Treasury   Flusher
}

// Standard registers the default schedule for every collaborator in p.
func (s *Scheduler) Standard(p Plan) error {
	type entry struct {
		name    string
		spec    string
		timeout time.Duration
		fn      JobFunc
	}
	var entries []entry
	if p.Signals != nil && (p.Retention.Activity > 0 || p.Retention.Snapshots > 0) {
		entries = append(entries, entry{JobRetention, "0 */10 * * * *", time.Minute, RetentionJob(p.Signals, p.Retention)})
	}
	if p.AlertCache != nil {
		entries = append(entries, entry{JobAlertCache, "@every 1m", 0, ExpireJob("alerts", p.AlertCache)})
	}
	if p.Prices != nil {
		entries = append(entries, entry{JobPriceCache, "@every 30s", 0, PurgeJob(p.Prices)})
	}
	if p.Treasury != nil {
		entries = append(entries, entry{JobTreasuryFlush, "@every 1m", 10 * time.Second, FlushJob(p.Treasury)})
	}
	for _, e := range entries {
		if err := s.Add(e.name, e.spec, e.timeout, e.fn); err != nil {
			return err
		}
	}
	return nil
}
