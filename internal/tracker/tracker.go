// Package tracker follows alerted tokens after the alert: it snapshots the
// current price, maintains peak and gain figures and flags rugs.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spbarathg/callsbotonchain-sub001/internal/cadence"
	"github.com/spbarathg/callsbotonchain-sub001/internal/observability"
	"github.com/spbarathg/callsbotonchain-sub001/internal/price"
	"github.com/spbarathg/callsbotonchain-sub001/internal/store"
)

// Store is the subset of the signals store the tracker writes to.
type Store interface {
	TrackedTokens(ctx context.Context, since time.Time) ([]*store.Performance, error)
	UpdatePerformance(ctx context.Context, p *store.Performance) error
	AppendSnapshot(ctx context.Context, snap store.Snapshot) error
	PriceAt(ctx context.Context, token string, at time.Time) (float64, bool, error)
}

// Config configures the tracker loop.
type Config struct {
	Interval    time.Duration
	Window      time.Duration // only tokens first alerted within Window are tracked
	RugLiqMin   float64
	RugPeakFrac float64
	Adaptive    bool
	Cadence     cadence.Config
}

func DefaultConfig() Config {
	return Config{
		Interval:    30 * time.Second,
		Window:      24 * time.Hour,
		RugLiqMin:   1000,
		RugPeakFrac: 0.2,
		Adaptive:    true,
		Cadence:     cadence.DefaultConfig(),
	}
}

// Tracker is the single writer of snapshots and performance rows.
type Tracker struct {
	config   Config
	store    Store
	prices   price.Source
	schedule *cadence.Schedule
	metrics  *observability.Registry
	now      func() time.Time

	passes    atomic.Int64
	updated   atomic.Int64
	skipped   atomic.Int64
	errors    atomic.Int64
	rugs      atomic.Int64
	snapshots atomic.Int64
}

// New creates a tracker. metrics may be nil.
func New(config Config, st Store, prices price.Source, metrics *observability.Registry) *Tracker {
	return &Tracker{
		config:   config,
		store:    st,
		prices:   prices,
		schedule: cadence.NewSchedule(config.Cadence),
		metrics:  metrics,
		now:      time.Now,
	}
}

// SetClock replaces the time source, including the cadence schedule's.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
	t.schedule.SetClock(now)
}

// Run polls every Interval until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	log.Info().
		Dur("interval", t.config.Interval).
		Dur("window", t.config.Window).
		Bool("adaptive", t.config.Adaptive).
		Msg("tracker: started")

	ticker := time.NewTicker(t.config.Interval)
	defer ticker.Stop()
	for {
		if _, err := t.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("tracker: pass failed")
		}
		select {
		case <-ctx.Done():
			log.Info().Msg("tracker: stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PassResult summarises one tracking pass.
type PassResult struct {
	Tracked int
	Updated int
	Skipped int
	Rugs    int
}

// RunOnce performs one pass over every tracked token. Per-token failures are
// logged and do not stop the pass.
func (t *Tracker) RunOnce(ctx context.Context) (PassResult, error) {
	var res PassResult
	now := t.now()
	perfs, err := t.store.TrackedTokens(ctx, now.Add(-t.config.Window))
	if err != nil {
		return res, fmt.Errorf("tracker: list: %w", err)
	}
	t.passes.Add(1)
	res.Tracked = len(perfs)

	for _, p := range perfs {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if t.config.Adaptive && !t.schedule.Due(p.Token) {
			res.Skipped++
			t.skipped.Add(1)
			continue
		}
		rug, err := t.track(ctx, p)
		if err != nil {
			t.errors.Add(1)
			log.Warn().Err(err).Str("token", p.Token).Msg("tracker: update failed")
			continue
		}
		res.Updated++
		if rug {
			res.Rugs++
			t.schedule.Forget(p.Token)
		} else if t.config.Adaptive {
			t.schedule.Done(p.Token, p.FirstAlertAt, p.MaxGainPct)
		}
	}
	return res, nil
}

// track fetches a fresh quote, records the snapshot and updates p. It
// reports whether this update newly flagged the token as a rug.
func (t *Tracker) track(ctx context.Context, p *store.Performance) (bool, error) {
	q, err := t.prices.Quote(ctx, p.Token)
	if err != nil {
		return false, err
	}
	now := t.now()

	snap := store.Snapshot{
		Token:        p.Token,
		At:           now,
		PriceUSD:     q.PriceUSD,
		MarketCapUSD: q.MarketCapUSD,
		LiquidityUSD: q.LiquidityUSD,
		Volume24hUSD: q.Volume24hUSD,
		Change1h:     q.Change1h,
		Change24h:    q.Change24h,
	}
	if err := t.store.AppendSnapshot(ctx, snap); err != nil {
		return false, err
	}
	t.snapshots.Add(1)
	t.inc(observability.TrackerSnapshots)

	wasRug := p.IsRug
	Apply(p, Observation{
		At:           now,
		PriceUSD:     q.PriceUSD,
		MarketCapUSD: q.MarketCapUSD,
		LiquidityUSD: q.LiquidityUSD,
		Volume24hUSD: q.Volume24hUSD,
	}, t.config.RugPeakFrac, t.config.RugLiqMin)

	p.PriceChange1h = t.windowReturn(ctx, p.Token, now.Add(-time.Hour), q.PriceUSD)
	p.PriceChange6h = t.windowReturn(ctx, p.Token, now.Add(-6*time.Hour), q.PriceUSD)
	p.PriceChange24h = t.windowReturn(ctx, p.Token, now.Add(-24*time.Hour), q.PriceUSD)

	if err := t.store.UpdatePerformance(ctx, p); err != nil {
		return false, err
	}
	t.updated.Add(1)

	newRug := p.IsRug && !wasRug
	if newRug {
		t.rugs.Add(1)
		t.inc(observability.RugsDetected)
		log.Warn().
			Str("token", p.Token).
			Float64("price", p.LastPriceUSD).
			Float64("peak", p.PeakPriceUSD).
			Float64("liquidity", p.LastLiquidity).
			Msg("tracker: rug detected")
	}
	return newRug, nil
}

// windowReturn is the percent change from the snapshot at or before since
// to current, or nil when the history does not reach back that far.
func (t *Tracker) windowReturn(ctx context.Context, token string, since time.Time, current float64) *float64 {
	then, ok, err := t.store.PriceAt(ctx, token, since)
	if err != nil {
		log.Debug().Err(err).Str("token", token).Msg("tracker: window lookup failed")
		return nil
	}
	if !ok || then <= 0 {
		return nil
	}
	v := (current/then - 1) * 100
	return &v
}

func (t *Tracker) inc(name string) {
	if t.metrics != nil {
		t.metrics.Inc(name)
	}
}

// -----------------------------------------------------------------------
// Performance math
// -----------------------------------------------------------------------

// Observation is one polled state of a token.
type Observation struct {
	At           time.Time
	PriceUSD     float64
	MarketCapUSD *float64
	LiquidityUSD *float64
	Volume24hUSD *float64
}

// ErrNoEntryPrice is reported by Gain when the entry price is unknown.
var ErrNoEntryPrice = errors.New("tracker: no entry price")

// Apply folds an observation into p. Peaks only grow, the rug flag only
// turns on, and the gain is always derived from peak and entry price. An
// alert stored without a price takes its entry price from the first positive
// observation.
func Apply(p *store.Performance, o Observation, rugPeakFrac, rugLiqMin float64) {
	if p.FirstPriceUSD <= 0 && o.PriceUSD > 0 {
		p.FirstPriceUSD = o.PriceUSD
	}
	p.LastPriceUSD = o.PriceUSD
	p.LastMarketCap = orKeep(o.MarketCapUSD, p.LastMarketCap)
	p.LastLiquidity = orKeep(o.LiquidityUSD, p.LastLiquidity)
	p.LastVolume24h = orKeep(o.Volume24hUSD, p.LastVolume24h)

	p.PeakPriceUSD = math.Max(p.PeakPriceUSD, p.LastPriceUSD)
	p.PeakMarketCap = math.Max(p.PeakMarketCap, p.LastMarketCap)
	p.PeakLiquidity = math.Max(p.PeakLiquidity, p.LastLiquidity)
	p.PeakVolume24h = math.Max(p.PeakVolume24h, p.LastVolume24h)

	if gain, err := Gain(p.FirstPriceUSD, p.PeakPriceUSD); err == nil {
		p.MaxGainPct = gain
	}
	if p.FirstPriceUSD > 0 {
		p.MaxDrawdownPct = math.Min(p.MaxDrawdownPct, (p.LastPriceUSD/p.FirstPriceUSD-1)*100)
	}

	if !p.IsRug && IsRug(p.LastPriceUSD, p.PeakPriceUSD, o.LiquidityUSD, rugPeakFrac, rugLiqMin) {
		p.IsRug = true
		p.RugDetectedAt = o.At
	}
	p.LastCheckedAt = o.At
	p.SnapshotCount++
}

// Gain returns (peak/first - 1) * 100.
func Gain(first, peak float64) (float64, error) {
	if first <= 0 {
		return 0, ErrNoEntryPrice
	}
	return (peak/first - 1) * 100, nil
}

// IsRug reports a collapse from peak or a liquidity pull. Unknown liquidity
// never counts as a pull.
func IsRug(last, peak float64, liquidity *float64, peakFrac, liqMin float64) bool {
	if peak > 0 && last < peakFrac*peak {
		return true
	}
	return liquidity != nil && *liquidity < liqMin
}

func orKeep(p *float64, old float64) float64 {
	if p == nil {
		return old
	}
	return *p
}

// -----------------------------------------------------------------------
// Stats
// -----------------------------------------------------------------------

// Stats holds tracker counters.
type Stats struct {
	Passes    int64 `json:"passes"`
	Updated   int64 `json:"updated"`
	Skipped   int64 `json:"skipped"`
	Errors    int64 `json:"errors"`
	Rugs      int64 `json:"rugs"`
	Snapshots int64 `json:"snapshots"`
	Scheduled int   `json:"scheduled"`
}

func (t *Tracker) Stats() Stats {
	return Stats{
		Passes:    t.passes.Load(),
		Updated:   t.updated.Load(),
		Skipped:   t.skipped.Load(),
		Errors:    t.errors.Load(),
		Rugs:      t.rugs.Load(),
		Snapshots: t.snapshots.Load(),
		Scheduled: t.schedule.Len(),
	}
}
