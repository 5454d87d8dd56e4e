// Package trading is the signal-following trading engine: risk tiers,
// conservative capital admission, the exit loop and momentum rebalancing,
// persisted in trading.db and summarised in a treasury file.
package trading

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/spbarathg/callsbotonchain-sub001/internal/bus"
	"github.com/spbarathg/callsbotonchain-sub001/internal/scanner"
	"github.com/spbarathg/callsbotonchain-sub001/internal/stats"
)

// ErrNoTier means the signal fits no risk tier.
var ErrNoTier = errors.New("trading: no tier")

// Tier is a position risk class.
type Tier string

const (
	TierMoonshot   Tier = "MOONSHOT"
	TierAggressive Tier = "AGGRESSIVE"
	TierCalculated Tier = "CALCULATED"
)

// Signal is an incoming alert as the engine sees it.
type Signal struct {
	Token        string
	Score        int
	Conviction   scanner.Conviction
	SmartMoney   bool
	PriceUSD     float64
	MarketCapUSD float64
	LiquidityUSD float64
	At           time.Time
}

// SignalFromEvent converts a bus event. Missing market fields become zero
// and fail classification.
func SignalFromEvent(e bus.AlertEvent) Signal {
	conv, _ := scanner.ParseConviction(e.ConvictionType)
	return Signal{
		Token:        e.CA,
		Score:        e.Score,
		Conviction:   conv,
		SmartMoney:   e.SmartMoneyDetected,
		PriceUSD:     stats.Val(e.Price),
		MarketCapUSD: stats.Val(e.MarketCap),
		LiquidityUSD: stats.Val(e.Liquidity),
		At:           e.Time(),
	}
}

// TierSpec is the sizing and exit plan for one tier.
type TierSpec struct {
	Tier           Tier    `yaml:"tier" json:"tier"`
	MinMarketCap   float64 `yaml:"min_market_cap" json:"min_market_cap"`
	MaxMarketCap   float64 `yaml:"max_market_cap" json:"max_market_cap"`
	MinScore       int     `yaml:"min_score" json:"min_score"`
	RequireHigh    bool    `yaml:"require_high" json:"require_high"`
	SizePct        float64 `yaml:"size_pct" json:"size_pct"`
	StopLossPct    float64 `yaml:"stop_loss_pct" json:"stop_loss_pct"`
	TrailPct       float64 `yaml:"trail_pct" json:"trail_pct"`
	TargetMultiple float64 `yaml:"target_multiple" json:"target_multiple"`
}

// TierConfig lists the tiers in priority order.
type TierConfig struct {
	Tiers []TierSpec
	// MinLiquidityUSD rejects every tier below this pool depth.
	MinLiquidityUSD float64
	// SmartMoneyScoreBonus lowers MinScore for smart-money signals.
	SmartMoneyScoreBonus int
}

func DefaultTierConfig() TierConfig {
	return TierConfig{
		Tiers: []TierSpec{
			{Tier: TierMoonshot, MaxMarketCap: 75_000, MinScore: 8, RequireHigh: true,
				SizePct: 15, StopLossPct: 70, TrailPct: 35, TargetMultiple: 5},
			{Tier: TierAggressive, MinMarketCap: 50_000, MaxMarketCap: 300_000, MinScore: 7,
				SizePct: 20, StopLossPct: 50, TrailPct: 25, TargetMultiple: 2},
			{Tier: TierCalculated, MinMarketCap: 300_000, MaxMarketCap: 2_000_000, MinScore: 6,
				SizePct: 10, StopLossPct: 40, TrailPct: 20, TargetMultiple: 2},
		},
		MinLiquidityUSD:      10_000,
		SmartMoneyScoreBonus: 1,
	}
}

// Classify returns the first tier the signal qualifies for.
func (c TierConfig) Classify(s Signal) (TierSpec, error) {
	if !finitePositive(s.PriceUSD) {
		return TierSpec{}, fmt.Errorf("%w: no price for %s", ErrNoTier, s.Token)
	}
	if !finitePositive(s.MarketCapUSD) {
		return TierSpec{}, fmt.Errorf("%w: no market cap for %s", ErrNoTier, s.Token)
	}
	if s.LiquidityUSD < c.MinLiquidityUSD {
		return TierSpec{}, fmt.Errorf("%w: liquidity %.0f below %.0f", ErrNoTier, s.LiquidityUSD, c.MinLiquidityUSD)
	}
	for _, t := range c.Tiers {
		minScore := t.MinScore
		if s.SmartMoney {
			minScore -= c.SmartMoneyScoreBonus
		}
		switch {
		case s.MarketCapUSD < t.MinMarketCap || s.MarketCapUSD > t.MaxMarketCap:
		case s.Score < minScore:
		case t.RequireHigh && !s.Conviction.IsHigh():
		default:
			return t, nil
		}
	}
	return TierSpec{}, fmt.Errorf("%w: mcap=%.0f score=%d conviction=%q",
		ErrNoTier, s.MarketCapUSD, s.Score, s.Conviction)
}

// Spec returns the configured spec for a tier.
func (c TierConfig) Spec(t Tier) (TierSpec, bool) {
	for _, s := range c.Tiers {
		if s.Tier == t {
			return s, true
		}
	}
	return TierSpec{}, false
}

func finitePositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
