package trading

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/spbarathg/callsbotonchain-sub001/internal/scanner"
)

// ---------------------------------------------------------------------------
// Momentum ranker
// ---------------------------------------------------------------------------

// MomentumWeights weight the four 0-100 components of a momentum score.
type MomentumWeights struct {
	PnL       float64 `yaml:"pnl"`
	Velocity  float64 `yaml:"velocity"`
	Quality   float64 `yaml:"quality"`
	TimeDecay float64 `yaml:"time_decay"`
}

// RankerConfig configures the ranker.
type RankerConfig struct {
	Weights MomentumWeights
	// MinAdvantage is the momentum lead a new signal needs over the weakest
	// open position before a rebalance is proposed.
	MinAdvantage float64
	// DecayHours is the holding time at which the time component reaches 0.
	DecayHours float64
}

func DefaultRankerConfig() RankerConfig {
	return RankerConfig{
		Weights:      MomentumWeights{PnL: 0.35, Velocity: 0.25, Quality: 0.25, TimeDecay: 0.15},
		MinAdvantage: 15,
		DecayHours:   48,
	}
}

// Momentum is one scored position.
type Momentum struct {
	PositionID string  `json:"position_id"`
	Token      string  `json:"token"`
	Score      float64 `json:"score"`
	PnLPct     float64 `json:"pnl_pct"`
	Velocity   float64 `json:"velocity_pct_per_hour"`
	Quality    float64 `json:"quality"`
	TimeLeft   float64 `json:"time_component"`
}

// Ranker scores open positions and proposes rebalances.
type Ranker struct {
	config RankerConfig
}

func NewRanker(config RankerConfig) *Ranker {
	if config.DecayHours <= 0 {
		config.DecayHours = 48
	}
	return &Ranker{config: config}
}

// SignalQuality maps an alert score and conviction to 0-100.
func SignalQuality(score int, conviction scanner.Conviction, smartMoney bool) float64 {
	q := float64(score) * 10
	if conviction.IsHigh() {
		q += 10
	}
	if smartMoney {
		q += 5
	}
	return clamp(q, 0, 100)
}

// Score rates one position at the current price.
func (r *Ranker) Score(p *Position, current decimal.Decimal, now time.Time) Momentum {
	pnl := p.PnLPct(current)
	hours := math.Max(now.Sub(p.EntryTime).Hours(), 1.0/60)
	velocity := pnl / hours
	conv, _ := scanner.ParseConviction(p.ConvictionType)

	m := Momentum{
		PositionID: p.ID,
		Token:      p.Token,
		PnLPct:     pnl,
		Velocity:   velocity,
		Quality:    SignalQuality(p.Score, conv, p.SmartMoney),
		TimeLeft:   clamp(100*(1-hours/r.config.DecayHours), 0, 100),
	}
	m.Score = r.combine(clamp(50+pnl/2, 0, 100), clamp(50+velocity, 0, 100), m.Quality, m.TimeLeft)
	return m
}

// ScoreSignal rates a new signal as a fresh position: neutral PnL and
// velocity, full time component.
func (r *Ranker) ScoreSignal(s Signal) float64 {
	return r.combine(50, 50, SignalQuality(s.Score, s.Conviction, s.SmartMoney), 100)
}

func (r *Ranker) combine(pnl, velocity, quality, timeLeft float64) float64 {
	w := r.config.Weights
	total := w.PnL + w.Velocity + w.Quality + w.TimeDecay
	if total <= 0 {
		return 0
	}
	return (w.PnL*pnl + w.Velocity*velocity + w.Quality*quality + w.TimeDecay*timeLeft) / total
}

// Rank scores every position, weakest first.
func (r *Ranker) Rank(positions []Position, prices map[string]decimal.Decimal, now time.Time) []Momentum {
	out := make([]Momentum, 0, len(positions))
	for i := range positions {
		p := &positions[i]
		price, ok := prices[p.Token]
		if !ok {
			price = p.EntryPrice
		}
		out = append(out, r.Score(p, price, now))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score < out[j].Score })
	return out
}

// Rebalance is a proposal to swap the weakest position for a new signal.
type Rebalance struct {
	Replace   Momentum `json:"replace"`
	Incoming  float64  `json:"incoming_score"`
	Advantage float64  `json:"advantage"`
}

// ShouldRebalance reports whether the incoming signal beats the weakest
// ranked position by at least MinAdvantage.
func (r *Ranker) ShouldRebalance(s Signal, ranked []Momentum) (Rebalance, bool) {
	if len(ranked) == 0 {
		return Rebalance{}, false
	}
	weakest := ranked[0]
	incoming := r.ScoreSignal(s)
	rb := Rebalance{Replace: weakest, Incoming: incoming, Advantage: incoming - weakest.Score}
	return rb, rb.Advantage >= r.config.MinAdvantage
}

func clamp(v, lo, hi float64) float64 { return math.Min(hi, math.Max(lo, v)) }
