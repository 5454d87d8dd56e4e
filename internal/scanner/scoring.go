package scanner

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/spbarathg/callsbotonchain-sub001/internal/ml"
	"github.com/spbarathg/callsbotonchain-sub001/internal/stats"
)

// ---------------------------------------------------------------------------
// Rule score: market size, liquidity depth, turnover, momentum, security,
// distribution. Each band contributes a few points; result clamped to 0..10.
// ---------------------------------------------------------------------------

// ScoreResult is a score in [0,10] with the reasons that built it.
type ScoreResult struct {
	Score   int      `json:"score"`
	Reasons []string `json:"reasons"`
}

func (r *ScoreResult) add(points int, format string, args ...any) {
	r.Score += points
	r.Reasons = append(r.Reasons, fmt.Sprintf("%+d ", points)+fmt.Sprintf(format, args...))
}

// RuleScore computes the rule-based score from validated stats. It is pure.
func RuleScore(s *stats.TokenStats) ScoreResult {
	var r ScoreResult
	if s == nil {
		return r
	}
	mcap := stats.Val(s.MarketCapUSD)
	liq := stats.Val(s.LiquidityUSD)
	vol := stats.Val(s.Volume24hUSD)

	switch {
	case mcap > 0 && mcap < 100_000:
		r.add(2, "micro cap %.0f", mcap)
	case mcap > 0 && mcap < 500_000:
		r.add(1, "small cap %.0f", mcap)
	}

	switch {
	case liq >= 30_000:
		r.add(2, "liquidity %.0f", liq)
	case liq >= 15_000:
		r.add(1, "liquidity %.0f", liq)
	}
	if mcap > 0 && liq > 0 && liq/mcap < 0.05 {
		r.add(-1, "thin liquidity %.2f of mcap", liq/mcap)
	}

	if liq > 0 {
		switch vl := vol / liq; {
		case vl >= 1.0:
			r.add(2, "vol/liq %.2f", vl)
		case vl >= 0.3:
			r.add(1, "vol/liq %.2f", vl)
		}
	}
	if mcap > 0 && vol/mcap >= 0.5 {
		r.add(1, "vol/mcap %.2f", vol/mcap)
	}

	if ch := s.Change1h; ch != nil && *ch > 0 && *ch <= 50 {
		r.add(1, "1h momentum %.1f%%", *ch)
	}
	if ch := s.Change24h; ch != nil && *ch > 0 && *ch <= 100 {
		r.add(1, "24h momentum %.1f%%", *ch)
	}

	if s.IsLPLocked != nil && *s.IsLPLocked {
		r.add(1, "lp locked")
	}
	if s.IsMintRevoked != nil && *s.IsMintRevoked {
		r.add(1, "mint revoked")
	}
	if s.IsHoneypot != nil && *s.IsHoneypot {
		r.add(-5, "honeypot")
	}

	if top := s.Top10Pct; top != nil {
		switch {
		case *top <= 25:
			r.add(1, "top10 %.1f%%", *top)
		case *top > 40:
			r.add(-1, "top10 %.1f%%", *top)
		}
	}

	r.Score = clampScore(r.Score)
	return r
}

// ConsensusBonus maps the number of distinct external groups calling a
// token within the window to a score shift.
func ConsensusBonus(groups int, required bool) int {
	switch {
	case groups >= 3:
		return 2
	case groups == 2:
		return 1
	case groups == 0 && required:
		return -1
	}
	return 0
}

// SignalCounter reports how many distinct external groups called a token.
type SignalCounter interface {
	SignalCount(ctx context.Context, token string) (int, error)
}

// Scorer combines the rule score with the optional ML hook and the
// consensus bonus.
type Scorer struct {
	hook              *ml.Hook
	counter           SignalCounter
	consensusRequired bool
}

// NewScorer creates a Scorer. hook and counter may be nil.
func NewScorer(hook *ml.Hook, counter SignalCounter, consensusRequired bool) *Scorer {
	return &Scorer{hook: hook, counter: counter, consensusRequired: consensusRequired}
}

// Score returns the final score. It always lies in [0,10].
func (sc *Scorer) Score(ctx context.Context, s *stats.TokenStats, smart bool, prelim int) ScoreResult {
	r := RuleScore(s)

	if sc.hook.Enabled() {
		adjusted, reason := sc.hook.Adjust(r.Score, ml.BuildFeatures(s, smart, prelim, r.Score))
		if reason != "" {
			r.Score = adjusted
			r.Reasons = append(r.Reasons, reason)
		}
	}

	if sc.counter != nil && s != nil {
		groups, err := sc.counter.SignalCount(ctx, s.TokenAddress)
		if err != nil {
			log.Debug().Err(err).Str("token", s.TokenAddress).Msg("scanner: consensus lookup failed")
		} else if bonus := ConsensusBonus(groups, sc.consensusRequired); bonus != 0 {
			r.Score = clampScore(r.Score + bonus)
			r.Reasons = append(r.Reasons, fmt.Sprintf("%+d consensus %d groups", bonus, groups))
		}
	}
	return r
}
