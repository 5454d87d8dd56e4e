package scanner

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spbarathg/callsbotonchain-sub001/internal/stats"
)

// ---------------------------------------------------------------------------
// Conviction
// ---------------------------------------------------------------------------

// Conviction tags which gate combination admitted an alert.
type Conviction int

const (
	ConvictionNone Conviction = iota
	ConvictionHighSmart
	ConvictionHighStrict
	ConvictionNuancedSmart
	ConvictionNuanced
)

var convictionNames = map[Conviction]string{
	ConvictionHighSmart:    "High Confidence (Smart Money)",
	ConvictionHighStrict:   "High Confidence (Strict)",
	ConvictionNuancedSmart: "Nuanced Conviction (Smart Money)",
	ConvictionNuanced:      "Nuanced Conviction",
}

func (c Conviction) String() string {
	if s, ok := convictionNames[c]; ok {
		return s
	}
	return ""
}

// IsHigh reports whether c came from the junior strict gate.
func (c Conviction) IsHigh() bool {
	return c == ConvictionHighSmart || c == ConvictionHighStrict
}

// ParseConviction maps a persisted tag back to its Conviction.
func ParseConviction(s string) (Conviction, bool) {
	for c, name := range convictionNames {
		if name == s {
			return c, true
		}
	}
	return ConvictionNone, false
}

// ---------------------------------------------------------------------------
// Decision
// ---------------------------------------------------------------------------

// Gate names a stage of the pipeline.
type Gate string

const (
	GateLiquidity     Gate = "liquidity"
	GateMarketCap     Gate = "market_cap"
	GateFOMO          Gate = "fomo"
	GateSecurity      Gate = "security"
	GateSeniorStrict  Gate = "senior_strict"
	GateJuniorStrict  Gate = "junior_strict"
	GateJuniorNuanced Gate = "junior_nuanced"
	GateSmartMoney    Gate = "smart_money"
	GateGeneralCycle  Gate = "general_cycle"
)

// Decision is either a pass carrying a Conviction or a rejection carrying
// the gate and reason.
type Decision struct {
	Passed      bool
	Conviction  Conviction
	Gate        Gate
	Reason      string
	GatesPassed []Gate
}

func pass(c Conviction, gates []Gate) Decision {
	return Decision{Passed: true, Conviction: c, GatesPassed: gates}
}

func reject(g Gate, reason string, gates []Gate) Decision {
	return Decision{Gate: g, Reason: reason, GatesPassed: gates}
}

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

// GateConfig holds every gate threshold. Zero maxima disable the bound.
type GateConfig struct {
	MinLiquidityUSD       float64 `yaml:"min_liquidity_usd"`
	MaxLiquidityUSD       float64 `yaml:"max_liquidity_usd"`
	SweetSpotLiqMin       float64 `yaml:"sweet_spot_liq_min"`
	SweetSpotLiqMax       float64 `yaml:"sweet_spot_liq_max"`
	MinMarketCapUSD       float64 `yaml:"min_market_cap_usd"`
	MaxMarketCapUSD       float64 `yaml:"max_market_cap_usd"`
	Draw24hMajor          float64 `yaml:"draw_24h_major"`
	Max24hChange          float64 `yaml:"max_24h_change"`
	Max1hChange           float64 `yaml:"max_1h_change"`
	RequireLPLocked       bool    `yaml:"require_lp_locked"`
	RequireMintRevoked    bool    `yaml:"require_mint_revoked"`
	AllowUnknownSecurity  bool    `yaml:"allow_unknown_security"`
	MaxTop10Concentration float64 `yaml:"max_top10_concentration"`
	MaxBundlersPercent    float64 `yaml:"max_bundlers_percent"`
	MaxInsidersPercent    float64 `yaml:"max_insiders_percent"`
	MinTokenAgeMinutes    float64 `yaml:"min_token_age_minutes"`
	JrStrictMinScore      int     `yaml:"jr_strict_min_score"`
	JrStrictMinVolToLiq   float64 `yaml:"jr_strict_min_vol_to_liq"`
	JrNuancedMinScore     int     `yaml:"jr_nuanced_min_score"`
	NuancedMin1hChange    float64 `yaml:"nuanced_min_1h_change"`
	NuancedMinVolToLiq    float64 `yaml:"nuanced_min_vol_to_liq"`
	NuancedMinVelocity    int     `yaml:"nuanced_min_velocity"`
	NuancedMaxTop10       float64 `yaml:"nuanced_max_top10"`
	RequireSmartMoney     bool    `yaml:"require_smart_money"`
	GeneralCycleMinScore  int     `yaml:"general_cycle_min_score"`
}

// DefaultGateConfig returns the documented defaults.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		MinLiquidityUSD:       30_000,
		MaxLiquidityUSD:       75_000,
		SweetSpotLiqMin:       30_000,
		SweetSpotLiqMax:       50_000,
		MinMarketCapUSD:       50_000,
		MaxMarketCapUSD:       200_000,
		Draw24hMajor:          -60,
		Max24hChange:          200,
		Max1hChange:           100,
		AllowUnknownSecurity:  true,
		MaxTop10Concentration: 30,
		MaxBundlersPercent:    25,
		MaxInsidersPercent:    35,
		JrStrictMinScore:      7,
		JrStrictMinVolToLiq:   0.3,
		JrNuancedMinScore:     5,
		NuancedMin1hChange:    0,
		NuancedMinVolToLiq:    1.0,
		NuancedMinVelocity:    3,
		NuancedMaxTop10:       40,
		GeneralCycleMinScore:  7,
	}
}

// ---------------------------------------------------------------------------
// Pipeline
// ---------------------------------------------------------------------------

// GateInput is everything the gates look at for one candidate.
type GateInput struct {
	Stats      *stats.TokenStats
	SmartMoney bool
	// FinalScore is the score after ML and consensus adjustments.
	FinalScore int
	// Velocity is the number of recent activity rows for the token.
	Velocity int
}

// Gates evaluates the ordered, short-circuiting gate pipeline.
type Gates struct {
	config GateConfig
	now    func() time.Time
}

func NewGates(config GateConfig) *Gates {
	return &Gates{config: config, now: time.Now}
}

// Evaluate runs every gate in order and returns the first rejection or the
// pass with its conviction. It is a pure function of its input and config.
func (g *Gates) Evaluate(in GateInput) Decision {
	s := in.Stats
	token := ""
	if s != nil {
		token = s.TokenAddress
	}
	d := g.evaluate(in)
	if d.Passed {
		log.Debug().Str("token", token).Str("conviction", d.Conviction.String()).Int("score", in.FinalScore).Msg("gates: passed")
	} else {
		log.Debug().Str("token", token).Str("gate", string(d.Gate)).Str("reason", d.Reason).Msg("gates: rejected")
	}
	return d
}

func (g *Gates) evaluate(in GateInput) Decision {
	c := g.config
	s := in.Stats
	if s == nil {
		return reject(GateLiquidity, "invalid liquidity", nil)
	}
	var passed []Gate

	// 1. liquidity band
	if ok, reason := g.liquidityOK(s); !ok {
		return reject(GateLiquidity, reason, passed)
	}
	if liq := *s.LiquidityUSD; c.SweetSpotLiqMax > 0 && liq >= c.SweetSpotLiqMin && liq <= c.SweetSpotLiqMax {
		log.Debug().Str("token", s.TokenAddress).Float64("liquidity_usd", liq).Msg("gates: liquidity in sweet spot")
	}
	passed = append(passed, GateLiquidity)

	// 2. market cap band
	switch mcap := s.MarketCapUSD; {
	case mcap == nil:
		return reject(GateMarketCap, "market cap unknown", passed)
	case *mcap < c.MinMarketCapUSD:
		return reject(GateMarketCap, fmt.Sprintf("market cap %.0f below %.0f (death zone)", *mcap, c.MinMarketCapUSD), passed)
	case c.MaxMarketCapUSD > 0 && *mcap > c.MaxMarketCapUSD:
		return reject(GateMarketCap, fmt.Sprintf("market cap %.0f above %.0f (already discovered)", *mcap, c.MaxMarketCapUSD), passed)
	}
	passed = append(passed, GateMarketCap)

	// 3. FOMO: unknown change counts as zero
	ch24, ch1 := stats.Val(s.Change24h), stats.Val(s.Change1h)
	switch {
	case ch24 < c.Draw24hMajor:
		return reject(GateFOMO, fmt.Sprintf("24h change %.1f%% below %.1f%% (already crashed)", ch24, c.Draw24hMajor), passed)
	case ch24 > c.Max24hChange:
		return reject(GateFOMO, fmt.Sprintf("24h change %.1f%% above %.1f%% (already pumped)", ch24, c.Max24hChange), passed)
	case ch1 > c.Max1hChange:
		return reject(GateFOMO, fmt.Sprintf("1h change %.1f%% above %.1f%% (already pumped)", ch1, c.Max1hChange), passed)
	}
	passed = append(passed, GateFOMO)

	// 4. quick security
	if c.RequireLPLocked {
		if reason := requireFlag(s.IsLPLocked, c.AllowUnknownSecurity, "lp"); reason != "" {
			return reject(GateSecurity, reason, passed)
		}
	}
	if c.RequireMintRevoked {
		if reason := requireFlag(s.IsMintRevoked, c.AllowUnknownSecurity, "mint"); reason != "" {
			return reject(GateSecurity, reason, passed)
		}
	}
	passed = append(passed, GateSecurity)

	// 5. senior strict
	if reason := g.seniorStrict(s); reason != "" {
		return reject(GateSeniorStrict, reason, passed)
	}
	passed = append(passed, GateSeniorStrict)

	// 6. junior strict, then 7. junior nuanced
	conviction := ConvictionNone
	strictReason := g.juniorStrict(s, in.FinalScore)
	if strictReason == "" {
		passed = append(passed, GateJuniorStrict)
		conviction = ConvictionHighStrict
		if in.SmartMoney {
			conviction = ConvictionHighSmart
		}
	} else {
		if reason := g.juniorNuanced(s, in.FinalScore, in.Velocity); reason != "" {
			return reject(GateJuniorNuanced, "strict: "+strictReason+"; nuanced: "+reason, passed)
		}
		passed = append(passed, GateJuniorNuanced)
		conviction = ConvictionNuanced
		if in.SmartMoney {
			conviction = ConvictionNuancedSmart
		}
	}

	// post-gates
	if c.RequireSmartMoney && !in.SmartMoney {
		return reject(GateSmartMoney, "smart money required", passed)
	}
	if !in.SmartMoney && in.FinalScore < c.GeneralCycleMinScore {
		return reject(GateGeneralCycle, fmt.Sprintf("general cycle score %d below %d", in.FinalScore, c.GeneralCycleMinScore), passed)
	}
	return pass(conviction, passed)
}

// liquidityOK is the single liquidity predicate shared by the liquidity
// band and junior strict.
func (g *Gates) liquidityOK(s *stats.TokenStats) (bool, string) {
	liq := s.LiquidityUSD
	switch {
	case liq == nil || math.IsNaN(*liq) || math.IsInf(*liq, 0) || *liq <= 0:
		return false, "invalid liquidity"
	case *liq < g.config.MinLiquidityUSD:
		return false, fmt.Sprintf("liquidity %.0f below %.0f", *liq, g.config.MinLiquidityUSD)
	case g.config.MaxLiquidityUSD > 0 && *liq > g.config.MaxLiquidityUSD:
		return false, fmt.Sprintf("liquidity %.0f above %.0f", *liq, g.config.MaxLiquidityUSD)
	}
	return true, ""
}

func requireFlag(flag *bool, allowUnknown bool, name string) string {
	switch {
	case flag != nil && !*flag:
		if name == "lp" {
			return "lp not locked"
		}
		return "mint not revoked"
	case flag == nil && !allowUnknown:
		return name + " status unknown"
	}
	return ""
}

func (g *Gates) seniorStrict(s *stats.TokenStats) string {
	c := g.config
	if s.IsHoneypot != nil && *s.IsHoneypot {
		return "honeypot"
	}
	if c.MaxTop10Concentration > 0 && s.Top10Pct != nil && *s.Top10Pct > c.MaxTop10Concentration {
		return fmt.Sprintf("top10 concentration %.1f%% above %.1f%%", *s.Top10Pct, c.MaxTop10Concentration)
	}
	if c.MaxBundlersPercent > 0 && s.BundlersPct != nil && *s.BundlersPct > c.MaxBundlersPercent {
		return fmt.Sprintf("bundlers %.1f%% above %.1f%%", *s.BundlersPct, c.MaxBundlersPercent)
	}
	if c.MaxInsidersPercent > 0 && s.InsidersPct != nil && *s.InsidersPct > c.MaxInsidersPercent {
		return fmt.Sprintf("insiders %.1f%% above %.1f%%", *s.InsidersPct, c.MaxInsidersPercent)
	}
	if c.MinTokenAgeMinutes > 0 {
		age := s.Age(g.now())
		switch {
		case age == 0 && !c.AllowUnknownSecurity:
			return "token age unknown"
		case age > 0 && age.Minutes() < c.MinTokenAgeMinutes:
			return fmt.Sprintf("token age %.0fm below %.0fm", age.Minutes(), c.MinTokenAgeMinutes)
		}
	}
	return ""
}

func (g *Gates) juniorStrict(s *stats.TokenStats, score int) string {
	c := g.config
	if score < c.JrStrictMinScore {
		return fmt.Sprintf("score %d below %d", score, c.JrStrictMinScore)
	}
	if ok, reason := g.liquidityOK(s); !ok {
		return reason
	}
	if vl := s.VolToLiq(); vl < c.JrStrictMinVolToLiq {
		return fmt.Sprintf("vol/liq %.2f below %.2f", vl, c.JrStrictMinVolToLiq)
	}
	return ""
}

// juniorNuanced relaxes the score floor but needs compensating momentum:
// a positive 1h move, heavy turnover, or repeated recent activity.
func (g *Gates) juniorNuanced(s *stats.TokenStats, score, velocity int) string {
	c := g.config
	if score < c.JrNuancedMinScore {
		return fmt.Sprintf("score %d below %d", score, c.JrNuancedMinScore)
	}
	if ok, reason := g.liquidityOK(s); !ok {
		return reason
	}
	if c.NuancedMaxTop10 > 0 && s.Top10Pct != nil && *s.Top10Pct > c.NuancedMaxTop10 {
		return fmt.Sprintf("top10 concentration %.1f%% above %.1f%%", *s.Top10Pct, c.NuancedMaxTop10)
	}
	momentum := s.Change1h != nil && *s.Change1h > c.NuancedMin1hChange
	turnover := s.VolToLiq() >= c.NuancedMinVolToLiq
	active := c.NuancedMinVelocity > 0 && velocity >= c.NuancedMinVelocity
	if !momentum && !turnover && !active {
		return "no compensating momentum"
	}
	return ""
}
