// Package stats fetches and validates per-token market and security data
// from external providers.
package stats

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound means no provider knows the token.
	ErrNotFound = errors.New("stats: token not found")
	// ErrProviderExhausted means every provider failed or rejected the call.
	ErrProviderExhausted = errors.New("stats: providers exhausted")
	// ErrBudgetExhausted means the daily call budget is spent.
	ErrBudgetExhausted = errors.New("stats: daily call budget exhausted")
	// ErrSchemaInvalid means a provider payload could not be validated.
	ErrSchemaInvalid = errors.New("stats: schema invalid")
	// ErrRejected means a provider answered with a non-retryable client error.
	ErrRejected = errors.New("stats: provider rejected request")
)

// TokenStats is the validated snapshot for one token. Every optional numeric
// field is nil or finite; market figures are strictly positive; percentages
// are within [0,100]. Security flags are tri-state: nil means unknown.
type TokenStats struct {
	TokenAddress string `json:"token_address"`
	Name         string `json:"name,omitempty"`
	Symbol       string `json:"symbol,omitempty"`

	PriceUSD        *float64 `json:"price_usd,omitempty"`
	MarketCapUSD    *float64 `json:"market_cap_usd,omitempty"`
	LiquidityUSD    *float64 `json:"liquidity_usd,omitempty"`
	Volume24hUSD    *float64 `json:"volume_24h_usd,omitempty"`
	Change1h        *float64 `json:"change_1h,omitempty"`
	Change24h       *float64 `json:"change_24h,omitempty"`
	IsMintRevoked   *bool    `json:"is_mint_revoked,omitempty"`
	IsLPLocked      *bool    `json:"is_lp_locked,omitempty"`
	IsHoneypot      *bool    `json:"is_honeypot,omitempty"`
	Top10Pct        *float64 `json:"top_10_concentration_percent,omitempty"`
	BundlersPct     *float64 `json:"bundlers_percent,omitempty"`
	InsidersPct     *float64 `json:"insiders_percent,omitempty"`
	HolderCount     *int64   `json:"holder_count,omitempty"`
	PairCreatedAt   *int64   `json:"pair_created_at,omitempty"` // unix seconds
	SmartMoneyFound bool     `json:"smart_money_detected,omitempty"`

	Source    string          `json:"source"`
	FetchedAt time.Time       `json:"fetched_at"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// Val returns *p or 0 for nil.
func Val(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }

// VolToLiq returns volume_24h / liquidity, or 0 when either is unknown.
func (s *TokenStats) VolToLiq() float64 {
	liq := Val(s.LiquidityUSD)
	if liq <= 0 {
		return 0
	}
	return Val(s.Volume24hUSD) / liq
}

// Age returns how long the pair has existed, or 0 when unknown.
func (s *TokenStats) Age(now time.Time) time.Duration {
	if s.PairCreatedAt == nil || *s.PairCreatedAt <= 0 {
		return 0
	}
	created := time.Unix(*s.PairCreatedAt, 0)
	if created.After(now) {
		return 0
	}
	return now.Sub(created)
}

// Clone returns a deep copy so cached snapshots are never shared mutably.
func (s *TokenStats) Clone() *TokenStats {
	if s == nil {
		return nil
	}
	out := *s
	out.PriceUSD = clonePtr(s.PriceUSD)
	out.MarketCapUSD = clonePtr(s.MarketCapUSD)
	out.LiquidityUSD = clonePtr(s.LiquidityUSD)
	out.Volume24hUSD = clonePtr(s.Volume24hUSD)
	out.Change1h = clonePtr(s.Change1h)
	out.Change24h = clonePtr(s.Change24h)
	out.IsMintRevoked = clonePtr(s.IsMintRevoked)
	out.IsLPLocked = clonePtr(s.IsLPLocked)
	out.IsHoneypot = clonePtr(s.IsHoneypot)
	out.Top10Pct = clonePtr(s.Top10Pct)
	out.BundlersPct = clonePtr(s.BundlersPct)
	out.InsidersPct = clonePtr(s.InsidersPct)
	out.HolderCount = clonePtr(s.HolderCount)
	out.PairCreatedAt = clonePtr(s.PairCreatedAt)
	if s.Raw != nil {
		out.Raw = append(json.RawMessage(nil), s.Raw...)
	}
	return &out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
