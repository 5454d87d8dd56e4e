package stats

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Alias paths per field, tried in order. The first path present in the
// payload wins, even if its value is later filtered to nil.
var (
	addressPaths   = []string{"token_address", "address", "token.address", "baseToken.address", "mint", "ca"}
	namePaths      = []string{"metadata.name", "name", "token.name", "baseToken.name"}
	symbolPaths    = []string{"metadata.symbol", "symbol", "token.symbol", "baseToken.symbol"}
	pricePaths     = []string{"price.price_usd", "price_usd", "priceUsd", "price.usd"}
	mcapPaths      = []string{"market.market_cap_usd", "market_cap_usd", "marketCap", "market_cap", "fdv"}
	liquidityPaths = []string{"liquidity.liquidity_usd", "liquidity_usd", "liquidity.usd"}
	volumePaths    = []string{"volume.24h.volume_usd", "volume_24h_usd", "volume.h24", "volume24h"}
	change1hPaths  = []string{"change.1h", "price_change_1h", "priceChange.h1", "change_1h"}
	change24hPaths = []string{"change.24h", "price_change_24h", "priceChange.h24", "change_24h"}
	mintPaths      = []string{"security.is_mint_revoked", "is_mint_revoked", "security.mint_authority_revoked"}
	honeypotPaths  = []string{"security.is_honeypot", "is_honeypot"}
	lpLockedPaths  = []string{"liquidity.is_lp_locked", "is_lp_locked", "security.is_lp_locked"}
	lpBurnedPaths  = []string{"liquidity.is_lp_burned", "is_lp_burned"}
	lockStatusPath = []string{"liquidity.lock_status", "lock_status"}
	top10Paths     = []string{"holders.top_10_concentration_percent", "top_10_concentration_percent", "holders.top10_percent"}
	bundlerPaths   = []string{"holders.bundlers_percent", "bundlers_percent"}
	insiderPaths   = []string{"holders.insiders_percent", "insiders_percent"}
	holderPaths    = []string{"holders.holder_count", "holders.count", "holder_count"}
	createdPaths   = []string{"pair_created_at", "pairCreatedAt", "market.pair_created_at", "created_at"}
	smartPaths     = []string{"smart_money_detected", "smart_money"}
)

// Validate builds a TokenStats from a provider payload. Every numeric value is
// passed through a finite filter (NaN and ±Inf become nil); market figures
// must also be positive; percentages are clamped to [0,100]. A payload without
// a token address, or one that is not a JSON object, fails with
// ErrSchemaInvalid.
func Validate(payload []byte, source string) (*TokenStats, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var root map[string]any
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}
	doc := unwrap(root)

	addr, _ := lookupString(doc, addressPaths)
	if addr == "" {
		return nil, fmt.Errorf("%w: missing token_address", ErrSchemaInvalid)
	}

	s := &TokenStats{
		TokenAddress: addr,
		Source:       source,
		FetchedAt:    time.Now(),
		Raw:          append(json.RawMessage(nil), payload...),
	}
	s.Name, _ = lookupString(doc, namePaths)
	s.Symbol, _ = lookupString(doc, symbolPaths)

	s.PriceUSD = finitePositive(lookupFloat(doc, pricePaths))
	s.MarketCapUSD = finitePositive(lookupFloat(doc, mcapPaths))
	s.LiquidityUSD = finitePositive(lookupFloat(doc, liquidityPaths))
	s.Volume24hUSD = finitePositive(lookupFloat(doc, volumePaths))
	s.Change1h = finite(lookupFloat(doc, change1hPaths))
	s.Change24h = finite(lookupFloat(doc, change24hPaths))

	s.IsMintRevoked = lookupBool(doc, mintPaths)
	s.IsHoneypot = lookupBool(doc, honeypotPaths)
	s.IsLPLocked = lpLocked(doc)

	s.Top10Pct = percent(lookupFloat(doc, top10Paths))
	s.BundlersPct = percent(lookupFloat(doc, bundlerPaths))
	s.InsidersPct = percent(lookupFloat(doc, insiderPaths))
	s.HolderCount = count(lookupFloat(doc, holderPaths))
	if created := count(finitePositive(lookupFloat(doc, createdPaths))); created != nil {
		secs := *created
		if secs > 1e12 {
			secs /= 1000
		}
		s.PairCreatedAt = &secs
	}
	if b := lookupBool(doc, smartPaths); b != nil {
		s.SmartMoneyFound = *b
	}
	return s, nil
}

// Sanitize re-applies the numeric filters to an already built TokenStats,
// for records that did not come through Validate.
func Sanitize(s *TokenStats) *TokenStats {
	if s == nil {
		return nil
	}
	s.PriceUSD = finitePositive(s.PriceUSD)
	s.MarketCapUSD = finitePositive(s.MarketCapUSD)
	s.LiquidityUSD = finitePositive(s.LiquidityUSD)
	s.Volume24hUSD = finitePositive(s.Volume24hUSD)
	s.Change1h = finite(s.Change1h)
	s.Change24h = finite(s.Change24h)
	s.Top10Pct = percent(s.Top10Pct)
	s.BundlersPct = percent(s.BundlersPct)
	s.InsidersPct = percent(s.InsidersPct)
	if s.HolderCount != nil && *s.HolderCount < 0 {
		s.HolderCount = nil
	}
	return s
}

// unwrap descends into a "data" envelope when the top level carries no
// address of its own.
func unwrap(root map[string]any) map[string]any {
	if _, ok := lookupString(root, addressPaths); ok {
		return root
	}
	if inner, ok := root["data"].(map[string]any); ok {
		return inner
	}
	return root
}

// lpLocked resolves the tri-state LP lock flag: an explicit lock flag wins,
// then burn (burned counts as locked), then a textual lock status.
func lpLocked(doc map[string]any) *bool {
	if b := lookupBool(doc, lpLockedPaths); b != nil {
		return b
	}
	if b := lookupBool(doc, lpBurnedPaths); b != nil && *b {
		return b
	}
	if status, ok := lookupString(doc, lockStatusPath); ok {
		switch strings.ToLower(status) {
		case "locked", "burned", "burnt":
			return Ptr(true)
		case "unlocked", "none", "not_locked":
			return Ptr(false)
		}
	}
	return nil
}

// -----------------------------------------------------------------------
// Path lookup
// -----------------------------------------------------------------------

func lookup(doc map[string]any, path string) (any, bool) {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

func lookupString(doc map[string]any, paths []string) (string, bool) {
	for _, p := range paths {
		if v, ok := lookup(doc, p); ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s), true
			}
		}
	}
	return "", false
}

func lookupFloat(doc map[string]any, paths []string) *float64 {
	for _, p := range paths {
		v, ok := lookup(doc, p)
		if !ok {
			continue
		}
		return toFloat(v)
	}
	return nil
}

func lookupBool(doc map[string]any, paths []string) *bool {
	for _, p := range paths {
		v, ok := lookup(doc, p)
		if !ok {
			continue
		}
		return toBool(v)
	}
	return nil
}

func toFloat(v any) *float64 {
	switch t := v.(type) {
	case json.Number:
		f, err := strconv.ParseFloat(t.String(), 64)
		if err != nil {
			return nil
		}
		return &f
	case float64:
		return &t
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil
		}
		return &f
	}
	return nil
}

func toBool(v any) *bool {
	switch t := v.(type) {
	case bool:
		return &t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "1":
			return Ptr(true)
		case "false", "no", "0":
			return Ptr(false)
		}
	case json.Number:
		switch t.String() {
		case "1":
			return Ptr(true)
		case "0":
			return Ptr(false)
		}
	}
	return nil
}

// -----------------------------------------------------------------------
// Filters
// -----------------------------------------------------------------------

func finite(p *float64) *float64 {
	if p == nil || math.IsNaN(*p) || math.IsInf(*p, 0) {
		return nil
	}
	v := *p
	return &v
}

func finitePositive(p *float64) *float64 {
	p = finite(p)
	if p == nil || *p <= 0 {
		return nil
	}
	return p
}

// count converts a finite value in [0, MaxInt64) to int64, else nil.
func count(p *float64) *int64 {
	p = finite(p)
	if p == nil || *p < 0 || *p >= math.MaxInt64 {
		return nil
	}
	return Ptr(int64(*p))
}

func percent(p *float64) *float64 {
	p = finite(p)
	if p == nil {
		return nil
	}
	v := math.Max(0, math.Min(100, *p))
	return &v
}
