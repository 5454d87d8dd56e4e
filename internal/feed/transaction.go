package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Cycle is the logical feed cycle an item was read in.
type Cycle string

const (
	CycleSmart   Cycle = "smart"
	CycleGeneral Cycle = "general"
)

// Reader is a lazy, restart-safe sequence of feed transactions. The channel
// closes only when ctx is cancelled.
type Reader interface {
	Start(ctx context.Context) <-chan Transaction
}

// SmartWalletPnLThreshold is the realised wallet PnL (USD) at or above which a
// trader counts as smart money.
const SmartWalletPnLThreshold = 1000.0

// Transaction is one normalised swap event from the upstream feed.
type Transaction struct {
	Token0Address   string    `json:"token0_address,omitempty"`
	Token1Address   string    `json:"token1_address,omitempty"`
	Token0AmountUSD float64   `json:"token0_amount_usd"`
	Token1AmountUSD float64   `json:"token1_amount_usd"`
	USDValue        float64   `json:"usd_value"`
	TxType          string    `json:"tx_type"`
	DEX             string    `json:"dex"`
	Timestamp       time.Time `json:"timestamp"`
	SmartMoney      bool      `json:"smart_money"`
	SmartWallet     string    `json:"smart_wallet,omitempty"`
	IsSynthetic     bool      `json:"is_synthetic"`
	Trader          string    `json:"trader,omitempty"`
	Source          string    `json:"source,omitempty"`
	Cycle           Cycle     `json:"cycle,omitempty"`
}

// IsFallback reports whether the tx_type marks a synthetic fallback entry.
func (t Transaction) IsFallback() bool {
	return strings.HasSuffix(strings.ToLower(t.TxType), "_fallback")
}

// ErrMalformed is returned for frames that cannot be decoded into transactions.
var ErrMalformed = errors.New("feed: malformed payload")

// rawTx mirrors the upstream frame. Numeric fields may arrive as strings.
type rawTx struct {
	Token0Address   *string         `json:"token0_address"`
	Token1Address   *string         `json:"token1_address"`
	Token0AmountUSD json.RawMessage `json:"token0_amount_usd"`
	Token1AmountUSD json.RawMessage `json:"token1_amount_usd"`
	USDValue        json.RawMessage `json:"usd_value"`
	TxType          string          `json:"tx_type"`
	DEX             string          `json:"dex"`
	Timestamp       json.RawMessage `json:"timestamp"`
	IsSynthetic     bool            `json:"is_synthetic"`
	Trader          string          `json:"trader"`
	Wallet          string          `json:"wallet"`
	Maker           string          `json:"maker"`

	SmartMoney *bool           `json:"smart_money"`
	IsSmart    *bool           `json:"is_smart"`
	Labels     json.RawMessage `json:"labels"`
	TopWallets []string        `json:"top_wallets"`
	WalletPnL  json.RawMessage `json:"wallet_pnl"`
}

// ParseFrame decodes one feed frame. A frame is a single object, an array of
// objects, or an envelope with a "data" or "transactions" array. Items without
// any token address are dropped; an undecodable frame returns ErrMalformed.
func ParseFrame(data []byte) ([]Transaction, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, ErrMalformed
	}

	var raws []rawTx
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &raws); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	case '{':
		var env struct {
			Data         []rawTx `json:"data"`
			Transactions []rawTx `json:"transactions"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		switch {
		case env.Data != nil:
			raws = env.Data
		case env.Transactions != nil:
			raws = env.Transactions
		default:
			var one rawTx
			if err := json.Unmarshal(data, &one); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			raws = []rawTx{one}
		}
	default:
		return nil, ErrMalformed
	}

	out := make([]Transaction, 0, len(raws))
	for _, r := range raws {
		tx, ok := r.normalise()
		if ok {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (r rawTx) normalise() (Transaction, bool) {
	tx := Transaction{
		Token0Address:   deref(r.Token0Address),
		Token1Address:   deref(r.Token1Address),
		Token0AmountUSD: nonNegative(parseNumber(r.Token0AmountUSD)),
		Token1AmountUSD: nonNegative(parseNumber(r.Token1AmountUSD)),
		TxType:          strings.TrimSpace(r.TxType),
		DEX:             r.DEX,
		Timestamp:       parseTimestamp(r.Timestamp),
		IsSynthetic:     r.IsSynthetic,
		Trader:          firstNonEmpty(r.Trader, r.Wallet, r.Maker),
	}
	if tx.Token0Address == "" && tx.Token1Address == "" {
		return Transaction{}, false
	}

	tx.USDValue = nonNegative(parseNumber(r.USDValue))
	if len(r.USDValue) == 0 || string(r.USDValue) == "null" {
		tx.USDValue = math.Max(tx.Token0AmountUSD, tx.Token1AmountUSD)
	}
	if tx.IsFallback() {
		tx.IsSynthetic = true
	}

	tx.SmartMoney = r.isSmart()
	if tx.SmartMoney {
		tx.SmartWallet = tx.Trader
	}
	return tx, true
}

// isSmart ORs every upstream hint into one flag.
func (r rawTx) isSmart() bool {
	if r.SmartMoney != nil && *r.SmartMoney {
		return true
	}
	if r.IsSmart != nil && *r.IsSmart {
		return true
	}
	for _, l := range parseLabels(r.Labels) {
		l = strings.ToLower(l)
		if strings.Contains(l, "smart") || strings.Contains(l, "whale") || strings.Contains(l, "insider_profit") {
			return true
		}
	}
	trader := firstNonEmpty(r.Trader, r.Wallet, r.Maker)
	if trader != "" {
		for _, w := range r.TopWallets {
			if w == trader {
				return true
			}
		}
	}
	if pnl := parseNumber(r.WalletPnL); pnl >= SmartWalletPnLThreshold {
		return true
	}
	return false
}

// parseLabels accepts either a list of strings or a single comma separated string.
func parseLabels(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if json.Unmarshal(raw, &list) == nil {
		return list
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.Split(s, ",")
	}
	return nil
}

// parseNumber reads a JSON number or numeric string; anything else, NaN or
// infinity yields 0.
func parseNumber(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return 0
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0
		}
		v = parsed
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// parseTimestamp accepts unix seconds, unix milliseconds or RFC3339.
func parseTimestamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Now()
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
	}
	v := parseNumber(raw)
	switch {
	case v <= 0:
		return time.Now()
	case v > 1e12:
		return time.UnixMilli(int64(v))
	default:
		return time.Unix(int64(v), 0)
	}
}

func nonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
