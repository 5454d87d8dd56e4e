package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spbarathg/callsbotonchain-sub001/internal/stats"
)

// Alert is a persisted once-per-token alert decision.
type Alert struct {
	Token           string
	Name            string
	Symbol          string
	AlertedAt       time.Time
	FinalScore      int
	PrelimScore     int
	Conviction      string
	SmartMoney      bool
	SmartWallet     string
	GatesPassed     []string
	FeedSource      string
	DEX             string
	TokenAgeMinutes *float64
	SOLPriceUSD     *float64
	// Stats is the validated detail snapshot at alert time.
	Stats *stats.TokenStats
}

// InsertAlert writes the alert and its performance row in one transaction.
// A second insert for the same token returns ErrDuplicate and changes
// nothing.
func (s *Store) InsertAlert(ctx context.Context, a Alert) error {
	if a.Token == "" {
		return fmt.Errorf("store: alert without token")
	}
	if a.AlertedAt.IsZero() {
		a.AlertedAt = s.now()
	}
	st := a.Stats
	if st == nil {
		st = &stats.TokenStats{TokenAddress: a.Token}
	}
	raw, err := json.Marshal(stats.Sanitize(st.Clone()))
	if err != nil {
		return fmt.Errorf("store: encode stats: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO alerted_tokens (
			token_address, alerted_at, name, symbol, final_score, preliminary_score,
			conviction_type, entry_price_usd, entry_market_cap, entry_liquidity,
			entry_volume_24h, smart_money, smart_wallet, gates_passed, feed_source,
			dex, token_age_minutes, sol_price_usd, stats_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Token, unixMilli(a.AlertedAt), a.Name, a.Symbol, a.FinalScore, a.PrelimScore,
		a.Conviction, nullFloat(st.PriceUSD), nullFloat(st.MarketCapUSD), nullFloat(st.LiquidityUSD),
		nullFloat(st.Volume24hUSD), boolInt(a.SmartMoney), a.SmartWallet, strings.Join(a.GatesPassed, ","),
		a.FeedSource, a.DEX, nullFloat(a.TokenAgeMinutes), nullFloat(a.SOLPriceUSD), string(raw),
	)
	if err != nil {
		return fmt.Errorf("store: insert alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicate
	}

	price, mcap := stats.Val(st.PriceUSD), stats.Val(st.MarketCapUSD)
	liq, vol := stats.Val(st.LiquidityUSD), stats.Val(st.Volume24hUSD)
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO alerted_token_stats (
			token_address, first_alert_at,
			first_price_usd, first_market_cap, first_liquidity, first_volume_24h,
			last_price_usd, last_market_cap, last_liquidity, last_volume_24h,
			peak_price_usd, peak_market_cap, peak_liquidity, peak_volume_24h
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Token, unixMilli(a.AlertedAt),
		price, mcap, liq, vol,
		price, mcap, liq, vol,
		price, mcap, liq, vol,
	); err != nil {
		return fmt.Errorf("store: insert alert stats: %w", err)
	}
	return tx.Commit()
}

// HasAlert reports whether an alert exists for token.
func (s *Store) HasAlert(ctx context.Context, token string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM alerted_tokens WHERE token_address = ?`, token).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("store: lookup alert: %w", err)
	}
	return true, nil
}

// GetAlert loads one alert. Returns ErrNotFound if the token was never
// alerted.
func (s *Store) GetAlert(ctx context.Context, token string) (*Alert, error) {
	var (
		a           Alert
		alertedAt   int64
		smart       int
		gates, raw  string
		age, solUSD sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT token_address, alerted_at, name, symbol, final_score, preliminary_score,
		       conviction_type, smart_money, smart_wallet, gates_passed, feed_source, dex,
		       token_age_minutes, sol_price_usd, stats_json
		FROM alerted_tokens WHERE token_address = ?`, token,
	).Scan(&a.Token, &alertedAt, &a.Name, &a.Symbol, &a.FinalScore, &a.PrelimScore,
		&a.Conviction, &smart, &a.SmartWallet, &gates, &a.FeedSource, &a.DEX,
		&age, &solUSD, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get alert: %w", err)
	}
	a.AlertedAt = fromMilli(alertedAt)
	a.SmartMoney = smart != 0
	if gates != "" {
		a.GatesPassed = strings.Split(gates, ",")
	}
	a.TokenAgeMinutes = floatPtr(age)
	a.SOLPriceUSD = floatPtr(solUSD)

	var st stats.TokenStats
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("store: decode stats: %w", err)
	}
	a.Stats = &st
	return &a, nil
}

// CountAlerts returns the number of alerted tokens.
func (s *Store) CountAlerts(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alerted_tokens`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count alerts: %w", err)
	}
	return n, nil
}

// RecentAlertTokens returns tokens alerted at or after since, newest first.
// The emitter uses it to warm the in-memory alert cache on startup.
func (s *Store) RecentAlertTokens(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token_address FROM alerted_tokens WHERE alerted_at >= ? ORDER BY alerted_at DESC`,
		unixMilli(since))
	if err != nil {
		return nil, fmt.Errorf("store: recent alerts: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
