package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Performance is the mutable outcome row of an alerted token.
type Performance struct {
	Token        string
	FirstAlertAt time.Time

	FirstPriceUSD  float64
	FirstMarketCap float64
	FirstLiquidity float64
	FirstVolume24h float64

	LastPriceUSD  float64
	LastMarketCap float64
	LastLiquidity float64
	LastVolume24h float64

	PeakPriceUSD  float64
	PeakMarketCap float64
	PeakLiquidity float64
	PeakVolume24h float64

	MaxGainPct     float64
	MaxDrawdownPct float64

	IsRug         bool
	RugDetectedAt time.Time

	PriceChange1h  *float64
	PriceChange6h  *float64
	PriceChange24h *float64

	LastCheckedAt time.Time
	SnapshotCount int
}

const performanceColumns = `
	token_address, first_alert_at,
	first_price_usd, first_market_cap, first_liquidity, first_volume_24h,
	last_price_usd, last_market_cap, last_liquidity, last_volume_24h,
	peak_price_usd, peak_market_cap, peak_liquidity, peak_volume_24h,
	max_gain_percent, max_drawdown_percent, is_rug, rug_detected_at,
	price_change_1h, price_change_6h, price_change_24h, last_checked_at, snapshot_count`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPerformance(row rowScanner) (*Performance, error) {
	var (
		p            Performance
		firstAt      int64
		rug          int
		rugAt, check sql.NullInt64
		c1, c6, c24  sql.NullFloat64
	)
	if err := row.Scan(&p.Token, &firstAt,
		&p.FirstPriceUSD, &p.FirstMarketCap, &p.FirstLiquidity, &p.FirstVolume24h,
		&p.LastPriceUSD, &p.LastMarketCap, &p.LastLiquidity, &p.LastVolume24h,
		&p.PeakPriceUSD, &p.PeakMarketCap, &p.PeakLiquidity, &p.PeakVolume24h,
		&p.MaxGainPct, &p.MaxDrawdownPct, &rug, &rugAt,
		&c1, &c6, &c24, &check, &p.SnapshotCount,
	); err != nil {
		return nil, err
	}
	p.FirstAlertAt = fromMilli(firstAt)
	p.IsRug = rug != 0
	if rugAt.Valid {
		p.RugDetectedAt = fromMilli(rugAt.Int64)
	}
	if check.Valid {
		p.LastCheckedAt = fromMilli(check.Int64)
	}
	p.PriceChange1h, p.PriceChange6h, p.PriceChange24h = floatPtr(c1), floatPtr(c6), floatPtr(c24)
	return &p, nil
}

// GetPerformance loads the performance row of an alerted token.
func (s *Store) GetPerformance(ctx context.Context, token string) (*Performance, error) {
	p, err := scanPerformance(s.db.QueryRowContext(ctx,
		`SELECT `+performanceColumns+` FROM alerted_token_stats WHERE token_address = ?`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get performance: %w", err)
	}
	return p, nil
}

// TrackedTokens returns performance rows of tokens first alerted at or
// after since that are not marked as rugs, oldest first.
func (s *Store) TrackedTokens(ctx context.Context, since time.Time) ([]*Performance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+performanceColumns+` FROM alerted_token_stats
		 WHERE first_alert_at >= ? AND is_rug = 0 ORDER BY first_alert_at`,
		unixMilli(since))
	if err != nil {
		return nil, fmt.Errorf("store: tracked tokens: %w", err)
	}
	defer rows.Close()

	var out []*Performance
	for rows.Next() {
		p, err := scanPerformance(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan performance: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdatePerformance writes the mutable fields of p. The rug flag is sticky:
// once stored as set it is never cleared by a later update. The first price
// is written only while the stored one is still unknown.
func (s *Store) UpdatePerformance(ctx context.Context, p *Performance) error {
	var rugAt, checked sql.NullInt64
	if !p.RugDetectedAt.IsZero() {
		rugAt = sql.NullInt64{Int64: unixMilli(p.RugDetectedAt), Valid: true}
	}
	if !p.LastCheckedAt.IsZero() {
		checked = sql.NullInt64{Int64: unixMilli(p.LastCheckedAt), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE alerted_token_stats SET
			first_price_usd = CASE WHEN first_price_usd > 0 THEN first_price_usd ELSE ? END,
			last_price_usd = ?, last_market_cap = ?, last_liquidity = ?, last_volume_24h = ?,
			peak_price_usd = ?, peak_market_cap = ?, peak_liquidity = ?, peak_volume_24h = ?,
			max_gain_percent = ?, max_drawdown_percent = ?,
			is_rug = MAX(is_rug, ?), rug_detected_at = COALESCE(rug_detected_at, ?),
			price_change_1h = ?, price_change_6h = ?, price_change_24h = ?,
			last_checked_at = ?, snapshot_count = ?
		WHERE token_address = ?`,
		p.FirstPriceUSD,
		p.LastPriceUSD, p.LastMarketCap, p.LastLiquidity, p.LastVolume24h,
		p.PeakPriceUSD, p.PeakMarketCap, p.PeakLiquidity, p.PeakVolume24h,
		p.MaxGainPct, p.MaxDrawdownPct,
		boolInt(p.IsRug), rugAt,
		nullFloat(p.PriceChange1h), nullFloat(p.PriceChange6h), nullFloat(p.PriceChange24h),
		checked, p.SnapshotCount,
		p.Token,
	)
	if err != nil {
		return fmt.Errorf("store: update performance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
