package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Snapshot is one immutable price observation of an alerted token.
type Snapshot struct {
	Token        string
	At           time.Time
	PriceUSD     float64
	MarketCapUSD *float64
	LiquidityUSD *float64
	Volume24hUSD *float64
	HolderCount  *int64
	Change1h     *float64
	Change24h    *float64
}

// AppendSnapshot inserts a price snapshot.
func (s *Store) AppendSnapshot(ctx context.Context, snap Snapshot) error {
	if snap.At.IsZero() {
		snap.At = s.now()
	}
	var holders sql.NullInt64
	if snap.HolderCount != nil {
		holders = sql.NullInt64{Int64: *snap.HolderCount, Valid: true}
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO price_snapshots (
			token_address, snapshot_at, price_usd, market_cap_usd, liquidity_usd,
			volume_24h_usd, holder_count, change_1h, change_24h
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.Token, unixMilli(snap.At), snap.PriceUSD, nullFloat(snap.MarketCapUSD),
		nullFloat(snap.LiquidityUSD), nullFloat(snap.Volume24hUSD), holders,
		nullFloat(snap.Change1h), nullFloat(snap.Change24h),
	); err != nil {
		return fmt.Errorf("store: append snapshot: %w", err)
	}
	return nil
}

// Snapshots returns the token's snapshots at or after since in time order.
func (s *Store) Snapshots(ctx context.Context, token string, since time.Time) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token_address, snapshot_at, price_usd, market_cap_usd, liquidity_usd,
		       volume_24h_usd, holder_count, change_1h, change_24h
		FROM price_snapshots
		WHERE token_address = ? AND snapshot_at >= ?
		ORDER BY snapshot_at, id`, token, unixMilli(since))
	if err != nil {
		return nil, fmt.Errorf("store: list snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var (
			snap           Snapshot
			at             int64
			mcap, liq, vol sql.NullFloat64
			c1, c24        sql.NullFloat64
			holders        sql.NullInt64
		)
		if err := rows.Scan(&snap.Token, &at, &snap.PriceUSD, &mcap, &liq, &vol, &holders, &c1, &c24); err != nil {
			return nil, fmt.Errorf("store: scan snapshot: %w", err)
		}
		snap.At = fromMilli(at)
		snap.MarketCapUSD, snap.LiquidityUSD, snap.Volume24hUSD = floatPtr(mcap), floatPtr(liq), floatPtr(vol)
		snap.Change1h, snap.Change24h = floatPtr(c1), floatPtr(c24)
		if holders.Valid {
			h := holders.Int64
			snap.HolderCount = &h
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// PriceAt returns the price of the latest snapshot taken at or before at.
// ok is false when no snapshot is that old.
func (s *Store) PriceAt(ctx context.Context, token string, at time.Time) (price float64, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT price_usd FROM price_snapshots
		WHERE token_address = ? AND snapshot_at <= ?
		ORDER BY snapshot_at DESC, id DESC LIMIT 1`, token, unixMilli(at)).Scan(&price)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("store: price at: %w", err)
	}
	return price, true, nil
}

// TrimSnapshots deletes snapshots older than before.
func (s *Store) TrimSnapshots(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM price_snapshots WHERE snapshot_at < ?`, unixMilli(before))
	if err != nil {
		return 0, fmt.Errorf("store: trim snapshots: %w", err)
	}
	return res.RowsAffected()
}
