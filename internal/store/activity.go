package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Activity is one observation of a token that passed the preliminary gate.
type Activity struct {
	Token       string
	ObservedAt  time.Time
	USDValue    float64
	TxCount     int
	SmartMoney  bool
	PrelimScore int
	Trader      string
}

// RecordActivity appends an activity row.
func (s *Store) RecordActivity(ctx context.Context, a Activity) error {
	if a.ObservedAt.IsZero() {
		a.ObservedAt = s.now()
	}
	if a.TxCount <= 0 {
		a.TxCount = 1
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO token_activity (token_address, observed_at, usd_value, tx_count, smart_money, prelim_score, trader)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.Token, unixMilli(a.ObservedAt), a.USDValue, a.TxCount, boolInt(a.SmartMoney), a.PrelimScore, a.Trader,
	); err != nil {
		return fmt.Errorf("store: record activity: %w", err)
	}
	return nil
}

// Velocity returns the number of activity rows for token within window of
// now.
func (s *Store) Velocity(ctx context.Context, token string, window time.Duration) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM token_activity WHERE token_address = ? AND observed_at >= ?`,
		token, unixMilli(s.now().Add(-window))).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: velocity: %w", err)
	}
	return n, nil
}

// FirstSeen returns the earliest retained observation of token.
func (s *Store) FirstSeen(ctx context.Context, token string) (time.Time, bool, error) {
	var first sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(observed_at) FROM token_activity WHERE token_address = ?`, token).Scan(&first)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("store: first seen: %w", err)
	}
	if !first.Valid {
		return time.Time{}, false, nil
	}
	return fromMilli(first.Int64), true, nil
}

// CleanupActivity deletes activity rows older than before.
func (s *Store) CleanupActivity(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM token_activity WHERE observed_at < ?`, unixMilli(before))
	if err != nil {
		return 0, fmt.Errorf("store: cleanup activity: %w", err)
	}
	return res.RowsAffected()
}

// ActivityCount returns the total number of activity rows.
func (s *Store) ActivityCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM token_activity`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count activity: %w", err)
	}
	return n, nil
}

// Retention applies the configured retention windows in one pass.
type Retention struct {
	Activity  time.Duration
	Snapshots time.Duration
}

// RetentionResult reports deleted row counts.
type RetentionResult struct {
	Activity  int64 `json:"activity"`
	Snapshots int64 `json:"snapshots"`
}

// Cleanup deletes activity and snapshots past their retention windows. A
// zero window keeps rows forever.
func (s *Store) Cleanup(ctx context.Context, r Retention) (RetentionResult, error) {
	var out RetentionResult
	now := s.now()
	if r.Activity > 0 {
		n, err := s.CleanupActivity(ctx, now.Add(-r.Activity))
		if err != nil {
			return out, err
		}
		out.Activity = n
	}
	if r.Snapshots > 0 {
		n, err := s.TrimSnapshots(ctx, now.Add(-r.Snapshots))
		if err != nil {
			return out, err
		}
		out.Snapshots = n
	}
	return out, nil
}
