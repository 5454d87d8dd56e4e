package trading

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/spbarathg/callsbotonchain-sub001/internal/execution"
	"github.com/spbarathg/callsbotonchain-sub001/internal/store"
)

// Status is a position lifecycle state.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// ErrNotOpen is returned when closing a position that is not open.
var ErrNotOpen = errors.New("trading: position not open")

// Position is one row of trading.db positions. Money columns are stored as
// decimal text.
type Position struct {
	ID             string              `gorm:"column:id;primaryKey" json:"id"`
	Token          string              `gorm:"column:token_address" json:"token"`
	Tier           Tier                `gorm:"column:risk_tier" json:"risk_tier"`
	Status         Status              `gorm:"column:status" json:"status"`
	EntryPrice     decimal.Decimal     `gorm:"column:entry_price" json:"entry_price"`
	EntryTime      time.Time           `gorm:"column:entry_time" json:"entry_time"`
	Quantity       decimal.Decimal     `gorm:"column:quantity" json:"quantity"`
	CostUSD        decimal.Decimal     `gorm:"column:cost_usd" json:"cost_usd"`
	PeakPrice      decimal.Decimal     `gorm:"column:peak_price" json:"peak_price"`
	StopLossPct    float64             `gorm:"column:stop_loss_pct" json:"stop_loss_pct"`
	TrailPct       float64             `gorm:"column:trail_pct" json:"trail_pct"`
	TargetMultiple float64             `gorm:"column:target_multiple" json:"target_multiple"`
	Score          int                 `gorm:"column:score" json:"score"`
	ConvictionType string              `gorm:"column:conviction_type" json:"conviction_type"`
	SmartMoney     bool                `gorm:"column:smart_money" json:"smart_money"`
	ExitPrice      decimal.NullDecimal `gorm:"column:exit_price" json:"exit_price"`
	ExitTime       *time.Time          `gorm:"column:exit_time" json:"exit_time,omitempty"`
	ExitReason     string              `gorm:"column:exit_reason" json:"exit_reason,omitempty"`
	RealizedPnLUSD decimal.NullDecimal `gorm:"column:realized_pnl_usd" json:"realized_pnl_usd"`
}

func (Position) TableName() string { return "positions" }

// PnLPct is the unrealised return at price.
func (p *Position) PnLPct(price decimal.Decimal) float64 {
	if !p.EntryPrice.IsPositive() {
		return 0
	}
	return price.Div(p.EntryPrice).Sub(decimal.NewFromInt(1)).Mul(hundred).InexactFloat64()
}

// FillRecord is one row of trading.db fills.
type FillRecord struct {
	ID             string          `gorm:"column:id;primaryKey"`
	PositionID     string          `gorm:"column:position_id"`
	Side           string          `gorm:"column:side"`
	Broker         string          `gorm:"column:broker"`
	ExecutionPrice decimal.Decimal `gorm:"column:execution_price"`
	Quantity       decimal.Decimal `gorm:"column:quantity"`
	FeeUSD         decimal.Decimal `gorm:"column:fee_usd"`
	SlippagePct    float64         `gorm:"column:slippage_pct"`
	Signature      string          `gorm:"column:signature"`
	ExecutedAt     time.Time       `gorm:"column:executed_at"`
}

func (FillRecord) TableName() string { return "fills" }

func fillRecord(f execution.Fill) FillRecord {
	return FillRecord{
		ID:             f.ID,
		PositionID:     f.PositionID,
		Side:           string(f.Side),
		Broker:         f.Broker,
		ExecutionPrice: f.ExecutionPrice,
		Quantity:       f.Quantity,
		FeeUSD:         f.FeeUSD,
		SlippagePct:    f.SlippagePct,
		Signature:      f.Signature,
		ExecutedAt:     f.ExecutedAt,
	}
}

// Store persists positions and fills through gorm on top of the migrated
// trading database.
type Store struct {
	db  *gorm.DB
	sql *sql.DB
}

// OpenStore opens and migrates path.
func OpenStore(ctx context.Context, path string) (*Store, error) {
	sqlDB, err := store.OpenMigrated(ctx, path, "trading")
	if err != nil {
		return nil, err
	}
	s, err := NewStore(sqlDB)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an already-migrated connection.
func NewStore(sqlDB *sql.DB) (*Store, error) {
	db, err := gorm.Open(sqlite.Dialector{Conn: sqlDB}, &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Warn),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("trading: gorm open: %w", err)
	}
	return &Store{db: db, sql: sqlDB}, nil
}

func (s *Store) Close() error { return s.sql.Close() }

// InsertOpen writes a new position and its entry fill in one transaction.
func (s *Store) InsertOpen(ctx context.Context, p *Position, entry execution.Fill) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(p).Error; err != nil {
			return fmt.Errorf("trading: insert position: %w", err)
		}
		rec := fillRecord(entry)
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("trading: insert fill: %w", err)
		}
		return nil
	})
}

// MarkClosed moves an open position to closed and appends the exit fill.
// A position closes exactly once; later calls return ErrNotOpen.
func (s *Store) MarkClosed(ctx context.Context, id string, exit execution.Fill, reason string, pnl decimal.Decimal) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		at := exit.ExecutedAt
		res := tx.Model(&Position{}).
			Where("id = ? AND status = ?", id, StatusOpen).
			Updates(map[string]any{
				"status":           StatusClosed,
				"exit_price":       exit.ExecutionPrice,
				"exit_time":        at,
				"exit_reason":      reason,
				"realized_pnl_usd": pnl,
			})
		if res.Error != nil {
			return fmt.Errorf("trading: close position: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrNotOpen, id)
		}
		rec := fillRecord(exit)
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("trading: insert fill: %w", err)
		}
		return nil
	})
}

// UpdatePeak stores a new peak price for an open position.
func (s *Store) UpdatePeak(ctx context.Context, id string, peak decimal.Decimal) error {
	return s.db.WithContext(ctx).Model(&Position{}).
		Where("id = ? AND status = ?", id, StatusOpen).
		Update("peak_price", peak).Error
}

// OpenPositions returns open positions, oldest first.
func (s *Store) OpenPositions(ctx context.Context) ([]Position, error) {
	var out []Position
	err := s.db.WithContext(ctx).Where("status = ?", StatusOpen).Order("entry_time").Find(&out).Error
	return out, err
}

// Get loads one position.
func (s *Store) Get(ctx context.Context, id string) (*Position, error) {
	var p Position
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ClosedSince returns positions closed at or after since, newest first.
func (s *Store) ClosedSince(ctx context.Context, since time.Time) ([]Position, error) {
	var out []Position
	err := s.db.WithContext(ctx).
		Where("status = ? AND exit_time >= ?", StatusClosed, since).
		Order("exit_time DESC").Find(&out).Error
	return out, err
}

// Fills returns a position's fills in execution order.
func (s *Store) Fills(ctx context.Context, positionID string) ([]FillRecord, error) {
	var out []FillRecord
	err := s.db.WithContext(ctx).Where("position_id = ?", positionID).Order("executed_at").Find(&out).Error
	return out, err
}

// HasOpen reports whether the token already has an open position.
func (s *Store) HasOpen(ctx context.Context, token string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Position{}).
		Where("token_address = ? AND status = ?", token, StatusOpen).Count(&n).Error
	return n > 0, err
}
