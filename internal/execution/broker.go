// Package execution turns trading decisions into fills: a simulated paper
// broker and a live broker that swaps through the Jupiter aggregator.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the swap direction relative to the token.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

var (
	// ErrInvalidOrder is returned for orders that cannot be priced or sized.
	ErrInvalidOrder = errors.New("execution: invalid order")
	// ErrDuplicateOrder is returned when an order ID was already executed.
	ErrDuplicateOrder = errors.New("execution: duplicate order")
)

// Order is one swap request. Buys are sized in USD, sells in token units.
type Order struct {
	ID           string
	PositionID   string
	Token        string
	Side         Side
	NotionalUSD  decimal.Decimal
	Quantity     decimal.Decimal
	RefPrice     decimal.Decimal // last quoted USD price per token
	LiquidityUSD float64
}

// Validate checks that the order can be executed.
func (o Order) Validate() error {
	if o.ID == "" || o.Token == "" {
		return fmt.Errorf("%w: missing id or token", ErrInvalidOrder)
	}
	if !o.RefPrice.IsPositive() {
		return fmt.Errorf("%w: reference price %s", ErrInvalidOrder, o.RefPrice)
	}
	switch o.Side {
	case SideBuy:
		if !o.NotionalUSD.IsPositive() {
			return fmt.Errorf("%w: buy notional %s", ErrInvalidOrder, o.NotionalUSD)
		}
	case SideSell:
		if !o.Quantity.IsPositive() {
			return fmt.Errorf("%w: sell quantity %s", ErrInvalidOrder, o.Quantity)
		}
	default:
		return fmt.Errorf("%w: side %q", ErrInvalidOrder, o.Side)
	}
	return nil
}

// Fill is an executed swap.
type Fill struct {
	ID             string          `json:"id"`
	OrderID        string          `json:"order_id"`
	PositionID     string          `json:"position_id"`
	Token          string          `json:"token"`
	Side           Side            `json:"side"`
	Broker         string          `json:"broker"`
	ExecutionPrice decimal.Decimal `json:"execution_price"`
	Quantity       decimal.Decimal `json:"quantity"`
	FeeUSD         decimal.Decimal `json:"fee_usd"`
	SlippagePct    float64         `json:"slippage_pct"`
	Signature      string          `json:"signature,omitempty"`
	ExecutedAt     time.Time       `json:"executed_at"`
}

// ValueUSD is execution price times quantity, before fees.
func (f Fill) ValueUSD() decimal.Decimal { return f.ExecutionPrice.Mul(f.Quantity) }

// Broker executes orders.
type Broker interface {
	Name() string
	Execute(ctx context.Context, o Order) (Fill, error)
}

var hundred = decimal.NewFromInt(100)

// slippagePct returns the signed percentage distance of exec from ref, with
// adverse moves positive for both sides.
func slippagePct(side Side, ref, exec decimal.Decimal) float64 {
	if !ref.IsPositive() {
		return 0
	}
	d := exec.Div(ref).Sub(decimal.NewFromInt(1)).Mul(hundred)
	if side == SideSell {
		d = d.Neg()
	}
	return d.InexactFloat64()
}
