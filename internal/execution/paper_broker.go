package execution

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// PaperConfig configures the simulated broker.
type PaperConfig struct {
	MinLatency time.Duration
	MaxLatency time.Duration
	// Slippage is BaseSlippagePct at ReferenceLiquidityUSD and scales
	// inversely with pool liquidity, clamped to [MinSlippagePct, MaxSlippagePct].
	BaseSlippagePct       float64
	ReferenceLiquidityUSD float64
	MinSlippagePct        float64
	MaxSlippagePct        float64
	FeePct                float64 // pool fee on the swapped value
	NetworkFeeUSD         float64
}

func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		MinLatency:            time.Second,
		MaxLatency:            3 * time.Second,
		BaseSlippagePct:       1,
		ReferenceLiquidityUSD: 50_000,
		MinSlippagePct:        0.1,
		MaxSlippagePct:        15,
		FeePct:                0.25,
		NetworkFeeUSD:         0.01,
	}
}

// PaperBroker simulates swaps against the last quoted price. Buys pay more
// and sells receive less by a liquidity-dependent slippage; each fill waits
// a random latency first.
//
// Thread-safe: all shared state is guarded by mu.
type PaperBroker struct {
	config PaperConfig
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
	now    func() time.Time

	mu    sync.Mutex
	seen  map[string]struct{}
	fills []Fill

	executed atomic.Int64
	rejected atomic.Int64
}

var _ Broker = (*PaperBroker)(nil)

func NewPaperBroker(config PaperConfig) *PaperBroker {
	if config.MaxLatency < config.MinLatency {
		config.MaxLatency = config.MinLatency
	}
	pb := &PaperBroker{
		config: config,
		sleep:  sleepCtx,
		jitter: rand.Float64,
		now:    time.Now,
		seen:   make(map[string]struct{}),
	}
	log.Info().
		Dur("min_latency", config.MinLatency).
		Dur("max_latency", config.MaxLatency).
		Float64("base_slippage_pct", config.BaseSlippagePct).
		Msg("execution: paper broker initialized")
	return pb
}

// SetSleep replaces the latency wait, for tests.
func (pb *PaperBroker) SetSleep(fn func(ctx context.Context, d time.Duration) error) { pb.sleep = fn }

func (pb *PaperBroker) Name() string { return "paper" }

// Execute fills the order after the simulated latency. Duplicate order IDs
// are rejected.
func (pb *PaperBroker) Execute(ctx context.Context, o Order) (Fill, error) {
	if err := o.Validate(); err != nil {
		pb.rejected.Add(1)
		return Fill{}, err
	}
	pb.mu.Lock()
	if _, dup := pb.seen[o.ID]; dup {
		pb.mu.Unlock()
		pb.rejected.Add(1)
		log.Warn().Str("order_id", o.ID).Msg("execution: duplicate order rejected")
		return Fill{}, fmt.Errorf("%w: %s", ErrDuplicateOrder, o.ID)
	}
	pb.seen[o.ID] = struct{}{}
	pb.mu.Unlock()

	if err := pb.sleep(ctx, pb.Latency()); err != nil {
		pb.mu.Lock()
		delete(pb.seen, o.ID)
		pb.mu.Unlock()
		return Fill{}, err
	}

	fill := pb.price(o)

	pb.mu.Lock()
	pb.fills = append(pb.fills, fill)
	pb.mu.Unlock()
	pb.executed.Add(1)

	log.Info().
		Str("order_id", o.ID).
		Str("pos_id", o.PositionID).
		Str("token", o.Token).
		Str("side", string(o.Side)).
		Str("price", fill.ExecutionPrice.String()).
		Str("qty", fill.Quantity.String()).
		Float64("slippage_pct", fill.SlippagePct).
		Msg("execution: paper fill")
	return fill, nil
}

// Latency draws a delay in [MinLatency, MaxLatency].
func (pb *PaperBroker) Latency() time.Duration {
	span := pb.config.MaxLatency - pb.config.MinLatency
	return pb.config.MinLatency + time.Duration(pb.jitter()*float64(span))
}

// SlippagePct is the simulated slippage for a pool of the given depth.
// Unknown or empty liquidity takes the maximum.
func (pb *PaperBroker) SlippagePct(liquidityUSD float64) float64 {
	c := pb.config
	if liquidityUSD <= 0 || math.IsNaN(liquidityUSD) || math.IsInf(liquidityUSD, 0) {
		return c.MaxSlippagePct
	}
	s := c.BaseSlippagePct * c.ReferenceLiquidityUSD / liquidityUSD
	return math.Min(c.MaxSlippagePct, math.Max(c.MinSlippagePct, s))
}

func (pb *PaperBroker) price(o Order) Fill {
	slip := decimal.NewFromFloat(pb.SlippagePct(o.LiquidityUSD)).Div(hundred)
	one := decimal.NewFromInt(1)
	feeRate := decimal.NewFromFloat(pb.config.FeePct).Div(hundred)
	network := decimal.NewFromFloat(pb.config.NetworkFeeUSD)

	f := Fill{
		ID:         uuid.NewString(),
		OrderID:    o.ID,
		PositionID: o.PositionID,
		Token:      o.Token,
		Side:       o.Side,
		Broker:     pb.Name(),
		ExecutedAt: pb.now(),
	}
	switch o.Side {
	case SideBuy:
		f.ExecutionPrice = o.RefPrice.Mul(one.Add(slip))
		f.FeeUSD = o.NotionalUSD.Mul(feeRate).Add(network)
		spend := o.NotionalUSD.Sub(f.FeeUSD)
		if spend.IsNegative() {
			spend = decimal.Zero
		}
		f.Quantity = spend.Div(f.ExecutionPrice)
	case SideSell:
		f.ExecutionPrice = o.RefPrice.Mul(one.Sub(slip))
		f.Quantity = o.Quantity
		f.FeeUSD = f.ValueUSD().Mul(feeRate).Add(network)
	}
	f.SlippagePct = slippagePct(o.Side, o.RefPrice, f.ExecutionPrice)
	return f
}

// Fills returns a snapshot of all fills.
func (pb *PaperBroker) Fills() []Fill {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	out := make([]Fill, len(pb.fills))
	copy(out, pb.fills)
	return out
}

// BrokerStats holds broker counters.
type BrokerStats struct {
	Executed int64 `json:"executed"`
	Rejected int64 `json:"rejected"`
}

func (pb *PaperBroker) Stats() BrokerStats {
	return BrokerStats{Executed: pb.executed.Load(), Rejected: pb.rejected.Load()}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
