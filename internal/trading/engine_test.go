package trading

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spbarathg/callsbotonchain-sub001/internal/audit"
	"github.com/spbarathg/callsbotonchain-sub001/internal/bus"
	"github.com/spbarathg/callsbotonchain-sub001/internal/execution"
	"github.com/spbarathg/callsbotonchain-sub001/internal/observability"
	"github.com/spbarathg/callsbotonchain-sub001/internal/price"
	"github.com/spbarathg/callsbotonchain-sub001/internal/risk"
	"github.com/spbarathg/callsbotonchain-sub001/internal/scanner"
	"github.com/spbarathg/callsbotonchain-sub001/internal/stats"
)

// quoteMap is a settable price source.
type quoteMap struct {
	mu     sync.Mutex
	prices map[string]float64
}

func (q *quoteMap) set(token string, p float64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.prices == nil {
		q.prices = make(map[string]float64)
	}
	q.prices[token] = p
}

func (q *quoteMap) Quote(_ context.Context, token string) (*price.Quote, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.prices[token]
	if !ok {
		return nil, fmt.Errorf("no quote for %s", token)
	}
	return &price.Quote{Token: token, PriceUSD: p, LiquidityUSD: stats.Ptr(100_000.0)}, nil
}

type harness struct {
	engine  *Engine
	store   *Store
	capital *CapitalManager
	breaker *risk.Breaker
	quotes  *quoteMap
	trail   *audit.Trail
	metrics *observability.Registry
	now     *time.Time
	dir     string
}

type harnessOpts struct {
	start    time.Time
	capital  CapitalConfig
	config   Config
	breaker  *risk.Config
	treasury bool
}

// newHarness wires an engine over a temp trading.db and a paper broker with
// no latency, slippage or fees.
func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	if o.start.IsZero() {
		o.start = time.Now().UTC()
	}
	if o.capital == (CapitalConfig{}) {
		o.capital = DefaultCapitalConfig()
	}
	if o.config.Mode == "" {
		o.config = DefaultConfig()
	}
	h := &harness{
		store:   openStore(t),
		quotes:  &quoteMap{},
		trail:   audit.NewTrail(nil, 100),
		metrics: observability.NewPipelineRegistry(),
		dir:     t.TempDir(),
	}
	now := o.start
	h.now = &now
	clock := func() time.Time { return *h.now }

	var gate EntryGate
	if o.breaker != nil {
		cfg := *o.breaker
		cfg.Location = time.UTC
		h.breaker = risk.NewBreaker(cfg)
		h.breaker.SetClock(clock)
		gate = h.breaker
	}
	h.capital = NewCapitalManager(o.capital, gate)

	broker := execution.NewPaperBroker(execution.PaperConfig{})
	broker.SetSleep(func(context.Context, time.Duration) error { return nil })

	deps := Deps{
		Store:   h.store,
		Broker:  broker,
		Prices:  h.quotes,
		Capital: h.capital,
		Breaker: h.breaker,
		Trail:   h.trail,
		Metrics: h.metrics,
	}
	if o.treasury {
		deps.Treasury = NewTreasury(filepath.Join(h.dir, "treasury.json"))
	}
	h.engine = New(o.config, deps)
	h.engine.SetClock(clock)
	return h
}

func (h *harness) advance(d time.Duration) { *h.now = h.now.Add(d) }

// signal is an AGGRESSIVE-tier alert at 0.001 USD.
func (h *harness) signal(token string) Signal {
	h.quotes.set(token, 0.001)
	return Signal{
		Token: token, Score: 7, Conviction: scanner.ConvictionNuanced,
		PriceUSD: 0.001, MarketCapUSD: 100_000, LiquidityUSD: 100_000,
	}
}

// closeAtLoss sells p at the price that realises lossUSD.
func (h *harness) closeAtLoss(t *testing.T, p *Position, lossUSD float64) decimal.Decimal {
	t.Helper()
	exit := p.CostUSD.Sub(dec(lossUSD)).Div(p.Quantity)
	pnl, err := h.engine.Close(context.Background(), p, exit, ExitManual)
	require.NoError(t, err)
	return pnl
}

func entriesOf(tr *audit.Trail, eventType string) []audit.Entry {
	var out []audit.Entry
	for _, e := range tr.Entries() {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// -----------------------------------------------------------------------
// Entry
// -----------------------------------------------------------------------

func TestEngine_OpensSizedPosition(t *testing.T) {
	h := newHarness(t, harnessOpts{treasury: true})
	ctx := context.Background()

	p, err := h.engine.HandleSignal(ctx, h.signal("tokA"))
	require.NoError(t, err)
	assert.Equal(t, TierAggressive, p.Tier)
	assert.True(t, p.CostUSD.Equal(dec(200)), p.CostUSD.String())
	assert.True(t, p.EntryPrice.Equal(dec(0.001)))
	assert.True(t, p.Quantity.Equal(dec(200_000)), p.Quantity.String())
	assert.Equal(t, 50.0, p.StopLossPct)
	assert.Equal(t, 25.0, p.TrailPct)

	stored, err := h.store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, stored.Status)

	fills, err := h.store.Fills(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, "buy", fills[0].Side)
	assert.Equal(t, "paper", fills[0].Broker)

	saved, ok, err := NewTreasury(filepath.Join(h.dir, "treasury.json")).Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, saved.OpenPositions)
	assert.True(t, saved.DeployedUSD.Equal(dec(200)))

	assert.Equal(t, 1.0, h.metrics.Counter(observability.TradesOpened, "").Value())
	allow := entriesOf(h.trail, audit.EventAdmission)
	require.Len(t, allow, 1)
	assert.Equal(t, "allow", allow[0].Decision)
}

func TestEngine_RejectsDuplicateToken(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	_, err := h.engine.HandleSignal(ctx, h.signal("tokA"))
	require.NoError(t, err)

	_, err = h.engine.HandleSignal(ctx, h.signal("tokA"))
	assert.ErrorIs(t, err, ErrAdmissionDenied)
	assert.Equal(t, DenyDuplicate, DenialReason(err))
	assert.Equal(t, int64(1), h.engine.Stats().Denied)
}

func TestEngine_HandleEventSwallowsRejections(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	// No market cap: unclassifiable.
	err := h.engine.HandleEvent(ctx, bus.AlertEvent{CA: "tokA", Score: 9, Price: stats.Ptr(0.001)})
	require.NoError(t, err)

	ev := bus.AlertEvent{
		CA: "tokB", Score: 7, ConvictionType: scanner.ConvictionNuanced.String(),
		Price: stats.Ptr(0.001), MarketCap: stats.Ptr(100_000.0), Liquidity: stats.Ptr(100_000.0),
		Timestamp: time.Now().Unix(),
	}
	h.quotes.set("tokB", 0.001)
	require.NoError(t, h.engine.HandleEvent(ctx, ev))
	require.NoError(t, h.engine.HandleEvent(ctx, ev), "duplicate is a denial, not an error")

	s := h.engine.Stats()
	assert.Equal(t, int64(3), s.Signals)
	assert.Equal(t, int64(1), s.Unclassified)
	assert.Equal(t, int64(1), s.Opened)
	assert.Equal(t, int64(1), s.Denied)
}

// -----------------------------------------------------------------------
// Circuit breaker and recovery
// -----------------------------------------------------------------------

func TestEngine_ConsecutiveLossesHaltUntilMonday(t *testing.T) {
	wed := time.Date(2024, 1, 3, 15, 0, 0, 0, time.UTC)
	h := newHarness(t, harnessOpts{
		start: wed,
		breaker: &risk.Config{
			MaxDailyLossUSD:      dec(1000),
			MaxWeeklyLossUSD:     dec(3000),
			MaxConsecutiveLosses: 3,
		},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p, err := h.engine.HandleSignal(ctx, h.signal(fmt.Sprintf("loser%d", i)))
		require.NoError(t, err, "entry %d", i)
		pnl := h.closeAtLoss(t, p, 50)
		assert.InDelta(t, -50, pnl.InexactFloat64(), 1e-6)
		h.advance(time.Minute)
	}

	snap := h.breaker.Snapshot()
	assert.True(t, snap.Tripped)
	assert.Equal(t, 3, snap.ConsecutiveLosses)

	_, err := h.engine.HandleSignal(ctx, h.signal("blocked"))
	require.ErrorIs(t, err, ErrAdmissionDenied)
	assert.Equal(t, risk.ReasonConsecutiveLosses, DenialReason(err))
	assert.False(t, h.capital.Recovery())

	// Still halted on Sunday night.
	*h.now = time.Date(2024, 1, 7, 23, 59, 0, 0, time.UTC)
	_, err = h.engine.HandleSignal(ctx, h.signal("sunday"))
	assert.Equal(t, risk.ReasonConsecutiveLosses, DenialReason(err))

	*h.now = time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)
	p, err := h.engine.HandleSignal(ctx, h.signal("monday"))
	require.NoError(t, err)
	assert.True(t, h.capital.Recovery())
	// 20% of ~850 equity, halved in recovery.
	assert.True(t, p.CostUSD.Equal(dec(85)), p.CostUSD.String())

	trips := entriesOf(h.trail, audit.EventBreakerTrip)
	require.Len(t, trips, 1)
	assert.Equal(t, []string{risk.ReasonConsecutiveLosses}, trips[0].Reasons)
	assert.Len(t, entriesOf(h.trail, audit.EventBreakerClear), 1)

	// A winning close ends recovery sizing.
	pnl, err := h.engine.Close(ctx, p, dec(0.002), ExitManual)
	require.NoError(t, err)
	assert.True(t, pnl.IsPositive())
	assert.False(t, h.capital.Recovery())
	assert.Equal(t, 0, h.breaker.Snapshot().ConsecutiveLosses)
}

type failingBroker struct{}

func (failingBroker) Name() string { return "failing" }

func (failingBroker) Execute(context.Context, execution.Order) (execution.Fill, error) {
	return execution.Fill{}, execution.ErrSwapFailed
}

func TestEngine_ExecutionFailureReturnsReservation(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.engine.deps.Broker = failingBroker{}

	_, err := h.engine.HandleSignal(context.Background(), h.signal("tokA"))
	require.ErrorIs(t, err, execution.ErrSwapFailed)
	assert.True(t, h.capital.Snapshot().CashUSD.Equal(dec(1000)))
	assert.Empty(t, h.capital.Snapshot().Deployed)
	assert.Equal(t, int64(1), h.engine.Stats().ExecErrors)

	held, err := h.store.HasOpen(context.Background(), "tokA")
	require.NoError(t, err)
	assert.False(t, held)
}

// -----------------------------------------------------------------------
// Exit loop
// -----------------------------------------------------------------------

func TestEngine_ExitPassStopLoss(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	p, err := h.engine.HandleSignal(ctx, h.signal("tokA"))
	require.NoError(t, err)

	h.quotes.set("tokA", 0.0005)
	res, err := h.engine.ExitPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExitResult{Open: 1, Checked: 1, Closed: 1}, res)

	got, err := h.store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, got.Status)
	assert.Equal(t, ExitStopLoss, got.ExitReason)
	assert.True(t, got.RealizedPnLUSD.Decimal.Equal(dec(-100)), got.RealizedPnLUSD.Decimal.String())

	fills, err := h.store.Fills(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, fills, 2)

	s := h.capital.Snapshot()
	assert.True(t, s.CashUSD.Equal(dec(900)), s.CashUSD.String())
	assert.Empty(t, s.Deployed)
	assert.Len(t, entriesOf(h.trail, audit.EventPositionClose), 1)
}

func TestEngine_ExitPassTrailingStopOnCadence(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	p, err := h.engine.HandleSignal(ctx, h.signal("tokA"))
	require.NoError(t, err)

	h.quotes.set("tokA", 0.002)
	res, err := h.engine.ExitPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Closed)
	got, err := h.store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.PeakPrice.Equal(dec(0.002)))

	// Fresh positions are polled every 10s.
	h.quotes.set("tokA", 0.0015)
	res, err = h.engine.ExitPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Checked)

	h.advance(11 * time.Second)
	res, err = h.engine.ExitPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Closed)

	got, err = h.store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, ExitTrailingStop, got.ExitReason)
	assert.True(t, got.RealizedPnLUSD.Decimal.Equal(dec(100)))
}

func TestEngine_ExitPassQuoteFailure(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	_, err := h.engine.HandleSignal(ctx, h.signal("tokA"))
	require.NoError(t, err)
	delete(h.quotes.prices, "tokA")

	res, err := h.engine.ExitPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExitResult{Open: 1, Checked: 1, Errors: 1}, res)
}

func TestEngine_CloseOnce(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	p, err := h.engine.HandleSignal(ctx, h.signal("tokA"))
	require.NoError(t, err)

	_, err = h.engine.CloseByID(ctx, p.ID, ExitManual)
	require.NoError(t, err)
	_, err = h.engine.CloseByID(ctx, p.ID, ExitManual)
	assert.ErrorIs(t, err, ErrNotOpen)
	assert.Equal(t, int64(1), h.engine.Stats().Closed)
}

// -----------------------------------------------------------------------
// Rebalancing
// -----------------------------------------------------------------------

func TestEngine_RebalanceReplacesWeakest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RebalanceEnabled = true
	capCfg := DefaultCapitalConfig()
	capCfg.MaxConcurrentPositions = 1
	h := newHarness(t, harnessOpts{config: cfg, capital: capCfg})
	ctx := context.Background()

	weak, err := h.engine.HandleSignal(ctx, h.signal("weak"))
	require.NoError(t, err)
	h.quotes.set("weak", 0.0006)
	h.advance(2 * time.Hour)

	strong := h.signal("strong")
	strong.Score, strong.Conviction, strong.SmartMoney = 10, scanner.ConvictionHighSmart, true
	p, err := h.engine.HandleSignal(ctx, strong)
	require.NoError(t, err)
	assert.Equal(t, "strong", p.Token)

	got, err := h.store.Get(ctx, weak.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, got.Status)
	assert.Equal(t, ExitRebalance, got.ExitReason)
	assert.Equal(t, int64(1), h.engine.Stats().Rebalances)
}

func TestEngine_NoRebalanceWithoutAdvantage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RebalanceEnabled = true
	capCfg := DefaultCapitalConfig()
	capCfg.MaxConcurrentPositions = 1
	h := newHarness(t, harnessOpts{config: cfg, capital: capCfg})
	ctx := context.Background()

	_, err := h.engine.HandleSignal(ctx, h.signal("held"))
	require.NoError(t, err)
	h.quotes.set("held", 0.0015)

	_, err = h.engine.HandleSignal(ctx, h.signal("other"))
	assert.Equal(t, DenyMaxPositions, DenialReason(err))
	assert.Equal(t, int64(0), h.engine.Stats().Rebalances)
}

// -----------------------------------------------------------------------
// Restart
// -----------------------------------------------------------------------

func TestEngine_RestoreFromTreasury(t *testing.T) {
	h := newHarness(t, harnessOpts{treasury: true})
	ctx := context.Background()
	p, err := h.engine.HandleSignal(ctx, h.signal("tokA"))
	require.NoError(t, err)
	before := h.capital.Snapshot()

	capital := NewCapitalManager(DefaultCapitalConfig(), nil)
	restarted := New(DefaultConfig(), Deps{
		Store:    h.store,
		Broker:   execution.NewPaperBroker(execution.PaperConfig{}),
		Prices:   h.quotes,
		Capital:  capital,
		Treasury: NewTreasury(filepath.Join(h.dir, "treasury.json")),
	})
	require.NoError(t, restarted.Restore(ctx))

	after := capital.Snapshot()
	assert.True(t, after.CashUSD.Equal(before.CashUSD), after.CashUSD.String())
	assert.True(t, after.Deployed[p.ID].Equal(dec(200)))
}

func TestEngine_RestoreWithoutTreasury(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	p, err := h.engine.HandleSignal(ctx, h.signal("tokA"))
	require.NoError(t, err)

	capital := NewCapitalManager(DefaultCapitalConfig(), nil)
	restarted := New(DefaultConfig(), Deps{Store: h.store, Capital: capital})
	require.NoError(t, restarted.Restore(ctx))

	s := capital.Snapshot()
	assert.True(t, s.CashUSD.Equal(dec(800)), s.CashUSD.String())
	assert.True(t, s.Deployed[p.ID].Equal(dec(200)))
}
