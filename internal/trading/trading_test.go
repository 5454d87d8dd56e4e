package trading

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spbarathg/callsbotonchain-sub001/internal/execution"
	"github.com/spbarathg/callsbotonchain-sub001/internal/risk"
	"github.com/spbarathg/callsbotonchain-sub001/internal/scanner"
	"github.com/spbarathg/callsbotonchain-sub001/internal/store"
)

func dec(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

// -----------------------------------------------------------------------
// Tiers
// -----------------------------------------------------------------------

func TestClassify(t *testing.T) {
	cfg := DefaultTierConfig()
	base := Signal{Token: "tok", PriceUSD: 0.001, LiquidityUSD: 40_000}

	cases := []struct {
		name  string
		mcap  float64
		score int
		conv  scanner.Conviction
		smart bool
		want  Tier
	}{
		{"moonshot needs high conviction", 60_000, 8, scanner.ConvictionHighStrict, false, TierMoonshot},
		{"nuanced small cap falls to aggressive", 60_000, 8, scanner.ConvictionNuanced, false, TierAggressive},
		{"aggressive upper band", 300_000, 7, scanner.ConvictionNuanced, false, TierAggressive},
		{"calculated", 500_000, 6, scanner.ConvictionNuanced, false, TierCalculated},
		{"smart money lowers the score bar", 500_000, 5, scanner.ConvictionNuancedSmart, true, TierCalculated},
		{"below every band without high conviction", 40_000, 8, scanner.ConvictionNuanced, false, ""},
		{"score too low", 500_000, 5, scanner.ConvictionNuanced, false, ""},
		{"cap too large", 3_000_000, 10, scanner.ConvictionHighSmart, true, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := base
			s.MarketCapUSD, s.Score, s.Conviction, s.SmartMoney = tc.mcap, tc.score, tc.conv, tc.smart
			spec, err := cfg.Classify(s)
			if tc.want == "" {
				assert.ErrorIs(t, err, ErrNoTier)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, spec.Tier)
		})
	}
}

func TestClassify_RejectsMissingMarketData(t *testing.T) {
	cfg := DefaultTierConfig()
	good := Signal{Token: "tok", Score: 9, Conviction: scanner.ConvictionHighSmart,
		PriceUSD: 0.001, MarketCapUSD: 60_000, LiquidityUSD: 40_000}
	_, err := cfg.Classify(good)
	require.NoError(t, err)

	noPrice := good
	noPrice.PriceUSD = 0
	_, err = cfg.Classify(noPrice)
	assert.ErrorIs(t, err, ErrNoTier)

	noCap := good
	noCap.MarketCapUSD = 0
	_, err = cfg.Classify(noCap)
	assert.ErrorIs(t, err, ErrNoTier)

	thin := good
	thin.LiquidityUSD = 5_000
	_, err = cfg.Classify(thin)
	assert.ErrorIs(t, err, ErrNoTier)
}

func TestTierConfig_Spec(t *testing.T) {
	cfg := DefaultTierConfig()
	s, ok := cfg.Spec(TierCalculated)
	require.True(t, ok)
	assert.Equal(t, 40.0, s.StopLossPct)
	_, ok = cfg.Spec("NOPE")
	assert.False(t, ok)
}

// -----------------------------------------------------------------------
// Capital
// -----------------------------------------------------------------------

type gate struct {
	ok     bool
	reason string
}

func (g *gate) Allow() (bool, string) { return g.ok, g.reason }

func aggressive() TierSpec {
	spec, _ := DefaultTierConfig().Spec(TierAggressive)
	return spec
}

func TestCapital_SizesFromEquity(t *testing.T) {
	m := NewCapitalManager(DefaultCapitalConfig(), &gate{ok: true})

	size, err := m.Admit("p1", aggressive())
	require.NoError(t, err)
	assert.True(t, size.Equal(dec(200)), size.String())

	s := m.Snapshot()
	assert.True(t, s.CashUSD.Equal(dec(800)))
	assert.True(t, s.DeployedUSD().Equal(dec(200)))
	assert.True(t, s.EquityUSD().Equal(dec(1000)))
}

func TestCapital_BreakerCheckedFirst(t *testing.T) {
	cfg := DefaultCapitalConfig()
	cfg.MaxConcurrentPositions = 1
	g := &gate{ok: true}
	m := NewCapitalManager(cfg, g)
	_, err := m.Admit("p1", aggressive())
	require.NoError(t, err)

	g.ok, g.reason = false, risk.ReasonDailyLoss
	_, err = m.Admit("p2", aggressive())
	require.ErrorIs(t, err, ErrAdmissionDenied)
	assert.Equal(t, risk.ReasonDailyLoss, DenialReason(err))

	var ae *AdmissionError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, DenyCircuitBreaker, ae.Detail)
}

func TestCapital_MaxPositions(t *testing.T) {
	cfg := DefaultCapitalConfig()
	cfg.MaxConcurrentPositions = 2
	m := NewCapitalManager(cfg, nil)
	spec := TierSpec{SizePct: 5}
	for _, id := range []string{"p1", "p2"} {
		_, err := m.Admit(id, spec)
		require.NoError(t, err)
	}
	_, err := m.Admit("p3", spec)
	assert.Equal(t, DenyMaxPositions, DenialReason(err))
}

func TestCapital_MaxDeployed(t *testing.T) {
	m := NewCapitalManager(DefaultCapitalConfig(), nil)
	spec := aggressive()
	_, err := m.Admit("p1", spec)
	require.NoError(t, err)
	_, err = m.Admit("p2", spec)
	require.NoError(t, err)

	// 60% after a third entry.
	_, err = m.Admit("p3", spec)
	assert.Equal(t, DenyMaxDeployed, DenialReason(err))
	assert.Len(t, m.Snapshot().Deployed, 2)
}

func TestCapital_Insufficient(t *testing.T) {
	m := NewCapitalManager(DefaultCapitalConfig(), nil)
	_, err := m.Admit("p1", TierSpec{SizePct: 150})
	assert.Equal(t, DenyInsufficient, DenialReason(err))

	_, err = m.Admit("p2", TierSpec{SizePct: 0.01})
	assert.Equal(t, DenyInsufficient, DenialReason(err), "below the minimum position")
}

func TestCapital_RecoveryHalvesSize(t *testing.T) {
	m := NewCapitalManager(DefaultCapitalConfig(), nil)
	m.SetRecovery(true)
	assert.True(t, m.Recovery())

	size, err := m.Admit("p1", aggressive())
	require.NoError(t, err)
	assert.True(t, size.Equal(dec(100)), size.String())
}

func TestCapital_CancelAndRelease(t *testing.T) {
	m := NewCapitalManager(DefaultCapitalConfig(), nil)
	_, err := m.Admit("p1", aggressive())
	require.NoError(t, err)
	m.Cancel("p1")
	assert.True(t, m.Snapshot().CashUSD.Equal(dec(1000)))
	assert.Empty(t, m.Snapshot().Deployed)

	_, err = m.Admit("p2", aggressive())
	require.NoError(t, err)
	pnl := m.Release("p2", dec(150))
	assert.True(t, pnl.Equal(dec(-50)), pnl.String())

	s := m.Snapshot()
	assert.True(t, s.CashUSD.Equal(dec(950)))
	assert.True(t, s.RealizedPnLUSD.Equal(dec(-50)))
	assert.Empty(t, s.Deployed)
}

func TestCapital_TrackAndRestore(t *testing.T) {
	m := NewCapitalManager(DefaultCapitalConfig(), nil)
	m.Track("p1", dec(120))
	m.Track("p1", dec(120))
	assert.True(t, m.Snapshot().CashUSD.Equal(dec(880)))

	m.Restore(CapitalState{StartingCapitalUSD: dec(1000), CashUSD: dec(500)})
	s := m.Snapshot()
	assert.NotNil(t, s.Deployed)
	assert.True(t, s.EquityUSD().Equal(dec(500)))
}

// -----------------------------------------------------------------------
// Exits
// -----------------------------------------------------------------------

func openPosition(entry, peak float64) *Position {
	return &Position{
		ID: "p", Status: StatusOpen,
		EntryPrice: dec(entry), PeakPrice: dec(peak),
		StopLossPct: 50, TrailPct: 25,
	}
}

func TestEvaluateExit_StopLoss(t *testing.T) {
	p := openPosition(1, 1)
	d := EvaluateExit(p, dec(0.5))
	assert.True(t, d.Exit)
	assert.Equal(t, ExitStopLoss, d.Reason)
	assert.True(t, d.Trigger.Equal(dec(0.5)))

	assert.False(t, EvaluateExit(p, dec(0.5001)).Exit)
}

func TestEvaluateExit_TrailingArmsAboveEntry(t *testing.T) {
	// Peak at entry: a 30% drop is inside the stop and the trail is unarmed.
	assert.False(t, EvaluateExit(openPosition(1, 1), dec(0.7)).Exit)

	p := openPosition(1, 2)
	d := EvaluateExit(p, dec(1.5))
	assert.True(t, d.Exit)
	assert.Equal(t, ExitTrailingStop, d.Reason)
	assert.False(t, EvaluateExit(p, dec(1.51)).Exit)
}

func TestEvaluateExit_IgnoresClosedOrBadPrices(t *testing.T) {
	p := openPosition(1, 1)
	assert.False(t, EvaluateExit(p, decimal.Zero).Exit)
	p.Status = StatusClosed
	assert.False(t, EvaluateExit(p, dec(0.1)).Exit)
}

func TestObservePrice(t *testing.T) {
	p := openPosition(1, 1)
	assert.False(t, ObservePrice(p, dec(0.9)))
	assert.True(t, ObservePrice(p, dec(1.2)))
	assert.True(t, p.PeakPrice.Equal(dec(1.2)))
}

// -----------------------------------------------------------------------
// Momentum
// -----------------------------------------------------------------------

func TestSignalQuality(t *testing.T) {
	assert.Equal(t, 70.0, SignalQuality(7, scanner.ConvictionNuanced, false))
	assert.Equal(t, 95.0, SignalQuality(8, scanner.ConvictionHighSmart, true))
	assert.Equal(t, 100.0, SignalQuality(10, scanner.ConvictionHighSmart, true))
}

func TestRanker_ScoreAndRank(t *testing.T) {
	r := NewRanker(DefaultRankerConfig())
	now := time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC)
	loser := Position{ID: "a", Token: "A", EntryPrice: dec(1), EntryTime: now.Add(-2 * time.Hour),
		Score: 7, ConvictionType: scanner.ConvictionNuanced.String()}
	winner := Position{ID: "b", Token: "B", EntryPrice: dec(1), EntryTime: now.Add(-2 * time.Hour),
		Score: 7, ConvictionType: scanner.ConvictionNuanced.String()}

	m := r.Score(&loser, dec(0.6), now)
	assert.InDelta(t, -40, m.PnLPct, 1e-9)
	assert.InDelta(t, -20, m.Velocity, 1e-9)
	assert.InDelta(t, 70, m.Quality, 1e-9)
	// 0.35*30 + 0.25*30 + 0.25*70 + 0.15*(100*(1-2/48))
	assert.InDelta(t, 49.875, m.Score, 1e-9)

	ranked := r.Rank([]Position{winner, loser}, map[string]decimal.Decimal{"A": dec(0.6), "B": dec(1.5)}, now)
	require.Len(t, ranked, 2)
	assert.Equal(t, "a", ranked[0].PositionID)
}

func TestRanker_ShouldRebalance(t *testing.T) {
	r := NewRanker(DefaultRankerConfig())
	incoming := Signal{Score: 10, Conviction: scanner.ConvictionHighSmart, SmartMoney: true}
	assert.InDelta(t, 70, r.ScoreSignal(incoming), 1e-9)

	rb, ok := r.ShouldRebalance(incoming, []Momentum{{PositionID: "a", Score: 55}})
	assert.True(t, ok)
	assert.InDelta(t, 15, rb.Advantage, 1e-9)

	_, ok = r.ShouldRebalance(incoming, []Momentum{{PositionID: "a", Score: 55.1}})
	assert.False(t, ok)

	_, ok = r.ShouldRebalance(incoming, nil)
	assert.False(t, ok)
}

// -----------------------------------------------------------------------
// Treasury
// -----------------------------------------------------------------------

func TestTreasury_SaveLoad(t *testing.T) {
	dir := t.TempDir()
	tr := NewTreasury(filepath.Join(dir, "state", "treasury.json"))

	_, ok, err := tr.Load()
	require.NoError(t, err)
	assert.False(t, ok)

	in := TreasuryState{
		UpdatedAt:     time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC),
		Mode:          "paper",
		EquityUSD:     dec(950),
		DeployedUSD:   dec(190),
		OpenPositions: 1,
		ClosedTrades:  1,
		Capital: CapitalState{
			StartingCapitalUSD: dec(1000),
			CashUSD:            dec(760),
			RealizedPnLUSD:     dec(-50),
			Deployed:           map[string]decimal.Decimal{"p2": dec(190)},
		},
		CircuitBreaker: risk.State{DailyPnL: dec(-50), ConsecutiveLosses: 1},
	}
	require.NoError(t, tr.Save(in))
	require.NoError(t, tr.Save(in))

	out, ok, err := tr.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "paper", out.Mode)
	assert.True(t, out.EquityUSD.Equal(dec(950)))
	assert.True(t, out.Capital.Deployed["p2"].Equal(dec(190)))
	assert.Equal(t, 1, out.CircuitBreaker.ConsecutiveLosses)

	leftovers, err := filepath.Glob(filepath.Join(dir, "state", ".treasury-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestTreasury_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "treasury.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, ok, err := NewTreasury(path).Load()
	assert.Error(t, err)
	assert.False(t, ok)
}

// -----------------------------------------------------------------------
// Store
// -----------------------------------------------------------------------

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(context.Background(), filepath.Join(t.TempDir(), "trading.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testFill(id, pos string, side execution.Side, price, qty float64, at time.Time) execution.Fill {
	return execution.Fill{
		ID: id, OrderID: id, PositionID: pos, Token: "tok", Side: side, Broker: "paper",
		ExecutionPrice: dec(price), Quantity: dec(qty), FeeUSD: dec(0.26), ExecutedAt: at,
	}
}

func TestStore_Lifecycle(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	at := time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC)

	p := &Position{
		ID: "p1", Token: "tok", Tier: TierAggressive, Status: StatusOpen,
		EntryPrice: dec(0.001), EntryTime: at, Quantity: dec(200_000), CostUSD: dec(200),
		PeakPrice: dec(0.001), StopLossPct: 50, TrailPct: 25, TargetMultiple: 2,
		Score: 7, ConvictionType: scanner.ConvictionNuanced.String(),
	}
	require.NoError(t, s.InsertOpen(ctx, p, testFill("f1", "p1", execution.SideBuy, 0.001, 200_000, at)))

	held, err := s.HasOpen(ctx, "tok")
	require.NoError(t, err)
	assert.True(t, held)

	require.NoError(t, s.UpdatePeak(ctx, "p1", dec(0.002)))
	open, err := s.OpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.True(t, open[0].PeakPrice.Equal(dec(0.002)))
	assert.True(t, open[0].CostUSD.Equal(dec(200)))
	assert.False(t, open[0].ExitPrice.Valid)

	exitAt := at.Add(time.Hour)
	exit := testFill("f2", "p1", execution.SideSell, 0.0015, 200_000, exitAt)
	require.NoError(t, s.MarkClosed(ctx, "p1", exit, ExitTrailingStop, dec(99.48)))
	err = s.MarkClosed(ctx, "p1", testFill("f3", "p1", execution.SideSell, 0.0015, 200_000, exitAt), ExitManual, dec(1))
	assert.ErrorIs(t, err, ErrNotOpen)

	got, err := s.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, got.Status)
	assert.Equal(t, ExitTrailingStop, got.ExitReason)
	require.True(t, got.RealizedPnLUSD.Valid)
	assert.True(t, got.RealizedPnLUSD.Decimal.Equal(dec(99.48)))
	require.NotNil(t, got.ExitTime)

	fills, err := s.Fills(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, "buy", fills[0].Side)
	assert.Equal(t, "sell", fills[1].Side)

	closed, err := s.ClosedSince(ctx, at)
	require.NoError(t, err)
	assert.Len(t, closed, 1)

	held, err = s.HasOpen(ctx, "tok")
	require.NoError(t, err)
	assert.False(t, held)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
