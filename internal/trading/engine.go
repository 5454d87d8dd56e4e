package trading

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/spbarathg/callsbotonchain-sub001/internal/audit"
	"github.com/spbarathg/callsbotonchain-sub001/internal/bus"
	"github.com/spbarathg/callsbotonchain-sub001/internal/cadence"
	"github.com/spbarathg/callsbotonchain-sub001/internal/execution"
	"github.com/spbarathg/callsbotonchain-sub001/internal/observability"
	"github.com/spbarathg/callsbotonchain-sub001/internal/price"
	"github.com/spbarathg/callsbotonchain-sub001/internal/risk"
	"github.com/spbarathg/callsbotonchain-sub001/internal/stats"
)

// ---------------------------------------------------------------------------
// Engine: signal intake, admission, execution and the exit loop
// ---------------------------------------------------------------------------

// Config configures the engine.
type Config struct {
	Mode             string // paper|live, recorded in the treasury
	Tiers            TierConfig
	Ranker           RankerConfig
	RebalanceEnabled bool
	ExitTick         time.Duration // exit loop tick; per-position cadence decides who is polled
	Cadence          cadence.Config
	TreasuryEvery    time.Duration // 0 flushes only after trades
}

// ExitCadence polls positions faster than the tracker polls alerts.
func ExitCadence() cadence.Config {
	return cadence.Config{
		FreshAge:       time.Hour,
		EstablishedAge: 6 * time.Hour,
		WinnerGainPct:  200,
		Fresh:          10 * time.Second,
		Young:          30 * time.Second,
		Established:    2 * time.Minute,
		Winner:         5 * time.Minute,
	}
}

func DefaultConfig() Config {
	return Config{
		Mode:     "paper",
		Tiers:    DefaultTierConfig(),
		Ranker:   DefaultRankerConfig(),
		ExitTick: 5 * time.Second,
		Cadence:  ExitCadence(),
	}
}

// Deps are the engine's collaborators. Trail, Metrics and Treasury may be
// nil.
type Deps struct {
	Store    *Store
	Broker   execution.Broker
	Prices   price.Source
	Capital  *CapitalManager
	Breaker  *risk.Breaker
	Treasury *Treasury
	Trail    *audit.Trail
	Metrics  *observability.Registry
}

// Engine follows alert signals into positions and manages their exits.
type Engine struct {
	config   Config
	deps     Deps
	ranker   *Ranker
	schedule *cadence.Schedule
	now      func() time.Time

	entryMu sync.Mutex // serializes admission + entry
	closeMu sync.Mutex
	closing map[string]struct{}

	signals      atomic.Int64
	unclassified atomic.Int64
	denied       atomic.Int64
	opened       atomic.Int64
	closed       atomic.Int64
	execErrors   atomic.Int64
	rebalances   atomic.Int64
}

func New(config Config, deps Deps) *Engine {
	if config.ExitTick <= 0 {
		config.ExitTick = 5 * time.Second
	}
	if config.Cadence == (cadence.Config{}) {
		config.Cadence = ExitCadence()
	}
	e := &Engine{
		config:   config,
		deps:     deps,
		ranker:   NewRanker(config.Ranker),
		schedule: cadence.NewSchedule(config.Cadence),
		now:      time.Now,
		closing:  make(map[string]struct{}),
	}
	if deps.Breaker != nil {
		deps.Breaker.OnChange(e.onBreaker)
	}
	return e
}

// SetClock replaces the time source of the engine and its exit schedule.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.schedule.SetClock(now)
}

// onBreaker runs under the breaker lock.
func (e *Engine) onBreaker(tripped bool, reason string, s risk.State) {
	e.deps.Trail.RecordBreaker(tripped, reason, s)
	if !tripped && e.deps.Capital != nil {
		e.deps.Capital.SetRecovery(true)
	}
}

// Restore loads the treasury file and reconciles it with the open positions
// in the store.
func (e *Engine) Restore(ctx context.Context) error {
	open, err := e.deps.Store.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("trading: load open positions: %w", err)
	}
	var saved TreasuryState
	ok := false
	if e.deps.Treasury != nil {
		if saved, ok, err = e.deps.Treasury.Load(); err != nil {
			log.Warn().Err(err).Msg("trading: treasury unreadable, rebuilding from store")
			ok = false
		}
	}
	if ok {
		e.deps.Capital.Restore(saved.Capital)
		if e.deps.Breaker != nil {
			e.deps.Breaker.Restore(saved.CircuitBreaker)
		}
	}
	for _, p := range open {
		e.deps.Capital.Track(p.ID, p.CostUSD)
	}
	log.Info().Int("open", len(open)).Bool("treasury", ok).Msg("trading: state restored")
	e.setGauges(len(open))
	return nil
}

// Run consumes alert events and runs the exit loop until ctx ends.
func (e *Engine) Run(ctx context.Context, consumer *bus.ListConsumer) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.exitLoop(ctx)
	}()
	err := consumer.Consume(ctx, e.HandleEvent)
	wg.Wait()
	if err := e.FlushTreasury(context.Background()); err != nil {
		log.Warn().Err(err).Msg("trading: final treasury flush failed")
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) exitLoop(ctx context.Context) {
	ticker := time.NewTicker(e.config.ExitTick)
	defer ticker.Stop()
	var flush <-chan time.Time
	if e.config.TreasuryEvery > 0 {
		t := time.NewTicker(e.config.TreasuryEvery)
		defer t.Stop()
		flush = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.ExitPass(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("trading: exit pass failed")
			}
		case <-flush:
			if err := e.FlushTreasury(ctx); err != nil {
				log.Warn().Err(err).Msg("trading: treasury flush failed")
			}
		}
	}
}

// HandleEvent is the bus handler. Expected rejections are not errors.
func (e *Engine) HandleEvent(ctx context.Context, ev bus.AlertEvent) error {
	_, err := e.HandleSignal(ctx, SignalFromEvent(ev))
	if errors.Is(err, ErrNoTier) || errors.Is(err, ErrAdmissionDenied) {
		return nil
	}
	return err
}

// HandleSignal classifies, admits and enters one signal.
func (e *Engine) HandleSignal(ctx context.Context, s Signal) (*Position, error) {
	e.signals.Add(1)
	e.entryMu.Lock()
	defer e.entryMu.Unlock()

	held, err := e.deps.Store.HasOpen(ctx, s.Token)
	if err != nil {
		return nil, fmt.Errorf("trading: check open: %w", err)
	}
	if held {
		return nil, e.deniedSignal(s, deny(DenyDuplicate, ""))
	}

	spec, err := e.config.Tiers.Classify(s)
	if err != nil {
		e.unclassified.Add(1)
		log.Debug().Err(err).Str("token", s.Token).Msg("trading: signal not tradable")
		return nil, err
	}

	posID := uuid.NewString()
	size, err := e.deps.Capital.Admit(posID, spec)
	if err != nil && DenialReason(err) == DenyMaxPositions && e.config.RebalanceEnabled {
		if e.rebalance(ctx, s) {
			size, err = e.deps.Capital.Admit(posID, spec)
		}
	}
	if err != nil {
		return nil, e.deniedSignal(s, err)
	}
	e.deps.Trail.RecordAdmission(s.Token, true, nil, map[string]any{
		"tier": spec.Tier, "size_usd": size.StringFixed(2), "score": s.Score, "recovery": e.deps.Capital.Recovery(),
	})

	refPrice, liq := e.entryQuote(ctx, s)
	fill, err := e.deps.Broker.Execute(ctx, execution.Order{
		ID:           posID + "-entry",
		PositionID:   posID,
		Token:        s.Token,
		Side:         execution.SideBuy,
		NotionalUSD:  size,
		RefPrice:     refPrice,
		LiquidityUSD: liq,
	})
	if err != nil {
		e.execErrors.Add(1)
		e.deps.Capital.Cancel(posID)
		return nil, fmt.Errorf("trading: entry %s: %w", s.Token, err)
	}

	p := &Position{
		ID:             posID,
		Token:          s.Token,
		Tier:           spec.Tier,
		Status:         StatusOpen,
		EntryPrice:     fill.ExecutionPrice,
		EntryTime:      fill.ExecutedAt,
		Quantity:       fill.Quantity,
		CostUSD:        size,
		PeakPrice:      fill.ExecutionPrice,
		StopLossPct:    spec.StopLossPct,
		TrailPct:       spec.TrailPct,
		TargetMultiple: spec.TargetMultiple,
		Score:          s.Score,
		ConvictionType: s.Conviction.String(),
		SmartMoney:     s.SmartMoney,
	}
	if err := e.deps.Store.InsertOpen(ctx, p, fill); err != nil {
		e.deps.Capital.Cancel(posID)
		return nil, err
	}

	e.opened.Add(1)
	e.inc(observability.TradesOpened)
	log.Info().
		Str("pos_id", p.ID).
		Str("token", p.Token).
		Str("tier", string(p.Tier)).
		Str("size_usd", size.StringFixed(2)).
		Str("entry", p.EntryPrice.String()).
		Msg("trading: position opened")
	e.afterTrade(ctx)
	return p, nil
}

func (e *Engine) deniedSignal(s Signal, err error) error {
	e.denied.Add(1)
	e.inc(observability.AdmissionDenied)
	reason := DenialReason(err)
	e.deps.Trail.RecordAdmission(s.Token, false, []string{reason}, map[string]any{"score": s.Score, "error": err.Error()})
	log.Info().Str("token", s.Token).Str("reason", reason).Msg("trading: admission denied")
	return err
}

// entryQuote refreshes the price for the entry order, falling back to the
// alert's values.
func (e *Engine) entryQuote(ctx context.Context, s Signal) (decimal.Decimal, float64) {
	refPrice, liq := decimal.NewFromFloat(s.PriceUSD), s.LiquidityUSD
	if e.deps.Prices == nil {
		return refPrice, liq
	}
	q, err := e.deps.Prices.Quote(ctx, s.Token)
	if err != nil {
		log.Debug().Err(err).Str("token", s.Token).Msg("trading: entry quote failed, using alert price")
		return refPrice, liq
	}
	if l := stats.Val(q.LiquidityUSD); l > 0 {
		liq = l
	}
	return decimal.NewFromFloat(q.PriceUSD), liq
}

// rebalance closes the weakest open position when the incoming signal
// beats it by the configured margin.
func (e *Engine) rebalance(ctx context.Context, s Signal) bool {
	open, err := e.deps.Store.OpenPositions(ctx)
	if err != nil || len(open) == 0 {
		return false
	}
	prices := make(map[string]decimal.Decimal, len(open))
	for _, p := range open {
		if q, err := e.deps.Prices.Quote(ctx, p.Token); err == nil {
			prices[p.Token] = decimal.NewFromFloat(q.PriceUSD)
		}
	}
	ranked := e.ranker.Rank(open, prices, e.now())
	rb, ok := e.ranker.ShouldRebalance(s, ranked)
	if !ok {
		log.Debug().Float64("advantage", rb.Advantage).Str("token", s.Token).Msg("trading: no rebalance")
		return false
	}
	var weakest *Position
	for i := range open {
		if open[i].ID == rb.Replace.PositionID {
			weakest = &open[i]
		}
	}
	if weakest == nil {
		return false
	}
	price, ok := prices[weakest.Token]
	if !ok {
		return false
	}
	if _, err := e.Close(ctx, weakest, price, ExitRebalance); err != nil {
		log.Warn().Err(err).Str("pos_id", weakest.ID).Msg("trading: rebalance close failed")
		return false
	}
	e.rebalances.Add(1)
	log.Info().
		Str("closed", weakest.Token).
		Str("incoming", s.Token).
		Float64("advantage", rb.Advantage).
		Msg("trading: rebalanced")
	return true
}

// ExitResult summarises one exit pass.
type ExitResult struct {
	Open    int
	Checked int
	Closed  int
	Errors  int
}

// ExitPass polls every due open position once and closes those whose stop
// or trailing stop fired.
func (e *Engine) ExitPass(ctx context.Context) (ExitResult, error) {
	open, err := e.deps.Store.OpenPositions(ctx)
	if err != nil {
		return ExitResult{}, fmt.Errorf("trading: load open positions: %w", err)
	}
	res := ExitResult{Open: len(open)}
	for i := range open {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		p := &open[i]
		if !e.schedule.Due(p.ID) {
			continue
		}
		res.Checked++
		q, err := e.deps.Prices.Quote(ctx, p.Token)
		if err != nil {
			res.Errors++
			log.Debug().Err(err).Str("pos_id", p.ID).Msg("trading: exit quote failed")
			continue
		}
		current := decimal.NewFromFloat(q.PriceUSD)
		if ObservePrice(p, current) {
			if err := e.deps.Store.UpdatePeak(ctx, p.ID, p.PeakPrice); err != nil {
				log.Warn().Err(err).Str("pos_id", p.ID).Msg("trading: peak update failed")
			}
		}
		e.schedule.Done(p.ID, p.EntryTime, p.PnLPct(p.PeakPrice))

		d := EvaluateExit(p, current)
		if !d.Exit {
			continue
		}
		if _, err := e.Close(ctx, p, current, d.Reason); err != nil {
			res.Errors++
			log.Warn().Err(err).Str("pos_id", p.ID).Str("reason", d.Reason).Msg("trading: exit failed")
			continue
		}
		res.Closed++
	}
	e.setGauges(res.Open - res.Closed)
	return res, nil
}

// Close sells the whole position at price and books the result.
func (e *Engine) Close(ctx context.Context, p *Position, price decimal.Decimal, reason string) (decimal.Decimal, error) {
	e.closeMu.Lock()
	if _, busy := e.closing[p.ID]; busy {
		e.closeMu.Unlock()
		return decimal.Zero, fmt.Errorf("%w: %s closing", ErrNotOpen, p.ID)
	}
	e.closing[p.ID] = struct{}{}
	e.closeMu.Unlock()
	defer func() {
		e.closeMu.Lock()
		delete(e.closing, p.ID)
		e.closeMu.Unlock()
	}()

	fill, err := e.deps.Broker.Execute(ctx, execution.Order{
		ID:         p.ID + "-exit",
		PositionID: p.ID,
		Token:      p.Token,
		Side:       execution.SideSell,
		Quantity:   p.Quantity,
		RefPrice:   price,
	})
	if err != nil {
		e.execErrors.Add(1)
		return decimal.Zero, fmt.Errorf("trading: exit %s: %w", p.Token, err)
	}

	proceeds := fill.ValueUSD().Sub(fill.FeeUSD)
	pnl := proceeds.Sub(p.CostUSD)
	if err := e.deps.Store.MarkClosed(ctx, p.ID, fill, reason, pnl); err != nil {
		return decimal.Zero, err
	}
	e.deps.Capital.Release(p.ID, proceeds)
	if e.deps.Breaker != nil {
		e.deps.Breaker.RecordTrade(pnl)
	}
	if pnl.IsPositive() {
		e.deps.Capital.SetRecovery(false)
	}
	e.schedule.Forget(p.ID)

	p.Status = StatusClosed
	p.ExitReason = reason
	p.RealizedPnLUSD = decimal.NullDecimal{Decimal: pnl, Valid: true}

	e.closed.Add(1)
	e.inc(observability.TradesClosed)
	e.deps.Trail.RecordPositionClose(p.ID, reason, map[string]any{
		"token": p.Token, "tier": p.Tier, "pnl_usd": pnl.StringFixed(2), "exit_price": fill.ExecutionPrice.String(),
	})
	log.Info().
		Str("pos_id", p.ID).
		Str("token", p.Token).
		Str("reason", reason).
		Str("pnl_usd", pnl.StringFixed(2)).
		Msg("trading: position closed")
	e.afterTrade(ctx)
	return pnl, nil
}

// CloseByID closes an open position at the current quote.
func (e *Engine) CloseByID(ctx context.Context, id, reason string) (decimal.Decimal, error) {
	p, err := e.deps.Store.Get(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	if p.Status != StatusOpen {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNotOpen, id)
	}
	q, err := e.deps.Prices.Quote(ctx, p.Token)
	if err != nil {
		return decimal.Zero, fmt.Errorf("trading: quote %s: %w", p.Token, err)
	}
	return e.Close(ctx, p, decimal.NewFromFloat(q.PriceUSD), reason)
}

func (e *Engine) afterTrade(ctx context.Context) {
	if err := e.FlushTreasury(ctx); err != nil {
		log.Warn().Err(err).Msg("trading: treasury flush failed")
	}
}

// Treasury builds the current treasury summary.
func (e *Engine) Treasury() TreasuryState {
	c := e.deps.Capital.Snapshot()
	s := TreasuryState{
		UpdatedAt:     e.now(),
		Mode:          e.config.Mode,
		EquityUSD:     c.EquityUSD(),
		DeployedUSD:   c.DeployedUSD(),
		OpenPositions: len(c.Deployed),
		ClosedTrades:  e.closed.Load(),
		Capital:       c,
	}
	if e.deps.Breaker != nil {
		s.CircuitBreaker = e.deps.Breaker.Snapshot()
	}
	return s
}

// FlushTreasury writes the treasury file when one is configured.
func (e *Engine) FlushTreasury(_ context.Context) error {
	s := e.Treasury()
	e.setCapital(s.EquityUSD)
	if e.deps.Treasury == nil {
		return nil
	}
	return e.deps.Treasury.Save(s)
}

func (e *Engine) inc(name string) {
	if e.deps.Metrics != nil {
		e.deps.Metrics.Inc(name)
	}
}

func (e *Engine) setGauges(open int) {
	if e.deps.Metrics != nil {
		e.deps.Metrics.Gauge(observability.OpenPositions, "").Set(float64(open))
	}
}

func (e *Engine) setCapital(equity decimal.Decimal) {
	if e.deps.Metrics != nil {
		e.deps.Metrics.Gauge(observability.CapitalUSD, "").Set(equity.InexactFloat64())
	}
}

// Stats holds engine counters.
type Stats struct {
	Signals      int64           `json:"signals"`
	Unclassified int64           `json:"unclassified"`
	Denied       int64           `json:"denied"`
	Opened       int64           `json:"opened"`
	Closed       int64           `json:"closed"`
	ExecErrors   int64           `json:"exec_errors"`
	Rebalances   int64           `json:"rebalances"`
	EquityUSD    decimal.Decimal `json:"equity_usd"`
	Recovery     bool            `json:"recovery_mode"`
	Breaker      risk.Stats      `json:"circuit_breaker"`
}

func (e *Engine) Stats() Stats {
	c := e.deps.Capital.Snapshot()
	s := Stats{
		Signals:      e.signals.Load(),
		Unclassified: e.unclassified.Load(),
		Denied:       e.denied.Load(),
		Opened:       e.opened.Load(),
		Closed:       e.closed.Load(),
		ExecErrors:   e.execErrors.Load(),
		Rebalances:   e.rebalances.Load(),
		EquityUSD:    c.EquityUSD(),
		Recovery:     c.RecoveryMode,
	}
	if e.deps.Breaker != nil {
		s.Breaker = e.deps.Breaker.Stats()
	}
	return s
}
