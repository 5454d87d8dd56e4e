// Package alert emits a gated signal: throttle, persist, format, deliver to
// chat, publish to the bus, then mark the token in the alert cache.
package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spbarathg/callsbotonchain-sub001/internal/audit"
	"github.com/spbarathg/callsbotonchain-sub001/internal/bus"
	"github.com/spbarathg/callsbotonchain-sub001/internal/cache"
	"github.com/spbarathg/callsbotonchain-sub001/internal/scanner"
	"github.com/spbarathg/callsbotonchain-sub001/internal/stats"
	"github.com/spbarathg/callsbotonchain-sub001/internal/store"
)

// ErrDuplicate is returned when the token was already alerted.
var ErrDuplicate = store.ErrDuplicate

// Signal is everything the emitter needs about one admitted candidate.
type Signal struct {
	Stats           *stats.TokenStats
	FinalScore      int
	PrelimScore     int
	Conviction      scanner.Conviction
	SmartMoney      bool
	SmartWallet     string
	GatesPassed     []scanner.Gate
	Reasons         []string
	FeedSource      string
	DEX             string
	TokenAgeMinutes *float64
	SOLPriceUSD     *float64
}

// Token returns the signal's token address.
func (s Signal) Token() string {
	if s.Stats == nil {
		return ""
	}
	return s.Stats.TokenAddress
}

// Store is the durable alert store.
type Store interface {
	InsertAlert(ctx context.Context, a store.Alert) error
	HasAlert(ctx context.Context, token string) (bool, error)
}

// Sender delivers an HTML message to chat.
type Sender interface {
	Send(ctx context.Context, html string) error
}

// Config configures the emitter.
type Config struct {
	MinInterval time.Duration
}

// Result reports which steps of an emission succeeded.
type Result struct {
	Persisted    bool
	Delivered    bool
	Published    bool
	TransportErr error
}

// Stats holds emitter counters.
type Stats struct {
	Emitted         int64 `json:"emitted"`
	Duplicates      int64 `json:"duplicates"`
	PersistErrors   int64 `json:"persist_errors"`
	TransportErrors int64 `json:"transport_errors"`
	Throttled       int64 `json:"throttled"`
}

// Emitter runs the ordered, best-effort emission steps.
type Emitter struct {
	config    Config
	store     Store
	sender    Sender
	publisher bus.Publisher
	cache     *cache.TTLCache
	trail     *audit.Trail

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	nextSlot time.Time

	emitted         atomic.Int64
	duplicates      atomic.Int64
	persistErrors   atomic.Int64
	transportErrors atomic.Int64
	throttled       atomic.Int64
}

// NewEmitter wires the emitter. sender, publisher and trail may be nil.
func NewEmitter(config Config, st Store, sender Sender, publisher bus.Publisher, c *cache.TTLCache, trail *audit.Trail) *Emitter {
	return &Emitter{
		config:    config,
		store:     st,
		sender:    sender,
		publisher: publisher,
		cache:     c,
		trail:     trail,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// AlreadyAlerted checks the cache first, then the store. A store error is
// treated as not alerted; the insert below is the authoritative guard.
func (e *Emitter) AlreadyAlerted(ctx context.Context, token string) bool {
	if e.cache != nil && e.cache.Contains(token) {
		return true
	}
	ok, err := e.store.HasAlert(ctx, token)
	if err != nil {
		log.Warn().Err(err).Str("token", token).Msg("alert: store lookup failed")
		return false
	}
	if ok && e.cache != nil {
		e.cache.Add(token)
	}
	return ok
}

// Emit runs throttle, persist, format, chat, bus and cache in order. It
// returns ErrDuplicate if the durable insert finds an existing alert; every
// other step failure is recorded in the Result and does not stop later
// steps.
func (e *Emitter) Emit(ctx context.Context, sig Signal) (Result, error) {
	var res Result
	token := sig.Token()
	if token == "" {
		return res, fmt.Errorf("alert: signal without token")
	}

	if err := e.throttle(ctx); err != nil {
		return res, err
	}

	err := e.store.InsertAlert(ctx, e.record(sig))
	switch {
	case errors.Is(err, store.ErrDuplicate):
		e.duplicates.Add(1)
		if e.cache != nil {
			e.cache.Add(token)
		}
		return res, ErrDuplicate
	case err != nil:
		e.persistErrors.Add(1)
		log.Error().Err(err).Str("token", token).Msg("alert: persist failed")
	default:
		res.Persisted = true
	}

	var transport []error
	if e.sender != nil {
		if err := e.sender.Send(ctx, Format(sig)); err != nil {
			transport = append(transport, err)
		} else {
			res.Delivered = true
		}
	}
	if e.publisher != nil {
		if err := e.publisher.Publish(ctx, Event(sig, e.now())); err != nil {
			transport = append(transport, err)
		} else {
			res.Published = true
		}
	}
	if len(transport) > 0 {
		res.TransportErr = errors.Join(transport...)
		e.transportErrors.Add(1)
		log.Warn().Err(res.TransportErr).Str("token", token).Msg("alert: transport failed")
	}

	if e.cache != nil {
		e.cache.Add(token)
	}
	e.emitted.Add(1)
	e.trail.RecordAlert(token, sig.Conviction.String(), sig.FinalScore)

	log.Info().
		Str("token", token).
		Int("score", sig.FinalScore).
		Str("conviction", sig.Conviction.String()).
		Bool("smart_money", sig.SmartMoney).
		Bool("delivered", res.Delivered).
		Bool("published", res.Published).
		Msg("alert: emitted")
	return res, nil
}

// throttle reserves the next send slot and sleeps until it arrives.
func (e *Emitter) throttle(ctx context.Context) error {
	if e.config.MinInterval <= 0 {
		return nil
	}
	e.mu.Lock()
	now := e.now()
	slot := now
	if e.nextSlot.After(now) {
		slot = e.nextSlot
	}
	e.nextSlot = slot.Add(e.config.MinInterval)
	e.mu.Unlock()

	if wait := slot.Sub(now); wait > 0 {
		e.throttled.Add(1)
		return e.sleep(ctx, wait)
	}
	return nil
}

func (e *Emitter) record(sig Signal) store.Alert {
	s := sig.Stats
	gates := make([]string, len(sig.GatesPassed))
	for i, g := range sig.GatesPassed {
		gates[i] = string(g)
	}
	return store.Alert{
		Token:           s.TokenAddress,
		Name:            s.Name,
		Symbol:          s.Symbol,
		AlertedAt:       e.now(),
		FinalScore:      sig.FinalScore,
		PrelimScore:     sig.PrelimScore,
		Conviction:      sig.Conviction.String(),
		SmartMoney:      sig.SmartMoney,
		SmartWallet:     sig.SmartWallet,
		GatesPassed:     gates,
		FeedSource:      sig.FeedSource,
		DEX:             strings.ToLower(sig.DEX),
		TokenAgeMinutes: sig.TokenAgeMinutes,
		SOLPriceUSD:     sig.SOLPriceUSD,
		Stats:           s,
	}
}

// Event builds the bus payload for a signal.
func Event(sig Signal, at time.Time) bus.AlertEvent {
	s := sig.Stats
	return bus.AlertEvent{
		CA:                 s.TokenAddress,
		Name:               s.Name,
		Symbol:             s.Symbol,
		Score:              sig.FinalScore,
		PrelimScore:        sig.PrelimScore,
		ConvictionType:     sig.Conviction.String(),
		Price:              s.PriceUSD,
		MarketCap:          s.MarketCapUSD,
		Liquidity:          s.LiquidityUSD,
		Volume24h:          s.Volume24hUSD,
		Change1h:           s.Change1h,
		Change24h:          s.Change24h,
		SmartMoneyDetected: sig.SmartMoney,
		Timestamp:          at.Unix(),
	}
}

func (e *Emitter) Stats() Stats {
	return Stats{
		Emitted:         e.emitted.Load(),
		Duplicates:      e.duplicates.Load(),
		PersistErrors:   e.persistErrors.Load(),
		TransportErrors: e.transportErrors.Load(),
		Throttled:       e.throttled.Load(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
