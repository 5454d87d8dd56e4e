// Package risk holds the trading circuit breaker: calendar-bounded loss
// limits, a loss-streak limit and a manual kill switch.
package risk

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Trip reasons.
const (
	ReasonDailyLoss         = "daily loss"
	ReasonWeeklyLoss        = "weekly loss"
	ReasonConsecutiveLosses = "consecutive losses"
	ReasonKillSwitch        = "kill switch"
)

// Config holds the breaker limits. Zero disables a limit.
type Config struct {
	MaxDailyLossUSD      decimal.Decimal
	MaxWeeklyLossUSD     decimal.Decimal
	MaxConsecutiveLosses int
	Location             *time.Location // calendar for resets; nil means time.Local
}

// State is the persisted breaker state.
type State struct {
	DailyPnL          decimal.Decimal `json:"daily_pnl"`
	WeeklyPnL         decimal.Decimal `json:"weekly_pnl"`
	ConsecutiveLosses int             `json:"consecutive_losses"`
	Tripped           bool            `json:"tripped"`
	Reason            string          `json:"reason,omitempty"`
	DayStart          time.Time       `json:"day_start"`
	WeekStart         time.Time       `json:"week_start"`
	TrippedAt         time.Time       `json:"tripped_at,omitempty"`
}

// Listener observes trips and clears.
type Listener func(tripped bool, reason string, s State)

// Breaker blocks new entries after loss limits are hit. Daily PnL resets at
// local midnight; weekly PnL and the loss streak reset Monday 00:00. The
// streak also resets on a winning trade.
type Breaker struct {
	config Config
	now    func() time.Time

	mu       sync.Mutex
	state    State
	listener Listener

	killed atomic.Bool

	trips  atomic.Int64
	trades atomic.Int64
}

// NewBreaker creates a breaker anchored at the current day and week.
func NewBreaker(config Config) *Breaker {
	if config.Location == nil {
		config.Location = time.Local
	}
	b := &Breaker{config: config, now: time.Now}
	now := b.now()
	b.state.DayStart = DayStart(now, config.Location)
	b.state.WeekStart = WeekStart(now, config.Location)
	return b
}

// SetClock replaces the time source and re-anchors the calendar.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
	t := now()
	b.state.DayStart = DayStart(t, b.config.Location)
	b.state.WeekStart = WeekStart(t, b.config.Location)
}

// OnChange registers the trip/clear listener. It runs under the breaker lock
// and must not call back into the breaker.
func (b *Breaker) OnChange(l Listener) {
	b.mu.Lock()
	b.listener = l
	b.mu.Unlock()
}

// Restore loads persisted state, then applies any calendar resets that
// happened while the process was down.
func (b *Breaker) Restore(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = s
	if b.state.DayStart.IsZero() || b.state.WeekStart.IsZero() {
		now := b.now()
		b.state.DayStart = DayStart(now, b.config.Location)
		b.state.WeekStart = WeekStart(now, b.config.Location)
	}
	b.rollLocked(b.now())
	b.evaluateLocked()
}

// Allow reports whether new entries are permitted, with the trip reason when
// they are not.
func (b *Breaker) Allow() (bool, string) {
	if b.killed.Load() {
		return false, ReasonKillSwitch
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked(b.now())
	b.evaluateLocked()
	if b.state.Tripped {
		return false, b.state.Reason
	}
	return true, ""
}

// RecordTrade applies the realised PnL of a closed trade.
func (b *Breaker) RecordTrade(pnl decimal.Decimal) {
	b.trades.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked(b.now())

	b.state.DailyPnL = b.state.DailyPnL.Add(pnl)
	b.state.WeeklyPnL = b.state.WeeklyPnL.Add(pnl)
	if pnl.IsNegative() {
		b.state.ConsecutiveLosses++
	} else {
		b.state.ConsecutiveLosses = 0
	}
	b.evaluateLocked()
}

// rollLocked zeroes the counters whose calendar period has ended.
func (b *Breaker) rollLocked(now time.Time) {
	loc := b.config.Location
	if day := DayStart(now, loc); day.After(b.state.DayStart) {
		b.state.DayStart = day
		b.state.DailyPnL = decimal.Zero
		log.Info().Time("day", day).Msg("risk: daily reset")
	}
	if week := WeekStart(now, loc); week.After(b.state.WeekStart) {
		b.state.WeekStart = week
		b.state.WeeklyPnL = decimal.Zero
		b.state.ConsecutiveLosses = 0
		log.Info().Time("week", week).Msg("risk: weekly reset")
	}
}

// evaluateLocked derives the trip flag from the counters so the flag clears
// exactly when its triggering counter has reset.
func (b *Breaker) evaluateLocked() {
	reason := ""
	s := &b.state
	switch {
	case b.config.MaxDailyLossUSD.IsPositive() && s.DailyPnL.LessThanOrEqual(b.config.MaxDailyLossUSD.Neg()):
		reason = ReasonDailyLoss
	case b.config.MaxWeeklyLossUSD.IsPositive() && s.WeeklyPnL.LessThanOrEqual(b.config.MaxWeeklyLossUSD.Neg()):
		reason = ReasonWeeklyLoss
	case b.config.MaxConsecutiveLosses > 0 && s.ConsecutiveLosses >= b.config.MaxConsecutiveLosses:
		reason = ReasonConsecutiveLosses
	}

	was := s.Tripped
	s.Tripped = reason != ""
	s.Reason = reason
	switch {
	case s.Tripped && !was:
		s.TrippedAt = b.now()
		b.trips.Add(1)
		log.Warn().
			Str("reason", reason).
			Str("daily_pnl", s.DailyPnL.StringFixed(2)).
			Str("weekly_pnl", s.WeeklyPnL.StringFixed(2)).
			Int("consecutive_losses", s.ConsecutiveLosses).
			Msg("risk: circuit breaker tripped")
		b.notifyLocked(true, reason)
	case !s.Tripped && was:
		s.TrippedAt = time.Time{}
		log.Info().Msg("risk: circuit breaker cleared")
		b.notifyLocked(false, "")
	}
}

func (b *Breaker) notifyLocked(tripped bool, reason string) {
	if b.listener != nil {
		b.listener(tripped, reason, b.state)
	}
}

// Kill stops all new entries until Resume.
func (b *Breaker) Kill() {
	b.killed.Store(true)
	log.Error().Msg("risk: kill switch activated")
}

func (b *Breaker) Resume() {
	b.killed.Store(false)
	log.Info().Msg("risk: kill switch released")
}

// Snapshot returns the current state after applying calendar resets.
func (b *Breaker) Snapshot() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked(b.now())
	b.evaluateLocked()
	return b.state
}

// Stats holds breaker counters.
type Stats struct {
	Trips   int64 `json:"trips"`
	Trades  int64 `json:"trades"`
	Killed  bool  `json:"killed"`
	Tripped bool  `json:"tripped"`
}

func (b *Breaker) Stats() Stats {
	s := b.Snapshot()
	return Stats{Trips: b.trips.Load(), Trades: b.trades.Load(), Killed: b.killed.Load(), Tripped: s.Tripped}
}

// DayStart returns local midnight of t's day.
func DayStart(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// WeekStart returns Monday 00:00 of t's week.
func WeekStart(t time.Time, loc *time.Location) time.Time {
	d := DayStart(t, loc)
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}

func (s State) String() string {
	return fmt.Sprintf("tripped=%t reason=%q daily=%s weekly=%s streak=%d",
		s.Tripped, s.Reason, s.DailyPnL.StringFixed(2), s.WeeklyPnL.StringFixed(2), s.ConsecutiveLosses)
}
