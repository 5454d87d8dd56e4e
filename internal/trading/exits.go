package trading

import (
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Exit rules: stop-loss from entry, trailing stop from peak
// ---------------------------------------------------------------------------

// Exit reasons.
const (
	ExitStopLoss     = "stop_loss"
	ExitTrailingStop = "trailing_stop"
	ExitRebalance    = "rebalance"
	ExitManual       = "manual"
)

// ExitDecision is the outcome of one evaluation.
type ExitDecision struct {
	Exit    bool
	Reason  string
	Trigger decimal.Decimal // price level that fired
}

// ObservePrice raises the position's peak to current and reports whether it
// moved.
func ObservePrice(p *Position, current decimal.Decimal) bool {
	if current.GreaterThan(p.PeakPrice) {
		p.PeakPrice = current
		return true
	}
	return false
}

// EvaluateExit checks the stop-loss first, then the trailing stop. The
// trailing stop only arms once the peak is above entry.
func EvaluateExit(p *Position, current decimal.Decimal) ExitDecision {
	if p.Status != StatusOpen || !p.EntryPrice.IsPositive() || !current.IsPositive() {
		return ExitDecision{}
	}
	one := decimal.NewFromInt(1)

	if p.StopLossPct > 0 {
		stop := p.EntryPrice.Mul(one.Sub(decimal.NewFromFloat(p.StopLossPct).Div(hundred)))
		if current.LessThanOrEqual(stop) {
			return ExitDecision{Exit: true, Reason: ExitStopLoss, Trigger: stop}
		}
	}

	if p.TrailPct > 0 && p.PeakPrice.GreaterThan(p.EntryPrice) {
		trail := p.PeakPrice.Mul(one.Sub(decimal.NewFromFloat(p.TrailPct).Div(hundred)))
		if current.LessThanOrEqual(trail) {
			return ExitDecision{Exit: true, Reason: ExitTrailingStop, Trigger: trail}
		}
	}
	return ExitDecision{}
}
