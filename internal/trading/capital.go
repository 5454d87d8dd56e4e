package trading

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ErrAdmissionDenied wraps every admission rejection.
var ErrAdmissionDenied = errors.New("trading: admission denied")

// Denial reasons. A circuit breaker denial carries the breaker's own trip
// reason with DenyCircuitBreaker as the detail.
const (
	DenyCircuitBreaker = "circuit breaker"
	DenyMaxPositions   = "max concurrent positions"
	DenyInsufficient   = "insufficient capital"
	DenyMaxDeployed    = "max capital deployed"
	DenyDuplicate      = "already holding token"
)

// AdmissionError carries the denial reason. errors.Is matches
// ErrAdmissionDenied.
type AdmissionError struct {
	Reason string
	Detail string
}

func (e *AdmissionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%v: %s", ErrAdmissionDenied, e.Reason)
	}
	return fmt.Sprintf("%v: %s (%s)", ErrAdmissionDenied, e.Reason, e.Detail)
}

func (e *AdmissionError) Unwrap() error { return ErrAdmissionDenied }

func deny(reason, detail string) error { return &AdmissionError{Reason: reason, Detail: detail} }

// DenialReason extracts the reason from an admission error, or "".
func DenialReason(err error) string {
	var ae *AdmissionError
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return ""
}

// EntryGate reports whether new entries are allowed. *risk.Breaker
// satisfies it.
type EntryGate interface {
	Allow() (bool, string)
}

// CapitalConfig configures the capital manager.
type CapitalConfig struct {
	StartingCapitalUSD     decimal.Decimal
	MaxConcurrentPositions int
	MaxCapitalDeployedPct  float64
	RecoverySizeFactor     float64
	MinPositionUSD         decimal.Decimal
}

func DefaultCapitalConfig() CapitalConfig {
	return CapitalConfig{
		StartingCapitalUSD:     decimal.NewFromInt(1000),
		MaxConcurrentPositions: 5,
		MaxCapitalDeployedPct:  50,
		RecoverySizeFactor:     0.5,
		MinPositionUSD:         decimal.NewFromInt(1),
	}
}

// CapitalState is the manager's book, persisted in the treasury file.
type CapitalState struct {
	StartingCapitalUSD decimal.Decimal            `json:"starting_capital_usd"`
	CashUSD            decimal.Decimal            `json:"cash_usd"`
	RealizedPnLUSD     decimal.Decimal            `json:"realized_pnl_usd"`
	Deployed           map[string]decimal.Decimal `json:"deployed"`
	RecoveryMode       bool                       `json:"recovery_mode"`
}

// DeployedUSD sums open position costs.
func (s CapitalState) DeployedUSD() decimal.Decimal {
	total := decimal.Zero
	for _, v := range s.Deployed {
		total = total.Add(v)
	}
	return total
}

// EquityUSD is cash plus deployed cost.
func (s CapitalState) EquityUSD() decimal.Decimal { return s.CashUSD.Add(s.DeployedUSD()) }

// CapitalManager admits and sizes new positions. Admission reserves the
// position's cost; Cancel returns it and Release books the close.
type CapitalManager struct {
	config CapitalConfig
	gate   EntryGate

	mu    sync.Mutex
	state CapitalState
}

func NewCapitalManager(config CapitalConfig, gate EntryGate) *CapitalManager {
	return &CapitalManager{
		config: config,
		gate:   gate,
		state: CapitalState{
			StartingCapitalUSD: config.StartingCapitalUSD,
			CashUSD:            config.StartingCapitalUSD,
			Deployed:           make(map[string]decimal.Decimal),
		},
	}
}

// Restore replaces the book, e.g. from the treasury file at startup.
func (m *CapitalManager) Restore(s CapitalState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Deployed == nil {
		s.Deployed = make(map[string]decimal.Decimal)
	}
	m.state = s
}

// Admit checks every admission rule in order and reserves the position
// size. Recovery mode scales the size without changing the tier.
func (m *CapitalManager) Admit(positionID string, spec TierSpec) (decimal.Decimal, error) {
	if m.gate != nil {
		if ok, reason := m.gate.Allow(); !ok {
			return decimal.Zero, deny(reason, DenyCircuitBreaker)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s := &m.state

	if m.config.MaxConcurrentPositions > 0 && len(s.Deployed) >= m.config.MaxConcurrentPositions {
		return decimal.Zero, deny(DenyMaxPositions, fmt.Sprintf("%d open", len(s.Deployed)))
	}

	equity := s.EquityUSD()
	size := equity.Mul(decimal.NewFromFloat(spec.SizePct)).Div(hundred)
	if s.RecoveryMode && m.config.RecoverySizeFactor > 0 {
		size = size.Mul(decimal.NewFromFloat(m.config.RecoverySizeFactor))
	}
	size = size.Round(2)

	if !size.IsPositive() || size.LessThan(m.config.MinPositionUSD) || size.GreaterThan(s.CashUSD) {
		return decimal.Zero, deny(DenyInsufficient,
			fmt.Sprintf("size=%s cash=%s", size.StringFixed(2), s.CashUSD.StringFixed(2)))
	}
	if m.config.MaxCapitalDeployedPct > 0 {
		after := s.DeployedUSD().Add(size).Div(equity).Mul(hundred)
		if after.GreaterThan(decimal.NewFromFloat(m.config.MaxCapitalDeployedPct)) {
			return decimal.Zero, deny(DenyMaxDeployed, fmt.Sprintf("%s%% after entry", after.StringFixed(1)))
		}
	}

	s.CashUSD = s.CashUSD.Sub(size)
	s.Deployed[positionID] = size
	log.Debug().Str("pos_id", positionID).Str("size", size.StringFixed(2)).Bool("recovery", s.RecoveryMode).Msg("trading: capital reserved")
	return size, nil
}

// Cancel returns a reservation whose entry did not fill.
func (m *CapitalManager) Cancel(positionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cost, ok := m.state.Deployed[positionID]; ok {
		m.state.CashUSD = m.state.CashUSD.Add(cost)
		delete(m.state.Deployed, positionID)
	}
}

// Track books an open position found in the store but missing from the
// book, e.g. after a restart without a treasury file.
func (m *CapitalManager) Track(positionID string, cost decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.Deployed[positionID]; !ok {
		m.state.Deployed[positionID] = cost
		m.state.CashUSD = m.state.CashUSD.Sub(cost)
	}
}

// Release books a closed position and returns its realised PnL.
func (m *CapitalManager) Release(positionID string, proceedsUSD decimal.Decimal) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	cost := m.state.Deployed[positionID]
	delete(m.state.Deployed, positionID)
	pnl := proceedsUSD.Sub(cost)
	m.state.CashUSD = m.state.CashUSD.Add(proceedsUSD)
	m.state.RealizedPnLUSD = m.state.RealizedPnLUSD.Add(pnl)
	return pnl
}

// SetRecovery turns recovery sizing on or off.
func (m *CapitalManager) SetRecovery(on bool) {
	m.mu.Lock()
	changed := m.state.RecoveryMode != on
	m.state.RecoveryMode = on
	m.mu.Unlock()
	if changed {
		log.Info().Bool("recovery", on).Msg("trading: recovery mode changed")
	}
}

func (m *CapitalManager) Recovery() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.RecoveryMode
}

// Snapshot returns a copy of the book.
func (m *CapitalManager) Snapshot() CapitalState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state
	s.Deployed = make(map[string]decimal.Decimal, len(m.state.Deployed))
	for k, v := range m.state.Deployed {
		s.Deployed[k] = v
	}
	return s
}

var hundred = decimal.NewFromInt(100)
