package trading

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/spbarathg/callsbotonchain-sub001/internal/risk"
)

// TreasuryState is the JSON summary of the trading book.
type TreasuryState struct {
	UpdatedAt      time.Time       `json:"updated_at"`
	Mode           string          `json:"mode"`
	EquityUSD      decimal.Decimal `json:"equity_usd"`
	DeployedUSD    decimal.Decimal `json:"deployed_usd"`
	OpenPositions  int             `json:"open_positions"`
	ClosedTrades   int64           `json:"closed_trades"`
	Capital        CapitalState    `json:"capital"`
	CircuitBreaker risk.State      `json:"circuit_breaker"`
}

// Treasury reads and writes the treasury file. Writes go to a temp file in
// the same directory and are renamed over the target.
type Treasury struct {
	path string
	mu   sync.Mutex
}

func NewTreasury(path string) *Treasury { return &Treasury{path: path} }

func (t *Treasury) Path() string { return t.path }

// Save writes s atomically.
func (t *Treasury) Save(s TreasuryState) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("trading: marshal treasury: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	dir := filepath.Dir(t.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("trading: treasury dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".treasury-*.json")
	if err != nil {
		return fmt.Errorf("trading: treasury temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("trading: write treasury: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("trading: sync treasury: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("trading: close treasury: %w", err)
	}
	if err := os.Rename(tmp.Name(), t.path); err != nil {
		return fmt.Errorf("trading: rename treasury: %w", err)
	}
	return nil
}

// Load reads the file. A missing file returns ok=false and no error.
func (t *Treasury) Load() (s TreasuryState, ok bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	data, err := os.ReadFile(t.path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, false, nil
	}
	if err != nil {
		return s, false, fmt.Errorf("trading: read treasury: %w", err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, false, fmt.Errorf("trading: parse treasury: %w", err)
	}
	return s, true, nil
}
