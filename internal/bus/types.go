// Package bus carries alert events between processes: a capped Redis list
// that the trading engine consumes, plus an optional AMQP mirror.
package bus

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultKey and DefaultCap are the list name and length cap.
const (
	DefaultKey = "alerts:stream"
	DefaultCap = 1000
)

// AlertEvent is the wire form of an emitted alert. Consumers must treat
// events as at-least-once and dedupe on CA.
type AlertEvent struct {
	CA                 string   `json:"ca"`
	Name               string   `json:"name"`
	Symbol             string   `json:"symbol"`
	Score              int      `json:"score"`
	PrelimScore        int      `json:"prelim_score"`
	ConvictionType     string   `json:"conviction_type"`
	Price              *float64 `json:"price"`
	MarketCap          *float64 `json:"market_cap"`
	Liquidity          *float64 `json:"liquidity"`
	Volume24h          *float64 `json:"volume_24h"`
	Change1h           *float64 `json:"change_1h"`
	Change24h          *float64 `json:"change_24h"`
	SmartMoneyDetected bool     `json:"smart_money_detected"`
	Timestamp          int64    `json:"timestamp"`
}

// Time returns the event timestamp.
func (e AlertEvent) Time() time.Time { return time.Unix(e.Timestamp, 0) }

// Encode marshals the event.
func (e AlertEvent) Encode() ([]byte, error) { return json.Marshal(e) }

// DecodeEvent parses one list entry. Entries without a CA are rejected.
func DecodeEvent(data []byte) (AlertEvent, error) {
	var e AlertEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return e, fmt.Errorf("bus: decode event: %w", err)
	}
	if e.CA == "" {
		return e, fmt.Errorf("bus: event without ca")
	}
	return e, nil
}
