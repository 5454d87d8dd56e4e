package feed

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Stream Reader: long-lived websocket subscription to the swap feed
// ---------------------------------------------------------------------------

// StreamConfig configures the streaming reader.
type StreamConfig struct {
	URL           string        `yaml:"url"`
	APIKey        string        `yaml:"api_key"`
	Chains        []string      `yaml:"chains"`
	TxTypes       []string      `yaml:"tx_types"`
	MinUSDValue   float64       `yaml:"min_usd_value"`
	Tokens        []string      `yaml:"tokens"`
	PingInterval  time.Duration `yaml:"ping_interval"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	BaseBackoff   time.Duration `yaml:"base_backoff"`
	MaxBackoff    time.Duration `yaml:"max_backoff"`
	EscalateAfter int           `yaml:"escalate_after"` // idle resubscribes before widening filters
	BufferSize    int           `yaml:"buffer_size"`
}

// DefaultStreamConfig returns the documented reconnect cadence.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Chains:        []string{"solana"},
		TxTypes:       []string{"swap"},
		PingInterval:  20 * time.Second,
		IdleTimeout:   15 * time.Second,
		BaseBackoff:   time.Second,
		MaxBackoff:    30 * time.Second,
		EscalateAfter: 3,
		BufferSize:    1024,
	}
}

// subscribeMsg is the subscription request sent after every (re)connect.
type subscribeMsg struct {
	Type        string   `json:"type"`
	Chains      []string `json:"chains"`
	TxTypes     []string `json:"tx_types,omitempty"`
	MinUSDValue float64  `json:"min_usd_value,omitempty"`
	Tokens      []string `json:"tokens,omitempty"`
}

// StreamReader subscribes to the upstream feed over a websocket and emits
// normalised transactions. Transport errors never end the sequence; the reader
// reconnects with jittered exponential backoff until ctx is cancelled.
type StreamReader struct {
	config StreamConfig
	dialer *websocket.Dialer

	escalation atomic.Int32

	framesRecv   atomic.Int64
	itemsEmitted atomic.Int64
	malformed    atomic.Int64
	reconnects   atomic.Int64
	resubscribes atomic.Int64
	connected    atomic.Bool
}

// NewStreamReader creates a StreamReader.
func NewStreamReader(config StreamConfig) *StreamReader {
	def := DefaultStreamConfig()
	if config.PingInterval <= 0 {
		config.PingInterval = def.PingInterval
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = def.IdleTimeout
	}
	if config.BaseBackoff <= 0 {
		config.BaseBackoff = def.BaseBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = def.MaxBackoff
	}
	if config.EscalateAfter <= 0 {
		config.EscalateAfter = def.EscalateAfter
	}
	if config.BufferSize <= 0 {
		config.BufferSize = def.BufferSize
	}
	if len(config.Chains) == 0 {
		config.Chains = def.Chains
	}
	return &StreamReader{
		config: config,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Start runs the reader in the background. The returned channel is closed
// once ctx is cancelled.
func (s *StreamReader) Start(ctx context.Context) <-chan Transaction {
	out := make(chan Transaction, s.config.BufferSize)
	go s.runLoop(ctx, out)
	return Interleave(ctx, out, s.config.BufferSize)
}

func (s *StreamReader) runLoop(ctx context.Context, out chan<- Transaction) {
	defer close(out)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := s.connect(ctx)
		if err != nil {
			attempt++
			s.reconnects.Add(1)
			delay := Backoff(s.config.BaseBackoff, s.config.MaxBackoff, attempt)
			log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("feed: stream connect failed")
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}

		attempt = 0
		s.escalation.Store(0)
		s.session(ctx, conn, out)
		conn.Close()
		s.connected.Store(false)
	}
}

func (s *StreamReader) connect(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if s.config.APIKey != "" {
		header.Set("X-API-KEY", s.config.APIKey)
	}
	conn, _, err := s.dialer.DialContext(ctx, s.config.URL, header)
	if err != nil {
		return nil, fmt.Errorf("feed: dial: %w", err)
	}
	s.connected.Store(true)
	log.Info().Str("url", s.config.URL).Msg("feed: stream connected")
	return conn, nil
}

// session owns the connection until it fails or ctx ends. Reads happen on a
// helper goroutine; every write happens here.
func (s *StreamReader) session(ctx context.Context, conn *websocket.Conn, out chan<- Transaction) {
	if err := conn.WriteJSON(s.subscription()); err != nil {
		log.Warn().Err(err).Msg("feed: subscribe failed")
		return
	}

	readDeadline := 3 * s.config.PingInterval
	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	frames := make(chan []byte, 64)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(readDeadline))
			select {
			case frames <- msg:
			case <-done:
				return
			}
		}
	}()

	ping := time.NewTicker(s.config.PingInterval)
	defer ping.Stop()
	idle := time.NewTimer(s.config.IdleTimeout)
	defer idle.Stop()
	idleStreak := 0

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return

		case err := <-readErr:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Info().Msg("feed: stream closed by server")
			} else {
				log.Warn().Err(err).Msg("feed: stream read error, reconnecting")
			}
			return

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				log.Debug().Err(err).Msg("feed: ping failed")
				return
			}

		case <-idle.C:
			idleStreak++
			if idleStreak >= s.config.EscalateAfter {
				level := s.escalation.Add(1)
				idleStreak = 0
				log.Warn().Int32("level", level).Msg("feed: prolonged silence, widening subscription")
			}
			s.resubscribes.Add(1)
			if err := conn.WriteJSON(s.subscription()); err != nil {
				log.Warn().Err(err).Msg("feed: resubscribe failed")
				return
			}
			idle.Reset(s.config.IdleTimeout)

		case msg := <-frames:
			idleStreak = 0
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.config.IdleTimeout)
			s.handleFrame(ctx, msg, out)
		}
	}
}

func (s *StreamReader) handleFrame(ctx context.Context, msg []byte, out chan<- Transaction) {
	s.framesRecv.Add(1)
	txs, err := ParseFrame(msg)
	if err != nil {
		s.malformed.Add(1)
		log.Debug().Err(err).Int("bytes", len(msg)).Msg("feed: skipping malformed frame")
		return
	}
	for _, tx := range txs {
		tx.Source = "stream"
		if tx.SmartMoney {
			tx.Cycle = CycleSmart
		} else {
			tx.Cycle = CycleGeneral
		}
		select {
		case out <- tx:
			s.itemsEmitted.Add(1)
		case <-ctx.Done():
			return
		}
	}
}

// subscription builds the filter for the current escalation level. Level 1
// drops the USD floor, level 2 and above also drops tx type and token filters.
func (s *StreamReader) subscription() subscribeMsg {
	msg := subscribeMsg{
		Type:        "subscribe",
		Chains:      s.config.Chains,
		TxTypes:     s.config.TxTypes,
		MinUSDValue: s.config.MinUSDValue,
		Tokens:      s.config.Tokens,
	}
	level := s.escalation.Load()
	if level >= 1 {
		msg.MinUSDValue = 0
	}
	if level >= 2 {
		msg.TxTypes = nil
		msg.Tokens = nil
	}
	return msg
}

// Backoff returns a jittered exponential delay in [d/2, d] where
// d = min(max, base*2^(attempt-1)).
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + time.Duration(rand.Int64N(int64(half)+1))
}

// StreamStats returns reader statistics.
type StreamStats struct {
	Connected    bool  `json:"connected"`
	FramesRecv   int64 `json:"frames_recv"`
	ItemsEmitted int64 `json:"items_emitted"`
	Malformed    int64 `json:"malformed"`
	Reconnects   int64 `json:"reconnects"`
	Resubscribes int64 `json:"resubscribes"`
	Escalation   int32 `json:"escalation"`
}

func (s *StreamReader) Stats() StreamStats {
	return StreamStats{
		Connected:    s.connected.Load(),
		FramesRecv:   s.framesRecv.Load(),
		ItemsEmitted: s.itemsEmitted.Load(),
		Malformed:    s.malformed.Load(),
		Reconnects:   s.reconnects.Load(),
		Resubscribes: s.resubscribes.Load(),
		Escalation:   s.escalation.Load(),
	}
}
