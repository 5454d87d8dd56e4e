package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/spbarathg/callsbotonchain-sub001/internal/feed"
)

// ---------------------------------------------------------------------------
// Relay source: chat messages forwarded over a websocket
// ---------------------------------------------------------------------------

// RelayConfig configures the websocket relay that forwards group messages.
type RelayConfig struct {
	URL         string
	Token       string
	Groups      []string
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	ReadTimeout time.Duration
	BufferSize  int
}

type relaySubscribe struct {
	Type   string   `json:"type"`
	Groups []string `json:"groups,omitempty"`
}

// relayFrame accepts the field spellings the relay has used.
type relayFrame struct {
	Group   string          `json:"group"`
	Chat    string          `json:"chat"`
	Text    string          `json:"text"`
	Message string          `json:"message"`
	Date    json.RawMessage `json:"date"`
}

var errEmptyFrame = errors.New("consensus: frame without group or text")

// ParseRelayFrame decodes one relay message.
func ParseRelayFrame(data []byte) (Message, error) {
	var f relayFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return Message{}, fmt.Errorf("consensus: decode frame: %w", err)
	}
	msg := Message{Group: f.Group, Text: f.Text}
	if msg.Group == "" {
		msg.Group = f.Chat
	}
	if msg.Text == "" {
		msg.Text = f.Message
	}
	if msg.Group == "" || msg.Text == "" {
		return Message{}, errEmptyFrame
	}
	var unix int64
	if len(f.Date) > 0 && json.Unmarshal(f.Date, &unix) == nil && unix > 0 {
		msg.At = time.Unix(unix, 0)
	} else {
		var ts time.Time
		if len(f.Date) > 0 && json.Unmarshal(f.Date, &ts) == nil {
			msg.At = ts
		}
	}
	return msg, nil
}

// RelaySource reads messages from the relay and reconnects until ctx ends.
type RelaySource struct {
	config RelayConfig
	dialer *websocket.Dialer

	frames     atomic.Int64
	malformed  atomic.Int64
	reconnects atomic.Int64
	connected  atomic.Bool
}

func NewRelaySource(config RelayConfig) *RelaySource {
	if config.BaseBackoff <= 0 {
		config.BaseBackoff = time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 90 * time.Second
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 256
	}
	return &RelaySource{config: config, dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second}}
}

// Start runs the source in the background. The channel closes when ctx ends.
func (r *RelaySource) Start(ctx context.Context) <-chan Message {
	out := make(chan Message, r.config.BufferSize)
	go r.run(ctx, out)
	return out
}

func (r *RelaySource) run(ctx context.Context, out chan<- Message) {
	defer close(out)
	attempt := 0
	for ctx.Err() == nil {
		conn, err := r.connect(ctx)
		if err != nil {
			attempt++
			r.reconnects.Add(1)
			delay := feed.Backoff(r.config.BaseBackoff, r.config.MaxBackoff, attempt)
			log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("consensus: relay connect failed")
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}
		attempt = 0
		r.session(ctx, conn, out)
		conn.Close()
		r.connected.Store(false)
	}
}

func (r *RelaySource) connect(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if r.config.Token != "" {
		header.Set("Authorization", "Bearer "+r.config.Token)
	}
	conn, _, err := r.dialer.DialContext(ctx, r.config.URL, header)
	if err != nil {
		return nil, fmt.Errorf("consensus: dial: %w", err)
	}
	if err := conn.WriteJSON(relaySubscribe{Type: "subscribe", Groups: r.config.Groups}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("consensus: subscribe: %w", err)
	}
	r.connected.Store(true)
	log.Info().Str("url", r.config.URL).Int("groups", len(r.config.Groups)).Msg("consensus: relay connected")
	return conn, nil
}

func (r *RelaySource) session(ctx context.Context, conn *websocket.Conn, out chan<- Message) {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	for {
		conn.SetReadDeadline(time.Now().Add(r.config.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Msg("consensus: relay read error, reconnecting")
			}
			return
		}
		r.frames.Add(1)
		msg, err := ParseRelayFrame(data)
		if err != nil {
			r.malformed.Add(1)
			continue
		}
		select {
		case out <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// RelayStats holds source counters.
type RelayStats struct {
	Connected  bool  `json:"connected"`
	Frames     int64 `json:"frames"`
	Malformed  int64 `json:"malformed"`
	Reconnects int64 `json:"reconnects"`
}

func (r *RelaySource) Stats() RelayStats {
	return RelayStats{
		Connected:  r.connected.Load(),
		Frames:     r.frames.Load(),
		Malformed:  r.malformed.Load(),
		Reconnects: r.reconnects.Load(),
	}
}

// ---------------------------------------------------------------------------
// Runner
// ---------------------------------------------------------------------------

// Run feeds messages from source into the processor until the channel closes
// or ctx ends.
func Run(ctx context.Context, source <-chan Message, p *Processor) error {
	cleanup := time.NewTicker(10 * time.Minute)
	defer cleanup.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cleanup.C:
			if n := p.CleanupDedup(); n > 0 {
				log.Debug().Int("removed", n).Msg("consensus: dedup cleanup")
			}
		case msg, ok := <-source:
			if !ok {
				return nil
			}
			p.Handle(ctx, msg)
		}
	}
}
