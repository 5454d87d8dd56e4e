// Package notify delivers formatted HTML alert messages to chat channels.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/spbarathg/callsbotonchain-sub001/internal/httpclient"
)

// ErrEmptyMessage is returned locally for blank messages; nothing is sent.
var ErrEmptyMessage = errors.New("notify: empty message")

// ErrRejected is returned when a channel answers with a non-retryable error.
var ErrRejected = errors.New("notify: rejected")

// Notifier sends one HTML message to a chat channel.
type Notifier interface {
	Name() string
	Send(ctx context.Context, html string) error
}

// ---------------------------------------------------------------------------
// Telegram bot channel
// ---------------------------------------------------------------------------

// TelegramConfig configures the bot-token channel.
type TelegramConfig struct {
	APIURL   string // default https://api.telegram.org
	BotToken string
	ChatID   string
}

// Telegram posts through the Bot API sendMessage method.
type Telegram struct {
	config TelegramConfig
	client *httpclient.Client
}

// NewTelegram creates the bot channel. The client carries the retry and
// 429 backoff policy.
func NewTelegram(config TelegramConfig, client *httpclient.Client) *Telegram {
	if config.APIURL == "" {
		config.APIURL = "https://api.telegram.org"
	}
	config.APIURL = strings.TrimRight(config.APIURL, "/")
	return &Telegram{config: config, client: client}
}

func (t *Telegram) Name() string { return "telegram" }

type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

func (t *Telegram) Send(ctx context.Context, html string) error {
	if strings.TrimSpace(html) == "" {
		return ErrEmptyMessage
	}
	body, err := json.Marshal(map[string]any{
		"chat_id":                  t.config.ChatID,
		"text":                     html,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	})
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.config.APIURL, t.config.BotToken)
	resp, err := t.client.Do(ctx, http.MethodPost, endpoint, nil, body)
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}

	var tr telegramResponse
	_ = json.Unmarshal(resp.Body, &tr)
	if resp.StatusCode >= 300 || !tr.OK {
		return fmt.Errorf("%w: telegram status %d: %s", ErrRejected, resp.StatusCode, tr.Description)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Session relay channel
// ---------------------------------------------------------------------------

// RelayConfig configures the user-session channel. Messages are posted to a
// relay service that owns the logged-in chat session.
type RelayConfig struct {
	URL     string
	Token   string
	Channel string
}

// Relay posts messages to the session relay.
type Relay struct {
	config RelayConfig
	client *httpclient.Client
}

func NewRelay(config RelayConfig, client *httpclient.Client) *Relay {
	return &Relay{config: config, client: client}
}

func (r *Relay) Name() string { return "relay" }

func (r *Relay) Send(ctx context.Context, html string) error {
	if strings.TrimSpace(html) == "" {
		return ErrEmptyMessage
	}
	body, err := json.Marshal(map[string]string{
		"channel":    r.config.Channel,
		"text":       html,
		"parse_mode": "html",
	})
	if err != nil {
		return err
	}
	header := http.Header{}
	if r.config.Token != "" {
		header.Set("Authorization", "Bearer "+r.config.Token)
	}
	resp, err := r.client.Do(ctx, http.MethodPost, strings.TrimRight(r.config.URL, "/")+"/send", header, body)
	if err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: relay status %d", ErrRejected, resp.StatusCode)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Fanout
// ---------------------------------------------------------------------------

// Stats counts deliveries across channels.
type Stats struct {
	Sent   int64 `json:"sent"`
	Failed int64 `json:"failed"`
}

// Fanout delivers to every channel independently; one channel failing does
// not stop the others.
type Fanout struct {
	channels []Notifier
	sent     atomic.Int64
	failed   atomic.Int64
}

func NewFanout(channels ...Notifier) *Fanout {
	return &Fanout{channels: channels}
}

// Len returns the number of configured channels.
func (f *Fanout) Len() int { return len(f.channels) }

// Send delivers html to all channels and returns the joined failures.
func (f *Fanout) Send(ctx context.Context, html string) error {
	if strings.TrimSpace(html) == "" {
		return ErrEmptyMessage
	}
	var errs []error
	for _, ch := range f.channels {
		if err := ch.Send(ctx, html); err != nil {
			f.failed.Add(1)
			log.Warn().Err(err).Str("channel", ch.Name()).Msg("notify: delivery failed")
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
			continue
		}
		f.sent.Add(1)
	}
	return errors.Join(errs...)
}

func (f *Fanout) Stats() Stats {
	return Stats{Sent: f.sent.Load(), Failed: f.failed.Load()}
}
