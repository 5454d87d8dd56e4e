package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	wsol   = "So11111111111111111111111111111111111111112"
	tokenX = "7GCihgDB8fe6KNjn2MYtkzZcRjQy3t9GHdC8uHYmW2hr"
)

func TestParseFrame_SingleObject(t *testing.T) {
	frame := `{"token0_address":"` + wsol + `","token1_address":"` + tokenX + `",
		"token0_amount_usd":1400,"token1_amount_usd":"1500.5","tx_type":"swap","dex":"raydium","timestamp":1700000000}`

	txs, err := ParseFrame([]byte(frame))
	require.NoError(t, err)
	require.Len(t, txs, 1)

	tx := txs[0]
	assert.Equal(t, tokenX, tx.Token1Address)
	assert.InDelta(t, 1500.5, tx.Token1AmountUSD, 1e-9)
	assert.InDelta(t, 1500.5, tx.USDValue, 1e-9, "usd_value defaults to the larger side")
	assert.Equal(t, int64(1700000000), tx.Timestamp.Unix())
	assert.False(t, tx.SmartMoney)
	assert.False(t, tx.IsSynthetic)
}

func TestParseFrame_EnvelopeAndArray(t *testing.T) {
	env := `{"data":[{"token0_address":"A","token1_address":"B","usd_value":10},{"token0_address":null,"token1_address":null}]}`
	txs, err := ParseFrame([]byte(env))
	require.NoError(t, err)
	require.Len(t, txs, 1, "items with no token are dropped")
	assert.Equal(t, 10.0, txs[0].USDValue)

	arr := `[{"token0_address":"A","usd_value":5},{"token1_address":"B","usd_value":6}]`
	txs, err = ParseFrame([]byte(arr))
	require.NoError(t, err)
	assert.Len(t, txs, 2)
}

func TestParseFrame_Malformed(t *testing.T) {
	for _, in := range []string{"", "not json", `{"token0_address":5}`, `"str"`} {
		_, err := ParseFrame([]byte(in))
		assert.True(t, errors.Is(err, ErrMalformed), "input %q", in)
	}
}

func TestParseFrame_FallbackIsSynthetic(t *testing.T) {
	txs, err := ParseFrame([]byte(`{"token1_address":"B","usd_value":100,"tx_type":"swap_fallback"}`))
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.True(t, txs[0].IsSynthetic)
	assert.True(t, txs[0].IsFallback())
}

func TestParseFrame_NonFiniteAmountsBecomeZero(t *testing.T) {
	txs, err := ParseFrame([]byte(`{"token1_address":"B","token1_amount_usd":"NaN","token0_amount_usd":-4}`))
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, 0.0, txs[0].Token1AmountUSD)
	assert.Equal(t, 0.0, txs[0].Token0AmountUSD)
	assert.Equal(t, 0.0, txs[0].USDValue)
}

func TestSmartMoneyHints(t *testing.T) {
	cases := map[string]string{
		"explicit":    `"smart_money":true`,
		"is_smart":    `"is_smart":true`,
		"label list":  `"labels":["Smart Trader"]`,
		"label csv":   `"labels":"bot,whale"`,
		"top wallets": `"trader":"W1","top_wallets":["W0","W1"]`,
		"pnl":         `"wallet_pnl":"1000"`,
	}
	for name, hint := range cases {
		t.Run(name, func(t *testing.T) {
			txs, err := ParseFrame([]byte(`{"token1_address":"B","usd_value":1,` + hint + `}`))
			require.NoError(t, err)
			require.Len(t, txs, 1)
			assert.True(t, txs[0].SmartMoney)
		})
	}

	txs, err := ParseFrame([]byte(`{"token1_address":"B","wallet_pnl":999.9,"labels":["bot"],"smart_money":false}`))
	require.NoError(t, err)
	assert.False(t, txs[0].SmartMoney)
}

func TestBackoffBounds(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		d := Backoff(time.Second, 30*time.Second, attempt)
		assert.LessOrEqual(t, d, 30*time.Second)
		assert.GreaterOrEqual(t, d, time.Duration(0))
	}
	d := Backoff(time.Second, 30*time.Second, 1)
	assert.GreaterOrEqual(t, d, 500*time.Millisecond)
	assert.LessOrEqual(t, d, time.Second)
}

// ---------------------------------------------------------------------------
// Stream reader against an in-process websocket server
// ---------------------------------------------------------------------------

type wsServer struct {
	mu   sync.Mutex
	subs []subscribeMsg
}

func (s *wsServer) handler(frames []string, holdOpen time.Duration) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		go func() {
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var sub subscribeMsg
				if json.Unmarshal(data, &sub) == nil && sub.Type == "subscribe" {
					s.mu.Lock()
					s.subs = append(s.subs, sub)
					s.mu.Unlock()
				}
			}
		}()

		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		time.Sleep(holdOpen)
	}
}

func (s *wsServer) subscriptions() []subscribeMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]subscribeMsg(nil), s.subs...)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStreamReader_EmitsAndSkipsMalformed(t *testing.T) {
	srv := &wsServer{}
	ts := httptest.NewServer(srv.handler([]string{
		`{"token0_address":"` + wsol + `","token1_address":"` + tokenX + `","token1_amount_usd":1500,"tx_type":"swap"}`,
		`garbage`,
		`{"token1_address":"` + tokenX + `","usd_value":300,"smart_money":true}`,
	}, 2*time.Second))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r := NewStreamReader(StreamConfig{URL: wsURL(ts), MinUSDValue: 250})
	out := r.Start(ctx)

	var got []Transaction
	for len(got) < 2 {
		select {
		case tx := <-out:
			got = append(got, tx)
		case <-ctx.Done():
			t.Fatal("timed out waiting for stream items")
		}
	}

	byCycle := map[Cycle]Transaction{}
	for _, tx := range got {
		assert.Equal(t, "stream", tx.Source)
		byCycle[tx.Cycle] = tx
	}
	require.Len(t, byCycle, 2)
	assert.False(t, byCycle[CycleGeneral].SmartMoney)
	assert.True(t, byCycle[CycleSmart].SmartMoney)

	require.Eventually(t, func() bool { return r.Stats().Malformed == 1 }, time.Second, 10*time.Millisecond)
	subs := srv.subscriptions()
	require.NotEmpty(t, subs)
	assert.Equal(t, []string{"solana"}, subs[0].Chains)
	assert.Equal(t, 250.0, subs[0].MinUSDValue)
}

func TestStreamReader_IdleResubscribesAndEscalates(t *testing.T) {
	srv := &wsServer{}
	ts := httptest.NewServer(srv.handler(nil, 3*time.Second))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r := NewStreamReader(StreamConfig{
		URL:           wsURL(ts),
		MinUSDValue:   250,
		IdleTimeout:   50 * time.Millisecond,
		EscalateAfter: 2,
	})
	r.Start(ctx)

	require.Eventually(t, func() bool { return len(srv.subscriptions()) >= 4 }, 3*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, r.Stats().Resubscribes, int64(3))
	assert.GreaterOrEqual(t, r.Stats().Escalation, int32(1))

	subs := srv.subscriptions()
	assert.Equal(t, 250.0, subs[0].MinUSDValue)
	assert.Equal(t, 0.0, subs[len(subs)-1].MinUSDValue, "escalated subscription drops the USD floor")
}

func TestStreamReader_ClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewStreamReader(StreamConfig{URL: "ws://127.0.0.1:1/none", BaseBackoff: 10 * time.Millisecond})
	out := r.Start(ctx)
	cancel()

	select {
	case _, ok := <-out:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

// ---------------------------------------------------------------------------
// Cycle reader
// ---------------------------------------------------------------------------

type fakeBatcher struct {
	mu     sync.Mutex
	calls  []Cycle
	failOn int
}

func (f *fakeBatcher) FetchBatch(_ context.Context, cycle Cycle) ([]Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cycle)
	if f.failOn > 0 && len(f.calls) == f.failOn {
		return nil, ErrMalformed
	}
	return []Transaction{{Token1Address: tokenX, USDValue: 100, Trader: "W"}}, nil
}

func TestInterleave_AlternatesQueuedCycles(t *testing.T) {
	in := make(chan Transaction, 8)
	for _, c := range []Cycle{CycleSmart, CycleSmart, CycleSmart, CycleGeneral, CycleGeneral, CycleGeneral, CycleGeneral} {
		in <- Transaction{Cycle: c}
	}
	close(in)

	var got []Cycle
	for tx := range Interleave(context.Background(), in, 16) {
		got = append(got, tx.Cycle)
	}
	assert.Equal(t, []Cycle{
		CycleSmart, CycleGeneral, CycleSmart, CycleGeneral, CycleSmart, CycleGeneral, CycleGeneral,
	}, got, "the longer cycle drains once the other is empty")
}

func TestInterleave_SingleCyclePassesThrough(t *testing.T) {
	in := make(chan Transaction)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := Interleave(ctx, in, 1)

	for i := 0; i < 3; i++ {
		in <- Transaction{Cycle: CycleGeneral, Trader: fmt.Sprint(i)}
		tx := <-out
		assert.Equal(t, fmt.Sprint(i), tx.Trader)
	}

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-out
		return !open
	}, time.Second, 10*time.Millisecond)
}

func TestCycleReader_RoundRobinAndSmartFlag(t *testing.T) {
	b := &fakeBatcher{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := NewCycleReader(b, time.Millisecond).Start(ctx)

	var got []Transaction
	for len(got) < 4 {
		got = append(got, <-out)
	}

	assert.Equal(t, CycleSmart, got[0].Cycle)
	assert.True(t, got[0].SmartMoney)
	assert.Equal(t, "W", got[0].SmartWallet)
	assert.Equal(t, CycleGeneral, got[1].Cycle)
	assert.False(t, got[1].SmartMoney)
	assert.Equal(t, CycleSmart, got[2].Cycle)
	assert.Equal(t, CycleGeneral, got[3].Cycle)
}

func TestCycleReader_MalformedBatchCountedAndSkipped(t *testing.T) {
	b := &fakeBatcher{failOn: 1}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewCycleReader(b, time.Millisecond)
	out := r.Start(ctx)

	first := <-out
	assert.Equal(t, CycleGeneral, first.Cycle, "failed smart batch emits nothing")
	assert.Equal(t, int64(1), r.Stats().Malformed)
}

func TestHTTPBatcher_FetchBatch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "smart", r.URL.Query().Get("cycle"))
		assert.Equal(t, "solana", r.URL.Query().Get("chain"))
		assert.Equal(t, "key", r.Header.Get("X-API-KEY"))
		_, _ = w.Write([]byte(`{"transactions":[{"token1_address":"` + tokenX + `","usd_value":700}]}`))
	}))
	defer ts.Close()

	b := NewHTTPBatcher(PollConfig{URL: ts.URL, APIKey: "key"})
	txs, err := b.FetchBatch(context.Background(), CycleSmart)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, 700.0, txs[0].USDValue)
}

func TestHTTPBatcher_ErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := NewHTTPBatcher(PollConfig{URL: ts.URL}).FetchBatch(context.Background(), CycleGeneral)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrMalformed))
}
