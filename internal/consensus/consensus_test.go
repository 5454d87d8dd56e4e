package consensus

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spbarathg/callsbotonchain-sub001/internal/price"
	"github.com/spbarathg/callsbotonchain-sub001/internal/stats"
)

const (
	popcat = "7GCihgDB8fe6KNjn2MYtkzZcRjQy3t9GHdC8uHYmW2hr"
	bonk   = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"
	ray    = "4k3Dyjzvzp8eMZWUXbBCjEvwSkkk59S5iCNLY3QrkX6R"
	wsol   = "So11111111111111111111111111111111111111112"
)

// -----------------------------------------------------------------------
// Extraction
// -----------------------------------------------------------------------

func TestExtract(t *testing.T) {
	e := NewExtractor(wsol)
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"keyword", "new gem CA: " + popcat + " aping", []string{popcat}},
		{"keyword no separator", "mint " + bonk, []string{bonk}},
		{"fenced", "look `" + bonk + "`", []string{bonk}},
		{"triple fenced", "```\n" + ray + "\n```", []string{ray}},
		{"dexscreener", "https://dexscreener.com/solana/" + ray, []string{ray}},
		{"pump", "pump.fun/coin/" + popcat, []string{popcat}},
		{"fullwidth keyword", "ＣＡ： " + popcat, []string{popcat}},
		{"zero width inside", "CA: " + popcat[:10] + "\u200b" + popcat[10:], []string{popcat}},
		{"wsol excluded", "CA: " + wsol, nil},
		{"bare address ignored", "random " + popcat + " text", nil},
		{"not 32 bytes", "CA: 11111111111111111111111111111111111", nil},
		{"dedup across patterns", "CA: " + popcat + " https://birdeye.so/token/" + popcat, []string{popcat}},
		{"order kept", "CA: " + bonk + " and `" + popcat + "`", []string{bonk, popcat}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.Extract(tt.text))
		})
	}
}

func TestNormalize_Bounded(t *testing.T) {
	long := strings.Repeat("a", MaxMessageLen*2)
	assert.Len(t, Normalize(long), MaxMessageLen)
	assert.Equal(t, "CA:", Normalize("Ｃ\u200dＡ："))
}

func TestNormalize_BoundedOnRuneBoundary(t *testing.T) {
	for _, r := range []string{"é", "€", "🚀"} {
		long := strings.Repeat("a", MaxMessageLen-1) + r + strings.Repeat("b", 10)
		out := Normalize(long)
		assert.True(t, utf8.ValidString(out), "rune %q split at the bound", r)
		assert.Equal(t, strings.Repeat("a", MaxMessageLen-1), out)
	}

	exact := strings.Repeat("a", MaxMessageLen-2) + "é"
	assert.Equal(t, exact, Normalize(exact+"tail"), "a rune ending at the bound is kept")
}

func TestIsPubkey(t *testing.T) {
	assert.True(t, IsPubkey(popcat))
	assert.True(t, IsPubkey(wsol))
	assert.False(t, IsPubkey("0OIl"))
	assert.False(t, IsPubkey(strings.Repeat("z", 44)))
}

// -----------------------------------------------------------------------
// Redis store
// -----------------------------------------------------------------------

func newStore(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewRedisStore(client, "", time.Hour)
}

func TestRedisStore_CountsDistinctGroupsInWindow(t *testing.T) {
	ctx := context.Background()
	mr, s := newStore(t)
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Record(ctx, popcat, "alpha", now.Add(-90*time.Minute)))
	require.NoError(t, s.Record(ctx, popcat, "beta", now.Add(-10*time.Minute)))
	require.NoError(t, s.Record(ctx, popcat, "gamma", now))
	require.NoError(t, s.Record(ctx, popcat, "gamma", now))

	n, err := s.SignalCount(ctx, popcat)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "alpha is outside the window")

	groups, err := s.Groups(ctx, popcat)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"beta", "gamma"}, groups)

	assert.Equal(t, time.Hour, mr.TTL(DefaultKeyPrefix+popcat))
	mr.FastForward(2 * time.Hour)
	n, err = s.SignalCount(ctx, popcat)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisStore_Unavailable(t *testing.T) {
	mr, s := newStore(t)
	mr.Close()
	_, err := s.SignalCount(context.Background(), popcat)
	assert.Error(t, err)
}

// -----------------------------------------------------------------------
// Processor
// -----------------------------------------------------------------------

type quoteMap map[string]*price.Quote

func (q quoteMap) Quote(_ context.Context, token string) (*price.Quote, error) {
	if v, ok := q[token]; ok {
		return v, nil
	}
	return nil, errors.New("unknown token")
}

func TestProcessor_Handle(t *testing.T) {
	ctx := context.Background()
	_, s := newStore(t)
	quotes := quoteMap{
		popcat: {PriceUSD: 0.1, LiquidityUSD: stats.Ptr(50_000.0), Volume24hUSD: stats.Ptr(90_000.0)},
		bonk:   {PriceUSD: 0.1, LiquidityUSD: stats.Ptr(1_000.0), Volume24hUSD: stats.Ptr(90_000.0)},
	}
	p := NewProcessor(ProcessorConfig{MinLiquidity: 5_000, MinVolume24h: 10_000, Groups: []string{"alpha", "beta"}},
		NewExtractor(wsol), quotes, s)

	got := p.Handle(ctx, Message{Group: "alpha", Text: "CA: " + popcat + " CA: " + bonk + " CA: " + ray})
	assert.Equal(t, []string{popcat}, got, "bonk is illiquid, ray has no quote")

	// Same pair again is deduplicated locally.
	assert.Empty(t, p.Handle(ctx, Message{Group: "alpha", Text: "CA: " + popcat}))
	// Unwatched group is ignored.
	assert.Empty(t, p.Handle(ctx, Message{Group: "zeta", Text: "CA: " + popcat}))
	assert.Equal(t, []string{popcat}, p.Handle(ctx, Message{Group: "beta", Text: "`" + popcat + "`"}))

	n, err := s.SignalCount(ctx, popcat)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	st := p.Stats()
	assert.Equal(t, int64(4), st.Messages)
	assert.Equal(t, int64(2), st.Recorded)
	assert.Equal(t, int64(1), st.Dupes)
	assert.Equal(t, int64(2), st.Illiquid)
}

// -----------------------------------------------------------------------
// Relay
// -----------------------------------------------------------------------

func TestParseRelayFrame(t *testing.T) {
	m, err := ParseRelayFrame([]byte(`{"chat":"alpha","message":"hi","date":1700000000}`))
	require.NoError(t, err)
	assert.Equal(t, "alpha", m.Group)
	assert.Equal(t, "hi", m.Text)
	assert.Equal(t, int64(1_700_000_000), m.At.Unix())

	m, err = ParseRelayFrame([]byte(`{"group":"beta","text":"yo","date":"2024-01-02T03:04:05Z"}`))
	require.NoError(t, err)
	assert.Equal(t, 2024, m.At.Year())

	_, err = ParseRelayFrame([]byte(`{"group":"beta"}`))
	assert.Error(t, err)
	_, err = ParseRelayFrame([]byte(`nope`))
	assert.Error(t, err)
}

func TestRelaySource_EndToEnd(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var sub relaySubscribe
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		assert.Equal(t, []string{"alpha"}, sub.Groups)
		conn.WriteMessage(websocket.TextMessage, []byte(`garbage`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"group":"alpha","text":"CA: `+popcat+`"}`))
		conn.ReadMessage()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	src := NewRelaySource(RelayConfig{
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		Token:  "secret",
		Groups: []string{"alpha"},
	})

	_, s := newStore(t)
	p := NewProcessor(ProcessorConfig{}, NewExtractor(), nil, s)
	msgs := src.Start(ctx)
	select {
	case m := <-msgs:
		assert.Equal(t, []string{popcat}, p.Handle(ctx, m))
	case <-ctx.Done():
		t.Fatal("no message from relay")
	}
	cancel()
	for range msgs {
	}
	assert.Equal(t, int64(1), src.Stats().Malformed)
}
