package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spbarathg/callsbotonchain-sub001/internal/alert"
	"github.com/spbarathg/callsbotonchain-sub001/internal/audit"
	"github.com/spbarathg/callsbotonchain-sub001/internal/bus"
	"github.com/spbarathg/callsbotonchain-sub001/internal/cache"
	"github.com/spbarathg/callsbotonchain-sub001/internal/feed"
	"github.com/spbarathg/callsbotonchain-sub001/internal/httpclient"
	"github.com/spbarathg/callsbotonchain-sub001/internal/notify"
	"github.com/spbarathg/callsbotonchain-sub001/internal/observability"
	"github.com/spbarathg/callsbotonchain-sub001/internal/scanner"
	"github.com/spbarathg/callsbotonchain-sub001/internal/stats"
	"github.com/spbarathg/callsbotonchain-sub001/internal/store"
)

const tokenX = "7GCihgDB8fe6KNjn2MYtkzZcRjQy3t9GHdC8uHYmW2hr"

// strictPayload is the detail response of the strict happy path. %LIQ% and
// %CH24% are substituted per scenario.
const strictPayload = `{
	"token_address": "` + tokenX + `",
	"metadata": {"name": "Pepe Sol", "symbol": "PSOL"},
	"price": {"price_usd": 0.0001},
	"market": {"market_cap_usd": 80000},
	"liquidity": {"liquidity_usd": %LIQ%, "is_lp_locked": true},
	"volume": {"24h": {"volume_usd": 60000}},
	"change": {"1h": 5, "24h": %CH24%},
	"security": {"is_mint_revoked": true},
	"holders": {"top_10_concentration_percent": 20}
}`

func payload(liq, ch24 string) string {
	return strings.NewReplacer("%LIQ%", liq, "%CH24%", ch24).Replace(strictPayload)
}

type chat struct {
	name string
	mu   sync.Mutex
	msgs []string
}

func (c *chat) Name() string { return c.name }

func (c *chat) Send(_ context.Context, html string) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, html)
	c.mu.Unlock()
	return nil
}

func (c *chat) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

type harness struct {
	pipeline *Pipeline
	signals  *store.Store
	metrics  *observability.Registry
	redis    *miniredis.Miniredis
	chats    []*chat
	calls    *int
	status   int
	body     string
}

func newHarness(t *testing.T, body string) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{body: body, status: http.StatusOK, calls: new(int)}

	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		*h.calls++
		if h.status != http.StatusOK {
			w.WriteHeader(h.status)
			return
		}
		_, _ = w.Write([]byte(h.body))
	}))
	t.Cleanup(srv.Close)

	signals, err := store.OpenSignals(ctx, filepath.Join(t.TempDir(), "signals.db"))
	require.NoError(t, err)
	t.Cleanup(func() { signals.Close() })
	h.signals = signals

	h.redis = miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: h.redis.Addr()})
	t.Cleanup(func() { client.Close() })

	h.chats = []*chat{{name: "primary"}, {name: "secondary"}}
	fanout := notify.NewFanout(h.chats[0], h.chats[1])

	httpCfg := httpclient.DefaultConfig()
	httpCfg.StartDelay = 0
	httpCfg.MaxRetries = 0
	fetcher := stats.NewFetcher(stats.NewHTTPProvider("primary", srv.URL, "", httpclient.New(httpCfg)), nil, nil, 0)

	emitter := alert.NewEmitter(alert.Config{}, signals, fanout,
		bus.NewRedisPublisher(client, "", 0), cache.New(cache.DefaultConfig()), audit.NewTrail(nil, 100))

	gates := scanner.DefaultGateConfig()
	h.metrics = observability.NewPipelineRegistry()
	h.pipeline = New(Config{PrelimDetailedMin: 5, Workers: 2}, Deps{
		Extractor: scanner.NewExtractor(nil),
		Activity:  signals,
		Stats:     fetcher,
		Scorer:    scanner.NewScorer(nil, nil, false),
		Gates:     scanner.NewGates(gates),
		Emitter:   emitter,
		Metrics:   h.metrics,
	})
	return h
}

// swap is the feed item of the strict happy path: WSOL for X, $1500.
func swap() feed.Transaction {
	return feed.Transaction{
		Token0Address:   scanner.WrappedSOLMint,
		Token1Address:   tokenX,
		Token0AmountUSD: 1500,
		Token1AmountUSD: 1500,
		USDValue:        1500,
		TxType:          "swap",
		DEX:             "raydium",
		Timestamp:       time.Now().Add(-time.Second),
		Source:          "stream",
	}
}

func (h *harness) counter(t *testing.T, name string) float64 {
	t.Helper()
	for _, s := range h.metrics.Samples() {
		if s.Name == name {
			return s.Value
		}
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}

func (h *harness) rows(t *testing.T, table string) int {
	t.Helper()
	var n int
	require.NoError(t, h.signals.DB().QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&n))
	return n
}

func (h *harness) busLen(t *testing.T) int {
	t.Helper()
	if !h.redis.Exists(bus.DefaultKey) {
		return 0
	}
	items, err := h.redis.List(bus.DefaultKey)
	require.NoError(t, err)
	return len(items)
}

// -----------------------------------------------------------------------
// End-to-end scenarios
// -----------------------------------------------------------------------

func TestProcess_HappyPathStrict(t *testing.T) {
	h := newHarness(t, payload("40000", "30"))

	out := h.pipeline.Process(context.Background(), swap())
	require.Equal(t, StageEmitted, out.Stage, out.Reason)
	assert.Equal(t, tokenX, out.Token)
	assert.Equal(t, 5, out.Prelim)
	assert.Equal(t, scanner.ConvictionHighStrict, out.Conviction)
	assert.Equal(t, "High Confidence (Strict)", out.Conviction.String())
	assert.NoError(t, out.TransportErr)

	assert.Equal(t, 1, h.rows(t, "alerted_tokens"))
	assert.Equal(t, 1, h.rows(t, "alerted_token_stats"))
	assert.Equal(t, 1, h.rows(t, "token_activity"))
	for _, c := range h.chats {
		assert.Equal(t, 1, c.count(), c.name)
	}
	assert.Equal(t, 1, h.busLen(t))

	a, err := h.signals.GetAlert(context.Background(), tokenX)
	require.NoError(t, err)
	assert.Equal(t, "High Confidence (Strict)", a.Conviction)
	assert.Equal(t, 1.0, h.counter(t, observability.AlertsEmitted))
	assert.Equal(t, 1.0, h.counter(t, observability.ActivityRecorded))
}

func TestProcess_AlreadyPumped(t *testing.T) {
	h := newHarness(t, payload("40000", "250"))

	out := h.pipeline.Process(context.Background(), swap())
	assert.Equal(t, StageGate, out.Stage)
	assert.Contains(t, out.Reason, string(scanner.GateFOMO))

	assert.Equal(t, 1, h.rows(t, "token_activity"))
	assert.Zero(t, h.rows(t, "alerted_tokens"))
	assert.Zero(t, h.rows(t, "alerted_token_stats"))
	for _, c := range h.chats {
		assert.Zero(t, c.count())
	}
	assert.Equal(t, 1.0, h.counter(t, observability.GateRejected))
}

func TestProcess_InvalidLiquidity(t *testing.T) {
	h := newHarness(t, payload(`"NaN"`, "30"))

	out := h.pipeline.Process(context.Background(), swap())
	assert.Equal(t, StageGate, out.Stage)
	assert.Equal(t, "liquidity: invalid liquidity", out.Reason)
	assert.Zero(t, h.rows(t, "alerted_tokens"))
	assert.Zero(t, h.busLen(t))
}

func TestProcess_DuplicateSkipsAtCache(t *testing.T) {
	h := newHarness(t, payload("40000", "30"))
	ctx := context.Background()

	require.Equal(t, StageEmitted, h.pipeline.Process(ctx, swap()).Stage)
	calls := *h.calls

	out := h.pipeline.Process(ctx, swap())
	assert.Equal(t, StageDuplicate, out.Stage)
	assert.Equal(t, calls, *h.calls, "no detail fetch for a known token")

	assert.Equal(t, 1, h.rows(t, "alerted_tokens"))
	assert.Equal(t, 1.0, h.counter(t, observability.AlertsEmitted))
	assert.Equal(t, 1.0, h.counter(t, observability.DupAlerts))
	for _, c := range h.chats {
		assert.Equal(t, 1, c.count())
	}
	assert.Equal(t, 1, h.busLen(t))
}

// -----------------------------------------------------------------------
// Early exits and error kinds
// -----------------------------------------------------------------------

func TestProcess_PrelimRejectWritesNothing(t *testing.T) {
	h := newHarness(t, payload("40000", "30"))
	tx := swap()
	tx.USDValue = 300

	out := h.pipeline.Process(context.Background(), tx)
	assert.Equal(t, StagePrelim, out.Stage)
	assert.Equal(t, 4, out.Prelim)
	assert.Zero(t, h.rows(t, "token_activity"))
	assert.Zero(t, *h.calls)
	assert.Equal(t, 1.0, h.counter(t, observability.PrelimRejected))
}

func TestProcess_ExtractReject(t *testing.T) {
	h := newHarness(t, "")
	tx := swap()
	tx.Token1Address = scanner.USDCMint

	out := h.pipeline.Process(context.Background(), tx)
	assert.Equal(t, StageExtract, out.Stage)
	assert.Empty(t, out.Token)
}

func TestProcess_FetchErrorKinds(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		stage   Stage
		counter string
	}{
		{"forbidden", http.StatusForbidden, "", StageProviderRejected, observability.ProviderRejected},
		{"not found", http.StatusNotFound, "", StageProviderRejected, observability.ProviderRejected},
		{"unavailable", http.StatusServiceUnavailable, "", StageProviderTransient, observability.ProviderTransient},
		{"schema", http.StatusOK, `{"price_usd": 1}`, StageSchemaInvalid, observability.SchemaInvalid},
		{"not json", http.StatusOK, `<html>`, StageSchemaInvalid, observability.SchemaInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.body)
			h.status = tc.status

			out := h.pipeline.Process(context.Background(), swap())
			assert.Equal(t, tc.stage, out.Stage)
			assert.Equal(t, 1.0, h.counter(t, tc.counter))
			assert.Zero(t, h.rows(t, "alerted_tokens"))
			assert.Equal(t, int64(1), h.pipeline.Stats().Dropped[tc.stage])
		})
	}
}

type deniedBudget struct{}

func (deniedBudget) Allow(context.Context, bool) bool { return false }
func (deniedBudget) Used(context.Context) int64       { return 0 }

func TestProcess_BudgetExhaustedIsRejected(t *testing.T) {
	h := newHarness(t, payload("40000", "30"))
	h.pipeline.deps.Stats = stats.NewFetcher(unusedProvider{}, nil, deniedBudget{}, 0)

	out := h.pipeline.Process(context.Background(), swap())
	assert.Equal(t, StageProviderRejected, out.Stage)
	assert.Equal(t, 1.0, h.counter(t, observability.ProviderRejected))
}

type unusedProvider struct{}

func (unusedProvider) Name() string { return "unused" }
func (unusedProvider) FetchStats(context.Context, string) (*stats.TokenStats, error) {
	panic("budget should deny before any provider call")
}

func TestInFlightGuard(t *testing.T) {
	h := newHarness(t, payload("40000", "30"))
	require.True(t, h.pipeline.acquire(tokenX))

	out := h.pipeline.Process(context.Background(), swap())
	assert.Equal(t, StageInFlight, out.Stage)
	assert.Equal(t, 1, h.pipeline.Stats().InFlight)

	h.pipeline.release(tokenX)
	assert.Equal(t, StageEmitted, h.pipeline.Process(context.Background(), swap()).Stage)
	assert.Zero(t, h.pipeline.Stats().InFlight)
}

// -----------------------------------------------------------------------
// Run
// -----------------------------------------------------------------------

// sliceReader replays txs then blocks until ctx ends, like a live feed.
type sliceReader struct{ txs []feed.Transaction }

func (r sliceReader) Start(ctx context.Context) <-chan feed.Transaction {
	out := make(chan feed.Transaction)
	go func() {
		defer close(out)
		for _, tx := range r.txs {
			select {
			case out <- tx:
			case <-ctx.Done():
				return
			}
		}
		<-ctx.Done()
	}()
	return out
}

func TestRun_ConcurrentDuplicatesAlertOnce(t *testing.T) {
	h := newHarness(t, payload("40000", "30"))
	txs := make([]feed.Transaction, 6)
	for i := range txs {
		txs[i] = swap()
	}
	h.pipeline.deps.Reader = sliceReader{txs: txs}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.pipeline.Run(ctx) }()

	assert.Eventually(t, func() bool { return h.pipeline.Stats().Processed == int64(len(txs)) },
		5*time.Second, 20*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	st := h.pipeline.Stats()
	assert.Equal(t, int64(len(txs)), st.Received)
	assert.Equal(t, int64(1), st.Emitted)
	assert.Equal(t, 1, h.rows(t, "alerted_tokens"))
	for _, c := range h.chats {
		assert.Equal(t, 1, c.count())
	}
	assert.Equal(t, float64(len(txs)), h.counter(t, observability.FeedItems))
}

func TestRun_RequiresReader(t *testing.T) {
	p := New(DefaultConfig(), Deps{})
	assert.Error(t, p.Run(context.Background()))
}
