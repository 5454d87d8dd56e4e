package execution

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spbarathg/callsbotonchain-sub001/internal/httpclient"
)

const bonk = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"

func dec(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func instantPaper(t *testing.T) (*PaperBroker, *[]time.Duration) {
	t.Helper()
	pb := NewPaperBroker(DefaultPaperConfig())
	var waits []time.Duration
	pb.SetSleep(func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	})
	return pb, &waits
}

// -----------------------------------------------------------------------
// Paper broker
// -----------------------------------------------------------------------

func TestPaperBroker_BuyAndSell(t *testing.T) {
	pb, waits := instantPaper(t)
	ctx := context.Background()

	buy, err := pb.Execute(ctx, Order{
		ID: "o1", PositionID: "p1", Token: bonk, Side: SideBuy,
		NotionalUSD: dec(100), RefPrice: dec(0.001), LiquidityUSD: 50_000,
	})
	require.NoError(t, err)
	assert.Equal(t, "paper", buy.Broker)
	assert.NotEmpty(t, buy.ID)
	// 1% slippage at the reference depth.
	assert.True(t, buy.ExecutionPrice.Equal(dec(0.00101)), buy.ExecutionPrice.String())
	assert.InDelta(t, 1.0, buy.SlippagePct, 1e-9)
	// 0.25% pool fee plus one cent.
	assert.True(t, buy.FeeUSD.Equal(dec(0.26)), buy.FeeUSD.String())
	assert.InDelta(t, (100-0.26)/0.00101, buy.Quantity.InexactFloat64(), 1e-6)

	sell, err := pb.Execute(ctx, Order{
		ID: "o2", PositionID: "p1", Token: bonk, Side: SideSell,
		Quantity: buy.Quantity, RefPrice: dec(0.002), LiquidityUSD: 100_000,
	})
	require.NoError(t, err)
	assert.True(t, sell.ExecutionPrice.Equal(dec(0.00199)), sell.ExecutionPrice.String())
	assert.InDelta(t, 0.5, sell.SlippagePct, 1e-9)
	assert.True(t, sell.Quantity.Equal(buy.Quantity))

	require.Len(t, *waits, 2)
	for _, d := range *waits {
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 3*time.Second)
	}
	assert.Len(t, pb.Fills(), 2)
	assert.Equal(t, int64(2), pb.Stats().Executed)
}

func TestPaperBroker_SlippageScalesWithLiquidity(t *testing.T) {
	pb := NewPaperBroker(DefaultPaperConfig())
	assert.InDelta(t, 2.0, pb.SlippagePct(25_000), 1e-9)
	assert.InDelta(t, 0.5, pb.SlippagePct(100_000), 1e-9)
	assert.Greater(t, pb.SlippagePct(10_000), pb.SlippagePct(40_000))
	assert.Equal(t, 0.1, pb.SlippagePct(1e9), "clamped at the floor")
	assert.Equal(t, 15.0, pb.SlippagePct(100), "clamped at the ceiling")
	assert.Equal(t, 15.0, pb.SlippagePct(0))
}

func TestPaperBroker_LatencyBounds(t *testing.T) {
	pb := NewPaperBroker(DefaultPaperConfig())
	pb.jitter = func() float64 { return 0 }
	assert.Equal(t, time.Second, pb.Latency())
	pb.jitter = func() float64 { return 0.999999 }
	assert.InDelta(t, float64(3*time.Second), float64(pb.Latency()), float64(time.Millisecond))
}

func TestPaperBroker_RejectsDuplicateAndInvalid(t *testing.T) {
	pb, _ := instantPaper(t)
	ctx := context.Background()
	o := Order{ID: "dup", Token: bonk, Side: SideBuy, NotionalUSD: dec(10), RefPrice: dec(1), LiquidityUSD: 50_000}
	_, err := pb.Execute(ctx, o)
	require.NoError(t, err)
	_, err = pb.Execute(ctx, o)
	assert.ErrorIs(t, err, ErrDuplicateOrder)

	_, err = pb.Execute(ctx, Order{ID: "x", Token: bonk, Side: SideBuy, NotionalUSD: dec(10)})
	assert.ErrorIs(t, err, ErrInvalidOrder)
	_, err = pb.Execute(ctx, Order{ID: "y", Token: bonk, Side: SideSell, RefPrice: dec(1)})
	assert.ErrorIs(t, err, ErrInvalidOrder)
	assert.Equal(t, int64(3), pb.Stats().Rejected)
}

func TestPaperBroker_CancelledDuringLatency(t *testing.T) {
	pb := NewPaperBroker(DefaultPaperConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o := Order{ID: "c", Token: bonk, Side: SideBuy, NotionalUSD: dec(10), RefPrice: dec(1)}
	_, err := pb.Execute(ctx, o)
	assert.ErrorIs(t, err, context.Canceled)

	// The order ID is released so a retry can go through.
	pb.SetSleep(func(context.Context, time.Duration) error { return nil })
	_, err = pb.Execute(context.Background(), o)
	assert.NoError(t, err)
}

// -----------------------------------------------------------------------
// Live broker
// -----------------------------------------------------------------------

type fakeChain struct {
	decimals uint8
	sent     []*solana.Transaction
	status   []error // returned by successive Confirmed calls; nil means confirmed
}

func (f *fakeChain) TokenDecimals(context.Context, solana.PublicKey) (uint8, error) {
	return f.decimals, nil
}

func (f *fakeChain) Send(_ context.Context, tx *solana.Transaction) (solana.Signature, error) {
	f.sent = append(f.sent, tx)
	return tx.Signatures[0], nil
}

func (f *fakeChain) Confirmed(context.Context, solana.Signature) (bool, error) {
	if len(f.status) == 0 {
		return true, nil
	}
	err := f.status[0]
	f.status = f.status[1:]
	return err == nil, err
}

func unsignedSwapTx(t *testing.T, payer solana.PublicKey) string {
	t.Helper()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{system.NewTransferInstruction(1, payer, solana.NewWallet().PublicKey()).Build()},
		solana.Hash{},
		solana.TransactionPayer(payer),
	)
	require.NoError(t, err)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func newLive(t *testing.T, chain Chain) (*LiveBroker, *[]string) {
	t.Helper()
	wallet := solana.NewWallet()
	var swaps []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/quote":
			q := r.URL.Query()
			switch {
			case q.Get("outputMint") == usdcMint:
				// 1 SOL = 200 USDC.
				w.Write([]byte(`{"inAmount":"1000000000","outAmount":"200000000"}`))
			case q.Get("inputMint") == solMint:
				// 0.5 SOL buys 100000 tokens (6 decimals).
				assert.Equal(t, "500000000", q.Get("amount"))
				w.Write([]byte(`{"inAmount":"500000000","outAmount":"100000000000","routePlan":[]}`))
			default:
				assert.Equal(t, "100000000000", q.Get("amount"))
				w.Write([]byte(`{"inAmount":"100000000000","outAmount":"990000000"}`))
			}
		case "/swap":
			var req swapRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, wallet.PublicKey().String(), req.UserPublicKey)
			assert.Contains(t, string(req.QuoteResponse), "outAmount")
			swaps = append(swaps, string(req.QuoteResponse))
			json.NewEncoder(w).Encode(swapResponse{SwapTransaction: unsignedSwapTx(t, wallet.PublicKey())})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	hcfg := httpclient.DefaultConfig()
	hcfg.StartDelay, hcfg.BackoffFactor, hcfg.MaxRetries = 0, 0, 0
	cfg := DefaultLiveConfig()
	cfg.JupiterURL = srv.URL
	cfg.WalletPrivateKey = wallet.PrivateKey.String()
	cfg.PriorityFeeLamports = 0
	cfg.ConfirmPoll = time.Millisecond
	b, err := NewLiveBroker(cfg, httpclient.New(hcfg), chain)
	require.NoError(t, err)
	return b, &swaps
}

func TestLiveBroker_BuyThenSell(t *testing.T) {
	chain := &fakeChain{decimals: 6, status: []error{errors.New("rpc hiccup"), nil}}
	b, swaps := newLive(t, chain)
	ctx := context.Background()

	buy, err := b.Execute(ctx, Order{ID: "b1", Token: bonk, Side: SideBuy, NotionalUSD: dec(100), RefPrice: dec(0.00099)})
	require.NoError(t, err)
	assert.Equal(t, "jupiter", buy.Broker)
	assert.True(t, buy.Quantity.Equal(dec(100_000)), buy.Quantity.String())
	assert.True(t, buy.ExecutionPrice.Equal(dec(0.001)), buy.ExecutionPrice.String())
	assert.InDelta(t, 1.0101, buy.SlippagePct, 1e-3)
	// 5000 lamports at 200 USD/SOL.
	assert.True(t, buy.FeeUSD.Equal(dec(0.001)), buy.FeeUSD.String())

	require.Len(t, chain.sent, 1)
	tx := chain.sent[0]
	require.Len(t, tx.Signatures, 1)
	assert.NoError(t, tx.VerifySignatures())
	assert.Equal(t, tx.Signatures[0].String(), buy.Signature)

	sell, err := b.Execute(ctx, Order{ID: "s1", Token: bonk, Side: SideSell, Quantity: buy.Quantity, RefPrice: dec(0.002)})
	require.NoError(t, err)
	// 0.99 SOL * 200 / 100000 tokens.
	assert.True(t, sell.ExecutionPrice.Equal(dec(0.00198)), sell.ExecutionPrice.String())
	assert.InDelta(t, 1.0, sell.SlippagePct, 1e-9)
	assert.Len(t, *swaps, 2)
	assert.Equal(t, int64(2), b.Stats().Executed)
}

func TestLiveBroker_FailedSwap(t *testing.T) {
	chain := &fakeChain{decimals: 6, status: []error{ErrSwapFailed}}
	b, _ := newLive(t, chain)
	_, err := b.Execute(context.Background(), Order{ID: "b1", Token: bonk, Side: SideBuy, NotionalUSD: dec(100), RefPrice: dec(0.001)})
	assert.ErrorIs(t, err, ErrSwapFailed)
	assert.Equal(t, int64(1), b.Stats().Rejected)
}

func TestLiveBroker_BadInputs(t *testing.T) {
	_, err := NewLiveBroker(LiveConfig{WalletPrivateKey: "not-a-key"}, httpclient.New(httpclient.DefaultConfig()), &fakeChain{})
	assert.Error(t, err)

	b, _ := newLive(t, &fakeChain{decimals: 6})
	_, err = b.Execute(context.Background(), Order{ID: "x", Token: "0OIl", Side: SideBuy, NotionalUSD: dec(1), RefPrice: dec(1)})
	assert.ErrorIs(t, err, ErrInvalidOrder)
	_, err = b.SignSwap("%%%")
	assert.Error(t, err)
}
