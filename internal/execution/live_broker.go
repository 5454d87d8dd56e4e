package execution

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/spbarathg/callsbotonchain-sub001/internal/httpclient"
)

// ---------------------------------------------------------------------------
// Live broker: Jupiter v6 quote + swap, signed and sent over Solana RPC
// ---------------------------------------------------------------------------

const (
	solMint         = "So11111111111111111111111111111111111111112"
	usdcMint        = "EPjFWdd5AufqSSQeM2qNjxzkvBXtKR3m3kXZxpPCqpDH"
	lamportsPerSOL  = 1_000_000_000
	usdcDecimals    = 6
	baseFeeLamports = 5_000
)

// ErrSwapFailed is returned when a sent swap did not confirm.
var ErrSwapFailed = errors.New("execution: swap failed")

// LiveConfig configures the Jupiter broker.
type LiveConfig struct {
	JupiterURL          string // e.g. https://quote-api.jup.ag/v6
	RPCURL              string
	WalletPrivateKey    string // base58
	SlippageBps         int
	PriorityFeeLamports uint64
	ConfirmTimeout      time.Duration
	ConfirmPoll         time.Duration
}

func DefaultLiveConfig() LiveConfig {
	return LiveConfig{
		JupiterURL:          "https://quote-api.jup.ag/v6",
		RPCURL:              rpc.MainNetBeta_RPC,
		SlippageBps:         300,
		PriorityFeeLamports: 100_000,
		ConfirmTimeout:      60 * time.Second,
		ConfirmPoll:         2 * time.Second,
	}
}

// Chain is the slice of Solana RPC the broker needs.
type Chain interface {
	TokenDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error)
	Send(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	Confirmed(ctx context.Context, sig solana.Signature) (done bool, err error)
}

// RPCChain implements Chain with the solana-go RPC client.
type RPCChain struct {
	client *rpc.Client
}

func NewRPCChain(endpoint string) *RPCChain { return &RPCChain{client: rpc.New(endpoint)} }

func (c *RPCChain) TokenDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error) {
	out, err := c.client.GetTokenSupply(ctx, mint, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, fmt.Errorf("execution: token supply %s: %w", mint, err)
	}
	if out == nil || out.Value == nil {
		return 0, fmt.Errorf("execution: token supply %s: empty result", mint)
	}
	return out.Value.Decimals, nil
}

func (c *RPCChain) Send(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	retries := uint(2)
	return c.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       true,
		PreflightCommitment: rpc.CommitmentConfirmed,
		MaxRetries:          &retries,
	})
}

// Confirmed reports whether sig reached confirmed status. A transaction
// error is returned as ErrSwapFailed.
func (c *RPCChain) Confirmed(ctx context.Context, sig solana.Signature) (bool, error) {
	out, err := c.client.GetSignatureStatuses(ctx, false, sig)
	if err != nil {
		return false, err
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return false, nil
	}
	st := out.Value[0]
	if st.Err != nil {
		return false, fmt.Errorf("%w: %v", ErrSwapFailed, st.Err)
	}
	return st.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
		st.ConfirmationStatus == rpc.ConfirmationStatusFinalized, nil
}

// jupiterQuote keeps the raw body so it can be passed back to /swap
// unchanged.
type jupiterQuote struct {
	InAmount       string `json:"inAmount"`
	OutAmount      string `json:"outAmount"`
	PriceImpactPct string `json:"priceImpactPct"`
	raw            json.RawMessage
}

type swapRequest struct {
	QuoteResponse                 json.RawMessage `json:"quoteResponse"`
	UserPublicKey                 string          `json:"userPublicKey"`
	WrapAndUnwrapSOL              bool            `json:"wrapAndUnwrapSol"`
	ComputeUnitPriceMicroLamports uint64          `json:"computeUnitPriceMicroLamports,omitempty"`
	DynamicComputeUnitLimit       bool            `json:"dynamicComputeUnitLimit"`
}

type swapResponse struct {
	SwapTransaction      string `json:"swapTransaction"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

// LiveBroker swaps SOL for tokens and back through Jupiter. Buys spend the
// SOL equivalent of the USD notional; sells swap the whole quantity to SOL.
type LiveBroker struct {
	config LiveConfig
	http   *httpclient.Client
	chain  Chain
	wallet solana.PrivateKey
	now    func() time.Time

	swaps    atomic.Int64
	failures atomic.Int64
}

var _ Broker = (*LiveBroker)(nil)

// NewLiveBroker parses the wallet key and wires the broker.
func NewLiveBroker(config LiveConfig, hc *httpclient.Client, chain Chain) (*LiveBroker, error) {
	wallet, err := solana.PrivateKeyFromBase58(config.WalletPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("execution: wallet key: %w", err)
	}
	if config.ConfirmPoll <= 0 {
		config.ConfirmPoll = 2 * time.Second
	}
	if config.ConfirmTimeout <= 0 {
		config.ConfirmTimeout = 60 * time.Second
	}
	config.JupiterURL = strings.TrimRight(config.JupiterURL, "/")
	log.Info().Str("wallet", wallet.PublicKey().String()).Msg("execution: live broker initialized")
	return &LiveBroker{config: config, http: hc, chain: chain, wallet: wallet, now: time.Now}, nil
}

func (b *LiveBroker) Name() string { return "jupiter" }

// Wallet returns the signing public key.
func (b *LiveBroker) Wallet() solana.PublicKey { return b.wallet.PublicKey() }

func (b *LiveBroker) Execute(ctx context.Context, o Order) (Fill, error) {
	if err := o.Validate(); err != nil {
		return Fill{}, err
	}
	fill, err := b.execute(ctx, o)
	if err != nil {
		b.failures.Add(1)
		log.Warn().Err(err).Str("order_id", o.ID).Str("token", o.Token).Msg("execution: live swap failed")
		return Fill{}, err
	}
	b.swaps.Add(1)
	log.Info().
		Str("order_id", o.ID).
		Str("pos_id", o.PositionID).
		Str("sig", fill.Signature).
		Str("price", fill.ExecutionPrice.String()).
		Float64("slippage_pct", fill.SlippagePct).
		Msg("execution: live fill")
	return fill, nil
}

func (b *LiveBroker) execute(ctx context.Context, o Order) (Fill, error) {
	mint, err := solana.PublicKeyFromBase58(o.Token)
	if err != nil {
		return Fill{}, fmt.Errorf("%w: token %q: %v", ErrInvalidOrder, o.Token, err)
	}
	decimals, err := b.chain.TokenDecimals(ctx, mint)
	if err != nil {
		return Fill{}, err
	}
	solUSD, err := b.SOLPrice(ctx)
	if err != nil {
		return Fill{}, err
	}
	tokenUnit := decimal.New(1, int32(decimals))
	lamports := decimal.NewFromInt(lamportsPerSOL)

	var in, out string
	var amount decimal.Decimal
	if o.Side == SideBuy {
		in, out = solMint, o.Token
		amount = o.NotionalUSD.Div(solUSD).Mul(lamports).Floor()
	} else {
		in, out = o.Token, solMint
		amount = o.Quantity.Mul(tokenUnit).Floor()
	}
	if !amount.IsPositive() {
		return Fill{}, fmt.Errorf("%w: amount rounds to zero", ErrInvalidOrder)
	}

	q, err := b.quote(ctx, in, out, amount.String(), b.config.SlippageBps)
	if err != nil {
		return Fill{}, err
	}
	outAmount, err := decimal.NewFromString(q.OutAmount)
	if err != nil || !outAmount.IsPositive() {
		return Fill{}, fmt.Errorf("execution: quote out amount %q", q.OutAmount)
	}

	sig, err := b.swap(ctx, q)
	if err != nil {
		return Fill{}, err
	}
	if err := b.confirm(ctx, sig); err != nil {
		return Fill{}, err
	}

	f := Fill{
		ID:         uuid.NewString(),
		OrderID:    o.ID,
		PositionID: o.PositionID,
		Token:      o.Token,
		Side:       o.Side,
		Broker:     b.Name(),
		Signature:  sig.String(),
		ExecutedAt: b.now(),
	}
	if o.Side == SideBuy {
		f.Quantity = outAmount.Div(tokenUnit)
		f.ExecutionPrice = o.NotionalUSD.Div(f.Quantity)
	} else {
		f.Quantity = o.Quantity
		f.ExecutionPrice = outAmount.Div(lamports).Mul(solUSD).Div(o.Quantity)
	}
	feeLamports := decimal.NewFromInt(baseFeeLamports).Add(decimal.NewFromInt(int64(b.config.PriorityFeeLamports)))
	f.FeeUSD = feeLamports.Div(lamports).Mul(solUSD)
	f.SlippagePct = slippagePct(o.Side, o.RefPrice, f.ExecutionPrice)
	return f, nil
}

// SOLPrice quotes one SOL in USDC.
func (b *LiveBroker) SOLPrice(ctx context.Context) (decimal.Decimal, error) {
	q, err := b.quote(ctx, solMint, usdcMint, strconv.Itoa(lamportsPerSOL), 50)
	if err != nil {
		return decimal.Zero, fmt.Errorf("execution: sol price: %w", err)
	}
	out, err := decimal.NewFromString(q.OutAmount)
	if err != nil || !out.IsPositive() {
		return decimal.Zero, fmt.Errorf("execution: sol price out amount %q", q.OutAmount)
	}
	return out.Shift(-usdcDecimals), nil
}

func (b *LiveBroker) quote(ctx context.Context, in, out, amount string, slippageBps int) (*jupiterQuote, error) {
	v := url.Values{}
	v.Set("inputMint", in)
	v.Set("outputMint", out)
	v.Set("amount", amount)
	v.Set("slippageBps", strconv.Itoa(slippageBps))
	resp, err := b.http.Get(ctx, b.config.JupiterURL+"/quote?"+v.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("execution: jupiter quote: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("execution: jupiter quote HTTP %d: %s", resp.StatusCode, truncate(resp.Body))
	}
	var q jupiterQuote
	if err := json.Unmarshal(resp.Body, &q); err != nil {
		return nil, fmt.Errorf("execution: parse quote: %w", err)
	}
	q.raw = resp.Body
	return &q, nil
}

func (b *LiveBroker) swap(ctx context.Context, q *jupiterQuote) (solana.Signature, error) {
	body, err := json.Marshal(swapRequest{
		QuoteResponse:                 q.raw,
		UserPublicKey:                 b.wallet.PublicKey().String(),
		WrapAndUnwrapSOL:              true,
		ComputeUnitPriceMicroLamports: b.config.PriorityFeeLamports,
		DynamicComputeUnitLimit:       true,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("execution: marshal swap request: %w", err)
	}
	header := http.Header{"Content-Type": []string{"application/json"}}
	resp, err := b.http.Do(ctx, http.MethodPost, b.config.JupiterURL+"/swap", header, body)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("execution: jupiter swap: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return solana.Signature{}, fmt.Errorf("execution: jupiter swap HTTP %d: %s", resp.StatusCode, truncate(resp.Body))
	}
	var sr swapResponse
	if err := json.Unmarshal(resp.Body, &sr); err != nil {
		return solana.Signature{}, fmt.Errorf("execution: parse swap response: %w", err)
	}

	tx, err := b.SignSwap(sr.SwapTransaction)
	if err != nil {
		return solana.Signature{}, err
	}
	return b.chain.Send(ctx, tx)
}

// SignSwap decodes a base64 swap transaction and signs it with the wallet.
func (b *LiveBroker) SignSwap(encoded string) (*solana.Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("execution: decode swap tx: %w", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("execution: parse swap tx: %w", err)
	}
	owner := b.wallet.PublicKey()
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(owner) {
			return &b.wallet
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("execution: sign swap tx: %w", err)
	}
	return tx, nil
}

func (b *LiveBroker) confirm(ctx context.Context, sig solana.Signature) error {
	ctx, cancel := context.WithTimeout(ctx, b.config.ConfirmTimeout)
	defer cancel()
	for {
		done, err := b.chain.Confirmed(ctx, sig)
		if err != nil && errors.Is(err, ErrSwapFailed) {
			return err
		}
		if err != nil {
			log.Debug().Err(err).Str("sig", sig.String()).Msg("execution: status poll failed")
		}
		if done {
			return nil
		}
		if err := sleepCtx(ctx, b.config.ConfirmPoll); err != nil {
			return fmt.Errorf("%w: %s not confirmed: %v", ErrSwapFailed, sig, err)
		}
	}
}

func (b *LiveBroker) Stats() BrokerStats {
	return BrokerStats{Executed: b.swaps.Load(), Rejected: b.failures.Load()}
}

func truncate(body []byte) string {
	if len(body) > 200 {
		return string(body[:200])
	}
	return string(body)
}
