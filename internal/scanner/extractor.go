// Package scanner turns feed transactions into scored, gated alert
// candidates: candidate extraction, the preliminary score, the rule scorer
// and the ordered gate pipeline.
package scanner

import (
	"strings"
	"sync/atomic"

	"github.com/gagliardetto/solana-go"

	"github.com/spbarathg/callsbotonchain-sub001/internal/feed"
)

// Well-known mints that are never alert candidates.
var (
	WrappedSOLMint = solana.WrappedSol.String()
	USDCMint       = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	USDTMint       = "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BJYwNYB"
)

// Candidate is the token side selected from one feed transaction.
type Candidate struct {
	Token    string
	USDValue float64
	Tx       feed.Transaction
}

// ExtractStats holds extractor counters.
type ExtractStats struct {
	Seen        int64 `json:"seen"`
	Accepted    int64 `json:"accepted"`
	NoToken     int64 `json:"no_token"`
	ZeroValue   int64 `json:"zero_value"`
	Blacklisted int64 `json:"blacklisted"`
}

// Extractor selects the candidate token of a swap. It has no side effects
// beyond its counters.
type Extractor struct {
	excluded map[string]struct{}
	blocked  map[string]struct{}

	seen        atomic.Int64
	accepted    atomic.Int64
	noToken     atomic.Int64
	zeroValue   atomic.Int64
	blacklisted atomic.Int64
}

// NewExtractor creates an Extractor with a user blacklist on top of the
// native and stable mints.
func NewExtractor(blacklist []string) *Extractor {
	e := &Extractor{
		excluded: map[string]struct{}{WrappedSOLMint: {}, USDCMint: {}, USDTMint: {}},
		blocked:  make(map[string]struct{}, len(blacklist)),
	}
	for _, addr := range blacklist {
		if addr = strings.TrimSpace(addr); addr != "" {
			e.blocked[addr] = struct{}{}
		}
	}
	return e
}

type side struct {
	addr string
	usd  float64
}

// Extract returns the candidate for tx. When one side is a native or stable
// mint the other side is chosen; otherwise the side with the larger USD
// amount wins, token0 on a tie.
func (e *Extractor) Extract(tx feed.Transaction) (Candidate, bool) {
	e.seen.Add(1)

	if tx.Token0Address == "" && tx.Token1Address == "" {
		e.noToken.Add(1)
		return Candidate{}, false
	}
	if tx.USDValue <= 0 {
		e.zeroValue.Add(1)
		return Candidate{}, false
	}

	var sides []side
	blocked := false
	for _, s := range []side{{tx.Token0Address, tx.Token0AmountUSD}, {tx.Token1Address, tx.Token1AmountUSD}} {
		if s.addr == "" {
			continue
		}
		if _, ok := e.excluded[s.addr]; ok {
			continue
		}
		if _, ok := e.blocked[s.addr]; ok || !validAddress(s.addr) {
			blocked = true
			continue
		}
		sides = append(sides, s)
	}

	var pick side
	switch len(sides) {
	case 0:
		if blocked {
			e.blacklisted.Add(1)
		} else {
			e.noToken.Add(1)
		}
		return Candidate{}, false
	case 1:
		pick = sides[0]
	default:
		pick = sides[0]
		if sides[1].usd > sides[0].usd {
			pick = sides[1]
		}
	}

	e.accepted.Add(1)
	return Candidate{Token: pick.addr, USDValue: tx.USDValue, Tx: tx}, true
}

// validAddress reports whether addr decodes to a 32-byte public key.
func validAddress(addr string) bool {
	if len(addr) < 32 || len(addr) > 44 {
		return false
	}
	_, err := solana.PublicKeyFromBase58(addr)
	return err == nil
}

func (e *Extractor) Stats() ExtractStats {
	return ExtractStats{
		Seen:        e.seen.Load(),
		Accepted:    e.accepted.Load(),
		NoToken:     e.noToken.Load(),
		ZeroValue:   e.zeroValue.Load(),
		Blacklisted: e.blacklisted.Load(),
	}
}
