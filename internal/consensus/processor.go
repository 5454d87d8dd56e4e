package consensus

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spbarathg/callsbotonchain-sub001/internal/cache"
	"github.com/spbarathg/callsbotonchain-sub001/internal/price"
	"github.com/spbarathg/callsbotonchain-sub001/internal/stats"
)

// Message is one chat message from a watched group.
type Message struct {
	Group string
	Text  string
	At    time.Time
}

// Recorder persists a (token, group) observation.
type Recorder interface {
	Record(ctx context.Context, token, group string, observedAt time.Time) error
}

// ProcessorConfig configures message handling.
type ProcessorConfig struct {
	MinLiquidity float64
	MinVolume24h float64
	DedupTTL     time.Duration
	Groups       []string // empty accepts every group
}

// Processor turns chat messages into consensus observations.
type Processor struct {
	config    ProcessorConfig
	extractor *Extractor
	quotes    price.Source
	recorder  Recorder
	dedup     *cache.TTLCache
	groups    map[string]struct{}
	now       func() time.Time

	messages  atomic.Int64
	extracted atomic.Int64
	dupes     atomic.Int64
	illiquid  atomic.Int64
	recorded  atomic.Int64
	errors    atomic.Int64
}

// NewProcessor creates a processor. quotes may be nil to skip the liquidity
// check.
func NewProcessor(config ProcessorConfig, extractor *Extractor, quotes price.Source, recorder Recorder) *Processor {
	if config.DedupTTL <= 0 {
		config.DedupTTL = time.Hour
	}
	p := &Processor{
		config:    config,
		extractor: extractor,
		quotes:    quotes,
		recorder:  recorder,
		dedup:     cache.New(cache.Config{TTL: config.DedupTTL, MaxSize: 50_000}),
		now:       time.Now,
	}
	if len(config.Groups) > 0 {
		p.groups = make(map[string]struct{}, len(config.Groups))
		for _, g := range config.Groups {
			p.groups[g] = struct{}{}
		}
	}
	return p
}

// Handle processes one message and returns the tokens it recorded.
func (p *Processor) Handle(ctx context.Context, msg Message) []string {
	p.messages.Add(1)
	if p.groups != nil {
		if _, ok := p.groups[msg.Group]; !ok {
			return nil
		}
	}
	at := msg.At
	if at.IsZero() {
		at = p.now()
	}

	var recorded []string
	for _, token := range p.extractor.Extract(msg.Text) {
		p.extracted.Add(1)
		key := token + "|" + msg.Group
		if p.dedup.Contains(key) {
			p.dupes.Add(1)
			continue
		}
		if !p.liquid(ctx, token) {
			p.illiquid.Add(1)
			continue
		}
		if err := p.recorder.Record(ctx, token, msg.Group, at); err != nil {
			p.errors.Add(1)
			log.Warn().Err(err).Str("token", token).Str("group", msg.Group).Msg("consensus: record failed")
			continue
		}
		p.dedup.Add(key)
		p.recorded.Add(1)
		recorded = append(recorded, token)
		log.Debug().Str("token", token).Str("group", msg.Group).Msg("consensus: recorded")
	}
	return recorded
}

// liquid is the cheap external check. Lookup failures reject the token.
func (p *Processor) liquid(ctx context.Context, token string) bool {
	if p.quotes == nil {
		return true
	}
	q, err := p.quotes.Quote(ctx, token)
	if err != nil {
		log.Debug().Err(err).Str("token", token).Msg("consensus: quote failed")
		return false
	}
	return stats.Val(q.LiquidityUSD) >= p.config.MinLiquidity &&
		stats.Val(q.Volume24hUSD) >= p.config.MinVolume24h
}

// CleanupDedup drops expired dedup entries.
func (p *Processor) CleanupDedup() int { return p.dedup.CleanupExpired() }

// ProcessorStats holds processor counters.
type ProcessorStats struct {
	Messages  int64 `json:"messages"`
	Extracted int64 `json:"extracted"`
	Dupes     int64 `json:"dupes"`
	Illiquid  int64 `json:"illiquid"`
	Recorded  int64 `json:"recorded"`
	Errors    int64 `json:"errors"`
}

func (p *Processor) Stats() ProcessorStats {
	return ProcessorStats{
		Messages:  p.messages.Load(),
		Extracted: p.extracted.Load(),
		Dupes:     p.dupes.Load(),
		Illiquid:  p.illiquid.Load(),
		Recorded:  p.recorded.Load(),
		Errors:    p.errors.Load(),
	}
}
