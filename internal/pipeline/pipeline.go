// Package pipeline drives feed transactions through extraction, the
// preliminary gate, activity recording, dedup, detail fetch, scoring, gates
// and emission.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spbarathg/callsbotonchain-sub001/internal/alert"
	"github.com/spbarathg/callsbotonchain-sub001/internal/feed"
	"github.com/spbarathg/callsbotonchain-sub001/internal/httpclient"
	"github.com/spbarathg/callsbotonchain-sub001/internal/observability"
	"github.com/spbarathg/callsbotonchain-sub001/internal/scanner"
	"github.com/spbarathg/callsbotonchain-sub001/internal/stats"
	"github.com/spbarathg/callsbotonchain-sub001/internal/store"
)

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

// Config configures the pipeline.
type Config struct {
	Workers           int           `yaml:"workers"`
	QueueSize         int           `yaml:"queue_size"`
	PrelimDetailedMin int           `yaml:"prelim_detailed_min"`
	VelocityWindow    time.Duration `yaml:"velocity_window"`
	// FetchTimeout bounds one token's detail lookup including retries.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

func DefaultConfig() Config {
	return Config{
		Workers:           4,
		QueueSize:         512,
		PrelimDetailedMin: 5,
		VelocityWindow:    15 * time.Minute,
		FetchTimeout:      30 * time.Second,
	}
}

// ---------------------------------------------------------------------------
// Collaborators
// ---------------------------------------------------------------------------

// ActivityLog is the append-only activity store. *store.Store satisfies it.
type ActivityLog interface {
	RecordActivity(ctx context.Context, a store.Activity) error
	Velocity(ctx context.Context, token string, window time.Duration) (int, error)
	FirstSeen(ctx context.Context, token string) (time.Time, bool, error)
}

// StatsSource resolves detail stats. *stats.Fetcher satisfies it.
type StatsSource interface {
	Fetch(ctx context.Context, token string, opts stats.FetchOptions) (*stats.TokenStats, error)
}

// Emitter dedups and emits alerts. *alert.Emitter satisfies it.
type Emitter interface {
	AlreadyAlerted(ctx context.Context, token string) bool
	Emit(ctx context.Context, sig alert.Signal) (alert.Result, error)
}

// Deps are the pipeline's collaborators. Metrics may be nil.
type Deps struct {
	Reader    feed.Reader
	Extractor *scanner.Extractor
	Activity  ActivityLog
	Stats     StatsSource
	Scorer    *scanner.Scorer
	Gates     *scanner.Gates
	Emitter   Emitter
	Metrics   *observability.Registry
}

// ---------------------------------------------------------------------------
// Outcome
// ---------------------------------------------------------------------------

// Stage names where a transaction left the pipeline.
type Stage string

const (
	StageExtract           Stage = "extract"
	StagePrelim            Stage = "prelim"
	StageInFlight          Stage = "in_flight"
	StageDuplicate         Stage = "duplicate"
	StageProviderRejected  Stage = "provider_rejected"
	StageProviderTransient Stage = "provider_transient"
	StageSchemaInvalid     Stage = "schema_invalid"
	StageGate              Stage = "gate"
	StageEmitFailed        Stage = "emit_failed"
	StageEmitted           Stage = "emitted"
)

// Outcome reports what happened to one transaction.
type Outcome struct {
	Token      string
	Stage      Stage
	Reason     string
	Prelim     int
	Score      int
	Conviction scanner.Conviction
	// TransportErr is set when an emitted alert failed chat or bus delivery.
	TransportErr error
}

// Stats holds pipeline counters.
type Stats struct {
	Received  int64           `json:"received"`
	Processed int64           `json:"processed"`
	Emitted   int64           `json:"emitted"`
	InFlight  int             `json:"in_flight"`
	Queued    int             `json:"queued"`
	Dropped   map[Stage]int64 `json:"dropped"`
}

// ---------------------------------------------------------------------------
// Pipeline
// ---------------------------------------------------------------------------

// Pipeline is the ingestion worker pool.
type Pipeline struct {
	config Config
	deps   Deps
	now    func() time.Time

	queue chan feed.Transaction

	mu       sync.Mutex
	inFlight map[string]struct{}

	received  atomic.Int64
	processed atomic.Int64
	emitted   atomic.Int64

	dropMu  sync.Mutex
	dropped map[Stage]int64
}

// New creates a Pipeline. Zero config fields take the defaults.
func New(config Config, deps Deps) *Pipeline {
	def := DefaultConfig()
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.VelocityWindow <= 0 {
		config.VelocityWindow = def.VelocityWindow
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = def.FetchTimeout
	}
	return &Pipeline{
		config:   config,
		deps:     deps,
		now:      time.Now,
		queue:    make(chan feed.Transaction, config.QueueSize),
		inFlight: make(map[string]struct{}),
		dropped:  make(map[Stage]int64),
	}
}

// Run reads the feed into the bounded queue and processes it with the
// worker pool until ctx ends. In-flight items finish before Run returns.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.deps.Reader == nil {
		return errors.New("pipeline: no feed reader")
	}
	in := p.deps.Reader.Start(ctx)

	var wg sync.WaitGroup
	for i := 0; i < p.config.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.worker(ctx, id)
		}(i)
	}

	log.Info().Int("workers", p.config.Workers).Int("queue", p.config.QueueSize).Msg("pipeline: started")

	p.forward(ctx, in)
	close(p.queue)
	wg.Wait()

	log.Info().Int64("processed", p.processed.Load()).Int64("emitted", p.emitted.Load()).Msg("pipeline: stopped")
	return nil
}

// forward moves feed items into the queue. A full queue blocks the feed.
func (p *Pipeline) forward(ctx context.Context, in <-chan feed.Transaction) {
	for {
		select {
		case <-ctx.Done():
			return
		case tx, ok := <-in:
			if !ok {
				return
			}
			p.received.Add(1)
			p.inc(observability.FeedItems)
			select {
			case p.queue <- tx:
				p.setQueueDepth()
			case <-ctx.Done():
				return
			}
		}
	}
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	for tx := range p.queue {
		p.setQueueDepth()
		if ctx.Err() != nil {
			continue
		}
		out := p.Process(ctx, tx)
		log.Trace().Int("worker", id).Str("token", out.Token).Str("stage", string(out.Stage)).Msg("pipeline: processed")
	}
}

// Process runs one transaction through every stage and reports where it
// stopped. It never returns an error: every failure is a drop with a stage.
func (p *Pipeline) Process(ctx context.Context, tx feed.Transaction) Outcome {
	start := p.now()
	out := p.process(ctx, tx)
	p.processed.Add(1)
	if out.Stage == StageEmitted {
		p.emitted.Add(1)
	} else {
		p.drop(out.Stage)
	}
	if m := p.deps.Metrics; m != nil {
		m.Histogram(observability.ProcessLatencyMs, "", observability.LatencyBucketsMs).
			Observe(float64(p.now().Sub(start).Microseconds()) / 1000)
	}
	return out
}

func (p *Pipeline) process(ctx context.Context, tx feed.Transaction) Outcome {
	d := p.deps

	cand, ok := d.Extractor.Extract(tx)
	if !ok {
		return Outcome{Stage: StageExtract}
	}
	out := Outcome{Token: cand.Token}

	// preliminary gate: nothing is written for a reject
	out.Prelim = scanner.PrelimScore(tx)
	if out.Prelim < p.config.PrelimDetailedMin {
		p.inc(observability.PrelimRejected)
		out.Stage = StagePrelim
		return out
	}

	if err := d.Activity.RecordActivity(ctx, store.Activity{
		Token:       cand.Token,
		ObservedAt:  observedAt(tx, p.now()),
		USDValue:    cand.USDValue,
		TxCount:     1,
		SmartMoney:  tx.SmartMoney,
		PrelimScore: out.Prelim,
		Trader:      tx.Trader,
	}); err != nil {
		log.Warn().Err(err).Str("token", cand.Token).Msg("pipeline: record activity failed")
	} else {
		p.inc(observability.ActivityRecorded)
	}

	if !p.acquire(cand.Token) {
		out.Stage = StageInFlight
		return out
	}
	defer p.release(cand.Token)

	if d.Emitter.AlreadyAlerted(ctx, cand.Token) {
		p.inc(observability.DupAlerts)
		out.Stage = StageDuplicate
		return out
	}

	fetchCtx, cancel := context.WithTimeout(ctx, p.config.FetchTimeout)
	s, err := d.Stats.Fetch(fetchCtx, cand.Token, stats.FetchOptions{})
	cancel()
	if err != nil {
		out.Stage = p.classifyFetch(err)
		out.Reason = err.Error()
		log.Debug().Err(err).Str("token", cand.Token).Str("stage", string(out.Stage)).Msg("pipeline: detail fetch dropped")
		return out
	}
	if s.TokenAddress == "" {
		s.TokenAddress = cand.Token
	}

	velocity, err := d.Activity.Velocity(ctx, cand.Token, p.config.VelocityWindow)
	if err != nil {
		log.Debug().Err(err).Str("token", cand.Token).Msg("pipeline: velocity lookup failed")
	}

	smart := tx.SmartMoney || s.SmartMoneyFound
	score := d.Scorer.Score(ctx, s, smart, out.Prelim)
	out.Score = score.Score

	dec := d.Gates.Evaluate(scanner.GateInput{
		Stats:      s,
		SmartMoney: smart,
		FinalScore: score.Score,
		Velocity:   velocity,
	})
	if !dec.Passed {
		p.inc(observability.GateRejected)
		out.Stage = StageGate
		out.Reason = string(dec.Gate) + ": " + dec.Reason
		return out
	}
	out.Conviction = dec.Conviction

	res, err := d.Emitter.Emit(ctx, alert.Signal{
		Stats:           s,
		FinalScore:      score.Score,
		PrelimScore:     out.Prelim,
		Conviction:      dec.Conviction,
		SmartMoney:      smart,
		SmartWallet:     tx.SmartWallet,
		GatesPassed:     dec.GatesPassed,
		Reasons:         score.Reasons,
		FeedSource:      tx.Source,
		DEX:             tx.DEX,
		TokenAgeMinutes: p.tokenAge(ctx, cand.Token, s),
	})
	switch {
	case errors.Is(err, alert.ErrDuplicate):
		p.inc(observability.DupAlerts)
		out.Stage = StageDuplicate
		return out
	case err != nil:
		log.Warn().Err(err).Str("token", cand.Token).Msg("pipeline: emit failed")
		out.Stage = StageEmitFailed
		out.Reason = err.Error()
		return out
	}
	if res.TransportErr != nil {
		p.inc(observability.EmitTransportError)
		out.TransportErr = res.TransportErr
	}
	p.inc(observability.AlertsEmitted)
	out.Stage = StageEmitted
	return out
}

// classifyFetch maps a fetch error onto its drop kind and counter.
func (p *Pipeline) classifyFetch(err error) Stage {
	switch {
	case errors.Is(err, stats.ErrSchemaInvalid):
		p.inc(observability.SchemaInvalid)
		return StageSchemaInvalid
	case errors.Is(err, stats.ErrBudgetExhausted),
		errors.Is(err, stats.ErrRejected),
		errors.Is(err, stats.ErrNotFound),
		errors.Is(err, httpclient.ErrCircuitOpen):
		p.inc(observability.ProviderRejected)
		return StageProviderRejected
	}
	p.inc(observability.ProviderTransient)
	return StageProviderTransient
}

// tokenAge prefers the pair creation time and falls back to the first
// activity row.
func (p *Pipeline) tokenAge(ctx context.Context, token string, s *stats.TokenStats) *float64 {
	now := p.now()
	if age := s.Age(now); age > 0 {
		m := age.Minutes()
		return &m
	}
	first, ok, err := p.deps.Activity.FirstSeen(ctx, token)
	if err != nil || !ok || first.After(now) {
		return nil
	}
	m := now.Sub(first).Minutes()
	return &m
}

func observedAt(tx feed.Transaction, now time.Time) time.Time {
	if tx.Timestamp.IsZero() || tx.Timestamp.After(now) {
		return now
	}
	return tx.Timestamp
}

// acquire marks token as in flight; false means another worker holds it.
func (p *Pipeline) acquire(token string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inFlight[token]; busy {
		return false
	}
	p.inFlight[token] = struct{}{}
	return true
}

func (p *Pipeline) release(token string) {
	p.mu.Lock()
	delete(p.inFlight, token)
	p.mu.Unlock()
}

func (p *Pipeline) inc(name string) {
	if p.deps.Metrics != nil {
		p.deps.Metrics.Inc(name)
	}
}

func (p *Pipeline) setQueueDepth() {
	if p.deps.Metrics != nil {
		p.deps.Metrics.Gauge(observability.QueueDepth, "").Set(float64(len(p.queue)))
	}
}

func (p *Pipeline) drop(s Stage) {
	p.dropMu.Lock()
	p.dropped[s]++
	p.dropMu.Unlock()
}

func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	inFlight := len(p.inFlight)
	p.mu.Unlock()

	p.dropMu.Lock()
	dropped := make(map[Stage]int64, len(p.dropped))
	for k, v := range p.dropped {
		dropped[k] = v
	}
	p.dropMu.Unlock()

	return Stats{
		Received:  p.received.Load(),
		Processed: p.processed.Load(),
		Emitted:   p.emitted.Load(),
		InFlight:  inFlight,
		Queued:    len(p.queue),
		Dropped:   dropped,
	}
}
