package observability

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
)

// Kind identifies the kind of metric.
type Kind string

const (
	KindCounter   Kind = "counter"
	KindGauge     Kind = "gauge"
	KindHistogram Kind = "histogram"
)

// Sample is a point-in-time value of one metric, as served on /stats.
type Sample struct {
	Name  string  `json:"name"`
	Kind  Kind    `json:"kind"`
	Help  string  `json:"help"`
	Value float64 `json:"value"`
}

// -----------------------------------------------------------------------
// Counter
// -----------------------------------------------------------------------

// Counter only goes up. Values are kept in thousandths so Add can take
// fractional deltas without a lock.
type Counter struct {
	name  string
	help  string
	milli atomic.Int64
}

func (c *Counter) Inc() { c.milli.Add(1000) }

// Add ignores negative deltas.
func (c *Counter) Add(delta float64) {
	if delta <= 0 {
		return
	}
	c.milli.Add(int64(math.Round(delta * 1000)))
}

// Set raises the counter to v when v is larger. Used by scrape hooks that
// mirror a component's own monotonic counter.
func (c *Counter) Set(v float64) {
	target := int64(math.Round(v * 1000))
	for {
		cur := c.milli.Load()
		if target <= cur || c.milli.CompareAndSwap(cur, target) {
			return
		}
	}
}

func (c *Counter) Value() float64 { return float64(c.milli.Load()) / 1000.0 }

// -----------------------------------------------------------------------
// Gauge
// -----------------------------------------------------------------------

// Gauge holds a value that can go up and down.
type Gauge struct {
	name string
	help string
	bits atomic.Uint64
}

func (g *Gauge) Set(v float64) { g.bits.Store(math.Float64bits(v)) }

func (g *Gauge) Add(delta float64) {
	for {
		old := g.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if g.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

func (g *Gauge) Inc() { g.Add(1) }
func (g *Gauge) Dec() { g.Add(-1) }

func (g *Gauge) Value() float64 { return math.Float64frombits(g.bits.Load()) }

// -----------------------------------------------------------------------
// Histogram
// -----------------------------------------------------------------------

// Histogram counts observations into upper-bound inclusive buckets.
type Histogram struct {
	name   string
	help   string
	mu     sync.Mutex
	bounds []float64
	counts []int64 // cumulative: counts[i] = observations <= bounds[i]
	sum    float64
	count  int64
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	for i, b := range h.bounds {
		if v <= b {
			h.counts[i]++
		}
	}
}

func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Quantile interpolates linearly inside the bucket holding rank q*count.
// Returns 0 for an empty histogram or q outside [0,1].
func (h *Histogram) Quantile(q float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 || q < 0 || q > 1 {
		return 0
	}
	target := q * float64(h.count)
	var lower, prev float64
	for i, b := range h.bounds {
		cum := float64(h.counts[i])
		if cum >= target {
			if cum == prev {
				return b
			}
			return lower + (target-prev)/(cum-prev)*(b-lower)
		}
		lower, prev = b, cum
	}
	if n := len(h.bounds); n > 0 {
		return h.bounds[n-1]
	}
	return 0
}

// snapshot copies bucket state for the exporter.
func (h *Histogram) snapshot() (bounds []float64, counts []int64, sum float64, count int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]float64(nil), h.bounds...), append([]int64(nil), h.counts...), h.sum, h.count
}

// -----------------------------------------------------------------------
// Registry
// -----------------------------------------------------------------------

// Registry owns every metric plus the scrape hooks that refresh metrics
// mirrored from component Stats() snapshots.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
	hooks      []func()
}

func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

// Counter returns the named counter, creating it on first use.
func (r *Registry) Counter(name, help string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := &Counter{name: name, help: help}
	r.counters[name] = c
	return c
}

// Gauge returns the named gauge, creating it on first use.
func (r *Registry) Gauge(name, help string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g := &Gauge{name: name, help: help}
	r.gauges[name] = g
	return g
}

// Histogram returns the named histogram, creating it on first use.
func (r *Registry) Histogram(name, help string, bounds []float64) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[name]; ok {
		return h
	}
	sorted := append([]float64(nil), bounds...)
	sort.Float64s(sorted)
	h := &Histogram{name: name, help: help, bounds: sorted, counts: make([]int64, len(sorted))}
	r.histograms[name] = h
	return h
}

// Inc bumps a counter by name if it is registered. Unknown names are ignored.
func (r *Registry) Inc(name string) {
	r.mu.RLock()
	c := r.counters[name]
	r.mu.RUnlock()
	if c != nil {
		c.Inc()
	}
}

// OnScrape registers a hook run before every export.
func (r *Registry) OnScrape(fn func()) {
	r.mu.Lock()
	r.hooks = append(r.hooks, fn)
	r.mu.Unlock()
}

// Collect runs the scrape hooks.
func (r *Registry) Collect() {
	r.mu.RLock()
	hooks := append([]func(){}, r.hooks...)
	r.mu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
}

// Samples runs the scrape hooks and returns every metric sorted by kind then
// name. Histograms report their observation count.
func (r *Registry) Samples() []Sample {
	r.Collect()
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Sample, 0, len(r.counters)+len(r.gauges)+len(r.histograms))
	for _, name := range sortedKeys(r.counters) {
		c := r.counters[name]
		out = append(out, Sample{Name: name, Kind: KindCounter, Help: c.help, Value: c.Value()})
	}
	for _, name := range sortedKeys(r.gauges) {
		g := r.gauges[name]
		out = append(out, Sample{Name: name, Kind: KindGauge, Help: g.help, Value: g.Value()})
	}
	for _, name := range sortedKeys(r.histograms) {
		h := r.histograms[name]
		out = append(out, Sample{Name: name, Kind: KindHistogram, Help: h.help, Value: float64(h.Count())})
	}
	return out
}

// -----------------------------------------------------------------------
// Pipeline metric set
// -----------------------------------------------------------------------

// Counter names used across the pipeline.
const (
	FeedItems          = "feed_items_total"
	FeedMalformed      = "feed_malformed_total"
	PrelimRejected     = "prelim_rejected_total"
	ActivityRecorded   = "activity_recorded_total"
	DupAlerts          = "dup_alerts_total"
	ProviderRejected   = "provider_rejected_total"
	ProviderTransient  = "provider_transient_total"
	SchemaInvalid      = "schema_invalid_total"
	GateRejected       = "gate_rejected_total"
	AlertsEmitted      = "alerts_emitted_total"
	EmitTransportError = "emit_transport_errors_total"
	TrackerSnapshots   = "tracker_snapshots_total"
	RugsDetected       = "rugs_detected_total"
	TradesOpened       = "trades_opened_total"
	TradesClosed       = "trades_closed_total"
	AdmissionDenied    = "admission_denied_total"
)

// Histogram and gauge names.
const (
	ProcessLatencyMs = "process_latency_ms"
	QueueDepth       = "pipeline_queue_depth"
	OpenPositions    = "trading_open_positions"
	CapitalUSD       = "trading_capital_usd"
)

// LatencyBucketsMs covers a single token's trip through fetch, gates and emit.
var LatencyBucketsMs = []float64{5, 25, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

// NewPipelineRegistry returns a registry with every pipeline metric
// pre-registered so they export as zero before the first event.
func NewPipelineRegistry() *Registry {
	r := NewRegistry()
	help := map[string]string{
		FeedItems:          "Feed transactions received",
		FeedMalformed:      "Feed frames that failed to decode",
		PrelimRejected:     "Tokens below the preliminary score threshold",
		ActivityRecorded:   "Activity rows recorded",
		DupAlerts:          "Tokens skipped because already alerted",
		ProviderRejected:   "Stats lookups rejected by budget, breaker or provider",
		ProviderTransient:  "Stats lookups failing with transient errors",
		SchemaInvalid:      "Provider payloads failing validation",
		GateRejected:       "Tokens rejected by a gate",
		AlertsEmitted:      "Alerts persisted and fanned out",
		EmitTransportError: "Chat or bus transport failures",
		TrackerSnapshots:   "Price snapshots recorded by the tracker",
		RugsDetected:       "Tokens flagged as rugged",
		TradesOpened:       "Positions opened",
		TradesClosed:       "Positions closed",
		AdmissionDenied:    "Trade signals denied admission",
	}
	for _, name := range sortedKeys(help) {
		r.Counter(name, help[name])
	}
	r.Gauge(QueueDepth, "Items waiting in the pipeline queue")
	r.Gauge(OpenPositions, "Open trading positions")
	r.Gauge(CapitalUSD, "Current trading capital in USD")
	r.Histogram(ProcessLatencyMs, "Per-token processing latency in milliseconds", LatencyBucketsMs)
	return r
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
