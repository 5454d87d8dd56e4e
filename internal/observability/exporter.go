package observability

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
)

// Exporter renders a Registry in the Prometheus text exposition format
// under a common metric prefix.
type Exporter struct {
	registry *Registry
	prefix   string
}

// NewExporter creates an exporter. prefix is prepended to every metric
// name ("callsbot" yields callsbot_feed_items_total).
func NewExporter(registry *Registry, prefix string) *Exporter {
	if prefix != "" && !strings.HasSuffix(prefix, "_") {
		prefix += "_"
	}
	return &Exporter{registry: registry, prefix: prefix}
}

// ServeHTTP serves /metrics.
func (e *Exporter) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(e.Format()))
}

// Format runs the scrape hooks and renders every metric.
func (e *Exporter) Format() string {
	e.registry.Collect()

	var b strings.Builder
	r := e.registry
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range sortedKeys(r.counters) {
		c := r.counters[name]
		e.header(&b, name, c.help, KindCounter)
		fmt.Fprintf(&b, "%s%s %s\n\n", e.prefix, name, formatFloat(c.Value()))
	}
	for _, name := range sortedKeys(r.gauges) {
		g := r.gauges[name]
		e.header(&b, name, g.help, KindGauge)
		fmt.Fprintf(&b, "%s%s %s\n\n", e.prefix, name, formatFloat(g.Value()))
	}
	for _, name := range sortedKeys(r.histograms) {
		h := r.histograms[name]
		bounds, counts, sum, count := h.snapshot()
		e.header(&b, name, h.help, KindHistogram)
		for i, bound := range bounds {
			fmt.Fprintf(&b, "%s%s_bucket{le=%q} %d\n", e.prefix, name, formatFloat(bound), counts[i])
		}
		fmt.Fprintf(&b, "%s%s_bucket{le=\"+Inf\"} %d\n", e.prefix, name, count)
		fmt.Fprintf(&b, "%s%s_sum %s\n", e.prefix, name, formatFloat(sum))
		fmt.Fprintf(&b, "%s%s_count %d\n\n", e.prefix, name, count)
	}
	return b.String()
}

func (e *Exporter) header(b *strings.Builder, name, help string, kind Kind) {
	fmt.Fprintf(b, "# HELP %s%s %s\n", e.prefix, name, help)
	fmt.Fprintf(b, "# TYPE %s%s %s\n", e.prefix, name, kind)
}

func formatFloat(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	case math.IsNaN(v):
		return "NaN"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
