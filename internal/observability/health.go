package observability

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Status is the health of one dependency.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) severity() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// Probe checks one dependency (sqlite, redis, feed stream, provider breaker).
// A nil error is healthy; a DegradedError is degraded; anything else unhealthy.
type Probe func(ctx context.Context) error

// DegradedError marks a probe result as degraded rather than down.
type DegradedError struct{ Reason string }

func (e DegradedError) Error() string { return e.Reason }

// ProbeResult is one probe's outcome.
type ProbeResult struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ns"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Report is the aggregate health served on /health. The overall status is
// the worst probe status.
type Report struct {
	Status     Status        `json:"status"`
	Components []ProbeResult `json:"components"`
	Uptime     string        `json:"uptime"`
}

// Health runs registered probes on demand.
type Health struct {
	timeout time.Duration
	started time.Time

	mu     sync.RWMutex
	probes map[string]Probe
}

// NewHealth creates a Health with a per-probe timeout.
func NewHealth(timeout time.Duration) *Health {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Health{timeout: timeout, started: time.Now(), probes: make(map[string]Probe)}
}

// Register adds or replaces a probe.
func (h *Health) Register(name string, p Probe) {
	h.mu.Lock()
	h.probes[name] = p
	h.mu.Unlock()
}

// Check runs every probe concurrently and aggregates the results.
func (h *Health) Check(ctx context.Context) Report {
	h.mu.RLock()
	probes := make(map[string]Probe, len(h.probes))
	for k, v := range h.probes {
		probes[k] = v
	}
	h.mu.RUnlock()

	results := make([]ProbeResult, 0, len(probes))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, p := range probes {
		wg.Add(1)
		go func(name string, p Probe) {
			defer wg.Done()
			res := h.run(ctx, name, p)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}(name, p)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	overall := StatusHealthy
	for _, r := range results {
		if r.Status.severity() > overall.severity() {
			overall = r.Status
		}
	}
	return Report{
		Status:     overall,
		Components: results,
		Uptime:     time.Since(h.started).Truncate(time.Second).String(),
	}
}

func (h *Health) run(ctx context.Context, name string, p Probe) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	err := p(ctx)
	res := ProbeResult{Name: name, Status: StatusHealthy, Latency: time.Since(start), CheckedAt: time.Now()}
	if err != nil {
		res.Message = err.Error()
		res.Status = StatusUnhealthy
		if _, ok := err.(DegradedError); ok {
			res.Status = StatusDegraded
		}
	}
	return res
}
