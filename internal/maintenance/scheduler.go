// Package maintenance runs the periodic housekeeping jobs: retention
// cleanup, cache eviction, price cache purge and treasury flushes.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// ErrUnknownJob is returned by RunNow for an unregistered job.
var ErrUnknownJob = errors.New("maintenance: unknown job")

// JobFunc is one unit of housekeeping.
type JobFunc func(ctx context.Context) error

type job struct {
	name    string
	spec    string
	fn      JobFunc
	timeout time.Duration

	runs     atomic.Int64
	failures atomic.Int64
	lastRun  atomic.Int64 // unix millis
}

// Scheduler wraps a seconds-resolution cron. Overlapping runs of the same
// job are skipped and panics are recovered.
type Scheduler struct {
	cron *cron.Cron

	mu   sync.RWMutex
	jobs map[string]*job
	ctx  context.Context
}

func NewScheduler() *Scheduler {
	l := cronLogger{}
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(l),
			cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
		),
		jobs: make(map[string]*job),
		ctx:  context.Background(),
	}
}

// Add registers fn under a cron spec ("0 */5 * * * *", "@every 30s").
// timeout bounds each run; zero means no bound.
func (s *Scheduler) Add(name, spec string, timeout time.Duration, fn JobFunc) error {
	j := &job{name: name, spec: spec, fn: fn, timeout: timeout}
	if _, err := s.cron.AddFunc(spec, func() { s.run(j) }); err != nil {
		return fmt.Errorf("maintenance: schedule %s %q: %w", name, spec, err)
	}
	s.mu.Lock()
	s.jobs[name] = j
	s.mu.Unlock()
	log.Info().Str("job", name).Str("spec", spec).Msg("maintenance: job scheduled")
	return nil
}

// Start runs the scheduler until ctx ends. Jobs receive ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	go func() {
		<-ctx.Done()
		<-s.cron.Stop().Done()
		log.Info().Msg("maintenance: scheduler stopped")
	}()
}

// RunNow runs a job synchronously outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	j, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.exec(ctx, j)
}

func (s *Scheduler) run(j *job) {
	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()
	_ = s.exec(ctx, j)
}

func (s *Scheduler) exec(ctx context.Context, j *job) error {
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}
	start := time.Now()
	err := j.fn(ctx)
	j.runs.Add(1)
	j.lastRun.Store(start.UnixMilli())
	if err != nil {
		j.failures.Add(1)
		log.Warn().Err(err).Str("job", j.name).Msg("maintenance: job failed")
		return err
	}
	log.Debug().Str("job", j.name).Dur("took", time.Since(start)).Msg("maintenance: job done")
	return nil
}

// JobStats is one job's counters.
type JobStats struct {
	Spec     string    `json:"spec"`
	Runs     int64     `json:"runs"`
	Failures int64     `json:"failures"`
	LastRun  time.Time `json:"last_run,omitempty"`
}

func (s *Scheduler) Stats() map[string]JobStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make(map[string]JobStats, len(names))
	for _, name := range names {
		j := s.jobs[name]
		st := JobStats{Spec: j.spec, Runs: j.runs.Load(), Failures: j.failures.Load()}
		if ms := j.lastRun.Load(); ms > 0 {
			st.LastRun = time.UnixMilli(ms)
		}
		out[name] = st
	}
	return out
}

// cronLogger routes cron's own logging into zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	log.Debug().Fields(keysAndValues).Msg("maintenance: cron " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	log.Error().Err(err).Fields(keysAndValues).Msg("maintenance: cron " + msg)
}
