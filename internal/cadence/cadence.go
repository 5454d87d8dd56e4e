// Package cadence decides how often a tracked token or open position is
// re-polled: fast while it is fresh, slow once it is established, and
// rarely once it is a confirmed winner.
package cadence

import (
	"sync"
	"time"
)

// Config holds the polling tiers.
type Config struct {
	FreshAge       time.Duration `yaml:"fresh_age"`
	EstablishedAge time.Duration `yaml:"established_age"`
	WinnerGainPct  float64       `yaml:"winner_gain_pct"`

	Fresh       time.Duration `yaml:"fresh"`
	Young       time.Duration `yaml:"young"`
	Established time.Duration `yaml:"established"`
	Winner      time.Duration `yaml:"winner"`
}

func DefaultConfig() Config {
	return Config{
		FreshAge:       time.Hour,
		EstablishedAge: 6 * time.Hour,
		WinnerGainPct:  200,
		Fresh:          15 * time.Second,
		Young:          2 * time.Minute,
		Established:    10 * time.Minute,
		Winner:         time.Hour,
	}
}

// Interval returns the polling interval for something first seen age ago
// with the given gain in percent.
func (c Config) Interval(age time.Duration, gainPct float64) time.Duration {
	switch {
	case gainPct > c.WinnerGainPct:
		return c.Winner
	case age < c.FreshAge:
		return c.Fresh
	case age < c.EstablishedAge:
		return c.Young
	}
	return c.Established
}

// Schedule tracks the next due time per key.
type Schedule struct {
	config Config
	now    func() time.Time

	mu   sync.Mutex
	next map[string]time.Time
}

func NewSchedule(config Config) *Schedule {
	return &Schedule{config: config, now: time.Now, next: make(map[string]time.Time)}
}

// SetClock replaces the time source.
func (s *Schedule) SetClock(now func() time.Time) { s.now = now }

// Due reports whether key should be polled now. Unknown keys are due.
func (s *Schedule) Due(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, ok := s.next[key]
	return !ok || !s.now().Before(next)
}

// Done records a poll of key and returns the interval until the next one.
func (s *Schedule) Done(key string, since time.Time, gainPct float64) time.Duration {
	now := s.now()
	d := s.config.Interval(now.Sub(since), gainPct)
	s.mu.Lock()
	s.next[key] = now.Add(d)
	s.mu.Unlock()
	return d
}

// Forget drops a key.
func (s *Schedule) Forget(key string) {
	s.mu.Lock()
	delete(s.next, key)
	s.mu.Unlock()
}

func (s *Schedule) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.next)
}
