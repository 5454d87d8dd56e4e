package cadence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInterval(t *testing.T) {
	c := DefaultConfig()
	tests := []struct {
		name string
		age  time.Duration
		gain float64
		want time.Duration
	}{
		{"fresh", 10 * time.Minute, 0, 15 * time.Second},
		{"young", 2 * time.Hour, 50, 2 * time.Minute},
		{"established", 8 * time.Hour, -30, 10 * time.Minute},
		{"winner beats fresh", 5 * time.Minute, 250, time.Hour},
		{"exactly 200 is not a winner", 8 * time.Hour, 200, 10 * time.Minute},
		{"age boundary", time.Hour, 0, 2 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Interval(tt.age, tt.gain))
		})
	}
}

func TestSchedule(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := NewSchedule(DefaultConfig())
	s.SetClock(func() time.Time { return now })

	assert.True(t, s.Due("A"))
	d := s.Done("A", now.Add(-5*time.Minute), 10)
	assert.Equal(t, 15*time.Second, d)
	assert.False(t, s.Due("A"))

	now = now.Add(15 * time.Second)
	assert.True(t, s.Due("A"))

	s.Forget("A")
	assert.Equal(t, 0, s.Len())
}
