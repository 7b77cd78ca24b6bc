package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSpecIntervals(t *testing.T) {
	tests := []struct {
		spec string
		want time.Duration
	}{
		{"every 5 min", 5 * time.Minute},
		{"every 1 minute", time.Minute},
		{"Every 30 Seconds", 30 * time.Second},
		{"every 2h", 2 * time.Hour},
		{"every 1 day", 24 * time.Hour},
		{"every:90s", 90 * time.Second},
		{"interval: 1h30m", 90 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			s, err := ParseSpec(tt.spec)
			require.NoError(t, err)
			assert.Equal(t, Interval(tt.want), s)
		})
	}
}

func TestParseSpecRejects(t *testing.T) {
	for _, spec := range []string{"", "sometimes", "every 0 min", "every five min", "every 5 fortnights", "every:-1s", "cron: * *"} {
		t.Run(spec, func(t *testing.T) {
			_, err := ParseSpec(spec)
			assert.ErrorIs(t, err, ErrInvalidSpec)
		})
	}
}

func TestCronDue(t *testing.T) {
	s, err := ParseSpec("0 * * * *")
	require.NoError(t, err)

	last := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.False(t, s.Due(&last, last.Add(59*time.Minute)))
	assert.True(t, s.Due(&last, last.Add(time.Hour)))
	assert.True(t, s.Due(nil, last))

	for _, spec := range []string{"@hourly", "cron: */5 * * * *", "@every 10m"} {
		_, err := ParseSpec(spec)
		assert.NoError(t, err, spec)
	}
}

func TestIntervalDue(t *testing.T) {
	s := Interval(5 * time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	sixAgo := now.Add(-6 * time.Minute)
	fourAgo := now.Add(-4 * time.Minute)
	assert.True(t, s.Due(&sixAgo, now))
	assert.False(t, s.Due(&fourAgo, now))
	assert.True(t, s.Due(nil, now))
}
