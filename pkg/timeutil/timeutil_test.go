package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDaysBetween(t *testing.T) {
	tests := []struct {
		name string
		a, b time.Time
		want int
	}{
		{"same day", time.Date(2026, 3, 1, 1, 0, 0, 0, time.UTC), time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC), 0},
		{"next day", time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC), time.Date(2026, 3, 2, 0, 5, 0, 0, time.UTC), 1},
		{"backwards", time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC), time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), -3},
		{"across month", time.Date(2026, 2, 27, 0, 0, 0, 0, time.UTC), time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DaysBetween(tt.a, tt.b))
		})
	}
}

func TestDaysBetween_DSTTransition(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata not available")
	}
	a := time.Date(2026, 3, 7, 12, 0, 0, 0, loc)
	b := time.Date(2026, 3, 9, 12, 0, 0, 0, loc)
	assert.Equal(t, 2, DaysBetween(a, b))
}

func TestFixedClock(t *testing.T) {
	start := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	c := NewFixedClock(start)

	assert.Equal(t, start, c.Now())
	c.AddDays(2)
	assert.Equal(t, "2026-01-07", FormatDate(c.Now()))
}

func TestLoadLocation(t *testing.T) {
	loc, err := LoadLocation("")
	require.NoError(t, err)
	assert.Equal(t, time.Local, loc)

	loc, err = LoadLocation("UTC")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)

	_, err = LoadLocation("Nowhere/Atlantis")
	assert.Error(t, err)
}
