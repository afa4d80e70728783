package redis

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eightweek/companion/internal/domain/progress"
	"github.com/eightweek/companion/internal/domain/shared"
)

func TestUserKey(t *testing.T) {
	assert.Equal(t, "companion:remote:alice:topics", UserKey("alice", RecordTopics))
}

func TestConfig_Options(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Host, cfg.Port, cfg.DB = "cache", 6380, 2

	opts := cfg.Options()
	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, 4, opts.PoolSize)
}

func TestMetricsRecord(t *testing.T) {
	at := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	in := progress.RemoteMetrics{
		XP:           145,
		Streak:       4,
		LastActive:   "2026-03-10",
		Achievements: []string{progress.BadgeFirstComplete},
		UpdatedAt:    at,
		UpdatedBy:    "laptop",
	}

	fields, err := encodeMetrics(in)
	require.NoError(t, err)

	// HGetAll hands every field back as a string.
	raw := make(map[string]string, len(fields))
	for k, v := range fields {
		switch v := v.(type) {
		case int:
			raw[k] = strconv.Itoa(v)
		case string:
			raw[k] = v
		}
	}

	out, err := decodeMetrics(raw)
	require.NoError(t, err)
	assert.Equal(t, in, *out)
}

func TestDecodeMetrics_CorruptFieldsAreDropped(t *testing.T) {
	m, err := decodeMetrics(map[string]string{
		fieldXP:           "lots",
		fieldStreak:       "4",
		fieldAchievements: "{",
		fieldLastActive:   "2026-03-10",
		fieldUpdatedAt:    "yesterday",
	})
	assert.ErrorIs(t, err, ErrCorruptRecord)
	require.NotNil(t, m)
	assert.Zero(t, m.XP)
	assert.Equal(t, 4, m.Streak)
	assert.Nil(t, m.Achievements)
	assert.True(t, m.UpdatedAt.IsZero())
	assert.Equal(t, shared.Day("2026-03-10"), m.LastActive)
}

func TestDecodeMetrics_MissingTimestamp(t *testing.T) {
	m, err := decodeMetrics(map[string]string{fieldXP: "20", fieldStreak: "0"})
	require.NoError(t, err)
	assert.True(t, m.UpdatedAt.IsZero())
	assert.Nil(t, m.Achievements)
}

func TestFormatTime_SortsAsString(t *testing.T) {
	whole := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	half := whole.Add(500 * time.Millisecond)

	assert.Less(t, formatTime(whole), formatTime(half))
	assert.Empty(t, formatTime(time.Time{}))

	back, err := parseTime(formatTime(half))
	require.NoError(t, err)
	assert.True(t, half.Equal(back))
}
