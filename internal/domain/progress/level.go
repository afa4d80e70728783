package progress

import "math"

// Level curve.
const (
	BaseLevelThreshold = 60
	LevelGrowth        = 1.25
)

// LevelInfo is the position of a total XP value on the level curve.
type LevelInfo struct {
	Level       int `json:"level"`
	XPIntoLevel int `json:"xpInto"`
	XPForLevel  int `json:"xpForLevel"`
	Percent     int `json:"pct"`
	TotalXP     int `json:"totalXp"`
	NextLevelAt int `json:"nextLevelAt"`
}

// Level maps cumulative XP to a level. Level 1 costs 60 XP and every
// following level costs 1.25 times the previous one, rounded.
func Level(xp int) LevelInfo {
	if xp < 0 {
		xp = 0
	}
	level, threshold, remaining, consumed := 1, BaseLevelThreshold, xp, 0
	for remaining >= threshold {
		remaining -= threshold
		consumed += threshold
		level++
		threshold = int(math.Round(float64(threshold) * LevelGrowth))
	}

	pct := int(math.Round(float64(remaining) * 100 / float64(threshold)))
	if pct > 100 {
		pct = 100
	}

	return LevelInfo{
		Level:       level,
		XPIntoLevel: remaining,
		XPForLevel:  threshold,
		Percent:     pct,
		TotalXP:     xp,
		NextLevelAt: consumed + threshold,
	}
}
