// Package activity tracks which calendar days a learner was active on and
// the consecutive-day streak ending at the last active day.
// Both views are derived from a single Record call so they cannot diverge.
package activity

import (
	"sort"

	"github.com/eightweek/companion/internal/domain/shared"
)

// DefaultHeatmapSpan is the window shown by the activity heatmap (8 weeks).
const DefaultHeatmapSpan = 56

// ═══════════════════════════════════════════════════════════════════════════
// Streak
// ═══════════════════════════════════════════════════════════════════════════

// Streak is the count of consecutive active days ending at LastActive.
type Streak struct {
	Count      int        `json:"streak"`
	LastActive shared.Day `json:"lastActive"`
}

// Touch registers activity on day and returns true when the streak changed.
//
//   - no previous activity: streak := 1
//   - same day: unchanged
//   - gap of one day: streak += 1
//   - larger gap: streak := 1
//
// A day before LastActive (clock moved backwards) is ignored.
func (s *Streak) Touch(day shared.Day) bool {
	if day.IsZero() {
		return false
	}
	if s.LastActive.IsZero() {
		s.Count = 1
		s.LastActive = day
		return true
	}

	gap := s.LastActive.DaysUntil(day)
	switch {
	case gap == 0:
		return false
	case gap < 0:
		return false
	case gap == 1:
		s.Count++
	default:
		s.Count = 1
	}
	s.LastActive = day
	return true
}

// IsBroken reports whether, as of today, the streak can no longer continue.
func (s Streak) IsBroken(today shared.Day) bool {
	if s.LastActive.IsZero() {
		return true
	}
	return s.LastActive.DaysUntil(today) > 1
}

// ═══════════════════════════════════════════════════════════════════════════
// Active day set
// ═══════════════════════════════════════════════════════════════════════════

// Days is a sorted, deduplicated set of active calendar days.
type Days []shared.Day

// NewDays builds a normalized set from arbitrary input, dropping invalid days.
func NewDays(in []shared.Day) Days {
	out := make(Days, 0, len(in))
	for _, d := range in {
		if d.IsValid() {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out.dedup()
}

// Add inserts day keeping order. It returns false when day was already present.
func (d *Days) Add(day shared.Day) bool {
	if !day.IsValid() {
		return false
	}
	set := *d
	i := sort.Search(len(set), func(i int) bool { return !set[i].Before(day) })
	if i < len(set) && set[i] == day {
		return false
	}
	set = append(set, "")
	copy(set[i+1:], set[i:])
	set[i] = day
	*d = set
	return true
}

// Contains reports whether day is in the set.
func (d Days) Contains(day shared.Day) bool {
	i := sort.Search(len(d), func(i int) bool { return !d[i].Before(day) })
	return i < len(d) && d[i] == day
}

// Union returns a new set holding the days of both inputs.
func (d Days) Union(other Days) Days {
	merged := make([]shared.Day, 0, len(d)+len(other))
	merged = append(merged, d...)
	merged = append(merged, other...)
	return NewDays(merged)
}

// Clone returns an independent copy.
func (d Days) Clone() Days {
	if d == nil {
		return Days{}
	}
	out := make(Days, len(d))
	copy(out, d)
	return out
}

func (d Days) dedup() Days {
	if len(d) < 2 {
		return d
	}
	out := d[:1]
	for _, day := range d[1:] {
		if day != out[len(out)-1] {
			out = append(out, day)
		}
	}
	return out
}

// LongestRun returns the longest run of consecutive days in the set.
func (d Days) LongestRun() int {
	if len(d) == 0 {
		return 0
	}
	best, run := 1, 1
	for i := 1; i < len(d); i++ {
		if d[i-1].DaysUntil(d[i]) == 1 {
			run++
		} else {
			run = 1
		}
		if run > best {
			best = run
		}
	}
	return best
}

// ═══════════════════════════════════════════════════════════════════════════
// Log
// ═══════════════════════════════════════════════════════════════════════════

// Log couples the streak counter with the active-day set.
type Log struct {
	Streak Streak
	Days   Days
}

// RecordResult describes what a Record call changed.
type RecordResult struct {
	StreakChanged bool
	NewDay        bool
}

// Changed reports whether anything was updated.
func (r RecordResult) Changed() bool {
	return r.StreakChanged || r.NewDay
}

// Record marks day as active in both representations.
func (l *Log) Record(day shared.Day) RecordResult {
	return RecordResult{
		StreakChanged: l.Streak.Touch(day),
		NewDay:        l.Days.Add(day),
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Heatmap
// ═══════════════════════════════════════════════════════════════════════════

// HeatCell is one day in the activity heatmap.
type HeatCell struct {
	Day    shared.Day `json:"day"`
	Active bool       `json:"active"`
}

// Heatmap returns span cells ending at end, oldest first.
func Heatmap(days Days, end shared.Day, span int) []HeatCell {
	if span <= 0 {
		span = DefaultHeatmapSpan
	}
	cells := make([]HeatCell, span)
	start := end.AddDays(-(span - 1))
	for i := range cells {
		day := start.AddDays(i)
		cells[i] = HeatCell{Day: day, Active: days.Contains(day)}
	}
	return cells
}
