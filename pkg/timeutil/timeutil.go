// Package timeutil provides calendar-day helpers bound to a configured
// timezone. Streaks, notes and the daily plan are all keyed by the local
// calendar day of the learner, so every "today" in the module flows through
// a Clock from this package.
package timeutil

import (
	"fmt"
	"sync"
	"time"
)

// DateLayout is the ISO calendar-day layout used for every stored day.
const DateLayout = "2006-01-02"

// Clock yields the current time. Production code uses SystemClock; tests
// pin the day with FixedClock.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in a fixed location.
type SystemClock struct {
	Location *time.Location
}

// NewSystemClock returns a clock for the named IANA zone.
// An empty name selects the process local zone.
func NewSystemClock(zone string) (SystemClock, error) {
	loc, err := LoadLocation(zone)
	if err != nil {
		return SystemClock{}, err
	}
	return SystemClock{Location: loc}, nil
}

// Now returns the current time in the clock's location.
func (c SystemClock) Now() time.Time {
	if c.Location == nil {
		return time.Now()
	}
	return time.Now().In(c.Location)
}

// FixedClock is a settable clock for tests and one-shot CLI runs.
type FixedClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFixedClock creates a FixedClock at t.
func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{now: t}
}

// Now returns the pinned time.
func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t.
func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// AddDays advances the clock by n calendar days.
func (c *FixedClock) AddDays(n int) {
	c.mu.Lock()
	c.now = c.now.AddDate(0, 0, n)
	c.mu.Unlock()
}

// LoadLocation resolves a zone name, treating "" and "Local" as time.Local.
func LoadLocation(zone string) (*time.Location, error) {
	switch zone {
	case "", "Local":
		return time.Local, nil
	case "UTC":
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("timeutil: load location %q: %w", zone, err)
	}
	return loc, nil
}

// StartOfDay returns midnight of t's calendar day in t's location.
func StartOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// DaysBetween returns the number of calendar days from a to b.
// The result is negative when b is before a.
func DaysBetween(a, b time.Time) int {
	// Calendar arithmetic in UTC avoids DST days of 23 or 25 hours.
	ua := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	ub := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(ub.Sub(ua).Hours() / 24)
}

// FormatDate formats t as an ISO calendar day.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// ParseDate parses an ISO calendar day at midnight UTC.
func ParseDate(value string) (time.Time, error) {
	return time.Parse(DateLayout, value)
}
