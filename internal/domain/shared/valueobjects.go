// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages.
package shared

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/eightweek/companion/pkg/timeutil"
)

// ═══════════════════════════════════════════════════════════════════════════
// ID Value Objects
// ═══════════════════════════════════════════════════════════════════════════

// UserID identifies the owner of a progress namespace.
// The zero value is the anonymous, local-only user.
type UserID string

// AnonymousNamespace is the storage namespace used when no user is signed in.
const AnonymousNamespace = "anonymous"

var userIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.@-]{0,127}$`)

// IsAnonymous reports whether no authenticated user is attached.
func (u UserID) IsAnonymous() bool {
	return u == ""
}

// IsValid checks the id is usable as a storage namespace and remote key.
func (u UserID) IsValid() bool {
	return userIDRegex.MatchString(string(u))
}

// Namespace returns the storage namespace segment for this user.
func (u UserID) Namespace() string {
	if u.IsAnonymous() {
		return AnonymousNamespace
	}
	return string(u)
}

// String returns the string representation.
func (u UserID) String() string {
	return string(u)
}

// NewUserID trims and validates a raw id. Empty input yields the anonymous user.
func NewUserID(raw string) (UserID, error) {
	id := UserID(strings.TrimSpace(raw))
	if id.IsAnonymous() {
		return id, nil
	}
	if !id.IsValid() || id == AnonymousNamespace {
		return "", ErrInvalidUserID
	}
	return id, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Calendar Day
// ═══════════════════════════════════════════════════════════════════════════

// Day is an ISO calendar day ("2006-01-02") in the learner's timezone.
// The zero value means "never".
type Day string

// DayOf returns the calendar day of t in t's location.
func DayOf(t time.Time) Day {
	return Day(timeutil.FormatDate(t))
}

// Today returns the current calendar day according to clock.
func Today(clock timeutil.Clock) Day {
	return DayOf(clock.Now())
}

// ParseDay validates s as an ISO calendar day.
func ParseDay(s string) (Day, error) {
	t, err := timeutil.ParseDate(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidDay, s)
	}
	return DayOf(t), nil
}

// IsZero reports whether the day is unset.
func (d Day) IsZero() bool {
	return d == ""
}

// IsValid reports whether d parses as a calendar day.
func (d Day) IsValid() bool {
	_, err := timeutil.ParseDate(string(d))
	return err == nil
}

// Time returns midnight UTC of the day, or the zero time when unset or invalid.
func (d Day) Time() time.Time {
	t, err := timeutil.ParseDate(string(d))
	if err != nil {
		return time.Time{}
	}
	return t
}

// AddDays returns the day n calendar days after d.
func (d Day) AddDays(n int) Day {
	if d.IsZero() {
		return d
	}
	return DayOf(d.Time().AddDate(0, 0, n))
}

// DaysUntil returns the number of calendar days from d to other.
func (d Day) DaysUntil(other Day) int {
	return timeutil.DaysBetween(d.Time(), other.Time())
}

// Before reports whether d is strictly earlier than other.
// ISO layout makes lexical order match calendar order.
func (d Day) Before(other Day) bool {
	return string(d) < string(other)
}

// String returns the string representation.
func (d Day) String() string {
	return string(d)
}
