package progress

import (
	"strings"
	"time"

	"github.com/eightweek/companion/internal/domain/shared"
)

// XP amounts.
const (
	InProgressAward  = 5
	CompleteAward    = 20
	AchievementBonus = 50
)

// Transition describes one applied status change.
type Transition struct {
	TopicID string
	From    Status
	To      Status
	XPDelta int
}

// AddXP is the plain award path used for bonuses. Bonuses have no
// revoke counterpart.
func (s *AppState) AddXP(n int) {
	if n <= 0 {
		return
	}
	s.XP += n
}

func (s *AppState) revokeXP(n int) {
	s.XP -= n
	if s.XP < 0 {
		s.XP = 0
	}
}

// ApplyStatus moves topic id to next and adjusts XP through the flag
// rules. It returns false, changing nothing, for an unknown id, an invalid
// status, or a status equal to the current one.
//
// All four checks run against the same prev -> next pair:
//   - next in-progress, flag unset: grant InProgressAward
//   - next complete, flag unset: grant CompleteAward
//   - next below in-progress (not-started, skipped), flag set: revoke InProgressAward
//   - next not complete, flag set: revoke CompleteAward
func (s *AppState) ApplyStatus(id string, next Status, today shared.Day, now time.Time) (Transition, bool) {
	i := s.indexOf(id)
	if i < 0 || !next.IsValid() {
		return Transition{}, false
	}
	t := &s.Topics[i]
	prev := t.Status
	if prev == next {
		return Transition{}, false
	}

	before := s.XP
	flagsBefore := t.XPFlags

	if next != StatusComplete && t.XPFlags.Complete {
		s.revokeXP(CompleteAward)
		t.XPFlags.Complete = false
	}
	if (next == StatusNotStarted || next == StatusSkipped) && t.XPFlags.InProgress {
		s.revokeXP(InProgressAward)
		t.XPFlags.InProgress = false
	}
	if next == StatusInProgress && !t.XPFlags.InProgress {
		s.XP += InProgressAward
		t.XPFlags.InProgress = true
	}
	if next == StatusComplete && !t.XPFlags.Complete {
		s.XP += CompleteAward
		t.XPFlags.Complete = true
	}

	t.Status = next
	t.UpdatedAt = now
	if t.XPFlags != flagsBefore {
		t.LastTouched = today
		s.MetricsUpdatedAt = now
	}

	return Transition{TopicID: id, From: prev, To: next, XPDelta: s.XP - before}, true
}

// AddNote stores note as the topic's note for today, replacing any earlier
// note of the same day. Notes stay on this device, so the topic's
// UpdatedAt is left alone.
func (s *AppState) AddNote(id, note string, today shared.Day) bool {
	i := s.indexOf(id)
	note = strings.TrimSpace(note)
	if i < 0 || note == "" {
		return false
	}
	t := &s.Topics[i]
	if t.DailyNotes == nil {
		t.DailyNotes = make(map[shared.Day]string)
	}
	t.DailyNotes[today] = note
	t.LastTouched = today
	return true
}
