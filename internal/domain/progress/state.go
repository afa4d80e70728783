// Package progress contains the per-user study state: topic statuses, the
// flag-guarded XP rules, the level curve and achievements.
// Everything here is pure; persistence and notification live in the
// application layer.
package progress

import (
	"time"

	"github.com/eightweek/companion/internal/domain/activity"
	"github.com/eightweek/companion/internal/domain/curriculum"
	"github.com/eightweek/companion/internal/domain/shared"
)

// Status is the learner-facing state of a topic.
type Status string

const (
	StatusNotStarted Status = "not-started"
	StatusInProgress Status = "in-progress"
	StatusComplete   Status = "complete"
	StatusSkipped    Status = "skipped"
)

// IsValid checks if the status is one of the known statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusComplete, StatusSkipped:
		return true
	}
	return false
}

// ParseStatus validates a raw status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.IsValid() {
		return "", shared.ErrInvalidStatus
	}
	return s, nil
}

// XPFlags record which per-topic awards are currently granted.
type XPFlags struct {
	InProgress bool `json:"inProgress"`
	Complete   bool `json:"complete"`
}

// XP returns the XP these flags account for.
func (f XPFlags) XP() int {
	xp := 0
	if f.InProgress {
		xp += InProgressAward
	}
	if f.Complete {
		xp += CompleteAward
	}
	return xp
}

// TopicProgress is the learner's state for one curriculum topic.
type TopicProgress struct {
	ID          string                `json:"id"`
	Week        int                   `json:"week"`
	Status      Status                `json:"status"`
	LastTouched shared.Day            `json:"lastTouched,omitempty"`
	DailyNotes  map[shared.Day]string `json:"dailyNotes,omitempty"`
	XPFlags     XPFlags               `json:"xpFlags"`
	UpdatedAt   time.Time             `json:"updatedAt,omitempty"`
}

// Clone returns a deep copy.
func (t TopicProgress) Clone() TopicProgress {
	out := t
	if t.DailyNotes != nil {
		out.DailyNotes = make(map[shared.Day]string, len(t.DailyNotes))
		for d, n := range t.DailyNotes {
			out.DailyNotes[d] = n
		}
	}
	return out
}

// AppState is the complete progress state of one user.
type AppState struct {
	Topics           []TopicProgress `json:"topics"`
	XP               int             `json:"xp"`
	Streak           int             `json:"streak"`
	LastActive       shared.Day      `json:"lastActive,omitempty"`
	Achievements     []string        `json:"achievements"`
	ActivityDays     activity.Days   `json:"activityDays"`
	MetricsUpdatedAt time.Time       `json:"metricsUpdatedAt,omitempty"`
}

// NewState returns the default state for a curriculum: every topic
// not started, no XP, no streak.
func NewState(c *curriculum.Curriculum) AppState {
	topics := make([]TopicProgress, len(c.Topics))
	for i, t := range c.Topics {
		topics[i] = newTopic(t)
	}
	return AppState{
		Topics:       topics,
		Achievements: []string{},
		ActivityDays: activity.Days{},
	}
}

func newTopic(t curriculum.Topic) TopicProgress {
	return TopicProgress{ID: t.ID, Week: t.Week, Status: StatusNotStarted}
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s AppState) Clone() AppState {
	out := s
	out.Topics = make([]TopicProgress, len(s.Topics))
	for i, t := range s.Topics {
		out.Topics[i] = t.Clone()
	}
	out.Achievements = append([]string{}, s.Achievements...)
	out.ActivityDays = s.ActivityDays.Clone()
	return out
}

// AlignTo rebuilds the topic list in curriculum order. Stored rows with
// a known id are kept, unknown ids are dropped, missing topics are added
// as not started. Week always comes from the curriculum.
func (s AppState) AlignTo(c *curriculum.Curriculum) AppState {
	byID := make(map[string]TopicProgress, len(s.Topics))
	for _, t := range s.Topics {
		byID[t.ID] = t
	}
	out := s
	out.Topics = make([]TopicProgress, len(c.Topics))
	for i, ct := range c.Topics {
		t, ok := byID[ct.ID]
		if !ok || !t.Status.IsValid() {
			t = newTopic(ct)
		}
		t.Week = ct.Week
		out.Topics[i] = t
	}
	if out.Achievements == nil {
		out.Achievements = []string{}
	}
	if out.XP < 0 {
		out.XP = 0
	}
	if out.Streak < 0 {
		out.Streak = 0
	}
	out.ActivityDays = activity.NewDays(out.ActivityDays)
	return out
}

// Topic returns the topic with id.
func (s AppState) Topic(id string) (TopicProgress, bool) {
	if i := s.indexOf(id); i >= 0 {
		return s.Topics[i], true
	}
	return TopicProgress{}, false
}

func (s AppState) indexOf(id string) int {
	for i := range s.Topics {
		if s.Topics[i].ID == id {
			return i
		}
	}
	return -1
}

// CompletedCount returns how many topics are complete.
func (s AppState) CompletedCount() int {
	n := 0
	for _, t := range s.Topics {
		if t.Status == StatusComplete {
			n++
		}
	}
	return n
}

// EarnedXP returns the XP the state accounts for: every topic's flag
// awards plus one AchievementBonus per unlocked badge. Local mutations keep
// XP equal to it.
func (s AppState) EarnedXP() int {
	xp := AchievementBonus * len(s.Achievements)
	for _, t := range s.Topics {
		xp += t.XPFlags.XP()
	}
	return xp
}

// HasAchievement reports whether badge is unlocked.
func (s AppState) HasAchievement(badge string) bool {
	for _, a := range s.Achievements {
		if a == badge {
			return true
		}
	}
	return false
}

// ActivityLog returns the streak and active-day view of the state.
func (s AppState) ActivityLog() activity.Log {
	return activity.Log{
		Streak: activity.Streak{Count: s.Streak, LastActive: s.LastActive},
		Days:   s.ActivityDays.Clone(),
	}
}

// SetActivityLog writes a log back into the state.
func (s *AppState) SetActivityLog(l activity.Log) {
	s.Streak = l.Streak.Count
	s.LastActive = l.Streak.LastActive
	s.ActivityDays = l.Days
}
