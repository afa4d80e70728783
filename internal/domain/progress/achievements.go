package progress

// Badge ids.
const (
	BadgeFirstComplete = "first-complete"
	BadgeFiveComplete  = "five-complete"
	BadgeTenComplete   = "ten-complete"
	BadgeWeek1Master   = "week1-master"
	BadgeAllCleared    = "all-cleared"
	BadgeStreak7       = "streak-7"
	BadgeStreak30      = "streak-30"
)

// BadgeDef describes a badge for presentation.
type BadgeDef struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

var badgeCatalogue = []BadgeDef{
	{ID: BadgeFirstComplete, Name: "First Steps", Description: "Complete your first topic"},
	{ID: BadgeFiveComplete, Name: "Momentum", Description: "Complete 5 topics"},
	{ID: BadgeTenComplete, Name: "Double Digits", Description: "Complete 10 topics"},
	{ID: BadgeWeek1Master, Name: "Week 1 Master", Description: "Complete every week 1 topic"},
	{ID: BadgeAllCleared, Name: "All Cleared", Description: "Complete the whole curriculum"},
	{ID: BadgeStreak7, Name: "Week Warrior", Description: "7-day streak"},
	{ID: BadgeStreak30, Name: "Monthly Master", Description: "30-day streak"},
}

// Badges returns the badge catalogue in display order.
func Badges() []BadgeDef {
	return append([]BadgeDef(nil), badgeCatalogue...)
}

// qualifiedBadges returns every badge the state currently satisfies,
// whether or not it is already unlocked.
func qualifiedBadges(s AppState) []string {
	var earned []string

	completed := s.CompletedCount()
	if completed >= 1 {
		earned = append(earned, BadgeFirstComplete)
	}
	if completed >= 5 {
		earned = append(earned, BadgeFiveComplete)
	}
	if completed >= 10 {
		earned = append(earned, BadgeTenComplete)
	}

	if weekComplete(s, 1) {
		earned = append(earned, BadgeWeek1Master)
	}
	if len(s.Topics) > 0 && completed == len(s.Topics) {
		earned = append(earned, BadgeAllCleared)
	}

	if s.Streak >= 7 {
		earned = append(earned, BadgeStreak7)
	}
	if s.Streak >= 30 {
		earned = append(earned, BadgeStreak30)
	}

	return earned
}

func weekComplete(s AppState, week int) bool {
	seen := false
	for _, t := range s.Topics {
		if t.Week != week {
			continue
		}
		seen = true
		if t.Status != StatusComplete {
			return false
		}
	}
	return seen
}

// EvaluateAchievements unlocks every newly qualified badge, granting
// AchievementBonus once per badge, and returns the ids unlocked by this call.
func EvaluateAchievements(s *AppState) []string {
	var unlocked []string
	for _, badge := range qualifiedBadges(*s) {
		if s.HasAchievement(badge) {
			continue
		}
		s.Achievements = append(s.Achievements, badge)
		s.AddXP(AchievementBonus)
		unlocked = append(unlocked, badge)
	}
	return unlocked
}
