package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eightweek/companion/internal/domain/activity"
	"github.com/eightweek/companion/internal/domain/curriculum"
	"github.com/eightweek/companion/internal/domain/plan"
	"github.com/eightweek/companion/internal/domain/progress"
	"github.com/eightweek/companion/internal/domain/shared"
)

var (
	t0 = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
)

func localState(t *testing.T) progress.AppState {
	t.Helper()
	s := progress.NewState(curriculum.Default())
	_, ok := s.ApplyStatus("arrays", progress.StatusInProgress, "2026-03-10", t0)
	require.True(t, ok)
	s.Streak = 2
	s.LastActive = "2026-03-10"
	s.ActivityDays = activity.NewDays([]shared.Day{"2026-03-09", "2026-03-10"})
	return s
}

func findTopic(t *testing.T, s progress.AppState, id string) progress.TopicProgress {
	t.Helper()
	tp, ok := s.Topic(id)
	require.True(t, ok)
	return tp
}

func TestMergeState_TopicsWithoutRemoteRowUntouched(t *testing.T) {
	local := localState(t)
	rows := []progress.RemoteTopic{{TopicID: "strings", Status: "complete", XPFlags: progress.XPFlags{Complete: true}, UpdatedAt: t1}}

	got := MergeState(local, nil, rows, nil).State

	assert.Equal(t, findTopic(t, local, "arrays"), findTopic(t, got, "arrays"))
	assert.Equal(t, progress.StatusComplete, findTopic(t, got, "strings").Status)
}

func TestMergeState_TopicLatestWins(t *testing.T) {
	tests := []struct {
		name       string
		remoteAt   time.Time
		wantStatus progress.Status
		wantAhead  bool
	}{
		{"remote newer", t1, progress.StatusNotStarted, false},
		{"same instant", t0, progress.StatusNotStarted, false},
		{"legacy row without timestamp", time.Time{}, progress.StatusNotStarted, false},
		{"local newer", t0.Add(-time.Minute), progress.StatusInProgress, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := localState(t)
			rows := []progress.RemoteTopic{{TopicID: "arrays", Status: progress.RemotePending, UpdatedAt: tt.remoteAt}}
			metrics := &progress.RemoteMetrics{XP: 0, UpdatedAt: tt.remoteAt}

			got := MergeState(local, metrics, rows, []shared.Day{"2026-03-09", "2026-03-10"})

			arrays := findTopic(t, got.State, "arrays")
			assert.Equal(t, tt.wantStatus, arrays.Status)
			assert.Equal(t, tt.wantAhead, got.LocalAhead)
			assert.Equal(t, arrays.XPFlags.XP(), got.State.XP)
			if tt.wantStatus == progress.StatusNotStarted {
				assert.Equal(t, progress.XPFlags{}, arrays.XPFlags)
			}
		})
	}
}

func TestMergeState_Metrics(t *testing.T) {
	local := localState(t)
	local.Achievements = []string{progress.BadgeFirstComplete}
	local.XP = local.EarnedXP()

	remote := &progress.RemoteMetrics{
		XP:           progress.InProgressAward + 2*progress.AchievementBonus,
		Streak:       9,
		LastActive:   "2026-03-11",
		Achievements: []string{progress.BadgeStreak7},
		UpdatedAt:    t1,
	}
	got := MergeState(local, remote, nil, nil)

	assert.Equal(t, 9, got.State.Streak)
	assert.Equal(t, shared.Day("2026-03-11"), got.State.LastActive)
	assert.Equal(t, t1, got.State.MetricsUpdatedAt)
	assert.Equal(t, []string{progress.BadgeFirstComplete, progress.BadgeStreak7}, got.State.Achievements)
	assert.Equal(t, remote.XP, got.State.XP)
	assert.True(t, got.LocalAhead, "the remote set lacks first-complete")

	remote.UpdatedAt = t0.Add(-time.Hour)
	got = MergeState(local, remote, nil, nil)
	assert.Equal(t, local.Streak, got.State.Streak, "older remote metrics lose")
	assert.Len(t, got.State.Achievements, 2, "achievements are unioned regardless")
	assert.Equal(t, remote.XP, got.State.XP)
}

// A stale device can win a topic row while another device's metrics win,
// so XP must follow the merged flags rather than either metrics record.
func TestMergeState_XPFollowsMixedWinners(t *testing.T) {
	local := progress.NewState(curriculum.Default())
	local.ApplyStatus("arrays", progress.StatusInProgress, "2026-03-10", t0)
	local.ApplyStatus("arrays", progress.StatusComplete, "2026-03-10", t0)
	require.Equal(t, []string{progress.BadgeFirstComplete}, progress.EvaluateAchievements(&local))
	require.Equal(t, 75, local.XP)

	metrics := &progress.RemoteMetrics{XP: 75, Achievements: []string{progress.BadgeFirstComplete}, UpdatedAt: t0}
	rows := []progress.RemoteTopic{{TopicID: "arrays", Status: progress.RemotePending, UpdatedAt: t1}}

	got := MergeState(local, metrics, rows, nil)

	arrays := findTopic(t, got.State, "arrays")
	assert.Equal(t, progress.StatusNotStarted, arrays.Status)
	assert.Equal(t, progress.XPFlags{}, arrays.XPFlags)
	assert.Equal(t, progress.AchievementBonus, got.State.XP)
	assert.Equal(t, got.State.EarnedXP(), got.State.XP)
	assert.True(t, got.LocalAhead, "the corrected XP is pushed back")

	// completing again grants the award once
	st := got.State
	st.ApplyStatus("arrays", progress.StatusComplete, "2026-03-11", t1.Add(time.Hour))
	assert.Equal(t, progress.AchievementBonus+progress.CompleteAward, st.XP)
	assert.Equal(t, st.EarnedXP(), st.XP)
}

// After a local reset nothing carries a timestamp, so the remote copy
// comes back whole and nothing is pushed.
func TestMergeState_AfterResetRestoresRemote(t *testing.T) {
	local := progress.NewState(curriculum.Default())
	dayOld := t0.Add(-24 * time.Hour)

	var rows []progress.RemoteTopic
	for _, id := range []string{"arrays", "strings", "hash-maps", "two-pointers"} {
		rows = append(rows, progress.RemoteTopic{
			TopicID:     id,
			Status:      "complete",
			LastTouched: "2026-03-09",
			XPFlags:     progress.XPFlags{InProgress: true, Complete: true},
			UpdatedAt:   dayOld,
		})
	}
	metrics := &progress.RemoteMetrics{
		XP:           200,
		Streak:       3,
		LastActive:   "2026-03-09",
		Achievements: []string{progress.BadgeFirstComplete, progress.BadgeWeek1Master},
		UpdatedAt:    dayOld,
	}

	got := MergeState(local, metrics, rows, []shared.Day{"2026-03-08", "2026-03-09"})

	assert.Equal(t, 200, got.State.XP)
	assert.Equal(t, got.State.EarnedXP(), got.State.XP)
	assert.Equal(t, 3, got.State.Streak)
	assert.Equal(t, metrics.Achievements, got.State.Achievements)
	assert.Equal(t, 4, got.State.CompletedCount())
	assert.Equal(t, activity.Days{"2026-03-08", "2026-03-09"}, got.State.ActivityDays)
	assert.False(t, got.LocalAhead)
	assert.Empty(t, got.MissingDays)
}

func TestMergeState_NoRemoteMetrics(t *testing.T) {
	local := localState(t)
	got := MergeState(local, nil, nil, nil)

	assert.Equal(t, local.XP, got.State.XP)
	assert.True(t, got.LocalAhead)
}

func TestMergeState_ActivityDaysUnion(t *testing.T) {
	local := localState(t)
	got := MergeState(local, nil, nil, []shared.Day{"2026-03-01", "2026-03-10"})

	assert.Equal(t, activity.Days{"2026-03-01", "2026-03-09", "2026-03-10"}, got.State.ActivityDays)
	assert.Equal(t, []shared.Day{"2026-03-09"}, got.MissingDays)
}

func TestMergeState_DoesNotMutateInput(t *testing.T) {
	local := localState(t)
	before := local.Clone()
	MergeState(local, &progress.RemoteMetrics{XP: 999}, []progress.RemoteTopic{{TopicID: "arrays", Status: "complete"}}, nil)
	assert.Equal(t, before, local)
}

func TestMergeTasks_AdoptsRemoteWhenLocalEmpty(t *testing.T) {
	remote := plan.Generate(curriculum.Default(), "2026-03-02")
	got := MergeTasks(nil, remote)

	assert.Equal(t, remote, got.Tasks)
	assert.Empty(t, got.Push)
}

func TestMergeTasks_PerTaskLatestWins(t *testing.T) {
	local := plan.Generate(curriculum.Default(), "2026-03-02")
	for i := range local {
		local[i].UpdatedAt = t0
	}

	remote := plan.Clone(local[:3])
	// task 0 is newer remotely, task 1 older, task 2 tied
	remote[0].Done, remote[0].UpdatedAt = true, t1
	remote[1].Done, remote[1].UpdatedAt = true, t0.Add(-time.Minute)
	remote = append(remote, plan.DailyTask{ID: "2020-01-01-plan", Done: true, UpdatedAt: t1})

	got := MergeTasks(local, remote)

	require.Len(t, got.Tasks, len(local))
	assert.True(t, got.Tasks[0].Done)
	assert.Equal(t, t1, got.Tasks[0].UpdatedAt)
	assert.False(t, got.Tasks[1].Done)
	assert.False(t, got.Tasks[2].Done)

	_, foreign := plan.Find(got.Tasks, "2020-01-01-plan")
	assert.False(t, foreign)

	// task 1 is newer locally, tasks 3.. have no remote row
	assert.Len(t, got.Push, len(local)-2)
	assert.Equal(t, local[1].ID, got.Push[0].ID)
}
