package reconcile

import (
	"time"

	"github.com/eightweek/companion/internal/domain/activity"
	"github.com/eightweek/companion/internal/domain/plan"
	"github.com/eightweek/companion/internal/domain/progress"
	"github.com/eightweek/companion/internal/domain/shared"
)

// remoteWins applies the latest-wins rule. A remote record without a
// timestamp predates per-record stamps and always wins; ties go to the
// remote copy.
func remoteWins(remote, local time.Time) bool {
	return remote.IsZero() || !remote.Before(local)
}

// StateMerge is the outcome of merging pulled records into local state.
type StateMerge struct {
	State progress.AppState

	// LocalAhead is set when the local copy holds metrics or topic rows
	// newer than (or missing from) the remote set, or when the remote XP
	// disagrees with the merged one.
	LocalAhead bool

	// MissingDays are local active days the remote set does not have.
	MissingDays []shared.Day
}

// MergeState folds the remote records into local:
//   - streak and lastActive follow the metrics record under the
//     latest-wins rule, and achievements are always unioned
//   - each topic row replaces status, lastTouched and flags of the
//     matching topic under the same rule; notes stay local
//   - active days are unioned
//
// Topics without a remote row are left untouched. XP is not taken from
// either side: metrics and topic rows can be won by different devices, so
// the merged XP is recomputed from the merged flags and badges.
func MergeState(local progress.AppState, metrics *progress.RemoteMetrics, topics []progress.RemoteTopic, days []shared.Day) StateMerge {
	out := StateMerge{State: local.Clone()}
	st := &out.State

	if metrics == nil {
		out.LocalAhead = !local.MetricsUpdatedAt.IsZero()
	} else {
		if remoteWins(metrics.UpdatedAt, local.MetricsUpdatedAt) {
			st.Streak = metrics.Streak
			st.LastActive = metrics.LastActive
			if !metrics.UpdatedAt.IsZero() {
				st.MetricsUpdatedAt = metrics.UpdatedAt
			}
		} else {
			out.LocalAhead = true
		}
		st.Achievements = unionStrings(st.Achievements, metrics.Achievements)
		if len(st.Achievements) > len(metrics.Achievements) {
			out.LocalAhead = true
		}
	}

	rows := make(map[string]progress.RemoteTopic, len(topics))
	for _, row := range topics {
		rows[row.TopicID] = row
	}
	for i := range st.Topics {
		t := &st.Topics[i]
		row, ok := rows[t.ID]
		if !ok {
			if !t.UpdatedAt.IsZero() {
				out.LocalAhead = true
			}
			continue
		}
		if !remoteWins(row.UpdatedAt, t.UpdatedAt) {
			out.LocalAhead = true
			continue
		}
		t.Status = progress.FromRemoteStatus(row.Status)
		t.LastTouched = row.LastTouched
		t.XPFlags = row.XPFlags
		if !row.UpdatedAt.IsZero() {
			t.UpdatedAt = row.UpdatedAt
		}
	}

	st.XP = st.EarnedXP()
	if metrics != nil && metrics.XP != st.XP {
		out.LocalAhead = true
	}

	remoteDays := activity.NewDays(days)
	for _, d := range local.ActivityDays {
		if !remoteDays.Contains(d) {
			out.MissingDays = append(out.MissingDays, d)
		}
	}
	st.ActivityDays = st.ActivityDays.Union(remoteDays)

	return out
}

// TaskMerge is the outcome of merging pulled tasks into the local list.
type TaskMerge struct {
	Tasks []plan.DailyTask

	// Push holds local tasks that are newer than, or missing from, the
	// remote set.
	Push []plan.DailyTask
}

// MergeTasks adopts the remote list, in calendar order, when the local one
// is empty. Otherwise every local task takes the remote done flag under the
// latest-wins rule; remote tasks with no local counterpart belong to another
// calendar and are ignored.
func MergeTasks(local, remote []plan.DailyTask) TaskMerge {
	if len(local) == 0 {
		adopted := plan.Clone(remote)
		plan.Sort(adopted)
		return TaskMerge{Tasks: adopted}
	}

	byID := make(map[string]plan.DailyTask, len(remote))
	for _, t := range remote {
		byID[t.ID] = t
	}

	out := TaskMerge{Tasks: plan.Clone(local)}
	for i := range out.Tasks {
		t := &out.Tasks[i]
		r, ok := byID[t.ID]
		switch {
		case !ok:
			out.Push = append(out.Push, *t)
		case remoteWins(r.UpdatedAt, t.UpdatedAt):
			t.Done = r.Done
			if !r.UpdatedAt.IsZero() {
				t.UpdatedAt = r.UpdatedAt
			}
		default:
			out.Push = append(out.Push, *t)
		}
	}
	return out
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
