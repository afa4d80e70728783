package redis

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eightweek/companion/internal/domain/curriculum"
	"github.com/eightweek/companion/internal/domain/plan"
	"github.com/eightweek/companion/internal/domain/progress"
	"github.com/eightweek/companion/internal/domain/shared"
)

var (
	t0 = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
	t2 = t1.Add(time.Hour)
)

func newTestRepository(t *testing.T) (*RemoteRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.Host, cfg.Port = mr.Host(), port

	client, err := NewClient(context.Background(), cfg)
	require.NoError(t, err)

	repo := NewRemoteRepository(client, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { _ = repo.Close() })
	return repo, mr
}

func TestNewClient_Unreachable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Port = 1
	cfg.DialTimeout = 100 * time.Millisecond
	cfg.MaxRetries = -1

	_, err := NewClient(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrConnection)
}

func TestRemoteRepository_Ping(t *testing.T) {
	repo, _ := newTestRepository(t)
	assert.NoError(t, repo.Ping(context.Background()))
}

func TestRemoteRepository_Metrics(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t)

	got, err := repo.GetMetrics(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, got)

	in := progress.RemoteMetrics{
		XP:           75,
		Streak:       3,
		LastActive:   "2026-03-10",
		Achievements: []string{progress.BadgeFirstComplete},
		UpdatedAt:    t1,
		UpdatedBy:    "laptop",
	}
	require.NoError(t, repo.UpsertMetrics(ctx, "alice", in))

	got, err = repo.GetMetrics(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, in, *got)

	other, err := repo.GetMetrics(ctx, "bob")
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestRemoteRepository_MetricsKeepNewerRecord(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t)

	current := progress.RemoteMetrics{XP: 75, Streak: 3, UpdatedAt: t1, UpdatedBy: "laptop"}
	require.NoError(t, repo.UpsertMetrics(ctx, "alice", current))

	// each step writes on top of the previous one
	steps := []struct {
		name   string
		at     time.Time
		write  int
		wantXP int
	}{
		{"older write is dropped", t0, 1, 75},
		{"unstamped write is dropped", time.Time{}, 2, 75},
		{"same instant overwrites", t1, 25, 25},
		{"newer write overwrites", t2, 5, 5},
	}

	for _, tt := range steps {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, repo.UpsertMetrics(ctx, "alice", progress.RemoteMetrics{XP: tt.write, UpdatedAt: tt.at, UpdatedBy: "phone"}))
			got, err := repo.GetMetrics(ctx, "alice")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, tt.wantXP, got.XP)
		})
	}
}

func TestRemoteRepository_CorruptMetricsField(t *testing.T) {
	ctx := context.Background()
	repo, mr := newTestRepository(t)

	key := UserKey("alice", RecordMetrics)
	mr.HSet(key, fieldXP, "lots")
	mr.HSet(key, fieldStreak, "6")
	mr.HSet(key, fieldAchievements, `["first-complete"]`)

	got, err := repo.GetMetrics(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Zero(t, got.XP)
	assert.Equal(t, 6, got.Streak)
	assert.Equal(t, []string{progress.BadgeFirstComplete}, got.Achievements)
}

func sortTopics(rows []progress.RemoteTopic) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].TopicID < rows[j].TopicID })
}

func TestRemoteRepository_Topics(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t)

	state := progress.NewState(curriculum.Default())
	state.ApplyStatus("arrays", progress.StatusInProgress, "2026-03-10", t1)
	rows := progress.TopicsFromState(state, "laptop")[:2]
	rows[1].UpdatedAt = t1

	require.NoError(t, repo.UpsertTopics(ctx, "alice", rows))
	require.NoError(t, repo.UpsertTopics(ctx, "alice", nil))

	got, err := repo.GetTopics(ctx, "alice")
	require.NoError(t, err)
	sortTopics(got)

	want := append([]progress.RemoteTopic{}, rows...)
	sortTopics(want)
	assert.Equal(t, want, got)

	strs, _ := findRow(got, "strings")
	assert.Equal(t, progress.RemotePending, strs.Status)
	assert.Equal(t, progress.StatusNotStarted, progress.FromRemoteStatus(strs.Status))
}

func findRow(rows []progress.RemoteTopic, id string) (progress.RemoteTopic, bool) {
	for _, r := range rows {
		if r.TopicID == id {
			return r, true
		}
	}
	return progress.RemoteTopic{}, false
}

func TestRemoteRepository_TopicsKeepNewerRows(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t)

	require.NoError(t, repo.UpsertTopics(ctx, "alice", []progress.RemoteTopic{
		{TopicID: "arrays", Status: "complete", XPFlags: progress.XPFlags{InProgress: true, Complete: true}, UpdatedAt: t1},
		{TopicID: "strings", Status: "in-progress", XPFlags: progress.XPFlags{InProgress: true}, UpdatedAt: t1},
	}))

	require.NoError(t, repo.UpsertTopics(ctx, "alice", []progress.RemoteTopic{
		{TopicID: "arrays", Status: progress.RemotePending, UpdatedAt: t0},
		{TopicID: "strings", Status: progress.RemotePending},
		{TopicID: "hash-maps", Status: "skipped", UpdatedAt: t0},
	}))
	require.NoError(t, repo.UpsertTopics(ctx, "alice", []progress.RemoteTopic{
		{TopicID: "strings", Status: "complete", XPFlags: progress.XPFlags{InProgress: true, Complete: true}, UpdatedAt: t2},
	}))

	got, err := repo.GetTopics(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, got, 3)

	arrays, _ := findRow(got, "arrays")
	assert.Equal(t, "complete", arrays.Status, "older row is dropped")
	strs, _ := findRow(got, "strings")
	assert.Equal(t, "complete", strs.Status, "newer row overwrites")
	assert.Equal(t, t2, strs.UpdatedAt)
	maps, _ := findRow(got, "hash-maps")
	assert.Equal(t, "skipped", maps.Status, "missing row is written")
}

func TestRemoteRepository_CorruptTopicIsSkipped(t *testing.T) {
	ctx := context.Background()
	repo, mr := newTestRepository(t)

	require.NoError(t, repo.UpsertTopics(ctx, "alice", []progress.RemoteTopic{{TopicID: "arrays", Status: "complete", UpdatedAt: t1}}))
	mr.HSet(UserKey("alice", RecordTopics), "strings", "{")
	mr.HSet(UserKey("alice", RecordTopics), "stacks", `{"status":"complete","updatedAt":"noon"}`)

	got, err := repo.GetTopics(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "arrays", got[0].TopicID)
}

func TestRemoteRepository_Tasks(t *testing.T) {
	ctx := context.Background()
	repo, mr := newTestRepository(t)

	tasks := plan.Generate(curriculum.Default(), "2026-03-02")
	_, ok := plan.Toggle(tasks, tasks[3].ID, t1)
	require.True(t, ok)
	reversed := plan.Clone(tasks)
	for i, j := 0, len(reversed)-1; i < j; i, j = i+1, j-1 {
		reversed[i], reversed[j] = reversed[j], reversed[i]
	}
	require.NoError(t, repo.UpsertTasks(ctx, "alice", reversed))
	mr.HSet(UserKey("alice", RecordTasks), "broken", "[")
	mr.HSet(UserKey("alice", RecordTasks), "lunch", `{"date":"2026-03-02","kind":"lunch","title":"Lunch"}`)

	got, err := repo.GetTasks(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, got, len(tasks))
	assert.ElementsMatch(t, tasks, got)
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].Date.Before(got[i-1].Date), "tasks are in date order")
	}

	done, ok := plan.Find(got, tasks[3].ID)
	require.True(t, ok)
	assert.True(t, done.Done)
	assert.Equal(t, t1, done.UpdatedAt)
}

func TestRemoteRepository_ActivityDays(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t)

	require.NoError(t, repo.UpsertActivityDays(ctx, "alice", []shared.Day{"2026-03-10", "2026-03-09", "not-a-day"}))
	require.NoError(t, repo.UpsertActivityDays(ctx, "alice", []shared.Day{"2026-03-10"}))
	require.NoError(t, repo.UpsertActivityDays(ctx, "alice", nil))

	got, err := repo.GetActivityDays(ctx, "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []shared.Day{"2026-03-09", "2026-03-10"}, got)

	none, err := repo.GetActivityDays(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, none)
}
