package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eightweek/companion/internal/application/tracker"
	"github.com/eightweek/companion/internal/domain/plan"
	"github.com/eightweek/companion/internal/domain/progress"
	"github.com/eightweek/companion/internal/domain/shared"
	"github.com/eightweek/companion/internal/infrastructure/messaging"
	"github.com/eightweek/companion/internal/infrastructure/persistence/local"
	"github.com/eightweek/companion/pkg/timeutil"
)

// fakeRemote is an in-memory RemoteRepository keyed by user.
type fakeRemote struct {
	mu      sync.Mutex
	metrics map[shared.UserID]*progress.RemoteMetrics
	topics  map[shared.UserID]map[string]progress.RemoteTopic
	tasks   map[shared.UserID]map[string]plan.DailyTask
	days    map[shared.UserID]map[shared.Day]bool
	calls   map[string]int
	failAll error

	// gate, when set, blocks GetMetrics until it is closed.
	gate chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		metrics: map[shared.UserID]*progress.RemoteMetrics{},
		topics:  map[shared.UserID]map[string]progress.RemoteTopic{},
		tasks:   map[shared.UserID]map[string]plan.DailyTask{},
		days:    map[shared.UserID]map[shared.Day]bool{},
		calls:   map[string]int{},
	}
}

func (f *fakeRemote) enter(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	return f.failAll
}

func (f *fakeRemote) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeRemote) GetMetrics(ctx context.Context, user shared.UserID) (*progress.RemoteMetrics, error) {
	if err := f.enter("GetMetrics"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.metrics[user]; ok {
		cp := *m
		cp.Achievements = append([]string{}, m.Achievements...)
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeRemote) UpsertMetrics(_ context.Context, user shared.UserID, m progress.RemoteMetrics) error {
	if err := f.enter("UpsertMetrics"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics[user] = &m
	return nil
}

func (f *fakeRemote) GetTopics(_ context.Context, user shared.UserID) ([]progress.RemoteTopic, error) {
	if err := f.enter("GetTopics"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []progress.RemoteTopic
	for _, row := range f.topics[user] {
		out = append(out, row)
	}
	return out, nil
}

func (f *fakeRemote) UpsertTopics(_ context.Context, user shared.UserID, rows []progress.RemoteTopic) error {
	if err := f.enter("UpsertTopics"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.topics[user] == nil {
		f.topics[user] = map[string]progress.RemoteTopic{}
	}
	for _, row := range rows {
		f.topics[user][row.TopicID] = row
	}
	return nil
}

func (f *fakeRemote) GetTasks(_ context.Context, user shared.UserID) ([]plan.DailyTask, error) {
	if err := f.enter("GetTasks"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []plan.DailyTask
	for _, t := range f.tasks[user] {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeRemote) UpsertTasks(_ context.Context, user shared.UserID, tasks []plan.DailyTask) error {
	if err := f.enter("UpsertTasks"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tasks[user] == nil {
		f.tasks[user] = map[string]plan.DailyTask{}
	}
	for _, t := range tasks {
		f.tasks[user][t.ID] = t
	}
	return nil
}

func (f *fakeRemote) GetActivityDays(_ context.Context, user shared.UserID) ([]shared.Day, error) {
	if err := f.enter("GetActivityDays"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []shared.Day
	for d := range f.days[user] {
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeRemote) UpsertActivityDays(_ context.Context, user shared.UserID, days []shared.Day) error {
	if err := f.enter("UpsertActivityDays"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.days[user] == nil {
		f.days[user] = map[shared.Day]bool{}
	}
	for _, d := range days {
		f.days[user][d] = true
	}
	return nil
}

func (f *fakeRemote) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (f *fakeRemote) remoteXP(user shared.UserID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m := f.metrics[user]; m != nil {
		return m.XP
	}
	return -1
}

// ══════════════════════════════════════════════════════════════════════════════

var now = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type harness struct {
	session *tracker.Session
	remote  *fakeRemote
	bus     *messaging.InMemoryEventBus
	rec     *Reconciler
	clock   *timeutil.FixedClock
}

func newHarness(t *testing.T, user shared.UserID) *harness {
	t.Helper()
	bus := messaging.NewInMemoryEventBus(messaging.InMemoryEventBusConfig{AsyncMode: false})
	t.Cleanup(func() { _ = bus.Close() })

	clock := timeutil.NewFixedClock(now)
	session := tracker.NewSession(tracker.SessionConfig{
		Storage:   local.NewMemory(),
		Clock:     clock,
		Publisher: bus,
		User:      user,
	})
	remote := newFakeRemote()
	rec := New(Config{
		Session:      session,
		Remote:       remote,
		Events:       bus,
		Publisher:    bus,
		DeviceID:     "test-device",
		PullInterval: time.Hour,
	})
	return &harness{session: session, remote: remote, bus: bus, rec: rec, clock: clock}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.rec.Start(context.Background()))
	t.Cleanup(func() {
		if h.rec.Running() {
			_ = h.rec.Stop()
		}
	})
	// initial pull
	assert.Eventually(t, func() bool { return h.remote.count("GetActivityDays") >= 1 }, time.Second, 5*time.Millisecond)
	h.rec.Wait()
}

func TestReconciler_PushesLocalChanges(t *testing.T) {
	h := newHarness(t, "alice")
	h.start(t)

	h.session.Store.SetStatus("arrays", progress.StatusInProgress)

	assert.Eventually(t, func() bool { return h.remote.remoteXP("alice") == 5 }, time.Second, 5*time.Millisecond)
	h.rec.Wait()

	h.remote.mu.Lock()
	row := h.remote.topics["alice"]["arrays"]
	days := h.remote.days["alice"]
	h.remote.mu.Unlock()
	assert.Equal(t, "in-progress", row.Status)
	assert.Equal(t, "test-device", row.UpdatedBy)
	assert.True(t, days["2026-03-10"])
}

func TestReconciler_PullAppliesRemoteAndDoesNotPushBack(t *testing.T) {
	h := newHarness(t, "alice")
	h.remote.metrics["alice"] = &progress.RemoteMetrics{
		XP:           75,
		Streak:       3,
		LastActive:   "2026-03-09",
		Achievements: []string{progress.BadgeFirstComplete},
		UpdatedAt:    now,
	}
	h.remote.topics["alice"] = map[string]progress.RemoteTopic{
		"arrays": {TopicID: "arrays", Status: "complete", XPFlags: progress.XPFlags{InProgress: true, Complete: true}, UpdatedAt: now},
	}
	h.start(t)

	state := h.session.Store.Serialize()
	assert.Equal(t, 75, state.XP)
	assert.Equal(t, 3, state.Streak)
	tp, _ := state.Topic("arrays")
	assert.Equal(t, progress.StatusComplete, tp.Status)

	assert.Zero(t, h.remote.count("UpsertMetrics"))
	assert.Zero(t, h.remote.count("UpsertTopics"))
}

func TestReconciler_PullPushesNewerLocalState(t *testing.T) {
	h := newHarness(t, "alice")
	h.session.Store.SetStatus("arrays", progress.StatusInProgress)

	applied, err := h.rec.SyncNow(context.Background())
	require.NoError(t, err)
	assert.True(t, applied)
	h.rec.Wait()

	assert.Equal(t, 5, h.remote.remoteXP("alice"))
	assert.Equal(t, 1, h.remote.count("UpsertActivityDays"))
}

func pushCount(f *fakeRemote) int {
	return f.count("UpsertMetrics") + f.count("UpsertTopics") + f.count("UpsertTasks") + f.count("UpsertActivityDays")
}

func TestReconciler_ResetStaysLocalAndPullRestoresRemote(t *testing.T) {
	h := newHarness(t, "alice")
	h.start(t)

	h.session.Planner.Generate("2026-03-02")
	h.session.Store.SetStatus("arrays", progress.StatusInProgress)
	h.rec.Wait()
	h.session.Store.SetStatus("arrays", progress.StatusComplete)
	h.rec.Wait()

	want := progress.InProgressAward + progress.CompleteAward + progress.AchievementBonus
	require.Equal(t, want, h.remote.remoteXP("alice"))
	pushed := pushCount(h.remote)

	h.session.ResetUserData()
	h.rec.Wait()

	assert.Zero(t, h.session.Store.Serialize().XP)
	assert.Equal(t, pushed, pushCount(h.remote), "a reset is never pushed")
	assert.Equal(t, want, h.remote.remoteXP("alice"))

	applied, err := h.rec.SyncNow(context.Background())
	require.NoError(t, err)
	assert.True(t, applied)
	h.rec.Wait()

	state := h.session.Store.Serialize()
	assert.Equal(t, want, state.XP)
	assert.Equal(t, state.EarnedXP(), state.XP)
	assert.Equal(t, []string{progress.BadgeFirstComplete}, state.Achievements)
	tp, _ := state.Topic("arrays")
	assert.Equal(t, progress.StatusComplete, tp.Status)
	assert.Len(t, h.session.Planner.Tasks(), plan.TaskCount)
	assert.Equal(t, pushed, pushCount(h.remote), "the restored copy is not pushed back")
}

func TestReconciler_ActivityOfPreviousUserIsNotPushed(t *testing.T) {
	h := newHarness(t, "alice")
	h.start(t)

	h.session.SwitchUser("bob")
	require.NoError(t, h.bus.Publish(shared.NewActivityRecordedEvent("alice", "2026-03-10", 1)))
	h.rec.Wait()

	assert.Zero(t, h.remote.count("UpsertActivityDays"))

	require.NoError(t, h.bus.Publish(shared.NewActivityRecordedEvent("bob", "2026-03-10", 1)))
	h.rec.Wait()

	h.remote.mu.Lock()
	defer h.remote.mu.Unlock()
	assert.Empty(t, h.remote.days["alice"])
	assert.True(t, h.remote.days["bob"]["2026-03-10"])
}

func TestReconciler_UnstampedRecordsAreNotPushed(t *testing.T) {
	h := newHarness(t, "alice")
	h.session.Store.SetStatus("strings", progress.StatusSkipped)

	require.NoError(t, h.rec.PushNow(context.Background()))

	h.remote.mu.Lock()
	defer h.remote.mu.Unlock()
	require.Len(t, h.remote.topics["alice"], 1)
	assert.Equal(t, "skipped", h.remote.topics["alice"]["strings"].Status)
}

func TestReconciler_AnonymousIsLocalOnly(t *testing.T) {
	h := newHarness(t, "")
	require.NoError(t, h.rec.Start(context.Background()))
	defer h.rec.Stop()

	h.session.Store.SetStatus("arrays", progress.StatusInProgress)
	h.session.Planner.Generate("2026-03-10")
	applied, err := h.rec.SyncNow(context.Background())
	require.NoError(t, err)
	assert.False(t, applied)

	require.NoError(t, h.rec.Stop())
	h.remote.mu.Lock()
	defer h.remote.mu.Unlock()
	assert.Empty(t, h.remote.calls)
}

func TestReconciler_StalePullIsDropped(t *testing.T) {
	h := newHarness(t, "alice")
	h.remote.metrics["alice"] = &progress.RemoteMetrics{XP: 500, UpdatedAt: now}
	gate := make(chan struct{})
	h.remote.gate = gate

	type result struct {
		applied bool
		err     error
	}
	done := make(chan result, 1)
	go func() {
		applied, err := h.rec.SyncNow(context.Background())
		done <- result{applied, err}
	}()

	assert.Eventually(t, func() bool { return h.remote.count("GetMetrics") == 1 }, time.Second, time.Millisecond)
	h.session.SwitchUser("bob")
	close(gate)

	res := <-done
	require.NoError(t, res.err)
	assert.False(t, res.applied)
	assert.Zero(t, h.session.Store.Serialize().XP)
	assert.Equal(t, shared.UserID("bob"), h.session.User())
}

func TestReconciler_TaskEventsPushRows(t *testing.T) {
	h := newHarness(t, "alice")
	h.start(t)

	tasks := h.session.Planner.Generate("2026-03-10")
	assert.Eventually(t, func() bool { return h.remote.count("UpsertTasks") >= 1 }, time.Second, 5*time.Millisecond)
	h.rec.Wait()

	require.True(t, h.session.Planner.Toggle(tasks[0].ID))
	assert.Eventually(t, func() bool {
		h.remote.mu.Lock()
		defer h.remote.mu.Unlock()
		return h.remote.tasks["alice"][tasks[0].ID].Done
	}, time.Second, 5*time.Millisecond)

	h.remote.mu.Lock()
	assert.Len(t, h.remote.tasks["alice"], plan.TaskCount)
	h.remote.mu.Unlock()
}

func TestReconciler_PullAdoptsRemotePlan(t *testing.T) {
	h := newHarness(t, "alice")
	other := newHarness(t, "alice")
	tasks := other.session.Planner.Generate("2026-03-02")
	require.NoError(t, h.remote.UpsertTasks(context.Background(), "alice", tasks))

	_, err := h.rec.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Len(t, h.session.Planner.Tasks(), plan.TaskCount)
}

func TestReconciler_FailuresAreReported(t *testing.T) {
	h := newHarness(t, "alice")
	h.remote.failAll = errors.New("connection refused")
	h.session.Store.SetStatus("arrays", progress.StatusInProgress)

	applied, err := h.rec.SyncNow(context.Background())
	assert.Error(t, err)
	assert.False(t, applied)
	assert.Equal(t, 5, h.session.Store.Serialize().XP)
	assert.Contains(t, h.rec.Status().LastError, "connection refused")

	assert.Error(t, h.rec.PushNow(context.Background()))
}

func TestReconciler_PushNow(t *testing.T) {
	h := newHarness(t, "alice")
	h.session.Planner.Generate("2026-03-10")
	h.session.Store.SetStatus("arrays", progress.StatusComplete)

	require.NoError(t, h.rec.PushNow(context.Background()))
	assert.Equal(t, progress.CompleteAward+progress.AchievementBonus, h.remote.remoteXP("alice"))
	assert.Equal(t, 1, h.remote.count("UpsertTasks"))
	assert.Equal(t, 1, h.remote.count("UpsertActivityDays"))
}

func TestReconciler_StartStopRestart(t *testing.T) {
	h := newHarness(t, "alice")

	require.NoError(t, h.rec.Start(context.Background()))
	assert.ErrorIs(t, h.rec.Start(context.Background()), ErrAlreadyRunning)
	st := h.rec.Status()
	assert.True(t, st.Running)
	assert.False(t, st.NextPullAt.IsZero())
	require.NoError(t, h.rec.Stop())
	assert.ErrorIs(t, h.rec.Stop(), ErrNotRunning)
	assert.False(t, h.rec.Status().Running)
	assert.True(t, h.rec.Status().NextPullAt.IsZero())

	before := h.remote.count("UpsertMetrics")
	h.session.Store.SetStatus("arrays", progress.StatusInProgress)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, h.remote.count("UpsertMetrics"), "no pushes while stopped")

	require.NoError(t, h.rec.Start(context.Background()))
	// the initial pull pushes the change made while stopped
	assert.Eventually(t, func() bool { return h.remote.remoteXP("alice") == progress.InProgressAward }, time.Second, 5*time.Millisecond)
	h.rec.Wait()

	h.session.Store.SetStatus("arrays", progress.StatusComplete)
	assert.Eventually(t, func() bool {
		return h.remote.remoteXP("alice") == progress.InProgressAward+progress.CompleteAward+progress.AchievementBonus
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, h.rec.Stop())
}

func TestTickFor(t *testing.T) {
	assert.Equal(t, time.Second, tickFor(15*time.Second))
	assert.Equal(t, 10*time.Millisecond, tickFor(100*time.Millisecond))
	assert.Equal(t, time.Millisecond, tickFor(time.Microsecond))
}
