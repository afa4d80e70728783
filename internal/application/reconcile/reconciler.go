// Package reconcile mirrors the active user's progress to a remote record
// set. Local changes are pushed as they happen; remote changes are pulled
// on an interval and merged with a latest-wins rule.
//
// Sync is best-effort: failures are logged, counted and retried only by
// the next change or the next interval.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/eightweek/companion/internal/application/tracker"
	"github.com/eightweek/companion/internal/domain/plan"
	"github.com/eightweek/companion/internal/domain/progress"
	"github.com/eightweek/companion/internal/domain/shared"
	"github.com/eightweek/companion/internal/infrastructure/scheduler"
)

// ══════════════════════════════════════════════════════════════════════════════
// METRICS
// ══════════════════════════════════════════════════════════════════════════════

var (
	syncOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companion_sync_operations_total",
		Help: "Remote sync operations by operation and result",
	}, []string{"op", "result"})

	pullDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "companion_sync_pull_duration_seconds",
		Help:    "Duration of a full pull and merge",
		Buckets: prometheus.DefBuckets,
	})
)

// Operation labels.
const (
	opPushMetrics = "push_metrics"
	opPushTopics  = "push_topics"
	opPushTasks   = "push_tasks"
	opPushDays    = "push_activity"
	opPull        = "pull"
)

func observe(op string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		result = "timeout"
	default:
		result = "error"
	}
	syncOperations.WithLabelValues(op, result).Inc()
}

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrAlreadyRunning is returned by Start on a running reconciler.
	ErrAlreadyRunning = errors.New("reconciler is already running")

	// ErrNotRunning is returned by Stop on a stopped reconciler.
	ErrNotRunning = errors.New("reconciler is not running")
)

// PullJobName is the scheduler name of the periodic pull.
const PullJobName = "remote-pull"

// Config contains the dependencies and timing of a Reconciler.
type Config struct {
	Session *tracker.Session
	Remote  progress.RemoteRepository

	// Events delivers task and activity events. Optional; without it only
	// metrics and topics are pushed.
	Events shared.EventSubscriber

	// Publisher receives SyncCompleted events. Optional.
	Publisher shared.EventPublisher

	Logger *slog.Logger

	// DeviceID is written to updated_by. Defaults to a random UUID.
	DeviceID string

	PullInterval time.Duration
	PushTimeout  time.Duration
	PullTimeout  time.Duration
}

// DefaultConfig returns the default timing.
func DefaultConfig() Config {
	return Config{
		PullInterval: 15 * time.Second,
		PushTimeout:  10 * time.Second,
		PullTimeout:  10 * time.Second,
	}
}

// Status describes the reconciler for health and API responses.
type Status struct {
	Running    bool      `json:"running"`
	DeviceID   string    `json:"deviceId"`
	LastPullAt time.Time `json:"lastPullAt,omitempty"`
	NextPullAt time.Time `json:"nextPullAt,omitempty"`
	LastError  string    `json:"lastError,omitempty"`
}

// ══════════════════════════════════════════════════════════════════════════════
// RECONCILER
// ══════════════════════════════════════════════════════════════════════════════

// Reconciler keeps the remote record set of the active user in step with
// the local session.
type Reconciler struct {
	session   *tracker.Session
	remote    progress.RemoteRepository
	events    shared.EventSubscriber
	publisher shared.EventPublisher
	logger    *slog.Logger
	device    string
	cfg       Config

	// mu guards the lifecycle fields.
	mu        sync.Mutex
	running   bool
	unsubs    []func()
	scheduler *scheduler.Scheduler

	// inflightMu guards closing and the Add side of inflight. It is never
	// held while calling into the session.
	inflightMu sync.Mutex
	closing    bool
	inflight   sync.WaitGroup

	// pullMu serializes pulls from the job, Start and SyncNow.
	pullMu sync.Mutex

	statusMu   sync.Mutex
	lastPullAt time.Time
	lastErr    error
}

// New creates a stopped reconciler.
func New(cfg Config) *Reconciler {
	def := DefaultConfig()
	if cfg.PullInterval <= 0 {
		cfg.PullInterval = def.PullInterval
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = def.PushTimeout
	}
	if cfg.PullTimeout <= 0 {
		cfg.PullTimeout = def.PullTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
	}

	return &Reconciler{
		session:   cfg.Session,
		remote:    cfg.Remote,
		events:    cfg.Events,
		publisher: cfg.Publisher,
		logger:    cfg.Logger.With("component", "reconciler", "device", cfg.DeviceID),
		device:    cfg.DeviceID,
		cfg:       cfg,
	}
}

// Start subscribes to local changes, schedules the periodic pull and runs
// an initial pull in the background. Background work lives until Stop;
// cancelling ctx does not end it. A stopped reconciler may be started again.
func (r *Reconciler) Start(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return ErrAlreadyRunning
	}

	r.inflightMu.Lock()
	r.closing = false
	r.inflightMu.Unlock()

	r.unsubs = append(r.unsubs, r.session.Store.Subscribe(r.onStateChange))
	if r.events != nil {
		for eventType, handler := range map[shared.EventType]shared.EventHandler{
			shared.EventTaskToggled:      r.onTaskToggled,
			shared.EventPlanGenerated:    r.onPlanGenerated,
			shared.EventActivityRecorded: r.onActivityRecorded,
		} {
			unsubscribe, err := r.events.Subscribe(eventType, handler)
			if err != nil {
				r.unsubscribeAll()
				return err
			}
			r.unsubs = append(r.unsubs, unsubscribe)
		}
	}

	sched := scheduler.NewScheduler(scheduler.SchedulerConfig{
		Logger:       r.logger,
		TickInterval: tickFor(r.cfg.PullInterval),
	})
	if err := sched.Register(&pullJob{r: r}, scheduler.NewIntervalSchedule(r.cfg.PullInterval)); err != nil {
		r.unsubscribeAll()
		return err
	}
	if err := sched.Start(ctx); err != nil {
		r.unsubscribeAll()
		return err
	}
	r.scheduler = sched
	r.running = true

	r.spawn(func() {
		pullCtx, cancel := context.WithTimeout(ctx, r.cfg.PullTimeout)
		defer cancel()
		_, _ = r.pull(pullCtx)
	})

	r.logger.Info("reconciler started", "pull_interval", r.cfg.PullInterval.String())
	return nil
}

// tickFor picks a scheduler resolution fine enough for interval.
func tickFor(interval time.Duration) time.Duration {
	tick := interval / 10
	if tick > time.Second {
		tick = time.Second
	}
	if tick < time.Millisecond {
		tick = time.Millisecond
	}
	return tick
}

// Stop unsubscribes from local changes, stops the pull schedule and waits
// for in-flight pushes. Results of a pull still running are dropped when
// the session has moved on.
func (r *Reconciler) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return ErrNotRunning
	}
	r.running = false

	r.inflightMu.Lock()
	r.closing = true
	r.inflightMu.Unlock()

	r.unsubscribeAll()
	if err := r.scheduler.Stop(); err != nil && !errors.Is(err, scheduler.ErrSchedulerNotRunning) {
		r.logger.Warn("scheduler stop failed", "error", err)
	}
	r.scheduler = nil
	r.inflight.Wait()

	r.logger.Info("reconciler stopped")
	return nil
}

func (r *Reconciler) unsubscribeAll() {
	for _, unsubscribe := range r.unsubs {
		unsubscribe()
	}
	r.unsubs = nil
}

// Running reports whether the reconciler is started.
func (r *Reconciler) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Status returns the current sync status.
func (r *Reconciler) Status() Status {
	st := Status{DeviceID: r.device}
	r.mu.Lock()
	st.Running = r.running
	if r.scheduler != nil {
		for _, job := range r.scheduler.ListJobs() {
			if job.Name == PullJobName {
				st.NextPullAt = job.NextRun
			}
		}
	}
	r.mu.Unlock()

	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	st.LastPullAt = r.lastPullAt
	if r.lastErr != nil {
		st.LastError = r.lastErr.Error()
	}
	return st
}

// SyncNow pulls and merges immediately on the caller's goroutine. It
// reports whether remote state was applied. This is the only method that
// returns sync errors, for the CLI and the HTTP sync endpoint.
func (r *Reconciler) SyncNow(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.PullTimeout)
	defer cancel()
	return r.pull(ctx)
}

// PushNow writes the complete local state of the signed-in user to the
// remote set on the caller's goroutine. The CLI uses it after one-shot
// mutations, where no listener is running.
func (r *Reconciler) PushNow(ctx context.Context) error {
	snap := r.session.Store.Snapshot()
	if snap.User.IsAnonymous() {
		return nil
	}
	user := snap.User
	tasks := r.session.Planner.Tasks()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.PushTimeout)
	defer cancel()

	errState := r.upsertState(ctx, user, snap.State)

	var errTasks, errDays error
	if len(tasks) > 0 {
		errTasks = r.remote.UpsertTasks(ctx, user, tasks)
		r.report(opPushTasks, user, errTasks)
	}
	if len(snap.State.ActivityDays) > 0 {
		errDays = r.remote.UpsertActivityDays(ctx, user, snap.State.ActivityDays)
		r.report(opPushDays, user, errDays)
	}
	return errors.Join(errState, errTasks, errDays)
}

// Wait blocks until background pushes started so far have finished.
func (r *Reconciler) Wait() {
	r.inflight.Wait()
}

// spawn runs fn on a tracked goroutine unless the reconciler is stopping.
func (r *Reconciler) spawn(fn func()) {
	r.inflightMu.Lock()
	if r.closing {
		r.inflightMu.Unlock()
		return
	}
	r.inflight.Add(1)
	r.inflightMu.Unlock()

	go func() {
		defer r.inflight.Done()
		fn()
	}()
}

// ══════════════════════════════════════════════════════════════════════════════
// PUSH
// ══════════════════════════════════════════════════════════════════════════════

// onStateChange runs under the store lock, so it only schedules work.
// Resets and applied pulls are not pushed.
func (r *Reconciler) onStateChange(s tracker.Snapshot) {
	if s.Origin != tracker.OriginLocal || s.User.IsAnonymous() {
		return
	}
	r.spawn(func() { r.pushState(s.User, s.State) })
}

func (r *Reconciler) pushState(user shared.UserID, state progress.AppState) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.PushTimeout)
	defer cancel()
	_ = r.upsertState(ctx, user, state)
}

// upsertState writes the metrics and topic records of state. Records
// without a timestamp were never changed on this device and are skipped.
func (r *Reconciler) upsertState(ctx context.Context, user shared.UserID, state progress.AppState) error {
	var errMetrics, errTopics error
	if !state.MetricsUpdatedAt.IsZero() {
		errMetrics = r.remote.UpsertMetrics(ctx, user, progress.MetricsFromState(state, r.device))
		r.report(opPushMetrics, user, errMetrics)
	}

	var rows []progress.RemoteTopic
	for _, row := range progress.TopicsFromState(state, r.device) {
		if !row.UpdatedAt.IsZero() {
			rows = append(rows, row)
		}
	}
	if len(rows) > 0 {
		errTopics = r.remote.UpsertTopics(ctx, user, rows)
		r.report(opPushTopics, user, errTopics)
	}
	return errors.Join(errMetrics, errTopics)
}

func (r *Reconciler) pushTasks(user shared.UserID, tasks []plan.DailyTask) {
	if len(tasks) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.PushTimeout)
	defer cancel()
	r.report(opPushTasks, user, r.remote.UpsertTasks(ctx, user, tasks))
}

func (r *Reconciler) pushDays(user shared.UserID, days []shared.Day) {
	if len(days) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.PushTimeout)
	defer cancel()
	r.report(opPushDays, user, r.remote.UpsertActivityDays(ctx, user, days))
}

// currentUser reports whether the event still belongs to the active,
// signed-in user.
func (r *Reconciler) currentUser(user shared.UserID) bool {
	return !user.IsAnonymous() && user == r.session.User()
}

func (r *Reconciler) onTaskToggled(e shared.Event) error {
	ev, ok := e.(shared.TaskToggledEvent)
	if !ok || !r.currentUser(ev.UserID) {
		return nil
	}
	task, found := r.session.Planner.Task(ev.TaskID)
	if !found {
		return nil
	}
	r.spawn(func() { r.pushTasks(ev.UserID, []plan.DailyTask{task}) })
	return nil
}

func (r *Reconciler) onPlanGenerated(e shared.Event) error {
	ev, ok := e.(shared.PlanGeneratedEvent)
	if !ok || !r.currentUser(ev.UserID) {
		return nil
	}
	tasks := r.session.Planner.Tasks()
	r.spawn(func() { r.pushTasks(ev.UserID, tasks) })
	return nil
}

func (r *Reconciler) onActivityRecorded(e shared.Event) error {
	ev, ok := e.(shared.ActivityRecordedEvent)
	if !ok || !r.currentUser(ev.UserID) {
		return nil
	}
	r.spawn(func() { r.pushDays(ev.UserID, []shared.Day{ev.Day}) })
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// PULL
// ══════════════════════════════════════════════════════════════════════════════

type pullJob struct {
	r *Reconciler
}

func (j *pullJob) Name() string { return PullJobName }

func (j *pullJob) Description() string {
	return "Fetch remote progress and merge it into the local session"
}

func (j *pullJob) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, j.r.cfg.PullTimeout)
	defer cancel()
	_, err := j.r.pull(ctx)
	return err
}

type remoteSet struct {
	metrics *progress.RemoteMetrics
	topics  []progress.RemoteTopic
	tasks   []plan.DailyTask
	days    []shared.Day
}

func (r *Reconciler) fetch(ctx context.Context, user shared.UserID) (remoteSet, error) {
	var set remoteSet
	var err error
	if set.metrics, err = r.remote.GetMetrics(ctx, user); err != nil {
		return set, err
	}
	if set.topics, err = r.remote.GetTopics(ctx, user); err != nil {
		return set, err
	}
	if set.tasks, err = r.remote.GetTasks(ctx, user); err != nil {
		return set, err
	}
	if set.days, err = r.remote.GetActivityDays(ctx, user); err != nil {
		return set, err
	}
	return set, nil
}

// pull fetches the remote set, merges it and applies the result unless
// the session changed user or epoch meanwhile. Local records found to be
// newer than their remote copies are pushed back.
func (r *Reconciler) pull(ctx context.Context) (bool, error) {
	r.pullMu.Lock()
	defer r.pullMu.Unlock()

	store, planner := r.session.Store, r.session.Planner
	snap := store.Snapshot()
	taskSnap := planner.Snapshot()
	if snap.User.IsAnonymous() {
		return false, nil
	}
	user := snap.User

	started := time.Now()
	set, err := r.fetch(ctx, user)
	if err != nil {
		r.report(opPull, user, err)
		r.setLastPull(err)
		return false, err
	}

	var stateMerge StateMerge
	applied := store.HydrateWith(snap.Epoch, func(current progress.AppState) progress.AppState {
		stateMerge = MergeState(current, set.metrics, set.topics, set.days)
		return stateMerge.State
	})
	if !applied {
		r.logger.Debug("discarding stale pull", "user", user.Namespace())
		syncOperations.WithLabelValues(opPull, "stale").Inc()
		return false, nil
	}

	var taskMerge TaskMerge
	planner.HydrateWith(taskSnap.Epoch, func(current []plan.DailyTask) []plan.DailyTask {
		taskMerge = MergeTasks(current, set.tasks)
		return taskMerge.Tasks
	})

	elapsed := time.Since(started)
	pullDuration.Observe(elapsed.Seconds())
	r.report(opPull, user, nil)
	r.setLastPull(nil)

	if stateMerge.LocalAhead {
		state := store.Serialize()
		r.spawn(func() { r.pushState(user, state) })
	}
	if len(taskMerge.Push) > 0 {
		push := taskMerge.Push
		r.spawn(func() { r.pushTasks(user, push) })
	}
	if len(stateMerge.MissingDays) > 0 {
		days := stateMerge.MissingDays
		r.spawn(func() { r.pushDays(user, days) })
	}

	if r.publisher != nil {
		if err := r.publisher.Publish(shared.NewSyncCompletedEvent(user, true, elapsed)); err != nil {
			r.logger.Debug("event not published", "error", err)
		}
	}
	return true, nil
}

func (r *Reconciler) report(op string, user shared.UserID, err error) {
	observe(op, err)
	if err != nil {
		r.logger.Warn("sync operation failed", "op", op, "user", user.Namespace(), "error", err)
	}
}

func (r *Reconciler) setLastPull(err error) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	r.lastErr = err
	if err == nil {
		r.lastPullAt = time.Now()
	}
}
