package tracker

import (
	"log/slog"
	"reflect"
	"sync"

	"github.com/eightweek/companion/internal/domain/curriculum"
	"github.com/eightweek/companion/internal/domain/plan"
	"github.com/eightweek/companion/internal/domain/shared"
	"github.com/eightweek/companion/pkg/timeutil"
)

// ActivityRecorder is notified when a planner action counts as activity.
type ActivityRecorder interface {
	RecordActivity(day shared.Day)
}

// TaskSnapshot is the task list handed to planner listeners.
type TaskSnapshot struct {
	User   shared.UserID
	Epoch  uint64
	Origin Origin
	Tasks  []plan.DailyTask
}

// TaskListener receives a snapshot after every task list change. The same
// locking rules as for Listener apply.
type TaskListener func(TaskSnapshot)

type taskListenerEntry struct {
	id uint64
	fn TaskListener
}

// PlannerConfig contains the dependencies of a Planner.
type PlannerConfig struct {
	Storage    Storage
	Curriculum *curriculum.Curriculum
	Clock      timeutil.Clock
	Publisher  shared.EventPublisher
	Logger     *slog.Logger

	// Activity receives a RecordActivity call for every toggled task.
	Activity ActivityRecorder

	User shared.UserID
}

// Planner owns the generated task calendar of the active user.
type Planner struct {
	mu sync.Mutex

	storage    Storage
	curriculum *curriculum.Curriculum
	clock      timeutil.Clock
	publisher  shared.EventPublisher
	activity   ActivityRecorder
	logger     *slog.Logger

	user      shared.UserID
	epoch     uint64
	tasks     []plan.DailyTask
	listeners []taskListenerEntry
	nextID    uint64
}

// NewPlanner creates a planner and loads the configured user's tasks.
func NewPlanner(cfg PlannerConfig) *Planner {
	if cfg.Curriculum == nil {
		cfg.Curriculum = curriculum.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.SystemClock{}
	}
	if cfg.Publisher == nil {
		cfg.Publisher = noopPublisher{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	p := &Planner{
		storage:    cfg.Storage,
		curriculum: cfg.Curriculum,
		clock:      cfg.Clock,
		publisher:  cfg.Publisher,
		activity:   cfg.Activity,
		logger:     cfg.Logger.With("component", "planner"),
		user:       cfg.User,
	}
	p.tasks = p.load(cfg.User)
	return p
}

// Generate replaces the task list with a fresh calendar starting at start.
// Done flags of the previous list are not carried over.
func (p *Planner) Generate(start shared.Day) []plan.DailyTask {
	if !start.IsValid() {
		return nil
	}

	p.mu.Lock()
	now := p.clock.Now()
	tasks := plan.Generate(p.curriculum, start)
	for i := range tasks {
		tasks[i].UpdatedAt = now
	}
	p.tasks = tasks
	p.commitLocked("generate_plan", OriginLocal)
	user := p.user
	out := plan.Clone(tasks)
	p.mu.Unlock()

	p.logger.Info("plan generated", "user", user.Namespace(), "start", start.String(), "tasks", len(out))
	p.publish(shared.NewPlanGeneratedEvent(user, start, len(out)))
	return out
}

// Toggle flips the done flag of task id and reports whether it exists.
// A toggle also counts as activity for today.
func (p *Planner) Toggle(id string) bool {
	p.mu.Lock()
	now := p.clock.Now()
	task, ok := plan.Toggle(p.tasks, id, now)
	if !ok {
		p.mu.Unlock()
		return false
	}
	p.commitLocked("toggle_task", OriginLocal)
	user := p.user
	p.mu.Unlock()

	p.publish(shared.NewTaskToggledEvent(user, task.ID, task.Done))
	if p.activity != nil {
		p.activity.RecordActivity(shared.DayOf(now))
	}
	return true
}

// HydrateWith merges under the planner lock, like Store.HydrateWith.
func (p *Planner) HydrateWith(epoch uint64, merge func(current []plan.DailyTask) []plan.DailyTask) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if epoch != p.epoch {
		p.logger.Debug("dropping stale tasks", "epoch", epoch, "current", p.epoch)
		return false
	}
	next := merge(plan.Clone(p.tasks))
	if reflect.DeepEqual(next, p.tasks) || (len(next) == 0 && len(p.tasks) == 0) {
		return true
	}
	p.tasks = next
	p.commitLocked("hydrate_tasks", OriginRemote)
	return true
}

// SwitchUser loads the task list stored for user.
func (p *Planner) SwitchUser(user shared.UserID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.user = user
	p.epoch++
	p.tasks = p.load(user)
	p.notifyLocked(OriginSession)
}

// Reset drops the task list of the active user. The stored key is removed
// by Store.ResetUserData, which deletes the whole namespace.
func (p *Planner) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.epoch++
	p.tasks = nil
	storeMutations.WithLabelValues("reset_tasks").Inc()
	p.notifyLocked(OriginReset)
}

// Subscribe registers l, calls it immediately and returns a function that
// removes it.
func (p *Planner) Subscribe(l TaskListener) func() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	id := p.nextID
	p.listeners = append(p.listeners, taskListenerEntry{id: id, fn: l})
	l(p.snapshotLocked(OriginInitial))

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, e := range p.listeners {
			if e.id == id {
				p.listeners = append(p.listeners[:i:i], p.listeners[i+1:]...)
				return
			}
		}
	}
}

// Tasks returns a copy of the full task list.
func (p *Planner) Tasks() []plan.DailyTask {
	p.mu.Lock()
	defer p.mu.Unlock()
	return plan.Clone(p.tasks)
}

// Today returns the tasks dated today.
func (p *Planner) Today() []plan.DailyTask {
	p.mu.Lock()
	defer p.mu.Unlock()
	return plan.OnDay(p.tasks, shared.Today(p.clock))
}

// Task returns the task with id.
func (p *Planner) Task(id string) (plan.DailyTask, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return plan.Find(p.tasks, id)
}

// Progress summarises completion of the whole calendar.
func (p *Planner) Progress() plan.Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return plan.Summarize(p.tasks)
}

// Snapshot returns the task list with the user and epoch it belongs to.
func (p *Planner) Snapshot() TaskSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked(OriginLocal)
}

func (p *Planner) load(user shared.UserID) []plan.DailyTask {
	r := kvReader{storage: p.storage, user: user, logger: p.logger}
	var tasks []plan.DailyTask
	if !r.readJSON(KeyTasks, &tasks) {
		return nil
	}
	return tasks
}

func (p *Planner) commitLocked(op string, origin Origin) {
	key := Key(p.user, KeyTasks)
	tasks := p.tasks
	if tasks == nil {
		tasks = []plan.DailyTask{}
	}
	raw, err := encodeJSON(tasks)
	if err == nil {
		err = p.storage.Set(key, raw)
	}
	if err != nil {
		p.logger.Warn("storage write failed", "op", "set", "key", key, "user", p.user.Namespace(), "error", err)
	}
	storeMutations.WithLabelValues(op).Inc()
	p.notifyLocked(origin)
}

func (p *Planner) snapshotLocked(origin Origin) TaskSnapshot {
	return TaskSnapshot{User: p.user, Epoch: p.epoch, Origin: origin, Tasks: plan.Clone(p.tasks)}
}

func (p *Planner) notifyLocked(origin Origin) {
	for _, l := range p.listeners {
		l.fn(p.snapshotLocked(origin))
	}
}

func (p *Planner) publish(e shared.Event) {
	if err := p.publisher.Publish(e); err != nil {
		p.logger.Debug("event not published", "event_type", e.EventType(), "error", err)
	}
}
