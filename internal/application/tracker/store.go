package tracker

import (
	"log/slog"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/eightweek/companion/internal/domain/activity"
	"github.com/eightweek/companion/internal/domain/curriculum"
	"github.com/eightweek/companion/internal/domain/progress"
	"github.com/eightweek/companion/internal/domain/shared"
	"github.com/eightweek/companion/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// NOTIFICATIONS
// ══════════════════════════════════════════════════════════════════════════════

// Origin tells a listener what produced a notification.
type Origin string

const (
	// OriginInitial is the immediate call made by Subscribe.
	OriginInitial Origin = "initial"

	// OriginLocal marks a mutation made on this device.
	OriginLocal Origin = "local"

	// OriginRemote marks state applied from a pull.
	OriginRemote Origin = "remote"

	// OriginSession marks a reload after the active user changed.
	OriginSession Origin = "session"

	// OriginReset marks a wipe of the local copy. It is never pushed.
	OriginReset Origin = "reset"
)

// Snapshot is an immutable copy of the store handed to listeners.
type Snapshot struct {
	User   shared.UserID
	Epoch  uint64
	Origin Origin
	State  progress.AppState
}

// Listener receives a snapshot after every change. Listeners run on the
// mutating goroutine while the store is locked and must not call back
// into the store.
type Listener func(Snapshot)

type listenerEntry struct {
	id uint64
	fn Listener
}

type noopPublisher struct{}

func (noopPublisher) Publish(shared.Event) error { return nil }

// ══════════════════════════════════════════════════════════════════════════════
// STORE
// ══════════════════════════════════════════════════════════════════════════════

// StoreConfig contains the dependencies of a Store.
type StoreConfig struct {
	Storage    Storage
	Curriculum *curriculum.Curriculum
	Clock      timeutil.Clock
	Publisher  shared.EventPublisher
	Logger     *slog.Logger

	// User is the namespace loaded at construction.
	User shared.UserID
}

// Store is the authoritative in-memory progress state of the active user.
type Store struct {
	mu sync.Mutex

	storage    Storage
	curriculum *curriculum.Curriculum
	clock      timeutil.Clock
	publisher  shared.EventPublisher
	logger     *slog.Logger

	user      shared.UserID
	epoch     uint64
	state     progress.AppState
	listeners []listenerEntry
	nextID    uint64
}

// NewStore creates a store and loads the configured user's namespace.
func NewStore(cfg StoreConfig) *Store {
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

	s := &Store{
		storage:    cfg.Storage,
		curriculum: cfg.Curriculum,
		clock:      cfg.Clock,
		publisher:  cfg.Publisher,
		logger:     cfg.Logger.With("component", "store"),
		user:       cfg.User,
	}
	s.state = s.load(cfg.User)
	return s
}

// ══════════════════════════════════════════════════════════════════════════════
// MUTATIONS
// ══════════════════════════════════════════════════════════════════════════════

// SetStatus moves a topic to status. Unknown ids, invalid statuses and the
// current status are ignored.
func (s *Store) SetStatus(topicID string, status progress.Status) {
	s.mu.Lock()
	now := s.clock.Now()
	today := shared.DayOf(now)
	levelBefore := progress.Level(s.state.XP).Level

	tr, ok := s.state.ApplyStatus(topicID, status, today, now)
	if !ok {
		s.mu.Unlock()
		return
	}

	events := []shared.Event{shared.NewTopicStatusChangedEvent(
		s.user, tr.TopicID, string(tr.From), string(tr.To), tr.XPDelta, s.state.XP,
	)}
	events = append(events, s.evaluateLocked(now)...)
	events = append(events, s.recordLocked(today, now)...)
	events = append(events, s.evaluateLocked(now)...)
	events = append(events, s.levelUpLocked(levelBefore)...)

	s.commitLocked("set_status", OriginLocal)
	s.mu.Unlock()

	s.publish(events)
}

// AddDailyNote stores note as today's note for a topic. Unknown ids and
// blank notes are ignored.
func (s *Store) AddDailyNote(topicID, note string) {
	s.mu.Lock()
	now := s.clock.Now()
	today := shared.DayOf(now)
	levelBefore := progress.Level(s.state.XP).Level

	if !s.state.AddNote(topicID, note, today) {
		s.mu.Unlock()
		return
	}

	events := []shared.Event{shared.NewNoteAddedEvent(s.user, topicID, today)}
	events = append(events, s.recordLocked(today, now)...)
	events = append(events, s.evaluateLocked(now)...)
	events = append(events, s.levelUpLocked(levelBefore)...)

	s.commitLocked("add_note", OriginLocal)
	s.mu.Unlock()

	s.publish(events)
}

// RecordActivity marks day as active, advancing the streak and the
// active-day set together. Recording an already active day is a no-op.
func (s *Store) RecordActivity(day shared.Day) {
	if !day.IsValid() {
		return
	}

	s.mu.Lock()
	now := s.clock.Now()
	levelBefore := progress.Level(s.state.XP).Level

	events := s.recordLocked(day, now)
	if len(events) == 0 {
		s.mu.Unlock()
		return
	}
	events = append(events, s.evaluateLocked(now)...)
	events = append(events, s.levelUpLocked(levelBefore)...)

	s.commitLocked("record_activity", OriginLocal)
	s.mu.Unlock()

	s.publish(events)
}

// recordLocked updates the activity log. The returned event is empty when
// nothing changed.
func (s *Store) recordLocked(day shared.Day, now time.Time) []shared.Event {
	log := s.state.ActivityLog()
	res := log.Record(day)
	if !res.Changed() {
		return nil
	}
	s.state.SetActivityLog(log)
	if res.StreakChanged {
		s.state.MetricsUpdatedAt = now
	}
	return []shared.Event{shared.NewActivityRecordedEvent(s.user, day, s.state.Streak)}
}

func (s *Store) evaluateLocked(now time.Time) []shared.Event {
	unlocked := progress.EvaluateAchievements(&s.state)
	if len(unlocked) == 0 {
		return nil
	}
	s.state.MetricsUpdatedAt = now

	events := make([]shared.Event, 0, len(unlocked))
	for _, badge := range unlocked {
		s.logger.Info("achievement unlocked", "user", s.user.Namespace(), "badge", badge)
		events = append(events, shared.NewAchievementUnlockedEvent(s.user, badge, progress.AchievementBonus))
	}
	return events
}

func (s *Store) levelUpLocked(before int) []shared.Event {
	after := progress.Level(s.state.XP).Level
	if after <= before {
		return nil
	}
	return []shared.Event{shared.NewLevelUpEvent(s.user, before, after, s.state.XP)}
}

// ══════════════════════════════════════════════════════════════════════════════
// SESSION OPERATIONS
// ══════════════════════════════════════════════════════════════════════════════

// SwitchUser replaces the in-memory state with the stored state of user.
// The zero UserID selects the anonymous namespace.
func (s *Store) SwitchUser(user shared.UserID) {
	s.mu.Lock()
	from := s.user
	s.user = user
	s.epoch++
	s.state = s.load(user)
	storeMutations.WithLabelValues("switch_user").Inc()
	s.notifyLocked(OriginSession)
	s.mu.Unlock()

	s.logger.Info("user switched", "from", from.Namespace(), "to", user.Namespace())
	s.publish([]shared.Event{shared.NewUserSwitchedEvent(from, user)})
}

// ResetUserData deletes every stored key of the active user and starts
// over from defaults. The fresh state carries no timestamps, so every
// remote record wins the next merge and the cloud copy comes back.
func (s *Store) ResetUserData() {
	s.mu.Lock()

	if err := s.storage.DeletePrefix(Namespace(s.user)); err != nil {
		s.logger.Warn("storage reset failed", "op", "delete_prefix", "user", s.user.Namespace(), "error", err)
	}

	s.epoch++
	s.state = progress.NewState(s.curriculum)

	s.writeVersionLocked()
	storeMutations.WithLabelValues("reset").Inc()
	s.notifyLocked(OriginReset)
	user := s.user
	s.mu.Unlock()

	s.logger.Info("user data reset", "user", user.Namespace())
	s.publish([]shared.Event{shared.NewDataResetEvent(user)})
}

// HydrateWith merges under the store lock: merge receives a copy of the
// current state and returns the state to apply, which is persisted and
// announced with OriginRemote. Nothing is applied when the epoch changed,
// and nothing is written when the result equals the current state. It
// reports whether the epoch still matched.
func (s *Store) HydrateWith(epoch uint64, merge func(current progress.AppState) progress.AppState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		s.logger.Debug("dropping stale merge", "epoch", epoch, "current", s.epoch)
		return false
	}
	next := merge(s.state.Clone()).AlignTo(s.curriculum)
	if reflect.DeepEqual(next, s.state) {
		return true
	}
	s.state = next
	s.commitLocked("hydrate", OriginRemote)
	return true
}

// ══════════════════════════════════════════════════════════════════════════════
// QUERIES
// ══════════════════════════════════════════════════════════════════════════════

// Subscribe registers l, calls it immediately with the current state and
// returns a function that removes it.
func (s *Store) Subscribe(l Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listenerEntry{id: id, fn: l})
	l(s.snapshotLocked(OriginInitial))

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, e := range s.listeners {
			if e.id == id {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

// Serialize returns a deep copy of the current state.
func (s *Store) Serialize() progress.AppState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Snapshot returns the state together with the user and epoch it belongs to.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(OriginLocal)
}

// Level returns the level of the current XP total.
func (s *Store) Level() progress.LevelInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return progress.Level(s.state.XP)
}

// UserID returns the active user.
func (s *Store) UserID() shared.UserID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// Epoch returns the session epoch. It changes on every user switch and reset.
func (s *Store) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// Heatmap returns span days of activity ending today, oldest first.
func (s *Store) Heatmap(span int) []activity.HeatCell {
	s.mu.Lock()
	defer s.mu.Unlock()
	return activity.Heatmap(s.state.ActivityDays, shared.Today(s.clock), span)
}

// Curriculum returns the topic catalogue the store is aligned to.
func (s *Store) Curriculum() *curriculum.Curriculum {
	return s.curriculum
}

// ══════════════════════════════════════════════════════════════════════════════
// PERSISTENCE
// ══════════════════════════════════════════════════════════════════════════════

type progressDoc struct {
	Topics []progress.TopicProgress `json:"topics"`
}

// load reads the namespace of user. Every key is decoded on its own, so a
// corrupt value only resets its own slice of state.
func (s *Store) load(user shared.UserID) progress.AppState {
	r := kvReader{storage: s.storage, user: user, logger: s.logger}
	state := progress.NewState(s.curriculum)

	var doc progressDoc
	if r.readJSON(KeyProgress, &doc) {
		state.Topics = doc.Topics
	}
	state.XP = r.readInt(KeyXP)
	state.Streak = r.readInt(KeyStreak)
	state.LastActive = r.readDay(KeyLastActive)

	var achievements []string
	if r.readJSON(KeyAchievements, &achievements) {
		state.Achievements = achievements
	}
	var days []shared.Day
	if r.readJSON(KeyActivity, &days) {
		state.ActivityDays = days
	}
	state.MetricsUpdatedAt = r.readTime(KeyMetricsUpdatedAt)

	return state.AlignTo(s.curriculum)
}

func (s *Store) encodeLocked() (map[string]string, error) {
	topics, err := encodeJSON(progressDoc{Topics: s.state.Topics})
	if err != nil {
		return nil, err
	}
	achievements, err := encodeJSON(s.state.Achievements)
	if err != nil {
		return nil, err
	}
	days, err := encodeJSON(s.state.ActivityDays)
	if err != nil {
		return nil, err
	}

	return map[string]string{
		Key(s.user, KeyProgress):         topics,
		Key(s.user, KeyXP):               strconv.Itoa(s.state.XP),
		Key(s.user, KeyStreak):           strconv.Itoa(s.state.Streak),
		Key(s.user, KeyLastActive):       s.state.LastActive.String(),
		Key(s.user, KeyAchievements):     achievements,
		Key(s.user, KeyActivity):         days,
		Key(s.user, KeyMetricsUpdatedAt): formatTime(s.state.MetricsUpdatedAt),
		Key(s.user, KeyVersion):          strconv.Itoa(StorageVersion),
	}, nil
}

func (s *Store) persistLocked() {
	pairs, err := s.encodeLocked()
	if err == nil {
		err = s.storage.SetMany(pairs)
	}
	if err != nil {
		s.logger.Warn("storage write failed", "op", "set_many", "user", s.user.Namespace(), "error", err)
	}
}

func (s *Store) writeVersionLocked() {
	key := Key(s.user, KeyVersion)
	if err := s.storage.Set(key, strconv.Itoa(StorageVersion)); err != nil {
		s.logger.Warn("storage write failed", "op", "set", "key", key, "user", s.user.Namespace(), "error", err)
	}
}

func (s *Store) commitLocked(op string, origin Origin) {
	s.persistLocked()
	storeMutations.WithLabelValues(op).Inc()
	s.notifyLocked(origin)
}

func (s *Store) snapshotLocked(origin Origin) Snapshot {
	return Snapshot{User: s.user, Epoch: s.epoch, Origin: origin, State: s.state.Clone()}
}

func (s *Store) notifyLocked(origin Origin) {
	for _, l := range s.listeners {
		l.fn(s.snapshotLocked(origin))
	}
}

func (s *Store) publish(events []shared.Event) {
	for _, e := range events {
		if err := s.publisher.Publish(e); err != nil {
			s.logger.Debug("event not published", "event_type", e.EventType(), "error", err)
		}
	}
}
