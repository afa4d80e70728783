// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages.
package shared

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event.
type EventType string

// Domain event types. The reconciler and the metrics layer react to these;
// the UI listeners use store snapshots instead.
const (
	// Progress events
	EventTopicStatusChanged  EventType = "progress.status_changed"
	EventNoteAdded           EventType = "progress.note_added"
	EventAchievementUnlocked EventType = "progress.achievement_unlocked"
	EventLevelUp             EventType = "progress.level_up"

	// Activity events
	EventActivityRecorded EventType = "activity.recorded"

	// Plan events
	EventPlanGenerated EventType = "plan.generated"
	EventTaskToggled   EventType = "plan.task_toggled"

	// Session events
	EventUserSwitched EventType = "session.user_switched"
	EventDataReset    EventType = "session.data_reset"

	// System events
	EventSyncCompleted EventType = "system.sync_completed"
)

// Event is the base interface for all domain events.
type Event interface {
	// EventID returns the unique id of this occurrence.
	EventID() string

	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the namespace of the user that produced this event.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	AggregateId string    `json:"aggregate_id"`
	Version     int       `json:"version"`
}

// EventID implements Event interface.
func (e BaseEvent) EventID() string {
	return e.ID
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// NewBaseEvent creates a new base event.
func NewBaseEvent(eventType EventType, user UserID) BaseEvent {
	return BaseEvent{
		ID:          uuid.NewString(),
		Type:        eventType,
		Timestamp:   time.Now(),
		AggregateId: user.Namespace(),
		Version:     1,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Progress Events
// ═══════════════════════════════════════════════════════════════════════════

// TopicStatusChangedEvent is emitted after a status transition was applied.
type TopicStatusChangedEvent struct {
	BaseEvent
	UserID  UserID `json:"user_id"`
	TopicID string `json:"topic_id"`
	From    string `json:"from"`
	To      string `json:"to"`
	XPDelta int    `json:"xp_delta"`
	TotalXP int    `json:"total_xp"`
}

// Payload implements Event interface.
func (e TopicStatusChangedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":  e.UserID.String(),
		"topic_id": e.TopicID,
		"from":     e.From,
		"to":       e.To,
		"xp_delta": e.XPDelta,
		"total_xp": e.TotalXP,
	}
}

// NewTopicStatusChangedEvent creates a new TopicStatusChangedEvent.
func NewTopicStatusChangedEvent(user UserID, topicID, from, to string, delta, total int) TopicStatusChangedEvent {
	return TopicStatusChangedEvent{
		BaseEvent: NewBaseEvent(EventTopicStatusChanged, user),
		UserID:    user,
		TopicID:   topicID,
		From:      from,
		To:        to,
		XPDelta:   delta,
		TotalXP:   total,
	}
}

// NoteAddedEvent is emitted when a daily note is written for a topic.
type NoteAddedEvent struct {
	BaseEvent
	UserID  UserID `json:"user_id"`
	TopicID string `json:"topic_id"`
	Day     Day    `json:"day"`
}

// Payload implements Event interface.
func (e NoteAddedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":  e.UserID.String(),
		"topic_id": e.TopicID,
		"day":      e.Day.String(),
	}
}

// NewNoteAddedEvent creates a new NoteAddedEvent.
func NewNoteAddedEvent(user UserID, topicID string, day Day) NoteAddedEvent {
	return NoteAddedEvent{
		BaseEvent: NewBaseEvent(EventNoteAdded, user),
		UserID:    user,
		TopicID:   topicID,
		Day:       day,
	}
}

// AchievementUnlockedEvent is emitted once per badge.
type AchievementUnlockedEvent struct {
	BaseEvent
	UserID  UserID `json:"user_id"`
	BadgeID string `json:"badge_id"`
	Bonus   int    `json:"bonus"`
}

// Payload implements Event interface.
func (e AchievementUnlockedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":  e.UserID.String(),
		"badge_id": e.BadgeID,
		"bonus":    e.Bonus,
	}
}

// NewAchievementUnlockedEvent creates a new AchievementUnlockedEvent.
func NewAchievementUnlockedEvent(user UserID, badgeID string, bonus int) AchievementUnlockedEvent {
	return AchievementUnlockedEvent{
		BaseEvent: NewBaseEvent(EventAchievementUnlocked, user),
		UserID:    user,
		BadgeID:   badgeID,
		Bonus:     bonus,
	}
}

// LevelUpEvent is emitted when total XP crosses a level threshold.
type LevelUpEvent struct {
	BaseEvent
	UserID   UserID `json:"user_id"`
	OldLevel int    `json:"old_level"`
	NewLevel int    `json:"new_level"`
	TotalXP  int    `json:"total_xp"`
}

// Payload implements Event interface.
func (e LevelUpEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":   e.UserID.String(),
		"old_level": e.OldLevel,
		"new_level": e.NewLevel,
		"total_xp":  e.TotalXP,
	}
}

// NewLevelUpEvent creates a new LevelUpEvent.
func NewLevelUpEvent(user UserID, oldLevel, newLevel, totalXP int) LevelUpEvent {
	return LevelUpEvent{
		BaseEvent: NewBaseEvent(EventLevelUp, user),
		UserID:    user,
		OldLevel:  oldLevel,
		NewLevel:  newLevel,
		TotalXP:   totalXP,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Activity Events
// ═══════════════════════════════════════════════════════════════════════════

// ActivityRecordedEvent is emitted the first time a day is marked active.
type ActivityRecordedEvent struct {
	BaseEvent
	UserID UserID `json:"user_id"`
	Day    Day    `json:"day"`
	Streak int    `json:"streak"`
}

// Payload implements Event interface.
func (e ActivityRecordedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id": e.UserID.String(),
		"day":     e.Day.String(),
		"streak":  e.Streak,
	}
}

// NewActivityRecordedEvent creates a new ActivityRecordedEvent.
func NewActivityRecordedEvent(user UserID, day Day, streak int) ActivityRecordedEvent {
	return ActivityRecordedEvent{
		BaseEvent: NewBaseEvent(EventActivityRecorded, user),
		UserID:    user,
		Day:       day,
		Streak:    streak,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Plan Events
// ═══════════════════════════════════════════════════════════════════════════

// PlanGeneratedEvent is emitted when the task calendar is (re)generated.
type PlanGeneratedEvent struct {
	BaseEvent
	UserID    UserID `json:"user_id"`
	Start     Day    `json:"start"`
	TaskCount int    `json:"task_count"`
}

// Payload implements Event interface.
func (e PlanGeneratedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":    e.UserID.String(),
		"start":      e.Start.String(),
		"task_count": e.TaskCount,
	}
}

// NewPlanGeneratedEvent creates a new PlanGeneratedEvent.
func NewPlanGeneratedEvent(user UserID, start Day, count int) PlanGeneratedEvent {
	return PlanGeneratedEvent{
		BaseEvent: NewBaseEvent(EventPlanGenerated, user),
		UserID:    user,
		Start:     start,
		TaskCount: count,
	}
}

// TaskToggledEvent is emitted when a task's done flag flips.
type TaskToggledEvent struct {
	BaseEvent
	UserID UserID `json:"user_id"`
	TaskID string `json:"task_id"`
	Done   bool   `json:"done"`
}

// Payload implements Event interface.
func (e TaskToggledEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id": e.UserID.String(),
		"task_id": e.TaskID,
		"done":    e.Done,
	}
}

// NewTaskToggledEvent creates a new TaskToggledEvent.
func NewTaskToggledEvent(user UserID, taskID string, done bool) TaskToggledEvent {
	return TaskToggledEvent{
		BaseEvent: NewBaseEvent(EventTaskToggled, user),
		UserID:    user,
		TaskID:    taskID,
		Done:      done,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Session Events
// ═══════════════════════════════════════════════════════════════════════════

// UserSwitchedEvent is emitted after the active namespace changed.
type UserSwitchedEvent struct {
	BaseEvent
	From UserID `json:"from"`
	To   UserID `json:"to"`
}

// Payload implements Event interface.
func (e UserSwitchedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"from": e.From.Namespace(),
		"to":   e.To.Namespace(),
	}
}

// NewUserSwitchedEvent creates a new UserSwitchedEvent.
func NewUserSwitchedEvent(from, to UserID) UserSwitchedEvent {
	return UserSwitchedEvent{
		BaseEvent: NewBaseEvent(EventUserSwitched, to),
		From:      from,
		To:        to,
	}
}

// DataResetEvent is emitted after a namespace was wiped.
type DataResetEvent struct {
	BaseEvent
	UserID UserID `json:"user_id"`
}

// Payload implements Event interface.
func (e DataResetEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id": e.UserID.String(),
	}
}

// NewDataResetEvent creates a new DataResetEvent.
func NewDataResetEvent(user UserID) DataResetEvent {
	return DataResetEvent{
		BaseEvent: NewBaseEvent(EventDataReset, user),
		UserID:    user,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// System Events
// ═══════════════════════════════════════════════════════════════════════════

// SyncCompletedEvent is emitted after a pull pass finished.
type SyncCompletedEvent struct {
	BaseEvent
	UserID   UserID        `json:"user_id"`
	Applied  bool          `json:"applied"`
	Duration time.Duration `json:"duration"`
}

// Payload implements Event interface.
func (e SyncCompletedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":  e.UserID.String(),
		"applied":  e.Applied,
		"duration": e.Duration.String(),
	}
}

// NewSyncCompletedEvent creates a new SyncCompletedEvent.
func NewSyncCompletedEvent(user UserID, applied bool, d time.Duration) SyncCompletedEvent {
	return SyncCompletedEvent{
		BaseEvent: NewBaseEvent(EventSyncCompleted, user),
		UserID:    user,
		Applied:   applied,
		Duration:  d,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Bus contracts
// ═══════════════════════════════════════════════════════════════════════════

// EventHandler is a function that handles an event.
type EventHandler func(event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish sends an event to subscribers.
	Publish(event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
// The returned function removes the handler again.
type EventSubscriber interface {
	// Subscribe registers a handler for an event type.
	Subscribe(eventType EventType, handler EventHandler) (func(), error)

	// SubscribeAll registers a handler for all events.
	SubscribeAll(handler EventHandler) (func(), error)
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}
