package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eightweek/companion/internal/domain/plan"
	"github.com/eightweek/companion/internal/domain/progress"
	"github.com/eightweek/companion/internal/domain/shared"
)

// Metrics hash fields.
const (
	fieldXP           = "xp"
	fieldStreak       = "streak"
	fieldLastActive   = "lastActive"
	fieldAchievements = "achievements"
	fieldUpdatedAt    = "updatedAt"
	fieldUpdatedBy    = "updatedBy"
)

// RemoteRepository implements progress.RemoteRepository for Redis.
//
// Metrics and topic writes go through Lua scripts that keep a stored record
// whose updatedAt is newer than the incoming one, matching the Postgres
// upsert guard. Tasks and activity days are plain overwrites.
//
// A stored value that cannot be decoded is logged and left out of the
// result; the rest of the record set is still returned.
type RemoteRepository struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// NewRemoteRepository creates a new RemoteRepository. A nil logger uses
// slog.Default.
func NewRemoteRepository(client redis.UniversalClient, logger *slog.Logger) *RemoteRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteRepository{client: client, logger: logger.With("component", "redis_remote")}
}

var _ progress.RemoteRepository = (*RemoteRepository)(nil)

// ══════════════════════════════════════════════════════════════════════════════
// SCRIPTS
// ══════════════════════════════════════════════════════════════════════════════

// Stamps are written in a fixed-width UTC layout so the scripts can compare
// them as strings. An empty incoming stamp never replaces a stamped record.

// upsertMetricsScript: KEYS[1] metrics hash, ARGV[1] incoming updatedAt,
// ARGV[2..] field/value pairs. Returns 1 when written.
var upsertMetricsScript = redis.NewScript(`
local stored = redis.call('HGET', KEYS[1], 'updatedAt')
if stored and stored ~= '' and (ARGV[1] == '' or ARGV[1] < stored) then
	return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 2))
return 1
`)

// upsertTopicsScript: KEYS[1] topics hash, ARGV holds (id, updatedAt, json)
// triples. Returns the number of rows written.
var upsertTopicsScript = redis.NewScript(`
local written = 0
for i = 1, #ARGV, 3 do
	local keep = false
	local current = redis.call('HGET', KEYS[1], ARGV[i])
	if current then
		local stored = string.match(current, '"updatedAt":"([^"]*)"')
		if stored and stored ~= '' then
			keep = ARGV[i + 1] == '' or ARGV[i + 1] < stored
		end
	end
	if not keep then
		redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 2])
		written = written + 1
	end
end
return written
`)

// ══════════════════════════════════════════════════════════════════════════════
// METRICS
// ══════════════════════════════════════════════════════════════════════════════

// GetMetrics returns the metrics record of user, or nil when there is none.
func (r *RemoteRepository) GetMetrics(ctx context.Context, user shared.UserID) (*progress.RemoteMetrics, error) {
	fields, err := r.client.HGetAll(ctx, UserKey(user.String(), RecordMetrics)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	m, err := decodeMetrics(fields)
	if err != nil {
		r.logger.Warn("discarding corrupt metrics fields", "user", user.Namespace(), "error", err)
	}
	return m, nil
}

// UpsertMetrics replaces the metrics record of user unless the stored one
// is newer.
func (r *RemoteRepository) UpsertMetrics(ctx context.Context, user shared.UserID, m progress.RemoteMetrics) error {
	fields, err := encodeMetrics(m)
	if err != nil {
		return err
	}

	args := make([]any, 0, 1+2*len(fields))
	args = append(args, fields[fieldUpdatedAt])
	for k, v := range fields {
		args = append(args, k, v)
	}

	written, err := upsertMetricsScript.Run(ctx, r.client, []string{UserKey(user.String(), RecordMetrics)}, args...).Int()
	if err != nil {
		return fmt.Errorf("failed to upsert metrics: %w", err)
	}
	if written == 0 {
		r.logger.Debug("kept newer remote metrics", "user", user.Namespace())
	}
	return nil
}

func encodeMetrics(m progress.RemoteMetrics) (map[string]any, error) {
	achievements := m.Achievements
	if achievements == nil {
		achievements = []string{}
	}
	raw, err := json.Marshal(achievements)
	if err != nil {
		return nil, fmt.Errorf("failed to encode achievements: %w", err)
	}
	return map[string]any{
		fieldXP:           m.XP,
		fieldStreak:       m.Streak,
		fieldLastActive:   m.LastActive.String(),
		fieldAchievements: string(raw),
		fieldUpdatedAt:    formatTime(m.UpdatedAt),
		fieldUpdatedBy:    m.UpdatedBy,
	}, nil
}

// decodeMetrics always returns a record. Fields that do not decode keep
// their zero value and are reported together in the error.
func decodeMetrics(fields map[string]string) (*progress.RemoteMetrics, error) {
	var (
		m    progress.RemoteMetrics
		errs []error
	)
	corrupt := func(field string, err error) {
		errs = append(errs, fmt.Errorf("%w: metrics %s: %v", ErrCorruptRecord, field, err))
	}

	if raw, ok := fields[fieldXP]; ok {
		xp, err := strconv.Atoi(raw)
		if err != nil {
			corrupt(fieldXP, err)
		}
		m.XP = max(xp, 0)
	}
	if raw, ok := fields[fieldStreak]; ok {
		streak, err := strconv.Atoi(raw)
		if err != nil {
			corrupt(fieldStreak, err)
		}
		m.Streak = max(streak, 0)
	}
	if raw := fields[fieldAchievements]; raw != "" {
		var achievements []string
		if err := json.Unmarshal([]byte(raw), &achievements); err != nil {
			corrupt(fieldAchievements, err)
		} else {
			m.Achievements = achievements
		}
	}
	if at, err := parseTime(fields[fieldUpdatedAt]); err != nil {
		corrupt(fieldUpdatedAt, err)
	} else {
		m.UpdatedAt = at
	}
	if d := shared.Day(fields[fieldLastActive]); d.IsValid() {
		m.LastActive = d
	} else if d != "" {
		corrupt(fieldLastActive, fmt.Errorf("invalid day %q", d))
	}
	m.UpdatedBy = fields[fieldUpdatedBy]
	return &m, errors.Join(errs...)
}

// ══════════════════════════════════════════════════════════════════════════════
// TOPICS
// ══════════════════════════════════════════════════════════════════════════════

// topicRecord is the JSON form of a topic row. UpdatedAt uses the stamp
// layout read by upsertTopicsScript.
type topicRecord struct {
	Status       string     `json:"status"`
	LastTouched  shared.Day `json:"lastTouched,omitempty"`
	InProgressXP bool       `json:"inProgressXp"`
	CompleteXP   bool       `json:"completeXp"`
	UpdatedAt    string     `json:"updatedAt"`
	UpdatedBy    string     `json:"updatedBy,omitempty"`
}

// GetTopics returns all topic rows of user.
func (r *RemoteRepository) GetTopics(ctx context.Context, user shared.UserID) ([]progress.RemoteTopic, error) {
	fields, err := r.client.HGetAll(ctx, UserKey(user.String(), RecordTopics)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get topics: %w", err)
	}

	out := make([]progress.RemoteTopic, 0, len(fields))
	for id, raw := range fields {
		row, err := decodeTopic(id, raw)
		if err != nil {
			r.logger.Warn("skipping corrupt topic record", "user", user.Namespace(), "topic", id, "error", err)
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

func decodeTopic(id, raw string) (progress.RemoteTopic, error) {
	var rec topicRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return progress.RemoteTopic{}, fmt.Errorf("%w: topic %s: %v", ErrCorruptRecord, id, err)
	}
	at, err := parseTime(rec.UpdatedAt)
	if err != nil {
		return progress.RemoteTopic{}, fmt.Errorf("%w: topic %s updatedAt: %v", ErrCorruptRecord, id, err)
	}
	if !rec.LastTouched.IsValid() {
		rec.LastTouched = ""
	}
	return progress.RemoteTopic{
		TopicID:     id,
		Status:      rec.Status,
		LastTouched: rec.LastTouched,
		XPFlags:     progress.XPFlags{InProgress: rec.InProgressXP, Complete: rec.CompleteXP},
		UpdatedAt:   at,
		UpdatedBy:   rec.UpdatedBy,
	}, nil
}

// UpsertTopics writes the given topic rows of user in one round trip. A
// stored row newer than the incoming one is kept.
func (r *RemoteRepository) UpsertTopics(ctx context.Context, user shared.UserID, rows []progress.RemoteTopic) error {
	if len(rows) == 0 {
		return nil
	}

	args := make([]any, 0, 3*len(rows))
	for _, t := range rows {
		stamp := formatTime(t.UpdatedAt)
		raw, err := json.Marshal(topicRecord{
			Status:       t.Status,
			LastTouched:  t.LastTouched,
			InProgressXP: t.XPFlags.InProgress,
			CompleteXP:   t.XPFlags.Complete,
			UpdatedAt:    stamp,
			UpdatedBy:    t.UpdatedBy,
		})
		if err != nil {
			return fmt.Errorf("failed to encode topic %s: %w", t.TopicID, err)
		}
		args = append(args, t.TopicID, stamp, string(raw))
	}

	written, err := upsertTopicsScript.Run(ctx, r.client, []string{UserKey(user.String(), RecordTopics)}, args...).Int()
	if err != nil {
		return fmt.Errorf("failed to upsert topics: %w", err)
	}
	if written < len(rows) {
		r.logger.Debug("kept newer remote topic rows", "user", user.Namespace(), "kept", len(rows)-written)
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// TASKS
// ══════════════════════════════════════════════════════════════════════════════

// GetTasks returns the task calendar of user in date order.
func (r *RemoteRepository) GetTasks(ctx context.Context, user shared.UserID) ([]plan.DailyTask, error) {
	fields, err := r.client.HGetAll(ctx, UserKey(user.String(), RecordTasks)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get tasks: %w", err)
	}

	out := make([]plan.DailyTask, 0, len(fields))
	for id, raw := range fields {
		var t plan.DailyTask
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			r.logger.Warn("skipping corrupt task record", "user", user.Namespace(), "task", id, "error", err)
			continue
		}
		if !t.Date.IsValid() || !t.Kind.IsValid() {
			r.logger.Warn("skipping corrupt task record", "user", user.Namespace(), "task", id,
				"error", fmt.Errorf("%w: date %q kind %q", ErrCorruptRecord, t.Date, t.Kind))
			continue
		}
		t.ID = id
		out = append(out, t)
	}
	plan.Sort(out)
	return out, nil
}

// UpsertTasks writes the given tasks of user in one round trip.
func (r *RemoteRepository) UpsertTasks(ctx context.Context, user shared.UserID, tasks []plan.DailyTask) error {
	if len(tasks) == 0 {
		return nil
	}

	values := make(map[string]any, len(tasks))
	for _, t := range tasks {
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("failed to encode task %s: %w", t.ID, err)
		}
		values[t.ID] = string(raw)
	}

	if err := r.client.HSet(ctx, UserKey(user.String(), RecordTasks), values).Err(); err != nil {
		return fmt.Errorf("failed to upsert tasks: %w", err)
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// ACTIVITY
// ══════════════════════════════════════════════════════════════════════════════

// GetActivityDays returns the active days of user. Invalid members are
// skipped.
func (r *RemoteRepository) GetActivityDays(ctx context.Context, user shared.UserID) ([]shared.Day, error) {
	members, err := r.client.SMembers(ctx, UserKey(user.String(), RecordActivity)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get activity days: %w", err)
	}

	out := make([]shared.Day, 0, len(members))
	for _, m := range members {
		if d := shared.Day(m); d.IsValid() {
			out = append(out, d)
		}
	}
	return out, nil
}

// UpsertActivityDays adds the given days to the activity set of user.
func (r *RemoteRepository) UpsertActivityDays(ctx context.Context, user shared.UserID, days []shared.Day) error {
	members := make([]any, 0, len(days))
	for _, d := range days {
		if d.IsValid() {
			members = append(members, d.String())
		}
	}
	if len(members) == 0 {
		return nil
	}

	if err := r.client.SAdd(ctx, UserKey(user.String(), RecordActivity), members...).Err(); err != nil {
		return fmt.Errorf("failed to upsert activity days: %w", err)
	}
	return nil
}

// Ping reports whether the server is reachable.
func (r *RemoteRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (r *RemoteRepository) Close() error {
	if err := r.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}

// stampLayout is RFC 3339 with a fixed nine-digit fraction, so stamps sort
// as strings.
const stampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(stampLayout)
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}
