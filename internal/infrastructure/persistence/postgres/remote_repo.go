package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/eightweek/companion/internal/domain/plan"
	"github.com/eightweek/companion/internal/domain/progress"
	"github.com/eightweek/companion/internal/domain/shared"
)

// RemoteRepository implements progress.RemoteRepository for PostgreSQL.
//
// Upserts only overwrite a row when the incoming updated_at is not older than
// the stored one, so a slow device cannot roll back a newer write.
//
// Rows that fail to scan or carry values the companion cannot use are
// logged and skipped; the remaining rows are still returned.
type RemoteRepository struct {
	conn   *Connection
	logger *slog.Logger
}

// NewRemoteRepository creates a new RemoteRepository. A nil logger uses
// slog.Default.
func NewRemoteRepository(conn *Connection, logger *slog.Logger) *RemoteRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteRepository{conn: conn, logger: logger.With("component", "postgres_remote")}
}

var _ progress.RemoteRepository = (*RemoteRepository)(nil)

// ══════════════════════════════════════════════════════════════════════════════
// METRICS
// ══════════════════════════════════════════════════════════════════════════════

// GetMetrics returns the metrics row of user, or nil when there is none.
func (r *RemoteRepository) GetMetrics(ctx context.Context, user shared.UserID) (*progress.RemoteMetrics, error) {
	query := `
		SELECT xp, streak, last_active, achievements, updated_at, updated_by
		FROM user_metrics
		WHERE user_id = $1
	`

	var (
		m          progress.RemoteMetrics
		lastActive string
		updatedAt  *time.Time
	)
	err := r.conn.QueryRow(ctx, query, user.String()).Scan(
		&m.XP,
		&m.Streak,
		&lastActive,
		&m.Achievements,
		&updatedAt,
		&m.UpdatedBy,
	)
	if err != nil {
		if IsNoRows(err) {
			return nil, nil
		}
		if isScanError(err) {
			// Treated as absent, so the next push replaces it.
			r.logger.Warn("discarding corrupt metrics row", "user", user.Namespace(), "error", err)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get metrics: %w", err)
	}

	if d := shared.Day(lastActive); d.IsValid() {
		m.LastActive = d
	} else if d != "" {
		r.logger.Warn("discarding corrupt last_active", "user", user.Namespace(), "value", lastActive)
	}
	m.UpdatedAt = fromNullTime(updatedAt)
	return &m, nil
}

// UpsertMetrics writes the metrics row of user.
func (r *RemoteRepository) UpsertMetrics(ctx context.Context, user shared.UserID, m progress.RemoteMetrics) error {
	query := `
		INSERT INTO user_metrics (user_id, xp, streak, last_active, achievements, updated_at, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT(user_id) DO UPDATE SET
			xp = EXCLUDED.xp,
			streak = EXCLUDED.streak,
			last_active = EXCLUDED.last_active,
			achievements = EXCLUDED.achievements,
			updated_at = EXCLUDED.updated_at,
			updated_by = EXCLUDED.updated_by
		WHERE user_metrics.updated_at IS NULL
		   OR EXCLUDED.updated_at >= user_metrics.updated_at
	`

	achievements := m.Achievements
	if achievements == nil {
		achievements = []string{}
	}

	_, err := r.conn.Exec(ctx, query,
		user.String(),
		m.XP,
		m.Streak,
		m.LastActive.String(),
		achievements,
		toNullTime(m.UpdatedAt),
		m.UpdatedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert metrics: %w", err)
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// TOPICS
// ══════════════════════════════════════════════════════════════════════════════

// GetTopics returns all topic rows of user.
func (r *RemoteRepository) GetTopics(ctx context.Context, user shared.UserID) ([]progress.RemoteTopic, error) {
	query := `
		SELECT topic_id, status, last_touched, xp_in_progress, xp_complete, updated_at, updated_by
		FROM topic_progress
		WHERE user_id = $1
		ORDER BY topic_id
	`

	rows, err := r.conn.Query(ctx, query, user.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query topics: %w", err)
	}
	defer rows.Close()

	var out []progress.RemoteTopic
	for rows.Next() {
		var (
			t           progress.RemoteTopic
			lastTouched string
			updatedAt   *time.Time
		)
		if err := rows.Scan(
			&t.TopicID,
			&t.Status,
			&lastTouched,
			&t.XPFlags.InProgress,
			&t.XPFlags.Complete,
			&updatedAt,
			&t.UpdatedBy,
		); err != nil {
			r.logger.Warn("skipping corrupt topic row", "user", user.Namespace(), "error", err)
			continue
		}
		if t.TopicID == "" {
			r.logger.Warn("skipping topic row without id", "user", user.Namespace())
			continue
		}
		if d := shared.Day(lastTouched); d.IsValid() {
			t.LastTouched = d
		}
		t.UpdatedAt = fromNullTime(updatedAt)
		out = append(out, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read topics: %w", err)
	}
	return out, nil
}

// UpsertTopics writes the given topic rows of user in one batch.
func (r *RemoteRepository) UpsertTopics(ctx context.Context, user shared.UserID, rows []progress.RemoteTopic) error {
	query := `
		INSERT INTO topic_progress (user_id, topic_id, status, last_touched, xp_in_progress, xp_complete, updated_at, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT(user_id, topic_id) DO UPDATE SET
			status = EXCLUDED.status,
			last_touched = EXCLUDED.last_touched,
			xp_in_progress = EXCLUDED.xp_in_progress,
			xp_complete = EXCLUDED.xp_complete,
			updated_at = EXCLUDED.updated_at,
			updated_by = EXCLUDED.updated_by
		WHERE topic_progress.updated_at IS NULL
		   OR EXCLUDED.updated_at >= topic_progress.updated_at
	`

	batch := &pgx.Batch{}
	for _, t := range rows {
		batch.Queue(query,
			user.String(),
			t.TopicID,
			t.Status,
			t.LastTouched.String(),
			t.XPFlags.InProgress,
			t.XPFlags.Complete,
			toNullTime(t.UpdatedAt),
			t.UpdatedBy,
		)
	}

	if err := r.conn.SendBatch(ctx, batch); err != nil {
		return fmt.Errorf("failed to upsert topics: %w", err)
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// TASKS
// ══════════════════════════════════════════════════════════════════════════════

// GetTasks returns the task calendar of user in date order.
func (r *RemoteRepository) GetTasks(ctx context.Context, user shared.UserID) ([]plan.DailyTask, error) {
	query := `
		SELECT task_id, task_date, week, kind, topic_id, title, prereq, done, updated_at
		FROM daily_tasks
		WHERE user_id = $1
		ORDER BY task_date, task_id
	`

	rows, err := r.conn.Query(ctx, query, user.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var out []plan.DailyTask
	for rows.Next() {
		var (
			t         plan.DailyTask
			date      time.Time
			kind      string
			updatedAt *time.Time
		)
		if err := rows.Scan(
			&t.ID,
			&date,
			&t.Week,
			&kind,
			&t.TopicID,
			&t.Title,
			&t.Prereq,
			&t.Done,
			&updatedAt,
		); err != nil {
			r.logger.Warn("skipping corrupt task row", "user", user.Namespace(), "error", err)
			continue
		}
		t.Date = shared.DayOf(date)
		t.Kind = plan.Kind(kind)
		if !t.Kind.IsValid() {
			r.logger.Warn("skipping task row with unknown kind", "user", user.Namespace(), "task", t.ID, "kind", kind)
			continue
		}
		t.UpdatedAt = fromNullTime(updatedAt)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read tasks: %w", err)
	}

	plan.Sort(out)
	return out, nil
}

// UpsertTasks writes the given tasks of user in one batch.
func (r *RemoteRepository) UpsertTasks(ctx context.Context, user shared.UserID, tasks []plan.DailyTask) error {
	query := `
		INSERT INTO daily_tasks (user_id, task_id, task_date, week, kind, topic_id, title, prereq, done, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT(user_id, task_id) DO UPDATE SET
			task_date = EXCLUDED.task_date,
			week = EXCLUDED.week,
			kind = EXCLUDED.kind,
			topic_id = EXCLUDED.topic_id,
			title = EXCLUDED.title,
			prereq = EXCLUDED.prereq,
			done = EXCLUDED.done,
			updated_at = EXCLUDED.updated_at
		WHERE daily_tasks.updated_at IS NULL
		   OR EXCLUDED.updated_at >= daily_tasks.updated_at
	`

	batch := &pgx.Batch{}
	for _, t := range tasks {
		if !t.Date.IsValid() {
			return fmt.Errorf("failed to upsert tasks: task %q has invalid date %q", t.ID, t.Date)
		}
		batch.Queue(query,
			user.String(),
			t.ID,
			t.Date.Time(),
			t.Week,
			string(t.Kind),
			t.TopicID,
			t.Title,
			t.Prereq,
			t.Done,
			toNullTime(t.UpdatedAt),
		)
	}

	if err := r.conn.SendBatch(ctx, batch); err != nil {
		return fmt.Errorf("failed to upsert tasks: %w", err)
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// ACTIVITY
// ══════════════════════════════════════════════════════════════════════════════

// GetActivityDays returns the active days of user in ascending order.
func (r *RemoteRepository) GetActivityDays(ctx context.Context, user shared.UserID) ([]shared.Day, error) {
	query := `SELECT day FROM activity_days WHERE user_id = $1 ORDER BY day`

	rows, err := r.conn.Query(ctx, query, user.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query activity days: %w", err)
	}
	defer rows.Close()

	var out []shared.Day
	for rows.Next() {
		var day time.Time
		if err := rows.Scan(&day); err != nil {
			r.logger.Warn("skipping corrupt activity day", "user", user.Namespace(), "error", err)
			continue
		}
		out = append(out, shared.DayOf(day))
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read activity days: %w", err)
	}
	return out, nil
}

// UpsertActivityDays records the given days for user. Days are never removed.
func (r *RemoteRepository) UpsertActivityDays(ctx context.Context, user shared.UserID, days []shared.Day) error {
	query := `
		INSERT INTO activity_days (user_id, day)
		VALUES ($1, $2)
		ON CONFLICT(user_id, day) DO NOTHING
	`

	batch := &pgx.Batch{}
	for _, d := range days {
		if !d.IsValid() {
			continue
		}
		batch.Queue(query, user.String(), d.Time())
	}

	if err := r.conn.SendBatch(ctx, batch); err != nil {
		return fmt.Errorf("failed to upsert activity days: %w", err)
	}
	return nil
}

// Ping reports whether the database is reachable.
func (r *RemoteRepository) Ping(ctx context.Context) error {
	return r.conn.Ping(ctx)
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// isScanError reports whether err came from decoding a column rather than
// from the query itself.
func isScanError(err error) bool {
	var scanErr pgx.ScanArgError
	return errors.As(err, &scanErr)
}

// toNullTime maps the zero time to SQL NULL.
func toNullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func fromNullTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
