package progress

import (
	"context"
	"time"

	"github.com/eightweek/companion/internal/domain/plan"
	"github.com/eightweek/companion/internal/domain/shared"
)

// RemotePending is the remote token for StatusNotStarted; the remote schema
// has no "not-started" value.
const RemotePending = "pending"

// ToRemoteStatus translates a local status for the remote store.
func ToRemoteStatus(s Status) string {
	if s == StatusNotStarted {
		return RemotePending
	}
	return string(s)
}

// FromRemoteStatus translates a remote token back. Unknown tokens map to
// StatusNotStarted.
func FromRemoteStatus(raw string) Status {
	if raw == RemotePending {
		return StatusNotStarted
	}
	s := Status(raw)
	if !s.IsValid() {
		return StatusNotStarted
	}
	return s
}

// RemoteMetrics is the per-user metrics record.
type RemoteMetrics struct {
	XP           int
	Streak       int
	LastActive   shared.Day
	Achievements []string
	UpdatedAt    time.Time
	UpdatedBy    string
}

// RemoteTopic is the per-(user, topic) progress record. Status holds the
// remote token.
type RemoteTopic struct {
	TopicID     string
	Status      string
	LastTouched shared.Day
	XPFlags     XPFlags
	UpdatedAt   time.Time
	UpdatedBy   string
}

// MetricsFromState builds the metrics record pushed for s.
func MetricsFromState(s AppState, device string) RemoteMetrics {
	return RemoteMetrics{
		XP:           s.XP,
		Streak:       s.Streak,
		LastActive:   s.LastActive,
		Achievements: append([]string{}, s.Achievements...),
		UpdatedAt:    s.MetricsUpdatedAt,
		UpdatedBy:    device,
	}
}

// TopicsFromState builds the topic records pushed for s.
func TopicsFromState(s AppState, device string) []RemoteTopic {
	rows := make([]RemoteTopic, len(s.Topics))
	for i, t := range s.Topics {
		rows[i] = RemoteTopic{
			TopicID:     t.ID,
			Status:      ToRemoteStatus(t.Status),
			LastTouched: t.LastTouched,
			XPFlags:     t.XPFlags,
			UpdatedAt:   t.UpdatedAt,
			UpdatedBy:   device,
		}
	}
	return rows
}

// RemoteRepository is the per-user record set mirrored by the reconciler.
// Get methods return empty results, not errors, when a user has no rows;
// GetMetrics returns nil in that case.
type RemoteRepository interface {
	GetMetrics(ctx context.Context, user shared.UserID) (*RemoteMetrics, error)
	UpsertMetrics(ctx context.Context, user shared.UserID, m RemoteMetrics) error

	GetTopics(ctx context.Context, user shared.UserID) ([]RemoteTopic, error)
	UpsertTopics(ctx context.Context, user shared.UserID, rows []RemoteTopic) error

	GetTasks(ctx context.Context, user shared.UserID) ([]plan.DailyTask, error)
	UpsertTasks(ctx context.Context, user shared.UserID, tasks []plan.DailyTask) error

	GetActivityDays(ctx context.Context, user shared.UserID) ([]shared.Day, error)
	UpsertActivityDays(ctx context.Context, user shared.UserID, days []shared.Day) error

	// Ping reports whether the remote store is reachable.
	Ping(ctx context.Context) error
}
