// Package tracker holds the live, per-user progress state of the companion:
// the Store (topics, XP, streak, achievements, activity), the Planner
// (generated daily tasks) and the Session that switches both between users.
//
// Every public operation is best-effort. Storage failures are logged and
// swallowed, and no method returns an error to the caller.
package tracker

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/eightweek/companion/internal/domain/shared"
)

// Storage is the durable string key-value store the tracker persists to.
type Storage interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	SetMany(pairs map[string]string) error
	DeletePrefix(prefix string) error
}

// StorageVersion is written under the version key on every reset.
const StorageVersion = 2

// Key names under a user namespace.
const (
	KeyProgress         = "progress"
	KeyStreak           = "streak"
	KeyLastActive       = "lastActive"
	KeyXP               = "xp"
	KeyAchievements     = "achievements"
	KeyVersion          = "version"
	KeyMetricsUpdatedAt = "metricsUpdatedAt"
	KeyTasks            = "tasks"
	KeyActivity         = "activity"
)

const keyRoot = "companion:"

// Namespace returns the key prefix owned by user.
func Namespace(user shared.UserID) string {
	return keyRoot + user.Namespace() + ":"
}

// Key returns the full storage key of name for user.
func Key(user shared.UserID, name string) string {
	return Namespace(user) + name
}

var storeMutations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "companion_store_mutations_total",
	Help: "Applied local state mutations by operation",
}, []string{"op"})

// ══════════════════════════════════════════════════════════════════════════════
// KEY CODEC
// ══════════════════════════════════════════════════════════════════════════════

// kvReader reads single keys of one namespace, logging and hiding failures.
type kvReader struct {
	storage Storage
	user    shared.UserID
	logger  *slog.Logger
}

func (r kvReader) raw(name string) (string, bool) {
	key := Key(r.user, name)
	v, ok, err := r.storage.Get(key)
	if err != nil {
		r.logger.Warn("storage read failed", "op", "get", "key", key, "user", r.user.Namespace(), "error", err)
		return "", false
	}
	return v, ok
}

func (r kvReader) corrupt(name string, err error) {
	r.logger.Warn("discarding corrupt value",
		"op", "decode",
		"key", Key(r.user, name),
		"user", r.user.Namespace(),
		"error", err,
	)
}

// readJSON decodes the JSON value at name into out. Missing and corrupt keys
// leave out untouched and return false.
func (r kvReader) readJSON(name string, out interface{}) bool {
	v, ok := r.raw(name)
	if !ok {
		return false
	}
	if err := json.Unmarshal([]byte(v), out); err != nil {
		r.corrupt(name, err)
		return false
	}
	return true
}

func (r kvReader) readInt(name string) int {
	v, ok := r.raw(name)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.corrupt(name, err)
		return 0
	}
	return n
}

func (r kvReader) readDay(name string) shared.Day {
	v, ok := r.raw(name)
	if !ok || v == "" {
		return ""
	}
	d, err := shared.ParseDay(v)
	if err != nil {
		r.corrupt(name, err)
		return ""
	}
	return d
}

func (r kvReader) readTime(name string) time.Time {
	v, ok := r.raw(name)
	if !ok || v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		r.corrupt(name, err)
		return time.Time{}
	}
	return t
}

func encodeJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
