// Package guard wraps a remote progress repository with a circuit breaker
// and write retries, so an unreachable backend costs one fast failure per
// sync cycle instead of a full timeout per call.
package guard

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/eightweek/companion/internal/domain/plan"
	"github.com/eightweek/companion/internal/domain/progress"
	"github.com/eightweek/companion/internal/domain/shared"
	"github.com/eightweek/companion/pkg/circuitbreaker"
	"github.com/eightweek/companion/pkg/retry"
)

var (
	breakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "companion_remote_breaker_state",
		Help: "State of the remote store circuit breaker (0 closed, 1 open, 2 half-open).",
	})
	writeRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "companion_remote_write_retries_total",
		Help: "Remote upserts retried after a transient failure.",
	})
)

// Config contains the collaborators of a Repository.
type Config struct {
	// CoolDown is how long the breaker stays open. Defaults to 15s.
	CoolDown time.Duration

	Logger *slog.Logger

	// Breaker and Retrier override the defaults built from CoolDown.
	Breaker *circuitbreaker.CircuitBreaker
	Retrier *retry.Retrier
}

// Repository is a progress.RemoteRepository decorator.
type Repository struct {
	next    progress.RemoteRepository
	breaker *circuitbreaker.CircuitBreaker
	retrier *retry.Retrier
	logger  *slog.Logger
}

var _ progress.RemoteRepository = (*Repository)(nil)

// New wraps next.
func New(next progress.RemoteRepository, cfg Config) *Repository {
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "remote_guard")

	breaker := cfg.Breaker
	if breaker == nil {
		breaker = circuitbreaker.RemoteStoreBreaker(cfg.CoolDown,
			circuitbreaker.WithIsFailure(countsAsFailure),
			circuitbreaker.WithOnStateChange(func(name string, from, to circuitbreaker.State) {
				breakerState.Set(float64(to))
				logger.Warn("remote breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			}),
		)
	}

	retrier := cfg.Retrier
	if retrier == nil {
		retrier = retry.RemoteWriteRetrier(retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			writeRetries.Inc()
			logger.Debug("retrying remote write", "attempt", attempt, "delay", delay.String(), "error", err)
		}))
	}

	return &Repository{next: next, breaker: breaker, retrier: retrier, logger: logger}
}

// countsAsFailure keeps caller cancellation from opening the breaker.
func countsAsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// State returns the breaker state, for status output.
func (r *Repository) State() circuitbreaker.State {
	return r.breaker.State()
}

func (r *Repository) read(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.breaker.Execute(ctx, fn)
}

func (r *Repository) write(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.breaker.Execute(ctx, func(ctx context.Context) error {
		return r.retrier.Do(ctx, fn)
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// DELEGATION
// ══════════════════════════════════════════════════════════════════════════════

func (r *Repository) GetMetrics(ctx context.Context, user shared.UserID) (*progress.RemoteMetrics, error) {
	var out *progress.RemoteMetrics
	err := r.read(ctx, func(ctx context.Context) (err error) {
		out, err = r.next.GetMetrics(ctx, user)
		return err
	})
	return out, err
}

func (r *Repository) UpsertMetrics(ctx context.Context, user shared.UserID, m progress.RemoteMetrics) error {
	return r.write(ctx, func(ctx context.Context) error {
		return r.next.UpsertMetrics(ctx, user, m)
	})
}

func (r *Repository) GetTopics(ctx context.Context, user shared.UserID) ([]progress.RemoteTopic, error) {
	var out []progress.RemoteTopic
	err := r.read(ctx, func(ctx context.Context) (err error) {
		out, err = r.next.GetTopics(ctx, user)
		return err
	})
	return out, err
}

func (r *Repository) UpsertTopics(ctx context.Context, user shared.UserID, rows []progress.RemoteTopic) error {
	return r.write(ctx, func(ctx context.Context) error {
		return r.next.UpsertTopics(ctx, user, rows)
	})
}

func (r *Repository) GetTasks(ctx context.Context, user shared.UserID) ([]plan.DailyTask, error) {
	var out []plan.DailyTask
	err := r.read(ctx, func(ctx context.Context) (err error) {
		out, err = r.next.GetTasks(ctx, user)
		return err
	})
	return out, err
}

func (r *Repository) UpsertTasks(ctx context.Context, user shared.UserID, tasks []plan.DailyTask) error {
	return r.write(ctx, func(ctx context.Context) error {
		return r.next.UpsertTasks(ctx, user, tasks)
	})
}

func (r *Repository) GetActivityDays(ctx context.Context, user shared.UserID) ([]shared.Day, error) {
	var out []shared.Day
	err := r.read(ctx, func(ctx context.Context) (err error) {
		out, err = r.next.GetActivityDays(ctx, user)
		return err
	})
	return out, err
}

func (r *Repository) UpsertActivityDays(ctx context.Context, user shared.UserID, days []shared.Day) error {
	return r.write(ctx, func(ctx context.Context) error {
		return r.next.UpsertActivityDays(ctx, user, days)
	})
}

// Ping bypasses the breaker so health checks see the real backend.
func (r *Repository) Ping(ctx context.Context) error {
	return r.next.Ping(ctx)
}
