// Package scheduler runs periodic background jobs such as the remote pull.
// A job never overlaps itself: a run still in flight when the job becomes
// due again is skipped, not queued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ══════════════════════════════════════════════════════════════════════════════
// JOBS AND SCHEDULES
// ══════════════════════════════════════════════════════════════════════════════

// Job is a unit of periodic work. Run receives a context that is cancelled
// when the scheduler stops.
type Job interface {
	Name() string
	Description() string
	Run(ctx context.Context) error
}

// Schedule computes the next due time. A zero result means never.
type Schedule interface {
	Next(t time.Time) time.Time
	String() string
}

// JobResult describes one execution.
type JobResult struct {
	JobName  string
	Started  time.Time
	Duration time.Duration
	Err      error
}

// OK reports whether the run succeeded.
func (r JobResult) OK() bool { return r.Err == nil }

var (
	ErrNilJob                  = errors.New("job cannot be nil")
	ErrNilSchedule             = errors.New("schedule cannot be nil")
	ErrJobAlreadyExists        = errors.New("job already exists")
	ErrSchedulerAlreadyRunning = errors.New("scheduler is already running")
	ErrSchedulerNotRunning     = errors.New("scheduler is not running")
)

var (
	jobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companion_scheduler_job_runs_total",
		Help: "Scheduled job executions by job and result",
	}, []string{"job", "result"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "companion_scheduler_job_duration_seconds",
		Help:    "Scheduled job duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
	}, []string{"job"})
)

// ══════════════════════════════════════════════════════════════════════════════
// SCHEDULER
// ══════════════════════════════════════════════════════════════════════════════

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	Logger *slog.Logger

	// TickInterval is how often due jobs are checked. Default 1s.
	TickInterval time.Duration
}

// entry is a registered job and its bookkeeping. Guarded by Scheduler.mu.
type entry struct {
	job      Job
	schedule Schedule
	busy     bool
	lastRun  time.Time
	nextRun  time.Time
	runs     int64
	failures int64
	skips    int64
}

// Scheduler polls its jobs on a ticker and starts the due ones.
type Scheduler struct {
	logger *slog.Logger
	tick   time.Duration

	mu      sync.Mutex
	jobs    map[string]*entry
	cancel  context.CancelFunc
	started time.Time

	wg sync.WaitGroup
}

// NewScheduler returns a stopped scheduler with no jobs.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	return &Scheduler{
		logger: cfg.Logger.With("component", "scheduler"),
		tick:   cfg.TickInterval,
		jobs:   make(map[string]*entry),
	}
}

// Register adds job. Its first run is one schedule step from now.
func (s *Scheduler) Register(job Job, schedule Schedule) error {
	if job == nil {
		return ErrNilJob
	}
	if schedule == nil {
		return ErrNilSchedule
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	name := job.Name()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("%w: %s", ErrJobAlreadyExists, name)
	}
	e := &entry{job: job, schedule: schedule, nextRun: schedule.Next(time.Now())}
	s.jobs[name] = e

	s.logger.Debug("job registered", "job", name, "schedule", schedule.String(), "next_run", e.nextRun.Format(time.RFC3339))
	return nil
}

// Start launches the polling loop. A stopped scheduler may be started again.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrSchedulerAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = time.Now()

	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.Debug("scheduler started", "jobs_count", len(s.jobs), "tick", s.tick.String())
	return nil
}

// Stop cancels the loop and waits for running jobs to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return ErrSchedulerNotRunning
	}

	cancel()
	s.wg.Wait()

	s.logger.Debug("scheduler stopped", "uptime", time.Since(s.started).String())
	return nil
}

// IsRunning reports whether the loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, e := range s.due(now) {
				s.wg.Add(1)
				go func() {
					defer s.wg.Done()
					s.finish(e, s.execute(ctx, e.job))
				}()
			}
		}
	}
}

// due marks every job whose time has come as busy and returns it. A job
// still busy from its last run is skipped for this slot.
func (s *Scheduler) due(now time.Time) []*entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*entry
	for _, e := range s.jobs {
		if e.nextRun.IsZero() || now.Before(e.nextRun) {
			continue
		}
		e.nextRun = e.schedule.Next(now)
		if e.busy {
			e.skips++
			s.logger.Debug("job still running, skipping", "job", e.job.Name())
			continue
		}
		e.busy = true
		e.lastRun = now
		out = append(out, e)
	}
	return out
}

func (s *Scheduler) finish(e *entry, result JobResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.busy = false
	e.runs++
	if !result.OK() {
		e.failures++
	}
}

func (s *Scheduler) execute(ctx context.Context, job Job) JobResult {
	name := job.Name()
	result := JobResult{JobName: name, Started: time.Now()}

	result.Err = job.Run(ctx)
	result.Duration = time.Since(result.Started)

	label := "ok"
	switch {
	case errors.Is(result.Err, context.Canceled):
		label = "cancelled"
	case result.Err != nil:
		label = "error"
	}
	jobRuns.WithLabelValues(name, label).Inc()
	jobDuration.WithLabelValues(name).Observe(result.Duration.Seconds())

	if result.Err != nil {
		s.logger.Warn("job failed", "job", name, "duration", result.Duration.String(), "error", result.Err)
	} else {
		s.logger.Debug("job completed", "job", name, "duration", result.Duration.String())
	}
	return result
}

// ══════════════════════════════════════════════════════════════════════════════
// INTROSPECTION
// ══════════════════════════════════════════════════════════════════════════════

// JobInfo is a point-in-time view of a registered job.
type JobInfo struct {
	Name        string
	Description string
	Schedule    string
	Running     bool
	LastRun     time.Time
	NextRun     time.Time
	RunCount    int64
	FailCount   int64
	SkipCount   int64
}

// ListJobs returns every registered job, sorted by name.
func (s *Scheduler) ListJobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]JobInfo, 0, len(s.jobs))
	for name, e := range s.jobs {
		infos = append(infos, JobInfo{
			Name:        name,
			Description: e.job.Description(),
			Schedule:    e.schedule.String(),
			Running:     e.busy,
			LastRun:     e.lastRun,
			NextRun:     e.nextRun,
			RunCount:    e.runs,
			FailCount:   e.failures,
			SkipCount:   e.skips,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
