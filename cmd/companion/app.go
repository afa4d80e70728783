package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/eightweek/companion/config"
	"github.com/eightweek/companion/internal/application/reconcile"
	"github.com/eightweek/companion/internal/application/tracker"
	"github.com/eightweek/companion/internal/domain/curriculum"
	"github.com/eightweek/companion/internal/domain/progress"
	"github.com/eightweek/companion/internal/domain/shared"
	"github.com/eightweek/companion/internal/infrastructure/auth"
	"github.com/eightweek/companion/internal/infrastructure/messaging"
	"github.com/eightweek/companion/internal/infrastructure/persistence/guard"
	"github.com/eightweek/companion/internal/infrastructure/persistence/local"
	"github.com/eightweek/companion/internal/infrastructure/persistence/postgres"
	"github.com/eightweek/companion/internal/infrastructure/persistence/redis"
	"github.com/eightweek/companion/pkg/logger"
	"github.com/eightweek/companion/pkg/retry"
	"github.com/eightweek/companion/pkg/timeutil"
)

// deviceKey holds the generated device id. It lives outside every user
// namespace so a reset keeps it.
const deviceKey = "device-id"

// app is the wired object graph shared by all commands. Optional parts are
// nil when they are not configured.
type app struct {
	cfg   *config.Config
	log   *slog.Logger
	clock timeutil.Clock

	local   *local.Badger
	bus     *messaging.InMemoryEventBus
	auth    *auth.Authenticator
	session *tracker.Session

	remote      *guard.Repository
	closeRemote func()
	sync        *reconcile.Reconciler
}

// loadEnv runs the steps every command shares: configuration and logging.
func loadEnv() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.Setup(logger.Options{
		Output: os.Stderr,
		Level:  logger.ParseLevel(cfg.Observability.LogLevel),
		Format: logger.ParseFormat(cfg.Observability.LogFormat),
	})
	return cfg, log, nil
}

// newAuthenticator returns nil when no signing secret is configured.
func newAuthenticator(cfg *config.Config, clock timeutil.Clock) *auth.Authenticator {
	if cfg.Auth.JWTSecret == "" {
		return nil
	}
	return auth.New(auth.Config{
		Secret: cfg.Auth.JWTSecret,
		Issuer: cfg.Auth.Issuer,
		TTL:    cfg.Auth.TokenTTL,
		Clock:  clock,
	})
}

func openApp(ctx context.Context) (_ *app, err error) {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. CONFIGURATION AND LOGGING
	// ─────────────────────────────────────────────────────────────────────────
	cfg, log, err := loadEnv()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// ─────────────────────────────────────────────────────────────────────────
	// 2. CLOCK AND CURRICULUM
	// ─────────────────────────────────────────────────────────────────────────
	a.clock = timeutil.SystemClock{Location: cfg.App.Location}

	cur := curriculum.Default()
	if cfg.Curriculum.Path != "" {
		if cur, err = curriculum.Load(cfg.Curriculum.Path); err != nil {
			return nil, fmt.Errorf("failed to load curriculum: %w", err)
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 3. LOCAL STORAGE (BadgerDB)
	// ─────────────────────────────────────────────────────────────────────────
	storeCfg := local.InMemoryConfig()
	if !cfg.Storage.InMemory {
		storeCfg = local.DefaultConfig(cfg.Storage.Dir)
		storeCfg.SyncWrites = cfg.Storage.SyncWrites
	}
	storeCfg.Logger = log
	if a.local, err = local.Open(storeCfg); err != nil {
		return nil, fmt.Errorf("failed to open local storage: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 4. EVENT BUS
	// ─────────────────────────────────────────────────────────────────────────
	busCfg := messaging.DefaultInMemoryEventBusConfig()
	busCfg.Logger = log
	a.bus = messaging.NewInMemoryEventBus(busCfg)

	// ─────────────────────────────────────────────────────────────────────────
	// 5. IDENTITY AND SESSION
	// ─────────────────────────────────────────────────────────────────────────
	a.auth = newAuthenticator(cfg, a.clock)

	var user shared.UserID
	if cfg.Auth.SessionToken != "" {
		if user, err = a.auth.Resolve(cfg.Auth.SessionToken); err != nil {
			return nil, fmt.Errorf("failed to resolve SESSION_TOKEN: %w", err)
		}
	}

	a.session = tracker.NewSession(tracker.SessionConfig{
		Storage:    a.local,
		Curriculum: cur,
		Clock:      a.clock,
		Publisher:  a.bus,
		Logger:     log,
		User:       user,
	})

	// ─────────────────────────────────────────────────────────────────────────
	// 6. REMOTE STORE AND RECONCILER
	// ─────────────────────────────────────────────────────────────────────────
	if !cfg.RemoteEnabled() {
		log.Debug("no remote backend configured, running local-only")
		return a, nil
	}

	next, closeRemote, err := connectRemote(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a.closeRemote = closeRemote
	a.remote = guard.New(next, guard.Config{
		CoolDown: cfg.Sync.PullInterval,
		Logger:   log,
	})

	if cfg.Sync.Enabled {
		a.sync = reconcile.New(reconcile.Config{
			Session:      a.session,
			Remote:       a.remote,
			Events:       a.bus,
			Publisher:    a.bus,
			Logger:       log,
			DeviceID:     a.deviceID(),
			PullInterval: cfg.Sync.PullInterval,
			PushTimeout:  cfg.Sync.PushTimeout,
			PullTimeout:  cfg.Sync.PullTimeout,
		})
	}

	return a, nil
}

// deviceID returns the configured device id, or one generated on first use
// and kept in local storage.
func (a *app) deviceID() string {
	if a.cfg.Sync.DeviceID != "" {
		return a.cfg.Sync.DeviceID
	}
	if id, ok, err := a.local.Get(deviceKey); err == nil && ok && id != "" {
		return id
	}
	id := uuid.NewString()
	if err := a.local.Set(deviceKey, id); err != nil {
		a.log.Warn("failed to persist device id", "error", err)
	}
	return id
}

// connectRemote dials the configured backend, retrying transient failures.
func connectRemote(ctx context.Context, cfg *config.Config, log *slog.Logger) (progress.RemoteRepository, func(), error) {
	connect := retry.ConnectRetrier(retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
		log.Warn("remote store unreachable, retrying",
			"backend", cfg.Remote.Backend,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
	}))

	switch cfg.Remote.Backend {
	case config.BackendPostgres:
		conn, err := connectPostgres(ctx, cfg, connect)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Remote.Postgres.AutoMigrate {
			if err := postgres.NewMigrator(conn).Migrate(ctx); err != nil {
				conn.Close()
				return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
			}
		}
		log.Info("connected to remote store", "backend", cfg.Remote.Backend)
		return postgres.NewRemoteRepository(conn, log), conn.Close, nil

	case config.BackendRedis:
		rc := cfg.Remote.Redis
		redisCfg := redis.DefaultConfig()
		redisCfg.Host = rc.Host
		redisCfg.Port = rc.Port
		redisCfg.Password = rc.Password
		redisCfg.DB = rc.DB
		redisCfg.PoolSize = rc.PoolSize
		redisCfg.MinIdleConns = rc.MinIdleConns
		redisCfg.DialTimeout = rc.DialTimeout
		redisCfg.ReadTimeout = rc.ReadTimeout
		redisCfg.WriteTimeout = rc.WriteTimeout

		var repo *redis.RemoteRepository
		err := connect.Do(ctx, func(ctx context.Context) error {
			client, err := redis.NewClient(ctx, redisCfg)
			if err != nil {
				return err
			}
			repo = redis.NewRemoteRepository(client, log)
			return nil
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		log.Info("connected to remote store", "backend", cfg.Remote.Backend, "addr", redisCfg.Addr())
		return repo, func() { _ = repo.Close() }, nil
	}

	return nil, nil, fmt.Errorf("unknown remote backend %q", cfg.Remote.Backend)
}

func postgresConfig(cfg *config.Config) postgres.Config {
	pc := cfg.Remote.Postgres
	out := postgres.DefaultConfig()
	out.URL = pc.URL
	out.MaxConns = int32(pc.MaxConns)
	out.MinConns = int32(pc.MinConns)
	out.MaxConnLifetime = pc.ConnMaxLifetime
	out.MaxConnIdleTime = pc.ConnMaxIdleTime
	out.ConnectTimeout = pc.ConnectTimeout
	return out
}

func connectPostgres(ctx context.Context, cfg *config.Config, connect *retry.Retrier) (*postgres.Connection, error) {
	pgCfg := postgresConfig(cfg)

	// A malformed URL will not get better with retries.
	if _, err := pgCfg.PoolConfig(); err != nil {
		return nil, fmt.Errorf("invalid DATABASE_URL: %w", err)
	}

	var conn *postgres.Connection
	err := connect.Do(ctx, func(ctx context.Context) error {
		var err error
		conn, err = postgres.NewConnection(ctx, pgCfg)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return conn, nil
}

// pullFirst merges remote state before a one-shot mutation so the command
// acts on the freshest data. Failures are reported and the command goes on
// with local state.
func (a *app) pullFirst(ctx context.Context) {
	if a.sync == nil || a.session.User().IsAnonymous() {
		return
	}
	if _, err := a.sync.SyncNow(ctx); err != nil {
		a.log.Warn("sync before command failed, using local state", "error", err)
	}
}

// pushAfter writes the result of a one-shot mutation to the remote store.
func (a *app) pushAfter(ctx context.Context) {
	if a.sync == nil || a.session.User().IsAnonymous() {
		return
	}
	if err := a.sync.PushNow(ctx); err != nil {
		a.log.Warn("push after command failed, changes stay local until the next sync", "error", err)
	}
}

// Close releases resources in reverse start order.
func (a *app) Close() {
	if a.sync != nil {
		if err := a.sync.Stop(); err != nil && !errors.Is(err, reconcile.ErrNotRunning) {
			a.log.Warn("failed to stop reconciler", "error", err)
		}
		a.sync.Wait()
	}
	if a.bus != nil {
		a.bus.Wait()
		if err := a.bus.Close(); err != nil {
			a.log.Warn("failed to close event bus", "error", err)
		}
	}
	if a.closeRemote != nil {
		a.closeRemote()
	}
	if a.local != nil {
		if err := a.local.Close(); err != nil {
			a.log.Warn("failed to close local storage", "error", err)
		}
	}
}
