package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	apihttp "github.com/eightweek/companion/internal/interface/http"
	"github.com/eightweek/companion/internal/interface/http/handlers"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the local JSON API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg, log := a.cfg, a.log
	log.Info("starting companion",
		"version", cfg.App.Version,
		"env", cfg.App.Environment,
		"timezone", cfg.App.Timezone,
		"user", a.session.User().Namespace(),
		"remote", cfg.Remote.Backend,
	)

	// ─────────────────────────────────────────────────────────────────────────
	// HEALTH CHECKS
	// ─────────────────────────────────────────────────────────────────────────
	health := handlers.NewCompositeHealthChecker(cfg.App.Version)
	health.AddCheck("local_storage", handlers.NewPingCheck(a.local))
	if a.remote != nil {
		// The app keeps working offline, so the remote only degrades health.
		health.AddOptionalCheck("remote_store", handlers.NewPingCheck(a.remote))
	}

	// ─────────────────────────────────────────────────────────────────────────
	// HTTP SERVER
	// ─────────────────────────────────────────────────────────────────────────
	serverCfg := apihttp.DefaultConfig()
	serverCfg.Host = cfg.HTTP.Host
	serverCfg.Port = cfg.HTTP.Port
	serverCfg.ReadTimeout = cfg.HTTP.ReadTimeout
	serverCfg.WriteTimeout = cfg.HTTP.WriteTimeout
	serverCfg.IdleTimeout = cfg.HTTP.IdleTimeout
	serverCfg.AllowedOrigins = cfg.HTTP.AllowedOrigins
	serverCfg.EnableMetrics = cfg.Observability.MetricsEnabled

	deps := apihttp.Dependencies{
		Session:       a.session,
		HealthChecker: health,
		Metrics:       promhttp.Handler(),
		Clock:         a.clock,
		Logger:        log,
		Version:       cfg.App.Version,
	}
	// Typed nils would defeat the nil checks in the handlers.
	if a.sync != nil {
		deps.Sync = a.sync
	}
	if a.auth != nil {
		deps.Tokens = a.auth
	}
	server := apihttp.NewServer(serverCfg, deps)

	// ─────────────────────────────────────────────────────────────────────────
	// RECONCILER
	// ─────────────────────────────────────────────────────────────────────────
	if a.sync != nil && !a.session.User().IsAnonymous() {
		if err := a.sync.Start(ctx); err != nil {
			return fmt.Errorf("failed to start reconciler: %w", err)
		}
	}

	errCh := server.StartAsync()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	started := time.Now()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", "error", err)
	}
	log.Info("HTTP server stopped", "shutdown_duration", time.Since(started).String())
	return nil
}
