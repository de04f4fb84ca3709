// Command reflector runs the detached reflector worker on a ticker, draining
// the persistent reflector job queue under the two-level file-lock/lease
// mutual exclusion. Grounded on the teacher's cmd/worker/main.go run-loop
// shape (signal-aware shutdown, structured per-tick logging).
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mindops.dev/sidecar/common/id"
	"mindops.dev/sidecar/common/logger"
	"mindops.dev/sidecar/common/otel"
	"mindops.dev/sidecar/core/config"
	"mindops.dev/sidecar/core/db"
	"mindops.dev/sidecar/internal/model"
	"mindops.dev/sidecar/internal/reflector"
	"mindops.dev/sidecar/internal/router"
	"mindops.dev/sidecar/internal/store"
	"mindops.dev/sidecar/internal/store/postgres"
)

func main() {
	ctx := context.Background()
	cfg := config.Load()

	logger.Setup(cfg)
	slog.InfoContext(ctx, "reflector starting", "env", cfg.Env, "scope_id", cfg.Reflector.ScopeID)

	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		slog.ErrorContext(ctx, "failed to set up telemetry", "error", err)
		os.Exit(1)
	}

	if err := id.Init(2); err != nil {
		slog.ErrorContext(ctx, "failed to initialize id generator", "error", err)
		os.Exit(1)
	}

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "database connected")

	var s store.Store = postgres.New(database)

	ownerID := ownerIdentity()
	reflectorCfg := reflector.ConfigFromGuardrails(cfg.Reflector.ScopeID, ownerID, cfg.Reflector.LockPath, model.Guardrails{
		MaxRetries:          cfg.Guardrails.MaxRetries,
		PerAttemptTimeoutMS: cfg.Guardrails.PerAttemptTimeoutMS,
		ReflectorLeaseTTLMS: cfg.Guardrails.ReflectorLeaseTTLMS,
	})
	reflectorCfg.MaxJobsPerTick = cfg.Reflector.MaxJobsPerTick

	worker := reflector.New(reflectorCfg)
	handler := reflector.RoutingHandler(router.New(router.DefaultConfig()))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ticker := time.NewTicker(time.Duration(cfg.Reflector.TickInterval) * time.Millisecond)
	defer ticker.Stop()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	slog.InfoContext(ctx, "reflector running")

loop:
	for {
		select {
		case <-quit:
			slog.InfoContext(ctx, "shutdown signal received")
			break loop
		case <-ticker.C:
			report, err := worker.RunOnce(ctx, s, time.Now(), handler)
			if err != nil {
				slog.ErrorContext(ctx, "reflector tick failed", "error", err)
				continue
			}
			if report.JobsClaimed > 0 || report.LockConflict {
				slog.InfoContext(ctx, "reflector tick completed",
					"file_lock_acquired", report.FileLockAcquired,
					"lease_acquired", report.LeaseAcquired,
					"lock_conflict", report.LockConflict,
					"jobs_claimed", report.JobsClaimed,
					"jobs_completed", report.JobsCompleted,
					"jobs_failed", report.JobsFailed)
			}
		}
	}

	cancel()
	database.Close()
	if telemetry != nil {
		if err := telemetry.Shutdown(context.Background()); err != nil {
			slog.ErrorContext(ctx, "telemetry shutdown error", "error", err)
		}
	}
	slog.InfoContext(ctx, "shutdown complete")
}

func ownerIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "reflector"
	}
	return host + "-" + time.Now().UTC().Format("20060102T150405")
}
