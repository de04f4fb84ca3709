// Command sidecar runs the always-on core: the session observer queue, the
// semantic observer pipeline drivers, the Redis ingest bridge, and the
// ambient HTTP control surface. Grounded on the teacher's cmd/worker/main.go
// startup/shutdown shape.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"mindops.dev/sidecar/common/id"
	commonllm "mindops.dev/sidecar/common/llm"
	"mindops.dev/sidecar/common/logger"
	"mindops.dev/sidecar/common/otel"
	"mindops.dev/sidecar/core/config"
	"mindops.dev/sidecar/core/db"
	httprouter "mindops.dev/sidecar/internal/http/router"
	"mindops.dev/sidecar/internal/ingest"
	"mindops.dev/sidecar/internal/llm"
	"mindops.dev/sidecar/internal/model"
	"mindops.dev/sidecar/internal/pipeline"
	"mindops.dev/sidecar/internal/queue"
	"mindops.dev/sidecar/internal/router"
	"mindops.dev/sidecar/internal/service"
	"mindops.dev/sidecar/internal/store"
	"mindops.dev/sidecar/internal/store/postgres"
)

// driverShards is the number of concurrent service.Driver goroutines sharing
// the process-wide queue (spec §5: "multiple Driver goroutines may run
// concurrently").
const driverShards = 4

func main() {
	ctx := context.Background()
	cfg := config.Load()

	logger.Setup(cfg)
	slog.InfoContext(ctx, "sidecar starting", "env", cfg.Env)

	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		slog.ErrorContext(ctx, "failed to set up telemetry", "error", err)
		os.Exit(1)
	}

	if err := id.Init(1); err != nil {
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

	var adapter llm.ObserverAdapter
	if cfg.ObserverLLM.Enabled() {
		chatClient, err := commonllm.New(commonllm.Config{
			APIKey:  cfg.ObserverLLM.APIKey,
			BaseURL: cfg.ObserverLLM.BaseURL,
			Model:   cfg.ObserverLLM.Model,
		})
		if err != nil {
			slog.ErrorContext(ctx, "failed to create observer LLM client", "error", err)
			os.Exit(1)
		}
		adapter = llm.NewChatObserverAdapter(chatClient)
		slog.InfoContext(ctx, "observer adapter initialized", "provider", cfg.ObserverLLM.Provider, "model", cfg.ObserverLLM.Model)
	} else {
		slog.WarnContext(ctx, "OBSERVER_LLM_API_KEY not set; running with stub adapter")
		adapter = pipeline.NewStubAdapter()
	}

	profile := llm.ModelProfile{
		ID:          cfg.ObserverLLM.ProfileID,
		Provider:    cfg.ObserverLLM.Provider,
		Model:       cfg.ObserverLLM.Model,
		Temperature: cfg.ObserverLLM.Temperature,
	}
	guardrails := model.Guardrails{
		MaxRetries:          cfg.Guardrails.MaxRetries,
		PerAttemptTimeoutMS: cfg.Guardrails.PerAttemptTimeoutMS,
		ReflectorLeaseTTLMS: cfg.Guardrails.ReflectorLeaseTTLMS,
	}

	segmentRouter := router.New(router.DefaultConfig())
	p := pipeline.New(s, adapter, segmentRouter, pipeline.Config{
		Profile:    profile,
		Guardrails: guardrails,
	})

	q := queue.New(queue.DefaultConfig())

	var redisClient *redis.Client
	var ingestConsumer *ingest.Consumer
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
			os.Exit(1)
		}
		slog.InfoContext(ctx, "redis connected", "stream", cfg.Redis.Stream)

		ingestConsumer, err = ingest.NewConsumer(redisClient, q, ingest.Config{
			Stream:    cfg.Redis.Stream,
			Group:     cfg.Redis.Group,
			Consumer:  cfg.Redis.Consumer,
			BatchSize: 16,
			Block:     time.Duration(cfg.Redis.BlockMillis) * time.Millisecond,
		})
		if err != nil {
			slog.ErrorContext(ctx, "failed to create ingest consumer", "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	drivers := make([]*service.Driver, driverShards)
	for i := 0; i < driverShards; i++ {
		drivers[i] = service.NewDriver(q, p, service.DefaultConfig())
		wg.Add(1)
		go func(d *service.Driver) {
			defer wg.Done()
			if err := d.Run(ctx); err != nil && ctx.Err() == nil {
				slog.ErrorContext(ctx, "driver exited unexpectedly", "error", err)
			}
		}(drivers[i])
	}

	if ingestConsumer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ingestConsumer.Run(ctx); err != nil && ctx.Err() == nil {
				slog.ErrorContext(ctx, "ingest consumer exited unexpectedly", "error", err)
			}
		}()
	}

	gin.SetMode(gin.ReleaseMode)
	if cfg.IsDevelopment() {
		gin.SetMode(gin.DebugMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	httprouter.SetupRoutes(engine, q, s, httprouter.Config{AdminAPIKey: cfg.HTTP.AdminKey})

	srv := &http.Server{Addr: fmt.Sprintf(":%s", cfg.Port), Handler: engine}
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.InfoContext(ctx, "http server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "http server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutdown signal received, initiating graceful shutdown")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(ctx, "http server shutdown error", "error", err)
	}

	for _, d := range drivers {
		d.Stop()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.InfoContext(ctx, "graceful shutdown completed")
	case <-time.After(30 * time.Second):
		slog.WarnContext(ctx, "shutdown timeout exceeded, forcing exit")
	}

	database.Close()
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			slog.ErrorContext(ctx, "redis close error", "error", err)
		}
	}
	if telemetry != nil {
		if err := telemetry.Shutdown(context.Background()); err != nil {
			slog.ErrorContext(ctx, "telemetry shutdown error", "error", err)
		}
	}

	slog.InfoContext(ctx, "shutdown complete")
}
