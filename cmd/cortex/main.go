// Cortex server — receives provider sync webhooks, shapes them into domain
// events, matches events against compiled automation units, and executes the
// resulting runs. Also serves the control API the UI talks to.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/LutendoLukhele/cortex/pkg/api"
	"github.com/LutendoLukhele/cortex/pkg/compiler"
	"github.com/LutendoLukhele/cortex/pkg/config"
	"github.com/LutendoLukhele/cortex/pkg/connector"
	"github.com/LutendoLukhele/cortex/pkg/database"
	"github.com/LutendoLukhele/cortex/pkg/dispatch"
	"github.com/LutendoLukhele/cortex/pkg/llm"
	"github.com/LutendoLukhele/cortex/pkg/matcher"
	"github.com/LutendoLukhele/cortex/pkg/metrics"
	"github.com/LutendoLukhele/cortex/pkg/runtime"
	"github.com/LutendoLukhele/cortex/pkg/services"
	"github.com/LutendoLukhele/cortex/pkg/shaper"
	"github.com/LutendoLukhele/cortex/pkg/store"
	"github.com/LutendoLukhele/cortex/pkg/version"
)

// Exit codes: 0 success, 1 generic failure, 2 configuration error.
const (
	exitFailure = 1
	exitConfig  = 2
)

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}

	cfg, err := config.Load(*configDir)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		var cfgErr *config.ConfigError
		if errors.As(err, &cfgErr) {
			os.Exit(exitConfig)
		}
		os.Exit(exitFailure)
	}
	logger := newLogger(cfg.RuntimeMode)
	slog.SetDefault(logger)

	logger.Info("Starting Cortex",
		"version", version.GitCommit,
		"port", cfg.Port,
		"mode", cfg.RuntimeMode)

	ctx := context.Background()

	// Storage tiers.
	dbClient, err := database.NewClient(ctx, cfg.StoreURL)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(exitFailure)
	}
	defer dbClient.Close()
	logger.Info("Connected to PostgreSQL database")

	redisOpts, err := redis.ParseURL(cfg.CacheURL)
	if err != nil {
		logger.Error("Invalid CACHE_URL", "error", err)
		os.Exit(exitConfig)
	}
	redisClient := redis.NewClient(redisOpts)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error("Error closing Redis client", "error", err)
		}
	}()
	kv := store.NewRedisKV(redisClient)
	if err := kv.Ping(ctx); err != nil {
		logger.Error("Failed to connect to Redis", "error", err)
		os.Exit(exitFailure)
	}
	logger.Info("Connected to Redis")

	pg := store.NewPostgres(dbClient.Pool())
	stores := store.Stores{Connections: pg, Units: pg, Events: pg, Runs: pg}

	// External facades.
	llmClient, err := llm.New(llm.Options{
		APIKey:  cfg.LLMAPIKey,
		BaseURL: cfg.LLMBaseURL,
		Model:   cfg.LLMModel,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("Failed to initialize LLM client", "error", err)
		os.Exit(exitFailure)
	}

	registry, err := connector.NewRegistry(cfg.Tools)
	if err != nil {
		logger.Error("Failed to build tool registry", "error", err)
		os.Exit(exitConfig)
	}
	connClient := connector.NewClient(cfg.SaaSBaseURL, cfg.SaaSSecret, cfg.Timeouts.ToolStep, logger)
	executor := connector.NewExecutor(registry, connClient, logger)
	logger.Info("Tool registry loaded", "tools", len(cfg.Tools))

	// Pipeline stages and the dispatcher that drives them.
	met := metrics.New()
	eventShaper := shaper.New(kv, stores.Events, logger)
	eventShaper.SetDedupCounter(met.EventsDeduped)
	eventMatcher := matcher.New(stores.Units, stores.Runs, llmClient, cfg.Pools.MatcherWorkers, logger)
	runner := runtime.New(stores, executor, llmClient, cfg.Timeouts, logger)
	dispatcher := dispatch.New(eventShaper, eventMatcher, runner,
		cfg.Pools, cfg.Timeouts.ShapeMatchDeadline, met, logger)

	// Surface runs a previous process left behind. There is no auto-resume;
	// operators re-drive them through the rerun endpoint.
	surfaceOrphanedRuns(ctx, stores.Runs, logger)

	dispatcher.Start()

	// Control-plane services and the HTTP server.
	unitCompiler := compiler.New(llmClient, registry, logger)
	unitService := services.NewUnitService(stores.Units, unitCompiler, logger)
	runService := services.NewRunService(stores.Runs, dispatcher, logger)
	connectionService := services.NewConnectionService(stores.Connections, logger)

	server := api.NewServer(cfg, unitService, runService, connectionService,
		stores.Connections, dispatcher, met, logger)
	server.SetDBClient(dbClient)
	server.SetCache(kv)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info("HTTP server listening", "addr", addr)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		logger.Error("Server error triggered shutdown", "error", err)
	}

	// Graceful shutdown: stop webhook intake first, then drain the pipeline
	// pools so accepted work finishes.
	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	done := make(chan struct{})
	go func() {
		dispatcher.Stop()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("Worker pools stopped gracefully")
	case <-time.After(60 * time.Second):
		logger.Warn("Pool shutdown timeout exceeded — unfinished runs stay running and are surfaced at next startup")
	}

	logger.Info("Shutdown complete")
}

// surfaceOrphanedRuns logs runs stuck in running from a previous process.
func surfaceOrphanedRuns(ctx context.Context, runs store.RunStore, logger *slog.Logger) {
	orphans, err := runs.ListRunning(ctx, time.Now())
	if err != nil {
		logger.Error("Failed to query orphaned runs", "error", err)
		return
	}
	for _, run := range orphans {
		logger.Warn("run left running by a previous process",
			"run_id", run.ID, "unit_id", run.UnitID, "started_at", run.StartedAt)
	}
	if len(orphans) > 0 {
		logger.Warn("orphaned runs detected; re-drive them via POST /runs/:id/rerun",
			"count", len(orphans))
	}
}

// newLogger builds the process logger: JSON at info level in production,
// text at debug level in development.
func newLogger(mode config.RuntimeMode) *slog.Logger {
	if mode == config.ModeProduction {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
