package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/kanshi-ai/kanshi/api"
	"github.com/kanshi-ai/kanshi/internal/auth"
	"github.com/kanshi-ai/kanshi/internal/config"
	"github.com/kanshi-ai/kanshi/internal/dispatch"
	"github.com/kanshi-ai/kanshi/internal/guard"
	"github.com/kanshi-ai/kanshi/internal/mcp"
	"github.com/kanshi-ai/kanshi/internal/metrics"
	"github.com/kanshi-ai/kanshi/internal/notify"
	"github.com/kanshi-ai/kanshi/internal/orchestrator"
	"github.com/kanshi-ai/kanshi/internal/platform"
	"github.com/kanshi-ai/kanshi/internal/ratelimit"
	"github.com/kanshi-ai/kanshi/internal/server"
	"github.com/kanshi-ai/kanshi/internal/storage"
	"github.com/kanshi-ai/kanshi/internal/telemetry"
	"github.com/kanshi-ai/kanshi/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("KANSHI_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("kanshi starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	engineMetrics, err := telemetry.NewEngineMetrics()
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	// Connect to database.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	// Run embedded migrations. RunMigrations tracks applied files in
	// schema_migrations and skips duplicates, so errors here indicate real
	// failures (not "already exists").
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Create JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// Platform clients resolve credentials from environment variables at
	// mutation time, so rotated secrets take effect without a restart.
	secrets := platform.EnvSecrets{}
	registry := platform.NewRegistry(
		platform.NewMetaClient("", secrets),
		platform.NewGoogleClient("", secrets),
	)
	checker := platform.NewChecker(5*time.Minute, logger)

	// Safety guards share the storage layer's daily action counts and
	// evaluation event history.
	limiter := guard.NewRateLimiter(db, guard.Limits{
		PerEntity:    cfg.MaxEntityActionsPerDay,
		PerAgent:     cfg.MaxAgentActionsPerDay,
		PerWorkspace: cfg.MaxWorkspaceActionsPerDay,
	}, logger)
	breaker := guard.NewCircuitBreaker(db, guard.BreakerConfig{
		BudgetIncreaseCap: cfg.BudgetIncreaseCap,
		ROASDropPercent:   cfg.ROASDropPercent,
	}, logger)

	// Notification channels. SMTP settings may be absent; sends then fail
	// per-action and are recorded on the evaluation event, never fatal.
	email := notify.NewSMTPSender(notify.SMTPConfig{
		Addr:     net.JoinHostPort(cfg.SMTPHost, strconv.Itoa(cfg.SMTPPort)),
		From:     cfg.SMTPFrom,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPassword,
	})
	if cfg.SMTPHost == "" {
		logger.Info("smtp: not configured, notify actions will record failures")
	}
	webhook := notify.NewWebhookSender()

	dispatcher := dispatch.New(registry, checker, limiter, email, webhook, db, logger)
	obs := metrics.NewSource(db, logger)

	orch := orchestrator.New(db, obs, dispatcher, breaker, orchestrator.Config{
		CycleInterval:       cfg.CycleInterval,
		Concurrency:         cfg.Concurrency,
		AgentErrorThreshold: cfg.AgentErrorThreshold,
		EntityErrorLimit:    cfg.EntityErrorLimit,
	}, engineMetrics, logger)

	// Create MCP server.
	mcpSrv := mcp.New(db, logger, version)

	// Create rate limiter for the HTTP API.
	var apiLimiter ratelimit.Limiter
	if cfg.RateLimitPerMinute > 0 {
		apiLimiter = ratelimit.PerMinute(cfg.RateLimitPerMinute)
		defer func() { _ = apiLimiter.Close() }()
		logger.Info("rate limiting: memory (in-process token bucket)",
			"per_minute", cfg.RateLimitPerMinute)
	} else {
		apiLimiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	// Create HTTP server (MCP mounted at /mcp).
	srv := server.New(server.Config{
		Store:               db,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Limiter:             apiLimiter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	})

	// Start the evaluation engine. It gets its own context so HTTP shutdown
	// can complete before the engine stops mid-cycle.
	engineCtx, engineCancel := context.WithCancel(context.Background())
	defer engineCancel()
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := orch.Run(engineCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("engine stopped", "error", err)
		}
	}()

	// Start HTTP server in background.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases. Order: (1) stop accepting new
	// HTTP requests and drain in-flight, (2) stop the engine and let the
	// current cycle's evaluations persist their state, (3) flush telemetry
	// and close the pool via the deferred cleanups.
	slog.Info("kanshi shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	engineCancel()
	select {
	case <-engineDone:
	case <-time.After(30 * time.Second):
		slog.Error("engine did not stop within 30s")
	}

	slog.Info("kanshi stopped")
	return nil
}
