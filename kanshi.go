// Package kanshi is the public API for embedding the kanshi monitoring engine.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := kanshi.New(
//	    kanshi.WithVersion(version),
//	    kanshi.WithLogger(logger),
//	    kanshi.WithTriggerHook(myPagerHook{}),
//	    kanshi.WithPlatformClient(myTikTokClient{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: kanshi (root) imports
// internal/*, but internal/* never imports kanshi (root). Public types
// (Trigger, Entity, Connection, etc.) are standalone structs with no internal
// imports; conversion helpers live here because this is the only file that
// sees both sides of the boundary.
package kanshi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/kanshi-ai/kanshi/api"
	"github.com/kanshi-ai/kanshi/internal/auth"
	"github.com/kanshi-ai/kanshi/internal/config"
	"github.com/kanshi-ai/kanshi/internal/dispatch"
	"github.com/kanshi-ai/kanshi/internal/guard"
	"github.com/kanshi-ai/kanshi/internal/mcp"
	"github.com/kanshi-ai/kanshi/internal/metrics"
	"github.com/kanshi-ai/kanshi/internal/model"
	"github.com/kanshi-ai/kanshi/internal/notify"
	"github.com/kanshi-ai/kanshi/internal/orchestrator"
	"github.com/kanshi-ai/kanshi/internal/platform"
	"github.com/kanshi-ai/kanshi/internal/ratelimit"
	"github.com/kanshi-ai/kanshi/internal/server"
	"github.com/kanshi-ai/kanshi/internal/storage"
	"github.com/kanshi-ai/kanshi/internal/telemetry"
	"github.com/kanshi-ai/kanshi/migrations"
)

// App is the kanshi server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	orch         *orchestrator.Orchestrator
	limiter      ratelimit.Limiter
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the kanshi server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kanshi starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	engineMetrics, err := telemetry.NewEngineMetrics()
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to database.
	db, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	// Run embedded migrations, then any extra (consumer) migrations.
	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	// Create JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}

	// Platform clients: built-in providers plus any registered extensions.
	secrets := platform.EnvSecrets{}
	clients := []platform.Client{
		platform.NewMetaClient("", secrets),
		platform.NewGoogleClient("", secrets),
	}
	for _, pc := range o.platformClients {
		clients = append(clients, &platformClientAdapter{c: pc})
		logger.Info("platform client registered", "provider", pc.Provider())
	}
	registry := platform.NewRegistry(clients...)
	checker := platform.NewChecker(5*time.Minute, logger)

	// Safety guards.
	actionLimiter := guard.NewRateLimiter(db, guard.Limits{
		PerEntity:    cfg.MaxEntityActionsPerDay,
		PerAgent:     cfg.MaxAgentActionsPerDay,
		PerWorkspace: cfg.MaxWorkspaceActionsPerDay,
	}, logger)
	breaker := guard.NewCircuitBreaker(db, guard.BreakerConfig{
		BudgetIncreaseCap: cfg.BudgetIncreaseCap,
		ROASDropPercent:   cfg.ROASDropPercent,
	}, logger)

	// Notification channels — external overrides take priority over SMTP.
	var email notify.EmailSender
	if o.emailSender != nil {
		email = &emailSenderAdapter{s: o.emailSender}
	} else {
		email = notify.NewSMTPSender(notify.SMTPConfig{
			Addr:     net.JoinHostPort(cfg.SMTPHost, strconv.Itoa(cfg.SMTPPort)),
			From:     cfg.SMTPFrom,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPassword,
		})
	}
	var webhook dispatch.WebhookSender = notify.NewWebhookSender()
	if o.webhookSender != nil {
		webhook = o.webhookSender
	}

	dispatcher := dispatch.New(registry, checker, actionLimiter, email, webhook, db, logger)

	// Trigger hooks observe the dispatcher's output.
	var runner orchestrator.ActionRunner = dispatcher
	if len(o.triggerHooks) > 0 {
		runner = &hookedRunner{inner: dispatcher, hooks: o.triggerHooks, logger: logger}
	}

	obs := metrics.NewSource(db, logger)
	orch := orchestrator.New(db, obs, runner, breaker, orchestrator.Config{
		CycleInterval:       cfg.CycleInterval,
		Concurrency:         cfg.Concurrency,
		AgentErrorThreshold: cfg.AgentErrorThreshold,
		EntityErrorLimit:    cfg.EntityErrorLimit,
	}, engineMetrics, logger)

	// MCP server.
	mcpSrv := mcp.New(db, logger, version)

	// API rate limiter.
	var apiLimiter ratelimit.Limiter
	if cfg.RateLimitPerMinute > 0 {
		apiLimiter = ratelimit.PerMinute(cfg.RateLimitPerMinute)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"per_minute", cfg.RateLimitPerMinute)
	} else {
		apiLimiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	// Adapt middlewares from kanshi.Middleware to the internal signature.
	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		mw := mw // capture
		middlewares = append(middlewares, func(h http.Handler) http.Handler { return mw(h) })
	}

	// HTTP server (MCP mounted at /mcp).
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
		Middlewares:         middlewares,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		orch:         orch,
		limiter:      apiLimiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the evaluation engine and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown is
// called automatically — callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	// The engine gets its own context so HTTP shutdown can complete before
	// the engine stops mid-cycle.
	engineCtx, engineCancel := context.WithCancel(context.Background())
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := a.orch.Run(engineCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("engine stopped", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		engineCancel()
		<-engineDone
		return err
	}

	return a.shutdown(engineCancel, engineDone)
}

// shutdown performs a two-phase graceful stop:
// (1) stop accepting HTTP requests and drain in-flight,
// (2) stop the engine and let the current cycle's evaluations persist.
// It then closes the rate limiter, database pool, and OTEL provider.
func (a *App) shutdown(engineCancel context.CancelFunc, engineDone <-chan struct{}) error {
	a.logger.Info("kanshi shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	engineCancel()
	select {
	case <-engineDone:
	case <-time.After(30 * time.Second):
		a.logger.Error("engine did not stop within 30s")
	}

	_ = a.limiter.Close()
	_ = a.otelShutdown(context.Background())
	a.db.Close()

	a.logger.Info("kanshi stopped")
	return nil
}

// ── Adapters (defined here because this file imports both sides) ───────────────

// hookedRunner wraps the dispatcher and fires TriggerHooks after each
// executed action batch. Hooks run in goroutines with their own timeout;
// failures are logged, never propagated into the evaluation.
type hookedRunner struct {
	inner  orchestrator.ActionRunner
	hooks  []TriggerHook
	logger *slog.Logger
}

func (r *hookedRunner) Execute(ctx context.Context, target dispatch.Target, now time.Time) ([]model.ActionResult, bool) {
	results, blocked := r.inner.Execute(ctx, target, now)

	trigger := toPublicTrigger(target, results, now)
	hooks := r.hooks
	logger := r.logger
	go func() {
		hookCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, h := range hooks {
			if err := h.OnAgentTriggered(hookCtx, trigger); err != nil {
				logger.Warn("trigger hook failed", "error", err, "agent_id", trigger.AgentID)
			}
		}
	}()

	return results, blocked
}

// emailSenderAdapter wraps a public EmailSender to satisfy notify.EmailSender.
type emailSenderAdapter struct {
	s EmailSender
}

func (a *emailSenderAdapter) Send(ctx context.Context, email notify.Email) error {
	return a.s.Send(ctx, Email{
		Recipients: email.Recipients,
		Subject:    email.Subject,
		Body:       email.Body,
	})
}

// platformClientAdapter wraps a public PlatformClient to satisfy
// platform.Client. It converts internal model types to public types at the
// boundary.
type platformClientAdapter struct {
	c PlatformClient
}

func (a *platformClientAdapter) Provider() model.Provider {
	return model.Provider(a.c.Provider())
}

func (a *platformClientAdapter) Supports(level model.EntityLevel) bool {
	return a.c.Supports(string(level))
}

func (a *platformClientAdapter) HealthCheck(ctx context.Context, conn model.Connection) error {
	return a.c.HealthCheck(ctx, toPublicConnection(conn))
}

func (a *platformClientAdapter) GetLiveState(ctx context.Context, conn model.Connection, entity model.Entity) (platform.LiveState, error) {
	ls, err := a.c.GetLiveState(ctx, toPublicConnection(conn), toPublicEntity(entity))
	if err != nil {
		return platform.LiveState{}, err
	}
	return platform.LiveState{
		ExternalID:  ls.ExternalID,
		Name:        ls.Name,
		Status:      ls.Status,
		DailyBudget: ls.DailyBudget,
	}, nil
}

func (a *platformClientAdapter) UpdateStatus(ctx context.Context, conn model.Connection, entity model.Entity, status string) error {
	return a.c.UpdateStatus(ctx, toPublicConnection(conn), toPublicEntity(entity), status)
}

func (a *platformClientAdapter) UpdateBudget(ctx context.Context, conn model.Connection, entity model.Entity, native int64) error {
	return a.c.UpdateBudget(ctx, toPublicConnection(conn), toPublicEntity(entity), native)
}

func (a *platformClientAdapter) NativeBudget(major float64) int64 {
	return a.c.NativeBudget(major)
}

func (a *platformClientAdapter) BudgetFromNative(native int64) float64 {
	return a.c.BudgetFromNative(native)
}

// ── Type converters ────────────────────────────────────────────────────────────

// toPublicTrigger converts a dispatched action batch to the public Trigger.
// Lives here because this is the only file that imports both sides of the
// boundary.
func toPublicTrigger(target dispatch.Target, results []model.ActionResult, now time.Time) Trigger {
	actions := make([]ActionOutcome, len(results))
	for i, r := range results {
		actions[i] = ActionOutcome{
			Type:        string(r.Type),
			Success:     r.Success,
			Skipped:     r.Skipped,
			SkipReason:  r.SkipReason,
			Description: r.Description,
			Error:       r.Error,
		}
	}

	observations := make(map[string]float64, len(target.Observations))
	for metric, value := range target.Observations {
		observations[metric] = value
	}

	t := Trigger{
		AgentID:      target.Agent.ID,
		AgentName:    target.Agent.Name,
		WorkspaceID:  target.Agent.WorkspaceID,
		EntityID:     target.EntityID,
		Reason:       target.TriggerReason,
		Observations: observations,
		Actions:      actions,
		TriggeredAt:  now,
	}
	if target.Entity != nil {
		t.Entity = ptr(toPublicEntity(*target.Entity))
	}
	return t
}

func toPublicConnection(c model.Connection) Connection {
	return Connection{
		ID:            c.ID,
		WorkspaceID:   c.WorkspaceID,
		Provider:      string(c.Provider),
		AccountID:     c.AccountID,
		CredentialRef: c.CredentialRef,
		ExpiresAt:     c.ExpiresAt,
	}
}

func toPublicEntity(e model.Entity) Entity {
	return Entity{
		ID:          e.ID,
		WorkspaceID: e.WorkspaceID,
		Provider:    string(e.Provider),
		Level:       string(e.Level),
		ExternalID:  e.ExternalID,
		Name:        e.Name,
		Status:      e.Status,
		DailyBudget: e.DailyBudget,
	}
}

func ptr[T any](v T) *T { return &v }
