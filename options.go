package kanshi

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port            int
	databaseURL     string
	logger          *slog.Logger
	version         string
	emailSender     EmailSender
	webhookSender   WebhookSender
	platformClients []PlatformClient
	triggerHooks    []TriggerHook
	middlewares     []Middleware
	extraMigrations []fs.FS
}

// WithPort overrides the TCP port from config (KANSHI_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config
// (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithEmailSender replaces the built-in SMTP sender for notify actions.
// Only the last call wins.
func WithEmailSender(s EmailSender) Option {
	return func(o *resolvedOptions) { o.emailSender = s }
}

// WithWebhookSender replaces the built-in HTTP webhook sender.
// Only the last call wins.
func WithWebhookSender(s WebhookSender) Option {
	return func(o *resolvedOptions) { o.webhookSender = s }
}

// WithPlatformClient registers an additional advertising-platform client
// alongside the built-in Meta and Google clients. Multiple clients may be
// registered; each must report a distinct Provider().
func WithPlatformClient(c PlatformClient) Option {
	return func(o *resolvedOptions) { o.platformClients = append(o.platformClients, c) }
}

// WithTriggerHook registers a hook to receive trigger notifications.
// Multiple hooks may be registered; all registered hooks receive every
// trigger.
func WithTriggerHook(hook TriggerHook) Option {
	return func(o *resolvedOptions) { o.triggerHooks = append(o.triggerHooks, hook) }
}

// WithMiddleware registers an outermost HTTP middleware.
// Multiple middlewares may be registered. Applied in registration order:
// the first-registered middleware is outermost (called first by every request).
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}

// WithExtraMigrations adds an additional SQL migration filesystem to run
// after the embedded migrations. Multiple filesystems may be registered;
// they are applied in registration order.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
