package kanshi

import (
	"context"
	"net/http"
)

// TriggerHook receives async notifications when an agent fires and its
// action batch has run. Multiple hooks may be registered via multiple
// WithTriggerHook calls. Hook methods run in goroutines — they must not
// block indefinitely. Failures are logged but never affect the evaluation.
type TriggerHook interface {
	OnAgentTriggered(ctx context.Context, trigger Trigger) error
}

// EmailSender delivers notification emails.
// When provided via WithEmailSender, replaces the built-in SMTP sender.
type EmailSender interface {
	Send(ctx context.Context, email Email) error
}

// WebhookSender delivers webhook payloads for webhook actions.
// When provided via WithWebhookSender, replaces the built-in HTTP sender.
type WebhookSender interface {
	Send(ctx context.Context, url, method string, headers map[string]string, payload any) error
}

// PlatformClient is an additional advertising-platform integration.
// Registered clients sit alongside the built-in Meta and Google clients;
// entities whose provider matches Provider() are mutated through this
// client. The dispatcher always fetches live state through the same client
// it mutates with, so GetLiveState must reflect the platform's current
// truth, not a local cache.
type PlatformClient interface {
	// Provider is the provider key entities reference (e.g. "tiktok").
	Provider() string

	// Supports reports whether the provider can mutate entities at this
	// level ("campaign", "adset", "ad"). Unsupported levels produce
	// skipped results, not errors.
	Supports(level string) bool

	// HealthCheck verifies the connection's credential against a cheap
	// endpoint.
	HealthCheck(ctx context.Context, conn Connection) error

	GetLiveState(ctx context.Context, conn Connection, entity Entity) (LiveState, error)
	UpdateStatus(ctx context.Context, conn Connection, entity Entity, status string) error

	// UpdateBudget sets the daily budget in the provider's native unit.
	UpdateBudget(ctx context.Context, conn Connection, entity Entity, native int64) error

	// NativeBudget converts major currency units to the provider's native
	// budget unit, rounding; BudgetFromNative converts back.
	NativeBudget(major float64) int64
	BudgetFromNative(native int64) float64
}

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including
// /health. Multiple middlewares are applied in registration order
// (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
