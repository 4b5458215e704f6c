// Package platform talks to external advertising platforms. Each provider
// implements Client; the dispatcher never mutates an entity without a live
// state fetch through the same client it will mutate with.
package platform

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/kanshi-ai/kanshi/internal/model"
)

// LiveState is the authoritative platform-side view of an entity at the
// moment of a mutation. Locally synced values are treated as hints only.
type LiveState struct {
	ExternalID  string  `json:"external_id"`
	Name        string  `json:"name"`
	Status      string  `json:"status"`       // normalized: active/paused/archived
	DailyBudget float64 `json:"daily_budget"` // major currency units
}

// Client is one provider's mutation surface.
type Client interface {
	Provider() model.Provider

	// Supports reports whether the provider can mutate entities at this
	// level. Unsupported levels produce skipped results, not errors.
	Supports(level model.EntityLevel) bool

	// HealthCheck verifies the connection's credential against a cheap
	// endpoint. Callers go through Checker for TTL caching.
	HealthCheck(ctx context.Context, conn model.Connection) error

	GetLiveState(ctx context.Context, conn model.Connection, entity model.Entity) (LiveState, error)
	UpdateStatus(ctx context.Context, conn model.Connection, entity model.Entity, status string) error

	// UpdateBudget sets the daily budget in the provider's native unit.
	UpdateBudget(ctx context.Context, conn model.Connection, entity model.Entity, native int64) error

	// NativeBudget converts major currency units to the provider's native
	// budget unit, rounding; BudgetFromNative converts back.
	NativeBudget(major float64) int64
	BudgetFromNative(native int64) float64
}

// APIError is a platform API failure, classified so callers can distinguish
// retry-worthy blips from configuration problems.
type APIError struct {
	Provider  model.Provider
	Status    int
	Body      string
	Transient bool
}

func (e *APIError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("platform: %s API error (%s, status %d): %s", e.Provider, kind, e.Status, e.Body)
}

// IsTransient reports whether err is a transient platform API error.
func IsTransient(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Transient
}

// SecretResolver turns a connection's opaque credential reference into a
// usable access token. Token refresh happens upstream; by the time the
// engine runs, the reference resolves to a live token or nothing.
type SecretResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// EnvSecrets resolves credential references from environment variables,
// suitable for single-tenant deployments and tests.
type EnvSecrets struct{}

// Resolve looks the reference up as an environment variable name.
func (EnvSecrets) Resolve(_ context.Context, ref string) (string, error) {
	token := os.Getenv(ref)
	if token == "" {
		return "", fmt.Errorf("platform: credential ref %q not resolvable", ref)
	}
	return token, nil
}
