// Package dispatch executes a triggered agent's actions. Non-mutating
// actions (notify, webhook) run directly; platform mutations go through the
// full safety pipeline: connection check, cached health check, live state
// fetch, precondition validation, clamped budget math, mutate, verify.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kanshi-ai/kanshi/internal/guard"
	"github.com/kanshi-ai/kanshi/internal/model"
	"github.com/kanshi-ai/kanshi/internal/notify"
	"github.com/kanshi-ai/kanshi/internal/platform"
)

// ConnectionStore is the slice of the storage layer the dispatcher reads.
type ConnectionStore interface {
	GetConnection(ctx context.Context, id uuid.UUID) (model.Connection, error)
}

// WebhookSender delivers webhook payloads.
type WebhookSender interface {
	Send(ctx context.Context, url, method string, headers map[string]string, payload any) error
}

// Target is the unit a trigger fired for: a concrete entity, or an
// aggregate scope where Entity is nil.
type Target struct {
	Agent         model.Agent
	Entity        *model.Entity
	EntityID      string
	Observations  model.Observations
	TriggerReason string
}

// Dispatcher runs action batches.
type Dispatcher struct {
	registry *platform.Registry
	checker  *platform.Checker
	limiter  *guard.RateLimiter
	email    notify.EmailSender
	webhook  WebhookSender
	conns    ConnectionStore
	logger   *slog.Logger
}

// New creates a dispatcher.
func New(
	registry *platform.Registry,
	checker *platform.Checker,
	limiter *guard.RateLimiter,
	email notify.EmailSender,
	webhook WebhookSender,
	conns ConnectionStore,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		checker:  checker,
		limiter:  limiter,
		email:    email,
		webhook:  webhook,
		conns:    conns,
		logger:   logger,
	}
}

// Execute runs every configured action in order and returns one result per
// action. An action failure never aborts the batch. blocked reports whether
// the rate limiter stopped at least one mutation.
func (d *Dispatcher) Execute(ctx context.Context, target Target, now time.Time) (results []model.ActionResult, blocked bool) {
	results = make([]model.ActionResult, 0, len(target.Agent.Actions))
	for _, cfg := range target.Agent.Actions {
		start := time.Now()
		var res model.ActionResult

		if cfg.Type.IsMutating() {
			allowed, reason, err := d.limiter.Allow(ctx, target.Agent, target.EntityID, now)
			switch {
			case err != nil:
				res = model.FailedResult(cfg.Type, err)
			case !allowed:
				res = model.SkippedResult(cfg.Type, "rate limited: "+reason)
				blocked = true
			default:
				res = d.executeMutation(ctx, target, cfg, now)
			}
		} else {
			res = d.executeNotification(ctx, target, cfg)
		}

		res.DurationMs = time.Since(start).Milliseconds()
		if res.Error != "" {
			d.logger.Warn("action failed",
				"agent_id", target.Agent.ID, "entity_id", target.EntityID,
				"action", cfg.Type, "error", res.Error)
		}
		results = append(results, res)
	}
	return results, blocked
}

func (d *Dispatcher) executeNotification(ctx context.Context, target Target, cfg model.ActionConfig) model.ActionResult {
	vars := templateVars(target.Agent, target.Entity, target.EntityID, target.Observations)

	switch cfg.Type {
	case model.ActionNotify:
		subject := renderTemplate(cfg.Subject, vars)
		if subject == "" {
			subject = fmt.Sprintf("[kanshi] %s triggered", target.Agent.Name)
		}
		body := renderTemplate(cfg.Message, vars)
		if body == "" {
			body = target.TriggerReason
		}
		if err := d.email.Send(ctx, notify.Email{
			Recipients: cfg.Recipients,
			Subject:    subject,
			Body:       body,
		}); err != nil {
			return model.FailedResult(cfg.Type, err)
		}
		return model.ActionResult{
			Type: cfg.Type, Success: true,
			Description: fmt.Sprintf("notified %d recipient(s)", len(cfg.Recipients)),
		}

	case model.ActionWebhook:
		payload := map[string]any{
			"agent_id":       target.Agent.ID,
			"agent_name":     target.Agent.Name,
			"entity_id":      target.EntityID,
			"observations":   target.Observations,
			"trigger_reason": target.TriggerReason,
			"message":        renderTemplate(cfg.Message, vars),
		}
		if err := d.webhook.Send(ctx, cfg.URL, cfg.Method, cfg.Headers, payload); err != nil {
			return model.FailedResult(cfg.Type, err)
		}
		return model.ActionResult{
			Type: cfg.Type, Success: true,
			Description: "webhook delivered to " + cfg.URL,
		}
	}
	return model.SkippedResult(cfg.Type, "unknown non-mutating action type")
}

// executeMutation is the guarded platform mutation pipeline. Every exit
// before the mutate step is a skip, not a failure.
func (d *Dispatcher) executeMutation(ctx context.Context, target Target, cfg model.ActionConfig, now time.Time) model.ActionResult {
	if target.Entity == nil {
		return model.SkippedResult(cfg.Type, "platform mutations are not available for aggregate scopes")
	}
	entity := *target.Entity

	if entity.ConnectionID == nil {
		return model.SkippedResult(cfg.Type, "entity has no platform connection")
	}
	conn, err := d.conns.GetConnection(ctx, *entity.ConnectionID)
	if err != nil {
		return model.FailedResult(cfg.Type, err)
	}
	if !conn.HasUsableCredential(now) {
		return model.SkippedResult(cfg.Type, fmt.Sprintf("connection %s has no usable credential (status %s)", conn.ID, conn.Status))
	}

	client, err := d.registry.Get(entity.Provider)
	if err != nil {
		return model.SkippedResult(cfg.Type, err.Error())
	}
	if !client.Supports(entity.Level) {
		return model.SkippedResult(cfg.Type, fmt.Sprintf("provider %s does not support %s-level mutations", entity.Provider, entity.Level))
	}

	if err := d.checker.Check(ctx, client, conn); err != nil {
		return model.SkippedResult(cfg.Type, "connection unhealthy: "+err.Error())
	}

	// Live state is authoritative; the synced row may be hours stale.
	live, err := client.GetLiveState(ctx, conn, entity)
	if err != nil {
		return model.FailedResult(cfg.Type, err)
	}

	switch cfg.Type {
	case model.ActionScaleBudget:
		return d.scaleBudget(ctx, client, conn, entity, cfg, live)
	case model.ActionPauseEntity:
		return d.setStatus(ctx, client, conn, entity, cfg, live, model.EntityStatusPaused)
	case model.ActionResumeEntity:
		return d.setStatus(ctx, client, conn, entity, cfg, live, model.EntityStatusActive)
	}
	return model.SkippedResult(cfg.Type, "unknown mutating action type")
}

func (d *Dispatcher) scaleBudget(
	ctx context.Context,
	client platform.Client,
	conn model.Connection,
	entity model.Entity,
	cfg model.ActionConfig,
	live platform.LiveState,
) model.ActionResult {
	if live.Status != model.EntityStatusActive {
		return model.SkippedResult(cfg.Type, fmt.Sprintf("entity is %s, only active entities can be scaled", live.Status))
	}
	if live.DailyBudget <= 0 {
		return model.SkippedResult(cfg.Type, "entity has no daily budget to scale")
	}

	target := scaledBudget(live.DailyBudget, cfg)

	// Round through the provider's native unit so what we verify is what
	// the platform will actually store.
	nativeTarget := client.NativeBudget(target)
	if nativeTarget == client.NativeBudget(live.DailyBudget) {
		return model.SkippedResult(cfg.Type, fmt.Sprintf("budget already at target %.2f after clamping", client.BudgetFromNative(nativeTarget)))
	}

	before := map[string]any{"daily_budget": live.DailyBudget, "status": live.Status}
	if err := client.UpdateBudget(ctx, conn, entity, nativeTarget); err != nil {
		res := model.FailedResult(cfg.Type, err)
		res.StateBefore = before
		return res
	}

	res := model.ActionResult{
		Type: cfg.Type, Success: true,
		Description: fmt.Sprintf("daily budget %.2f -> %.2f (%+.1f%%)",
			live.DailyBudget, client.BudgetFromNative(nativeTarget), cfg.ScalePercent),
		StateBefore:      before,
		RollbackPossible: true,
		Rollback:         map[string]any{"daily_budget": live.DailyBudget},
	}

	verified, err := client.GetLiveState(ctx, conn, entity)
	if err != nil {
		res.Description += " (verification fetch failed)"
		return res
	}
	res.StateAfter = map[string]any{"daily_budget": verified.DailyBudget, "status": verified.Status}
	if client.NativeBudget(verified.DailyBudget) != nativeTarget {
		res.Success = false
		res.Error = fmt.Sprintf("verification mismatch: platform reports daily budget %.2f, expected %.2f",
			verified.DailyBudget, client.BudgetFromNative(nativeTarget))
	}
	return res
}

func (d *Dispatcher) setStatus(
	ctx context.Context,
	client platform.Client,
	conn model.Connection,
	entity model.Entity,
	cfg model.ActionConfig,
	live platform.LiveState,
	want string,
) model.ActionResult {
	if live.Status == want {
		// Idempotent no-op: success, skipped, never an error.
		return model.SkippedResult(cfg.Type, "entity is already "+want)
	}

	before := map[string]any{"status": live.Status, "daily_budget": live.DailyBudget}
	if err := client.UpdateStatus(ctx, conn, entity, want); err != nil {
		res := model.FailedResult(cfg.Type, err)
		res.StateBefore = before
		return res
	}

	res := model.ActionResult{
		Type: cfg.Type, Success: true,
		Description:      fmt.Sprintf("status %s -> %s", live.Status, want),
		StateBefore:      before,
		RollbackPossible: true,
		Rollback:         map[string]any{"status": live.Status},
	}

	verified, err := client.GetLiveState(ctx, conn, entity)
	if err != nil {
		res.Description += " (verification fetch failed)"
		return res
	}
	res.StateAfter = map[string]any{"status": verified.Status, "daily_budget": verified.DailyBudget}
	if verified.Status != want {
		res.Success = false
		res.Error = fmt.Sprintf("verification mismatch: platform reports status %s, expected %s",
			verified.Status, want)
	}
	return res
}

// scaledBudget applies the signed percentage and clamps to the configured
// floor and ceiling.
func scaledBudget(current float64, cfg model.ActionConfig) float64 {
	target := current * (1 + cfg.ScalePercent/100)
	if cfg.MinBudget != nil && target < *cfg.MinBudget {
		target = *cfg.MinBudget
	}
	if cfg.MaxBudget != nil && target > *cfg.MaxBudget {
		target = *cfg.MaxBudget
	}
	return target
}
