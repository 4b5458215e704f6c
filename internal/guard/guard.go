// Package guard holds the safety rails between a triggered agent and the
// outside world: daily mutation caps and the circuit breaker that pauses an
// agent when it misbehaves. Blocked is an outcome, never an error.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kanshi-ai/kanshi/internal/model"
)

// Default daily caps on platform mutations.
const (
	DefaultEntityDailyCap    = 3
	DefaultAgentDailyCap     = 20
	DefaultWorkspaceDailyCap = 100
)

// defaultBudgetWindow is the trailing window the breaker sums budget
// increases over.
const defaultBudgetWindow = 7 * 24 * time.Hour

// DefaultConsecutiveErrorLimit trips the breaker when any entity under an
// agent fails this many evaluations in a row.
const DefaultConsecutiveErrorLimit = 5

// ActionCounts is the slice of the storage layer the rate limiter reads.
type ActionCounts interface {
	CountEntityActionsSince(ctx context.Context, entityID string, since time.Time) (int, error)
	CountAgentActionsSince(ctx context.Context, agentID uuid.UUID, since time.Time) (int, error)
	CountWorkspaceActionsSince(ctx context.Context, workspaceID uuid.UUID, since time.Time) (int, error)
}

// Limits are the daily mutation caps. Zero values select the defaults.
type Limits struct {
	PerEntity    int
	PerAgent     int
	PerWorkspace int
}

func (l Limits) withDefaults() Limits {
	if l.PerEntity <= 0 {
		l.PerEntity = DefaultEntityDailyCap
	}
	if l.PerAgent <= 0 {
		l.PerAgent = DefaultAgentDailyCap
	}
	if l.PerWorkspace <= 0 {
		l.PerWorkspace = DefaultWorkspaceDailyCap
	}
	return l
}

// RateLimiter enforces the daily caps before any mutating action runs.
type RateLimiter struct {
	store  ActionCounts
	limits Limits
	logger *slog.Logger
}

// NewRateLimiter creates a rate limiter over the action execution history.
func NewRateLimiter(store ActionCounts, limits Limits, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{store: store, limits: limits.withDefaults(), logger: logger}
}

// Allow reports whether one more platform mutation may run for this
// (agent, entity) pair today. A false result carries the human-readable
// reason recorded on the blocked action.
func (r *RateLimiter) Allow(ctx context.Context, agent model.Agent, entityID string, now time.Time) (bool, string, error) {
	dayStart := now.UTC().Truncate(24 * time.Hour)

	entityCount, err := r.store.CountEntityActionsSince(ctx, entityID, dayStart)
	if err != nil {
		return false, "", fmt.Errorf("guard: entity action count: %w", err)
	}
	if entityCount >= r.limits.PerEntity {
		return false, fmt.Sprintf("daily entity action cap reached (%d/%d)", entityCount, r.limits.PerEntity), nil
	}

	agentCount, err := r.store.CountAgentActionsSince(ctx, agent.ID, dayStart)
	if err != nil {
		return false, "", fmt.Errorf("guard: agent action count: %w", err)
	}
	if agentCount >= r.limits.PerAgent {
		return false, fmt.Sprintf("daily agent action cap reached (%d/%d)", agentCount, r.limits.PerAgent), nil
	}

	workspaceCount, err := r.store.CountWorkspaceActionsSince(ctx, agent.WorkspaceID, dayStart)
	if err != nil {
		return false, "", fmt.Errorf("guard: workspace action count: %w", err)
	}
	if workspaceCount >= r.limits.PerWorkspace {
		return false, fmt.Sprintf("daily workspace action cap reached (%d/%d)", workspaceCount, r.limits.PerWorkspace), nil
	}

	return true, "", nil
}

// BreakerStore is the slice of the storage layer the circuit breaker reads.
type BreakerStore interface {
	MaxConsecutiveErrors(ctx context.Context, agentID uuid.UUID) (int, error)
	SumBudgetIncreasesSince(ctx context.Context, agentID uuid.UUID, since time.Time) (float64, error)
}

// BreakerConfig tunes the circuit breaker. Zero caps disable their check.
type BreakerConfig struct {
	ConsecutiveErrorLimit int
	BudgetWindow          time.Duration
	BudgetIncreaseCap     float64 // major currency units; 0 disables
	ROASDropPercent       float64 // 0 disables the regression check
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.ConsecutiveErrorLimit <= 0 {
		c.ConsecutiveErrorLimit = DefaultConsecutiveErrorLimit
	}
	if c.BudgetWindow <= 0 {
		c.BudgetWindow = defaultBudgetWindow
	}
	return c
}

// Verdict is a circuit breaker decision. A tripped verdict pauses the agent;
// resuming requires a human.
type Verdict struct {
	Tripped bool
	Reason  string
}

// CircuitBreaker pauses agents that keep failing or keep spending.
type CircuitBreaker struct {
	store  BreakerStore
	cfg    BreakerConfig
	logger *slog.Logger
}

// NewCircuitBreaker creates a circuit breaker.
func NewCircuitBreaker(store BreakerStore, cfg BreakerConfig, logger *slog.Logger) *CircuitBreaker {
	return &CircuitBreaker{store: store, cfg: cfg.withDefaults(), logger: logger}
}

// Check runs the error-streak and budget-window checks for an agent.
func (b *CircuitBreaker) Check(ctx context.Context, agent model.Agent, now time.Time) (Verdict, error) {
	errorStreak, err := b.store.MaxConsecutiveErrors(ctx, agent.ID)
	if err != nil {
		return Verdict{}, fmt.Errorf("guard: breaker error streak: %w", err)
	}
	if errorStreak >= b.cfg.ConsecutiveErrorLimit {
		return Verdict{
			Tripped: true,
			Reason:  fmt.Sprintf("entity reached %d consecutive errors (limit %d)", errorStreak, b.cfg.ConsecutiveErrorLimit),
		}, nil
	}

	if b.cfg.BudgetIncreaseCap > 0 {
		sum, err := b.store.SumBudgetIncreasesSince(ctx, agent.ID, now.Add(-b.cfg.BudgetWindow))
		if err != nil {
			return Verdict{}, fmt.Errorf("guard: breaker budget sum: %w", err)
		}
		if sum > b.cfg.BudgetIncreaseCap {
			return Verdict{
				Tripped: true,
				Reason: fmt.Sprintf("budget increases of %.2f over %s exceed cap %.2f",
					sum, b.cfg.BudgetWindow, b.cfg.BudgetIncreaseCap),
			}, nil
		}
	}

	return Verdict{}, nil
}

// CheckROAS runs the optional post-action performance regression check: if
// the scope's roas on the most recent history date has dropped more than the
// configured percentage since the date of the last trigger, the breaker
// trips. Pure over the data the orchestrator already holds.
func (b *CircuitBreaker) CheckROAS(history model.History, lastTriggeredAt *time.Time) Verdict {
	if b.cfg.ROASDropPercent <= 0 || lastTriggeredAt == nil {
		return Verdict{}
	}

	baseline, ok := roasOn(history, model.DateKey(*lastTriggeredAt))
	if !ok || baseline <= 0 {
		return Verdict{}
	}
	current, ok := latestROAS(history)
	if !ok {
		return Verdict{}
	}

	drop := (baseline - current) / baseline * 100
	if drop > b.cfg.ROASDropPercent {
		return Verdict{
			Tripped: true,
			Reason: fmt.Sprintf("roas dropped %.1f%% since last trigger (%.2f -> %.2f, limit %.1f%%)",
				drop, baseline, current, b.cfg.ROASDropPercent),
		}
	}
	return Verdict{}
}

func roasOn(history model.History, date string) (float64, bool) {
	obs, ok := history[date]
	if !ok {
		return 0, false
	}
	return obs.Get(model.MetricROAS)
}

func latestROAS(history model.History) (float64, bool) {
	dates := make([]string, 0, len(history))
	for date := range history {
		if _, ok := history[date][model.MetricROAS]; ok {
			dates = append(dates, date)
		}
	}
	if len(dates) == 0 {
		return 0, false
	}
	sort.Strings(dates)
	return history[dates[len(dates)-1]][model.MetricROAS], true
}
