package kanshi

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Condition is the JSON-encoded condition tree an agent evaluates. The
// server validates the structure; use the New*Condition helpers to build
// common shapes without hand-writing JSON.
type Condition = json.RawMessage

// NewThresholdCondition builds a threshold condition: metric <op> value.
// Operators: gt, gte, lt, lte, eq.
func NewThresholdCondition(metric, operator string, value float64) Condition {
	raw, _ := json.Marshal(map[string]any{
		"type":     "threshold",
		"metric":   metric,
		"operator": operator,
		"value":    value,
	})
	return raw
}

// NewChangeCondition builds a change condition: metric moved by at least
// changePercent (signed) against a lookback baseline.
// Baselines: previous_day, same_day_last_week, trailing_7d_avg, trailing_30d_avg.
func NewChangeCondition(metric, baseline string, changePercent float64, lookbackDays int) Condition {
	raw, _ := json.Marshal(map[string]any{
		"type":           "change",
		"metric":         metric,
		"baseline":       baseline,
		"change_percent": changePercent,
		"lookback_days":  lookbackDays,
	})
	return raw
}

// NewCompositeCondition combines conditions with "and" or "or".
func NewCompositeCondition(operator string, conditions ...Condition) Condition {
	raw, _ := json.Marshal(map[string]any{
		"type":       "composite",
		"operator":   operator,
		"conditions": conditions,
	})
	return raw
}

// NewNotCondition negates a condition.
func NewNotCondition(condition Condition) Condition {
	raw, _ := json.Marshal(map[string]any{
		"type":      "not",
		"condition": condition,
	})
	return raw
}

// Accumulation configures how long a condition must hold before the agent
// fires. Units: evaluations, hours, days. Modes: consecutive, within_window.
type Accumulation struct {
	Required      int    `json:"required"`
	Unit          string `json:"unit"`
	Mode          string `json:"mode"`
	WindowMinutes int    `json:"window_minutes,omitempty"`
}

// TriggerConfig controls re-fire behavior. Modes: once, cooldown, continuous.
type TriggerConfig struct {
	Mode                      string `json:"mode"`
	CooldownMinutes           int    `json:"cooldown_minutes,omitempty"`
	ContinuousIntervalMinutes int    `json:"continuous_interval_minutes,omitempty"`
}

// Action is one entry in an agent's action batch.
type Action struct {
	Type string `json:"type"` // notify | webhook | pause_entity | resume_entity | scale_budget

	// notify
	Recipients []string `json:"recipients,omitempty"`
	Subject    string   `json:"subject,omitempty"`
	Message    string   `json:"message,omitempty"`

	// webhook
	URL     string            `json:"url,omitempty"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// scale_budget
	ScalePercent float64  `json:"scale_percent,omitempty"`
	MinBudget    *float64 `json:"min_budget,omitempty"`
	MaxBudget    *float64 `json:"max_budget,omitempty"`
}

// ScopeFilter narrows a filter scope by entity attributes.
type ScopeFilter struct {
	NameContains   string   `json:"name_contains,omitempty"`
	Statuses       []string `json:"statuses,omitempty"`
	MinDailyBudget *float64 `json:"min_daily_budget,omitempty"`
	MaxDailyBudget *float64 `json:"max_daily_budget,omitempty"`
}

// Scope selects the entities an agent watches.
// Types: all, list, filter.
type Scope struct {
	Type      string       `json:"type"`
	EntityIDs []uuid.UUID  `json:"entity_ids,omitempty"`
	Provider  string       `json:"provider,omitempty"`
	Level     string       `json:"level,omitempty"`
	Filter    *ScopeFilter `json:"filter,omitempty"`
}

// Schedule controls when an agent evaluates.
// Types: realtime, daily, weekly, monthly.
type Schedule struct {
	Type       string `json:"type"`
	TimeOfDay  string `json:"time_of_day,omitempty"` // "HH:MM"
	Timezone   string `json:"timezone,omitempty"`    // IANA name, defaults to UTC
	DayOfWeek  *int   `json:"day_of_week,omitempty"` // 0=Sunday, weekly only
	DayOfMonth *int   `json:"day_of_month,omitempty"`
}

// Agent is a monitoring agent as returned by the server.
type Agent struct {
	ID            uuid.UUID     `json:"id"`
	WorkspaceID   uuid.UUID     `json:"workspace_id"`
	Name          string        `json:"name"`
	Status        string        `json:"status"` // active | paused | error
	Condition     Condition     `json:"condition,omitempty"`
	SkipCondition bool          `json:"skip_condition,omitempty"`
	Accumulation  Accumulation  `json:"accumulation"`
	Trigger       TriggerConfig `json:"trigger"`
	Actions       []Action      `json:"actions"`
	Scope         Scope         `json:"scope"`
	Aggregate     bool          `json:"aggregate,omitempty"`
	Schedule      Schedule      `json:"schedule"`

	ErrorCount      int        `json:"error_count"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	LastEvaluatedAt *time.Time `json:"last_evaluated_at,omitempty"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	TriggerCount    int        `json:"trigger_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AgentRequest is the body for creating or updating an agent.
type AgentRequest struct {
	Name          string        `json:"name"`
	Condition     Condition     `json:"condition,omitempty"`
	SkipCondition bool          `json:"skip_condition,omitempty"`
	Accumulation  Accumulation  `json:"accumulation"`
	Trigger       TriggerConfig `json:"trigger"`
	Actions       []Action      `json:"actions"`
	Scope         Scope         `json:"scope"`
	Aggregate     bool          `json:"aggregate,omitempty"`
	Schedule      Schedule      `json:"schedule"`
}

// AccumulationState is the progress counter behind an entity's machine state.
type AccumulationState struct {
	Count     int         `json:"count"`
	StartedAt *time.Time  `json:"started_at,omitempty"`
	History   []time.Time `json:"history,omitempty"` // condition-met timestamps, newest last
}

// EntityState is one (agent, entity) accumulation machine.
// States: watching, accumulating, triggered, cooldown, error.
type EntityState struct {
	ID       uuid.UUID `json:"id"`
	AgentID  uuid.UUID `json:"agent_id"`
	EntityID string    `json:"entity_id"`

	State        string            `json:"state"`
	Accumulation AccumulationState `json:"accumulation"`

	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	NextEligibleAt  *time.Time `json:"next_eligible_at,omitempty"`
	TriggerCount    int        `json:"trigger_count"`

	ConsecutiveErrors int     `json:"consecutive_errors"`
	LastError         *string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ActionResult is the outcome of one action in a trigger's batch.
type ActionResult struct {
	Type        string `json:"type"`
	Success     bool   `json:"success"`
	Skipped     bool   `json:"skipped,omitempty"`
	SkipReason  string `json:"skip_reason,omitempty"`
	Description string `json:"description,omitempty"`
	Error       string `json:"error,omitempty"`
	DurationMs  int64  `json:"duration_ms"`

	StateBefore      map[string]any `json:"state_before,omitempty"`
	StateAfter       map[string]any `json:"state_after,omitempty"`
	RollbackPossible bool           `json:"rollback_possible,omitempty"`
}

// Event is one evaluation record for an agent's entity.
// Results: triggered, not_triggered, accumulating, cooldown, blocked, error.
type Event struct {
	ID          uuid.UUID `json:"id"`
	AgentID     uuid.UUID `json:"agent_id"`
	WorkspaceID uuid.UUID `json:"workspace_id"`
	EntityID    string    `json:"entity_id"`

	Result       string             `json:"result"`
	ConditionMet *bool              `json:"condition_met,omitempty"`
	Explanation  string             `json:"explanation,omitempty"`
	Inputs       map[string]any     `json:"inputs,omitempty"`
	Observations map[string]float64 `json:"observations,omitempty"`

	AccumulationBefore AccumulationState `json:"accumulation_before"`
	AccumulationAfter  AccumulationState `json:"accumulation_after"`
	StateBefore        string            `json:"state_before"`
	StateAfter         string            `json:"state_after"`

	TriggerReason string `json:"trigger_reason,omitempty"`
	Summary       string `json:"summary"`
	Error         string `json:"error,omitempty"`
	DurationMs    int64  `json:"duration_ms"`

	ActionResults []ActionResult `json:"action_results,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// StatusChange is the response from pausing or resuming an agent.
type StatusChange struct {
	ID     uuid.UUID `json:"id"`
	Status string    `json:"status"`
}

// APIKey is the response from creating an API key. Key holds the full
// secret and is returned exactly once.
type APIKey struct {
	ID     uuid.UUID `json:"id"`
	Label  string    `json:"label"`
	Prefix string    `json:"prefix"`
	Key    string    `json:"key"`
}

// HealthResponse is the server's health status.
type HealthResponse struct {
	Status        string  `json:"status"` // ok | degraded
	Version       string  `json:"version"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}
