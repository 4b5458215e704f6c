package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AgentStatus is the lifecycle status of a monitoring agent.
type AgentStatus string

const (
	AgentActive AgentStatus = "active"
	AgentPaused AgentStatus = "paused"
	AgentError  AgentStatus = "error"
)

// TriggerMode governs how often a completed accumulation may fire.
type TriggerMode string

const (
	// TriggerOnce fires and returns to WATCHING with accumulation reset.
	TriggerOnce TriggerMode = "once"
	// TriggerCooldown fires and then blocks re-triggering for a cooldown window.
	TriggerCooldown TriggerMode = "cooldown"
	// TriggerContinuous stays triggered and re-fires at a fixed interval
	// while the condition keeps holding.
	TriggerContinuous TriggerMode = "continuous"
)

// AccumulationUnit controls how condition-met evaluations are counted.
type AccumulationUnit string

const (
	// UnitEvaluations counts every condition-met evaluation.
	UnitEvaluations AccumulationUnit = "evaluations"
	// UnitHours counts at most one evaluation per distinct hour bucket.
	UnitHours AccumulationUnit = "hours"
	// UnitDays counts at most one evaluation per distinct day bucket.
	UnitDays AccumulationUnit = "days"
)

// AccumulationMode controls when an accumulation is considered complete.
type AccumulationMode string

const (
	// ModeConsecutive requires an unbroken run of condition-met evaluations;
	// a single miss resets the count.
	ModeConsecutive AccumulationMode = "consecutive"
	// ModeWithinWindow requires enough condition-met timestamps inside a
	// trailing wall-clock window; misses do not discard history.
	ModeWithinWindow AccumulationMode = "within_window"
)

// AccumulationConfig describes how persistently a condition must hold
// before the agent triggers.
type AccumulationConfig struct {
	Required      int              `json:"required"`
	Unit          AccumulationUnit `json:"unit"`
	Mode          AccumulationMode `json:"mode"`
	WindowMinutes int              `json:"window_minutes,omitempty"` // within_window only
}

// Validate checks the accumulation configuration.
func (c AccumulationConfig) Validate() error {
	if c.Required < 1 {
		return fmt.Errorf("model: accumulation required must be >= 1, got %d", c.Required)
	}
	switch c.Unit {
	case UnitEvaluations, UnitHours, UnitDays:
	default:
		return fmt.Errorf("model: unknown accumulation unit %q", c.Unit)
	}
	switch c.Mode {
	case ModeConsecutive:
	case ModeWithinWindow:
		if c.WindowMinutes <= 0 {
			return fmt.Errorf("model: within_window accumulation requires window_minutes > 0")
		}
	default:
		return fmt.Errorf("model: unknown accumulation mode %q", c.Mode)
	}
	return nil
}

// Window returns the within_window duration.
func (c AccumulationConfig) Window() time.Duration {
	return time.Duration(c.WindowMinutes) * time.Minute
}

// TriggerConfig describes trigger repeatability.
type TriggerConfig struct {
	Mode                      TriggerMode `json:"mode"`
	CooldownMinutes           int         `json:"cooldown_minutes,omitempty"`
	ContinuousIntervalMinutes int         `json:"continuous_interval_minutes,omitempty"`
}

// Validate checks the trigger configuration.
func (c TriggerConfig) Validate() error {
	switch c.Mode {
	case TriggerOnce, TriggerContinuous:
	case TriggerCooldown:
		if c.CooldownMinutes <= 0 {
			return fmt.Errorf("model: cooldown trigger mode requires cooldown_minutes > 0")
		}
	default:
		return fmt.Errorf("model: unknown trigger mode %q", c.Mode)
	}
	if c.CooldownMinutes < 0 || c.ContinuousIntervalMinutes < 0 {
		return fmt.Errorf("model: trigger intervals must be non-negative")
	}
	return nil
}

// Cooldown returns the configured cooldown duration (zero when unset).
func (c TriggerConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMinutes) * time.Minute
}

// ContinuousInterval returns the minimum spacing between continuous re-fires.
func (c TriggerConfig) ContinuousInterval() time.Duration {
	return time.Duration(c.ContinuousIntervalMinutes) * time.Minute
}

// ScheduleType selects when an agent is due for evaluation.
type ScheduleType string

const (
	ScheduleRealtime ScheduleType = "realtime"
	ScheduleDaily    ScheduleType = "daily"
	ScheduleWeekly   ScheduleType = "weekly"
	ScheduleMonthly  ScheduleType = "monthly"
)

// Schedule describes an agent's evaluation cadence. Realtime agents run
// every engine cycle; the other types run once per period at a local
// time-of-day in the configured timezone.
type Schedule struct {
	Type       ScheduleType `json:"type"`
	TimeOfDay  string       `json:"time_of_day,omitempty"` // "HH:MM", scheduled types only
	Timezone   string       `json:"timezone,omitempty"`    // IANA name, defaults to UTC
	DayOfWeek  *int         `json:"day_of_week,omitempty"` // 0=Sunday, weekly only
	DayOfMonth *int         `json:"day_of_month,omitempty"`
}

// Validate checks the schedule configuration.
func (s Schedule) Validate() error {
	switch s.Type {
	case ScheduleRealtime:
		return nil
	case ScheduleDaily, ScheduleWeekly, ScheduleMonthly:
	default:
		return fmt.Errorf("model: unknown schedule type %q", s.Type)
	}
	if _, _, err := ParseTimeOfDay(s.TimeOfDay); err != nil {
		return err
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("model: schedule timezone %q: %w", s.Timezone, err)
		}
	}
	if s.Type == ScheduleWeekly {
		if s.DayOfWeek == nil || *s.DayOfWeek < 0 || *s.DayOfWeek > 6 {
			return fmt.Errorf("model: weekly schedule requires day_of_week in [0,6]")
		}
	}
	if s.Type == ScheduleMonthly {
		if s.DayOfMonth == nil || *s.DayOfMonth < 1 || *s.DayOfMonth > 31 {
			return fmt.Errorf("model: monthly schedule requires day_of_month in [1,31]")
		}
	}
	return nil
}

// ParseTimeOfDay parses "HH:MM" into hour and minute components.
func ParseTimeOfDay(v string) (hh, mm int, err error) {
	if _, err := fmt.Sscanf(v, "%d:%d", &hh, &mm); err != nil {
		return 0, 0, fmt.Errorf("model: time_of_day %q must be HH:MM", v)
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, 0, fmt.Errorf("model: time_of_day %q out of range", v)
	}
	return hh, mm, nil
}

// Location resolves the schedule's timezone, defaulting to UTC.
func (s Schedule) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}

// ScopeType selects how an agent's entity set is resolved.
type ScopeType string

const (
	// ScopeEntities names explicit entity IDs.
	ScopeEntities ScopeType = "entities"
	// ScopeFiltered matches entities by predicate within a provider/level.
	ScopeFiltered ScopeType = "filter"
	// ScopeAll matches every entity for a provider/level. Re-queried live
	// each cycle so newly created entities are picked up automatically.
	ScopeAll ScopeType = "all"
)

// ScopeFilter is the predicate for filter scopes.
type ScopeFilter struct {
	NameContains   string   `json:"name_contains,omitempty"`
	Statuses       []string `json:"statuses,omitempty"`
	MinDailyBudget *float64 `json:"min_daily_budget,omitempty"`
	MaxDailyBudget *float64 `json:"max_daily_budget,omitempty"`
}

// Scope describes which entities an agent watches.
type Scope struct {
	Type      ScopeType    `json:"type"`
	EntityIDs []uuid.UUID  `json:"entity_ids,omitempty"`
	Provider  Provider     `json:"provider,omitempty"`
	Level     EntityLevel  `json:"level,omitempty"`
	Filter    *ScopeFilter `json:"filter,omitempty"`
}

// Validate checks the scope configuration.
func (s Scope) Validate() error {
	switch s.Type {
	case ScopeEntities:
		if len(s.EntityIDs) == 0 {
			return fmt.Errorf("model: entities scope requires at least one entity id")
		}
	case ScopeFiltered, ScopeAll:
		if s.Provider == "" {
			return fmt.Errorf("model: %s scope requires a provider", s.Type)
		}
		if s.Level == "" {
			return fmt.Errorf("model: %s scope requires an entity level", s.Type)
		}
	default:
		return fmt.Errorf("model: unknown scope type %q", s.Type)
	}
	return nil
}

// Agent is a user-defined monitoring rule: a condition over campaign metrics,
// accumulation semantics, and the actions to run when it triggers.
type Agent struct {
	ID            uuid.UUID          `json:"id"`
	WorkspaceID   uuid.UUID          `json:"workspace_id"`
	Name          string             `json:"name"`
	Status        AgentStatus        `json:"status"`
	Condition     Condition          `json:"condition,omitempty"`
	SkipCondition bool               `json:"skip_condition,omitempty"` // always-run agents (periodic reports)
	Accumulation  AccumulationConfig `json:"accumulation"`
	Trigger       TriggerConfig      `json:"trigger"`
	Actions       []ActionConfig     `json:"actions"`
	Scope         Scope              `json:"scope"`
	Aggregate     bool               `json:"aggregate,omitempty"`
	Schedule      Schedule           `json:"schedule"`

	// Mutated by the engine.
	ErrorCount      int        `json:"error_count"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	LastEvaluatedAt *time.Time `json:"last_evaluated_at,omitempty"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	TriggerCount    int        `json:"trigger_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the agent's full configuration.
func (a Agent) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("model: agent name is required")
	}
	if !a.SkipCondition {
		if a.Condition == nil {
			return fmt.Errorf("model: agent requires a condition unless skip_condition is set")
		}
		if err := a.Condition.Validate(); err != nil {
			return err
		}
	}
	if err := a.Accumulation.Validate(); err != nil {
		return err
	}
	if err := a.Trigger.Validate(); err != nil {
		return err
	}
	if err := a.Scope.Validate(); err != nil {
		return err
	}
	if err := a.Schedule.Validate(); err != nil {
		return err
	}
	if len(a.Actions) == 0 {
		return fmt.Errorf("model: agent requires at least one action")
	}
	for i, action := range a.Actions {
		if err := action.Validate(); err != nil {
			return fmt.Errorf("model: action %d: %w", i, err)
		}
	}
	return nil
}

// agentJSON mirrors Agent with the condition held as raw JSON so the
// interface field round-trips through the tagged-union factory.
type agentJSON struct {
	ID            uuid.UUID          `json:"id"`
	WorkspaceID   uuid.UUID          `json:"workspace_id"`
	Name          string             `json:"name"`
	Status        AgentStatus        `json:"status"`
	Condition     json.RawMessage    `json:"condition,omitempty"`
	SkipCondition bool               `json:"skip_condition,omitempty"`
	Accumulation  AccumulationConfig `json:"accumulation"`
	Trigger       TriggerConfig      `json:"trigger"`
	Actions       []ActionConfig     `json:"actions"`
	Scope         Scope              `json:"scope"`
	Aggregate     bool               `json:"aggregate,omitempty"`
	Schedule      Schedule           `json:"schedule"`

	ErrorCount      int        `json:"error_count"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	LastEvaluatedAt *time.Time `json:"last_evaluated_at,omitempty"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	TriggerCount    int        `json:"trigger_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UnmarshalJSON decodes an agent, reconstructing the condition tree.
func (a *Agent) UnmarshalJSON(data []byte) error {
	var raw agentJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("model: decode agent: %w", err)
	}

	var cond Condition
	if len(raw.Condition) > 0 && string(raw.Condition) != "null" {
		var err error
		cond, err = DecodeCondition(raw.Condition)
		if err != nil {
			return err
		}
	}

	*a = Agent{
		ID:              raw.ID,
		WorkspaceID:     raw.WorkspaceID,
		Name:            raw.Name,
		Status:          raw.Status,
		Condition:       cond,
		SkipCondition:   raw.SkipCondition,
		Accumulation:    raw.Accumulation,
		Trigger:         raw.Trigger,
		Actions:         raw.Actions,
		Scope:           raw.Scope,
		Aggregate:       raw.Aggregate,
		Schedule:        raw.Schedule,
		ErrorCount:      raw.ErrorCount,
		ErrorMessage:    raw.ErrorMessage,
		LastEvaluatedAt: raw.LastEvaluatedAt,
		LastTriggeredAt: raw.LastTriggeredAt,
		TriggerCount:    raw.TriggerCount,
		CreatedAt:       raw.CreatedAt,
		UpdatedAt:       raw.UpdatedAt,
	}
	return nil
}
