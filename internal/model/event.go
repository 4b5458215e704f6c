package model

import (
	"time"

	"github.com/google/uuid"
)

// EvaluationResult categorizes the outcome of one evaluation.
type EvaluationResult string

const (
	ResultTriggered    EvaluationResult = "triggered"
	ResultNotTriggered EvaluationResult = "not_triggered"
	ResultAccumulating EvaluationResult = "accumulating"
	ResultCooldown     EvaluationResult = "cooldown"
	ResultBlocked      EvaluationResult = "blocked" // safety guard overrode a trigger
	ResultError        EvaluationResult = "error"
)

// EvaluationEvent is the append-only, immutable record of one evaluation of
// one (agent, entity) pair or aggregate unit. Written once, never mutated.
type EvaluationEvent struct {
	ID          uuid.UUID `json:"id"`
	AgentID     uuid.UUID `json:"agent_id"`
	WorkspaceID uuid.UUID `json:"workspace_id"`
	EntityID    string    `json:"entity_id"`

	Result       EvaluationResult `json:"result"`
	ConditionMet *bool            `json:"condition_met,omitempty"` // nil when skip_condition or error
	Explanation  string           `json:"explanation,omitempty"`
	Inputs       map[string]any   `json:"inputs,omitempty"`
	Observations Observations     `json:"observations,omitempty"`

	AccumulationBefore AccumulationState `json:"accumulation_before"`
	AccumulationAfter  AccumulationState `json:"accumulation_after"`
	StateBefore        MachineState      `json:"state_before"`
	StateAfter         MachineState      `json:"state_after"`

	TriggerReason string `json:"trigger_reason,omitempty"`
	Summary       string `json:"summary"`
	Error         string `json:"error,omitempty"`
	DurationMs    int64  `json:"duration_ms"`

	ActionResults []ActionResult `json:"action_results,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// ActionExecutionRecord is the append-only record of one executed action.
// BudgetIncrease (major currency units, positive values only) feeds the
// circuit breaker's trailing-window budget cap.
type ActionExecutionRecord struct {
	ID          uuid.UUID `json:"id"`
	AgentID     uuid.UUID `json:"agent_id"`
	WorkspaceID uuid.UUID `json:"workspace_id"`
	EntityID    string    `json:"entity_id"`
	EventID     uuid.UUID `json:"event_id"`

	ActionType ActionType   `json:"action_type"`
	Config     ActionConfig `json:"config"`

	Success     bool   `json:"success"`
	Skipped     bool   `json:"skipped,omitempty"`
	SkipReason  string `json:"skip_reason,omitempty"`
	Description string `json:"description,omitempty"`
	Error       string `json:"error,omitempty"`
	DurationMs  int64  `json:"duration_ms"`

	StateBefore      map[string]any `json:"state_before,omitempty"`
	StateAfter       map[string]any `json:"state_after,omitempty"`
	RollbackPossible bool           `json:"rollback_possible,omitempty"`
	Rollback         map[string]any `json:"rollback,omitempty"`

	BudgetIncrease *float64 `json:"budget_increase,omitempty"`

	ExecutedAt time.Time `json:"executed_at"`
}

// RecordFromResult builds an execution record from an action result.
func RecordFromResult(agent Agent, entityID string, eventID uuid.UUID, cfg ActionConfig, res ActionResult, executedAt time.Time) ActionExecutionRecord {
	rec := ActionExecutionRecord{
		ID:               uuid.New(),
		AgentID:          agent.ID,
		WorkspaceID:      agent.WorkspaceID,
		EntityID:         entityID,
		EventID:          eventID,
		ActionType:       cfg.Type,
		Config:           cfg,
		Success:          res.Success,
		Skipped:          res.Skipped,
		SkipReason:       res.SkipReason,
		Description:      res.Description,
		Error:            res.Error,
		DurationMs:       res.DurationMs,
		StateBefore:      res.StateBefore,
		StateAfter:       res.StateAfter,
		RollbackPossible: res.RollbackPossible,
		Rollback:         res.Rollback,
		ExecutedAt:       executedAt,
	}
	// Budget increases are derived from the verified before/after budgets so
	// the circuit breaker sums what actually happened, not what was requested.
	if cfg.Type == ActionScaleBudget && res.Success && !res.Skipped {
		before, okB := floatFrom(res.StateBefore, "daily_budget")
		after, okA := floatFrom(res.StateAfter, "daily_budget")
		if okB && okA && after > before {
			delta := after - before
			rec.BudgetIncrease = &delta
		}
	}
	return rec
}

func floatFrom(m map[string]any, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
