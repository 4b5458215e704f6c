package model

import "fmt"

// ActionType discriminates action configurations. Notify and webhook are
// non-mutating; the platform types mutate live advertising objects.
type ActionType string

const (
	ActionNotify       ActionType = "notify"
	ActionWebhook      ActionType = "webhook"
	ActionScaleBudget  ActionType = "scale_budget"
	ActionPauseEntity  ActionType = "pause_entity"
	ActionResumeEntity ActionType = "resume_entity"
)

// IsMutating reports whether the action type changes platform state.
func (t ActionType) IsMutating() bool {
	switch t {
	case ActionScaleBudget, ActionPauseEntity, ActionResumeEntity:
		return true
	}
	return false
}

// ActionConfig is one configured action on an agent. The Type tag selects
// which fields apply; unused fields stay zero and are omitted from JSON.
type ActionConfig struct {
	Type ActionType `json:"type"`

	// notify
	Recipients []string `json:"recipients,omitempty"`
	Subject    string   `json:"subject,omitempty"`
	Message    string   `json:"message,omitempty"` // template, {{var}} substitution

	// webhook
	URL     string            `json:"url,omitempty"`
	Method  string            `json:"method,omitempty"` // default POST
	Headers map[string]string `json:"headers,omitempty"`

	// scale_budget
	ScalePercent float64  `json:"scale_percent,omitempty"` // signed; -20 cuts budget by 20%
	MinBudget    *float64 `json:"min_budget,omitempty"`    // clamp floor, major units
	MaxBudget    *float64 `json:"max_budget,omitempty"`    // clamp ceiling, major units
}

// Validate checks the action configuration for its type.
func (c ActionConfig) Validate() error {
	switch c.Type {
	case ActionNotify:
		if len(c.Recipients) == 0 {
			return fmt.Errorf("model: notify action requires recipients")
		}
	case ActionWebhook:
		if c.URL == "" {
			return fmt.Errorf("model: webhook action requires a url")
		}
	case ActionScaleBudget:
		if c.ScalePercent == 0 {
			return fmt.Errorf("model: scale_budget action requires a non-zero scale_percent")
		}
		if c.ScalePercent <= -100 {
			return fmt.Errorf("model: scale_percent must be greater than -100")
		}
		if c.MinBudget != nil && c.MaxBudget != nil && *c.MinBudget > *c.MaxBudget {
			return fmt.Errorf("model: min_budget exceeds max_budget")
		}
	case ActionPauseEntity, ActionResumeEntity:
		// No extra configuration.
	default:
		return fmt.Errorf("model: unknown action type %q", c.Type)
	}
	return nil
}

// ActionResult is the outcome of executing one action. Skipped and failed
// results are ordinary values, not errors: "connection unhealthy" or
// "already paused" must not abort the remaining actions.
type ActionResult struct {
	Type        ActionType `json:"type"`
	Success     bool       `json:"success"`
	Skipped     bool       `json:"skipped,omitempty"`
	SkipReason  string     `json:"skip_reason,omitempty"`
	Description string     `json:"description,omitempty"`
	Error       string     `json:"error,omitempty"`
	DurationMs  int64      `json:"duration_ms"`

	// Mutating actions only.
	StateBefore      map[string]any `json:"state_before,omitempty"`
	StateAfter       map[string]any `json:"state_after,omitempty"`
	RollbackPossible bool           `json:"rollback_possible,omitempty"`
	Rollback         map[string]any `json:"rollback,omitempty"` // payload sufficient to reverse the action
}

// SkippedResult builds a skipped (non-failure) result.
func SkippedResult(t ActionType, reason string) ActionResult {
	return ActionResult{Type: t, Success: true, Skipped: true, SkipReason: reason}
}

// FailedResult builds a failed result.
func FailedResult(t ActionType, err error) ActionResult {
	return ActionResult{Type: t, Success: false, Error: err.Error()}
}
