package model

import (
	"time"

	"github.com/google/uuid"
)

// MachineState is the accumulation state machine's current position for
// one (agent, entity) pair.
type MachineState string

const (
	StateWatching     MachineState = "watching"
	StateAccumulating MachineState = "accumulating"
	StateTriggered    MachineState = "triggered"
	StateCooldown     MachineState = "cooldown"
	// StateError is terminal until manually reset.
	StateError MachineState = "error"
)

// historyCap bounds the stored condition-met history. Within-window
// accumulation only ever looks back one window, so anything beyond this
// is dead weight in the row.
const historyCap = 500

// AccumulationState is the progress of condition-met accumulation for one
// (agent, entity) pair. Advanced exclusively by the state machine's
// transition function; no other code path mutates it.
type AccumulationState struct {
	Count     int         `json:"count"`
	StartedAt *time.Time  `json:"started_at,omitempty"`
	History   []time.Time `json:"history,omitempty"` // condition-met timestamps, newest last
}

// AppendHistory returns a copy with ts appended, capped at historyCap
// entries (oldest dropped first).
func (a AccumulationState) AppendHistory(ts time.Time) AccumulationState {
	history := make([]time.Time, 0, len(a.History)+1)
	history = append(history, a.History...)
	history = append(history, ts)
	if len(history) > historyCap {
		history = history[len(history)-historyCap:]
	}
	a.History = history
	return a
}

// PruneHistory returns a copy with entries at or before cutoff removed.
func (a AccumulationState) PruneHistory(cutoff time.Time) AccumulationState {
	pruned := make([]time.Time, 0, len(a.History))
	for _, ts := range a.History {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	a.History = pruned
	return a
}

// EntityState is the persisted per-(agent, entity) machine state. In
// aggregate mode a single synthetic row (entity id "aggregate:<agent_id>")
// stands in for the whole scope. Created lazily on first evaluation;
// mutated only by the orchestrator after each cycle.
type EntityState struct {
	ID       uuid.UUID `json:"id"`
	AgentID  uuid.UUID `json:"agent_id"`
	EntityID string    `json:"entity_id"`

	State        MachineState      `json:"state"`
	Accumulation AccumulationState `json:"accumulation"`

	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	NextEligibleAt  *time.Time `json:"next_eligible_at,omitempty"`
	TriggerCount    int        `json:"trigger_count"`

	ConsecutiveErrors int     `json:"consecutive_errors"`
	LastError         *string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AggregateEntityID returns the synthetic entity id used for an agent's
// aggregate-mode state row.
func AggregateEntityID(agentID uuid.UUID) string {
	return "aggregate:" + agentID.String()
}

// NewEntityState returns a fresh WATCHING state for a pair.
func NewEntityState(agentID uuid.UUID, entityID string, now time.Time) EntityState {
	return EntityState{
		ID:        uuid.New(),
		AgentID:   agentID,
		EntityID:  entityID,
		State:     StateWatching,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
