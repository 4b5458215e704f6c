package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kanshi-ai/kanshi/internal/model"
)

const entityStateColumns = `id, agent_id, entity_id, state, accumulation,
	last_triggered_at, next_eligible_at, trigger_count,
	consecutive_errors, last_error, created_at, updated_at`

// GetEntityState retrieves the machine state for one (agent, entity) pair.
func (db *DB) GetEntityState(ctx context.Context, agentID uuid.UUID, entityID string) (model.EntityState, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+entityStateColumns+` FROM entity_states
		 WHERE agent_id = $1 AND entity_id = $2`,
		agentID, entityID,
	)
	s, err := scanEntityState(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.EntityState{}, fmt.Errorf("storage: entity state %s/%s: %w", agentID, entityID, ErrNotFound)
		}
		return model.EntityState{}, fmt.Errorf("storage: get entity state: %w", err)
	}
	return s, nil
}

// UpsertEntityState persists the machine state for a pair, creating the row
// lazily on first evaluation.
func (db *DB) UpsertEntityState(ctx context.Context, s model.EntityState) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO entity_states (id, agent_id, entity_id, state, accumulation,
		                            last_triggered_at, next_eligible_at, trigger_count,
		                            consecutive_errors, last_error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (agent_id, entity_id) DO UPDATE SET
		   state = EXCLUDED.state,
		   accumulation = EXCLUDED.accumulation,
		   last_triggered_at = EXCLUDED.last_triggered_at,
		   next_eligible_at = EXCLUDED.next_eligible_at,
		   trigger_count = EXCLUDED.trigger_count,
		   consecutive_errors = EXCLUDED.consecutive_errors,
		   last_error = EXCLUDED.last_error,
		   updated_at = EXCLUDED.updated_at`,
		s.ID, s.AgentID, s.EntityID, string(s.State), s.Accumulation,
		s.LastTriggeredAt, s.NextEligibleAt, s.TriggerCount,
		s.ConsecutiveErrors, s.LastError, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert entity state: %w", err)
	}
	return nil
}

// ListEntityStates returns every machine-state row for an agent.
func (db *DB) ListEntityStates(ctx context.Context, agentID uuid.UUID) ([]model.EntityState, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+entityStateColumns+` FROM entity_states
		 WHERE agent_id = $1 ORDER BY entity_id ASC`,
		agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list entity states: %w", err)
	}
	defer rows.Close()

	var states []model.EntityState
	for rows.Next() {
		s, err := scanEntityState(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan entity state: %w", err)
		}
		states = append(states, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate entity states: %w", err)
	}
	return states, nil
}

// MaxConsecutiveErrors returns the worst consecutive-error streak among an
// agent's entity states. Feeds the circuit breaker.
func (db *DB) MaxConsecutiveErrors(ctx context.Context, agentID uuid.UUID) (int, error) {
	var max int
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(consecutive_errors), 0) FROM entity_states WHERE agent_id = $1`,
		agentID,
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("storage: max consecutive errors: %w", err)
	}
	return max, nil
}

// ResetEntityState is the manual escape hatch out of the terminal ERROR
// state: back to WATCHING with accumulation and error bookkeeping cleared.
func (db *DB) ResetEntityState(ctx context.Context, agentID uuid.UUID, entityID string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE entity_states
		 SET state = $1, accumulation = $2, next_eligible_at = NULL,
		     consecutive_errors = 0, last_error = NULL, updated_at = now()
		 WHERE agent_id = $3 AND entity_id = $4`,
		string(model.StateWatching), model.AccumulationState{}, agentID, entityID,
	)
	if err != nil {
		return fmt.Errorf("storage: reset entity state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: entity state %s/%s: %w", agentID, entityID, ErrNotFound)
	}
	return nil
}

func scanEntityState(row rowScanner) (model.EntityState, error) {
	var s model.EntityState
	err := row.Scan(
		&s.ID, &s.AgentID, &s.EntityID, &s.State, &s.Accumulation,
		&s.LastTriggeredAt, &s.NextEligibleAt, &s.TriggerCount,
		&s.ConsecutiveErrors, &s.LastError, &s.CreatedAt, &s.UpdatedAt,
	)
	return s, err
}
