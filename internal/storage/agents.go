package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kanshi-ai/kanshi/internal/model"
)

const agentColumns = `id, workspace_id, name, status, condition, skip_condition,
	accumulation, trigger_config, actions, scope, aggregate, schedule,
	error_count, error_message, last_evaluated_at, last_triggered_at,
	trigger_count, created_at, updated_at`

// errorMessageCap bounds the stored error message so a pathological platform
// response cannot bloat the row.
const errorMessageCap = 500

// CreateAgent inserts a new monitoring agent.
func (db *DB) CreateAgent(ctx context.Context, agent model.Agent) (model.Agent, error) {
	if err := agent.Validate(); err != nil {
		return model.Agent{}, err
	}
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now

	condJSON, err := marshalCondition(agent.Condition)
	if err != nil {
		return model.Agent{}, err
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO agents (id, workspace_id, name, status, condition, skip_condition,
		                     accumulation, trigger_config, actions, scope, aggregate, schedule,
		                     error_count, trigger_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		agent.ID, agent.WorkspaceID, agent.Name, string(agent.Status), condJSON, agent.SkipCondition,
		agent.Accumulation, agent.Trigger, agent.Actions, agent.Scope, agent.Aggregate, agent.Schedule,
		agent.ErrorCount, agent.TriggerCount, agent.CreatedAt, agent.UpdatedAt,
	)
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: create agent: %w", err)
	}
	return agent, nil
}

// GetAgent retrieves an agent by id, scoped to a workspace.
func (db *DB) GetAgent(ctx context.Context, workspaceID, id uuid.UUID) (model.Agent, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE workspace_id = $1 AND id = $2`,
		workspaceID, id,
	)
	agent, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", id, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: get agent: %w", err)
	}
	return agent, nil
}

// GetAgentByID retrieves an agent by id across workspaces. Engine-internal;
// API callers go through GetAgent with a workspace scope.
func (db *DB) GetAgentByID(ctx context.Context, id uuid.UUID) (model.Agent, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id,
	)
	agent, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", id, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: get agent by id: %w", err)
	}
	return agent, nil
}

// ListAgents returns a workspace's agents with pagination. limit is clamped
// to [1, 1000] with a default of 200.
func (db *DB) ListAgents(ctx context.Context, workspaceID uuid.UUID, limit, offset int) ([]model.Agent, error) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents
		 WHERE workspace_id = $1 ORDER BY created_at ASC LIMIT $2 OFFSET $3`,
		workspaceID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list agents: %w", err)
	}
	defer rows.Close()

	return collectAgents(rows)
}

// ListActiveAgents returns every active agent across all workspaces. The
// engine calls this once per cycle; due-ness is decided by the orchestrator.
func (db *DB) ListActiveAgents(ctx context.Context) ([]model.Agent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents
		 WHERE status = $1 ORDER BY created_at ASC`,
		string(model.AgentActive),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list active agents: %w", err)
	}
	defer rows.Close()

	return collectAgents(rows)
}

// UpdateAgentConfig replaces an agent's user-editable configuration.
// Engine-owned runtime fields are untouched.
func (db *DB) UpdateAgentConfig(ctx context.Context, agent model.Agent) (model.Agent, error) {
	if err := agent.Validate(); err != nil {
		return model.Agent{}, err
	}
	condJSON, err := marshalCondition(agent.Condition)
	if err != nil {
		return model.Agent{}, err
	}

	row := db.pool.QueryRow(ctx,
		`UPDATE agents
		 SET name = $1, condition = $2, skip_condition = $3, accumulation = $4,
		     trigger_config = $5, actions = $6, scope = $7, aggregate = $8,
		     schedule = $9, updated_at = now()
		 WHERE workspace_id = $10 AND id = $11
		 RETURNING `+agentColumns,
		agent.Name, condJSON, agent.SkipCondition, agent.Accumulation,
		agent.Trigger, agent.Actions, agent.Scope, agent.Aggregate,
		agent.Schedule, agent.WorkspaceID, agent.ID,
	)
	updated, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", agent.ID, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: update agent: %w", err)
	}
	return updated, nil
}

// SetAgentStatus transitions an agent's lifecycle status. Resuming out of
// error clears the error bookkeeping.
func (db *DB) SetAgentStatus(ctx context.Context, workspaceID, id uuid.UUID, status model.AgentStatus) error {
	clearErrors := status == model.AgentActive
	tag, err := db.pool.Exec(ctx,
		`UPDATE agents
		 SET status = $1,
		     error_count = CASE WHEN $2 THEN 0 ELSE error_count END,
		     error_message = CASE WHEN $2 THEN NULL ELSE error_message END,
		     updated_at = now()
		 WHERE workspace_id = $3 AND id = $4`,
		string(status), clearErrors, workspaceID, id,
	)
	if err != nil {
		return fmt.Errorf("storage: set agent status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: agent %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkAgentEvaluated records a completed evaluation pass for an agent.
func (db *DB) MarkAgentEvaluated(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE agents SET last_evaluated_at = $1, updated_at = now() WHERE id = $2`,
		at.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("storage: mark agent evaluated: %w", err)
	}
	return nil
}

// MarkAgentTriggered bumps the trigger counter and timestamp.
func (db *DB) MarkAgentTriggered(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE agents
		 SET last_triggered_at = $1, trigger_count = trigger_count + 1, updated_at = now()
		 WHERE id = $2`,
		at.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("storage: mark agent triggered: %w", err)
	}
	return nil
}

// RecordAgentError increments the agent's error counter, stores the
// (truncated) message, and returns the new count so the caller can decide
// whether to flip the agent into error status.
func (db *DB) RecordAgentError(ctx context.Context, id uuid.UUID, message string) (int, error) {
	if len(message) > errorMessageCap {
		message = message[:errorMessageCap]
	}
	var count int
	err := db.pool.QueryRow(ctx,
		`UPDATE agents
		 SET error_count = error_count + 1, error_message = $1, updated_at = now()
		 WHERE id = $2
		 RETURNING error_count`,
		message, id,
	).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("storage: agent %s: %w", id, ErrNotFound)
		}
		return 0, fmt.Errorf("storage: record agent error: %w", err)
	}
	return count, nil
}

// ClearAgentErrors resets the error counter after a healthy evaluation.
func (db *DB) ClearAgentErrors(ctx context.Context, id uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE agents SET error_count = 0, error_message = NULL, updated_at = now()
		 WHERE id = $1 AND error_count > 0`,
		id,
	)
	if err != nil {
		return fmt.Errorf("storage: clear agent errors: %w", err)
	}
	return nil
}

// DeleteAgent removes an agent and its per-entity machine state. Evaluation
// events and action executions are append-only history and are kept.
func (db *DB) DeleteAgent(ctx context.Context, workspaceID, id uuid.UUID) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin delete agent tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`DELETE FROM agents WHERE workspace_id = $1 AND id = $2`, workspaceID, id,
	)
	if err != nil {
		return fmt.Errorf("storage: delete agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: agent %s: %w", id, ErrNotFound)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM entity_states WHERE agent_id = $1`, id,
	); err != nil {
		return fmt.Errorf("storage: delete agent entity states: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit delete agent tx: %w", err)
	}
	return nil
}

// marshalCondition serializes the condition tree, or nil for agents that
// skip condition evaluation.
func marshalCondition(cond model.Condition) ([]byte, error) {
	if cond == nil {
		return nil, nil
	}
	data, err := json.Marshal(cond)
	if err != nil {
		return nil, fmt.Errorf("storage: marshal condition: %w", err)
	}
	return data, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (model.Agent, error) {
	var (
		a        model.Agent
		condJSON []byte
	)
	if err := row.Scan(
		&a.ID, &a.WorkspaceID, &a.Name, &a.Status, &condJSON, &a.SkipCondition,
		&a.Accumulation, &a.Trigger, &a.Actions, &a.Scope, &a.Aggregate, &a.Schedule,
		&a.ErrorCount, &a.ErrorMessage, &a.LastEvaluatedAt, &a.LastTriggeredAt,
		&a.TriggerCount, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return model.Agent{}, err
	}
	if len(condJSON) > 0 {
		cond, err := model.DecodeCondition(condJSON)
		if err != nil {
			return model.Agent{}, err
		}
		a.Condition = cond
	}
	return a, nil
}

func collectAgents(rows pgx.Rows) ([]model.Agent, error) {
	var agents []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate agents: %w", err)
	}
	return agents, nil
}
