package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kanshi-ai/kanshi/internal/model"
)

// mutatingActionTypes is the SQL-side mirror of ActionType.IsMutating; the
// daily caps and budget sums only count platform mutations.
var mutatingActionTypes = []string{
	string(model.ActionScaleBudget),
	string(model.ActionPauseEntity),
	string(model.ActionResumeEntity),
}

// InsertEvaluationEvent appends one immutable evaluation record.
func (db *DB) InsertEvaluationEvent(ctx context.Context, e model.EvaluationEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	actionResults, err := json.Marshal(e.ActionResults)
	if err != nil {
		return fmt.Errorf("storage: marshal action results: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO evaluation_events (id, agent_id, workspace_id, entity_id, result,
		                                condition_met, explanation, inputs, observations,
		                                accumulation_before, accumulation_after,
		                                state_before, state_after, trigger_reason,
		                                summary, error, duration_ms, action_results, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		e.ID, e.AgentID, e.WorkspaceID, e.EntityID, string(e.Result),
		e.ConditionMet, e.Explanation, e.Inputs, e.Observations,
		e.AccumulationBefore, e.AccumulationAfter,
		string(e.StateBefore), string(e.StateAfter), e.TriggerReason,
		e.Summary, e.Error, e.DurationMs, actionResults, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert evaluation event: %w", err)
	}
	return nil
}

// InsertActionExecutions bulk-inserts action execution records via the COPY
// protocol. Called once per triggered unit with that unit's full action batch.
func (db *DB) InsertActionExecutions(ctx context.Context, records []model.ActionExecutionRecord) error {
	if len(records) == 0 {
		return nil
	}

	columns := []string{
		"id", "agent_id", "workspace_id", "entity_id", "event_id",
		"action_type", "config", "success", "skipped", "skip_reason",
		"description", "error", "duration_ms", "state_before", "state_after",
		"rollback_possible", "rollback", "budget_increase", "executed_at",
	}
	rows := make([][]any, len(records))
	for i, r := range records {
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		cfg, err := json.Marshal(r.Config)
		if err != nil {
			return fmt.Errorf("storage: marshal action config: %w", err)
		}
		rows[i] = []any{
			r.ID, r.AgentID, r.WorkspaceID, r.EntityID, r.EventID,
			string(r.ActionType), cfg, r.Success, r.Skipped, r.SkipReason,
			r.Description, r.Error, r.DurationMs, r.StateBefore, r.StateAfter,
			r.RollbackPossible, r.Rollback, r.BudgetIncrease, r.ExecutedAt,
		}
	}

	// Dedicated COPY timeout so a hung Postgres cannot block the dispatch
	// path indefinitely.
	copyCtx, copyCancel := context.WithTimeout(ctx, 30*time.Second)
	defer copyCancel()
	if _, err := db.pool.CopyFrom(
		copyCtx,
		pgx.Identifier{"action_executions"},
		columns,
		pgx.CopyFromRows(rows),
	); err != nil {
		return fmt.Errorf("storage: copy action executions: %w", err)
	}
	return nil
}

// ListRecentEvents returns the newest evaluation events for an agent.
// limit is clamped to [1, 500] with a default of 50.
func (db *DB) ListRecentEvents(ctx context.Context, agentID uuid.UUID, limit int) ([]model.EvaluationEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, agent_id, workspace_id, entity_id, result, condition_met,
		        explanation, inputs, observations, accumulation_before,
		        accumulation_after, state_before, state_after, trigger_reason,
		        summary, error, duration_ms, action_results, created_at
		 FROM evaluation_events
		 WHERE agent_id = $1 ORDER BY created_at DESC LIMIT $2`,
		agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list recent events: %w", err)
	}
	defer rows.Close()

	var events []model.EvaluationEvent
	for rows.Next() {
		var (
			e             model.EvaluationEvent
			actionResults []byte
		)
		if err := rows.Scan(
			&e.ID, &e.AgentID, &e.WorkspaceID, &e.EntityID, &e.Result, &e.ConditionMet,
			&e.Explanation, &e.Inputs, &e.Observations, &e.AccumulationBefore,
			&e.AccumulationAfter, &e.StateBefore, &e.StateAfter, &e.TriggerReason,
			&e.Summary, &e.Error, &e.DurationMs, &actionResults, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan evaluation event: %w", err)
		}
		if len(actionResults) > 0 {
			if err := json.Unmarshal(actionResults, &e.ActionResults); err != nil {
				return nil, fmt.Errorf("storage: decode action results: %w", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate evaluation events: %w", err)
	}
	return events, nil
}

// CountEntityActionsSince counts non-skipped platform mutations against one
// entity since the cutoff. Feeds the per-entity daily cap.
func (db *DB) CountEntityActionsSince(ctx context.Context, entityID string, since time.Time) (int, error) {
	var count int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM action_executions
		 WHERE entity_id = $1 AND executed_at >= $2
		   AND action_type = ANY($3) AND NOT skipped`,
		entityID, since.UTC(), mutatingActionTypes,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: count entity actions: %w", err)
	}
	return count, nil
}

// CountAgentActionsSince counts non-skipped platform mutations issued by one
// agent since the cutoff.
func (db *DB) CountAgentActionsSince(ctx context.Context, agentID uuid.UUID, since time.Time) (int, error) {
	var count int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM action_executions
		 WHERE agent_id = $1 AND executed_at >= $2
		   AND action_type = ANY($3) AND NOT skipped`,
		agentID, since.UTC(), mutatingActionTypes,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: count agent actions: %w", err)
	}
	return count, nil
}

// CountWorkspaceActionsSince counts non-skipped platform mutations across a
// workspace since the cutoff.
func (db *DB) CountWorkspaceActionsSince(ctx context.Context, workspaceID uuid.UUID, since time.Time) (int, error) {
	var count int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM action_executions
		 WHERE workspace_id = $1 AND executed_at >= $2
		   AND action_type = ANY($3) AND NOT skipped`,
		workspaceID, since.UTC(), mutatingActionTypes,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: count workspace actions: %w", err)
	}
	return count, nil
}

// SumBudgetIncreasesSince sums the verified budget increases an agent has
// applied since the cutoff. Feeds the circuit breaker's trailing-window cap.
func (db *DB) SumBudgetIncreasesSince(ctx context.Context, agentID uuid.UUID, since time.Time) (float64, error) {
	var sum float64
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(budget_increase), 0) FROM action_executions
		 WHERE agent_id = $1 AND executed_at >= $2 AND budget_increase IS NOT NULL`,
		agentID, since.UTC(),
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("storage: sum budget increases: %w", err)
	}
	return sum, nil
}
