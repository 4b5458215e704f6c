package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kanshi-ai/kanshi/internal/model"
)

const entityColumns = `id, workspace_id, connection_id, provider, level,
	external_id, name, status, daily_budget, created_at, updated_at`

// GetEntity retrieves a synced entity by id.
func (db *DB) GetEntity(ctx context.Context, id uuid.UUID) (model.Entity, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE id = $1`, id,
	)
	e, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Entity{}, fmt.Errorf("storage: entity %s: %w", id, ErrNotFound)
		}
		return model.Entity{}, fmt.Errorf("storage: get entity: %w", err)
	}
	return e, nil
}

// ListEntitiesByIDs returns the entities matching the given ids, in
// arbitrary order. Missing ids are silently absent from the result; the
// caller decides whether that matters.
func (db *DB) ListEntitiesByIDs(ctx context.Context, workspaceID uuid.UUID, ids []uuid.UUID) ([]model.Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+entityColumns+` FROM entities
		 WHERE workspace_id = $1 AND id = ANY($2)`,
		workspaceID, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list entities by ids: %w", err)
	}
	defer rows.Close()

	return collectEntities(rows)
}

// ListEntitiesByScope resolves a filter or all scope against the current
// entity table. Called fresh every cycle so newly synced entities are picked
// up without agent edits. Archived entities are never returned.
func (db *DB) ListEntitiesByScope(ctx context.Context, workspaceID uuid.UUID, scope model.Scope) ([]model.Entity, error) {
	if scope.Type == model.ScopeEntities {
		return db.ListEntitiesByIDs(ctx, workspaceID, scope.EntityIDs)
	}

	var (
		where = []string{"workspace_id = $1", "provider = $2", "level = $3", "status <> $4"}
		args  = []any{workspaceID, string(scope.Provider), string(scope.Level), model.EntityStatusArchived}
	)
	if scope.Type == model.ScopeFiltered && scope.Filter != nil {
		f := scope.Filter
		if f.NameContains != "" {
			args = append(args, "%"+f.NameContains+"%")
			where = append(where, fmt.Sprintf("name ILIKE $%d", len(args)))
		}
		if len(f.Statuses) > 0 {
			args = append(args, f.Statuses)
			where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
		}
		if f.MinDailyBudget != nil {
			args = append(args, *f.MinDailyBudget)
			where = append(where, fmt.Sprintf("daily_budget >= $%d", len(args)))
		}
		if f.MaxDailyBudget != nil {
			args = append(args, *f.MaxDailyBudget)
			where = append(where, fmt.Sprintf("daily_budget <= $%d", len(args)))
		}
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE `+strings.Join(where, " AND ")+` ORDER BY created_at ASC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list entities by scope: %w", err)
	}
	defer rows.Close()

	return collectEntities(rows)
}

// GetConnection retrieves a platform connection by id.
func (db *DB) GetConnection(ctx context.Context, id uuid.UUID) (model.Connection, error) {
	var c model.Connection
	err := db.pool.QueryRow(ctx,
		`SELECT id, workspace_id, provider, status, account_id, credential_ref,
		        expires_at, created_at, updated_at
		 FROM connections WHERE id = $1`, id,
	).Scan(
		&c.ID, &c.WorkspaceID, &c.Provider, &c.Status, &c.AccountID, &c.CredentialRef,
		&c.ExpiresAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Connection{}, fmt.Errorf("storage: connection %s: %w", id, ErrNotFound)
		}
		return model.Connection{}, fmt.Errorf("storage: get connection: %w", err)
	}
	return c, nil
}

func scanEntity(row rowScanner) (model.Entity, error) {
	var e model.Entity
	err := row.Scan(
		&e.ID, &e.WorkspaceID, &e.ConnectionID, &e.Provider, &e.Level,
		&e.ExternalID, &e.Name, &e.Status, &e.DailyBudget, &e.CreatedAt, &e.UpdatedAt,
	)
	return e, err
}

func collectEntities(rows pgx.Rows) ([]model.Entity, error) {
	var entities []model.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan entity: %w", err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate entities: %w", err)
	}
	return entities, nil
}
