package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kanshi-ai/kanshi/internal/model"
)

// ObservationSnapshot is one ingested metric set for an entity on a date.
// The ingestion pipeline may write several snapshots per (entity, date) as a
// day's numbers firm up; readers always take the latest captured_at.
type ObservationSnapshot struct {
	ID          uuid.UUID          `json:"id"`
	WorkspaceID uuid.UUID          `json:"workspace_id"`
	EntityID    uuid.UUID          `json:"entity_id"`
	Date        time.Time          `json:"date"`
	Metrics     model.Observations `json:"metrics"`
	CapturedAt  time.Time          `json:"captured_at"`
}

// InsertObservationSnapshots bulk-inserts snapshots via the COPY protocol.
func (db *DB) InsertObservationSnapshots(ctx context.Context, snaps []ObservationSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	columns := []string{"id", "workspace_id", "entity_id", "date", "metrics", "captured_at"}
	rows := make([][]any, len(snaps))
	for i, s := range snaps {
		if s.ID == uuid.Nil {
			s.ID = uuid.New()
		}
		if s.CapturedAt.IsZero() {
			s.CapturedAt = time.Now().UTC()
		}
		rows[i] = []any{s.ID, s.WorkspaceID, s.EntityID, s.Date, s.Metrics, s.CapturedAt}
	}

	copyCtx, copyCancel := context.WithTimeout(ctx, 30*time.Second)
	defer copyCancel()
	if _, err := db.pool.CopyFrom(
		copyCtx,
		pgx.Identifier{"observations"},
		columns,
		pgx.CopyFromRows(rows),
	); err != nil {
		return fmt.Errorf("storage: copy observations: %w", err)
	}
	return nil
}

// LatestObservations returns the newest snapshot per entity for one date.
// Entities with no snapshot on that date are absent from the map.
func (db *DB) LatestObservations(ctx context.Context, entityIDs []uuid.UUID, date time.Time) (map[uuid.UUID]model.Observations, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT DISTINCT ON (entity_id) entity_id, metrics
		 FROM observations
		 WHERE entity_id = ANY($1) AND date = $2
		 ORDER BY entity_id, captured_at DESC`,
		entityIDs, date,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: latest observations: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]model.Observations)
	for rows.Next() {
		var (
			id uuid.UUID
			m  model.Observations
		)
		if err := rows.Scan(&id, &m); err != nil {
			return nil, fmt.Errorf("storage: scan observation: %w", err)
		}
		out[id] = m
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate observations: %w", err)
	}
	return out, nil
}

// ObservationHistory returns per-date observations for one entity in the
// half-open range, latest snapshot per date.
func (db *DB) ObservationHistory(ctx context.Context, entityID uuid.UUID, rng model.DateRange) (model.History, error) {
	histories, err := db.ObservationHistories(ctx, []uuid.UUID{entityID}, rng)
	if err != nil {
		return nil, err
	}
	return histories[entityID], nil
}

// ObservationHistories returns per-date observations for a set of entities
// in the half-open range, latest snapshot per (entity, date). Dates with no
// snapshot are simply absent.
func (db *DB) ObservationHistories(ctx context.Context, entityIDs []uuid.UUID, rng model.DateRange) (map[uuid.UUID]model.History, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT DISTINCT ON (entity_id, date) entity_id, date, metrics
		 FROM observations
		 WHERE entity_id = ANY($1) AND date >= $2 AND date < $3
		 ORDER BY entity_id, date, captured_at DESC`,
		entityIDs, rng.Start, rng.End,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: observation histories: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]model.History)
	for rows.Next() {
		var (
			id   uuid.UUID
			date time.Time
			m    model.Observations
		)
		if err := rows.Scan(&id, &date, &m); err != nil {
			return nil, fmt.Errorf("storage: scan observation history: %w", err)
		}
		h, ok := out[id]
		if !ok {
			h = model.History{}
			out[id] = h
		}
		h[model.DateKey(date)] = m
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate observation histories: %w", err)
	}
	return out, nil
}
