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

// CreateAPIKey inserts a new admin API key.
func (db *DB) CreateAPIKey(ctx context.Context, key model.APIKey) (model.APIKey, error) {
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO api_keys (id, workspace_id, prefix, key_hash, label, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.WorkspaceID, key.Prefix, key.KeyHash, key.Label, key.CreatedAt, key.ExpiresAt,
	)
	if err != nil {
		return model.APIKey{}, fmt.Errorf("storage: create api key: %w", err)
	}
	return key, nil
}

// GetAPIKeyByPrefix looks up a single active API key by prefix, the cheap
// pre-filter before Argon2 verification. Global because this runs during
// auth, before the workspace is known.
func (db *DB) GetAPIKeyByPrefix(ctx context.Context, prefix string) (model.APIKey, error) {
	var k model.APIKey
	err := db.pool.QueryRow(ctx,
		`SELECT id, workspace_id, prefix, key_hash, label, created_at, last_used_at, expires_at, revoked_at
		 FROM api_keys
		 WHERE prefix = $1
		   AND revoked_at IS NULL
		   AND (expires_at IS NULL OR expires_at > now())
		 LIMIT 1`,
		prefix,
	).Scan(
		&k.ID, &k.WorkspaceID, &k.Prefix, &k.KeyHash, &k.Label,
		&k.CreatedAt, &k.LastUsedAt, &k.ExpiresAt, &k.RevokedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.APIKey{}, ErrNotFound
		}
		return model.APIKey{}, fmt.Errorf("storage: get api key by prefix: %w", err)
	}
	return k, nil
}

// TouchAPIKey updates last_used_at after a successful verification.
// Fire-and-forget from the auth path.
func (db *DB) TouchAPIKey(ctx context.Context, id uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = now() WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("storage: touch api key: %w", err)
	}
	return nil
}

// RevokeAPIKey marks a key revoked. Idempotent.
func (db *DB) RevokeAPIKey(ctx context.Context, workspaceID, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE api_keys SET revoked_at = COALESCE(revoked_at, now())
		 WHERE id = $1 AND workspace_id = $2`,
		id, workspaceID,
	)
	if err != nil {
		return fmt.Errorf("storage: revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: api key %s: %w", id, ErrNotFound)
	}
	return nil
}
