package model

import (
	"time"

	"github.com/google/uuid"
)

// APIKey is an admin-API credential. Only the Argon2id hash is stored; the
// plaintext is shown once at mint time. Prefix is the first characters of
// the plaintext, kept for O(1) lookup before the expensive hash verify.
type APIKey struct {
	ID          uuid.UUID  `json:"id"`
	WorkspaceID uuid.UUID  `json:"workspace_id"`
	Prefix      string     `json:"prefix"`
	KeyHash     string     `json:"-"`
	Label       string     `json:"label,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}
