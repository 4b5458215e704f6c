package model

import (
	"time"

	"github.com/google/uuid"
)

// Provider identifies an external advertising platform.
type Provider string

const (
	ProviderGoogle Provider = "google"
	ProviderMeta   Provider = "meta"
)

// EntityLevel is the position of an entity in a platform's campaign hierarchy.
type EntityLevel string

const (
	LevelCampaign EntityLevel = "campaign"
	LevelAdSet    EntityLevel = "adset"
	LevelAd       EntityLevel = "ad"
)

// Entity status values, normalized across providers by the ingestion pipeline.
const (
	EntityStatusActive   = "active"
	EntityStatusPaused   = "paused"
	EntityStatusArchived = "archived"
)

// Entity is a locally synced advertising object (campaign, ad set, or ad).
// Status and DailyBudget here are the last synced values; mutating actions
// always re-fetch live state from the platform before acting.
type Entity struct {
	ID           uuid.UUID  `json:"id"`
	WorkspaceID  uuid.UUID  `json:"workspace_id"`
	ConnectionID *uuid.UUID `json:"connection_id,omitempty"`
	Provider     Provider   `json:"provider"`
	Level        EntityLevel `json:"level"`
	ExternalID   string     `json:"external_id"`
	Name         string     `json:"name"`
	Status       string     `json:"status"`
	DailyBudget  *float64   `json:"daily_budget,omitempty"` // major currency units
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// ConnectionStatus is the lifecycle state of a platform connection.
type ConnectionStatus string

const (
	ConnectionActive  ConnectionStatus = "active"
	ConnectionExpired ConnectionStatus = "expired"
	ConnectionRevoked ConnectionStatus = "revoked"
)

// Connection is an OAuth-backed link to an advertising platform account.
// Token acquisition and refresh live in the API layer; the engine only
// reads connection status and the credential reference.
type Connection struct {
	ID            uuid.UUID        `json:"id"`
	WorkspaceID   uuid.UUID        `json:"workspace_id"`
	Provider      Provider         `json:"provider"`
	Status        ConnectionStatus `json:"status"`
	AccountID     string           `json:"account_id"`
	CredentialRef string           `json:"-"` // opaque handle into the secret store
	ExpiresAt     *time.Time       `json:"expires_at,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// HasUsableCredential reports whether the connection can authenticate
// a platform API call right now.
func (c Connection) HasUsableCredential(now time.Time) bool {
	if c.Status != ConnectionActive || c.CredentialRef == "" {
		return false
	}
	if c.ExpiresAt != nil && !now.Before(*c.ExpiresAt) {
		return false
	}
	return true
}
