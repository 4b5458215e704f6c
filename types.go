package kanshi

import (
	"time"

	"github.com/google/uuid"
)

// Trigger describes one agent firing: the unit it fired for, why, and what
// the action batch did. It is a curated view of internal evaluation types
// for use in extension interfaces. No internal package imports — safe to
// use from outside the module.
type Trigger struct {
	AgentID     uuid.UUID
	AgentName   string
	WorkspaceID uuid.UUID
	// EntityID is the unit the trigger fired for. For aggregate-scope
	// agents this is the synthetic "aggregate:<agent_id>" identifier and
	// Entity is nil.
	EntityID string
	Entity   *Entity
	// Reason is the human-readable condition explanation.
	Reason string
	// Observations holds the metric values the condition was evaluated
	// against.
	Observations map[string]float64
	Actions      []ActionOutcome
	TriggeredAt  time.Time
}

// ActionOutcome is the result of one action in a trigger's batch.
type ActionOutcome struct {
	Type        string // notify | webhook | pause_entity | resume_entity | scale_budget
	Success     bool
	Skipped     bool
	SkipReason  string
	Description string
	Error       string
}

// Email is a notification email for the EmailSender extension point.
type Email struct {
	Recipients []string
	Subject    string
	Body       string
}

// Connection is a workspace's credentialed link to one ad platform account.
type Connection struct {
	ID          uuid.UUID
	WorkspaceID uuid.UUID
	Provider    string // meta | google | <registered>
	AccountID   string
	// CredentialRef is the opaque handle a SecretResolver turns into a
	// live token. Never a raw credential.
	CredentialRef string
	ExpiresAt     *time.Time
}

// Entity is a monitored advertising object (campaign, ad set, or ad).
type Entity struct {
	ID          uuid.UUID
	WorkspaceID uuid.UUID
	Provider    string
	Level       string // campaign | adset | ad
	ExternalID  string
	Name        string
	Status      string
	DailyBudget *float64 // major currency units
}

// LiveState is the authoritative platform-side view of an entity at the
// moment of a mutation.
type LiveState struct {
	ExternalID  string
	Name        string
	Status      string // normalized: active/paused/archived
	DailyBudget float64
}
