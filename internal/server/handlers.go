package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/kanshi-ai/kanshi/internal/auth"
	"github.com/kanshi-ai/kanshi/internal/model"
	"github.com/kanshi-ai/kanshi/internal/storage"
)

// Store is the slice of the storage layer the API uses.
type Store interface {
	CreateAgent(ctx context.Context, agent model.Agent) (model.Agent, error)
	GetAgent(ctx context.Context, workspaceID, id uuid.UUID) (model.Agent, error)
	ListAgents(ctx context.Context, workspaceID uuid.UUID, limit, offset int) ([]model.Agent, error)
	UpdateAgentConfig(ctx context.Context, agent model.Agent) (model.Agent, error)
	SetAgentStatus(ctx context.Context, workspaceID, id uuid.UUID, status model.AgentStatus) error
	DeleteAgent(ctx context.Context, workspaceID, id uuid.UUID) error

	ListEntityStates(ctx context.Context, agentID uuid.UUID) ([]model.EntityState, error)
	ResetEntityState(ctx context.Context, agentID uuid.UUID, entityID string) error

	ListRecentEvents(ctx context.Context, agentID uuid.UUID, limit int) ([]model.EvaluationEvent, error)

	CreateAPIKey(ctx context.Context, key model.APIKey) (model.APIKey, error)
	GetAPIKeyByPrefix(ctx context.Context, prefix string) (model.APIKey, error)
	TouchAPIKey(ctx context.Context, id uuid.UUID) error
	RevokeAPIKey(ctx context.Context, workspaceID, id uuid.UUID) error

	Ping(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               Store
	jwtMgr              *auth.JWTManager
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Store               Store
	JWTMgr              *auth.JWTManager
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		store:               d.Store,
		jwtMgr:              d.JWTMgr,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleAuthToken handles POST /auth/token: exchanges an API key for a JWT.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	prefix, err := auth.ParseKeyPrefix(req.APIKey)
	if err != nil {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	key, err := h.store.GetAPIKeyByPrefix(r.Context(), prefix)
	if err != nil {
		// Hash anyway so response timing does not reveal prefix existence.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	valid, err := auth.VerifyAPIKey(req.APIKey, key.KeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	if err := h.store.TouchAPIKey(r.Context(), key.ID); err != nil {
		h.logger.Warn("touch api key", "key_id", key.ID, "error", err)
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(key.WorkspaceID, &key.ID, key.Label)
	if err != nil {
		h.logger.Error("issue token", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "could not issue token")
		return
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleCreateAgent handles POST /v1/agents.
func (h *Handlers) HandleCreateAgent(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var agent model.Agent
	if err := decodeJSON(w, r, &agent, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	agent.WorkspaceID = claims.WorkspaceID

	created, err := h.store.CreateAgent(r.Context(), agent)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, err.Error())
		return
	}
	writeJSON(w, r, http.StatusCreated, created)
}

// HandleListAgents handles GET /v1/agents.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	limit := queryInt(r, "limit", 200)
	offset := queryInt(r, "offset", 0)

	agents, err := h.store.ListAgents(r.Context(), claims.WorkspaceID, limit, offset)
	if err != nil {
		h.logger.Error("list agents", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "could not list agents")
		return
	}
	writeJSON(w, r, http.StatusOK, agents)
}

// HandleGetAgent handles GET /v1/agents/{agent_id}.
func (h *Handlers) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	agentID, ok := pathUUID(w, r, "agent_id")
	if !ok {
		return
	}

	agent, err := h.store.GetAgent(r.Context(), claims.WorkspaceID, agentID)
	if err != nil {
		h.respondStoreError(w, r, err, "get agent")
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

// HandleUpdateAgent handles PUT /v1/agents/{agent_id}: replaces the agent's
// configuration while preserving engine bookkeeping.
func (h *Handlers) HandleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	agentID, ok := pathUUID(w, r, "agent_id")
	if !ok {
		return
	}

	var agent model.Agent
	if err := decodeJSON(w, r, &agent, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	agent.ID = agentID
	agent.WorkspaceID = claims.WorkspaceID

	if err := agent.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, err.Error())
		return
	}

	updated, err := h.store.UpdateAgentConfig(r.Context(), agent)
	if err != nil {
		h.respondStoreError(w, r, err, "update agent")
		return
	}
	writeJSON(w, r, http.StatusOK, updated)
}

// HandlePauseAgent handles POST /v1/agents/{agent_id}/pause.
func (h *Handlers) HandlePauseAgent(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, model.AgentPaused)
}

// HandleResumeAgent handles POST /v1/agents/{agent_id}/resume. Resuming
// clears error bookkeeping so a previously tripped agent starts clean.
func (h *Handlers) HandleResumeAgent(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, model.AgentActive)
}

func (h *Handlers) setStatus(w http.ResponseWriter, r *http.Request, status model.AgentStatus) {
	claims := ClaimsFromContext(r.Context())
	agentID, ok := pathUUID(w, r, "agent_id")
	if !ok {
		return
	}

	if err := h.store.SetAgentStatus(r.Context(), claims.WorkspaceID, agentID, status); err != nil {
		h.respondStoreError(w, r, err, "set agent status")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"id": agentID, "status": status})
}

// HandleDeleteAgent handles DELETE /v1/agents/{agent_id}.
func (h *Handlers) HandleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	agentID, ok := pathUUID(w, r, "agent_id")
	if !ok {
		return
	}

	if err := h.store.DeleteAgent(r.Context(), claims.WorkspaceID, agentID); err != nil {
		h.respondStoreError(w, r, err, "delete agent")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleListEntityStates handles GET /v1/agents/{agent_id}/states.
func (h *Handlers) HandleListEntityStates(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	agentID, ok := pathUUID(w, r, "agent_id")
	if !ok {
		return
	}

	// Ownership check before touching the agent's states.
	if _, err := h.store.GetAgent(r.Context(), claims.WorkspaceID, agentID); err != nil {
		h.respondStoreError(w, r, err, "get agent")
		return
	}

	states, err := h.store.ListEntityStates(r.Context(), agentID)
	if err != nil {
		h.logger.Error("list entity states", "agent_id", agentID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "could not list states")
		return
	}
	writeJSON(w, r, http.StatusOK, states)
}

// HandleResetEntityState handles POST /v1/agents/{agent_id}/states/{entity_id}/reset.
// This is the manual escape hatch for a terminal error state.
func (h *Handlers) HandleResetEntityState(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	agentID, ok := pathUUID(w, r, "agent_id")
	if !ok {
		return
	}
	entityID := r.PathValue("entity_id")
	if entityID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "entity_id is required")
		return
	}

	if _, err := h.store.GetAgent(r.Context(), claims.WorkspaceID, agentID); err != nil {
		h.respondStoreError(w, r, err, "get agent")
		return
	}

	if err := h.store.ResetEntityState(r.Context(), agentID, entityID); err != nil {
		h.respondStoreError(w, r, err, "reset entity state")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"agent_id": agentID, "entity_id": entityID, "state": model.StateWatching})
}

// HandleListEvents handles GET /v1/agents/{agent_id}/events.
func (h *Handlers) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	agentID, ok := pathUUID(w, r, "agent_id")
	if !ok {
		return
	}

	if _, err := h.store.GetAgent(r.Context(), claims.WorkspaceID, agentID); err != nil {
		h.respondStoreError(w, r, err, "get agent")
		return
	}

	events, err := h.store.ListRecentEvents(r.Context(), agentID, queryInt(r, "limit", 50))
	if err != nil {
		h.logger.Error("list events", "agent_id", agentID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "could not list events")
		return
	}
	writeJSON(w, r, http.StatusOK, events)
}

// HandleCreateAPIKey handles POST /v1/keys. The raw key is returned exactly
// once; only its hash is stored.
func (h *Handlers) HandleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req struct {
		Label     string     `json:"label"`
		ExpiresAt *time.Time `json:"expires_at,omitempty"`
	}
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	rawKey, prefix, err := auth.GenerateAPIKey()
	if err != nil {
		h.logger.Error("generate api key", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "could not generate key")
		return
	}
	hash, err := auth.HashAPIKey(rawKey)
	if err != nil {
		h.logger.Error("hash api key", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "could not generate key")
		return
	}

	key, err := h.store.CreateAPIKey(r.Context(), model.APIKey{
		WorkspaceID: claims.WorkspaceID,
		Prefix:      prefix,
		KeyHash:     hash,
		Label:       req.Label,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		h.logger.Error("create api key", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "could not create key")
		return
	}

	writeJSON(w, r, http.StatusCreated, map[string]any{
		"id":     key.ID,
		"label":  key.Label,
		"prefix": key.Prefix,
		"key":    rawKey,
	})
}

// HandleRevokeAPIKey handles DELETE /v1/keys/{key_id}.
func (h *Handlers) HandleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	keyID, ok := pathUUID(w, r, "key_id")
	if !ok {
		return
	}

	if err := h.store.RevokeAPIKey(r.Context(), claims.WorkspaceID, keyID); err != nil {
		h.respondStoreError(w, r, err, "revoke api key")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	if err := h.store.Ping(ctx); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, r, code, map[string]any{
		"status":         status,
		"version":        h.version,
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
	})
}

func (h *Handlers) respondStoreError(w http.ResponseWriter, r *http.Request, err error, op string) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
		return
	}
	h.logger.Error(op, "error", err)
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "internal error")
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, name+" must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
