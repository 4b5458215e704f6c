package kanshi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the kanshi server (e.g. "http://localhost:8080").
	BaseURL string

	// APIKey is the workspace secret used to obtain a JWT token.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the kanshi monitoring API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL or APIKey is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("kanshi: BaseURL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("kanshi: APIKey is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:  baseURL,
		client:   httpClient,
		tokenMgr: newTokenManager(baseURL, cfg.APIKey, httpClient),
	}, nil
}

// ---------------------------------------------------------------------------
// Agents
// ---------------------------------------------------------------------------

// CreateAgent creates a new monitoring agent. The server validates the
// condition tree, actions, scope, and schedule; invalid configurations
// return a 400 Error.
func (c *Client) CreateAgent(ctx context.Context, req AgentRequest) (*Agent, error) {
	var resp Agent
	if err := c.post(ctx, "/v1/agents", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListOptions control pagination for list endpoints.
type ListOptions struct {
	Limit  int
	Offset int
}

// ListAgents lists the workspace's agents.
func (c *Client) ListAgents(ctx context.Context, opts *ListOptions) ([]Agent, error) {
	params := url.Values{}
	if opts != nil {
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Offset > 0 {
			params.Set("offset", strconv.Itoa(opts.Offset))
		}
	}

	path := "/v1/agents"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp []Agent
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetAgent retrieves one agent by id.
func (c *Client) GetAgent(ctx context.Context, agentID uuid.UUID) (*Agent, error) {
	var resp Agent
	if err := c.get(ctx, "/v1/agents/"+agentID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateAgent replaces an agent's configuration. Accumulation progress for
// existing entity states is preserved; the new configuration applies from
// the next evaluation.
func (c *Client) UpdateAgent(ctx context.Context, agentID uuid.UUID, req AgentRequest) (*Agent, error) {
	var resp Agent
	if err := c.put(ctx, "/v1/agents/"+agentID.String(), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteAgent deletes an agent and its entity states and events.
func (c *Client) DeleteAgent(ctx context.Context, agentID uuid.UUID) error {
	return c.doDelete(ctx, "/v1/agents/"+agentID.String(), nil)
}

// PauseAgent stops an agent from being evaluated until resumed.
func (c *Client) PauseAgent(ctx context.Context, agentID uuid.UUID) (*StatusChange, error) {
	var resp StatusChange
	if err := c.post(ctx, "/v1/agents/"+agentID.String()+"/pause", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ResumeAgent puts a paused or errored agent back into evaluation. Error
// bookkeeping is cleared so the agent starts with a clean slate.
func (c *Client) ResumeAgent(ctx context.Context, agentID uuid.UUID) (*StatusChange, error) {
	var resp StatusChange
	if err := c.post(ctx, "/v1/agents/"+agentID.String()+"/resume", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Entity states and events
// ---------------------------------------------------------------------------

// ListEntityStates returns the per-entity accumulation machines for an agent.
func (c *Client) ListEntityStates(ctx context.Context, agentID uuid.UUID) ([]EntityState, error) {
	var resp []EntityState
	if err := c.get(ctx, "/v1/agents/"+agentID.String()+"/states", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ResetEntityState clears one entity's accumulation machine back to
// watching. Use this to recover a unit stuck in the error state.
func (c *Client) ResetEntityState(ctx context.Context, agentID uuid.UUID, entityID string) error {
	path := "/v1/agents/" + agentID.String() + "/states/" + url.PathEscape(entityID) + "/reset"
	return c.post(ctx, path, nil, nil)
}

// ListEvents returns an agent's recent evaluation events, newest first.
func (c *Client) ListEvents(ctx context.Context, agentID uuid.UUID, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))

	path := "/v1/agents/" + agentID.String() + "/events?" + params.Encode()
	var resp []Event
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ---------------------------------------------------------------------------
// API keys
// ---------------------------------------------------------------------------

// CreateAPIKey mints a new API key for the workspace. The returned Key
// field holds the full secret and is shown exactly once.
func (c *Client) CreateAPIKey(ctx context.Context, label string) (*APIKey, error) {
	body := map[string]any{"label": label}
	var resp APIKey
	if err := c.post(ctx, "/v1/keys", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RevokeAPIKey revokes an API key. Existing JWTs remain valid until they
// expire; new token exchanges with the revoked key fail.
func (c *Client) RevokeAPIKey(ctx context.Context, keyID uuid.UUID) error {
	return c.doDelete(ctx, "/v1/keys/"+keyID.String(), nil)
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

// Health checks the server's health status. This endpoint does not require
// authentication and will work even if the client has invalid credentials.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.getNoAuth(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("kanshi: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("kanshi: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) put(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("kanshi: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("kanshi: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(ctx, req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("kanshi: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) doDelete(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("kanshi: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) getNoAuth(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("kanshi: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("kanshi: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func (c *Client) doRequest(ctx context.Context, req *http.Request, dest any) error {
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("kanshi: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("kanshi: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	// 204 No Content — nothing to decode.
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("kanshi: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
