package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kanshi-ai/kanshi/internal/model"
)

// MetaClient mutates Meta (Facebook/Instagram) advertising objects through
// the Graph API. Campaigns, ad sets, and ads are all mutable; budgets are
// expressed in minor currency units (cents).
type MetaClient struct {
	baseURL    string
	secrets    SecretResolver
	httpClient *http.Client
}

// NewMetaClient creates a Graph API client. baseURL defaults to the
// production Graph API when empty.
func NewMetaClient(baseURL string, secrets SecretResolver) *MetaClient {
	if baseURL == "" {
		baseURL = "https://graph.facebook.com/v21.0"
	}
	return &MetaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secrets:    secrets,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *MetaClient) Provider() model.Provider { return model.ProviderMeta }

func (c *MetaClient) Supports(level model.EntityLevel) bool {
	switch level {
	case model.LevelCampaign, model.LevelAdSet, model.LevelAd:
		return true
	}
	return false
}

// NativeBudget converts major units to cents, rounding half away from zero.
func (c *MetaClient) NativeBudget(major float64) int64 {
	return int64(math.Round(major * 100))
}

func (c *MetaClient) BudgetFromNative(native int64) float64 {
	return float64(native) / 100
}

func (c *MetaClient) HealthCheck(ctx context.Context, conn model.Connection) error {
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.get(ctx, conn, "/me", url.Values{"fields": {"id"}}, &resp); err != nil {
		return err
	}
	if resp.ID == "" {
		return fmt.Errorf("platform: meta health check returned no identity")
	}
	return nil
}

// metaObject is the Graph API shape shared by campaigns, ad sets, and ads.
type metaObject struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	DailyBudget string `json:"daily_budget"` // minor units, stringly typed by the API
}

func (c *MetaClient) GetLiveState(ctx context.Context, conn model.Connection, entity model.Entity) (LiveState, error) {
	var obj metaObject
	err := c.get(ctx, conn, "/"+entity.ExternalID, url.Values{
		"fields": {"id,name,status,daily_budget"},
	}, &obj)
	if err != nil {
		return LiveState{}, err
	}

	state := LiveState{
		ExternalID: obj.ID,
		Name:       obj.Name,
		Status:     normalizeMetaStatus(obj.Status),
	}
	if obj.DailyBudget != "" {
		cents, err := strconv.ParseInt(obj.DailyBudget, 10, 64)
		if err != nil {
			return LiveState{}, fmt.Errorf("platform: meta daily_budget %q: %w", obj.DailyBudget, err)
		}
		state.DailyBudget = c.BudgetFromNative(cents)
	}
	return state, nil
}

func (c *MetaClient) UpdateStatus(ctx context.Context, conn model.Connection, entity model.Entity, status string) error {
	return c.post(ctx, conn, "/"+entity.ExternalID, url.Values{
		"status": {denormalizeMetaStatus(status)},
	})
}

func (c *MetaClient) UpdateBudget(ctx context.Context, conn model.Connection, entity model.Entity, native int64) error {
	return c.post(ctx, conn, "/"+entity.ExternalID, url.Values{
		"daily_budget": {strconv.FormatInt(native, 10)},
	})
}

func (c *MetaClient) get(ctx context.Context, conn model.Connection, path string, params url.Values, out any) error {
	token, err := c.secrets.Resolve(ctx, conn.CredentialRef)
	if err != nil {
		return err
	}
	params.Set("access_token", token)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("platform: meta request: %w", err)
	}
	return c.do(req, out)
}

func (c *MetaClient) post(ctx context.Context, conn model.Connection, path string, params url.Values) error {
	token, err := c.secrets.Resolve(ctx, conn.CredentialRef)
	if err != nil {
		return err
	}
	params.Set("access_token", token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return fmt.Errorf("platform: meta request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, nil)
}

func (c *MetaClient) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &APIError{Provider: model.ProviderMeta, Body: err.Error(), Transient: true}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &APIError{
			Provider:  model.ProviderMeta,
			Status:    resp.StatusCode,
			Body:      string(body),
			Transient: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("platform: meta decode response: %w", err)
	}
	return nil
}

func normalizeMetaStatus(s string) string {
	switch strings.ToUpper(s) {
	case "ACTIVE":
		return model.EntityStatusActive
	case "PAUSED":
		return model.EntityStatusPaused
	case "ARCHIVED", "DELETED":
		return model.EntityStatusArchived
	}
	return strings.ToLower(s)
}

func denormalizeMetaStatus(s string) string {
	return strings.ToUpper(s)
}
