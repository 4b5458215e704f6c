package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/kanshi-ai/kanshi/internal/model"
)

// GoogleClient mutates Google Ads campaigns. Only the campaign level is
// supported: ad group and ad budgets are inherited from the campaign, so
// there is nothing meaningful to mutate below it. Budgets are micros
// (1e6 per currency unit).
type GoogleClient struct {
	baseURL    string
	secrets    SecretResolver
	httpClient *http.Client
}

// NewGoogleClient creates a Google Ads API client. baseURL defaults to the
// production endpoint when empty.
func NewGoogleClient(baseURL string, secrets SecretResolver) *GoogleClient {
	if baseURL == "" {
		baseURL = "https://googleads.googleapis.com/v18"
	}
	return &GoogleClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secrets:    secrets,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *GoogleClient) Provider() model.Provider { return model.ProviderGoogle }

func (c *GoogleClient) Supports(level model.EntityLevel) bool {
	return level == model.LevelCampaign
}

// NativeBudget converts major units to micros, rounding half away from zero.
func (c *GoogleClient) NativeBudget(major float64) int64 {
	return int64(math.Round(major * 1_000_000))
}

func (c *GoogleClient) BudgetFromNative(native int64) float64 {
	return float64(native) / 1_000_000
}

func (c *GoogleClient) HealthCheck(ctx context.Context, conn model.Connection) error {
	var resp struct {
		ResourceName string `json:"resourceName"`
	}
	path := fmt.Sprintf("/customers/%s", conn.AccountID)
	if err := c.do(ctx, conn, http.MethodGet, path, nil, &resp); err != nil {
		return err
	}
	if resp.ResourceName == "" {
		return fmt.Errorf("platform: google health check returned no customer")
	}
	return nil
}

type googleCampaign struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Budget struct {
		AmountMicros int64 `json:"amountMicros"`
	} `json:"campaignBudget"`
}

func (c *GoogleClient) GetLiveState(ctx context.Context, conn model.Connection, entity model.Entity) (LiveState, error) {
	var camp googleCampaign
	path := fmt.Sprintf("/customers/%s/campaigns/%s", conn.AccountID, entity.ExternalID)
	if err := c.do(ctx, conn, http.MethodGet, path, nil, &camp); err != nil {
		return LiveState{}, err
	}
	return LiveState{
		ExternalID:  camp.ID,
		Name:        camp.Name,
		Status:      normalizeGoogleStatus(camp.Status),
		DailyBudget: c.BudgetFromNative(camp.Budget.AmountMicros),
	}, nil
}

func (c *GoogleClient) UpdateStatus(ctx context.Context, conn model.Connection, entity model.Entity, status string) error {
	path := fmt.Sprintf("/customers/%s/campaigns/%s", conn.AccountID, entity.ExternalID)
	return c.do(ctx, conn, http.MethodPatch, path, map[string]any{
		"status": denormalizeGoogleStatus(status),
	}, nil)
}

func (c *GoogleClient) UpdateBudget(ctx context.Context, conn model.Connection, entity model.Entity, native int64) error {
	path := fmt.Sprintf("/customers/%s/campaigns/%s", conn.AccountID, entity.ExternalID)
	return c.do(ctx, conn, http.MethodPatch, path, map[string]any{
		"campaignBudget": map[string]any{"amountMicros": native},
	}, nil)
}

func (c *GoogleClient) do(ctx context.Context, conn model.Connection, method, path string, body, out any) error {
	token, err := c.secrets.Resolve(ctx, conn.CredentialRef)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("platform: google marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("platform: google request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &APIError{Provider: model.ProviderGoogle, Body: err.Error(), Transient: true}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &APIError{
			Provider:  model.ProviderGoogle,
			Status:    resp.StatusCode,
			Body:      string(raw),
			Transient: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("platform: google decode response: %w", err)
	}
	return nil
}

func normalizeGoogleStatus(s string) string {
	switch strings.ToUpper(s) {
	case "ENABLED":
		return model.EntityStatusActive
	case "PAUSED":
		return model.EntityStatusPaused
	case "REMOVED":
		return model.EntityStatusArchived
	}
	return strings.ToLower(s)
}

func denormalizeGoogleStatus(s string) string {
	switch s {
	case model.EntityStatusActive:
		return "ENABLED"
	case model.EntityStatusPaused:
		return "PAUSED"
	case model.EntityStatusArchived:
		return "REMOVED"
	}
	return strings.ToUpper(s)
}
