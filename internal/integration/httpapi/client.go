// Package httpapi provides an HTTP client for the remote integration
// service, implementing integration.API.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/driftline/atrium/internal/integration"
)

// Client talks JSON to the integration service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the service at baseURL. A nil httpClient
// uses http.DefaultClient; callers set timeouts through the request context.
func NewClient(baseURL string, httpClient *http.Client) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("integration service base url is required")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: baseURL, httpClient: httpClient}, nil
}

// GetConnectionStatus fetches the connection status for one user.
func (c *Client) GetConnectionStatus(ctx context.Context, userID string) (integration.ConnectionStatus, error) {
	endpoint := c.baseURL + "/api/integration/status?user_id=" + url.QueryEscape(userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return integration.ConnectionStatus{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return integration.ConnectionStatus{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return integration.ConnectionStatus{}, integration.NewFailure(integration.FailureInvalidResponse,
			fmt.Errorf("status request returned %d", resp.StatusCode))
	}

	var payload struct {
		Connected         bool     `json:"connected"`
		AccountIdentifier string   `json:"account_identifier"`
		Scopes            []string `json:"scopes"`
		LastSyncAt        string   `json:"last_sync_at"`
		Error             string   `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return integration.ConnectionStatus{}, integration.NewFailure(integration.FailureInvalidResponse,
			fmt.Errorf("decode status response: %w", err))
	}

	status := integration.ConnectionStatus{
		Connected:         payload.Connected,
		AccountIdentifier: payload.AccountIdentifier,
		Scopes:            payload.Scopes,
		Error:             payload.Error,
	}
	if payload.LastSyncAt != "" {
		at, err := time.Parse(time.RFC3339, payload.LastSyncAt)
		if err != nil {
			return integration.ConnectionStatus{}, integration.NewFailure(integration.FailureInvalidResponse,
				fmt.Errorf("parse last_sync_at: %w", err))
		}
		status.LastSyncAt = &at
	}
	return status, nil
}

// StartOAuth asks the service to begin an OAuth flow that returns the user
// to redirectTarget. It returns the provider authorization URL, unvalidated;
// the caller is responsible for checking its origin.
func (c *Client) StartOAuth(ctx context.Context, redirectTarget string) (string, error) {
	form := url.Values{}
	form.Set("redirect_target", redirectTarget)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/integration/connect", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", integration.NewFailure(integration.FailureInvalidResponse,
			fmt.Errorf("connect request returned %d", resp.StatusCode))
	}

	var payload struct {
		AuthorizationURL string `json:"authorization_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", integration.NewFailure(integration.FailureInvalidResponse,
			fmt.Errorf("decode connect response: %w", err))
	}
	if payload.AuthorizationURL == "" {
		return "", integration.NewFailure(integration.FailureInvalidResponse,
			fmt.Errorf("connect response missing authorization url"))
	}
	return payload.AuthorizationURL, nil
}

// DisconnectIntegration revokes the user's integration.
func (c *Client) DisconnectIntegration(ctx context.Context, userID string) error {
	form := url.Values{}
	form.Set("user_id", userID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/integration/disconnect", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		return integration.NewFailure(integration.FailureInvalidResponse,
			fmt.Errorf("disconnect request returned %d", resp.StatusCode))
	}

	var payload struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return integration.NewFailure(integration.FailureInvalidResponse,
			fmt.Errorf("decode disconnect response: %w", err))
	}
	if !payload.Success {
		if payload.Error == "" {
			payload.Error = "disconnect rejected"
		}
		return fmt.Errorf("disconnect integration: %s", payload.Error)
	}
	return nil
}

var _ integration.API = (*Client)(nil)
