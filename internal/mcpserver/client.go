package mcpserver

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
)

// Config holds the configuration for connecting to a yieldguard API.
type Config struct {
	APIURL  string // Base URL, e.g. "http://localhost:8080"
	APIKey  string // API key, e.g. "sk_..."
	Address string // Principal the key belongs to, used as the default profile owner
}

// Client is a pure HTTP client for the yieldguard API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return respBody, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return respBody, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetRiskScore returns the composite risk record of an asset.
func (c *Client) GetRiskScore(ctx context.Context, asset string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/risk/assets/"+url.PathEscape(asset), nil, nil)
}

// GetVaultStatus returns the vault snapshot.
func (c *Client) GetVaultStatus(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/vault", nil, nil)
}

// ListStrategies lists active strategies, or all of them when includeExited.
func (c *Client) ListStrategies(ctx context.Context, includeExited bool) (json.RawMessage, error) {
	q := url.Values{}
	if includeExited {
		q.Set("all", "true")
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/vault/strategies", q, nil)
}

// GetPortfolioRisk returns the allocation-weighted portfolio risk.
func (c *Client) GetPortfolioRisk(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/vault/portfolio-risk", nil, nil)
}

// GetRiskProfile returns a depositor's profile. An empty address means the
// configured principal.
func (c *Client) GetRiskProfile(ctx context.Context, address string) (json.RawMessage, error) {
	if address == "" {
		address = c.cfg.Address
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/vault/profiles/"+url.PathEscape(address), nil, nil)
}

// UpdateRiskProfile upserts the principal's profile.
func (c *Client) UpdateRiskProfile(ctx context.Context, maxRisk, preferredYieldBps uint64, autoRebalance bool) (json.RawMessage, error) {
	body := map[string]any{
		"maxRiskScore":      maxRisk,
		"preferredYieldBps": preferredYieldBps,
		"autoRebalance":     autoRebalance,
	}
	return c.doRequest(ctx, http.MethodPut, "/v1/vault/profile", nil, body)
}

// GetEmergencyStatus returns the emergency controller state.
func (c *Client) GetEmergencyStatus(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/vault/emergency", nil, nil)
}

// TriggerEmergency halts the vault.
func (c *Client) TriggerEmergency(ctx context.Context, reason string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/vault/emergency", nil, map[string]string{"reason": reason})
}

// ListEvents pages through the audit log.
func (c *Client) ListEvents(ctx context.Context, eventType, entity string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if eventType != "" {
		q.Set("type", eventType)
	}
	if entity != "" {
		q.Set("entity", entity)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/events", q, nil)
}
