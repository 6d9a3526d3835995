package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/LutendoLukhele/cortex/pkg/models"
)

// Client is the HTTP facade over the SaaS connector API. All calls carry the
// connector credential and the acting user; the connector resolves the user's
// provider connection on its side.
type Client struct {
	baseURL string
	secret  string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates the connector client. The timeout bounds a single HTTP
// exchange; per-step budgets are enforced by the caller's context.
func NewClient(baseURL, secret string, timeout time.Duration, logger *slog.Logger) *Client {
	if baseURL == "" {
		panic("connector.NewClient: baseURL must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		secret:  secret,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With("component", "connector"),
	}
}

// Action invokes a provider tool action on behalf of userID.
func (c *Client) Action(ctx context.Context, userID, provider, tool string, input map[string]any) (map[string]any, error) {
	body := map[string]any{
		"user_id":  userID,
		"provider": provider,
		"action":   tool,
		"input":    input,
	}
	return c.post(ctx, "/v1/action", body)
}

// Records queries the provider-synced record cache.
func (c *Client) Records(ctx context.Context, userID, provider, model string, query map[string]any) (map[string]any, error) {
	body := map[string]any{
		"user_id":  userID,
		"provider": provider,
		"model":    model,
		"query":    query,
	}
	return c.post(ctx, "/v1/records", body)
}

// Proxy forwards an arbitrary provider API call through the connector.
func (c *Client) Proxy(ctx context.Context, userID, provider, method, path string, payload any) (map[string]any, error) {
	body := map[string]any{
		"user_id":  userID,
		"provider": provider,
		"method":   method,
		"path":     path,
		"payload":  payload,
	}
	return c.post(ctx, "/v1/proxy", body)
}

func (c *Client) post(ctx context.Context, path string, body map[string]any) (map[string]any, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, models.Classified(models.ErrKindInternal,
			fmt.Errorf("failed to encode connector request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, models.Classified(models.ErrKindInternal,
			fmt.Errorf("failed to build connector request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, models.Classified(models.ErrKindTransient,
			fmt.Errorf("connector request failed: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, models.Classified(models.ErrKindTransient,
			fmt.Errorf("failed to read connector response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyStatus(resp, data)
	}

	out := map[string]any{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, models.Classified(models.ErrKindPermanent,
				fmt.Errorf("connector returned invalid JSON: %w", err))
		}
	}
	return out, nil
}

// classifyStatus maps connector HTTP failures onto retry kinds. 429 carries
// the Retry-After hint when present.
func classifyStatus(resp *http.Response, body []byte) error {
	err := fmt.Errorf("connector returned %d: %s", resp.StatusCode, truncate(body, 200))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		ce := models.Classified(models.ErrKindTransient, err)
		if after := resp.Header.Get("Retry-After"); after != "" {
			if secs, parseErr := strconv.Atoi(after); parseErr == nil && secs > 0 {
				ce.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return ce
	case resp.StatusCode >= 500:
		return models.Classified(models.ErrKindTransient, err)
	default:
		return models.Classified(models.ErrKindPermanent, err)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
