package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mbd888/latticepay/internal/gateway"
	"github.com/mbd888/latticepay/internal/paymaster"
	"github.com/mbd888/latticepay/internal/retry"
)

// Config holds the configuration for reaching a latticepay API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // optional; read-only routes are public

	Attempts int           // per call, default 3
	Backoff  time.Duration // first retry delay, default 200ms
}

// Client is a thin HTTP client for the public latticepay routes.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
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

// APIError is returned for any 4xx/5xx answer.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error (%d) %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

// do calls the API, retrying transport failures, 429 and 5xx answers. Every
// route the client uses is read-only, so repeating a request is safe.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	return retry.Do(ctx, c.cfg.Attempts, c.cfg.Backoff, func() error {
		err := c.once(ctx, method, path, body, out)
		var ae *APIError
		if errors.As(err, &ae) && ae.Status < 500 && ae.Status != http.StatusTooManyRequests {
			return retry.Permanent(err)
		}
		return err
	})
}

func (c *Client) once(ctx context.Context, method, path string, body, out any) error {
	u, err := url.JoinPath(c.cfg.APIURL, path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var ae apiError
		if json.Unmarshal(respBody, &ae) == nil && ae.Message != "" {
			return &APIError{Status: resp.StatusCode, Code: ae.Error, Message: ae.Message}
		}
		return &APIError{Status: resp.StatusCode, Message: string(respBody)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// GetSession fetches a session by id.
func (c *Client) GetSession(ctx context.Context, id string) (*paymaster.Session, error) {
	var s paymaster.Session
	if err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(id), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetActiveSession returns the user's open session.
func (c *Client) GetActiveSession(ctx context.Context, user string) (*paymaster.Session, error) {
	var s paymaster.Session
	if err := c.do(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(user)+"/session", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetProfitMetrics returns the detailed profit view.
func (c *Client) GetProfitMetrics(ctx context.Context) (*paymaster.DetailedProfitMetrics, error) {
	var m paymaster.DetailedProfitMetrics
	if err := c.do(ctx, http.MethodGet, "/v1/metrics/profit/detailed", nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// GetTankStatus returns the LGU tank.
func (c *Client) GetTankStatus(ctx context.Context) (*paymaster.TankStatus, error) {
	var st paymaster.TankStatus
	if err := c.do(ctx, http.MethodGet, "/v1/tank", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// GetGatewayStatus returns a gateway profile with today's usage.
func (c *Client) GetGatewayStatus(ctx context.Context, address string) (*gateway.Status, error) {
	var st gateway.Status
	if err := c.do(ctx, http.MethodGet, "/v1/gateways/"+url.PathEscape(address), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Normalize prices amount of token in settlement units.
func (c *Client) Normalize(ctx context.Context, token, amount string) (*paymaster.Normalization, error) {
	var n paymaster.Normalization
	body := map[string]string{"token": token, "amount": amount}
	if err := c.do(ctx, http.MethodPost, "/v1/normalize", body, &n); err != nil {
		return nil, err
	}
	return &n, nil
}
