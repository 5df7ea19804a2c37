// Package remote talks to the backend that owns the authoritative copy of queued actions.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hylla/ebb/internal/app"
	"github.com/hylla/ebb/internal/domain"
)

// Config configures the backend client.
type Config struct {
	BaseURL string
	Token   string
	// RequestsPerSecond throttles outgoing calls. Zero or less disables throttling.
	RequestsPerSecond float64
	HealthPath        string
	// HTTPClient defaults to a client with a 15s timeout.
	HTTPClient *http.Client
}

// HTTPError is a non-2xx backend response.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Client forwards actions to the backend and reconciles pending-sync batches.
type Client struct {
	baseURL    string
	token      string
	healthPath string
	httpClient *http.Client
	limiter    *rate.Limiter
}

var _ app.Reconciler = (*Client)(nil)

// New builds a client from cfg.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("remote base url is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("remote base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := max(int(cfg.RequestsPerSecond), 1)
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	health := strings.TrimSpace(cfg.HealthPath)
	if health == "" {
		health = "/healthz"
	}
	if !strings.HasPrefix(health, "/") {
		health = "/" + health
	}
	return &Client{
		baseURL:    base,
		token:      strings.TrimSpace(cfg.Token),
		healthPath: health,
		httpClient: httpClient,
		limiter:    limiter,
	}, nil
}

// Handlers returns a forwarding handler for every action type.
func (c *Client) Handlers() map[domain.ActionType]app.Handler {
	out := make(map[domain.ActionType]app.Handler, len(domain.ActionTypes()))
	for _, kind := range domain.ActionTypes() {
		out[kind] = app.HandlerFunc(c.Execute)
	}
	return out
}

// Execute posts one action to /v1/actions/{type}.
func (c *Client) Execute(ctx context.Context, action domain.Action) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/actions/"+url.PathEscape(string(action.Type)), action, nil)
}

type syncRequest struct {
	Actions []domain.Action `json:"actions"`
}

type syncConflict struct {
	ActionID string          `json:"action_id"`
	Server   *domain.Version `json:"server,omitempty"`
	Client   *domain.Version `json:"client,omitempty"`
}

type syncResponse struct {
	Conflicts []syncConflict `json:"conflicts"`
}

// Reconcile posts a pending-sync batch to /v1/sync. Reported conflicts come back as *app.ConflictError.
func (c *Client) Reconcile(ctx context.Context, actions []domain.Action) error {
	var out syncResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sync", syncRequest{Actions: actions}, &out); err != nil {
		return err
	}
	if len(out.Conflicts) == 0 {
		return nil
	}
	conflicts := make([]app.Conflict, 0, len(out.Conflicts))
	for _, sc := range out.Conflicts {
		conflicts = append(conflicts, app.Conflict{ActionID: sc.ActionID, Server: sc.Server, Client: sc.Client})
	}
	return &app.ConflictError{Conflicts: conflicts}
}

// Ping checks the backend health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, c.healthPath, nil, nil)
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var bodyReader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if a, ok := body.(domain.Action); ok {
		req.Header.Set("Idempotency-Key", a.ID)
		if a.Context != nil && a.Context.CorrelationID != "" {
			req.Header.Set("X-Correlation-Id", a.Context.CorrelationID)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payload) == 0 {
			return nil
		}
		return json.Unmarshal(payload, out)
	}
	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	if errPayload.Message == "" {
		errPayload.Message = strings.TrimSpace(string(payload))
	}
	return &HTTPError{StatusCode: resp.StatusCode, Code: errPayload.Code, Message: errPayload.Message}
}
