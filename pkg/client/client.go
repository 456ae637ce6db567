package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/filip-strelec/pokedex-terminal/pkg/types"
)

// SessionSummary is one row of the bridge's session history.
type SessionSummary struct {
	ID         string     `json:"id"`
	Mode       string     `json:"mode"`
	Program    string     `json:"program"`
	PID        int        `json:"pid"`
	RemoteAddr string     `json:"remoteAddr,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
	EndReason  string     `json:"endReason,omitempty"`
	ExitCode   *int       `json:"exitCode,omitempty"`
	BytesIn    int64      `json:"bytesIn"`
	BytesOut   int64      `json:"bytesOut"`
	SyncEvents int64      `json:"syncEvents"`
}

// Client is an HTTP client for the bridge's operator API.
type Client struct {
	baseURL    string
	adminKey   string
	httpClient *http.Client
}

// NewClient creates a new bridge API client.
func NewClient(baseURL, adminKey string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		adminKey: adminKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// doRequest performs an HTTP request with the admin key attached.
func (c *Client) doRequest(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.adminKey != "" {
		req.Header.Set("X-Admin-Key", c.adminKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	resp, err := c.doRequest(ctx, http.MethodGet, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Health reports whether the bridge answers its health check.
func (c *Client) Health(ctx context.Context) error {
	var body map[string]string
	if err := c.getJSON(ctx, "/health", &body); err != nil {
		return err
	}
	if body["status"] != "ok" {
		return fmt.Errorf("unexpected health status %q", body["status"])
	}
	return nil
}

// ListSessions lists live terminal sessions.
func (c *Client) ListSessions(ctx context.Context) ([]types.SessionInfo, error) {
	var sessions []types.SessionInfo
	if err := c.getJSON(ctx, "/sessions", &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// History returns up to limit recently started sessions, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]SessionSummary, error) {
	path := "/sessions/history"
	if limit > 0 {
		path += "?" + url.Values{"limit": {fmt.Sprint(limit)}}.Encode()
	}
	var sessions []SessionSummary
	if err := c.getJSON(ctx, path, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// KillSession terminates a live session.
func (c *Client) KillSession(ctx context.Context, id string) error {
	resp, err := c.doRequest(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(id))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return nil
}

func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, e.Error)
	}
	return fmt.Errorf("API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
