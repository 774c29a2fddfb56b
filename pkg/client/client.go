// Package client is the thin HTTP SDK for the sandlab daemon.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/veriwork/sandlab/pkg/api"
	"github.com/veriwork/sandlab/pkg/store"
)

// Client is the sandlab SDK client.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
}

// NewClient creates a new sandlab client.
// endpoint defaults to "http://127.0.0.1:8390" if empty.
func NewClient(endpoint, token string) *Client {
	if endpoint == "" {
		endpoint = "http://127.0.0.1:8390"
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		token:    token,
		http: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Ping checks the health of the daemon.
func (c *Client) Ping(ctx context.Context) error {
	var status struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/health", nil, &status); err != nil {
		return err
	}
	if status.Status != "ok" {
		return fmt.Errorf("daemon unhealthy: %s", status.Status)
	}
	return nil
}

// ListScenarios returns the catalog scenario ids.
func (c *Client) ListScenarios(ctx context.Context) ([]string, error) {
	var resp struct {
		Scenarios []string `json:"scenarios"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/scenarios", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Scenarios, nil
}

// RunScenario executes a catalog or inline scenario.
func (c *Client) RunScenario(ctx context.Context, req api.RunScenarioRequest) (*api.RunResponse, error) {
	var resp api.RunResponse
	if err := c.do(ctx, http.MethodPost, "/v1/scenarios/run", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RunFuzz executes one seeded adversarial run.
func (c *Client) RunFuzz(ctx context.Context, req api.FuzzRequest) (*api.RunResponse, error) {
	var resp api.RunResponse
	if err := c.do(ctx, http.MethodPost, "/v1/fuzz", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Replay re-executes a stored run from its recorded document.
func (c *Client) Replay(ctx context.Context, runID string, fromStep int) (*api.RunResponse, error) {
	var resp api.RunResponse
	path := fmt.Sprintf("/v1/runs/%s/replay", url.PathEscape(runID))
	if err := c.do(ctx, http.MethodPost, path, api.ReplayRequest{FromStepIndex: fromStep}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetRun loads one stored run record.
func (c *Client) GetRun(ctx context.Context, runID string) (*store.FuzzRun, error) {
	var run store.FuzzRun
	path := fmt.Sprintf("/v1/runs/%s", url.PathEscape(runID))
	if err := c.do(ctx, http.MethodGet, path, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns run records for a partition, newest first.
func (c *Client) ListRuns(ctx context.Context, sandboxID string, limit int) ([]*store.FuzzRun, error) {
	path := fmt.Sprintf("/v1/runs?sandbox_id=%s", url.QueryEscape(sandboxID))
	if limit > 0 {
		path += fmt.Sprintf("&limit=%d", limit)
	}
	var runs []*store.FuzzRun
	if err := c.do(ctx, http.MethodGet, path, nil, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// GetRunEvents returns a run's events, optionally filtered by type.
func (c *Client) GetRunEvents(ctx context.Context, runID string, eventTypes ...store.EventType) ([]*store.Event, error) {
	path := fmt.Sprintf("/v1/runs/%s/events", url.PathEscape(runID))
	if len(eventTypes) > 0 {
		types := make([]string, len(eventTypes))
		for i, t := range eventTypes {
			types[i] = string(t)
		}
		path += "?type=" + url.QueryEscape(strings.Join(types, ","))
	}
	var events []*store.Event
	if err := c.do(ctx, http.MethodGet, path, nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// TeardownSandbox deletes all data for a sandbox partition.
func (c *Client) TeardownSandbox(ctx context.Context, sandboxID string) error {
	path := fmt.Sprintf("/v1/sandboxes/%s", url.PathEscape(sandboxID))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// do sends one request and decodes the JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// APIError carries a non-2xx response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Body)
}
