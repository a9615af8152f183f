// Package workerapi is the gateway-side client for the worker RPC
// (browser create/delete).
package workerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/browsergrid/browsergrid/internal/registry"
)

const rpcTimeout = 5 * time.Second

// Client calls worker nodes over plain HTTP.
type Client struct {
	httpc *http.Client
	port  int
}

// NewClient creates a Client that dials workers on the given port.
func NewClient(port int) *Client {
	return &Client{
		httpc: &http.Client{Timeout: rpcTimeout},
		port:  port,
	}
}

type createRequest struct {
	SessionID string `json:"session_id"`
}

type createResponse struct {
	BrowserID string `json:"browserId"`
	Port      int    `json:"port"`
}

// CreateBrowser asks a worker to launch a browser process for the
// session and returns its CDP endpoint details.
func (c *Client) CreateBrowser(ctx context.Context, host, sessionID string) (registry.Detail, error) {
	body, err := json.Marshal(createRequest{SessionID: sessionID})
	if err != nil {
		return registry.Detail{}, fmt.Errorf("marshal create request: %w", err)
	}

	url := fmt.Sprintf("http://%s:%d/browser", host, c.port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return registry.Detail{}, fmt.Errorf("build create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return registry.Detail{}, fmt.Errorf("worker %s: %w", host, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return registry.Detail{}, fmt.Errorf("worker %s: status %d: %s", host, resp.StatusCode, msg)
	}

	var out createResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return registry.Detail{}, fmt.Errorf("decode create response: %w", err)
	}
	return registry.Detail{BrowserID: out.BrowserID, Port: out.Port}, nil
}

// DeleteBrowser asks a worker to tear down the session's browser
// process. Deleting an unknown session succeeds on the worker side.
func (c *Client) DeleteBrowser(ctx context.Context, host, sessionID string) error {
	url := fmt.Sprintf("http://%s:%d/browser/%s", host, c.port, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("build delete request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("worker %s: %w", host, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("worker %s: status %d: %s", host, resp.StatusCode, msg)
	}
	return nil
}
