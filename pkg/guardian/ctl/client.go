package ctl

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

	"github.com/TFMV/guardian/pkg/guardian/server"
	"github.com/TFMV/guardian/pkg/guardian/threat"
)

// Client talks to the guardian admin API
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// APIError is returned for non-2xx responses. Status is set when the server
// returned the post-action status alongside the error.
type APIError struct {
	Code    int
	Message string
	Status  *threat.StatusReport
}

func (e *APIError) Error() string {
	return fmt.Sprintf("guardian API returned %d: %s", e.Code, e.Message)
}

// NewClient creates a client for the admin API at baseURL. token may be
// empty when the API is unauthenticated.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// Status fetches the current status report
func (c *Client) Status(ctx context.Context) (threat.StatusReport, error) {
	var report threat.StatusReport
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &report)
	return report, err
}

// History fetches the recorded signals
func (c *Client) History(ctx context.Context) ([]threat.ThreatSignal, error) {
	var history []threat.ThreatSignal
	err := c.do(ctx, http.MethodGet, "/api/history", nil, &history)
	return history, err
}

// Submit sends a signal and returns the resulting status
func (c *Client) Submit(ctx context.Context, signal threat.ThreatSignal) (threat.StatusReport, error) {
	var resp server.ActionResponse
	err := c.do(ctx, http.MethodPost, "/api/signals", signal, &resp)
	return resp.Status, err
}

// Recovery runs a recovery action and returns the resulting status
func (c *Client) Recovery(ctx context.Context, action, source string) (threat.StatusReport, error) {
	var resp server.ActionResponse
	err := c.do(ctx, http.MethodPost, "/api/recovery", server.RecoveryRequest{Action: action, Source: source}, &resp)
	return resp.Status, err
}

// Admit asks whether a transaction of the given priority would be admitted
func (c *Client) Admit(ctx context.Context, priority string) (server.AdmitResponse, error) {
	var resp server.AdmitResponse
	err := c.do(ctx, http.MethodPost, "/api/transactions/admit", server.AdmitRequest{Priority: priority}, &resp)
	return resp, err
}

// Verify checks a signer count against the active consensus threshold
func (c *Client) Verify(ctx context.Context, signers, total int) (server.VerifyResponse, error) {
	var resp server.VerifyResponse
	err := c.do(ctx, http.MethodPost, "/api/consensus/verify", server.VerifyRequest{Signers: signers, Total: total}, &resp)
	return resp, err
}

// Node reports whether a validator node may participate
func (c *Client) Node(ctx context.Context, node string) (server.NodeResponse, error) {
	var resp server.NodeResponse
	err := c.do(ctx, http.MethodGet, "/api/nodes/"+url.PathEscape(node), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	}

	apiErr := &APIError{Code: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	var action server.ActionResponse
	if json.Unmarshal(data, &action) == nil && action.Error != "" {
		apiErr.Message = action.Error
		apiErr.Status = &action.Status
		if res, ok := out.(*server.ActionResponse); ok {
			*res = action
		}
	}
	return apiErr
}
