// Package client is the agent's HTTP client for the coordinator API:
// registration, heartbeats, lock calls, and status/counter callbacks.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Config holds client configuration
type Config struct {
	// CoordinatorURL is the base URL of the coordinator service.
	CoordinatorURL string
	// Token is sent as the bearer token on every request.
	Token string
	// RequestTimeout bounds each call.
	RequestTimeout time.Duration
}

// Client talks to the coordinator.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// New creates a coordinator client.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}

	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		logger: logger,
	}
}

// Register announces this worker to the coordinator. Idempotent.
func (c *Client) Register(ctx context.Context, baseURL, name string, capacity int) error {
	return c.post(ctx, "/worker/register", map[string]any{
		"base_url": baseURL,
		"name":     name,
		"capacity": capacity,
	}, nil)
}

// Heartbeat pushes a liveness signal for this worker.
func (c *Client) Heartbeat(ctx context.Context, baseURL string) error {
	return c.post(ctx, "/worker/heartbeat", map[string]any{
		"base_url": baseURL,
	}, nil)
}

// AcquireLockResponse is the coordinator's answer to a lock acquire call.
type AcquireLockResponse struct {
	OK           bool   `json:"ok"`
	LockAcquired bool   `json:"lock_acquired"`
	WorkerID     string `json:"worker_id,omitempty"`
	HeldBy       string `json:"held_by,omitempty"`
	ExpiresAt    string `json:"expires_at,omitempty"`
}

// AcquireLock requests the task lease on behalf of workerID.
func (c *Client) AcquireLock(ctx context.Context, kind, taskID, workerID string, ttl time.Duration) (*AcquireLockResponse, error) {
	var resp AcquireLockResponse
	err := c.post(ctx, "/locks/acquire", map[string]any{
		"task_kind":   kind,
		"task_id":     taskID,
		"worker_id":   workerID,
		"ttl_seconds": int(ttl.Seconds()),
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// RefreshLock extends a held lease. Reports false when the lease is gone or
// owned by someone else.
func (c *Client) RefreshLock(ctx context.Context, kind, taskID, workerID string, ttl time.Duration) (bool, error) {
	var resp struct {
		OK        bool `json:"ok"`
		Refreshed bool `json:"refreshed"`
	}
	err := c.post(ctx, "/locks/refresh", map[string]any{
		"task_kind":   kind,
		"task_id":     taskID,
		"worker_id":   workerID,
		"ttl_seconds": int(ttl.Seconds()),
	}, &resp)
	if err != nil {
		return false, err
	}
	return resp.Refreshed, nil
}

// ReleaseLock gives the task lease back.
func (c *Client) ReleaseLock(ctx context.Context, kind, taskID, workerID string) error {
	return c.post(ctx, "/locks/release", map[string]any{
		"task_kind": kind,
		"task_id":   taskID,
		"worker_id": workerID,
	}, nil)
}

// ReportTaskStatus posts a task status callback. A terminal status counts one
// finished batch coordinator-side; the task lock is released once every batch
// has reported.
func (c *Client) ReportTaskStatus(ctx context.Context, kind, taskID, status, errMsg string) error {
	return c.post(ctx, "/"+kind+"/"+taskID+"/status", map[string]any{
		"status": status,
		"error":  errMsg,
	}, nil)
}

// ReportItemStatus posts a per-item status callback.
func (c *Client) ReportItemStatus(ctx context.Context, kind, itemID, status, errMsg string) error {
	return c.post(ctx, "/"+kind+"/accounts/"+itemID+"/status", map[string]any{
		"status": status,
		"error":  errMsg,
	}, nil)
}

// ReportCounters posts aggregate outcome counters for an item's task.
func (c *Client) ReportCounters(ctx context.Context, kind, taskID string, successful, failed, blocked, verification int) error {
	return c.post(ctx, "/"+kind+"/"+taskID+"/counters", map[string]any{
		"successful":            successful,
		"failed":                failed,
		"permanently_blocked":   blocked,
		"verification_required": verification,
	}, nil)
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	url := strings.TrimRight(c.cfg.CoordinatorURL, "/") + path

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("coordinator unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("coordinator returned status %d for %s: %s", resp.StatusCode, path, string(snippet))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}
