// Package health polls registered workers and feeds the outcomes back into
// the worker registry as heartbeats.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cuongbtq/taskfleet/internal/coordinator/domain"
)

// Heartbeats is the slice of the registry the monitor needs.
type Heartbeats interface {
	ListAll(ctx context.Context) ([]domain.WorkerNode, error)
	Heartbeat(ctx context.Context, baseURL string, ok bool, errMsg string) error
}

// Config holds monitor configuration
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Monitor polls each registered worker's /health endpoint on a fixed
// interval. A failed poll marks the worker inactive in the registry; it does
// not touch the worker's locks. Lock reclamation stays with TTL expiry and
// explicit operator cleanup, because an unreachable worker may still be
// executing.
type Monitor struct {
	cfg      Config
	registry Heartbeats
	client   *http.Client
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewMonitor creates a health monitor.
func NewMonitor(cfg Config, registry Heartbeats, logger *slog.Logger) *Monitor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}

	return &Monitor{
		cfg:      cfg,
		registry: registry,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

// Start runs the poll loop until the context is canceled. The first sweep
// happens immediately, then every Interval.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	defer m.wg.Done()

	m.logger.Info("Health monitor started",
		slog.Duration("interval", m.cfg.Interval),
		slog.Duration("timeout", m.cfg.Timeout),
	)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.sweep(ctx)

	for {
		select {
		case <-ticker.C:
			m.sweep(ctx)
		case <-ctx.Done():
			m.logger.Info("Health monitor stopped")
			return
		}
	}
}

// Wait blocks until the poll loop has exited.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

// sweep checks every registered worker once.
func (m *Monitor) sweep(ctx context.Context) {
	nodes, err := m.registry.ListAll(ctx)
	if err != nil {
		m.logger.Error("Health sweep failed to list workers",
			slog.String("error", err.Error()),
		)
		return
	}

	for _, node := range nodes {
		m.checkNode(ctx, node)
	}
}

// checkNode polls one worker and records the outcome as a heartbeat.
func (m *Monitor) checkNode(ctx context.Context, node domain.WorkerNode) {
	err := m.probe(ctx, node.BaseURL)

	var hbErr error
	if err != nil {
		m.logger.Warn("Worker health check failed",
			slog.String("base_url", node.BaseURL),
			slog.String("error", err.Error()),
		)
		hbErr = m.registry.Heartbeat(ctx, node.BaseURL, false, err.Error())
	} else {
		hbErr = m.registry.Heartbeat(ctx, node.BaseURL, true, "")
	}

	if hbErr != nil {
		m.logger.Error("Failed to record heartbeat",
			slog.String("base_url", node.BaseURL),
			slog.String("error", hbErr.Error()),
		)
	}
}

// probe performs one GET /health call and classifies the failure mode:
// unreachable, non-2xx status, or a body that does not report ok.
func (m *Monitor) probe(ctx context.Context, baseURL string) error {
	url := strings.TrimRight(baseURL, "/") + "/health"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("health request build failed: %w", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("worker unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	var body struct {
		OK bool `json:"ok"`
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("health response read failed: %w", err)
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return fmt.Errorf("malformed health response: %w", err)
	}
	if !body.OK {
		return fmt.Errorf("worker reported not ok")
	}

	return nil
}
