package payload

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

	"github.com/cuongbtq/taskfleet/internal/agent/executor"
)

// HTTPConfig holds automation endpoint configuration.
type HTTPConfig struct {
	// BaseURL is the automation service root; attempts POST to
	// {BaseURL}/{kind}.
	BaseURL string
	// Timeout bounds each attempt.
	Timeout time.Duration
}

// HTTPPayload performs one automation attempt per item by calling the
// external automation service. The service owns the browser sessions; this
// side only classifies its answer into an outcome the executor's retry loop
// understands.
type HTTPPayload struct {
	cfg    HTTPConfig
	client *http.Client
	logger *slog.Logger
}

// NewHTTPPayload creates an HTTPPayload.
func NewHTTPPayload(cfg HTTPConfig, logger *slog.Logger) *HTTPPayload {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	return &HTTPPayload{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger.With(slog.String("component", "automation_payload")),
	}
}

// Execute runs one attempt for one item. It satisfies executor.PayloadFunc.
//
// Status mapping: 2xx success, 423 permanently blocked, 428 verification
// required, everything else (including transport errors) transient.
func (p *HTTPPayload) Execute(ctx context.Context, item executor.Item) (executor.Outcome, error) {
	body, err := json.Marshal(map[string]string{
		"item_id": item.ID,
		"task_id": item.TaskID,
	})
	if err != nil {
		return executor.OutcomeTransient, fmt.Errorf("failed to encode attempt body: %w", err)
	}

	url := strings.TrimRight(p.cfg.BaseURL, "/") + "/" + item.Kind

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return executor.OutcomeTransient, fmt.Errorf("failed to build attempt request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return executor.OutcomeTransient, fmt.Errorf("automation service unreachable: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return executor.OutcomeSuccess, nil
	case resp.StatusCode == http.StatusLocked:
		return executor.OutcomePermanentlyBlocked, nil
	case resp.StatusCode == http.StatusPreconditionRequired:
		return executor.OutcomeVerificationRequired, nil
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return executor.OutcomeTransient, fmt.Errorf("automation service returned %d: %s", resp.StatusCode, string(snippet))
	}
}
