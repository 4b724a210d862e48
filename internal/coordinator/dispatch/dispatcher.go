// Package dispatch plans capacity-weighted batches for a task and fans them
// out to worker start endpoints.
package dispatch

import (
	"bytes"
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

// Config holds dispatcher configuration
type Config struct {
	// Concurrency bounds the number of in-flight batch POSTs.
	Concurrency int
	// RequestTimeout bounds each batch POST.
	RequestTimeout time.Duration
	// DefaultWorkerURL is the fallback target when the registry is empty.
	DefaultWorkerURL string
	// Token is sent as the bearer token on batch POSTs.
	Token string
}

// BatchFailure records one batch that could not be handed to its worker.
type BatchFailure struct {
	BatchIndex int    `json:"batch_index"`
	WorkerURL  string `json:"worker_url"`
	Error      string `json:"error"`
}

// Report summarizes one fan-out: which batches were accepted and which were
// not, per worker. Dispatch is partial by design; one unreachable worker
// never aborts the rest.
type Report struct {
	TaskID     string         `json:"task_id"`
	BatchCount int            `json:"batch_count"`
	Accepted   int            `json:"accepted"`
	Failed     int            `json:"failed"`
	Failures   []BatchFailure `json:"failures,omitempty"`
}

// Dispatcher fans a task out across the active fleet. Lock acquisition is
// the caller's responsibility; Dispatch assumes the task lock is held.
type Dispatcher struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	return &Dispatcher{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		logger: logger,
	}
}

// Dispatch builds the batch plan for the given workers and posts every batch
// to its assigned worker, at most cfg.Concurrency requests in flight.
// Workers only acknowledge acceptance (2xx); completion is reported later
// through status callbacks.
func (d *Dispatcher) Dispatch(ctx context.Context, kind domain.TaskKind, taskID string, workers []domain.WorkerNode) (*Report, error) {
	plan, err := BuildPlan(taskID, workers, d.cfg.DefaultWorkerURL)
	if err != nil {
		return nil, err
	}

	report := &Report{
		TaskID:     taskID,
		BatchCount: len(plan),
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		slots = make(chan struct{}, d.cfg.Concurrency)
	)

	for _, batch := range plan {
		wg.Add(1)
		go func(batch domain.BatchAssignment) {
			defer wg.Done()

			slots <- struct{}{}
			defer func() { <-slots }()

			err := d.postBatch(ctx, kind, batch)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				report.Failed++
				report.Failures = append(report.Failures, BatchFailure{
					BatchIndex: batch.BatchIndex,
					WorkerURL:  batch.WorkerURL,
					Error:      err.Error(),
				})
				d.logger.Error("Batch dispatch failed",
					slog.String("kind", kind.String()),
					slog.String("task_id", taskID),
					slog.Int("batch_index", batch.BatchIndex),
					slog.String("worker_url", batch.WorkerURL),
					slog.String("error", err.Error()),
				)
				return
			}

			report.Accepted++
			d.logger.Debug("Batch accepted",
				slog.String("kind", kind.String()),
				slog.String("task_id", taskID),
				slog.Int("batch_index", batch.BatchIndex),
				slog.String("worker_url", batch.WorkerURL),
			)
		}(batch)
	}

	wg.Wait()

	d.logger.Info("Task dispatched",
		slog.String("kind", kind.String()),
		slog.String("task_id", taskID),
		slog.Int("batch_count", report.BatchCount),
		slog.Int("accepted", report.Accepted),
		slog.Int("failed", report.Failed),
	)

	return report, nil
}

// postBatch hands one batch to its worker's start endpoint and checks for a
// 2xx acknowledgment.
func (d *Dispatcher) postBatch(ctx context.Context, kind domain.TaskKind, batch domain.BatchAssignment) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}

	url := strings.TrimRight(batch.WorkerURL, "/") + "/" + kind.String() + "/start"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build batch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+d.cfg.Token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach worker: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little of the body for the log line.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("worker rejected batch: status %d: %s", resp.StatusCode, string(snippet))
	}

	return nil
}
