package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/taskfleet/internal/agent/executor"
	"github.com/cuongbtq/taskfleet/internal/coordinator/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	items []executor.Item
	err   error
}

func (f *fakeSource) ItemsForBatch(_ context.Context, kind domain.TaskKind, taskID string, batchIndex, batchCount int) ([]executor.Item, error) {
	return f.items, f.err
}

type statusReport struct {
	kind, taskID, status, errMsg string
}

type counterReport struct {
	successful, failed, blocked, verification int
}

// fakeReporter records every coordinator callback and signals when the final
// task status lands.
type fakeReporter struct {
	mu         sync.Mutex
	statuses   []statusReport
	items      []statusReport
	counters   []counterReport
	terminal   chan struct{}
	terminated bool
}

func newFakeReporter() *fakeReporter {
	return &fakeReporter{terminal: make(chan struct{})}
}

func (f *fakeReporter) ReportTaskStatus(_ context.Context, kind, taskID, status, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, statusReport{kind, taskID, status, errMsg})
	if domain.IsTerminalStatus(status) && !f.terminated {
		f.terminated = true
		close(f.terminal)
	}
	return nil
}

func (f *fakeReporter) ReportItemStatus(_ context.Context, kind, itemID, status, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, statusReport{kind, itemID, status, errMsg})
	return nil
}

func (f *fakeReporter) ReportCounters(_ context.Context, kind, taskID string, successful, failed, blocked, verification int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters = append(f.counters, counterReport{successful, failed, blocked, verification})
	return nil
}

func (f *fakeReporter) waitTerminal(t *testing.T) {
	t.Helper()
	select {
	case <-f.terminal:
	case <-time.After(5 * time.Second):
		t.Fatal("batch never reported a terminal status")
	}
}

func newTestRouter(source ItemSource, reporter Reporter, payload executor.PayloadFunc) (*gin.Engine, *BatchHandler) {
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	exec := executor.NewExecutor(executor.Config{
		MaxConcurrentItems: 4,
		MaxRetriesPerItem:  2,
		BackoffBase:        time.Microsecond,
		BackoffMax:         time.Millisecond,
	}, payload, logger)

	return SetupRouter(&Dependencies{
		Logger:   logger,
		Executor: exec,
		Source:   source,
		Reporter: reporter,
		Token:    "agent-token",
	})
}

func postBatch(r *gin.Engine, path string, body any, token string) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestStartBatchUnknownKind(t *testing.T) {
	r, _ := newTestRouter(&fakeSource{}, newFakeReporter(), func(ctx context.Context, item executor.Item) (executor.Outcome, error) {
		return executor.OutcomeSuccess, nil
	})

	w := postBatch(r, "/spam/start", map[string]any{"task_id": uuid.NewString()}, "agent-token")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStartBatchRejectsBadToken(t *testing.T) {
	r, _ := newTestRouter(&fakeSource{}, newFakeReporter(), func(ctx context.Context, item executor.Item) (executor.Outcome, error) {
		return executor.OutcomeSuccess, nil
	})

	w := postBatch(r, "/warmup/start", map[string]any{"task_id": uuid.NewString()}, "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStartBatchRejectsInvalidBody(t *testing.T) {
	r, _ := newTestRouter(&fakeSource{}, newFakeReporter(), func(ctx context.Context, item executor.Item) (executor.Outcome, error) {
		return executor.OutcomeSuccess, nil
	})

	// Missing task_id.
	w := postBatch(r, "/warmup/start", map[string]any{"batch_index": 0}, "agent-token")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Non-UUID task_id.
	w = postBatch(r, "/warmup/start", map[string]any{"task_id": "not-a-uuid"}, "agent-token")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartBatchRunsAndReports(t *testing.T) {
	source := &fakeSource{items: []executor.Item{
		{ID: "acct-1"},
		{ID: "acct-2"},
	}}
	reporter := newFakeReporter()

	r, _ := newTestRouter(source, reporter, func(ctx context.Context, item executor.Item) (executor.Outcome, error) {
		if item.ID == "acct-2" {
			return executor.OutcomePermanentlyBlocked, nil
		}
		return executor.OutcomeSuccess, nil
	})

	taskID := uuid.NewString()
	w := postBatch(r, "/warmup/start", map[string]any{
		"task_id":     taskID,
		"batch_index": 0,
		"batch_count": 1,
	}, "agent-token")

	require.Equal(t, http.StatusAccepted, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["accepted"])
	assert.Equal(t, taskID, resp["task_id"])

	reporter.waitTerminal(t)

	reporter.mu.Lock()
	defer reporter.mu.Unlock()

	// RUNNING first, terminal status last.
	require.NotEmpty(t, reporter.statuses)
	assert.Equal(t, domain.TaskStatusRunning, reporter.statuses[0].status)
	assert.Equal(t, domain.TaskStatusCompleted, reporter.statuses[len(reporter.statuses)-1].status)

	assert.Len(t, reporter.items, 2)

	require.Len(t, reporter.counters, 1)
	assert.Equal(t, counterReport{successful: 1, blocked: 1}, reporter.counters[0])
}

func TestStartBatchSourceFailureReportsFailed(t *testing.T) {
	source := &fakeSource{err: assert.AnError}
	reporter := newFakeReporter()

	r, _ := newTestRouter(source, reporter, func(ctx context.Context, item executor.Item) (executor.Outcome, error) {
		return executor.OutcomeSuccess, nil
	})

	w := postBatch(r, "/outreach/start", map[string]any{"task_id": uuid.NewString()}, "agent-token")
	require.Equal(t, http.StatusAccepted, w.Code)

	reporter.waitTerminal(t)

	reporter.mu.Lock()
	defer reporter.mu.Unlock()
	require.NotEmpty(t, reporter.statuses)
	assert.Equal(t, domain.TaskStatusFailed, reporter.statuses[len(reporter.statuses)-1].status)
}

func TestWaitDrainsInFlightBatches(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	source := &fakeSource{items: []executor.Item{{ID: "acct-1"}}}
	reporter := newFakeReporter()

	r, batches := newTestRouter(source, reporter, func(ctx context.Context, item executor.Item) (executor.Outcome, error) {
		close(started)
		<-release
		return executor.OutcomeSuccess, nil
	})

	w := postBatch(r, "/warmup/start", map[string]any{"task_id": uuid.NewString()}, "agent-token")
	require.Equal(t, http.StatusAccepted, w.Code)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("batch never started")
	}

	done := make(chan struct{})
	go func() {
		batches.Wait()
		close(done)
	}()

	// The batch is still executing, so Wait must block.
	select {
	case <-done:
		t.Fatal("Wait returned while a batch was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	reporter.waitTerminal(t)

	// Once the batch and its callbacks finish, Wait unblocks.
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Wait never returned after the batch finished")
	}
}

func TestHealthEndpointOpen(t *testing.T) {
	r, _ := newTestRouter(&fakeSource{}, newFakeReporter(), func(ctx context.Context, item executor.Item) (executor.Outcome, error) {
		return executor.OutcomeSuccess, nil
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["ok"])
	assert.Contains(t, body, "active_items")
}
