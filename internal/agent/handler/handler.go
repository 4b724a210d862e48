// Package handler exposes the agent's HTTP surface: batch start endpoints
// per task kind and the health endpoint the coordinator polls.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/cuongbtq/taskfleet/internal/agent/executor"
	"github.com/cuongbtq/taskfleet/internal/coordinator/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ItemSource resolves the work items belonging to one batch of a task. The
// automation payload layer provides the implementation.
type ItemSource interface {
	ItemsForBatch(ctx context.Context, kind domain.TaskKind, taskID string, batchIndex, batchCount int) ([]executor.Item, error)
}

// Reporter is the slice of the coordinator client the batch handler needs.
type Reporter interface {
	ReportTaskStatus(ctx context.Context, kind, taskID, status, errMsg string) error
	ReportItemStatus(ctx context.Context, kind, itemID, status, errMsg string) error
	ReportCounters(ctx context.Context, kind, taskID string, successful, failed, blocked, verification int) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger   *slog.Logger
	Executor *executor.Executor
	Source   ItemSource
	Reporter Reporter
	// Token guards the start endpoints. Empty disables the check.
	Token string
	// BaseContext is the lifetime of asynchronous batch work. Canceling it
	// stops in-flight batches during shutdown. Nil means context.Background().
	BaseContext context.Context
}

// BatchHandler handles batch start requests from the coordinator.
type BatchHandler struct {
	logger   *slog.Logger
	executor *executor.Executor
	source   ItemSource
	reporter Reporter
	baseCtx  context.Context
	batches  sync.WaitGroup
}

// NewBatchHandler creates a BatchHandler instance
func NewBatchHandler(deps *Dependencies) *BatchHandler {
	baseCtx := deps.BaseContext
	if baseCtx == nil {
		baseCtx = context.Background()
	}

	return &BatchHandler{
		logger:   deps.Logger,
		executor: deps.Executor,
		source:   deps.Source,
		reporter: deps.Reporter,
		baseCtx:  baseCtx,
	}
}

// Wait blocks until every accepted batch has finished, including its
// callbacks. Shutdown cancels BaseContext first, then drains here, so no
// batch is left racing the dying process.
func (h *BatchHandler) Wait() {
	h.batches.Wait()
}

// StartBatchRequest is the dispatch payload for one batch.
type StartBatchRequest struct {
	TaskID     string `json:"task_id" binding:"required"`
	BatchIndex int    `json:"batch_index"`
	BatchCount int    `json:"batch_count"`
}

// StartBatch handles POST /:kind/start. The batch is acknowledged with 202
// and executed asynchronously; progress flows back to the coordinator
// through status and counter callbacks.
func (h *BatchHandler) StartBatch(c *gin.Context) {
	kind, err := domain.ParseKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": err.Error(),
		})
		return
	}

	var req StartBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid batch request", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if _, err := uuid.Parse(req.TaskID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "task_id must be a valid UUID",
		})
		return
	}

	if req.BatchCount < 1 {
		req.BatchCount = 1
	}

	h.logger.Info("Batch accepted",
		slog.String("kind", kind.String()),
		slog.String("task_id", req.TaskID),
		slog.Int("batch_index", req.BatchIndex),
		slog.Int("batch_count", req.BatchCount),
	)

	// Detach from the request context: the batch outlives the HTTP call but
	// stays bound to the handler's base context and is tracked for draining.
	h.batches.Add(1)
	go func() {
		defer h.batches.Done()
		h.runBatch(h.baseCtx, kind, req)
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"ok":       true,
		"accepted": true,
		"task_id":  req.TaskID,
	})
}

// runBatch resolves the batch's items, executes them, and reports status,
// per-item outcomes, and counters back to the coordinator.
func (h *BatchHandler) runBatch(ctx context.Context, kind domain.TaskKind, req StartBatchRequest) {
	items, err := h.source.ItemsForBatch(ctx, kind, req.TaskID, req.BatchIndex, req.BatchCount)
	if err != nil {
		h.logger.Error("Failed to resolve batch items",
			slog.String("kind", kind.String()),
			slog.String("task_id", req.TaskID),
			slog.Int("batch_index", req.BatchIndex),
			slog.String("error", err.Error()),
		)
		h.report(ctx, func() error {
			return h.reporter.ReportTaskStatus(ctx, kind.String(), req.TaskID, domain.TaskStatusFailed, err.Error())
		})
		return
	}

	h.report(ctx, func() error {
		return h.reporter.ReportTaskStatus(ctx, kind.String(), req.TaskID, domain.TaskStatusRunning, "")
	})

	result := h.executor.ExecuteBatch(ctx, items, func(out executor.ItemOutcome) {
		status := out.Outcome.String()
		errMsg := ""
		if out.Err != nil {
			errMsg = out.Err.Error()
		}
		h.report(ctx, func() error {
			return h.reporter.ReportItemStatus(ctx, kind.String(), out.Item.ID, status, errMsg)
		})
	})

	h.report(ctx, func() error {
		return h.reporter.ReportCounters(ctx, kind.String(), req.TaskID,
			result.Successful, result.Failed, result.PermanentlyBlocked, result.VerificationRequired)
	})

	status := domain.TaskStatusCompleted
	if result.Failed > 0 && result.Successful == 0 {
		status = domain.TaskStatusFailed
	}
	h.report(ctx, func() error {
		return h.reporter.ReportTaskStatus(ctx, kind.String(), req.TaskID, status, "")
	})
}

// report runs one callback and logs the failure; callback errors never abort
// the batch.
func (h *BatchHandler) report(_ context.Context, fn func() error) {
	if err := fn(); err != nil {
		h.logger.Warn("Coordinator callback failed",
			slog.String("error", err.Error()),
		)
	}
}
