package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/taskfleet/internal/coordinator/domain"
	"github.com/cuongbtq/taskfleet/internal/coordinator/events"
	"github.com/cuongbtq/taskfleet/internal/coordinator/lock"
	"github.com/cuongbtq/taskfleet/internal/coordinator/registry"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// TaskHandler handles task start and status-callback HTTP requests
type TaskHandler struct {
	logger     *slog.Logger
	locks      *lock.Manager
	registry   *registry.Registry
	tasks      TaskStore
	dispatcher Fanout
	events     *events.Publisher
	instanceID string
	lockTTL    time.Duration
}

// NewTaskHandler creates a new TaskHandler instance
func NewTaskHandler(deps *Dependencies) *TaskHandler {
	return &TaskHandler{
		logger:     deps.Logger,
		locks:      deps.Locks,
		registry:   deps.Registry,
		tasks:      deps.Tasks,
		dispatcher: deps.Dispatcher,
		events:     deps.Events,
		instanceID: deps.InstanceID,
		lockTTL:    deps.LockTTL,
	}
}

// StartRequest is the body of POST /:kind/start.
type StartRequest struct {
	TaskID string `json:"task_id" binding:"required"`
}

// Start handles POST /:kind/start: acquire the task lease, then fan the
// task out across the active fleet. A held lease means another start is in
// flight; that is contention, not an error.
func (h *TaskHandler) Start(c *gin.Context) {
	kind, ok := h.parseKind(c)
	if !ok {
		return
	}

	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
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

	ctx := c.Request.Context()

	result, err := h.locks.Acquire(ctx, kind, req.TaskID, h.instanceID, h.lockTTL)
	if err != nil {
		h.logger.Error("Failed to acquire dispatch lock", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to acquire task lock",
		})
		return
	}

	if result.Outcome == lock.AlreadyHeld {
		c.JSON(http.StatusConflict, gin.H{
			"ok":            false,
			"lock_acquired": false,
			"held_by":       result.HolderID,
		})
		return
	}

	if err := h.tasks.UpsertTask(ctx, kind, req.TaskID, domain.TaskStatusPending, time.Now()); err != nil {
		h.releaseQuietly(c, kind, req.TaskID)
		h.logger.Error("Failed to record task", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to record task",
		})
		return
	}

	workers, err := h.registry.ListActive(ctx)
	if err != nil {
		h.releaseQuietly(c, kind, req.TaskID)
		h.logger.Error("Failed to list workers", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list workers",
		})
		return
	}

	report, err := h.dispatcher.Dispatch(ctx, kind, req.TaskID, workers)
	if err != nil {
		h.releaseQuietly(c, kind, req.TaskID)
		if errors.Is(err, domain.ErrNoWorkers) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": "no active workers available",
			})
			return
		}
		h.logger.Error("Dispatch failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Dispatch failed",
		})
		return
	}

	if report.Accepted == 0 {
		// Nothing is running; holding the lease would only delay a retry.
		h.releaseQuietly(c, kind, req.TaskID)
		c.JSON(http.StatusBadGateway, gin.H{
			"ok":       false,
			"task_id":  req.TaskID,
			"failures": report.Failures,
		})
		return
	}

	// Record how many batches will report back. The terminal-status callback
	// path counts against this before it finalizes the task and releases the
	// lease. A failure here is logged, not fatal: the batches are already out,
	// and an unfinalized task falls back to TTL reclamation.
	if err := h.tasks.SetTaskDispatched(ctx, kind, req.TaskID, report.Accepted, time.Now()); err != nil {
		h.logger.Error("Failed to record dispatched batches",
			slog.String("kind", kind.String()),
			slog.String("task_id", req.TaskID),
			slog.String("error", err.Error()),
		)
	}

	h.events.TaskDispatched(ctx, kind, req.TaskID, report.BatchCount, report.Accepted)

	c.JSON(http.StatusAccepted, gin.H{
		"ok":          true,
		"task_id":     req.TaskID,
		"batch_count": report.BatchCount,
		"accepted":    report.Accepted,
		"failed":      report.Failed,
		"failures":    report.Failures,
	})
}

// StatusRequest is the body of task status callbacks.
type StatusRequest struct {
	Status string `json:"status" binding:"required"`
	Error  string `json:"error"`
}

// TaskStatus handles POST /:kind/:task_id/status. Each batch posts RUNNING
// when it starts and a terminal status when it ends. A terminal callback
// counts one finished batch; only the callback that completes the last
// outstanding batch turns the task terminal and releases the lease. Anything
// earlier would let a second start run while sibling batches are still
// executing.
func (h *TaskHandler) TaskStatus(c *gin.Context) {
	kind, ok := h.parseKind(c)
	if !ok {
		return
	}

	taskID := c.Param("task_id")

	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if !validTaskStatus(req.Status) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "unknown task status: " + req.Status,
		})
		return
	}

	ctx := c.Request.Context()

	if !domain.IsTerminalStatus(req.Status) {
		if err := h.tasks.UpdateTaskStatus(ctx, kind, taskID, req.Status, req.Error, time.Now()); err != nil {
			h.taskUpdateError(c, err, "Failed to update task status")
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"ok":            true,
			"finished":      false,
			"lock_released": false,
		})
		return
	}

	completion, err := h.tasks.CompleteBatch(ctx, kind, taskID, req.Status, req.Error, time.Now())
	if err != nil {
		h.taskUpdateError(c, err, "Failed to record batch completion")
		return
	}

	released := false
	if completion.Finished {
		released, err = h.locks.Release(ctx, kind, taskID, "")
		if err != nil {
			h.logger.Error("Failed to release lock on terminal status",
				slog.String("kind", kind.String()),
				slog.String("task_id", taskID),
				slog.String("error", err.Error()),
			)
		}
		h.events.TaskTerminal(ctx, kind, taskID, completion.Status)
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":            true,
		"finished":      completion.Finished,
		"batches_done":  completion.BatchesDone,
		"batch_count":   completion.BatchCount,
		"lock_released": released,
	})
}

// taskUpdateError maps store errors from status callbacks onto HTTP codes:
// unknown task is 404, a callback against a finished task is 409 (terminal is
// absorbing), anything else is a server error.
func (h *TaskHandler) taskUpdateError(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, domain.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "task not found",
		})
	case errors.Is(err, domain.ErrTaskFinished):
		c.JSON(http.StatusConflict, gin.H{
			"error": "task already finished",
		})
	default:
		h.logger.Error(msg, slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": msg,
		})
	}
}

// TaskCounters handles POST /:kind/:task_id/counters, incrementing the
// task's aggregate outcome counters.
func (h *TaskHandler) TaskCounters(c *gin.Context) {
	kind, ok := h.parseKind(c)
	if !ok {
		return
	}

	taskID := c.Param("task_id")

	var counters domain.Counters
	if err := c.ShouldBindJSON(&counters); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if err := h.tasks.AddTaskCounters(c.Request.Context(), kind, taskID, counters, time.Now()); err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "task not found",
			})
			return
		}
		h.logger.Error("Failed to add task counters", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to add task counters",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok": true,
	})
}

// ItemStatus handles POST /:kind/accounts/:item_id/status.
func (h *TaskHandler) ItemStatus(c *gin.Context) {
	kind, ok := h.parseKind(c)
	if !ok {
		return
	}

	itemID := c.Param("item_id")

	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if err := h.tasks.UpsertItemStatus(c.Request.Context(), kind, itemID, req.Status, req.Error, time.Now()); err != nil {
		h.logger.Error("Failed to update item status", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to update item status",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok": true,
	})
}

// GetTask handles GET /:kind/:task_id, returning the persisted task state.
func (h *TaskHandler) GetTask(c *gin.Context) {
	kind, ok := h.parseKind(c)
	if !ok {
		return
	}

	task, err := h.tasks.GetTask(c.Request.Context(), kind, c.Param("task_id"))
	if err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "task not found",
			})
			return
		}
		h.logger.Error("Failed to get task", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get task",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"kind":                  task.Kind,
		"task_id":               task.TaskID,
		"status":                task.Status,
		"batch_count":           task.BatchCount,
		"batches_done":          task.BatchesDone,
		"successful":            task.Successful,
		"failed":                task.Failed,
		"permanently_blocked":   task.PermanentlyBlocked,
		"verification_required": task.VerificationRequired,
		"updated_at":            task.UpdatedAt,
	})
}

func (h *TaskHandler) parseKind(c *gin.Context) (domain.TaskKind, bool) {
	kind, err := domain.ParseKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": err.Error(),
		})
		return "", false
	}
	return kind, true
}

func (h *TaskHandler) releaseQuietly(c *gin.Context, kind domain.TaskKind, taskID string) {
	if _, err := h.locks.Release(c.Request.Context(), kind, taskID, h.instanceID); err != nil {
		h.logger.Error("Failed to release lock after dispatch error",
			slog.String("kind", kind.String()),
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
	}
}

func validTaskStatus(status string) bool {
	switch status {
	case domain.TaskStatusPending, domain.TaskStatusRunning,
		domain.TaskStatusCompleted, domain.TaskStatusFailed:
		return true
	default:
		return false
	}
}
