package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/taskfleet/internal/coordinator/domain"
	"github.com/cuongbtq/taskfleet/internal/coordinator/events"
	"github.com/cuongbtq/taskfleet/internal/coordinator/lock"
	"github.com/gin-gonic/gin"
)

// LockHandler handles lock HTTP requests
type LockHandler struct {
	logger *slog.Logger
	locks  *lock.Manager
	events *events.Publisher
}

// NewLockHandler creates a new LockHandler instance
func NewLockHandler(deps *Dependencies) *LockHandler {
	return &LockHandler{
		logger: deps.Logger,
		locks:  deps.Locks,
		events: deps.Events,
	}
}

// AcquireRequest is the body of POST /locks/acquire.
type AcquireRequest struct {
	TaskKind   string `json:"task_kind" binding:"required"`
	TaskID     string `json:"task_id" binding:"required"`
	WorkerID   string `json:"worker_id" binding:"required"`
	TTLSeconds int    `json:"ttl_seconds" binding:"required,min=1"`
}

// Acquire handles POST /locks/acquire. Contention is a normal response
// (lock_acquired=false), not an error status.
func (h *LockHandler) Acquire(c *gin.Context) {
	var req AcquireRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	kind, err := domain.ParseKind(req.TaskKind)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	result, err := h.locks.Acquire(c.Request.Context(), kind, req.TaskID, req.WorkerID, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidLockKey) || errors.Is(err, domain.ErrInvalidTTL) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
			return
		}
		h.logger.Error("Lock acquire failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to acquire lock",
		})
		return
	}

	if result.Outcome == lock.AlreadyHeld {
		c.JSON(http.StatusOK, gin.H{
			"ok":            true,
			"lock_acquired": false,
			"held_by":       result.HolderID,
			"expires_at":    result.ExpiresAt,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":            true,
		"lock_acquired": true,
		"worker_id":     result.HolderID,
		"expires_at":    result.ExpiresAt,
	})
}

// RefreshRequest is the body of POST /locks/refresh.
type RefreshRequest struct {
	TaskKind   string `json:"task_kind" binding:"required"`
	TaskID     string `json:"task_id" binding:"required"`
	WorkerID   string `json:"worker_id" binding:"required"`
	TTLSeconds int    `json:"ttl_seconds" binding:"required,min=1"`
}

// Refresh handles POST /locks/refresh: extend a lease mid-task without going
// through a full acquire. Only the current owner can extend.
func (h *LockHandler) Refresh(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	kind, err := domain.ParseKind(req.TaskKind)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	refreshed, err := h.locks.Refresh(c.Request.Context(), kind, req.TaskID, req.WorkerID, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		h.logger.Error("Lock refresh failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to refresh lock",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":        true,
		"refreshed": refreshed,
	})
}

// ReleaseRequest is the body of POST /locks/release.
type ReleaseRequest struct {
	TaskKind string `json:"task_kind" binding:"required"`
	TaskID   string `json:"task_id" binding:"required"`
	WorkerID string `json:"worker_id"`
}

// Release handles POST /locks/release. With worker_id the release is
// ownership-checked; without, it force-deletes.
func (h *LockHandler) Release(c *gin.Context) {
	var req ReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	kind, err := domain.ParseKind(req.TaskKind)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	released, err := h.locks.Release(c.Request.Context(), kind, req.TaskID, req.WorkerID)
	if err != nil {
		h.logger.Error("Lock release failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to release lock",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":            true,
		"lock_released": released,
	})
}

// CleanupRequest is the body of POST /locks/cleanup.
type CleanupRequest struct {
	WorkerID string `json:"worker_id" binding:"required"`
	DryRun   bool   `json:"dry_run"`
}

// Cleanup handles POST /locks/cleanup: operator crash recovery for a
// confirmed-dead worker. dry_run reports how many leases would be removed
// without touching them; health checks never call this path.
func (h *LockHandler) Cleanup(c *gin.Context) {
	var req CleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if req.DryRun {
		count, err := h.locks.CountByWorker(c.Request.Context(), req.WorkerID)
		if err != nil {
			h.logger.Error("Lock cleanup dry-run failed", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to count locks",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"ok":      true,
			"dry_run": true,
			"removed": count,
		})
		return
	}

	removed, err := h.locks.ForceCleanupByWorker(c.Request.Context(), req.WorkerID)
	if err != nil {
		h.logger.Error("Lock cleanup failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to clean up locks",
		})
		return
	}

	h.events.LocksReclaimed(c.Request.Context(), req.WorkerID, removed)

	c.JSON(http.StatusOK, gin.H{
		"ok":      true,
		"dry_run": false,
		"removed": removed,
	})
}
