package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/taskfleet/internal/coordinator/domain"
	"github.com/cuongbtq/taskfleet/internal/coordinator/registry"
	"github.com/gin-gonic/gin"
)

// WorkerHandler handles worker registry HTTP requests
type WorkerHandler struct {
	logger   *slog.Logger
	registry *registry.Registry
}

// NewWorkerHandler creates a new WorkerHandler instance
func NewWorkerHandler(deps *Dependencies) *WorkerHandler {
	return &WorkerHandler{
		logger:   deps.Logger,
		registry: deps.Registry,
	}
}

// RegisterRequest is the body of POST /worker/register.
type RegisterRequest struct {
	BaseURL  string `json:"base_url" binding:"required"`
	Name     string `json:"name"`
	Capacity int    `json:"capacity" binding:"required,min=1"`
}

// Register handles POST /worker/register. Idempotent upsert keyed by base_url.
func (h *WorkerHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid register request", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	node, err := h.registry.Register(c.Request.Context(), req.BaseURL, req.Name, req.Capacity)
	if err != nil {
		h.logger.Error("Failed to register worker", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to register worker",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":        true,
		"worker_id": node.ID,
		"base_url":  node.BaseURL,
		"capacity":  node.Capacity,
	})
}

// HeartbeatRequest is the body of POST /worker/heartbeat.
type HeartbeatRequest struct {
	BaseURL string `json:"base_url" binding:"required"`
}

// Heartbeat handles POST /worker/heartbeat. 404 for unregistered workers.
func (h *WorkerHandler) Heartbeat(c *gin.Context) {
	var req HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	err := h.registry.Heartbeat(c.Request.Context(), req.BaseURL, true, "")
	if err != nil {
		if errors.Is(err, domain.ErrWorkerNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "worker not registered",
			})
			return
		}
		h.logger.Error("Failed to record heartbeat", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to record heartbeat",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok": true,
	})
}
