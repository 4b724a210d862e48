package router

import (
	"log/slog"
	"net/http"

	"github.com/cuongbtq/taskfleet/internal/config"
	"github.com/cuongbtq/taskfleet/internal/coordinator/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures the coordinator's gin router with all routes and
// middleware.
func SetupRouter(deps *handler.Dependencies, authCfg *config.AuthConfig, logger *slog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(logger))

	workerHandler := handler.NewWorkerHandler(deps)
	lockHandler := handler.NewLockHandler(deps)
	taskHandler := handler.NewTaskHandler(deps)

	router.GET("/health", func(c *gin.Context) {
		if deps.DBHealth != nil {
			if err := deps.DBHealth(c.Request.Context()); err != nil {
				logger.Error("Health check failed", slog.String("error", err.Error()))
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"ok":    false,
					"error": "database unavailable",
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"ok": true,
		})
	})

	authed := router.Group("/")
	authed.Use(AuthMiddleware(authCfg.Tokens, authCfg.AllowedIPs))
	{
		authed.POST("/worker/register", workerHandler.Register)
		authed.POST("/worker/heartbeat", workerHandler.Heartbeat)

		authed.POST("/locks/acquire", lockHandler.Acquire)
		authed.POST("/locks/refresh", lockHandler.Refresh)
		authed.POST("/locks/release", lockHandler.Release)
		authed.POST("/locks/cleanup", lockHandler.Cleanup)

		authed.POST("/:kind/start", taskHandler.Start)
		authed.POST("/:kind/:task_id/status", taskHandler.TaskStatus)
		authed.POST("/:kind/:task_id/counters", taskHandler.TaskCounters)
		authed.POST("/:kind/accounts/:item_id/status", taskHandler.ItemStatus)
		authed.GET("/:kind/:task_id", taskHandler.GetTask)
	}

	return router
}
