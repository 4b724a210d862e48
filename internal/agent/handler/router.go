package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// SetupRouter configures the agent's Gin router: one start route per task
// kind plus the health endpoint. The BatchHandler is returned so shutdown can
// drain in-flight batches.
func SetupRouter(deps *Dependencies) (*gin.Engine, *BatchHandler) {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(requestLogger(deps.Logger))

	batchHandler := NewBatchHandler(deps)

	// Health is open; the coordinator polls it without credentials.
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ok":           true,
			"active_items": deps.Executor.ActiveItems(),
		})
	})

	// One start route per kind; StartBatch rejects kinds outside the
	// closed set with 404.
	authed := r.Group("/", bearerAuth(deps.Token))
	authed.POST("/:kind/start", batchHandler.StartBatch)

	return r, batchHandler
}

// bearerAuth rejects start requests without the configured token. An empty
// token disables the check (local development).
func bearerAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		got, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || got != token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or missing token",
			})
			return
		}

		c.Next()
	}
}

// requestLogger logs HTTP requests with slog
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("HTTP Request",
			slog.Int("status", c.Writer.Status()),
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("ip", c.ClientIP()),
			slog.Duration("latency", time.Since(start)),
		)
	}
}
