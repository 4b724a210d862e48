package router

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newAuthedEngine(tokens, allowedIPs []string) *gin.Engine {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(AuthMiddleware(tokens, allowedIPs))
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		tokens     []string
		allowedIPs []string
		authHeader string
		wantStatus int
	}{
		{
			name:       "valid token",
			tokens:     []string{"alpha", "beta"},
			authHeader: "Bearer beta",
			wantStatus: http.StatusOK,
		},
		{
			name:       "missing header",
			tokens:     []string{"alpha"},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "wrong scheme",
			tokens:     []string{"alpha"},
			authHeader: "Basic alpha",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "unknown token",
			tokens:     []string{"alpha"},
			authHeader: "Bearer gamma",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "ip not in allow-list",
			tokens:     []string{"alpha"},
			allowedIPs: []string{"10.1.2.3"},
			authHeader: "Bearer alpha",
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "ip allowed with valid token",
			tokens:     []string{"alpha"},
			allowedIPs: []string{"192.0.2.1"},
			authHeader: "Bearer alpha",
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newAuthedEngine(tt.tokens, tt.allowedIPs)

			req := httptest.NewRequest(http.MethodGet, "/ping", nil)
			req.RemoteAddr = "192.0.2.1:50000"
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}

			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestLoggerMiddlewarePassesThrough(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(LoggerMiddleware(slog.New(slog.NewTextHandler(io.Discard, nil))))
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}
