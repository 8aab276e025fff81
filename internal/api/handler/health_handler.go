package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HealthHandler handles GET /health
type HealthHandler struct {
	logger  *slog.Logger
	db      HealthChecker
	service string
}

func NewHealthHandler(deps *Dependencies) *HealthHandler {
	return &HealthHandler{logger: deps.Logger, db: deps.Database, service: deps.ServiceName}
}

func (h *HealthHandler) Health(c *gin.Context) {
	if h.db != nil {
		if err := h.db.HealthCheck(c.Request.Context()); err != nil {
			h.logger.Error("Health check failed", slog.String("error", err.Error()))
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "unhealthy",
				"service":  h.service,
				"database": "unavailable",
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"service":  h.service,
		"database": "ok",
	})
}
