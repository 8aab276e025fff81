package router

import (
	"github.com/cuongbtq/rate-bulk/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	healthHandler := handler.NewHealthHandler(deps)
	r.GET("/health", healthHandler.Health)

	rateBulkHandler := handler.NewRateBulkHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		rateBulk := v1.Group("/rate-bulk")
		{
			// POST /api/v1/rate-bulk - Admit a batch of rating jobs
			rateBulk.POST("", rateBulkHandler.CreateBulkRequest)
			rateBulk.OPTIONS("", handler.Preflight)

			// GET /api/v1/rate-bulk/:request_id - Batch processing state
			rateBulk.GET("/:request_id", rateBulkHandler.GetBulkRequest)
			rateBulk.OPTIONS("/:request_id", handler.Preflight)
		}
	}

	return r
}
