package router

import (
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/cuongbtq/testrun-service/internal/api/handler"
	"github.com/cuongbtq/testrun-service/internal/metrics"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", handler.NewHealthHandler(deps).Health)

	if deps.MetricsPath != "" {
		r.GET(deps.MetricsPath, gin.WrapH(metrics.Handler()))
	}

	// Initialize run handler
	runHandler := handler.NewRunHandler(deps)

	submit := []gin.HandlerFunc{runHandler.CreateRun}
	if deps.SubmitRateLimit > 0 {
		burst := deps.SubmitBurst
		if burst <= 0 {
			burst = 1
		}
		limiter := rate.NewLimiter(rate.Limit(deps.SubmitRateLimit), burst)
		submit = append([]gin.HandlerFunc{RateLimitMiddleware(limiter)}, submit...)
	}

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		runs := v1.Group("/runs")
		{
			// POST /api/v1/runs - Submit a test run
			runs.POST("", submit...)

			// GET /api/v1/runs - List runs, newest first
			runs.GET("", runHandler.ListRuns)

			// GET /api/v1/runs/:run_id - Get run details
			runs.GET("/:run_id", runHandler.GetRun)

			// GET /api/v1/runs/:run_id/stream - Status changes as server-sent events
			runs.GET("/:run_id/stream", runHandler.StreamRun)
		}
	}

	return r
}
