package router

import (
	"net/http"

	"github.com/cuongbtq/audio-pipeline/internal/api/handler"
	"github.com/cuongbtq/audio-pipeline/internal/metrics"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", func(c *gin.Context) {
		if deps.HealthCheck != nil {
			if err := deps.HealthCheck(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "unhealthy",
					"service": "audio-api-service",
					"error":   err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "audio-api-service",
		})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	audioHandler := handler.NewAudioJobHandler(deps)

	v1 := r.Group("/api/v1")
	{
		audio := v1.Group("/audio")
		{
			// POST /api/v1/audio/jobs - Submit a message for processing
			audio.POST("/jobs", audioHandler.SubmitJob)

			// GET /api/v1/audio/jobs?state=FAILED - List jobs in a state
			audio.GET("/jobs", audioHandler.ListJobs)

			// GET /api/v1/audio/jobs/:job_id - Get job status
			audio.GET("/jobs/:job_id", audioHandler.GetJob)

			// GET /api/v1/audio/metrics/queue - Job counts per state
			audio.GET("/metrics/queue", audioHandler.GetQueueMetrics)

			// POST /api/v1/audio/retry - Manually retry a failed message
			audio.POST("/retry", audioHandler.RetryJob)
		}
	}

	return r
}
