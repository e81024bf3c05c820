package router

import (
	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/jobengine/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", handler.Health(deps))

	// Initialize job handler
	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Enqueue a new job
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// DELETE /api/v1/jobs - Delete jobs by id
			jobs.DELETE("", jobHandler.DeleteJobs)

			// GET /api/v1/jobs/status-count - Count jobs per status
			jobs.GET("/status-count", jobHandler.StatusCount)

			// POST /api/v1/jobs/commands/:command - stop, pause, continue or run-now
			jobs.POST("/commands/:command", jobHandler.RunCommand)

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", jobHandler.GetJob)

			// GET /api/v1/jobs/:job_id/progress - Get live progress
			jobs.GET("/:job_id/progress", jobHandler.GetJobProgress)

			// PUT /api/v1/jobs/:job_id - Edit a pending job
			jobs.PUT("/:job_id", jobHandler.UpdateJob)

			// DELETE /api/v1/jobs/:job_id - Delete one job
			jobs.DELETE("/:job_id", jobHandler.DeleteJob)
		}
	}

	return r
}
