package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/jobengine/internal/client"
	"github.com/cuongbtq/jobengine/internal/domain"
)

// Jobs is the client API the handlers serve
type Jobs interface {
	Add(ctx context.Context, req client.Request) (int64, error)
	Update(ctx context.Context, jobID int64, req client.Request) error
	GetView(ctx context.Context, jobID int64) (*domain.JobView, error)
	List(ctx context.Context, filter domain.JobFilter) (*client.Page, error)
	GetProgress(ctx context.Context, jobID int64) (*domain.JobStatusProgress, error)
	Stop(ctx context.Context, jobIDs []int64) (int, error)
	Pause(ctx context.Context, jobIDs []int64) (int, error)
	Continue(ctx context.Context, jobIDs []int64) (int, error)
	RunNow(ctx context.Context, jobIDs []int64) (int, error)
	Delete(ctx context.Context, jobIDs []int64) (int, error)
	StatusCount(ctx context.Context, appID, userID string) ([]domain.JobStatusCount, error)
}

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger *slog.Logger
	Jobs   Jobs
	// Checks are run by GET /health, keyed by dependency name
	Checks map[string]HealthCheck
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger *slog.Logger
	jobs   Jobs
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		jobs:   deps.Jobs,
	}
}

// respondError maps domain errors onto HTTP statuses
func (h *JobHandler) respondError(c *gin.Context, msg string, err error) {
	status := http.StatusInternalServerError
	var statusErr *domain.InvalidStatusError
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrJobNotEditable):
		status = http.StatusConflict
	case errors.Is(err, client.ErrInvalidRequest), errors.As(err, &statusErr):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		h.logger.Error(msg, slog.String("error", err.Error()))
		c.JSON(status, gin.H{"error": msg})
		return
	}
	h.logger.Warn(msg, slog.String("error", err.Error()))
	c.JSON(status, gin.H{"error": err.Error()})
}

// Health handles GET /health
func Health(deps *Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := make(gin.H, len(deps.Checks))
		healthy := true
		for name, check := range deps.Checks {
			if err := check(c.Request.Context()); err != nil {
				healthy = false
				checks[name] = err.Error()
				continue
			}
			checks[name] = "ok"
		}

		status, label := http.StatusOK, "healthy"
		if !healthy {
			status, label = http.StatusServiceUnavailable, "unhealthy"
		}
		c.JSON(status, gin.H{
			"status":  label,
			"service": "jobengine-api",
			"checks":  checks,
		})
	}
}
