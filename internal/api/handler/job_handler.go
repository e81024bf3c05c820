package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/jobengine/internal/api/dto"
	"github.com/cuongbtq/jobengine/internal/client"
	"github.com/cuongbtq/jobengine/internal/domain"
)

func toRequest(req *dto.CreateJobRequest) (client.Request, error) {
	out := client.Request{
		AppID:   req.AppID,
		UserID:  req.UserID,
		JobType: req.JobType,
		JobName: req.JobName,
		InvokeMeta: domain.InvokeMeta{
			Type:       req.InvokeMeta.Type,
			Method:     req.InvokeMeta.Method,
			ParamTypes: req.InvokeMeta.ParamTypes,
		},
	}
	if len(req.Parameters) > 0 {
		var args []json.RawMessage
		if err := json.Unmarshal(req.Parameters, &args); err != nil {
			return out, fmt.Errorf("%w: parameters must be a JSON array", client.ErrInvalidRequest)
		}
		if args != nil {
			out.Parameters = req.Parameters
		}
	}
	return out, nil
}

func parseJobID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("job_id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a positive integer",
		})
		return 0, false
	}
	return id, true
}

// CreateJob handles POST /api/v1/jobs
// Enqueues a new PENDING job
func (h *JobHandler) CreateJob(c *gin.Context) {
	h.logger.Info("CreateJob called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
	)

	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	r, err := toRequest(&req)
	if err != nil {
		h.respondError(c, "Invalid request body", err)
		return
	}

	id, err := h.jobs.Add(c.Request.Context(), r)
	if err != nil {
		h.respondError(c, "Failed to create job", err)
		return
	}

	c.JSON(http.StatusCreated, dto.CreateJobResponse{
		JobID:  id,
		Status: string(domain.StatusPending),
	})
}

// UpdateJob handles PUT /api/v1/jobs/:job_id
// Replaces the contents of a job that has not started yet
func (h *JobHandler) UpdateJob(c *gin.Context) {
	jobID, ok := parseJobID(c)
	if !ok {
		return
	}

	h.logger.Info("UpdateJob called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.Int64("job_id", jobID),
	)

	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	r, err := toRequest(&req)
	if err != nil {
		h.respondError(c, "Invalid request body", err)
		return
	}

	if err := h.jobs.Update(c.Request.Context(), jobID, r); err != nil {
		h.respondError(c, "Failed to update job", err)
		return
	}

	view, err := h.jobs.GetView(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, "Failed to get job", err)
		return
	}
	c.JSON(http.StatusOK, dto.FromView(view))
}

// GetJob handles GET /api/v1/jobs/:job_id
// Retrieves a job with its last stored progress
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := parseJobID(c)
	if !ok {
		return
	}

	h.logger.Info("GetJob called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.Int64("job_id", jobID),
	)

	view, err := h.jobs.GetView(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, "Failed to get job", err)
		return
	}

	c.JSON(http.StatusOK, dto.FromView(view))
}

// GetJobProgress handles GET /api/v1/jobs/:job_id/progress
// Returns the freshest progress, served from the cache when possible
func (h *JobHandler) GetJobProgress(c *gin.Context) {
	jobID, ok := parseJobID(c)
	if !ok {
		return
	}

	p, err := h.jobs.GetProgress(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, "Failed to get job progress", err)
		return
	}
	if !p.ExistsInDB {
		c.JSON(http.StatusNotFound, gin.H{
			"error": domain.ErrJobNotFound.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, p)
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs newest first with optional filtering and cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	h.logger.Info("ListJobs called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("query", c.Request.URL.RawQuery),
	)

	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	var status domain.Status
	if req.Status != "" {
		st, err := domain.ParseStatus(req.Status)
		if err != nil {
			h.respondError(c, "Invalid status", err)
			return
		}
		status = st
	}

	cursor, err := client.DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	h.logger.Debug("Decoded cursor", slog.Any("cursor", cursor))

	page, err := h.jobs.List(c.Request.Context(), domain.JobFilter{
		AppID:    req.AppID,
		UserID:   req.UserID,
		JobType:  req.JobType,
		Status:   status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.respondError(c, "Failed to list jobs", err)
		return
	}

	jobResponse := make([]dto.JobDTO, len(page.Jobs))
	for i, v := range page.Jobs {
		jobResponse[i] = dto.FromView(v)
	}

	var nextCursor string
	if page.Next != nil {
		nextCursor = client.EncodeJobCursor(page.Next)
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// RunCommand handles POST /api/v1/jobs/commands/:command
// Sets stop, pause, continue or run-now on the listed jobs
func (h *JobHandler) RunCommand(c *gin.Context) {
	name := c.Param("command")

	var apply func(*gin.Context, []int64) (int, error)
	var cmd domain.Command
	switch name {
	case "stop":
		cmd, apply = domain.CommandStop, func(c *gin.Context, ids []int64) (int, error) { return h.jobs.Stop(c.Request.Context(), ids) }
	case "pause":
		cmd, apply = domain.CommandPause, func(c *gin.Context, ids []int64) (int, error) { return h.jobs.Pause(c.Request.Context(), ids) }
	case "continue":
		cmd, apply = domain.CommandContinue, func(c *gin.Context, ids []int64) (int, error) { return h.jobs.Continue(c.Request.Context(), ids) }
	case "run-now":
		cmd, apply = domain.CommandRunNow, func(c *gin.Context, ids []int64) (int, error) { return h.jobs.RunNow(c.Request.Context(), ids) }
	default:
		c.JSON(http.StatusNotFound, gin.H{
			"error": fmt.Sprintf("unknown command %q", name),
		})
		return
	}

	var req dto.JobIDsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_ids is required",
		})
		return
	}

	h.logger.Info("RunCommand called",
		slog.String("command", string(cmd)),
		slog.Int("jobs", len(req.JobIDs)),
	)

	n, err := apply(c, req.JobIDs)
	if err != nil {
		h.respondError(c, "Failed to set command", err)
		return
	}

	c.JSON(http.StatusOK, dto.CommandResponse{
		Command:   string(cmd),
		Requested: len(req.JobIDs),
		Updated:   n,
	})
}

// DeleteJobs handles DELETE /api/v1/jobs
// Permanently deletes the listed jobs in any status
func (h *JobHandler) DeleteJobs(c *gin.Context) {
	var req dto.JobIDsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_ids is required",
		})
		return
	}

	h.logger.Info("DeleteJobs called", slog.Int("jobs", len(req.JobIDs)))

	n, err := h.jobs.Delete(c.Request.Context(), req.JobIDs)
	if err != nil {
		h.respondError(c, "Failed to delete jobs", err)
		return
	}

	c.JSON(http.StatusOK, dto.DeleteJobsResponse{
		Requested: len(req.JobIDs),
		Deleted:   n,
	})
}

// DeleteJob handles DELETE /api/v1/jobs/:job_id
func (h *JobHandler) DeleteJob(c *gin.Context) {
	jobID, ok := parseJobID(c)
	if !ok {
		return
	}

	n, err := h.jobs.Delete(c.Request.Context(), []int64{jobID})
	if err != nil {
		h.respondError(c, "Failed to delete job", err)
		return
	}
	if n == 0 {
		c.JSON(http.StatusNotFound, gin.H{
			"error": domain.ErrJobNotFound.Error(),
		})
		return
	}

	c.Status(http.StatusNoContent)
}

// StatusCount handles GET /api/v1/jobs/status-count
func (h *JobHandler) StatusCount(c *gin.Context) {
	appID := c.Query("app_id")
	userID := c.Query("user_id")

	counts, err := h.jobs.StatusCount(c.Request.Context(), appID, userID)
	if err != nil {
		h.respondError(c, "Failed to count jobs", err)
		return
	}

	c.JSON(http.StatusOK, dto.StatusCountResponse{
		AppID:  appID,
		UserID: userID,
		Counts: counts,
	})
}
