package dto

import (
	"encoding/json"
	"time"

	"github.com/cuongbtq/jobengine/internal/domain"
)

type InvokeMetaDTO struct {
	Type       string   `json:"type" binding:"required"`
	Method     string   `json:"method" binding:"required"`
	ParamTypes []string `json:"param_types,omitempty"`
}

// CreateJobRequest is also the body of PUT /jobs/:job_id
type CreateJobRequest struct {
	AppID      string          `json:"app_id"`
	UserID     string          `json:"user_id"`
	JobType    string          `json:"job_type"`
	JobName    string          `json:"job_name"`
	InvokeMeta InvokeMetaDTO   `json:"invoke_meta" binding:"required"`
	Parameters json.RawMessage `json:"parameters"`
}

type CreateJobResponse struct {
	JobID  int64  `json:"job_id"`
	Status string `json:"status"`
}

type ListJobsRequest struct {
	AppID    string `form:"app_id"`
	UserID   string `form:"user_id"`
	JobType  string `form:"job_type"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobIDsRequest struct {
	JobIDs []int64 `json:"job_ids" binding:"required,min=1"`
}

type CommandResponse struct {
	Command   string `json:"command"`
	Requested int    `json:"requested"`
	Updated   int    `json:"updated"`
}

type DeleteJobsResponse struct {
	Requested int `json:"requested"`
	Deleted   int `json:"deleted"`
}

type StatusCountResponse struct {
	AppID  string                  `json:"app_id,omitempty"`
	UserID string                  `json:"user_id,omitempty"`
	Counts []domain.JobStatusCount `json:"counts"`
}

type JobDTO struct {
	JobID           int64         `json:"job_id"`
	AppID           string        `json:"app_id"`
	UserID          string        `json:"user_id"`
	ProcessID       string        `json:"process_id,omitempty"`
	JobType         string        `json:"job_type"`
	JobName         string        `json:"job_name"`
	InvokeMeta      InvokeMetaDTO `json:"invoke_meta"`
	Command         string        `json:"command,omitempty"`
	Status          string        `json:"status"`
	Error           string        `json:"error,omitempty"`
	Percent         *int          `json:"percent,omitempty"`
	Note            string        `json:"note,omitempty"`
	Data            string        `json:"data,omitempty"`
	StartedAt       string        `json:"started_at,omitempty"`
	EndedAt         string        `json:"ended_at,omitempty"`
	CreatedAt       string        `json:"created_at"`
	ProgressUpdated string        `json:"progress_updated_at,omitempty"`
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

// FromView converts a stored job view into its response shape
func FromView(v *domain.JobView) JobDTO {
	return JobDTO{
		JobID:     v.JobID,
		AppID:     v.AppID,
		UserID:    v.UserID,
		ProcessID: v.ProcessID,
		JobType:   v.JobType,
		JobName:   v.JobName,
		InvokeMeta: InvokeMetaDTO{
			Type:       v.InvokeMeta.Type,
			Method:     v.InvokeMeta.Method,
			ParamTypes: v.InvokeMeta.ParamTypes,
		},
		Command:         string(v.Command),
		Status:          string(v.Status),
		Error:           v.Error,
		Percent:         v.Percent,
		Note:            v.Note,
		Data:            v.Data,
		StartedAt:       formatTime(v.Start),
		EndedAt:         formatTime(v.End),
		CreatedAt:       v.Created.Format(time.RFC3339),
		ProgressUpdated: formatTime(v.ProgressUpdated),
	}
}
