package domain

import "time"

// JobStatusProgress is the latest progress snapshot of a job
type JobStatusProgress struct {
	JobID      int64     `json:"job_id"`
	Percent    *int      `json:"percent,omitempty"`
	Note       string    `json:"note,omitempty"`
	Data       string    `json:"data,omitempty"`
	Status     Status    `json:"status,omitempty"`
	Error      string    `json:"error,omitempty"`
	Updated    time.Time `json:"updated"`
	ExistsInDB bool      `json:"exists_in_db"`
}

// Percent returns a pointer to p, for building progress records
func Percent(p int) *int {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return &p
}
