package domain

import "time"

// InvokeMeta describes the method call a job body resolves to
type InvokeMeta struct {
	Type       string   `json:"type"`
	Method     string   `json:"method"`
	ParamTypes []string `json:"param_types,omitempty"`
}

// Job represents a unit of work stored in the durable store
type Job struct {
	JobID      int64
	AppID      string
	UserID     string
	ProcessID  string // owner, empty until claimed
	JobType    string
	JobName    string
	InvokeMeta InvokeMeta
	Parameters []byte // encrypted at rest
	Command    Command
	Status     Status
	Error      string
	Start      *time.Time
	End        *time.Time
	Created    time.Time
}

// IsTerminal reports whether the job has reached a final status
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// Clone returns a deep copy so adapters never hand out shared state
func (j *Job) Clone() *Job {
	c := *j
	if j.Parameters != nil {
		c.Parameters = append([]byte(nil), j.Parameters...)
	}
	if j.InvokeMeta.ParamTypes != nil {
		c.InvokeMeta.ParamTypes = append([]string(nil), j.InvokeMeta.ParamTypes...)
	}
	if j.Start != nil {
		t := *j.Start
		c.Start = &t
	}
	if j.End != nil {
		t := *j.End
		c.End = &t
	}
	return &c
}

// JobView is a job without its parameters, merged with its last durable progress
type JobView struct {
	JobID           int64      `json:"job_id"`
	AppID           string     `json:"app_id,omitempty"`
	UserID          string     `json:"user_id,omitempty"`
	ProcessID       string     `json:"process_id,omitempty"`
	JobType         string     `json:"job_type,omitempty"`
	JobName         string     `json:"job_name,omitempty"`
	InvokeMeta      InvokeMeta `json:"invoke_meta"`
	Command         Command    `json:"command,omitempty"`
	Status          Status     `json:"status"`
	Error           string     `json:"error,omitempty"`
	Start           *time.Time `json:"start,omitempty"`
	End             *time.Time `json:"end,omitempty"`
	Created         time.Time  `json:"created"`
	Percent         *int       `json:"percent,omitempty"`
	Note            string     `json:"note,omitempty"`
	Data            string     `json:"data,omitempty"`
	ProgressUpdated *time.Time `json:"progress_updated,omitempty"`
}

// ViewOf builds a JobView from a job and an optional progress record
func ViewOf(j *Job, p *JobStatusProgress) *JobView {
	v := &JobView{
		JobID:      j.JobID,
		AppID:      j.AppID,
		UserID:     j.UserID,
		ProcessID:  j.ProcessID,
		JobType:    j.JobType,
		JobName:    j.JobName,
		InvokeMeta: j.InvokeMeta,
		Command:    j.Command,
		Status:     j.Status,
		Error:      j.Error,
		Start:      j.Start,
		End:        j.End,
		Created:    j.Created,
	}
	if p != nil {
		v.Percent = p.Percent
		v.Note = p.Note
		v.Data = p.Data
		if !p.Updated.IsZero() {
			u := p.Updated
			v.ProgressUpdated = &u
		}
	}
	return v
}

// JobStatusCount is the number of jobs in a given status
type JobStatusCount struct {
	Status Status `json:"status" db:"status"`
	Count  int    `json:"count" db:"count"`
}

// JobFilter narrows a job listing, paginated by a (Created, JobID) cursor
type JobFilter struct {
	AppID    string
	UserID   string
	JobType  string
	Status   Status
	PageSize int
	Cursor   *JobCursor
}

// JobCursor marks the last row of the previous page
type JobCursor struct {
	Created time.Time
	JobID   int64
}
