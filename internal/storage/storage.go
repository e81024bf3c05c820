// Package storage defines the durable job store contract shared by every
// backend adapter. Engine code depends only on Storage; concrete adapters
// live in the postgres, badger and memory subpackages.
package storage

import (
	"context"
	"sort"
	"time"

	"github.com/cuongbtq/jobengine/internal/domain"
)

// Storage is the durable, shared record of jobs and their status.
//
// ClaimJobsToRun and ClaimJobsByID are compare-and-set operations: a job is
// claimed only while it is PENDING and unowned, so among concurrent claimers
// racing on the same job exactly one succeeds and the rest skip it.
type Storage interface {
	// Add inserts a new PENDING job and returns its assigned ID.
	Add(ctx context.Context, job *domain.Job) (int64, error)
	// Update rewrites the client-editable fields of a PENDING job.
	Update(ctx context.Context, job *domain.Job) (int64, error)

	// ClaimJobsToRun claims up to maxCount pending jobs for processID,
	// RUN_NOW first, then oldest Created first.
	ClaimJobsToRun(ctx context.Context, processID string, maxCount int) ([]*domain.Job, error)
	// ClaimJobsByID claims the listed jobs that are still pending and unowned.
	ClaimJobsByID(ctx context.Context, processID string, jobIDs []int64) ([]*domain.Job, error)

	SetCommandStop(ctx context.Context, jobIDs []int64) (int, error)
	SetCommandRunNow(ctx context.Context, jobIDs []int64) (int, error)
	SetCommandPause(ctx context.Context, jobIDs []int64) (int, error)
	SetCommandContinue(ctx context.Context, jobIDs []int64) (int, error)
	ClearCommand(ctx context.Context, processID string, jobID int64) error

	// Status writes only apply to jobs owned by processID and clear any command.
	SetToRunning(ctx context.Context, processID string, jobID int64) error
	SetToPaused(ctx context.Context, processID string, jobID int64) error
	SetToStopped(ctx context.Context, processID string, jobID int64) error
	SetToCompleted(ctx context.Context, processID string, jobID int64) error
	SetError(ctx context.Context, processID string, jobID int64, message string) error

	GetJob(ctx context.Context, jobID int64) (*domain.Job, error)
	GetJobs(ctx context.Context, jobIDs []int64) ([]*domain.Job, error)
	GetJobView(ctx context.Context, jobID int64) (*domain.JobView, error)
	GetJobViews(ctx context.Context, jobIDs []int64) ([]*domain.JobView, error)
	// ListJobViews returns up to PageSize+1 rows so callers can detect a further page.
	ListJobViews(ctx context.Context, filter domain.JobFilter) ([]*domain.JobView, error)

	// GetCommandedJobs returns RUNNING/PAUSED jobs owned by processID carrying a command.
	GetCommandedJobs(ctx context.Context, processID string) ([]*domain.Job, error)
	// StopPendingWithCommand moves never-claimed jobs carrying STOP straight to STOPPED.
	StopPendingWithCommand(ctx context.Context) (int, error)
	// ResetOrphans marks RUNNING/PAUSED jobs still owned by processID as ERROR.
	ResetOrphans(ctx context.Context, processID string, message string) (int, error)
	// CountRunningJobs counts RUNNING and PAUSED jobs owned by processID.
	CountRunningJobs(ctx context.Context, processID string) (int, error)

	Delete(ctx context.Context, jobIDs []int64) (int, error)
	// DeleteOlderThan removes jobs in one of statuses whose terminal timestamp is older than hours.
	DeleteOlderThan(ctx context.Context, hours int, statuses []domain.Status) (int, error)

	SetProgress(ctx context.Context, jobID int64, percent *int, note, data string) error
	// GetProgress returns nil when the job does not exist.
	GetProgress(ctx context.Context, jobID int64) (*domain.JobStatusProgress, error)

	GetJobStatusCount(ctx context.Context, appID, userID string) ([]domain.JobStatusCount, error)

	Close() error
}

// SortForClaim orders pending jobs the way every adapter claims them
func SortForClaim(jobs []*domain.Job) {
	sort.SliceStable(jobs, func(a, b int) bool {
		ra, rb := jobs[a].Command == domain.CommandRunNow, jobs[b].Command == domain.CommandRunNow
		if ra != rb {
			return ra
		}
		if !jobs[a].Created.Equal(jobs[b].Created) {
			return jobs[a].Created.Before(jobs[b].Created)
		}
		return jobs[a].JobID < jobs[b].JobID
	})
}

// Claimable reports whether a job may be claimed right now
func Claimable(j *domain.Job) bool {
	return j.Status == domain.StatusPending && j.ProcessID == "" && j.Command != domain.CommandStop
}

// Matches reports whether a job passes the filter, ignoring the page window
func Matches(j *domain.Job, f domain.JobFilter) bool {
	if f.AppID != "" && j.AppID != f.AppID {
		return false
	}
	if f.UserID != "" && j.UserID != f.UserID {
		return false
	}
	if f.JobType != "" && j.JobType != f.JobType {
		return false
	}
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if c := f.Cursor; c != nil {
		if j.Created.After(c.Created) {
			return false
		}
		if j.Created.Equal(c.Created) && j.JobID >= c.JobID {
			return false
		}
	}
	return true
}

// SortNewestFirst orders jobs for listing: Created DESC, JobID DESC
func SortNewestFirst(jobs []*domain.Job) {
	sort.SliceStable(jobs, func(a, b int) bool {
		if !jobs[a].Created.Equal(jobs[b].Created) {
			return jobs[a].Created.After(jobs[b].Created)
		}
		return jobs[a].JobID > jobs[b].JobID
	})
}

// Expired reports whether a terminal job is older than the retention cutoff
func Expired(j *domain.Job, statuses []domain.Status, cutoff time.Time) bool {
	if !j.Status.IsTerminal() || !containsStatus(statuses, j.Status) {
		return false
	}
	ts := j.Created
	if j.End != nil {
		ts = *j.End
	}
	return ts.Before(cutoff)
}

// CommandAllowed reports whether a command may be set on a job in its current status
func CommandAllowed(j *domain.Job, cmd domain.Command) bool {
	if j.Command == cmd || j.Command == domain.CommandStop {
		return false
	}
	switch cmd {
	case domain.CommandStop:
		return !j.Status.IsTerminal()
	case domain.CommandRunNow:
		return j.Status == domain.StatusPending
	case domain.CommandPause:
		return j.Status == domain.StatusRunning
	case domain.CommandContinue:
		return j.Status == domain.StatusPaused
	}
	return false
}

func containsStatus(statuses []domain.Status, s domain.Status) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

// PageSize clamps a requested page size
func PageSize(n int) int {
	if n <= 0 {
		return 20
	}
	if n > 100 {
		return 100
	}
	return n
}

// OrderedCounts flattens per-status counts in state-machine order
func OrderedCounts(counts map[domain.Status]int) []domain.JobStatusCount {
	order := []domain.Status{
		domain.StatusPending, domain.StatusRunning, domain.StatusPaused,
		domain.StatusCompleted, domain.StatusStopped, domain.StatusError,
	}
	out := make([]domain.JobStatusCount, 0, len(counts))
	for _, st := range order {
		if n, ok := counts[st]; ok && n > 0 {
			out = append(out, domain.JobStatusCount{Status: st, Count: n})
		}
	}
	return out
}

// UniqueIDs drops duplicate job IDs, keeping first-seen order
func UniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
