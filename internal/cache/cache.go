// Package cache holds the low-latency progress cache port and its adapters.
// The cache is advisory: the durable store stays authoritative and callers
// treat any cache error as a miss.
package cache

import (
	"context"
	"time"

	"github.com/cuongbtq/jobengine/internal/domain"
)

// Cache stores the last known progress of a job, keyed by JobID
type Cache interface {
	// GetCachedProgress returns nil, nil on a miss.
	GetCachedProgress(ctx context.Context, jobID int64) (*domain.JobStatusProgress, error)
	// SetCachedProgress upserts progress, defaulting Status to RUNNING for a new entry.
	SetCachedProgress(ctx context.Context, jobID int64, percent *int, note, data string) error
	SetCachedProgressStatus(ctx context.Context, jobID int64, status domain.Status) error
	SetCachedProgressError(ctx context.Context, jobID int64, message string) error
	DeleteCachedProgress(ctx context.Context, jobID int64) error
}

// Nop is a cache that never stores anything, used when no cache is configured
type Nop struct{}

var _ Cache = Nop{}

func (Nop) GetCachedProgress(context.Context, int64) (*domain.JobStatusProgress, error) {
	return nil, nil
}

func (Nop) SetCachedProgress(context.Context, int64, *int, string, string) error { return nil }

func (Nop) SetCachedProgressStatus(context.Context, int64, domain.Status) error { return nil }

func (Nop) SetCachedProgressError(context.Context, int64, string) error { return nil }

func (Nop) DeleteCachedProgress(context.Context, int64) error { return nil }

// merge applies a progress update onto a possibly missing prior entry.
// A progress write implies the job is alive, so a new entry starts RUNNING.
func merge(prev *domain.JobStatusProgress, jobID int64, percent *int, note, data string, now time.Time) *domain.JobStatusProgress {
	p := prev
	if p == nil {
		p = &domain.JobStatusProgress{
			JobID:      jobID,
			Status:     domain.StatusRunning,
			ExistsInDB: true,
		}
	}
	if percent != nil {
		v := *percent
		p.Percent = &v
	}
	p.Note = note
	p.Data = data
	p.Updated = now
	return p
}
