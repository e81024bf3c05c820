package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/jobengine/internal/domain"
	"github.com/cuongbtq/jobengine/internal/storage"
)

// capacity is how many more jobs this engine may own right now
func (e *Engine) capacity(ctx context.Context) (int, error) {
	running, err := e.store.CountRunningJobs(ctx, e.cfg.ProcessID)
	if err != nil {
		return 0, fmt.Errorf("failed to count running jobs: %w", err)
	}
	n := e.cfg.MaxRunnableJobs - running
	if free := e.pool.Available(); free < n {
		n = free
	}
	return n, nil
}

// ClaimAndDispatch runs one run-loop tick: claim up to capacity pending jobs
// and submit them to the pool. It returns how many jobs were dispatched.
func (e *Engine) ClaimAndDispatch(ctx context.Context) (int, error) {
	if e.isStopped() {
		return 0, domain.ErrEngineStopped
	}
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()

	n, err := e.capacity(ctx)
	if err != nil || n <= 0 {
		return 0, err
	}

	jobs, err := e.store.ClaimJobsToRun(ctx, e.cfg.ProcessID, n)
	if err != nil {
		return 0, fmt.Errorf("failed to claim jobs: %w", err)
	}
	return e.dispatch(ctx, jobs), nil
}

// RunJobs claims the listed jobs right away, bypassing the polling order.
// Jobs beyond the free capacity are flagged RUN_NOW so the next tick picks
// them first. Jobs that are no longer pending or are owned elsewhere are skipped.
func (e *Engine) RunJobs(ctx context.Context, jobIDs []int64) (int, error) {
	if e.isStopped() {
		return 0, domain.ErrEngineStopped
	}
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()

	ids := storage.UniqueIDs(jobIDs)
	n, err := e.capacity(ctx)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		n = 0
	}
	if n > len(ids) {
		n = len(ids)
	}

	if rest := ids[n:]; len(rest) > 0 {
		if _, err := e.store.SetCommandRunNow(ctx, rest); err != nil {
			return 0, fmt.Errorf("failed to flag jobs run now: %w", err)
		}
	}
	if n == 0 {
		return 0, nil
	}

	jobs, err := e.store.ClaimJobsByID(ctx, e.cfg.ProcessID, ids[:n])
	if err != nil {
		return 0, fmt.Errorf("failed to claim jobs: %w", err)
	}
	return e.dispatch(ctx, jobs), nil
}

func (e *Engine) dispatch(ctx context.Context, jobs []*domain.Job) int {
	n := 0
	for _, job := range jobs {
		e.tracker.MirrorStatus(ctx, job.JobID, domain.StatusRunning, "")
		if _, err := e.pool.Submit(ctx, job); err != nil {
			// The claim already made us the owner; without a slot the job can only fail.
			e.logger.Error("Failed to submit claimed job",
				slog.Int64("job_id", job.JobID),
				slog.String("error", err.Error()),
			)
			if werr := e.store.SetError(ctx, e.cfg.ProcessID, job.JobID, err.Error()); werr != nil {
				e.logger.Error("Failed to mark job as failed",
					slog.Int64("job_id", job.JobID),
					slog.String("error", werr.Error()),
				)
			}
			e.tracker.Finish(ctx, job.JobID, domain.StatusError, err.Error())
			continue
		}
		e.logger.Info("Job claimed",
			slog.Int64("job_id", job.JobID),
			slog.String("job_type", job.JobType),
			slog.String("job_name", job.JobName),
		)
		n++
	}
	return n
}
