package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/jobengine/internal/domain"
	"github.com/cuongbtq/jobengine/internal/worker"
)

// Cleanup runs one cleanup-loop tick: persist finished tasks, apply commands
// to owned jobs, stop never-claimed jobs carrying STOP, flush due progress
// and run the retention sweep. Every step runs even if an earlier one failed.
func (e *Engine) Cleanup(ctx context.Context) error {
	var errs []error

	if e.reconcile(ctx) > 0 {
		e.nudge(e.runNudge)
	}

	if _, err := e.applyCommands(ctx, domain.CommandNone); err != nil {
		errs = append(errs, err)
	}

	if n, err := e.store.StopPendingWithCommand(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop pending jobs: %w", err))
	} else if n > 0 {
		e.logger.Info("Stopped pending jobs before they ran", slog.Int("count", n))
	}

	e.tracker.FlushDue(ctx)

	if _, err := e.sweep(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// reconcile writes the terminal status of every finished task and frees its
// slot. A task whose write failed for a transient reason keeps its slot and
// is retried next tick. It returns the number of released slots.
func (e *Engine) reconcile(ctx context.Context) int {
	released := 0
	for _, task := range e.pool.Finished() {
		o := task.Outcome()
		if err := e.persist(ctx, task.ID(), o); err != nil {
			if !errors.Is(err, domain.ErrJobNotOwned) && !errors.Is(err, domain.ErrJobNotFound) {
				e.logger.Error("Failed to persist job outcome, retrying next tick",
					slog.Int64("job_id", task.ID()),
					slog.String("status", string(o.Status)),
					slog.String("error", err.Error()),
				)
				continue
			}
			// deleted or reset while running; nothing left to write
			e.logger.Warn("Job changed while running, outcome dropped",
				slog.Int64("job_id", task.ID()),
				slog.String("status", string(o.Status)),
				slog.String("error", err.Error()),
			)
		}

		e.tracker.Finish(ctx, task.ID(), o.Status, o.Message)
		if e.pool.Release(task) {
			released++
		}
		e.logger.Info("Job finished",
			slog.Int64("job_id", task.ID()),
			slog.String("status", string(o.Status)),
		)
	}
	return released
}

func (e *Engine) persist(ctx context.Context, jobID int64, o worker.Outcome) error {
	pid := e.cfg.ProcessID
	switch o.Status {
	case domain.StatusCompleted:
		return e.store.SetToCompleted(ctx, pid, jobID)
	case domain.StatusStopped:
		return e.store.SetToStopped(ctx, pid, jobID)
	default:
		return e.store.SetError(ctx, pid, jobID, o.Message)
	}
}

// PauseJobs pauses owned running jobs carrying a PAUSE command
func (e *Engine) PauseJobs(ctx context.Context) (int, error) {
	return e.applyCommands(ctx, domain.CommandPause)
}

// ContinueJobs resumes owned paused jobs carrying a CONTINUE command
func (e *Engine) ContinueJobs(ctx context.Context) (int, error) {
	return e.applyCommands(ctx, domain.CommandContinue)
}

// StopJobs signals cancellation to owned jobs carrying a STOP command
func (e *Engine) StopJobs(ctx context.Context) (int, error) {
	return e.applyCommands(ctx, domain.CommandStop)
}

// applyCommands handles commands on jobs this engine owns; only is a filter,
// CommandNone applies all of them. It returns how many jobs were acted on.
func (e *Engine) applyCommands(ctx context.Context, only domain.Command) (int, error) {
	e.cmdMu.Lock()
	defer e.cmdMu.Unlock()

	jobs, err := e.store.GetCommandedJobs(ctx, e.cfg.ProcessID)
	if err != nil {
		return 0, fmt.Errorf("failed to load commanded jobs: %w", err)
	}

	var errs []error
	n := 0
	for _, job := range jobs {
		if only != domain.CommandNone && job.Command != only {
			continue
		}
		task, live := e.pool.Get(job.JobID)
		if live && task.Finished() {
			// reconcile writes the final status
			continue
		}
		if !live {
			task = nil
		}

		var err error
		switch job.Command {
		case domain.CommandStop:
			err = e.applyStop(ctx, job, task)
		case domain.CommandPause:
			err = e.applyPause(ctx, job, task)
		case domain.CommandContinue:
			err = e.applyContinue(ctx, job, task)
		default:
			err = e.store.ClearCommand(ctx, e.cfg.ProcessID, job.JobID)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("job %d %s: %w", job.JobID, job.Command, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// applyStop only signals the body; the STOP command stays set until the
// terminal write clears it.
func (e *Engine) applyStop(ctx context.Context, job *domain.Job, task *worker.Task) error {
	if task != nil {
		if !task.StopRequested() {
			e.pool.Cancel(job.JobID)
			e.logger.Info("Stop requested", slog.Int64("job_id", job.JobID))
		}
		return nil
	}

	// owned but not running here, e.g. abandoned by an earlier StopServer
	if err := e.store.SetToStopped(ctx, e.cfg.ProcessID, job.JobID); err != nil {
		return err
	}
	e.tracker.Finish(ctx, job.JobID, domain.StatusStopped, "")
	return nil
}

func (e *Engine) applyPause(ctx context.Context, job *domain.Job, task *worker.Task) error {
	if task == nil || job.Status != domain.StatusRunning {
		return e.store.ClearCommand(ctx, e.cfg.ProcessID, job.JobID)
	}
	e.pool.Pause(job.JobID)
	if err := e.store.SetToPaused(ctx, e.cfg.ProcessID, job.JobID); err != nil {
		if !e.pausedInStore(ctx, job.JobID) {
			e.pool.Resume(job.JobID)
		}
		return err
	}
	e.tracker.MirrorStatus(ctx, job.JobID, domain.StatusPaused, "")
	e.logger.Info("Job paused", slog.Int64("job_id", job.JobID))
	return nil
}

// pausedInStore reports whether the stored row already says PAUSED, in which
// case the local gate must stay closed
func (e *Engine) pausedInStore(ctx context.Context, jobID int64) bool {
	current, err := e.store.GetJob(ctx, jobID)
	return err == nil && current.Status == domain.StatusPaused && current.ProcessID == e.cfg.ProcessID
}

func (e *Engine) applyContinue(ctx context.Context, job *domain.Job, task *worker.Task) error {
	if task == nil || job.Status != domain.StatusPaused {
		return e.store.ClearCommand(ctx, e.cfg.ProcessID, job.JobID)
	}
	if err := e.store.SetToRunning(ctx, e.cfg.ProcessID, job.JobID); err != nil {
		return err
	}
	e.pool.Resume(job.JobID)
	e.tracker.MirrorStatus(ctx, job.JobID, domain.StatusRunning, "")
	e.logger.Info("Job continued", slog.Int64("job_id", job.JobID))
	return nil
}

// sweep deletes expired jobs. A zero period or an empty status list disables it.
func (e *Engine) sweep(ctx context.Context) (int, error) {
	if e.cfg.AutoDeletePeriod <= 0 || len(e.cfg.AutoDeleteStatus) == 0 {
		return 0, nil
	}
	n, err := e.store.DeleteOlderThan(ctx, e.cfg.AutoDeletePeriod, e.cfg.AutoDeleteStatus)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired jobs: %w", err)
	}
	if n > 0 {
		e.logger.Info("Deleted expired jobs",
			slog.Int("count", n),
			slog.Int("older_than_hours", e.cfg.AutoDeletePeriod),
		)
	}
	return n, nil
}
