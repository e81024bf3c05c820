package storage

import (
	"time"

	"github.com/cuongbtq/jobengine/internal/domain"
)

// Transition applies an owner-side status write to j in place.
// It fails with domain.ErrJobNotOwned when processID does not own an active job.
func Transition(j *domain.Job, processID string, to domain.Status, message string, now time.Time) error {
	if j.ProcessID != processID || !j.Status.IsActive() {
		return domain.ErrJobNotOwned
	}
	if to == domain.StatusPaused && j.Status != domain.StatusRunning {
		return domain.ErrJobNotOwned
	}

	j.Status = to
	j.Command = domain.CommandNone
	if to.IsTerminal() {
		end := now
		j.End = &end
	}
	if to == domain.StatusError {
		j.Error = message
	}
	return nil
}

// Claim marks j as owned and running; callers must have checked Claimable.
func Claim(j *domain.Job, processID string, now time.Time) {
	start := now
	j.ProcessID = processID
	j.Status = domain.StatusRunning
	j.Command = domain.CommandNone
	j.Start = &start
	j.End = nil
	j.Error = ""
}

// StopUnclaimed moves a never-claimed job carrying STOP straight to STOPPED.
func StopUnclaimed(j *domain.Job, now time.Time) bool {
	if j.Status != domain.StatusPending || j.Command != domain.CommandStop {
		return false
	}
	end := now
	j.Status = domain.StatusStopped
	j.Command = domain.CommandNone
	j.End = &end
	return true
}
