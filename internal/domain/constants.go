package domain

import "strings"

// Status is the lifecycle state of a job
type Status string

// Job status constants
const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
	StatusStopped   Status = "STOPPED"
	StatusError     Status = "ERROR"
)

// IsTerminal reports whether no further transition is expected
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusStopped || s == StatusError
}

// IsActive reports whether the job holds a worker slot
func (s Status) IsActive() bool {
	return s == StatusRunning || s == StatusPaused
}

// ParseStatus converts a case-insensitive status name
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusPending, StatusRunning, StatusPaused, StatusCompleted, StatusStopped, StatusError:
		return st, nil
	case "":
		return StatusPending, nil
	}
	return "", &InvalidStatusError{Value: s}
}

// Command is an advisory request flag set by clients and consumed by the owning engine
type Command string

// Command constants
const (
	CommandNone     Command = ""
	CommandStop     Command = "STOP"
	CommandPause    Command = "PAUSE"
	CommandContinue Command = "CONTINUE"
	CommandRunNow   Command = "RUN_NOW"
)

// TerminalStatuses lists the statuses a retention sweep may consider
var TerminalStatuses = []Status{StatusCompleted, StatusStopped, StatusError}
