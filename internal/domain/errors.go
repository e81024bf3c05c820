package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the store
	ErrJobNotFound = errors.New("job not found")

	// ErrJobNotOwned is returned when a status write targets a job owned by another process
	ErrJobNotOwned = errors.New("job not owned by this process or not in an updatable status")

	// ErrJobNotEditable is returned when updating a job that already left PENDING
	ErrJobNotEditable = errors.New("job is not pending and cannot be edited")

	// ErrPoolFull is returned when the worker pool has no free slot
	ErrPoolFull = errors.New("worker pool has no free slot")

	// ErrEngineStopped is returned when operating on an engine that was stopped
	ErrEngineStopped = errors.New("engine stopped")
)

// ConfigurationError reports invalid construction arguments; never retried
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// NewConfigurationError creates a new configuration error
func NewConfigurationError(field, reason string) error {
	return &ConfigurationError{Field: field, Reason: reason}
}

// ResolutionError reports an InvokeMeta that cannot be resolved to a callable
type ResolutionError struct {
	Meta InvokeMeta
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve %s.%s: %s", e.Meta.Type, e.Meta.Method, e.Err.Error())
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// NewResolutionError creates a new resolution error
func NewResolutionError(meta InvokeMeta, err error) error {
	return &ResolutionError{Meta: meta, Err: err}
}

// InvalidStatusError is returned when parsing an unknown status name
type InvalidStatusError struct {
	Value string
}

func (e *InvalidStatusError) Error() string {
	return fmt.Sprintf("invalid job status %q", e.Value)
}
