package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/jobengine/internal/domain"
	"github.com/cuongbtq/jobengine/internal/gate"
)

// Outcome is how a body finished, mapped to the terminal status to persist
type Outcome struct {
	Status  domain.Status
	Message string
	Err     error
}

// Task is one job executing in the pool
type Task struct {
	Job     *domain.Job
	Started time.Time

	signal  *gate.Signal
	gate    *gate.Gate
	done    chan struct{}
	outcome Outcome
	release sync.Once
	stopped atomic.Bool
}

func newTask(ctx context.Context, job *domain.Job) *Task {
	return &Task{
		Job:     job,
		Started: time.Now(),
		signal:  gate.NewSignal(context.WithoutCancel(ctx)),
		gate:    gate.New(),
		done:    make(chan struct{}),
	}
}

// ID returns the job ID
func (t *Task) ID() int64 { return t.Job.JobID }

// Done is closed once the body returned
func (t *Task) Done() <-chan struct{} { return t.done }

// Finished reports whether the body returned
func (t *Task) Finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Outcome is only meaningful after Done is closed
func (t *Task) Outcome() Outcome {
	<-t.done
	return t.outcome
}

// Paused reports whether the task's gate is closed
func (t *Task) Paused() bool { return t.gate.IsPaused() }

// StopRequested reports whether the pool was asked to cancel the task
func (t *Task) StopRequested() bool { return t.stopped.Load() }

func (t *Task) cancel() {
	t.stopped.Store(true)
	t.signal.Cancel()
}

func (t *Task) finish(o Outcome) {
	t.outcome = o
	t.signal.Cancel()
	close(t.done)
}
