// Package worker runs claimed jobs on a bounded set of slots
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cuongbtq/jobengine/internal/domain"
	"github.com/cuongbtq/jobengine/internal/gate"
	"github.com/cuongbtq/jobengine/internal/invoke"
	"github.com/cuongbtq/jobengine/internal/secret"
)

// ProgressSink receives progress reported by running bodies
type ProgressSink interface {
	Report(ctx context.Context, jobID int64, percent *int, note, data string)
}

// Config holds pool configuration
type Config struct {
	Logger   *slog.Logger
	Workers  int
	Resolver invoke.Resolver
	Cipher   secret.Cipher
	Progress ProgressSink
	// OnDone is called from the task goroutine right after a body returns
	OnDone func(*Task)
}

// Pool executes job bodies with at most Workers running at once. A slot is
// held from Submit until Release, so a finished task keeps its slot until
// the scheduler has persisted its outcome.
type Pool struct {
	logger   *slog.Logger
	size     int64
	sem      *semaphore.Weighted
	inUse    atomic.Int64
	resolver invoke.Resolver
	cipher   secret.Cipher
	progress ProgressSink
	onDone   func(*Task)

	mu    sync.Mutex
	tasks map[int64]*Task
	wg    sync.WaitGroup
}

// NewPool creates a pool; Workers must be positive
func NewPool(cfg *Config) (*Pool, error) {
	if cfg.Workers <= 0 {
		return nil, domain.NewConfigurationError("workers", "must be greater than 0")
	}
	if cfg.Resolver == nil {
		return nil, domain.NewConfigurationError("resolver", "is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cipher := cfg.Cipher
	if cipher == nil {
		cipher = secret.Nop{}
	}
	return &Pool{
		logger:   logger,
		size:     int64(cfg.Workers),
		sem:      semaphore.NewWeighted(int64(cfg.Workers)),
		resolver: cfg.Resolver,
		cipher:   cipher,
		progress: cfg.Progress,
		onDone:   cfg.OnDone,
		tasks:    make(map[int64]*Task),
	}, nil
}

// Submit takes a slot and starts the job body. It returns domain.ErrPoolFull
// when no slot is free. A job that fails to resolve still gets a Task, already
// finished with an ERROR outcome, so the caller persists it like any other.
func (p *Pool) Submit(ctx context.Context, job *domain.Job) (*Task, error) {
	p.mu.Lock()
	if _, ok := p.tasks[job.JobID]; ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("job %d is already running in this pool", job.JobID)
	}
	if !p.sem.TryAcquire(1) {
		p.mu.Unlock()
		return nil, domain.ErrPoolFull
	}
	p.inUse.Add(1)
	task := newTask(ctx, job)
	p.tasks[job.JobID] = task
	p.wg.Add(1)
	p.mu.Unlock()

	body, err := p.resolve(job)
	if err != nil {
		p.logger.Error("Job cannot be resolved",
			slog.Int64("job_id", job.JobID),
			slog.String("type", job.InvokeMeta.Type),
			slog.String("method", job.InvokeMeta.Method),
			slog.String("error", err.Error()),
		)
		p.complete(task, Outcome{Status: domain.StatusError, Message: err.Error(), Err: err})
		return task, nil
	}

	go p.run(task, body)
	return task, nil
}

func (p *Pool) resolve(job *domain.Job) (invoke.Body, error) {
	params, err := p.cipher.Decrypt(job.Parameters)
	if err != nil {
		return nil, domain.NewResolutionError(job.InvokeMeta, err)
	}
	return p.resolver.Resolve(job.InvokeMeta, params)
}

func (p *Pool) run(task *Task, body invoke.Body) {
	var outcome Outcome
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("job body panicked: %v", r)
			outcome = Outcome{Status: domain.StatusError, Message: err.Error(), Err: err}
		}
		p.complete(task, outcome)
	}()

	p.logger.Info("Executing job",
		slog.Int64("job_id", task.ID()),
		slog.String("job_type", task.Job.JobType),
		slog.String("method", task.Job.InvokeMeta.Type+"."+task.Job.InvokeMeta.Method),
	)

	ctx := task.signal.Context()
	err := body(ctx, invoke.Env{
		Reporter: &reporter{ctx: context.WithoutCancel(ctx), jobID: task.ID(), sink: p.progress},
		Gate:     task.gate,
		Signal:   task.signal,
	})
	outcome = outcomeOf(err)
}

func outcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return Outcome{Status: domain.StatusCompleted}
	case errors.Is(err, gate.ErrCancelled), errors.Is(err, context.Canceled):
		return Outcome{Status: domain.StatusStopped, Err: err}
	default:
		return Outcome{Status: domain.StatusError, Message: err.Error(), Err: err}
	}
}

func (p *Pool) complete(task *Task, o Outcome) {
	task.finish(o)
	p.wg.Done()

	p.logger.Info("Job body finished",
		slog.Int64("job_id", task.ID()),
		slog.String("status", string(o.Status)),
		slog.Duration("elapsed", time.Since(task.Started)),
	)
	if p.onDone != nil {
		p.onDone(task)
	}
}

// Finished returns tasks whose body returned and whose slot is still held, by job ID
func (p *Pool) Finished() []*Task {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*Task
	for _, t := range p.tasks {
		if t.Finished() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID() < out[b].ID() })
	return out
}

// Release frees the task's slot. Only the first call for a task has any
// effect; it reports whether this call released the slot.
func (p *Pool) Release(task *Task) bool {
	released := false
	task.release.Do(func() {
		p.mu.Lock()
		if p.tasks[task.ID()] == task {
			delete(p.tasks, task.ID())
		}
		p.mu.Unlock()

		p.inUse.Add(-1)
		p.sem.Release(1)
		released = true
	})
	return released
}

// Get returns the live task for a job
func (p *Pool) Get(jobID int64) (*Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[jobID]
	return t, ok
}

// Cancel requests cooperative cancellation of a job
func (p *Pool) Cancel(jobID int64) bool {
	t, ok := p.Get(jobID)
	if !ok {
		return false
	}
	t.cancel()
	return true
}

// Pause closes the job's gate
func (p *Pool) Pause(jobID int64) bool {
	t, ok := p.Get(jobID)
	if !ok {
		return false
	}
	t.gate.SetPaused(true)
	return true
}

// Resume reopens the job's gate
func (p *Pool) Resume(jobID int64) bool {
	t, ok := p.Get(jobID)
	if !ok {
		return false
	}
	t.gate.SetPaused(false)
	return true
}

// CancelAll cancels every live task; paused bodies wake through their context
func (p *Pool) CancelAll() {
	p.mu.Lock()
	tasks := make([]*Task, 0, len(p.tasks))
	for _, t := range p.tasks {
		tasks = append(tasks, t)
	}
	p.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}
}

// Wait blocks until every submitted body returned or ctx is done
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Available returns the number of free slots
func (p *Pool) Available() int {
	return int(p.size - p.inUse.Load())
}

// Size returns the configured number of slots
func (p *Pool) Size() int { return int(p.size) }

// Len returns the number of tasks holding a slot
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

type reporter struct {
	ctx   context.Context
	jobID int64
	sink  ProgressSink
}

func (r *reporter) Report(percent *int, note, data string) {
	if r.sink == nil {
		return
	}
	r.sink.Report(r.ctx, r.jobID, percent, note, data)
}
