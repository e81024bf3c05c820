// Package engine claims pending jobs from the shared store, runs them on a
// bounded worker pool and reconciles their outcomes, commands and retention.
//
// Two loops drive an Engine. The run loop claims work up to capacity; the
// cleanup loop persists finished tasks, applies client commands to jobs this
// engine owns and deletes expired jobs. They tick independently so a slow
// retention sweep never delays claiming.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/jobengine/internal/cache"
	"github.com/cuongbtq/jobengine/internal/domain"
	"github.com/cuongbtq/jobengine/internal/invoke"
	"github.com/cuongbtq/jobengine/internal/progress"
	"github.com/cuongbtq/jobengine/internal/secret"
	"github.com/cuongbtq/jobengine/internal/storage"
	"github.com/cuongbtq/jobengine/internal/worker"
)

// OrphanMessage is the error recorded on jobs a restarted engine found still marked as its own
const OrphanMessage = "abandoned by restarted owner"

// Config holds engine configuration
type Config struct {
	Logger   *slog.Logger
	Storage  storage.Storage
	Cache    cache.Cache
	Resolver invoke.Resolver
	Cipher   secret.Cipher

	ProcessID       string
	Workers         int
	MaxRunnableJobs int // zero means Workers

	ServerTimerInterval  time.Duration // run loop
	ServerTimerInterval2 time.Duration // cleanup loop
	ProgressDBInterval   time.Duration

	AutoDeletePeriod int // hours; zero disables retention
	AutoDeleteStatus []domain.Status

	ForceStopServer bool
	StopServerDelay time.Duration
}

// Validate checks the configuration and fills defaults
func (c *Config) Validate() error {
	if c.Storage == nil {
		return domain.NewConfigurationError("storage", "is required")
	}
	if c.Resolver == nil {
		return domain.NewConfigurationError("resolver", "is required")
	}
	if c.ProcessID == "" {
		return domain.NewConfigurationError("process_id", "is required")
	}
	if c.Workers <= 0 {
		return domain.NewConfigurationError("workers", "must be greater than 0")
	}
	if c.MaxRunnableJobs < 0 {
		return domain.NewConfigurationError("max_runnable_jobs", "must not be negative")
	}
	if c.MaxRunnableJobs == 0 {
		c.MaxRunnableJobs = c.Workers
	}
	if c.ServerTimerInterval <= 0 {
		return domain.NewConfigurationError("server_timer_interval", "must be greater than 0")
	}
	if c.ServerTimerInterval2 <= 0 {
		return domain.NewConfigurationError("server_timer_interval2", "must be greater than 0")
	}
	if c.ProgressDBInterval < 0 {
		return domain.NewConfigurationError("progress_db_interval", "must not be negative")
	}
	if c.AutoDeletePeriod < 0 {
		return domain.NewConfigurationError("auto_delete_period", "must not be negative")
	}
	for _, st := range c.AutoDeleteStatus {
		if !st.IsTerminal() {
			return domain.NewConfigurationError("auto_delete_status", "only terminal statuses can be deleted: "+string(st))
		}
	}
	if c.StopServerDelay < 0 {
		return domain.NewConfigurationError("stop_server_delay", "must not be negative")
	}
	return nil
}

// Engine is one claiming instance, identified by its ProcessID
type Engine struct {
	cfg     Config
	logger  *slog.Logger
	store   storage.Storage
	tracker *progress.Tracker
	pool    *worker.Pool

	runNudge     chan struct{}
	cleanupNudge chan struct{}

	// serializes claiming so capacity is never computed twice for the same slot
	dispatchMu sync.Mutex
	// serializes command passes so two never act on the same snapshot
	cmdMu sync.Mutex

	mu       sync.Mutex
	started  bool
	stopped  bool
	stopLoop context.CancelFunc
	loops    sync.WaitGroup
}

// New builds an engine. Invalid configuration fails here with a *domain.ConfigurationError.
func New(cfg *Config) (*Engine, error) {
	c := *cfg
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	logger := c.Logger.With(slog.String("process_id", c.ProcessID))

	e := &Engine{
		cfg:          c,
		logger:       logger,
		store:        c.Storage,
		tracker:      progress.NewTracker(c.Cache, c.Storage, c.ProgressDBInterval, logger),
		runNudge:     make(chan struct{}, 1),
		cleanupNudge: make(chan struct{}, 1),
	}

	pool, err := worker.NewPool(&worker.Config{
		Logger:   logger,
		Workers:  c.Workers,
		Resolver: c.Resolver,
		Cipher:   c.Cipher,
		Progress: e.tracker,
		OnDone:   func(*worker.Task) { e.nudge(e.cleanupNudge) },
	})
	if err != nil {
		return nil, err
	}
	e.pool = pool
	return e, nil
}

// ProcessID returns the ownership key of this engine
func (e *Engine) ProcessID() string { return e.cfg.ProcessID }

// RunningCount returns the number of local tasks holding a slot
func (e *Engine) RunningCount() int { return e.pool.Len() }

// Progress reads a job's progress through this engine's cache and store
func (e *Engine) Progress(ctx context.Context, jobID int64) (*domain.JobStatusProgress, error) {
	return e.tracker.Get(ctx, jobID)
}

// Start resets this process's stale jobs and launches both loops. The loops
// stop when ctx is done or StopServer is called.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return domain.ErrEngineStopped
	}
	if e.started {
		return errors.New("engine already started")
	}

	n, err := e.store.ResetOrphans(ctx, e.cfg.ProcessID, OrphanMessage)
	if err != nil {
		return err
	}
	if n > 0 {
		e.logger.Warn("Marked jobs left over from a previous run as failed",
			slog.Int("count", n),
		)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.stopLoop = cancel
	e.started = true

	e.loops.Add(2)
	go e.loop(loopCtx, "run", e.cfg.ServerTimerInterval, e.runNudge, e.runTick)
	go e.loop(loopCtx, "cleanup", e.cfg.ServerTimerInterval2, e.cleanupNudge, e.cleanupTick)

	e.logger.Info("Engine started",
		slog.Int("workers", e.cfg.Workers),
		slog.Int("max_runnable_jobs", e.cfg.MaxRunnableJobs),
		slog.Duration("server_timer_interval", e.cfg.ServerTimerInterval),
		slog.Duration("server_timer_interval2", e.cfg.ServerTimerInterval2),
	)
	return nil
}

func (e *Engine) loop(ctx context.Context, name string, interval time.Duration, nudge <-chan struct{}, tick func(context.Context)) {
	defer e.loops.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Engine loop stopped", slog.String("loop", name))
			return
		case <-ticker.C:
		case <-nudge:
		}
		tick(ctx)
	}
}

func (e *Engine) runTick(ctx context.Context) {
	if _, err := e.ClaimAndDispatch(ctx); err != nil && ctx.Err() == nil {
		e.logger.Error("Run tick failed", slog.String("error", err.Error()))
	}
}

func (e *Engine) cleanupTick(ctx context.Context) {
	if err := e.Cleanup(ctx); err != nil && ctx.Err() == nil {
		e.logger.Error("Cleanup tick failed", slog.String("error", err.Error()))
	}
}

// Nudge makes both loops tick as soon as possible, e.g. after a job was enqueued
func (e *Engine) Nudge() {
	e.nudge(e.runNudge)
	e.nudge(e.cleanupNudge)
}

func (e *Engine) nudge(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Stop stops the server using the configured ForceStopServer mode
func (e *Engine) Stop(ctx context.Context) error {
	return e.StopServer(ctx, e.cfg.ForceStopServer)
}

// StopServer stops both loops. With force it signals cancellation to every
// local task and returns without waiting. Otherwise it waits up to
// StopServerDelay for tasks to finish, then signals the rest and abandons
// them. Outcomes of tasks that finished in time are persisted.
func (e *Engine) StopServer(ctx context.Context, force bool) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	if e.stopLoop != nil {
		e.stopLoop()
	}
	e.mu.Unlock()

	e.loops.Wait()
	e.logger.Info("Stopping engine",
		slog.Bool("force", force),
		slog.Int("running", e.pool.Len()),
	)

	if force {
		e.pool.CancelAll()
		e.reconcile(ctx)
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.StopServerDelay)
	defer cancel()
	if err := e.pool.Wait(waitCtx); err != nil {
		e.pool.CancelAll()
	}
	e.reconcile(ctx)

	if left := e.pool.Len(); left > 0 {
		e.logger.Warn("Abandoning jobs that did not finish in time",
			slog.Int("count", left),
			slog.Duration("stop_server_delay", e.cfg.StopServerDelay),
		)
	}
	e.logger.Info("Engine stopped")
	return nil
}

func (e *Engine) isStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}
