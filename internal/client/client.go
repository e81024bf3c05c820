// Package client is the producer-side API: it enqueues jobs, edits pending
// ones, reads status and progress, sets commands and deletes jobs. It never
// executes anything; engines pick the work up from the shared store.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cuongbtq/jobengine/internal/cache"
	"github.com/cuongbtq/jobengine/internal/domain"
	"github.com/cuongbtq/jobengine/internal/invoke"
	"github.com/cuongbtq/jobengine/internal/notify"
	"github.com/cuongbtq/jobengine/internal/progress"
	"github.com/cuongbtq/jobengine/internal/secret"
	"github.com/cuongbtq/jobengine/internal/storage"
)

// ErrInvalidRequest is returned when a job request is missing required fields
var ErrInvalidRequest = errors.New("invalid job request")

// Notifier publishes job events; optional
type Notifier interface {
	Publish(ctx context.Context, ev notify.Event) error
}

// Request describes a job to enqueue or the new contents of a pending job
type Request struct {
	AppID      string
	UserID     string
	JobType    string
	JobName    string
	InvokeMeta domain.InvokeMeta
	Parameters []byte // JSON array, encrypted before it is stored
}

// Call fills InvokeMeta and Parameters for a handler registered as typeName.method
func (r *Request) Call(typeName, method string, fn any, args ...any) error {
	meta, err := invoke.MetaOf(typeName, method, fn)
	if err != nil {
		return err
	}
	params, err := invoke.Params(args...)
	if err != nil {
		return err
	}
	r.InvokeMeta = meta
	r.Parameters = params
	return nil
}

func (r *Request) validate() error {
	if strings.TrimSpace(r.InvokeMeta.Type) == "" {
		return fmt.Errorf("%w: invoke_meta.type is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.InvokeMeta.Method) == "" {
		return fmt.Errorf("%w: invoke_meta.method is required", ErrInvalidRequest)
	}
	return nil
}

// Config holds client dependencies
type Config struct {
	Logger   *slog.Logger
	Storage  storage.Storage
	Cache    cache.Cache
	Cipher   secret.Cipher
	Notifier Notifier
}

// Client is safe for concurrent use
type Client struct {
	logger   *slog.Logger
	store    storage.Storage
	cipher   secret.Cipher
	notifier Notifier
	tracker  *progress.Tracker
}

// New creates a client; a nil cache, cipher or notifier disables that feature
func New(cfg *Config) (*Client, error) {
	if cfg.Storage == nil {
		return nil, domain.NewConfigurationError("storage", "is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cipher := cfg.Cipher
	if cipher == nil {
		cipher = secret.Nop{}
	}
	return &Client{
		logger:   logger,
		store:    cfg.Storage,
		cipher:   cipher,
		notifier: cfg.Notifier,
		tracker:  progress.NewTracker(cfg.Cache, cfg.Storage, 0, logger),
	}, nil
}

func (c *Client) toJob(req *Request) (*domain.Job, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	params := req.Parameters
	if len(params) == 0 {
		params = []byte("[]")
	}
	sealed, err := c.cipher.Encrypt(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt parameters: %w", err)
	}
	return &domain.Job{
		AppID:      req.AppID,
		UserID:     req.UserID,
		JobType:    req.JobType,
		JobName:    req.JobName,
		InvokeMeta: req.InvokeMeta,
		Parameters: sealed,
	}, nil
}

// Add enqueues a new PENDING job and returns its ID
func (c *Client) Add(ctx context.Context, req Request) (int64, error) {
	job, err := c.toJob(&req)
	if err != nil {
		return 0, err
	}
	id, err := c.store.Add(ctx, job)
	if err != nil {
		return 0, err
	}

	c.logger.Info("Job added",
		slog.Int64("job_id", id),
		slog.String("app_id", req.AppID),
		slog.String("job_type", req.JobType),
		slog.String("invoke", req.InvokeMeta.Type+"."+req.InvokeMeta.Method),
	)
	c.publish(ctx, notify.Event{Kind: notify.KindEnqueued, JobIDs: []int64{id}})
	return id, nil
}

// Update replaces the contents of a job that is still PENDING
func (c *Client) Update(ctx context.Context, jobID int64, req Request) error {
	job, err := c.toJob(&req)
	if err != nil {
		return err
	}
	job.JobID = jobID
	if _, err := c.store.Update(ctx, job); err != nil {
		return err
	}
	c.logger.Info("Job updated", slog.Int64("job_id", jobID))
	return nil
}

// Get returns a job with its parameters decrypted
func (c *Client) Get(ctx context.Context, jobID int64) (*domain.Job, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	plain, err := c.cipher.Decrypt(job.Parameters)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt parameters of job %d: %w", jobID, err)
	}
	job.Parameters = plain
	return job, nil
}

// GetView returns a job without parameters, with its last durable progress
func (c *Client) GetView(ctx context.Context, jobID int64) (*domain.JobView, error) {
	return c.store.GetJobView(ctx, jobID)
}

// GetViews returns the views of the listed jobs that exist
func (c *Client) GetViews(ctx context.Context, jobIDs []int64) ([]*domain.JobView, error) {
	return c.store.GetJobViews(ctx, jobIDs)
}

// Page is one window of a job listing
type Page struct {
	Jobs []*domain.JobView
	// Next is nil on the last page
	Next *domain.JobCursor
}

// List returns jobs newest first, one page at a time
func (c *Client) List(ctx context.Context, filter domain.JobFilter) (*Page, error) {
	size := storage.PageSize(filter.PageSize)
	filter.PageSize = size

	views, err := c.store.ListJobViews(ctx, filter)
	if err != nil {
		return nil, err
	}

	page := &Page{Jobs: views}
	if len(views) > size {
		page.Jobs = views[:size]
		last := page.Jobs[size-1]
		page.Next = &domain.JobCursor{Created: last.Created, JobID: last.JobID}
	}
	return page, nil
}

// GetProgress returns the freshest progress: cache first, then the store.
// An unknown job yields a record with ExistsInDB=false.
func (c *Client) GetProgress(ctx context.Context, jobID int64) (*domain.JobStatusProgress, error) {
	return c.tracker.Get(ctx, jobID)
}

// Stop requests cancellation. Pending jobs are stopped before they ever run.
func (c *Client) Stop(ctx context.Context, jobIDs []int64) (int, error) {
	return c.command(ctx, domain.CommandStop, jobIDs, c.store.SetCommandStop)
}

// Pause requests running jobs to pause at their next checkpoint
func (c *Client) Pause(ctx context.Context, jobIDs []int64) (int, error) {
	return c.command(ctx, domain.CommandPause, jobIDs, c.store.SetCommandPause)
}

// Continue resumes paused jobs
func (c *Client) Continue(ctx context.Context, jobIDs []int64) (int, error) {
	return c.command(ctx, domain.CommandContinue, jobIDs, c.store.SetCommandContinue)
}

// RunNow moves pending jobs to the front of the claim order
func (c *Client) RunNow(ctx context.Context, jobIDs []int64) (int, error) {
	return c.command(ctx, domain.CommandRunNow, jobIDs, c.store.SetCommandRunNow)
}

func (c *Client) command(ctx context.Context, cmd domain.Command, jobIDs []int64, set func(context.Context, []int64) (int, error)) (int, error) {
	ids := storage.UniqueIDs(jobIDs)
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := set(ctx, ids)
	if err != nil {
		return 0, err
	}

	c.logger.Info("Job command set",
		slog.String("command", string(cmd)),
		slog.Int("requested", len(ids)),
		slog.Int("updated", n),
	)
	if n > 0 {
		c.publish(ctx, notify.Event{Kind: notify.KindCommand, Command: cmd, JobIDs: ids})
	}
	return n, nil
}

// Delete removes jobs in any status together with their progress
func (c *Client) Delete(ctx context.Context, jobIDs []int64) (int, error) {
	ids := storage.UniqueIDs(jobIDs)
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := c.store.Delete(ctx, ids)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		c.tracker.Delete(ctx, id)
	}
	c.logger.Info("Jobs deleted", slog.Int("requested", len(ids)), slog.Int("deleted", n))
	return n, nil
}

// StatusCount counts jobs per status; empty appID or userID matches all
func (c *Client) StatusCount(ctx context.Context, appID, userID string) ([]domain.JobStatusCount, error) {
	return c.store.GetJobStatusCount(ctx, appID, userID)
}

// publish failures are logged and never returned
func (c *Client) publish(ctx context.Context, ev notify.Event) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Publish(ctx, ev); err != nil {
		c.logger.Warn("Failed to publish job event",
			slog.String("kind", string(ev.Kind)),
			slog.String("error", err.Error()),
		)
	}
}
