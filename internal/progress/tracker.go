// Package progress keeps the progress cache and the durable store in step:
// every report goes to the cache first, and the durable store is written at
// most once per interval per job.
package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/jobengine/internal/cache"
	"github.com/cuongbtq/jobengine/internal/domain"
)

// Store is the durable side the tracker flushes to
type Store interface {
	SetProgress(ctx context.Context, jobID int64, percent *int, note, data string) error
	GetProgress(ctx context.Context, jobID int64) (*domain.JobStatusProgress, error)
}

type entry struct {
	percent   *int
	note      string
	data      string
	dirty     bool
	lastFlush time.Time
}

// Tracker applies the progress sync policy for one engine
type Tracker struct {
	cache    cache.Cache
	store    Store
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	entries map[int64]*entry
}

// NewTracker creates a tracker. An interval of zero writes through on every report.
func NewTracker(c cache.Cache, store Store, interval time.Duration, logger *slog.Logger) *Tracker {
	if c == nil {
		c = cache.Nop{}
	}
	return &Tracker{
		cache:    c,
		store:    store,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		entries:  make(map[int64]*entry),
	}
}

// Report records a progress update from a running job body. Cache and store
// failures are logged and never returned to the body.
func (t *Tracker) Report(ctx context.Context, jobID int64, percent *int, note, data string) {
	if err := t.cache.SetCachedProgress(ctx, jobID, percent, note, data); err != nil {
		t.logger.Warn("Progress cache write failed",
			slog.Int64("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}

	t.mu.Lock()
	e, ok := t.entries[jobID]
	if !ok {
		e = &entry{}
		t.entries[jobID] = e
	}
	if percent != nil {
		v := *percent
		e.percent = &v
	}
	e.note, e.data, e.dirty = note, data, true

	now := t.now()
	flush := t.interval <= 0 || e.lastFlush.IsZero() || now.Sub(e.lastFlush) >= t.interval
	var snap entry
	if flush {
		snap = *e
		e.dirty = false
		e.lastFlush = now
	}
	t.mu.Unlock()

	if flush {
		t.write(ctx, jobID, snap)
	}
}

// FlushDue writes dirty entries whose interval has elapsed
func (t *Tracker) FlushDue(ctx context.Context) {
	now := t.now()
	due := make(map[int64]entry)

	t.mu.Lock()
	for id, e := range t.entries {
		if e.dirty && now.Sub(e.lastFlush) >= t.interval {
			due[id] = *e
			e.dirty = false
			e.lastFlush = now
		}
	}
	t.mu.Unlock()

	for id, snap := range due {
		t.write(ctx, id, snap)
	}
}

// Finish flushes any pending progress of a job that reached a terminal
// status, mirrors the status into the cache and forgets the job.
func (t *Tracker) Finish(ctx context.Context, jobID int64, status domain.Status, errMsg string) {
	t.mu.Lock()
	e, ok := t.entries[jobID]
	delete(t.entries, jobID)
	t.mu.Unlock()

	if ok && e.dirty {
		t.write(ctx, jobID, *e)
	}
	t.MirrorStatus(ctx, jobID, status, errMsg)
}

// MirrorStatus copies a status transition into the cache so reads are fast
func (t *Tracker) MirrorStatus(ctx context.Context, jobID int64, status domain.Status, errMsg string) {
	var err error
	if status == domain.StatusError {
		err = t.cache.SetCachedProgressError(ctx, jobID, errMsg)
	} else {
		err = t.cache.SetCachedProgressStatus(ctx, jobID, status)
	}
	if err != nil {
		t.logger.Warn("Progress cache status mirror failed",
			slog.Int64("job_id", jobID),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
	}
}

// Get returns the freshest known progress: cache, then durable store, then a
// synthetic record marked ExistsInDB=false when the job is unknown.
func (t *Tracker) Get(ctx context.Context, jobID int64) (*domain.JobStatusProgress, error) {
	p, err := t.cache.GetCachedProgress(ctx, jobID)
	if err != nil {
		t.logger.Warn("Progress cache read failed, falling back to store",
			slog.Int64("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
	if p != nil {
		return p, nil
	}

	p, err = t.store.GetProgress(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return &domain.JobStatusProgress{JobID: jobID, ExistsInDB: false}, nil
	}
	return p, nil
}

// Delete drops the cached entry; failures are only logged
func (t *Tracker) Delete(ctx context.Context, jobID int64) {
	t.mu.Lock()
	delete(t.entries, jobID)
	t.mu.Unlock()

	if err := t.cache.DeleteCachedProgress(ctx, jobID); err != nil {
		t.logger.Debug("Progress cache delete failed",
			slog.Int64("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}

// Pending reports how many jobs have progress not yet written to the store
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, e := range t.entries {
		if e.dirty {
			n++
		}
	}
	return n
}

func (t *Tracker) write(ctx context.Context, jobID int64, snap entry) {
	if err := t.store.SetProgress(ctx, jobID, snap.percent, snap.note, snap.data); err != nil {
		t.logger.Warn("Progress store write failed",
			slog.Int64("job_id", jobID),
			slog.String("error", err.Error()),
		)
		t.mu.Lock()
		if e, ok := t.entries[jobID]; ok {
			e.dirty = true
		}
		t.mu.Unlock()
	}
}
