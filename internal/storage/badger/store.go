// Package badger implements storage.Storage on an embedded Badger database
// for single-host deployments. Claims run inside read-write transactions so
// two engines sharing the database conflict instead of double-claiming.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/cuongbtq/jobengine/internal/domain"
	"github.com/cuongbtq/jobengine/internal/storage"
)

var _ storage.Storage = (*Store)(nil)

const (
	jobPrefix      = "job/"
	progressPrefix = "progress/"
	sequenceKey    = "seq/job"

	maxConflictRetries = 16
)

type jobRecord struct {
	JobID      int64             `json:"job_id"`
	AppID      string            `json:"app_id"`
	UserID     string            `json:"user_id"`
	ProcessID  string            `json:"process_id,omitempty"`
	JobType    string            `json:"job_type"`
	JobName    string            `json:"job_name"`
	InvokeMeta domain.InvokeMeta `json:"invoke_meta"`
	Parameters []byte            `json:"parameters,omitempty"`
	Command    domain.Command    `json:"command,omitempty"`
	Status     domain.Status     `json:"status"`
	Error      string            `json:"error,omitempty"`
	Start      *time.Time        `json:"start,omitempty"`
	End        *time.Time        `json:"end,omitempty"`
	Created    time.Time         `json:"created"`
}

type progressRecord struct {
	Percent *int      `json:"percent,omitempty"`
	Note    string    `json:"note,omitempty"`
	Data    string    `json:"data,omitempty"`
	Updated time.Time `json:"updated"`
}

func recordOf(j *domain.Job) jobRecord {
	return jobRecord(*j)
}

func (r jobRecord) job() *domain.Job {
	j := domain.Job(r)
	return &j
}

func jobKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", jobPrefix, id))
}

func progressKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", progressPrefix, id))
}

// Store is the Badger storage adapter
type Store struct {
	db     *badger.DB
	seq    *badger.Sequence
	logger *slog.Logger
	now    func() time.Time
}

// Option configures the Store
type Option func(*Store)

// WithClock overrides the time source, used by retention tests
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens or creates the database under dir. An empty dir keeps
// everything in memory.
func Open(dir string, logger *slog.Logger, opts ...Option) (*Store, error) {
	var bopts badger.Options
	if dir == "" {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		bopts = badger.DefaultOptions(dir)
	}
	bopts.Logger = &badgerLogger{logger: logger}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	seq, err := db.GetSequence([]byte(sequenceKey), 100)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open job sequence: %w", err)
	}

	s := &Store{
		db:     db,
		seq:    seq,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}

	logger.Info("Badger job store opened",
		slog.String("dir", dir),
		slog.Bool("in_memory", dir == ""),
	)
	return s, nil
}

// update runs fn in a read-write transaction, retrying when another writer
// committed a key fn read
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) || attempt >= maxConflictRetries {
			return err
		}
		s.logger.Debug("Badger transaction conflict, retrying", slog.Int("attempt", attempt+1))
	}
}

func getJob(txn *badger.Txn, id int64) (*domain.Job, error) {
	item, err := txn.Get(jobKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, domain.ErrJobNotFound
		}
		return nil, err
	}
	var rec jobRecord
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return nil, fmt.Errorf("failed to decode job %d: %w", id, err)
	}
	return rec.job(), nil
}

func putJob(txn *badger.Txn, j *domain.Job) error {
	val, err := json.Marshal(recordOf(j))
	if err != nil {
		return fmt.Errorf("failed to encode job %d: %w", j.JobID, err)
	}
	return txn.Set(jobKey(j.JobID), val)
}

// eachJob calls fn for every stored job in ID order
func eachJob(txn *badger.Txn, fn func(*domain.Job) error) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	prefix := []byte(jobPrefix)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var rec jobRecord
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return fmt.Errorf("failed to decode job %s: %w", it.Item().Key(), err)
		}
		if err := fn(rec.job()); err != nil {
			return err
		}
	}
	return nil
}

func collect(txn *badger.Txn, keep func(*domain.Job) bool) ([]*domain.Job, error) {
	var out []*domain.Job
	err := eachJob(txn, func(j *domain.Job) error {
		if keep(j) {
			out = append(out, j)
		}
		return nil
	})
	return out, err
}

func getProgress(txn *badger.Txn, id int64) (*progressRecord, error) {
	item, err := txn.Get(progressKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var rec progressRecord
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return nil, fmt.Errorf("failed to decode progress of job %d: %w", id, err)
	}
	return &rec, nil
}

func deleteJob(txn *badger.Txn, id int64) error {
	if err := txn.Delete(jobKey(id)); err != nil {
		return err
	}
	return txn.Delete(progressKey(id))
}

func (s *Store) Add(ctx context.Context, job *domain.Job) (int64, error) {
	next, err := s.seq.Next()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate job id: %w", err)
	}

	j := job.Clone()
	j.JobID = int64(next) + 1
	j.ProcessID = ""
	j.Status = domain.StatusPending
	j.Command = domain.CommandNone
	j.Start, j.End = nil, nil
	j.Error = ""
	if j.Created.IsZero() {
		j.Created = s.now()
	}

	if err := s.update(ctx, func(txn *badger.Txn) error {
		return putJob(txn, j)
	}); err != nil {
		return 0, fmt.Errorf("failed to add job: %w", err)
	}
	return j.JobID, nil
}

func (s *Store) Update(ctx context.Context, job *domain.Job) (int64, error) {
	err := s.update(ctx, func(txn *badger.Txn) error {
		j, err := getJob(txn, job.JobID)
		if err != nil {
			return err
		}
		if j.Status != domain.StatusPending || j.ProcessID != "" {
			return domain.ErrJobNotEditable
		}
		c := job.Clone()
		j.AppID = c.AppID
		j.UserID = c.UserID
		j.JobType = c.JobType
		j.JobName = c.JobName
		j.InvokeMeta = c.InvokeMeta
		j.Parameters = c.Parameters
		return putJob(txn, j)
	})
	if err != nil {
		return 0, err
	}
	return job.JobID, nil
}

func (s *Store) ClaimJobsToRun(ctx context.Context, processID string, maxCount int) ([]*domain.Job, error) {
	if maxCount <= 0 {
		return nil, nil
	}
	var claimed []*domain.Job
	err := s.update(ctx, func(txn *badger.Txn) error {
		pending, err := collect(txn, storage.Claimable)
		if err != nil {
			return err
		}
		storage.SortForClaim(pending)
		if len(pending) > maxCount {
			pending = pending[:maxCount]
		}
		claimed, err = s.claim(txn, processID, pending)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}
	return claimed, nil
}

func (s *Store) ClaimJobsByID(ctx context.Context, processID string, jobIDs []int64) ([]*domain.Job, error) {
	ids := storage.UniqueIDs(jobIDs)
	if len(ids) == 0 {
		return nil, nil
	}
	var claimed []*domain.Job
	err := s.update(ctx, func(txn *badger.Txn) error {
		var pending []*domain.Job
		for _, id := range ids {
			j, err := getJob(txn, id)
			if errors.Is(err, domain.ErrJobNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if storage.Claimable(j) {
				pending = append(pending, j)
			}
		}
		storage.SortForClaim(pending)
		var err error
		claimed, err = s.claim(txn, processID, pending)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}
	return claimed, nil
}

func (s *Store) claim(txn *badger.Txn, processID string, jobs []*domain.Job) ([]*domain.Job, error) {
	now := s.now()
	claimed := make([]*domain.Job, 0, len(jobs))
	for _, j := range jobs {
		storage.Claim(j, processID, now)
		if err := putJob(txn, j); err != nil {
			return nil, err
		}
		claimed = append(claimed, j)
	}
	return claimed, nil
}

func (s *Store) setCommand(ctx context.Context, jobIDs []int64, cmd domain.Command) (int, error) {
	ids := storage.UniqueIDs(jobIDs)
	n := 0
	err := s.update(ctx, func(txn *badger.Txn) error {
		n = 0
		for _, id := range ids {
			j, err := getJob(txn, id)
			if errors.Is(err, domain.ErrJobNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if !storage.CommandAllowed(j, cmd) {
				continue
			}
			j.Command = cmd
			if err := putJob(txn, j); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to set command %s: %w", cmd, err)
	}
	return n, nil
}

func (s *Store) SetCommandStop(ctx context.Context, jobIDs []int64) (int, error) {
	return s.setCommand(ctx, jobIDs, domain.CommandStop)
}

func (s *Store) SetCommandRunNow(ctx context.Context, jobIDs []int64) (int, error) {
	return s.setCommand(ctx, jobIDs, domain.CommandRunNow)
}

func (s *Store) SetCommandPause(ctx context.Context, jobIDs []int64) (int, error) {
	return s.setCommand(ctx, jobIDs, domain.CommandPause)
}

func (s *Store) SetCommandContinue(ctx context.Context, jobIDs []int64) (int, error) {
	return s.setCommand(ctx, jobIDs, domain.CommandContinue)
}

func (s *Store) ClearCommand(ctx context.Context, processID string, jobID int64) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		j, err := getJob(txn, jobID)
		if err != nil {
			return err
		}
		if j.ProcessID != processID {
			return domain.ErrJobNotOwned
		}
		j.Command = domain.CommandNone
		return putJob(txn, j)
	})
}

func (s *Store) transition(ctx context.Context, processID string, jobID int64, to domain.Status, message string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		j, err := getJob(txn, jobID)
		if err != nil {
			return err
		}
		if err := storage.Transition(j, processID, to, message, s.now()); err != nil {
			return err
		}
		return putJob(txn, j)
	})
}

func (s *Store) SetToRunning(ctx context.Context, processID string, jobID int64) error {
	return s.transition(ctx, processID, jobID, domain.StatusRunning, "")
}

func (s *Store) SetToPaused(ctx context.Context, processID string, jobID int64) error {
	return s.transition(ctx, processID, jobID, domain.StatusPaused, "")
}

func (s *Store) SetToStopped(ctx context.Context, processID string, jobID int64) error {
	return s.transition(ctx, processID, jobID, domain.StatusStopped, "")
}

func (s *Store) SetToCompleted(ctx context.Context, processID string, jobID int64) error {
	return s.transition(ctx, processID, jobID, domain.StatusCompleted, "")
}

func (s *Store) SetError(ctx context.Context, processID string, jobID int64, message string) error {
	return s.transition(ctx, processID, jobID, domain.StatusError, message)
}

func (s *Store) GetJob(_ context.Context, jobID int64) (*domain.Job, error) {
	var j *domain.Job
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		j, err = getJob(txn, jobID)
		return err
	})
	return j, err
}

func (s *Store) GetJobs(_ context.Context, jobIDs []int64) ([]*domain.Job, error) {
	var out []*domain.Job
	err := s.db.View(func(txn *badger.Txn) error {
		for _, id := range storage.UniqueIDs(jobIDs) {
			j, err := getJob(txn, id)
			if errors.Is(err, domain.ErrJobNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, j)
		}
		return nil
	})
	return out, err
}

func viewOf(txn *badger.Txn, j *domain.Job) (*domain.JobView, error) {
	p, err := progressOf(txn, j)
	if err != nil {
		return nil, err
	}
	return domain.ViewOf(j, p), nil
}

func progressOf(txn *badger.Txn, j *domain.Job) (*domain.JobStatusProgress, error) {
	rec, err := getProgress(txn, j.JobID)
	if err != nil {
		return nil, err
	}
	p := &domain.JobStatusProgress{
		JobID:      j.JobID,
		Status:     j.Status,
		Error:      j.Error,
		ExistsInDB: true,
	}
	if rec != nil {
		p.Percent = rec.Percent
		p.Note = rec.Note
		p.Data = rec.Data
		p.Updated = rec.Updated
	}
	return p, nil
}

func (s *Store) GetJobView(_ context.Context, jobID int64) (*domain.JobView, error) {
	var v *domain.JobView
	err := s.db.View(func(txn *badger.Txn) error {
		j, err := getJob(txn, jobID)
		if err != nil {
			return err
		}
		v, err = viewOf(txn, j)
		return err
	})
	return v, err
}

func (s *Store) GetJobViews(_ context.Context, jobIDs []int64) ([]*domain.JobView, error) {
	var out []*domain.JobView
	err := s.db.View(func(txn *badger.Txn) error {
		for _, id := range storage.UniqueIDs(jobIDs) {
			j, err := getJob(txn, id)
			if errors.Is(err, domain.ErrJobNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			v, err := viewOf(txn, j)
			if err != nil {
				return err
			}
			out = append(out, v)
		}
		return nil
	})
	return out, err
}

func (s *Store) ListJobViews(_ context.Context, filter domain.JobFilter) ([]*domain.JobView, error) {
	var out []*domain.JobView
	err := s.db.View(func(txn *badger.Txn) error {
		matched, err := collect(txn, func(j *domain.Job) bool { return storage.Matches(j, filter) })
		if err != nil {
			return err
		}
		storage.SortNewestFirst(matched)
		if limit := storage.PageSize(filter.PageSize) + 1; len(matched) > limit {
			matched = matched[:limit]
		}
		out = make([]*domain.JobView, 0, len(matched))
		for _, j := range matched {
			v, err := viewOf(txn, j)
			if err != nil {
				return err
			}
			out = append(out, v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return out, nil
}

func (s *Store) GetCommandedJobs(_ context.Context, processID string) ([]*domain.Job, error) {
	var out []*domain.Job
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = collect(txn, func(j *domain.Job) bool {
			return j.ProcessID == processID && j.Status.IsActive() && j.Command != domain.CommandNone
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get commanded jobs: %w", err)
	}
	storage.SortForClaim(out)
	return out, nil
}

// rewrite applies change to every job and stores those it reports as changed
func (s *Store) rewrite(ctx context.Context, change func(*domain.Job, time.Time) bool) (int, error) {
	n := 0
	err := s.update(ctx, func(txn *badger.Txn) error {
		n = 0
		now := s.now()
		jobs, err := collect(txn, func(j *domain.Job) bool { return change(j, now) })
		if err != nil {
			return err
		}
		for _, j := range jobs {
			if err := putJob(txn, j); err != nil {
				return err
			}
		}
		n = len(jobs)
		return nil
	})
	return n, err
}

func (s *Store) StopPendingWithCommand(ctx context.Context) (int, error) {
	n, err := s.rewrite(ctx, func(j *domain.Job, now time.Time) bool {
		return j.ProcessID == "" && storage.StopUnclaimed(j, now)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to stop pending jobs: %w", err)
	}
	return n, nil
}

func (s *Store) ResetOrphans(ctx context.Context, processID string, message string) (int, error) {
	n, err := s.rewrite(ctx, func(j *domain.Job, now time.Time) bool {
		return j.ProcessID == processID && j.Status.IsActive() &&
			storage.Transition(j, processID, domain.StatusError, message, now) == nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to reset orphaned jobs: %w", err)
	}
	return n, nil
}

func (s *Store) CountRunningJobs(_ context.Context, processID string) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		return eachJob(txn, func(j *domain.Job) error {
			if j.ProcessID == processID && j.Status.IsActive() {
				n++
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count running jobs: %w", err)
	}
	return n, nil
}

func (s *Store) Delete(ctx context.Context, jobIDs []int64) (int, error) {
	ids := storage.UniqueIDs(jobIDs)
	n := 0
	err := s.update(ctx, func(txn *badger.Txn) error {
		n = 0
		for _, id := range ids {
			if _, err := txn.Get(jobKey(id)); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				return err
			}
			if err := deleteJob(txn, id); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete jobs: %w", err)
	}
	return n, nil
}

func (s *Store) DeleteOlderThan(ctx context.Context, hours int, statuses []domain.Status) (int, error) {
	if hours <= 0 || len(statuses) == 0 {
		return 0, nil
	}
	n := 0
	err := s.update(ctx, func(txn *badger.Txn) error {
		cutoff := s.now().Add(-time.Duration(hours) * time.Hour)
		expired, err := collect(txn, func(j *domain.Job) bool { return storage.Expired(j, statuses, cutoff) })
		if err != nil {
			return err
		}
		for _, j := range expired {
			if err := deleteJob(txn, j.JobID); err != nil {
				return err
			}
		}
		n = len(expired)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired jobs: %w", err)
	}
	return n, nil
}

func (s *Store) SetProgress(ctx context.Context, jobID int64, percent *int, note, data string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(jobKey(jobID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return domain.ErrJobNotFound
			}
			return err
		}
		rec := progressRecord{Note: note, Data: data, Updated: s.now()}
		if percent != nil {
			v := *percent
			rec.Percent = &v
		}
		val, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode progress: %w", err)
		}
		return txn.Set(progressKey(jobID), val)
	})
}

func (s *Store) GetProgress(_ context.Context, jobID int64) (*domain.JobStatusProgress, error) {
	var p *domain.JobStatusProgress
	err := s.db.View(func(txn *badger.Txn) error {
		j, err := getJob(txn, jobID)
		if errors.Is(err, domain.ErrJobNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		p, err = progressOf(txn, j)
		return err
	})
	return p, err
}

func (s *Store) GetJobStatusCount(_ context.Context, appID, userID string) ([]domain.JobStatusCount, error) {
	counts := make(map[domain.Status]int)
	err := s.db.View(func(txn *badger.Txn) error {
		return eachJob(txn, func(j *domain.Job) error {
			if (appID == "" || j.AppID == appID) && (userID == "" || j.UserID == userID) {
				counts[j.Status]++
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs by status: %w", err)
	}
	return storage.OrderedCounts(counts), nil
}

func (s *Store) Close() error {
	if err := s.seq.Release(); err != nil {
		s.logger.Warn("Failed to release job sequence", slog.String("error", err.Error()))
	}
	return s.db.Close()
}

// badgerLogger routes badger's internal logging into slog
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}
