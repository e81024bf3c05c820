// Package memory implements storage.Storage in process memory. It backs
// tests and single-host development setups; several engines may share one
// Store to simulate instances racing on the same durable state.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/cuongbtq/jobengine/internal/domain"
	"github.com/cuongbtq/jobengine/internal/storage"
)

var _ storage.Storage = (*Store)(nil)

type progressRecord struct {
	percent *int
	note    string
	data    string
	updated time.Time
}

// Store is a mutex-guarded map of jobs
type Store struct {
	mu       sync.Mutex
	nextID   int64
	jobs     map[int64]*domain.Job
	progress map[int64]*progressRecord
	now      func() time.Time
}

// Option configures the Store
type Option func(*Store)

// WithClock overrides the time source, used by retention tests
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty in-memory store
func New(opts ...Option) *Store {
	s := &Store{
		jobs:     make(map[int64]*domain.Job),
		progress: make(map[int64]*progressRecord),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Add(_ context.Context, job *domain.Job) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	j := job.Clone()
	j.JobID = s.nextID
	j.ProcessID = ""
	j.Status = domain.StatusPending
	j.Command = domain.CommandNone
	j.Start, j.End = nil, nil
	j.Error = ""
	if j.Created.IsZero() {
		j.Created = s.now()
	}
	s.jobs[j.JobID] = j
	return j.JobID, nil
}

func (s *Store) Update(_ context.Context, job *domain.Job) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[job.JobID]
	if !ok {
		return 0, domain.ErrJobNotFound
	}
	if j.Status != domain.StatusPending || j.ProcessID != "" {
		return 0, domain.ErrJobNotEditable
	}
	j.AppID = job.AppID
	j.UserID = job.UserID
	j.JobType = job.JobType
	j.JobName = job.JobName
	j.InvokeMeta = job.Clone().InvokeMeta
	j.Parameters = append([]byte(nil), job.Parameters...)
	return j.JobID, nil
}

func (s *Store) ClaimJobsToRun(_ context.Context, processID string, maxCount int) ([]*domain.Job, error) {
	if maxCount <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*domain.Job
	for _, j := range s.jobs {
		if storage.Claimable(j) {
			pending = append(pending, j)
		}
	}
	storage.SortForClaim(pending)
	if len(pending) > maxCount {
		pending = pending[:maxCount]
	}
	return s.claimLocked(processID, pending), nil
}

func (s *Store) ClaimJobsByID(_ context.Context, processID string, jobIDs []int64) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*domain.Job
	for _, id := range storage.UniqueIDs(jobIDs) {
		if j, ok := s.jobs[id]; ok && storage.Claimable(j) {
			pending = append(pending, j)
		}
	}
	storage.SortForClaim(pending)
	return s.claimLocked(processID, pending), nil
}

func (s *Store) claimLocked(processID string, jobs []*domain.Job) []*domain.Job {
	now := s.now()
	claimed := make([]*domain.Job, 0, len(jobs))
	for _, j := range jobs {
		storage.Claim(j, processID, now)
		claimed = append(claimed, j.Clone())
	}
	return claimed
}

func (s *Store) setCommand(jobIDs []int64, cmd domain.Command) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, id := range storage.UniqueIDs(jobIDs) {
		if j, ok := s.jobs[id]; ok && storage.CommandAllowed(j, cmd) {
			j.Command = cmd
			n++
		}
	}
	return n
}

func (s *Store) SetCommandStop(_ context.Context, jobIDs []int64) (int, error) {
	return s.setCommand(jobIDs, domain.CommandStop), nil
}

func (s *Store) SetCommandRunNow(_ context.Context, jobIDs []int64) (int, error) {
	return s.setCommand(jobIDs, domain.CommandRunNow), nil
}

func (s *Store) SetCommandPause(_ context.Context, jobIDs []int64) (int, error) {
	return s.setCommand(jobIDs, domain.CommandPause), nil
}

func (s *Store) SetCommandContinue(_ context.Context, jobIDs []int64) (int, error) {
	return s.setCommand(jobIDs, domain.CommandContinue), nil
}

func (s *Store) ClearCommand(_ context.Context, processID string, jobID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if j.ProcessID != processID {
		return domain.ErrJobNotOwned
	}
	j.Command = domain.CommandNone
	return nil
}

func (s *Store) transition(processID string, jobID int64, to domain.Status, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	return storage.Transition(j, processID, to, message, s.now())
}

func (s *Store) SetToRunning(_ context.Context, processID string, jobID int64) error {
	return s.transition(processID, jobID, domain.StatusRunning, "")
}

func (s *Store) SetToPaused(_ context.Context, processID string, jobID int64) error {
	return s.transition(processID, jobID, domain.StatusPaused, "")
}

func (s *Store) SetToStopped(_ context.Context, processID string, jobID int64) error {
	return s.transition(processID, jobID, domain.StatusStopped, "")
}

func (s *Store) SetToCompleted(_ context.Context, processID string, jobID int64) error {
	return s.transition(processID, jobID, domain.StatusCompleted, "")
}

func (s *Store) SetError(_ context.Context, processID string, jobID int64, message string) error {
	return s.transition(processID, jobID, domain.StatusError, message)
}

func (s *Store) GetJob(_ context.Context, jobID int64) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return j.Clone(), nil
}

func (s *Store) GetJobs(_ context.Context, jobIDs []int64) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Job, 0, len(jobIDs))
	for _, id := range storage.UniqueIDs(jobIDs) {
		if j, ok := s.jobs[id]; ok {
			out = append(out, j.Clone())
		}
	}
	return out, nil
}

func (s *Store) GetJobView(_ context.Context, jobID int64) (*domain.JobView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return s.viewLocked(j), nil
}

func (s *Store) GetJobViews(_ context.Context, jobIDs []int64) ([]*domain.JobView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.JobView, 0, len(jobIDs))
	for _, id := range storage.UniqueIDs(jobIDs) {
		if j, ok := s.jobs[id]; ok {
			out = append(out, s.viewLocked(j))
		}
	}
	return out, nil
}

func (s *Store) ListJobViews(_ context.Context, filter domain.JobFilter) ([]*domain.JobView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*domain.Job
	for _, j := range s.jobs {
		if storage.Matches(j, filter) {
			matched = append(matched, j)
		}
	}
	storage.SortNewestFirst(matched)

	limit := storage.PageSize(filter.PageSize) + 1
	if len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]*domain.JobView, len(matched))
	for i, j := range matched {
		out[i] = s.viewLocked(j)
	}
	return out, nil
}

func (s *Store) viewLocked(j *domain.Job) *domain.JobView {
	return domain.ViewOf(j.Clone(), s.progressLocked(j))
}

func (s *Store) progressLocked(j *domain.Job) *domain.JobStatusProgress {
	p := &domain.JobStatusProgress{
		JobID:      j.JobID,
		Status:     j.Status,
		Error:      j.Error,
		ExistsInDB: true,
	}
	if rec, ok := s.progress[j.JobID]; ok {
		if rec.percent != nil {
			v := *rec.percent
			p.Percent = &v
		}
		p.Note = rec.note
		p.Data = rec.data
		p.Updated = rec.updated
	}
	return p
}

func (s *Store) GetCommandedJobs(_ context.Context, processID string) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Job
	for _, j := range s.jobs {
		if j.ProcessID == processID && j.Status.IsActive() && j.Command != domain.CommandNone {
			out = append(out, j.Clone())
		}
	}
	storage.SortForClaim(out)
	return out, nil
}

func (s *Store) StopPendingWithCommand(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for _, j := range s.jobs {
		if j.ProcessID == "" && storage.StopUnclaimed(j, now) {
			n++
		}
	}
	return n, nil
}

func (s *Store) ResetOrphans(_ context.Context, processID string, message string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for _, j := range s.jobs {
		if j.ProcessID == processID && j.Status.IsActive() {
			if err := storage.Transition(j, processID, domain.StatusError, message, now); err == nil {
				n++
			}
		}
	}
	return n, nil
}

func (s *Store) CountRunningJobs(_ context.Context, processID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, j := range s.jobs {
		if j.ProcessID == processID && j.Status.IsActive() {
			n++
		}
	}
	return n, nil
}

func (s *Store) Delete(_ context.Context, jobIDs []int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, id := range storage.UniqueIDs(jobIDs) {
		if _, ok := s.jobs[id]; ok {
			delete(s.jobs, id)
			delete(s.progress, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteOlderThan(_ context.Context, hours int, statuses []domain.Status) (int, error) {
	if hours <= 0 || len(statuses) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-time.Duration(hours) * time.Hour)
	n := 0
	for id, j := range s.jobs {
		if storage.Expired(j, statuses, cutoff) {
			delete(s.jobs, id)
			delete(s.progress, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) SetProgress(_ context.Context, jobID int64, percent *int, note, data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; !ok {
		return domain.ErrJobNotFound
	}
	rec := &progressRecord{note: note, data: data, updated: s.now()}
	if percent != nil {
		v := *percent
		rec.percent = &v
	}
	s.progress[jobID] = rec
	return nil
}

func (s *Store) GetProgress(_ context.Context, jobID int64) (*domain.JobStatusProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, nil
	}
	return s.progressLocked(j), nil
}

func (s *Store) GetJobStatusCount(_ context.Context, appID, userID string) ([]domain.JobStatusCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[domain.Status]int)
	for _, j := range s.jobs {
		if (appID == "" || j.AppID == appID) && (userID == "" || j.UserID == userID) {
			counts[j.Status]++
		}
	}
	return storage.OrderedCounts(counts), nil
}

func (s *Store) Close() error { return nil }
