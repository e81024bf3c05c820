// Package postgres implements storage.Storage on PostgreSQL with sqlx.
//
// Claims are a single UPDATE over a SKIP LOCKED selection that re-checks the
// pending/unowned predicate, so concurrent engines never share a job.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/cuongbtq/jobengine/internal/domain"
	"github.com/cuongbtq/jobengine/internal/storage"
	"github.com/cuongbtq/jobengine/shared/postgresql"
)

var _ storage.Storage = (*Store)(nil)

const foreignKeyViolation = "23503"

const jobColumns = `
	j.job_id, j.app_id, j.user_id, j.process_id, j.job_type, j.job_name,
	j.invoke_meta, j.parameters, j.command, j.status, j.error,
	j.start_at, j.end_at, j.created_at`

const viewColumns = jobColumns + `,
	p.percent, p.note, p.data, p.updated_at AS progress_updated`

var activeStatuses = pq.Array([]string{string(domain.StatusRunning), string(domain.StatusPaused)})

// commandStatuses lists the statuses a command may be set in
var commandStatuses = map[domain.Command][]string{
	domain.CommandStop:     {string(domain.StatusPending), string(domain.StatusRunning), string(domain.StatusPaused)},
	domain.CommandRunNow:   {string(domain.StatusPending)},
	domain.CommandPause:    {string(domain.StatusRunning)},
	domain.CommandContinue: {string(domain.StatusPaused)},
}

type jobRow struct {
	JobID      int64          `db:"job_id"`
	AppID      string         `db:"app_id"`
	UserID     string         `db:"user_id"`
	ProcessID  sql.NullString `db:"process_id"`
	JobType    string         `db:"job_type"`
	JobName    string         `db:"job_name"`
	InvokeMeta []byte         `db:"invoke_meta"`
	Parameters []byte         `db:"parameters"`
	Command    sql.NullString `db:"command"`
	Status     string         `db:"status"`
	Error      string         `db:"error"`
	Start      sql.NullTime   `db:"start_at"`
	End        sql.NullTime   `db:"end_at"`
	Created    time.Time      `db:"created_at"`
}

type claimRow struct {
	jobRow
	RunNow bool `db:"run_now"`
}

type viewRow struct {
	jobRow
	Percent         sql.NullInt32  `db:"percent"`
	Note            sql.NullString `db:"note"`
	Data            sql.NullString `db:"data"`
	ProgressUpdated sql.NullTime   `db:"progress_updated"`
}

func (r *jobRow) toJob() (*domain.Job, error) {
	j := &domain.Job{
		JobID:      r.JobID,
		AppID:      r.AppID,
		UserID:     r.UserID,
		ProcessID:  r.ProcessID.String,
		JobType:    r.JobType,
		JobName:    r.JobName,
		Parameters: r.Parameters,
		Command:    domain.Command(r.Command.String),
		Status:     domain.Status(r.Status),
		Error:      r.Error,
		Created:    r.Created,
	}
	if len(r.InvokeMeta) > 0 {
		if err := json.Unmarshal(r.InvokeMeta, &j.InvokeMeta); err != nil {
			return nil, fmt.Errorf("failed to decode invoke meta of job %d: %w", r.JobID, err)
		}
	}
	if r.Start.Valid {
		t := r.Start.Time
		j.Start = &t
	}
	if r.End.Valid {
		t := r.End.Time
		j.End = &t
	}
	return j, nil
}

func (r *viewRow) toView() (*domain.JobView, error) {
	j, err := r.toJob()
	if err != nil {
		return nil, err
	}
	return domain.ViewOf(j, r.progress()), nil
}

func (r *viewRow) progress() *domain.JobStatusProgress {
	p := &domain.JobStatusProgress{
		JobID:      r.JobID,
		Status:     domain.Status(r.Status),
		Error:      r.Error,
		Note:       r.Note.String,
		Data:       r.Data.String,
		ExistsInDB: true,
	}
	if r.Percent.Valid {
		v := int(r.Percent.Int32)
		p.Percent = &v
	}
	if r.ProgressUpdated.Valid {
		p.Updated = r.ProgressUpdated.Time
	}
	return p
}

// Store is the PostgreSQL storage adapter
type Store struct {
	client *postgresql.Client
	db     *sqlx.DB
	logger *slog.Logger
}

// New creates a Store over an open client. Close closes the client.
func New(client *postgresql.Client, logger *slog.Logger) *Store {
	return &Store{
		client: client,
		db:     client.GetDB(),
		logger: logger,
	}
}

func nullableCommand(c domain.Command) sql.NullString {
	return sql.NullString{String: string(c), Valid: c != domain.CommandNone}
}

func (s *Store) Add(ctx context.Context, job *domain.Job) (int64, error) {
	meta, err := json.Marshal(job.InvokeMeta)
	if err != nil {
		return 0, fmt.Errorf("failed to encode invoke meta: %w", err)
	}
	var created *time.Time
	if !job.Created.IsZero() {
		created = &job.Created
	}

	query := `
		INSERT INTO jobs (
			app_id, user_id, job_type, job_name,
			invoke_meta, parameters, status, created_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, COALESCE($8, NOW())
		)
		RETURNING job_id
	`

	var id int64
	err = s.db.QueryRowContext(ctx, query,
		job.AppID, job.UserID, job.JobType, job.JobName,
		meta, job.Parameters, domain.StatusPending, created,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to add job: %w", err)
	}
	return id, nil
}

func (s *Store) Update(ctx context.Context, job *domain.Job) (int64, error) {
	meta, err := json.Marshal(job.InvokeMeta)
	if err != nil {
		return 0, fmt.Errorf("failed to encode invoke meta: %w", err)
	}

	query := `
		UPDATE jobs
		SET app_id = $2, user_id = $3, job_type = $4, job_name = $5,
		    invoke_meta = $6, parameters = $7
		WHERE job_id = $1
		  AND status = 'PENDING'
		  AND process_id IS NULL
	`

	res, err := s.db.ExecContext(ctx, query,
		job.JobID, job.AppID, job.UserID, job.JobType, job.JobName, meta, job.Parameters,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to update job: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	} else if n == 0 {
		return 0, s.missingOr(ctx, job.JobID, domain.ErrJobNotEditable)
	}
	return job.JobID, nil
}

// missingOr distinguishes a missing job from one that exists but did not match
func (s *Store) missingOr(ctx context.Context, jobID int64, otherwise error) error {
	var exists bool
	if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM jobs WHERE job_id = $1)`, jobID); err != nil {
		return fmt.Errorf("failed to check job: %w", err)
	}
	if !exists {
		return domain.ErrJobNotFound
	}
	return otherwise
}

func (s *Store) ClaimJobsToRun(ctx context.Context, processID string, maxCount int) ([]*domain.Job, error) {
	if maxCount <= 0 {
		return nil, nil
	}
	query := `
		WITH picked AS (
			SELECT job_id, COALESCE(command, '') = 'RUN_NOW' AS run_now
			FROM jobs
			WHERE status = 'PENDING'
			  AND process_id IS NULL
			  AND COALESCE(command, '') <> 'STOP'
			ORDER BY CASE WHEN command = 'RUN_NOW' THEN 0 ELSE 1 END, created_at, job_id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs j
		SET process_id = $1, status = 'RUNNING', command = NULL,
		    start_at = NOW(), end_at = NULL, error = ''
		FROM picked
		WHERE j.job_id = picked.job_id
		  AND j.status = 'PENDING'
		  AND j.process_id IS NULL
		RETURNING ` + jobColumns + `, picked.run_now
	`
	return s.claim(ctx, processID, query, processID, maxCount)
}

func (s *Store) ClaimJobsByID(ctx context.Context, processID string, jobIDs []int64) ([]*domain.Job, error) {
	ids := storage.UniqueIDs(jobIDs)
	if len(ids) == 0 {
		return nil, nil
	}
	query := `
		WITH picked AS (
			SELECT job_id, COALESCE(command, '') = 'RUN_NOW' AS run_now
			FROM jobs
			WHERE job_id = ANY($2)
			  AND status = 'PENDING'
			  AND process_id IS NULL
			  AND COALESCE(command, '') <> 'STOP'
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs j
		SET process_id = $1, status = 'RUNNING', command = NULL,
		    start_at = NOW(), end_at = NULL, error = ''
		FROM picked
		WHERE j.job_id = picked.job_id
		  AND j.status = 'PENDING'
		  AND j.process_id IS NULL
		RETURNING ` + jobColumns + `, picked.run_now
	`
	return s.claim(ctx, processID, query, processID, pq.Array(ids))
}

func (s *Store) claim(ctx context.Context, processID, query string, args ...any) ([]*domain.Job, error) {
	var rows []claimRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}

	sort.SliceStable(rows, func(a, b int) bool {
		if rows[a].RunNow != rows[b].RunNow {
			return rows[a].RunNow
		}
		if !rows[a].Created.Equal(rows[b].Created) {
			return rows[a].Created.Before(rows[b].Created)
		}
		return rows[a].JobID < rows[b].JobID
	})

	jobs := make([]*domain.Job, 0, len(rows))
	for i := range rows {
		j, err := rows[i].toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if len(jobs) > 0 {
		s.logger.Debug("Jobs claimed",
			slog.String("process_id", processID),
			slog.Int("count", len(jobs)),
		)
	}
	return jobs, nil
}

func (s *Store) setCommand(ctx context.Context, jobIDs []int64, cmd domain.Command) (int, error) {
	ids := storage.UniqueIDs(jobIDs)
	if len(ids) == 0 {
		return 0, nil
	}
	query := `
		UPDATE jobs
		SET command = $1
		WHERE job_id = ANY($2)
		  AND status = ANY($3)
		  AND COALESCE(command, '') NOT IN ('STOP', $1)
	`
	res, err := s.db.ExecContext(ctx, query, string(cmd), pq.Array(ids), pq.Array(commandStatuses[cmd]))
	if err != nil {
		return 0, fmt.Errorf("failed to set command %s: %w", cmd, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
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
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET command = NULL WHERE job_id = $1 AND process_id = $2`,
		jobID, processID,
	)
	if err != nil {
		return fmt.Errorf("failed to clear command: %w", err)
	}
	return s.requireRow(ctx, res, jobID, domain.ErrJobNotOwned)
}

func (s *Store) requireRow(ctx context.Context, res sql.Result, jobID int64, otherwise error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return s.missingOr(ctx, jobID, otherwise)
	}
	return nil
}

// transition is the owner-side status write; see storage.Transition for the rules
func (s *Store) transition(ctx context.Context, processID string, jobID int64, to domain.Status, message string) error {
	from := []string{string(domain.StatusRunning), string(domain.StatusPaused)}
	if to == domain.StatusPaused {
		from = []string{string(domain.StatusRunning)}
	}
	var end *time.Time
	if to.IsTerminal() {
		now := time.Now().UTC()
		end = &now
	}

	query := `
		UPDATE jobs
		SET status = $1,
		    command = NULL,
		    error = CASE WHEN $1 = 'ERROR' THEN $2 ELSE error END,
		    end_at = COALESCE($3, end_at)
		WHERE job_id = $4
		  AND process_id = $5
		  AND status = ANY($6)
	`
	res, err := s.db.ExecContext(ctx, query, string(to), message, end, jobID, processID, pq.Array(from))
	if err != nil {
		return fmt.Errorf("failed to set job %d to %s: %w", jobID, to, err)
	}
	return s.requireRow(ctx, res, jobID, domain.ErrJobNotOwned)
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

func (s *Store) GetJob(ctx context.Context, jobID int64) (*domain.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM jobs j WHERE j.job_id = $1`, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.toJob()
}

func (s *Store) GetJobs(ctx context.Context, jobIDs []int64) ([]*domain.Job, error) {
	ids := storage.UniqueIDs(jobIDs)
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+jobColumns+` FROM jobs j WHERE j.job_id = ANY($1) ORDER BY j.job_id`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get jobs: %w", err)
	}

	out := make([]*domain.Job, 0, len(rows))
	for i := range rows {
		j, err := rows[i].toJob()
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

func (s *Store) GetJobView(ctx context.Context, jobID int64) (*domain.JobView, error) {
	var row viewRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+viewColumns+` FROM jobs j LEFT JOIN job_progress p ON p.job_id = j.job_id WHERE j.job_id = $1`,
		jobID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job view: %w", err)
	}
	return row.toView()
}

func (s *Store) GetJobViews(ctx context.Context, jobIDs []int64) ([]*domain.JobView, error) {
	ids := storage.UniqueIDs(jobIDs)
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []viewRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+viewColumns+` FROM jobs j LEFT JOIN job_progress p ON p.job_id = j.job_id
		 WHERE j.job_id = ANY($1) ORDER BY j.job_id`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get job views: %w", err)
	}
	return toViews(rows)
}

func toViews(rows []viewRow) ([]*domain.JobView, error) {
	out := make([]*domain.JobView, 0, len(rows))
	for i := range rows {
		v, err := rows[i].toView()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *Store) ListJobViews(ctx context.Context, filter domain.JobFilter) ([]*domain.JobView, error) {
	query := `
		SELECT ` + viewColumns + `
		FROM jobs j
		LEFT JOIN job_progress p ON p.job_id = j.job_id
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if filter.AppID != "" {
		query += fmt.Sprintf(" AND j.app_id = $%d", argIdx)
		args = append(args, filter.AppID)
		argIdx++
	}

	if filter.UserID != "" {
		query += fmt.Sprintf(" AND j.user_id = $%d", argIdx)
		args = append(args, filter.UserID)
		argIdx++
	}

	if filter.JobType != "" {
		query += fmt.Sprintf(" AND j.job_type = $%d", argIdx)
		args = append(args, filter.JobType)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND j.status = $%d", argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (j.created_at, j.job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.Created, filter.Cursor.JobID)
		argIdx += 2
	}

	// Order by created_at DESC, job_id DESC for consistent pagination
	query += " ORDER BY j.created_at DESC, j.job_id DESC"

	// Fetch one extra to determine if there are more results
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, storage.PageSize(filter.PageSize)+1)

	var rows []viewRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return toViews(rows)
}

func (s *Store) GetCommandedJobs(ctx context.Context, processID string) ([]*domain.Job, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+jobColumns+`
		FROM jobs j
		WHERE j.process_id = $1
		  AND j.status = ANY($2)
		  AND j.command IS NOT NULL
		ORDER BY j.created_at, j.job_id`,
		processID, activeStatuses,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get commanded jobs: %w", err)
	}

	out := make([]*domain.Job, 0, len(rows))
	for i := range rows {
		j, err := rows[i].toJob()
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

func (s *Store) exec(ctx context.Context, what, query string, args ...any) (int, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to %s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

func (s *Store) StopPendingWithCommand(ctx context.Context) (int, error) {
	return s.exec(ctx, "stop pending jobs", `
		UPDATE jobs
		SET status = 'STOPPED', command = NULL, end_at = NOW()
		WHERE status = 'PENDING'
		  AND process_id IS NULL
		  AND command = 'STOP'`)
}

func (s *Store) ResetOrphans(ctx context.Context, processID string, message string) (int, error) {
	return s.exec(ctx, "reset orphaned jobs", `
		UPDATE jobs
		SET status = 'ERROR', command = NULL, error = $2, end_at = NOW()
		WHERE process_id = $1
		  AND status = ANY($3)`,
		processID, message, activeStatuses)
}

func (s *Store) CountRunningJobs(ctx context.Context, processID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM jobs WHERE process_id = $1 AND status = ANY($2)`,
		processID, activeStatuses,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to count running jobs: %w", err)
	}
	return n, nil
}

func (s *Store) Delete(ctx context.Context, jobIDs []int64) (int, error) {
	ids := storage.UniqueIDs(jobIDs)
	if len(ids) == 0 {
		return 0, nil
	}
	return s.exec(ctx, "delete jobs", `DELETE FROM jobs WHERE job_id = ANY($1)`, pq.Array(ids))
}

func (s *Store) DeleteOlderThan(ctx context.Context, hours int, statuses []domain.Status) (int, error) {
	if hours <= 0 || len(statuses) == 0 {
		return 0, nil
	}
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	return s.exec(ctx, "delete expired jobs", `
		DELETE FROM jobs
		WHERE status = ANY($1)
		  AND status IN ('COMPLETED', 'STOPPED', 'ERROR')
		  AND COALESCE(end_at, created_at) < NOW() - make_interval(hours => $2)`,
		pq.Array(names), hours)
}

func (s *Store) SetProgress(ctx context.Context, jobID int64, percent *int, note, data string) error {
	query := `
		INSERT INTO job_progress (job_id, percent, note, data, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (job_id) DO UPDATE
		SET percent = EXCLUDED.percent,
		    note = EXCLUDED.note,
		    data = EXCLUDED.data,
		    updated_at = EXCLUDED.updated_at
	`
	var pct sql.NullInt32
	if percent != nil {
		pct = sql.NullInt32{Int32: int32(*percent), Valid: true}
	}
	if _, err := s.db.ExecContext(ctx, query, jobID, pct, note, data); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation {
			return domain.ErrJobNotFound
		}
		return fmt.Errorf("failed to set progress: %w", err)
	}
	return nil
}

func (s *Store) GetProgress(ctx context.Context, jobID int64) (*domain.JobStatusProgress, error) {
	var row viewRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+viewColumns+` FROM jobs j LEFT JOIN job_progress p ON p.job_id = j.job_id WHERE j.job_id = $1`,
		jobID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get progress: %w", err)
	}
	return row.progress(), nil
}

func (s *Store) GetJobStatusCount(ctx context.Context, appID, userID string) ([]domain.JobStatusCount, error) {
	var rows []domain.JobStatusCount
	err := s.db.SelectContext(ctx, &rows, `
		SELECT status, COUNT(*) AS count
		FROM jobs
		WHERE ($1 = '' OR app_id = $1)
		  AND ($2 = '' OR user_id = $2)
		GROUP BY status`,
		appID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs by status: %w", err)
	}

	counts := make(map[domain.Status]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return storage.OrderedCounts(counts), nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
