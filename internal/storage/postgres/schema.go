package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		job_id      BIGSERIAL PRIMARY KEY,
		app_id      TEXT NOT NULL DEFAULT '',
		user_id     TEXT NOT NULL DEFAULT '',
		process_id  TEXT,
		job_type    TEXT NOT NULL DEFAULT '',
		job_name    TEXT NOT NULL DEFAULT '',
		invoke_meta JSONB NOT NULL,
		parameters  BYTEA,
		command     TEXT,
		status      TEXT NOT NULL DEFAULT 'PENDING',
		error       TEXT NOT NULL DEFAULT '',
		start_at    TIMESTAMPTZ,
		end_at      TIMESTAMPTZ,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_claim
		ON jobs (created_at, job_id)
		WHERE status = 'PENDING' AND process_id IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_owner
		ON jobs (process_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_listing
		ON jobs (app_id, user_id, created_at DESC, job_id DESC)`,
	`CREATE TABLE IF NOT EXISTS job_progress (
		job_id     BIGINT PRIMARY KEY REFERENCES jobs (job_id) ON DELETE CASCADE,
		percent    INTEGER,
		note       TEXT NOT NULL DEFAULT '',
		data       TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// EnsureSchema creates the job tables and indexes if they do not exist,
// all in one transaction
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.client.InTx(ctx, func(tx *sqlx.Tx) error {
		for _, stmt := range schema {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to apply schema: %w", err)
			}
		}
		return nil
	})
}
