package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flemzord/chime/internal/job"
	"github.com/flemzord/chime/internal/store"
)

const jobColumns = `id, owner_id, name, cron_expression, timezone, job_type,
	integration, action, enabled, last_run, next_run, error_count,
	backoff_until, created_at`

// CreateJob persists a validated job.
func (s *Store) CreateJob(ctx context.Context, j job.Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, owner_id, name, cron_expression, timezone,
			job_type, integration, action, enabled, last_run, next_run,
			error_count, backoff_until, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.OwnerID, j.Name, j.CronExpression, j.Timezone,
		j.Type, j.Integration, string(j.Action), boolInt(j.Enabled),
		nullTime(j.LastRun), nullTime(j.NextRun), j.ErrorCount,
		nullTime(j.BackoffUntil), fmtTime(j.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: create job: %w", err)
	}
	return nil
}

// GetJob fetches one job scoped to its owner.
func (s *Store) GetJob(ctx context.Context, ownerID, id string) (job.Job, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE owner_id = ? AND id = ?",
		ownerID, id,
	)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return job.Job{}, store.ErrJobNotFound
	}
	return j, err
}

// ListJobs returns all jobs belonging to the owner, newest first.
func (s *Store) ListJobs(ctx context.Context, ownerID string) ([]job.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE owner_id = ? ORDER BY created_at DESC",
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanJobs(rows)
}

// DeleteJob removes a job. Returns store.ErrJobNotFound when absent.
func (s *Store) DeleteJob(ctx context.Context, ownerID, id string) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM jobs WHERE owner_id = ? AND id = ?", ownerID, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete job: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrJobNotFound
	}
	return nil
}

// SetEnabled toggles a job without touching its history.
func (s *Store) SetEnabled(ctx context.Context, ownerID, id string, enabled bool) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET enabled = ? WHERE owner_id = ? AND id = ?",
		boolInt(enabled), ownerID, id)
	if err != nil {
		return fmt.Errorf("sqlite: set enabled: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrJobNotFound
	}
	return nil
}

// FetchDue returns up to limit due jobs ordered by next_run ascending.
// The due predicate lives entirely in this query: enabled, next_run
// reached, and any backoff deferral elapsed.
func (s *Store) FetchDue(ctx context.Context, now time.Time, limit int) ([]job.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE enabled = 1
		  AND next_run IS NOT NULL AND next_run <= ?
		  AND (backoff_until IS NULL OR backoff_until <= ?)
		ORDER BY next_run ASC
		LIMIT ?`,
		fmtTime(now), fmtTime(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: fetch due jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanJobs(rows)
}

// RecordSuccess atomically sets last_run and next_run and clears the
// failure state. A missing row means the job was deleted mid-cycle.
func (s *Store) RecordSuccess(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET last_run = ?, next_run = ?, error_count = 0, backoff_until = NULL
		WHERE id = ?`,
		fmtTime(lastRun), fmtTime(nextRun), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: record success: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrJobNotFound
	}
	return nil
}

// RecordFailure atomically sets last_run, error_count, and backoff_until.
func (s *Store) RecordFailure(ctx context.Context, id string, lastRun time.Time, errorCount int, backoffUntil time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET last_run = ?, error_count = ?, backoff_until = ?
		WHERE id = ?`,
		fmtTime(lastRun), errorCount, fmtTime(backoffUntil), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: record failure: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrJobNotFound
	}
	return nil
}

// CountJobs returns the total number of persisted jobs.
func (s *Store) CountJobs(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs").Scan(&count); err != nil {
		return 0, fmt.Errorf("sqlite: count jobs: %w", err)
	}
	return count, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (job.Job, error) {
	var (
		j            job.Job
		action       string
		enabled      int
		lastRun      sql.NullString
		nextRun      sql.NullString
		backoffUntil sql.NullString
		createdAt    string
	)

	err := row.Scan(&j.ID, &j.OwnerID, &j.Name, &j.CronExpression, &j.Timezone,
		&j.Type, &j.Integration, &action, &enabled, &lastRun, &nextRun,
		&j.ErrorCount, &backoffUntil, &createdAt)
	if err != nil {
		return job.Job{}, err
	}

	j.Action = json.RawMessage(action)
	j.Enabled = enabled != 0

	if j.LastRun, err = scanNullTime(lastRun); err != nil {
		return job.Job{}, err
	}
	if j.NextRun, err = scanNullTime(nextRun); err != nil {
		return job.Job{}, err
	}
	if j.BackoffUntil, err = scanNullTime(backoffUntil); err != nil {
		return job.Job{}, err
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return job.Job{}, err
	}

	return j, nil
}

func scanJobs(rows *sql.Rows) ([]job.Job, error) {
	var jobs []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: scan job rows: %w", err)
	}
	return jobs, nil
}

func scanNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
