package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

const schemaVersion = 1

// schemaStatements are executed in order to create the database schema.
// All use IF NOT EXISTS for idempotent re-application.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id              TEXT PRIMARY KEY,
		owner_id        TEXT    NOT NULL,
		name            TEXT    NOT NULL DEFAULT '',
		cron_expression TEXT    NOT NULL,
		timezone        TEXT    NOT NULL DEFAULT 'UTC',
		job_type        TEXT    NOT NULL,
		integration     TEXT    NOT NULL DEFAULT 'general',
		action          TEXT    NOT NULL DEFAULT '{}',
		enabled         INTEGER NOT NULL DEFAULT 1,
		last_run        TEXT,
		next_run        TEXT,
		error_count     INTEGER NOT NULL DEFAULT 0,
		backoff_until   TEXT,
		created_at      TEXT    NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner_id, created_at)`,

	`CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(enabled, next_run)`,

	`CREATE TABLE IF NOT EXISTS usage_counters (
		owner_id     TEXT    NOT NULL,
		integration  TEXT    NOT NULL,
		period_type  TEXT    NOT NULL,
		period_start TEXT    NOT NULL,
		call_count   INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (owner_id, integration, period_type, period_start)
	)`,

	`CREATE TABLE IF NOT EXISTS rate_limit_overrides (
		owner_id     TEXT    NOT NULL,
		integration  TEXT    NOT NULL,
		max_per_hour INTEGER NOT NULL,
		max_per_day  INTEGER NOT NULL,
		PRIMARY KEY (owner_id, integration)
	)`,
}

// migrate creates or updates the database schema to the latest version.
// All DDL uses IF NOT EXISTS, making migration idempotent.
func migrate(db *sql.DB) error {
	ctx := context.TODO()

	// Ensure schema_version table exists first.
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("sqlite: create schema_version: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("sqlite: read schema version: %w", err)
	}

	if current >= schemaVersion {
		return nil
	}

	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: migrate: %w\nstatement: %s", err, stmt)
		}
	}

	if _, err := db.ExecContext(ctx, "INSERT OR REPLACE INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("sqlite: record schema version: %w", err)
	}

	return nil
}
