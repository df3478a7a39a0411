// Package store defines the persistence contracts for the job engine:
// job records, usage counters, and rate-limit policy overrides. Three
// record kinds survive a restart; nothing else does.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/flemzord/chime/internal/job"
)

// ErrJobNotFound is returned when a job ID does not exist (or does not
// belong to the given owner). The dispatch loop treats it as benign for
// outcome writes: a job deleted mid-cycle is not an error.
var ErrJobNotFound = errors.New("store: job not found")

// JobStore is durable CRUD for job definitions and their runtime state.
// It performs no scheduling logic; next_run and backoff_until are always
// computed by the caller.
type JobStore interface {
	// CreateJob persists a validated job.
	CreateJob(ctx context.Context, j job.Job) error

	// GetJob fetches one job scoped to its owner.
	GetJob(ctx context.Context, ownerID, id string) (job.Job, error)

	// ListJobs returns all jobs belonging to the owner, newest first.
	ListJobs(ctx context.Context, ownerID string) ([]job.Job, error)

	// DeleteJob removes a job. Returns ErrJobNotFound when absent.
	DeleteJob(ctx context.Context, ownerID, id string) error

	// SetEnabled toggles a job without touching its history.
	SetEnabled(ctx context.Context, ownerID, id string, enabled bool) error

	// FetchDue returns up to limit jobs that are due at now — enabled,
	// next_run reached, backoff elapsed — ordered by next_run ascending.
	FetchDue(ctx context.Context, now time.Time, limit int) ([]job.Job, error)

	// RecordSuccess atomically sets last_run and next_run and clears
	// error_count and backoff_until.
	RecordSuccess(ctx context.Context, id string, lastRun, nextRun time.Time) error

	// RecordFailure atomically sets last_run (the attempt still happened),
	// error_count, and backoff_until.
	RecordFailure(ctx context.Context, id string, lastRun time.Time, errorCount int, backoffUntil time.Time) error

	// CountJobs returns the total number of persisted jobs.
	CountJobs(ctx context.Context) (int, error)
}

// UsageLedger holds durable per-window call counters backing rate limiting.
type UsageLedger interface {
	// Record increments the hourly and daily counters for the call in a
	// single atomic upsert per window. Concurrent recorders for the same
	// (owner, integration) must not lose updates.
	Record(ctx context.Context, ownerID, integration string, now time.Time) error

	// Counts reads the counters for the given window starts. Missing rows
	// read as zero.
	Counts(ctx context.Context, ownerID, integration string, hourStart, dayStart time.Time) (hourly, daily int, err error)
}

// Policy caps calls for one (owner, integration) pair.
type Policy struct {
	MaxPerHour int
	MaxPerDay  int
}

// PolicyStore holds per-owner rate-limit overrides. Absence of an override
// means the compiled-in integration default applies.
type PolicyStore interface {
	// GetPolicy returns the override for (owner, integration), with ok=false
	// when none exists.
	GetPolicy(ctx context.Context, ownerID, integration string) (p Policy, ok bool, err error)

	// SetPolicy creates or replaces an override.
	SetPolicy(ctx context.Context, ownerID, integration string, p Policy) error
}

// HourStart truncates t to the start of its hourly usage window, in UTC.
func HourStart(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// DayStart truncates t to the start of its daily usage window, in UTC.
func DayStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
