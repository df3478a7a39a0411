// Package job defines the scheduled job record and its creation contract.
// Validation lives here so malformed jobs are rejected before anything is
// persisted; the store and the dispatch loop both trust a Job that exists.
package job

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flemzord/chime/internal/cron"
)

// DefaultIntegration is assumed when a creation request names none.
const DefaultIntegration = "general"

// Job is a persisted scheduled job with its runtime state.
type Job struct {
	ID             string          `json:"id"`
	OwnerID        string          `json:"owner_id"`
	Name           string          `json:"name"`
	CronExpression string          `json:"cron_expression"`
	Timezone       string          `json:"timezone"`
	Type           string          `json:"job_type"`
	Integration    string          `json:"integration"`
	Action         json.RawMessage `json:"action"`
	Enabled        bool            `json:"enabled"`
	LastRun        *time.Time      `json:"last_run"`
	NextRun        *time.Time      `json:"next_run"`
	ErrorCount     int             `json:"error_count"`
	BackoffUntil   *time.Time      `json:"backoff_until"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Due reports whether the job is eligible for dispatch at the given instant:
// enabled, trigger time reached, and any backoff deferral elapsed.
func (j Job) Due(now time.Time) bool {
	if !j.Enabled || j.NextRun == nil || j.NextRun.After(now) {
		return false
	}
	return j.BackoffUntil == nil || !j.BackoffUntil.After(now)
}

// CreateRequest is the caller-facing shape for creating a job.
type CreateRequest struct {
	OwnerID        string          `json:"owner_id"`
	Name           string          `json:"name"`
	CronExpression string          `json:"cron_expression"`
	Timezone       string          `json:"timezone"`
	Type           string          `json:"job_type"`
	Integration    string          `json:"integration"`
	Action         json.RawMessage `json:"action"`
}

// ValidationError reports a rejected creation request. It is surfaced
// synchronously to the caller and never reaches the dispatch loop.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("job: invalid %s: %s", e.Field, e.Reason)
}

// Validate checks the request without side effects.
func (r CreateRequest) Validate() error {
	if strings.TrimSpace(r.OwnerID) == "" {
		return &ValidationError{Field: "owner_id", Reason: "required"}
	}
	if strings.TrimSpace(r.Type) == "" {
		return &ValidationError{Field: "job_type", Reason: "required"}
	}
	if len(r.Action) == 0 {
		return &ValidationError{Field: "action", Reason: "required"}
	}
	if !json.Valid(r.Action) {
		return &ValidationError{Field: "action", Reason: "not valid JSON"}
	}
	if err := cron.Validate(r.CronExpression); err != nil {
		return &ValidationError{Field: "cron_expression", Reason: err.Error()}
	}
	if tz := strings.TrimSpace(r.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return &ValidationError{Field: "timezone", Reason: fmt.Sprintf("unknown IANA zone %q", tz)}
		}
	}
	return nil
}

// New validates the request and builds a Job ready for persistence:
// ID assigned, defaults applied, and the first trigger computed from now.
func New(r CreateRequest, now time.Time) (Job, error) {
	if err := r.Validate(); err != nil {
		return Job{}, err
	}

	tz := strings.TrimSpace(r.Timezone)
	if tz == "" {
		tz = "UTC"
	}
	integration := strings.TrimSpace(r.Integration)
	if integration == "" {
		integration = DefaultIntegration
	}

	next, err := cron.Next(r.CronExpression, tz, now)
	if err != nil {
		// Validate passed, so this is an unreachable schedule (e.g. Feb 30).
		return Job{}, &ValidationError{Field: "cron_expression", Reason: err.Error()}
	}

	return Job{
		ID:             uuid.NewString(),
		OwnerID:        strings.TrimSpace(r.OwnerID),
		Name:           strings.TrimSpace(r.Name),
		CronExpression: r.CronExpression,
		Timezone:       tz,
		Type:           strings.TrimSpace(r.Type),
		Integration:    integration,
		Action:         r.Action,
		Enabled:        true,
		NextRun:        &next,
		CreatedAt:      now.UTC(),
	}, nil
}
