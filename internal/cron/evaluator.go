// Package cron evaluates five-field cron expressions (minute, hour,
// day-of-month, month, day-of-week) against IANA timezones. It supports
// wildcards, steps, ranges, and lists, and nothing else — vendor
// descriptors like @hourly are rejected.
package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts exactly the five standard fields. No seconds, no descriptors.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate checks that expr is a well-formed five-field cron expression.
// It returns a descriptive error for malformed input and must be called
// at job-creation time so bad expressions never reach dispatch.
func Validate(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return fmt.Errorf("cron: empty expression")
	}
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("cron: invalid expression %q: %w", expr, err)
	}
	return nil
}

// Next returns the earliest instant strictly after `after` that satisfies
// expr, evaluated in the given IANA timezone (empty means UTC). Daylight
// saving transitions are handled by the timezone database.
//
// Next is deterministic: identical inputs always yield identical results.
func Next(expr, timezone string, after time.Time) (time.Time, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("cron: invalid expression %q: %w", expr, err)
	}

	loc := time.UTC
	if timezone != "" {
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("cron: unknown timezone %q: %w", timezone, err)
		}
	}

	next := sched.Next(after.In(loc))
	if next.IsZero() {
		// robfig/cron gives up after ~5 years of searching (e.g. "0 0 30 2 *").
		return time.Time{}, fmt.Errorf("cron: no upcoming activation for %q", expr)
	}
	return next, nil
}
