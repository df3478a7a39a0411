package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flemzord/chime/internal/store"
)

// Record increments the hourly and daily counters for one call. Each
// increment is a single upsert at the storage layer — never a
// read-then-write — so concurrent recorders for the same key cannot
// lose updates. Both windows move in one transaction.
func (s *Store) Record(ctx context.Context, ownerID, integration string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin usage tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	windows := []struct {
		periodType string
		start      time.Time
	}{
		{"hourly", store.HourStart(now)},
		{"daily", store.DayStart(now)},
	}

	for _, w := range windows {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO usage_counters (owner_id, integration, period_type, period_start, call_count)
			VALUES (?, ?, ?, ?, 1)
			ON CONFLICT(owner_id, integration, period_type, period_start)
			DO UPDATE SET call_count = call_count + 1`,
			ownerID, integration, w.periodType, fmtTime(w.start),
		)
		if err != nil {
			return fmt.Errorf("sqlite: record %s usage: %w", w.periodType, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit usage tx: %w", err)
	}
	return nil
}

// Counts reads the counters for the given window starts. Missing rows
// read as zero.
func (s *Store) Counts(ctx context.Context, ownerID, integration string, hourStart, dayStart time.Time) (hourly, daily int, err error) {
	hourly, err = s.count(ctx, ownerID, integration, "hourly", hourStart)
	if err != nil {
		return 0, 0, err
	}
	daily, err = s.count(ctx, ownerID, integration, "daily", dayStart)
	if err != nil {
		return 0, 0, err
	}
	return hourly, daily, nil
}

func (s *Store) count(ctx context.Context, ownerID, integration, periodType string, start time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT call_count FROM usage_counters
		WHERE owner_id = ? AND integration = ? AND period_type = ? AND period_start = ?`,
		ownerID, integration, periodType, fmtTime(start),
	).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite: read %s usage: %w", periodType, err)
	}
	return n, nil
}
