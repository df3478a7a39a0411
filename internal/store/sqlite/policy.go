package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/flemzord/chime/internal/store"
)

// GetPolicy returns the rate-limit override for (owner, integration),
// with ok=false when none exists.
func (s *Store) GetPolicy(ctx context.Context, ownerID, integration string) (store.Policy, bool, error) {
	var p store.Policy
	err := s.db.QueryRowContext(ctx, `
		SELECT max_per_hour, max_per_day FROM rate_limit_overrides
		WHERE owner_id = ? AND integration = ?`,
		ownerID, integration,
	).Scan(&p.MaxPerHour, &p.MaxPerDay)
	if err == sql.ErrNoRows {
		return store.Policy{}, false, nil
	}
	if err != nil {
		return store.Policy{}, false, fmt.Errorf("sqlite: read policy: %w", err)
	}
	return p, true, nil
}

// SetPolicy creates or replaces an override.
func (s *Store) SetPolicy(ctx context.Context, ownerID, integration string, p store.Policy) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO rate_limit_overrides (owner_id, integration, max_per_hour, max_per_day)
		VALUES (?, ?, ?, ?)`,
		ownerID, integration, p.MaxPerHour, p.MaxPerDay,
	)
	if err != nil {
		return fmt.Errorf("sqlite: set policy: %w", err)
	}
	return nil
}
