package config

import (
	"errors"
	"fmt"
)

// Validate checks the structural validity of a Config. It verifies the
// version field, the database path, and each rate limit override.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Version == "" {
		errs = append(errs, errors.New("config: version field is required"))
	} else if cfg.Version != "1" {
		errs = append(errs, fmt.Errorf("config: unsupported version %q (supported: \"1\")", cfg.Version))
	}

	if cfg.Database.Path == "" {
		errs = append(errs, errors.New("config: database.path is required"))
	}

	errs = append(errs, validateRateLimits(cfg.RateLimits)...)

	return errors.Join(errs...)
}

func validateRateLimits(overrides []RateLimitOverride) []error {
	var errs []error
	seen := make(map[string]bool, len(overrides))

	for i, o := range overrides {
		if o.OwnerID == "" {
			errs = append(errs, fmt.Errorf("config: rate_limits[%d]: owner_id is required", i))
		}
		if o.Integration == "" {
			errs = append(errs, fmt.Errorf("config: rate_limits[%d]: integration is required", i))
		}
		if o.MaxPerHour <= 0 {
			errs = append(errs, fmt.Errorf("config: rate_limits[%d]: max_per_hour must be positive", i))
		}
		if o.MaxPerDay <= 0 {
			errs = append(errs, fmt.Errorf("config: rate_limits[%d]: max_per_day must be positive", i))
		}
		if o.MaxPerHour > o.MaxPerDay {
			errs = append(errs, fmt.Errorf("config: rate_limits[%d]: max_per_hour exceeds max_per_day", i))
		}

		key := o.OwnerID + "/" + o.Integration
		if seen[key] {
			errs = append(errs, fmt.Errorf("config: rate_limits[%d]: duplicate entry for %s", i, key))
		}
		seen[key] = true
	}

	return errs
}
