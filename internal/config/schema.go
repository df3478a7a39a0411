// Package config handles YAML configuration loading, environment variable
// expansion, and structural validation for chime.
package config

import (
	"github.com/flemzord/chime/internal/dispatch"
	"github.com/flemzord/chime/internal/gateway"
	"github.com/flemzord/chime/internal/store/sqlite"
)

// Config is the top-level configuration structure.
type Config struct {
	// Version is the config format version. Currently only "1" is supported.
	Version string `yaml:"version"`

	// Gateway configures the HTTP surface.
	Gateway gateway.Config `yaml:"gateway"`

	// Database configures the SQLite store.
	Database sqlite.Config `yaml:"database"`

	// Dispatch configures the polling loop.
	Dispatch dispatch.Config `yaml:"dispatch"`

	// RateLimits are per-user overrides seeded into the policy store at
	// startup. Users without an entry get the integration defaults.
	RateLimits []RateLimitOverride `yaml:"rate_limits,omitempty"`
}

// RateLimitOverride raises or lowers the call budget for one user and
// integration pair.
type RateLimitOverride struct {
	OwnerID     string `yaml:"owner_id"`
	Integration string `yaml:"integration"`
	MaxPerHour  int    `yaml:"max_per_hour"`
	MaxPerDay   int    `yaml:"max_per_day"`
}
