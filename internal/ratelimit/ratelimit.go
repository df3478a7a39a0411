// Package ratelimit gates job dispatch per (owner, integration) pair
// against hourly and daily usage windows. Checking is read-only: quota is
// consumed only when the dispatch loop records usage after a handler
// actually ran, so deferred jobs never count against their caps.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/flemzord/chime/internal/store"
)

// defaultPolicies is the compiled-in cap table, keyed by integration.
// Unknown integrations fall back to the "general" entry.
var defaultPolicies = map[string]store.Policy{
	"mail":            {MaxPerHour: 10, MaxPerDay: 100},
	"calendar":        {MaxPerHour: 20, MaxPerDay: 200},
	"weather":         {MaxPerHour: 6, MaxPerDay: 50},
	"home-automation": {MaxPerHour: 120, MaxPerDay: 2000},
	"general":         {MaxPerHour: 30, MaxPerDay: 500},
}

// DefaultPolicy returns the compiled-in policy for an integration.
func DefaultPolicy(integration string) store.Policy {
	if p, ok := defaultPolicies[integration]; ok {
		return p
	}
	return defaultPolicies["general"]
}

// policyCacheTTL bounds staleness of cached overrides. Policy changes are
// rare; a few seconds of drift only delays enforcement by one cycle.
const policyCacheTTL = 5 * time.Second

type cachedPolicy struct {
	policy    store.Policy
	fetchedAt time.Time
}

// Limiter resolves effective policies and checks usage windows.
type Limiter struct {
	ledger   store.UsageLedger
	policies store.PolicyStore
	logger   *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedPolicy
}

// New creates a Limiter. A nil logger defaults to slog.Default().
func New(ledger store.UsageLedger, policies store.PolicyStore, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		ledger:   ledger,
		policies: policies,
		logger:   logger,
		cache:    make(map[string]cachedPolicy),
	}
}

// Allow reports whether a call for (owner, integration) may proceed at now.
// It reads the current hourly and daily windows and denies only when a
// window has already reached its cap.
//
// Failure policy: if the ledger or policy store is unreachable, Allow
// fails open — scheduled work firing matters more than strict quota
// enforcement during a brief store outage. Callers relying on hard
// external quotas should treat this as a policy decision, not a given.
func (l *Limiter) Allow(ctx context.Context, ownerID, integration string, now time.Time) bool {
	policy := l.effectivePolicy(ctx, ownerID, integration, now)

	hourly, daily, err := l.ledger.Counts(ctx, ownerID, integration,
		store.HourStart(now), store.DayStart(now))
	if err != nil {
		l.logger.Warn("ratelimit: usage ledger unreachable, failing open",
			"owner_id", ownerID,
			"integration", integration,
			"error", err,
		)
		return true
	}

	return hourly < policy.MaxPerHour && daily < policy.MaxPerDay
}

// effectivePolicy resolves the per-owner override, falling back to the
// integration default. Overrides are cached briefly.
func (l *Limiter) effectivePolicy(ctx context.Context, ownerID, integration string, now time.Time) store.Policy {
	key := ownerID + "\x00" + integration

	l.mu.Lock()
	if c, ok := l.cache[key]; ok && now.Sub(c.fetchedAt) < policyCacheTTL {
		l.mu.Unlock()
		return c.policy
	}
	l.mu.Unlock()

	policy := DefaultPolicy(integration)
	override, ok, err := l.policies.GetPolicy(ctx, ownerID, integration)
	if err != nil {
		l.logger.Warn("ratelimit: policy store unreachable, using default",
			"owner_id", ownerID,
			"integration", integration,
			"error", err,
		)
		return policy
	}
	if ok {
		policy = override
	}

	l.mu.Lock()
	l.cache[key] = cachedPolicy{policy: policy, fetchedAt: now}
	l.mu.Unlock()

	return policy
}
