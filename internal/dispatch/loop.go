// Package dispatch runs the engine's coordinating loop: poll for due
// jobs, gate each through the rate limiter, invoke its handler, and feed
// the outcome back into the job store and usage ledger.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/flemzord/chime/internal/backoff"
	"github.com/flemzord/chime/internal/cron"
	"github.com/flemzord/chime/internal/handler"
	"github.com/flemzord/chime/internal/job"
	"github.com/flemzord/chime/internal/ratelimit"
	"github.com/flemzord/chime/internal/store"
)

// Sentinel errors for loop lifecycle.
var (
	ErrAlreadyStarted = errors.New("dispatch: already started")
	ErrNotStarted     = errors.New("dispatch: not started")
)

// Config holds dispatch loop configuration.
type Config struct {
	// PollInterval is the sleep between cycles — the loop's only
	// suspension point besides handler calls. Default 60s.
	PollInterval time.Duration `yaml:"poll_interval"`

	// BatchLimit caps how many due jobs one cycle considers. Default 50.
	BatchLimit int `yaml:"batch_limit"`

	// Workers bounds concurrent handler invocations per cycle. Default 4.
	Workers int `yaml:"workers"`

	// HandlerTimeout bounds a single handler invocation. Default 30s.
	HandlerTimeout time.Duration `yaml:"handler_timeout"`

	Logger *slog.Logger     `yaml:"-"`
	Now    func() time.Time `yaml:"-"` // injectable for testing
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 60 * time.Second
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 50
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = handler.DefaultHTTPTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Loop is an explicitly constructed dispatch engine with a
// Start/Stop lifecycle. Multiple instances can coexist.
type Loop struct {
	cfg      Config
	jobs     store.JobStore
	ledger   store.UsageLedger
	limiter  *ratelimit.Limiter
	registry *handler.Registry
	metrics  *Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Loop with the given configuration and collaborators.
func New(cfg Config, jobs store.JobStore, ledger store.UsageLedger, limiter *ratelimit.Limiter, registry *handler.Registry, metrics *Metrics) (*Loop, error) {
	if jobs == nil {
		return nil, errors.New("dispatch: nil JobStore")
	}
	if ledger == nil {
		return nil, errors.New("dispatch: nil UsageLedger")
	}
	if limiter == nil {
		return nil, errors.New("dispatch: nil Limiter")
	}
	if registry == nil {
		return nil, errors.New("dispatch: nil Registry")
	}
	if metrics == nil {
		metrics = NewMetrics()
	}

	return &Loop{
		cfg:      cfg.withDefaults(),
		jobs:     jobs,
		ledger:   ledger,
		limiter:  limiter,
		registry: registry,
		metrics:  metrics,
	}, nil
}

// Start seals the handler registry and begins polling. Returns
// ErrAlreadyStarted if called twice.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cancel != nil {
		return ErrAlreadyStarted
	}

	// Handlers register before start; anything later is a wiring bug.
	l.registry.Seal()

	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	go l.run(ctx)

	l.cfg.Logger.Info("dispatch: loop started",
		"poll_interval", l.cfg.PollInterval,
		"batch_limit", l.cfg.BatchLimit,
		"workers", l.cfg.Workers,
	)
	return nil
}

// Stop signals the loop to finish and waits for the current cycle's
// in-flight handlers to drain, bounded by ctx.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel = nil
	l.done = nil
	l.mu.Unlock()

	if cancel == nil {
		return ErrNotStarted
	}
	cancel()

	select {
	case <-done:
		l.cfg.Logger.Info("dispatch: loop stopped")
		return nil
	case <-ctx.Done():
		l.cfg.Logger.Warn("dispatch: stop timed out with handlers in flight")
		return ctx.Err()
	}
}

// run is the main ticker loop. Stopping mid-cycle lets the cycle finish:
// in-flight handler calls drain rather than being killed.
func (l *Loop) run(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.cycle(ctx)
		}
	}
}

// cycle fetches due jobs and dispatches them across the worker pool.
// Jobs are independent; only the usage ledger increment is shared, and
// that is atomic at the storage layer.
func (l *Loop) cycle(ctx context.Context) {
	now := l.cfg.Now()
	l.metrics.cycles.Inc()

	due, err := l.jobs.FetchDue(ctx, now, l.cfg.BatchLimit)
	if err != nil {
		// Store outage stalls the whole cycle; retried on the next poll.
		l.cfg.Logger.Error("dispatch: fetching due jobs failed, retrying next cycle", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	l.cfg.Logger.Debug("dispatch: cycle begins", "due", len(due))

	sem := make(chan struct{}, l.cfg.Workers)
	var wg sync.WaitGroup
	for _, j := range due {
		wg.Add(1)
		sem <- struct{}{}
		go func(j job.Job) {
			defer wg.Done()
			defer func() { <-sem }()
			l.dispatch(ctx, j, now)
		}(j)
	}
	wg.Wait()
}

// dispatch runs one job attempt and records its outcome.
func (l *Loop) dispatch(ctx context.Context, j job.Job, now time.Time) {
	// Read-only gate. Fails open when the counter store is down: jobs
	// silently never firing would be worse than briefly exceeding a cap
	// (see ratelimit.Limiter.Allow).
	if !l.limiter.Allow(ctx, j.OwnerID, j.Integration, now) {
		// A deferral is not a failure: job state stays untouched, so the
		// job remains due and is reconsidered next cycle.
		l.metrics.deferrals.Inc()
		l.cfg.Logger.Info("dispatch: deferred by rate limit",
			"job_id", j.ID,
			"owner_id", j.OwnerID,
			"integration", j.Integration,
		)
		return
	}

	// Stop must not cancel a handler call already started: the invocation
	// is bounded by HandlerTimeout alone, and the outcome write has to
	// land even when the loop context is gone, or a handler that
	// completed during shutdown would lose its result — or worse, be
	// penalized with a failure it never had.
	dctx := context.WithoutCancel(ctx)

	h := l.registry.Resolve(j.Type)
	if h == nil {
		l.recordFailure(dctx, j, now, errors.New("no handler for job type "+j.Type))
		return
	}

	hctx, cancel := context.WithTimeout(dctx, l.cfg.HandlerTimeout)
	start := time.Now()
	err := h.Invoke(hctx, j.OwnerID, j.Action)
	cancel()
	l.metrics.duration.Observe(time.Since(start).Seconds())

	if err != nil {
		l.recordFailure(dctx, j, now, err)
		return
	}
	l.recordSuccess(dctx, j, now)
}

func (l *Loop) recordSuccess(ctx context.Context, j job.Job, now time.Time) {
	next, err := cron.Next(j.CronExpression, j.Timezone, now)
	if err != nil {
		// Expressions are validated at creation; only an unreachable
		// schedule lands here. Surface it through the failure state.
		l.cfg.Logger.Error("dispatch: computing next run failed",
			"job_id", j.ID,
			"cron", j.CronExpression,
			"error", err,
		)
		l.recordFailure(ctx, j, now, err)
		return
	}
	l.metrics.dispatches.WithLabelValues("success").Inc()

	if err := l.jobs.RecordSuccess(ctx, j.ID, now, next); err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			// Deleted mid-cycle; nothing to update.
			l.cfg.Logger.Debug("dispatch: job removed during dispatch", "job_id", j.ID)
		} else {
			l.cfg.Logger.Error("dispatch: recording success failed", "job_id", j.ID, "error", err)
		}
	}

	// The handler ran, so the call counts against quota either way.
	if err := l.ledger.Record(ctx, j.OwnerID, j.Integration, now); err != nil {
		l.cfg.Logger.Warn("dispatch: recording usage failed",
			"owner_id", j.OwnerID,
			"integration", j.Integration,
			"error", err,
		)
	}

	l.cfg.Logger.Debug("dispatch: job succeeded", "job_id", j.ID, "next_run", next)
}

func (l *Loop) recordFailure(ctx context.Context, j job.Job, now time.Time, cause error) {
	l.metrics.dispatches.WithLabelValues("failure").Inc()

	count := j.ErrorCount + 1
	until := now.Add(backoff.Deferral(count))

	l.cfg.Logger.Warn("dispatch: handler failed",
		"job_id", j.ID,
		"job_type", j.Type,
		"error_count", count,
		"backoff_until", until,
		"error", cause,
	)

	if err := l.jobs.RecordFailure(ctx, j.ID, now, count, until); err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			l.cfg.Logger.Debug("dispatch: job removed during dispatch", "job_id", j.ID)
			return
		}
		l.cfg.Logger.Error("dispatch: recording failure failed", "job_id", j.ID, "error", err)
	}
}
