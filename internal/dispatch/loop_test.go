package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/flemzord/chime/internal/handler"
	"github.com/flemzord/chime/internal/job"
	"github.com/flemzord/chime/internal/ratelimit"
	"github.com/flemzord/chime/internal/store"
)

type fakeJobStore struct {
	mu   sync.Mutex
	jobs map[string]job.Job

	fetchErr error
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: make(map[string]job.Job)}
}

func (f *fakeJobStore) put(j job.Job) {
	f.mu.Lock()
	f.jobs[j.ID] = j
	f.mu.Unlock()
}

func (f *fakeJobStore) get(id string) job.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[id]
}

func (f *fakeJobStore) CreateJob(ctx context.Context, j job.Job) error {
	f.put(j)
	return nil
}

func (f *fakeJobStore) GetJob(ctx context.Context, ownerID, id string) (job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.OwnerID != ownerID {
		return job.Job{}, store.ErrJobNotFound
	}
	return j, nil
}

func (f *fakeJobStore) ListJobs(ctx context.Context, ownerID string) ([]job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []job.Job
	for _, j := range f.jobs {
		if j.OwnerID == ownerID {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeJobStore) DeleteJob(ctx context.Context, ownerID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.OwnerID != ownerID {
		return store.ErrJobNotFound
	}
	delete(f.jobs, id)
	return nil
}

func (f *fakeJobStore) SetEnabled(ctx context.Context, ownerID, id string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.OwnerID != ownerID {
		return store.ErrJobNotFound
	}
	j.Enabled = enabled
	f.jobs[id] = j
	return nil
}

func (f *fakeJobStore) FetchDue(ctx context.Context, now time.Time, limit int) ([]job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var due []job.Job
	for _, j := range f.jobs {
		if j.Due(now) {
			due = append(due, j)
		}
		if len(due) == limit {
			break
		}
	}
	return due, nil
}

func (f *fakeJobStore) RecordSuccess(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return store.ErrJobNotFound
	}
	j.LastRun = &lastRun
	j.NextRun = &nextRun
	j.ErrorCount = 0
	j.BackoffUntil = nil
	f.jobs[id] = j
	return nil
}

func (f *fakeJobStore) RecordFailure(ctx context.Context, id string, lastRun time.Time, errorCount int, backoffUntil time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return store.ErrJobNotFound
	}
	j.LastRun = &lastRun
	j.ErrorCount = errorCount
	j.BackoffUntil = &backoffUntil
	f.jobs[id] = j
	return nil
}

func (f *fakeJobStore) CountJobs(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs), nil
}

type memLedger struct {
	mu     sync.Mutex
	counts map[string]int
}

func newMemLedger() *memLedger {
	return &memLedger{counts: make(map[string]int)}
}

func (m *memLedger) key(ownerID, integration string, periodStart time.Time) string {
	return ownerID + "/" + integration + "/" + periodStart.UTC().Format(time.RFC3339)
}

func (m *memLedger) Record(ctx context.Context, ownerID, integration string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[m.key(ownerID, integration, store.HourStart(at))]++
	m.counts[m.key(ownerID, integration, store.DayStart(at))]++
	return nil
}

func (m *memLedger) Counts(ctx context.Context, ownerID, integration string, hourStart, dayStart time.Time) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[m.key(ownerID, integration, hourStart)],
		m.counts[m.key(ownerID, integration, dayStart)], nil
}

type noPolicies struct{}

func (noPolicies) GetPolicy(ctx context.Context, ownerID, integration string) (store.Policy, bool, error) {
	return store.Policy{}, false, nil
}

func (noPolicies) SetPolicy(ctx context.Context, ownerID, integration string, p store.Policy) error {
	return nil
}

// countingHandler records invocations and returns a scripted error.
type countingHandler struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (h *countingHandler) Invoke(ctx context.Context, ownerID string, action json.RawMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	return h.err
}

func (h *countingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testNow() time.Time {
	return time.Date(2026, time.March, 10, 10, 0, 30, 0, time.UTC)
}

func dueJob(id, owner string) job.Job {
	next := testNow().Add(-time.Minute)
	return job.Job{
		ID:             id,
		OwnerID:        owner,
		Name:           "digest",
		CronExpression: "0 * * * *",
		Timezone:       "UTC",
		Type:           "http_request",
		Integration:    "general",
		Action:         json.RawMessage(`{"url":"http://example.test"}`),
		Enabled:        true,
		NextRun:        &next,
		CreatedAt:      testNow().Add(-time.Hour),
	}
}

type loopFixture struct {
	loop    *Loop
	jobs    *fakeJobStore
	ledger  *memLedger
	handler *countingHandler
	metrics *Metrics
}

func newLoopFixture(t *testing.T, cfg Config) *loopFixture {
	t.Helper()

	jobs := newFakeJobStore()
	ledger := newMemLedger()
	limiter := ratelimit.New(ledger, noPolicies{}, quietLogger())

	h := &countingHandler{}
	registry := handler.NewRegistry(nil)
	if err := registry.Register("http_request", h); err != nil {
		t.Fatalf("Register: %v", err)
	}

	cfg.Logger = quietLogger()
	if cfg.Now == nil {
		cfg.Now = testNow
	}

	metrics := NewMetrics()
	loop, err := New(cfg, jobs, ledger, limiter, registry, metrics)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &loopFixture{loop: loop, jobs: jobs, ledger: ledger, handler: h, metrics: metrics}
}

func TestNewRejectsNilDependencies(t *testing.T) {
	t.Parallel()

	ledger := newMemLedger()
	limiter := ratelimit.New(ledger, noPolicies{}, quietLogger())
	registry := handler.NewRegistry(nil)

	if _, err := New(Config{}, nil, ledger, limiter, registry, nil); err == nil {
		t.Fatal("expected error for nil job store")
	}
	if _, err := New(Config{}, newFakeJobStore(), nil, limiter, registry, nil); err == nil {
		t.Fatal("expected error for nil ledger")
	}
	if _, err := New(Config{}, newFakeJobStore(), ledger, nil, registry, nil); err == nil {
		t.Fatal("expected error for nil limiter")
	}
	if _, err := New(Config{}, newFakeJobStore(), ledger, limiter, nil, nil); err == nil {
		t.Fatal("expected error for nil registry")
	}
}

func TestCycleDispatchesDueJobs(t *testing.T) {
	t.Parallel()

	fx := newLoopFixture(t, Config{})
	fx.jobs.put(dueJob("j1", "alice"))
	fx.jobs.put(dueJob("j2", "alice"))

	fx.loop.cycle(context.Background())

	if got := fx.handler.count(); got != 2 {
		t.Fatalf("handler calls = %d, want 2", got)
	}

	j := fx.jobs.get("j1")
	if j.LastRun == nil || !j.LastRun.Equal(testNow()) {
		t.Fatalf("last_run = %v, want %v", j.LastRun, testNow())
	}
	want := time.Date(2026, time.March, 10, 11, 0, 0, 0, time.UTC)
	if j.NextRun == nil || !j.NextRun.Equal(want) {
		t.Fatalf("next_run = %v, want %v", j.NextRun, want)
	}

	hourly, daily, _ := fx.ledger.Counts(context.Background(), "alice", "general",
		store.HourStart(testNow()), store.DayStart(testNow()))
	if hourly != 2 || daily != 2 {
		t.Fatalf("usage = %d/%d, want 2/2", hourly, daily)
	}
}

func TestCycleSkipsJobsNotDue(t *testing.T) {
	t.Parallel()

	fx := newLoopFixture(t, Config{})

	future := dueJob("future", "alice")
	later := testNow().Add(time.Hour)
	future.NextRun = &later
	fx.jobs.put(future)

	disabled := dueJob("disabled", "alice")
	disabled.Enabled = false
	fx.jobs.put(disabled)

	backing := dueJob("backing", "alice")
	until := testNow().Add(5 * time.Minute)
	backing.BackoffUntil = &until
	fx.jobs.put(backing)

	fx.loop.cycle(context.Background())

	if got := fx.handler.count(); got != 0 {
		t.Fatalf("handler calls = %d, want 0", got)
	}
}

func TestFailureIncrementsErrorCountAndDefers(t *testing.T) {
	t.Parallel()

	fx := newLoopFixture(t, Config{})
	fx.handler.err = errors.New("upstream 500")

	j := dueJob("flaky", "alice")
	j.ErrorCount = 2
	fx.jobs.put(j)

	fx.loop.cycle(context.Background())

	got := fx.jobs.get("flaky")
	if got.ErrorCount != 3 {
		t.Fatalf("error_count = %d, want 3", got.ErrorCount)
	}
	// Third consecutive failure defers five minutes.
	want := testNow().Add(5 * time.Minute)
	if got.BackoffUntil == nil || !got.BackoffUntil.Equal(want) {
		t.Fatalf("backoff_until = %v, want %v", got.BackoffUntil, want)
	}
	if got.NextRun == nil || !got.NextRun.Equal(*dueJob("flaky", "alice").NextRun) {
		t.Fatalf("next_run changed on failure: %v", got.NextRun)
	}

	// Failed calls do not count against quota.
	hourly, _, _ := fx.ledger.Counts(context.Background(), "alice", "general",
		store.HourStart(testNow()), store.DayStart(testNow()))
	if hourly != 0 {
		t.Fatalf("usage after failure = %d, want 0", hourly)
	}
}

func TestSuccessResetsFailureState(t *testing.T) {
	t.Parallel()

	fx := newLoopFixture(t, Config{})

	j := dueJob("recovering", "alice")
	j.ErrorCount = 4
	past := testNow().Add(-time.Second)
	j.BackoffUntil = &past
	fx.jobs.put(j)

	fx.loop.cycle(context.Background())

	got := fx.jobs.get("recovering")
	if got.ErrorCount != 0 {
		t.Fatalf("error_count = %d, want 0", got.ErrorCount)
	}
	if got.BackoffUntil != nil {
		t.Fatalf("backoff_until = %v, want nil", got.BackoffUntil)
	}
}

func TestRateLimitedJobLeftUntouched(t *testing.T) {
	t.Parallel()

	fx := newLoopFixture(t, Config{})

	// Exhaust the hourly cap for weather (6/hour) before the cycle.
	for range 6 {
		if err := fx.ledger.Record(context.Background(), "alice", "weather", testNow()); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	j := dueJob("capped", "alice")
	j.Integration = "weather"
	fx.jobs.put(j)

	fx.loop.cycle(context.Background())

	if got := fx.handler.count(); got != 0 {
		t.Fatalf("handler calls = %d, want 0", got)
	}
	got := fx.jobs.get("capped")
	if got.ErrorCount != 0 || got.BackoffUntil != nil || got.LastRun != nil {
		t.Fatalf("deferred job mutated: %+v", got)
	}
	// Still due next cycle.
	if !got.Due(testNow().Add(time.Minute)) {
		t.Fatal("deferred job no longer due")
	}
}

func TestFetchErrorStallsCycle(t *testing.T) {
	t.Parallel()

	fx := newLoopFixture(t, Config{})
	fx.jobs.put(dueJob("j1", "alice"))
	fx.jobs.fetchErr = errors.New("database is locked")

	fx.loop.cycle(context.Background())
	if got := fx.handler.count(); got != 0 {
		t.Fatalf("handler calls = %d, want 0", got)
	}

	// Next cycle recovers once the store is healthy again.
	fx.jobs.fetchErr = nil
	fx.loop.cycle(context.Background())
	if got := fx.handler.count(); got != 1 {
		t.Fatalf("handler calls = %d, want 1", got)
	}
}

func TestJobDeletedMidCycle(t *testing.T) {
	t.Parallel()

	fx := newLoopFixture(t, Config{})

	// The job is fetched, then vanishes before its outcome is recorded.
	ghost := dueJob("ghost", "alice")
	fx.loop.recordSuccess(context.Background(), ghost, testNow())
	fx.loop.recordFailure(context.Background(), ghost, testNow(), errors.New("boom"))
}

func TestUnknownJobTypeUsesFallback(t *testing.T) {
	t.Parallel()

	fx := newLoopFixture(t, Config{})

	fallback := &countingHandler{}
	registry := handler.NewRegistry(fallback)
	fx.loop.registry = registry

	j := dueJob("reminder", "alice")
	j.Type = "reminder"
	fx.jobs.put(j)

	fx.loop.cycle(context.Background())

	if got := fallback.count(); got != 1 {
		t.Fatalf("fallback calls = %d, want 1", got)
	}
	got := fx.jobs.get("reminder")
	if got.ErrorCount != 0 {
		t.Fatalf("error_count = %d, want 0", got.ErrorCount)
	}
	if got.LastRun == nil {
		t.Fatal("last_run not recorded")
	}
}

func TestUnknownJobTypeWithoutFallbackFails(t *testing.T) {
	t.Parallel()

	fx := newLoopFixture(t, Config{})

	j := dueJob("weird", "alice")
	j.Type = "teleport"
	fx.jobs.put(j)

	fx.loop.cycle(context.Background())

	got := fx.jobs.get("weird")
	if got.ErrorCount != 1 {
		t.Fatalf("error_count = %d, want 1", got.ErrorCount)
	}
}

func TestHandlerTimeoutEnforced(t *testing.T) {
	t.Parallel()

	fx := newLoopFixture(t, Config{HandlerTimeout: 20 * time.Millisecond})

	slow := handler.Func(func(ctx context.Context, ownerID string, action json.RawMessage) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	})
	registry := handler.NewRegistry(nil)
	if err := registry.Register("http_request", slow); err != nil {
		t.Fatalf("Register: %v", err)
	}
	fx.loop.registry = registry

	fx.jobs.put(dueJob("slow", "alice"))

	start := time.Now()
	fx.loop.cycle(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("cycle took %v, timeout not enforced", elapsed)
	}
	if got := fx.jobs.get("slow"); got.ErrorCount != 1 {
		t.Fatalf("error_count = %d, want 1", got.ErrorCount)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()

	fx := newLoopFixture(t, Config{PollInterval: 10 * time.Millisecond})

	ctx := context.Background()
	if err := fx.loop.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := fx.loop.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start = %v, want ErrAlreadyStarted", err)
	}

	// The registry is sealed once running.
	if err := fx.loop.registry.Register("late", &countingHandler{}); !errors.Is(err, handler.ErrSealed) {
		t.Fatalf("late Register = %v, want ErrSealed", err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := fx.loop.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := fx.loop.Stop(stopCtx); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("second Stop = %v, want ErrNotStarted", err)
	}
}

func TestStopDrainsInFlightHandler(t *testing.T) {
	t.Parallel()

	fx := newLoopFixture(t, Config{PollInterval: 10 * time.Millisecond})

	started := make(chan struct{})
	release := make(chan struct{})
	slow := handler.Func(func(ctx context.Context, _ string, _ json.RawMessage) error {
		close(started)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			// Stopping the loop must never cancel a call in flight;
			// only the handler timeout may.
			return ctx.Err()
		}
	})
	registry := handler.NewRegistry(nil)
	if err := registry.Register("http_request", slow); err != nil {
		t.Fatalf("Register: %v", err)
	}
	fx.loop.registry = registry

	fx.jobs.put(dueJob("inflight", "alice"))

	ctx := context.Background()
	if err := fx.loop.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}

	stopErr := make(chan error, 1)
	go func() {
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		stopErr <- fx.loop.Stop(stopCtx)
	}()

	// Let Stop cancel the loop while the handler is still running, then
	// let the handler finish.
	time.Sleep(50 * time.Millisecond)
	close(release)

	select {
	case err := <-stopErr:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop never returned")
	}

	got := fx.jobs.get("inflight")
	if got.ErrorCount != 0 {
		t.Fatalf("error_count = %d, want 0 (shutdown must not fail the job)", got.ErrorCount)
	}
	if got.BackoffUntil != nil {
		t.Fatalf("backoff_until = %v, want nil", got.BackoffUntil)
	}
	if got.LastRun == nil {
		t.Fatal("success outcome lost during shutdown")
	}

	hourly, _, _ := fx.ledger.Counts(context.Background(), "alice", "general",
		store.HourStart(testNow()), store.DayStart(testNow()))
	if hourly != 1 {
		t.Fatalf("usage = %d, want 1", hourly)
	}
}

func TestUnreachableScheduleCountsOneFailure(t *testing.T) {
	t.Parallel()

	fx := newLoopFixture(t, Config{})

	// Parses fine, never occurs: the handler runs, next-run computation
	// fails, and the attempt must land on exactly one outcome counter.
	j := dueJob("never", "alice")
	j.CronExpression = "0 0 30 2 *"
	fx.jobs.put(j)

	fx.loop.cycle(context.Background())

	if got := fx.handler.count(); got != 1 {
		t.Fatalf("handler calls = %d, want 1", got)
	}
	got := fx.jobs.get("never")
	if got.ErrorCount != 1 {
		t.Fatalf("error_count = %d, want 1", got.ErrorCount)
	}

	success := testutil.ToFloat64(fx.metrics.dispatches.WithLabelValues("success"))
	failure := testutil.ToFloat64(fx.metrics.dispatches.WithLabelValues("failure"))
	if success != 0 {
		t.Errorf("success outcome = %v, want 0", success)
	}
	if failure != 1 {
		t.Errorf("failure outcome = %v, want 1", failure)
	}
}

func TestLoopPollsOnInterval(t *testing.T) {
	t.Parallel()

	fx := newLoopFixture(t, Config{PollInterval: 10 * time.Millisecond})
	fx.jobs.put(dueJob("ticker", "alice"))

	ctx := context.Background()
	if err := fx.loop.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for fx.handler.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := fx.loop.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if fx.handler.count() == 0 {
		t.Fatal("loop never dispatched the due job")
	}
}
