package periodic

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/go-tick/periodic/internal/repository"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var (
	errBoom = fmt.Errorf("boom")
	epoch   = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
)

const (
	taskReport  = "app.tasks.report"
	taskOnce    = "app.tasks.once"
	taskBroken  = "app.tasks.broken"
	taskMissing = "app.tasks.missing"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type enqueued struct {
	identifier string
	args       []any
	kwargs     map[string]any
	opts       TaskOptions
}

type fakeBackend struct {
	mu    sync.Mutex
	calls []enqueued
	fail  map[string]error
}

func (b *fakeBackend) Calls() []enqueued {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.calls)
}

func (b *fakeBackend) CallsFor(identifier string) []enqueued {
	var calls []enqueued
	for _, c := range b.Calls() {
		if c.identifier == identifier {
			calls = append(calls, c)
		}
	}
	return calls
}

type fakeTask struct {
	backend *fakeBackend
	id      string
	gated   bool
}

func (t *fakeTask) Identifier() string { return t.id }

func (t *fakeTask) PermitGated() bool { return t.gated }

func (t *fakeTask) Using(opts TaskOptions) ConfiguredTask {
	return &fakeConfigured{task: t, opts: opts}
}

type fakeConfigured struct {
	task *fakeTask
	opts TaskOptions
}

func (c *fakeConfigured) Enqueue(_ context.Context, args []any, kwargs map[string]any) error {
	b := c.task.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fail[c.task.id]; err != nil {
		return err
	}
	b.calls = append(b.calls, enqueued{
		identifier: c.task.id,
		args:       slices.Clone(args),
		kwargs:     maps.Clone(kwargs),
		opts:       c.opts,
	})
	return nil
}

type errorRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (r *errorRecorder) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *errorRecorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.errs)
}

type fixture struct {
	store    *repository.MemoryStore
	backend  *fakeBackend
	catalog  *Catalog
	registry *Registry
	clock    *testClock
	errors   *errorRecorder
	config   *Config
}

func newFixture(t *testing.T, options ...Option[Config]) *fixture {
	t.Helper()

	f := &fixture{
		store:    repository.NewMemoryStore(),
		backend:  &fakeBackend{fail: map[string]error{taskBroken: errBoom}},
		catalog:  NewCatalog(),
		registry: NewRegistry(),
		clock:    &testClock{now: epoch},
		errors:   &errorRecorder{},
	}

	require.NoError(t, f.catalog.Add(taskReport, &fakeTask{backend: f.backend, id: taskReport}))
	require.NoError(t, f.catalog.Add(taskOnce, &fakeTask{backend: f.backend, id: taskOnce, gated: true}))
	require.NoError(t, f.catalog.Add(taskBroken, &fakeTask{backend: f.backend, id: taskBroken}))

	f.config = DefaultConfig(append([]Option[Config]{
		WithStore(f.store),
		WithRegistry(f.registry),
		WithResolver(f.catalog),
		WithClock(f.clock.Now),
		WithLogger(zerolog.Nop()),
		WithErrorObservers(f.errors),
	}, options...)...)

	return f
}

func (f *fixture) sync(t *testing.T) *SyncReport {
	t.Helper()
	report, err := Sync(context.Background(), f.config)
	require.NoError(t, err)
	return report
}

func (f *fixture) scheduler(t *testing.T) *Scheduler {
	t.Helper()
	s, err := NewScheduler(f.config)
	require.NoError(t, err)
	return s
}

func (f *fixture) schedule(t *testing.T, name string) *Schedule {
	t.Helper()
	sch, err := f.store.GetSchedule(context.Background(), name)
	require.NoError(t, err)
	return sch
}

// operatorSchedule stores an enabled operator schedule with its next run at next.
func (f *fixture) operatorSchedule(t *testing.T, name, task, cron string) *Schedule {
	t.Helper()
	sch := &Schedule{
		Name:           name,
		TaskIdentifier: task,
		CronExpression: cron,
		Timezone:       "UTC",
		Enabled:        true,
	}

	store, err := NewScheduleStore(f.config)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), sch))

	return sch
}

func ptr[T any](v T) *T {
	return &v
}
