package periodic

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSchedulerErrors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name     string
		options  []Option[Config]
		expected error
	}{
		{name: "zero_interval", options: []Option[Config]{WithStore(f.store), WithResolver(f.catalog), WithInterval(0)}, expected: ErrInvalidInterval},
		{name: "negative_interval", options: []Option[Config]{WithStore(f.store), WithResolver(f.catalog), WithInterval(-time.Second)}, expected: ErrInvalidInterval},
		{name: "no_store", options: []Option[Config]{WithResolver(f.catalog)}, expected: ErrMissingStore},
		{name: "no_resolver", options: []Option[Config]{WithStore(f.store)}, expected: ErrMissingResolver},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewScheduler(DefaultConfig(tt.options...))
			assert.ErrorIs(t, err, tt.expected)
			assert.Nil(t, s)
		})
	}
}

func TestTickDispatchesDueSchedules(t *testing.T) {
	f := newFixture(t)
	f.registry.MustRegister(taskReport, "* * * * *", "minutely",
		WithArgs("eu"),
		WithKwargs(map[string]any{"full": true}),
		WithQueue("reports"),
		WithPriority(5),
	)
	f.registry.MustRegister(taskReport, "0 * * * *", "hourly")
	f.sync(t)
	s := f.scheduler(t)

	require.NoError(t, s.Tick(context.Background()))
	assert.Empty(t, f.backend.Calls())

	f.clock.Advance(time.Minute)
	require.NoError(t, s.Tick(context.Background()))

	calls := f.backend.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, enqueued{
		identifier: taskReport,
		args:       []any{"eu"},
		kwargs:     map[string]any{"full": true},
		opts:       TaskOptions{QueueName: "reports", Priority: 5, BackendName: "default"},
	}, calls[0])

	sch := f.schedule(t, "minutely")
	assert.EqualValues(t, 1, sch.TotalRunCount)
	require.NotNil(t, sch.LastRunAt)
	assert.True(t, epoch.Add(time.Minute).Equal(*sch.LastRunAt))
	require.NotNil(t, sch.NextRunAt)
	assert.True(t, epoch.Add(2*time.Minute).Equal(*sch.NextRunAt))

	hourly := f.schedule(t, "hourly")
	assert.Zero(t, hourly.TotalRunCount)
	assert.Nil(t, hourly.LastRunAt)
}

func TestTickSkipsDisabledSchedules(t *testing.T) {
	f := newFixture(t)
	f.registry.MustRegister(taskReport, "* * * * *", "minutely")
	f.sync(t)

	store, err := NewScheduleStore(f.config)
	require.NoError(t, err)
	_, err = store.SetEnabled(context.Background(), false, "minutely")
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	require.NoError(t, f.scheduler(t).Tick(context.Background()))

	assert.Empty(t, f.backend.Calls())
	assert.Zero(t, f.schedule(t, "minutely").TotalRunCount)
}

func TestTickIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	f.registry.MustRegister(taskReport, "* * * * *", "ok-1")
	f.registry.MustRegister(taskBroken, "* * * * *", "broken")
	f.registry.MustRegister(taskMissing, "* * * * *", "missing")
	f.registry.MustRegister(taskOnce, "* * * * *", "ok-2")
	f.sync(t)

	f.clock.Advance(time.Minute)
	require.NoError(t, f.scheduler(t).Tick(context.Background()))

	for _, name := range []string{"ok-1", "ok-2"} {
		sch := f.schedule(t, name)
		assert.EqualValues(t, 1, sch.TotalRunCount, name)
	}
	assert.Len(t, f.backend.CallsFor(taskReport), 1)
	assert.Len(t, f.backend.CallsFor(taskOnce), 1)

	for _, name := range []string{"broken", "missing"} {
		sch := f.schedule(t, name)
		assert.Zero(t, sch.TotalRunCount, name)
		assert.Nil(t, sch.LastRunAt, name)
		require.NotNil(t, sch.NextRunAt, name)
		assert.True(t, sch.NextRunAt.After(epoch.Add(time.Minute)), name)
	}

	errs := f.errors.Errors()
	require.Len(t, errs, 2)
	assert.ErrorIs(t, errors.Join(errs...), errBoom)
	assert.ErrorIs(t, errors.Join(errs...), ErrTaskNotFound)
}

func TestTickDefersGatedDispatchUntilCommit(t *testing.T) {
	f := newFixture(t)
	f.registry.MustRegister(taskOnce, "* * * * *", "once", WithKwargs(map[string]any{"k": "v"}))
	f.sync(t)

	f.clock.Advance(time.Minute)
	require.NoError(t, f.scheduler(t).Tick(context.Background()))

	calls := f.backend.CallsFor(taskOnce)
	require.Len(t, calls, 1)
	permitID, ok := calls[0].kwargs[PermitKwarg].(string)
	require.True(t, ok)
	assert.Equal(t, "v", calls[0].kwargs["k"])

	exec, err := f.store.GetExecution(context.Background(), permitID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionPending, exec.Status)
	assert.Equal(t, f.schedule(t, "once").ID, exec.ScheduleID)
	assert.True(t, epoch.Add(time.Minute).Equal(exec.CreatedAt))

	// the schedule's own kwargs never carry the permit
	assert.NotContains(t, f.schedule(t, "once").Kwargs, PermitKwarg)
}

func TestTickDropsGatedDispatchOnRollback(t *testing.T) {
	f := newFixture(t)
	f.registry.MustRegister(taskOnce, "* * * * *", "once")
	f.sync(t)

	// the tracking update fails, so the permit is rolled back with it
	f.store.InjectFault("UpdateSchedule", 0, errBoom)

	f.clock.Advance(time.Minute)
	require.NoError(t, f.scheduler(t).Tick(context.Background()))

	assert.Empty(t, f.backend.Calls())

	stale, err := f.store.StaleExecutions(context.Background(), epoch.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, stale)

	sch := f.schedule(t, "once")
	assert.Zero(t, sch.TotalRunCount)
	require.NotNil(t, sch.NextRunAt)
	assert.True(t, epoch.Add(2*time.Minute).Equal(*sch.NextRunAt))
}

func TestConcurrentSchedulersDispatchOnce(t *testing.T) {
	f := newFixture(t)
	f.registry.MustRegister(taskReport, "* * * * *", "shared")
	f.sync(t)
	f.clock.Advance(time.Minute)

	schedulers := []*Scheduler{f.scheduler(t), f.scheduler(t)}

	var wg sync.WaitGroup
	for _, s := range schedulers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Tick(context.Background()))
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, f.schedule(t, "shared").TotalRunCount)
	assert.Len(t, f.backend.Calls(), 1)
}

func TestStaleAfter(t *testing.T) {
	tests := []struct {
		name     string
		interval time.Duration
		expected time.Duration
	}{
		{name: "short_interval", interval: 15 * time.Second, expected: time.Minute},
		{name: "half_minute", interval: 30 * time.Second, expected: time.Minute},
		{name: "long_interval", interval: 90 * time.Second, expected: 3 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, WithInterval(tt.interval))
			assert.Equal(t, tt.expected, f.scheduler(t).staleAfter())
		})
	}
}

func TestStalePermitRecovery(t *testing.T) {
	f := newFixture(t)
	f.registry.MustRegister(taskOnce, "0 * * * *", "hourly", WithQueue("slow"), WithArgs(1))
	f.sync(t)
	s := f.scheduler(t)

	f.clock.Set(epoch.Add(time.Hour))
	require.NoError(t, s.Tick(context.Background()))
	require.Len(t, f.backend.Calls(), 1)
	permitID := f.backend.Calls()[0].kwargs[PermitKwarg]

	f.clock.Advance(59 * time.Second)
	require.NoError(t, s.Tick(context.Background()))
	assert.Len(t, f.backend.Calls(), 1, "young permit must not be redispatched")

	f.clock.Advance(2 * time.Second)
	require.NoError(t, s.Tick(context.Background()))
	calls := f.backend.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, permitID, calls[1].kwargs[PermitKwarg])
	assert.Equal(t, []any{1}, calls[1].args)
	assert.Equal(t, "slow", calls[1].opts.QueueName)

	require.NoError(t, s.Tick(context.Background()))
	assert.Len(t, f.backend.Calls(), 3, "every pass redispatches once")

	assert.InDelta(t, 2, testutil.ToFloat64(f.config.metrics.staleRedispatch), 0)
}

func TestStalePermitRecoveryIgnoresDisabledAndCompleted(t *testing.T) {
	f := newFixture(t)
	f.registry.MustRegister(taskOnce, "0 * * * *", "disabled")
	f.registry.MustRegister(taskOnce, "0 * * * *", "completed")
	f.sync(t)
	s := f.scheduler(t)

	f.clock.Set(epoch.Add(time.Hour))
	require.NoError(t, s.Tick(context.Background()))
	require.Len(t, f.backend.Calls(), 2)

	store, err := NewScheduleStore(f.config)
	require.NoError(t, err)
	_, err = store.SetEnabled(context.Background(), false, "disabled")
	require.NoError(t, err)

	completedID := permitFor(t, f, "completed")
	require.NoError(t, f.store.CompleteExecution(context.Background(), completedID, f.clock.Now()))

	f.clock.Advance(10 * time.Minute)
	require.NoError(t, s.Tick(context.Background()))
	assert.Len(t, f.backend.Calls(), 2)
}

func TestRetentionCleanup(t *testing.T) {
	f := newFixture(t)
	sch := f.operatorSchedule(t, "job", taskOnce, "0 0 1 1 *")
	ctx := context.Background()

	executions := map[string]struct {
		status ExecutionStatus
		age    time.Duration
		kept   bool
	}{
		"6f1c0e2a-0000-4000-8000-000000000001": {status: ExecutionCompleted, age: 25 * time.Hour, kept: false},
		"6f1c0e2a-0000-4000-8000-000000000002": {status: ExecutionPending, age: 72 * time.Hour, kept: true},
		"6f1c0e2a-0000-4000-8000-000000000003": {status: ExecutionCompleted, age: time.Hour, kept: true},
	}
	for id, e := range executions {
		require.NoError(t, f.store.CreateExecution(ctx, &Execution{
			ID:         id,
			ScheduleID: sch.ID,
			Status:     e.status,
			CreatedAt:  epoch.Add(-e.age),
		}))
	}

	require.NoError(t, f.scheduler(t).purgeExecutions(ctx))

	for id, e := range executions {
		_, err := f.store.GetExecution(ctx, id)
		if e.kept {
			assert.NoError(t, err, id)
		} else {
			assert.ErrorIs(t, err, ErrScheduleNotFound, id)
		}
	}
	assert.InDelta(t, 1, testutil.ToFloat64(f.config.metrics.executionsPurged), 0)
}

func TestTickSurvivesCleanupFailures(t *testing.T) {
	f := newFixture(t)
	f.registry.MustRegister(taskReport, "* * * * *", "minutely")
	f.sync(t)

	f.store.InjectFault("StaleExecutions", 0, errBoom)
	f.store.InjectFault("DeleteOldExecutions", 0, errBoom)

	f.clock.Advance(time.Minute)
	require.NoError(t, f.scheduler(t).Tick(context.Background()))

	assert.EqualValues(t, 1, f.schedule(t, "minutely").TotalRunCount)
	assert.Len(t, f.errors.Errors(), 2)
}

func TestRunStopsAfterTick(t *testing.T) {
	f := newFixture(t, WithInterval(10*time.Millisecond))
	f.registry.MustRegister(taskReport, "* * * * *", "minutely")
	f.clock.Advance(time.Minute)
	s := f.scheduler(t)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.config.metrics.ticks) >= 2
	}, 5*time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	// Run synced the registry before ticking
	assert.True(t, f.schedule(t, "minutely").Enabled)
}

func TestRunSurvivesSyncFailure(t *testing.T) {
	f := newFixture(t, WithInterval(10*time.Millisecond))
	f.registry.MustRegister(taskReport, "* * * * *", "minutely")
	f.store.InjectFault("UpsertCodeSchedule", 0, errBoom)
	s := f.scheduler(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.config.metrics.ticks) >= 1
	}, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not return after cancel")
	}

	require.NotEmpty(t, f.errors.Errors())
	assert.ErrorIs(t, f.errors.Errors()[0], errBoom)
}

func permitFor(t *testing.T, f *fixture, name string) string {
	t.Helper()
	sch := f.schedule(t, name)

	stale, err := f.store.StaleExecutions(context.Background(), f.clock.Now().Add(time.Hour))
	require.NoError(t, err)
	for _, exec := range stale {
		if exec.ScheduleID == sch.ID {
			return exec.ID
		}
	}

	t.Fatalf("no pending permit for %s", name)
	return ""
}
