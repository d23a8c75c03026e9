package periodic

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-tick/periodic/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		schedule Schedule
		fields   []string
	}{
		{
			name:     "valid",
			schedule: Schedule{Name: "ok", TaskIdentifier: taskReport, CronExpression: "* * * * *", Timezone: "UTC"},
		},
		{
			name:     "bad_cron",
			schedule: Schedule{Name: "x", TaskIdentifier: taskReport, CronExpression: "* *", Timezone: "UTC"},
			fields:   []string{"cron_expression"},
		},
		{
			name:     "everything_wrong",
			schedule: Schedule{Name: "x", TaskIdentifier: "nodots", CronExpression: "bad", Timezone: "Not/AZone"},
			fields:   []string{"cron_expression", "task_identifier", "timezone"},
		},
		{
			name:     "blank_name",
			schedule: Schedule{Name: " ", TaskIdentifier: taskReport, CronExpression: "* * * * *", Timezone: "UTC"},
			fields:   []string{"name"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.schedule)
			if tt.fields == nil {
				assert.NoError(t, err)
				return
			}

			require.ErrorIs(t, err, ErrValidationFailed)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))

			keys := make([]string, 0, len(verr.Fields))
			for k := range verr.Fields {
				keys = append(keys, k)
			}
			assert.ElementsMatch(t, tt.fields, keys)
		})
	}
}

func TestSaveCreatesOperatorSchedule(t *testing.T) {
	f := newFixture(t)
	store, err := NewScheduleStore(f.config)
	require.NoError(t, err)

	enabled := &Schedule{Name: "on", TaskIdentifier: taskReport, CronExpression: "0 13 * * *", Timezone: "UTC", Enabled: true, TotalRunCount: 99}
	disabled := &Schedule{Name: "off", TaskIdentifier: taskReport, CronExpression: "0 13 * * *", Timezone: "UTC", NextRunAt: ptr(epoch)}
	require.NoError(t, store.Save(context.Background(), enabled))
	require.NoError(t, store.Save(context.Background(), disabled))

	on := f.schedule(t, "on")
	assert.Equal(t, OriginOperator, on.Origin)
	assert.Equal(t, "default", on.QueueName)
	assert.Equal(t, "default", on.BackendName)
	assert.Zero(t, on.TotalRunCount)
	require.NotNil(t, on.NextRunAt)
	assert.True(t, epoch.Add(time.Hour).Equal(*on.NextRunAt))
	assert.True(t, epoch.Equal(on.CreatedAt))

	assert.Nil(t, f.schedule(t, "off").NextRunAt)
}

func TestSaveRejectsInvalidSchedule(t *testing.T) {
	f := newFixture(t)
	store, err := NewScheduleStore(f.config)
	require.NoError(t, err)

	err = store.Save(context.Background(), &Schedule{Name: "bad", TaskIdentifier: "x", CronExpression: "x", Timezone: "UTC", Enabled: true})
	assert.ErrorIs(t, err, ErrValidationFailed)

	schedules, err := f.store.ListSchedules(context.Background())
	require.NoError(t, err)
	assert.Empty(t, schedules)
}

func TestSaveRejectsCodeOrigin(t *testing.T) {
	f := newFixture(t)
	store, err := NewScheduleStore(f.config)
	require.NoError(t, err)

	err = store.Save(context.Background(), &Schedule{Name: "c", TaskIdentifier: taskReport, CronExpression: "* * * * *", Timezone: "UTC", Origin: OriginCode})
	assert.ErrorIs(t, err, ErrReadOnlySchedule)
}

func TestSaveUpdatesOperatorSchedule(t *testing.T) {
	f := newFixture(t)
	store, err := NewScheduleStore(f.config)
	require.NoError(t, err)
	sch := f.operatorSchedule(t, "manual", taskReport, "0 13 * * *")

	tests := []struct {
		name   string
		edit   func(*Schedule)
		fields []string
		check  func(*testing.T, *Schedule)
	}{
		{
			name:   "disable_clears_next_run",
			edit:   func(s *Schedule) { s.Enabled = false },
			fields: []string{"enabled"},
			check: func(t *testing.T, s *Schedule) {
				assert.False(t, s.Enabled)
				assert.Nil(t, s.NextRunAt)
			},
		},
		{
			name:   "enable_computes_next_run",
			edit:   func(s *Schedule) { s.Enabled = true },
			fields: []string{"enabled"},
			check: func(t *testing.T, s *Schedule) {
				require.NotNil(t, s.NextRunAt)
				assert.True(t, epoch.Add(time.Hour).Equal(*s.NextRunAt))
			},
		},
		{
			name:   "cron_change_recomputes_next_run",
			edit:   func(s *Schedule) { s.CronExpression = "30 12 * * *" },
			fields: []string{"cron_expression"},
			check: func(t *testing.T, s *Schedule) {
				require.NotNil(t, s.NextRunAt)
				assert.True(t, epoch.Add(30*time.Minute).Equal(*s.NextRunAt))
			},
		},
		{
			name: "full_save_keeps_tracking_fields",
			edit: func(s *Schedule) {
				s.QueueName = "other"
				s.TotalRunCount = 1000
				s.LastRunAt = ptr(epoch)
			},
			check: func(t *testing.T, s *Schedule) {
				assert.Equal(t, "other", s.QueueName)
				assert.Zero(t, s.TotalRunCount)
				assert.Nil(t, s.LastRunAt)
				require.NotNil(t, s.NextRunAt)
				assert.True(t, epoch.Add(30*time.Minute).Equal(*s.NextRunAt))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			current := f.schedule(t, sch.Name)
			tt.edit(current)
			require.NoError(t, store.Save(context.Background(), current, tt.fields...))

			stored := f.schedule(t, sch.Name)
			assert.True(t, epoch.Equal(stored.UpdatedAt))
			tt.check(t, stored)
		})
	}
}

func TestSaveLocksStoredRow(t *testing.T) {
	f := newFixture(t)
	store, err := NewScheduleStore(f.config)
	require.NoError(t, err)
	sch := f.operatorSchedule(t, "manual", taskReport, "0 13 * * *")

	f.store.InjectFault("LockScheduleByID", 0, errBoom)
	sch.QueueName = "other"
	assert.ErrorIs(t, store.Save(context.Background(), sch), errBoom)
	assert.Equal(t, "default", f.schedule(t, "manual").QueueName)
}

func TestSaveEnforcesOrigin(t *testing.T) {
	f := newFixture(t)
	f.registry.MustRegister(taskReport, "* * * * *", "code")
	f.sync(t)
	f.operatorSchedule(t, "manual", taskReport, "0 13 * * *")
	store, err := NewScheduleStore(f.config)
	require.NoError(t, err)

	tests := []struct {
		name     string
		schedule string
		edit     func(*Schedule)
		fields   []string
		expected error
	}{
		{name: "code_enabled", schedule: "code", edit: func(s *Schedule) { s.Enabled = false }, fields: []string{"enabled"}},
		{name: "code_cron", schedule: "code", edit: func(s *Schedule) { s.CronExpression = "0 * * * *" }, fields: []string{"cron_expression"}, expected: ErrReadOnlySchedule},
		{name: "code_full_save", schedule: "code", edit: func(s *Schedule) {}, expected: ErrReadOnlySchedule},
		{name: "operator_tracking", schedule: "manual", edit: func(s *Schedule) { s.TotalRunCount = 5 }, fields: []string{"total_run_count"}, expected: ErrReadOnlySchedule},
		{name: "operator_origin", schedule: "manual", edit: func(s *Schedule) { s.Origin = OriginCode }, fields: []string{"origin"}, expected: ErrReadOnlySchedule},
		{name: "operator_args", schedule: "manual", edit: func(s *Schedule) { s.Args = []any{"a"} }, fields: []string{"args"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sch := f.schedule(t, tt.schedule)
			tt.edit(sch)

			err := store.Save(context.Background(), sch, tt.fields...)
			if tt.expected != nil {
				assert.ErrorIs(t, err, tt.expected)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	f.registry.MustRegister(taskReport, "* * * * *", "code")
	f.sync(t)
	manual := f.operatorSchedule(t, "manual", taskOnce, "0 13 * * *")
	permit := newPermit(t, f)
	require.NoError(t, f.store.CreateExecution(context.Background(), &Execution{
		ID:         "0b7f6c1e-1111-4111-8111-111111111111",
		ScheduleID: manual.ID,
		Status:     ExecutionPending,
		CreatedAt:  epoch,
	}))
	store, err := NewScheduleStore(f.config)
	require.NoError(t, err)

	assert.ErrorIs(t, store.Delete(context.Background(), "code"), ErrReadOnlySchedule)
	assert.ErrorIs(t, store.Delete(context.Background(), "nope"), ErrScheduleNotFound)

	require.NoError(t, store.Delete(context.Background(), "manual"))

	_, err = store.Get(context.Background(), "manual")
	assert.ErrorIs(t, err, ErrScheduleNotFound)
	_, err = f.store.GetExecution(context.Background(), "0b7f6c1e-1111-4111-8111-111111111111")
	assert.ErrorIs(t, err, ErrScheduleNotFound)
	_, err = f.store.GetExecution(context.Background(), permit)
	assert.NoError(t, err, "permits of other schedules survive")
}

func TestSetEnabled(t *testing.T) {
	f := newFixture(t)
	f.registry.MustRegister(taskReport, "* * * * *", "a")
	f.registry.MustRegister(taskReport, "* * * * *", "b")
	f.sync(t)
	store, err := NewScheduleStore(f.config)
	require.NoError(t, err)

	n, err := store.SetEnabled(context.Background(), false, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = store.SetEnabled(context.Background(), false, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for _, name := range []string{"a", "b"} {
		sch := f.schedule(t, name)
		assert.False(t, sch.Enabled)
		assert.Nil(t, sch.NextRunAt)
	}

	f.clock.Advance(90 * time.Second)
	n, err = store.SetEnabled(context.Background(), true, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	a := f.schedule(t, "a")
	assert.True(t, a.Enabled)
	require.NotNil(t, a.NextRunAt)
	assert.True(t, epoch.Add(2*time.Minute).Equal(*a.NextRunAt))

	_, err = store.SetEnabled(context.Background(), true, "missing")
	assert.ErrorIs(t, err, ErrScheduleNotFound)
}

func TestRunNow(t *testing.T) {
	f := newFixture(t)
	f.registry.MustRegister(taskReport, "0 0 1 1 *", "report")
	f.registry.MustRegister(taskOnce, "0 0 1 1 *", "once")
	f.registry.MustRegister(taskBroken, "0 0 1 1 *", "broken")
	f.registry.MustRegister(taskMissing, "0 0 1 1 *", "missing")
	f.sync(t)
	store, err := NewScheduleStore(f.config)
	require.NoError(t, err)

	report, err := store.RunNow(context.Background(), "report", "broken", "once", "missing", "nope")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Enqueued)
	assert.Equal(t, []string{"broken", "missing", "nope"}, report.Failed)

	assert.Len(t, f.backend.CallsFor(taskReport), 1)
	onceCalls := f.backend.CallsFor(taskOnce)
	require.Len(t, onceCalls, 1)
	assert.Contains(t, onceCalls[0].kwargs, PermitKwarg)

	for _, name := range []string{"report", "once"} {
		sch := f.schedule(t, name)
		assert.Zero(t, sch.TotalRunCount)
		assert.Nil(t, sch.LastRunAt)
	}
}

func TestRunNowCountsDeferredEnqueue(t *testing.T) {
	f := newFixture(t)
	f.registry.MustRegister(taskReport, "0 0 1 1 *", "report")
	f.registry.MustRegister(taskOnce, "0 0 1 1 *", "once")
	f.sync(t)
	f.backend.fail[taskOnce] = errBoom
	store, err := NewScheduleStore(f.config)
	require.NoError(t, err)

	report, err := store.RunNow(context.Background(), "once", "report")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Enqueued)
	assert.Equal(t, []string{"once"}, report.Failed)

	stale, err := f.store.StaleExecutions(context.Background(), epoch.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "once", stale[0].Schedule.Name)
}

func TestRunNowRequiresResolver(t *testing.T) {
	store, err := NewScheduleStore(DefaultConfig(WithStore(repository.NewMemoryStore())))
	require.NoError(t, err)

	_, err = store.RunNow(context.Background(), "x")
	assert.ErrorIs(t, err, ErrMissingResolver)
}
