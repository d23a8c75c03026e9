package periodic

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/go-tick/periodic/internal/repository"
	"github.com/rs/zerolog"
)

// trackingFields are maintained by the scheduler and never written by Save.
var trackingFields = []string{"origin", "last_run_at", "next_run_at", "total_run_count", "created_at", "updated_at"}

// RunReport is the outcome of ScheduleStore.RunNow.
type RunReport struct {
	Enqueued int
	Failed   []string
}

// ScheduleStore is the administrative surface over schedule records. It
// enforces the origin rules: code schedules may only be enabled or disabled,
// operator schedules may be edited except for their tracking fields.
type ScheduleStore struct {
	config     *Config
	logger     zerolog.Logger
	dispatcher *dispatcher
}

func NewScheduleStore(config *Config) (*ScheduleStore, error) {
	if config.store == nil {
		return nil, ErrMissingStore
	}

	logger := config.logger.With().Str("component", "store").Logger()
	return &ScheduleStore{
		config:     config,
		logger:     logger,
		dispatcher: newDispatcher(config, logger),
	}, nil
}

func (s *ScheduleStore) Get(ctx context.Context, name string) (*Schedule, error) {
	return s.config.store.GetSchedule(ctx, name)
}

func (s *ScheduleStore) List(ctx context.Context) ([]Schedule, error) {
	return s.config.store.ListSchedules(ctx)
}

// Save validates and persists sch. A zero ID creates an operator schedule.
// When fields is not empty only those columns are written, plus updated_at
// and next_run_at whenever the latter had to change.
func (s *ScheduleStore) Save(ctx context.Context, sch *Schedule, fields ...string) error {
	if err := Validate(sch); err != nil {
		return err
	}

	return s.config.store.InTx(ctx, func(tx Tx) error {
		if sch.ID == 0 {
			return s.create(ctx, tx, sch)
		}

		stored, err := tx.LockScheduleByID(ctx, sch.ID)
		if err != nil {
			return err
		}
		if err := checkEditable(stored, fields); err != nil {
			return err
		}

		sch.Origin = stored.Origin
		sch.LastRunAt = stored.LastRunAt
		sch.NextRunAt = stored.NextRunAt
		sch.TotalRunCount = stored.TotalRunCount
		sch.CreatedAt = stored.CreatedAt
		if timingChanged(stored, sch, fields) {
			sch.NextRunAt = nil
			if len(fields) > 0 {
				fields = append(slices.Clone(fields), "next_run_at")
			}
		}

		return saveSchedule(ctx, tx, sch, fields, s.config.now())
	})
}

func (s *ScheduleStore) create(ctx context.Context, tx Tx, sch *Schedule) error {
	if sch.Origin == "" {
		sch.Origin = OriginOperator
	}
	if sch.Origin != OriginOperator {
		return fmt.Errorf("%w: code schedules are created by sync", ErrReadOnlySchedule)
	}
	if sch.QueueName == "" {
		sch.QueueName = "default"
	}
	if sch.BackendName == "" {
		sch.BackendName = "default"
	}

	now := s.config.now()
	sch.LastRunAt = nil
	sch.NextRunAt = nil
	sch.TotalRunCount = 0
	sch.CreatedAt = now

	return saveSchedule(ctx, tx, sch, nil, now)
}

// Delete removes an operator schedule and, by cascade, its permits.
func (s *ScheduleStore) Delete(ctx context.Context, name string) error {
	return s.config.store.InTx(ctx, func(tx Tx) error {
		sch, err := tx.GetSchedule(ctx, name)
		if err != nil {
			return err
		}
		if sch.Origin == OriginCode {
			return fmt.Errorf("%w: %q", ErrReadOnlySchedule, name)
		}

		return tx.DeleteSchedule(ctx, sch.ID)
	})
}

// SetEnabled enables or disables the named schedules and returns how many
// actually changed state.
func (s *ScheduleStore) SetEnabled(ctx context.Context, enabled bool, names ...string) (int, error) {
	var changed int
	err := s.config.store.InTx(ctx, func(tx Tx) error {
		changed = 0
		now := s.config.now()

		for _, name := range names {
			sch, err := tx.GetSchedule(ctx, name)
			if err != nil {
				return err
			}
			if sch.Enabled == enabled {
				continue
			}

			sch.Enabled = enabled
			if err := saveSchedule(ctx, tx, sch, []string{"enabled"}, now); err != nil {
				return fmt.Errorf("schedule %q: %w", name, err)
			}
			changed++
		}

		return nil
	})

	return changed, err
}

// RunNow dispatches the named schedules immediately without touching their
// tracking fields. Failures are collected per schedule. Permit-gated
// schedules count once their post-commit enqueue has happened; a failed one
// leaves its permit pending for stale recovery.
func (s *ScheduleStore) RunNow(ctx context.Context, names ...string) (RunReport, error) {
	if s.config.resolver == nil {
		return RunReport{}, ErrMissingResolver
	}

	var report RunReport
	err := s.config.store.InTx(ctx, func(tx Tx) error {
		report = RunReport{}

		for _, name := range names {
			err := tx.Savepoint(ctx, func() error {
				sch, err := tx.GetSchedule(ctx, name)
				if err != nil {
					return err
				}
				return s.dispatcher.dispatch(ctx, tx, sch, func(err error) {
					if err != nil {
						report.Failed = append(report.Failed, name)
						return
					}
					report.Enqueued++
				})
			})
			if err != nil {
				s.logger.Error().Err(err).Str("schedule", name).Msg("run now failed")
				report.Failed = append(report.Failed, name)
			}
		}

		return nil
	})

	return report, err
}

func checkEditable(stored *Schedule, fields []string) error {
	if stored.Origin == OriginCode {
		if len(fields) == 0 || slices.ContainsFunc(fields, func(f string) bool { return f != "enabled" }) {
			return fmt.Errorf("%w: %q only accepts enabled", ErrReadOnlySchedule, stored.Name)
		}
		return nil
	}

	for _, f := range fields {
		if slices.Contains(trackingFields, f) {
			return fmt.Errorf("%w: %s is maintained by the scheduler", ErrReadOnlySchedule, f)
		}
	}

	return nil
}

func timingChanged(stored, sch *Schedule, fields []string) bool {
	writes := func(f string) bool { return len(fields) == 0 || slices.Contains(fields, f) }

	return (writes("enabled") && stored.Enabled != sch.Enabled) ||
		(writes("cron_expression") && stored.CronExpression != sch.CronExpression) ||
		(writes("timezone") && stored.Timezone != sch.Timezone)
}

// saveSchedule applies the enable state to next_run_at and writes sch.
func saveSchedule(ctx context.Context, repo repository.Repository, sch *Schedule, fields []string, now time.Time) error {
	before := sch.NextRunAt

	if !sch.Enabled {
		sch.NextRunAt = nil
	} else if sch.NextRunAt == nil {
		next, err := NextFireTime(sch.CronExpression, sch.Timezone, now)
		if err != nil {
			return err
		}
		sch.NextRunAt = &next
	}
	sch.UpdatedAt = now
	sch.Args, sch.Kwargs = sch.Args.Clone(), sch.Kwargs.Clone()

	if sch.ID == 0 {
		return repo.InsertSchedule(ctx, sch)
	}

	if len(fields) > 0 {
		fields = append(slices.Clone(fields), "updated_at")
		if !sameTime(before, sch.NextRunAt) {
			fields = append(fields, "next_run_at")
		}
	}

	return repo.UpdateSchedule(ctx, sch, fields)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
