package periodic

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Runner is a long-lived scheduling process. Scheduler is the default one.
type Runner interface {
	Run(ctx context.Context) error
	Stop()
}

// Scheduler finds due schedules and dispatches them. Any number of
// schedulers may share one store; row locks keep their work disjoint.
type Scheduler struct {
	config     *Config
	id         string
	logger     zerolog.Logger
	dispatcher *dispatcher
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewScheduler(config *Config) (*Scheduler, error) {
	if config.interval <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInterval, config.interval)
	}
	if config.retention <= 0 {
		return nil, fmt.Errorf("%w: retention %s", ErrInvalidInterval, config.retention)
	}
	if config.store == nil {
		return nil, ErrMissingStore
	}
	if config.resolver == nil {
		return nil, ErrMissingResolver
	}

	id := uuid.NewString()
	logger := config.logger.With().Str("component", "scheduler").Str("instance", id).Logger()

	return &Scheduler{
		config:     config,
		id:         id,
		logger:     logger,
		dispatcher: newDispatcher(config, logger),
		stop:       make(chan struct{}),
	}, nil
}

// ID identifies this scheduler instance in logs.
func (s *Scheduler) ID() string {
	return s.id
}

// Run syncs the registry, then ticks every interval until Stop is called or
// ctx is done. Failures are logged and never end the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info().Dur("interval", s.config.interval).Msg("scheduler started")

	if _, err := Sync(ctx, s.config); err != nil {
		s.fail(err, "sync failed")
	}

	timer := time.NewTimer(s.config.interval)
	defer timer.Stop()

	for {
		select {
		case <-s.stop:
			s.logger.Info().Msg("scheduler stopped")
			return nil
		default:
		}

		if err := s.Tick(ctx); err != nil {
			s.fail(err, "tick failed")
		}

		timer.Reset(s.config.interval)
		select {
		case <-s.stop:
			s.logger.Info().Msg("scheduler stopped")
			return nil
		case <-ctx.Done():
			s.logger.Info().Msg("scheduler context done")
			return nil
		case <-timer.C:
		}
	}
}

// Stop asks Run to return after the tick in progress. It never interrupts
// a tick and is safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Tick recovers stale permits, purges old ones and dispatches every due
// schedule not locked by another scheduler.
func (s *Scheduler) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() {
		s.config.metrics.ticks.Inc()
		s.config.metrics.tickDuration.Observe(time.Since(start).Seconds())
	}()

	if err := s.recoverStale(ctx); err != nil {
		s.fail(err, "stale permit recovery failed")
	}
	if err := s.purgeExecutions(ctx); err != nil {
		s.fail(err, "execution cleanup failed")
	}

	return s.config.store.InTx(ctx, func(tx Tx) error {
		due, err := tx.DueSchedules(ctx, s.config.now())
		if err != nil {
			return err
		}

		for i := range due {
			sch := &due[i]
			err := tx.Savepoint(ctx, func() error {
				return s.process(ctx, tx, sch)
			})
			if err == nil {
				continue
			}

			s.config.metrics.dispatchFailures.Inc()
			s.logger.Error().Err(err).Str("schedule", sch.Name).Str("task", sch.TaskIdentifier).Msg("dispatch failed")
			s.config.onError(err)

			if err := tx.Savepoint(ctx, func() error { return s.advance(ctx, tx, sch) }); err != nil {
				s.logger.Error().Err(err).Str("schedule", sch.Name).Msg("could not advance next run")
			}
		}

		if len(due) > 0 {
			s.logger.Debug().Int("due", len(due)).Msg("tick processed")
		}

		return nil
	})
}

func (s *Scheduler) process(ctx context.Context, tx Tx, due *Schedule) error {
	if err := s.dispatcher.dispatch(ctx, tx, due, nil); err != nil {
		return err
	}

	now := s.config.now()
	next, err := NextFireTime(due.CronExpression, due.Timezone, now)
	if err != nil {
		return err
	}

	sch := *due
	sch.LastRunAt = &now
	sch.NextRunAt = &next
	sch.TotalRunCount++
	if err := saveSchedule(ctx, tx, &sch, []string{"last_run_at", "next_run_at", "total_run_count"}, now); err != nil {
		return err
	}

	s.logger.Debug().
		Str("schedule", sch.Name).
		Int64("total_run_count", sch.TotalRunCount).
		Time("next_run_at", next).
		Msg("schedule dispatched")

	return nil
}

// advance moves a failing schedule past the missed instant.
func (s *Scheduler) advance(ctx context.Context, tx Tx, due *Schedule) error {
	now := s.config.now()
	next, err := NextFireTime(due.CronExpression, due.Timezone, now)
	if err != nil {
		return err
	}

	sch := *due
	sch.NextRunAt = &next
	return saveSchedule(ctx, tx, &sch, []string{"next_run_at"}, now)
}

func (s *Scheduler) fail(err error, msg string) {
	s.logger.Error().Err(err).Msg(msg)
	s.config.onError(err)
}

var _ Runner = &Scheduler{}
