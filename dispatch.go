package periodic

import (
	"context"
	"maps"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PermitKwarg is the keyword argument carrying the permit id of a
// permit-gated dispatch.
const PermitKwarg = "_periodic_execution_id"

const (
	modeDirect   = "direct"
	modeDeferred = "deferred"
)

type dispatcher struct {
	config *Config
	logger zerolog.Logger
}

func newDispatcher(config *Config, logger zerolog.Logger) *dispatcher {
	return &dispatcher{config: config, logger: logger}
}

// dispatch hands sch to its task backend. A permit-gated task gets a pending
// permit written through tx and is only enqueued once tx commits. When
// enqueued is not nil it receives the result of the enqueue itself, which for
// a permit-gated task is known only after commit.
func (d *dispatcher) dispatch(ctx context.Context, tx Tx, sch *Schedule, enqueued func(error)) error {
	if enqueued == nil {
		enqueued = func(error) {}
	}

	task, err := d.config.resolver.Resolve(sch.TaskIdentifier)
	if err != nil {
		return err
	}
	configured := task.Using(taskOptions(sch))

	if !task.PermitGated() {
		if err := configured.Enqueue(ctx, sch.Args.Clone(), sch.Kwargs.Clone()); err != nil {
			return err
		}
		d.config.metrics.dispatched.WithLabelValues(modeDirect).Inc()
		enqueued(nil)
		return nil
	}

	exec := &Execution{
		ID:         uuid.NewString(),
		ScheduleID: sch.ID,
		Status:     ExecutionPending,
		CreatedAt:  d.config.now(),
	}
	if err := tx.CreateExecution(ctx, exec); err != nil {
		return err
	}

	name := sch.Name
	args, kwargs := sch.Args.Clone(), withPermit(sch.Kwargs, exec.ID)
	hookCtx := context.WithoutCancel(ctx)
	tx.OnCommit(func() {
		if err := configured.Enqueue(hookCtx, args, kwargs); err != nil {
			// the permit stays pending and is picked up by stale recovery
			d.config.metrics.dispatchFailures.Inc()
			d.logger.Error().Err(err).Str("schedule", name).Str("execution", exec.ID).Msg("deferred enqueue failed")
			d.config.onError(err)
			enqueued(err)
			return
		}
		d.config.metrics.dispatched.WithLabelValues(modeDeferred).Inc()
		enqueued(nil)
	})

	return nil
}

// redispatch enqueues a stale permit again, directly, with the owning
// schedule's current options.
func (d *dispatcher) redispatch(ctx context.Context, stale StaleExecution) error {
	task, err := d.config.resolver.Resolve(stale.Schedule.TaskIdentifier)
	if err != nil {
		return err
	}

	return task.Using(taskOptions(&stale.Schedule)).Enqueue(
		ctx,
		stale.Schedule.Args.Clone(),
		withPermit(stale.Schedule.Kwargs, stale.ID),
	)
}

func taskOptions(sch *Schedule) TaskOptions {
	return TaskOptions{
		QueueName:   sch.QueueName,
		Priority:    sch.Priority,
		BackendName: sch.BackendName,
	}
}

func withPermit(kwargs map[string]any, id string) map[string]any {
	merged := make(map[string]any, len(kwargs)+1)
	maps.Copy(merged, kwargs)
	merged[PermitKwarg] = id
	return merged
}
