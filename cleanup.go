package periodic

import (
	"context"
	"time"
)

const minStaleAge = time.Minute

// staleAfter is the age past which a pending permit is assumed to have lost
// its enqueue.
func (s *Scheduler) staleAfter() time.Duration {
	return max(minStaleAge, 2*s.config.interval)
}

// recoverStale enqueues every stale pending permit of an enabled schedule
// again. Rows are locked only while they are read; the enqueue happens after
// the transaction ends and the Guard still decides whether the body runs.
func (s *Scheduler) recoverStale(ctx context.Context) error {
	cutoff := s.config.now().Add(-s.staleAfter())

	var stale []StaleExecution
	err := s.config.store.InTx(ctx, func(tx Tx) error {
		var err error
		stale, err = tx.StaleExecutions(ctx, cutoff)
		return err
	})
	if err != nil {
		return err
	}

	for _, exec := range stale {
		if err := s.dispatcher.redispatch(ctx, exec); err != nil {
			s.logger.Error().Err(err).Str("execution", exec.ID).Str("schedule", exec.Schedule.Name).Msg("stale permit redispatch failed")
			s.config.onError(err)
			continue
		}

		s.config.metrics.staleRedispatch.Inc()
		s.logger.Warn().
			Str("execution", exec.ID).
			Str("schedule", exec.Schedule.Name).
			Time("created_at", exec.CreatedAt).
			Msg("stale permit redispatched")
	}

	return nil
}

// purgeExecutions deletes finished permits older than the retention period.
// Pending permits are kept whatever their age.
func (s *Scheduler) purgeExecutions(ctx context.Context) error {
	n, err := s.config.store.DeleteOldExecutions(ctx, s.config.now().Add(-s.config.retention))
	if err != nil {
		return err
	}

	if n > 0 {
		s.config.metrics.executionsPurged.Add(float64(n))
		s.logger.Debug().Int64("deleted", n).Msg("old executions deleted")
	}

	return nil
}
