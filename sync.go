package periodic

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/go-tick/periodic/internal/repository"
)

// SyncReport summarizes one reconciliation of a Registry into the store.
type SyncReport struct {
	Created  int
	Updated  int
	Disabled int
	// Skipped lists entries whose name is held by an operator record.
	Skipped []string
}

// Sync upserts every entry of the configured registry as an enabled code
// schedule and disables code schedules that are no longer registered.
// Operator schedules are never modified. The whole pass is one transaction.
func Sync(ctx context.Context, config *Config) (*SyncReport, error) {
	if config.store == nil {
		return nil, ErrMissingStore
	}

	entries := config.registry.Entries()
	names := slices.Sorted(maps.Keys(entries))
	logger := config.logger.With().Str("component", "sync").Logger()
	now := config.now()

	var report *SyncReport
	err := config.store.InTx(ctx, func(tx Tx) error {
		report = &SyncReport{}

		for _, name := range names {
			entry := entries[name]
			next, err := NextFireTime(entry.CronExpression, entry.Timezone, now)
			if err != nil {
				return fmt.Errorf("schedule %q: %w", name, err)
			}

			sch := &Schedule{
				Name:           entry.Name,
				TaskIdentifier: entry.TaskIdentifier,
				CronExpression: entry.CronExpression,
				Timezone:       entry.Timezone,
				Args:           entry.Args,
				Kwargs:         entry.Kwargs,
				Origin:         OriginCode,
				Enabled:        true,
				NextRunAt:      &next,
				QueueName:      entry.QueueName,
				Priority:       entry.Priority,
				BackendName:    entry.BackendName,
				CreatedAt:      now,
				UpdatedAt:      now,
			}

			created, err := tx.UpsertCodeSchedule(ctx, sch)
			switch {
			case errors.Is(err, repository.ErrOperatorOwned):
				logger.Warn().Str("schedule", name).Msg("name is held by an operator schedule, leaving it untouched")
				report.Skipped = append(report.Skipped, name)
			case err != nil:
				return fmt.Errorf("schedule %q: %w", name, err)
			case created:
				logger.Debug().Str("schedule", name).Time("next_run_at", next).Msg("schedule created")
				report.Created++
			default:
				logger.Debug().Str("schedule", name).Time("next_run_at", next).Msg("schedule updated")
				report.Updated++
			}
		}

		disabled, err := tx.DisableStaleCodeSchedules(ctx, names, now)
		if err != nil {
			return err
		}
		report.Disabled = int(disabled)

		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info().
		Int("created", report.Created).
		Int("updated", report.Updated).
		Int("disabled", report.Disabled).
		Int("skipped", len(report.Skipped)).
		Msg("schedules synced")

	return report, nil
}
