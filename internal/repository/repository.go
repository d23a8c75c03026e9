package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-tick/periodic/internal/model"
	"github.com/lib/pq"
)

var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrOperatorOwned = fmt.Errorf("schedule name is owned by an operator record")
	ErrUnknownField  = fmt.Errorf("unknown schedule field")
)

type Repository interface {
	GetSchedule(ctx context.Context, name string) (*model.Schedule, error)
	GetScheduleByID(ctx context.Context, id int64) (*model.Schedule, error)
	LockScheduleByID(ctx context.Context, id int64) (*model.Schedule, error)
	ListSchedules(ctx context.Context) ([]model.Schedule, error)
	InsertSchedule(ctx context.Context, sch *model.Schedule) error
	UpdateSchedule(ctx context.Context, sch *model.Schedule, fields []string) error
	DeleteSchedule(ctx context.Context, id int64) error
	UpsertCodeSchedule(ctx context.Context, sch *model.Schedule) (bool, error)
	DisableStaleCodeSchedules(ctx context.Context, keep []string, at time.Time) (int64, error)
	DueSchedules(ctx context.Context, now time.Time) ([]model.Schedule, error)

	CreateExecution(ctx context.Context, exec *model.Execution) error
	GetExecution(ctx context.Context, id string) (*model.Execution, error)
	StaleExecutions(ctx context.Context, createdBefore time.Time) ([]model.StaleExecution, error)
	LockPendingExecution(ctx context.Context, id string) (*model.Execution, error)
	CompleteExecution(ctx context.Context, id string, at time.Time) error
	DeleteOldExecutions(ctx context.Context, createdBefore time.Time) (int64, error)
}

type Connection interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

type repository struct {
	db Connection
}

const scheduleColumns = `id, name, task_identifier, cron_expression, timezone, args, kwargs, origin, enabled,
	last_run_at, next_run_at, total_run_count, queue_name, priority, backend_name, created_at, updated_at`

const executionColumns = `id, scheduled_task_id, status, created_at, completed_at`

// scheduleFields maps every writable column to its value on a record.
var scheduleFields = map[string]func(*model.Schedule) any{
	"name":            func(s *model.Schedule) any { return s.Name },
	"task_identifier": func(s *model.Schedule) any { return s.TaskIdentifier },
	"cron_expression": func(s *model.Schedule) any { return s.CronExpression },
	"timezone":        func(s *model.Schedule) any { return s.Timezone },
	"args":            func(s *model.Schedule) any { return s.Args },
	"kwargs":          func(s *model.Schedule) any { return s.Kwargs },
	"origin":          func(s *model.Schedule) any { return string(s.Origin) },
	"enabled":         func(s *model.Schedule) any { return s.Enabled },
	"last_run_at":     func(s *model.Schedule) any { return s.LastRunAt },
	"next_run_at":     func(s *model.Schedule) any { return s.NextRunAt },
	"total_run_count": func(s *model.Schedule) any { return s.TotalRunCount },
	"queue_name":      func(s *model.Schedule) any { return s.QueueName },
	"priority":        func(s *model.Schedule) any { return s.Priority },
	"backend_name":    func(s *model.Schedule) any { return s.BackendName },
	"updated_at":      func(s *model.Schedule) any { return s.UpdatedAt },
}

// ScheduleFields returns the sorted names of all writable schedule fields.
func ScheduleFields() []string {
	fields := make([]string, 0, len(scheduleFields))
	for f := range scheduleFields {
		fields = append(fields, f)
	}
	slices.Sort(fields)
	return fields
}

func (r *repository) GetSchedule(ctx context.Context, name string) (*model.Schedule, error) {
	var sch model.Schedule
	err := r.db.GetContext(ctx, &sch, `SELECT `+scheduleColumns+` FROM periodic_scheduled_task WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("schedule %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	return &sch, nil
}

func (r *repository) GetScheduleByID(ctx context.Context, id int64) (*model.Schedule, error) {
	var sch model.Schedule
	err := r.db.GetContext(ctx, &sch, `SELECT `+scheduleColumns+` FROM periodic_scheduled_task WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("schedule id %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	return &sch, nil
}

// LockScheduleByID reads a schedule and holds its row lock until the
// transaction ends, waiting for a scheduler tick that holds it.
func (r *repository) LockScheduleByID(ctx context.Context, id int64) (*model.Schedule, error) {
	var sch model.Schedule
	err := r.db.GetContext(ctx, &sch, `SELECT `+scheduleColumns+` FROM periodic_scheduled_task WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("schedule id %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	return &sch, nil
}

func (r *repository) ListSchedules(ctx context.Context) ([]model.Schedule, error) {
	var schedules []model.Schedule
	err := r.db.SelectContext(ctx, &schedules, `SELECT `+scheduleColumns+` FROM periodic_scheduled_task ORDER BY name`)

	return schedules, err
}

func (r *repository) InsertSchedule(ctx context.Context, sch *model.Schedule) error {
	var row struct {
		ID int64 `db:"id"`
	}
	err := r.db.GetContext(
		ctx,
		&row,
		`INSERT INTO periodic_scheduled_task (
			name, task_identifier, cron_expression, timezone, args, kwargs, origin, enabled,
			last_run_at, next_run_at, total_run_count, queue_name, priority, backend_name, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id`,
		sch.Name,
		sch.TaskIdentifier,
		sch.CronExpression,
		sch.Timezone,
		sch.Args,
		sch.Kwargs,
		string(sch.Origin),
		sch.Enabled,
		sch.LastRunAt,
		sch.NextRunAt,
		sch.TotalRunCount,
		sch.QueueName,
		sch.Priority,
		sch.BackendName,
		sch.CreatedAt,
		sch.UpdatedAt,
	)
	if err != nil {
		return err
	}

	sch.ID = row.ID
	return nil
}

func (r *repository) UpdateSchedule(ctx context.Context, sch *model.Schedule, fields []string) error {
	if len(fields) == 0 {
		fields = ScheduleFields()
	}
	fields = slices.Clone(fields)
	slices.Sort(fields)
	fields = slices.Compact(fields)

	sets := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields)+1)
	for _, f := range fields {
		value, ok := scheduleFields[f]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownField, f)
		}
		args = append(args, value(sch))
		sets = append(sets, fmt.Sprintf("%s = $%d", f, len(args)))
	}
	args = append(args, sch.ID)

	query := fmt.Sprintf(`UPDATE periodic_scheduled_task SET %s WHERE id = $%d`, strings.Join(sets, ", "), len(args))
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	return expectAffected(res, fmt.Sprintf("schedule id %d", sch.ID))
}

func (r *repository) DeleteSchedule(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM periodic_scheduled_task WHERE id = $1`, id)
	if err != nil {
		return err
	}

	return expectAffected(res, fmt.Sprintf("schedule id %d", id))
}

// UpsertCodeSchedule inserts or updates a code-origin schedule keyed by name.
// A name held by an operator record is left alone and ErrOperatorOwned returned.
func (r *repository) UpsertCodeSchedule(ctx context.Context, sch *model.Schedule) (bool, error) {
	var row struct {
		ID       int64 `db:"id"`
		Inserted bool  `db:"inserted"`
	}
	err := r.db.GetContext(
		ctx,
		&row,
		`INSERT INTO periodic_scheduled_task (
			name, task_identifier, cron_expression, timezone, args, kwargs, origin, enabled,
			next_run_at, queue_name, priority, backend_name, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, 'code', TRUE, $7, $8, $9, $10, $11, $11)
		ON CONFLICT (name) DO UPDATE SET
			task_identifier = EXCLUDED.task_identifier,
			cron_expression = EXCLUDED.cron_expression,
			timezone = EXCLUDED.timezone,
			args = EXCLUDED.args,
			kwargs = EXCLUDED.kwargs,
			enabled = TRUE,
			next_run_at = EXCLUDED.next_run_at,
			queue_name = EXCLUDED.queue_name,
			priority = EXCLUDED.priority,
			backend_name = EXCLUDED.backend_name,
			updated_at = EXCLUDED.updated_at
		WHERE periodic_scheduled_task.origin = 'code'
		RETURNING id, (xmax = 0) AS inserted`,
		sch.Name,
		sch.TaskIdentifier,
		sch.CronExpression,
		sch.Timezone,
		sch.Args,
		sch.Kwargs,
		sch.NextRunAt,
		sch.QueueName,
		sch.Priority,
		sch.BackendName,
		sch.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%q: %w", sch.Name, ErrOperatorOwned)
	}
	if err != nil {
		return false, err
	}

	sch.ID = row.ID
	return row.Inserted, nil
}

func (r *repository) DisableStaleCodeSchedules(ctx context.Context, keep []string, at time.Time) (int64, error) {
	if keep == nil {
		keep = []string{}
	}
	res, err := r.db.ExecContext(
		ctx,
		`UPDATE periodic_scheduled_task
		SET enabled = FALSE, next_run_at = NULL, updated_at = $2
		WHERE origin = 'code' AND enabled AND NOT (name = ANY($1))`,
		pq.Array(keep),
		at,
	)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

func (r *repository) DueSchedules(ctx context.Context, now time.Time) ([]model.Schedule, error) {
	var schedules []model.Schedule
	err := r.db.SelectContext(
		ctx,
		&schedules,
		`SELECT `+scheduleColumns+` FROM periodic_scheduled_task
		WHERE enabled AND next_run_at <= $1
		ORDER BY next_run_at
		FOR UPDATE SKIP LOCKED`,
		now,
	)

	return schedules, err
}

func (r *repository) CreateExecution(ctx context.Context, exec *model.Execution) error {
	_, err := r.db.ExecContext(
		ctx,
		`INSERT INTO periodic_task_execution (id, scheduled_task_id, status, created_at) VALUES ($1, $2, $3, $4)`,
		exec.ID,
		exec.ScheduleID,
		string(exec.Status),
		exec.CreatedAt,
	)

	return err
}

func (r *repository) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	var exec model.Execution
	err := r.db.GetContext(ctx, &exec, `SELECT `+executionColumns+` FROM periodic_task_execution WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	return &exec, nil
}

func (r *repository) StaleExecutions(ctx context.Context, createdBefore time.Time) ([]model.StaleExecution, error) {
	var stale []model.StaleExecution
	err := r.db.SelectContext(
		ctx,
		&stale,
		`SELECT
			e.id, e.scheduled_task_id, e.status, e.created_at, e.completed_at,
			s.id AS "schedule.id",
			s.name AS "schedule.name",
			s.task_identifier AS "schedule.task_identifier",
			s.cron_expression AS "schedule.cron_expression",
			s.timezone AS "schedule.timezone",
			s.args AS "schedule.args",
			s.kwargs AS "schedule.kwargs",
			s.origin AS "schedule.origin",
			s.enabled AS "schedule.enabled",
			s.last_run_at AS "schedule.last_run_at",
			s.next_run_at AS "schedule.next_run_at",
			s.total_run_count AS "schedule.total_run_count",
			s.queue_name AS "schedule.queue_name",
			s.priority AS "schedule.priority",
			s.backend_name AS "schedule.backend_name",
			s.created_at AS "schedule.created_at",
			s.updated_at AS "schedule.updated_at"
		FROM periodic_task_execution e
		JOIN periodic_scheduled_task s ON s.id = e.scheduled_task_id
		WHERE e.status = 'pending' AND e.created_at < $1 AND s.enabled
		ORDER BY e.created_at
		FOR UPDATE OF e SKIP LOCKED`,
		createdBefore,
	)

	return stale, err
}

// LockPendingExecution blocks until the permit row is free and returns it
// only if it is still pending. A nil permit with a nil error means there is
// nothing to run.
func (r *repository) LockPendingExecution(ctx context.Context, id string) (*model.Execution, error) {
	var exec model.Execution
	err := r.db.GetContext(
		ctx,
		&exec,
		`SELECT `+executionColumns+` FROM periodic_task_execution
		WHERE id = $1 AND status = 'pending'
		FOR UPDATE`,
		id,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &exec, nil
}

func (r *repository) CompleteExecution(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(
		ctx,
		`UPDATE periodic_task_execution SET status = 'completed', completed_at = $2 WHERE id = $1 AND status = 'pending'`,
		id,
		at,
	)
	if err != nil {
		return err
	}

	return expectAffected(res, fmt.Sprintf("pending execution %s", id))
}

func (r *repository) DeleteOldExecutions(ctx context.Context, createdBefore time.Time) (int64, error) {
	res, err := r.db.ExecContext(
		ctx,
		`DELETE FROM periodic_task_execution WHERE created_at < $1 AND status <> 'pending'`,
		createdBefore,
	)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

func expectAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}

	return nil
}
