package model

import "time"

type Origin string

const (
	OriginCode     Origin = "code"
	OriginOperator Origin = "operator"
)

type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionCompleted ExecutionStatus = "completed"
)

// Schedule is one row of periodic_scheduled_task.
type Schedule struct {
	ID             int64      `db:"id"`
	Name           string     `db:"name"`
	TaskIdentifier string     `db:"task_identifier"`
	CronExpression string     `db:"cron_expression"`
	Timezone       string     `db:"timezone"`
	Args           Args       `db:"args"`
	Kwargs         Kwargs     `db:"kwargs"`
	Origin         Origin     `db:"origin"`
	Enabled        bool       `db:"enabled"`
	LastRunAt      *time.Time `db:"last_run_at"`
	NextRunAt      *time.Time `db:"next_run_at"`
	TotalRunCount  int64      `db:"total_run_count"`
	QueueName      string     `db:"queue_name"`
	Priority       int        `db:"priority"`
	BackendName    string     `db:"backend_name"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

// Execution is one row of periodic_task_execution, the permit backing a
// single dispatch of a permit-gated task.
type Execution struct {
	ID          string          `db:"id"`
	ScheduleID  int64           `db:"scheduled_task_id"`
	Status      ExecutionStatus `db:"status"`
	CreatedAt   time.Time       `db:"created_at"`
	CompletedAt *time.Time      `db:"completed_at"`
}

// StaleExecution is a pending permit joined with its owning schedule.
type StaleExecution struct {
	Execution
	Schedule Schedule `db:"schedule"`
}
