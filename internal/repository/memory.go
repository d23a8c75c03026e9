package repository

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/go-tick/periodic/internal/model"
)

// MemoryStore is an in-process Store used by tests. Transactions are fully
// serialized, so skip-locked reads behave like plain reads.
type MemoryStore struct {
	txMu sync.Mutex

	state  memoryState
	faults map[string]*fault
}

type memoryState struct {
	schedules  map[int64]model.Schedule
	executions map[string]model.Execution
	nextID     int64
}

type fault struct {
	after int
	calls int
	err   error
}

type memoryTx struct {
	m     *MemoryStore
	hooks []func()
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: memoryState{
			schedules:  map[int64]model.Schedule{},
			executions: map[string]model.Execution{},
		},
		faults: map[string]*fault{},
	}
}

// InjectFault makes the named Repository method fail with err once it has
// succeeded after times.
func (m *MemoryStore) InjectFault(method string, after int, err error) {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.faults[method] = &fault{after: after, err: err}
}

func (m *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	m.txMu.Lock()
	snapshot := m.state.clone()
	tx := &memoryTx{m: m}

	committed := false
	defer func() {
		if !committed {
			m.state = snapshot
			m.txMu.Unlock()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	committed = true
	m.txMu.Unlock()

	for _, hook := range tx.hooks {
		hook()
	}

	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) do(ctx context.Context, fn func(tx Tx) error) error {
	return m.InTx(ctx, fn)
}

func (m *MemoryStore) GetSchedule(ctx context.Context, name string) (sch *model.Schedule, err error) {
	err = m.do(ctx, func(tx Tx) error {
		sch, err = tx.GetSchedule(ctx, name)
		return err
	})
	return sch, err
}

func (m *MemoryStore) GetScheduleByID(ctx context.Context, id int64) (sch *model.Schedule, err error) {
	err = m.do(ctx, func(tx Tx) error {
		sch, err = tx.GetScheduleByID(ctx, id)
		return err
	})
	return sch, err
}

func (m *MemoryStore) LockScheduleByID(ctx context.Context, id int64) (sch *model.Schedule, err error) {
	err = m.do(ctx, func(tx Tx) error {
		sch, err = tx.LockScheduleByID(ctx, id)
		return err
	})
	return sch, err
}

func (m *MemoryStore) ListSchedules(ctx context.Context) (schedules []model.Schedule, err error) {
	err = m.do(ctx, func(tx Tx) error {
		schedules, err = tx.ListSchedules(ctx)
		return err
	})
	return schedules, err
}

func (m *MemoryStore) InsertSchedule(ctx context.Context, sch *model.Schedule) error {
	return m.do(ctx, func(tx Tx) error { return tx.InsertSchedule(ctx, sch) })
}

func (m *MemoryStore) UpdateSchedule(ctx context.Context, sch *model.Schedule, fields []string) error {
	return m.do(ctx, func(tx Tx) error { return tx.UpdateSchedule(ctx, sch, fields) })
}

func (m *MemoryStore) DeleteSchedule(ctx context.Context, id int64) error {
	return m.do(ctx, func(tx Tx) error { return tx.DeleteSchedule(ctx, id) })
}

func (m *MemoryStore) UpsertCodeSchedule(ctx context.Context, sch *model.Schedule) (created bool, err error) {
	err = m.do(ctx, func(tx Tx) error {
		created, err = tx.UpsertCodeSchedule(ctx, sch)
		return err
	})
	return created, err
}

func (m *MemoryStore) DisableStaleCodeSchedules(ctx context.Context, keep []string, at time.Time) (n int64, err error) {
	err = m.do(ctx, func(tx Tx) error {
		n, err = tx.DisableStaleCodeSchedules(ctx, keep, at)
		return err
	})
	return n, err
}

func (m *MemoryStore) DueSchedules(ctx context.Context, now time.Time) (schedules []model.Schedule, err error) {
	err = m.do(ctx, func(tx Tx) error {
		schedules, err = tx.DueSchedules(ctx, now)
		return err
	})
	return schedules, err
}

func (m *MemoryStore) CreateExecution(ctx context.Context, exec *model.Execution) error {
	return m.do(ctx, func(tx Tx) error { return tx.CreateExecution(ctx, exec) })
}

func (m *MemoryStore) GetExecution(ctx context.Context, id string) (exec *model.Execution, err error) {
	err = m.do(ctx, func(tx Tx) error {
		exec, err = tx.GetExecution(ctx, id)
		return err
	})
	return exec, err
}

func (m *MemoryStore) StaleExecutions(ctx context.Context, createdBefore time.Time) (stale []model.StaleExecution, err error) {
	err = m.do(ctx, func(tx Tx) error {
		stale, err = tx.StaleExecutions(ctx, createdBefore)
		return err
	})
	return stale, err
}

func (m *MemoryStore) LockPendingExecution(ctx context.Context, id string) (exec *model.Execution, err error) {
	err = m.do(ctx, func(tx Tx) error {
		exec, err = tx.LockPendingExecution(ctx, id)
		return err
	})
	return exec, err
}

func (m *MemoryStore) CompleteExecution(ctx context.Context, id string, at time.Time) error {
	return m.do(ctx, func(tx Tx) error { return tx.CompleteExecution(ctx, id, at) })
}

func (m *MemoryStore) DeleteOldExecutions(ctx context.Context, createdBefore time.Time) (n int64, err error) {
	err = m.do(ctx, func(tx Tx) error {
		n, err = tx.DeleteOldExecutions(ctx, createdBefore)
		return err
	})
	return n, err
}

func (t *memoryTx) Savepoint(_ context.Context, fn func() error) error {
	snapshot := t.m.state.clone()
	mark := len(t.hooks)
	if err := fn(); err != nil {
		t.m.state = snapshot
		t.hooks = t.hooks[:mark]
		return err
	}
	return nil
}

func (t *memoryTx) OnCommit(fn func()) {
	t.hooks = append(t.hooks, fn)
}

func (t *memoryTx) fault(method string) error {
	f, ok := t.m.faults[method]
	if !ok {
		return nil
	}
	if f.calls < f.after {
		f.calls++
		return nil
	}
	delete(t.m.faults, method)
	return f.err
}

func (t *memoryTx) byName(name string) (model.Schedule, bool) {
	for _, sch := range t.m.state.schedules {
		if sch.Name == name {
			return sch, true
		}
	}
	return model.Schedule{}, false
}

func (t *memoryTx) GetSchedule(_ context.Context, name string) (*model.Schedule, error) {
	if err := t.fault("GetSchedule"); err != nil {
		return nil, err
	}
	sch, ok := t.byName(name)
	if !ok {
		return nil, fmt.Errorf("schedule %q: %w", name, ErrNotFound)
	}
	sch = cloneSchedule(sch)
	return &sch, nil
}

func (t *memoryTx) GetScheduleByID(_ context.Context, id int64) (*model.Schedule, error) {
	if err := t.fault("GetScheduleByID"); err != nil {
		return nil, err
	}
	sch, ok := t.m.state.schedules[id]
	if !ok {
		return nil, fmt.Errorf("schedule id %d: %w", id, ErrNotFound)
	}
	sch = cloneSchedule(sch)
	return &sch, nil
}

func (t *memoryTx) LockScheduleByID(ctx context.Context, id int64) (*model.Schedule, error) {
	if err := t.fault("LockScheduleByID"); err != nil {
		return nil, err
	}
	return t.GetScheduleByID(ctx, id)
}

func (t *memoryTx) ListSchedules(context.Context) ([]model.Schedule, error) {
	if err := t.fault("ListSchedules"); err != nil {
		return nil, err
	}
	schedules := make([]model.Schedule, 0, len(t.m.state.schedules))
	for _, sch := range t.m.state.schedules {
		schedules = append(schedules, cloneSchedule(sch))
	}
	slices.SortFunc(schedules, func(a, b model.Schedule) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return schedules, nil
}

func (t *memoryTx) InsertSchedule(_ context.Context, sch *model.Schedule) error {
	if err := t.fault("InsertSchedule"); err != nil {
		return err
	}
	if _, ok := t.byName(sch.Name); ok {
		return fmt.Errorf("schedule %q already exists", sch.Name)
	}
	t.m.state.nextID++
	sch.ID = t.m.state.nextID
	t.m.state.schedules[sch.ID] = cloneSchedule(*sch)
	return nil
}

func (t *memoryTx) UpdateSchedule(_ context.Context, sch *model.Schedule, fields []string) error {
	if err := t.fault("UpdateSchedule"); err != nil {
		return err
	}
	stored, ok := t.m.state.schedules[sch.ID]
	if !ok {
		return fmt.Errorf("schedule id %d: %w", sch.ID, ErrNotFound)
	}
	if len(fields) == 0 {
		fields = ScheduleFields()
	}
	for _, f := range fields {
		switch f {
		case "name":
			stored.Name = sch.Name
		case "task_identifier":
			stored.TaskIdentifier = sch.TaskIdentifier
		case "cron_expression":
			stored.CronExpression = sch.CronExpression
		case "timezone":
			stored.Timezone = sch.Timezone
		case "args":
			stored.Args = sch.Args
		case "kwargs":
			stored.Kwargs = sch.Kwargs
		case "origin":
			stored.Origin = sch.Origin
		case "enabled":
			stored.Enabled = sch.Enabled
		case "last_run_at":
			stored.LastRunAt = sch.LastRunAt
		case "next_run_at":
			stored.NextRunAt = sch.NextRunAt
		case "total_run_count":
			stored.TotalRunCount = sch.TotalRunCount
		case "queue_name":
			stored.QueueName = sch.QueueName
		case "priority":
			stored.Priority = sch.Priority
		case "backend_name":
			stored.BackendName = sch.BackendName
		case "updated_at":
			stored.UpdatedAt = sch.UpdatedAt
		default:
			return fmt.Errorf("%w: %s", ErrUnknownField, f)
		}
	}
	t.m.state.schedules[sch.ID] = cloneSchedule(stored)
	return nil
}

func (t *memoryTx) DeleteSchedule(_ context.Context, id int64) error {
	if err := t.fault("DeleteSchedule"); err != nil {
		return err
	}
	if _, ok := t.m.state.schedules[id]; !ok {
		return fmt.Errorf("schedule id %d: %w", id, ErrNotFound)
	}
	delete(t.m.state.schedules, id)
	for execID, exec := range t.m.state.executions {
		if exec.ScheduleID == id {
			delete(t.m.state.executions, execID)
		}
	}
	return nil
}

func (t *memoryTx) UpsertCodeSchedule(ctx context.Context, sch *model.Schedule) (bool, error) {
	if err := t.fault("UpsertCodeSchedule"); err != nil {
		return false, err
	}
	stored, ok := t.byName(sch.Name)
	if !ok {
		sch.Origin = model.OriginCode
		sch.Enabled = true
		sch.CreatedAt = sch.UpdatedAt
		return true, t.InsertSchedule(ctx, sch)
	}
	if stored.Origin != model.OriginCode {
		return false, fmt.Errorf("%q: %w", sch.Name, ErrOperatorOwned)
	}
	stored.TaskIdentifier = sch.TaskIdentifier
	stored.CronExpression = sch.CronExpression
	stored.Timezone = sch.Timezone
	stored.Args = sch.Args
	stored.Kwargs = sch.Kwargs
	stored.Enabled = true
	stored.NextRunAt = sch.NextRunAt
	stored.QueueName = sch.QueueName
	stored.Priority = sch.Priority
	stored.BackendName = sch.BackendName
	stored.UpdatedAt = sch.UpdatedAt
	t.m.state.schedules[stored.ID] = cloneSchedule(stored)
	sch.ID = stored.ID
	return false, nil
}

func (t *memoryTx) DisableStaleCodeSchedules(_ context.Context, keep []string, at time.Time) (int64, error) {
	if err := t.fault("DisableStaleCodeSchedules"); err != nil {
		return 0, err
	}
	var n int64
	for id, sch := range t.m.state.schedules {
		if sch.Origin != model.OriginCode || !sch.Enabled || slices.Contains(keep, sch.Name) {
			continue
		}
		sch.Enabled = false
		sch.NextRunAt = nil
		sch.UpdatedAt = at
		t.m.state.schedules[id] = sch
		n++
	}
	return n, nil
}

func (t *memoryTx) DueSchedules(_ context.Context, now time.Time) ([]model.Schedule, error) {
	if err := t.fault("DueSchedules"); err != nil {
		return nil, err
	}
	var due []model.Schedule
	for _, sch := range t.m.state.schedules {
		if sch.Enabled && sch.NextRunAt != nil && !sch.NextRunAt.After(now) {
			due = append(due, cloneSchedule(sch))
		}
	}
	slices.SortFunc(due, func(a, b model.Schedule) int { return a.NextRunAt.Compare(*b.NextRunAt) })
	return due, nil
}

func (t *memoryTx) CreateExecution(_ context.Context, exec *model.Execution) error {
	if err := t.fault("CreateExecution"); err != nil {
		return err
	}
	if _, ok := t.m.state.schedules[exec.ScheduleID]; !ok {
		return fmt.Errorf("schedule id %d: %w", exec.ScheduleID, ErrNotFound)
	}
	if _, ok := t.m.state.executions[exec.ID]; ok {
		return fmt.Errorf("execution %s already exists", exec.ID)
	}
	t.m.state.executions[exec.ID] = *exec
	return nil
}

func (t *memoryTx) GetExecution(_ context.Context, id string) (*model.Execution, error) {
	if err := t.fault("GetExecution"); err != nil {
		return nil, err
	}
	exec, ok := t.m.state.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return &exec, nil
}

func (t *memoryTx) StaleExecutions(_ context.Context, createdBefore time.Time) ([]model.StaleExecution, error) {
	if err := t.fault("StaleExecutions"); err != nil {
		return nil, err
	}
	var stale []model.StaleExecution
	for _, exec := range t.m.state.executions {
		sch, ok := t.m.state.schedules[exec.ScheduleID]
		if !ok || !sch.Enabled || exec.Status != model.ExecutionPending || !exec.CreatedAt.Before(createdBefore) {
			continue
		}
		stale = append(stale, model.StaleExecution{Execution: exec, Schedule: cloneSchedule(sch)})
	}
	slices.SortFunc(stale, func(a, b model.StaleExecution) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return stale, nil
}

func (t *memoryTx) LockPendingExecution(_ context.Context, id string) (*model.Execution, error) {
	if err := t.fault("LockPendingExecution"); err != nil {
		return nil, err
	}
	exec, ok := t.m.state.executions[id]
	if !ok || exec.Status != model.ExecutionPending {
		return nil, nil
	}
	return &exec, nil
}

func (t *memoryTx) CompleteExecution(_ context.Context, id string, at time.Time) error {
	if err := t.fault("CompleteExecution"); err != nil {
		return err
	}
	exec, ok := t.m.state.executions[id]
	if !ok || exec.Status != model.ExecutionPending {
		return fmt.Errorf("pending execution %s: %w", id, ErrNotFound)
	}
	exec.Status = model.ExecutionCompleted
	exec.CompletedAt = &at
	t.m.state.executions[id] = exec
	return nil
}

func (t *memoryTx) DeleteOldExecutions(_ context.Context, createdBefore time.Time) (int64, error) {
	if err := t.fault("DeleteOldExecutions"); err != nil {
		return 0, err
	}
	var n int64
	for id, exec := range t.m.state.executions {
		if exec.Status != model.ExecutionPending && exec.CreatedAt.Before(createdBefore) {
			delete(t.m.state.executions, id)
			n++
		}
	}
	return n, nil
}

func (s memoryState) clone() memoryState {
	c := memoryState{
		schedules:  make(map[int64]model.Schedule, len(s.schedules)),
		executions: make(map[string]model.Execution, len(s.executions)),
		nextID:     s.nextID,
	}
	for id, sch := range s.schedules {
		c.schedules[id] = sch
	}
	for id, exec := range s.executions {
		c.executions[id] = exec
	}
	return c
}

func cloneSchedule(sch model.Schedule) model.Schedule {
	sch.Args = sch.Args.Clone()
	sch.Kwargs = sch.Kwargs.Clone()
	if sch.LastRunAt != nil {
		t := *sch.LastRunAt
		sch.LastRunAt = &t
	}
	if sch.NextRunAt != nil {
		t := *sch.NextRunAt
		sch.NextRunAt = &t
	}
	return sch
}

var _ Store = &MemoryStore{}
var _ Tx = &memoryTx{}
