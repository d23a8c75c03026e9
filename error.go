package periodic

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/go-tick/periodic/internal/repository"
)

var (
	ErrInvalidCronExpression = fmt.Errorf("invalid cron expression")
	ErrInvalidTimezone       = fmt.Errorf("invalid timezone")
	ErrDuplicateName         = fmt.Errorf("schedule name already registered")
	ErrEmptyName             = fmt.Errorf("schedule name must not be empty")
	ErrInvalidInterval       = fmt.Errorf("interval must be positive")
	ErrTaskNotFound          = fmt.Errorf("task not found")
	ErrTaskWrongType         = fmt.Errorf("not a task")
	ErrValidationFailed      = fmt.Errorf("validation failed")
	ErrReadOnlySchedule      = fmt.Errorf("schedule is managed by code")
	ErrMissingStore          = fmt.Errorf("store is required")
	ErrMissingResolver       = fmt.Errorf("task resolver is required")

	ErrScheduleNotFound = repository.ErrNotFound
)

// ValidationError lists every offending field of a schedule record.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := slices.Sorted(maps.Keys(e.Fields))
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}

	return fmt.Sprintf("%s: %s", ErrValidationFailed, strings.Join(parts, "; "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

// ErrorObserver is notified of every failure the scheduler swallows.
type ErrorObserver interface {
	OnError(err error)
}

// ErrorObserverFunc adapts a function to ErrorObserver.
type ErrorObserverFunc func(err error)

func (f ErrorObserverFunc) OnError(err error) { f(err) }
