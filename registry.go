package periodic

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
)

// Entry is a code-declared schedule. Entries are immutable once registered.
type Entry struct {
	Name           string
	TaskIdentifier string
	CronExpression string
	Timezone       string
	Args           []any
	Kwargs         map[string]any
	QueueName      string
	Priority       int
	BackendName    string
}

// Registry is the catalog of code-declared schedules. It is built once by
// application wiring and handed to Sync and the Scheduler.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]Entry{}}
}

func WithTimezone(tz string) Option[Entry] {
	return func(e *Entry) {
		e.Timezone = tz
	}
}

func WithArgs(args ...any) Option[Entry] {
	return func(e *Entry) {
		e.Args = args
	}
}

func WithKwargs(kwargs map[string]any) Option[Entry] {
	return func(e *Entry) {
		e.Kwargs = kwargs
	}
}

func WithQueue(name string) Option[Entry] {
	return func(e *Entry) {
		e.QueueName = name
	}
}

func WithPriority(priority int) Option[Entry] {
	return func(e *Entry) {
		e.Priority = priority
	}
}

func WithBackend(name string) Option[Entry] {
	return func(e *Entry) {
		e.BackendName = name
	}
}

// Register adds a schedule named name that dispatches taskIdentifier on cron.
func (r *Registry) Register(taskIdentifier, cron, name string, options ...Option[Entry]) error {
	if strings.TrimSpace(name) == "" {
		return ErrEmptyName
	}
	if !ValidateCron(cron) {
		return fmt.Errorf("%w: %q", ErrInvalidCronExpression, cron)
	}

	entry := Entry{
		Name:           name,
		TaskIdentifier: taskIdentifier,
		CronExpression: cron,
		Timezone:       "UTC",
		QueueName:      "default",
		BackendName:    "default",
	}
	for _, option := range options {
		option(&entry)
	}
	if !ValidateTimezone(entry.Timezone) {
		return fmt.Errorf("%w: %q", ErrInvalidTimezone, entry.Timezone)
	}
	entry = entry.clone()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	r.entries[name] = entry

	return nil
}

// MustRegister is Register for package-level wiring; it panics on error.
func (r *Registry) MustRegister(taskIdentifier, cron, name string, options ...Option[Entry]) {
	if err := r.Register(taskIdentifier, cron, name, options...); err != nil {
		panic(err)
	}
}

// Entries returns a copy of all entries keyed by name.
func (r *Registry) Entries() map[string]Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make(map[string]Entry, len(r.entries))
	for name, entry := range r.entries {
		entries[name] = entry.clone()
	}

	return entries
}

func (e Entry) clone() Entry {
	e.Args = slices.Clone(e.Args)
	if e.Args == nil {
		e.Args = []any{}
	}
	e.Kwargs = maps.Clone(e.Kwargs)
	if e.Kwargs == nil {
		e.Kwargs = map[string]any{}
	}
	return e
}
