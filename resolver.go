package periodic

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// TaskOptions select where a dispatched task runs.
type TaskOptions struct {
	QueueName   string
	Priority    int
	BackendName string
}

// Task is a handle on a task defined in the task-execution backend.
type Task interface {
	Identifier() string
	// PermitGated reports whether the task body is wrapped by a Guard and
	// expects a permit id among its keyword arguments.
	PermitGated() bool
	Using(opts TaskOptions) ConfiguredTask
}

// ConfiguredTask is a Task bound to a queue, priority and backend.
type ConfiguredTask interface {
	Enqueue(ctx context.Context, args []any, kwargs map[string]any) error
}

// TaskResolver maps a task identifier to a Task.
type TaskResolver interface {
	Resolve(identifier string) (Task, error)
}

// Catalog is the default TaskResolver: a registry of objects keyed by
// identifier. Anything may be added; only Task values resolve.
type Catalog struct {
	mu      sync.RWMutex
	objects map[string]any
}

func NewCatalog() *Catalog {
	return &Catalog{objects: map[string]any{}}
}

// Add registers obj under identifier.
func (c *Catalog) Add(identifier string, obj any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.objects[identifier]; ok {
		return fmt.Errorf("%w: task %q", ErrDuplicateName, identifier)
	}
	c.objects[identifier] = obj

	return nil
}

func (c *Catalog) Resolve(identifier string) (Task, error) {
	c.mu.RLock()
	obj, ok := c.objects[identifier]
	c.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTaskNotFound, identifier)
	}

	task, ok := obj.(Task)
	if !ok {
		return nil, fmt.Errorf("%w: %q is %T", ErrTaskWrongType, identifier, obj)
	}

	return task, nil
}

// Identifiers returns the sorted identifiers that resolve to a Task.
func (c *Catalog) Identifiers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.objects))
	for _, id := range slices.Sorted(maps.Keys(c.objects)) {
		if _, ok := c.objects[id].(Task); ok {
			ids = append(ids, id)
		}
	}

	return ids
}

var _ TaskResolver = &Catalog{}
