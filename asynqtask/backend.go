package asynqtask

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/go-tick/periodic"
	"github.com/hibiken/asynq"
)

// Backend runs periodic tasks on asynq. Each named backend is one asynq
// client, usually one Redis.
type Backend struct {
	config       *periodic.Config
	catalog      *periodic.Catalog
	clients      map[string]*asynq.Client
	tasks        map[string]*Task
	serializer   PayloadSerializer
	deserializer PayloadDeserializer
}

// WithClient registers client as the backend called name.
func WithClient(name string, client *asynq.Client) periodic.Option[Backend] {
	return func(b *Backend) {
		b.clients[name] = client
	}
}

// WithRedis registers a client on opt as the backend called name.
func WithRedis(name string, opt asynq.RedisConnOpt) periodic.Option[Backend] {
	return WithClient(name, asynq.NewClient(opt))
}

func WithCatalog(catalog *periodic.Catalog) periodic.Option[Backend] {
	return func(b *Backend) {
		b.catalog = catalog
	}
}

func WithPayloadSerializer(serializer PayloadSerializer) periodic.Option[Backend] {
	return func(b *Backend) {
		b.serializer = serializer
	}
}

func WithPayloadDeserializer(deserializer PayloadDeserializer) periodic.Option[Backend] {
	return func(b *Backend) {
		b.deserializer = deserializer
	}
}

// NewBackend builds a Backend. config supplies the store used by the Guards
// of permit-gated tasks.
func NewBackend(config *periodic.Config, options ...periodic.Option[Backend]) *Backend {
	b := &Backend{
		config:       config,
		catalog:      periodic.NewCatalog(),
		clients:      map[string]*asynq.Client{},
		tasks:        map[string]*Task{},
		serializer:   DefaultPayloadSerializer,
		deserializer: DefaultPayloadDeserializer,
	}

	for _, option := range options {
		option(b)
	}

	return b
}

// Definition holds the options of a defined task.
type Definition struct {
	gated bool
}

// PermitGated makes every scheduled dispatch of the task carry a permit and
// run its body at most once per permit.
func PermitGated() periodic.Option[Definition] {
	return func(d *Definition) {
		d.gated = true
	}
}

// Define adds a task to the backend's catalog.
func (b *Backend) Define(identifier string, fn periodic.TaskFunc, options ...periodic.Option[Definition]) (*Task, error) {
	if identifier == "" {
		return nil, ErrInvalidTaskName
	}

	var def Definition
	for _, option := range options {
		option(&def)
	}

	task := &Task{backend: b, identifier: identifier, fn: fn}
	if def.gated {
		guard, err := periodic.NewGuard(b.config, fn)
		if err != nil {
			return nil, err
		}
		task.guard = guard
	}

	if err := b.catalog.Add(identifier, task); err != nil {
		return nil, err
	}
	b.tasks[identifier] = task

	return task, nil
}

// MustDefine is Define for package-level wiring; it panics on error.
func (b *Backend) MustDefine(identifier string, fn periodic.TaskFunc, options ...periodic.Option[Definition]) *Task {
	task, err := b.Define(identifier, fn, options...)
	if err != nil {
		panic(err)
	}
	return task
}

func (b *Backend) Resolve(identifier string) (periodic.Task, error) {
	return b.catalog.Resolve(identifier)
}

// Identifiers lists the identifiers of every defined task.
func (b *Backend) Identifiers() []string {
	return b.catalog.Identifiers()
}

// Handler routes asynq tasks to the defined task bodies.
func (b *Backend) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	for _, id := range slices.Sorted(maps.Keys(b.tasks)) {
		mux.Handle(id, b.tasks[id])
	}
	return mux
}

func (b *Backend) Close() error {
	var errs []error
	for name, client := range b.clients {
		if err := client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("backend %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (b *Backend) client(name string) (*asynq.Client, error) {
	client, ok := b.clients[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
	return client, nil
}

// Task is a task defined on a Backend.
type Task struct {
	backend    *Backend
	identifier string
	fn         periodic.TaskFunc
	guard      *periodic.Guard
}

func (t *Task) Identifier() string { return t.identifier }

func (t *Task) PermitGated() bool { return t.guard != nil }

func (t *Task) Using(opts periodic.TaskOptions) periodic.ConfiguredTask {
	return &configuredTask{task: t, opts: opts}
}

// ProcessTask runs the body for one delivery. A skipped permit is not an
// error, so asynq does not retry it.
func (t *Task) ProcessTask(ctx context.Context, task *asynq.Task) error {
	payload, err := t.backend.deserializer(task.Payload())
	if err != nil {
		return fmt.Errorf("%w: %w", asynq.SkipRetry, err)
	}

	if t.guard == nil {
		return t.fn(ctx, payload.Args, payload.Kwargs)
	}

	_, err = t.guard.Invoke(ctx, payload.Args, payload.Kwargs)
	return err
}

type configuredTask struct {
	task *Task
	opts periodic.TaskOptions
}

func (c *configuredTask) Enqueue(ctx context.Context, args []any, kwargs map[string]any) error {
	client, err := c.task.backend.client(c.opts.BackendName)
	if err != nil {
		return err
	}

	payload, err := c.task.backend.serializer(Payload{
		Args:     args,
		Kwargs:   kwargs,
		Priority: c.opts.Priority,
	})
	if err != nil {
		return err
	}

	_, err = client.EnqueueContext(ctx, asynq.NewTask(c.task.identifier, payload), asynq.Queue(c.opts.QueueName))
	return err
}

var _ periodic.TaskResolver = &Backend{}
var _ periodic.Task = &Task{}
var _ asynq.Handler = &Task{}
