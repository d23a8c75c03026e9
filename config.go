package periodic

import (
	"context"
	"slices"
	"time"

	"github.com/go-tick/periodic/internal/model"
	"github.com/go-tick/periodic/internal/repository"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Option[T any] func(*T)

type (
	Store           = repository.Store
	Tx              = repository.Tx
	Schedule        = model.Schedule
	Origin          = model.Origin
	Execution       = model.Execution
	ExecutionStatus = model.ExecutionStatus
	// StaleExecution is a pending permit joined with its owning schedule.
	StaleExecution = model.StaleExecution
)

const (
	OriginCode     = model.OriginCode
	OriginOperator = model.OriginOperator

	ExecutionPending   = model.ExecutionPending
	ExecutionCompleted = model.ExecutionCompleted
)

const (
	DefaultInterval  = 15 * time.Second
	DefaultRetention = 24 * time.Hour
)

type Config struct {
	store     Store
	registry  *Registry
	resolver  TaskResolver
	interval  time.Duration
	retention time.Duration
	logger    zerolog.Logger
	clock     func() time.Time
	observers []ErrorObserver
	metrics   *metrics
}

func DefaultConfig(options ...Option[Config]) *Config {
	config := &Config{
		registry:  NewRegistry(),
		interval:  DefaultInterval,
		retention: DefaultRetention,
		logger:    log.Logger,
		clock:     time.Now,
		metrics:   newMetrics(nil),
	}

	for _, option := range options {
		option(config)
	}

	return config
}

func WithStore(store Store) Option[Config] {
	return func(config *Config) {
		config.store = store
	}
}

func WithRegistry(registry *Registry) Option[Config] {
	return func(config *Config) {
		config.registry = registry
	}
}

func WithResolver(resolver TaskResolver) Option[Config] {
	return func(config *Config) {
		config.resolver = resolver
	}
}

// WithInterval sets the idle time between scheduler ticks.
func WithInterval(interval time.Duration) Option[Config] {
	return func(config *Config) {
		config.interval = interval
	}
}

// WithRetention sets how long completed permits are kept.
func WithRetention(retention time.Duration) Option[Config] {
	return func(config *Config) {
		config.retention = retention
	}
}

func WithLogger(logger zerolog.Logger) Option[Config] {
	return func(config *Config) {
		config.logger = logger
	}
}

func WithClock(clock func() time.Time) Option[Config] {
	return func(config *Config) {
		config.clock = clock
	}
}

func WithErrorObservers(observers ...ErrorObserver) Option[Config] {
	return func(config *Config) {
		config.observers = append(config.observers, observers...)
	}
}

// WithMetrics registers the scheduler collectors on reg.
func WithMetrics(reg prometheus.Registerer) Option[Config] {
	return func(config *Config) {
		config.metrics = newMetrics(reg)
	}
}

func (c *Config) Store() Store { return c.store }

func (c *Config) Registry() *Registry { return c.registry }

func (c *Config) Interval() time.Duration { return c.interval }

func (c *Config) now() time.Time {
	return c.clock().UTC()
}

func (c *Config) onError(err error) {
	for _, observer := range slices.Clone(c.observers) {
		observer.OnError(err)
	}
}

// OpenStore connects to Postgres with a lib/pq connection string.
func OpenStore(ctx context.Context, conn string) (Store, error) {
	return repository.Open(ctx, conn)
}

func NewStore(db *sqlx.DB) Store {
	return repository.NewStore(db)
}
