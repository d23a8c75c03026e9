// Package command implements the periodic command line: the scheduler and
// worker processes, schema migrations and operator schedule management.
package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-tick/periodic"
	"github.com/go-tick/periodic/asynqtask"
	"github.com/go-tick/periodic/internal/config"
	"github.com/go-tick/periodic/internal/logging"
	"github.com/go-tick/periodic/internal/migration"
	"github.com/hibiken/asynq"
	"github.com/mitchellh/cli"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// App describes a binary built on periodic: the schedules it declares and the
// task bodies its workers run.
type App struct {
	Name    string
	Version string

	// Setup registers code schedules on registry and task bodies on backend.
	Setup func(registry *periodic.Registry, backend *asynqtask.Backend) error

	// OpenStore opens the schedule store. Defaults to periodic.OpenStore.
	OpenStore func(ctx context.Context, conn string) (periodic.Store, error)

	// NewRunner builds the scheduling process. Defaults to a Scheduler.
	NewRunner func(config *periodic.Config) (periodic.Runner, error)

	Stdout io.Writer
	Stderr io.Writer
}

// Run executes the command named by args and returns the exit status.
func Run(app App, args []string) int {
	if app.Name == "" {
		app.Name = "periodic"
	}
	if app.Stdout == nil {
		app.Stdout = os.Stdout
	}
	if app.Stderr == nil {
		app.Stderr = os.Stderr
	}
	if app.OpenStore == nil {
		app.OpenStore = periodic.OpenStore
	}
	if app.NewRunner == nil {
		app.NewRunner = newSchedulerRunner
	}

	ui := &cli.BasicUi{Writer: app.Stdout, ErrorWriter: app.Stderr}

	c := cli.NewCLI(app.Name, app.Version)
	c.Args = args
	c.HelpWriter = app.Stdout
	c.ErrorWriter = app.Stderr
	c.Commands = Commands(&app, ui)

	status, err := c.Run()
	if err != nil {
		ui.Error(err.Error())
		return 1
	}

	return status
}

// Commands returns the command table of app.
func Commands(app *App, ui cli.Ui) map[string]cli.CommandFactory {
	base := func(name string) *baseCommand {
		return &baseCommand{app: app, ui: ui, name: name}
	}

	return map[string]cli.CommandFactory{
		"scheduler": func() (cli.Command, error) {
			return &SchedulerCommand{baseCommand: base("scheduler")}, nil
		},
		"worker": func() (cli.Command, error) {
			return &WorkerCommand{baseCommand: base("worker")}, nil
		},
		"migrate": func() (cli.Command, error) {
			return &MigrateCommand{baseCommand: base("migrate")}, nil
		},
		"schedules": func() (cli.Command, error) {
			return &SchedulesCommand{baseCommand: base("schedules")}, nil
		},
		"schedules list": func() (cli.Command, error) {
			return &ListCommand{baseCommand: base("schedules list")}, nil
		},
		"schedules enable": func() (cli.Command, error) {
			return &EnableCommand{baseCommand: base("schedules enable"), enabled: true}, nil
		},
		"schedules disable": func() (cli.Command, error) {
			return &EnableCommand{baseCommand: base("schedules disable"), enabled: false}, nil
		},
		"schedules run-now": func() (cli.Command, error) {
			return &RunNowCommand{baseCommand: base("schedules run-now")}, nil
		},
		"schedules sync": func() (cli.Command, error) {
			return &SyncCommand{baseCommand: base("schedules sync")}, nil
		},
		"tasks": func() (cli.Command, error) {
			return &TasksCommand{baseCommand: base("tasks")}, nil
		},
	}
}

func newSchedulerRunner(config *periodic.Config) (periodic.Runner, error) {
	return periodic.NewScheduler(config)
}

// runtime is everything a command needs once the config file is loaded.
type runtime struct {
	cfg      *config.Config
	logger   zerolog.Logger
	store    periodic.Store
	metrics  *prometheus.Registry
	config   *periodic.Config
	backend  *asynqtask.Backend
	redisOpt map[string]asynq.RedisClientOpt
	runner   func(*periodic.Config) (periodic.Runner, error)
}

func (a *App) newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Console, a.Stderr)

	if cfg.Database.Migrate {
		if err := migration.Up(cfg.Database.Conn); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info().Msg("schema migrated")
	}

	store, err := a.OpenStore(ctx, cfg.Database.Conn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	rt := &runtime{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		metrics:  prometheus.NewRegistry(),
		redisOpt: map[string]asynq.RedisClientOpt{},
		runner:   a.NewRunner,
	}
	if rt.runner == nil {
		rt.runner = newSchedulerRunner
	}

	failures := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "periodic",
		Name:      "observed_errors_total",
		Help:      "Failures swallowed by the scheduler loop.",
	})
	rt.metrics.MustRegister(failures)

	rt.config = periodic.DefaultConfig(
		periodic.WithStore(store),
		periodic.WithLogger(logger),
		periodic.WithInterval(cfg.Scheduler.Interval.Std()),
		periodic.WithRetention(cfg.Scheduler.Retention.Std()),
		periodic.WithMetrics(rt.metrics),
		periodic.WithErrorObservers(periodic.ErrorObserverFunc(func(error) {
			failures.Inc()
		})),
	)

	var options []periodic.Option[asynqtask.Backend]
	for name, backend := range cfg.Backends {
		opt := asynq.RedisClientOpt{Addr: backend.Addr, Password: backend.Password, DB: backend.DB}
		rt.redisOpt[name] = opt
		options = append(options, asynqtask.WithRedis(name, opt))
	}
	rt.backend = asynqtask.NewBackend(rt.config, options...)
	periodic.WithResolver(rt.backend)(rt.config)

	if a.Setup != nil {
		if err := a.Setup(rt.config.Registry(), rt.backend); err != nil {
			return nil, errors.Join(fmt.Errorf("setup: %w", err), rt.Close())
		}
	}

	return rt, nil
}

func (r *runtime) Close() error {
	return errors.Join(r.backend.Close(), r.store.Close())
}
