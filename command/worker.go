package command

import (
	"context"
	"flag"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/mitchellh/cli"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var _ cli.Command = (*WorkerCommand)(nil)

type WorkerCommand struct {
	*baseCommand
	flagBackend string
	flagBeat    bool
}

func (c *WorkerCommand) Synopsis() string {
	return "Run the task worker"
}

func (c *WorkerCommand) Help() string {
	return helpText(`
Usage: periodic worker [options]

  Consumes the queues of one backend and runs the defined task bodies.
  With -beat the scheduler loop runs in the same process.
`, c.flags())
}

func (c *WorkerCommand) flags() *flag.FlagSet {
	f := c.flagSet()
	f.StringVar(&c.flagBackend, "backend", "default", "Name of the backend to consume.")
	f.BoolVar(&c.flagBeat, "beat", false, "Also run the scheduler loop.")
	return f
}

func (c *WorkerCommand) Run(args []string) int {
	if !c.parse(c.flags(), args) {
		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()

	rt, ok := c.open(ctx)
	if !ok {
		return 1
	}
	defer func() {
		if err := rt.Close(); err != nil {
			rt.logger.Warn().Err(err).Msg("close failed")
		}
	}()

	if err := c.run(ctx, rt); err != nil {
		c.ui.Error(err.Error())
		return 1
	}

	return 0
}

func (c *WorkerCommand) run(ctx context.Context, rt *runtime) error {
	opt, ok := rt.redisOpt[c.flagBackend]
	if !ok {
		return fmt.Errorf("unknown backend %q", c.flagBackend)
	}

	logger := rt.logger.With().Str("component", "worker").Str("backend", c.flagBackend).Logger()
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: rt.cfg.Worker.Concurrency,
		Queues:      rt.cfg.Worker.Queues,
		Logger:      asynqLogger{logger: logger},
		BaseContext: func() context.Context { return logger.WithContext(context.WithoutCancel(ctx)) },
	})

	if err := srv.Start(rt.backend.Handler()); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	logger.Info().Strs("tasks", rt.backend.Identifiers()).Msg("worker started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		srv.Shutdown()
		logger.Info().Msg("worker stopped")
		return nil
	})
	if c.flagBeat {
		g.Go(func() error {
			return runScheduler(gctx, rt)
		})
	} else if rt.cfg.HTTP.Listen != "" {
		g.Go(func() error {
			return serveHTTP(gctx, rt.cfg.HTTP.Listen, NewRouter(rt.store, rt.metrics), rt.logger)
		})
	}

	return g.Wait()
}

// asynqLogger routes asynq server logs through zerolog.
type asynqLogger struct {
	logger zerolog.Logger
}

func (l asynqLogger) Debug(args ...any) { l.logger.Debug().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...any)  { l.logger.Info().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...any)  { l.logger.Warn().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...any) { l.logger.Error().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...any) { l.logger.Fatal().Msg(fmt.Sprint(args...)) }
