package command

import (
	"context"
	"flag"
	"time"

	"github.com/go-tick/periodic"
	"github.com/mitchellh/cli"
	"golang.org/x/sync/errgroup"
)

var _ cli.Command = (*SchedulerCommand)(nil)

type SchedulerCommand struct {
	*baseCommand
	flagInterval int
}

func (c *SchedulerCommand) Synopsis() string {
	return "Run the scheduler loop"
}

func (c *SchedulerCommand) Help() string {
	return helpText(`
Usage: periodic scheduler [options]

  Syncs the code-declared schedules, then dispatches due schedules every
  interval until interrupted. Any number of schedulers may share a database.
`, c.flags())
}

func (c *SchedulerCommand) flags() *flag.FlagSet {
	f := c.flagSet()
	f.IntVar(&c.flagInterval, "interval", 0, "Seconds between ticks. Overrides scheduler.interval.")
	return f
}

func (c *SchedulerCommand) Run(args []string) int {
	if !c.parse(c.flags(), args) {
		return 1
	}
	if c.flagInterval < 0 {
		c.ui.Error("-interval must be positive")
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

	if c.flagInterval > 0 {
		periodic.WithInterval(time.Duration(c.flagInterval) * time.Second)(rt.config)
	}

	if err := runScheduler(ctx, rt); err != nil {
		c.ui.Error(err.Error())
		return 1
	}

	return 0
}

// runScheduler runs the Runner, and the HTTP endpoints when configured,
// until ctx is done. The in-flight tick finishes before it returns.
func runScheduler(ctx context.Context, rt *runtime) error {
	scheduler, err := rt.runner(rt.config)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scheduler.Run(context.WithoutCancel(gctx))
	})
	g.Go(func() error {
		<-gctx.Done()
		scheduler.Stop()
		return nil
	})
	if rt.cfg.HTTP.Listen != "" {
		g.Go(func() error {
			return serveHTTP(gctx, rt.cfg.HTTP.Listen, NewRouter(rt.store, rt.metrics), rt.logger)
		})
	}

	return g.Wait()
}
