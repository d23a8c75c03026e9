package command

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/go-tick/periodic"
	"github.com/mitchellh/cli"
)

var (
	_ cli.Command = (*SchedulesCommand)(nil)
	_ cli.Command = (*ListCommand)(nil)
	_ cli.Command = (*EnableCommand)(nil)
	_ cli.Command = (*RunNowCommand)(nil)
	_ cli.Command = (*SyncCommand)(nil)
	_ cli.Command = (*TasksCommand)(nil)
)

type SchedulesCommand struct {
	*baseCommand
}

func (c *SchedulesCommand) Synopsis() string { return "Manage schedule records" }

func (c *SchedulesCommand) Help() string {
	return helpText(`
Usage: periodic schedules <subcommand> [options] [args]

  Lists, enables, disables and triggers schedule records. Code schedules may
  only be enabled or disabled.
`, nil)
}

func (c *SchedulesCommand) Run([]string) int { return cli.RunResultHelp }

// withStore runs fn against a ScheduleStore built from the configuration.
func (c *baseCommand) withStore(args []string, fn func(ctx context.Context, rt *runtime, store *periodic.ScheduleStore, args []string) error) int {
	f := c.flagSet()
	if !c.parse(f, args) {
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

	store, err := periodic.NewScheduleStore(rt.config)
	if err != nil {
		c.ui.Error(err.Error())
		return 1
	}

	if err := fn(ctx, rt, store, f.Args()); err != nil {
		c.ui.Error(err.Error())
		return 1
	}
	return 0
}

type ListCommand struct {
	*baseCommand
}

func (c *ListCommand) Synopsis() string { return "List schedule records" }

func (c *ListCommand) Help() string {
	return helpText(`
Usage: periodic schedules list [options]
`, c.flagSet())
}

func (c *ListCommand) Run(args []string) int {
	return c.withStore(args, func(ctx context.Context, _ *runtime, store *periodic.ScheduleStore, _ []string) error {
		schedules, err := store.List(ctx)
		if err != nil {
			return err
		}

		var b strings.Builder
		w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tORIGIN\tENABLED\tCRON\tTIMEZONE\tTASK\tNEXT RUN\tRUNS")
		for _, sch := range schedules {
			fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\t%s\t%s\t%d\n",
				sch.Name, sch.Origin, sch.Enabled, sch.CronExpression, sch.Timezone,
				sch.TaskIdentifier, formatTime(sch.NextRunAt), sch.TotalRunCount)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		c.ui.Output(strings.TrimRight(b.String(), "\n"))
		return nil
	})
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

type EnableCommand struct {
	*baseCommand
	enabled bool
}

func (c *EnableCommand) verb() string {
	if c.enabled {
		return "enable"
	}
	return "disable"
}

func (c *EnableCommand) Synopsis() string { return strings.ToUpper(c.verb()[:1]) + c.verb()[1:] + " schedules" }

func (c *EnableCommand) Help() string {
	return helpText(fmt.Sprintf(`
Usage: periodic schedules %s [options] NAME...
`, c.verb()), c.flagSet())
}

func (c *EnableCommand) Run(args []string) int {
	return c.withStore(args, func(ctx context.Context, _ *runtime, store *periodic.ScheduleStore, names []string) error {
		if len(names) == 0 {
			return fmt.Errorf("at least one schedule name is required")
		}

		changed, err := store.SetEnabled(ctx, c.enabled, names...)
		if err != nil {
			return err
		}

		c.ui.Output(fmt.Sprintf("%sd %d schedule(s)", strings.TrimSuffix(c.verb(), "e"), changed))
		return nil
	})
}

type RunNowCommand struct {
	*baseCommand
}

func (c *RunNowCommand) Synopsis() string { return "Dispatch schedules immediately" }

func (c *RunNowCommand) Help() string {
	return helpText(`
Usage: periodic schedules run-now [options] NAME...

  Enqueues the task of each named schedule once. Run counts and next run
  times are left unchanged.
`, c.flagSet())
}

func (c *RunNowCommand) Run(args []string) int {
	return c.withStore(args, func(ctx context.Context, _ *runtime, store *periodic.ScheduleStore, names []string) error {
		if len(names) == 0 {
			return fmt.Errorf("at least one schedule name is required")
		}

		report, err := store.RunNow(ctx, names...)
		if err != nil {
			return err
		}

		c.ui.Output(fmt.Sprintf("Enqueued %d schedule(s)", report.Enqueued))
		if len(report.Failed) > 0 {
			return fmt.Errorf("failed: %s", strings.Join(report.Failed, ", "))
		}
		return nil
	})
}

type SyncCommand struct {
	*baseCommand
}

func (c *SyncCommand) Synopsis() string { return "Reconcile code schedules with the database" }

func (c *SyncCommand) Help() string {
	return helpText(`
Usage: periodic schedules sync [options]
`, c.flagSet())
}

func (c *SyncCommand) Run(args []string) int {
	return c.withStore(args, func(ctx context.Context, rt *runtime, _ *periodic.ScheduleStore, _ []string) error {
		report, err := periodic.Sync(ctx, rt.config)
		if err != nil {
			return err
		}

		c.ui.Output(fmt.Sprintf("created %d, updated %d, disabled %d", report.Created, report.Updated, report.Disabled))
		for _, name := range report.Skipped {
			c.ui.Warn(fmt.Sprintf("skipped %q: owned by an operator", name))
		}
		return nil
	})
}

type TasksCommand struct {
	*baseCommand
}

func (c *TasksCommand) Synopsis() string { return "List the defined tasks" }

func (c *TasksCommand) Help() string {
	return helpText(`
Usage: periodic tasks [options]
`, c.flagSet())
}

func (c *TasksCommand) Run(args []string) int {
	return c.withStore(args, func(_ context.Context, rt *runtime, _ *periodic.ScheduleStore, _ []string) error {
		for _, id := range rt.backend.Identifiers() {
			task, err := rt.backend.Resolve(id)
			if err != nil {
				return err
			}
			line := id
			if task.PermitGated() {
				line += " (permit-gated)"
			}
			c.ui.Output(line)
		}
		return nil
	})
}
