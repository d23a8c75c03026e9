package command

import (
	"flag"

	"github.com/go-tick/periodic/internal/migration"
	"github.com/mitchellh/cli"
)

var _ cli.Command = (*MigrateCommand)(nil)

type MigrateCommand struct {
	*baseCommand
}

func (c *MigrateCommand) Synopsis() string {
	return "Apply or revert the database schema"
}

func (c *MigrateCommand) Help() string {
	return helpText(`
Usage: periodic migrate [options] up|down

  Applies every pending migration (up) or reverts all of them (down).
`, c.flags())
}

func (c *MigrateCommand) flags() *flag.FlagSet {
	return c.flagSet()
}

func (c *MigrateCommand) Run(args []string) int {
	f := c.flags()
	if !c.parse(f, args) {
		return 1
	}
	if f.NArg() != 1 {
		c.ui.Error("Expected exactly one argument: up or down")
		return cli.RunResultHelp
	}

	var run func(string) error
	switch f.Arg(0) {
	case "up":
		run = migration.Up
	case "down":
		run = migration.Down
	default:
		c.ui.Error("Unknown direction " + f.Arg(0))
		return cli.RunResultHelp
	}

	cfg, ok := c.loadConfig()
	if !ok {
		return 1
	}
	if err := run(cfg.Database.Conn); err != nil {
		c.ui.Error("Migration failed: " + err.Error())
		return 1
	}

	c.ui.Output("Migrated " + f.Arg(0))
	return 0
}
