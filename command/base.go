package command

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-tick/periodic/internal/config"
	"github.com/mitchellh/cli"
)

const defaultConfigPath = "periodic.yaml"

type baseCommand struct {
	app  *App
	ui   cli.Ui
	name string

	flagConfig string
}

func (c *baseCommand) flagSet() *flag.FlagSet {
	f := flag.NewFlagSet(c.name, flag.ContinueOnError)
	f.SetOutput(io.Discard)
	f.StringVar(&c.flagConfig, "config", defaultConfigPath, "Path of the YAML configuration file.")
	return f
}

// parse parses args with f and reports problems on the ui.
func (c *baseCommand) parse(f *flag.FlagSet, args []string) bool {
	if err := f.Parse(args); err != nil {
		c.ui.Error(err.Error())
		return false
	}
	return true
}

func (c *baseCommand) loadConfig() (*config.Config, bool) {
	cfg, err := config.Load(c.flagConfig)
	if err != nil {
		c.ui.Error("Error loading configuration: " + err.Error())
		return nil, false
	}
	return cfg, true
}

// open loads the configuration and builds the runtime.
func (c *baseCommand) open(ctx context.Context) (*runtime, bool) {
	cfg, ok := c.loadConfig()
	if !ok {
		return nil, false
	}

	rt, err := c.app.newRuntime(ctx, cfg)
	if err != nil {
		c.ui.Error(err.Error())
		return nil, false
	}
	return rt, true
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func flagHelp(f *flag.FlagSet) string {
	var b strings.Builder
	f.SetOutput(&b)
	f.PrintDefaults()
	f.SetOutput(io.Discard)
	return b.String()
}

func helpText(usage string, f *flag.FlagSet) string {
	text := strings.TrimSpace(usage)
	if f != nil {
		text += "\n\nOptions:\n\n" + flagHelp(f)
	}
	return strings.TrimSpace(text)
}
