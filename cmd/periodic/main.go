package main

import (
	"context"
	"os"

	"github.com/go-tick/periodic"
	"github.com/go-tick/periodic/asynqtask"
	"github.com/go-tick/periodic/command"
	"github.com/rs/zerolog/log"
)

var version = "dev"

func main() {
	os.Exit(command.Run(command.App{
		Name:    "periodic",
		Version: version,
		Setup:   setup,
	}, os.Args[1:]))
}

// setup declares the demo tasks and their schedules.
func setup(registry *periodic.Registry, backend *asynqtask.Backend) error {
	if _, err := backend.Define("demo.heartbeat", heartbeat); err != nil {
		return err
	}
	if _, err := backend.Define("demo.settle", settle, asynqtask.PermitGated()); err != nil {
		return err
	}

	if err := registry.Register("demo.heartbeat", "* * * * *", "heartbeat"); err != nil {
		return err
	}
	return registry.Register("demo.settle", "0 2 * * *", "nightly-settlement",
		periodic.WithTimezone("Europe/Berlin"),
		periodic.WithKwargs(map[string]any{"dry_run": false}),
	)
}

func heartbeat(ctx context.Context, _ []any, _ map[string]any) error {
	log.Ctx(ctx).Info().Msg("heartbeat")
	return nil
}

func settle(ctx context.Context, _ []any, kwargs map[string]any) error {
	log.Ctx(ctx).Info().Interface("kwargs", kwargs).Msg("settling")
	return nil
}
