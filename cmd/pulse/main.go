package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:                  "pulse",
		EnableShellCompletion: true,
		Usage:                 "Signal-driven rule evaluation and workflow orchestration",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to settings.json",
				Value:   defaultSettingsPath(),
				Sources: cli.EnvVars("PULSE_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "db",
				Usage: "libSQL database path (overrides db_path)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Log format (text, json)",
			},
		},
		Commands: []*cli.Command{
			newServeCommand(),
			newApplyCommand(),
			newValidateCommand(),
			newGraphCommand(),
			newFireCommand(),
			newStartCommand(),
			newExecutionsCommand(),
			newVersionCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

// resolveConfig loads settings and env vars, then applies the global flags
// that were set explicitly.
func resolveConfig(cmd *cli.Command) (Config, error) {
	cfg, err := loadConfig(cmd.String("config"))
	if err != nil {
		return cfg, err
	}
	if cmd.IsSet("db") {
		cfg.DBPath = cmd.String("db")
	}
	if cmd.IsSet("log-level") {
		cfg.LogLevel = cmd.String("log-level")
	}
	if cmd.IsSet("log-format") {
		cfg.LogFormat = cmd.String("log-format")
	}
	return cfg, nil
}

// withApp resolves the config, lets the command adjust it, validates it and
// opens the runtime for the duration of fn.
func withApp(ctx context.Context, cmd *cli.Command, opts openOptions, adjust func(*Config), fn func(ctx context.Context, a *app) error) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	if adjust != nil {
		adjust(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	a, err := openApp(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cErr := a.Close(); cErr != nil {
			a.logger.Error("shutdown", "error", cErr)
		}
	}()
	return fn(ctx, a)
}
