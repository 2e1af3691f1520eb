package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/rendis/pulse/internal/definitions"
	"github.com/rendis/pulse/internal/ingest"
	"github.com/rendis/pulse/internal/scheduler"
)

func newServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the scheduler and the signal consumer",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "definitions",
				Usage:   "Directory of rule and workflow files applied at startup",
				Sources: cli.EnvVars("PULSE_DEFINITIONS"),
			},
			&cli.IntFlag{
				Name:  "workers",
				Usage: "Concurrent executions",
			},
			&cli.StringFlag{
				Name:  "transport",
				Usage: "Signal transport (memory, kafka)",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			adjust := func(cfg *Config) {
				if cmd.IsSet("definitions") {
					cfg.Definitions = cmd.String("definitions")
				}
				if cmd.IsSet("workers") {
					cfg.Workers = int(cmd.Int("workers"))
				}
				if cmd.IsSet("transport") {
					cfg.Transport = cmd.String("transport")
				}
			}
			return withApp(ctx, cmd, openOptions{transport: true, tools: true}, adjust, serve)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	if a.cfg.Definitions != "" {
		if err := applyDir(ctx, a, a.cfg.Definitions); err != nil {
			return err
		}
	}

	poll, stale, _ := a.cfg.durations()
	sched, err := scheduler.New(scheduler.Config{
		Store:        a.store,
		Runner:       a.engine,
		Leases:       a.leases,
		Logger:       a.logger.With(slog.String("component", "scheduler")),
		Workers:      a.cfg.Workers,
		PollInterval: poll,
		StaleAfter:   stale,
	})
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}

	consumer := ingest.NewConsumer(a.sub, a.cfg.SignalsTopic, a.triggers,
		a.logger.With(slog.String("component", "consumer")))
	if err := consumer.Start(ctx); err != nil {
		_ = sched.Stop()
		return err
	}

	a.logger.Info("pulse serving",
		slog.String("db", a.cfg.DBPath),
		slog.String("transport", a.cfg.Transport),
		slog.Int("actions", a.actions.Count()))

	<-ctx.Done()
	a.logger.Info("shutting down")

	consumer.Wait()
	stats := consumer.Stats()
	a.logger.Info("signal consumer stopped",
		slog.Int64("received", stats.Received),
		slog.Int64("handled", stats.Handled),
		slog.Int64("rejected", stats.Rejected),
		slog.Int64("failed", stats.Failed))
	return sched.Stop()
}

func applyDir(ctx context.Context, a *app, dir string) error {
	bundle, err := definitions.LoadDir(dir)
	if err != nil {
		return err
	}
	res, err := definitions.Apply(ctx, a.store, bundle, a.validator, a.logger)
	if err != nil {
		return err
	}
	if _, err := a.rules.Load(ctx, a.store); err != nil {
		a.logger.Warn("some stored rules were rejected", slog.String("error", err.Error()))
	}
	a.logger.Info("definitions applied",
		slog.String("dir", dir),
		slog.Int("workflows", res.Workflows),
		slog.Int("rules", res.Rules),
		slog.Int("unchanged", res.Unchanged))
	return nil
}

func newApplyCommand() *cli.Command {
	return &cli.Command{
		Name:      "apply",
		Usage:     "Validate and store rule and workflow definitions",
		ArgsUsage: "<file|dir>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.Args().First()
			if path == "" {
				return fmt.Errorf("apply needs a file or directory")
			}
			return withApp(ctx, cmd, openOptions{tools: true}, nil, func(ctx context.Context, a *app) error {
				bundle, err := loadPath(path)
				if err != nil {
					return err
				}
				res, err := definitions.Apply(ctx, a.store, bundle, a.validator, a.logger)
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "applied %d workflow(s), %d rule(s), %d unchanged\n",
					res.Workflows, res.Rules, res.Unchanged)
				return nil
			})
		},
	}
}

func newValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Aliases:   []string{"v"},
		Usage:     "Check rule and workflow definitions without storing them",
		ArgsUsage: "<file|dir>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.Args().First()
			if path == "" {
				return fmt.Errorf("validate needs a file or directory")
			}
			return withApp(ctx, cmd, openOptions{tools: true}, nil, func(_ context.Context, a *app) error {
				bundle, err := loadPath(path)
				if err != nil {
					return err
				}
				for _, r := range bundle.Rules {
					fmt.Fprintf(os.Stdout, "%s rule %s (%s)\n", okStyle.Render("ok"), r.ID, bundle.Sources[definitions.KindRule+":"+r.ID])
				}
				invalid := 0
				for _, w := range bundle.Workflows {
					res := a.validator.Validate(w)
					mark := okStyle.Render("ok")
					if !res.Valid() {
						mark = failStyle.Render("invalid")
						invalid++
					}
					fmt.Fprintf(os.Stdout, "%s workflow %s (%s)\n", mark, w.ID, bundle.Sources[definitions.KindWorkflow+":"+w.ID])
					if s := res.Summary(); s != "" {
						fmt.Fprint(os.Stdout, indent(s, "    "))
					}
				}
				if invalid > 0 {
					return fmt.Errorf("%d invalid workflow(s)", invalid)
				}
				return nil
			})
		},
	}
}

func indent(s, prefix string) string {
	lines := strings.SplitAfter(s, "\n")
	var b strings.Builder
	for _, l := range lines {
		if l != "" {
			b.WriteString(prefix + l)
		}
	}
	return b.String()
}

func loadPath(path string) (*definitions.Bundle, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return definitions.LoadDir(path)
	}
	return definitions.LoadFile(path)
}
