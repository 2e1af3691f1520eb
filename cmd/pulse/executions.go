package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/rendis/pulse/internal/ingest"
	"github.com/rendis/pulse/internal/signals"
	"github.com/rendis/pulse/internal/store"
	"github.com/rendis/pulse/internal/triggers"
	"github.com/rendis/pulse/pkg/schema"
)

func newFireCommand() *cli.Command {
	return &cli.Command{
		Name:  "fire",
		Usage: "Report a signal change for one entity",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "entity-type", Required: true},
			&cli.StringFlag{Name: "entity-id", Required: true},
			&cli.StringFlag{Name: "kind", Usage: "Trigger kind (metric_threshold, metric_change, survey_response)"},
			&cli.StringFlag{Name: "signals", Usage: "Current signals as a JSON object", Value: "{}"},
			&cli.StringFlag{Name: "previous", Usage: "Previous signals as a JSON object"},
			&cli.BoolFlag{Name: "publish", Usage: "Publish to the signals topic instead of evaluating here"},
			&cli.BoolFlag{Name: "run", Usage: "Run started executions until they wait or finish"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			change := &signals.Change{
				Kind:       schema.TriggerType(cmd.String("kind")),
				EntityType: cmd.String("entity-type"),
				EntityID:   cmd.String("entity-id"),
				At:         time.Now().UTC(),
			}
			var err error
			if change.Signals, err = jsonObject("signals", cmd.String("signals")); err != nil {
				return err
			}
			if cmd.IsSet("previous") {
				if change.Previous, err = jsonObject("previous", cmd.String("previous")); err != nil {
					return err
				}
			}

			publish := cmd.Bool("publish")
			return withApp(ctx, cmd, openOptions{transport: publish, tools: !publish}, nil, func(ctx context.Context, a *app) error {
				if publish {
					if a.cfg.Transport != "kafka" {
						return errors.New("--publish needs the kafka transport")
					}
					if err := ingest.NewSignalPublisher(a.pub, a.cfg.SignalsTopic).Publish(ctx, change); err != nil {
						return err
					}
					fmt.Fprintf(os.Stdout, "published change for %s/%s\n", change.EntityType, change.EntityID)
					return nil
				}

				report, err := a.triggers.Process(ctx, change)
				if err != nil {
					return err
				}
				for _, o := range report.Outcomes {
					fmt.Fprintf(os.Stdout, "rule %s: %s\n", o.Rule.ID, o.Decision)
				}
				for _, action := range report.Dispatched {
					fmt.Fprintf(os.Stdout, "dispatched %s\n", action)
				}
				for _, exec := range report.Started {
					if cmd.Bool("run") {
						if exec, err = a.engine.Run(ctx, exec.ID); err != nil {
							return err
						}
					}
					printExecution(os.Stdout, exec)
				}
				return report.Err()
			})
		},
	}
}

func newStartCommand() *cli.Command {
	return &cli.Command{
		Name:      "start",
		Usage:     "Start a manually triggered workflow",
		ArgsUsage: "<workflow-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "data", Usage: "Trigger data as a JSON object", Value: "{}"},
			&cli.StringFlag{Name: "entity-id"},
			&cli.BoolFlag{Name: "run", Usage: "Run the execution until it waits or finishes"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			workflowID := cmd.Args().First()
			if workflowID == "" {
				return errors.New("start needs a workflow id")
			}
			data, err := jsonObject("data", cmd.String("data"))
			if err != nil {
				return err
			}
			return withApp(ctx, cmd, openOptions{tools: true}, nil, func(ctx context.Context, a *app) error {
				exec, err := a.triggers.StartManual(ctx, triggers.ManualRequest{
					WorkflowID: workflowID,
					Data:       data,
					EntityID:   cmd.String("entity-id"),
				})
				if err != nil {
					return err
				}
				if cmd.Bool("run") {
					if exec, err = a.engine.Run(ctx, exec.ID); err != nil {
						return err
					}
				}
				printExecution(os.Stdout, exec)
				return nil
			})
		},
	}
}

func newExecutionsCommand() *cli.Command {
	return &cli.Command{
		Name:    "executions",
		Aliases: []string{"exec"},
		Usage:   "Inspect and control executions",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List executions, newest first",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "status"},
					&cli.StringFlag{Name: "workflow"},
					&cli.StringFlag{Name: "entity"},
					&cli.StringFlag{Name: "rule"},
					&cli.IntFlag{Name: "limit", Value: 50},
					&cli.BoolFlag{Name: "json"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					filter := store.ExecutionFilter{
						WorkflowID: cmd.String("workflow"),
						EntityID:   cmd.String("entity"),
						RuleID:     cmd.String("rule"),
						Limit:      int(cmd.Int("limit")),
					}
					for _, s := range cmd.StringSlice("status") {
						filter.Statuses = append(filter.Statuses, schema.ExecutionStatus(s))
					}
					return withApp(ctx, cmd, openOptions{}, nil, func(ctx context.Context, a *app) error {
						execs, err := a.engine.List(ctx, filter)
						if err != nil {
							return err
						}
						if cmd.Bool("json") {
							return writeJSON(os.Stdout, execs)
						}
						if len(execs) == 0 {
							fmt.Fprintln(os.Stdout, mutedStyle.Render("no executions"))
							return nil
						}
						fmt.Fprintln(os.Stdout, executionTable(execs))
						return nil
					})
				},
			},
			{
				Name:      "show",
				Usage:     "Show one execution",
				ArgsUsage: "<execution-id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "history", Usage: "Include the event log"},
					&cli.BoolFlag{Name: "json"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					id, err := requireArg(cmd, "execution id")
					if err != nil {
						return err
					}
					return withApp(ctx, cmd, openOptions{}, nil, func(ctx context.Context, a *app) error {
						exec, err := a.engine.Get(ctx, id)
						if err != nil {
							return err
						}
						var events []*store.Event
						if cmd.Bool("history") {
							if events, err = a.engine.History(ctx, id); err != nil {
								return err
							}
						}
						if cmd.Bool("json") {
							return writeJSON(os.Stdout, map[string]any{"execution": exec, "events": events})
						}
						printExecution(os.Stdout, exec)
						for _, ev := range events {
							fmt.Fprintf(os.Stdout, "  %4d %s %-22s %s\n",
								ev.Sequence, ev.Timestamp.UTC().Format(time.RFC3339), ev.Type, mutedStyle.Render(ev.NodeID))
						}
						return nil
					})
				},
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a pending, running or waiting execution",
				ArgsUsage: "<execution-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "reason", Value: "cancelled by operator"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					id, err := requireArg(cmd, "execution id")
					if err != nil {
						return err
					}
					return withApp(ctx, cmd, openOptions{transport: true}, nil, func(ctx context.Context, a *app) error {
						exec, err := a.engine.Cancel(ctx, id, cmd.String("reason"))
						if err != nil {
							return err
						}
						printExecution(os.Stdout, exec)
						return nil
					})
				},
			},
			{
				Name:      "resume",
				Usage:     "Resume an execution waiting for an event or an action",
				ArgsUsage: "<execution-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "token", Required: true},
					&cli.StringFlag{Name: "data", Usage: "Resume data as a JSON object", Value: "{}"},
					&cli.BoolFlag{Name: "run", Usage: "Run the execution until it waits or finishes"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					id, err := requireArg(cmd, "execution id")
					if err != nil {
						return err
					}
					data, err := jsonObject("data", cmd.String("data"))
					if err != nil {
						return err
					}
					return withApp(ctx, cmd, openOptions{transport: true, tools: true}, nil, func(ctx context.Context, a *app) error {
						exec, err := a.engine.Resume(ctx, id, cmd.String("token"), data)
						if err != nil {
							return err
						}
						if cmd.Bool("run") {
							if exec, err = a.engine.Run(ctx, exec.ID); err != nil {
								return err
							}
						}
						printExecution(os.Stdout, exec)
						return nil
					})
				},
			},
		},
	}
}

func requireArg(cmd *cli.Command, what string) (string, error) {
	v := cmd.Args().First()
	if v == "" {
		return "", fmt.Errorf("%s needs an %s", cmd.FullName(), what)
	}
	return v, nil
}

func jsonObject(flag, raw string) (map[string]any, error) {
	out := map[string]any{}
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("--%s is not a JSON object: %w", flag, err)
	}
	return out, nil
}
