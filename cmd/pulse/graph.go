package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/rendis/pulse/internal/definitions"
	"github.com/rendis/pulse/internal/diagram"
	"github.com/rendis/pulse/internal/store"
	"github.com/rendis/pulse/pkg/schema"
)

// Text formats of the graph command; the rest go through graphviz.
const (
	formatMermaid = "mermaid"
	formatASCII   = "ascii"
)

func newGraphCommand() *cli.Command {
	return &cli.Command{
		Name:      "graph",
		Usage:     "Render a workflow, optionally with the state of one execution",
		ArgsUsage: "<file|workflow-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "workflow", Usage: "Workflow to pick when the file holds several"},
			&cli.StringFlag{Name: "execution", Usage: "Overlay the node states of this execution"},
			&cli.StringFlag{Name: "format", Value: formatMermaid, Usage: "mermaid, ascii, png, svg or dot"},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "Write to a file instead of stdout"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			src := cmd.Args().First()
			execID := cmd.String("execution")
			if src == "" && execID == "" {
				return fmt.Errorf("graph needs a file, a workflow id or --execution")
			}

			if execID == "" && isFile(src) {
				def, err := workflowFromFile(src, cmd.String("workflow"))
				if err != nil {
					return err
				}
				return renderGraph(ctx, cmd, def, nil)
			}

			return withApp(ctx, cmd, openOptions{}, nil, func(ctx context.Context, a *app) error {
				var exec *store.Execution
				if execID != "" {
					var err error
					if exec, err = a.store.GetExecution(ctx, execID); err != nil {
						return err
					}
				}

				var def *schema.WorkflowDefinition
				switch {
				case src != "" && isFile(src):
					var err error
					if def, err = workflowFromFile(src, cmd.String("workflow")); err != nil {
						return err
					}
				default:
					id := src
					if id == "" {
						id = exec.WorkflowID
					}
					var wf *store.Workflow
					var err error
					if exec != nil && id == exec.WorkflowID {
						// Overlay the version the execution runs on.
						wf, err = a.store.GetWorkflowVersion(ctx, id, exec.WorkflowVersion)
					} else {
						wf, err = a.store.GetWorkflow(ctx, id)
					}
					if err != nil {
						return err
					}
					def = &wf.Definition
				}
				if exec != nil && exec.WorkflowID != def.ID {
					return fmt.Errorf("execution %s runs workflow %q, not %q", exec.ID, exec.WorkflowID, def.ID)
				}
				return renderGraph(ctx, cmd, def, exec)
			})
		},
	}
}

func renderGraph(ctx context.Context, cmd *cli.Command, def *schema.WorkflowDefinition, exec *store.Execution) error {
	model, err := diagram.Build(def, exec)
	if err != nil {
		return err
	}

	var out []byte
	switch format := cmd.String("format"); format {
	case formatMermaid:
		out = []byte(diagram.RenderMermaid(model))
	case formatASCII:
		out = []byte(diagram.RenderASCII(model))
	default:
		if out, err = diagram.RenderImage(ctx, model, format); err != nil {
			return err
		}
	}

	var w io.Writer = os.Stdout
	if path := cmd.String("output"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	_, err = w.Write(out)
	return err
}

func workflowFromFile(path, id string) (*schema.WorkflowDefinition, error) {
	bundle, err := definitions.LoadFile(path)
	if err != nil {
		return nil, err
	}
	switch {
	case len(bundle.Workflows) == 0:
		return nil, fmt.Errorf("%s holds no workflow", path)
	case id != "":
		for _, def := range bundle.Workflows {
			if def.ID == id {
				return def, nil
			}
		}
		return nil, fmt.Errorf("%s holds no workflow %q", path, id)
	case len(bundle.Workflows) > 1:
		return nil, fmt.Errorf("%s holds %d workflows; pick one with --workflow", path, len(bundle.Workflows))
	}
	return bundle.Workflows[0], nil
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
