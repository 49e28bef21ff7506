package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nidhogg/storyloom/internal/orchestrator"
	"github.com/nidhogg/storyloom/internal/workflowdef"
	cli "github.com/urfave/cli/v3"
)

func newValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Aliases:   []string{"v"},
		Usage:     "Check a workflow definition and print its execution order",
		ArgsUsage: "<workflow.yaml>",
		Action: func(ctx context.Context, command *cli.Command) error {
			path := command.Args().First()
			if path == "" {
				return errors.New("validate: workflow file required")
			}
			def, err := workflowdef.Load(path)
			if err != nil {
				return err
			}
			wf, err := def.Build(nil)
			if err != nil {
				var cycle *orchestrator.CycleError
				if errors.As(err, &cycle) {
					return fmt.Errorf("%s: steps %s form a cycle", def.Name, strings.Join(cycle.Steps, ", "))
				}
				return fmt.Errorf("%s: %w", def.Name, err)
			}

			fmt.Fprintf(command.Root().Writer, "%s: %d steps\n", wf.Name, len(wf.ExecutionOrder))
			for i, id := range wf.ExecutionOrder {
				step := wf.Steps[id]
				line := fmt.Sprintf("%2d. %s (%s)", i+1, id, step.TaskType)
				if len(step.Dependencies) > 0 {
					line += " after " + strings.Join(step.Dependencies, ", ")
				}
				fmt.Fprintln(command.Root().Writer, line)
			}
			return nil
		},
	}
}
