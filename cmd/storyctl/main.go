package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	cli "github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:                  "storyctl",
		Usage:                 "Talk to a storyloom server",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Usage:   "storyloom server URL",
				Value:   "http://localhost:8080",
				Sources: cli.EnvVars("STORYLOOM_SERVER"),
			},
		},
		Commands: []*cli.Command{
			taskCommand(),
			resultCommand(),
			workflowCommand(),
			templateCommand(),
			templatesCommand(),
			statusCommand(),
			cancelCommand(),
			statsCommand(),
			agentsCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

func clientFor(cmd *cli.Command) *client {
	return newClient(cmd.Root().String("server"))
}

var waitFlag = &cli.BoolFlag{
	Name:  "wait",
	Usage: "Poll until the task or workflow has finished",
}

var varFlag = &cli.StringSliceFlag{
	Name:  "var",
	Usage: "Workflow variable as key=value (repeatable)",
}

func taskCommand() *cli.Command {
	return &cli.Command{
		Name:  "task",
		Usage: "Submit a single task",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "type", Aliases: []string{"t"}, Usage: "Task type (capability)", Required: true},
			&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Usage: "Task input as a JSON object", Value: "{}"},
			&cli.StringFlag{Name: "timeout", Usage: "Task timeout, e.g. 30s"},
			&cli.IntFlag{Name: "priority", Usage: "Task priority"},
			waitFlag,
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			input, err := parseObject(cmd.String("input"))
			if err != nil {
				return fmt.Errorf("--input: %w", err)
			}
			c := clientFor(cmd)
			id, err := c.SubmitTask(ctx, taskRequest{
				TaskType: cmd.String("type"),
				Input:    input,
				Timeout:  cmd.String("timeout"),
				Priority: int(cmd.Int("priority")),
			})
			if err != nil {
				return err
			}
			fmt.Printf("Task submitted: %s\n", id)
			if !cmd.Bool("wait") {
				return nil
			}
			res, err := c.WaitTask(ctx, id, 500*time.Millisecond)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

func resultCommand() *cli.Command {
	return &cli.Command{
		Name:      "result",
		Usage:     "Show a task result",
		ArgsUsage: "<task-id>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, err := requireArg(cmd, "task id")
			if err != nil {
				return err
			}
			var res map[string]any
			if err := clientFor(cmd).get(ctx, "/api/tasks/"+id, &res); err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

func workflowCommand() *cli.Command {
	return &cli.Command{
		Name:      "workflow",
		Usage:     "Submit a workflow definition file",
		ArgsUsage: "<workflow.yaml>",
		Flags:     []cli.Flag{varFlag, waitFlag},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path, err := requireArg(cmd, "workflow file")
			if err != nil {
				return err
			}
			vars, err := parseVars(cmd.StringSlice("var"))
			if err != nil {
				return err
			}
			c := clientFor(cmd)
			acc, err := c.SubmitWorkflowFile(ctx, path, vars)
			if err != nil {
				return err
			}
			return reportWorkflow(ctx, c, cmd, acc)
		},
	}
}

func templateCommand() *cli.Command {
	return &cli.Command{
		Name:      "template",
		Usage:     "Run a workflow template known to the server",
		ArgsUsage: "<name>",
		Flags:     []cli.Flag{varFlag, waitFlag},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			name, err := requireArg(cmd, "template name")
			if err != nil {
				return err
			}
			vars, err := parseVars(cmd.StringSlice("var"))
			if err != nil {
				return err
			}
			c := clientFor(cmd)
			acc, err := c.RunTemplate(ctx, name, vars)
			if err != nil {
				return err
			}
			return reportWorkflow(ctx, c, cmd, acc)
		},
	}
}

func reportWorkflow(ctx context.Context, c *client, cmd *cli.Command, acc *workflowAccepted) error {
	fmt.Printf("Workflow submitted: %s (%s)\n", acc.WorkflowID, acc.Name)
	fmt.Printf("Execution order: %s\n", strings.Join(acc.ExecutionOrder, " -> "))
	if !cmd.Bool("wait") {
		return nil
	}
	rep, err := c.WaitWorkflow(ctx, acc.WorkflowID, time.Second)
	if err != nil {
		return err
	}
	printWorkflow(rep)
	return nil
}

func templatesCommand() *cli.Command {
	return &cli.Command{
		Name:  "templates",
		Usage: "List workflow templates",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			var names []string
			if err := clientFor(cmd).get(ctx, "/api/workflows/templates", &names); err != nil {
				return err
			}
			for _, n := range names {
				fmt.Println(n)
			}
			return nil
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show one workflow, or list workflows when no id is given",
		ArgsUsage: "[workflow-id]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "filter", Usage: "Only list workflows with this status"},
			&cli.BoolFlag{Name: "archived", Usage: "List from the archive instead of memory"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			c := clientFor(cmd)
			if id := cmd.Args().First(); id != "" {
				var rep workflowReport
				if err := c.get(ctx, "/api/workflows/"+id, &rep); err != nil {
					return err
				}
				printWorkflow(&rep)
				return nil
			}
			reps, err := c.ListWorkflows(ctx, cmd.String("filter"), cmd.Bool("archived"))
			if err != nil {
				return err
			}
			if len(reps) == 0 {
				fmt.Println("No workflows.")
				return nil
			}
			for _, r := range reps {
				fmt.Printf("  %s  %-10s %-20s %d/%d\n", r.ID, r.Status, r.Name, r.StepsCompleted, r.TotalSteps)
			}
			return nil
		},
	}
}

func cancelCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Cancel a running workflow",
		ArgsUsage: "<workflow-id>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, err := requireArg(cmd, "workflow id")
			if err != nil {
				return err
			}
			if err := clientFor(cmd).post(ctx, "/api/workflows/"+id+"/cancel", nil, nil); err != nil {
				return err
			}
			fmt.Printf("Workflow %s cancelled\n", id)
			return nil
		},
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show orchestrator statistics",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			var stats map[string]any
			if err := clientFor(cmd).get(ctx, "/api/stats", &stats); err != nil {
				return err
			}
			return printJSON(stats)
		},
	}
}

func agentsCommand() *cli.Command {
	return &cli.Command{
		Name:  "agents",
		Usage: "List registered agents",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			agents, err := clientFor(cmd).Agents(ctx)
			if err != nil {
				return err
			}
			if len(agents) == 0 {
				fmt.Println("No agents registered yet.")
				return nil
			}
			fmt.Println("Agents:")
			for _, a := range agents {
				flag := ""
				if a.Unresponsive {
					flag = " \033[31m(unresponsive)\033[0m"
				}
				fmt.Printf("  %-24s %-18s %-8s %d tasks  [%s]%s\n",
					a.ID, a.Type, a.Status, a.TasksProcessed, strings.Join(a.Capabilities, ", "), flag)
			}
			return nil
		},
	}
}

func requireArg(cmd *cli.Command, what string) (string, error) {
	v := cmd.Args().First()
	if v == "" {
		return "", fmt.Errorf("%s required", what)
	}
	return v, nil
}
