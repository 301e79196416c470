package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/petrijr/dagflow/internal/statemachine"
	"github.com/petrijr/dagflow/pkg/api"
)

var (
	listName     string
	listState    string
	showHistory  bool
	showOutput   string
	cancelReason string
	resolveWith  string
	recoverAfter time.Duration
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and operate on tasks in the configured store",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, rt *app) error {
			tasks, err := rt.engine.ListTasks(ctx, api.TaskListOptions{Name: listName, State: api.State(listState)})
			if err != nil {
				return err
			}
			return writeTaskTable(cmd.OutOrStdout(), tasks)
		})
	},
}

var tasksShowCmd = &cobra.Command{
	Use:   "show TASK_ID",
	Short: "Show a task with its steps",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, rt *app) error {
			view, err := rt.engine.GetTask(ctx, args[0])
			if err != nil {
				return err
			}
			if err := writeReport(cmd.OutOrStdout(), showOutput, newTaskReport(view)); err != nil {
				return err
			}
			if !showHistory {
				return nil
			}
			history, err := rt.engine.Transitions(ctx, api.EntityTask, view.Task.ID)
			if err != nil {
				return err
			}
			return writeTransitions(cmd.OutOrStdout(), history)
		})
	},
}

var tasksCancelCmd = &cobra.Command{
	Use:   "cancel TASK_ID",
	Short: "Cancel a task and its unfinished steps",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, rt *app) error {
			if err := rt.engine.Cancel(ctx, args[0], cancelReason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", args[0])
			return nil
		})
	},
}

var tasksResolveCmd = &cobra.Command{
	Use:   "resolve TASK_ID STEP",
	Short: "Mark a failed step as resolved manually",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		results, err := parseTaskContext(resolveWith, "")
		if err != nil {
			return usageError{err}
		}
		return withApp(cmd, func(ctx context.Context, rt *app) error {
			if err := rt.engine.ResolveStepManually(ctx, args[0], args[1], results); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resolved %s/%s\n", args[0], args[1])
			return nil
		})
	},
}

var tasksRecoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Move steps stuck in progress back to error so they are retried",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, rt *app) error {
			n, err := rt.engine.RecoverStuckSteps(ctx, recoverAfter)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recovered %d steps\n", n)
			return nil
		})
	},
}

func init() {
	tasksListCmd.Flags().StringVar(&listName, "name", "", "Only tasks of this template")
	tasksListCmd.Flags().StringVar(&listState, "state", "", "Only tasks in this state")
	tasksShowCmd.Flags().BoolVar(&showHistory, "history", false, "Also print the task's transitions")
	tasksShowCmd.Flags().StringVarP(&showOutput, "output", "o", "yaml", "Report format (yaml, json)")
	tasksCancelCmd.Flags().StringVar(&cancelReason, "reason", "cancelled by operator", "Reason recorded on the transition")
	tasksResolveCmd.Flags().StringVar(&resolveWith, "results", "", "Step results as inline JSON or YAML")
	tasksRecoverCmd.Flags().DurationVar(&recoverAfter, "older-than", DefaultRecoverAfter, "Minimum time a step has been in progress")

	tasksCmd.AddCommand(tasksListCmd, tasksShowCmd, tasksCancelCmd, tasksResolveCmd, tasksRecoverCmd)
}

// withApp builds the configured app, runs fn and closes the app.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, rt *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	rt, err := buildRuntime(ctx, cfg, newLogger(cfg), runtimeOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close(context.Background()) }()
	return fn(ctx, rt)
}

func writeTaskTable(out io.Writer, tasks []api.Task) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tVERSION\tSTATE\tCREATED")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Name, t.Version, t.State, t.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func writeTransitions(out io.Writer, history []api.Transition) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tFROM\tTO\tAT\tMETADATA")
	for _, tr := range history {
		from := string(tr.FromState)
		if from == "" {
			from = "-"
		}
		meta := ""
		if len(tr.Metadata) > 0 {
			meta = fmt.Sprint(tr.Metadata)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", tr.SortKey, from, tr.ToState, tr.CreatedAt.Format(time.RFC3339), meta)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	current, err := statemachine.Current(history)
	if err != nil {
		return fmt.Errorf("inconsistent transition log: %w", err)
	}
	_, err = fmt.Fprintf(out, "current state: %s\n", current)
	return err
}
