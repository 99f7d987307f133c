package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/logfleet/logfleet/pkg/tasks"
)

func newTaskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect lifecycle tasks",
	}
	cmd.AddCommand(newTaskShowCommand())
	cmd.AddCommand(newTaskListCommand())
	return cmd
}

func newTaskShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task and its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				detail, err := a.tasks.GetTaskDetail(ctx, args[0])
				if err != nil {
					return err
				}
				return printTaskDetail(detail)
			})
		},
	}
}

func newTaskListCommand() *cobra.Command {
	var (
		instanceID int64
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the tasks of an instance, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				list, err := a.store.ListTasksByInstance(ctx, instanceID, limit)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(list))
				for _, t := range list {
					errMsg := "-"
					if t.Error != nil {
						errMsg = *t.Error
					}
					rows = append(rows, []string{
						t.ID, string(t.Operation), string(t.Status),
						t.CreatedAt.Format(time.DateTime), errMsg,
					})
				}
				return printTable(list, []string{"TASK", "OPERATION", "STATUS", "CREATED", "ERROR"}, rows)
			})
		},
	}

	cmd.Flags().Int64VarP(&instanceID, "instance", "i", 0, "instance id")
	cmd.Flags().IntVar(&limit, "limit", 20, "max tasks to show")
	cmd.MarkFlagRequired("instance")

	return cmd
}

func printTaskDetail(d *tasks.Detail) error {
	if jsonOutput {
		return printJSON(d)
	}
	fmt.Fprintf(stdout, "Task:      %s\n", d.Task.ID)
	fmt.Fprintf(stdout, "Instance:  %d\n", d.Task.InstanceID)
	fmt.Fprintf(stdout, "Progress:  %d%%\n", d.Progress)
	fmt.Fprintf(stdout, "Summary:   %s\n\n", d.Summary)

	rows := make([][]string, 0, len(d.Steps))
	for _, st := range d.Steps {
		errMsg := ""
		if st.Error != nil {
			errMsg = *st.Error
		}
		rows = append(rows, []string{string(st.Step), string(st.Status), errMsg})
	}
	return printTable(d, []string{"STEP", "STATUS", "ERROR"}, rows)
}
