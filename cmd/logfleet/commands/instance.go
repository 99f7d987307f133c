package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/logfleet/logfleet/pkg/lifecycle"
	"github.com/logfleet/logfleet/pkg/stores"
	"github.com/logfleet/logfleet/pkg/tasks"
)

func newInstanceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "instance",
		Aliases: []string{"instances"},
		Short:   "Attach templates to machines and inspect instances",
	}
	cmd.AddCommand(newInstanceAttachCommand())
	cmd.AddCommand(newInstanceListCommand())
	cmd.AddCommand(newInstanceShowCommand())
	return cmd
}

func newInstanceAttachCommand() *cobra.Command {
	var (
		processID  int64
		machineIDs []int64
		deployPath string
	)

	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Create instances of a template on machines",
		Long: `Create one instance of the process template on each machine. New instances
start in INITIALIZING with the template's configuration; run "initialize" (or use
"deploy") to install them.`,
		Example: `  logfleet instance attach --process 1 --machine 1 --machine 2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				instances, err := a.deploy.Attach(ctx, processID, machineIDs, deployPath)
				if err != nil {
					return err
				}
				return printInstances(instances)
			})
		},
	}

	cmd.Flags().Int64VarP(&processID, "process", "p", 0, "process template id")
	cmd.Flags().Int64SliceVarP(&machineIDs, "machine", "m", nil, "machine ids")
	cmd.Flags().StringVar(&deployPath, "deploy-path", "", "remote directory (default <deploy_root>/logstash-<id>)")
	cmd.MarkFlagRequired("process")
	cmd.MarkFlagRequired("machine")

	return cmd
}

func newInstanceListCommand() *cobra.Command {
	var processID int64

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				var filter *int64
				if processID > 0 {
					filter = &processID
				}
				instances, err := a.store.ListInstances(ctx, filter)
				if err != nil {
					return err
				}
				return printInstances(instances)
			})
		},
	}

	cmd.Flags().Int64VarP(&processID, "process", "p", 0, "only instances of this template")
	return cmd
}

func newInstanceShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <instance-id>",
		Short: "Show an instance and its latest task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			instanceID, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				inst, err := a.store.GetInstance(ctx, instanceID)
				if err != nil {
					return err
				}
				latest, err := a.tasks.LatestForInstance(ctx, instanceID)
				if err != nil && !errors.Is(err, stores.ErrNotFound) {
					return err
				}

				if jsonOutput {
					return printJSON(struct {
						Instance   *lifecycle.Instance `json:"instance"`
						LatestTask *tasks.Detail       `json:"latest_task,omitempty"`
					}{inst, latest})
				}

				pid := "-"
				if inst.RuntimeHandle != nil {
					pid = *inst.RuntimeHandle
				}
				fmt.Fprintf(stdout, "Instance:    %d\n", inst.ID)
				fmt.Fprintf(stdout, "Process:     %d\n", inst.ProcessID)
				fmt.Fprintf(stdout, "Machine:     %d\n", inst.MachineID)
				fmt.Fprintf(stdout, "State:       %s\n", inst.State)
				fmt.Fprintf(stdout, "PID:         %s\n", pid)
				fmt.Fprintf(stdout, "Deploy path: %s\n", orDefault(inst.DeployPath))
				fmt.Fprintf(stdout, "Updated:     %s by %s\n", inst.UpdatedAt.Format("2006-01-02 15:04:05"), orDefault(inst.UpdatedBy))
				if latest != nil {
					fmt.Fprintf(stdout, "Last task:   %s %s\n", latest.Task.ID, latest.Summary)
				}
				return nil
			})
		},
	}
}

func printInstances(instances []*lifecycle.Instance) error {
	rows := make([][]string, 0, len(instances))
	for _, inst := range instances {
		rows = append(rows, []string{
			strconv.FormatInt(inst.ID, 10),
			strconv.FormatInt(inst.ProcessID, 10),
			strconv.FormatInt(inst.MachineID, 10),
			string(inst.State),
			orDefault(inst.DeployPath),
		})
	}
	return printTable(instances, []string{"ID", "PROCESS", "MACHINE", "STATE", "DEPLOY PATH"}, rows)
}

func orDefault(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
