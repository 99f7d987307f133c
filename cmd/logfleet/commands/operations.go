package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/logfleet/logfleet/pkg/deploy"
	"github.com/logfleet/logfleet/pkg/lifecycle"
)

type operationCommand struct {
	use   string
	op    lifecycle.OperationType
	short string
	long  string
}

var operationDefs = []operationCommand{
	{
		use:   "initialize",
		op:    lifecycle.OperationInitialize,
		short: "Install Logstash and write the configuration",
		long: `Create the deploy directory, upload and extract the Logstash package and write
the pipeline config, jvm.options and logstash.yml. Allowed from INITIALIZING and
INITIALIZE_FAILED; on success the instance is NOT_STARTED.`,
	},
	{
		use:   "start",
		op:    lifecycle.OperationStart,
		short: "Start Logstash and verify it is running",
		long:  `Allowed from NOT_STARTED and START_FAILED; on success the instance is RUNNING.`,
	},
	{
		use:   "stop",
		op:    lifecycle.OperationStop,
		short: "Stop Logstash gracefully",
		long: `Send SIGTERM and wait, escalating to SIGKILL after the stop timeout. Allowed
from RUNNING and STOP_FAILED; on success the instance is NOT_STARTED.`,
	},
	{
		use:   "force-stop",
		op:    lifecycle.OperationForceStop,
		short: "Kill Logstash and mark the instance NOT_STARTED",
		long: `Send SIGKILL without waiting. Allowed from RUNNING and STOP_FAILED; the
instance ends NOT_STARTED even when the kill fails.`,
	},
	{
		use:   "refresh-config",
		op:    lifecycle.OperationRefreshConfig,
		short: "Rewrite all configuration files from the stored instance config",
		long: `Rewrite the pipeline config, jvm.options and logstash.yml. Allowed from
NOT_STARTED and START_FAILED; the state is unchanged.`,
	},
	{
		use:   "delete",
		op:    lifecycle.OperationDelete,
		short: "Remove the deployment and the instance record",
		long: `Remove the remote deploy directory and delete the instance. Allowed from
INITIALIZE_FAILED, NOT_STARTED and START_FAILED.`,
	},
}

func newOperationCommands() []*cobra.Command {
	cmds := make([]*cobra.Command, 0, len(operationDefs))
	for _, def := range operationDefs {
		cmds = append(cmds, newOperationCommand(def))
	}
	return cmds
}

func newOperationCommand(def operationCommand) *cobra.Command {
	var processID int64

	cmd := &cobra.Command{
		Use:   def.use + " [instance-id...]",
		Short: def.short,
		Long:  def.long,
		Example: fmt.Sprintf(`  # One instance
  logfleet %[1]s 7

  # Every instance of a template, concurrently
  logfleet %[1]s --process 1`, def.use),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (processID > 0) == (len(args) > 0) {
				return errors.New("give either instance ids or --process")
			}
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				v, err := parseID(arg)
				if err != nil {
					return err
				}
				ids = append(ids, v)
			}

			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				outcomes, err := runOperation(ctx, a.deploy, def.op, processID, ids)
				if err != nil {
					return err
				}
				return printOutcomes(outcomes)
			})
		},
	}

	cmd.Flags().Int64VarP(&processID, "process", "p", 0, "run on every instance of this template")
	return cmd
}

func runOperation(ctx context.Context, svc *deploy.Service, op lifecycle.OperationType, processID int64, ids []int64) ([]deploy.Outcome, error) {
	log.Info().
		Str("operation", string(op)).
		Int64("process_id", processID).
		Ints64("instances", ids).
		Msg("Running operation")

	switch {
	case processID > 0:
		return svc.Fanout(ctx, processID, op)
	case len(ids) == 1:
		out, err := svc.Run(ctx, ids[0], op, nil)
		if err != nil {
			return nil, err
		}
		return []deploy.Outcome{out}, nil
	default:
		return svc.RunAll(ctx, 0, ids, op), nil
	}
}

func newUpdateConfigCommand() *cobra.Command {
	var mainFile, jvmFile, systemFile string

	cmd := &cobra.Command{
		Use:   "update-config <instance-id>",
		Short: "Replace parts of an instance's configuration",
		Long: `Write the given files to the instance and store them as its configuration. Only
the parts given are written. Allowed from NOT_STARTED and START_FAILED; the
instance keeps its state.`,
		Example: `  logfleet update-config 7 --main-config pipelines/nginx.conf
  logfleet update-config 7 --jvm-options jvm.options --system-options logstash.yml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			instanceID, err := parseID(args[0])
			if err != nil {
				return err
			}

			var update lifecycle.ConfigUpdate
			if update.MainConfig, err = readOptional(mainFile); err != nil {
				return err
			}
			if update.JvmOptions, err = readOptional(jvmFile); err != nil {
				return err
			}
			if update.SystemOptions, err = readOptional(systemFile); err != nil {
				return err
			}

			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				out, err := a.deploy.Run(ctx, instanceID, lifecycle.OperationUpdateConfig, &update)
				if err != nil {
					return err
				}
				return printOutcomes([]deploy.Outcome{out})
			})
		},
	}

	cmd.Flags().StringVar(&mainFile, "main-config", "", "pipeline config file")
	cmd.Flags().StringVar(&jvmFile, "jvm-options", "", "jvm.options file")
	cmd.Flags().StringVar(&systemFile, "system-options", "", "logstash.yml file")
	cmd.MarkFlagsOneRequired("main-config", "jvm-options", "system-options")

	return cmd
}

func newDeployCommand() *cobra.Command {
	var (
		processID  int64
		machineIDs []int64
		start      bool
	)

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Attach a template to machines and initialize every new instance",
		Long: `Attach the process template to each machine and initialize the new instances
concurrently (deploy.concurrency at a time). With --start, instances that
initialized successfully are started. A failing machine does not stop the others.`,
		Example: `  logfleet deploy --process 1 --machine 1 --machine 2 --machine 3 --start`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				log.Info().
					Int64("process_id", processID).
					Ints64("machines", machineIDs).
					Bool("start", start).
					Msg("Deploying")
				outcomes, err := a.deploy.Deploy(ctx, processID, machineIDs, start)
				if err != nil {
					return err
				}
				return printOutcomes(outcomes)
			})
		},
	}

	cmd.Flags().Int64VarP(&processID, "process", "p", 0, "process template id")
	cmd.Flags().Int64SliceVarP(&machineIDs, "machine", "m", nil, "machine ids")
	cmd.Flags().BoolVar(&start, "start", false, "start instances after initializing")
	cmd.MarkFlagRequired("process")
	cmd.MarkFlagRequired("machine")

	return cmd
}
