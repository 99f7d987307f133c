package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "logfleet",
		Short: "logfleet - Logstash fleet lifecycle orchestrator",
		Long: `logfleet deploys and runs Logstash instances on remote machines over SSH.

A process template (pipeline config, jvm.options, logstash.yml) is attached to
machines, producing one instance per machine. Each instance moves through a
persisted lifecycle (initialize, start, stop, update-config, delete), and every
operation is recorded as a task with per-step progress.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (.yaml or .cue)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newMachineCommand())
	rootCmd.AddCommand(newProcessCommand())
	rootCmd.AddCommand(newInstanceCommand())
	rootCmd.AddCommand(newOperationCommands()...)
	rootCmd.AddCommand(newUpdateConfigCommand())
	rootCmd.AddCommand(newDeployCommand())
	rootCmd.AddCommand(newTaskCommand())
	rootCmd.AddCommand(newServeMetricsCommand())

	return rootCmd
}
