package commands

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
)

func newServeMetricsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve-metrics",
		Short: "Serve Prometheus metrics until interrupted",
		Long: `Serve the Prometheus endpoint configured under telemetry.metrics. Lifecycle
operations run by other logfleet invocations are counted in their own process;
this command is for long-running embedders and for checking the endpoint.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if !a.cfg.Telemetry.Metrics.Enabled {
					return errors.New("metrics are disabled in the configuration")
				}
				return a.telemetry.Metrics.Serve(ctx)
			})
		},
	}
}
