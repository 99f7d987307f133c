package commands

import (
	"context"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/logfleet/logfleet/pkg/lifecycle"
)

func newMachineCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "machine",
		Short: "Manage the machines instances run on",
	}
	cmd.AddCommand(newMachineAddCommand())
	cmd.AddCommand(newMachineListCommand())
	return cmd
}

func newMachineAddCommand() *cobra.Command {
	var m lifecycle.Machine

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a machine reachable over SSH",
		Example: `  # Password authentication
  logfleet machine add --name edge-1 --host 10.0.0.42 --user deploy --password secret

  # Key authentication on a custom port
  logfleet machine add --name edge-2 --host edge-2.example.com --port 2222 \
    --user deploy --key ~/.ssh/id_ed25519`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := a.store.CreateMachine(ctx, &m); err != nil {
					return err
				}
				log.Info().Int64("machine_id", m.ID).Str("name", m.Name).Str("host", m.Host).Msg("Machine registered")
				return printTable(&m, []string{"ID", "NAME", "HOST", "PORT", "USER"}, [][]string{machineRow(&m)})
			})
		},
	}

	cmd.Flags().StringVar(&m.Name, "name", "", "unique machine name")
	cmd.Flags().StringVar(&m.Host, "host", "", "SSH host name or address")
	cmd.Flags().IntVar(&m.Port, "port", 22, "SSH port")
	cmd.Flags().StringVarP(&m.User, "user", "u", "", "SSH user")
	cmd.Flags().StringVar(&m.Password, "password", "", "SSH password")
	cmd.Flags().StringVar(&m.PrivateKeyPath, "key", "", "private key file")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("host")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagsOneRequired("password", "key")

	return cmd
}

func newMachineListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered machines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				machines, err := a.store.ListMachines(ctx)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(machines))
				for _, m := range machines {
					rows = append(rows, machineRow(m))
				}
				return printTable(machines, []string{"ID", "NAME", "HOST", "PORT", "USER"}, rows)
			})
		},
	}
}

func machineRow(m *lifecycle.Machine) []string {
	return []string{strconv.FormatInt(m.ID, 10), m.Name, m.Host, strconv.Itoa(m.Port), m.User}
}
