package commands

import (
	"context"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/logfleet/logfleet/pkg/stores"
)

func newProcessCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Manage process templates",
		Long: `A process template carries the pipeline config, jvm.options and logstash.yml
content that new instances are seeded from, plus the Logstash archive to deploy.`,
	}
	cmd.AddCommand(newProcessAddCommand())
	cmd.AddCommand(newProcessListCommand())
	return cmd
}

func newProcessAddCommand() *cobra.Command {
	var (
		p          stores.Process
		mainFile   string
		jvmFile    string
		systemFile string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a process template",
		Example: `  logfleet process add --name nginx-logs \
    --main-config pipelines/nginx.conf \
    --jvm-options jvm.options \
    --system-options logstash.yml \
    --package dist/logstash-8.15.0-linux-x86_64.tar.gz`,
		RunE: func(cmd *cobra.Command, args []string) error {
			files := []struct {
				path string
				dst  *string
			}{
				{mainFile, &p.MainConfig},
				{jvmFile, &p.JvmOptions},
				{systemFile, &p.SystemOptions},
			}
			for _, f := range files {
				content, err := readOptional(f.path)
				if err != nil {
					return err
				}
				if content != nil {
					*f.dst = *content
				}
			}

			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				p.CreatedBy = a.cfg.Deploy.Actor
				if err := a.store.CreateProcess(ctx, &p); err != nil {
					return err
				}
				log.Info().Int64("process_id", p.ID).Str("name", p.Name).Msg("Process template created")
				return printTable(&p, []string{"ID", "NAME", "PACKAGE"}, [][]string{processRow(&p)})
			})
		},
	}

	cmd.Flags().StringVar(&p.Name, "name", "", "unique template name")
	cmd.Flags().StringVar(&mainFile, "main-config", "", "pipeline config file")
	cmd.Flags().StringVar(&jvmFile, "jvm-options", "", "jvm.options file")
	cmd.Flags().StringVar(&systemFile, "system-options", "", "logstash.yml file")
	cmd.Flags().StringVar(&p.PackagePath, "package", "", "Logstash archive; defaults to deploy.package_path")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("main-config")

	return cmd
}

func newProcessListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List process templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				processes, err := a.store.ListProcesses(ctx)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(processes))
				for _, p := range processes {
					rows = append(rows, processRow(p))
				}
				return printTable(processes, []string{"ID", "NAME", "PACKAGE"}, rows)
			})
		},
	}
}

func processRow(p *stores.Process) []string {
	pkg := p.PackagePath
	if pkg == "" {
		pkg = "(default)"
	}
	return []string{strconv.FormatInt(p.ID, 10), p.Name, pkg}
}
