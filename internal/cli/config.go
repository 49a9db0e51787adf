package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tmheath/warden/internal/config"
)

func newConfigCmd(ctx *context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Work with program manifests",
	}
	cmd.AddCommand(newConfigLintCmd(ctx))
	cmd.AddCommand(newConfigShowCmd(ctx))
	return cmd
}

func newConfigLintCmd(ctx *context) *cobra.Command {
	return &cobra.Command{
		Use:   "lint",
		Short: "Validate a program manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(*ctx.manifest); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "manifest is valid")
			return nil
		},
	}
}

func newConfigShowCmd(ctx *context) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the resolved program specifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*ctx.manifest)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, name := range cfg.ProgramsSorted() {
				p := cfg.Programs[name]
				fmt.Fprintf(out, "%s:\n", name)
				fmt.Fprintf(out, "  command: %v\n", p.Command)
				fmt.Fprintf(out, "  numprocs: %d\n", p.NumProcs)
				fmt.Fprintf(out, "  autostart: %t\n", *p.AutoStart)
				fmt.Fprintf(out, "  autorestart: %s\n", p.AutoRestart)
				fmt.Fprintf(out, "  exitcodes: %v\n", p.ExitCodes)
				fmt.Fprintf(out, "  startretries: %d\n", p.StartRetries)
				fmt.Fprintf(out, "  starttime: %s\n", p.StartTime.Duration)
				fmt.Fprintf(out, "  startsecs: %s\n", p.StartSecs.Duration)
				fmt.Fprintf(out, "  backoff: %s\n", p.Backoff.Duration)
				fmt.Fprintf(out, "  stopsignal: %s\n", p.StopSignal)
				fmt.Fprintf(out, "  stoptime: %s\n", p.StopTime.Duration)
			}
			return nil
		},
	}
}
