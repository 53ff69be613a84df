// File: cmd/odoo-launch/version.go
// Brief: CLI command wiring and implementation for 'version'.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/woodwosj/OdooTestLauncherV1.0/internal/version"
)

func newVersionCommand() *cobra.Command {
	var short bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the odoo-launch version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Get()
			out := cmd.OutOrStdout()
			if short {
				fmt.Fprintln(out, info.Version)
				return nil
			}
			fmt.Fprintf(out, "Version: %s\n", info.Version)
			if info.GitCommit != "unknown" {
				state := ""
				if info.Modified {
					state = " (modified)"
				}
				fmt.Fprintf(out, "GitCommit: %s%s\n", info.GitCommit, state)
			}
			if info.BuildDate != "unknown" {
				fmt.Fprintf(out, "BuildDate: %s\n", info.BuildDate)
			}
			fmt.Fprintf(out, "GoVersion: %s\n", info.GoVersion)
			fmt.Fprintf(out, "Platform: %s\n", info.Platform)
			return nil
		},
	}
	cmd.Flags().BoolVar(&short, "short", false, "Print just the version number")
	return cmd
}
