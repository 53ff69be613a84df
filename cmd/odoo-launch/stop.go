package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStopCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop RUN_ID",
		Short: "Tear a run's containers down and remove its work directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, console, err := g.orchestrator(cmd)
			if err != nil {
				return err
			}
			defer o.Close()
			defer console.Done()
			rec, err := o.Stop(commandContext(cmd), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", rec.RunID, rec.Status)
			return nil
		},
	}
}

func newPsqlCommand(g *globalOptions) *cobra.Command {
	var command string
	cmd := &cobra.Command{
		Use:   "psql RUN_ID --command SQL",
		Short: "Run a read-only SQL command in a running stack's database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if command == "" {
				return usageErrorf("--command is required; interactive psql sessions are not supported")
			}
			o, _, err := g.orchestrator(cmd)
			if err != nil {
				return err
			}
			defer o.Close()
			res, err := o.Psql(commandContext(cmd), args[0], command)
			if res.Stdout != "" {
				fmt.Fprint(cmd.OutOrStdout(), res.Stdout)
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&command, "command", "c", "", "SQL to execute")
	return cmd
}
