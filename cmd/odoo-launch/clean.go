package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/woodwosj/OdooTestLauncherV1.0/internal/lifecycle"
)

func newCleanCommand(g *globalOptions) *cobra.Command {
	var (
		retention   time.Duration
		dockerPrune bool
		yes         bool
		dryRun      bool
	)
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove stopped runs, old failed runs and orphaned run directories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if retention < 0 {
				return usageErrorf("--retention must not be negative")
			}
			if !dryRun {
				prompt := "Remove stopped and expired run directories?"
				if dockerPrune {
					prompt = "Remove expired run directories and prune unused docker data, including volumes?"
				}
				dec := approvalMode(cmd, yes)
				if err := confirmAction(commandContext(cmd), cmd.InOrStdin(), cmd.ErrOrStderr(), dec, prompt+" Type 'yes' to continue:"); err != nil {
					return err
				}
			}
			o, _, err := g.orchestrator(cmd)
			if err != nil {
				return err
			}
			defer o.Close()
			report, err := o.Clean(commandContext(cmd), lifecycle.CleanOptions{
				Retention:   retention,
				DockerPrune: dockerPrune,
				DryRun:      dryRun,
			})
			if report != nil {
				printCleanReport(cmd, report, dryRun)
			}
			if err != nil {
				return err
			}
			if len(report.Errors) > 0 {
				return fmt.Errorf("clean finished with %d error(s)", len(report.Errors))
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&retention, "retention", 0, "Keep failed runs younger than this (default defaults.retention from the manifest)")
	cmd.Flags().BoolVar(&dockerPrune, "docker-prune", false, "Also run 'docker system prune --force --volumes'")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List what would be removed without removing it")
	return cmd
}

func printCleanReport(cmd *cobra.Command, report *lifecycle.CleanReport, dryRun bool) {
	out := cmd.OutOrStdout()
	verb := "removed"
	if dryRun {
		verb = "would remove"
	}
	for _, id := range report.Pruned {
		fmt.Fprintf(out, "%s run %s\n", verb, id)
	}
	for _, dir := range report.Orphans {
		fmt.Fprintf(out, "%s orphan %s\n", verb, dir)
	}
	for _, e := range report.Errors {
		fmt.Fprintf(cmd.ErrOrStderr(), "error: %s\n", e)
	}
	if report.PruneOutput != "" {
		fmt.Fprintln(out, report.PruneOutput)
	}
	if len(report.Pruned) == 0 && len(report.Orphans) == 0 {
		fmt.Fprintln(out, "nothing to clean")
	}
}
