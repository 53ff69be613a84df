package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/woodwosj/OdooTestLauncherV1.0/internal/appconfig"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/lifecycle"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/manifest"
)

func newInitCommand(g *globalOptions) *cobra.Command {
	var force, diff bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the bundled manifest to the user config path",
		Long: `Copy the bundled manifest to ~/.odoo-launch/config.yml (or --config) so it can be edited.
Relative paths are rewritten so the copy keeps pointing at this checkout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := appconfig.UserConfigPath(g.configPath)
			if err != nil {
				return err
			}
			data, baseDir, err := bundledManifest()
			if err != nil {
				return err
			}
			content, err := manifest.Rebase(data, baseDir)
			if err != nil {
				return err
			}
			res, err := lifecycle.Init(lifecycle.InitOptions{Path: target, Content: content, Force: force, Diff: diff})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch {
			case diff && res.Diff == "":
				fmt.Fprintf(out, "%s matches the bundled manifest\n", res.Path)
			case diff:
				fmt.Fprint(out, res.Diff)
			case res.Existed:
				fmt.Fprintf(out, "overwrote %s\n", res.Path)
			default:
				fmt.Fprintf(out, "wrote %s\n", res.Path)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config")
	cmd.Flags().BoolVar(&diff, "diff", false, "Show a unified diff against the existing config and write nothing")
	return cmd
}
