package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/woodwosj/OdooTestLauncherV1.0/internal/appconfig"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/lifecycle"
)

func newValidateCommand(g *globalOptions) *cobra.Command {
	var requireEnterprise bool
	var enterpriseCode string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the manifest, docker, compose and the run history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, _, err := g.orchestrator(cmd)
			if err != nil {
				return err
			}
			defer o.Close()
			results, err := o.Validate(commandContext(cmd), lifecycle.ValidateOptions{
				RequireEnterprise: requireEnterprise,
				EnterpriseCode:    appconfig.EnterpriseCode(enterpriseCode),
			})
			printChecks(cmd, results, g.colorEnabled(cmd))
			return err
		},
	}
	cmd.Flags().BoolVar(&requireEnterprise, "require-enterprise", false, "Fail when no enterprise licence code is configured")
	cmd.Flags().StringVar(&enterpriseCode, "enterprise-code", "", "Enterprise licence code (default $ODOO_ENTERPRISE_CODE)")
	return cmd
}

func printChecks(cmd *cobra.Command, results []lifecycle.CheckResult, useColor bool) {
	ok := color.New(color.FgGreen)
	bad := color.New(color.FgRed)
	if !useColor {
		ok.DisableColor()
		bad.DisableColor()
	}
	out := cmd.OutOrStdout()
	for _, r := range results {
		mark := ok.Sprint("ok  ")
		if !r.OK {
			mark = bad.Sprint("FAIL")
		}
		fmt.Fprintf(out, "%s %-10s %s\n", mark, r.Name, r.Detail)
	}
}
