// File: cmd/odoo-launch/up.go
// Brief: The up and test commands.

package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/woodwosj/OdooTestLauncherV1.0/internal/appconfig"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/lifecycle"
)

type upFlags struct {
	edition        string
	version        string
	seeds          []string
	modules        []string
	testTags       []string
	runTests       bool
	keepAlive      bool
	enterpriseCode string
}

func newUpCommand(g *globalOptions, testMode bool) *cobra.Command {
	f := &upFlags{}
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Launch a stack for an edition and version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUp(cmd, g, f, testMode)
		},
	}
	if testMode {
		cmd.Use = "test"
		cmd.Short = "Launch a stack, run the Odoo tests and tear it down"
	}
	cmd.Flags().StringVar(&f.edition, "edition", "", "Manifest edition, e.g. community or enterprise")
	cmd.Flags().StringVar(&f.version, "version", "", "Odoo version, e.g. 18.0")
	cmd.Flags().StringSliceVar(&f.seeds, "seed", nil, "Seed pack to apply (repeatable; default is the entry's default_seed)")
	cmd.Flags().StringSliceVar(&f.modules, "module", nil, "Module to install/update before tests (repeatable or comma separated)")
	cmd.Flags().StringSliceVar(&f.testTags, "test-tags", nil, "Odoo --test-tags filter")
	if !testMode {
		cmd.Flags().BoolVar(&f.runTests, "run-tests", false, "Run the Odoo test suite once the stack is seeded")
	}
	cmd.Flags().BoolVar(&f.keepAlive, "keep-alive", false, "Keep the stack running after tests")
	cmd.Flags().StringVar(&f.enterpriseCode, "enterprise-code", "", "Enterprise licence code (default $ODOO_ENTERPRISE_CODE)")
	return cmd
}

func runUp(cmd *cobra.Command, g *globalOptions, f *upFlags, testMode bool) error {
	if strings.TrimSpace(f.edition) == "" || strings.TrimSpace(f.version) == "" {
		return usageErrorf("--edition and --version are required")
	}
	o, console, err := g.orchestrator(cmd)
	if err != nil {
		return err
	}
	defer o.Close()
	defer console.Done()

	res, err := o.Up(commandContext(cmd), lifecycle.UpRequest{
		Edition:        f.edition,
		Version:        f.version,
		SeedPacks:      f.seeds,
		Modules:        f.modules,
		TestTags:       f.testTags,
		RunTests:       testMode || f.runTests,
		KeepAlive:      f.keepAlive,
		EnterpriseCode: appconfig.EnterpriseCode(f.enterpriseCode),
	})
	if res != nil {
		printUpSummary(cmd.OutOrStdout(), res, g.colorEnabled(cmd))
	}
	if err != nil {
		return err
	}
	return res.Err()
}

func printUpSummary(w io.Writer, res *lifecycle.UpResult, useColor bool) {
	label := color.New(color.Bold)
	pass := color.New(color.FgGreen, color.Bold)
	fail := color.New(color.FgRed, color.Bold)
	if !useColor {
		for _, c := range []*color.Color{label, pass, fail} {
			c.DisableColor()
		}
	}
	rec := res.Record
	fmt.Fprintf(w, "%s %s\n", label.Sprint("run:    "), rec.RunID)
	fmt.Fprintf(w, "%s %s\n", label.Sprint("status: "), rec.Status)
	if !res.Stopped {
		if res.URL != "" {
			fmt.Fprintf(w, "%s %s\n", label.Sprint("url:    "), res.URL)
		}
		services := make([]string, 0, len(rec.AllocatedPorts))
		for svc := range rec.AllocatedPorts {
			services = append(services, svc)
		}
		sort.Strings(services)
		for _, svc := range services {
			fmt.Fprintf(w, "%s %s=%d\n", label.Sprint("port:   "), svc, rec.AllocatedPorts[svc])
		}
	}
	if len(rec.SeedPacks) > 0 {
		fmt.Fprintf(w, "%s %s\n", label.Sprint("seeds:  "), strings.Join(rec.SeedPacks, ", "))
	}
	if res.Outcome != nil {
		verdict := pass.Sprint("passed")
		if !res.Outcome.Passed {
			verdict = fail.Sprintf("failed (exit %d)", res.Outcome.ExitCode)
		}
		fmt.Fprintf(w, "%s %s in %s\n", label.Sprint("tests:  "), verdict, res.Outcome.Duration.Round(time.Second))
	}
	if res.Stopped {
		fmt.Fprintln(w, "stack removed after tests")
	} else {
		fmt.Fprintf(w, "stop with: odoo-launch stop %s\n", rec.RunID)
	}
}
