// File: cmd/odoo-launch/runs.go
// Brief: list, show and logs: read-only views of the run registry.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"sigs.k8s.io/yaml"

	"github.com/woodwosj/OdooTestLauncherV1.0/internal/lifecycle"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/registry"
)

func newListCommand(g *globalOptions) *cobra.Command {
	var output, status, edition string
	var all bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List recorded runs",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, _, err := g.orchestrator(cmd)
			if err != nil {
				return err
			}
			defer o.Close()
			recs, err := o.List(commandContext(cmd), registry.ListFilter{
				Status:        registry.Status(strings.TrimSpace(status)),
				Edition:       strings.TrimSpace(edition),
				IncludePruned: all,
			})
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), output, recs, func(w io.Writer) error {
				return printRunsTable(w, recs, time.Now())
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table, json, yaml")
	cmd.Flags().StringVar(&status, "status", "", "Only runs with this status (starting, running, tested, stopped, failed)")
	cmd.Flags().StringVar(&edition, "edition", "", "Only runs of this edition")
	cmd.Flags().BoolVar(&all, "all", false, "Include runs whose work directory was pruned")
	return cmd
}

func newShowCommand(g *globalOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show a run and its verified history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, _, err := g.orchestrator(cmd)
			if err != nil {
				return err
			}
			defer o.Close()
			details, err := o.Show(commandContext(cmd), args[0])
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), output, details, func(w io.Writer) error {
				return printRunDetails(w, details)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format: text, json, yaml")
	return cmd
}

func newLogsCommand(g *globalOptions) *cobra.Command {
	var service string
	var tail int
	cmd := &cobra.Command{
		Use:   "logs RUN_ID",
		Short: "Print container logs of a run, or the saved failure log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, _, err := g.orchestrator(cmd)
			if err != nil {
				return err
			}
			defer o.Close()
			text, err := o.Logs(commandContext(cmd), args[0], service, tail)
			if text != "" {
				fmt.Fprint(cmd.OutOrStdout(), text)
				if !strings.HasSuffix(text, "\n") {
					fmt.Fprintln(cmd.OutOrStdout())
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&service, "service", "", "Compose service (db or odoo); empty means all")
	cmd.Flags().IntVar(&tail, "tail", 200, "Number of lines per service; 0 for everything")
	return cmd
}

func writeOutput(w io.Writer, format string, v any, text func(io.Writer) error) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "table", "text":
		return text(w)
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "yml":
		b, err := yaml.Marshal(v)
		if err != nil {
			return err
		}
		_, err = w.Write(b)
		return err
	default:
		return usageErrorf("unsupported --output %q (expected table, json, or yaml)", format)
	}
}

func printRunsTable(w io.Writer, recs []*registry.RunRecord, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tEDITION\tVERSION\tSTATUS\tPHASE\tHTTP\tAGE\tERROR")
	for _, r := range recs {
		httpPort := "-"
		if p := r.AllocatedPorts["http"]; p > 0 && r.Live() {
			httpPort = fmt.Sprintf("%d", p)
		}
		errKind := ""
		if r.Error != nil {
			errKind = r.Error.Kind
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.RunID,
			r.Edition,
			r.Version,
			strings.ToUpper(string(r.Status)),
			r.Phase,
			httpPort,
			humanAge(now.Sub(r.CreatedAt)),
			errKind,
		)
	}
	return tw.Flush()
}

var editionCaser = cases.Title(language.Und, cases.NoLower)

func printRunDetails(w io.Writer, d *lifecycle.RunDetails) error {
	r := d.Record
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	row := func(k, v string) {
		if v != "" {
			fmt.Fprintf(tw, "%s:\t%s\n", k, v)
		}
	}
	row("Run", r.RunID)
	row("Edition", editionCaser.String(r.Edition)+" "+r.Version)
	row("Status", fmt.Sprintf("%s (phase %s)", r.Status, r.Phase))
	row("URL", d.URL)
	row("Project", r.ProjectName)
	row("Database", r.DBName)
	services := make([]string, 0, len(r.AllocatedPorts))
	for svc := range r.AllocatedPorts {
		services = append(services, svc)
	}
	sort.Strings(services)
	ports := make([]string, 0, len(services))
	for _, svc := range services {
		ports = append(ports, fmt.Sprintf("%s=%d", svc, r.AllocatedPorts[svc]))
	}
	row("Ports", strings.Join(ports, " "))
	row("Seeds", strings.Join(r.SeedPacks, ", "))
	row("Modules", strings.Join(r.Modules, ", "))
	row("Test tags", strings.Join(r.TestTags, ", "))
	row("Work dir", r.WorkDir)
	if r.Pruned {
		row("Pruned", "yes")
	}
	row("Created", r.CreatedAt.Format(time.RFC3339))
	row("Updated", r.UpdatedAt.Format(time.RFC3339))
	if r.Error != nil {
		row("Error", fmt.Sprintf("%s %s: %s", r.Error.Kind, r.Error.Subject, r.Error.Message))
	}
	if r.TestResult != nil {
		row("Tests", fmt.Sprintf("passed=%t exit=%d", r.TestResult.Passed, r.TestResult.ExitCode))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(w, "\nHistory:")
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIME\tEVENT\tSTATUS\tMESSAGE")
	for _, ev := range d.Events {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", ev.Seq, ev.TS, ev.Type, ev.Status, ev.Message)
	}
	return tw.Flush()
}

func humanAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
