package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/woodwosj/OdooTestLauncherV1.0/internal/dockercompose"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/procexec"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/registry"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/render"
)

// CheckResult is one line of the validate report.
type CheckResult struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

type ValidateOptions struct {
	RequireEnterprise bool
	EnterpriseCode    string
}

// Validate checks the container tooling, the run history and, when asked,
// the enterprise licence. The manifest itself was validated when it was
// resolved; its entries are reported here.
func (o *Orchestrator) Validate(ctx context.Context, opts ValidateOptions) ([]CheckResult, error) {
	var results []CheckResult
	add := func(name string, err error, ok string) {
		if err != nil {
			results = append(results, CheckResult{Name: name, Detail: err.Error()})
			return
		}
		results = append(results, CheckResult{Name: name, OK: true, Detail: ok})
	}

	entries := make([]string, 0, len(o.m.Editions))
	for _, e := range o.m.Editions {
		entries = append(entries, e.Key())
	}
	results = append(results, CheckResult{Name: "manifest", OK: true, Detail: fmt.Sprintf("%s (%s)", strings.Join(entries, ", "), strings.Join(o.m.Sources, " + "))})

	add("docker", o.compose.DockerInfo(ctx), "daemon reachable")
	version, err := o.compose.Version(ctx)
	add("compose", err, version)

	reg, err := o.registry(ctx)
	if err == nil {
		var n int
		n, err = reg.Verify(ctx)
		add("history", err, fmt.Sprintf("%d events verified", n))
	} else {
		add("history", err, "")
	}

	if opts.RequireEnterprise {
		if strings.TrimSpace(opts.EnterpriseCode) == "" {
			add("enterprise", ErrEnterpriseCodeRequired, "")
		} else {
			add("enterprise", nil, "licence code configured")
		}
	}

	var failed []string
	for _, r := range results {
		if !r.OK {
			failed = append(failed, r.Name+": "+r.Detail)
		}
	}
	if len(failed) > 0 {
		return results, &ValidationError{Failed: failed}
	}
	return results, nil
}

// Psql runs sql in the run's db service inside a read-only transaction.
func (o *Orchestrator) Psql(ctx context.Context, runID, sql string) (procexec.Result, error) {
	if strings.TrimSpace(sql) == "" {
		return procexec.Result{}, fmt.Errorf("psql: a command is required (interactive sessions are not supported)")
	}
	rec, err := o.liveRecord(ctx, runID, registry.StatusRunning, registry.StatusTested)
	if err != nil {
		return procexec.Result{}, err
	}
	res, err := o.compose.Exec(ctx, o.project(rec), dockercompose.ExecOptions{
		Service: render.ServiceDB,
		Args:    []string{"psql", "-U", o.m.Defaults.Database.User, "-d", rec.DBName, "-v", "ON_ERROR_STOP=1", "-c", sql},
		Env:     map[string]string{"PGOPTIONS": "-c default_transaction_read_only=on"},
	})
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		return res, &QueryError{RunID: runID, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return res, nil
}

// Logs returns compose logs of a live run. For a failed run whose containers
// are gone the saved failure log is returned instead.
func (o *Orchestrator) Logs(ctx context.Context, runID, service string, tail int) (string, error) {
	reg, err := o.registry(ctx)
	if err != nil {
		return "", err
	}
	rec, err := reg.Get(ctx, runID)
	if err != nil {
		return "", err
	}
	if rec.Live() && fileExists(rec.ComposeFile) {
		return o.compose.Logs(ctx, o.project(rec), service, tail)
	}
	if data, err := os.ReadFile(filepath.Join(rec.WorkDir, failureLogName)); err == nil {
		return string(data), nil
	}
	return "", &RunStateError{RunID: runID, Status: rec.Status, Reason: "no containers and no saved failure log"}
}

func (o *Orchestrator) liveRecord(ctx context.Context, runID string, want ...registry.Status) (*registry.RunRecord, error) {
	reg, err := o.registry(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := reg.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	for _, s := range want {
		if rec.Status == s {
			return rec, nil
		}
	}
	return nil, &RunStateError{RunID: runID, Status: rec.Status, Want: want}
}

func (o *Orchestrator) List(ctx context.Context, f registry.ListFilter) ([]*registry.RunRecord, error) {
	reg, err := o.registry(ctx)
	if err != nil {
		return nil, err
	}
	return reg.List(ctx, f)
}

// RunDetails is a record with its verified history.
type RunDetails struct {
	Record *registry.RunRecord `json:"record"`
	Events []registry.Event    `json:"events"`
	URL    string              `json:"url,omitempty"`
}

func (o *Orchestrator) Show(ctx context.Context, runID string) (*RunDetails, error) {
	reg, err := o.registry(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := reg.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	events, err := reg.Events(ctx, runID)
	if err != nil {
		return nil, err
	}
	d := &RunDetails{Record: rec, Events: events}
	if rec.Live() {
		d.URL = WebURL(rec)
	}
	return d, nil
}
