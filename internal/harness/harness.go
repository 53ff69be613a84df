// Package harness runs Odoo's built-in test runner inside a launched stack.
package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/woodwosj/OdooTestLauncherV1.0/internal/dockercompose"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/procexec"
)

const odooService = "odoo"

// Exit statuses that mean the runner itself never executed (docker exec
// conventions).
var runnerExitCodes = map[int]string{
	125: "docker exec failed",
	126: "command not executable",
	127: "command not found",
}

// Execer runs commands inside compose services.
type Execer interface {
	Exec(ctx context.Context, p dockercompose.Project, opts dockercompose.ExecOptions) (procexec.Result, error)
}

// Target is the run under test.
type Target struct {
	RunID   string
	Project dockercompose.Project
	DBName  string
}

// Outcome is the result of a test run that executed. Failing tests are an
// Outcome with Passed=false, never an error.
type Outcome struct {
	Passed    bool          `json:"passed"`
	ExitCode  int           `json:"exitCode"`
	Modules   []string      `json:"modules,omitempty"`
	Tags      []string      `json:"tags,omitempty"`
	RawOutput string        `json:"-"`
	Duration  time.Duration `json:"duration"`
}

// InvocationError means the test runner could not be executed at all.
type InvocationError struct {
	RunID    string
	ExitCode int
	Output   string
	Err      error
}

func (e *InvocationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("test runner for %s could not be invoked: %v", e.RunID, e.Err)
	}
	return fmt.Sprintf("test runner for %s could not be invoked (exit %d, %s): %s", e.RunID, e.ExitCode, runnerExitCodes[e.ExitCode], lastLine(e.Output))
}

func (e *InvocationError) Unwrap() error { return e.Err }

type Invoker struct {
	compose Execer
	timeout time.Duration
	log     logr.Logger
}

func New(compose Execer, timeout time.Duration, logger logr.Logger) *Invoker {
	return &Invoker{compose: compose, timeout: timeout, log: logger.WithName("harness")}
}

// Command returns the odoo arguments for a test run.
func Command(dbName string, modules, tags []string) []string {
	args := []string{"odoo", "-d", dbName, "--test-enable", "--stop-after-init", "--http-port=0"}
	if mods := joinNonEmpty(modules); mods != "" {
		args = append(args, "-u", mods)
	}
	if t := joinNonEmpty(tags); t != "" {
		args = append(args, "--test-tags", t)
	}
	return args
}

// RunTests executes the suite for modules, filtered by tags.
func (i *Invoker) RunTests(ctx context.Context, target Target, modules, tags []string) (*Outcome, error) {
	args := Command(target.DBName, modules, tags)
	log := i.log.WithValues("runId", target.RunID)
	log.Info("running tests", "modules", modules, "tags", tags)
	start := time.Now()
	res, err := i.compose.Exec(ctx, target.Project, dockercompose.ExecOptions{
		Service: odooService,
		Args:    args,
		Timeout: i.timeout,
	})
	if err != nil {
		return nil, &InvocationError{RunID: target.RunID, ExitCode: res.ExitCode, Output: res.CombinedOutput(), Err: err}
	}
	if _, ok := runnerExitCodes[res.ExitCode]; ok {
		return nil, &InvocationError{RunID: target.RunID, ExitCode: res.ExitCode, Output: res.CombinedOutput()}
	}
	if dockercompose.ServiceUnavailable(res) {
		return nil, &InvocationError{RunID: target.RunID, ExitCode: res.ExitCode, Output: res.CombinedOutput(), Err: errors.New(lastLine(res.Stderr))}
	}
	out := &Outcome{
		Passed:    res.ExitCode == 0,
		ExitCode:  res.ExitCode,
		Modules:   modules,
		Tags:      tags,
		RawOutput: res.CombinedOutput(),
		Duration:  time.Since(start),
	}
	log.Info("tests finished", "passed", out.Passed, "exitCode", out.ExitCode, "duration", out.Duration.String())
	return out, nil
}

func joinNonEmpty(items []string) string {
	var kept []string
	for _, it := range items {
		for _, part := range strings.Split(it, ",") {
			if p := strings.TrimSpace(part); p != "" {
				kept = append(kept, p)
			}
		}
	}
	return strings.Join(kept, ",")
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.LastIndex(s, "\n"); idx >= 0 {
		return s[idx+1:]
	}
	return s
}
