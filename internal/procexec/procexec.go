// Package procexec runs external processes (the compose CLI, docker) behind a
// small interface so callers can substitute a fake in tests.
package procexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/go-logr/logr"
)

// ErrTimeout is wrapped by Run when a command outlives its timeout.
var ErrTimeout = errors.New("process timed out")

// Command describes one process invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	// Env entries (KEY=VALUE) are appended to the current environment.
	Env     []string
	Stdin   io.Reader
	Timeout time.Duration
}

// String renders the command line for logs and error messages.
func (c Command) String() string {
	parts := append([]string{c.Name}, c.Args...)
	return strings.Join(parts, " ")
}

// Result is the captured outcome of a process that ran to completion.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Runner executes commands. A non-zero exit status is reported through
// Result.ExitCode with a nil error; errors mean the process could not be
// started, timed out, or was cancelled.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExecRunner is the os/exec backed Runner.
type ExecRunner struct {
	Logger logr.Logger
	// WaitDelay bounds how long Run waits for output pipes after the process
	// is killed.
	WaitDelay time.Duration
}

// NewExecRunner returns a Runner that spawns real processes.
func NewExecRunner(logger logr.Logger) *ExecRunner {
	return &ExecRunner{Logger: logger.WithName("procexec"), WaitDelay: 5 * time.Second}
}

func (r *ExecRunner) Run(ctx context.Context, c Command) (Result, error) {
	if strings.TrimSpace(c.Name) == "" {
		return Result{ExitCode: -1}, errors.New("command name is required")
	}
	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.Stdin = c.Stdin
	cmd.WaitDelay = r.WaitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.Logger.V(1).Info("exec", "cmd", c.String(), "dir", c.Dir, "timeout", c.Timeout.String())
	start := time.Now()
	err := cmd.Run()
	res := Result{
		ExitCode: 0,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err == nil {
		return res, nil
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res.ExitCode = -1
		return res, fmt.Errorf("%s: %w after %s", c.String(), ErrTimeout, c.Timeout)
	}
	if ctx.Err() != nil {
		res.ExitCode = -1
		return res, fmt.Errorf("%s: %w", c.String(), ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		r.Logger.V(1).Info("exec finished", "cmd", c.Name, "exitCode", res.ExitCode, "duration", res.Duration.String())
		return res, nil
	}
	res.ExitCode = -1
	return res, fmt.Errorf("%s: %w", c.String(), err)
}

// CombinedOutput joins stdout and stderr, trimming surrounding whitespace.
func (r Result) CombinedOutput() string {
	out := strings.TrimSpace(r.Stdout)
	errOut := strings.TrimSpace(r.Stderr)
	switch {
	case out == "":
		return errOut
	case errOut == "":
		return out
	default:
		return out + "\n" + errOut
	}
}
