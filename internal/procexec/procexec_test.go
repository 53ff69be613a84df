package procexec

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExecRunnerCapturesOutputAndExitCode(t *testing.T) {
	requireShell(t)
	r := NewExecRunner(logr.Discard())
	res, err := r.Run(context.Background(), Command{
		Name:  "sh",
		Args:  []string{"-c", "read line; echo out:$line; echo oops >&2; exit 3"},
		Stdin: strings.NewReader("hello\n"),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", res.ExitCode)
	}
	if strings.TrimSpace(res.Stdout) != "out:hello" {
		t.Fatalf("stdout = %q", res.Stdout)
	}
	if strings.TrimSpace(res.Stderr) != "oops" {
		t.Fatalf("stderr = %q", res.Stderr)
	}
	if got := res.CombinedOutput(); got != "out:hello\noops" {
		t.Fatalf("combined = %q", got)
	}
}

func TestExecRunnerPassesEnv(t *testing.T) {
	requireShell(t)
	r := NewExecRunner(logr.Discard())
	res, err := r.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo $LAUNCH_TEST_VALUE"},
		Env:  []string{"LAUNCH_TEST_VALUE=42"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "42" {
		t.Fatalf("stdout = %q", res.Stdout)
	}
}

func TestExecRunnerTimeout(t *testing.T) {
	requireShell(t)
	r := NewExecRunner(logr.Discard())
	_, err := r.Run(context.Background(), Command{
		Name:    "sh",
		Args:    []string{"-c", "sleep 5"},
		Timeout: 100 * time.Millisecond,
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestExecRunnerMissingBinary(t *testing.T) {
	r := NewExecRunner(logr.Discard())
	res, err := r.Run(context.Background(), Command{Name: "odoo-launch-definitely-missing-binary"})
	if err == nil {
		t.Fatalf("expected error for missing binary")
	}
	if res.ExitCode != -1 {
		t.Fatalf("exit code = %d, want -1", res.ExitCode)
	}
}

func TestFakeRecordsCallsAndStdin(t *testing.T) {
	f := &Fake{Handler: func(call FakeCall) (Result, error) {
		if call.Command.Name == "fail" {
			return Result{ExitCode: 1, Stderr: "boom"}, nil
		}
		return Result{Stdout: "ok"}, nil
	}}
	if _, err := f.Run(context.Background(), Command{Name: "docker", Args: []string{"compose", "up"}, Stdin: strings.NewReader("payload")}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	res, _ := f.Run(context.Background(), Command{Name: "fail"})
	if res.ExitCode != 1 {
		t.Fatalf("handler result not returned: %+v", res)
	}
	calls := f.Calls()
	if len(calls) != 2 || calls[0].Stdin != "payload" {
		t.Fatalf("unexpected calls: %+v", calls)
	}
	if got := f.CallsContaining("compose", "up"); len(got) != 1 {
		t.Fatalf("CallsContaining = %d, want 1", len(got))
	}
}
