// File: cmd/odoo-launch/confirm.go
// Brief: Confirmation prompt for destructive commands.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/woodwosj/OdooTestLauncherV1.0/internal/appconfig"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/ui"
)

var errAborted = errors.New("aborted")

type approvalDecision struct {
	Approved       bool
	InteractiveTTY bool
}

func approvedFromEnv() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(appconfig.EnvPrefix + "_YES"))) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func approvalMode(cmd *cobra.Command, approved bool) approvalDecision {
	if !approved && approvedFromEnv() {
		approved = true
	}
	return approvalDecision{
		Approved:       approved,
		InteractiveTTY: isTerminalReader(cmd.InOrStdin()) && ui.IsTerminal(cmd.ErrOrStderr()),
	}
}

func isTerminalReader(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && ui.IsTerminal(f)
}

// confirmAction asks for a literal "yes" unless the decision is already
// approved. Without a terminal it refuses rather than blocking.
func confirmAction(ctx context.Context, in io.Reader, out io.Writer, dec approvalDecision, prompt string) error {
	if dec.Approved {
		return nil
	}
	if !dec.InteractiveTTY {
		return errors.New("refusing to proceed without confirmation; rerun with --yes")
	}
	fmt.Fprint(out, strings.TrimSpace(prompt)+" ")

	reader := bufio.NewReader(in)
	type readResult struct {
		line string
		err  error
	}
	results := make(chan readResult, 1)
	go func() {
		line, err := reader.ReadString('\n')
		results <- readResult{line: line, err: err}
	}()
	select {
	case <-ctx.Done():
		fmt.Fprintln(out)
		return ctx.Err()
	case res := <-results:
		if res.err != nil && !errors.Is(res.err, io.EOF) {
			return res.err
		}
		if !strings.EqualFold(strings.TrimSpace(res.line), "yes") {
			return errAborted
		}
		return nil
	}
}
