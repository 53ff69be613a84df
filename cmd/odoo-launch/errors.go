// File: cmd/odoo-launch/errors.go
// Brief: Maps command errors to messages, hints and process exit codes.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/woodwosj/OdooTestLauncherV1.0/internal/dockercompose"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/harness"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/lifecycle"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/manifest"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/ports"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/readiness"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/registry"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/render"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/seed"
)

const (
	exitOK          = 0
	exitError       = 1
	exitConfig      = 2
	exitNotFound    = 3
	exitRunFailed   = 4
	exitRegistry    = 5
	exitTestsFailed = 6
)

func exitCode(err error) int {
	if err == nil || errors.Is(err, pflag.ErrHelp) {
		return exitOK
	}
	var (
		tfe  *lifecycle.TestsFailedError
		rfe  *lifecycle.RunFailedError
		rge  *registry.RegistryError
		me   *manifest.ManifestError
		ve   *lifecycle.ValidationError
		cee  *lifecycle.ConfigExistsError
		se   *seed.SeedError
		pe   *ports.PortExhaustedError
		re   *render.RenderError
		pce  *dockercompose.PortConflictError
		ce   *dockercompose.ComposeError
		te   *readiness.TimeoutError
		ie   *harness.InvocationError
		uerr *usageError
	)
	switch {
	case errors.As(err, &tfe):
		return exitTestsFailed
	case errors.As(err, &rfe):
		return exitRunFailed
	case registry.IsNotFound(err):
		return exitNotFound
	case errors.As(err, &rge):
		return exitRegistry
	case errors.As(err, &me), errors.As(err, &ve), errors.As(err, &cee), errors.As(err, &uerr),
		errors.Is(err, lifecycle.ErrEnterpriseCodeRequired):
		return exitConfig
	case errors.As(err, &se) && se.Kind == seed.KindUnknownPack:
		return exitConfig
	case errors.As(err, &se), errors.As(err, &pe), errors.As(err, &re), errors.As(err, &pce),
		errors.As(err, &ce), errors.As(err, &te), errors.As(err, &ie):
		return exitRunFailed
	default:
		return exitError
	}
}

// usageError marks invalid flag combinations detected by a command.
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func usageErrorf(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

func handleError(w io.Writer, err error) {
	if err == nil || errors.Is(err, pflag.ErrHelp) {
		return
	}
	bold := color.New(color.FgRed, color.Bold)
	fmt.Fprintf(w, "%s %s\n", bold.Sprint("Error:"), err)

	desc := lifecycle.Describe(err)
	fields := []string{"kind=" + desc.Kind}
	if desc.Subject != "" {
		fields = append(fields, "subject="+desc.Subject)
	}
	if id := errorRunID(err); id != "" {
		fields = append(fields, "runId="+id)
	}
	fmt.Fprintf(w, "  %s\n", strings.Join(fields, " "))
	if hint := errorHint(err); hint != "" {
		fmt.Fprintf(w, "Hint: %s\n", hint)
	}
}

func errorRunID(err error) string {
	var (
		rfe *lifecycle.RunFailedError
		tfe *lifecycle.TestsFailedError
		rse *lifecycle.RunStateError
		rge *registry.RegistryError
	)
	switch {
	case errors.As(err, &rfe):
		return rfe.RunID
	case errors.As(err, &tfe):
		return tfe.RunID
	case errors.As(err, &rse):
		return rse.RunID
	case errors.As(err, &rge):
		return rge.RunID
	}
	return ""
}

func errorHint(err error) string {
	var (
		rfe *lifecycle.RunFailedError
		se  *seed.SeedError
		pce *dockercompose.PortConflictError
		rge *registry.RegistryError
	)
	switch {
	case errors.As(err, &se) && errors.As(err, &rfe):
		return fmt.Sprintf("containers were kept for inspection; see %s/failure.log, then run 'odoo-launch stop %s'.", rfe.WorkDir, rfe.RunID)
	case errors.As(err, &pce):
		return "another process took the port after it was allocated; retry the command."
	case errors.As(err, &rfe):
		return fmt.Sprintf("compose logs were saved to %s/failure.log.", rfe.WorkDir)
	case registry.IsNotFound(err):
		return "run 'odoo-launch list' to see known runs."
	case errors.As(err, &rge) && rge.Kind == registry.KindLockTimeout:
		return "another odoo-launch process holds the registry lock; retry when it finishes."
	case errors.As(err, &rge) && rge.Kind == registry.KindCorrupt:
		return "the run history failed verification; inspect it before launching new runs."
	case errors.Is(err, lifecycle.ErrEnterpriseCodeRequired):
		return "export ODOO_ENTERPRISE_CODE or pass --enterprise-code."
	case errors.Is(err, context.DeadlineExceeded):
		return "raise the matching defaults.timeouts value in your config."
	case errors.Is(err, context.Canceled):
		return "interrupted; run 'odoo-launch list' to check for runs left behind."
	}
	return ""
}
