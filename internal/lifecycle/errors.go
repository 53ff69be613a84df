package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/woodwosj/OdooTestLauncherV1.0/internal/dockercompose"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/harness"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/manifest"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/ports"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/readiness"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/registry"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/render"
	"github.com/woodwosj/OdooTestLauncherV1.0/internal/seed"
)

// ErrEnterpriseCodeRequired is returned when an entry needs a licence code
// and none was supplied.
var ErrEnterpriseCodeRequired = errors.New("enterprise licence code required: set ODOO_ENTERPRISE_CODE or pass --enterprise-code")

// RunFailedError wraps the error that moved a run to failed.
type RunFailedError struct {
	RunID   string
	Phase   registry.Phase
	WorkDir string
	Err     error
}

func (e *RunFailedError) Error() string {
	return fmt.Sprintf("run %s failed while %s: %v", e.RunID, e.Phase, e.Err)
}

func (e *RunFailedError) Unwrap() error { return e.Err }

// TestsFailedError reports a test run that executed and did not pass.
type TestsFailedError struct {
	RunID    string
	ExitCode int
}

func (e *TestsFailedError) Error() string {
	return fmt.Sprintf("tests failed for run %s (odoo exit %d)", e.RunID, e.ExitCode)
}

// RunStateError means the run exists but is not in a state the operation
// accepts.
type RunStateError struct {
	RunID  string
	Status registry.Status
	Want   []registry.Status
	Reason string
}

func (e *RunStateError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("run %s is %s: %s", e.RunID, e.Status, e.Reason)
	}
	want := make([]string, 0, len(e.Want))
	for _, s := range e.Want {
		want = append(want, string(s))
	}
	return fmt.Sprintf("run %s is %s, expected %s", e.RunID, e.Status, strings.Join(want, " or "))
}

// QueryError is a psql command that ran and exited non-zero.
type QueryError struct {
	RunID    string
	ExitCode int
	Stderr   string
}

func (e *QueryError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("psql for run %s exited %d", e.RunID, e.ExitCode)
	}
	return fmt.Sprintf("psql for run %s exited %d: %s", e.RunID, e.ExitCode, msg)
}

// ValidationError lists the failed checks of validate.
type ValidationError struct {
	Failed []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Failed, "; ")
}

// ConfigExistsError is returned by Init when the target exists and force is
// not set.
type ConfigExistsError struct {
	Path string
}

func (e *ConfigExistsError) Error() string {
	return fmt.Sprintf("config already exists at %s (use --force to overwrite)", e.Path)
}

// Describe classifies err into the kind and subject recorded on a failed
// run and printed by the CLI.
func Describe(err error) registry.RunError {
	out := registry.RunError{Kind: "Error", Message: err.Error()}
	var (
		me  *manifest.ManifestError
		pe  *ports.PortExhaustedError
		re  *render.RenderError
		pc  *dockercompose.PortConflictError
		ce  *dockercompose.ComposeError
		te  *readiness.TimeoutError
		se  *seed.SeedError
		ie  *harness.InvocationError
		rge *registry.RegistryError
		tfe *TestsFailedError
		rse *RunStateError
		qe  *QueryError
		ve  *ValidationError
		cee *ConfigExistsError
	)
	switch {
	case errors.As(err, &pc):
		out.Kind = "PortConflictError"
		if pc.Port > 0 {
			out.Subject = "port " + strconv.Itoa(pc.Port)
		} else {
			out.Subject = pc.Project
		}
	case errors.As(err, &te):
		out.Kind = "TimeoutError"
		out.Subject = strings.Join(te.Pending, ",")
	case errors.As(err, &se):
		out.Kind = "SeedError"
		out.Subject = se.Subject()
	case errors.As(err, &ie):
		out.Kind = "InvocationError"
		out.Subject = ie.RunID
	case errors.As(err, &ce):
		out.Kind = "ComposeError"
		out.Subject = ce.Project
	case errors.As(err, &me):
		out.Kind = "ManifestError"
		out.Subject = me.Subject()
	case errors.As(err, &pe):
		out.Kind = "PortExhaustedError"
		out.Subject = pe.Service
	case errors.As(err, &re):
		out.Kind = "RenderError"
		out.Subject = re.Path
	case errors.As(err, &rge):
		out.Kind = "RegistryError"
		out.Subject = rge.RunID
	case errors.As(err, &tfe):
		out.Kind = "TestsFailed"
		out.Subject = tfe.RunID
	case errors.As(err, &rse):
		out.Kind = "RunStateError"
		out.Subject = rse.RunID
	case errors.As(err, &qe):
		out.Kind = "QueryError"
		out.Subject = qe.RunID
	case errors.As(err, &ve):
		out.Kind = "ValidationError"
	case errors.As(err, &cee):
		out.Kind = "ConfigExists"
		out.Subject = cee.Path
	case errors.Is(err, ErrEnterpriseCodeRequired):
		out.Kind = "EnterpriseError"
	case errors.Is(err, context.Canceled):
		out.Kind = "Cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		out.Kind = "Timeout"
	}
	return out
}
