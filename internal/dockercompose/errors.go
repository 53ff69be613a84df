package dockercompose

import (
	"fmt"
	"strings"
)

// ComposeError reports a failed compose or docker invocation.
type ComposeError struct {
	Op       string
	Project  string
	ExitCode int
	Output   string
	Err      error
}

func (e *ComposeError) Error() string {
	var b strings.Builder
	b.WriteString("compose ")
	b.WriteString(e.Op)
	if e.Project != "" {
		fmt.Fprintf(&b, " (project %s)", e.Project)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	} else {
		fmt.Fprintf(&b, ": exit status %d", e.ExitCode)
	}
	if out := lastLines(e.Output, 5); out != "" {
		b.WriteString(": ")
		b.WriteString(out)
	}
	return b.String()
}

func (e *ComposeError) Unwrap() error { return e.Err }

// PortConflictError means a container could not bind a host port even though
// the port was free when it was allocated.
type PortConflictError struct {
	Project string
	Port    int
	Output  string
}

func (e *PortConflictError) Error() string {
	if e.Port > 0 {
		return fmt.Sprintf("port conflict: host port %d was taken after allocation (project %s)", e.Port, e.Project)
	}
	return fmt.Sprintf("port conflict: a host port was taken after allocation (project %s): %s", e.Project, lastLines(e.Output, 3))
}

func lastLines(s string, n int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
