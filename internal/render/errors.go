package render

import "fmt"

// RenderError reports a failure to produce a run's compose file. No
// container has been started when it is returned.
type RenderError struct {
	RunID string
	Path  string
	Err   error
}

func (e *RenderError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("render run %s (%s): %v", e.RunID, e.Path, e.Err)
	}
	return fmt.Sprintf("render run %s: %v", e.RunID, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }
