package manifest

import (
	"fmt"
	"strings"
)

// ErrorKind classifies a ManifestError.
type ErrorKind string

const (
	KindMissingKey       ErrorKind = "MissingKey"
	KindInvalidPath      ErrorKind = "InvalidPath"
	KindPortOutOfRange   ErrorKind = "PortOutOfRange"
	KindDuplicateEdition ErrorKind = "DuplicateEdition"
	KindUnknownEdition   ErrorKind = "UnknownEdition"
	KindParse            ErrorKind = "Parse"
)

// ManifestError names the offending key and, for path problems, the path.
type ManifestError struct {
	Kind   ErrorKind
	Key    string
	Path   string
	Source string
	Err    error
}

func (e *ManifestError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "manifest %s", e.Kind)
	if e.Key != "" {
		fmt.Fprintf(&b, " %s", e.Key)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " (path %s)", e.Path)
	}
	if e.Source != "" {
		fmt.Fprintf(&b, " in %s", e.Source)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ManifestError) Unwrap() error { return e.Err }

// Subject returns the identifier a user needs to fix the problem.
func (e *ManifestError) Subject() string {
	if e.Path != "" {
		return e.Path
	}
	return e.Key
}
