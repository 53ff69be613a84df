package seed

import "fmt"

// ErrorKind classifies a SeedError.
type ErrorKind string

const (
	KindFileNotFound           ErrorKind = "FileNotFound"
	KindSQLExecutionFailed     ErrorKind = "SqlExecutionFailed"
	KindScriptFailed           ErrorKind = "ScriptFailed"
	KindLicenceInjectionFailed ErrorKind = "LicenceInjectionFailed"
	KindUnknownPack            ErrorKind = "UnknownPack"
)

// SeedError names the pack and file that failed. Files applied before the
// failure stay applied.
type SeedError struct {
	Kind ErrorKind
	Pack string
	Path string
	Err  error
}

func (e *SeedError) Error() string {
	msg := fmt.Sprintf("seed %s", e.Kind)
	if e.Pack != "" {
		msg += fmt.Sprintf(" in pack %q", e.Pack)
	}
	if e.Path != "" {
		msg += fmt.Sprintf(" (%s)", e.Path)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SeedError) Unwrap() error { return e.Err }

// Subject is the identifier reported to the user: the file when known,
// otherwise the pack.
func (e *SeedError) Subject() string {
	if e.Path != "" {
		return e.Path
	}
	return e.Pack
}
