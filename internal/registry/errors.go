package registry

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a RegistryError.
type ErrorKind string

const (
	KindCorrupt     ErrorKind = "Corrupt"
	KindNotFound    ErrorKind = "NotFound"
	KindLockTimeout ErrorKind = "LockTimeout"
	KindConflict    ErrorKind = "Conflict"
)

type RegistryError struct {
	Kind  ErrorKind
	RunID string
	Path  string
	Err   error
}

func (e *RegistryError) Error() string {
	msg := fmt.Sprintf("registry %s", e.Kind)
	if e.RunID != "" {
		msg += " run " + e.RunID
	}
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RegistryError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a RegistryError of kind NotFound.
func IsNotFound(err error) bool {
	var re *RegistryError
	return errors.As(err, &re) && re.Kind == KindNotFound
}
