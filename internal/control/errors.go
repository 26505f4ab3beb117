package control

import (
	"fmt"
	"strconv"
)

// ErrorKind classifies sync and remote execution failures.
type ErrorKind int

const (
	KindInvalidConfig ErrorKind = iota
	KindMissingSource
	KindSpawn
	KindCommandFailure
	KindInvalidCommand
)

// Error is returned by every Syncer operation.
type Error struct {
	Kind    ErrorKind
	Field   string
	Path    string
	Program string
	Code    *int
	Stderr  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindInvalidConfig:
		if e.Field != "" && e.Message == "missing "+e.Field {
			return fmt.Sprintf("missing %s: set %s or add %s to sync in mriya.yaml", e.Field, envName(e.Field), e.Field)
		}
		return "invalid sync configuration: " + e.Message
	case KindMissingSource:
		return "sync source directory missing: " + e.Path
	case KindSpawn:
		return fmt.Sprintf("failed to spawn %s: %s", e.Program, e.Message)
	case KindCommandFailure:
		return fmt.Sprintf("%s exited with status %s: %s", e.Program, formatCode(e.Code), e.Stderr)
	case KindInvalidCommand:
		return "invalid command argument: " + e.Message
	default:
		return e.Message
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func formatCode(code *int) string {
	if code == nil {
		return "unknown"
	}
	return strconv.Itoa(*code)
}

func spawnError(program string, err error) *Error {
	return &Error{Kind: KindSpawn, Program: program, Message: err.Error(), Err: err}
}
