package janitor

import (
	"fmt"
	"strconv"
)

// ErrorKind classifies janitor failures.
type ErrorKind int

const (
	KindInvalidConfig ErrorKind = iota + 1
	KindCommandFailure
	KindParse
	KindNotClean
	KindRunner
)

// Error is returned by Sweep and NewConfig.
type Error struct {
	Kind ErrorKind

	Field    string
	Program  string
	Code     *int
	Resource string
	Stderr   string
	Message  string

	Err error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindInvalidConfig:
		return "missing " + e.Field
	case KindCommandFailure:
		code := "unknown"
		if e.Code != nil {
			code = strconv.Itoa(*e.Code)
		}
		return fmt.Sprintf("%s exited with status %s: %s: %s", e.Program, code, e.Resource, e.Stderr)
	case KindParse:
		return fmt.Sprintf("failed to parse %s output: %s", e.Resource, e.Message)
	case KindNotClean:
		return "resources remain after janitor sweep: " + e.Message
	default:
		if e.Err != nil {
			return e.Err.Error()
		}
		return fmt.Sprintf("failed to run %s", e.Program)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func parseError(resource, message string) *Error {
	return &Error{Kind: KindParse, Resource: resource, Message: message}
}
