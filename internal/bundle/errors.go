package bundle

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a parse failure.
type ErrorKind string

const (
	IdentityMismatch ErrorKind = "IdentityMismatch"
	MissingSection   ErrorKind = "MissingSection"
	ChecksumMismatch ErrorKind = "ChecksumMismatch"
	MissingFile      ErrorKind = "MissingFile"
	RaggedRow        ErrorKind = "RaggedRow"
	InvalidJSON      ErrorKind = "InvalidJSON"
	SchemaViolation  ErrorKind = "SchemaViolation"
)

// ParseError is a failure tied to one input file, and optionally one line.
type ParseError struct {
	Kind    ErrorKind `json:"kind"`
	Path    string    `json:"path"`
	Line    int       `json:"line,omitempty"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *ParseError) Error() string {
	loc := e.Path
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d", e.Path, e.Line)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Kind, loc, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, loc, e.Message)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Is matches another *ParseError by kind, so callers can test
// errors.Is(err, &ParseError{Kind: ChecksumMismatch}).
func (e *ParseError) Is(target error) bool {
	t, ok := target.(*ParseError)
	return ok && t.Kind == e.Kind && t.Path == "" && t.Message == ""
}

// KindOf returns the kind of a *ParseError in err's chain, or "".
func KindOf(err error) ErrorKind {
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

func newError(kind ErrorKind, path, format string, args ...any) *ParseError {
	return &ParseError{Kind: kind, Path: path, Message: fmt.Sprintf(format, args...)}
}
