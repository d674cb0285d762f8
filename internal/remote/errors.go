package remote

import (
	"errors"
	"fmt"
	"time"
)

// Class says whether a failed remote call may succeed if repeated.
type Class string

const (
	// Transient failures are retried: rate limits, 5xx, network errors,
	// timeouts, and edit conflicts.
	Transient Class = "Transient"

	// Fatal failures are not retried: schema rejected, unknown select
	// option, authentication, missing database.
	Fatal Class = "Fatal"
)

var (
	// ErrAlreadyExists is returned by Create when a record with the same key
	// was created concurrently.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrNotFound is returned by Update when the record no longer exists.
	ErrNotFound = errors.New("record not found")
)

// SyncError is a classified failure of one remote call.
type SyncError struct {
	Class Class

	// Op names the call that failed, e.g. "create runs".
	Op string

	// Status is the HTTP status, 0 for transport errors.
	Status int

	// Code is the remote error code when the response carried one.
	Code string

	// RetryAfter is the delay the remote asked for, 0 when unspecified.
	RetryAfter time.Duration

	Err error
}

func (e *SyncError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s: status %d: %v", e.Class, e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Class, e.Op, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// IsTransient reports whether err may succeed on retry.
// Uses errors.As to handle wrapped errors.
func IsTransient(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Class == Transient
	}
	return false
}

// RetryAfter returns the delay requested by the remote, if any.
func RetryAfter(err error) time.Duration {
	var se *SyncError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}

// NewTransient wraps err as a retryable failure.
func NewTransient(op string, err error) *SyncError {
	return &SyncError{Class: Transient, Op: op, Err: err}
}

// NewFatal wraps err as a non-retryable failure.
func NewFatal(op string, err error) *SyncError {
	return &SyncError{Class: Fatal, Op: op, Err: err}
}

// classifyStatus maps an HTTP status to a failure class.
func classifyStatus(status int) Class {
	switch {
	case status == 429, status == 409, status >= 500:
		return Transient
	default:
		return Fatal
	}
}
