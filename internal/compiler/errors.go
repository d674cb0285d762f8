package compiler

import (
	"fmt"
	"strings"

	"github.com/roach88/psb/internal/ir"
)

// DiagnosticKind classifies a run rejected during compilation.
type DiagnosticKind string

const (
	UnresolvedReference DiagnosticKind = "UnresolvedReference"
	MethodConflict      DiagnosticKind = "MethodConflict"
)

// Diagnostic explains why a run and its dependent rows were not compiled.
type Diagnostic struct {
	Kind    DiagnosticKind `json:"kind"`
	RunID   string         `json:"run_id,omitempty"`
	Ref     string         `json:"ref"`
	Origin  string         `json:"origin,omitempty"`
	Message string         `json:"message"`
}

func (d Diagnostic) Error() string {
	if d.RunID != "" {
		return fmt.Sprintf("%s: %s: %s: %s", d.Kind, d.RunID, d.Ref, d.Message)
	}
	return fmt.Sprintf("%s: %s: %s", d.Kind, d.Ref, d.Message)
}

// Collision is one key claimed by more than one bundle.
type Collision struct {
	Table   ir.TableName `json:"table"`
	Key     string       `json:"key"`
	Origins []string     `json:"origins"`
}

// KeyCollisionError is fatal for the whole invocation: nothing is written
// when two bundles claim the same row key.
type KeyCollisionError struct {
	Collisions []Collision `json:"collisions"`
}

func (e *KeyCollisionError) Error() string {
	parts := make([]string, len(e.Collisions))
	for i, c := range e.Collisions {
		parts[i] = fmt.Sprintf("%s %q claimed by %s", c.Table, c.Key, strings.Join(c.Origins, ", "))
	}
	return "key collision: " + strings.Join(parts, "; ")
}
