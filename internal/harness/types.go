package harness

import (
	"github.com/roach88/psb/internal/executor"
	"github.com/roach88/psb/internal/planner"
)

// CallEvent is one remote call made during a scenario.
type CallEvent struct {
	// Step is the 1-based step that made the call.
	Step   int    `json:"step"`
	Call   string `json:"call"`
	Table  string `json:"table"`
	Key    string `json:"key,omitempty"`
	Failed bool   `json:"failed,omitempty"`
}

// StepOutcome is what one step produced.
type StepOutcome struct {
	Action string
	Err    error
	Plan   *planner.Plan
	Report *executor.SyncReport
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every step expectation and assertion held.
	Pass bool

	// Trace lists remote calls per step. Within a step, calls are grouped
	// by table in write order; tables written in parallel therefore trace
	// deterministically.
	Trace []CallEvent

	Steps []StepOutcome

	// Errors contains failed expectations. Empty if Pass is true.
	Errors []string
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []CallEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
