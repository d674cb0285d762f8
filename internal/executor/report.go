package executor

import (
	"time"

	"github.com/roach88/psb/internal/ir"
	"github.com/roach88/psb/internal/planner"
)

// Outcome is what happened to one planned operation.
type Outcome string

const (
	Created Outcome = "created"
	Updated Outcome = "updated"
	// WouldCreate and WouldUpdate are dry-run outcomes.
	WouldCreate Outcome = "would_create"
	WouldUpdate Outcome = "would_update"
	// Failed operations were attempted and did not commit.
	Failed Outcome = "failed"
	// Skipped operations depend on a run whose own row failed.
	Skipped Outcome = "skipped"
	// NotAttempted operations were left behind when their table aborted.
	NotAttempted Outcome = "not_attempted"
)

// OpResult is the outcome of one operation.
type OpResult struct {
	Table   ir.TableName   `json:"table" yaml:"table"`
	Key     string         `json:"key" yaml:"key"`
	Kind    planner.OpKind `json:"kind" yaml:"kind"`
	Outcome Outcome        `json:"outcome" yaml:"outcome"`

	RemoteID string `json:"remote_id,omitempty" yaml:"remote_id,omitempty"`
	Attempts int    `json:"attempts,omitempty" yaml:"attempts,omitempty"`
	// Fallback is set when a create turned into an update or the reverse.
	Fallback bool   `json:"fallback,omitempty" yaml:"fallback,omitempty"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty"`
}

// TableReport collects the results of one table.
type TableReport struct {
	Table   ir.TableName `json:"table" yaml:"table"`
	Results []OpResult   `json:"results" yaml:"results"`
	// Aborted is set when a non-transient failure stopped the table.
	Aborted bool `json:"aborted,omitempty" yaml:"aborted,omitempty"`
	// AbortedBy is the operation that stopped the table.
	AbortedBy *OpResult `json:"aborted_by,omitempty" yaml:"aborted_by,omitempty"`
	// Warnings lists skipped properties and similar non-fatal findings.
	Warnings []string `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// SyncReport is the result of executing a plan.
type SyncReport struct {
	StartedAt  time.Time         `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time         `json:"finished_at" yaml:"finished_at"`
	DryRun     bool              `json:"dry_run" yaml:"dry_run"`
	Tables     []TableReport     `json:"tables" yaml:"tables"`
	Blocked    []planner.Blocked `json:"blocked,omitempty" yaml:"blocked,omitempty"`
}

// Count returns how many operations ended with an outcome.
func (r *SyncReport) Count(o Outcome) int {
	n := 0
	for _, t := range r.Tables {
		for _, res := range t.Results {
			if res.Outcome == o {
				n++
			}
		}
	}
	return n
}

// Counts returns the number of operations per outcome.
func (r *SyncReport) Counts() map[Outcome]int {
	out := make(map[Outcome]int)
	for _, t := range r.Tables {
		for _, res := range t.Results {
			out[res.Outcome]++
		}
	}
	return out
}

// OK reports whether every operation committed (or would commit).
func (r *SyncReport) OK() bool {
	for _, t := range r.Tables {
		if t.Aborted {
			return false
		}
		for _, res := range t.Results {
			switch res.Outcome {
			case Failed, Skipped, NotAttempted:
				return false
			}
		}
	}
	return true
}

// Table returns the report of one table.
func (r *SyncReport) Table(name ir.TableName) *TableReport {
	for i := range r.Tables {
		if r.Tables[i].Table == name {
			return &r.Tables[i]
		}
	}
	return nil
}
