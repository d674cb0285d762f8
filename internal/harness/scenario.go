package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/psb/internal/ir"
	"github.com/roach88/psb/internal/remote"
)

// Scenario drives the pipeline through a sequence of steps against an
// in-memory remote and asserts on the calls it made and the state it left.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Golden compares the call trace against testdata/golden/<name>.golden.
	Golden bool `yaml:"golden,omitempty"`

	// Bundles are written to the workspace before the first step. The
	// demo registries are always present.
	Bundles []BundleStep `yaml:"bundles,omitempty"`

	// Remote prepares the in-memory record store.
	Remote RemoteSetup `yaml:"remote,omitempty"`

	// Steps run in order; each sees the workspace and state left by the last.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final remote, state database and mirror.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// BundleStep describes a bundle directory to write or overwrite.
type BundleStep struct {
	RunID      string            `yaml:"run_id"`
	Status     string            `yaml:"status,omitempty"`
	Ciphertext string            `yaml:"ciphertext,omitempty"`
	Method     string            `yaml:"method,omitempty"`
	Results    bool              `yaml:"results,omitempty"`
	BestScore  float64           `yaml:"best_score,omitempty"`
	Briefing   bool              `yaml:"briefing,omitempty"`
	Artifacts  map[string]string `yaml:"artifacts,omitempty"`
	Checksums  bool              `yaml:"checksums,omitempty"`
}

// RemoteSetup seeds records and schedules failures.
type RemoteSetup struct {
	Seed   []SeedRecord  `yaml:"seed,omitempty"`
	Faults []FaultSpec   `yaml:"faults,omitempty"`
	Races  []RecordRef   `yaml:"races,omitempty"`
	Drop   []PropertyRef `yaml:"drop_properties,omitempty"`
}

// SeedRecord is a record present in the remote before the first step.
type SeedRecord struct {
	Table  ir.TableName      `yaml:"table"`
	Values map[string]string `yaml:"values"`
}

// FaultSpec makes matching remote calls fail.
type FaultSpec struct {
	Kind      remote.CallKind `yaml:"kind"`
	Table     ir.TableName    `yaml:"table,omitempty"`
	Key       string          `yaml:"key,omitempty"`
	Times     int             `yaml:"times,omitempty"`
	Transient bool            `yaml:"transient,omitempty"`
	Message   string          `yaml:"message,omitempty"`
}

// RecordRef names one remote record by key.
type RecordRef struct {
	Table ir.TableName `yaml:"table"`
	Key   string       `yaml:"key"`
}

// PropertyRef names one property of a remote database.
type PropertyRef struct {
	Table    ir.TableName `yaml:"table"`
	Property string       `yaml:"property"`
}

// Step is one pipeline invocation.
type Step struct {
	// Action is validate, compile, plan, sync or dry_run.
	Action string `yaml:"action"`

	// Bundles are written before the action runs.
	Bundles []BundleStep `yaml:"bundles,omitempty"`

	// Faults are injected before the action runs.
	Faults []FaultSpec `yaml:"faults,omitempty"`

	// Expect validates the outcome of this step.
	Expect *StepExpect `yaml:"expect,omitempty"`
}

// StepExpect checks one step. Unset fields are not checked.
type StepExpect struct {
	// Error is a substring of the error the step must return.
	Error string `yaml:"error,omitempty"`
	// Clean requires no parse errors and no compile diagnostics.
	Clean *bool `yaml:"clean,omitempty"`
	// Diagnostics is the number of runs rejected by the compiler.
	Diagnostics *int `yaml:"diagnostics,omitempty"`
	// Plan counts planned operations: create, update, blocked.
	Plan map[string]int `yaml:"plan,omitempty"`
	// Outcomes counts executor outcomes, e.g. created: 3.
	Outcomes map[string]int `yaml:"outcomes,omitempty"`
	// OK is the report's overall verdict.
	OK *bool `yaml:"ok,omitempty"`
}

// Assertion validates final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	Table ir.TableName    `yaml:"table,omitempty"`
	Key   string          `yaml:"key,omitempty"`
	Kind  remote.CallKind `yaml:"kind,omitempty"`
	Name  string          `yaml:"name,omitempty"`
	Count int             `yaml:"count,omitempty"`

	// Expect holds column values (subset match).
	Expect map[string]string `yaml:"expect,omitempty"`
	// Absent lists columns the record must not carry.
	Absent []string `yaml:"absent,omitempty"`
}

// Step actions.
const (
	ActionValidate = "validate"
	ActionCompile  = "compile"
	ActionPlan     = "plan"
	ActionSync     = "sync"
	ActionDryRun   = "dry_run"
)

// Assertion type constants.
const (
	AssertRemoteCount  = "remote_count"
	AssertRemoteRecord = "remote_record"
	AssertCallCount    = "call_count"
	AssertStateRow     = "state_row"
	AssertMethodDigest = "method_digest"
	AssertMirrorRow    = "mirror_row"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict decoding catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, b := range s.Bundles {
		if b.RunID == "" {
			return fmt.Errorf("bundles[%d]: run_id is required", i)
		}
	}
	for i, f := range s.Remote.Faults {
		if err := validateFault(fmt.Sprintf("remote.faults[%d]", i), f); err != nil {
			return err
		}
	}
	for i, step := range s.Steps {
		switch step.Action {
		case ActionValidate, ActionCompile, ActionPlan, ActionSync, ActionDryRun:
		case "":
			return fmt.Errorf("steps[%d]: action is required", i)
		default:
			return fmt.Errorf("steps[%d]: unknown action %q", i, step.Action)
		}
		for j, b := range step.Bundles {
			if b.RunID == "" {
				return fmt.Errorf("steps[%d].bundles[%d]: run_id is required", i, j)
			}
		}
		for j, f := range step.Faults {
			if err := validateFault(fmt.Sprintf("steps[%d].faults[%d]", i, j), f); err != nil {
				return err
			}
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateFault(where string, f FaultSpec) error {
	switch f.Kind {
	case remote.CallDescribe, remote.CallQuery, remote.CallCreate, remote.CallUpdate:
		return nil
	case "":
		return fmt.Errorf("%s: kind is required", where)
	default:
		return fmt.Errorf("%s: unknown call kind %q", where, f.Kind)
	}
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertRemoteCount:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for remote_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for remote_count", index)
		}
	case AssertRemoteRecord, AssertStateRow, AssertMirrorRow:
		if a.Table == "" || a.Key == "" {
			return fmt.Errorf("assertions[%d]: table and key are required for %s", index, a.Type)
		}
	case AssertCallCount:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for call_count", index)
		}
	case AssertMethodDigest:
		if a.Name == "" {
			return fmt.Errorf("assertions[%d]: name is required for method_digest", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
