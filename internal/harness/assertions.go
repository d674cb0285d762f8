package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/psb/internal/ir"
	"github.com/roach88/psb/internal/mirror"
	"github.com/roach88/psb/internal/remote"
	"github.com/roach88/psb/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes the call trace to help debug the failure.
type AssertionError struct {
	Type     string      // Assertion type for categorization
	Expected string      // Human-readable expected outcome
	Actual   string      // Human-readable actual outcome
	Trace    []CallEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, ev := range e.Trace {
			failed := ""
			if ev.Failed {
				failed = " (failed)"
			}
			fmt.Fprintf(&buf, "  [%d] step %d %s %s %s%s\n", i+1, ev.Step, ev.Call, ev.Table, ev.Key, failed)
		}
	}
	return buf.String()
}

// AssertionContext provides what assertions inspect after the last step.
type AssertionContext struct {
	Ctx     context.Context
	Remote  *remote.Memory
	StateDB string
	OutDir  string
	Trace   []CallEvent
}

// EvaluateAssertions evaluates all assertions.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, a := range assertions {
		var err error

		switch a.Type {
		case AssertRemoteCount:
			err = assertRemoteCount(actx, a)
		case AssertRemoteRecord:
			err = assertRemoteRecord(actx, a)
		case AssertCallCount:
			err = assertCallCount(actx, a)
		case AssertStateRow:
			err = assertStateRow(actx, a)
		case AssertMethodDigest:
			err = assertMethodDigest(actx, a)
		case AssertMirrorRow:
			err = assertMirrorRow(actx, a)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}
	return errors
}

func assertRemoteCount(actx *AssertionContext, a Assertion) error {
	got := len(actx.Remote.Records(a.Table))
	if got == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertRemoteCount,
		Expected: fmt.Sprintf("%d record(s) in %s", a.Count, a.Table),
		Actual:   fmt.Sprintf("%d record(s)", got),
		Trace:    actx.Trace,
	}
}

// assertRemoteRecord finds exactly one record by its key property and
// checks its values.
func assertRemoteRecord(actx *AssertionContext, a Assertion) error {
	keyProp := ir.Schema(a.Table).KeyColumn
	var found []remote.Record
	for _, r := range actx.Remote.Records(a.Table) {
		if r.Values[keyProp] == a.Key {
			found = append(found, r)
		}
	}
	if len(found) != 1 {
		return &AssertionError{
			Type:     AssertRemoteRecord,
			Expected: fmt.Sprintf("one %s record with %s = %q", a.Table, keyProp, a.Key),
			Actual:   fmt.Sprintf("%d record(s)", len(found)),
			Trace:    actx.Trace,
		}
	}
	if msg := matchValues(found[0].Values, a.Expect, a.Absent); msg != "" {
		return &AssertionError{
			Type:     AssertRemoteRecord,
			Expected: fmt.Sprintf("%s %s with %v", a.Table, a.Key, a.Expect),
			Actual:   msg,
			Trace:    actx.Trace,
		}
	}
	return nil
}

func assertCallCount(actx *AssertionContext, a Assertion) error {
	got := 0
	for _, ev := range actx.Trace {
		if ev.Call == string(a.Kind) && (a.Table == "" || ev.Table == string(a.Table)) {
			got++
		}
	}
	if got == a.Count {
		return nil
	}
	scope := "any table"
	if a.Table != "" {
		scope = string(a.Table)
	}
	return &AssertionError{
		Type:     AssertCallCount,
		Expected: fmt.Sprintf("%d %s call(s) on %s", a.Count, a.Kind, scope),
		Actual:   fmt.Sprintf("%d call(s)", got),
		Trace:    actx.Trace,
	}
}

func assertStateRow(actx *AssertionContext, a Assertion) error {
	snap, err := readSnapshot(actx)
	if err != nil {
		return err
	}
	row, ok := snap.Lookup(a.Table, a.Key)
	if !ok {
		return &AssertionError{
			Type:     AssertStateRow,
			Expected: fmt.Sprintf("synced row %s %s", a.Table, a.Key),
			Actual:   "not recorded",
			Trace:    actx.Trace,
		}
	}
	if row.RemoteID == "" {
		return &AssertionError{
			Type:     AssertStateRow,
			Expected: fmt.Sprintf("synced row %s %s with a remote ID", a.Table, a.Key),
			Actual:   "empty remote ID",
			Trace:    actx.Trace,
		}
	}
	if msg := matchValues(row.Values, a.Expect, a.Absent); msg != "" {
		return &AssertionError{
			Type:     AssertStateRow,
			Expected: fmt.Sprintf("%s %s with %v", a.Table, a.Key, a.Expect),
			Actual:   msg,
			Trace:    actx.Trace,
		}
	}
	return nil
}

// assertMethodDigest checks that a digest was recorded for a method. An
// expected "digest" value is compared exactly.
func assertMethodDigest(actx *AssertionContext, a Assertion) error {
	st, err := store.Open(actx.StateDB)
	if err != nil {
		return fmt.Errorf("method_digest: open state: %w", err)
	}
	defer st.Close()

	digests, err := st.MethodDigests(actx.Ctx)
	if err != nil {
		return fmt.Errorf("method_digest: %w", err)
	}
	got, ok := digests[a.Name]
	want := a.Expect["digest"]
	if ok && (want == "" || got == want) {
		return nil
	}
	actual := "no digest recorded"
	if ok {
		actual = got
	}
	expected := "a recorded digest for " + a.Name
	if want != "" {
		expected = want
	}
	return &AssertionError{Type: AssertMethodDigest, Expected: expected, Actual: actual}
}

func assertMirrorRow(actx *AssertionContext, a Assertion) error {
	tables, err := mirror.Read(actx.OutDir)
	if err != nil {
		return fmt.Errorf("mirror_row: %w", err)
	}
	for _, row := range tables.Rows(a.Table) {
		if row.Key != a.Key {
			continue
		}
		if msg := matchValues(row.Values, a.Expect, a.Absent); msg != "" {
			return &AssertionError{
				Type:     AssertMirrorRow,
				Expected: fmt.Sprintf("%s %s with %v", a.Table, a.Key, a.Expect),
				Actual:   msg,
			}
		}
		return nil
	}
	return &AssertionError{
		Type:     AssertMirrorRow,
		Expected: fmt.Sprintf("mirror row %s %s", a.Table, a.Key),
		Actual:   "not found",
	}
}

func readSnapshot(actx *AssertionContext) (*ir.Snapshot, error) {
	st, err := store.Open(actx.StateDB)
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}
	defer st.Close()
	return st.LoadSnapshot(actx.Ctx)
}

// matchValues checks expected values (subset semantics) and absent
// columns. It returns an empty string on match.
func matchValues(actual, expect map[string]string, absent []string) string {
	var mismatches []string
	for _, col := range ir.SortedKeys(expect) {
		got, ok := actual[col]
		if !ok {
			mismatches = append(mismatches, fmt.Sprintf("%s missing", col))
		} else if got != expect[col] {
			mismatches = append(mismatches, fmt.Sprintf("%s = %q, want %q", col, got, expect[col]))
		}
	}
	for _, col := range absent {
		if v, ok := actual[col]; ok {
			mismatches = append(mismatches, fmt.Sprintf("%s = %q, want absent", col, v))
		}
	}
	return strings.Join(mismatches, "; ")
}
