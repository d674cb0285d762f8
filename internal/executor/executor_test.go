package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/psb/internal/ir"
	"github.com/roach88/psb/internal/planner"
	"github.com/roach88/psb/internal/remote"
	"github.com/roach88/psb/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// memRecorder is an in-memory Recorder.
type memRecorder struct {
	mu   sync.Mutex
	rows []ir.SyncedRow
	err  error
}

func (r *memRecorder) RecordSynced(_ context.Context, row ir.SyncedRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.rows = append(r.rows, row)
	return nil
}

func (r *memRecorder) snapshot() *ir.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := ir.NewSnapshot()
	for _, row := range r.rows {
		s.Put(row)
	}
	return s
}

func runRow(id, status string) ir.Row {
	return ir.Row{Table: ir.TableRuns, Key: id, RunID: id, Values: map[string]string{
		"Title": id, "RUN ID": id, "Status": status, "CPUh": "1.5",
	}}
}

func resultsRow(id string) ir.Row {
	return ir.Row{Table: ir.TableResults, Key: id, RunID: id, Values: map[string]string{
		"Title": id + " — RS", "RUN": id, "Best Score": "-512.25",
	}}
}

func briefingRow(id string) ir.Row {
	return ir.Row{Table: ir.TableBriefings, Key: id, RunID: id, Values: map[string]string{
		"Title": id + " — Briefing", "RUN": id, "Version": "1.0", "Technical": "t", "Broad": "b",
	}}
}

func artifactRow(id, path string) ir.Row {
	return ir.Row{Table: ir.TableArtifacts, Key: ir.ArtifactKey(id, path), RunID: id, Values: map[string]string{
		"Title": id + " — " + path, "RUN": id, "Type": "CSV", "Path/URL": path, "Size Bytes": "7",
	}}
}

// demoTables is one complete run: Runs, Results and Briefings rows.
func demoTables(ids ...string) *ir.Tables {
	t := &ir.Tables{}
	for _, id := range ids {
		t.Append(runRow(id, "Completed"))
		t.Append(resultsRow(id))
		t.Append(briefingRow(id))
	}
	return t
}

type fixture struct {
	store    *remote.Memory
	recorder *memRecorder
	clock    *testutil.FakeClock
	exec     *Executor
}

func newFixture(t *testing.T, mutate func(*Options), memOpts ...remote.MemoryOption) *fixture {
	t.Helper()
	ids := testutil.NewSequentialIDs("page")
	f := &fixture{
		store:    remote.NewMemory(append([]remote.MemoryOption{remote.WithIDs(ids.NewID)}, memOpts...)...),
		recorder: &memRecorder{},
		clock:    testutil.NewFakeClock(),
	}
	opts := Options{
		Retry:       RetryPolicy{Attempts: 3, Base: 500 * time.Millisecond, Max: 4 * time.Second},
		CallTimeout: time.Second,
		Recorder:    f.recorder,
		Sleep:       f.clock.Sleep,
		Now:         f.clock.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.exec = New(f.store, opts)
	return f
}

func outcomes(tr *TableReport) []Outcome {
	out := make([]Outcome, len(tr.Results))
	for i, r := range tr.Results {
		out[i] = r.Outcome
	}
	return out
}

// ============================================================================
// Happy path and idempotence
// ============================================================================

func TestExecuteDemoPlan(t *testing.T) {
	f := newFixture(t, nil)
	plan := planner.Build(demoTables(testutil.DemoRunID), nil)
	require.Equal(t, 3, plan.Count(planner.Create, ""))

	report, err := f.exec.Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, 3, report.Count(Created))
	assert.Equal(t, testutil.Epoch, report.StartedAt)

	assert.Len(t, f.store.Records(ir.TableRuns), 1)
	assert.Len(t, f.store.Records(ir.TableResults), 1)
	assert.Len(t, f.store.Records(ir.TableBriefings), 1)
	assert.Len(t, f.recorder.rows, 3)

	runs := report.Table(ir.TableRuns)
	assert.Equal(t, "page-0001", runs.Results[0].RemoteID)
	assert.Equal(t, 1, runs.Results[0].Attempts)
}

func TestExecuteAgainstRecordedStateIsEmpty(t *testing.T) {
	f := newFixture(t, nil)
	tables := demoTables("RUN-A-1", "RUN-B-1")

	_, err := f.exec.Execute(context.Background(), planner.Build(tables, nil))
	require.NoError(t, err)

	again := planner.Build(tables, f.recorder.snapshot())
	assert.True(t, again.Empty(), "second plan after a full sync has no operations")
}

func TestExecuteSamePlanTwiceConverges(t *testing.T) {
	f := newFixture(t, nil)
	plan := planner.Build(demoTables("RUN-A-1"), nil)

	_, err := f.exec.Execute(context.Background(), plan)
	require.NoError(t, err)
	report, err := f.exec.Execute(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Count(Updated), "creates found existing records and updated them")
	for _, tr := range report.Tables {
		for _, r := range tr.Results {
			assert.True(t, r.Fallback)
		}
	}
	for _, table := range ir.TableOrder {
		if table == ir.TableArtifacts {
			continue
		}
		assert.Len(t, f.store.Records(table), 1, "no duplicates in %s", table)
	}
}

func TestExecuteCreateRaceFallsBackToUpdate(t *testing.T) {
	f := newFixture(t, nil)
	f.store.Race(ir.TableBriefings, "RUN-A-1")

	report, err := f.exec.Execute(context.Background(), planner.Build(demoTables("RUN-A-1"), nil))
	require.NoError(t, err)
	assert.True(t, report.OK())

	res := report.Table(ir.TableBriefings).Results[0]
	assert.Equal(t, Updated, res.Outcome)
	assert.True(t, res.Fallback)
	assert.Len(t, f.store.Records(ir.TableBriefings), 1)
	assert.Empty(t, f.clock.Sleeps(), "race fallback does not back off")
}

func TestExecuteUpdateOfVanishedRecordCreates(t *testing.T) {
	f := newFixture(t, nil)
	old := runRow("RUN-A-1", "Running")
	snap := ir.NewSnapshot()
	snap.Put(ir.SyncedRow{Row: old, RemoteID: "gone"})
	tables := &ir.Tables{}
	tables.Append(runRow("RUN-A-1", "Completed"))

	plan := planner.Build(tables, snap)
	require.Equal(t, 1, plan.Count(planner.Update, ""))

	report, err := f.exec.Execute(context.Background(), plan)
	require.NoError(t, err)
	res := report.Table(ir.TableRuns).Results[0]
	assert.Equal(t, Created, res.Outcome)
	assert.True(t, res.Fallback)
}

// ============================================================================
// Retries
// ============================================================================

func TestExecuteRetriesTransientFailures(t *testing.T) {
	f := newFixture(t, nil)
	f.store.Inject(remote.Fault{
		Kind: remote.CallCreate, Table: ir.TableRuns, Times: 2,
		Err: &remote.SyncError{Class: remote.Transient, Op: "create runs", Status: 503, Err: errors.New("unavailable")},
	})

	report, err := f.exec.Execute(context.Background(), planner.Build(demoTables("RUN-A-1"), nil))
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, 3, report.Table(ir.TableRuns).Results[0].Attempts)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, f.clock.Sleeps())
}

func TestExecuteHonoursRetryAfter(t *testing.T) {
	f := newFixture(t, nil)
	f.store.Inject(remote.Fault{
		Kind: remote.CallQuery, Table: ir.TableRuns,
		Err: &remote.SyncError{Class: remote.Transient, Op: "query runs", Status: 429, RetryAfter: 3 * time.Second, Err: errors.New("rate limited")},
	})

	_, err := f.exec.Execute(context.Background(), planner.Build(demoTables("RUN-A-1"), nil))
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{3 * time.Second}, f.clock.Sleeps())
}

func TestExecuteTransientExhaustionFailsOnlyThatRow(t *testing.T) {
	f := newFixture(t, nil)
	f.store.Inject(remote.Fault{
		Kind: remote.CallCreate, Table: ir.TableResults, Key: "RUN-A-1", Times: 3,
		Err: remote.NewTransient("create results_summaries", errors.New("timeout")),
	})

	report, err := f.exec.Execute(context.Background(), planner.Build(demoTables("RUN-A-1", "RUN-B-1"), nil))
	require.NoError(t, err)
	assert.False(t, report.OK())

	results := report.Table(ir.TableResults)
	assert.False(t, results.Aborted)
	assert.Equal(t, []Outcome{Failed, Created}, outcomes(results))
	assert.Equal(t, 3, results.Results[0].Attempts)
	assert.Equal(t, []Outcome{Created, Created}, outcomes(report.Table(ir.TableBriefings)))
}

func TestExecuteSchemaFetchExhaustionFailsRowsWithoutAbort(t *testing.T) {
	f := newFixture(t, nil)
	f.store.Inject(remote.Fault{
		Kind: remote.CallDescribe, Table: ir.TableResults, Times: 3,
		Err: remote.NewTransient("describe results_summaries", errors.New("timeout")),
	})

	report, err := f.exec.Execute(context.Background(), planner.Build(demoTables("RUN-A-1", "RUN-B-1"), nil))
	require.NoError(t, err)
	assert.False(t, report.OK())

	results := report.Table(ir.TableResults)
	assert.False(t, results.Aborted)
	assert.Nil(t, results.AbortedBy)
	assert.Equal(t, []Outcome{Failed, Failed}, outcomes(results))
	for _, r := range results.Results {
		assert.Equal(t, 3, r.Attempts)
		assert.Contains(t, r.Error, "timeout")
	}
	assert.Empty(t, f.store.Records(ir.TableResults))
	assert.Equal(t, []Outcome{Created, Created}, outcomes(report.Table(ir.TableBriefings)))
}

// ============================================================================
// Fatal failures
// ============================================================================

func TestExecuteFatalAbortsRemainingOpsOfTable(t *testing.T) {
	f := newFixture(t, nil)
	f.store.Inject(remote.Fault{
		Kind: remote.CallCreate, Table: ir.TableArtifacts,
		Err: &remote.SyncError{Class: remote.Fatal, Op: "create artifacts", Status: 400, Err: errors.New("validation_error")},
	})
	tables := demoTables("RUN-A-1")
	tables.Append(artifactRow("RUN-A-1", "artifacts/a.csv"))
	tables.Append(artifactRow("RUN-A-1", "artifacts/b.csv"))
	tables.Append(artifactRow("RUN-A-1", "artifacts/c.csv"))

	report, err := f.exec.Execute(context.Background(), planner.Build(tables, nil))
	require.NoError(t, err)

	arts := report.Table(ir.TableArtifacts)
	assert.True(t, arts.Aborted)
	require.NotNil(t, arts.AbortedBy)
	assert.Equal(t, "RUN-A-1::artifacts/a.csv", arts.AbortedBy.Key)
	assert.Contains(t, arts.AbortedBy.Error, "validation_error")
	assert.Equal(t, []Outcome{Failed, NotAttempted, NotAttempted}, outcomes(arts))
	assert.Equal(t, 1, arts.Results[0].Attempts, "fatal failures are not retried")

	assert.Equal(t, []Outcome{Created}, outcomes(report.Table(ir.TableBriefings)), "other tables continue")
	assert.Empty(t, f.store.Records(ir.TableArtifacts))
}

func TestExecuteSkipsDependentsOfFailedRuns(t *testing.T) {
	f := newFixture(t, nil)
	f.store.Inject(remote.Fault{
		Kind: remote.CallCreate, Table: ir.TableRuns, Key: "RUN-B-1",
		Err: remote.NewFatal("create runs", errors.New("unauthorized")),
	})

	report, err := f.exec.Execute(context.Background(), planner.Build(demoTables("RUN-A-1", "RUN-B-1", "RUN-C-1"), nil))
	require.NoError(t, err)

	assert.Equal(t, []Outcome{Created, Failed, NotAttempted}, outcomes(report.Table(ir.TableRuns)))
	assert.Equal(t, []Outcome{Created, Skipped, Skipped}, outcomes(report.Table(ir.TableResults)))
	assert.Equal(t, []Outcome{Created, Skipped, Skipped}, outcomes(report.Table(ir.TableBriefings)))
	assert.Len(t, f.recorder.rows, 3, "only committed rows are recorded")
}

func TestExecuteRecorderFailureAbortsTable(t *testing.T) {
	f := newFixture(t, nil)
	f.recorder.err = errors.New("disk full")

	report, err := f.exec.Execute(context.Background(), planner.Build(demoTables("RUN-A-1", "RUN-B-1"), nil))
	require.NoError(t, err)
	runs := report.Table(ir.TableRuns)
	assert.True(t, runs.Aborted)
	assert.Contains(t, runs.AbortedBy.Error, "disk full")
}

// ============================================================================
// Schema guard
// ============================================================================

func TestExecuteMissingKeyPropertyAbortsTable(t *testing.T) {
	schema := remote.ExpectedSchema(ir.TableBriefings)
	delete(schema.Properties, "RUN")
	f := newFixture(t, nil, remote.WithSchema(ir.TableBriefings, schema))

	report, err := f.exec.Execute(context.Background(), planner.Build(demoTables("RUN-A-1", "RUN-B-1"), nil))
	require.NoError(t, err)

	br := report.Table(ir.TableBriefings)
	assert.True(t, br.Aborted)
	assert.Equal(t, []Outcome{Failed, NotAttempted}, outcomes(br))
	assert.Contains(t, br.AbortedBy.Error, `key property "RUN"`)
	assert.Equal(t, []Outcome{Created, Created}, outcomes(report.Table(ir.TableResults)), "other tables still written")
}

func TestExecuteMissingPropertyIsSkippedWithWarning(t *testing.T) {
	schema := remote.ExpectedSchema(ir.TableRuns)
	delete(schema.Properties, "CPUh")
	f := newFixture(t, nil, remote.WithSchema(ir.TableRuns, schema))

	report, err := f.exec.Execute(context.Background(), planner.Build(demoTables("RUN-A-1"), nil))
	require.NoError(t, err)
	assert.True(t, report.OK())

	runs := report.Table(ir.TableRuns)
	assert.Contains(t, runs.Warnings, `property "CPUh" not in remote database; skipped`)
	assert.NotContains(t, f.store.Records(ir.TableRuns)[0].Values, "CPUh")
}

func TestExecuteUnknownSelectOptionIsFatal(t *testing.T) {
	f := newFixture(t, nil)
	tables := &ir.Tables{}
	tables.Append(runRow("RUN-A-1", "Exploded"))
	tables.Append(runRow("RUN-B-1", "Completed"))

	report, err := f.exec.Execute(context.Background(), planner.Build(tables, nil))
	require.NoError(t, err)
	runs := report.Table(ir.TableRuns)
	assert.True(t, runs.Aborted)
	assert.Equal(t, []Outcome{Failed, NotAttempted}, outcomes(runs))
	assert.Zero(t, f.store.CallCount(remote.CallCreate))
}

// ============================================================================
// Dry run and cancellation
// ============================================================================

func TestExecuteDryRun(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.DryRun = true })
	f.store.Seed(ir.TableRuns, runRow("RUN-A-1", "Running").Values)

	report, err := f.exec.Execute(context.Background(), planner.Build(demoTables("RUN-A-1"), nil))
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, []Outcome{WouldUpdate}, outcomes(report.Table(ir.TableRuns)))
	assert.Equal(t, []Outcome{WouldCreate}, outcomes(report.Table(ir.TableResults)))
	assert.Zero(t, f.store.CallCount(remote.CallCreate))
	assert.Zero(t, f.store.CallCount(remote.CallUpdate))
	assert.Empty(t, f.recorder.rows)
}

func TestExecuteDryRunWithoutStore(t *testing.T) {
	exec := New(nil, Options{DryRun: true})
	report, err := exec.Execute(context.Background(), planner.Build(demoTables("RUN-A-1"), nil))
	require.NoError(t, err)
	assert.Equal(t, 3, report.Count(WouldCreate))
}

func TestExecuteCancelled(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := f.exec.Execute(ctx, planner.Build(demoTables("RUN-A-1"), nil))
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	assert.Zero(t, report.Count(Created))
	assert.Empty(t, f.recorder.rows)
}

// ============================================================================
// RetryPolicy
// ============================================================================

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{Attempts: 6, Base: 500 * time.Millisecond, Max: 3 * time.Second}
	assert.Equal(t, 500*time.Millisecond, p.Delay(1, nil))
	assert.Equal(t, time.Second, p.Delay(2, nil))
	assert.Equal(t, 2*time.Second, p.Delay(3, nil))
	assert.Equal(t, 3*time.Second, p.Delay(4, nil), "capped")

	ra := &remote.SyncError{Class: remote.Transient, RetryAfter: 10 * time.Second, Err: errors.New("x")}
	assert.Equal(t, 3*time.Second, p.Delay(1, ra), "Retry-After is capped too")
	ra.RetryAfter = 2 * time.Second
	assert.Equal(t, 2*time.Second, p.Delay(1, ra))
}
