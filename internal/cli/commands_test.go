package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/psb/internal/bundle"
	"github.com/roach88/psb/internal/ir"
	"github.com/roach88/psb/internal/mirror"
	"github.com/roach88/psb/internal/remote"
	"github.com/roach88/psb/internal/store"
	"github.com/roach88/psb/internal/testutil"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	goleak.VerifyTestMain(m)
}

// clearRemoteEnv hides any Notion settings of the developer's shell.
func clearRemoteEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"NOTION_TOKEN", "NOTION_DB_RUNS", "NOTION_DB_RESULTS", "NOTION_DB_ARTIFACTS", "NOTION_DB_BRIEFINGS",
		"PSB_NOTION_TOKEN", "PSB_DRY_RUN", "PSB_SYNC_DRY_RUN",
	} {
		t.Setenv(name, "")
	}
}

type cliResult struct {
	stdout string
	stderr string
	err    error
}

// execute runs one psb invocation against a fresh command tree.
func execute(t *testing.T, opts *RootOptions, args ...string) cliResult {
	t.Helper()
	if opts == nil {
		opts = &RootOptions{}
	}
	cmd := newRootCommand(opts)
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return cliResult{stdout: stdout.String(), stderr: stderr.String(), err: err}
}

// memoryOptions wires an in-memory remote and a fake clock.
func memoryOptions(mem *remote.Memory) *RootOptions {
	clock := testutil.NewFakeClock()
	return &RootOptions{remote: mem, sleep: clock.Sleep, now: clock.Now}
}

func decodeResponse(t *testing.T, out string) CLIResponse {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), "output: %s", out)
	return resp
}

// ============================================================================
// validate / compile
// ============================================================================

func TestValidate_DemoWorkspace(t *testing.T) {
	clearRemoteEnv(t)
	ws := testutil.NewDemoWorkspace(t)

	res := execute(t, nil, "validate", "--workspace", ws.Root)
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "1 bundle(s), 0 rejected")
	assert.Contains(t, res.stdout, "✓ All bundles valid")

	entries, err := os.ReadDir(ws.Paths().OutDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "validate must not write")
}

func TestValidate_JSON(t *testing.T) {
	clearRemoteEnv(t)
	ws := testutil.NewDemoWorkspace(t)

	res := execute(t, nil, "validate", "--format", "json", "-w", ws.Root)
	require.NoError(t, res.err)

	resp := decodeResponse(t, res.stdout)
	assert.Equal(t, "ok", resp.Status)
	data := resp.Data.(map[string]any)
	assert.EqualValues(t, 1, data["bundles"])
	rows := data["rows"].(map[string]any)
	assert.EqualValues(t, 1, rows["runs"])
	assert.EqualValues(t, 0, rows["artifacts"])
}

func TestValidate_RejectedRunExitsOne(t *testing.T) {
	clearRemoteEnv(t)
	ws := testutil.NewDemoWorkspace(t)
	ws.AddBundle(testutil.BundleSpec{RunID: "RUN-EXP-20250814-0002-AB", Ciphertext: "CTX-unknown-v1.0"})

	res := execute(t, nil, "validate", "-w", ws.Root)
	require.Error(t, res.err)
	assert.Equal(t, ExitFailure, GetExitCode(res.err))
	assert.Contains(t, res.stdout, "✗ UnresolvedReference")
	assert.Contains(t, res.stdout, "CTX-unknown-v1.0")
}

func TestCompile_WritesMirror(t *testing.T) {
	clearRemoteEnv(t)
	ws := testutil.NewDemoWorkspace(t)

	res := execute(t, nil, "compile", "-w", ws.Root)
	require.NoError(t, res.err)

	out := ws.Paths().OutDir
	for _, table := range ir.TableOrder {
		assert.FileExists(t, filepath.Join(out, mirror.FileName(table)))
	}
	assert.FileExists(t, filepath.Join(out, mirror.MethodsSeedFile))

	back, err := mirror.Read(out)
	require.NoError(t, err)
	require.Len(t, back.Runs, 1)
	assert.Equal(t, testutil.DemoRunID, back.Runs[0].Key)
}

func TestCompile_KeyCollision(t *testing.T) {
	clearRemoteEnv(t)
	ws := testutil.NewDemoWorkspace(t)

	st, err := store.Open(ws.Paths().StateDB)
	require.NoError(t, err)
	row := ir.Row{Table: ir.TableRuns, Key: testutil.DemoRunID, RunID: testutil.DemoRunID,
		Origin: "/elsewhere/" + testutil.DemoRunID, Values: map[string]string{"RUN ID": testutil.DemoRunID}}
	require.NoError(t, st.RecordSynced(context.Background(), ir.SyncedRow{Row: row, Hash: ir.MustRowHash(row)}))
	require.NoError(t, st.Close())

	res := execute(t, nil, "compile", "--format", "json", "-w", ws.Root)
	require.Error(t, res.err)
	assert.Equal(t, ExitFailure, GetExitCode(res.err))

	resp := decodeResponse(t, res.stdout)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeKeyCollision, resp.Error.Code)
	assert.NoFileExists(t, filepath.Join(ws.Paths().OutDir, mirror.FileName(ir.TableRuns)))
}

func TestCompile_BadConfigIsCommandError(t *testing.T) {
	clearRemoteEnv(t)
	ws := testutil.NewDemoWorkspace(t)
	cfgPath := ws.WriteFile("psb.yaml", "sync:\n  attempts: 0\n")

	res := execute(t, nil, "compile", "-w", ws.Root, "--config", cfgPath)
	require.Error(t, res.err)
	assert.Equal(t, ExitCommandError, GetExitCode(res.err))
	assert.Contains(t, res.stdout, "Error [E002]")
	assert.Contains(t, res.stdout, "sync.attempts")
}

// ============================================================================
// plan / sync
// ============================================================================

func TestPlan_Golden(t *testing.T) {
	clearRemoteEnv(t)
	ws := testutil.NewDemoWorkspace(t)

	res := execute(t, nil, "plan", "-w", ws.Root)
	require.NoError(t, res.err)

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "plan_demo", []byte(res.stdout))
}

func TestSync_ThenPlanIsEmpty(t *testing.T) {
	clearRemoteEnv(t)
	ws := testutil.NewDemoWorkspace(t)
	mem := remote.NewMemory(remote.WithIDs(testutil.NewSequentialIDs("page").NewID))
	opts := memoryOptions(mem)

	res := execute(t, opts, "sync", "-w", ws.Root)
	require.NoError(t, res.err, res.stdout)
	assert.Contains(t, res.stdout, "runs RUN-EXP-20250814-0001-AB created")
	assert.Contains(t, res.stdout, "Created 3, updated 0, failed 0, skipped 0")
	assert.Contains(t, res.stdout, "✓ Sync complete")
	assert.FileExists(t, filepath.Join(ws.Paths().OutDir, "sync_report.yaml"))
	assert.Len(t, mem.Records(ir.TableResults), 1)

	res = execute(t, opts, "plan", "-w", ws.Root)
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "Nothing to do (3 row(s) up to date)")
}

func TestSync_BlockedUpdateExitsOne(t *testing.T) {
	clearRemoteEnv(t)
	ws := testutil.NewDemoWorkspace(t)
	opts := memoryOptions(remote.NewMemory())

	require.NoError(t, execute(t, opts, "sync", "-w", ws.Root).err)

	spec := testutil.DemoBundle()
	spec.BestScore = -400
	ws.AddBundle(spec)

	res := execute(t, opts, "sync", "--format", "json", "-w", ws.Root)
	require.Error(t, res.err)
	assert.Equal(t, ExitFailure, GetExitCode(res.err))
	resp := decodeResponse(t, res.stdout)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeBlocked, resp.Error.Code)
}

func TestSync_FailedOperationExitsOne(t *testing.T) {
	clearRemoteEnv(t)
	ws := testutil.NewDemoWorkspace(t)
	mem := remote.NewMemory()
	mem.Inject(remote.Fault{Kind: remote.CallCreate, Table: ir.TableBriefings, Times: 10,
		Err: remote.NewTransient("create briefings", assert.AnError)})

	res := execute(t, memoryOptions(mem), "sync", "-w", ws.Root)
	require.Error(t, res.err)
	assert.Equal(t, ExitFailure, GetExitCode(res.err))
	assert.Contains(t, res.stdout, "✗ briefings RUN-EXP-20250814-0001-AB failed")
	assert.Contains(t, res.stdout, "failed 1")
}

func TestSync_DryRunWithoutCredentials(t *testing.T) {
	clearRemoteEnv(t)
	ws := testutil.NewDemoWorkspace(t)

	res := execute(t, nil, "sync", "--dry-run", "-w", ws.Root)
	require.NoError(t, res.err, res.stdout)
	assert.Contains(t, res.stdout, "Would create 3, would update 0")
	assert.Contains(t, res.stdout, "✓ Dry run complete")
}

func TestSync_MissingCredentialsIsCommandError(t *testing.T) {
	clearRemoteEnv(t)
	ws := testutil.NewDemoWorkspace(t)

	res := execute(t, nil, "sync", "-w", ws.Root)
	require.Error(t, res.err)
	assert.Equal(t, ExitCommandError, GetExitCode(res.err))
	assert.Contains(t, res.stdout, "Error [E002]")
	assert.Contains(t, res.stdout, "NOTION_TOKEN")
}

// ============================================================================
// diag
// ============================================================================

func TestDiag_MatchingDatabases(t *testing.T) {
	clearRemoteEnv(t)
	ws := testutil.NewDemoWorkspace(t)

	res := execute(t, memoryOptions(remote.NewMemory()), "diag", "-w", ws.Root)
	require.NoError(t, res.err, res.stdout)
	assert.Contains(t, res.stdout, "NOTION_TOKEN: missing")
	assert.Contains(t, res.stdout, `runs: title property "Title"`)
	assert.Contains(t, res.stdout, "✓ All databases match")
}

func TestDiag_MissingProperty(t *testing.T) {
	clearRemoteEnv(t)
	ws := testutil.NewDemoWorkspace(t)
	runs := remote.ExpectedSchema(ir.TableRuns)
	delete(runs.Properties, "Code Commit")
	mem := remote.NewMemory(remote.WithSchema(ir.TableRuns, runs))

	res := execute(t, memoryOptions(mem), "diag", "-w", ws.Root)
	require.Error(t, res.err)
	assert.Equal(t, ExitFailure, GetExitCode(res.err))
	assert.Contains(t, res.stdout, `! runs: property "Code Commit" is missing and will be skipped`)
}

func TestDiag_NoCredentials(t *testing.T) {
	clearRemoteEnv(t)
	t.Setenv("NOTION_DB_RUNS", "db-runs")
	ws := testutil.NewDemoWorkspace(t)

	res := execute(t, nil, "diag", "-w", ws.Root)
	require.Error(t, res.err)
	assert.Equal(t, ExitCommandError, GetExitCode(res.err))
	assert.Contains(t, res.stdout, "NOTION_TOKEN: missing")
	assert.Contains(t, res.stdout, "runs database: set")
	assert.Contains(t, res.stdout, "briefings database: missing")
	assert.NotContains(t, res.stdout, "db-runs")
}

// ============================================================================
// corpora / methods
// ============================================================================

func TestCorporaRebuild(t *testing.T) {
	clearRemoteEnv(t)
	ws := testutil.NewDemoWorkspace(t)
	ws.WriteFile("data/corpora/en_words.txt", "THE\nAND\nBERLIN\nCLOCK\n")

	res := execute(t, nil, "corpora", "rebuild", "-w", ws.Root)
	require.NoError(t, res.err, res.stdout)
	assert.Contains(t, res.stdout, "✓ Wrote 2 corpora")

	entries, errs := bundle.ParseCorporaRegistry(ws.Paths().CorporaRegistry)
	require.Empty(t, errs)
	require.Len(t, entries, 2)
	ids := []string{entries[0].ID, entries[1].ID}
	assert.Contains(t, ids, testutil.DemoCorpus)
	assert.Contains(t, ids, "CORP-en-words")
}

func TestMethodsSeed(t *testing.T) {
	clearRemoteEnv(t)
	ws := testutil.NewDemoWorkspace(t)
	target := filepath.Join(ws.Root, "seed", "methods.csv")

	res := execute(t, nil, "methods", "seed", "-w", ws.Root, "-o", target)
	require.NoError(t, res.err, res.stdout)
	assert.Contains(t, res.stdout, "✓ Wrote 1 method(s)")

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	header, _, _ := strings.Cut(string(data), "\n")
	assert.True(t, strings.HasPrefix(header, "Name,Description,Parameters Schema,Version,Status,Notes"), header)
	assert.Contains(t, string(data), testutil.DemoMethod)
}

func TestMethodsSeed_RejectedDefinition(t *testing.T) {
	clearRemoteEnv(t)
	ws := testutil.NewDemoWorkspace(t)
	ws.WriteFile("data/methods/MTH-broken-v0.1.json", "{not json")

	res := execute(t, nil, "methods", "seed", "-w", ws.Root)
	require.Error(t, res.err)
	assert.Equal(t, ExitFailure, GetExitCode(res.err))
	assert.FileExists(t, filepath.Join(ws.Paths().OutDir, mirror.MethodsSeedFile))
	assert.Contains(t, res.stdout, "1 rejected")
}
